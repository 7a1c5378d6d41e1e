package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// InsertDecision appends a decision record. The decisions table is
// append-only; one row is written per cycle, including skipped cycles.
func (db *DB) InsertDecision(ctx context.Context, rec *DecisionRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	query := `
		INSERT INTO decisions (
			id, agent_id, timestamp,
			system_prompt, user_prompt, raw_response,
			chain_of_thought, market_assessment, decisions, overall_confidence,
			execution_results, ai_model, tokens_used, latency_ms,
			is_debate, debate_models, debate_responses, debate_consensus_mode, debate_agreement_score,
			market_snapshot, account_snapshot, error
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22
		)
	`
	_, err := db.pool.Exec(ctx, query,
		rec.ID, rec.AgentID, rec.Timestamp,
		rec.SystemPrompt, rec.UserPrompt, rec.RawResponse,
		rec.ChainOfThought, rec.MarketAssessment, rec.Decisions, rec.OverallConfidence,
		rec.ExecutionResults, rec.AIModel, rec.TokensUsed, rec.LatencyMS,
		rec.IsDebate, rec.DebateModels, rec.DebateResponses, rec.DebateConsensusMode, rec.DebateAgreementScore,
		rec.MarketSnapshot, rec.AccountSnapshot, rec.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to insert decision record: %w", err)
	}
	return nil
}

// ListRecentDecisions returns the newest decision records for an agent
func (db *DB) ListRecentDecisions(ctx context.Context, agentID uuid.UUID, limit int) ([]*DecisionRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	query := `
		SELECT id, agent_id, timestamp, chain_of_thought, market_assessment,
			decisions, overall_confidence, execution_results, ai_model,
			tokens_used, latency_ms, is_debate, error
		FROM decisions
		WHERE agent_id = $1
		ORDER BY timestamp DESC
		LIMIT $2
	`
	rows, err := db.pool.Query(ctx, query, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()

	var records []*DecisionRecord
	for rows.Next() {
		var r DecisionRecord
		err := rows.Scan(
			&r.ID, &r.AgentID, &r.Timestamp, &r.ChainOfThought, &r.MarketAssessment,
			&r.Decisions, &r.OverallConfidence, &r.ExecutionResults, &r.AIModel,
			&r.TokensUsed, &r.LatencyMS, &r.IsDebate, &r.Error,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		records = append(records, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating decisions: %w", err)
	}
	return records, nil
}
