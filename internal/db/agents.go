package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const agentColumns = `
	id, user_id, account_id, strategy_id, status,
	execution_mode, execution_interval_minutes,
	allocated_capital, allocated_capital_percent,
	auto_execute, ai_model, debate_enabled, debate_models,
	debate_consensus_mode, debate_min_participants,
	worker_heartbeat_at, worker_instance_id, last_run_at, next_run_at,
	total_pnl, total_trades, winning_trades, losing_trades, max_drawdown,
	runtime_state, error_message, created_at, updated_at`

func scanAgent(row pgx.Row) (*Agent, error) {
	var a Agent
	err := row.Scan(
		&a.ID, &a.UserID, &a.AccountID, &a.StrategyID, &a.Status,
		&a.ExecutionMode, &a.ExecutionIntervalMinutes,
		&a.AllocatedCapital, &a.AllocatedCapitalPercent,
		&a.AutoExecute, &a.AIModel, &a.DebateEnabled, &a.DebateModels,
		&a.DebateConsensusMode, &a.DebateMinParticipants,
		&a.WorkerHeartbeatAt, &a.WorkerInstanceID, &a.LastRunAt, &a.NextRunAt,
		&a.TotalPnL, &a.TotalTrades, &a.WinningTrades, &a.LosingTrades, &a.MaxDrawdown,
		&a.RuntimeState, &a.ErrorMessage, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetAgent retrieves an agent by ID
func (db *DB) GetAgent(ctx context.Context, id uuid.UUID) (*Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE id = $1`
	a, err := scanAgent(db.pool.QueryRow(ctx, query, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("agent not found: %s", id)
		}
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return a, nil
}

// ListActiveAgents returns all agents with status=active
func (db *DB) ListActiveAgents(ctx context.Context) ([]*Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE status = $1 ORDER BY created_at`
	rows, err := db.pool.Query(ctx, query, AgentStatusActive)
	if err != nil {
		return nil, fmt.Errorf("failed to query active agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating agents: %w", err)
	}
	return agents, nil
}

// ListAccountAgents returns agents on an account whose status is one of the
// given set. Used by the account-level capital check.
func (db *DB) ListAccountAgents(ctx context.Context, accountID uuid.UUID, statuses []AgentStatus) ([]*Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE account_id = $1 AND status = ANY($2)`
	rows, err := db.pool.Query(ctx, query, accountID, statuses)
	if err != nil {
		return nil, fmt.Errorf("failed to query account agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating agents: %w", err)
	}
	return agents, nil
}

// UpdateAgentStatus transitions an agent's status with an optional message
func (db *DB) UpdateAgentStatus(ctx context.Context, id uuid.UUID, status AgentStatus, errorMessage *string) error {
	query := `UPDATE agents SET status = $2, error_message = $3, updated_at = $4 WHERE id = $1`
	tag, err := db.pool.Exec(ctx, query, id, status, errorMessage, time.Now())
	if err != nil {
		return fmt.Errorf("failed to update agent status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("agent not found: %s", id)
	}
	return nil
}

// UpdateAgentRuntimeState persists the engine's runtime state after a cycle
func (db *DB) UpdateAgentRuntimeState(ctx context.Context, id uuid.UUID, state []byte) error {
	query := `UPDATE agents SET runtime_state = $2, updated_at = $3 WHERE id = $1`
	if _, err := db.pool.Exec(ctx, query, id, state, time.Now()); err != nil {
		return fmt.Errorf("failed to update runtime state: %w", err)
	}
	return nil
}

// UpdateAgentRunTimes stamps last_run_at and next_run_at after a cycle
func (db *DB) UpdateAgentRunTimes(ctx context.Context, id uuid.UUID, lastRun, nextRun time.Time) error {
	query := `UPDATE agents SET last_run_at = $2, next_run_at = $3, updated_at = $4 WHERE id = $1`
	if _, err := db.pool.Exec(ctx, query, id, lastRun, nextRun, time.Now()); err != nil {
		return fmt.Errorf("failed to update run times: %w", err)
	}
	return nil
}

// RecordAgentTrade folds a realized close into the performance counters.
// max_drawdown keeps the largest single realized loss.
func (db *DB) RecordAgentTrade(ctx context.Context, id uuid.UUID, realizedPnL float64) error {
	query := `
		UPDATE agents
		SET
			total_pnl = total_pnl + $2,
			total_trades = total_trades + 1,
			winning_trades = winning_trades + CASE WHEN $2 > 0 THEN 1 ELSE 0 END,
			losing_trades = losing_trades + CASE WHEN $2 < 0 THEN 1 ELSE 0 END,
			max_drawdown = GREATEST(max_drawdown, CASE WHEN $2 < 0 THEN -$2 ELSE 0 END),
			updated_at = $3
		WHERE id = $1
	`
	if _, err := db.pool.Exec(ctx, query, id, realizedPnL, time.Now()); err != nil {
		return fmt.Errorf("failed to record agent trade: %w", err)
	}
	return nil
}

// UpdateAgentHeartbeat writes the worker liveness stamp
func (db *DB) UpdateAgentHeartbeat(ctx context.Context, id uuid.UUID, instanceID string) error {
	query := `UPDATE agents SET worker_heartbeat_at = $2, worker_instance_id = $3 WHERE id = $1`
	if _, err := db.pool.Exec(ctx, query, id, time.Now(), instanceID); err != nil {
		return fmt.Errorf("failed to update heartbeat: %w", err)
	}
	return nil
}

// ClearAgentHeartbeat nulls the worker liveness fields
func (db *DB) ClearAgentHeartbeat(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE agents SET worker_heartbeat_at = NULL, worker_instance_id = NULL WHERE id = $1`
	if _, err := db.pool.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("failed to clear heartbeat: %w", err)
	}
	return nil
}

// ClearActiveHeartbeats nulls liveness fields for every active agent.
// Called once at process startup so the stale detector starts fresh.
func (db *DB) ClearActiveHeartbeats(ctx context.Context) (int64, error) {
	query := `UPDATE agents SET worker_heartbeat_at = NULL, worker_instance_id = NULL WHERE status = $1`
	tag, err := db.pool.Exec(ctx, query, AgentStatusActive)
	if err != nil {
		return 0, fmt.Errorf("failed to clear active heartbeats: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListStaleAgents returns active agents whose heartbeat (or, when the
// heartbeat is null, last run) is older than the timeout. Agents that have
// neither are new and are not flagged.
func (db *DB) ListStaleAgents(ctx context.Context, timeout time.Duration) ([]*Agent, error) {
	cutoff := time.Now().Add(-timeout)
	query := `SELECT ` + agentColumns + ` FROM agents
		WHERE status = $1 AND (
			(worker_heartbeat_at IS NOT NULL AND worker_heartbeat_at < $2)
			OR (worker_heartbeat_at IS NULL AND last_run_at IS NOT NULL AND last_run_at < $2)
		)`
	rows, err := db.pool.Query(ctx, query, AgentStatusActive, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating agents: %w", err)
	}
	return agents, nil
}

// GetStrategy retrieves a strategy template by ID
func (db *DB) GetStrategy(ctx context.Context, id uuid.UUID) (*Strategy, error) {
	query := `SELECT id, name, type, schema_version, config, created_at, updated_at FROM strategies WHERE id = $1`
	var s Strategy
	err := db.pool.QueryRow(ctx, query, id).Scan(
		&s.ID, &s.Name, &s.Type, &s.SchemaVersion, &s.Config, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("strategy not found: %s", id)
		}
		return nil, fmt.Errorf("failed to get strategy: %w", err)
	}
	return &s, nil
}
