package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AgentStatus is the lifecycle state of an agent
type AgentStatus string

const (
	AgentStatusDraft   AgentStatus = "draft"
	AgentStatusActive  AgentStatus = "active"
	AgentStatusPaused  AgentStatus = "paused"
	AgentStatusStopped AgentStatus = "stopped"
	AgentStatusError   AgentStatus = "error"
	AgentStatusWarning AgentStatus = "warning"
)

// ExecutionMode selects live or simulated trading
type ExecutionMode string

const (
	ExecutionModeLive ExecutionMode = "live"
	ExecutionModeMock ExecutionMode = "mock"
)

// UnownedAgentID marks orphan positions discovered during reconciliation
var UnownedAgentID = uuid.Nil

// Agent is a runtime trading instance bound to a strategy template
type Agent struct {
	ID         uuid.UUID   `db:"id"`
	UserID     uuid.UUID   `db:"user_id"`
	AccountID  *uuid.UUID  `db:"account_id"`
	StrategyID uuid.UUID   `db:"strategy_id"`
	Status     AgentStatus `db:"status"`

	ExecutionMode            ExecutionMode `db:"execution_mode"`
	ExecutionIntervalMinutes int           `db:"execution_interval_minutes"`

	// At most one of these is set
	AllocatedCapital        *float64 `db:"allocated_capital"`
	AllocatedCapitalPercent *float64 `db:"allocated_capital_percent"`

	// AI strategies only
	AutoExecute           bool     `db:"auto_execute"`
	AIModel               *string  `db:"ai_model"`
	DebateEnabled         bool     `db:"debate_enabled"`
	DebateModels          []string `db:"debate_models"`
	DebateConsensusMode   string   `db:"debate_consensus_mode"`
	DebateMinParticipants int      `db:"debate_min_participants"`

	WorkerHeartbeatAt *time.Time `db:"worker_heartbeat_at"`
	WorkerInstanceID  *string    `db:"worker_instance_id"`
	LastRunAt         *time.Time `db:"last_run_at"`
	NextRunAt         *time.Time `db:"next_run_at"`

	TotalPnL      float64 `db:"total_pnl"`
	TotalTrades   int     `db:"total_trades"`
	WinningTrades int     `db:"winning_trades"`
	LosingTrades  int     `db:"losing_trades"`
	MaxDrawdown   float64 `db:"max_drawdown"`

	RuntimeState []byte  `db:"runtime_state"`
	ErrorMessage *string `db:"error_message"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// EffectiveCapital resolves the agent's capital budget against account
// equity. The second return is false when the agent has no limit.
func (a *Agent) EffectiveCapital(accountEquity float64) (float64, bool) {
	if a.AllocatedCapital != nil {
		return *a.AllocatedCapital, true
	}
	if a.AllocatedCapitalPercent != nil {
		return *a.AllocatedCapitalPercent / 100 * accountEquity, true
	}
	return 0, false
}

// PositionStatus is the lifecycle state of an AgentPosition
type PositionStatus string

const (
	PositionStatusPending PositionStatus = "pending"
	PositionStatusOpen    PositionStatus = "open"
	PositionStatusClosed  PositionStatus = "closed"
)

// AgentPosition is the authoritative per-agent position record. At most one
// pending|open row may exist per (account_id, symbol); a partial unique
// index backs the distributed lock.
type AgentPosition struct {
	ID         uuid.UUID      `db:"id"`
	AgentID    uuid.UUID      `db:"agent_id"`
	AgentType  string         `db:"agent_type"`
	AccountID  *uuid.UUID     `db:"account_id"`
	Symbol     string         `db:"symbol"`
	Side       string         `db:"side"` // long | short
	Size       float64        `db:"size"`
	SizeUSD    float64        `db:"size_usd"`
	EntryPrice float64        `db:"entry_price"`
	Leverage   int            `db:"leverage"`
	Status     PositionStatus `db:"status"`
	OpenedAt   time.Time      `db:"opened_at"`
	ClosePrice *float64       `db:"close_price"`
	RealizedPnL *float64      `db:"realized_pnl"`
	ClosedAt   *time.Time     `db:"closed_at"`
}

// Margin returns the margin consumed by the position
func (p *AgentPosition) Margin() float64 {
	lev := p.Leverage
	if lev < 1 {
		lev = 1
	}
	return p.SizeUSD / float64(lev)
}

// StrategyType identifies the template family
type StrategyType string

const (
	StrategyTypeAI   StrategyType = "ai"
	StrategyTypeGrid StrategyType = "grid"
	StrategyTypeDCA  StrategyType = "dca"
	StrategyTypeRSI  StrategyType = "rsi"
)

// Strategy is a reusable strategy template shared across agents
type Strategy struct {
	ID            uuid.UUID       `db:"id"`
	Name          string          `db:"name"`
	Type          StrategyType    `db:"type"` // ai | grid | dca | rsi
	SchemaVersion string          `db:"schema_version"`
	Config        json.RawMessage `db:"config"`
	CreatedAt     time.Time       `db:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at"`
}

// DecisionRecord is the append-only audit row persisted every cycle
type DecisionRecord struct {
	ID        uuid.UUID `db:"id"`
	AgentID   uuid.UUID `db:"agent_id"`
	Timestamp time.Time `db:"timestamp"`

	SystemPrompt string `db:"system_prompt"`
	UserPrompt   string `db:"user_prompt"`
	RawResponse  string `db:"raw_response"`

	ChainOfThought    string          `db:"chain_of_thought"`
	MarketAssessment  string          `db:"market_assessment"`
	Decisions         json.RawMessage `db:"decisions"`
	OverallConfidence float64         `db:"overall_confidence"`
	ExecutionResults  json.RawMessage `db:"execution_results"`

	AIModel    string `db:"ai_model"`
	TokensUsed int    `db:"tokens_used"`
	LatencyMS  int64  `db:"latency_ms"`

	IsDebate             bool            `db:"is_debate"`
	DebateModels         []string        `db:"debate_models"`
	DebateResponses      json.RawMessage `db:"debate_responses"`
	DebateConsensusMode  string          `db:"debate_consensus_mode"`
	DebateAgreementScore float64         `db:"debate_agreement_score"`

	MarketSnapshot  json.RawMessage `db:"market_snapshot"`
	AccountSnapshot json.RawMessage `db:"account_snapshot"`
	Error           *string         `db:"error"`
}
