// Package engine contains the per-strategy cycle drivers. Every engine
// implements one RunCycle against its agent's runtime state; the worker
// persists the returned state after each cycle.
package engine

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/quantflow/quantflow/internal/config"
	"github.com/quantflow/quantflow/internal/db"
	"github.com/quantflow/quantflow/internal/market"
	"github.com/quantflow/quantflow/internal/position"
	"github.com/quantflow/quantflow/internal/trader"
)

// CycleResult is the outcome of one engine cycle
type CycleResult struct {
	Success        bool
	TradesExecuted int
	PnLChange      float64
	TotalSizeUSD   float64
	UpdatedState   json.RawMessage
	Message        string
}

// Engine drives one strategy for one agent
type Engine interface {
	Type() db.StrategyType
	RunCycle(ctx context.Context, state json.RawMessage) (*CycleResult, error)
}

// Publisher receives best-effort cycle events. Implementations must never
// block a cycle; a nil Publisher is valid.
type Publisher interface {
	PublishDecision(ctx context.Context, agentID uuid.UUID, payload any)
	PublishPositionUpdate(ctx context.Context, agentID uuid.UUID, payload any)
}

// Deps bundles what every engine needs
type Deps struct {
	Agent     *db.Agent
	Trader    trader.Trader
	Positions *position.Service
	Store     *db.DB
	Market    *market.Builder
	Trading   config.TradingConfig
	Publisher Publisher
}

func (d *Deps) publishPositionUpdate(ctx context.Context, payload any) {
	if d.Publisher != nil {
		d.Publisher.PublishPositionUpdate(ctx, d.Agent.ID, payload)
	}
}

func (d *Deps) publishDecision(ctx context.Context, payload any) {
	if d.Publisher != nil {
		d.Publisher.PublishDecision(ctx, d.Agent.ID, payload)
	}
}
