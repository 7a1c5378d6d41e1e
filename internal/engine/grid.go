package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/quantflow/quantflow/internal/config"
	"github.com/quantflow/quantflow/internal/db"
	"github.com/quantflow/quantflow/internal/position"
	"github.com/quantflow/quantflow/internal/strategy"
	"github.com/quantflow/quantflow/internal/trader"
)

// levelFill records what one grid level actually bought
type levelFill struct {
	Size  float64 `json:"size"`
	Entry float64 `json:"entry"`
}

// gridState is the persisted runtime state of a grid agent. Levels are
// keyed by index; the config hash detects user edits and forces a reinit.
type gridState struct {
	ConfigHash    string               `json:"config_hash"`
	FilledBuys    map[string]levelFill `json:"filled_buys"`
	FilledSells   map[string]bool      `json:"filled_sells"`
	TotalInvested float64              `json:"total_invested"`
	TotalReturned float64              `json:"total_returned"`
	LastPrice     float64              `json:"last_price"`
	LastCheck     time.Time            `json:"last_check"`
}

// GridEngine places evenly spaced buys inside a band and sells each slice
// one step above its level
type GridEngine struct {
	base
	cfg *strategy.GridConfig
}

// NewGridEngine creates a grid engine from the agent's template config
func NewGridEngine(deps Deps, raw json.RawMessage) (*GridEngine, error) {
	cfg, err := strategy.ParseGrid(raw)
	if err != nil {
		return nil, err
	}
	return &GridEngine{
		base: base{
			deps:         deps,
			log:          config.NewAgentLogger(deps.Agent.ID.String(), "grid"),
			strategyType: db.StrategyTypeGrid,
		},
		cfg: cfg,
	}, nil
}

// Type implements Engine
func (e *GridEngine) Type() db.StrategyType { return db.StrategyTypeGrid }

func (e *GridEngine) configHash() string {
	data, _ := json.Marshal(e.cfg)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

func (e *GridEngine) loadState(raw json.RawMessage) *gridState {
	hash := e.configHash()
	var state gridState
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &state); err != nil {
			e.log.Warn().Err(err).Msg("Unreadable grid state, reinitializing")
			state = gridState{}
		}
	}
	if state.ConfigHash != hash {
		if state.ConfigHash != "" {
			e.log.Info().Msg("Grid config changed, reinitializing state")
		}
		state = gridState{ConfigHash: hash}
	}
	if state.FilledBuys == nil {
		state.FilledBuys = make(map[string]levelFill)
	}
	if state.FilledSells == nil {
		state.FilledSells = make(map[string]bool)
	}
	return &state
}

// RunCycle walks the levels in ascending order against the current price.
// A failed level never blocks the remaining levels.
func (e *GridEngine) RunCycle(ctx context.Context, raw json.RawMessage) (*CycleResult, error) {
	e.resetCycle()
	state := e.loadState(raw)

	price, err := e.deps.Trader.GetMarketPrice(ctx, e.cfg.Symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to get price for %s: %w", e.cfg.Symbol, err)
	}

	step := e.cfg.GridSpacing()
	amount := e.cfg.PerGridInvestment()

	result := &CycleResult{Success: true}
	// At most one buy per cycle: the lowest eligible level claims the tick
	buyDone := false
	for i := 0; i < e.cfg.GridCount; i++ {
		key := strconv.Itoa(i)
		level := e.cfg.LowerPrice + float64(i)*step
		_, bought := state.FilledBuys[key]

		switch {
		case price <= level && !bought && !buyDone:
			buyDone = true
			order, err := e.openWithIsolation(ctx, e.cfg.Symbol, trader.SideLong, amount, e.cfg.Leverage, nil, nil)
			if err != nil {
				e.logLevelError(err, i, "buy")
				continue
			}
			state.FilledBuys[key] = levelFill{Size: order.FilledSize, Entry: order.FilledPrice}
			state.TotalInvested += amount
			result.TradesExecuted++
			result.TotalSizeUSD += amount

		case price >= level+step && bought && !state.FilledSells[key]:
			fill := state.FilledBuys[key]
			size := fill.Size
			pnl, _, err := e.closeWithIsolation(ctx, e.cfg.Symbol, &size)
			if err != nil {
				e.logLevelError(err, i, "sell")
				continue
			}
			delete(state.FilledBuys, key)
			state.FilledSells[key] = true
			state.TotalReturned += amount + pnl
			result.TradesExecuted++
			result.PnLChange += pnl
		}
	}

	state.LastPrice = price
	state.LastCheck = time.Now()
	updated, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal grid state: %w", err)
	}
	result.UpdatedState = updated
	result.Message = fmt.Sprintf("price=%.4f filled_buys=%d filled_sells=%d",
		price, len(state.FilledBuys), len(state.FilledSells))
	return result, nil
}

func (e *GridEngine) logLevelError(err error, level int, action string) {
	if errors.Is(err, position.ErrPositionConflict) || errors.Is(err, position.ErrCapitalExceeded) {
		e.log.Warn().Err(err).Int("level", level).Str("action", action).Msg("Grid level skipped")
		return
	}
	e.log.Error().Err(err).Int("level", level).Str("action", action).Msg("Grid level failed")
}
