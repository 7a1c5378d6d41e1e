package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/quantflow/quantflow/internal/config"
	"github.com/quantflow/quantflow/internal/db"
	"github.com/quantflow/quantflow/internal/market"
	"github.com/quantflow/quantflow/internal/strategy"
	"github.com/quantflow/quantflow/internal/trader"
)

// rsiState is the persisted runtime state of an RSI agent
type rsiState struct {
	HasPosition     bool    `json:"has_position"`
	EntryPrice      float64 `json:"entry_price"`
	PositionSizeUSD float64 `json:"position_size_usd"`
	LastRSI         float64 `json:"last_rsi"`
	LastSignal      string  `json:"last_signal"`
}

// RSIEngine buys oversold and sells overbought on a single symbol
type RSIEngine struct {
	base
	cfg *strategy.RSIConfig
}

// NewRSIEngine creates an RSI engine from the agent's template config
func NewRSIEngine(deps Deps, raw json.RawMessage) (*RSIEngine, error) {
	cfg, err := strategy.ParseRSI(raw)
	if err != nil {
		return nil, err
	}
	return &RSIEngine{
		base: base{
			deps:         deps,
			log:          config.NewAgentLogger(deps.Agent.ID.String(), "rsi"),
			strategyType: db.StrategyTypeRSI,
		},
		cfg: cfg,
	}, nil
}

// Type implements Engine
func (e *RSIEngine) Type() db.StrategyType { return db.StrategyTypeRSI }

// RunCycle computes Wilder RSI over recent closes, reconciles the held
// flag with the exchange, then trades the thresholds
func (e *RSIEngine) RunCycle(ctx context.Context, raw json.RawMessage) (*CycleResult, error) {
	e.resetCycle()

	var state rsiState
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &state); err != nil {
			e.log.Warn().Err(err).Msg("Unreadable RSI state, reinitializing")
			state = rsiState{}
		}
	}

	klines, err := e.deps.Trader.GetKlines(ctx, e.cfg.Symbol, e.cfg.Timeframe, e.cfg.RSIPeriod+10)
	if err != nil {
		return nil, fmt.Errorf("failed to get klines for %s: %w", e.cfg.Symbol, err)
	}
	closes := make([]float64, len(klines))
	for i, k := range klines {
		closes[i] = k.Close
	}

	rsi := market.WilderRSI(closes, e.cfg.RSIPeriod)
	if math.IsNaN(rsi) {
		return nil, fmt.Errorf("insufficient history for RSI: %d closes, period %d", len(closes), e.cfg.RSIPeriod)
	}
	state.LastRSI = rsi

	// Reconcile the held flag with the exchange before acting on it
	exch, err := e.deps.Trader.GetPosition(ctx, e.cfg.Symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to check position for %s: %w", e.cfg.Symbol, err)
	}
	if state.HasPosition && exch == nil {
		e.log.Warn().Msg("State says position held but exchange reports none, resetting")
		state.HasPosition = false
		state.EntryPrice = 0
		state.PositionSizeUSD = 0
	} else if !state.HasPosition && exch != nil {
		e.log.Warn().Float64("size", exch.Size).Msg("Adopting exchange position missing from state")
		state.HasPosition = true
		state.EntryPrice = exch.EntryPrice
		state.PositionSizeUSD = exch.SizeUSD
	}

	result := &CycleResult{Success: true}

	switch {
	case rsi <= e.cfg.Oversold && !state.HasPosition:
		order, err := e.openWithIsolation(ctx, e.cfg.Symbol, trader.SideLong, e.cfg.OrderAmount, e.cfg.Leverage, nil, nil)
		if err != nil {
			return nil, err
		}
		state.HasPosition = true
		state.EntryPrice = order.FilledPrice
		state.PositionSizeUSD = e.cfg.OrderAmount
		state.LastSignal = "oversold_buy"
		result.TradesExecuted = 1
		result.TotalSizeUSD = e.cfg.OrderAmount
		result.Message = fmt.Sprintf("rsi %.2f oversold, opened long at %.4f", rsi, order.FilledPrice)

	case rsi >= e.cfg.Overbought && state.HasPosition:
		pnl, closePrice, err := e.closeWithIsolation(ctx, e.cfg.Symbol, nil)
		if err != nil {
			return nil, err
		}
		state.HasPosition = false
		state.EntryPrice = 0
		state.PositionSizeUSD = 0
		state.LastSignal = "overbought_sell"
		result.TradesExecuted = 1
		result.PnLChange = pnl
		result.Message = fmt.Sprintf("rsi %.2f overbought, closed at %.4f, pnl %.2f", rsi, closePrice, pnl)

	default:
		result.Message = fmt.Sprintf("rsi %.2f neutral", rsi)
	}

	updated, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rsi state: %w", err)
	}
	result.UpdatedState = updated
	return result, nil
}
