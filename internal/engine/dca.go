package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quantflow/quantflow/internal/config"
	"github.com/quantflow/quantflow/internal/db"
	"github.com/quantflow/quantflow/internal/strategy"
	"github.com/quantflow/quantflow/internal/trader"
)

// dcaState is the persisted runtime state of a DCA agent
type dcaState struct {
	OrdersPlaced  int       `json:"orders_placed"`
	TotalInvested float64   `json:"total_invested"`
	TotalQuantity float64   `json:"total_quantity"`
	AvgCost       float64   `json:"avg_cost"`
	LastOrderTime time.Time `json:"last_order_time"`
}

// DCAEngine accumulates a position on a fixed interval and takes profit
// once the price clears the average cost by the configured percentage
type DCAEngine struct {
	base
	cfg *strategy.DCAConfig
	now func() time.Time
}

// NewDCAEngine creates a DCA engine from the agent's template config
func NewDCAEngine(deps Deps, raw json.RawMessage) (*DCAEngine, error) {
	cfg, err := strategy.ParseDCA(raw)
	if err != nil {
		return nil, err
	}
	return &DCAEngine{
		base: base{
			deps:         deps,
			log:          config.NewAgentLogger(deps.Agent.ID.String(), "dca"),
			strategyType: db.StrategyTypeDCA,
		},
		cfg: cfg,
		now: time.Now,
	}, nil
}

// Type implements Engine
func (e *DCAEngine) Type() db.StrategyType { return db.StrategyTypeDCA }

// RunCycle checks take-profit first, then the budget, order-count and
// interval gates before placing the next buy
func (e *DCAEngine) RunCycle(ctx context.Context, raw json.RawMessage) (*CycleResult, error) {
	e.resetCycle()

	var state dcaState
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &state); err != nil {
			e.log.Warn().Err(err).Msg("Unreadable DCA state, reinitializing")
			state = dcaState{}
		}
	}

	price, err := e.deps.Trader.GetMarketPrice(ctx, e.cfg.Symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to get price for %s: %w", e.cfg.Symbol, err)
	}

	result := &CycleResult{Success: true}

	// Take-profit path: close everything and reset
	if state.TotalQuantity > 0 && state.AvgCost > 0 &&
		(price-state.AvgCost)/state.AvgCost >= e.cfg.TakeProfitPercent/100 {
		pnl, closePrice, err := e.closeWithIsolation(ctx, e.cfg.Symbol, nil)
		if err != nil {
			return nil, fmt.Errorf("take-profit close failed: %w", err)
		}
		e.log.Info().
			Float64("avg_cost", state.AvgCost).
			Float64("close_price", closePrice).
			Float64("pnl", pnl).
			Msg("DCA take profit")

		state = dcaState{}
		result.TradesExecuted = 1
		result.PnLChange = pnl
		result.Message = fmt.Sprintf("take profit at %.4f, pnl %.2f", closePrice, pnl)
		return e.finish(result, &state)
	}

	// Budget and order-count caps, 0 means unlimited
	if e.cfg.TotalBudget > 0 && state.TotalInvested+e.cfg.OrderAmount > e.cfg.TotalBudget {
		result.Message = "budget exhausted"
		return e.finish(result, &state)
	}
	if e.cfg.MaxOrders > 0 && state.OrdersPlaced >= e.cfg.MaxOrders {
		result.Message = "max orders reached"
		return e.finish(result, &state)
	}

	// Interval gate
	if !state.LastOrderTime.IsZero() {
		elapsed := e.now().Sub(state.LastOrderTime)
		if elapsed < time.Duration(e.cfg.IntervalMinutes)*time.Minute {
			result.Message = fmt.Sprintf("interval not elapsed, %s remaining",
				(time.Duration(e.cfg.IntervalMinutes)*time.Minute - elapsed).Round(time.Second))
			return e.finish(result, &state)
		}
	}

	order, err := e.openWithIsolation(ctx, e.cfg.Symbol, trader.SideLong, e.cfg.OrderAmount, e.cfg.Leverage, nil, nil)
	if err != nil {
		return nil, err
	}

	fillPrice := order.FilledPrice
	if fillPrice == 0 {
		fillPrice = price
	}
	fillSize := order.FilledSize
	if fillSize == 0 {
		fillSize = e.cfg.OrderAmount / fillPrice
	}

	newQuantity := state.TotalQuantity + fillSize
	state.AvgCost = (state.TotalQuantity*state.AvgCost + fillSize*fillPrice) / newQuantity
	state.TotalQuantity = newQuantity
	state.TotalInvested += e.cfg.OrderAmount
	state.OrdersPlaced++
	state.LastOrderTime = e.now()

	result.TradesExecuted = 1
	result.TotalSizeUSD = e.cfg.OrderAmount
	result.Message = fmt.Sprintf("buy %d at %.4f, avg cost %.4f", state.OrdersPlaced, fillPrice, state.AvgCost)
	return e.finish(result, &state)
}

func (e *DCAEngine) finish(result *CycleResult, state *dcaState) (*CycleResult, error) {
	updated, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal dca state: %w", err)
	}
	result.UpdatedState = updated
	return result, nil
}
