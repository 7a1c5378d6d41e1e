package engine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/quantflow/quantflow/internal/db"
	"github.com/quantflow/quantflow/internal/trader"
)

// base carries the cross-engine helpers: the claim-then-fill dance and the
// per-cycle equity cache
type base struct {
	deps         Deps
	log          zerolog.Logger
	strategyType db.StrategyType

	// equity is fetched once per cycle so a grid crossing many levels does
	// not hammer the account endpoint
	equity      float64
	equityValid bool
}

func (b *base) resetCycle() {
	b.equityValid = false
}

func (b *base) accountEquity(ctx context.Context) (float64, error) {
	if b.equityValid {
		return b.equity, nil
	}
	state, err := b.deps.Trader.GetAccountState(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get account state: %w", err)
	}
	b.equity = state.Equity
	b.equityValid = true
	return b.equity, nil
}

// openWithIsolation opens or accumulates a position through the
// claim-then-fill protocol:
//
//	claim (or detect accumulation) -> exchange order -> confirm / release
//
// On an order error it inspects the exchange before releasing: if a
// position materialized anyway, the claim is confirmed, not dropped.
func (b *base) openWithIsolation(ctx context.Context, symbol string, side trader.Side, sizeUSD float64, leverage int, stopLoss, takeProfit *float64) (*trader.OrderResult, error) {
	equity, err := b.accountEquity(ctx)
	if err != nil {
		return nil, err
	}

	existing, err := b.deps.Positions.GetAgentPositionForSymbol(ctx, b.deps.Agent.ID, symbol)
	if err != nil {
		return nil, err
	}
	accumulating := existing != nil && existing.Status == db.PositionStatusOpen && existing.Side == string(side)
	if existing != nil && !accumulating {
		return nil, fmt.Errorf("agent already holds %s %s record for %s", existing.Status, existing.Side, symbol)
	}

	var claim *db.AgentPosition
	if accumulating {
		margin := sizeUSD / float64(maxInt(leverage, 1))
		if err := b.deps.Positions.CheckCapitalAllocationLocked(ctx, b.deps.Agent, equity, margin); err != nil {
			return nil, err
		}
	} else {
		claimed, err := b.deps.Positions.ClaimPositionWithCapitalCheck(ctx, b.deps.Agent, &db.AgentPosition{
			AgentID:   b.deps.Agent.ID,
			AgentType: string(b.agentType()),
			AccountID: b.deps.Agent.AccountID,
			Symbol:    symbol,
			Side:      string(side),
			SizeUSD:   sizeUSD,
			Leverage:  leverage,
		}, equity)
		if err != nil {
			return nil, err
		}
		if claimed.Status == db.PositionStatusOpen {
			// The claim surfaced an open record this agent already holds
			// (raced in between the lookup above and the symbol lock)
			if claimed.Side != string(side) {
				return nil, fmt.Errorf("agent already holds %s %s record for %s", claimed.Status, claimed.Side, symbol)
			}
			accumulating = true
			existing = claimed
		} else {
			claim = claimed
		}
	}

	var result *trader.OrderResult
	if side == trader.SideLong {
		result, err = b.deps.Trader.OpenLong(ctx, symbol, sizeUSD, leverage, stopLoss, takeProfit)
	} else {
		result, err = b.deps.Trader.OpenShort(ctx, symbol, sizeUSD, leverage, stopLoss, takeProfit)
	}

	if err != nil || result == nil || !result.Success {
		if err == nil {
			err = fmt.Errorf("order rejected: %s", result.Error)
		}
		return nil, b.recoverFailedOpen(ctx, claim, existing, symbol, err)
	}

	fillPrice := result.FilledPrice
	fillSize := result.FilledSize
	if fillSize == 0 && fillPrice > 0 {
		fillSize = sizeUSD / fillPrice
	}

	if accumulating {
		if err := b.deps.Positions.AccumulatePosition(ctx, existing.ID, fillSize, sizeUSD, fillPrice); err != nil {
			// The fill is real; never drop the pre-existing open record
			b.log.Error().Err(err).Str("symbol", symbol).Msg("Failed to record accumulation")
			return result, err
		}
	} else {
		if err := b.deps.Positions.ConfirmPosition(ctx, claim.ID, fillSize, sizeUSD, fillPrice); err != nil {
			b.log.Error().Err(err).Str("symbol", symbol).Msg("Failed to confirm claim after fill")
			return result, err
		}
	}

	b.deps.publishPositionUpdate(ctx, map[string]any{
		"symbol": symbol, "side": side, "size_usd": sizeUSD, "action": "open",
	})
	return result, nil
}

// recoverFailedOpen decides confirm vs release after an order error by
// asking the exchange what actually happened
func (b *base) recoverFailedOpen(ctx context.Context, claim, existing *db.AgentPosition, symbol string, orderErr error) error {
	pos, posErr := b.deps.Trader.GetPosition(ctx, symbol)
	if posErr == nil && pos != nil && pos.Size > 0 {
		b.log.Warn().Err(orderErr).Str("symbol", symbol).
			Msg("Order errored but exchange shows a position, confirming claim")
		if claim != nil {
			if err := b.deps.Positions.ConfirmPosition(ctx, claim.ID, pos.Size, pos.SizeUSD, pos.EntryPrice); err != nil {
				b.log.Error().Err(err).Str("symbol", symbol).Msg("Failed to confirm recovered position")
			}
			return nil
		}
		// Accumulation case: the open record already exists, leave it
		return nil
	}

	if claim != nil {
		if err := b.deps.Positions.ReleaseClaim(ctx, claim.ID); err != nil {
			b.log.Error().Err(err).Str("symbol", symbol).Msg("Failed to release claim after order error")
		}
	}
	return orderErr
}

// closeWithIsolation closes the agent's record for symbol, fully or
// partially, and returns the realized PnL computed from the actual fill
// price against the recorded entry.
func (b *base) closeWithIsolation(ctx context.Context, symbol string, size *float64) (realizedPnL, closePrice float64, err error) {
	rec, err := b.deps.Positions.GetAgentPositionForSymbol(ctx, b.deps.Agent.ID, symbol)
	if err != nil {
		return 0, 0, err
	}
	if rec == nil {
		return 0, 0, fmt.Errorf("no position record for %s", symbol)
	}

	result, err := b.deps.Trader.ClosePosition(ctx, symbol, size, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to close %s: %w", symbol, err)
	}
	if !result.Success {
		return 0, 0, fmt.Errorf("close rejected for %s: %s", symbol, result.Error)
	}

	closePrice = result.FilledPrice
	closedSize := result.FilledSize
	if closedSize == 0 {
		closedSize = rec.Size
	}

	direction := 1.0
	if rec.Side == string(trader.SideShort) {
		direction = -1.0
	}
	realizedPnL = direction * (closePrice - rec.EntryPrice) * closedSize

	full := size == nil || closedSize >= rec.Size-1e-12
	if full {
		if err := b.deps.Positions.ClosePosition(ctx, rec.ID, closePrice, realizedPnL); err != nil {
			return realizedPnL, closePrice, err
		}
	} else {
		remaining := rec.Size - closedSize
		remainingUSD := rec.SizeUSD * remaining / rec.Size
		if err := b.deps.Store.UpdatePositionSize(ctx, rec.ID, remaining, remainingUSD); err != nil {
			return realizedPnL, closePrice, err
		}
	}

	if err := b.deps.Store.RecordAgentTrade(ctx, b.deps.Agent.ID, realizedPnL); err != nil {
		b.log.Error().Err(err).Msg("Failed to record trade in performance counters")
	}

	b.deps.publishPositionUpdate(ctx, map[string]any{
		"symbol": symbol, "action": "close", "realized_pnl": realizedPnL,
	})
	return realizedPnL, closePrice, nil
}

func (b *base) agentType() db.StrategyType {
	return b.strategyType
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
