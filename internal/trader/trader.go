package trader

import (
	"context"
)

// Trader is the uniform venue capability. Implementations exist for live
// exchanges (out of tree) and for the in-process simulator (MockTrader).
// A Trader instance is owned by exactly one agent worker at a time.
type Trader interface {
	// Initialize prepares the connection; must be called before any other method
	Initialize(ctx context.Context) error
	// Close releases the connection
	Close() error

	GetAccountState(ctx context.Context) (*AccountState, error)
	GetPositions(ctx context.Context) ([]Position, error)
	// GetPosition returns nil when no position exists for the symbol
	GetPosition(ctx context.Context, symbol string) (*Position, error)

	GetMarketPrice(ctx context.Context, symbol string) (float64, error)
	GetMarketData(ctx context.Context, symbol string) (*MarketData, error)
	GetKlines(ctx context.Context, symbol, timeframe string, limit int) ([]OHLCV, error)
	GetFundingHistory(ctx context.Context, symbol string, limit int) ([]FundingEntry, error)

	PlaceMarketOrder(ctx context.Context, req MarketOrderRequest) (*OrderResult, error)
	PlaceLimitOrder(ctx context.Context, req LimitOrderRequest) (*OrderResult, error)
	PlaceStopLoss(ctx context.Context, symbol string, positionSide Side, size, stopPrice float64) (*OrderResult, error)
	PlaceTakeProfit(ctx context.Context, symbol string, positionSide Side, size, targetPrice float64) (*OrderResult, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	CancelAllOrders(ctx context.Context, symbol string) error

	// ClosePosition closes size units (whole position when size is nil)
	ClosePosition(ctx context.Context, symbol string, size *float64, slippage *float64) (*OrderResult, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	// OpenLong computes size from sizeUSD at the current price, sets leverage,
	// places the entry, then places SL/TP validated against the actual fill.
	// SL/TP placement failures never fail the entry.
	OpenLong(ctx context.Context, symbol string, sizeUSD float64, leverage int, stopLoss, takeProfit *float64) (*OrderResult, error)
	OpenShort(ctx context.Context, symbol string, sizeUSD float64, leverage int, stopLoss, takeProfit *float64) (*OrderResult, error)
}

// ValidateStops sanity-checks LLM-supplied stop-loss / take-profit levels
// against the actual fill price and returns corrected values.
//
// The stop is kept away from the estimated liquidation price by limiting the
// loss to maxLossPct = 0.5/leverage. An inconsistent take-profit (on the
// wrong side of the entry) is rebuilt at a 1:1.5 risk/reward from the stop.
func ValidateStops(side Side, fillPrice float64, leverage int, stopLoss, takeProfit *float64) (sl, tp *float64) {
	if leverage < 1 {
		leverage = 1
	}
	maxLossPct := 0.5 / float64(leverage)

	if stopLoss != nil {
		v := *stopLoss
		if side == SideLong {
			floor := fillPrice * (1 - maxLossPct)
			if v <= 0 || v >= fillPrice {
				v = floor
			} else if v < floor {
				v = floor
			}
		} else {
			ceil := fillPrice * (1 + maxLossPct)
			if v <= 0 || v <= fillPrice {
				v = ceil
			} else if v > ceil {
				v = ceil
			}
		}
		sl = &v
	}

	if takeProfit != nil {
		v := *takeProfit
		inconsistent := (side == SideLong && v <= fillPrice) || (side == SideShort && v >= fillPrice)
		if inconsistent {
			risk := fillPrice * maxLossPct
			if sl != nil {
				if side == SideLong {
					risk = fillPrice - *sl
				} else {
					risk = *sl - fillPrice
				}
			}
			if side == SideLong {
				v = fillPrice + 1.5*risk
			} else {
				v = fillPrice - 1.5*risk
			}
		}
		tp = &v
	}

	return sl, tp
}
