// Package trader defines the venue capability consumed by the execution
// core, plus a simulator implementation for mock-mode agents.
package trader

import "time"

// Side is the direction of a position or order
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Opposite returns the closing side for a position side
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// MarketData is a real-time snapshot for one symbol
type MarketData struct {
	Symbol      string    `json:"symbol"`
	Mid         float64   `json:"mid"`
	Bid         float64   `json:"bid"`
	Ask         float64   `json:"ask"`
	Volume24h   float64   `json:"volume_24h"`
	FundingRate *float64  `json:"funding_rate,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// OHLCV is one kline bar
type OHLCV struct {
	Timestamp time.Time `json:"ts"`
	Open      float64   `json:"o"`
	High      float64   `json:"h"`
	Low       float64   `json:"l"`
	Close     float64   `json:"c"`
	Volume    float64   `json:"v"`
}

// FundingEntry is one historical funding-rate observation
type FundingEntry struct {
	Symbol    string    `json:"symbol"`
	Rate      float64   `json:"rate"`
	Timestamp time.Time `json:"timestamp"`
}

// Position is an exchange-reported position
type Position struct {
	Symbol           string   `json:"symbol"`
	Side             Side     `json:"side"`
	Size             float64  `json:"size"`
	SizeUSD          float64  `json:"size_usd"`
	EntryPrice       float64  `json:"entry_price"`
	MarkPrice        float64  `json:"mark_price"`
	Leverage         int      `json:"leverage"`
	UnrealizedPnL    float64  `json:"unrealized_pnl"`
	LiquidationPrice *float64 `json:"liquidation_price,omitempty"`
	MarginUsed       float64  `json:"margin_used"`
}

// AccountState is the exchange-reported account summary
type AccountState struct {
	Equity           float64    `json:"equity"`
	AvailableBalance float64    `json:"available_balance"`
	TotalMarginUsed  float64    `json:"total_margin_used"`
	UnrealizedPnL    float64    `json:"unrealized_pnl"`
	Positions        []Position `json:"positions"`
}

// OrderResult is the outcome of an order placement or close
type OrderResult struct {
	Success     bool    `json:"success"`
	OrderID     string  `json:"order_id,omitempty"`
	FilledSize  float64 `json:"filled_size,omitempty"`
	FilledPrice float64 `json:"filled_price,omitempty"`
	Status      string  `json:"status"`
	Error       string  `json:"error,omitempty"`
}

// MarketOrderRequest describes a market order
type MarketOrderRequest struct {
	Symbol     string
	Side       Side
	Size       float64 // base units
	Leverage   int
	ReduceOnly bool
	Slippage   *float64 // max slippage fraction, venue default when nil
	Price      *float64 // reference price for slippage guard
}

// LimitOrderRequest describes a limit order
type LimitOrderRequest struct {
	Symbol   string
	Side     Side
	Size     float64
	Price    float64
	Leverage int
	PostOnly bool
}
