package trader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/quantflow/quantflow/internal/config"
)

// MockTrader simulates a perpetuals venue for mock-mode agents. Fills are
// immediate at the configured market price plus slippage; fees are deducted
// from the simulated balance.
type MockTrader struct {
	mu sync.RWMutex

	initialized bool
	balance     float64
	positions   map[string]*Position // symbol -> open position
	leverages   map[string]int

	marketPrices map[string]float64
	klines       map[string][]OHLCV // symbol|timeframe -> bars
	funding      map[string][]FundingEntry

	takerFee        float64
	makerFee        float64
	defaultSlippage float64
}

// NewMockTrader creates a simulator with default fee configuration
func NewMockTrader() *MockTrader {
	return NewMockTraderWithConfig(config.SimulatorConfig{
		MakerFee:        0.0002,
		TakerFee:        0.0005,
		DefaultSlippage: 0.0005,
		InitialEquity:   10000.0,
	})
}

// NewMockTraderWithConfig creates a simulator with custom fees and equity
func NewMockTraderWithConfig(cfg config.SimulatorConfig) *MockTrader {
	log.Info().
		Float64("maker_fee", cfg.MakerFee).
		Float64("taker_fee", cfg.TakerFee).
		Float64("default_slippage", cfg.DefaultSlippage).
		Float64("initial_equity", cfg.InitialEquity).
		Msg("Mock trader initialized (simulated venue)")

	return &MockTrader{
		balance:         cfg.InitialEquity,
		positions:       make(map[string]*Position),
		leverages:       make(map[string]int),
		marketPrices:    make(map[string]float64),
		klines:          make(map[string][]OHLCV),
		funding:         make(map[string][]FundingEntry),
		takerFee:        cfg.TakerFee,
		makerFee:        cfg.MakerFee,
		defaultSlippage: cfg.DefaultSlippage,
	}
}

// SetMarketPrice sets the simulated price for a symbol
func (m *MockTrader) SetMarketPrice(symbol string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marketPrices[symbol] = price
}

// SetKlines seeds the simulated kline series for a symbol and timeframe
func (m *MockTrader) SetKlines(symbol, timeframe string, bars []OHLCV) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.klines[symbol+"|"+timeframe] = bars
}

// SetFundingHistory seeds the simulated funding history for a symbol
func (m *MockTrader) SetFundingHistory(symbol string, entries []FundingEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.funding[symbol] = entries
}

// Initialize marks the trader ready
func (m *MockTrader) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initialized = true
	return nil
}

// Close releases the simulated connection
func (m *MockTrader) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initialized = false
	return nil
}

func (m *MockTrader) priceLocked(symbol string) (float64, error) {
	p, ok := m.marketPrices[symbol]
	if !ok || p <= 0 {
		return 0, fmt.Errorf("no market price for symbol %s", symbol)
	}
	return p, nil
}

// GetAccountState returns the simulated account summary
func (m *MockTrader) GetAccountState(ctx context.Context) (*AccountState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state := &AccountState{AvailableBalance: m.balance}
	for _, pos := range m.positions {
		p := *pos
		if mark, ok := m.marketPrices[p.Symbol]; ok && mark > 0 {
			p.MarkPrice = mark
			p.UnrealizedPnL = unrealized(p.Side, p.EntryPrice, mark, p.Size)
		}
		state.Positions = append(state.Positions, p)
		state.TotalMarginUsed += p.MarginUsed
		state.UnrealizedPnL += p.UnrealizedPnL
	}
	state.Equity = m.balance + state.TotalMarginUsed + state.UnrealizedPnL
	return state, nil
}

func unrealized(side Side, entry, mark, size float64) float64 {
	if side == SideLong {
		return (mark - entry) * size
	}
	return (entry - mark) * size
}

// GetPositions returns all simulated open positions
func (m *MockTrader) GetPositions(ctx context.Context) ([]Position, error) {
	state, err := m.GetAccountState(ctx)
	if err != nil {
		return nil, err
	}
	return state.Positions, nil
}

// GetPosition returns the simulated position for a symbol, nil when flat
func (m *MockTrader) GetPosition(ctx context.Context, symbol string) (*Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pos, ok := m.positions[symbol]
	if !ok {
		return nil, nil
	}
	p := *pos
	if mark, ok := m.marketPrices[symbol]; ok && mark > 0 {
		p.MarkPrice = mark
		p.UnrealizedPnL = unrealized(p.Side, p.EntryPrice, mark, p.Size)
	}
	return &p, nil
}

// GetMarketPrice returns the simulated mid price
func (m *MockTrader) GetMarketPrice(ctx context.Context, symbol string) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.priceLocked(symbol)
}

// GetMarketData returns a simulated market snapshot
func (m *MockTrader) GetMarketData(ctx context.Context, symbol string) (*MarketData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, err := m.priceLocked(symbol)
	if err != nil {
		return nil, err
	}
	spread := p * 0.0001
	var rate *float64
	if entries := m.funding[symbol]; len(entries) > 0 {
		r := entries[len(entries)-1].Rate
		rate = &r
	}
	return &MarketData{
		Symbol:      symbol,
		Mid:         p,
		Bid:         p - spread,
		Ask:         p + spread,
		Volume24h:   0,
		FundingRate: rate,
		Timestamp:   time.Now(),
	}, nil
}

// GetKlines returns up to limit seeded bars for the symbol and timeframe
func (m *MockTrader) GetKlines(ctx context.Context, symbol, timeframe string, limit int) ([]OHLCV, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bars, ok := m.klines[symbol+"|"+timeframe]
	if !ok {
		return nil, fmt.Errorf("no klines for %s %s", symbol, timeframe)
	}
	if limit > 0 && len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	out := make([]OHLCV, len(bars))
	copy(out, bars)
	return out, nil
}

// GetFundingHistory returns up to limit seeded funding entries
func (m *MockTrader) GetFundingHistory(ctx context.Context, symbol string, limit int) ([]FundingEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.funding[symbol]
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]FundingEntry, len(entries))
	copy(out, entries)
	return out, nil
}

// PlaceMarketOrder fills immediately at market price plus slippage
func (m *MockTrader) PlaceMarketOrder(ctx context.Context, req MarketOrderRequest) (*OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if req.Size <= 0 {
		return &OrderResult{Success: false, Status: "rejected", Error: "invalid order size"}, nil
	}

	price, err := m.priceLocked(req.Symbol)
	if err != nil {
		return nil, err
	}

	slip := m.defaultSlippage
	if req.Slippage != nil {
		slip = *req.Slippage
	}
	fillPrice := price * (1 + slip)
	if req.Side == SideShort {
		fillPrice = price * (1 - slip)
	}

	leverage := req.Leverage
	if leverage < 1 {
		leverage = 1
	}

	if req.ReduceOnly {
		return m.reduceLocked(req.Symbol, req.Side, req.Size, fillPrice)
	}

	notional := fillPrice * req.Size
	margin := notional / float64(leverage)
	fee := notional * m.takerFee
	if margin+fee > m.balance {
		return &OrderResult{Success: false, Status: "rejected", Error: "insufficient balance"}, nil
	}

	existing, ok := m.positions[req.Symbol]
	if ok && existing.Side != req.Side {
		return m.reduceLocked(req.Symbol, req.Side, req.Size, fillPrice)
	}

	m.balance -= margin + fee
	if ok {
		// Accumulate with size-weighted entry
		newSize := existing.Size + req.Size
		existing.EntryPrice = (existing.EntryPrice*existing.Size + fillPrice*req.Size) / newSize
		existing.Size = newSize
		existing.SizeUSD += notional
		existing.MarginUsed += margin
	} else {
		m.positions[req.Symbol] = &Position{
			Symbol:     req.Symbol,
			Side:       req.Side,
			Size:       req.Size,
			SizeUSD:    notional,
			EntryPrice: fillPrice,
			MarkPrice:  price,
			Leverage:   leverage,
			MarginUsed: margin,
		}
	}

	return &OrderResult{
		Success:     true,
		OrderID:     uuid.New().String(),
		FilledSize:  req.Size,
		FilledPrice: fillPrice,
		Status:      "filled",
	}, nil
}

// reduceLocked closes size units of the opposite-side position. Caller holds the mutex.
func (m *MockTrader) reduceLocked(symbol string, side Side, size, fillPrice float64) (*OrderResult, error) {
	pos, ok := m.positions[symbol]
	if !ok || pos.Side == side {
		return &OrderResult{Success: false, Status: "rejected", Error: "position not found"}, nil
	}

	if size > pos.Size {
		size = pos.Size
	}
	fraction := size / pos.Size
	margin := pos.MarginUsed * fraction
	pnl := unrealized(pos.Side, pos.EntryPrice, fillPrice, size)
	fee := fillPrice * size * m.takerFee

	m.balance += margin + pnl - fee
	pos.Size -= size
	pos.SizeUSD *= 1 - fraction
	pos.MarginUsed -= margin
	if pos.Size <= 1e-12 {
		delete(m.positions, symbol)
	}

	return &OrderResult{
		Success:     true,
		OrderID:     uuid.New().String(),
		FilledSize:  size,
		FilledPrice: fillPrice,
		Status:      "filled",
	}, nil
}

// PlaceLimitOrder fills immediately when marketable, otherwise rejects.
// The simulator has no resting book.
func (m *MockTrader) PlaceLimitOrder(ctx context.Context, req LimitOrderRequest) (*OrderResult, error) {
	m.mu.Lock()
	price, err := m.priceLocked(req.Symbol)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	marketable := (req.Side == SideLong && req.Price >= price) ||
		(req.Side == SideShort && req.Price <= price)
	if !marketable {
		return &OrderResult{Success: false, Status: "rejected", Error: "limit order would not fill"}, nil
	}
	zero := 0.0
	return m.PlaceMarketOrder(ctx, MarketOrderRequest{
		Symbol:   req.Symbol,
		Side:     req.Side,
		Size:     req.Size,
		Leverage: req.Leverage,
		Slippage: &zero,
	})
}

// PlaceStopLoss records a protective stop. The simulator does not trigger
// stops; it acknowledges them so entry flows can proceed.
func (m *MockTrader) PlaceStopLoss(ctx context.Context, symbol string, positionSide Side, size, stopPrice float64) (*OrderResult, error) {
	if stopPrice <= 0 {
		return &OrderResult{Success: false, Status: "rejected", Error: "invalid stop price"}, nil
	}
	return &OrderResult{Success: true, OrderID: uuid.New().String(), Status: "accepted"}, nil
}

// PlaceTakeProfit records a take-profit order, see PlaceStopLoss
func (m *MockTrader) PlaceTakeProfit(ctx context.Context, symbol string, positionSide Side, size, targetPrice float64) (*OrderResult, error) {
	if targetPrice <= 0 {
		return &OrderResult{Success: false, Status: "rejected", Error: "invalid target price"}, nil
	}
	return &OrderResult{Success: true, OrderID: uuid.New().String(), Status: "accepted"}, nil
}

// CancelOrder is a no-op in the simulator
func (m *MockTrader) CancelOrder(ctx context.Context, symbol, orderID string) error {
	return nil
}

// CancelAllOrders is a no-op in the simulator
func (m *MockTrader) CancelAllOrders(ctx context.Context, symbol string) error {
	return nil
}

// ClosePosition closes the whole position, or size units when given
func (m *MockTrader) ClosePosition(ctx context.Context, symbol string, size *float64, slippage *float64) (*OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.positions[symbol]
	if !ok {
		return &OrderResult{Success: false, Status: "rejected", Error: "position not found"}, nil
	}

	price, err := m.priceLocked(symbol)
	if err != nil {
		return nil, err
	}
	slip := m.defaultSlippage
	if slippage != nil {
		slip = *slippage
	}
	fillPrice := price * (1 - slip)
	if pos.Side == SideShort {
		fillPrice = price * (1 + slip)
	}

	closeSize := pos.Size
	if size != nil && *size > 0 && *size < pos.Size {
		closeSize = *size
	}
	return m.reduceLocked(symbol, pos.Side.Opposite(), closeSize, fillPrice)
}

// SetLeverage records the desired leverage for a symbol
func (m *MockTrader) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if leverage < 1 || leverage > 100 {
		return fmt.Errorf("invalid leverage %d for %s", leverage, symbol)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leverages[symbol] = leverage
	return nil
}

// OpenLong opens a long position worth sizeUSD with protective orders
func (m *MockTrader) OpenLong(ctx context.Context, symbol string, sizeUSD float64, leverage int, stopLoss, takeProfit *float64) (*OrderResult, error) {
	return m.openDirectional(ctx, symbol, SideLong, sizeUSD, leverage, stopLoss, takeProfit)
}

// OpenShort opens a short position worth sizeUSD with protective orders
func (m *MockTrader) OpenShort(ctx context.Context, symbol string, sizeUSD float64, leverage int, stopLoss, takeProfit *float64) (*OrderResult, error) {
	return m.openDirectional(ctx, symbol, SideShort, sizeUSD, leverage, stopLoss, takeProfit)
}

func (m *MockTrader) openDirectional(ctx context.Context, symbol string, side Side, sizeUSD float64, leverage int, stopLoss, takeProfit *float64) (*OrderResult, error) {
	price, err := m.GetMarketPrice(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if sizeUSD <= 0 {
		return &OrderResult{Success: false, Status: "rejected", Error: "invalid order size"}, nil
	}

	if err := m.SetLeverage(ctx, symbol, max(leverage, 1)); err != nil {
		return nil, err
	}

	result, err := m.PlaceMarketOrder(ctx, MarketOrderRequest{
		Symbol:   symbol,
		Side:     side,
		Size:     sizeUSD / price,
		Leverage: leverage,
	})
	if err != nil || !result.Success {
		return result, err
	}

	sl, tp := ValidateStops(side, result.FilledPrice, leverage, stopLoss, takeProfit)
	if sl != nil {
		if _, err := m.PlaceStopLoss(ctx, symbol, side, result.FilledSize, *sl); err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("Stop-loss placement failed after entry")
		}
	}
	if tp != nil {
		if _, err := m.PlaceTakeProfit(ctx, symbol, side, result.FilledSize, *tp); err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("Take-profit placement failed after entry")
		}
	}

	return result, nil
}

var _ Trader = (*MockTrader)(nil)
