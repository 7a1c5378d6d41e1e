package market

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantflow/quantflow/internal/trader"
)

// DefaultKlineLimit is how many candles each timeframe context carries
const DefaultKlineLimit = 100

// IndicatorSet holds the latest indicator values for one timeframe
type IndicatorSet struct {
	EMA20          float64 `json:"ema20"`
	SMA50          float64 `json:"sma50"`
	RSI14          float64 `json:"rsi14"`
	MACDLine       float64 `json:"macd_line"`
	MACDSignal     float64 `json:"macd_signal"`
	MACDHistogram  float64 `json:"macd_histogram"`
	BollingerUpper float64 `json:"bollinger_upper"`
	BollingerMid   float64 `json:"bollinger_mid"`
	BollingerLower float64 `json:"bollinger_lower"`
	ATR14          float64 `json:"atr14"`
	VolumeSMA20    float64 `json:"volume_sma20"`
}

// TimeframeContext is one timeframe's candles plus computed indicators
type TimeframeContext struct {
	Timeframe  string         `json:"timeframe"`
	Klines     []trader.OHLCV `json:"klines"`
	Indicators IndicatorSet   `json:"indicators"`
}

// Snapshot is the full market context for one symbol, fed to strategy
// engines and serialized into AI prompts and decision records
type Snapshot struct {
	Symbol      string                `json:"symbol"`
	Data        *trader.MarketData    `json:"data"`
	Timeframes  []TimeframeContext    `json:"timeframes"`
	Funding     []trader.FundingEntry `json:"funding,omitempty"`
	GeneratedAt time.Time             `json:"generated_at"`
}

// Builder assembles market snapshots from a trader, with optional Redis
// caching of candle fetches
type Builder struct {
	trader     trader.Trader
	cache      *KlineCache
	klineLimit int
}

// NewBuilder creates a snapshot builder. cache may be nil.
func NewBuilder(t trader.Trader, cache *KlineCache) *Builder {
	return &Builder{trader: t, cache: cache, klineLimit: DefaultKlineLimit}
}

// Build assembles a snapshot for one symbol across the given timeframes.
// Indicator computation failures degrade to NaN values rather than failing
// the snapshot; a missing price is fatal.
func (b *Builder) Build(ctx context.Context, symbol string, timeframes []string) (*Snapshot, error) {
	data, err := b.trader.GetMarketData(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to get market data for %s: %w", symbol, err)
	}

	snapshot := &Snapshot{
		Symbol:      symbol,
		Data:        data,
		GeneratedAt: time.Now(),
	}

	for _, tf := range timeframes {
		klines, err := b.klines(ctx, symbol, tf)
		if err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Str("timeframe", tf).
				Msg("Skipping timeframe, kline fetch failed")
			continue
		}
		snapshot.Timeframes = append(snapshot.Timeframes, TimeframeContext{
			Timeframe:  tf,
			Klines:     klines,
			Indicators: computeIndicators(klines),
		})
	}

	if funding, err := b.trader.GetFundingHistory(ctx, symbol, 3); err == nil {
		snapshot.Funding = funding
	}

	return snapshot, nil
}

func (b *Builder) klines(ctx context.Context, symbol, timeframe string) ([]trader.OHLCV, error) {
	if klines, ok := b.cache.Get(ctx, symbol, timeframe, b.klineLimit); ok {
		return klines, nil
	}
	klines, err := b.trader.GetKlines(ctx, symbol, timeframe, b.klineLimit)
	if err != nil {
		return nil, err
	}
	b.cache.Set(ctx, symbol, timeframe, b.klineLimit, klines)
	return klines, nil
}

func computeIndicators(klines []trader.OHLCV) IndicatorSet {
	n := len(klines)
	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	volumes := make([]float64, n)
	for i, k := range klines {
		closes[i] = k.Close
		highs[i] = k.High
		lows[i] = k.Low
		volumes[i] = k.Volume
	}

	set := IndicatorSet{
		EMA20:       last(EMA(closes, 20)),
		SMA50:       last(SMA(closes, 50)),
		RSI14:       WilderRSI(closes, 14),
		ATR14:       ATR(highs, lows, closes, 14),
		VolumeSMA20: last(SMA(volumes, 20)),
	}

	macdLine, signalLine := MACD(closes)
	set.MACDLine = last(macdLine)
	set.MACDSignal = last(signalLine)
	if !math.IsNaN(set.MACDLine) && !math.IsNaN(set.MACDSignal) {
		set.MACDHistogram = set.MACDLine - set.MACDSignal
	} else {
		set.MACDHistogram = math.NaN()
	}

	set.BollingerUpper, set.BollingerMid, set.BollingerLower = Bollinger(closes, 20)
	return set
}
