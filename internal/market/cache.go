package market

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/quantflow/quantflow/internal/trader"
)

// KlineCache caches candle series in Redis so agents polling the same
// symbol on the same timeframe within one interval share a single exchange
// fetch. A nil cache is valid and behaves as a permanent miss.
type KlineCache struct {
	client *redis.Client
	ttl    time.Duration
}

type klineCacheEntry struct {
	Symbol    string         `json:"symbol"`
	Timeframe string         `json:"timeframe"`
	Klines    []trader.OHLCV `json:"klines"`
	CachedAt  time.Time      `json:"cached_at"`
}

// NewKlineCache creates a Redis-backed kline cache. Returns nil when the
// client is nil.
func NewKlineCache(client *redis.Client, ttl time.Duration) *KlineCache {
	if client == nil {
		return nil
	}
	if ttl == 0 {
		ttl = 30 * time.Second
	}
	return &KlineCache{client: client, ttl: ttl}
}

func (c *KlineCache) key(symbol, timeframe string, limit int) string {
	return fmt.Sprintf("klines:%s:%s:%d", symbol, timeframe, limit)
}

// Get returns cached klines, or nil and false on a miss. Cache errors are
// treated as misses.
func (c *KlineCache) Get(ctx context.Context, symbol, timeframe string, limit int) ([]trader.OHLCV, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}

	cacheCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	cached, err := c.client.Get(cacheCtx, c.key(symbol, timeframe, limit)).Result()
	if err != nil {
		if err != redis.Nil {
			log.Debug().Err(err).Str("symbol", symbol).Msg("Kline cache get error, treating as miss")
		}
		return nil, false
	}

	var entry klineCacheEntry
	if err := json.Unmarshal([]byte(cached), &entry); err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("Failed to unmarshal cached klines")
		return nil, false
	}
	return entry.Klines, true
}

// Set stores a candle series. Failures are logged, never fatal.
func (c *KlineCache) Set(ctx context.Context, symbol, timeframe string, limit int, klines []trader.OHLCV) {
	if c == nil || c.client == nil {
		return
	}

	data, err := json.Marshal(klineCacheEntry{
		Symbol:    symbol,
		Timeframe: timeframe,
		Klines:    klines,
		CachedAt:  time.Now(),
	})
	if err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("Failed to marshal klines for cache")
		return
	}

	cacheCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	if err := c.client.Set(cacheCtx, c.key(symbol, timeframe, limit), data, c.ttl).Err(); err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("Failed to cache klines")
	}
}
