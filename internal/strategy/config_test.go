package strategy

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantflow/quantflow/internal/db"
)

func TestGridConfigValidate(t *testing.T) {
	valid := GridConfig{
		Symbol: "BTC", UpperPrice: 60000, LowerPrice: 50000,
		GridCount: 10, TotalInvestment: 1000, Leverage: 3,
	}
	require.NoError(t, valid.Validate())
	assert.InDelta(t, 1000.0, valid.GridSpacing(), 1e-9)
	assert.InDelta(t, 100.0, valid.PerGridInvestment(), 1e-9)

	tests := []struct {
		name   string
		mutate func(*GridConfig)
		field  string
	}{
		{"inverted band", func(c *GridConfig) { c.UpperPrice = 40000 }, "upper_price"},
		{"grid count too low", func(c *GridConfig) { c.GridCount = 1 }, "grid_count"},
		{"grid count too high", func(c *GridConfig) { c.GridCount = 201 }, "grid_count"},
		{"zero investment", func(c *GridConfig) { c.TotalInvestment = 0 }, "total_investment"},
		{"leverage too high", func(c *GridConfig) { c.Leverage = 51 }, "leverage"},
		{"missing symbol", func(c *GridConfig) { c.Symbol = "" }, "symbol"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestDCAConfigDefaults(t *testing.T) {
	cfg := DCAConfig{
		Symbol: "ETH", OrderAmount: 50, IntervalMinutes: 60,
		TotalBudget: 500, MaxOrders: 10,
	}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5.0, cfg.TakeProfitPercent)
	assert.Equal(t, 1, cfg.Leverage)
}

func TestDCAConfigZeroCapsAreUnlimited(t *testing.T) {
	cfg := DCAConfig{Symbol: "ETH", OrderAmount: 50, IntervalMinutes: 60}
	require.NoError(t, cfg.Validate())
	assert.Zero(t, cfg.TotalBudget)
	assert.Zero(t, cfg.MaxOrders)
}

func TestDCAConfigRejectsNegativeCaps(t *testing.T) {
	budget := DCAConfig{Symbol: "ETH", OrderAmount: 50, IntervalMinutes: 60, TotalBudget: -1}
	err := budget.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "total_budget")

	orders := DCAConfig{Symbol: "ETH", OrderAmount: 50, IntervalMinutes: 60, MaxOrders: -1}
	err = orders.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_orders")
}

func TestDCAConfigOrderExceedsBudget(t *testing.T) {
	cfg := DCAConfig{
		Symbol: "ETH", OrderAmount: 600, IntervalMinutes: 60,
		TotalBudget: 500, MaxOrders: 10,
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "order_amount")
}

func TestRSIConfigDefaults(t *testing.T) {
	cfg := RSIConfig{Symbol: "SOL", OrderAmount: 100}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 14, cfg.RSIPeriod)
	assert.Equal(t, 70.0, cfg.Overbought)
	assert.Equal(t, 30.0, cfg.Oversold)
	assert.Equal(t, "1h", cfg.Timeframe)
}

func TestRSIConfigThresholdOrdering(t *testing.T) {
	cfg := RSIConfig{Symbol: "SOL", OrderAmount: 100, Overbought: 30, Oversold: 70}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overbought")
}

func TestAIConfigDefaults(t *testing.T) {
	cfg := AIConfig{Watchlist: []string{"BTC", "ETH"}}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, []string{"15m", "1h", "4h"}, cfg.Timeframes)
	assert.Equal(t, "en", cfg.Language)
	assert.Equal(t, 10, cfg.Risk.MaxLeverage)
	assert.Equal(t, 3, cfg.Risk.MaxPositions)
	assert.InDelta(t, 0.3, cfg.Risk.MaxPositionRatio, 1e-9)
}

func TestAIConfigRejectsEmptyWatchlist(t *testing.T) {
	cfg := AIConfig{}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "watchlist")
}

func TestCheckSchemaVersion(t *testing.T) {
	assert.NoError(t, CheckSchemaVersion("1.0.0"))
	assert.NoError(t, CheckSchemaVersion("1.0"))
	assert.Error(t, CheckSchemaVersion("2.0.0"))
	assert.Error(t, CheckSchemaVersion("1.1.0")) // newer than supported
	assert.Error(t, CheckSchemaVersion(""))
	assert.Error(t, CheckSchemaVersion("not-a-version"))
}

func TestValidateTemplate(t *testing.T) {
	gridJSON, _ := json.Marshal(GridConfig{
		Symbol: "BTC", UpperPrice: 60000, LowerPrice: 50000,
		GridCount: 10, TotalInvestment: 1000, Leverage: 2,
	})

	tmpl := &db.Strategy{Type: db.StrategyTypeGrid, SchemaVersion: "1.0.0", Config: gridJSON}
	require.NoError(t, ValidateTemplate(tmpl))

	tmpl.Type = "martingale"
	assert.Error(t, ValidateTemplate(tmpl))

	tmpl.Type = db.StrategyTypeGrid
	tmpl.SchemaVersion = "9.0.0"
	assert.Error(t, ValidateTemplate(tmpl))
}
