package strategy

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/quantflow/quantflow/internal/db"
)

// ValidationError contains details about one validation failure
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(msgs, "; "))
}

// GridConfig drives the grid engine: evenly spaced levels inside a band,
// buy below the mid, sell above
type GridConfig struct {
	Symbol          string  `json:"symbol"`
	UpperPrice      float64 `json:"upper_price"`
	LowerPrice      float64 `json:"lower_price"`
	GridCount       int     `json:"grid_count"`
	TotalInvestment float64 `json:"total_investment"`
	Leverage        int     `json:"leverage"`
}

// Validate checks grid parameter invariants
func (c *GridConfig) Validate() error {
	var errs ValidationErrors
	if c.Symbol == "" {
		errs = append(errs, ValidationError{"symbol", "symbol is required"})
	}
	if c.UpperPrice <= c.LowerPrice {
		errs = append(errs, ValidationError{"upper_price",
			fmt.Sprintf("upper_price %.8g must be greater than lower_price %.8g", c.UpperPrice, c.LowerPrice)})
	}
	if c.LowerPrice <= 0 {
		errs = append(errs, ValidationError{"lower_price", "lower_price must be positive"})
	}
	if c.GridCount < 2 || c.GridCount > 200 {
		errs = append(errs, ValidationError{"grid_count",
			fmt.Sprintf("grid_count must be between 2 and 200, got %d", c.GridCount)})
	}
	if c.TotalInvestment <= 0 {
		errs = append(errs, ValidationError{"total_investment", "total_investment must be positive"})
	}
	if c.Leverage < 1 || c.Leverage > 50 {
		errs = append(errs, ValidationError{"leverage",
			fmt.Sprintf("leverage must be between 1 and 50, got %d", c.Leverage)})
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// GridSpacing returns the price distance between adjacent levels
func (c *GridConfig) GridSpacing() float64 {
	return (c.UpperPrice - c.LowerPrice) / float64(c.GridCount)
}

// PerGridInvestment returns the notional placed at each level
func (c *GridConfig) PerGridInvestment() float64 {
	return c.TotalInvestment / float64(c.GridCount)
}

// DCAConfig drives the dollar-cost-averaging engine. A zero total_budget or
// max_orders leaves that cap unlimited.
type DCAConfig struct {
	Symbol            string  `json:"symbol"`
	OrderAmount       float64 `json:"order_amount"`
	IntervalMinutes   int     `json:"interval_minutes"`
	TakeProfitPercent float64 `json:"take_profit_percent"`
	TotalBudget       float64 `json:"total_budget"`
	MaxOrders         int     `json:"max_orders"`
	Leverage          int     `json:"leverage"`
}

// Validate checks DCA parameter invariants and applies defaults
func (c *DCAConfig) Validate() error {
	if c.TakeProfitPercent == 0 {
		c.TakeProfitPercent = 5
	}
	if c.Leverage == 0 {
		c.Leverage = 1
	}

	var errs ValidationErrors
	if c.Symbol == "" {
		errs = append(errs, ValidationError{"symbol", "symbol is required"})
	}
	if c.OrderAmount <= 0 {
		errs = append(errs, ValidationError{"order_amount", "order_amount must be positive"})
	}
	if c.IntervalMinutes < 1 {
		errs = append(errs, ValidationError{"interval_minutes",
			fmt.Sprintf("interval_minutes must be >= 1, got %d", c.IntervalMinutes)})
	}
	if c.TakeProfitPercent <= 0 {
		errs = append(errs, ValidationError{"take_profit_percent", "take_profit_percent must be positive"})
	}
	if c.TotalBudget < 0 {
		errs = append(errs, ValidationError{"total_budget", "total_budget must not be negative"})
	}
	if c.MaxOrders < 0 {
		errs = append(errs, ValidationError{"max_orders",
			fmt.Sprintf("max_orders must not be negative, got %d", c.MaxOrders)})
	}
	if c.OrderAmount > 0 && c.TotalBudget > 0 && c.OrderAmount > c.TotalBudget {
		errs = append(errs, ValidationError{"order_amount", "order_amount exceeds total_budget"})
	}
	if c.Leverage < 1 || c.Leverage > 50 {
		errs = append(errs, ValidationError{"leverage",
			fmt.Sprintf("leverage must be between 1 and 50, got %d", c.Leverage)})
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// RSIConfig drives the RSI mean-reversion engine
type RSIConfig struct {
	Symbol      string  `json:"symbol"`
	RSIPeriod   int     `json:"rsi_period"`
	Overbought  float64 `json:"overbought"`
	Oversold    float64 `json:"oversold"`
	OrderAmount float64 `json:"order_amount"`
	Timeframe   string  `json:"timeframe"`
	Leverage    int     `json:"leverage"`
}

// Validate checks RSI parameter invariants and applies defaults
func (c *RSIConfig) Validate() error {
	if c.RSIPeriod == 0 {
		c.RSIPeriod = 14
	}
	if c.Overbought == 0 {
		c.Overbought = 70
	}
	if c.Oversold == 0 {
		c.Oversold = 30
	}
	if c.Timeframe == "" {
		c.Timeframe = "1h"
	}
	if c.Leverage == 0 {
		c.Leverage = 1
	}

	var errs ValidationErrors
	if c.Symbol == "" {
		errs = append(errs, ValidationError{"symbol", "symbol is required"})
	}
	if c.RSIPeriod < 2 || c.RSIPeriod > 100 {
		errs = append(errs, ValidationError{"rsi_period",
			fmt.Sprintf("rsi_period must be between 2 and 100, got %d", c.RSIPeriod)})
	}
	if c.Oversold <= 0 || c.Oversold >= 100 {
		errs = append(errs, ValidationError{"oversold", "oversold must be in (0,100)"})
	}
	if c.Overbought <= 0 || c.Overbought >= 100 {
		errs = append(errs, ValidationError{"overbought", "overbought must be in (0,100)"})
	}
	if c.Overbought <= c.Oversold {
		errs = append(errs, ValidationError{"overbought",
			fmt.Sprintf("overbought %.1f must be greater than oversold %.1f", c.Overbought, c.Oversold)})
	}
	if c.OrderAmount <= 0 {
		errs = append(errs, ValidationError{"order_amount", "order_amount must be positive"})
	}
	if c.Leverage < 1 || c.Leverage > 50 {
		errs = append(errs, ValidationError{"leverage",
			fmt.Sprintf("leverage must be between 1 and 50, got %d", c.Leverage)})
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// RiskControls bound what an AI strategy is allowed to do
type RiskControls struct {
	MaxLeverage      int      `json:"max_leverage"`
	MaxPositions     int      `json:"max_positions"`
	MaxPositionRatio float64  `json:"max_position_ratio"`
	MinConfidence    float64  `json:"min_confidence"`
	MinRiskReward    float64  `json:"min_risk_reward"`
	AllowedSymbols   []string `json:"allowed_symbols,omitempty"`
}

// AIConfig is the prompt template plus guard rails for AI strategies
type AIConfig struct {
	Watchlist []string `json:"watchlist"`

	// Prompt sections, concatenated into the system prompt
	Persona        string `json:"persona,omitempty"`
	MarketAnalysis string `json:"market_analysis,omitempty"`
	EntryRules     string `json:"entry_rules,omitempty"`
	ExitRules      string `json:"exit_rules,omitempty"`
	RiskNotes      string `json:"risk_notes,omitempty"`
	CustomNotes    string `json:"custom_notes,omitempty"`

	Timeframes []string     `json:"timeframes,omitempty"`
	Language   string       `json:"language,omitempty"` // en | zh
	Risk       RiskControls `json:"risk"`
}

// Validate checks AI template invariants and applies defaults
func (c *AIConfig) Validate() error {
	if len(c.Timeframes) == 0 {
		c.Timeframes = []string{"15m", "1h", "4h"}
	}
	if c.Language == "" {
		c.Language = "en"
	}
	if c.Risk.MaxLeverage == 0 {
		c.Risk.MaxLeverage = 10
	}
	if c.Risk.MaxPositions == 0 {
		c.Risk.MaxPositions = 3
	}
	if c.Risk.MaxPositionRatio == 0 {
		c.Risk.MaxPositionRatio = 0.3
	}
	if c.Risk.MinRiskReward == 0 {
		c.Risk.MinRiskReward = 1.5
	}

	var errs ValidationErrors
	if len(c.Watchlist) == 0 {
		errs = append(errs, ValidationError{"watchlist", "watchlist must not be empty"})
	}
	if len(c.Watchlist) > 20 {
		errs = append(errs, ValidationError{"watchlist", "watchlist must have at most 20 symbols"})
	}
	if c.Language != "en" && c.Language != "zh" {
		errs = append(errs, ValidationError{"language",
			fmt.Sprintf("language must be en or zh, got %q", c.Language)})
	}
	if c.Risk.MaxLeverage < 1 || c.Risk.MaxLeverage > 50 {
		errs = append(errs, ValidationError{"risk.max_leverage",
			fmt.Sprintf("max_leverage must be between 1 and 50, got %d", c.Risk.MaxLeverage)})
	}
	if c.Risk.MaxPositionRatio <= 0 || c.Risk.MaxPositionRatio > 1 {
		errs = append(errs, ValidationError{"risk.max_position_ratio", "max_position_ratio must be in (0,1]"})
	}
	if c.Risk.MinConfidence < 0 || c.Risk.MinConfidence > 100 {
		errs = append(errs, ValidationError{"risk.min_confidence", "min_confidence must be in [0,100]"})
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// ParseGrid decodes and validates a grid template config
func ParseGrid(raw json.RawMessage) (*GridConfig, error) {
	var cfg GridConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse grid config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ParseDCA decodes and validates a DCA template config
func ParseDCA(raw json.RawMessage) (*DCAConfig, error) {
	var cfg DCAConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse dca config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ParseRSI decodes and validates an RSI template config
func ParseRSI(raw json.RawMessage) (*RSIConfig, error) {
	var cfg RSIConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse rsi config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ParseAI decodes and validates an AI template config
func ParseAI(raw json.RawMessage) (*AIConfig, error) {
	var cfg AIConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse ai config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ValidateTemplate checks a strategy record's schema version and config
// against its declared type
func ValidateTemplate(s *db.Strategy) error {
	if err := CheckSchemaVersion(s.SchemaVersion); err != nil {
		return err
	}
	var err error
	switch s.Type {
	case db.StrategyTypeGrid:
		_, err = ParseGrid(s.Config)
	case db.StrategyTypeDCA:
		_, err = ParseDCA(s.Config)
	case db.StrategyTypeRSI:
		_, err = ParseRSI(s.Config)
	case db.StrategyTypeAI:
		_, err = ParseAI(s.Config)
	default:
		err = fmt.Errorf("unknown strategy type: %s", s.Type)
	}
	return err
}
