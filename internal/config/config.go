package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all worker-process configuration
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Simulator SimulatorConfig `mapstructure:"simulator"`
	AI        AIConfig        `mapstructure:"ai"`
	Trading   TradingConfig   `mapstructure:"trading"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // "json" or "console"
}

// DatabaseConfig contains PostgreSQL settings
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
	PoolSize int    `mapstructure:"pool_size"`
}

// RedisConfig contains Redis settings
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// NATSConfig contains NATS messaging settings
type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Enabled bool   `mapstructure:"enabled"`
}

// WorkerConfig contains agent worker settings
type WorkerConfig struct {
	MaxConsecutiveErrors int     `mapstructure:"max_consecutive_errors"` // sliding-window trip count
	ErrorWindowSeconds   int     `mapstructure:"error_window_seconds"`
	RetryBaseDelay       float64 `mapstructure:"retry_base_delay"` // seconds
	RetryMaxDelay        float64 `mapstructure:"retry_max_delay"`  // seconds
	RetryJitter          bool    `mapstructure:"retry_jitter"`
	CycleTimeoutSeconds  int     `mapstructure:"cycle_timeout_seconds"`
	MetricsPort          int     `mapstructure:"metrics_port"`
}

// SimulatorConfig contains mock trader settings
type SimulatorConfig struct {
	MakerFee        float64 `mapstructure:"maker_fee"`
	TakerFee        float64 `mapstructure:"taker_fee"`
	DefaultSlippage float64 `mapstructure:"default_slippage"`
	InitialEquity   float64 `mapstructure:"initial_equity"`
}

// AIConfig contains LLM gateway settings
type AIConfig struct {
	Endpoint          string  `mapstructure:"endpoint"`
	APIKey            string  `mapstructure:"api_key"`
	Temperature       float64 `mapstructure:"temperature"`
	MaxTokens         int     `mapstructure:"max_tokens"`
	TimeoutMS         int     `mapstructure:"timeout_ms"`
	RequestsPerMinute int     `mapstructure:"requests_per_minute"`
}

// TradingConfig contains per-agent trading defaults
type TradingConfig struct {
	MaxPositions     int     `mapstructure:"max_positions"`      // default max open positions per AI agent
	MaxPositionRatio float64 `mapstructure:"max_position_ratio"` // margin cap as fraction of effective equity
	MinConfidence    float64 `mapstructure:"min_confidence"`     // 0-100
	MinOrderUSD      float64 `mapstructure:"min_order_usd"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("QUANTFLOW")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; using defaults and environment variables
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "QuantFlow")
	v.SetDefault("app.version", "0.1.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "quantflow")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.pool_size", 10)

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	// NATS defaults
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.enabled", true)

	// Worker defaults
	v.SetDefault("worker.max_consecutive_errors", 5)
	v.SetDefault("worker.error_window_seconds", 600)
	v.SetDefault("worker.retry_base_delay", 2.0)
	v.SetDefault("worker.retry_max_delay", 60.0)
	v.SetDefault("worker.retry_jitter", true)
	v.SetDefault("worker.cycle_timeout_seconds", 300)
	v.SetDefault("worker.metrics_port", 9100)

	// Simulator defaults
	v.SetDefault("simulator.maker_fee", 0.0002)
	v.SetDefault("simulator.taker_fee", 0.0005)
	v.SetDefault("simulator.default_slippage", 0.0005)
	v.SetDefault("simulator.initial_equity", 10000.0)

	// AI defaults
	v.SetDefault("ai.endpoint", "http://localhost:8080/v1/chat/completions")
	v.SetDefault("ai.temperature", 0.7)
	v.SetDefault("ai.max_tokens", 4000)
	v.SetDefault("ai.timeout_ms", 120000)
	v.SetDefault("ai.requests_per_minute", 60)

	// Trading defaults
	v.SetDefault("trading.max_positions", 3)
	v.SetDefault("trading.max_position_ratio", 0.3)
	v.SetDefault("trading.min_confidence", 60.0)
	v.SetDefault("trading.min_order_usd", 10.0)
}

// Validate checks configuration invariants
func (c *Config) Validate() error {
	if c.Worker.MaxConsecutiveErrors < 1 {
		return fmt.Errorf("worker.max_consecutive_errors must be >= 1, got %d", c.Worker.MaxConsecutiveErrors)
	}
	if c.Worker.ErrorWindowSeconds < 1 {
		return fmt.Errorf("worker.error_window_seconds must be >= 1, got %d", c.Worker.ErrorWindowSeconds)
	}
	if c.Worker.RetryBaseDelay <= 0 {
		return fmt.Errorf("worker.retry_base_delay must be positive, got %f", c.Worker.RetryBaseDelay)
	}
	if c.Worker.RetryMaxDelay < c.Worker.RetryBaseDelay {
		return fmt.Errorf("worker.retry_max_delay must be >= retry_base_delay")
	}
	if c.Trading.MaxPositionRatio <= 0 || c.Trading.MaxPositionRatio > 1 {
		return fmt.Errorf("trading.max_position_ratio must be in (0,1], got %f", c.Trading.MaxPositionRatio)
	}
	if c.Database.PoolSize < 1 {
		return fmt.Errorf("database.pool_size must be >= 1, got %d", c.Database.PoolSize)
	}
	return nil
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// GetRedisAddr returns the Redis address
func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetTimeout returns the AI request timeout as time.Duration
func (c *AIConfig) GetTimeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// RetryBase returns the retry base delay as a duration
func (c *WorkerConfig) RetryBase() time.Duration {
	return time.Duration(c.RetryBaseDelay * float64(time.Second))
}

// RetryMax returns the retry max delay as a duration
func (c *WorkerConfig) RetryMax() time.Duration {
	return time.Duration(c.RetryMaxDelay * float64(time.Second))
}

// CycleTimeout returns the per-cycle execution timeout
func (c *WorkerConfig) CycleTimeout() time.Duration {
	return time.Duration(c.CycleTimeoutSeconds) * time.Second
}
