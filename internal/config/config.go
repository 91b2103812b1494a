package config

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"cqt/internal/risk"
	"cqt/internal/util"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for cqt.
type Config struct {
	Storage    Storage          `yaml:"storage"`
	Server     Server           `yaml:"server"`
	Alpaca     Alpaca           `yaml:"alpaca"`
	Logging    Logging          `yaml:"logging"`
	Trading    TradingConfig    `yaml:"trading"`
	Backtest   BacktestConfig   `yaml:"backtest"`
	Gather     GatherConfig     `yaml:"gather"`
	Risk       risk.Params      `yaml:"risk_management"`
	Strategies []StrategyConfig `yaml:"strategies"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Server holds network listener configuration.
type Server struct {
	Host     string `yaml:"host"`
	GRPCPort int    `yaml:"grpc_port"`
}

// Addr returns the gRPC listen address.
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.GRPCPort)
}

// Alpaca holds credentials and endpoints for the Alpaca broker API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
}

// Logging configures the application logger.
type Logging struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Options converts the section for util.NewLoggerWithOptions.
func (l Logging) Options() util.LogOptions {
	return util.LogOptions{
		Level:      l.Level,
		Format:     l.Format,
		File:       l.File,
		MaxSizeMB:  l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		MaxAgeDays: l.MaxAgeDays,
		Compress:   l.Compress,
	}
}

// TradingConfig defines account and execution parameters.
type TradingConfig struct {
	PaperMode      bool            `yaml:"paper_mode"`
	Market         string          `yaml:"market"`
	FeeRate        decimal.Decimal `yaml:"fee_rate"`
	InitialCapital decimal.Decimal `yaml:"initial_capital"`
	QuoteCurrency  string          `yaml:"quote_currency"`
	MaxBarAge      time.Duration   `yaml:"max_bar_age"`
}

// BacktestConfig is the date range replayed by cqt-backtest, as YYYY-MM-DD.
type BacktestConfig struct {
	Start      string `yaml:"start"`
	End        string `yaml:"end"`
	EquityFile string `yaml:"equity_file"`
}

// Range parses Start and End. End is inclusive through the end of its day.
func (b BacktestConfig) Range() (start, end time.Time, err error) {
	start, err = time.Parse(time.DateOnly, b.Start)
	if err != nil {
		return start, end, fmt.Errorf("backtest.start: %w", err)
	}
	end, err = time.Parse(time.DateOnly, b.End)
	if err != nil {
		return start, end, fmt.Errorf("backtest.end: %w", err)
	}
	if end.Before(start) {
		return start, end, fmt.Errorf("backtest.end %s is before start %s", b.End, b.Start)
	}
	return start, end.Add(24*time.Hour - time.Nanosecond), nil
}

// GatherConfig tunes cqt-fetch. StartDate is YYYY-MM-DD; an empty value
// starts at backtest.start.
type GatherConfig struct {
	StartDate       string `yaml:"start_date"`
	BatchSize       int    `yaml:"batch_size"`
	MaxWorkers      int    `yaml:"max_workers"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min"`
}

// StrategyConfig declares one strategy instance, the symbols it trades and
// an optional risk override layer.
type StrategyConfig struct {
	Name       string         `yaml:"name"`
	Type       string         `yaml:"type"`
	Symbols    []string       `yaml:"symbols"`
	Params     map[string]any `yaml:"params"`
	RiskParams *risk.Params   `yaml:"risk_params"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, checks it against
// the config schema, parses it into a Config struct, applies defaults and
// environment variable overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse is Load for an in-memory document.
func Parse(data []byte) (*Config, error) {
	if err := validateSchema(data); err != nil {
		return nil, err
	}

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.GRPCPort == 0 {
		cfg.Server.GRPCPort = 50051
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Trading.Market == "" {
		cfg.Trading.Market = "crypto"
	}
	if cfg.Trading.QuoteCurrency == "" {
		cfg.Trading.QuoteCurrency = "USDT"
	}
	if cfg.Trading.InitialCapital.IsZero() {
		cfg.Trading.InitialCapital = decimal.NewFromInt(10000)
	}
	if cfg.Gather.BatchSize == 0 {
		cfg.Gather.BatchSize = 50
	}
	if cfg.Gather.MaxWorkers == 0 {
		cfg.Gather.MaxWorkers = 4
	}
	if cfg.Gather.RateLimitPerMin == 0 {
		cfg.Gather.RateLimitPerMin = 200
	}
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}

	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("GRPC_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("GRPC_PORT: %w", err)
		}
		cfg.Server.GRPCPort = port
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}

	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}

	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}

	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Standard Alpaca env vars take precedence; the SDK reads the same names.
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	return nil
}

// Validate checks cross-field constraints the schema cannot express.
func (c *Config) Validate() error {
	if c.Trading.FeeRate.IsNegative() || c.Trading.FeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("trading.fee_rate %s must be in [0, 1)", c.Trading.FeeRate)
	}
	if !c.Trading.InitialCapital.IsPositive() {
		return fmt.Errorf("trading.initial_capital %s must be positive", c.Trading.InitialCapital)
	}
	if c.Trading.MaxBarAge < 0 {
		return fmt.Errorf("trading.max_bar_age %s must not be negative", c.Trading.MaxBarAge)
	}
	if !c.Trading.PaperMode && (c.Alpaca.APIKey == "" || c.Alpaca.APISecret == "") {
		return fmt.Errorf("live trading needs alpaca.api_key and alpaca.api_secret")
	}
	if err := c.Risk.Validate(); err != nil {
		return fmt.Errorf("risk_management: %w", err)
	}

	seen := make(map[string]bool, len(c.Strategies))
	for _, s := range c.Strategies {
		if seen[s.Name] {
			return fmt.Errorf("strategies: duplicate name %q", s.Name)
		}
		seen[s.Name] = true
		if err := s.RiskParams.Validate(); err != nil {
			return fmt.Errorf("strategies[%s].risk_params: %w", s.Name, err)
		}
	}
	return nil
}
