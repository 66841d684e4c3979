// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AnyCoins is the fallback key in a user's symbols_risk map
const AnyCoins = "ANY_COINS"

// Direction bitmask values
const (
	DirectionLong  = 1
	DirectionShort = 2
	DirectionBoth  = 3
)

// Config represents the complete configuration structure
type Config struct {
	App        AppConfig                 `yaml:"app"`
	Users      map[string]UserConfig     `yaml:"users"`
	Strategies map[string]StrategyConfig `yaml:"strategies"`
	System     SystemConfig              `yaml:"system"`
	Telemetry  TelemetryConfig           `yaml:"telemetry"`
	Telegram   TelegramConfig            `yaml:"telegram"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // console or json
}

// UserConfig declares one trading account
type UserConfig struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	ProxyURL  string `yaml:"proxy_url"` // empty means direct

	MarginType          string `yaml:"margin_type"` // CROSSED or ISOLATED
	QuoteAsset          string `yaml:"quote_asset"`
	Direction           int    `yaml:"direction"` // 1 long, 2 short, 3 both
	LongPositionsLimit  int    `yaml:"long_positions_limit"`
	ShortPositionsLimit int    `yaml:"short_positions_limit"`

	// Strategy name to the base symbols it trades; symbols are suffixed
	// with the quote asset at load time.
	Strategies map[string][]string `yaml:"strategies"`

	// Per-symbol risk settings keyed by full symbol, with ANY_COINS fallback
	SymbolsRisk map[string]RiskConfig `yaml:"symbols_risk"`
}

// RiskConfig carries the risk policy for one symbol (or the fallback key).
// Nil percentage pointers mean the corresponding order/trigger is disabled.
type RiskConfig struct {
	MarginSize  float64  `yaml:"margin_size"`
	Leverage    int      `yaml:"leverage"`
	SL          *float64 `yaml:"sl"`
	TP          *float64 `yaml:"tp"`
	TPOrderType string   `yaml:"tp_order_type"` // MARKET or LIMIT
	FallbackTP  *float64 `yaml:"fallback_tp"`
	FallbackSL  *float64 `yaml:"fallback_sl"`
}

// StrategyConfig declares one strategy: its signal timeframe and averaging grid
type StrategyConfig struct {
	Timeframe  string           `yaml:"timeframe"` // e.g. 5m, 1h
	GridOrders []GridStepConfig `yaml:"grid_orders"`
}

// GridStepConfig is one averaging step: indent percent from entry (negative
// for drawdown) and the relative volume share of the step
type GridStepConfig struct {
	Indent float64 `yaml:"indent"`
	Volume float64 `yaml:"volume"`
}

// SystemConfig contains engine timing and exchange connectivity settings
type SystemConfig struct {
	BaseURL string `yaml:"base_url"`
	WsURL   string `yaml:"ws_url"`

	SyncIntervalSec        int     `yaml:"sync_interval_sec"`
	CycleIntervalSec       int     `yaml:"cycle_interval_sec"`
	MetadataRefreshSec     int     `yaml:"metadata_refresh_sec"`
	KeepaliveIntervalSec   int     `yaml:"keepalive_interval_sec"`
	RecvWindowMs           int     `yaml:"recv_window_ms"`
	PositionWaitAttempts   int     `yaml:"position_wait_attempts"`
	PositionWaitIntervalMs int     `yaml:"position_wait_interval_ms"`
	RequestsPerSecond      float64 `yaml:"requests_per_second"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	EnableMetrics bool `yaml:"enable_metrics"`
	MetricsPort   int  `yaml:"metrics_port"`
}

// TelegramConfig contains notifier credentials; empty disables the channel
type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// expandEnvVars replaces ${VAR} references with environment values
func expandEnvVars(content string) string {
	return os.Expand(content, func(key string) string {
		return os.Getenv(key)
	})
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "grid_trader"
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "INFO"
	}
	if c.App.LogFormat == "" {
		c.App.LogFormat = "console"
	}
	if c.System.BaseURL == "" {
		c.System.BaseURL = "https://fapi.binance.com"
	}
	if c.System.WsURL == "" {
		c.System.WsURL = "wss://fstream.binance.com"
	}
	if c.System.SyncIntervalSec <= 0 {
		c.System.SyncIntervalSec = 1
	}
	if c.System.CycleIntervalSec <= 0 {
		c.System.CycleIntervalSec = 1
	}
	if c.System.MetadataRefreshSec <= 0 {
		c.System.MetadataRefreshSec = 1800
	}
	if c.System.KeepaliveIntervalSec <= 0 {
		c.System.KeepaliveIntervalSec = 15
	}
	if c.System.RecvWindowMs <= 0 {
		c.System.RecvWindowMs = 20000
	}
	if c.System.PositionWaitAttempts <= 0 {
		c.System.PositionWaitAttempts = 80
	}
	if c.System.PositionWaitIntervalMs <= 0 {
		c.System.PositionWaitIntervalMs = 150
	}
	if c.System.RequestsPerSecond <= 0 {
		c.System.RequestsPerSecond = 8
	}
	if c.Telemetry.MetricsPort == 0 {
		c.Telemetry.MetricsPort = 9090
	}

	for name, user := range c.Users {
		if user.MarginType == "" {
			user.MarginType = "CROSSED"
		}
		if user.QuoteAsset == "" {
			user.QuoteAsset = "USDT"
		}
		if user.Direction == 0 {
			user.Direction = DirectionBoth
		}
		for key, risk := range user.SymbolsRisk {
			if risk.TPOrderType == "" {
				risk.TPOrderType = "LIMIT"
				user.SymbolsRisk[key] = risk
			}
		}
		c.Users[name] = user
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errs []string

	if len(c.Users) == 0 {
		errs = append(errs, ValidationError{Field: "users", Value: nil, Message: "at least one user is required"}.Error())
	}
	if len(c.Strategies) == 0 {
		errs = append(errs, ValidationError{Field: "strategies", Value: nil, Message: "at least one strategy is required"}.Error())
	}

	for name, strategy := range c.Strategies {
		if err := strategy.validate(name); err != nil {
			errs = append(errs, err.Error())
		}
	}

	for name, user := range c.Users {
		if err := user.validate(name, c.Strategies); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if err := c.validateLogLevel(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateLogLevel() error {
	switch strings.ToUpper(c.App.LogLevel) {
	case "DEBUG", "INFO", "WARN", "ERROR", "FATAL":
		return nil
	}
	return ValidationError{Field: "app.log_level", Value: c.App.LogLevel, Message: "must be one of DEBUG INFO WARN ERROR FATAL"}
}

func (s StrategyConfig) validate(name string) error {
	if _, err := s.TimeframeDuration(); err != nil {
		return ValidationError{Field: "strategies." + name + ".timeframe", Value: s.Timeframe, Message: err.Error()}
	}
	if len(s.GridOrders) == 0 {
		return ValidationError{Field: "strategies." + name + ".grid_orders", Value: nil, Message: "grid must have at least one step"}
	}
	for i, step := range s.GridOrders {
		if step.Volume <= 0 {
			return ValidationError{
				Field:   fmt.Sprintf("strategies.%s.grid_orders[%d].volume", name, i),
				Value:   step.Volume,
				Message: "volume must be positive",
			}
		}
	}
	return nil
}

func (u UserConfig) validate(name string, strategies map[string]StrategyConfig) error {
	prefix := "users." + name

	if u.APIKey == "" {
		return ValidationError{Field: prefix + ".api_key", Value: "", Message: "is required"}
	}
	if u.APISecret == "" {
		return ValidationError{Field: prefix + ".api_secret", Value: "", Message: "is required"}
	}
	if u.MarginType != "CROSSED" && u.MarginType != "ISOLATED" {
		return ValidationError{Field: prefix + ".margin_type", Value: u.MarginType, Message: "must be CROSSED or ISOLATED"}
	}
	if u.Direction < DirectionLong || u.Direction > DirectionBoth {
		return ValidationError{Field: prefix + ".direction", Value: u.Direction, Message: "must be 1 (long), 2 (short) or 3 (both)"}
	}
	if u.LongPositionsLimit < 0 || u.ShortPositionsLimit < 0 {
		return ValidationError{Field: prefix + ".positions_limit", Value: nil, Message: "limits must be non-negative"}
	}
	if len(u.Strategies) == 0 {
		return ValidationError{Field: prefix + ".strategies", Value: nil, Message: "user must reference at least one strategy"}
	}

	for strategyName, symbols := range u.Strategies {
		if _, ok := strategies[strategyName]; !ok {
			return ValidationError{Field: prefix + ".strategies", Value: strategyName, Message: "unknown strategy"}
		}
		if len(symbols) == 0 {
			return ValidationError{Field: prefix + ".strategies." + strategyName, Value: nil, Message: "strategy must trade at least one symbol"}
		}
	}

	if _, ok := u.SymbolsRisk[AnyCoins]; !ok {
		// Without a fallback key, every traded symbol needs its own entry
		for strategyName, symbols := range u.Strategies {
			for _, base := range symbols {
				symbol := base + u.QuoteAsset
				if _, found := u.SymbolsRisk[symbol]; !found {
					return ValidationError{
						Field:   prefix + ".symbols_risk",
						Value:   symbol,
						Message: fmt.Sprintf("no risk settings for symbol traded by %s and no %s fallback", strategyName, AnyCoins),
					}
				}
			}
		}
	}

	for key, risk := range u.SymbolsRisk {
		if risk.MarginSize <= 0 {
			return ValidationError{Field: prefix + ".symbols_risk." + key + ".margin_size", Value: risk.MarginSize, Message: "must be positive"}
		}
		if risk.Leverage < 1 {
			return ValidationError{Field: prefix + ".symbols_risk." + key + ".leverage", Value: risk.Leverage, Message: "must be at least 1"}
		}
		if risk.TPOrderType != "MARKET" && risk.TPOrderType != "LIMIT" {
			return ValidationError{Field: prefix + ".symbols_risk." + key + ".tp_order_type", Value: risk.TPOrderType, Message: "must be MARKET or LIMIT"}
		}
	}

	return nil
}

// RiskFor resolves risk settings for a symbol, falling back to ANY_COINS
func (u UserConfig) RiskFor(symbol string) (RiskConfig, bool) {
	if risk, ok := u.SymbolsRisk[symbol]; ok {
		return risk, true
	}
	risk, ok := u.SymbolsRisk[AnyCoins]
	return risk, ok
}

// SymbolsForStrategy returns the full symbols a user trades on a strategy
func (u UserConfig) SymbolsForStrategy(strategy string) []string {
	bases := u.Strategies[strategy]
	symbols := make([]string, 0, len(bases))
	for _, base := range bases {
		symbols = append(symbols, base+u.QuoteAsset)
	}
	return symbols
}

// AllowsLong reports whether the direction bitmask permits LONG entries
func (u UserConfig) AllowsLong() bool {
	return u.Direction&DirectionLong != 0
}

// AllowsShort reports whether the direction bitmask permits SHORT entries
func (u UserConfig) AllowsShort() bool {
	return u.Direction&DirectionShort != 0
}

// AllSymbols returns the deduplicated set of full symbols across all users
func (c *Config) AllSymbols() []string {
	seen := make(map[string]struct{})
	var symbols []string
	for _, user := range c.Users {
		for strategy := range user.Strategies {
			for _, symbol := range user.SymbolsForStrategy(strategy) {
				if _, ok := seen[symbol]; !ok {
					seen[symbol] = struct{}{}
					symbols = append(symbols, symbol)
				}
			}
		}
	}
	return symbols
}

// TimeframeDuration parses the strategy timeframe (e.g. 30s, 5m, 1h, 1d)
func (s StrategyConfig) TimeframeDuration() (time.Duration, error) {
	tf := strings.TrimSpace(s.Timeframe)
	if tf == "" {
		return 0, fmt.Errorf("timeframe is required")
	}

	unit := tf[len(tf)-1]
	var value int
	if _, err := fmt.Sscanf(tf[:len(tf)-1], "%d", &value); err != nil || value <= 0 {
		return 0, fmt.Errorf("invalid timeframe %q", tf)
	}

	switch unit {
	case 's':
		return time.Duration(value) * time.Second, nil
	case 'm':
		return time.Duration(value) * time.Minute, nil
	case 'h':
		return time.Duration(value) * time.Hour, nil
	case 'd':
		return time.Duration(value) * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("invalid timeframe unit %q", string(unit))
	}
}

// DefaultConfig returns a minimal valid configuration for tests
func DefaultConfig() *Config {
	fallbackTP := 0.9
	tp := 0.6

	cfg := &Config{
		App: AppConfig{Name: "grid_trader", LogLevel: "INFO", LogFormat: "console"},
		Users: map[string]UserConfig{
			"user_a": {
				APIKey:              "test_key",
				APISecret:           "test_secret",
				MarginType:          "CROSSED",
				QuoteAsset:          "USDT",
				Direction:           DirectionBoth,
				LongPositionsLimit:  3,
				ShortPositionsLimit: 3,
				Strategies: map[string][]string{
					"grid_5m": {"BTC"},
				},
				SymbolsRisk: map[string]RiskConfig{
					AnyCoins: {
						MarginSize:  26,
						Leverage:    10,
						TP:          &tp,
						TPOrderType: "LIMIT",
						FallbackTP:  &fallbackTP,
					},
				},
			},
		},
		Strategies: map[string]StrategyConfig{
			"grid_5m": {
				Timeframe: "5m",
				GridOrders: []GridStepConfig{
					{Indent: 0, Volume: 10.52},
					{Indent: -8, Volume: 11.57},
					{Indent: -16, Volume: 12.73},
				},
			},
		},
	}
	cfg.applyDefaults()
	return cfg
}
