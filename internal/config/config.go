// Package config loads and validates the bridge configuration from a YAML
// file with BRIDGE_-prefixed environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"optionbridge/internal/dispatch"
)

// Config is the frozen startup configuration. Read-only after Load.
type Config struct {
	Port     int    `mapstructure:"port"`
	MockMode bool   `mapstructure:"mock_mode"`
	Version  string `mapstructure:"version"`

	Log       LogConfig       `mapstructure:"log"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Polling   PollingConfig   `mapstructure:"polling"`
	Spread    SpreadConfig    `mapstructure:"spread"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Delta     DeltaConfig     `mapstructure:"delta"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Selection SelectionConfig `mapstructure:"contract_selection"`
	Notify    NotifyConfig    `mapstructure:"notify"`

	ShutdownGraceSeconds int `mapstructure:"shutdown_grace_seconds"`

	Accounts []AccountConfig `mapstructure:"accounts"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json or text
}

type BrokerConfig struct {
	BaseURL            string  `mapstructure:"base_url"`
	WSURL              string  `mapstructure:"ws_url"`
	CallTimeoutSeconds int     `mapstructure:"call_timeout_seconds"`
	RateLimitCapacity  int     `mapstructure:"rate_limit_capacity"`
	RateLimitPerSecond float64 `mapstructure:"rate_limit_per_second"`
}

type PollingConfig struct {
	PositionIntervalMinutes int  `mapstructure:"position_interval_minutes"`
	OrderIntervalMinutes    int  `mapstructure:"order_interval_minutes"`
	MaxConsecutiveErrors    int  `mapstructure:"max_consecutive_errors"`
	AutoStart               bool `mapstructure:"auto_start"`
	Concurrency             int  `mapstructure:"concurrency"`
}

type SpreadConfig struct {
	RatioThreshold        float64 `mapstructure:"ratio_threshold"`
	TickMultipleThreshold int     `mapstructure:"tick_multiple_threshold"`
}

type ExecutionConfig struct {
	MaxSteps             int  `mapstructure:"max_steps"`
	StepIntervalSeconds  int  `mapstructure:"step_interval_seconds"`
	EnableMarketFallback bool `mapstructure:"enable_market_fallback"`
	MaxPlaceRetries      int  `mapstructure:"max_place_retries"`
	SpreadHoldBudget     int  `mapstructure:"spread_hold_budget"`
	ForceProgress        bool `mapstructure:"force_progress"`
}

type DeltaConfig struct {
	ChangeThreshold float64 `mapstructure:"change_threshold"`
	RetentionDays   int     `mapstructure:"retention_days"`
	DBPath          string  `mapstructure:"db_path"`
}

type DispatchConfig struct {
	DedupeWindowSeconds  int    `mapstructure:"dedupe_window_seconds"`
	SignalTimeoutSeconds int    `mapstructure:"signal_timeout_seconds"`
	RollPolicy           string `mapstructure:"roll_policy"`
}

type SelectionConfig struct {
	MinDaysToExpiry    int     `mapstructure:"min_days_to_expiry"`
	MaxDaysToExpiry    int     `mapstructure:"max_days_to_expiry"`
	TargetDaysToExpiry int     `mapstructure:"target_days_to_expiry"`
	TargetDeltaOpen    float64 `mapstructure:"target_delta_open"`
	MoneynessRuleClose string  `mapstructure:"moneyness_rule_close"`
}

type NotifyConfig struct {
	WeChatWebhookURL string `mapstructure:"wechat_webhook_url"`
	TelegramToken    string `mapstructure:"telegram_token"`
	TelegramChatID   int64  `mapstructure:"telegram_chat_id"`
}

type AccountConfig struct {
	Name                 string `mapstructure:"name"`
	Enabled              bool   `mapstructure:"enabled"`
	BrokerCredentialsRef string `mapstructure:"broker_credentials_ref"`
	NotifierChannel      string `mapstructure:"notifier_channel"` // wechat, telegram, or none
}

// Load reads the configuration file and applies environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	setDefaults(v)

	v.SetEnvPrefix("BRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 3001)
	v.SetDefault("mock_mode", false)
	v.SetDefault("version", "dev")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("broker.call_timeout_seconds", 10)
	v.SetDefault("broker.rate_limit_capacity", 20)
	v.SetDefault("broker.rate_limit_per_second", 10)

	v.SetDefault("polling.position_interval_minutes", 15)
	v.SetDefault("polling.order_interval_minutes", 5)
	v.SetDefault("polling.max_consecutive_errors", 5)
	v.SetDefault("polling.auto_start", true)
	v.SetDefault("polling.concurrency", 0)

	v.SetDefault("spread.ratio_threshold", 0.15)
	v.SetDefault("spread.tick_multiple_threshold", 2)

	v.SetDefault("execution.max_steps", 5)
	v.SetDefault("execution.step_interval_seconds", 8)
	v.SetDefault("execution.enable_market_fallback", false)
	v.SetDefault("execution.max_place_retries", 3)
	v.SetDefault("execution.spread_hold_budget", 3)
	v.SetDefault("execution.force_progress", false)

	v.SetDefault("delta.change_threshold", 0.01)
	v.SetDefault("delta.retention_days", 90)
	v.SetDefault("delta.db_path", "data/delta.db")

	v.SetDefault("dispatch.dedupe_window_seconds", 60)
	v.SetDefault("dispatch.signal_timeout_seconds", 60)
	v.SetDefault("dispatch.roll_policy", dispatch.RollCloseThenOpen)

	v.SetDefault("contract_selection.min_days_to_expiry", 7)
	v.SetDefault("contract_selection.max_days_to_expiry", 45)
	v.SetDefault("contract_selection.target_days_to_expiry", 30)
	v.SetDefault("contract_selection.target_delta_open", 0.30)
	v.SetDefault("contract_selection.moneyness_rule_close", "atm")

	v.SetDefault("shutdown_grace_seconds", 5)
}

// Validate checks the configuration is total. Errors here mean the process
// must exit with code 2.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q invalid (debug, info, warn, error)", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format %q invalid (json or text)", c.Log.Format)
	}

	if !c.MockMode {
		if c.Broker.BaseURL == "" {
			return fmt.Errorf("broker.base_url is required unless mock_mode is set")
		}
	}
	if c.Broker.CallTimeoutSeconds < 1 {
		return fmt.Errorf("broker.call_timeout_seconds must be positive")
	}
	if c.Broker.RateLimitCapacity < 1 || c.Broker.RateLimitPerSecond <= 0 {
		return fmt.Errorf("broker rate limit must be positive")
	}

	if c.Polling.PositionIntervalMinutes < 1 || c.Polling.OrderIntervalMinutes < 1 {
		return fmt.Errorf("polling intervals must be at least one minute")
	}
	if c.Polling.MaxConsecutiveErrors < 1 {
		return fmt.Errorf("polling.max_consecutive_errors must be positive")
	}

	if c.Spread.RatioThreshold <= 0 || c.Spread.RatioThreshold >= 1 {
		return fmt.Errorf("spread.ratio_threshold must be in (0, 1)")
	}
	if c.Spread.TickMultipleThreshold < 1 {
		return fmt.Errorf("spread.tick_multiple_threshold must be positive")
	}

	if c.Execution.MaxSteps < 0 {
		return fmt.Errorf("execution.max_steps must not be negative")
	}
	if c.Execution.StepIntervalSeconds < 1 {
		return fmt.Errorf("execution.step_interval_seconds must be positive")
	}
	if c.Execution.MaxPlaceRetries < 1 || c.Execution.SpreadHoldBudget < 0 {
		return fmt.Errorf("execution retry and hold budgets must be positive")
	}

	if c.Delta.ChangeThreshold <= 0 {
		return fmt.Errorf("delta.change_threshold must be positive")
	}
	if c.Delta.RetentionDays < 1 {
		return fmt.Errorf("delta.retention_days must be positive")
	}
	if c.Delta.DBPath == "" {
		return fmt.Errorf("delta.db_path is required")
	}

	if c.Dispatch.RollPolicy != dispatch.RollCloseThenOpen {
		return fmt.Errorf("dispatch.roll_policy %q unsupported (only %s)", c.Dispatch.RollPolicy, dispatch.RollCloseThenOpen)
	}

	s := c.Selection
	if s.MinDaysToExpiry < 0 || s.MaxDaysToExpiry <= s.MinDaysToExpiry {
		return fmt.Errorf("contract_selection expiry window invalid: %d..%d", s.MinDaysToExpiry, s.MaxDaysToExpiry)
	}
	if s.TargetDaysToExpiry < s.MinDaysToExpiry || s.TargetDaysToExpiry > s.MaxDaysToExpiry {
		return fmt.Errorf("contract_selection.target_days_to_expiry %d outside window %d..%d",
			s.TargetDaysToExpiry, s.MinDaysToExpiry, s.MaxDaysToExpiry)
	}
	if s.TargetDeltaOpen <= 0 || s.TargetDeltaOpen >= 1 {
		return fmt.Errorf("contract_selection.target_delta_open must be in (0, 1)")
	}
	if s.MoneynessRuleClose != "atm" {
		return fmt.Errorf("contract_selection.moneyness_rule_close %q unsupported (only atm)", s.MoneynessRuleClose)
	}

	if len(c.Accounts) == 0 {
		return fmt.Errorf("at least one account is required")
	}
	seen := make(map[string]bool)
	enabled := 0
	for i, a := range c.Accounts {
		if a.Name == "" {
			return fmt.Errorf("accounts[%d].name is required", i)
		}
		if seen[a.Name] {
			return fmt.Errorf("duplicate account name %q", a.Name)
		}
		seen[a.Name] = true
		if a.Enabled {
			enabled++
			if !c.MockMode && a.BrokerCredentialsRef == "" {
				return fmt.Errorf("account %q needs broker_credentials_ref", a.Name)
			}
		}
		switch a.NotifierChannel {
		case "", "none":
		case "wechat":
			if c.Notify.WeChatWebhookURL == "" {
				return fmt.Errorf("account %q uses wechat but notify.wechat_webhook_url is empty", a.Name)
			}
		case "telegram":
			if c.Notify.TelegramToken == "" || c.Notify.TelegramChatID == 0 {
				return fmt.Errorf("account %q uses telegram but telegram credentials are incomplete", a.Name)
			}
		default:
			return fmt.Errorf("account %q notifier_channel %q invalid (wechat, telegram, none)", a.Name, a.NotifierChannel)
		}
	}
	if enabled == 0 {
		return fmt.Errorf("no account is enabled")
	}

	if c.ShutdownGraceSeconds < 1 {
		return fmt.Errorf("shutdown_grace_seconds must be positive")
	}
	return nil
}

// EnabledAccounts lists the names of enabled accounts in config order.
func (c *Config) EnabledAccounts() []string {
	var out []string
	for _, a := range c.Accounts {
		if a.Enabled {
			out = append(out, a.Name)
		}
	}
	return out
}

// CallTimeout returns the gateway per-call timeout.
func (c *Config) CallTimeout() time.Duration {
	return time.Duration(c.Broker.CallTimeoutSeconds) * time.Second
}

// ShutdownGrace returns the global shutdown grace period.
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSeconds) * time.Second
}
