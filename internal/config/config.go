// Package config provides configuration management for the trading bot.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	yaml "gopkg.in/yaml.v3"
)

const (
	// defaultSlippageBps is used when an instrument omits slippage_bps.
	defaultSlippageBps = 15
	// defaultStopPct is used when an instrument omits stop_pct.
	defaultStopPct = 0.06
	// defaultMinDTE/defaultMaxDTE bound expiry selection when unset.
	defaultMinDTE = 1
	defaultMaxDTE = 8
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig  `yaml:"environment"`
	Gateway     GatewayConfig      `yaml:"gateway"`
	Instruments []InstrumentConfig `yaml:"instruments"`
	Schedule    ScheduleConfig     `yaml:"schedule"`
	Dashboard   DashboardConfig    `yaml:"dashboard"`
	Storage     StorageConfig      `yaml:"storage"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	DryRun   bool   `yaml:"dry_run"`   // log tickets instead of placing them
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// GatewayConfig defines Client Portal gateway settings.
type GatewayConfig struct {
	BaseURL   string `yaml:"base_url"`
	AccountID string `yaml:"account_id"`
	Timeout   string `yaml:"timeout"` // duration string, e.g. "10s"
}

// InstrumentConfig defines one tradable and its strategy knobs.
type InstrumentConfig struct {
	Name      string  `yaml:"name"`
	Symbol    string  `yaml:"symbol"`
	ConID     int64   `yaml:"conid"`    // optional, authoritative when set
	Strategy  string  `yaml:"strategy"` // covered_call | long_put
	BudgetUSD float64 `yaml:"budget_usd"`

	SlippageBps   float64 `yaml:"slippage_bps"`
	StopPct       float64 `yaml:"stop_pct"`
	TakeProfitPct float64 `yaml:"take_profit_pct"`
	OffsetPct     float64 `yaml:"offset_pct"`    // strike moneyness from the reference price
	MinPremium    float64 `yaml:"min_premium"`   // skip the option leg below this premium
	MaxContracts  int     `yaml:"max_contracts"` // 0 = uncapped
	OverridePx    float64 `yaml:"override_px"`   // manual reference price, bypasses quote resolution

	EntryType  string `yaml:"entry_type"`  // limit | market
	TIF        string `yaml:"tif"`         // DAY | GTC
	OutsideRTH bool   `yaml:"outside_rth"` // allow fills outside regular hours

	StrikeMode   string `yaml:"strike_mode"` // nearest | ceil
	MinDTE       int    `yaml:"min_dte"`
	MaxDTE       int    `yaml:"max_dte"`
	PreferFriday bool   `yaml:"prefer_friday"`
}

// ScheduleConfig defines the automated trigger schedule.
type ScheduleConfig struct {
	Timezone   string `yaml:"timezone"`    // e.g. "America/New_York"
	WeeklyTime string `yaml:"weekly_time"` // "HH:MM", Friday trigger
	VIXEnabled bool   `yaml:"vix_enabled"` // third-Wednesday VIX jobs
}

// DashboardConfig defines the local control surface.
type DashboardConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// StorageConfig defines storage settings for the trade log.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// envOverrides are applied after the yaml file so deployment secrets never
// need to live in it.
type envOverrides struct {
	AccountID string `envconfig:"ACCOUNT_ID"`
	BaseURL   string `envconfig:"GATEWAY_URL"`
	DryRun    *bool  `envconfig:"DRY_RUN"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	var env envOverrides
	if err := envconfig.Process("covercall", &env); err != nil {
		return nil, fmt.Errorf("reading env overrides: %w", err)
	}
	if env.AccountID != "" {
		config.Gateway.AccountID = env.AccountID
	}
	if env.BaseURL != "" {
		config.Gateway.BaseURL = env.BaseURL
	}
	if env.DryRun != nil {
		config.Environment.DryRun = *env.DryRun
	}

	config.normalize()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// normalize fills per-instrument defaults before validation.
func (c *Config) normalize() {
	for i := range c.Instruments {
		inst := &c.Instruments[i]
		if inst.SlippageBps == 0 {
			inst.SlippageBps = defaultSlippageBps
		}
		if inst.StopPct == 0 {
			inst.StopPct = defaultStopPct
		}
		if inst.MinDTE == 0 {
			inst.MinDTE = defaultMinDTE
		}
		if inst.MaxDTE == 0 {
			inst.MaxDTE = defaultMaxDTE
		}
		if inst.StrikeMode == "" {
			inst.StrikeMode = "nearest"
		}
		if inst.EntryType == "" {
			inst.EntryType = "limit"
		}
		inst.TIF = strings.ToUpper(inst.TIF)
		if inst.TIF == "" {
			inst.TIF = "DAY"
		}
	}
	if c.Schedule.Timezone == "" {
		c.Schedule.Timezone = "America/New_York"
	}
	if c.Schedule.WeeklyTime == "" {
		c.Schedule.WeeklyTime = "09:35"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "data/covercall.json"
	}
	if c.Dashboard.Addr == "" {
		c.Dashboard.Addr = "127.0.0.1:9000"
	}
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}
	if c.Gateway.AccountID == "" {
		return fmt.Errorf("gateway.account_id is required")
	}
	if c.Gateway.Timeout != "" {
		if _, err := time.ParseDuration(c.Gateway.Timeout); err != nil {
			return fmt.Errorf("gateway.timeout invalid: %w", err)
		}
	}

	if len(c.Instruments) == 0 {
		return fmt.Errorf("at least one instrument is required")
	}
	seen := make(map[string]bool, len(c.Instruments))
	for _, inst := range c.Instruments {
		if inst.Name == "" {
			return fmt.Errorf("instrument name is required")
		}
		key := strings.ToLower(inst.Name)
		if seen[key] {
			return fmt.Errorf("duplicate instrument name %q", inst.Name)
		}
		seen[key] = true
		if inst.Symbol == "" && inst.ConID == 0 {
			return fmt.Errorf("instrument %s needs a symbol or a conid", inst.Name)
		}
		switch inst.Strategy {
		case "covered_call", "long_put":
		default:
			return fmt.Errorf("instrument %s: strategy must be 'covered_call' or 'long_put'", inst.Name)
		}
		if inst.BudgetUSD <= 0 {
			return fmt.Errorf("instrument %s: budget_usd must be > 0", inst.Name)
		}
		if inst.SlippageBps < 0 {
			return fmt.Errorf("instrument %s: slippage_bps must be >= 0", inst.Name)
		}
		if inst.StopPct <= 0 || inst.StopPct >= 1 {
			return fmt.Errorf("instrument %s: stop_pct must be in (0,1)", inst.Name)
		}
		if inst.TakeProfitPct < 0 {
			return fmt.Errorf("instrument %s: take_profit_pct must be >= 0", inst.Name)
		}
		if inst.OffsetPct < 0 || inst.OffsetPct >= 1 {
			return fmt.Errorf("instrument %s: offset_pct must be in [0,1)", inst.Name)
		}
		if inst.MinPremium < 0 {
			return fmt.Errorf("instrument %s: min_premium must be >= 0", inst.Name)
		}
		if inst.MaxContracts < 0 {
			return fmt.Errorf("instrument %s: max_contracts must be >= 0", inst.Name)
		}
		if inst.OverridePx < 0 {
			return fmt.Errorf("instrument %s: override_px must be >= 0", inst.Name)
		}
		if inst.StrikeMode != "nearest" && inst.StrikeMode != "ceil" {
			return fmt.Errorf("instrument %s: strike_mode must be 'nearest' or 'ceil'", inst.Name)
		}
		if inst.EntryType != "limit" && inst.EntryType != "market" {
			return fmt.Errorf("instrument %s: entry_type must be 'limit' or 'market'", inst.Name)
		}
		if inst.TIF != "DAY" && inst.TIF != "GTC" {
			return fmt.Errorf("instrument %s: tif must be 'DAY' or 'GTC'", inst.Name)
		}
		if inst.MinDTE < 0 || inst.MaxDTE <= 0 || inst.MinDTE > inst.MaxDTE {
			return fmt.Errorf("instrument %s: DTE window must satisfy 0 <= min <= max", inst.Name)
		}
	}

	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		return fmt.Errorf("schedule.timezone invalid: %w", err)
	}
	if _, err := time.ParseInLocation("15:04", c.Schedule.WeeklyTime, loc); err != nil {
		return fmt.Errorf("schedule.weekly_time invalid: %w", err)
	}

	return nil
}

// IsPaperTrading returns true if the bot is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// Instrument looks up an instrument by name, case-insensitively.
func (c *Config) Instrument(name string) (*InstrumentConfig, bool) {
	for i := range c.Instruments {
		if strings.EqualFold(c.Instruments[i].Name, name) {
			return &c.Instruments[i], true
		}
	}
	return nil, false
}

// Location returns the configured schedule timezone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		return time.FixedZone("ET", -5*60*60)
	}
	return loc
}

// GatewayTimeout returns the configured gateway timeout duration.
func (c *Config) GatewayTimeout() time.Duration {
	d, err := time.ParseDuration(c.Gateway.Timeout)
	if err != nil || d <= 0 {
		return 10 * time.Second
	}
	return d
}
