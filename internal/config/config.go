// Package config provides configuration management for the trading bot.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Defaults applied by normalize() when the corresponding field is unset.
const (
	// defaultLotSize is the canonical NIFTY lot size. The exchange has
	// revised it over time; it stays configurable.
	defaultLotSize = 75
	// defaultMonitorInterval drives the position monitor between market
	// open and force close.
	defaultMonitorInterval = "30s"
	// defaultStrikeInterval is the NIFTY strike grid in points.
	defaultStrikeInterval = 50.0
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Strategy    StrategyConfig    `yaml:"strategy"`
	Risk        RiskConfig        `yaml:"risk"`
	Telegram    TelegramConfig    `yaml:"telegram"`
	Storage     StorageConfig     `yaml:"storage"`
	Control     ControlConfig     `yaml:"control"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	// Mode must be "paper". The bot never places live orders; anything else
	// is rejected at load time.
	Mode      string `yaml:"mode"`
	LogLevel  string `yaml:"log_level"`  // debug | info | warn | error
	LogFormat string `yaml:"log_format"` // text | json
	LogFile   string `yaml:"log_file"`   // empty = stdout only
}

// BrokerConfig defines gateway API settings.
type BrokerConfig struct {
	ClientID    string `yaml:"client_id"`
	AccessToken string `yaml:"access_token"`
	BaseURL     string `yaml:"base_url"`
	// Headless login credentials, used only when access_token is empty.
	PIN        string `yaml:"pin"`
	TOTPSecret string `yaml:"totp_secret"`
	SecretKey  string `yaml:"secret_key"`
	// Timeout and retries bound every gateway call.
	Timeout    string `yaml:"timeout"`
	MaxRetries int    `yaml:"max_retries"`
}

// ScheduleConfig defines the IST trading timetable. All times are "HH:MM".
type ScheduleConfig struct {
	Timezone        string `yaml:"timezone"` // defaults to Asia/Kolkata
	MarketOpen      string `yaml:"market_open"`
	StrategyStart   string `yaml:"strategy_start"`
	NoNewTrades     string `yaml:"no_new_trades"`
	ForceClose      string `yaml:"force_close"`
	EODReport       string `yaml:"eod_report"`
	MonitorInterval string `yaml:"monitor_interval"`
}

// StrategyConfig defines strangle construction parameters.
type StrategyConfig struct {
	SpotSymbol     string  `yaml:"spot_symbol"`
	OptionPrefix   string  `yaml:"option_prefix"`
	StrikeInterval float64 `yaml:"strike_interval"`

	// Delta targets for the regular four-leg variant.
	CEDeltaTarget    float64 `yaml:"ce_delta_target"`
	PEDeltaTarget    float64 `yaml:"pe_delta_target"`
	HedgeDeltaTarget float64 `yaml:"hedge_delta_target"`

	// Simplified ATM±offset variant, used after the cutoff time.
	OffsetCutoff    string  `yaml:"offset_cutoff"` // "HH:MM" IST
	OffsetPoints    float64 `yaml:"offset_points"`
	OffsetTargetPct float64 `yaml:"offset_target_pct"` // fraction of premium
	OffsetStopMult  float64 `yaml:"offset_stop_mult"`  // multiple of premium

	// Gamma defense tier thresholds.
	L1SpotMovePct   float64 `yaml:"l1_spot_move_pct"`   // fraction, e.g. 0.006
	L1PremiumRise   float64 `yaml:"l1_premium_rise"`    // fraction, e.g. 0.40
	L2DeltaLimit    float64 `yaml:"l2_delta_limit"`     // abs delta, e.g. 0.35
	L3SpotMovePct   float64 `yaml:"l3_spot_move_pct"`   // fraction, e.g. 0.012
	L3WindowMinutes int     `yaml:"l3_window_minutes"`  // e.g. 45
}

// RiskConfig defines capital and daily governance limits.
type RiskConfig struct {
	Capital         float64 `yaml:"capital"`
	RiskPctPerDay   float64 `yaml:"risk_pct_per_day"`
	MaxTradesPerDay int     `yaml:"max_trades_per_day"`
	Lots            int     `yaml:"lots"`
	LotSize         int     `yaml:"lot_size"`
}

// TelegramConfig defines outbound alert delivery. Empty token disables it.
type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

// StorageConfig defines the SQLite database location.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// ControlConfig defines the manual-override HTTP API.
type ControlConfig struct {
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// Load reads, expands, parses and validates the configuration file.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.normalize()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// normalize fills defaults before validation.
func (c *Config) normalize() {
	if c.Environment.Mode == "" {
		c.Environment.Mode = "paper"
	}
	if c.Environment.LogLevel == "" {
		c.Environment.LogLevel = "info"
	}
	if c.Schedule.Timezone == "" {
		c.Schedule.Timezone = "Asia/Kolkata"
	}
	if c.Schedule.MarketOpen == "" {
		c.Schedule.MarketOpen = "09:15"
	}
	if c.Schedule.StrategyStart == "" {
		c.Schedule.StrategyStart = "09:20"
	}
	if c.Schedule.NoNewTrades == "" {
		c.Schedule.NoNewTrades = "14:45"
	}
	if c.Schedule.ForceClose == "" {
		c.Schedule.ForceClose = "15:10"
	}
	if c.Schedule.EODReport == "" {
		c.Schedule.EODReport = "15:20"
	}
	if c.Schedule.MonitorInterval == "" {
		c.Schedule.MonitorInterval = defaultMonitorInterval
	}
	if c.Strategy.SpotSymbol == "" {
		c.Strategy.SpotSymbol = "NSE:NIFTY50-INDEX"
	}
	if c.Strategy.OptionPrefix == "" {
		c.Strategy.OptionPrefix = "NSE:NIFTY"
	}
	if c.Strategy.StrikeInterval == 0 {
		c.Strategy.StrikeInterval = defaultStrikeInterval
	}
	if c.Strategy.CEDeltaTarget == 0 {
		c.Strategy.CEDeltaTarget = 0.22
	}
	if c.Strategy.PEDeltaTarget == 0 {
		c.Strategy.PEDeltaTarget = -0.22
	}
	if c.Strategy.HedgeDeltaTarget == 0 {
		c.Strategy.HedgeDeltaTarget = 0.10
	}
	if c.Strategy.OffsetCutoff == "" {
		c.Strategy.OffsetCutoff = "09:45"
	}
	if c.Strategy.OffsetPoints == 0 {
		c.Strategy.OffsetPoints = 100
	}
	if c.Strategy.OffsetTargetPct == 0 {
		c.Strategy.OffsetTargetPct = 0.30
	}
	if c.Strategy.OffsetStopMult == 0 {
		c.Strategy.OffsetStopMult = 1.5
	}
	if c.Strategy.L1SpotMovePct == 0 {
		c.Strategy.L1SpotMovePct = 0.006
	}
	if c.Strategy.L1PremiumRise == 0 {
		c.Strategy.L1PremiumRise = 0.40
	}
	if c.Strategy.L2DeltaLimit == 0 {
		c.Strategy.L2DeltaLimit = 0.35
	}
	if c.Strategy.L3SpotMovePct == 0 {
		c.Strategy.L3SpotMovePct = 0.012
	}
	if c.Strategy.L3WindowMinutes == 0 {
		c.Strategy.L3WindowMinutes = 45
	}
	if c.Risk.MaxTradesPerDay == 0 {
		c.Risk.MaxTradesPerDay = 2
	}
	if c.Risk.Lots == 0 {
		c.Risk.Lots = 1
	}
	if c.Risk.LotSize == 0 {
		c.Risk.LotSize = defaultLotSize
	}
	if c.Broker.BaseURL == "" {
		c.Broker.BaseURL = "https://api-t1.fyers.in/api/v3"
	}
	if c.Broker.Timeout == "" {
		c.Broker.Timeout = "10s"
	}
	if c.Broker.MaxRetries == 0 {
		c.Broker.MaxRetries = 2
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "paper_trading.db"
	}
}

// Validate checks that all configuration values are valid and consistent.
// Violations are fatal: the engine must never be constructed on bad config.
func (c *Config) Validate() error {
	// The paper-mode guard is structural, not a toggle.
	if c.Environment.Mode != "paper" {
		return fmt.Errorf("environment.mode must be 'paper'; live trading is not supported")
	}

	if c.Broker.ClientID == "" {
		return fmt.Errorf("broker.client_id is required")
	}

	if c.Risk.Capital <= 0 {
		return fmt.Errorf("risk.capital must be > 0")
	}
	if c.Risk.RiskPctPerDay <= 0 || c.Risk.RiskPctPerDay > 100 {
		return fmt.Errorf("risk.risk_pct_per_day must be in (0,100]")
	}
	if c.Risk.MaxTradesPerDay <= 0 {
		return fmt.Errorf("risk.max_trades_per_day must be > 0")
	}
	if c.Risk.Lots <= 0 {
		return fmt.Errorf("risk.lots must be > 0")
	}
	if c.Risk.LotSize <= 0 {
		return fmt.Errorf("risk.lot_size must be > 0")
	}

	if c.Strategy.CEDeltaTarget <= 0 || c.Strategy.CEDeltaTarget >= 1 {
		return fmt.Errorf("strategy.ce_delta_target must be in (0,1)")
	}
	if c.Strategy.PEDeltaTarget >= 0 || c.Strategy.PEDeltaTarget <= -1 {
		return fmt.Errorf("strategy.pe_delta_target must be in (-1,0)")
	}
	if c.Strategy.HedgeDeltaTarget <= 0 || c.Strategy.HedgeDeltaTarget >= c.Strategy.CEDeltaTarget {
		return fmt.Errorf("strategy.hedge_delta_target must be in (0, ce_delta_target)")
	}
	if c.Strategy.OffsetPoints <= 0 {
		return fmt.Errorf("strategy.offset_points must be > 0")
	}
	if c.Strategy.OffsetTargetPct <= 0 || c.Strategy.OffsetTargetPct >= 1 {
		return fmt.Errorf("strategy.offset_target_pct must be in (0,1)")
	}
	if c.Strategy.OffsetStopMult <= 0 {
		return fmt.Errorf("strategy.offset_stop_mult must be > 0")
	}
	if c.Strategy.L1SpotMovePct <= 0 || c.Strategy.L3SpotMovePct <= 0 {
		return fmt.Errorf("gamma spot-move thresholds must be > 0")
	}
	if c.Strategy.L1SpotMovePct >= c.Strategy.L3SpotMovePct {
		return fmt.Errorf("strategy.l1_spot_move_pct (%.4f) must be < l3_spot_move_pct (%.4f)",
			c.Strategy.L1SpotMovePct, c.Strategy.L3SpotMovePct)
	}
	if c.Strategy.L1PremiumRise <= 0 {
		return fmt.Errorf("strategy.l1_premium_rise must be > 0")
	}
	if c.Strategy.L2DeltaLimit <= 0 || c.Strategy.L2DeltaLimit >= 1 {
		return fmt.Errorf("strategy.l2_delta_limit must be in (0,1)")
	}
	if c.Strategy.L3WindowMinutes <= 0 {
		return fmt.Errorf("strategy.l3_window_minutes must be > 0")
	}

	if _, err := time.ParseDuration(c.Schedule.MonitorInterval); err != nil {
		return fmt.Errorf("schedule.monitor_interval invalid: %w", err)
	}
	if _, err := time.ParseDuration(c.Broker.Timeout); err != nil {
		return fmt.Errorf("broker.timeout invalid: %w", err)
	}
	if c.Broker.MaxRetries < 1 || c.Broker.MaxRetries > 5 {
		return fmt.Errorf("broker.max_retries must be in [1,5]")
	}

	loc, err := c.Location()
	if err != nil {
		return fmt.Errorf("schedule.timezone invalid: %w", err)
	}
	times := []struct {
		name, val string
	}{
		{"market_open", c.Schedule.MarketOpen},
		{"strategy_start", c.Schedule.StrategyStart},
		{"no_new_trades", c.Schedule.NoNewTrades},
		{"force_close", c.Schedule.ForceClose},
		{"eod_report", c.Schedule.EODReport},
		{"offset_cutoff", c.Strategy.OffsetCutoff},
	}
	parsed := make(map[string]time.Time, len(times))
	for _, tc := range times {
		p, err := time.ParseInLocation("15:04", tc.val, loc)
		if err != nil {
			return fmt.Errorf("schedule %s %q: %w", tc.name, tc.val, err)
		}
		parsed[tc.name] = p
	}
	order := []string{"market_open", "strategy_start", "no_new_trades", "force_close", "eod_report"}
	for i := 1; i < len(order); i++ {
		if !parsed[order[i-1]].Before(parsed[order[i]]) {
			return fmt.Errorf("schedule %s (%s) must be before %s (%s)",
				order[i-1], times[i-1].val, order[i], times[i].val)
		}
	}

	return nil
}

// Location returns the configured trading timezone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Schedule.Timezone)
}

// MaxDailyLoss returns the rupee loss that stops new entries for the day.
func (c *Config) MaxDailyLoss() float64 {
	return c.Risk.Capital * c.Risk.RiskPctPerDay / 100
}

// QuantityPerLeg returns lots × lot_size, the quantity each leg carries.
func (c *Config) QuantityPerLeg() int {
	return c.Risk.Lots * c.Risk.LotSize
}

// MonitorInterval returns the parsed monitor tick interval.
func (c *Config) MonitorInterval() time.Duration {
	d, err := time.ParseDuration(c.Schedule.MonitorInterval)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// BrokerTimeout returns the parsed per-call gateway timeout.
func (c *Config) BrokerTimeout() time.Duration {
	d, err := time.ParseDuration(c.Broker.Timeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}
