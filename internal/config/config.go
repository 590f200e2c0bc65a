// Package config provides configuration management for the trading bot.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	yaml "gopkg.in/yaml.v3"
)

// Defaults applied when the corresponding setting is unset.
const (
	defaultTimezone          = "America/New_York"
	defaultMarketOpen        = "09:30"
	defaultMarketClose       = "16:00"
	defaultBufferSecs        = 2
	defaultQueueSize         = 1024
	defaultBootstrapMinutes  = 15
	defaultPollInterval      = "2s"
	defaultWatcherRefresh    = "5s"
	defaultOrderPollInterval = "2s"
	defaultExpiration        = "0dte"
	defaultSelector          = "price-range-otm"
	defaultServerPort        = 8080
	defaultTouchPoll         = "1s"
	defaultTouchTolerance    = 0.02
)

// DefaultTimeframes is used when pipeline.timeframes is empty.
var DefaultTimeframes = []string{"2M", "5M", "15M"}

// DefaultEMAWindows is used when ema.windows is empty.
var DefaultEMAWindows = []int{13, 48, 200}

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	EMA         EMAConfig         `yaml:"ema"`
	Options     OptionsConfig     `yaml:"options"`
	Watcher     WatcherConfig     `yaml:"watcher"`
	Strategies  []StrategySpec    `yaml:"strategies"`
	Research    ResearchConfig    `yaml:"research"`
	Storage     StorageConfig     `yaml:"storage"`
	Server      ServerConfig      `yaml:"server"`
	Alerts      AlertsConfig      `yaml:"alerts"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// BrokerConfig defines broker API settings.
type BrokerConfig struct {
	APIKey         string `yaml:"api_key"`
	AccountID      string `yaml:"account_id"`
	APIEndpoint    string `yaml:"api_endpoint"`
	StreamEndpoint string `yaml:"stream_endpoint"`
	Sandbox        bool   `yaml:"sandbox"`
}

// ScheduleConfig defines the trading session.
type ScheduleConfig struct {
	Timezone          string `yaml:"timezone"`     // e.g., "America/New_York"
	MarketOpen        string `yaml:"market_open"`  // "HH:MM"
	MarketClose       string `yaml:"market_close"` // "HH:MM"
	UseBrokerCalendar bool   `yaml:"use_broker_calendar"`
}

// PipelineConfig configures candle aggregation.
type PipelineConfig struct {
	Symbol     string   `yaml:"symbol"`
	Timeframes []string `yaml:"timeframes"`
	BufferSecs int      `yaml:"buffer_secs"`
	QueueSize  int      `yaml:"queue_size"`
	// Feed is "tradier" (websocket stream) or "replay".
	Feed        string `yaml:"feed"`
	ReplayPath  string `yaml:"replay_path"`
	ReplayDelay string `yaml:"replay_delay"`
}

// EMAConfig configures the EMA state store.
type EMAConfig struct {
	Windows          []int  `yaml:"windows"`
	StatePath        string `yaml:"state_path"`
	SeriesDir        string `yaml:"series_dir"`
	BootstrapMinutes int    `yaml:"bootstrap_minutes"`
	HistoryDays      int    `yaml:"history_days"`
}

// PriceRange is an inclusive ask-price band used by contract selection.
type PriceRange struct {
	Low  float64 `yaml:"low"`
	High float64 `yaml:"high"`
}

// OptionsConfig configures quotes, selection and order placement.
type OptionsConfig struct {
	Expiration   string       `yaml:"expiration"` // 0dte | Ndte | YYYY-MM-DD | YYYYMMDD
	PollInterval string       `yaml:"poll_interval"`
	Provider     string       `yaml:"provider"` // tradier | synthetic | replay
	FixturePath  string       `yaml:"fixture_path"`
	RecordPath   string       `yaml:"record_path"`
	Selector     string       `yaml:"selector"`
	MaxOTM       *float64     `yaml:"max_otm"`
	PriceRanges  []PriceRange `yaml:"price_ranges"`
	Quantity     int          `yaml:"quantity"`
	OrderType    string       `yaml:"order_type"` // market | limit
	// OrderPollInterval controls how often unfilled live orders are re-checked.
	OrderPollInterval string          `yaml:"order_poll_interval"`
	Synthetic         SyntheticConfig `yaml:"synthetic"`
}

// SyntheticConfig tunes the random-walk option chain used for offline runs.
type SyntheticConfig struct {
	Underlying      float64 `yaml:"underlying"`
	StrikeStep      float64 `yaml:"strike_step"`
	StrikesEachSide int     `yaml:"strikes_each_side"`
	Seed            int64   `yaml:"seed"`
}

// WatcherConfig configures the position watcher.
type WatcherConfig struct {
	RefreshInterval string `yaml:"refresh_interval"`
}

// ProfitTargetConfig is one take-profit step.
type ProfitTargetConfig struct {
	TargetPct      float64 `yaml:"target_pct"`
	Action         string  `yaml:"action"` // trim | close
	Quantity       int     `yaml:"quantity"`
	Fraction       float64 `yaml:"fraction"`
	AllowFullClose bool    `yaml:"allow_full_close"`
	Reason         string  `yaml:"reason"`
}

// StrategySpec declares one strategy instance (or one per timeframe).
type StrategySpec struct {
	Name          string               `yaml:"name"`
	Kind          string               `yaml:"kind"` // ema-crossover | candle-ema-break
	Enabled       *bool                `yaml:"enabled"`
	Timeframes    []string             `yaml:"timeframes"`
	Fast          int                  `yaml:"fast"`
	Slow          int                  `yaml:"slow"`
	Quantity      int                  `yaml:"quantity"`
	ProfitTargets []ProfitTargetConfig `yaml:"profit_targets"`
}

// IsEnabled defaults to true when unset.
func (s StrategySpec) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// ResearchConfig configures the paper-only research signal recorder.
type ResearchConfig struct {
	Enabled           bool                   `yaml:"enabled"`
	Timeframes        []string               `yaml:"timeframes"`
	SignalsPath       string                 `yaml:"signals_path"`
	PathsPath         string                 `yaml:"paths_path"`
	TouchPollInterval string                 `yaml:"touch_poll_interval"` // "0s" disables touches
	TouchTolerance    float64                `yaml:"touch_tolerance"`
	Strategies        []ResearchStrategySpec `yaml:"strategies"`
}

// ResearchStrategySpec declares one research signal. Fast/slow pin a single
// crossover pair; otherwise every pair of ema.windows is watched.
type ResearchStrategySpec struct {
	Name       string   `yaml:"name"`
	Kind       string   `yaml:"kind"` // ema-crossover | candle-ema-break
	Enabled    *bool    `yaml:"enabled"`
	Timeframes []string `yaml:"timeframes"`
	Fast       int      `yaml:"fast"`
	Slow       int      `yaml:"slow"`
}

// IsEnabled defaults to true when unset.
func (s ResearchStrategySpec) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// StorageConfig defines file locations for durable state.
type StorageConfig struct {
	CandlesDir    string `yaml:"candles_dir"`
	LedgerPath    string `yaml:"ledger_path"`
	SQLitePath    string `yaml:"sqlite_path"`
	PositionsPath string `yaml:"positions_path"`
}

// ServerConfig configures the read-only status API.
type ServerConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// AlertsConfig configures the error sink.
type AlertsConfig struct {
	SentryDSN string `yaml:"sentry_dsn"`
}

// Load reads and parses the configuration file from the specified path.
// A .env file next to the working directory is loaded first so ${VARS} in the
// YAML can reference it; variables already set in the environment win.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates a YAML document.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Environment.Mode == "" {
		c.Environment.Mode = "paper"
	}
	if c.Environment.LogLevel == "" {
		c.Environment.LogLevel = "info"
	}
	if c.Schedule.Timezone == "" {
		c.Schedule.Timezone = defaultTimezone
	}
	if c.Schedule.MarketOpen == "" {
		c.Schedule.MarketOpen = defaultMarketOpen
	}
	if c.Schedule.MarketClose == "" {
		c.Schedule.MarketClose = defaultMarketClose
	}
	if len(c.Pipeline.Timeframes) == 0 {
		c.Pipeline.Timeframes = append([]string(nil), DefaultTimeframes...)
	}
	for i, tf := range c.Pipeline.Timeframes {
		c.Pipeline.Timeframes[i] = strings.ToUpper(strings.TrimSpace(tf))
	}
	if c.Pipeline.BufferSecs == 0 {
		c.Pipeline.BufferSecs = defaultBufferSecs
	}
	if c.Pipeline.QueueSize <= 0 {
		c.Pipeline.QueueSize = defaultQueueSize
	}
	if c.Pipeline.Feed == "" {
		c.Pipeline.Feed = "tradier"
	}
	if len(c.EMA.Windows) == 0 {
		c.EMA.Windows = append([]int(nil), DefaultEMAWindows...)
	}
	if c.EMA.BootstrapMinutes == 0 {
		c.EMA.BootstrapMinutes = defaultBootstrapMinutes
	}
	if c.EMA.HistoryDays == 0 {
		c.EMA.HistoryDays = 3
	}
	if c.EMA.StatePath == "" {
		c.EMA.StatePath = "data/ema/ema_state.json"
	}
	if c.EMA.SeriesDir == "" {
		c.EMA.SeriesDir = "data/ema"
	}
	if c.Options.Expiration == "" {
		c.Options.Expiration = defaultExpiration
	}
	if c.Options.PollInterval == "" {
		c.Options.PollInterval = defaultPollInterval
	}
	if c.Options.OrderPollInterval == "" {
		c.Options.OrderPollInterval = defaultOrderPollInterval
	}
	if c.Options.Provider == "" {
		c.Options.Provider = "tradier"
	}
	if c.Options.Selector == "" {
		c.Options.Selector = defaultSelector
	}
	if c.Options.Quantity == 0 {
		c.Options.Quantity = 1
	}
	if c.Options.OrderType == "" {
		c.Options.OrderType = "market"
	}
	if c.Watcher.RefreshInterval == "" {
		c.Watcher.RefreshInterval = defaultWatcherRefresh
	}
	if c.Storage.CandlesDir == "" {
		c.Storage.CandlesDir = "data/candles"
	}
	if c.Storage.LedgerPath == "" {
		c.Storage.LedgerPath = "data/trade_ledger.jsonl"
	}
	if c.Storage.PositionsPath == "" {
		c.Storage.PositionsPath = "data/positions.json"
	}
	if c.Server.Port == 0 {
		c.Server.Port = defaultServerPort
	}
	if c.Research.SignalsPath == "" {
		c.Research.SignalsPath = "data/research/signals.jsonl"
	}
	if c.Research.PathsPath == "" {
		c.Research.PathsPath = "data/research/paths.jsonl"
	}
	if c.Research.TouchPollInterval == "" {
		c.Research.TouchPollInterval = defaultTouchPoll
	}
	if c.Research.TouchTolerance == 0 {
		c.Research.TouchTolerance = defaultTouchTolerance
	}
	for i, tf := range c.Research.Timeframes {
		c.Research.Timeframes[i] = strings.ToUpper(strings.TrimSpace(tf))
	}
	for i := range c.Research.Strategies {
		for j, tf := range c.Research.Strategies[i].Timeframes {
			c.Research.Strategies[i].Timeframes[j] = strings.ToUpper(strings.TrimSpace(tf))
		}
	}
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	// Environment validation
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}

	// Broker credentials are needed for anything that talks to Tradier
	needsBroker := c.Environment.Mode == "live" || c.Options.Provider == "tradier" ||
		c.Pipeline.Feed == "tradier" || c.Schedule.UseBrokerCalendar
	if needsBroker && c.Broker.APIKey == "" {
		return fmt.Errorf("broker.api_key is required")
	}
	if c.Environment.Mode == "live" && c.Broker.AccountID == "" {
		return fmt.Errorf("broker.account_id is required for live trading")
	}

	if c.Pipeline.Symbol == "" {
		return fmt.Errorf("pipeline.symbol is required")
	}
	for _, tf := range c.Pipeline.Timeframes {
		if _, err := TimeframeDuration(tf); err != nil {
			return fmt.Errorf("pipeline.timeframes: %w", err)
		}
	}
	if c.Pipeline.BufferSecs < 0 {
		return fmt.Errorf("pipeline.buffer_secs must be >= 0")
	}
	switch c.Pipeline.Feed {
	case "tradier":
	case "replay":
		if c.Pipeline.ReplayPath == "" {
			return fmt.Errorf("pipeline.replay_path is required for the replay feed")
		}
	default:
		return fmt.Errorf("pipeline.feed must be 'tradier' or 'replay'")
	}

	for _, w := range c.EMA.Windows {
		if w <= 0 {
			return fmt.Errorf("ema.windows must be positive, got %d", w)
		}
	}
	if c.EMA.BootstrapMinutes < 0 {
		return fmt.Errorf("ema.bootstrap_minutes must be >= 0")
	}

	if _, err := time.ParseDuration(c.Options.PollInterval); err != nil {
		return fmt.Errorf("options.poll_interval invalid: %w", err)
	}
	if _, err := time.ParseDuration(c.Options.OrderPollInterval); err != nil {
		return fmt.Errorf("options.order_poll_interval invalid: %w", err)
	}
	if _, err := time.ParseDuration(c.Watcher.RefreshInterval); err != nil {
		return fmt.Errorf("watcher.refresh_interval invalid: %w", err)
	}
	switch c.Options.Provider {
	case "tradier", "synthetic":
	case "replay":
		if c.Options.FixturePath == "" {
			return fmt.Errorf("options.fixture_path is required for the replay provider")
		}
	default:
		return fmt.Errorf("options.provider must be one of tradier, synthetic, replay")
	}
	if c.Options.OrderType != "market" && c.Options.OrderType != "limit" {
		return fmt.Errorf("options.order_type must be 'market' or 'limit'")
	}
	if c.Options.Quantity <= 0 {
		return fmt.Errorf("options.quantity must be > 0")
	}
	if c.Options.MaxOTM != nil && *c.Options.MaxOTM < 0 {
		return fmt.Errorf("options.max_otm must be >= 0")
	}
	for i, r := range c.Options.PriceRanges {
		if r.Low < 0 || r.High < r.Low {
			return fmt.Errorf("options.price_ranges[%d] must satisfy 0 <= low <= high", i)
		}
	}

	names := make(map[string]bool)
	for i, s := range c.Strategies {
		if s.Kind == "" {
			return fmt.Errorf("strategies[%d].kind is required", i)
		}
		name := s.Name
		if name == "" {
			name = s.Kind
		}
		if names[name] {
			return fmt.Errorf("strategies[%d]: duplicate name %q", i, name)
		}
		names[name] = true
		for _, tf := range s.Timeframes {
			if _, err := TimeframeDuration(tf); err != nil {
				return fmt.Errorf("strategies[%d].timeframes: %w", i, err)
			}
		}
		for j, pt := range s.ProfitTargets {
			if pt.Action != "trim" && pt.Action != "close" {
				return fmt.Errorf("strategies[%d].profit_targets[%d].action must be 'trim' or 'close'", i, j)
			}
			if pt.Action == "trim" && pt.Quantity <= 0 && pt.Fraction <= 0 {
				return fmt.Errorf("strategies[%d].profit_targets[%d]: trim requires quantity or fraction", i, j)
			}
		}
	}

	if err := c.validateResearch(); err != nil {
		return err
	}

	// Schedule validation
	loc := c.Location()
	s, err1 := time.ParseInLocation("15:04", c.Schedule.MarketOpen, loc)
	e, err2 := time.ParseInLocation("15:04", c.Schedule.MarketClose, loc)
	if err1 != nil || err2 != nil || !s.Before(e) {
		return fmt.Errorf("schedule market window invalid (open/close parse/order)")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port")
	}
	return nil
}

func (c *Config) validateResearch() error {
	r := c.Research
	if _, err := time.ParseDuration(r.TouchPollInterval); err != nil {
		return fmt.Errorf("research.touch_poll_interval invalid: %w", err)
	}
	if r.TouchTolerance < 0 {
		return fmt.Errorf("research.touch_tolerance must be >= 0")
	}
	for _, tf := range r.Timeframes {
		if _, err := TimeframeDuration(tf); err != nil {
			return fmt.Errorf("research.timeframes: %w", err)
		}
	}
	names := make(map[string]bool)
	for i, s := range r.Strategies {
		if s.Kind == "" {
			return fmt.Errorf("research.strategies[%d].kind is required", i)
		}
		name := s.Name
		if name == "" {
			name = s.Kind
		}
		if names[name] {
			return fmt.Errorf("research.strategies[%d]: duplicate name %q", i, name)
		}
		names[name] = true
		for _, tf := range s.Timeframes {
			if _, err := TimeframeDuration(tf); err != nil {
				return fmt.Errorf("research.strategies[%d].timeframes: %w", i, err)
			}
		}
	}
	return nil
}

// TouchPollInterval returns how often research signals are checked for EMA
// touches. Zero disables the check.
func (c *Config) TouchPollInterval() time.Duration {
	d, err := time.ParseDuration(c.Research.TouchPollInterval)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// IsPaperTrading returns true if the bot is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// Location returns the session timezone, falling back to a fixed ET offset
// in minimal containers without tzdata.
func (c *Config) Location() *time.Location {
	tz := c.Schedule.Timezone
	if tz == "" {
		tz = defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		// Try fallback to America/New_York
		if fallbackLoc, err2 := time.LoadLocation(defaultTimezone); err2 == nil {
			return fallbackLoc
		}
		// Final fallback to DST-agnostic FixedZone
		return time.FixedZone("ET", -5*60*60)
	}
	return loc
}

// Durations maps every configured pipeline timeframe to its bar length.
func (c *Config) Durations() map[string]time.Duration {
	out := make(map[string]time.Duration, len(c.Pipeline.Timeframes))
	for _, tf := range c.Pipeline.Timeframes {
		d, err := TimeframeDuration(tf)
		if err == nil {
			out[tf] = d
		}
	}
	return out
}

// PollInterval returns the option chain poll interval.
func (c *Config) PollInterval() time.Duration {
	return mustDuration(c.Options.PollInterval, 2*time.Second)
}

// OrderPollInterval returns how often pending orders are re-checked.
func (c *Config) OrderPollInterval() time.Duration {
	return mustDuration(c.Options.OrderPollInterval, 2*time.Second)
}

// WatcherRefresh returns the position watcher refresh interval.
func (c *Config) WatcherRefresh() time.Duration {
	return mustDuration(c.Watcher.RefreshInterval, 5*time.Second)
}

// BootstrapWindow returns how long after the open the EMA store keeps buffering.
func (c *Config) BootstrapWindow() time.Duration {
	return time.Duration(c.EMA.BootstrapMinutes) * time.Minute
}

func mustDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// TimeframeDuration parses timeframe labels such as "1M", "15M" or "1H".
func TimeframeDuration(tf string) (time.Duration, error) {
	s := strings.ToUpper(strings.TrimSpace(tf))
	if len(s) < 2 {
		return 0, fmt.Errorf("invalid timeframe %q", tf)
	}
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid timeframe %q", tf)
	}
	switch s[len(s)-1] {
	case 'M':
		return time.Duration(n) * time.Minute, nil
	case 'H':
		return time.Duration(n) * time.Hour, nil
	default:
		return 0, fmt.Errorf("invalid timeframe %q: unit must be M or H", tf)
	}
}
