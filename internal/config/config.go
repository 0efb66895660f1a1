package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for marketsync.
type Config struct {
	Storage  Storage                 `yaml:"storage"`
	Logging  Logging                 `yaml:"logging"`
	Alpaca   Alpaca                  `yaml:"alpaca"`
	Yahoo    Yahoo                   `yaml:"yahoo"`
	Pipeline Pipeline                `yaml:"pipeline"`
	Markets  map[string]MarketConfig `yaml:"markets"`
	Schedule Schedule                `yaml:"schedule"`
}

// Storage holds paths and formats for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
	// ArtifactFormat is "csv" or "parquet".
	ArtifactFormat string `yaml:"artifact_format"`
	// ManifestBackend is "csv" or "sqlite".
	ManifestBackend string `yaml:"manifest_backend"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// Alpaca holds credentials and endpoints for the Alpaca APIs.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
	Feed      string `yaml:"feed"`
}

// Yahoo configures the chart API series source.
type Yahoo struct {
	BaseURL   string        `yaml:"base_url"`
	UserAgent string        `yaml:"user_agent"`
	Proxy     string        `yaml:"proxy"`
	Timeout   time.Duration `yaml:"timeout"`
}

// Pipeline holds the acquisition parameters shared by every market.
type Pipeline struct {
	Workers           int           `yaml:"workers"`
	MaxAttempts       int           `yaml:"max_attempts"`
	FreshnessWindow   time.Duration `yaml:"freshness_window"`
	MinArtifactBytes  int64         `yaml:"min_artifact_bytes"`
	CheckpointEvery   int           `yaml:"checkpoint_every"`
	CourtesyEvery     int           `yaml:"courtesy_every"`
	CourtesyPause     time.Duration `yaml:"courtesy_pause"`
	JitterMin         time.Duration `yaml:"jitter_min"`
	JitterMax         time.Duration `yaml:"jitter_max"`
	BackoffMin        time.Duration `yaml:"backoff_min"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	GracePeriod       time.Duration `yaml:"grace_period"`
	LookbackDays      int           `yaml:"lookback_days"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	RetryEmpty        bool          `yaml:"retry_empty"`
	HeartbeatEvery    time.Duration `yaml:"heartbeat_every"`
}

// MarketConfig enables a market and overrides its defaults.
type MarketConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Threshold int      `yaml:"threshold"`
	Series    string   `yaml:"series"` // "yahoo" or "alpaca"
	Exclude   []string `yaml:"exclude"`
	Universe  Universe `yaml:"universe"`

	// Zero values inherit from Pipeline.
	Workers         int           `yaml:"workers"`
	MaxAttempts     int           `yaml:"max_attempts"`
	FreshnessWindow time.Duration `yaml:"freshness_window"`
}

// Universe lists the symbol-list sources of a market in fallback order.
type Universe struct {
	Primary    []Source      `yaml:"primary"`
	Secondary  []Source      `yaml:"secondary"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// Source describes one symbol-list endpoint.
type Source struct {
	Kind  string `yaml:"kind"` // html, xlsx, csv, alpaca
	URL   string `yaml:"url"`  // http(s) URL or local path
	Board string `yaml:"board"`
	Sheet string `yaml:"sheet"`
}

// Schedule configures daemon mode.
type Schedule struct {
	Cron       string   `yaml:"cron"`
	Markets    []string `yaml:"markets"`
	RunOnStart bool     `yaml:"run_on_start"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies environment variable overrides and defaults, and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("MANIFEST_BACKEND"); v != "" {
		cfg.Storage.ManifestBackend = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("HTTPS_PROXY"); v != "" && cfg.Yahoo.Proxy == "" {
		cfg.Yahoo.Proxy = v
	}

	if v := os.Getenv("SYNC_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pipeline.Workers = n
		}
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

	// Standard Alpaca env vars (highest priority, canonical names used by SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

func (c *Config) applyDefaults() {
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = "data"
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = c.Storage.DataDir + "/marketsync.db"
	}
	if c.Storage.ArtifactFormat == "" {
		c.Storage.ArtifactFormat = "csv"
	}
	if c.Storage.ManifestBackend == "" {
		c.Storage.ManifestBackend = "csv"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	if c.Yahoo.BaseURL == "" {
		c.Yahoo.BaseURL = "https://query1.finance.yahoo.com"
	}
	if c.Yahoo.UserAgent == "" {
		c.Yahoo.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64)"
	}
	if c.Yahoo.Timeout == 0 {
		c.Yahoo.Timeout = 15 * time.Second
	}
	if c.Alpaca.Feed == "" {
		c.Alpaca.Feed = "iex"
	}

	p := &c.Pipeline
	if p.Workers == 0 {
		p.Workers = 4
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 3
	}
	if p.FreshnessWindow == 0 {
		p.FreshnessWindow = time.Hour
	}
	if p.MinArtifactBytes == 0 {
		p.MinArtifactBytes = 1000
	}
	if p.CheckpointEvery == 0 {
		p.CheckpointEvery = 100
	}
	if p.CourtesyEvery == 0 {
		p.CourtesyEvery = 100
	}
	if p.CourtesyPause == 0 {
		p.CourtesyPause = 3 * time.Second
	}
	if p.JitterMin == 0 && p.JitterMax == 0 {
		p.JitterMin, p.JitterMax = 500*time.Millisecond, 1200*time.Millisecond
	}
	if p.BackoffMin == 0 && p.BackoffMax == 0 {
		p.BackoffMin, p.BackoffMax = 3*time.Second, 7*time.Second
	}
	if p.GracePeriod == 0 {
		p.GracePeriod = 10 * time.Second
	}
	if p.LookbackDays == 0 {
		p.LookbackDays = 730
	}
	if p.HeartbeatEvery == 0 {
		p.HeartbeatEvery = 30 * time.Second
	}

	if c.Markets == nil {
		c.Markets = make(map[string]MarketConfig)
	}
	for id, mc := range c.Markets {
		def := defaultMarkets[id]
		if len(mc.Universe.Primary) == 0 {
			mc.Universe.Primary = def.Universe.Primary
		}
		if len(mc.Universe.Secondary) == 0 {
			mc.Universe.Secondary = def.Universe.Secondary
		}
		if mc.Universe.MaxRetries == 0 {
			mc.Universe.MaxRetries = 3
		}
		if mc.Universe.RetryDelay == 0 {
			mc.Universe.RetryDelay = 5 * time.Second
		}
		if mc.Series == "" {
			mc.Series = def.Series
		}
		if mc.Series == "" {
			mc.Series = "yahoo"
		}
		c.Markets[id] = mc
	}

	if c.Schedule.Cron == "" {
		c.Schedule.Cron = "0 30 18 * * 1-5"
	}
}

const twseISIN = "https://isin.twse.com.tw/isin/class_main.jsp?"

// defaultMarkets carries the known public symbol lists per market. jp-share
// has no keyless listing endpoint and must be configured explicitly.
var defaultMarkets = map[string]MarketConfig{
	"tw-share": {Universe: Universe{Primary: []Source{
		{Kind: "html", URL: twseISIN + "market=1&issuetype=1&Page=1&chklike=Y", Board: "TW"},
		{Kind: "html", URL: twseISIN + "market=1&issuetype=J&Page=1&chklike=Y", Board: "TW"},
		{Kind: "html", URL: twseISIN + "market=2&issuetype=4&Page=1&chklike=Y", Board: "TWO"},
		{Kind: "html", URL: twseISIN + "market=E&issuetype=R&Page=1&chklike=Y", Board: "TWO"},
	}}},
	"hk-share": {Universe: Universe{Primary: []Source{
		{Kind: "xlsx", URL: "https://www.hkex.com.hk/eng/services/trading/securities/securitieslists/ListOfSecurities.xlsx"},
	}}},
	"us-share": {Series: "alpaca", Universe: Universe{Primary: []Source{
		{Kind: "alpaca"},
	}}},
}

// ---------------------------------------------------------------------------
// Validation and lookups
// ---------------------------------------------------------------------------

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.ArtifactFormat {
	case "csv", "parquet":
	default:
		errs = append(errs, fmt.Errorf("storage.artifact_format %q must be csv or parquet", c.Storage.ArtifactFormat))
	}
	switch c.Storage.ManifestBackend {
	case "csv", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("storage.manifest_backend %q must be csv or sqlite", c.Storage.ManifestBackend))
	}

	p := c.Pipeline
	if p.Workers < 1 {
		errs = append(errs, errors.New("pipeline.workers must be at least 1"))
	}
	if p.MaxAttempts < 1 {
		errs = append(errs, errors.New("pipeline.max_attempts must be at least 1"))
	}
	if p.JitterMax < p.JitterMin || p.BackoffMax < p.BackoffMin {
		errs = append(errs, errors.New("pipeline jitter/backoff max must not be below min"))
	}

	for id, mc := range c.Markets {
		if !mc.Enabled {
			continue
		}
		if len(mc.Universe.Primary) == 0 {
			errs = append(errs, fmt.Errorf("markets.%s: no universe.primary source configured", id))
		}
		for _, src := range append(mc.Universe.Primary, mc.Universe.Secondary...) {
			switch src.Kind {
			case "html", "xlsx", "csv":
				if src.URL == "" {
					errs = append(errs, fmt.Errorf("markets.%s: %s source needs a url", id, src.Kind))
				}
			case "alpaca":
			default:
				errs = append(errs, fmt.Errorf("markets.%s: unknown source kind %q", id, src.Kind))
			}
		}
		switch mc.Series {
		case "yahoo", "alpaca":
		default:
			errs = append(errs, fmt.Errorf("markets.%s: unknown series source %q", id, mc.Series))
		}
	}

	return errors.Join(errs...)
}

// EnabledMarkets returns the ids of enabled markets in a stable order:
// schedule.markets first, then the rest alphabetically.
func (c *Config) EnabledMarkets() []string {
	var ids []string
	seen := make(map[string]bool)
	for _, id := range c.Schedule.Markets {
		if mc, ok := c.Markets[id]; ok && mc.Enabled && !seen[id] {
			ids = append(ids, id)
			seen[id] = true
		}
	}
	var rest []string
	for id, mc := range c.Markets {
		if mc.Enabled && !seen[id] {
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)
	return append(ids, rest...)
}

// PipelineFor returns the pipeline parameters with the market's overrides
// applied.
func (c *Config) PipelineFor(id string) Pipeline {
	p := c.Pipeline
	mc := c.Markets[id]
	if mc.Workers > 0 {
		p.Workers = mc.Workers
	}
	if mc.MaxAttempts > 0 {
		p.MaxAttempts = mc.MaxAttempts
	}
	if mc.FreshnessWindow > 0 {
		p.FreshnessWindow = mc.FreshnessWindow
	}
	return p
}
