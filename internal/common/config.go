// Package common provides shared utilities for pricefeed
package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config holds all configuration for pricefeed
type Config struct {
	Environment string          `toml:"environment"`
	Server      ServerConfig    `toml:"server"`
	Storage     StorageConfig   `toml:"storage"`
	Clients     ClientsConfig   `toml:"clients"`
	Refresh     RefreshConfig   `toml:"refresh"`
	Retention   RetentionConfig `toml:"retention"`
	Scheduler   SchedulerConfig `toml:"scheduler"`
	Logging     LoggingConfig   `toml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// Storage backends
const (
	BackendMongoDB   = "mongodb"
	BackendSurrealDB = "surrealdb"
)

// StorageConfig selects and configures the storage backend.
// Namespace is only used by SurrealDB.
type StorageConfig struct {
	Backend   string `toml:"backend"`
	Address   string `toml:"address"`
	Username  string `toml:"username"`
	Password  string `toml:"password"`
	Namespace string `toml:"namespace"`
	Database  string `toml:"database"`
	Timeout   string `toml:"timeout"`
	SeedFile  string `toml:"seed_file"` // optional instrument master JSON imported at startup
}

// GetTimeout parses and returns the connect timeout
func (c *StorageConfig) GetTimeout() time.Duration {
	return parseDuration(c.Timeout, 30*time.Second)
}

// ClientsConfig holds API client configurations
type ClientsConfig struct {
	Primary   ClientConfig `toml:"primary"`
	Secondary ClientConfig `toml:"secondary"`
}

// ClientConfig holds the settings shared by both provider clients
type ClientConfig struct {
	BaseURL   string `toml:"base_url"`
	RateLimit int    `toml:"rate_limit"`
	Timeout   string `toml:"timeout"`
}

// GetTimeout parses and returns the timeout duration
func (c *ClientConfig) GetTimeout() time.Duration {
	return parseDuration(c.Timeout, 30*time.Second)
}

// Completeness strategies
const (
	CompletenessCount    = "count"
	CompletenessCoverage = "coverage"
)

// RefreshConfig controls batching, pacing and the backfill decision.
type RefreshConfig struct {
	BatchSize     int    `toml:"batch_size"`
	Concurrency   int    `toml:"concurrency"`
	ItemDelay     string `toml:"item_delay"`
	UniversePause string `toml:"universe_pause"`
	HoldingsPause string `toml:"holdings_pause"`

	Completeness      string `toml:"completeness"`
	CompleteThreshold int    `toml:"complete_threshold"`
	CoverageSlack     string `toml:"coverage_slack"`
	BackfillYears     int    `toml:"backfill_years"`
	IncrementalDays   int    `toml:"incremental_days"`
	MaxErrors         int    `toml:"max_errors"`
	TriggerSecret     string `toml:"trigger_secret"`
	SessionTimezone   string `toml:"session_timezone"`
	SessionOpen       string `toml:"session_open"`  // HH:MM local
	SessionClose      string `toml:"session_close"` // HH:MM local
	MaxConcurrentRuns int    `toml:"max_concurrent_runs"`
	QueuePollInterval string `toml:"queue_poll_interval"`
}

// GetItemDelay returns the delay between dispatches within a batch
func (c *RefreshConfig) GetItemDelay() time.Duration {
	return parseDuration(c.ItemDelay, 200*time.Millisecond)
}

// GetUniversePause returns the inter-batch pause for full-universe runs
func (c *RefreshConfig) GetUniversePause() time.Duration {
	return parseDuration(c.UniversePause, 10*time.Minute)
}

// GetHoldingsPause returns the inter-batch pause for holdings-only runs
func (c *RefreshConfig) GetHoldingsPause() time.Duration {
	return parseDuration(c.HoldingsPause, time.Second)
}

// GetCoverageSlack returns the tolerance for the coverage completeness strategy
func (c *RefreshConfig) GetCoverageSlack() time.Duration {
	return parseDuration(c.CoverageSlack, 7*24*time.Hour)
}

// GetQueuePollInterval returns how often the supervisor polls for queued runs
func (c *RefreshConfig) GetQueuePollInterval() time.Duration {
	return parseDuration(c.QueuePollInterval, 30*time.Second)
}

// GetSessionLocation returns the primary source's exchange timezone
func (c *RefreshConfig) GetSessionLocation() *time.Location {
	loc, err := time.LoadLocation(c.SessionTimezone)
	if err != nil || c.SessionTimezone == "" {
		return time.FixedZone("IST", 5*60*60+30*60)
	}
	return loc
}

// RetentionConfig controls the retention sweeper
type RetentionConfig struct {
	Horizon       string `toml:"horizon"`
	SweepAfterRun bool   `toml:"sweep_after_run"`
}

// GetHorizon returns the retention horizon. Accepts Go durations and
// whole-year values such as "2y".
func (c *RetentionConfig) GetHorizon() time.Duration {
	h := strings.TrimSpace(c.Horizon)
	if strings.HasSuffix(h, "y") {
		if years, err := strconv.Atoi(strings.TrimSuffix(h, "y")); err == nil && years > 0 {
			return time.Duration(years) * 365 * 24 * time.Hour
		}
	}
	return parseDuration(h, 2*365*24*time.Hour)
}

// HorizonYears returns the horizon in whole years when it was configured as "Ny", else 0.
func (c *RetentionConfig) HorizonYears() int {
	h := strings.TrimSpace(c.Horizon)
	if strings.HasSuffix(h, "y") {
		if years, err := strconv.Atoi(strings.TrimSuffix(h, "y")); err == nil && years > 0 {
			return years
		}
	}
	return 0
}

// SchedulerConfig holds the time-based trigger configuration
type SchedulerConfig struct {
	Enabled       bool   `toml:"enabled"`
	Timezone      string `toml:"timezone"`
	DailyAt       string `toml:"daily_at"`
	HoldingsEvery string `toml:"holdings_every"`
	SweepWeekday  string `toml:"sweep_weekday"`
	SweepAt       string `toml:"sweep_at"`
}

// GetHoldingsEvery returns the holdings-only refresh interval (0 disables it)
func (c *SchedulerConfig) GetHoldingsEvery() time.Duration {
	return parseDuration(c.HoldingsEvery, 0)
}

// GetLocation returns the scheduler timezone
func (c *SchedulerConfig) GetLocation() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil || c.Timezone == "" {
		return time.UTC
	}
	return loc
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// NewDefaultConfig returns a Config with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Storage: StorageConfig{
			Backend:   BackendMongoDB,
			Address:   "mongodb://localhost:27017",
			Namespace: "pricefeed",
			Database:  "pricefeed",
			Timeout:   "30s",
		},
		Clients: ClientsConfig{
			Primary: ClientConfig{
				BaseURL:   "https://www.nseindia.com",
				RateLimit: 3,
				Timeout:   "5s",
			},
			Secondary: ClientConfig{
				BaseURL:   "https://query1.finance.yahoo.com",
				RateLimit: 2,
				Timeout:   "30s",
			},
		},
		Refresh: RefreshConfig{
			BatchSize:         50,
			Concurrency:       5,
			ItemDelay:         "200ms",
			UniversePause:     "10m",
			HoldingsPause:     "1s",
			Completeness:      CompletenessCount,
			CompleteThreshold: 1000,
			CoverageSlack:     "168h",
			BackfillYears:     5,
			IncrementalDays:   3,
			MaxErrors:         50,
			SessionTimezone:   "Asia/Kolkata",
			SessionOpen:       "09:15",
			SessionClose:      "15:30",
			MaxConcurrentRuns: 1,
			QueuePollInterval: "30s",
		},
		Retention: RetentionConfig{
			Horizon:       "2y",
			SweepAfterRun: true,
		},
		Scheduler: SchedulerConfig{
			Enabled:       false,
			Timezone:      "Asia/Kolkata",
			DailyAt:       "18:30",
			HoldingsEvery: "",
			SweepWeekday:  "sunday",
			SweepAt:       "01:00",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig loads configuration from files with environment overrides
func LoadConfig(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	// Later files override earlier ones
	for _, path := range paths {
		if path == "" {
			continue
		}

		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("PRICEFEED_ENV"); env != "" {
		config.Environment = env
	}

	if host := os.Getenv("PRICEFEED_HOST"); host != "" {
		config.Server.Host = host
	}

	if port := os.Getenv("PRICEFEED_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	if level := os.Getenv("PRICEFEED_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}

	// Storage overrides
	if v := os.Getenv("PRICEFEED_STORAGE_BACKEND"); v != "" {
		config.Storage.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("PRICEFEED_STORAGE_ADDRESS"); v != "" {
		config.Storage.Address = v
	}
	if v := os.Getenv("PRICEFEED_STORAGE_USERNAME"); v != "" {
		config.Storage.Username = v
	}
	if v := os.Getenv("PRICEFEED_STORAGE_PASSWORD"); v != "" {
		config.Storage.Password = v
	}
	if v := os.Getenv("PRICEFEED_STORAGE_DATABASE"); v != "" {
		config.Storage.Database = v
	}
	if v := os.Getenv("PRICEFEED_SEED_FILE"); v != "" {
		config.Storage.SeedFile = v
	}

	// Refresh overrides
	if v := os.Getenv("PRICEFEED_TRIGGER_SECRET"); v != "" {
		config.Refresh.TriggerSecret = v
	}
	if v := os.Getenv("PRICEFEED_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Refresh.BatchSize = n
		}
	}
	if v := os.Getenv("PRICEFEED_UNIVERSE_PAUSE"); v != "" {
		config.Refresh.UniversePause = v
	}

	if v := os.Getenv("PRICEFEED_SCHEDULER_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			config.Scheduler.Enabled = b
		}
	}
}

// Validate checks values that have no safe fallback
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMongoDB, BackendSurrealDB:
	default:
		return fmt.Errorf("unsupported storage backend %q", c.Storage.Backend)
	}
	if c.Refresh.BatchSize <= 0 {
		return fmt.Errorf("refresh.batch_size must be positive, got %d", c.Refresh.BatchSize)
	}
	if c.Refresh.Concurrency <= 0 {
		c.Refresh.Concurrency = 1
	}
	if c.Refresh.CompleteThreshold <= 0 {
		c.Refresh.CompleteThreshold = 1000
	}
	if c.Refresh.IncrementalDays <= 0 {
		c.Refresh.IncrementalDays = 3
	}
	if c.Refresh.BackfillYears <= 0 {
		c.Refresh.BackfillYears = 5
	}
	if c.Refresh.Completeness != CompletenessCoverage {
		c.Refresh.Completeness = CompletenessCount
	}
	return nil
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

// ParseClock parses an "HH:MM" string into minutes after midnight.
func ParseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid clock value %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
