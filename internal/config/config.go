// Package config provides configuration loading and validation for Sentinel.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/joshsymonds/sentinel/pkg/pathutil"
)

// Database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Environment variables that override file settings.
const (
	EnvDatabaseDriver = "SENTINEL_DATABASE_DRIVER"
	EnvDatabasePath   = "SENTINEL_DATABASE_PATH"
	EnvDatabaseDSN    = "SENTINEL_DATABASE_DSN"
	EnvLogLevel       = "SENTINEL_LOG_LEVEL"
	EnvLogFormat      = "SENTINEL_LOG_FORMAT"
	EnvArchiveBucket  = "SENTINEL_ARCHIVE_BUCKET"
)

// Config is the complete Sentinel configuration.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Archive  ArchiveConfig  `yaml:"archive,omitempty"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics,omitempty"`
	Policy   PolicyConfig   `yaml:"policy"`
	Sweep    SweepConfig    `yaml:"sweep"`
}

// DatabaseConfig selects and tunes the store.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	// Path is the SQLite file; ":memory:" keeps everything in memory.
	Path           string        `yaml:"path,omitempty"`
	DSN            string        `yaml:"dsn,omitempty"`
	MaxConnections int           `yaml:"max_connections,omitempty"`
	BusyTimeout    time.Duration `yaml:"busy_timeout,omitempty"`
	// ConnectAttempts bounds the startup retry loop for PostgreSQL.
	ConnectAttempts int `yaml:"connect_attempts,omitempty"`
}

// PolicyConfig tunes the policy gate.
type PolicyConfig struct {
	EvaluatorTimeout time.Duration `yaml:"evaluator_timeout"`
	Concurrency      int           `yaml:"concurrency"`
	// EvaluationsPerSecond limits batch evaluations; zero disables the limit.
	EvaluationsPerSecond float64 `yaml:"evaluations_per_second,omitempty"`
	Burst                int     `yaml:"burst,omitempty"`
	MaxAllocs            int64   `yaml:"max_allocs,omitempty"`
}

// SweepConfig controls the periodic expiration sweep.
type SweepConfig struct {
	Interval   time.Duration `yaml:"interval"`
	RunOnStart bool          `yaml:"run_on_start"`
}

// MetricsConfig configures the Prometheus listener.
type MetricsConfig struct {
	Addr string `yaml:"addr,omitempty"`
}

// ArchiveConfig locates evidence exports. Bucket takes precedence over Dir.
type ArchiveConfig struct {
	Dir      string `yaml:"dir,omitempty"`
	Bucket   string `yaml:"bucket,omitempty"`
	Prefix   string `yaml:"prefix,omitempty"`
	Region   string `yaml:"region,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Debug reports whether debug logging is enabled.
func (l LoggingConfig) Debug() bool {
	return strings.EqualFold(l.Level, "debug")
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver:          DriverSQLite,
			Path:            "sentinel.db",
			MaxConnections:  10,
			BusyTimeout:     5 * time.Second,
			ConnectAttempts: 10,
		},
		Policy: PolicyConfig{
			EvaluatorTimeout: 2 * time.Second,
			Concurrency:      4,
			MaxAllocs:        10_000_000,
		},
		Sweep: SweepConfig{
			Interval:   time.Hour,
			RunOnStart: true,
		},
		Archive: ArchiveConfig{
			Dir: "archive",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig reads a YAML file over the defaults, applies environment
// overrides and validates the result.
func LoadConfig(path string) (*Config, error) {
	validPath, err := pathutil.ValidateConfigPath(path)
	if err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	data, err := os.ReadFile(validPath) //nolint:gosec // Path is validated above
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	config.ApplyEnv()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// LoadEnv loads KEY=VALUE files into the process environment without
// overriding variables that are already set. With no arguments it reads
// ./.env if present.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		if _, err := os.Stat(".env"); errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		files = []string{".env"}
	}
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("loading env file: %w", err)
	}
	return nil
}

// ApplyEnv overrides settings from SENTINEL_* variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvDatabaseDriver); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv(EnvDatabasePath); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv(EnvDatabaseDSN); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv(EnvArchiveBucket); v != "" {
		c.Archive.Bucket = v
	}
}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.Database.Driver)
	}

	if c.Database.MaxConnections < 0 {
		return fmt.Errorf("database.max_connections must not be negative")
	}
	if c.Database.BusyTimeout < 0 {
		return fmt.Errorf("database.busy_timeout must not be negative")
	}

	if c.Policy.EvaluatorTimeout <= 0 {
		return fmt.Errorf("policy.evaluator_timeout must be positive")
	}
	if c.Policy.Concurrency < 1 {
		return fmt.Errorf("policy.concurrency must be at least 1")
	}
	if c.Policy.EvaluationsPerSecond < 0 {
		return fmt.Errorf("policy.evaluations_per_second must not be negative")
	}
	if c.Policy.MaxAllocs < 0 {
		return fmt.Errorf("policy.max_allocs must not be negative")
	}

	if c.Sweep.Interval < time.Second {
		return fmt.Errorf("sweep.interval must be at least 1s, got %s", c.Sweep.Interval)
	}

	if c.Archive.Bucket == "" && c.Archive.Dir != "" {
		if _, err := pathutil.Clean(c.Archive.Dir); err != nil {
			return fmt.Errorf("archive.dir: %w", err)
		}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error, got %q", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}
