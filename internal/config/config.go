// Package config loads tagsync settings from environment variables with
// defaults, and validates them on startup.
package config

import (
	"net"
	"net/url"
	"strconv"
	"time"

	"tagsync/internal/storage"
)

// Config holds all settings. Every field can be set via environment variables.
type Config struct {
	Database DatabaseConfig
	Import   ImportConfig
	Logging  LoggingConfig
	Metrics  MetricsConfig
}

// DatabaseConfig holds target store settings.
type DatabaseConfig struct {
	// Kind selects the backend: mssql, postgres or sqlite (default: mssql)
	Kind string `env:"STORE_KIND" default:"mssql"`

	// DSN is the full connection string. When empty it is built from the
	// discrete DB_* settings below.
	DSN string `env:"DB_DSN" envAlt:"DATABASE_URL"`

	Server   string `env:"DB_SERVER"`
	Port     int    `env:"DB_PORT"`
	Name     string `env:"DB_NAME"`
	User     string `env:"DB_USER"`
	Password string `env:"DB_PASSWORD"`

	// Table is the target table (default: AllTagslist)
	Table string `env:"DB_TABLE" default:"AllTagslist"`

	// TagColumn is the business key column (default: Tag Number)
	TagColumn string `env:"TAG_COLUMN" default:"Tag Number"`

	ConnectTimeout time.Duration `env:"CONNECTION_TIMEOUT" default:"5s"`
	MaxOpenConns   int           `env:"DB_MAX_OPEN_CONNS" default:"8"`
}

// ImportConfig holds engine knobs.
type ImportConfig struct {
	BatchSize      int     `env:"BATCH_SIZE" default:"2000"`
	Strict         bool    `env:"STRICT_HEADERS" default:"false"`
	UpdateOnly     bool    `env:"UPDATE_ONLY" default:"false"`
	FloatThreshold float64 `env:"FLOAT_THRESHOLD" default:"1e-6"`
	FoldHeaderCase bool    `env:"FOLD_HEADER_CASE" default:"false"`

	// DateLayouts are extra Go time layouts tried when parsing dates.
	DateLayouts []string `env:"DATE_LAYOUTS"`

	BatchTimeout     time.Duration `env:"BATCH_TIMEOUT" default:"30s"`
	RetryMax         int           `env:"RETRY_MAX" default:"3"`
	RetryBackoff     time.Duration `env:"RETRY_BACKOFF" default:"200ms"`
	RetryMaxBackoff  time.Duration `env:"RETRY_MAX_BACKOFF" default:"5s"`
	SheetParallelism int           `env:"SHEET_PARALLELISM" default:"1"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`

	// File, when set, also writes logs to a size-rotated file.
	File       string `env:"LOG_FILE"`
	MaxSizeMB  int    `env:"LOG_MAX_SIZE_MB" default:"10"`
	MaxBackups int    `env:"LOG_MAX_BACKUPS" default:"5"`
	MaxAgeDays int    `env:"LOG_MAX_AGE_DAYS" default:"30"`
}

// MetricsConfig holds metrics export settings.
type MetricsConfig struct {
	// Backend is none or datadog (default: none)
	Backend string `env:"METRICS_BACKEND" default:"none"`

	// Tags are extra key:value tags attached to every series.
	Tags []string `env:"METRICS_TAGS"`

	FlushEvery time.Duration `env:"METRICS_FLUSH_EVERY" default:"60s"`
}

// StoreDSN returns the DSN, building a sqlserver:// URL for mssql from the
// discrete settings when DB_DSN is empty.
func (c *DatabaseConfig) StoreDSN() string {
	if c.DSN != "" || c.Kind != "mssql" || c.Server == "" {
		return c.DSN
	}
	host := c.Server
	if c.Port > 0 {
		host = net.JoinHostPort(c.Server, strconv.Itoa(c.Port))
	}
	u := &url.URL{Scheme: "sqlserver", Host: host}
	if c.User != "" {
		u.User = url.UserPassword(c.User, c.Password)
	}
	q := url.Values{}
	if c.Name != "" {
		q.Set("database", c.Name)
	}
	if c.ConnectTimeout > 0 {
		q.Set("dial timeout", strconv.Itoa(int(c.ConnectTimeout.Seconds())))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Store returns the storage configuration.
func (c *Config) Store() storage.Config {
	return storage.Config{
		Kind:           c.Database.Kind,
		DSN:            c.Database.StoreDSN(),
		Table:          c.Database.Table,
		TagColumn:      c.Database.TagColumn,
		MaxOpenConns:   c.Database.MaxOpenConns,
		ConnectTimeout: c.Database.ConnectTimeout,
	}
}
