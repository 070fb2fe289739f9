package config

import (
	"fmt"
	"os"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"

	"tagsync/internal/storage"
)

// Load reads configuration from environment variables.
// It applies defaults for unset values and validates the result.
func Load() (*Config, error) { return LoadFrom(os.Getenv) }

// LoadFrom is Load with an explicit variable lookup.
func LoadFrom(getenv func(string) string) (*Config, error) {
	cfg := &Config{}

	if err := loadStruct(reflect.ValueOf(cfg).Elem(), getenv); err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// loadStruct recursively populates struct fields from environment variables.
func loadStruct(v reflect.Value, getenv func(string) string) error {
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldVal := v.Field(i)

		if !fieldVal.CanSet() {
			continue
		}

		if field.Type.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Time{}) {
			if err := loadStruct(fieldVal, getenv); err != nil {
				return err
			}
			continue
		}

		envName := field.Tag.Get("env")
		envAlt := field.Tag.Get("envAlt")
		defaultVal := field.Tag.Get("default")
		required := field.Tag.Get("required") == "true"

		if envName == "" {
			continue
		}

		// Primary name first, then the alternate.
		value := getenv(envName)
		if value == "" && envAlt != "" {
			value = getenv(envAlt)
		}

		if value == "" {
			if required {
				return fmt.Errorf("required environment variable %s is not set", envName)
			}
			value = defaultVal
		}

		if value == "" {
			continue
		}

		if err := setField(fieldVal, value); err != nil {
			return fmt.Errorf("invalid value for %s=%q: %w", envName, value, err)
		}
	}

	return nil
}

// setField sets a reflect.Value from a string based on its type.
func setField(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration: %w", err)
			}
			field.Set(reflect.ValueOf(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer: %w", err)
			}
			field.SetInt(i)
		}

	case reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid number: %w", err)
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean: %w", err)
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type: %s", field.Type().Elem().Kind())
		}
		// Comma-separated, whitespace trimmed, empty entries dropped.
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				result = append(result, p)
			}
		}
		field.Set(reflect.ValueOf(result))

	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}

	return nil
}

// Validate checks that the configuration is valid.
// Returns an error describing all validation failures.
func (c *Config) Validate() error {
	var errs []string

	kinds := storage.Kinds()
	if len(kinds) > 0 && !slices.Contains(kinds, c.Database.Kind) {
		errs = append(errs, fmt.Sprintf("STORE_KIND (%q) must be one of: %s", c.Database.Kind, strings.Join(kinds, ", ")))
	}
	if c.Database.StoreDSN() == "" {
		errs = append(errs, "DB_DSN is required (or DB_SERVER for mssql)")
	}
	if strings.TrimSpace(c.Database.Table) == "" {
		errs = append(errs, "DB_TABLE must not be empty")
	}
	if strings.TrimSpace(c.Database.TagColumn) == "" {
		errs = append(errs, "TAG_COLUMN must not be empty")
	}
	if c.Database.Port < 0 || c.Database.Port > 65535 {
		errs = append(errs, fmt.Sprintf("DB_PORT (%d) must be 0-65535", c.Database.Port))
	}
	if c.Database.ConnectTimeout <= 0 {
		errs = append(errs, "CONNECTION_TIMEOUT must be positive")
	}
	if c.Database.MaxOpenConns <= 0 {
		errs = append(errs, "DB_MAX_OPEN_CONNS must be positive")
	}

	if c.Import.BatchSize <= 0 {
		errs = append(errs, "BATCH_SIZE must be positive")
	}
	if c.Import.FloatThreshold < 0 {
		errs = append(errs, "FLOAT_THRESHOLD must be non-negative")
	}
	if c.Import.BatchTimeout <= 0 {
		errs = append(errs, "BATCH_TIMEOUT must be positive")
	}
	if c.Import.RetryMax < 0 {
		errs = append(errs, "RETRY_MAX must be non-negative")
	}
	if c.Import.RetryBackoff <= 0 || c.Import.RetryMaxBackoff < c.Import.RetryBackoff {
		errs = append(errs, "RETRY_BACKOFF must be positive and not above RETRY_MAX_BACKOFF")
	}
	if c.Import.SheetParallelism <= 0 {
		errs = append(errs, "SHEET_PARALLELISM must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, fmt.Sprintf("LOG_LEVEL (%q) must be one of: debug, info, warn, error", c.Logging.Level))
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, fmt.Sprintf("LOG_FORMAT (%q) must be one of: text, json", c.Logging.Format))
	}

	switch strings.ToLower(c.Metrics.Backend) {
	case "none", "datadog":
	default:
		errs = append(errs, fmt.Sprintf("METRICS_BACKEND (%q) must be one of: none, datadog", c.Metrics.Backend))
	}
	if c.Metrics.FlushEvery <= 0 {
		errs = append(errs, "METRICS_FLUSH_EVERY must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// String returns a safe string representation of the config for logging.
// The DSN and password are masked.
func (c *Config) String() string {
	var b strings.Builder
	b.WriteString("Config{")
	fmt.Fprintf(&b, "Database: {Kind: %q, DSN: [MASKED], Server: %q, Name: %q, User: %q, Table: %q, TagColumn: %q}, ",
		c.Database.Kind, c.Database.Server, c.Database.Name, c.Database.User, c.Database.Table, c.Database.TagColumn)
	fmt.Fprintf(&b, "Import: {BatchSize: %d, Strict: %v, UpdateOnly: %v, FloatThreshold: %g, SheetParallelism: %d}, ",
		c.Import.BatchSize, c.Import.Strict, c.Import.UpdateOnly, c.Import.FloatThreshold, c.Import.SheetParallelism)
	fmt.Fprintf(&b, "Logging: {Level: %q, Format: %q, File: %q}, ",
		c.Logging.Level, c.Logging.Format, c.Logging.File)
	fmt.Fprintf(&b, "Metrics: {Backend: %q}", c.Metrics.Backend)
	b.WriteString("}")
	return b.String()
}
