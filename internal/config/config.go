// Package config handles application configuration and environment loading.
package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"duck-async/internal/leasemanager"
)

// State store backends.
const (
	StateStoreSQLite = "sqlite"
	StateStorePebble = "pebble"
)

// Result sinks.
const (
	ResultSinkCompute = "compute"
	ResultSinkS3      = "s3"
)

// Config holds the configuration of the async query server.
type Config struct {
	LogLevel    string // log level: debug, info, warn, error (default "info")
	Env         string // environment: "development" (default) or "production"
	ListenAddr  string // HTTP listen address (default ":8080")
	TLSCertFile string
	TLSKeyFile  string

	// State store
	StateStore  string // "sqlite" (default) or "pebble"
	StateDBPath string // SQLite file (default "async_query_state.sqlite")
	PebbleDir   string // Pebble directory (default "async_query_state")

	// Compute cluster
	ComputeEndpoint string // grpc:// or grpcs:// job service address
	ComputeToken    string
	ApplicationID   string

	// Sessions and admission
	SessionEnabled           bool
	SessionInactivityTimeout time.Duration
	Limits                   leasemanager.Limits
	TenantLimits             map[string]leasemanager.Limits

	// Results
	ResultSink    string // "compute" (default) or "s3"
	ResultIndex   string // recorded on job metadata
	ResultBucket  string
	ResultPrefix  string
	MaxResultRows int

	// S3 fields are optional; nil when not configured.
	S3KeyID    *string
	S3Secret   *string
	S3Endpoint *string
	S3Region   *string

	IndexDuckDBPath string // DuckDB file holding index tables ("" = in-memory)
	IndexSchema     string
	MetricsInterval string // cron spec for gauge reporting

	// Rate limiting
	RateLimitRPS   float64 // sustained requests per second (default 100)
	RateLimitBurst int     // burst capacity (default 200)

	// CORS
	CORSAllowedOrigins []string // allowed origins for CORS (default: ["*"])

	ConfigFile string // optional YAML overlay

	// Warnings collects non-fatal warnings generated during config loading.
	// These are logged by the caller after the logger is initialised.
	Warnings []string
}

// Overlay is the YAML file named by CONFIG_FILE.
//
//	limits:
//	  sessions_per_datasource: 10
//	datasources:
//	  glue:
//	    statements_per_datasource: 20
type Overlay struct {
	Limits      leasemanager.Limits            `yaml:"limits"`
	DataSources map[string]leasemanager.Limits `yaml:"datasources"`
}

// SlogLevel maps the LogLevel string to an slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// IsProduction returns true when the server is running in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// HasS3Config returns true if all required S3 fields are set.
func (c *Config) HasS3Config() bool {
	return c.S3KeyID != nil && c.S3Secret != nil &&
		c.S3Endpoint != nil && c.S3Region != nil
}

// LoadFromEnv loads configuration from environment variables, layered as
// defaults, then the CONFIG_FILE overlay, then explicitly set variables.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		LogLevel:                 "info",
		ListenAddr:               ":8080",
		StateStore:               StateStoreSQLite,
		StateDBPath:              "async_query_state.sqlite",
		PebbleDir:                "async_query_state",
		ApplicationID:            "duck-async",
		SessionEnabled:           true,
		SessionInactivityTimeout: 3 * time.Minute,
		Limits: leasemanager.Limits{
			SessionsPerDataSource:    10,
			SessionsGlobal:           100,
			StatementsPerDataSource:  10,
			RefreshJobsPerDataSource: 5,
		},
		ResultSink:      ResultSinkCompute,
		MaxResultRows:   10000,
		MetricsInterval: "@every 30s",
		RateLimitRPS:    100,
		RateLimitBurst:  200,
		Env:             os.Getenv("ENV"),
		ConfigFile:      os.Getenv("CONFIG_FILE"),
	}

	if cfg.ConfigFile != "" {
		overlay, err := LoadOverlay(cfg.ConfigFile)
		if err != nil {
			return nil, err
		}
		cfg.applyOverlay(overlay)
	}

	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.ListenAddr, "LISTEN_ADDR")
	setString(&cfg.TLSCertFile, "TLS_CERT_FILE")
	setString(&cfg.TLSKeyFile, "TLS_KEY_FILE")
	setString(&cfg.StateStore, "STATE_STORE")
	setString(&cfg.StateDBPath, "STATE_DB_PATH")
	setString(&cfg.PebbleDir, "PEBBLE_DIR")
	setString(&cfg.ComputeEndpoint, "COMPUTE_ENDPOINT")
	setString(&cfg.ComputeToken, "COMPUTE_TOKEN")
	setString(&cfg.ApplicationID, "COMPUTE_APPLICATION_ID")
	setString(&cfg.ResultSink, "RESULT_SINK")
	setString(&cfg.ResultIndex, "RESULT_INDEX")
	setString(&cfg.ResultBucket, "RESULT_BUCKET")
	setString(&cfg.ResultPrefix, "RESULT_PREFIX")
	setString(&cfg.IndexDuckDBPath, "INDEX_DUCKDB_PATH")
	setString(&cfg.IndexSchema, "INDEX_SCHEMA")
	setString(&cfg.MetricsInterval, "METRICS_INTERVAL")
	cfg.SessionEnabled = parseBoolEnvDefault("SESSION_ENABLED", cfg.SessionEnabled)

	cfg.setDuration(&cfg.SessionInactivityTimeout, "SESSION_INACTIVITY_TIMEOUT")
	cfg.setInt(&cfg.Limits.SessionsPerDataSource, "SESSION_MAX_PER_DATASOURCE")
	cfg.setInt(&cfg.Limits.SessionsGlobal, "SESSION_MAX_GLOBAL")
	cfg.setInt(&cfg.Limits.StatementsPerDataSource, "STATEMENT_MAX_PER_DATASOURCE")
	cfg.setInt(&cfg.Limits.RefreshJobsPerDataSource, "REFRESH_JOB_MAX_PER_DATASOURCE")
	cfg.setInt(&cfg.MaxResultRows, "RESULT_MAX_ROWS")
	cfg.setInt(&cfg.RateLimitBurst, "RATE_LIMIT_BURST")

	// Rate limiting
	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RateLimitRPS = f
		} else {
			cfg.Warnings = append(cfg.Warnings, fmt.Sprintf("ignoring RATE_LIMIT_RPS=%q: not a number", v))
		}
	}

	// S3 fields are optional, only set if present
	if v := os.Getenv("KEY_ID"); v != "" {
		cfg.S3KeyID = &v
	}
	if v := os.Getenv("SECRET"); v != "" {
		cfg.S3Secret = &v
	}
	if v := os.Getenv("ENDPOINT"); v != "" {
		cfg.S3Endpoint = &v
	}
	if v := os.Getenv("REGION"); v != "" {
		cfg.S3Region = &v
	}

	// CORS
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		origins := strings.Split(v, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
		cfg.CORSAllowedOrigins = compactNonEmpty(origins)
	}
	if len(cfg.CORSAllowedOrigins) == 0 {
		cfg.CORSAllowedOrigins = []string{"*"}
	}

	if cfg.ComputeEndpoint == "" {
		cfg.Warnings = append(cfg.Warnings, "COMPUTE_ENDPOINT not set; using the in-process compute agent")
	}
	if cfg.ComputeEndpoint != "" && cfg.ComputeToken == "" {
		cfg.Warnings = append(cfg.Warnings, "COMPUTE_TOKEN not set; job service calls are unsigned")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects inconsistent settings.
func (c *Config) Validate() error {
	switch c.StateStore {
	case StateStoreSQLite:
		if c.StateDBPath == "" {
			return fmt.Errorf("STATE_DB_PATH is required for the sqlite state store")
		}
	case StateStorePebble:
		if c.PebbleDir == "" {
			return fmt.Errorf("PEBBLE_DIR is required for the pebble state store")
		}
	default:
		return fmt.Errorf("STATE_STORE must be %q or %q, got %q", StateStoreSQLite, StateStorePebble, c.StateStore)
	}

	switch c.ResultSink {
	case ResultSinkCompute:
	case ResultSinkS3:
		if c.ResultBucket == "" {
			return fmt.Errorf("RESULT_BUCKET is required when RESULT_SINK=s3")
		}
		if !c.HasS3Config() {
			return fmt.Errorf("KEY_ID, SECRET, ENDPOINT and REGION are required when RESULT_SINK=s3")
		}
	default:
		return fmt.Errorf("RESULT_SINK must be %q or %q, got %q", ResultSinkCompute, ResultSinkS3, c.ResultSink)
	}

	if c.ComputeEndpoint != "" &&
		!strings.HasPrefix(c.ComputeEndpoint, "grpc://") && !strings.HasPrefix(c.ComputeEndpoint, "grpcs://") {
		return fmt.Errorf("COMPUTE_ENDPOINT must use grpc:// or grpcs://")
	}
	if c.SessionInactivityTimeout <= 0 {
		return fmt.Errorf("SESSION_INACTIVITY_TIMEOUT must be positive")
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("both TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}

	// Production mode: insecure defaults are fatal errors.
	if c.IsProduction() {
		if c.ComputeEndpoint == "" {
			return fmt.Errorf("COMPUTE_ENDPOINT must be set in production (ENV=production)")
		}
		if c.ComputeToken == "" {
			return fmt.Errorf("COMPUTE_TOKEN must be set in production (ENV=production)")
		}
		if len(c.CORSAllowedOrigins) == 1 && c.CORSAllowedOrigins[0] == "*" {
			return fmt.Errorf("CORS wildcard (*) is not allowed in production (ENV=production)")
		}
	}
	return nil
}

// LoadOverlay reads a YAML overlay file.
func LoadOverlay(path string) (*Overlay, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is operator-controlled
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	var o Overlay
	if err := yaml.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	for ds := range o.DataSources {
		if ds == "" {
			return nil, fmt.Errorf("parse config file %s: empty datasource name", path)
		}
	}
	return &o, nil
}

func (c *Config) applyOverlay(o *Overlay) {
	override := func(dst *int, v int) {
		if v != 0 {
			*dst = v
		}
	}
	override(&c.Limits.SessionsPerDataSource, o.Limits.SessionsPerDataSource)
	override(&c.Limits.SessionsGlobal, o.Limits.SessionsGlobal)
	override(&c.Limits.StatementsPerDataSource, o.Limits.StatementsPerDataSource)
	override(&c.Limits.RefreshJobsPerDataSource, o.Limits.RefreshJobsPerDataSource)
	if len(o.DataSources) > 0 {
		c.TenantLimits = o.DataSources
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func (c *Config) setInt(dst *int, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		c.Warnings = append(c.Warnings, fmt.Sprintf("ignoring %s=%q: not an integer", key, v))
		return
	}
	*dst = n
}

func (c *Config) setDuration(dst *time.Duration, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		c.Warnings = append(c.Warnings, fmt.Sprintf("ignoring %s=%q: not a duration", key, v))
		return
	}
	*dst = d
}

func parseBoolEnvDefault(key string, defaultVal bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if v == "" {
		return defaultVal
	}
	if v == "0" || v == "false" || v == "no" || v == "off" {
		return false
	}
	if v == "1" || v == "true" || v == "yes" || v == "on" {
		return true
	}
	return defaultVal
}

func compactNonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

// LoadDotEnv reads a .env file and sets any variables not already in the environment.
// Lines must be in KEY=VALUE format. Comments (#) and blank lines are skipped.
func LoadDotEnv(path string) error {
	f, err := os.Open(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		if os.IsNotExist(err) {
			return nil // .env not found is not an error
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = stripQuotes(strings.TrimSpace(value))
		// Only set if not already in the environment (env vars take precedence)
		if os.Getenv(key) == "" {
			if err := os.Setenv(key, value); err != nil {
				return fmt.Errorf("setenv %s: %w", key, err)
			}
		}
	}
	return scanner.Err()
}

// stripQuotes removes surrounding double or single quotes from a value.
// Only strips if both the first and last characters are matching quotes.
func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
