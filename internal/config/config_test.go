package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duck-async/internal/leasemanager"
)

var configKeys = []string{
	"LOG_LEVEL", "ENV", "LISTEN_ADDR", "TLS_CERT_FILE", "TLS_KEY_FILE",
	"STATE_STORE", "STATE_DB_PATH", "PEBBLE_DIR",
	"COMPUTE_ENDPOINT", "COMPUTE_TOKEN", "COMPUTE_APPLICATION_ID",
	"SESSION_ENABLED", "SESSION_INACTIVITY_TIMEOUT", "SESSION_MAX_PER_DATASOURCE", "SESSION_MAX_GLOBAL",
	"STATEMENT_MAX_PER_DATASOURCE", "REFRESH_JOB_MAX_PER_DATASOURCE",
	"RESULT_SINK", "RESULT_INDEX", "RESULT_BUCKET", "RESULT_PREFIX", "RESULT_MAX_ROWS",
	"KEY_ID", "SECRET", "ENDPOINT", "REGION",
	"INDEX_DUCKDB_PATH", "INDEX_SCHEMA", "METRICS_INTERVAL",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "CORS_ALLOWED_ORIGINS", "CONFIG_FILE",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range configKeys {
		t.Setenv(k, "")
	}
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, StateStoreSQLite, cfg.StateStore)
	assert.Equal(t, "async_query_state.sqlite", cfg.StateDBPath)
	assert.True(t, cfg.SessionEnabled)
	assert.Equal(t, 3*time.Minute, cfg.SessionInactivityTimeout)
	assert.Equal(t, leasemanager.Limits{
		SessionsPerDataSource:    10,
		SessionsGlobal:           100,
		StatementsPerDataSource:  10,
		RefreshJobsPerDataSource: 5,
	}, cfg.Limits)
	assert.Equal(t, ResultSinkCompute, cfg.ResultSink)
	assert.Equal(t, "@every 30s", cfg.MetricsInterval)
	assert.Equal(t, 100.0, cfg.RateLimitRPS)
	assert.Equal(t, 200, cfg.RateLimitBurst)
	assert.Equal(t, []string{"*"}, cfg.CORSAllowedOrigins)
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
	assert.Contains(t, cfg.Warnings, "COMPUTE_ENDPOINT not set; using the in-process compute agent")
}

func TestLoadFromEnv_AllVarsSet(t *testing.T) {
	clearEnv(t)
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("STATE_STORE", "pebble")
	t.Setenv("PEBBLE_DIR", "/var/lib/async")
	t.Setenv("COMPUTE_ENDPOINT", "grpcs://compute.internal:9443")
	t.Setenv("COMPUTE_TOKEN", "tok")
	t.Setenv("SESSION_ENABLED", "false")
	t.Setenv("SESSION_INACTIVITY_TIMEOUT", "90s")
	t.Setenv("SESSION_MAX_PER_DATASOURCE", "3")
	t.Setenv("STATEMENT_MAX_PER_DATASOURCE", "7")
	t.Setenv("RESULT_SINK", "s3")
	t.Setenv("RESULT_BUCKET", "results")
	t.Setenv("KEY_ID", "testkey")
	t.Setenv("SECRET", "testsecret")
	t.Setenv("ENDPOINT", "s3.example.com")
	t.Setenv("REGION", "us-east-1")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
	assert.Equal(t, StateStorePebble, cfg.StateStore)
	assert.False(t, cfg.SessionEnabled)
	assert.Equal(t, 90*time.Second, cfg.SessionInactivityTimeout)
	assert.Equal(t, 3, cfg.Limits.SessionsPerDataSource)
	assert.Equal(t, 7, cfg.Limits.StatementsPerDataSource)
	assert.True(t, cfg.HasS3Config())
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSAllowedOrigins)
	assert.Empty(t, cfg.Warnings)
}

func TestLoadFromEnv_InvalidNumbersWarn(t *testing.T) {
	clearEnv(t)
	t.Setenv("SESSION_MAX_GLOBAL", "lots")
	t.Setenv("SESSION_INACTIVITY_TIMEOUT", "soon")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.Limits.SessionsGlobal)
	assert.Equal(t, 3*time.Minute, cfg.SessionInactivityTimeout)
	assert.Len(t, cfg.Warnings, 3)
}

func TestLoadFromEnv_Overlay(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "limits.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
limits:
  sessions_per_datasource: 4
  refresh_jobs_per_datasource: 2
datasources:
  glue:
    statements_per_datasource: 20
`), 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("REFRESH_JOB_MAX_PER_DATASOURCE", "9")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Limits.SessionsPerDataSource)
	assert.Equal(t, 9, cfg.Limits.RefreshJobsPerDataSource, "env wins over the overlay")
	assert.Equal(t, 10, cfg.Limits.StatementsPerDataSource)
	assert.Equal(t, map[string]leasemanager.Limits{"glue": {StatementsPerDataSource: 20}}, cfg.TenantLimits)
}

func TestLoadFromEnv_OverlayErrors(t *testing.T) {
	clearEnv(t)
	t.Setenv("CONFIG_FILE", "/nonexistent/limits.yaml")
	_, err := LoadFromEnv()
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("limits: [1, 2"), 0o600))
	t.Setenv("CONFIG_FILE", path)
	_, err = LoadFromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config file")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			StateStore:               StateStoreSQLite,
			StateDBPath:              "state.sqlite",
			ResultSink:               ResultSinkCompute,
			SessionInactivityTimeout: time.Minute,
			CORSAllowedOrigins:       []string{"*"},
		}
	}
	s := "x"

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "unknown store", mutate: func(c *Config) { c.StateStore = "redis" }, wantErr: "STATE_STORE"},
		{name: "pebble without dir", mutate: func(c *Config) { c.StateStore = StateStorePebble }, wantErr: "PEBBLE_DIR"},
		{name: "s3 without bucket", mutate: func(c *Config) { c.ResultSink = ResultSinkS3 }, wantErr: "RESULT_BUCKET"},
		{name: "s3 without credentials", mutate: func(c *Config) {
			c.ResultSink = ResultSinkS3
			c.ResultBucket = "b"
		}, wantErr: "KEY_ID"},
		{name: "s3 complete", mutate: func(c *Config) {
			c.ResultSink = ResultSinkS3
			c.ResultBucket = "b"
			c.S3KeyID, c.S3Secret, c.S3Endpoint, c.S3Region = &s, &s, &s, &s
		}},
		{name: "http endpoint", mutate: func(c *Config) { c.ComputeEndpoint = "http://compute:8080" }, wantErr: "grpc://"},
		{name: "half tls", mutate: func(c *Config) { c.TLSCertFile = "cert.pem" }, wantErr: "TLS_KEY_FILE"},
		{name: "production needs compute", mutate: func(c *Config) { c.Env = "production" }, wantErr: "COMPUTE_ENDPOINT"},
		{name: "production rejects wildcard cors", mutate: func(c *Config) {
			c.Env = "production"
			c.ComputeEndpoint = "grpcs://compute:9443"
			c.ComputeToken = "tok"
		}, wantErr: "CORS wildcard"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadDotEnv_FileNotFound(t *testing.T) {
	err := LoadDotEnv("/nonexistent/.env")
	if err != nil {
		t.Errorf("expected no error for missing .env, got: %v", err)
	}
}

func TestLoadDotEnv_ParsesKeyValue(t *testing.T) {
	tmpDir := t.TempDir()
	envFile := filepath.Join(tmpDir, ".env")

	err := os.WriteFile(envFile, []byte("# comment\nTEST_KEY='test_value'\n"), 0644)
	if err != nil {
		t.Fatalf("write .env: %v", err)
	}

	if err := LoadDotEnv(envFile); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}

	if val := os.Getenv("TEST_KEY"); val != "test_value" {
		t.Errorf("TEST_KEY = %q, want %q", val, "test_value")
	}
	_ = os.Unsetenv("TEST_KEY")
}

func TestLoadDotEnv_EnvVarPrecedence(t *testing.T) {
	t.Setenv("TEST_PRECEDENCE_KEY", "from_env")

	tmpDir := t.TempDir()
	envFile := filepath.Join(tmpDir, ".env")

	err := os.WriteFile(envFile, []byte("TEST_PRECEDENCE_KEY=from_file\n"), 0644)
	if err != nil {
		t.Fatalf("write .env: %v", err)
	}

	if err := LoadDotEnv(envFile); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}

	if val := os.Getenv("TEST_PRECEDENCE_KEY"); val != "from_env" {
		t.Errorf("TEST_PRECEDENCE_KEY = %q, want %q (env precedence)", val, "from_env")
	}
}
