package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// chdirTemp moves the test into an empty directory so no config.yaml is found.
func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Empty(t, cfg.Store.DatabaseURL)
	assert.Equal(t, int32(10), cfg.Store.MaxConns)
	assert.Equal(t, "claude-sonnet-4-5-20250929", cfg.Anthropic.Model)
	assert.Equal(t, int64(4096), cfg.Anthropic.MaxTokens)
	assert.InDelta(t, 0.3, cfg.Anthropic.Temperature, 0.001)
	assert.InDelta(t, 2.0, cfg.Anthropic.RequestsPerSecond, 0.001)
	assert.Equal(t, 2, cfg.Anthropic.Burst)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 500, cfg.Retry.InitialBackoffMs)
	assert.Equal(t, 30000, cfg.Retry.MaxBackoffMs)
	assert.Equal(t, 5, cfg.Retry.BreakerThreshold)
	assert.Equal(t, 30, cfg.Retry.BreakerCooldownSecs)
	assert.Zero(t, cfg.Pipeline.LevelTimeoutSecs)
	assert.False(t, cfg.Pipeline.CancelOnFailure)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
  database_url: dealflow.db
anthropic:
  model: claude-haiku-4-5-20251001
pipeline:
  level_timeout_secs: 300
  cancel_on_failure: true
log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "dealflow.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "claude-haiku-4-5-20251001", cfg.Anthropic.Model)
	assert.Equal(t, 300, cfg.Pipeline.LevelTimeoutSecs)
	assert.True(t, cfg.Pipeline.CancelOnFailure)
	assert.Equal(t, "console", cfg.Log.Format)
	// Defaults still apply for unset values.
	assert.Equal(t, int64(4096), cfg.Anthropic.MaxTokens)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	t.Setenv("DEALFLOW_STORE_DRIVER", "postgres")
	t.Setenv("DEALFLOW_LOG_LEVEL", "warn")
	t.Setenv("DEALFLOW_ANTHROPIC_KEY", "sk-ant-test")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "sk-ant-test", cfg.Anthropic.Key)
}

func TestLoadMalformedFile(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [unclosed"), 0o644))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: read file")
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	assert.NotNil(t, zap.L())

	require.NoError(t, InitLogger(LogConfig{Level: "info", Format: "json"}))
	assert.Error(t, InitLogger(LogConfig{Level: "invalid", Format: "json"}))
}

// validAnalyze returns a Config that passes Validate("analyze").
func validAnalyze() *Config {
	return &Config{
		Store:     StoreConfig{Driver: "postgres", DatabaseURL: "postgres://localhost/dealflow"},
		Anthropic: AnthropicConfig{Key: "sk-ant-key", Model: "claude-sonnet-4-5-20250929", MaxTokens: 4096, Temperature: 0.3, RequestsPerSecond: 2},
		Retry:     RetryConfig{MaxAttempts: 3},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mode    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "analyze ok", mode: "analyze", mutate: func(*Config) {}},
		{name: "sqlite ok", mode: "analyze", mutate: func(c *Config) { c.Store = StoreConfig{Driver: "sqlite", DatabaseURL: "dev.db"} }},
		{name: "missing key", mode: "analyze", mutate: func(c *Config) { c.Anthropic.Key = "" }, wantErr: "anthropic.key is required"},
		{name: "bad driver", mode: "migrate", mutate: func(c *Config) { c.Store.Driver = "mysql" }, wantErr: "store.driver must be postgres or sqlite"},
		{name: "missing url", mode: "runs", mutate: func(c *Config) { c.Store.DatabaseURL = "" }, wantErr: "store.database_url is required"},
		{name: "temperature", mode: "analyze", mutate: func(c *Config) { c.Anthropic.Temperature = 1.5 }, wantErr: "anthropic.temperature"},
		{name: "attempts", mode: "analyze", mutate: func(c *Config) { c.Retry.MaxAttempts = 0 }, wantErr: "retry.max_attempts"},
		{name: "breaker", mode: "analyze", mutate: func(c *Config) { c.Retry.BreakerThreshold = -1 }, wantErr: "retry.breaker_threshold"},
		{name: "breaker cooldown", mode: "analyze", mutate: func(c *Config) { c.Retry.BreakerCooldownSecs = -5 }, wantErr: "retry.breaker_cooldown_secs"},
		{name: "timeout", mode: "analyze", mutate: func(c *Config) { c.Pipeline.LevelTimeoutSecs = -1 }, wantErr: "level_timeout_secs"},
		{name: "migrate ignores anthropic", mode: "migrate", mutate: func(c *Config) { c.Anthropic = AnthropicConfig{} }},
		{name: "unknown mode", mode: "serve", mutate: func(*Config) {}, wantErr: "unknown mode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validAnalyze()
			tt.mutate(cfg)

			err := cfg.Validate(tt.mode)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_CollectsAllProblems(t *testing.T) {
	cfg := &Config{Store: StoreConfig{Driver: "postgres"}}

	err := cfg.Validate("analyze")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")
	assert.Contains(t, err.Error(), "anthropic.key is required")
	assert.Contains(t, err.Error(), "anthropic.max_tokens must be > 0")
}
