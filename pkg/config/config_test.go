package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDefault tests the built-in configuration values
func TestDefault(t *testing.T) {
	cfg := Default()

	assert.False(t, cfg.Debug)
	assert.Equal(t, int64(15000), cfg.HeartbeatIntervalMs)
	assert.Equal(t, int64(1800000), cfg.ExecutionTimeoutMs)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, int64(1000), cfg.RetryDelayMs)
	assert.Equal(t, 2, cfg.MinConnections)
	assert.Equal(t, 10, cfg.MaxConnections)
	assert.Equal(t, int64(30000), cfg.ConnectionTimeoutMs)
	assert.Equal(t, int64(5000), cfg.BusyTimeoutMs)
	assert.Equal(t, 1, cfg.SchemaVersion)
	assert.Equal(t, "claude", cfg.ClaudeBin)
	assert.NoError(t, cfg.Validate())
}

// TestLoadYAML tests layering a YAML file over defaults
func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
debug: true
heartbeatIntervalMs: 5000
maxConnections: 4
claudeBin: /usr/local/bin/claude
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.Debug)
	assert.Equal(t, int64(5000), cfg.HeartbeatIntervalMs)
	assert.Equal(t, 4, cfg.MaxConnections)
	assert.Equal(t, "/usr/local/bin/claude", cfg.ClaudeBin)
	// Untouched options keep their defaults
	assert.Equal(t, int64(1800000), cfg.ExecutionTimeoutMs)
}

// TestLoadEnvOverrides tests that environment beats file and defaults
func TestLoadEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("maxRetries: 5\n"), 0644))

	t.Setenv("TASKWRIGHT_MAX_RETRIES", "7")
	t.Setenv("TASKWRIGHT_DEBUG", "true")
	t.Setenv("TASKWRIGHT_DB_PATH", "/tmp/tw-test.db")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.MaxRetries)
	assert.True(t, cfg.Debug)
	assert.Equal(t, "/tmp/tw-test.db", cfg.DBPath)
}

// TestLoadMissingFile tests that a bad path fails loudly
func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

// TestValidate tests rejection of nonsensical configurations
func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero min connections", func(c *Config) { c.MinConnections = 0 }},
		{"max below min", func(c *Config) { c.MinConnections = 5; c.MaxConnections = 2 }},
		{"zero heartbeat", func(c *Config) { c.HeartbeatIntervalMs = 0 }},
		{"negative execution timeout", func(c *Config) { c.ExecutionTimeoutMs = -1 }},
		{"zero connection timeout", func(c *Config) { c.ConnectionTimeoutMs = 0 }},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }},
		{"empty db path", func(c *Config) { c.DBPath = "" }},
		{"empty claude bin", func(c *Config) { c.ClaudeBin = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
