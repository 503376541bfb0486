package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds server configuration. It is read once at startup and
// treated as immutable afterwards.
type Config struct {
	// Debug enables verbose server logs on stderr
	Debug bool `yaml:"debug"`

	// HeartbeatIntervalMs is the supervisor heartbeat cadence
	HeartbeatIntervalMs int64 `yaml:"heartbeatIntervalMs"`

	// ExecutionTimeoutMs is the default per-task timeout when a task
	// does not carry its own
	ExecutionTimeoutMs int64 `yaml:"executionTimeoutMs"`

	// UseRoomodes and WatchRoomodes opt into .roomodes integration.
	// Accepted for compatibility; the server does not act on them.
	UseRoomodes   bool `yaml:"useRoomodes"`
	WatchRoomodes bool `yaml:"watchRoomodes"`

	// MaxRetries caps spawn retries; RetryDelayMs is the linear backoff step
	MaxRetries   int   `yaml:"maxRetries"`
	RetryDelayMs int64 `yaml:"retryDelayMs"`

	// DBPath is the embedded store file path
	DBPath string `yaml:"dbPath"`

	// Pool bounds and acquire behavior
	MinConnections      int   `yaml:"minConnections"`
	MaxConnections      int   `yaml:"maxConnections"`
	ConnectionTimeoutMs int64 `yaml:"connectionTimeoutMs"`
	BusyTimeoutMs       int64 `yaml:"busyTimeoutMs"`

	// SchemaVersion is the target schema version to migrate up to
	SchemaVersion int `yaml:"schemaVersion"`

	// ClaudeBin is the assistant CLI executable
	ClaudeBin string `yaml:"claudeBin"`
}

// Default returns the built-in configuration
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Config{
		Debug:               false,
		HeartbeatIntervalMs: 15000,
		ExecutionTimeoutMs:  1800000,
		MaxRetries:          3,
		RetryDelayMs:        1000,
		DBPath:              filepath.Join(home, ".taskwright", "taskwright.db"),
		MinConnections:      2,
		MaxConnections:      10,
		ConnectionTimeoutMs: 30000,
		BusyTimeoutMs:       5000,
		SchemaVersion:       1,
		ClaudeBin:           "claude",
	}
}

// Load builds the configuration from defaults, an optional YAML file,
// and TASKWRIGHT_* environment overrides, in that order.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v, ok := lookupBool("TASKWRIGHT_DEBUG"); ok {
		c.Debug = v
	}
	if v, ok := lookupInt64("TASKWRIGHT_HEARTBEAT_INTERVAL_MS"); ok {
		c.HeartbeatIntervalMs = v
	}
	if v, ok := lookupInt64("TASKWRIGHT_EXECUTION_TIMEOUT_MS"); ok {
		c.ExecutionTimeoutMs = v
	}
	if v, ok := lookupInt("TASKWRIGHT_MAX_RETRIES"); ok {
		c.MaxRetries = v
	}
	if v, ok := lookupInt64("TASKWRIGHT_RETRY_DELAY_MS"); ok {
		c.RetryDelayMs = v
	}
	if v := os.Getenv("TASKWRIGHT_DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v, ok := lookupInt("TASKWRIGHT_MIN_CONNECTIONS"); ok {
		c.MinConnections = v
	}
	if v, ok := lookupInt("TASKWRIGHT_MAX_CONNECTIONS"); ok {
		c.MaxConnections = v
	}
	if v, ok := lookupInt64("TASKWRIGHT_CONNECTION_TIMEOUT_MS"); ok {
		c.ConnectionTimeoutMs = v
	}
	if v, ok := lookupInt64("TASKWRIGHT_BUSY_TIMEOUT_MS"); ok {
		c.BusyTimeoutMs = v
	}
	if v, ok := lookupInt("TASKWRIGHT_SCHEMA_VERSION"); ok {
		c.SchemaVersion = v
	}
	if v := os.Getenv("TASKWRIGHT_CLAUDE_BIN"); v != "" {
		c.ClaudeBin = v
	}
}

// Validate rejects configurations the server cannot run with
func (c *Config) Validate() error {
	if c.MinConnections < 1 {
		return fmt.Errorf("minConnections must be at least 1, got %d", c.MinConnections)
	}
	if c.MaxConnections < c.MinConnections {
		return fmt.Errorf("maxConnections (%d) must be >= minConnections (%d)",
			c.MaxConnections, c.MinConnections)
	}
	if c.HeartbeatIntervalMs <= 0 {
		return fmt.Errorf("heartbeatIntervalMs must be positive, got %d", c.HeartbeatIntervalMs)
	}
	if c.ExecutionTimeoutMs <= 0 {
		return fmt.Errorf("executionTimeoutMs must be positive, got %d", c.ExecutionTimeoutMs)
	}
	if c.ConnectionTimeoutMs <= 0 {
		return fmt.Errorf("connectionTimeoutMs must be positive, got %d", c.ConnectionTimeoutMs)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("maxRetries must not be negative, got %d", c.MaxRetries)
	}
	if c.DBPath == "" {
		return fmt.Errorf("dbPath must not be empty")
	}
	if c.ClaudeBin == "" {
		return fmt.Errorf("claudeBin must not be empty")
	}
	return nil
}

func lookupBool(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

func lookupInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func lookupInt64(key string) (int64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
