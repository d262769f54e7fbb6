// Package config holds runtime configuration, loaded from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all runbook configuration.
type Config struct {
	Name string `yaml:"name"`

	// Storage settings
	Storage StorageConfig `yaml:"storage"`

	// Execution settings
	Execution ExecutionConfig `yaml:"execution"`

	// Polling sweep settings
	Polling PollingConfig `yaml:"polling"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// StorageConfig configures the SQLite store.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// ExecutionConfig configures the action executor.
type ExecutionConfig struct {
	// ActionTimeout bounds a single tool invocation, e.g. "30s".
	ActionTimeout string `yaml:"action_timeout"`
}

// PollingConfig configures the polling sweep.
type PollingConfig struct {
	BatchSize   int `yaml:"batch_size"`
	Parallelism int `yaml:"parallelism"`
	// DefaultIntervalMinutes applies to automations without an interval.
	DefaultIntervalMinutes int `yaml:"default_interval_minutes"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name: "runbook",

		Storage: StorageConfig{
			DatabasePath: "data/runbook.db",
		},

		Execution: ExecutionConfig{
			ActionTimeout: "30s",
		},

		Polling: PollingConfig{
			BatchSize:              50,
			Parallelism:            4,
			DefaultIntervalMinutes: 60,
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if path := os.Getenv("RUNBOOK_DB"); path != "" {
		c.Storage.DatabasePath = path
	}
	if level := os.Getenv("RUNBOOK_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

// GetActionTimeout returns the per-action timeout as a duration.
func (c *Config) GetActionTimeout() time.Duration {
	d, err := time.ParseDuration(c.Execution.ActionTimeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// Validate checks the configuration for obvious mistakes.
func (c *Config) Validate() error {
	if c.Storage.DatabasePath == "" {
		return fmt.Errorf("storage.database_path must not be empty")
	}
	if c.Polling.BatchSize < 0 {
		return fmt.Errorf("polling.batch_size must not be negative")
	}
	if c.Polling.Parallelism < 0 {
		return fmt.Errorf("polling.parallelism must not be negative")
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	return nil
}
