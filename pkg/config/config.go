// Package config provides configuration management for the USP agent.
// Supports TOML configuration files with environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingValue  = errors.New("missing required configuration value")
)

// Config holds all agent configuration
type Config struct {
	// Logging configuration
	Logging LoggingConfig `toml:"logging"`

	// Error message store configuration
	Errors ErrorsConfig `toml:"errors"`

	// Crash journal configuration
	Crash CrashConfig `toml:"crash"`

	// Metrics configuration
	Metrics MetricsConfig `toml:"metrics"`

	// Data model and dispatcher configuration
	DataModel DataModelConfig `toml:"datamodel"`
}

// LoggingConfig holds logging-specific configuration
type LoggingConfig struct {
	// Level is the log verbosity (off, error, warn, info, debug)
	Level string `toml:"level" env:"USP_AGENT_LOG_LEVEL"`

	// Format is the log format (json, text)
	Format string `toml:"format" env:"USP_AGENT_LOG_FORMAT"`

	// Output is the log output (stderr, stdout, file). stdout is shared with
	// the response stream of "usp-agent run".
	Output string `toml:"output" env:"USP_AGENT_LOG_OUTPUT"`

	// File is the log file path when output is "file"
	File string `toml:"file" env:"USP_AGENT_LOG_FILE"`

	// CallstackDebug logs a callstack every time an error message is set
	CallstackDebug bool `toml:"callstack_debug" env:"USP_AGENT_CALLSTACK_DEBUG"`
}

// ErrorsConfig holds error message store configuration
type ErrorsConfig struct {
	// MaxMessageLen is the capacity of the error message, terminator included
	MaxMessageLen int `toml:"max_message_len" env:"USP_AGENT_MAX_MESSAGE_LEN"`

	// HistorySize is the number of recent messages kept for crash reports
	HistorySize int `toml:"history_size" env:"USP_AGENT_HISTORY_SIZE"`
}

// CrashConfig holds crash journal configuration
type CrashConfig struct {
	// JournalEnabled records fatal terminations to SQLite
	JournalEnabled bool `toml:"journal_enabled" env:"USP_AGENT_CRASH_JOURNAL"`

	// JournalPath is the path to the crash journal database
	JournalPath string `toml:"journal_path" env:"USP_AGENT_CRASH_JOURNAL_PATH"`

	// RetentionDays is how long acknowledged crashes are kept
	RetentionDays int `toml:"retention_days" env:"USP_AGENT_CRASH_RETENTION_DAYS"`

	// CleanupSchedule is a cron spec for pruning the journal
	CleanupSchedule string `toml:"cleanup_schedule" env:"USP_AGENT_CRASH_CLEANUP_SCHEDULE"`

	// RecordTimeout bounds the journal write on the fatal path
	RecordTimeout string `toml:"record_timeout" env:"USP_AGENT_CRASH_RECORD_TIMEOUT"`
}

// MetricsConfig holds Prometheus exporter configuration
type MetricsConfig struct {
	Enabled    bool   `toml:"enabled" env:"USP_AGENT_METRICS_ENABLED"`
	ListenAddr string `toml:"listen_addr" env:"USP_AGENT_METRICS_ADDR"`
}

// DataModelConfig holds parameter database and dispatcher configuration
type DataModelConfig struct {
	// DatabasePath is the SQLite file holding parameter values
	DatabasePath string `toml:"database_path" env:"USP_AGENT_DATAMODEL_PATH"`

	// QueueSize is the number of requests buffered for the dispatcher
	QueueSize int `toml:"queue_size" env:"USP_AGENT_QUEUE_SIZE"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Errors: ErrorsConfig{
			MaxMessageLen: 512,
			HistorySize:   16,
		},
		Crash: CrashConfig{
			JournalEnabled:  true,
			JournalPath:     filepath.Join(homeDir, ".usp-agent", "crashes.db"),
			RetentionDays:   30,
			CleanupSchedule: "@daily",
			RecordTimeout:   "2s",
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			ListenAddr: "127.0.0.1:9469",
		},
		DataModel: DataModelConfig{
			DatabasePath: filepath.Join(homeDir, ".usp-agent", "datamodel.db"),
			QueueSize:    32,
		},
	}
}

// ConfigPaths returns the default locations searched for a config file
func ConfigPaths() []string {
	homeDir, _ := os.UserHomeDir()
	return []string{
		filepath.Join(homeDir, ".usp-agent", "config.toml"),
		filepath.Join("/etc", "usp-agent", "config.toml"),
		"./config.toml",
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	validLevels := map[string]bool{"off": true, "error": true, "warn": true, "info": true, "debug": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("%w: logging.level must be one of: off, error, warn, info, debug", ErrInvalidConfig)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("%w: logging.format must be one of: json, text", ErrInvalidConfig)
	}

	validOutputs := map[string]bool{"stdout": true, "stderr": true, "file": true}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("%w: logging.output must be one of: stdout, stderr, file", ErrInvalidConfig)
	}

	if c.Logging.Output == "file" && c.Logging.File == "" {
		return fmt.Errorf("%w: logging.file is required when logging.output is 'file'", ErrMissingValue)
	}

	if c.Errors.MaxMessageLen < 2 {
		return fmt.Errorf("%w: errors.max_message_len must be at least 2", ErrInvalidConfig)
	}
	if c.Errors.HistorySize < 0 {
		return fmt.Errorf("%w: errors.history_size must not be negative", ErrInvalidConfig)
	}

	if c.Crash.JournalEnabled {
		if c.Crash.JournalPath == "" {
			return fmt.Errorf("%w: crash.journal_path is required when the journal is enabled", ErrMissingValue)
		}
		if c.Crash.RetentionDays <= 0 {
			return fmt.Errorf("%w: crash.retention_days must be positive", ErrInvalidConfig)
		}
		if c.Crash.CleanupSchedule != "" {
			if _, err := cron.ParseStandard(c.Crash.CleanupSchedule); err != nil {
				return fmt.Errorf("%w: crash.cleanup_schedule: %w", ErrInvalidConfig, err)
			}
		}
	}

	if c.Crash.RecordTimeout != "" {
		if _, err := time.ParseDuration(c.Crash.RecordTimeout); err != nil {
			return fmt.Errorf("%w: crash.record_timeout: %w", ErrInvalidConfig, err)
		}
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		return fmt.Errorf("%w: metrics.listen_addr is required when metrics are enabled", ErrMissingValue)
	}

	if c.DataModel.DatabasePath == "" {
		return fmt.Errorf("%w: datamodel.database_path is required", ErrMissingValue)
	}
	if c.DataModel.QueueSize < 0 {
		return fmt.Errorf("%w: datamodel.queue_size must not be negative", ErrInvalidConfig)
	}

	return nil
}

// LogOutput returns the logger output target: stdout, stderr or the file path
func (c *Config) LogOutput() string {
	if c.Logging.Output == "file" {
		return c.Logging.File
	}
	return c.Logging.Output
}

// RecordTimeout returns the parsed crash record timeout, 2s by default
func (c *Config) RecordTimeout() time.Duration {
	d, err := time.ParseDuration(c.Crash.RecordTimeout)
	if err != nil || d <= 0 {
		return 2 * time.Second
	}
	return d
}
