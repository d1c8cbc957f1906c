package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"

	"github.com/uspagent/agent/pkg/logger"
)

// Load loads configuration from a file path. An empty path searches
// ConfigPaths and falls back to defaults when nothing is found.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		for _, p := range ConfigPaths() {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}

	if path == "" {
		logger.Warn("no configuration file found, using defaults",
			"searched", ConfigPaths(),
		)
		if err := applyEnvOverrides(cfg); err != nil {
			return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
		}
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(cfg *Config) error {
	// Logging overrides
	if v := os.Getenv("USP_AGENT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("USP_AGENT_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("USP_AGENT_LOG_OUTPUT"); v != "" {
		cfg.Logging.Output = v
	}
	if v := os.Getenv("USP_AGENT_LOG_FILE"); v != "" {
		cfg.Logging.File = v
	}
	if v := os.Getenv("USP_AGENT_CALLSTACK_DEBUG"); v != "" {
		cfg.Logging.CallstackDebug = v == "true" || v == "1"
	}

	// Error store overrides
	if v := os.Getenv("USP_AGENT_MAX_MESSAGE_LEN"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("USP_AGENT_MAX_MESSAGE_LEN: %w", err)
		}
		cfg.Errors.MaxMessageLen = n
	}
	if v := os.Getenv("USP_AGENT_HISTORY_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("USP_AGENT_HISTORY_SIZE: %w", err)
		}
		cfg.Errors.HistorySize = n
	}

	// Crash journal overrides
	if v := os.Getenv("USP_AGENT_CRASH_JOURNAL"); v != "" {
		cfg.Crash.JournalEnabled = v == "true" || v == "1"
	}
	if v := os.Getenv("USP_AGENT_CRASH_JOURNAL_PATH"); v != "" {
		cfg.Crash.JournalPath = v
	}
	if v := os.Getenv("USP_AGENT_CRASH_RETENTION_DAYS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("USP_AGENT_CRASH_RETENTION_DAYS: %w", err)
		}
		cfg.Crash.RetentionDays = n
	}
	if v := os.Getenv("USP_AGENT_CRASH_CLEANUP_SCHEDULE"); v != "" {
		cfg.Crash.CleanupSchedule = v
	}
	if v := os.Getenv("USP_AGENT_CRASH_RECORD_TIMEOUT"); v != "" {
		cfg.Crash.RecordTimeout = v
	}

	// Metrics overrides
	if v := os.Getenv("USP_AGENT_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("USP_AGENT_METRICS_ADDR"); v != "" {
		cfg.Metrics.ListenAddr = v
	}

	// Data model overrides
	if v := os.Getenv("USP_AGENT_DATAMODEL_PATH"); v != "" {
		cfg.DataModel.DatabasePath = v
	}
	if v := os.Getenv("USP_AGENT_QUEUE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("USP_AGENT_QUEUE_SIZE: %w", err)
		}
		cfg.DataModel.QueueSize = n
	}

	return nil
}

// Save saves the configuration to a file
func Save(cfg *Config, path string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("cannot save invalid configuration: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Forward slashes keep Windows paths from being read as TOML escapes
	cfgCopy := *cfg
	cfgCopy.Crash.JournalPath = filepath.ToSlash(cfg.Crash.JournalPath)
	cfgCopy.DataModel.DatabasePath = filepath.ToSlash(cfg.DataModel.DatabasePath)
	if cfgCopy.Logging.File != "" {
		cfgCopy.Logging.File = filepath.ToSlash(cfgCopy.Logging.File)
	}

	data, err := toml.Marshal(&cfgCopy)
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// GenerateExampleConfig generates an example configuration file
func GenerateExampleConfig(path string) error {
	cfg := DefaultConfig()

	cfg.Logging.Level = "error"
	cfg.Metrics.Enabled = true

	return Save(cfg, path)
}
