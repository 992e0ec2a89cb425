// Package config loads the service configuration from a YAML file with
// environment variable expansion. Every field has an environment or flag
// override in main, so a config file is optional.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Bot       BotConfig       `yaml:"bot"`
	Twilio    TwilioConfig    `yaml:"twilio"`
	Engine    EngineConfig    `yaml:"engine"`
	Documents DocumentsConfig `yaml:"documents"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds the HTTP API listener configuration.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// DatabaseConfig selects the storage backend. DSN is a postgres:// URL, a
// key=value Postgres string, or a filesystem path for SQLite.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// BotConfig holds the chat-platform bot credentials.
type BotConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	BaseURL string `yaml:"base_url"`
}

// TwilioConfig holds the optional WhatsApp delivery channel.
type TwilioConfig struct {
	Enabled         bool   `yaml:"enabled"`
	AccountSID      string `yaml:"account_sid"`
	AuthToken       string `yaml:"auth_token"`
	FromNumber      string `yaml:"from_number"`
	ArtifactBaseURL string `yaml:"artifact_base_url"`
}

// EngineConfig holds update-processing tunables.
type EngineConfig struct {
	Partitions        int `yaml:"partitions"`
	MaxCommitAttempts int `yaml:"max_commit_attempts"`

	StorageTimeout    time.Duration `yaml:"-"`
	StorageTimeoutRaw string        `yaml:"storage_timeout"`
}

// DocumentsConfig holds document-worker tunables.
type DocumentsConfig struct {
	PollInterval    time.Duration `yaml:"-"`
	PollIntervalRaw string        `yaml:"poll_interval"`

	StaleThreshold    time.Duration `yaml:"-"`
	StaleThresholdRaw string        `yaml:"stale_threshold"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// SlogLevel maps the configured level name to a slog level. Unset or
// unrecognized names keep the debug default.
func (l LoggingConfig) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(l.Level)) {
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded before
// parsing, and duration strings are converted to time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Bot.Enabled && c.Bot.Token == "" {
		return fmt.Errorf("bot.token is required when bot is enabled")
	}
	if c.Twilio.Enabled {
		if c.Twilio.AccountSID == "" || c.Twilio.AuthToken == "" {
			return fmt.Errorf("twilio.account_sid and twilio.auth_token are required when twilio is enabled")
		}
		if c.Twilio.FromNumber == "" {
			return fmt.Errorf("twilio.from_number is required when twilio is enabled")
		}
	}
	if c.Engine.Partitions < 0 {
		return fmt.Errorf("engine.partitions must not be negative")
	}
	if c.Engine.MaxCommitAttempts < 0 {
		return fmt.Errorf("engine.max_commit_attempts must not be negative")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Engine.StorageTimeoutRaw != "" {
		cfg.Engine.StorageTimeout, err = time.ParseDuration(cfg.Engine.StorageTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing engine.storage_timeout %q: %w", cfg.Engine.StorageTimeoutRaw, err)
		}
	}

	if cfg.Documents.PollIntervalRaw != "" {
		cfg.Documents.PollInterval, err = time.ParseDuration(cfg.Documents.PollIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing documents.poll_interval %q: %w", cfg.Documents.PollIntervalRaw, err)
		}
	}

	if cfg.Documents.StaleThresholdRaw != "" {
		cfg.Documents.StaleThreshold, err = time.ParseDuration(cfg.Documents.StaleThresholdRaw)
		if err != nil {
			return fmt.Errorf("parsing documents.stale_threshold %q: %w", cfg.Documents.StaleThresholdRaw, err)
		}
	}

	return nil
}
