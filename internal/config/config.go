// Package config loads fieldsync configuration from file, environment
// and defaults via viper.
//
// Precedence: explicit file (--config) > FIELDSYNC_* environment
// variables > config file in the search path > built-in defaults. A
// missing config file is not an error; the daemon runs on defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable the daemon and CLI read.
type Config struct {
	// Database is the path to the local SQLite database holding the
	// mirror and the operation queue.
	Database string `mapstructure:"database"`

	// Remote is the base URL of the coordination API.
	Remote RemoteConfig `mapstructure:"remote"`

	// Sync tunes the scheduler.
	Sync SyncConfig `mapstructure:"sync"`

	// Network tunes the connectivity monitor.
	Network NetworkConfig `mapstructure:"network"`

	// Feed tunes the WebSocket status feed.
	Feed FeedConfig `mapstructure:"feed"`

	// Log tunes daemon log output.
	Log LogConfig `mapstructure:"log"`
}

// RemoteConfig points at the coordination API.
type RemoteConfig struct {
	BaseURL string `mapstructure:"base_url"`

	// TokenFile holds the current bearer token, one line. The refresh
	// command for rotating it is TokenCommand; when empty the token
	// file is re-read on refresh.
	TokenFile    string `mapstructure:"token_file"`
	TokenCommand string `mapstructure:"token_command"`

	// TokenTTL is how long a freshly loaded token is trusted before
	// the pipeline refreshes proactively.
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

// SyncConfig tunes the sync scheduler.
type SyncConfig struct {
	BatchSize       int           `mapstructure:"batch_size"`
	TickInterval    time.Duration `mapstructure:"tick_interval"`
	FollowUpDelay   time.Duration `mapstructure:"follow_up_delay"`
	DeliveryTimeout time.Duration `mapstructure:"delivery_timeout"`
	BreakerCooldown time.Duration `mapstructure:"breaker_cooldown"`
	RetryCeiling    int           `mapstructure:"retry_ceiling"`
}

// NetworkConfig tunes the connectivity monitor.
type NetworkConfig struct {
	ProbeURL      string        `mapstructure:"probe_url"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`

	// StateFile is an optional host-maintained file containing
	// "online" or "offline"; changes take effect immediately via
	// filesystem notification, ahead of the next probe.
	StateFile string `mapstructure:"state_file"`
}

// FeedConfig tunes the WebSocket status feed.
type FeedConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LogConfig tunes daemon log output and rotation.
type LogConfig struct {
	// File is the log path; empty means stderr.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Load reads configuration. file may be empty, in which case the usual
// search path (working directory, then ~/.fieldsync/) is used and a
// missing file falls back to defaults.
func Load(file string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("FIELDSYNC")
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", file, err)
		}
	} else {
		v.SetConfigName("fieldsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".fieldsync"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects values the engine can't run with.
func (c *Config) Validate() error {
	if c.Database == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Sync.BatchSize < 1 {
		return fmt.Errorf("sync.batch_size must be at least 1, got %d", c.Sync.BatchSize)
	}
	if c.Sync.RetryCeiling < 1 {
		return fmt.Errorf("sync.retry_ceiling must be at least 1, got %d", c.Sync.RetryCeiling)
	}
	if c.Sync.TickInterval <= 0 {
		return fmt.Errorf("sync.tick_interval must be positive, got %s", c.Sync.TickInterval)
	}
	if c.Feed.Enabled && (c.Feed.Port < 1 || c.Feed.Port > 65535) {
		return fmt.Errorf("feed.port must be 1-65535, got %d", c.Feed.Port)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database", defaultDatabasePath())

	v.SetDefault("remote.base_url", "http://localhost:8080/api")
	v.SetDefault("remote.token_file", "")
	v.SetDefault("remote.token_command", "")
	v.SetDefault("remote.token_ttl", time.Hour)

	v.SetDefault("sync.batch_size", 10)
	v.SetDefault("sync.tick_interval", 60*time.Second)
	v.SetDefault("sync.follow_up_delay", time.Second)
	v.SetDefault("sync.delivery_timeout", 30*time.Second)
	v.SetDefault("sync.breaker_cooldown", 5*time.Minute)
	v.SetDefault("sync.retry_ceiling", 3)

	v.SetDefault("network.probe_url", "http://localhost:8080/api/health")
	v.SetDefault("network.probe_interval", 15*time.Second)
	v.SetDefault("network.probe_timeout", 5*time.Second)
	v.SetDefault("network.state_file", "")

	v.SetDefault("feed.enabled", false)
	v.SetDefault("feed.port", 8099)

	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
}

func defaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "fieldsync.db"
	}
	return filepath.Join(home, ".fieldsync", "fieldsync.db")
}
