// Package config loads the syncd configuration.
//
// Settings come from a YAML config file, SYNCD_* environment variables, and
// built-in defaults, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full syncd configuration.
type Config struct {
	// DatabasePath is the local SQLite file.
	DatabasePath string `mapstructure:"database_path"`

	// Remote endpoint settings.
	RemoteURL     string        `mapstructure:"remote_url"`
	AuthToken     string        `mapstructure:"auth_token"`
	RemoteTimeout time.Duration `mapstructure:"remote_timeout"`

	// Tables lists the logical tables to sync with the default document
	// codec. Applications embedding the engine register their own codecs
	// instead.
	Tables []string `mapstructure:"tables"`

	// Worker tuning.
	PushInterval  time.Duration `mapstructure:"push_interval"`
	PushBatchSize int           `mapstructure:"push_batch_size"`
	RetryCeiling  int           `mapstructure:"retry_ceiling"`
	BackoffBase   time.Duration `mapstructure:"backoff_base"`
	BackoffCap    time.Duration `mapstructure:"backoff_cap"`
	PullInterval  time.Duration `mapstructure:"pull_interval"`
	PullBatchSize int           `mapstructure:"pull_batch_size"`

	// ConflictPolicyPath points at the TOML resolution policy. Empty means
	// every conflict waits for manual resolution.
	ConflictPolicyPath string `mapstructure:"conflict_policy_path"`

	// Retention windows for the periodic cleanup job.
	QueueRetention    time.Duration `mapstructure:"queue_retention"`
	ConflictRetention time.Duration `mapstructure:"conflict_retention"`
	CleanupInterval   time.Duration `mapstructure:"cleanup_interval"`

	// Dashboard settings.
	DashboardAddr string `mapstructure:"dashboard_addr"`

	// Daemon log file. Empty logs to stderr only.
	LogPath string `mapstructure:"log_path"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return Config{
		DatabasePath:      filepath.Join(home, ".syncd", "sync.db"),
		RemoteTimeout:     30 * time.Second,
		Tables:            []string{"records"},
		PushInterval:      30 * time.Second,
		PushBatchSize:     50,
		RetryCeiling:      10,
		BackoffBase:       2 * time.Second,
		BackoffCap:        5 * time.Minute,
		PullInterval:      60 * time.Second,
		PullBatchSize:     200,
		QueueRetention:    7 * 24 * time.Hour,
		ConflictRetention: 30 * 24 * time.Hour,
		CleanupInterval:   time.Hour,
		DashboardAddr:     "127.0.0.1:8537",
	}
}

// Load reads the configuration. path may be empty, in which case the
// default locations ($SYNCD_CONFIG, ./syncd.yaml, ~/.syncd/syncd.yaml) are
// tried; a missing file is not an error and yields env plus defaults.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("SYNCD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Every key needs a registered default for env-only overrides to reach
	// Unmarshal.
	def := DefaultConfig()
	v.SetDefault("database_path", def.DatabasePath)
	v.SetDefault("remote_url", "")
	v.SetDefault("auth_token", "")
	v.SetDefault("remote_timeout", def.RemoteTimeout)
	v.SetDefault("tables", def.Tables)
	v.SetDefault("push_interval", def.PushInterval)
	v.SetDefault("push_batch_size", def.PushBatchSize)
	v.SetDefault("retry_ceiling", def.RetryCeiling)
	v.SetDefault("backoff_base", def.BackoffBase)
	v.SetDefault("backoff_cap", def.BackoffCap)
	v.SetDefault("pull_interval", def.PullInterval)
	v.SetDefault("pull_batch_size", def.PullBatchSize)
	v.SetDefault("queue_retention", def.QueueRetention)
	v.SetDefault("conflict_retention", def.ConflictRetention)
	v.SetDefault("cleanup_interval", def.CleanupInterval)
	v.SetDefault("conflict_policy_path", "")
	v.SetDefault("dashboard_addr", def.DashboardAddr)
	v.SetDefault("log_path", "")

	if path == "" {
		path = os.Getenv("SYNCD_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("syncd")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".syncd"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// Validate checks the settings a running daemon requires.
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("database_path is required")
	}
	if c.RemoteURL == "" {
		return fmt.Errorf("remote_url is required")
	}
	if len(c.Tables) == 0 {
		return fmt.Errorf("at least one table is required")
	}
	return nil
}
