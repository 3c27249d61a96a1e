// Package config loads mediasync settings from a YAML file and
// MEDIASYNC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/clinicapture/mediasync/internal/media/schema"
)

// FileName is the default config file name looked up in the working
// directory and the data directory.
const FileName = "mediasync.yaml"

// EnvPrefix prefixes every environment override, e.g. MEDIASYNC_REMOTE_TOKEN.
const EnvPrefix = "MEDIASYNC"

type RemoteCfg struct {
	BaseURL         string        `mapstructure:"base_url" yaml:"base_url"`
	Token           string        `mapstructure:"token" yaml:"token"`
	ClinicID        string        `mapstructure:"clinic_id" yaml:"clinic_id"`
	Timeout         time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RetryMaxElapsed time.Duration `mapstructure:"retry_max_elapsed" yaml:"retry_max_elapsed"`
	BreakerFailures uint32        `mapstructure:"breaker_failures" yaml:"breaker_failures"`
}

type SyncCfg struct {
	Interval    time.Duration `mapstructure:"interval" yaml:"interval"`
	Concurrency int           `mapstructure:"concurrency" yaml:"concurrency"`
}

type HealthCfg struct {
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
}

type DashboardCfg struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" yaml:"port"`
}

type LogCfg struct {
	Mode       string `mapstructure:"mode" yaml:"mode"`
	Level      string `mapstructure:"level" yaml:"level"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

type Config struct {
	DataDir    string       `mapstructure:"data_dir" yaml:"data_dir"`
	DBPath     string       `mapstructure:"db_path" yaml:"db_path"`
	BackupDirs []string     `mapstructure:"backup_dirs" yaml:"backup_dirs"`
	Remote     RemoteCfg    `mapstructure:"remote" yaml:"remote"`
	Sync       SyncCfg      `mapstructure:"sync" yaml:"sync"`
	Health     HealthCfg    `mapstructure:"health" yaml:"health"`
	Dashboard  DashboardCfg `mapstructure:"dashboard" yaml:"dashboard"`
	Log        LogCfg       `mapstructure:"log" yaml:"log"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		DataDir: ".mediasync",
		Remote: RemoteCfg{
			Timeout:         30 * time.Second,
			RetryMaxElapsed: 30 * time.Second,
			BreakerFailures: 5,
		},
		Sync: SyncCfg{
			Interval:    5 * time.Minute,
			Concurrency: 2,
		},
		Health:    HealthCfg{Interval: 10 * time.Minute},
		Dashboard: DashboardCfg{Enabled: false, Port: 8090},
		Log: LogCfg{
			Mode:       "dev",
			Level:      "info",
			MaxSizeMB:  20,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("db_path", "")
	v.SetDefault("backup_dirs", []string{})
	v.SetDefault("remote.base_url", "")
	v.SetDefault("remote.token", "")
	v.SetDefault("remote.clinic_id", "")
	v.SetDefault("remote.timeout", d.Remote.Timeout)
	v.SetDefault("remote.retry_max_elapsed", d.Remote.RetryMaxElapsed)
	v.SetDefault("remote.breaker_failures", d.Remote.BreakerFailures)
	v.SetDefault("sync.interval", d.Sync.Interval)
	v.SetDefault("sync.concurrency", d.Sync.Concurrency)
	v.SetDefault("health.interval", d.Health.Interval)
	v.SetDefault("dashboard.enabled", d.Dashboard.Enabled)
	v.SetDefault("dashboard.port", d.Dashboard.Port)
	v.SetDefault("log.mode", d.Log.Mode)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
}

// Load reads settings. An empty path looks for mediasync.yaml in the
// working directory; a missing file there is not an error and defaults
// plus environment apply. An explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName(strings.TrimSuffix(FileName, filepath.Ext(FileName)))
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.BackupDirs = splitList(cfg.BackupDirs)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings.
func (c *Config) Validate() error {
	const op = "validate config"

	if strings.TrimSpace(c.DataDir) == "" {
		return schema.Invalidf(op, "data_dir is required")
	}
	if c.Sync.Concurrency < 1 {
		return schema.Invalidf(op, "sync.concurrency must be at least 1 (got %d)", c.Sync.Concurrency)
	}
	if c.Sync.Interval < 0 || c.Health.Interval < 0 {
		return schema.Invalidf(op, "intervals must not be negative")
	}
	if c.Dashboard.Enabled && (c.Dashboard.Port <= 0 || c.Dashboard.Port > 65535) {
		return schema.Invalidf(op, "dashboard.port out of range (got %d)", c.Dashboard.Port)
	}
	if c.Remote.BaseURL != "" && !strings.HasPrefix(c.Remote.BaseURL, "http://") && !strings.HasPrefix(c.Remote.BaseURL, "https://") {
		return schema.Invalidf(op, "remote.base_url must be an http(s) url (got %q)", c.Remote.BaseURL)
	}
	return nil
}

// DatabasePath is db_path, or <data_dir>/mediasync.db.
func (c *Config) DatabasePath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(c.DataDir, "mediasync.db")
}

// MediaDir is where asset files live.
func (c *Config) MediaDir() string {
	return filepath.Join(c.DataDir, "media")
}

// RemoteEnabled reports whether a remote store is configured.
func (c *Config) RemoteEnabled() bool {
	return c.Remote.BaseURL != ""
}

// WriteFile writes c as YAML. It refuses to overwrite an existing file
// unless force is set.
func (c *Config) WriteFile(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists", path)
		}
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	// The file may hold the remote token.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// splitList lets MEDIASYNC_BACKUP_DIRS hold a comma separated list.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
