// Package config holds the daemon's runtime configuration: viper-backed
// loading from a YAML file with environment overrides, and a Manager
// that holds a live Config and accepts a validated update. The admin
// HTTP surface is read-only and does not call the Manager.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jinzhu/copier"
	"github.com/spf13/viper"
)

// Config is the complete daemon configuration.
type Config struct {
	Listen        ListenConfig    `yaml:"listen" mapstructure:"listen"`
	Storage       StorageConfig   `yaml:"storage" mapstructure:"storage"`
	Scheduler     SchedulerConfig `yaml:"scheduler" mapstructure:"scheduler"`
	Log           LogConfig       `yaml:"log" mapstructure:"log"`
	Admin         AdminConfig     `yaml:"admin" mapstructure:"admin"`
	ReaderFDCache int             `yaml:"reader_fd_cache" mapstructure:"reader_fd_cache"`
}

// ListenConfig configures the IPC socket the daemon accepts connections
// on, and optionally the parent supervisor's control socket.
type ListenConfig struct {
	SocketPath       string `yaml:"socket_path" mapstructure:"socket_path"`
	SupervisorSocket string `yaml:"supervisor_socket" mapstructure:"supervisor_socket"`
}

// StorageConfig configures segment sizing and the on-disk layout root.
type StorageConfig struct {
	RootDir        string `yaml:"root_dir" mapstructure:"root_dir"`
	MaxSegmentSize int64  `yaml:"max_segment_size" mapstructure:"max_segment_size"`
	OptimalMapSize int64  `yaml:"optimal_map_size" mapstructure:"optimal_map_size"`
	InlineMode     bool   `yaml:"inline_mode" mapstructure:"inline_mode"`
}

// SchedulerConfig configures the background tick cadence and reaping policy.
type SchedulerConfig struct {
	Interval             time.Duration `yaml:"interval" mapstructure:"interval"`
	DefaultClientTimeout time.Duration `yaml:"default_client_timeout" mapstructure:"default_client_timeout"`
	HardCapRatio         float64       `yaml:"hard_cap_ratio" mapstructure:"hard_cap_ratio"`
}

// LogConfig configures log rotation, mirroring slogutil.LogConfig so it
// can be loaded directly from YAML/env without a second struct.
type LogConfig struct {
	File       string `yaml:"file" mapstructure:"file"`
	Level      string `yaml:"level" mapstructure:"level"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	Compress   bool   `yaml:"compress" mapstructure:"compress"`
}

// AdminConfig configures the optional read-only status HTTP surface.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Addr    string `yaml:"addr" mapstructure:"addr"`
}

// DefaultConfig returns a Config with sensible defaults for a freshly
// initialized daemon.
func DefaultConfig() *Config {
	return &Config{
		Listen: ListenConfig{SocketPath: "/run/storaged/ipc.sock"},
		Storage: StorageConfig{
			RootDir:        "/var/lib/storaged",
			MaxSegmentSize: 64 << 20,
			OptimalMapSize: 1 << 20,
			InlineMode:     false,
		},
		Scheduler: SchedulerConfig{
			Interval:             5 * time.Second,
			DefaultClientTimeout: time.Hour,
			HardCapRatio:         1.2,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxAgeDays: 30,
			MaxBackups: 10,
			Compress:   true,
		},
		Admin: AdminConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9400",
		},
		ReaderFDCache: 64,
	}
}

// Validate checks the invariants the rest of the daemon relies on
// holding without re-checking.
func (c *Config) Validate() error {
	if c.Listen.SocketPath == "" {
		return fmt.Errorf("listen.socket_path cannot be empty")
	}
	if c.Storage.RootDir == "" {
		return fmt.Errorf("storage.root_dir cannot be empty")
	}
	if !filepath.IsAbs(c.Storage.RootDir) {
		return fmt.Errorf("storage.root_dir must be an absolute path")
	}
	if c.Storage.MaxSegmentSize <= 0 {
		return fmt.Errorf("storage.max_segment_size must be greater than 0")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than 0")
	}
	if c.Scheduler.HardCapRatio < 1.0 {
		return fmt.Errorf("scheduler.hard_cap_ratio must be at least 1.0")
	}
	if c.ReaderFDCache <= 0 {
		return fmt.Errorf("reader_fd_cache must be greater than 0")
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error")
	}
	return nil
}

// DeepCopy returns an independent copy of c, used by Manager so change
// callbacks observe an immutable snapshot of the old config.
func (c *Config) DeepCopy() *Config {
	if c == nil {
		return nil
	}
	cp := &Config{}
	if err := copier.CopyWithOption(cp, c, copier.Option{DeepCopy: true}); err != nil {
		shallow := *c
		return &shallow
	}
	return cp
}

// Load reads configuration from configFile (YAML), falling back to
// defaults for anything unset. STORAGED_ prefixed environment variables
// override only keys that appear in the loaded file (the variable name
// is the prefix plus the upper-cased key); with no config file, Load
// returns the defaults.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("STORAGED")
	v.AutomaticEnv()

	cfg := DefaultConfig()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: reading %s: %w", configFile, err)
			}
		} else if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("config: unmarshaling %s: %w", configFile, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}
