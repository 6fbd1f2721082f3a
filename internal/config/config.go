// Package config loads todoq settings from, in increasing precedence:
// built-in defaults, config.yaml in the state directory, TODOQ_*
// environment variables, and command-line flags bound by the CLI.
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

// Config is the fully resolved todoq configuration.
type Config struct {
	// StateDir holds the databases, identity file, and sync marker.
	StateDir string `mapstructure:"state_dir"`

	// ServerURL is the remote store, e.g. "http://localhost:8321".
	ServerURL string `mapstructure:"server_url"`

	// ActorName overrides the generated display name on new identities.
	ActorName string `mapstructure:"actor_name"`

	Sync      SyncConfig      `mapstructure:"sync"`
	Transport TransportConfig `mapstructure:"transport"`
	Serve     ServeConfig     `mapstructure:"serve"`
	Hub       HubConfig       `mapstructure:"hub"`
	Log       LogConfig       `mapstructure:"log"`
}

// SyncConfig tunes the background trigger.
type SyncConfig struct {
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	SyncInterval  time.Duration `mapstructure:"sync_interval"`
	SettleDelay   time.Duration `mapstructure:"settle_delay"`
}

// TransportConfig tunes the remote store client.
type TransportConfig struct {
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	MaxAttempts       int           `mapstructure:"max_attempts"`
	ReadInitialDelay  time.Duration `mapstructure:"read_initial_delay"`
	WriteInitialDelay time.Duration `mapstructure:"write_initial_delay"`
	Multiplier        float64       `mapstructure:"multiplier"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	Jitter            float64       `mapstructure:"jitter"`
}

// ServeConfig tunes the reference server.
type ServeConfig struct {
	Addr string `mapstructure:"addr"`

	// DBPath is the server's libsql database file. Empty means in-memory.
	DBPath string `mapstructure:"db_path"`
}

// HubConfig tunes the local change-notification hub.
type HubConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LogConfig tunes daemon log output. File empty means stderr only.
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// DefaultStateDir returns ~/.todoq, or a relative fallback when the home
// directory cannot be determined.
func DefaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".todoq"
	}
	return filepath.Join(home, ".todoq")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("state_dir", DefaultStateDir())
	v.SetDefault("server_url", "http://localhost:8321")
	v.SetDefault("actor_name", "")

	v.SetDefault("sync.probe_interval", 10*time.Second)
	v.SetDefault("sync.sync_interval", 30*time.Second)
	v.SetDefault("sync.settle_delay", 2*time.Second)

	v.SetDefault("transport.read_timeout", 10*time.Second)
	v.SetDefault("transport.write_timeout", 30*time.Second)
	v.SetDefault("transport.max_attempts", 3)
	v.SetDefault("transport.read_initial_delay", 1*time.Second)
	v.SetDefault("transport.write_initial_delay", 2*time.Second)
	v.SetDefault("transport.multiplier", 2.0)
	v.SetDefault("transport.max_delay", 30*time.Second)
	v.SetDefault("transport.jitter", 0.2)

	v.SetDefault("serve.addr", ":8321")
	v.SetDefault("serve.db_path", "")

	v.SetDefault("hub.enabled", false)
	v.SetDefault("hub.addr", "127.0.0.1:8322")

	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 30)
}

// New returns a viper instance wired with todoq defaults and environment
// binding, for the CLI to bind its flags into before calling Load.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("TODOQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads config.yaml from the state directory (if present) and
// unmarshals the merged settings. A missing config file is not an error.
func Load(v *viper.Viper) (*Config, error) {
	stateDir := v.GetString("state_dir")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(stateDir)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.StateDir == "" {
		cfg.StateDir = DefaultStateDir()
	}
	return &cfg, nil
}
