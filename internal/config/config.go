// Package config loads the orchestrator's TOML configuration and
// resolves the data/runtime/config directory layout.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Provider configures one workspace or task provider.
type Provider struct {
	// Type selects the implementation: "worktree" or "script".
	Type string `mapstructure:"type"`
	// Command is the script provider's executable.
	Command string `mapstructure:"command"`
	// RunCommand/RunArgs form the run template for task providers. Args
	// may contain the {task_description} placeholder.
	RunCommand string   `mapstructure:"run_command"`
	RunArgs    []string `mapstructure:"run_args"`
}

// Worker bounds the worker pool.
type Worker struct {
	Concurrency   int           `mapstructure:"concurrency"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

// Queue bounds the retry policy.
type Queue struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	Lease        time.Duration `mapstructure:"lease"`
	BackoffBase  time.Duration `mapstructure:"backoff_base"`
	BackoffMax   time.Duration `mapstructure:"backoff_max"`
	ReapInterval time.Duration `mapstructure:"reap_interval"`
}

// Config is the loaded configuration.
type Config struct {
	DataDir    string              `mapstructure:"data_dir"`
	RuntimeDir string              `mapstructure:"runtime_dir"`
	Worker     Worker              `mapstructure:"worker"`
	Queue      Queue               `mapstructure:"queue"`
	Providers  map[string]Provider `mapstructure:"providers"`
}

// Load reads configuration from path (or the default config dir when
// empty), applying env overrides with the WORK_ prefix. A missing
// config file yields the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")

	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.poll_interval", 250*time.Millisecond)
	v.SetDefault("worker.shutdown_grace", 15*time.Second)
	v.SetDefault("queue.max_attempts", 5)
	v.SetDefault("queue.lease", 30*time.Second)
	v.SetDefault("queue.backoff_base", 500*time.Millisecond)
	v.SetDefault("queue.backoff_max", 30*time.Second)
	v.SetDefault("queue.reap_interval", 5*time.Second)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(DefaultConfigDir())
	}
	v.SetEnvPrefix("WORK")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir()
	}
	if cfg.RuntimeDir == "" {
		cfg.RuntimeDir = defaultRuntimeDir(cfg.DataDir)
	}
	if cfg.Providers == nil {
		cfg.Providers = map[string]Provider{}
	}
	// The built-in worktree provider is always available.
	if _, ok := cfg.Providers["git-worktree"]; !ok {
		cfg.Providers["git-worktree"] = Provider{Type: "worktree"}
	}
	return &cfg, nil
}

// EnsureDirs creates the data and runtime directories.
func (c *Config) EnsureDirs() error {
	if err := os.MkdirAll(c.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	if err := os.MkdirAll(c.RuntimeDir, 0o700); err != nil {
		return fmt.Errorf("create runtime dir: %w", err)
	}
	return nil
}

// DBPath is the SQLite database location.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "work.db")
}

// SocketPath is the daemon's unix socket.
func (c *Config) SocketPath() string {
	return filepath.Join(c.RuntimeDir, "workd.sock")
}

// PIDPath is the daemon's pidfile.
func (c *Config) PIDPath() string {
	return filepath.Join(c.RuntimeDir, "workd.pid")
}

// LockPath is the daemon's exclusive lock file.
func (c *Config) LockPath() string {
	return filepath.Join(c.RuntimeDir, "workd.lock")
}

// DaemonLogPath is where a background daemon writes its own log.
func (c *Config) DaemonLogPath() string {
	return filepath.Join(c.DataDir, "daemon.log")
}

// WorkspacesDir holds the built-in worktree provider's workspaces.
func (c *Config) WorkspacesDir() string {
	return filepath.Join(c.DataDir, "workspaces")
}

// DefaultConfigDir resolves the XDG config directory.
func DefaultConfigDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "work")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "work")
}

func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "work")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".local", "share", "work")
}

func defaultRuntimeDir(dataDir string) string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "work")
	}
	return filepath.Join(dataDir, "run")
}
