package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Worker.Concurrency)
	assert.Equal(t, 5, cfg.Queue.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Queue.Lease)
	assert.Contains(t, cfg.Providers, "git-worktree")
	assert.NotEmpty(t, cfg.DataDir)
	assert.NotEmpty(t, cfg.RuntimeDir)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
data_dir = "/tmp/work-test-data"

[worker]
concurrency = 8

[queue]
max_attempts = 3
lease = "45s"

[providers.claude]
run_command = "claude"
run_args = ["-p", "{task_description}"]

[providers.scratch]
type = "script"
command = "/usr/local/bin/scratch-provider"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/work-test-data", cfg.DataDir)
	assert.Equal(t, 8, cfg.Worker.Concurrency)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, 45*time.Second, cfg.Queue.Lease)
	// Defaults survive partial override.
	assert.Equal(t, 500*time.Millisecond, cfg.Queue.BackoffBase)

	claude := cfg.Providers["claude"]
	assert.Equal(t, "claude", claude.RunCommand)
	assert.Equal(t, []string{"-p", "{task_description}"}, claude.RunArgs)

	scratch := cfg.Providers["scratch"]
	assert.Equal(t, "script", scratch.Type)
	assert.Equal(t, "/usr/local/bin/scratch-provider", scratch.Command)
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("worker = [unclosed"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestPaths(t *testing.T) {
	cfg := &Config{DataDir: "/data", RuntimeDir: "/run/work"}
	assert.Equal(t, "/data/work.db", cfg.DBPath())
	assert.Equal(t, "/run/work/workd.sock", cfg.SocketPath())
	assert.Equal(t, "/run/work/workd.pid", cfg.PIDPath())
	assert.Equal(t, "/run/work/workd.lock", cfg.LockPath())
	assert.Equal(t, "/data/workspaces", cfg.WorkspacesDir())
	assert.Equal(t, "/data/daemon.log", cfg.DaemonLogPath())
}

func TestEnsureDirs(t *testing.T) {
	base := t.TempDir()
	cfg := &Config{
		DataDir:    filepath.Join(base, "data"),
		RuntimeDir: filepath.Join(base, "run"),
	}
	require.NoError(t, cfg.EnsureDirs())

	info, err := os.Stat(cfg.RuntimeDir)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())
}
