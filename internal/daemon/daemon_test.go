package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jclem/work/internal/config"
	"github.com/jclem/work/internal/rpc"
	"github.com/jclem/work/internal/types"
)

// newTestConfig builds a config with temp dirs, fast workers, and a
// shell script provider that implements the full protocol.
func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	script := filepath.Join(dir, "provider.sh")
	body := `#!/bin/sh
case "$1" in
prepare) cat >/dev/null; printf '{"workspace":"%s"}' "$$" ;;
claim|update) cat ;;
remove) cat >/dev/null ;;
run) cat >/dev/null; echo "task ran" ;;
esac
`
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write provider script: %v", err)
	}

	return &config.Config{
		DataDir:    filepath.Join(dir, "data"),
		RuntimeDir: filepath.Join(dir, "run"),
		Worker: config.Worker{
			Concurrency:   2,
			PollInterval:  20 * time.Millisecond,
			ShutdownGrace: 2 * time.Second,
		},
		Queue: config.Queue{
			MaxAttempts:  3,
			Lease:        10 * time.Second,
			BackoffBase:  5 * time.Millisecond,
			BackoffMax:   50 * time.Millisecond,
			ReapInterval: 100 * time.Millisecond,
		},
		Providers: map[string]config.Provider{
			"scratch": {Type: "script", Command: script},
			"echo":    {RunCommand: "echo", RunArgs: []string{"{task_description}"}},
		},
	}
}

// S1 through the real wiring: daemon up, project registered, task
// staged over the socket, driven to complete by the worker pool.
func TestDaemonTaskHappyPath(t *testing.T) {
	cfg := newTestConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := New(cfg, zap.NewNop())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil && err != context.Canceled {
				t.Errorf("daemon: %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Error("daemon did not stop")
		}
	})

	client := rpc.NewClient(cfg.SocketPath())
	waitHealthy(t, client)

	if _, err := client.CreateProject(ctx, "demo", t.TempDir()); err != nil {
		t.Fatalf("create project: %v", err)
	}
	staged, err := client.CreateTask(ctx, rpc.CreateTaskRequest{
		Project:      "demo",
		Description:  "say hello",
		EnvProvider:  "scratch",
		TaskProvider: "echo",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if staged.Task.Status != types.TaskEnvPreparing {
		t.Fatalf("staged status = %s", staged.Task.Status)
	}

	deadline := time.Now().Add(15 * time.Second)
	for {
		task, err := client.GetTask(ctx, staged.Task.ID)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if task.Status == types.TaskComplete {
			break
		}
		if task.Status == types.TaskFailed {
			t.Fatalf("task failed: %s", task.LastError)
		}
		if time.Now().After(deadline) {
			t.Fatalf("task stuck in %s", task.Status)
		}
		time.Sleep(20 * time.Millisecond)
	}

	env, err := client.GetEnv(ctx, staged.Environment.ID)
	if err != nil {
		t.Fatalf("get env: %v", err)
	}
	if env.Status != types.EnvInUse {
		t.Fatalf("env = %s, want in_use", env.Status)
	}
}

func TestDaemonRefusesSecondInstance(t *testing.T) {
	cfg := newTestConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := New(cfg, zap.NewNop())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	client := rpc.NewClient(cfg.SocketPath())
	waitHealthy(t, client)

	second := New(cfg, zap.NewNop())
	if err := second.Run(ctx); err == nil {
		t.Fatal("second daemon should refuse to start")
	}

	cancel()
	<-done
}

func TestBuildRegistry(t *testing.T) {
	cfg := newTestConfig(t)
	reg, err := BuildRegistry(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, err := reg.Get("scratch"); err != nil {
		t.Errorf("scratch provider missing: %v", err)
	}
	if _, err := reg.RunSpec("echo"); err != nil {
		t.Errorf("echo run spec missing: %v", err)
	}
	if _, err := reg.Get("echo"); err == nil {
		t.Error("run-only entry should not be a workspace provider")
	}
}

func TestBuildRegistryRejectsBadConfig(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Providers["broken"] = config.Provider{Type: "script"}
	if _, err := BuildRegistry(cfg, zap.NewNop()); err == nil {
		t.Fatal("script provider without command must be rejected")
	}
}

func waitHealthy(t *testing.T, client *rpc.Client) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := client.Health(context.Background()); err == nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("daemon never became healthy")
}
