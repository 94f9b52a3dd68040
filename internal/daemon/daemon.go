// Package daemon wires the orchestrator together: lock, store, queue,
// workers, reaper, event bus, and the socket server, with graceful
// shutdown on signal.
package daemon

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jclem/work/internal/config"
	"github.com/jclem/work/internal/eventbus"
	"github.com/jclem/work/internal/lockfile"
	"github.com/jclem/work/internal/logfile"
	"github.com/jclem/work/internal/provider"
	"github.com/jclem/work/internal/queue"
	"github.com/jclem/work/internal/rpc"
	"github.com/jclem/work/internal/storage/sqlite"
	"github.com/jclem/work/internal/worker"
)

// Daemon is the long-running orchestrator process.
type Daemon struct {
	cfg *config.Config
	log *zap.Logger
}

// New creates a daemon.
func New(cfg *config.Config, log *zap.Logger) *Daemon {
	return &Daemon{cfg: cfg, log: log}
}

// Run blocks until ctx is done or a component fails fatally.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.cfg.EnsureDirs(); err != nil {
		return err
	}

	lock, err := lockfile.Acquire(d.cfg.LockPath(), d.cfg.PIDPath())
	if err != nil {
		if errors.Is(err, lockfile.ErrLocked) {
			return fmt.Errorf("daemon already running (runtime dir %s)", d.cfg.RuntimeDir)
		}
		return err
	}
	defer func() {
		if rerr := lock.Release(); rerr != nil {
			d.log.Warn("release lock failed", zap.Error(rerr))
		}
	}()

	store, err := sqlite.Open(ctx, d.cfg.DBPath())
	if err != nil {
		return err
	}
	defer store.Close()

	bus := eventbus.New()
	store.SetNotifier(bus.Publish)

	registry, err := BuildRegistry(d.cfg, d.log)
	if err != nil {
		return err
	}

	q := queue.New(store, d.log.Named("queue"), queue.Config{
		MaxAttempts: d.cfg.Queue.MaxAttempts,
		BackoffBase: d.cfg.Queue.BackoffBase,
		BackoffMax:  d.cfg.Queue.BackoffMax,
		Lease:       d.cfg.Queue.Lease,
	})

	// Startup recovery: requeue whatever the previous process stranded.
	if n, err := store.RequeueExpired(ctx); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	} else if n > 0 {
		d.log.Info("requeued stranded jobs from previous run", zap.Int("count", n))
	}

	logs := logfile.NewDir(d.cfg.DataDir)
	procs := worker.NewProcTable()
	handlers := worker.NewHandlers(store, q, registry, logs, procs, d.log.Named("worker"))

	pool := worker.NewPool(q, handlers, d.log.Named("worker"), worker.Config{
		Concurrency:    d.cfg.Worker.Concurrency,
		PollInterval:   d.cfg.Worker.PollInterval,
		ShutdownGrace:  d.cfg.Worker.ShutdownGrace,
		PrepareTimeout: worker.DefaultConfig().PrepareTimeout,
		RunTimeout:     worker.DefaultConfig().RunTimeout,
		OpTimeout:      worker.DefaultConfig().OpTimeout,
	})
	reaper := queue.NewReaper(store, q, d.log.Named("reaper"), d.cfg.Queue.ReapInterval)
	server := rpc.NewServer(d.cfg.SocketPath(), store, bus, logs, d.log.Named("rpc"))

	d.log.Info("daemon starting",
		zap.String("data_dir", d.cfg.DataDir),
		zap.String("socket", d.cfg.SocketPath()),
		zap.Int("concurrency", d.cfg.Worker.Concurrency))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(gctx) })
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error { reaper.Run(gctx); return nil })

	err = g.Wait()
	d.log.Info("daemon stopped")
	return err
}

// BuildRegistry turns configured providers into implementations. An
// entry with only a run_command registers a task-side run spec and no
// workspace provider.
func BuildRegistry(cfg *config.Config, log *zap.Logger) (*provider.Registry, error) {
	reg := provider.NewRegistry()
	for name, p := range cfg.Providers {
		switch p.Type {
		case "worktree":
			reg.Register(name, provider.NewWorktree(cfg.WorkspacesDir(), log.Named("worktree")))
		case "script":
			if p.Command == "" {
				return nil, fmt.Errorf("provider %q: script type requires command", name)
			}
			reg.Register(name, provider.NewScript(name, p.Command, log.Named("script")))
		case "":
			if p.RunCommand == "" {
				return nil, fmt.Errorf("provider %q: missing type", name)
			}
		default:
			return nil, fmt.Errorf("provider %q: unknown type %q", name, p.Type)
		}
		if p.RunCommand != "" {
			reg.RegisterRunSpec(name, provider.RunSpec{Command: p.RunCommand, Args: p.RunArgs})
		}
	}
	return reg, nil
}
