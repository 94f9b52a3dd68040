package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/jclem/work/internal/metrics"
	"github.com/jclem/work/internal/provider"
	"github.com/jclem/work/internal/queue"
	"github.com/jclem/work/internal/storage"
	"github.com/jclem/work/internal/types"
)

// Config bounds the pool.
type Config struct {
	Concurrency   int
	PollInterval  time.Duration
	ShutdownGrace time.Duration

	// Per-job-type handler timeouts. Zero means unbounded.
	PrepareTimeout time.Duration
	RunTimeout     time.Duration
	OpTimeout      time.Duration
}

// DefaultConfig matches the documented defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:    4,
		PollInterval:   250 * time.Millisecond,
		ShutdownGrace:  15 * time.Second,
		PrepareTimeout: time.Hour,
		RunTimeout:     0,
		OpTimeout:      10 * time.Minute,
	}
}

// Pool claims jobs under leases and runs their handlers, at most
// Concurrency at a time. Each in-flight job heartbeats at a third of
// the lease; a lost lease cancels the handler.
type Pool struct {
	queue    *queue.Queue
	handlers *Handlers
	log      *zap.Logger
	cfg      Config
	owner    string
	inFlight atomic.Int32
	wg       sync.WaitGroup
}

// NewPool creates a pool. The owner token identifies this pool's leases
// across restarts (a restarted daemon never matches old leases).
func NewPool(q *queue.Queue, h *Handlers, log *zap.Logger, cfg Config) *Pool {
	if cfg.Concurrency <= 0 {
		cfg = DefaultConfig()
	}
	host, _ := os.Hostname()
	return &Pool{
		queue:    q,
		handlers: h,
		log:      log,
		cfg:      cfg,
		owner:    fmt.Sprintf("%s-%d-%d", host, os.Getpid(), time.Now().UnixNano()),
	}
}

// Run claims and executes jobs until ctx is done, then drains in-flight
// handlers for up to ShutdownGrace.
func (p *Pool) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return p.drain()
		case <-ticker.C:
		case <-p.queue.Wake():
		}

		free := p.cfg.Concurrency - int(p.inFlight.Load())
		if free <= 0 {
			continue
		}
		jobs, err := p.queue.Claim(ctx, free, p.owner)
		if err != nil {
			if ctx.Err() != nil {
				return p.drain()
			}
			p.log.Warn("claim failed", zap.Error(err))
			continue
		}
		for _, job := range jobs {
			p.spawn(ctx, job)
		}
	}
}

// drain waits for in-flight handlers, bounded by the grace period.
// Abandoned handlers lose their leases and are reclaimed by the reaper.
func (p *Pool) drain() error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(p.cfg.ShutdownGrace):
		p.log.Warn("shutdown grace elapsed with handlers in flight",
			zap.Int32("in_flight", p.inFlight.Load()))
		return nil
	}
}

// spawn runs one claimed job: heartbeat loop, typed handler with panic
// recovery and per-type timeout, then complete/fail bookkeeping.
func (p *Pool) spawn(ctx context.Context, job *types.Job) {
	p.inFlight.Add(1)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.inFlight.Add(-1)

		// Bookkeeping must outlive shutdown cancellation.
		bgCtx := context.WithoutCancel(ctx)

		hctx, hcancel := context.WithCancel(ctx)
		defer hcancel()
		if t := p.timeoutFor(job.Type); t > 0 {
			var tcancel context.CancelFunc
			hctx, tcancel = context.WithTimeout(hctx, t)
			defer tcancel()
		}

		hbDone := make(chan struct{})
		defer close(hbDone)
		go p.heartbeat(bgCtx, job, hbDone, hcancel)

		start := time.Now()
		err := p.invoke(hctx, job)
		metrics.ObserveHandler(bgCtx, string(job.Type), time.Since(start))

		if err == nil {
			if cerr := p.queue.Complete(bgCtx, job); cerr != nil && !errors.Is(cerr, storage.ErrConflict) {
				p.log.Error("complete failed", zap.String("job_id", job.ID), zap.Error(cerr))
			}
			return
		}

		permanent := provider.IsPermanent(err)
		terminal, ferr := p.queue.Fail(bgCtx, job, err, permanent)
		if ferr != nil {
			if !errors.Is(ferr, storage.ErrConflict) {
				p.log.Error("fail bookkeeping failed", zap.String("job_id", job.ID), zap.Error(ferr))
			}
			return
		}
		if terminal {
			p.handlers.HandleTerminalFailure(bgCtx, job, err)
		}
	}()
}

// invoke runs the handler, converting a panic into a permanent error.
func (p *Pool) invoke(ctx context.Context, job *types.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("handler panic",
				zap.String("job_id", job.ID),
				zap.String("type", string(job.Type)),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			err = provider.Permanent(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return p.handlers.Handle(ctx, job)
}

// heartbeat renews the lease at a third of its duration. A lost lease
// (reaped, or finished elsewhere) cancels the handler.
func (p *Pool) heartbeat(ctx context.Context, job *types.Job, done <-chan struct{}, cancel context.CancelFunc) {
	ticker := time.NewTicker(p.queue.Lease() / 3)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := p.queue.Heartbeat(ctx, job.ID, p.owner); err != nil {
				if errors.Is(err, storage.ErrConflict) {
					p.log.Warn("lease lost; canceling handler",
						zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
					cancel()
					return
				}
				p.log.Warn("heartbeat failed", zap.String("job_id", job.ID), zap.Error(err))
			}
		}
	}
}

func (p *Pool) timeoutFor(t types.JobType) time.Duration {
	switch t {
	case types.JobPrepareEnvPool, types.JobPrepareTask:
		return p.cfg.PrepareTimeout
	case types.JobRunTask:
		return p.cfg.RunTimeout
	default:
		return p.cfg.OpTimeout
	}
}
