package queue

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/jclem/work/internal/metrics"
	"github.com/jclem/work/internal/storage"
)

// Reaper requeues running jobs whose lease has expired. It runs once at
// daemon startup (covering crashes) and then on a ticker while the
// daemon is up (covering stuck workers).
type Reaper struct {
	store    storage.Store
	queue    *Queue
	log      *zap.Logger
	interval time.Duration
}

// NewReaper creates a reaper. interval <= 0 selects the 5s default.
func NewReaper(store storage.Store, q *Queue, log *zap.Logger, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Reaper{store: store, queue: q, log: log, interval: interval}
}

// Run blocks until ctx is done, scanning once immediately and then on
// every tick.
func (r *Reaper) Run(ctx context.Context) {
	r.scanOnce(ctx)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.scanOnce(ctx)
		}
	}
}

func (r *Reaper) scanOnce(ctx context.Context) {
	n, err := r.store.RequeueExpired(ctx)
	if err != nil {
		r.log.Warn("reaper scan failed", zap.Error(err))
		return
	}
	if n > 0 {
		metrics.JobsReaped.Add(ctx, int64(n))
		r.log.Warn("requeued expired jobs", zap.Int("count", n))
		r.queue.Signal()
	}
}
