// Package queue is the durable job queue: enqueue with dedupe, lease
// claims, heartbeats, retry with exponential backoff, and the reaper
// that recovers stranded leases. Durability lives in the store; this
// package owns the policy.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/jclem/work/internal/metrics"
	"github.com/jclem/work/internal/storage"
	"github.com/jclem/work/internal/types"
)

// Config bounds the retry policy and lease duration.
type Config struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Lease       time.Duration
}

// DefaultConfig matches the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		BackoffBase: 500 * time.Millisecond,
		BackoffMax:  30 * time.Second,
		Lease:       30 * time.Second,
	}
}

// Queue layers queue policy over the store's job primitives.
type Queue struct {
	store storage.Store
	log   *zap.Logger
	cfg   Config
	wake  chan struct{}
}

// New creates a queue. The wake channel lets the worker pool skip its
// poll interval when something was just enqueued.
func New(store storage.Store, log *zap.Logger, cfg Config) *Queue {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultConfig()
	}
	return &Queue{
		store: store,
		log:   log,
		cfg:   cfg,
		wake:  make(chan struct{}, 1),
	}
}

// Wake returns the channel signaled after each enqueue.
func (q *Queue) Wake() <-chan struct{} {
	return q.wake
}

// Signal nudges the worker pool without blocking.
func (q *Queue) Signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Lease returns the configured lease duration.
func (q *Queue) Lease() time.Duration {
	return q.cfg.Lease
}

// Enqueue marshals payload and inserts the job, coalescing on dedupeKey.
func (q *Queue) Enqueue(ctx context.Context, t types.JobType, payload any, dedupeKey string) (*types.Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	job, err := q.store.EnqueueJob(ctx, t, raw, dedupeKey, nil)
	if err != nil {
		return nil, err
	}
	metrics.JobsEnqueued.Add(ctx, 1, metrics.JobType(string(t)))
	q.Signal()
	return job, nil
}

// Claim leases up to n due jobs for owner.
func (q *Queue) Claim(ctx context.Context, n int, owner string) ([]*types.Job, error) {
	jobs, err := q.store.ClaimJobs(ctx, n, q.cfg.Lease, owner)
	if err != nil {
		return nil, err
	}
	for _, j := range jobs {
		metrics.JobsClaimed.Add(ctx, 1, metrics.JobType(string(j.Type)))
	}
	return jobs, nil
}

// Heartbeat renews the lease. storage.ErrConflict means the lease was
// lost; the caller must stop working on the job.
func (q *Queue) Heartbeat(ctx context.Context, jobID, owner string) error {
	return q.store.HeartbeatJob(ctx, jobID, owner, q.cfg.Lease)
}

// Complete marks the job done.
func (q *Queue) Complete(ctx context.Context, job *types.Job) error {
	if err := q.store.CompleteJob(ctx, job.ID, job.Owner); err != nil {
		return err
	}
	metrics.JobsCompleted.Add(ctx, 1, metrics.JobType(string(job.Type)))
	return nil
}

// Fail records a handler failure. Permanent errors and exhausted
// attempts go terminal; anything else is retried after backoff.
// Returns whether the failure was terminal.
func (q *Queue) Fail(ctx context.Context, job *types.Job, cause error, permanent bool) (bool, error) {
	terminal := permanent || job.Attempt >= q.cfg.MaxAttempts
	if terminal {
		if err := q.store.FailJob(ctx, job.ID, job.Owner, cause.Error(), nil); err != nil {
			return false, err
		}
		metrics.JobsFailed.Add(ctx, 1, metrics.JobType(string(job.Type)))
		q.log.Warn("job failed terminally",
			zap.String("job_id", job.ID),
			zap.String("type", string(job.Type)),
			zap.Int("attempt", job.Attempt),
			zap.Error(cause))
		return true, nil
	}

	retryAt := time.Now().UTC().Add(q.backoffFor(job.Attempt))
	if err := q.store.FailJob(ctx, job.ID, job.Owner, cause.Error(), &retryAt); err != nil {
		return false, err
	}
	metrics.JobsRetried.Add(ctx, 1, metrics.JobType(string(job.Type)))
	q.log.Info("job retried",
		zap.String("job_id", job.ID),
		zap.String("type", string(job.Type)),
		zap.Int("attempt", job.Attempt),
		zap.Time("retry_at", retryAt),
		zap.Error(cause))
	return false, nil
}

// backoffFor computes the delay before retrying after the given attempt:
// base * 2^(attempt-1) with jitter, clamped to the configured max.
func (q *Queue) backoffFor(attempt int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = q.cfg.BackoffBase
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.25
	bo.MaxInterval = q.cfg.BackoffMax
	bo.MaxElapsedTime = 0
	bo.Reset()

	d := bo.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = bo.NextBackOff()
	}
	if d > q.cfg.BackoffMax {
		d = q.cfg.BackoffMax
	}
	return d
}
