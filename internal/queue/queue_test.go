package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jclem/work/internal/storage"
	"github.com/jclem/work/internal/storage/sqlite"
	"github.com/jclem/work/internal/types"
)

func newTestQueue(t *testing.T, cfg Config) (*Queue, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.Open(context.Background(), t.TempDir()+"/test.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if cfg.MaxAttempts == 0 {
		cfg = DefaultConfig()
	}
	return New(store, zap.NewNop(), cfg), store
}

func TestEnqueueSignalsWake(t *testing.T) {
	q, _ := newTestQueue(t, Config{})
	if _, err := q.Enqueue(context.Background(), types.JobClaimEnv, types.EnvPayload{EnvID: "e"}, ""); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	select {
	case <-q.Wake():
	default:
		t.Fatal("enqueue did not signal wake")
	}
}

func TestBackoffBounds(t *testing.T) {
	q, _ := newTestQueue(t, Config{
		MaxAttempts: 5,
		BackoffBase: 100 * time.Millisecond,
		BackoffMax:  2 * time.Second,
		Lease:       time.Minute,
	})

	prevMax := time.Duration(0)
	for attempt := 1; attempt <= 10; attempt++ {
		d := q.backoffFor(attempt)
		if d <= 0 {
			t.Fatalf("attempt %d: non-positive backoff %v", attempt, d)
		}
		if d > 2*time.Second {
			t.Fatalf("attempt %d: backoff %v beyond max", attempt, d)
		}
		if d > prevMax {
			prevMax = d
		}
	}
	if prevMax < time.Second {
		t.Fatalf("backoff never grew near the max: %v", prevMax)
	}
}

func TestFailRetriesUntilMaxAttempts(t *testing.T) {
	q, store := newTestQueue(t, Config{
		MaxAttempts: 2,
		BackoffBase: time.Millisecond,
		BackoffMax:  2 * time.Millisecond,
		Lease:       time.Minute,
	})
	ctx := context.Background()

	job, err := q.Enqueue(ctx, types.JobClaimEnv, types.EnvPayload{EnvID: "e"}, "")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Attempt 1: transient failure retries.
	claimed, err := q.Claim(ctx, 1, "w1")
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim: %v (%d)", err, len(claimed))
	}
	terminal, err := q.Fail(ctx, claimed[0], errors.New("flaky"), false)
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if terminal {
		t.Fatal("first failure went terminal")
	}

	// Wait out the backoff, attempt 2: exhausted.
	time.Sleep(10 * time.Millisecond)
	claimed, err = q.Claim(ctx, 1, "w1")
	if err != nil || len(claimed) != 1 {
		t.Fatalf("reclaim: %v (%d)", err, len(claimed))
	}
	terminal, err = q.Fail(ctx, claimed[0], errors.New("flaky"), false)
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if !terminal {
		t.Fatal("exhausted attempts did not go terminal")
	}

	got, _ := store.GetJob(ctx, job.ID)
	if got.Status != types.JobFailed {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestFailPermanentGoesTerminalImmediately(t *testing.T) {
	q, store := newTestQueue(t, Config{})
	ctx := context.Background()

	job, err := q.Enqueue(ctx, types.JobClaimEnv, types.EnvPayload{EnvID: "e"}, "")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := q.Claim(ctx, 1, "w1")
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim: %v", err)
	}

	terminal, err := q.Fail(ctx, claimed[0], errors.New("bad config"), true)
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if !terminal {
		t.Fatal("permanent failure retried")
	}
	got, _ := store.GetJob(ctx, job.ID)
	if got.Status != types.JobFailed || got.Attempt != 1 {
		t.Fatalf("unexpected row: %+v", got)
	}
}

// S6: a claimed job whose worker stops heartbeating is reaped, and a
// second worker finishes it.
func TestReaperRecoversExpiredLease(t *testing.T) {
	q, store := newTestQueue(t, Config{
		MaxAttempts: 5,
		BackoffBase: time.Millisecond,
		BackoffMax:  time.Second,
		Lease:       10 * time.Millisecond,
	})
	ctx := context.Background()

	job, err := q.Enqueue(ctx, types.JobClaimEnv, types.EnvPayload{EnvID: "e"}, "")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Claim(ctx, 1, "dead-worker"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	time.Sleep(20 * time.Millisecond) // lease expires, no heartbeat

	r := NewReaper(store, q, zap.NewNop(), time.Hour)
	r.scanOnce(ctx)

	got, _ := store.GetJob(ctx, job.ID)
	if got.Status != types.JobPending {
		t.Fatalf("status after reap = %s", got.Status)
	}

	claimed, err := q.Claim(ctx, 1, "live-worker")
	if err != nil || len(claimed) != 1 {
		t.Fatalf("reclaim: %v (%d)", err, len(claimed))
	}
	if err := q.Complete(ctx, claimed[0]); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, _ = store.GetJob(ctx, job.ID)
	if got.Status != types.JobComplete {
		t.Fatalf("final status = %s", got.Status)
	}
}

func TestHeartbeatLostLease(t *testing.T) {
	q, store := newTestQueue(t, Config{
		MaxAttempts: 5,
		BackoffBase: time.Millisecond,
		BackoffMax:  time.Second,
		Lease:       10 * time.Millisecond,
	})
	ctx := context.Background()

	job, err := q.Enqueue(ctx, types.JobClaimEnv, types.EnvPayload{EnvID: "e"}, "")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Claim(ctx, 1, "w1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := store.RequeueExpired(ctx); err != nil {
		t.Fatalf("requeue: %v", err)
	}

	if err := q.Heartbeat(ctx, job.ID, "w1"); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected lost-lease conflict, got %v", err)
	}
}
