package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jclem/work/internal/storage"
	"github.com/jclem/work/internal/types"
)

// enqueueJob inserts a job, coalescing on dedupe_key: a collision with
// any existing job (terminal or not) returns the existing row instead of
// inserting. Callers that need a fresh run of a finished operation must
// version the key themselves.
func enqueueJob(ctx context.Context, q querier, t types.JobType, payload json.RawMessage, dedupeKey string, notBefore *time.Time) (*types.Job, error) {
	if dedupeKey != "" {
		existing, err := scanJob(q.QueryRowContext(ctx,
			`SELECT `+jobCols+` FROM jobs WHERE dedupe_key = ?`, dedupeKey))
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
	}

	now := time.Now().UTC()
	j := &types.Job{
		ID:        uuid.NewString(),
		Type:      t,
		Payload:   payload,
		Status:    types.JobPending,
		NotBefore: notBefore,
		DedupeKey: dedupeKey,
		CreatedAt: now,
		UpdatedAt: now,
	}

	var dedupe any
	if dedupeKey != "" {
		dedupe = dedupeKey
	}
	var nb any
	if notBefore != nil {
		nb = timeText(*notBefore)
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO jobs (id, type, payload, status, attempt, not_before, dedupe_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		j.ID, string(t), string(payload), string(types.JobPending), nb, dedupe,
		timeText(now), timeText(now))
	if err != nil {
		// Lost a dedupe race inside another transaction; hand back the winner.
		if isUniqueViolation(err) && dedupeKey != "" {
			return scanJob(q.QueryRowContext(ctx,
				`SELECT `+jobCols+` FROM jobs WHERE dedupe_key = ?`, dedupeKey))
		}
		return nil, err
	}
	return j, nil
}

// EnqueueJob enqueues a job outside any staging transaction.
func (s *Store) EnqueueJob(ctx context.Context, t types.JobType, payload json.RawMessage, dedupeKey string, notBefore *time.Time) (*types.Job, error) {
	var job *types.Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		job, err = enqueueJob(ctx, tx, t, payload, dedupeKey, notBefore)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.notifyChanged(storage.KindJob, job.ID)
	return job, nil
}

// ClaimJobs leases up to limit due pending jobs for owner. Selection and
// the guarded per-row updates share one immediate transaction, so two
// pools (or a pool and the reaper) cannot lease the same job.
func (s *Store) ClaimJobs(ctx context.Context, limit int, lease time.Duration, owner string) ([]*types.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := time.Now().UTC()
	var claimed []*types.Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT `+jobCols+` FROM jobs
			 WHERE status = ? AND (not_before IS NULL OR not_before <= ?)
			 ORDER BY created_at LIMIT ?`,
			string(types.JobPending), timeText(now), limit)
		if err != nil {
			return err
		}
		var candidates []*types.Job
		for rows.Next() {
			j, err := scanJob(rows)
			if err != nil {
				rows.Close()
				return err
			}
			candidates = append(candidates, j)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		expires := now.Add(lease)
		for _, j := range candidates {
			res, err := tx.ExecContext(ctx,
				`UPDATE jobs SET status = ?, lease_expires_at = ?, owner = ?, attempt = attempt + 1, updated_at = ?
				 WHERE id = ? AND status = ?`,
				string(types.JobRunning), timeText(expires), owner, timeText(now),
				j.ID, string(types.JobPending))
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				continue
			}
			j.Status = types.JobRunning
			j.Attempt++
			j.Owner = owner
			j.LeaseExpiresAt = &expires
			claimed = append(claimed, j)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, j := range claimed {
		s.notifyChanged(storage.KindJob, j.ID)
	}
	return claimed, nil
}

// HeartbeatJob extends the lease iff the job is still running under the
// same owner. ErrConflict means the lease was lost (reaped or finished).
func (s *Store) HeartbeatJob(ctx context.Context, jobID, owner string, lease time.Duration) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET lease_expires_at = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND owner = ?`,
		timeText(now.Add(lease)), timeText(now), jobID, string(types.JobRunning), owner)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrConflict
	}
	return nil
}

// CompleteJob marks a running job complete and clears its lease.
func (s *Store) CompleteJob(ctx context.Context, jobID, owner string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, lease_expires_at = NULL, owner = '', updated_at = ?
		 WHERE id = ? AND status = ? AND owner = ?`,
		string(types.JobComplete), timeText(now), jobID, string(types.JobRunning), owner)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrConflict
	}
	s.notifyChanged(storage.KindJob, jobID)
	return nil
}

// FailJob retries the job (pending, not_before=retryAt) when retryAt is
// non-nil, otherwise marks it terminally failed. Either way the lease is
// cleared and last_error recorded.
func (s *Store) FailJob(ctx context.Context, jobID, owner, lastError string, retryAt *time.Time) error {
	now := time.Now().UTC()
	var res sql.Result
	var err error
	if retryAt != nil {
		res, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET status = ?, not_before = ?, lease_expires_at = NULL, owner = '', last_error = ?, updated_at = ?
			 WHERE id = ? AND status = ? AND owner = ?`,
			string(types.JobPending), timeText(*retryAt), lastError, timeText(now),
			jobID, string(types.JobRunning), owner)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET status = ?, lease_expires_at = NULL, owner = '', last_error = ?, updated_at = ?
			 WHERE id = ? AND status = ? AND owner = ?`,
			string(types.JobFailed), lastError, timeText(now),
			jobID, string(types.JobRunning), owner)
	}
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrConflict
	}
	s.notifyChanged(storage.KindJob, jobID)
	return nil
}

// RequeueExpired returns stranded running jobs to pending. Attempt counts
// are untouched: claim already charged the attempt. Called at startup and
// by the periodic reaper.
func (s *Store) RequeueExpired(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, lease_expires_at = NULL, owner = '', updated_at = ?
		 WHERE status = ? AND (lease_expires_at IS NULL OR lease_expires_at < ?)`,
		string(types.JobPending), timeText(now), string(types.JobRunning), timeText(now))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
