package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jclem/work/internal/storage"
	"github.com/jclem/work/internal/types"
)

// Staging primitives. Each runs one immediate transaction performing all
// state changes and job enqueues implied by a single API request, then
// returns the staged snapshot. Provider work never happens here.

func (s *Store) StageTaskCreate(ctx context.Context, projectID, taskProvider, envProvider, description string) (*types.Task, *types.Environment, *types.Job, error) {
	if strings.TrimSpace(description) == "" {
		return nil, nil, nil, &storage.ValidationError{Field: "description", Reason: "must not be empty"}
	}
	if taskProvider == "" {
		return nil, nil, nil, &storage.ValidationError{Field: "task_provider", Reason: "must not be empty"}
	}
	if envProvider == "" {
		return nil, nil, nil, &storage.ValidationError{Field: "env_provider", Reason: "must not be empty"}
	}

	now := time.Now().UTC()
	env := &types.Environment{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Provider:  envProvider,
		Status:    types.EnvPreparingTask,
		CreatedAt: now,
		UpdatedAt: now,
	}
	task := &types.Task{
		ID:            uuid.NewString(),
		ProjectID:     projectID,
		EnvironmentID: env.ID,
		Provider:      taskProvider,
		Description:   description,
		Status:        types.TaskEnvPreparing,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	var job *types.Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := insertEnv(ctx, tx, env); err != nil {
			return err
		}
		if err := insertTask(ctx, tx, task); err != nil {
			return err
		}
		payload, _ := json.Marshal(types.PrepareTaskPayload{TaskID: task.ID, EnvID: env.ID})
		var err error
		job, err = enqueueJob(ctx, tx, types.JobPrepareTask, payload, types.DedupeKey(types.JobPrepareTask, task.ID), nil)
		return err
	})
	if err != nil {
		if isFKViolation(err) {
			return nil, nil, nil, storage.ErrNotFound
		}
		return nil, nil, nil, err
	}
	s.notifyChanged(storage.KindEnvironment, env.ID)
	s.notifyChanged(storage.KindTask, task.ID)
	s.notifyChanged(storage.KindJob, job.ID)
	return task, env, job, nil
}

func (s *Store) StageEnvPrepare(ctx context.Context, projectID, provider string) (*types.Environment, *types.Job, error) {
	if provider == "" {
		return nil, nil, &storage.ValidationError{Field: "provider", Reason: "must not be empty"}
	}

	now := time.Now().UTC()
	env := &types.Environment{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Provider:  provider,
		Status:    types.EnvPreparingPool,
		CreatedAt: now,
		UpdatedAt: now,
	}

	var job *types.Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := insertEnv(ctx, tx, env); err != nil {
			return err
		}
		payload, _ := json.Marshal(types.PrepareEnvPoolPayload{EnvID: env.ID})
		var err error
		job, err = enqueueJob(ctx, tx, types.JobPrepareEnvPool, payload, types.DedupeKey(types.JobPrepareEnvPool, env.ID), nil)
		return err
	})
	if err != nil {
		if isFKViolation(err) {
			return nil, nil, storage.ErrNotFound
		}
		return nil, nil, err
	}
	s.notifyChanged(storage.KindEnvironment, env.ID)
	s.notifyChanged(storage.KindJob, job.ID)
	return env, job, nil
}

func (s *Store) StageEnvClaim(ctx context.Context, envID string) (*types.Environment, *types.Job, error) {
	return s.stageEnvTransition(ctx, envID,
		[]types.EnvStatus{types.EnvPool}, types.EnvClaiming, types.JobClaimEnv)
}

func (s *Store) StageEnvUpdate(ctx context.Context, envID string) (*types.Environment, *types.Job, error) {
	return s.stageEnvTransition(ctx, envID,
		[]types.EnvStatus{types.EnvPool}, types.EnvUpdating, types.JobUpdateEnv)
}

// StageEnvRemove accepts any settled, non-terminal-removed state. An env
// mid-prepare or mid-claim cannot be staged for removal; callers retry
// once the in-flight operation settles.
func (s *Store) StageEnvRemove(ctx context.Context, envID string) (*types.Environment, *types.Job, error) {
	return s.stageEnvTransition(ctx, envID,
		[]types.EnvStatus{types.EnvPool, types.EnvReadyTask, types.EnvInUse, types.EnvFailed},
		types.EnvRemoving, types.JobRemoveEnv)
}

// stageEnvTransition is the shared guard-then-enqueue staging shape.
func (s *Store) stageEnvTransition(ctx context.Context, envID string, from []types.EnvStatus, to types.EnvStatus, jobType types.JobType) (*types.Environment, *types.Job, error) {
	var env *types.Environment
	var job *types.Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		applied, err := transitionEnv(ctx, tx, envID, from, to, nil, "")
		if err != nil {
			return err
		}
		if !applied {
			// Distinguish missing from wrong-state for the caller.
			if _, gerr := scanEnv(tx.QueryRowContext(ctx,
				`SELECT `+envCols+` FROM environments WHERE id = ?`, envID)); gerr != nil {
				return gerr
			}
			return storage.ErrConflict
		}
		env, err = scanEnv(tx.QueryRowContext(ctx,
			`SELECT `+envCols+` FROM environments WHERE id = ?`, envID))
		if err != nil {
			return err
		}
		payload, _ := json.Marshal(types.EnvPayload{EnvID: envID})
		job, err = enqueueJob(ctx, tx, jobType, payload, types.DedupeKey(jobType, envID), nil)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	s.notifyChanged(storage.KindEnvironment, envID)
	s.notifyChanged(storage.KindJob, job.ID)
	return env, job, nil
}

// StageEnvClaimNext atomically picks the oldest pool environment for the
// project+provider, moves it to claiming, and enqueues the claim job.
// The select and the guarded update run in the same immediate
// transaction, so two concurrent claim-nexts cannot pick the same row
// and a task-bound environment is never a candidate.
func (s *Store) StageEnvClaimNext(ctx context.Context, projectID, provider string) (*types.Environment, *types.Job, error) {
	var env *types.Environment
	var job *types.Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		env, err = scanEnv(tx.QueryRowContext(ctx,
			`SELECT `+envCols+` FROM environments
			 WHERE project_id = ? AND provider = ? AND status = ?
			 ORDER BY created_at LIMIT 1`,
			projectID, provider, string(types.EnvPool)))
		if err != nil {
			return err
		}
		applied, err := transitionEnv(ctx, tx, env.ID,
			[]types.EnvStatus{types.EnvPool}, types.EnvClaiming, nil, "")
		if err != nil {
			return err
		}
		if !applied {
			return storage.ErrConflict
		}
		env.Status = types.EnvClaiming
		payload, _ := json.Marshal(types.EnvPayload{EnvID: env.ID})
		job, err = enqueueJob(ctx, tx, types.JobClaimEnv, payload, types.DedupeKey(types.JobClaimEnv, env.ID), nil)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	s.notifyChanged(storage.KindEnvironment, env.ID)
	s.notifyChanged(storage.KindJob, job.ID)
	return env, job, nil
}

// StageTaskCancel flags the task for cancellation and enqueues the
// cancel job. Canceling an already-terminal task is a no-op that returns
// the current row and no job.
func (s *Store) StageTaskCancel(ctx context.Context, taskID string) (*types.Task, *types.Job, error) {
	var task *types.Task
	var job *types.Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		task, err = scanTask(tx.QueryRowContext(ctx,
			`SELECT `+taskCols+` FROM tasks WHERE id = ?`, taskID))
		if err != nil {
			return err
		}
		if task.Status.Terminal() {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET cancel_requested = 1, updated_at = ? WHERE id = ?`,
			timeText(time.Now().UTC()), taskID); err != nil {
			return err
		}
		task.CancelRequested = true
		payload, _ := json.Marshal(types.CancelTaskPayload{TaskID: taskID})
		job, err = enqueueJob(ctx, tx, types.JobCancelTask, payload, types.DedupeKey(types.JobCancelTask, taskID), nil)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	if job != nil {
		s.notifyChanged(storage.KindTask, taskID)
		s.notifyChanged(storage.KindJob, job.ID)
	}
	return task, job, nil
}

func insertEnv(ctx context.Context, q querier, e *types.Environment) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO environments (id, project_id, provider, metadata, status, last_error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ProjectID, e.Provider, e.Metadata, string(e.Status), e.LastError,
		timeText(e.CreatedAt), timeText(e.UpdatedAt))
	return err
}

func insertTask(ctx context.Context, q querier, t *types.Task) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO tasks (id, project_id, environment_id, provider, description, status, cancel_requested, last_error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ProjectID, t.EnvironmentID, t.Provider, t.Description, string(t.Status),
		boolInt(t.CancelRequested), t.LastError, timeText(t.CreatedAt), timeText(t.UpdatedAt))
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// transitionEnv performs the guarded status update shared by staging and
// handlers. metadata, when non-nil, replaces the stored blob.
func transitionEnv(ctx context.Context, q querier, envID string, from []types.EnvStatus, to types.EnvStatus, metadata *string, lastError string) (bool, error) {
	if len(from) == 0 {
		return false, errors.New("transitionEnv: empty source state set")
	}
	ph := make([]string, len(from))
	args := []any{string(to), lastError, timeText(time.Now().UTC())}
	set := `status = ?, last_error = ?, updated_at = ?`
	if metadata != nil {
		set += `, metadata = ?`
		args = append(args, *metadata)
	}
	args = append(args, envID)
	for i, f := range from {
		ph[i] = "?"
		args = append(args, string(f))
	}
	res, err := q.ExecContext(ctx, fmt.Sprintf(
		`UPDATE environments SET %s WHERE id = ? AND status IN (%s)`,
		set, strings.Join(ph, ",")), args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// transitionTask mirrors transitionEnv for tasks.
func transitionTask(ctx context.Context, q querier, taskID string, from []types.TaskStatus, to types.TaskStatus, lastError string) (bool, error) {
	if len(from) == 0 {
		return false, errors.New("transitionTask: empty source state set")
	}
	ph := make([]string, len(from))
	args := []any{string(to), lastError, timeText(time.Now().UTC()), taskID}
	for i, f := range from {
		ph[i] = "?"
		args = append(args, string(f))
	}
	res, err := q.ExecContext(ctx, fmt.Sprintf(
		`UPDATE tasks SET status = ?, last_error = ?, updated_at = ? WHERE id = ? AND status IN (%s)`,
		strings.Join(ph, ",")), args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// TransitionEnv applies a guarded env status update outside a staging
// transaction. applied=false means the guard did not match.
func (s *Store) TransitionEnv(ctx context.Context, envID string, from []types.EnvStatus, to types.EnvStatus, metadata *string, lastError string) (bool, error) {
	applied, err := transitionEnv(ctx, s.db, envID, from, to, metadata, lastError)
	if err == nil && applied {
		s.notifyChanged(storage.KindEnvironment, envID)
	}
	return applied, err
}

// TransitionTask applies a guarded task status update.
func (s *Store) TransitionTask(ctx context.Context, taskID string, from []types.TaskStatus, to types.TaskStatus, lastError string) (bool, error) {
	applied, err := transitionTask(ctx, s.db, taskID, from, to, lastError)
	if err == nil && applied {
		s.notifyChanged(storage.KindTask, taskID)
	}
	return applied, err
}

// CompleteTaskPrepare lands a successful prepare in one transaction. The
// env advances unconditionally (guard preparing_task); the task advance
// and the run_task enqueue are skipped when the task left env_preparing
// in the meantime (canceled mid-prepare).
func (s *Store) CompleteTaskPrepare(ctx context.Context, taskID, envID, metadata string) (bool, error) {
	var taskAdvanced bool
	var jobID string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		applied, err := transitionEnv(ctx, tx, envID,
			[]types.EnvStatus{types.EnvPreparingTask}, types.EnvReadyTask, &metadata, "")
		if err != nil {
			return err
		}
		if !applied {
			return storage.ErrConflict
		}
		taskAdvanced, err = transitionTask(ctx, tx, taskID,
			[]types.TaskStatus{types.TaskEnvPreparing}, types.TaskEnvReady, "")
		if err != nil {
			return err
		}
		if !taskAdvanced {
			return nil
		}
		payload, _ := json.Marshal(types.RunTaskPayload{TaskID: taskID})
		job, err := enqueueJob(ctx, tx, types.JobRunTask, payload, types.DedupeKey(types.JobRunTask, taskID), nil)
		if err != nil {
			return err
		}
		jobID = job.ID
		return nil
	})
	if err != nil {
		return false, err
	}
	s.notifyChanged(storage.KindEnvironment, envID)
	if taskAdvanced {
		s.notifyChanged(storage.KindTask, taskID)
		s.notifyChanged(storage.KindJob, jobID)
	}
	return taskAdvanced, nil
}

// FailTaskAndEnv marks both rows failed atomically. Terminal rows are
// left alone: redelivered failure handling must not resurrect a
// canceled task.
func (s *Store) FailTaskAndEnv(ctx context.Context, taskID, envID, lastError string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := transitionEnv(ctx, tx, envID,
			[]types.EnvStatus{types.EnvPreparingTask, types.EnvReadyTask, types.EnvInUse},
			types.EnvFailed, nil, lastError); err != nil {
			return err
		}
		if _, err := transitionTask(ctx, tx, taskID,
			[]types.TaskStatus{types.TaskPending, types.TaskEnvPreparing, types.TaskEnvReady, types.TaskRunning},
			types.TaskFailed, lastError); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.notifyChanged(storage.KindEnvironment, envID)
	s.notifyChanged(storage.KindTask, taskID)
	return nil
}
