// Package storage defines the Store interface and the error kinds shared
// by its implementations. The SQLite implementation lives in
// storage/sqlite.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jclem/work/internal/types"
)

// ErrNotFound indicates the requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a staging guard failed: the row exists but is not
// in the state the operation requires.
var ErrConflict = errors.New("conflicting state")

// ValidationError indicates bad input that never reaches the database.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Notifier receives entity-changed notifications after a mutation
// commits. Implementations must not block.
type Notifier func(kind, id string)

// EntityKind values passed to Notifier.
const (
	KindProject     = "project"
	KindEnvironment = "environment"
	KindTask        = "task"
	KindJob         = "job"
)

// JobFilter narrows ListJobs.
type JobFilter struct {
	Statuses []types.JobStatus
	Types    []types.JobType
}

// Store is the durable state of the orchestrator. Every multi-entity
// mutation happens inside one transaction with foreign keys enforced.
type Store interface {
	// Projects (provider-free, synchronous).
	CreateProject(ctx context.Context, name, path string) (*types.Project, error)
	GetProject(ctx context.Context, id string) (*types.Project, error)
	GetProjectByName(ctx context.Context, name string) (*types.Project, error)
	ListProjects(ctx context.Context) ([]*types.Project, error)
	// DeleteProject refuses with ErrConflict while any environment or task
	// still references the project.
	DeleteProject(ctx context.Context, id string) error

	// Reads.
	GetEnvironment(ctx context.Context, id string) (*types.Environment, error)
	ListEnvironments(ctx context.Context, projectID string) ([]*types.Environment, error)
	GetTask(ctx context.Context, id string) (*types.Task, error)
	ListTasks(ctx context.Context, projectID string) ([]*types.Task, error)
	GetJob(ctx context.Context, id string) (*types.Job, error)
	ListJobs(ctx context.Context, f JobFilter) ([]*types.Job, error)

	// Staging primitives. Each executes one IMMEDIATE transaction that
	// performs all row changes and job enqueues implied by a single API
	// request, returning the staged snapshot.
	StageTaskCreate(ctx context.Context, projectID, taskProvider, envProvider, description string) (*types.Task, *types.Environment, *types.Job, error)
	StageEnvPrepare(ctx context.Context, projectID, provider string) (*types.Environment, *types.Job, error)
	StageEnvClaim(ctx context.Context, envID string) (*types.Environment, *types.Job, error)
	StageEnvClaimNext(ctx context.Context, projectID, provider string) (*types.Environment, *types.Job, error)
	StageEnvUpdate(ctx context.Context, envID string) (*types.Environment, *types.Job, error)
	StageEnvRemove(ctx context.Context, envID string) (*types.Environment, *types.Job, error)
	StageTaskCancel(ctx context.Context, taskID string) (*types.Task, *types.Job, error)

	// Job queue primitives.
	EnqueueJob(ctx context.Context, t types.JobType, payload json.RawMessage, dedupeKey string, notBefore *time.Time) (*types.Job, error)
	ClaimJobs(ctx context.Context, limit int, lease time.Duration, owner string) ([]*types.Job, error)
	HeartbeatJob(ctx context.Context, jobID, owner string, lease time.Duration) error
	CompleteJob(ctx context.Context, jobID, owner string) error
	// FailJob retries (status pending, not_before set) when retryAt is
	// non-nil, otherwise marks the job terminally failed.
	FailJob(ctx context.Context, jobID, owner, lastError string, retryAt *time.Time) error
	// RequeueExpired returns expired running jobs to pending without
	// touching their attempt counts.
	RequeueExpired(ctx context.Context) (int, error)

	// Guarded entity transitions used by job handlers. Each returns
	// (applied=false, err=nil) when the source-state guard did not match,
	// which handlers treat as "another worker got here first".
	TransitionEnv(ctx context.Context, envID string, from []types.EnvStatus, to types.EnvStatus, metadata *string, lastError string) (bool, error)
	TransitionTask(ctx context.Context, taskID string, from []types.TaskStatus, to types.TaskStatus, lastError string) (bool, error)

	// CompleteTaskPrepare finishes a successful prepare_task in one
	// transaction: env preparing_task -> ready_task with metadata, task
	// env_preparing -> env_ready, and a run_task job enqueued. When the
	// task guard fails (e.g. canceled mid-prepare) the env still advances
	// and no run_task job is enqueued; taskAdvanced is false.
	CompleteTaskPrepare(ctx context.Context, taskID, envID, metadata string) (taskAdvanced bool, err error)
	// FailTaskAndEnv marks both rows failed atomically.
	FailTaskAndEnv(ctx context.Context, taskID, envID, lastError string) error

	// SetNotifier installs the entity-changed callback. Must be called
	// before the store is shared across goroutines.
	SetNotifier(n Notifier)

	Close() error
}
