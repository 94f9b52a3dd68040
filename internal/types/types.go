// Package types defines the core entities of the work orchestrator:
// projects, environments, tasks, and jobs, along with their status
// state machines.
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Project is a registered code repository that tasks and environments
// belong to. Projects are provider-free: creating one touches nothing
// but the database.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EnvStatus is the lifecycle state of an environment. Pool-bound and
// task-bound environments follow separate state machines; a task-bound
// environment never enters the pool states.
type EnvStatus string

const (
	// Pool-bound lifecycle.
	EnvPreparingPool EnvStatus = "preparing_pool"
	EnvPool          EnvStatus = "pool"
	EnvClaiming      EnvStatus = "claiming"
	EnvUpdating      EnvStatus = "updating"

	// Task-bound lifecycle.
	EnvPreparingTask EnvStatus = "preparing_task"
	EnvReadyTask     EnvStatus = "ready_task"

	// Shared tail states.
	EnvInUse    EnvStatus = "in_use"
	EnvRemoving EnvStatus = "removing"
	EnvRemoved  EnvStatus = "removed"
	EnvFailed   EnvStatus = "failed"
)

// envTransitions is the authoritative forward edge set. Guarded UPDATEs
// in the store enforce the same edges at the SQL layer; this table backs
// validation and tests.
var envTransitions = map[EnvStatus][]EnvStatus{
	EnvPreparingPool: {EnvPool, EnvFailed},
	EnvPool:          {EnvClaiming, EnvUpdating, EnvRemoving},
	EnvClaiming:      {EnvInUse, EnvPool, EnvFailed},
	EnvUpdating:      {EnvPool, EnvFailed},
	EnvPreparingTask: {EnvReadyTask, EnvFailed},
	EnvReadyTask:     {EnvInUse, EnvRemoving, EnvFailed},
	EnvInUse:         {EnvRemoving, EnvFailed},
	EnvRemoving:      {EnvRemoved, EnvFailed},
	EnvFailed:        {EnvRemoving},
}

// Terminal reports whether no job will move the environment further.
// failed is terminal-ish: the only edge out is an explicit remove.
func (s EnvStatus) Terminal() bool {
	return s == EnvRemoved || s == EnvFailed
}

// CanTransition reports whether s -> to is a declared forward edge.
func (s EnvStatus) CanTransition(to EnvStatus) bool {
	for _, t := range envTransitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// TaskBound reports whether the status belongs to the task-bound machine.
func (s EnvStatus) TaskBound() bool {
	return s == EnvPreparingTask || s == EnvReadyTask
}

// Environment is an isolated workspace managed by a provider. Metadata is
// an opaque blob produced by the provider's prepare call and passed back
// verbatim on every later call; the core never parses it.
type Environment struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Provider  string    `json:"provider"`
	Metadata  string    `json:"metadata,omitempty"`
	Status    EnvStatus `json:"status"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending      TaskStatus = "pending"
	TaskEnvPreparing TaskStatus = "env_preparing"
	TaskEnvReady     TaskStatus = "env_ready"
	TaskRunning      TaskStatus = "running"
	TaskComplete     TaskStatus = "complete"
	TaskFailed       TaskStatus = "failed"
	TaskCanceled     TaskStatus = "canceled"
)

var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskPending:      {TaskEnvPreparing, TaskCanceled, TaskFailed},
	TaskEnvPreparing: {TaskEnvReady, TaskCanceled, TaskFailed},
	TaskEnvReady:     {TaskRunning, TaskCanceled, TaskFailed},
	TaskRunning:      {TaskComplete, TaskCanceled, TaskFailed},
}

// Terminal reports whether the task has finished for good.
func (s TaskStatus) Terminal() bool {
	return s == TaskComplete || s == TaskFailed || s == TaskCanceled
}

// CanTransition reports whether s -> to is a declared forward edge.
func (s TaskStatus) CanTransition(to TaskStatus) bool {
	for _, t := range taskTransitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// Task is one AI-assisted coding task. Every task owns exactly one
// environment for its whole life.
type Task struct {
	ID              string     `json:"id"`
	ProjectID       string     `json:"project_id"`
	EnvironmentID   string     `json:"environment_id"`
	Provider        string     `json:"provider"`
	Description     string     `json:"description"`
	Status          TaskStatus `json:"status"`
	CancelRequested bool       `json:"cancel_requested,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// JobType enumerates the fixed set of queued operations.
type JobType string

const (
	JobPrepareEnvPool JobType = "prepare_env_pool"
	JobPrepareTask    JobType = "prepare_task"
	JobRunTask        JobType = "run_task"
	JobClaimEnv       JobType = "claim_env"
	JobUpdateEnv      JobType = "update_env"
	JobRemoveEnv      JobType = "remove_env"
	JobCancelTask     JobType = "cancel_task"
)

// JobStatus is the queue state of a job.
type JobStatus string

const (
	JobPending  JobStatus = "pending"
	JobRunning  JobStatus = "running"
	JobComplete JobStatus = "complete"
	JobFailed   JobStatus = "failed"
)

// Terminal reports whether the job will never run again.
func (s JobStatus) Terminal() bool {
	return s == JobComplete || s == JobFailed
}

// Job is one durable unit of provider work. Jobs are executed
// at-least-once by the worker pool; handlers must be idempotent.
type Job struct {
	ID             string          `json:"id"`
	Type           JobType         `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	Status         JobStatus       `json:"status"`
	Attempt        int             `json:"attempt"`
	NotBefore      *time.Time      `json:"not_before,omitempty"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty"`
	Owner          string          `json:"owner,omitempty"`
	DedupeKey      string          `json:"dedupe_key,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Job payloads, one per JobType.

type PrepareEnvPoolPayload struct {
	EnvID string `json:"env_id"`
}

type PrepareTaskPayload struct {
	TaskID string `json:"task_id"`
	EnvID  string `json:"env_id"`
}

type RunTaskPayload struct {
	TaskID string `json:"task_id"`
}

type EnvPayload struct {
	EnvID string `json:"env_id"`
}

type CancelTaskPayload struct {
	TaskID string `json:"task_id"`
}

// DedupeKey builds the canonical dedupe key for a job type and entity id.
// One staged operation per entity is in flight at a time; re-staging
// coalesces onto the existing job.
func DedupeKey(t JobType, entityID string) string {
	return fmt.Sprintf("%s:%s", t, entityID)
}
