// Package rpc is the daemon's request surface: an HTTP/1.1 API with
// JSON bodies served over a unix-domain socket, and the client the CLI
// uses to talk to it. Provider-touching mutations stage work and return
// 202; provider work never runs in a request.
package rpc

import (
	"fmt"

	"github.com/jclem/work/internal/types"
)

// ErrorBody is the JSON error envelope.
type ErrorBody struct {
	Error string `json:"error"`
}

// APIError is a non-2xx response surfaced by the client.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("daemon returned %d: %s", e.Status, e.Message)
}

// CreateProjectRequest registers a project.
type CreateProjectRequest struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// CreateTaskRequest stages a new task with its dedicated environment.
type CreateTaskRequest struct {
	Project      string `json:"project"`
	Description  string `json:"description"`
	EnvProvider  string `json:"env_provider"`
	TaskProvider string `json:"task_provider"`
}

// TaskStaged is the snapshot returned by task staging operations. Job is
// nil when the operation was a no-op (canceling a finished task).
type TaskStaged struct {
	Task        *types.Task        `json:"task"`
	Environment *types.Environment `json:"environment,omitempty"`
	Job         *types.Job         `json:"job,omitempty"`
}

// CreateEnvRequest stages a pool environment prepare.
type CreateEnvRequest struct {
	Project  string `json:"project"`
	Provider string `json:"provider"`
}

// ClaimNextRequest claims the oldest pool environment for a
// project+provider pair.
type ClaimNextRequest struct {
	Project  string `json:"project"`
	Provider string `json:"provider"`
}

// EnvStaged is the snapshot returned by environment staging operations.
type EnvStaged struct {
	Environment *types.Environment `json:"environment"`
	Job         *types.Job         `json:"job,omitempty"`
}

// HealthResponse reports daemon liveness.
type HealthResponse struct {
	Status string `json:"status"`
	PID    int    `json:"pid"`
}
