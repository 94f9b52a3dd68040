// Package worker executes queued jobs: a pool that claims jobs under
// leases and the idempotent, state-guarded handlers for each job type.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/jclem/work/internal/logfile"
	"github.com/jclem/work/internal/provider"
	"github.com/jclem/work/internal/queue"
	"github.com/jclem/work/internal/storage"
	"github.com/jclem/work/internal/types"
)

// Log file kinds.
const (
	logKindTask = "task"
	logKindEnv  = "environment"
)

// Handlers holds the typed job handlers. Every handler is idempotent:
// it short-circuits when the target row is already past its stage, and
// a failed guarded update means another worker got there first, which
// is success.
type Handlers struct {
	store       storage.Store
	queue       *queue.Queue
	registry    *provider.Registry
	logs        *logfile.Dir
	procs       *ProcTable
	log         *zap.Logger
	cancelGrace time.Duration
}

// NewHandlers wires the handler set.
func NewHandlers(store storage.Store, q *queue.Queue, reg *provider.Registry, logs *logfile.Dir, procs *ProcTable, log *zap.Logger) *Handlers {
	return &Handlers{
		store:       store,
		queue:       q,
		registry:    reg,
		logs:        logs,
		procs:       procs,
		log:         log,
		cancelGrace: 10 * time.Second,
	}
}

// Handle dispatches a claimed job to its typed handler.
func (h *Handlers) Handle(ctx context.Context, job *types.Job) error {
	switch job.Type {
	case types.JobPrepareEnvPool:
		var p types.PrepareEnvPoolPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return provider.Permanent(fmt.Errorf("bad %s payload: %w", job.Type, err))
		}
		return h.prepareEnvPool(ctx, p)
	case types.JobPrepareTask:
		var p types.PrepareTaskPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return provider.Permanent(fmt.Errorf("bad %s payload: %w", job.Type, err))
		}
		return h.prepareTask(ctx, p)
	case types.JobRunTask:
		var p types.RunTaskPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return provider.Permanent(fmt.Errorf("bad %s payload: %w", job.Type, err))
		}
		return h.runTask(ctx, p)
	case types.JobClaimEnv:
		var p types.EnvPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return provider.Permanent(fmt.Errorf("bad %s payload: %w", job.Type, err))
		}
		return h.claimEnv(ctx, p)
	case types.JobUpdateEnv:
		var p types.EnvPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return provider.Permanent(fmt.Errorf("bad %s payload: %w", job.Type, err))
		}
		return h.updateEnv(ctx, p)
	case types.JobRemoveEnv:
		var p types.EnvPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return provider.Permanent(fmt.Errorf("bad %s payload: %w", job.Type, err))
		}
		return h.removeEnv(ctx, p)
	case types.JobCancelTask:
		var p types.CancelTaskPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return provider.Permanent(fmt.Errorf("bad %s payload: %w", job.Type, err))
		}
		return h.cancelTask(ctx, p)
	default:
		return provider.Permanent(fmt.Errorf("unknown job type %q", job.Type))
	}
}

// HandleTerminalFailure settles the target entity after a job fails for
// good, so no non-terminal row is left with nothing driving it forward.
func (h *Handlers) HandleTerminalFailure(ctx context.Context, job *types.Job, cause error) {
	msg := cause.Error()
	switch job.Type {
	case types.JobPrepareEnvPool:
		var p types.PrepareEnvPoolPayload
		if json.Unmarshal(job.Payload, &p) == nil {
			_, _ = h.store.TransitionEnv(ctx, p.EnvID,
				[]types.EnvStatus{types.EnvPreparingPool}, types.EnvFailed, nil, msg)
		}
	case types.JobPrepareTask:
		var p types.PrepareTaskPayload
		if json.Unmarshal(job.Payload, &p) == nil {
			_ = h.store.FailTaskAndEnv(ctx, p.TaskID, p.EnvID, msg)
		}
	case types.JobRunTask:
		var p types.RunTaskPayload
		if json.Unmarshal(job.Payload, &p) == nil {
			if task, err := h.store.GetTask(ctx, p.TaskID); err == nil {
				_ = h.store.FailTaskAndEnv(ctx, p.TaskID, task.EnvironmentID, msg)
			}
		}
	case types.JobClaimEnv:
		var p types.EnvPayload
		if json.Unmarshal(job.Payload, &p) == nil {
			_, _ = h.store.TransitionEnv(ctx, p.EnvID,
				[]types.EnvStatus{types.EnvClaiming}, types.EnvFailed, nil, msg)
		}
	case types.JobUpdateEnv:
		var p types.EnvPayload
		if json.Unmarshal(job.Payload, &p) == nil {
			_, _ = h.store.TransitionEnv(ctx, p.EnvID,
				[]types.EnvStatus{types.EnvUpdating}, types.EnvFailed, nil, msg)
		}
	case types.JobRemoveEnv:
		var p types.EnvPayload
		if json.Unmarshal(job.Payload, &p) == nil {
			_, _ = h.store.TransitionEnv(ctx, p.EnvID,
				[]types.EnvStatus{types.EnvRemoving}, types.EnvFailed, nil, msg)
		}
	case types.JobCancelTask:
		// The task keeps its cancel_requested flag; nothing to settle.
		h.log.Warn("cancel job failed terminally", zap.String("job_id", job.ID), zap.Error(cause))
	}
}

func (h *Handlers) prepareEnvPool(ctx context.Context, p types.PrepareEnvPoolPayload) error {
	env, err := h.store.GetEnvironment(ctx, p.EnvID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	if env.Status != types.EnvPreparingPool {
		return nil
	}

	prov, err := h.registry.Get(env.Provider)
	if err != nil {
		return err
	}
	project, err := h.store.GetProject(ctx, env.ProjectID)
	if err != nil {
		return err
	}

	logw, err := h.logs.OpenAppend(logKindEnv, env.ID)
	if err != nil {
		return err
	}
	defer logw.Close()

	meta, err := prov.Prepare(ctx, project, env.ID, logw)
	if err != nil {
		return err
	}

	applied, err := h.store.TransitionEnv(ctx, env.ID,
		[]types.EnvStatus{types.EnvPreparingPool}, types.EnvPool, &meta, "")
	if err != nil {
		return err
	}
	if !applied {
		// Another delivery finished first; drop the extra workspace.
		_ = prov.Remove(ctx, meta, logw)
	}
	return nil
}

func (h *Handlers) prepareTask(ctx context.Context, p types.PrepareTaskPayload) error {
	task, err := h.store.GetTask(ctx, p.TaskID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	if task.Status != types.TaskEnvPreparing {
		// Canceled (or otherwise settled) before prepare ran. Settle the
		// env so the cancel path can stage its removal.
		_, _ = h.store.TransitionEnv(ctx, p.EnvID,
			[]types.EnvStatus{types.EnvPreparingTask}, types.EnvFailed, nil, "task canceled before prepare")
		return nil
	}

	env, err := h.store.GetEnvironment(ctx, p.EnvID)
	if err != nil {
		return err
	}
	prov, err := h.registry.Get(env.Provider)
	if err != nil {
		return err
	}
	project, err := h.store.GetProject(ctx, env.ProjectID)
	if err != nil {
		return err
	}

	logw, err := h.logs.OpenAppend(logKindEnv, env.ID)
	if err != nil {
		return err
	}
	defer logw.Close()

	meta, err := prov.Prepare(ctx, project, env.ID, logw)
	if err != nil {
		return err
	}

	advanced, err := h.store.CompleteTaskPrepare(ctx, p.TaskID, p.EnvID, meta)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// Another delivery already landed the prepare.
			_ = prov.Remove(ctx, meta, logw)
			return nil
		}
		return err
	}
	if !advanced {
		h.log.Info("task left env_preparing during prepare; run not scheduled",
			zap.String("task_id", p.TaskID))
		return nil
	}
	h.queue.Signal()
	return nil
}

func (h *Handlers) runTask(ctx context.Context, p types.RunTaskPayload) error {
	task, err := h.store.GetTask(ctx, p.TaskID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}

	switch task.Status {
	case types.TaskEnvReady:
		// Proceed below.
	case types.TaskRunning:
		if h.procs.Get(task.ID) != nil {
			// A live child is already being watched by another delivery.
			return nil
		}
		// The daemon restarted while the task ran. Children are not
		// re-adopted across restarts: record the loss.
		_, err := h.store.TransitionTask(ctx, task.ID,
			[]types.TaskStatus{types.TaskRunning}, types.TaskFailed, "process lost")
		return err
	default:
		return nil
	}

	env, err := h.store.GetEnvironment(ctx, task.EnvironmentID)
	if err != nil {
		return err
	}
	prov, err := h.registry.Get(env.Provider)
	if err != nil {
		return err
	}
	spec, err := h.registry.RunSpec(task.Provider)
	if err != nil {
		return err
	}

	applied, err := h.store.TransitionTask(ctx, task.ID,
		[]types.TaskStatus{types.TaskEnvReady}, types.TaskRunning, "")
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	envLogw, err := h.logs.OpenAppend(logKindEnv, env.ID)
	if err != nil {
		return err
	}
	defer envLogw.Close()

	meta, err := prov.Claim(ctx, env.Metadata, envLogw)
	if err != nil {
		// Put the task back so a retry does not read as a lost process.
		_, _ = h.store.TransitionTask(ctx, task.ID,
			[]types.TaskStatus{types.TaskRunning}, types.TaskEnvReady, "")
		return err
	}
	if _, err := h.store.TransitionEnv(ctx, env.ID,
		[]types.EnvStatus{types.EnvReadyTask, types.EnvInUse}, types.EnvInUse, &meta, ""); err != nil {
		return err
	}

	command, args := spec.Resolve(task.Description)

	taskLogw, err := h.logs.OpenAppend(logKindTask, task.ID)
	if err != nil {
		return err
	}

	proc, err := prov.Run(ctx, meta, command, args, taskLogw)
	if err != nil {
		taskLogw.Close()
		_, _ = h.store.TransitionTask(ctx, task.ID,
			[]types.TaskStatus{types.TaskRunning}, types.TaskEnvReady, "")
		return err
	}

	h.procs.Put(task.ID, proc)
	defer h.procs.Delete(task.ID)
	defer taskLogw.Close()

	h.log.Info("task process started",
		zap.String("task_id", task.ID),
		zap.Int("pid", proc.PID()),
		zap.String("command", command))

	select {
	case <-ctx.Done():
		// Shutdown or lost lease. The child is detached and keeps
		// running; the next delivery applies the process-lost policy.
		return ctx.Err()
	case <-proc.Done():
	}

	if proc.Err() == nil {
		_, err := h.store.TransitionTask(ctx, task.ID,
			[]types.TaskStatus{types.TaskRunning}, types.TaskComplete, "")
		return err
	}

	// Non-zero exit. A requested cancel wins over failed.
	if fresh, gerr := h.store.GetTask(ctx, task.ID); gerr == nil && fresh.CancelRequested {
		_, err := h.store.TransitionTask(ctx, task.ID,
			[]types.TaskStatus{types.TaskRunning}, types.TaskCanceled, "")
		return err
	}
	_, err = h.store.TransitionTask(ctx, task.ID,
		[]types.TaskStatus{types.TaskRunning}, types.TaskFailed,
		fmt.Sprintf("process exited with code %d", proc.ExitCode()))
	return err
}

func (h *Handlers) claimEnv(ctx context.Context, p types.EnvPayload) error {
	return h.envOp(ctx, p.EnvID, types.EnvClaiming, types.EnvInUse, provider.Provider.Claim)
}

func (h *Handlers) updateEnv(ctx context.Context, p types.EnvPayload) error {
	return h.envOp(ctx, p.EnvID, types.EnvUpdating, types.EnvPool, provider.Provider.Update)
}

// envOp is the shared claim/update shape: guard the pending sub-state,
// run the provider call, land the result. Transient provider failures
// leave the env in the pending sub-state for the retry; permanent ones
// are settled to failed by HandleTerminalFailure.
func (h *Handlers) envOp(ctx context.Context, envID string, pending, done types.EnvStatus, op func(provider.Provider, context.Context, string, io.Writer) (string, error)) error {
	env, err := h.store.GetEnvironment(ctx, envID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	if env.Status != pending {
		return nil
	}

	prov, err := h.registry.Get(env.Provider)
	if err != nil {
		return err
	}
	logw, err := h.logs.OpenAppend(logKindEnv, env.ID)
	if err != nil {
		return err
	}
	defer logw.Close()

	meta, err := op(prov, ctx, env.Metadata, logw)
	if err != nil {
		return err
	}
	_, err = h.store.TransitionEnv(ctx, envID,
		[]types.EnvStatus{pending}, done, &meta, "")
	return err
}

func (h *Handlers) removeEnv(ctx context.Context, p types.EnvPayload) error {
	env, err := h.store.GetEnvironment(ctx, p.EnvID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	if env.Status != types.EnvRemoving {
		return nil
	}

	prov, err := h.registry.Get(env.Provider)
	if err != nil {
		return err
	}
	logw, err := h.logs.OpenAppend(logKindEnv, env.ID)
	if err != nil {
		return err
	}
	defer logw.Close()

	if err := prov.Remove(ctx, env.Metadata, logw); err != nil {
		return err
	}
	_, err = h.store.TransitionEnv(ctx, p.EnvID,
		[]types.EnvStatus{types.EnvRemoving}, types.EnvRemoved, nil, "")
	return err
}

func (h *Handlers) cancelTask(ctx context.Context, p types.CancelTaskPayload) error {
	task, err := h.store.GetTask(ctx, p.TaskID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	if task.Status == types.TaskComplete || task.Status == types.TaskFailed {
		// Cancel of a finished task is a no-op.
		return nil
	}

	if proc := h.procs.Get(task.ID); proc != nil && proc.Alive() {
		h.log.Info("signaling task process",
			zap.String("task_id", task.ID), zap.Int("pid", proc.PID()))
		_ = proc.Signal(syscall.SIGTERM)
		select {
		case <-proc.Done():
		case <-time.After(h.cancelGrace):
			_ = proc.Signal(syscall.SIGKILL)
			select {
			case <-proc.Done():
			case <-ctx.Done():
				return ctx.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	_, err = h.store.TransitionTask(ctx, task.ID,
		[]types.TaskStatus{types.TaskPending, types.TaskEnvPreparing, types.TaskEnvReady, types.TaskRunning},
		types.TaskCanceled, "canceled")
	if err != nil {
		return err
	}

	// Stage removal of the task's environment. Mid-transition envs are
	// retried until they settle into a removable state.
	_, _, err = h.store.StageEnvRemove(ctx, task.EnvironmentID)
	if err == nil {
		h.queue.Signal()
		return nil
	}
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if errors.Is(err, storage.ErrConflict) {
		env, gerr := h.store.GetEnvironment(ctx, task.EnvironmentID)
		if gerr != nil {
			return gerr
		}
		if env.Status == types.EnvRemoving || env.Status == types.EnvRemoved {
			return nil
		}
		return fmt.Errorf("environment %s not yet removable (status %s)", env.ID, env.Status)
	}
	return err
}
