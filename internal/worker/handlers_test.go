package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jclem/work/internal/logfile"
	"github.com/jclem/work/internal/provider"
	"github.com/jclem/work/internal/queue"
	"github.com/jclem/work/internal/storage"
	"github.com/jclem/work/internal/storage/sqlite"
	"github.com/jclem/work/internal/types"
)

// fakeProvider scripts provider behavior per test.
type fakeProvider struct {
	prepareErr  error
	claimErr    error
	updateErr   error
	removeErr   error
	runCmd   string // overrides the resolved command for Run
	runArgs  []string
	prepares atomic.Int32
	removes  atomic.Int32
}

func (f *fakeProvider) Prepare(ctx context.Context, project *types.Project, envID string, logw io.Writer) (string, error) {
	f.prepares.Add(1)
	if f.prepareErr != nil {
		return "", f.prepareErr
	}
	return fmt.Sprintf(`{"env":%q}`, envID), nil
}

func (f *fakeProvider) Claim(ctx context.Context, metadata string, logw io.Writer) (string, error) {
	if f.claimErr != nil {
		return "", f.claimErr
	}
	return metadata, nil
}

func (f *fakeProvider) Update(ctx context.Context, metadata string, logw io.Writer) (string, error) {
	if f.updateErr != nil {
		return "", f.updateErr
	}
	return metadata, nil
}

func (f *fakeProvider) Remove(ctx context.Context, metadata string, logw io.Writer) error {
	f.removes.Add(1)
	return f.removeErr
}

func (f *fakeProvider) Run(ctx context.Context, metadata, command string, args []string, logw io.Writer) (*provider.Proc, error) {
	runCmd := f.runCmd
	runArgs := f.runArgs
	if runCmd == "" {
		runCmd = command
		runArgs = args
	}
	cmd := exec.Command(runCmd, runArgs...)
	cmd.Stdout = logw
	cmd.Stderr = logw
	return provider.StartProcess(cmd)
}

type testRig struct {
	store    *sqlite.Store
	queue    *queue.Queue
	handlers *Handlers
	provider *fakeProvider
	project  *types.Project
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	ctx := context.Background()

	store, err := sqlite.Open(ctx, t.TempDir()+"/test.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	project, err := store.CreateProject(ctx, "demo", t.TempDir())
	if err != nil {
		t.Fatalf("create project: %v", err)
	}

	fake := &fakeProvider{}
	reg := provider.NewRegistry()
	reg.Register("fake", fake)
	// Task provider "runner" executes /bin/true by default.
	reg.RegisterRunSpec("runner", provider.RunSpec{Command: "true"})

	q := queue.New(store, zap.NewNop(), queue.Config{
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
		BackoffMax:  5 * time.Millisecond,
		Lease:       time.Minute,
	})
	h := NewHandlers(store, q, reg, logfile.NewDir(t.TempDir()), NewProcTable(), zap.NewNop())
	h.cancelGrace = 100 * time.Millisecond

	return &testRig{store: store, queue: q, handlers: h, provider: fake, project: project}
}

func (r *testRig) stageTask(t *testing.T, description string) (*types.Task, *types.Environment, *types.Job) {
	t.Helper()
	task, env, job, err := r.store.StageTaskCreate(context.Background(), r.project.ID, "runner", "fake", description)
	if err != nil {
		t.Fatalf("stage task: %v", err)
	}
	return task, env, job
}

func (r *testRig) handle(t *testing.T, job *types.Job) error {
	t.Helper()
	return r.handlers.Handle(context.Background(), job)
}

func mustHandle(t *testing.T, r *testRig, job *types.Job) {
	t.Helper()
	if err := r.handle(t, job); err != nil {
		t.Fatalf("handle %s: %v", job.Type, err)
	}
}

func pendingJob(t *testing.T, r *testRig, jt types.JobType) *types.Job {
	t.Helper()
	jobs, err := r.store.ListJobs(context.Background(), storage.JobFilter{
		Statuses: []types.JobStatus{types.JobPending},
		Types:    []types.JobType{jt},
	})
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected one pending %s job, got %d", jt, len(jobs))
	}
	return jobs[0]
}

// waitTaskStatus polls until the task reaches status; the child-exit
// wait inside run_task makes some transitions asynchronous-looking even
// though the handler itself blocks.
func waitTaskStatus(t *testing.T, r *testRig, taskID string, want types.TaskStatus) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := r.store.GetTask(context.Background(), taskID)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if task.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	task, _ := r.store.GetTask(context.Background(), taskID)
	t.Fatalf("task never reached %s (now %s, last_error %q)", want, task.Status, task.LastError)
}

// S1: the task happy path, driven handler by handler.
func TestTaskHappyPath(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()
	task, env, prepJob := r.stageTask(t, "implement feature")

	mustHandle(t, r, prepJob)

	gotEnv, _ := r.store.GetEnvironment(ctx, env.ID)
	if gotEnv.Status != types.EnvReadyTask {
		t.Fatalf("env after prepare = %s", gotEnv.Status)
	}
	gotTask, _ := r.store.GetTask(ctx, task.ID)
	if gotTask.Status != types.TaskEnvReady {
		t.Fatalf("task after prepare = %s", gotTask.Status)
	}

	runJob := pendingJob(t, r, types.JobRunTask)
	mustHandle(t, r, runJob)

	waitTaskStatus(t, r, task.ID, types.TaskComplete)
	gotEnv, _ = r.store.GetEnvironment(ctx, env.ID)
	if gotEnv.Status != types.EnvInUse {
		t.Fatalf("env after run = %s", gotEnv.Status)
	}
}

// Re-delivering prepare_task after success is a no-op: it short-circuits
// on task status without a second provider prepare.
func TestPrepareTaskRedeliveryIsNoop(t *testing.T) {
	r := newTestRig(t)
	_, _, prepJob := r.stageTask(t, "work")

	mustHandle(t, r, prepJob)
	if got := r.provider.prepares.Load(); got != 1 {
		t.Fatalf("prepares = %d", got)
	}

	mustHandle(t, r, prepJob)
	// Short-circuited on task status: no second provider call.
	if got := r.provider.prepares.Load(); got != 1 {
		t.Fatalf("redelivery re-prepared: %d calls", got)
	}
}

// S2: permanent prepare failure settles task, env, and job.
func TestPrepareTaskPermanentFailure(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()
	r.provider.prepareErr = provider.Permanent(errors.New("repo does not exist"))

	task, env, prepJob := r.stageTask(t, "doomed")

	err := r.handle(t, prepJob)
	if !provider.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	// The pool routes a terminal failure here:
	r.handlers.HandleTerminalFailure(ctx, prepJob, err)

	gotTask, _ := r.store.GetTask(ctx, task.ID)
	gotEnv, _ := r.store.GetEnvironment(ctx, env.ID)
	if gotTask.Status != types.TaskFailed || gotTask.LastError == "" {
		t.Fatalf("task = %+v", gotTask)
	}
	if gotEnv.Status != types.EnvFailed || gotEnv.LastError == "" {
		t.Fatalf("env = %+v", gotEnv)
	}
}

// S3: after a restart, a running task with no tracked child fails with
// "process lost".
func TestRunTaskProcessLost(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()
	task, _, prepJob := r.stageTask(t, "work")
	mustHandle(t, r, prepJob)

	// Simulate the pre-crash claim: task went running, child untracked.
	if _, err := r.store.TransitionTask(ctx, task.ID, []types.TaskStatus{types.TaskEnvReady}, types.TaskRunning, ""); err != nil {
		t.Fatalf("transition: %v", err)
	}

	runJob := pendingJob(t, r, types.JobRunTask)
	mustHandle(t, r, runJob)

	gotTask, _ := r.store.GetTask(ctx, task.ID)
	if gotTask.Status != types.TaskFailed || gotTask.LastError != "process lost" {
		t.Fatalf("task = %+v", gotTask)
	}
}

func TestRunTaskNonZeroExitFailsTask(t *testing.T) {
	r := newTestRig(t)
	r.provider.runCmd = "false"
	task, _, prepJob := r.stageTask(t, "work")
	mustHandle(t, r, prepJob)
	mustHandle(t, r, pendingJob(t, r, types.JobRunTask))

	waitTaskStatus(t, r, task.ID, types.TaskFailed)
}

// Transient claim failure reverts the task so the retry does not read
// as a lost process.
func TestRunTaskClaimFailureReverts(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()
	r.provider.claimErr = errors.New("workspace busy")

	task, _, prepJob := r.stageTask(t, "work")
	mustHandle(t, r, prepJob)
	runJob := pendingJob(t, r, types.JobRunTask)

	if err := r.handle(t, runJob); err == nil {
		t.Fatal("expected claim error")
	}
	gotTask, _ := r.store.GetTask(ctx, task.ID)
	if gotTask.Status != types.TaskEnvReady {
		t.Fatalf("task not reverted: %s", gotTask.Status)
	}

	// Retry succeeds once the provider recovers.
	r.provider.claimErr = nil
	mustHandle(t, r, runJob)
	waitTaskStatus(t, r, task.ID, types.TaskComplete)
}

func TestPrepareEnvPool(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()

	env, job, err := r.store.StageEnvPrepare(ctx, r.project.ID, "fake")
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	mustHandle(t, r, job)

	got, _ := r.store.GetEnvironment(ctx, env.ID)
	if got.Status != types.EnvPool || got.Metadata == "" {
		t.Fatalf("env = %+v", got)
	}

	// Redelivery short-circuits.
	mustHandle(t, r, job)
	if got := r.provider.prepares.Load(); got != 1 {
		t.Fatalf("redelivery re-prepared: %d", got)
	}
}

func TestClaimEnvLifecycle(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()

	env, prepJob, err := r.store.StageEnvPrepare(ctx, r.project.ID, "fake")
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	mustHandle(t, r, prepJob)

	_, claimJob, err := r.store.StageEnvClaim(ctx, env.ID)
	if err != nil {
		t.Fatalf("stage claim: %v", err)
	}
	mustHandle(t, r, claimJob)

	got, _ := r.store.GetEnvironment(ctx, env.ID)
	if got.Status != types.EnvInUse {
		t.Fatalf("env = %s", got.Status)
	}
}

func TestUpdateEnvReturnsToPool(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()

	env, prepJob, err := r.store.StageEnvPrepare(ctx, r.project.ID, "fake")
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	mustHandle(t, r, prepJob)

	_, updJob, err := r.store.StageEnvUpdate(ctx, env.ID)
	if err != nil {
		t.Fatalf("stage update: %v", err)
	}
	mustHandle(t, r, updJob)

	got, _ := r.store.GetEnvironment(ctx, env.ID)
	if got.Status != types.EnvPool {
		t.Fatalf("env = %s", got.Status)
	}
}

// remove_env succeeds on an already-removed environment.
func TestRemoveEnvIdempotent(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()

	env, prepJob, err := r.store.StageEnvPrepare(ctx, r.project.ID, "fake")
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	mustHandle(t, r, prepJob)

	_, rmJob, err := r.store.StageEnvRemove(ctx, env.ID)
	if err != nil {
		t.Fatalf("stage remove: %v", err)
	}
	mustHandle(t, r, rmJob)

	got, _ := r.store.GetEnvironment(ctx, env.ID)
	if got.Status != types.EnvRemoved {
		t.Fatalf("env = %s", got.Status)
	}

	// Redelivery after removal: still success, no second provider call.
	mustHandle(t, r, rmJob)
	if got := r.provider.removes.Load(); got != 1 {
		t.Fatalf("removes = %d", got)
	}
}

// cancel_task on a complete task is a no-op.
func TestCancelCompleteTaskIsNoop(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()
	task, _, prepJob := r.stageTask(t, "work")
	mustHandle(t, r, prepJob)
	mustHandle(t, r, pendingJob(t, r, types.JobRunTask))
	waitTaskStatus(t, r, task.ID, types.TaskComplete)

	payload, _ := json.Marshal(types.CancelTaskPayload{TaskID: task.ID})
	cancelJob := &types.Job{ID: "j", Type: types.JobCancelTask, Payload: payload}
	mustHandle(t, r, cancelJob)

	gotTask, _ := r.store.GetTask(ctx, task.ID)
	if gotTask.Status != types.TaskComplete {
		t.Fatalf("complete task mutated: %s", gotTask.Status)
	}
}

// Cancel of a staged-but-unprepared task converges: the task goes
// canceled and its environment ends up staged for removal.
func TestCancelBeforePrepare(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()
	task, env, prepJob := r.stageTask(t, "work")

	_, cancelJob, err := r.store.StageTaskCancel(ctx, task.ID)
	if err != nil {
		t.Fatalf("stage cancel: %v", err)
	}

	// Cancel first: task canceled, env not yet removable -> retryable error.
	err = r.handle(t, cancelJob)
	if err == nil {
		t.Fatal("expected retryable error while env is mid-prepare")
	}
	gotTask, _ := r.store.GetTask(ctx, task.ID)
	if gotTask.Status != types.TaskCanceled {
		t.Fatalf("task = %s", gotTask.Status)
	}

	// prepare_task sees the canceled task and settles the env.
	mustHandle(t, r, prepJob)
	gotEnv, _ := r.store.GetEnvironment(ctx, env.ID)
	if gotEnv.Status != types.EnvFailed {
		t.Fatalf("env = %s", gotEnv.Status)
	}

	// Cancel retry now stages removal.
	mustHandle(t, r, cancelJob)
	gotEnv, _ = r.store.GetEnvironment(ctx, env.ID)
	if gotEnv.Status != types.EnvRemoving {
		t.Fatalf("env = %s, want removing", gotEnv.Status)
	}
}

// Cancel kills a live child and the task lands canceled, not failed.
func TestCancelRunningTask(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()
	r.provider.runCmd = "sleep"
	r.provider.runArgs = []string{"60"}

	task, _, prepJob := r.stageTask(t, "long job")
	mustHandle(t, r, prepJob)
	runJob := pendingJob(t, r, types.JobRunTask)

	runDone := make(chan error, 1)
	go func() { runDone <- r.handle(t, runJob) }()

	// Wait for the child to register.
	deadline := time.Now().Add(5 * time.Second)
	for r.handlers.procs.Get(task.ID) == nil {
		if time.Now().After(deadline) {
			t.Fatal("child never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, _, err := r.store.StageTaskCancel(ctx, task.ID); err != nil {
		t.Fatalf("stage cancel: %v", err)
	}
	payload, _ := json.Marshal(types.CancelTaskPayload{TaskID: task.ID})
	cancelJob := &types.Job{ID: "jc", Type: types.JobCancelTask, Payload: payload}
	mustHandle(t, r, cancelJob)

	if err := <-runDone; err != nil {
		t.Fatalf("run handler: %v", err)
	}
	gotTask, _ := r.store.GetTask(ctx, task.ID)
	if gotTask.Status != types.TaskCanceled {
		t.Fatalf("task = %s, want canceled", gotTask.Status)
	}
}
