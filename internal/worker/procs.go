package worker

import (
	"sync"

	"github.com/jclem/work/internal/provider"
)

// ProcTable tracks live task children by task id. It is in-memory only:
// children are not re-adopted across a daemon restart, which is what
// makes the process-lost policy in run_task well defined.
type ProcTable struct {
	mu    sync.Mutex
	procs map[string]*provider.Proc
}

// NewProcTable creates an empty table.
func NewProcTable() *ProcTable {
	return &ProcTable{procs: make(map[string]*provider.Proc)}
}

// Put records the child for a task.
func (t *ProcTable) Put(taskID string, p *provider.Proc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.procs[taskID] = p
}

// Get returns the tracked child, or nil.
func (t *ProcTable) Get(taskID string) *provider.Proc {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.procs[taskID]
}

// Delete forgets the child for a task.
func (t *ProcTable) Delete(taskID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.procs, taskID)
}

// Len returns the number of tracked children.
func (t *ProcTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.procs)
}
