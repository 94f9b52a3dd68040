// Package provider defines the capability surface the core invokes on
// workspace providers, plus the two built-in implementations: the git
// worktree provider and the external script provider.
//
// Environment metadata is owned by the provider: the core stores the
// blob produced by Prepare and passes it back verbatim on every later
// call without parsing it.
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/jclem/work/internal/types"
)

// Provider is the capability set of a workspace provider. Every call may
// fail transiently (retried by job policy) or permanently (marked with
// Permanent; never retried). Remove must be idempotent.
type Provider interface {
	// Prepare creates a fresh workspace and returns its metadata. May
	// take minutes; ctx bounds it.
	Prepare(ctx context.Context, project *types.Project, envID string, logw io.Writer) (metadata string, err error)
	// Claim attaches a prepared workspace to current use.
	Claim(ctx context.Context, metadata string, logw io.Writer) (string, error)
	// Update refreshes a pooled workspace.
	Update(ctx context.Context, metadata string, logw io.Writer) (string, error)
	// Remove destroys the workspace. Repeated calls succeed even when
	// the workspace is already gone.
	Remove(ctx context.Context, metadata string, logw io.Writer) error
	// Run executes command in the workspace and returns the detached
	// child. The child's stdout and stderr are wired to logw.
	Run(ctx context.Context, metadata, command string, args []string, logw io.Writer) (*Proc, error)
}

// PermanentError marks a provider failure that retrying cannot fix. The
// job policy treats every other provider error as transient.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err as non-retryable. Nil passes through.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err (or anything it wraps) is permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// RunSpec is the command template a task provider contributes to
// run_task. Args may contain the {task_description} placeholder.
type RunSpec struct {
	Command string
	Args    []string
}

// descriptionPlaceholder is substituted from the task row at run time.
const descriptionPlaceholder = "{task_description}"

// Resolve substitutes the task description into the template.
func (r RunSpec) Resolve(description string) (string, []string) {
	cmd := strings.ReplaceAll(r.Command, descriptionPlaceholder, description)
	args := make([]string, len(r.Args))
	for i, a := range r.Args {
		args[i] = strings.ReplaceAll(a, descriptionPlaceholder, description)
	}
	return cmd, args
}

// Registry resolves provider names to implementations and run specs.
type Registry struct {
	providers map[string]Provider
	runSpecs  map[string]RunSpec
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		runSpecs:  make(map[string]RunSpec),
	}
}

// Register adds a provider under name.
func (r *Registry) Register(name string, p Provider) {
	r.providers[name] = p
}

// RegisterRunSpec records the run command template for a task provider.
func (r *Registry) RegisterRunSpec(name string, spec RunSpec) {
	r.runSpecs[name] = spec
}

// Get returns the named provider. Unknown names are permanent errors:
// retrying will not make configuration appear.
func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, Permanent(fmt.Errorf("unknown provider %q", name))
	}
	return p, nil
}

// RunSpec returns the run command template for a task provider.
func (r *Registry) RunSpec(name string) (RunSpec, error) {
	s, ok := r.runSpecs[name]
	if !ok {
		return RunSpec{}, Permanent(fmt.Errorf("provider %q has no run command", name))
	}
	return s, nil
}
