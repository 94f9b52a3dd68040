package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/jclem/work/internal/types"
)

// Worktree is the built-in provider backed by git worktrees. Each
// environment gets a worktree (and branch) under the daemon's workspace
// directory.
type Worktree struct {
	root string // directory holding all worktrees
	log  *zap.Logger
}

// NewWorktree creates the worktree provider rooted at root.
func NewWorktree(root string, log *zap.Logger) *Worktree {
	return &Worktree{root: root, log: log}
}

// worktreeMetadata is this provider's metadata schema. The core treats
// it as opaque; only this file reads it.
type worktreeMetadata struct {
	RepoPath string `json:"repo_path"`
	Path     string `json:"path"`
	Branch   string `json:"branch"`
}

func (w *Worktree) Prepare(ctx context.Context, project *types.Project, envID string, logw io.Writer) (string, error) {
	path := filepath.Join(w.root, envID)
	branch := "work/" + shortID(envID)

	// Re-delivered prepare after a crash: tear down any half-made
	// worktree so add starts clean.
	if _, err := os.Stat(path); err == nil {
		_ = w.git(ctx, project.Path, logw, "worktree", "remove", "--force", path)
		_ = os.RemoveAll(path)
		_ = w.git(ctx, project.Path, logw, "branch", "-D", branch)
	}

	if err := os.MkdirAll(w.root, 0o755); err != nil {
		return "", fmt.Errorf("create workspace root: %w", err)
	}
	if err := w.git(ctx, project.Path, logw, "worktree", "add", "-b", branch, path); err != nil {
		return "", err
	}

	meta, _ := json.Marshal(worktreeMetadata{
		RepoPath: project.Path,
		Path:     path,
		Branch:   branch,
	})
	return string(meta), nil
}

// Claim is a no-op for worktrees: the workspace is already local and
// exclusive to its environment row.
func (w *Worktree) Claim(ctx context.Context, metadata string, logw io.Writer) (string, error) {
	if _, err := w.parse(metadata); err != nil {
		return "", err
	}
	return metadata, nil
}

// Update fast-forwards the worktree to its upstream.
func (w *Worktree) Update(ctx context.Context, metadata string, logw io.Writer) (string, error) {
	m, err := w.parse(metadata)
	if err != nil {
		return "", err
	}
	if err := w.git(ctx, m.Path, logw, "pull", "--ff-only"); err != nil {
		return "", err
	}
	return metadata, nil
}

// Remove deletes the worktree and its branch. Idempotent: a missing
// worktree is success.
func (w *Worktree) Remove(ctx context.Context, metadata string, logw io.Writer) error {
	m, err := w.parse(metadata)
	if err != nil {
		// Metadata never written (prepare failed early): nothing to remove.
		return nil
	}
	if m.Path == "" {
		return nil
	}
	if _, statErr := os.Stat(m.Path); os.IsNotExist(statErr) {
		_ = w.git(ctx, m.RepoPath, logw, "worktree", "prune")
		return nil
	}
	if err := w.git(ctx, m.RepoPath, logw, "worktree", "remove", "--force", m.Path); err != nil {
		// Fall back to a plain delete plus prune; worktree metadata may
		// already be gone.
		if rmErr := os.RemoveAll(m.Path); rmErr != nil {
			return err
		}
		_ = w.git(ctx, m.RepoPath, logw, "worktree", "prune")
	}
	_ = w.git(ctx, m.RepoPath, logw, "branch", "-D", m.Branch)
	return nil
}

// Run executes the command directly in the worktree directory.
func (w *Worktree) Run(ctx context.Context, metadata, command string, args []string, logw io.Writer) (*Proc, error) {
	m, err := w.parse(metadata)
	if err != nil {
		return nil, err
	}
	cmd := exec.Command(command, args...)
	cmd.Dir = m.Path
	cmd.Stdout = logw
	cmd.Stderr = logw
	return StartProcess(cmd)
}

func (w *Worktree) parse(metadata string) (*worktreeMetadata, error) {
	var m worktreeMetadata
	if err := json.Unmarshal([]byte(metadata), &m); err != nil {
		return nil, Permanent(fmt.Errorf("bad worktree metadata: %w", err))
	}
	return &m, nil
}

// git runs a git subcommand with output to the environment log. Git
// failures are permanent: the repository state will not heal on retry.
func (w *Worktree) git(ctx context.Context, dir string, logw io.Writer, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", dir}, args...)...)
	cmd.Stdout = logw
	cmd.Stderr = logw
	if err := cmd.Run(); err != nil {
		return Permanent(fmt.Errorf("git %s: %w", strings.Join(args, " "), err))
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
