package wt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/joescharf/gwt/internal/git"
)

// DirName is the directory under the repository root that holds managed worktrees.
const DirName = ".worktrees"

// ErrInaccessible means a branch is registered to a worktree whose directory
// cannot be used and git will not release it, typically a locked worktree on
// removed storage.
var ErrInaccessible = errors.New("worktree is not accessible")

// InaccessibleError names the stale registration that blocked EnsureWorktree.
type InaccessibleError struct {
	Branch string
	Path   string
	Status git.WorktreeStatus
}

func (e *InaccessibleError) Error() string {
	return fmt.Sprintf("worktree for %s at %s is %s; unlock or remove it first", e.Branch, e.Path, e.Status)
}

func (e *InaccessibleError) Unwrap() error { return ErrInaccessible }

// Options configures EnsureWorktree.
type Options struct {
	// BaseBranch is the start point when IsNewBranch is set.
	BaseBranch  string
	IsNewBranch bool
}

// Result describes the worktree EnsureWorktree settled on.
type Result struct {
	Path   string `json:"path"`
	Branch string `json:"branch"`
	// Created is true only when this call ran `git worktree add` successfully.
	Created bool `json:"created"`
	// IsRoot is true when branch is checked out in the repository root.
	IsRoot bool `json:"is_root"`
	// Recovered is true when another caller created the worktree first.
	Recovered bool `json:"recovered"`
}

// Manager resolves branches to working directories, creating worktrees on demand.
type Manager struct {
	git    git.Gateway
	logger *slog.Logger
}

// NewManager returns a Manager using g for all git operations.
func NewManager(g git.Gateway, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{git: g, logger: logger}
}

// PathFor returns the deterministic worktree path for branch.
func PathFor(repoRoot, branch string) string {
	return filepath.Join(repoRoot, DirName, DirNameFor(branch))
}

// DirNameFor flattens a branch name into a single path segment.
func DirNameFor(branch string) string {
	return strings.NewReplacer("/", "-", `\`, "-").Replace(branch)
}

// EnsureWorktree returns a working directory with branch checked out. The
// repository root is returned for the current branch, an existing worktree
// is reused, and otherwise one is created at PathFor. A registration whose
// directory is gone is pruned first. Creation is attempted at most once;
// losing a race to a concurrent creator is not an error.
func (m *Manager) EnsureWorktree(ctx context.Context, branch, repoRoot string, opts Options) (Result, error) {
	if branch == "" {
		return Result{}, errors.New("branch name is required")
	}

	current, err := m.git.CurrentBranch(ctx, repoRoot)
	if err != nil {
		return Result{}, fmt.Errorf("current branch: %w", err)
	}
	if current == branch {
		return Result{Path: repoRoot, Branch: branch, IsRoot: true}, nil
	}

	wts, err := m.git.ListWorktrees(ctx, repoRoot)
	if err != nil {
		return Result{}, fmt.Errorf("list worktrees: %w", err)
	}
	if existing, ok := git.FindWorktree(wts, branch); ok {
		if existing.Accessible() {
			return Result{Path: existing.Path, Branch: branch}, nil
		}
		if err := m.pruneStale(ctx, repoRoot, existing); err != nil {
			return Result{}, err
		}
	}

	path := PathFor(repoRoot, branch)
	m.logger.Debug("creating worktree", "branch", branch, "path", path, "new_branch", opts.IsNewBranch)
	err = m.git.AddWorktree(ctx, repoRoot, path, branch, opts.BaseBranch, opts.IsNewBranch)
	if err == nil {
		return Result{Path: path, Branch: branch, Created: true}, nil
	}
	if !errors.Is(err, git.ErrAlreadyCheckedOut) {
		return Result{}, fmt.Errorf("create worktree for %s: %w", branch, err)
	}

	return m.recover(ctx, branch, repoRoot, err)
}

// pruneStale drops the dead registration stale holds for its branch. It
// fails when git keeps the entry, which happens for locked worktrees.
func (m *Manager) pruneStale(ctx context.Context, repoRoot string, stale git.WorktreeInfo) error {
	m.logger.Info("pruning stale worktree", "branch", stale.Branch, "path", stale.Path, "status", stale.Status)
	if err := m.git.PruneWorktrees(ctx, repoRoot); err != nil {
		return fmt.Errorf("prune worktrees: %w", err)
	}
	wts, err := m.git.ListWorktrees(ctx, repoRoot)
	if err != nil {
		return fmt.Errorf("list worktrees: %w", err)
	}
	if still, ok := git.FindWorktree(wts, stale.Branch); ok {
		return &InaccessibleError{Branch: stale.Branch, Path: still.Path, Status: still.Status}
	}
	return nil
}

// recover adopts the worktree a concurrent caller created for branch.
func (m *Manager) recover(ctx context.Context, branch, repoRoot string, addErr error) (Result, error) {
	wts, listErr := m.git.ListWorktrees(ctx, repoRoot)
	if listErr == nil {
		if existing, ok := git.FindWorktree(wts, branch); ok && existing.Accessible() {
			m.logger.Debug("adopted concurrently created worktree", "branch", branch, "path", existing.Path)
			return Result{Path: existing.Path, Branch: branch, Recovered: true}, nil
		}
	}

	var held *git.AlreadyCheckedOutError
	if errors.As(addErr, &held) && held.Path != "" {
		m.logger.Debug("adopted worktree path from git error", "branch", branch, "path", held.Path)
		return Result{Path: held.Path, Branch: branch, Recovered: true}, nil
	}
	return Result{}, fmt.Errorf("create worktree for %s: %w", branch, addErr)
}

// List returns every worktree of the repository, the root included.
func (m *Manager) List(ctx context.Context, repoRoot string) ([]git.WorktreeInfo, error) {
	return m.git.ListWorktrees(ctx, repoRoot)
}

// Remove deletes the worktree at path. The branch is left alone.
func (m *Manager) Remove(ctx context.Context, repoRoot, path string, force bool) error {
	if filepath.Clean(path) == filepath.Clean(repoRoot) {
		return errors.New("refusing to remove the repository root")
	}
	return m.git.RemoveWorktree(ctx, repoRoot, path, force)
}

// Lock protects the worktree at path from prune and remove.
func (m *Manager) Lock(ctx context.Context, repoRoot, path, reason string) error {
	if filepath.Clean(path) == filepath.Clean(repoRoot) {
		return errors.New("the repository root cannot be locked")
	}
	return m.git.LockWorktree(ctx, repoRoot, path, reason)
}

// Unlock reverses Lock.
func (m *Manager) Unlock(ctx context.Context, repoRoot, path string) error {
	return m.git.UnlockWorktree(ctx, repoRoot, path)
}
