// Package gittest provides an in-memory git.Gateway for tests.
package gittest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/joescharf/gwt/internal/git"
)

// Fake is a scriptable git.Gateway. Zero-value maps are fine; set fields
// before handing it to the code under test.
type Fake struct {
	mu sync.Mutex

	Current   string
	Branches  []string
	Worktrees []git.WorktreeInfo

	// OnAdd runs before AddWorktree records anything and may call
	// BindWorktree to simulate a concurrent creator. A non-nil return is
	// returned from AddWorktree as-is.
	OnAdd func(path, branch string) error

	// OnFetch runs at the start of FetchAll, outside the lock, so a test
	// can hold a batch merge mid-run.
	OnFetch func()

	// Dirty marks branches whose worktree has uncommitted edits.
	Dirty map[string]bool

	AddErrs      map[string]error
	Conflicts    map[string]bool
	MergeErrs    map[string]error
	PushErrs     map[string]error
	FetchErr     error
	DeleteErr    error
	RemoveErr    error
	AbortErr     error
	ResetErr     error
	ListErr      error
	CurrentErr   error
	conflictedAt map[string]bool
	calls        []string
}

// New returns a Fake with the given current branch and local branches. The
// repository root is registered as the current branch's worktree.
func New(repoRoot, current string, branches ...string) *Fake {
	return &Fake{
		Current:   current,
		Branches:  branches,
		Worktrees: []git.WorktreeInfo{{Path: repoRoot, Branch: current}},
	}
}

// BindWorktree registers path as the worktree for branch.
func (f *Fake) BindWorktree(path, branch string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Worktrees = append(f.Worktrees, git.WorktreeInfo{Path: path, Branch: branch})
}

// Calls returns a copy of the recorded operations, e.g. "add feature/a /r/.worktrees/feature-a".
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Count returns how many recorded calls start with prefix.
func (f *Fake) Count(prefix string) int {
	n := 0
	for _, c := range f.Calls() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (f *Fake) record(format string, args ...any) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *Fake) branchAt(path string) string {
	for _, wt := range f.Worktrees {
		if wt.Path == path {
			return wt.Branch
		}
	}
	return ""
}

func (f *Fake) ListLocalBranches(_ context.Context, _ string) ([]git.Branch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("branches")
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	var out []git.Branch
	for _, name := range f.Branches {
		out = append(out, git.Branch{Name: name, Kind: git.BranchLocal, Current: name == f.Current})
	}
	return out, nil
}

func (f *Fake) ListWorktrees(_ context.Context, _ string) ([]git.WorktreeInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("worktrees")
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	return append([]git.WorktreeInfo(nil), f.Worktrees...), nil
}

func (f *Fake) CurrentBranch(_ context.Context, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CurrentErr != nil {
		return "", f.CurrentErr
	}
	return f.Current, nil
}

func (f *Fake) WorktreeExists(_ context.Context, _ string, branch string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := git.FindWorktree(f.Worktrees, branch)
	return ok, nil
}

func (f *Fake) AddWorktree(_ context.Context, _ string, path, branch, base string, newBranch bool) error {
	if f.OnAdd != nil {
		if err := f.OnAdd(path, branch); err != nil {
			f.mu.Lock()
			f.record("add %s %s", branch, path)
			f.mu.Unlock()
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("add %s %s", branch, path)
	if err := f.AddErrs[branch]; err != nil {
		return err
	}
	if held, ok := git.FindWorktree(f.Worktrees, branch); ok {
		return &git.AlreadyCheckedOutError{Branch: branch, Path: held.Path}
	}
	if newBranch {
		f.Branches = append(f.Branches, branch)
	}
	f.Worktrees = append(f.Worktrees, git.WorktreeInfo{Path: path, Branch: branch})
	return nil
}

func (f *Fake) RemoveWorktree(_ context.Context, _ string, path string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("remove %s", path)
	if f.RemoveErr != nil {
		return f.RemoveErr
	}
	for i, wt := range f.Worktrees {
		if wt.Path == path {
			f.Worktrees = append(f.Worktrees[:i], f.Worktrees[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("no worktree at %s", path)
}

// PruneWorktrees drops prunable registrations, as git does. Missing ones
// stand in for locked worktrees on vanished storage and are kept.
func (f *Fake) PruneWorktrees(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("prune")
	f.Worktrees = slices.DeleteFunc(f.Worktrees, func(w git.WorktreeInfo) bool {
		return w.Status == git.WorktreePrunable
	})
	return nil
}

func (f *Fake) LockWorktree(_ context.Context, _ string, path, reason string) error {
	return f.setStatus("lock", path, git.WorktreeLocked, reason)
}

func (f *Fake) UnlockWorktree(_ context.Context, _ string, path string) error {
	return f.setStatus("unlock", path, git.WorktreeActive, "")
}

func (f *Fake) setStatus(op, path string, status git.WorktreeStatus, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("%s %s", op, path)
	for i := range f.Worktrees {
		if f.Worktrees[i].Path == path {
			f.Worktrees[i].Status = status
			f.Worktrees[i].Reason = reason
			return nil
		}
	}
	return fmt.Errorf("no worktree at %s", path)
}

func (f *Fake) HasUncommittedChanges(_ context.Context, worktreePath string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Dirty[f.branchAt(worktreePath)], nil
}

func (f *Fake) Merge(_ context.Context, worktreePath, source string, noCommit bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	target := f.branchAt(worktreePath)
	f.record("merge %s %s nocommit=%t", target, source, noCommit)
	if f.Conflicts[target] {
		if f.conflictedAt == nil {
			f.conflictedAt = map[string]bool{}
		}
		f.conflictedAt[worktreePath] = true
		return errors.New("CONFLICT (content): Merge conflict in f.txt")
	}
	if err := f.MergeErrs[target]; err != nil {
		return err
	}
	return nil
}

func (f *Fake) HasConflict(_ context.Context, worktreePath string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conflictedAt[worktreePath], nil
}

func (f *Fake) AbortMerge(_ context.Context, worktreePath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("abort %s", f.branchAt(worktreePath))
	if f.AbortErr != nil {
		return f.AbortErr
	}
	delete(f.conflictedAt, worktreePath)
	return nil
}

func (f *Fake) ResetToHead(_ context.Context, worktreePath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("reset %s", f.branchAt(worktreePath))
	if f.ResetErr != nil {
		return f.ResetErr
	}
	delete(f.conflictedAt, worktreePath)
	return nil
}

func (f *Fake) Push(_ context.Context, _ string, remote, branch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("push %s %s", remote, branch)
	return f.PushErrs[branch]
}

func (f *Fake) FetchAll(_ context.Context, _ string) error {
	if f.OnFetch != nil {
		f.OnFetch()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("fetch")
	return f.FetchErr
}

func (f *Fake) DeleteBranch(_ context.Context, _ string, branch string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("delete %s force=%t", branch, force)
	if f.DeleteErr != nil {
		return f.DeleteErr
	}
	for i, b := range f.Branches {
		if b == branch {
			f.Branches = append(f.Branches[:i], f.Branches[i+1:]...)
			break
		}
	}
	return nil
}

var _ git.Gateway = (*Fake)(nil)
