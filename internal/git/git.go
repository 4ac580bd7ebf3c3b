package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// BranchKind distinguishes local branches from remote-tracking ones.
type BranchKind string

const (
	BranchLocal  BranchKind = "local"
	BranchRemote BranchKind = "remote"
)

// Branch is a snapshot of a named ref. It is re-read rather than mutated.
type Branch struct {
	Name    string     `json:"name"`
	Kind    BranchKind `json:"kind"`
	Current bool       `json:"current"`
}

// WorktreeStatus reports whether a registered worktree can be used.
type WorktreeStatus string

const (
	WorktreeActive WorktreeStatus = "active"
	// WorktreeLocked is protected from prune and remove; still usable.
	WorktreeLocked WorktreeStatus = "locked"
	// WorktreePrunable is registered but git would prune it.
	WorktreePrunable WorktreeStatus = "prunable"
	// WorktreeMissing is registered but its directory is gone.
	WorktreeMissing WorktreeStatus = "missing"
)

// WorktreeInfo holds parsed worktree metadata from `git worktree list --porcelain`.
type WorktreeInfo struct {
	Path   string         `json:"path"`
	Branch string         `json:"branch"`
	HEAD   string         `json:"head"`
	Status WorktreeStatus `json:"status"`
	// Reason is the lock or prune reason git reported, if any.
	Reason string `json:"reason,omitempty"`
}

// Accessible reports whether the worktree's directory can be worked in.
func (w WorktreeInfo) Accessible() bool {
	return w.Status == "" || w.Status == WorktreeActive || w.Status == WorktreeLocked
}

// Gateway is the version-control surface the worktree manager, merge engine
// and launch coordinator depend on. Every method runs against an explicit
// path so one gateway can serve several repositories.
type Gateway interface {
	ListLocalBranches(ctx context.Context, repoRoot string) ([]Branch, error)
	ListWorktrees(ctx context.Context, repoRoot string) ([]WorktreeInfo, error)
	CurrentBranch(ctx context.Context, path string) (string, error)
	WorktreeExists(ctx context.Context, repoRoot, branch string) (bool, error)
	AddWorktree(ctx context.Context, repoRoot, path, branch, base string, newBranch bool) error
	RemoveWorktree(ctx context.Context, repoRoot, path string, force bool) error
	PruneWorktrees(ctx context.Context, repoRoot string) error
	LockWorktree(ctx context.Context, repoRoot, path, reason string) error
	UnlockWorktree(ctx context.Context, repoRoot, path string) error
	HasUncommittedChanges(ctx context.Context, worktreePath string) (bool, error)
	Merge(ctx context.Context, worktreePath, source string, noCommit bool) error
	HasConflict(ctx context.Context, worktreePath string) (bool, error)
	AbortMerge(ctx context.Context, worktreePath string) error
	ResetToHead(ctx context.Context, worktreePath string) error
	Push(ctx context.Context, worktreePath, remote, branch string) error
	FetchAll(ctx context.Context, repoRoot string) error
	DeleteBranch(ctx context.Context, repoRoot, branch string, force bool) error
}

// RealClient implements Gateway by shelling out to the git CLI.
type RealClient struct{}

// NewClient returns a new RealClient.
func NewClient() *RealClient {
	return &RealClient{}
}

// gitCmd runs a read-only git command and returns trimmed stdout.
func gitCmd(ctx context.Context, path string, args ...string) (string, error) {
	fullArgs := append([]string{"-C", path}, args...)
	out, err := exec.CommandContext(ctx, "git", fullArgs...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("git %s: %s", strings.Join(args, " "), strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// gitRun runs a mutating git command; git reports conflicts and refusals on
// stdout as often as stderr, so both are kept for the error message.
func gitRun(ctx context.Context, path, op string, args ...string) error {
	fullArgs := append([]string{"-C", path}, args...)
	out, err := exec.CommandContext(ctx, "git", fullArgs...).CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			return fmt.Errorf("git %s failed: %w", op, err)
		}
		return fmt.Errorf("git %s failed: %s: %w", op, msg, err)
	}
	return nil
}

// RepoRoot returns the top-level directory of the repository containing dir.
func RepoRoot(ctx context.Context, dir string) (string, error) {
	return gitCmd(ctx, dir, "rev-parse", "--show-toplevel")
}

func (c *RealClient) ListLocalBranches(ctx context.Context, repoRoot string) ([]Branch, error) {
	out, err := gitCmd(ctx, repoRoot, "branch", "--format=%(HEAD)%(refname:short)")
	if err != nil {
		return nil, err
	}
	return parseBranchList(out), nil
}

func parseBranchList(out string) []Branch {
	var branches []Branch
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		b := Branch{Kind: BranchLocal}
		switch line[0] {
		case '*':
			b.Current = true
			line = line[1:]
		case ' ':
			line = line[1:]
		}
		b.Name = strings.TrimSpace(line)
		// detached HEAD shows up as "(HEAD detached at ...)"
		if b.Name == "" || strings.HasPrefix(b.Name, "(") {
			continue
		}
		branches = append(branches, b)
	}
	return branches
}

func (c *RealClient) ListWorktrees(ctx context.Context, repoRoot string) ([]WorktreeInfo, error) {
	out, err := gitCmd(ctx, repoRoot, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	wts := ParseWorktreeListPorcelain(out)
	markMissing(wts)
	return wts, nil
}

// markMissing flags worktrees whose directory no longer exists. git only
// reports those as prunable when they are not locked.
func markMissing(wts []WorktreeInfo) {
	for i := range wts {
		if wts[i].Status == WorktreePrunable {
			continue
		}
		if _, err := os.Stat(wts[i].Path); errors.Is(err, os.ErrNotExist) {
			wts[i].Status = WorktreeMissing
		}
	}
}

func (c *RealClient) CurrentBranch(ctx context.Context, path string) (string, error) {
	return gitCmd(ctx, path, "rev-parse", "--abbrev-ref", "HEAD")
}

func (c *RealClient) WorktreeExists(ctx context.Context, repoRoot, branch string) (bool, error) {
	wts, err := c.ListWorktrees(ctx, repoRoot)
	if err != nil {
		return false, err
	}
	_, ok := FindWorktree(wts, branch)
	return ok, nil
}

func (c *RealClient) AddWorktree(ctx context.Context, repoRoot, path, branch, base string, newBranch bool) error {
	var args []string
	if newBranch {
		args = []string{"worktree", "add", "-b", branch, path}
		if base != "" {
			args = append(args, base)
		}
	} else {
		args = []string{"worktree", "add", path, branch}
	}
	fullArgs := append([]string{"-C", repoRoot}, args...)
	out, err := exec.CommandContext(ctx, "git", fullArgs...).CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if held := ParseAlreadyCheckedOut(branch, msg); held != nil {
			return held
		}
		return fmt.Errorf("git worktree add failed: %s: %w", msg, err)
	}
	return nil
}

func (c *RealClient) RemoveWorktree(ctx context.Context, repoRoot, path string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)
	return gitRun(ctx, repoRoot, "worktree remove", args...)
}

func (c *RealClient) PruneWorktrees(ctx context.Context, repoRoot string) error {
	return gitRun(ctx, repoRoot, "worktree prune", "worktree", "prune")
}

func (c *RealClient) LockWorktree(ctx context.Context, repoRoot, path, reason string) error {
	args := []string{"worktree", "lock"}
	if reason != "" {
		args = append(args, "--reason", reason)
	}
	args = append(args, path)
	return gitRun(ctx, repoRoot, "worktree lock", args...)
}

func (c *RealClient) UnlockWorktree(ctx context.Context, repoRoot, path string) error {
	return gitRun(ctx, repoRoot, "worktree unlock", "worktree", "unlock", path)
}

// HasUncommittedChanges reports staged or unstaged edits to tracked files.
// Untracked files are ignored; merges and resets leave them alone.
func (c *RealClient) HasUncommittedChanges(ctx context.Context, worktreePath string) (bool, error) {
	out, err := gitCmd(ctx, worktreePath, "status", "--porcelain", "--untracked-files=no")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

func (c *RealClient) Merge(ctx context.Context, worktreePath, source string, noCommit bool) error {
	args := []string{"merge"}
	if noCommit {
		args = append(args, "--no-commit", "--no-ff")
	} else {
		args = append(args, "--no-edit")
	}
	args = append(args, source)
	return gitRun(ctx, worktreePath, "merge", args...)
}

func (c *RealClient) HasConflict(ctx context.Context, worktreePath string) (bool, error) {
	out, err := gitCmd(ctx, worktreePath, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

func (c *RealClient) AbortMerge(ctx context.Context, worktreePath string) error {
	return gitRun(ctx, worktreePath, "merge --abort", "merge", "--abort")
}

// ResetToHead undoes an uncommitted merge. It uses --merge rather than
// --hard so unstaged edits that predate the merge survive.
func (c *RealClient) ResetToHead(ctx context.Context, worktreePath string) error {
	return gitRun(ctx, worktreePath, "reset", "reset", "--merge", "HEAD")
}

func (c *RealClient) Push(ctx context.Context, worktreePath, remote, branch string) error {
	if remote == "" {
		remote = "origin"
	}
	return gitRun(ctx, worktreePath, "push", "push", remote, branch)
}

func (c *RealClient) FetchAll(ctx context.Context, repoRoot string) error {
	return gitRun(ctx, repoRoot, "fetch", "fetch", "--all", "--prune")
}

func (c *RealClient) DeleteBranch(ctx context.Context, repoRoot, branch string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}
	return gitRun(ctx, repoRoot, "branch "+flag, "branch", flag, branch)
}

// FindWorktree returns the worktree bound to branch, if any, accessible or not.
func FindWorktree(wts []WorktreeInfo, branch string) (WorktreeInfo, bool) {
	for _, wt := range wts {
		if wt.Branch == branch {
			return wt, true
		}
	}
	return WorktreeInfo{}, false
}

// ParseWorktreeListPorcelain parses the output of `git worktree list --porcelain`.
func ParseWorktreeListPorcelain(output string) []WorktreeInfo {
	var worktrees []WorktreeInfo
	var current WorktreeInfo

	for _, line := range strings.Split(output, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
			current.Status = WorktreeActive
		case strings.HasPrefix(line, "HEAD "):
			current.HEAD = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			branch := strings.TrimPrefix(line, "branch ")
			current.Branch = strings.TrimPrefix(branch, "refs/heads/")
		case line == "locked" || strings.HasPrefix(line, "locked "):
			// prunable wins: git will drop the entry regardless
			if current.Status != WorktreePrunable {
				current.Status = WorktreeLocked
				current.Reason = strings.TrimSpace(strings.TrimPrefix(line, "locked"))
			}
		case line == "prunable" || strings.HasPrefix(line, "prunable "):
			current.Status = WorktreePrunable
			current.Reason = strings.TrimSpace(strings.TrimPrefix(line, "prunable"))
		case line == "":
			if current.Path != "" {
				worktrees = append(worktrees, current)
				current = WorktreeInfo{}
			}
		}
	}
	if current.Path != "" {
		worktrees = append(worktrees, current)
	}
	return worktrees
}

var (
	_ Gateway     = (*RealClient)(nil)
	_ IssueLinker = (*GitHubClient)(nil)
)
