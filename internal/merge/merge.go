// Package merge propagates one source branch into many target branches.
package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/joescharf/gwt/internal/git"
	"github.com/joescharf/gwt/internal/models"
	"github.com/joescharf/gwt/internal/wt"
)

// Source branch candidates in priority order. They are never merge targets.
var ReservedBranches = []string{"main", "develop", "master"}

// ErrNoSourceBranch means none of the reserved branches exists locally.
var ErrNoSourceBranch = errors.New("no source branch found (looked for main, develop, master)")

// ErrUncommittedChanges is the reason recorded for a skipped dirty target.
var ErrUncommittedChanges = errors.New("worktree has uncommitted changes")

// ErrRunInProgress means another batch merge holds the repository.
var ErrRunInProgress = errors.New("a batch merge is already running for this repository")

// Status is the merge outcome of one target.
type Status string

const (
	StatusSuccess Status = "success"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// PushStatus is the push outcome of one target.
type PushStatus string

const (
	PushNotExecuted PushStatus = "not_executed"
	PushSuccess     PushStatus = "success"
	PushFailed      PushStatus = "failed"
)

// Phase labels a progress report.
type Phase string

const (
	PhaseMerge   Phase = "merge"
	PhasePush    Phase = "push"
	PhaseCleanup Phase = "cleanup"
)

// Progress is reported before each target and once when the run ends.
type Progress struct {
	CurrentBranch string        `json:"current_branch"`
	Index         int           `json:"index"`
	Total         int           `json:"total"`
	Percentage    int           `json:"percentage"`
	Elapsed       time.Duration `json:"elapsed"`
	Phase         Phase         `json:"phase"`
}

// ProgressFunc receives progress reports on the engine's goroutine.
type ProgressFunc func(Progress)

// Config selects what a run merges and whether it pushes.
type Config struct {
	RepoRoot       string
	SourceBranch   string
	TargetBranches []string
	DryRun         bool
	AutoPush       bool
	Remote         string
	// FailOnPushError marks a target failed when its push fails. By default
	// a push failure leaves a successful merge counted as a success.
	FailOnPushError bool
}

// TargetResult records what happened to one target branch.
type TargetResult struct {
	Branch          string        `json:"branch"`
	WorktreePath    string        `json:"worktree_path"`
	CreatedWorktree bool          `json:"created_worktree"`
	Status          Status        `json:"status"`
	PushStatus      PushStatus    `json:"push_status"`
	Error           string        `json:"error,omitempty"`
	Duration        time.Duration `json:"duration"`
}

// Summary counts target outcomes. Total is the number of targets planned;
// a cancelled run processes fewer.
type Summary struct {
	Total      int `json:"total"`
	Success    int `json:"success"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
	Pushed     int `json:"pushed"`
	PushFailed int `json:"push_failed"`
}

// Result is the outcome of one Execute call.
type Result struct {
	RepoRoot     string         `json:"repo_root"`
	SourceBranch string         `json:"source_branch"`
	DryRun       bool           `json:"dry_run"`
	AutoPush     bool           `json:"auto_push"`
	Cancelled    bool           `json:"cancelled"`
	Targets      []TargetResult `json:"targets"`
	Summary      Summary        `json:"summary"`
	StartedAt    time.Time      `json:"started_at"`
	Duration     time.Duration  `json:"duration"`
}

// Engine runs batch merges against one git gateway. At most one run per
// repository is in flight; a second Execute fails with ErrRunInProgress.
type Engine struct {
	git    git.Gateway
	wt     *wt.Manager
	logger *slog.Logger

	mu      sync.Mutex
	running map[string]bool
}

// NewEngine returns an Engine.
func NewEngine(g git.Gateway, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{git: g, wt: wt.NewManager(g, logger), logger: logger, running: map[string]bool{}}
}

// acquire claims repoRoot for one run and returns its release func.
func (e *Engine) acquire(repoRoot string) (func(), error) {
	key := filepath.Clean(repoRoot)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running[key] {
		return nil, ErrRunInProgress
	}
	e.running[key] = true
	return func() {
		e.mu.Lock()
		delete(e.running, key)
		e.mu.Unlock()
	}, nil
}

// DetermineSourceBranch returns the first of main, develop and master that
// exists locally.
func (e *Engine) DetermineSourceBranch(ctx context.Context, repoRoot string) (string, error) {
	branches, err := e.git.ListLocalBranches(ctx, repoRoot)
	if err != nil {
		return "", fmt.Errorf("list branches: %w", err)
	}
	for _, candidate := range ReservedBranches {
		for _, b := range branches {
			if b.Name == candidate {
				return candidate, nil
			}
		}
	}
	return "", ErrNoSourceBranch
}

// TargetBranches returns every local branch except the reserved ones.
func (e *Engine) TargetBranches(ctx context.Context, repoRoot string) ([]string, error) {
	branches, err := e.git.ListLocalBranches(ctx, repoRoot)
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	var targets []string
	for _, b := range branches {
		if !slices.Contains(ReservedBranches, b.Name) {
			targets = append(targets, b.Name)
		}
	}
	return targets, nil
}

// Execute fetches once, then merges the source into each target in order.
// Cancellation is honored between targets only; a target in progress runs
// to completion. The returned error covers setup failures; per-target
// failures are recorded in the result.
func (e *Engine) Execute(ctx context.Context, cfg Config, onProgress ProgressFunc) (*Result, error) {
	if onProgress == nil {
		onProgress = func(Progress) {}
	}
	release, err := e.acquire(cfg.RepoRoot)
	if err != nil {
		return nil, err
	}
	defer release()

	start := time.Now()

	if cfg.SourceBranch == "" {
		src, err := e.DetermineSourceBranch(ctx, cfg.RepoRoot)
		if err != nil {
			return nil, err
		}
		cfg.SourceBranch = src
	}
	targets := cfg.TargetBranches
	if targets == nil {
		if targets, err = e.TargetBranches(ctx, cfg.RepoRoot); err != nil {
			return nil, err
		}
	}
	targets = slices.DeleteFunc(slices.Clone(targets), func(b string) bool { return b == cfg.SourceBranch })

	res := &Result{
		RepoRoot:     cfg.RepoRoot,
		SourceBranch: cfg.SourceBranch,
		DryRun:       cfg.DryRun,
		AutoPush:     cfg.AutoPush,
		StartedAt:    start.UTC(),
		Targets:      make([]TargetResult, 0, len(targets)),
	}

	if err := e.git.FetchAll(ctx, cfg.RepoRoot); err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}

	// Work inside a target is not interrupted by cancellation.
	stepCtx := context.WithoutCancel(ctx)
	total := len(targets)
	for i, branch := range targets {
		if ctx.Err() != nil {
			res.Cancelled = true
			e.logger.Info("batch merge cancelled", "processed", i, "total", total)
			break
		}
		onProgress(Progress{
			CurrentBranch: branch,
			Index:         i + 1,
			Total:         total,
			Percentage:    i * 100 / total,
			Elapsed:       time.Since(start),
			Phase:         PhaseMerge,
		})
		tr := e.mergeTarget(stepCtx, cfg, branch, func(p Phase) {
			onProgress(Progress{
				CurrentBranch: branch,
				Index:         i + 1,
				Total:         total,
				Percentage:    i * 100 / total,
				Elapsed:       time.Since(start),
				Phase:         p,
			})
		})
		res.Targets = append(res.Targets, tr)
	}

	onProgress(Progress{Index: len(res.Targets), Total: total, Percentage: 100, Elapsed: time.Since(start), Phase: PhaseCleanup})
	res.Summary = summarize(res.Targets)
	res.Summary.Total = total
	res.Duration = time.Since(start)
	return res, nil
}

func (e *Engine) mergeTarget(ctx context.Context, cfg Config, branch string, phase func(Phase)) (tr TargetResult) {
	started := time.Now()
	tr = TargetResult{Branch: branch, PushStatus: PushNotExecuted}
	defer func() { tr.Duration = time.Since(started) }()

	wtRes, err := e.wt.EnsureWorktree(ctx, branch, cfg.RepoRoot, wt.Options{})
	if err != nil {
		tr.Status = StatusFailed
		tr.Error = err.Error()
		return tr
	}
	tr.WorktreePath = wtRes.Path
	tr.CreatedWorktree = wtRes.Created

	// Aborting or resetting a merge cannot tell pre-existing edits from
	// merge results, so a dirty worktree is never merged into.
	dirty, err := e.git.HasUncommittedChanges(ctx, wtRes.Path)
	if err != nil {
		tr.Status = StatusFailed
		tr.Error = fmt.Sprintf("check worktree status: %v", err)
		return tr
	}
	if dirty {
		tr.Status = StatusSkipped
		tr.Error = ErrUncommittedChanges.Error()
		e.logger.Warn("skipping target with uncommitted changes", "branch", branch, "path", wtRes.Path)
		return tr
	}

	tr.Status, tr.Error = e.merge(ctx, wtRes.Path, cfg.SourceBranch, cfg.DryRun)
	e.logger.Debug("merged target", "branch", branch, "status", tr.Status, "dry_run", cfg.DryRun)

	if tr.Status != StatusSuccess || !cfg.AutoPush || cfg.DryRun {
		return tr
	}

	phase(PhasePush)
	if err := e.git.Push(ctx, wtRes.Path, cfg.Remote, branch); err != nil {
		tr.PushStatus = PushFailed
		tr.Error = err.Error()
		if cfg.FailOnPushError {
			tr.Status = StatusFailed
		}
		e.logger.Warn("push failed", "branch", branch, "error", err)
		return tr
	}
	tr.PushStatus = PushSuccess
	return tr
}

// merge runs one merge into a clean worktree and classifies it. A dry run
// always resets the worktree to HEAD afterwards.
func (e *Engine) merge(ctx context.Context, path, source string, dryRun bool) (Status, string) {
	status, msg := StatusSuccess, ""
	if err := e.git.Merge(ctx, path, source, dryRun); err != nil {
		conflict, cErr := e.git.HasConflict(ctx, path)
		switch {
		case cErr == nil && conflict:
			status = StatusSkipped
			msg = "merge conflict"
			if aErr := e.git.AbortMerge(ctx, path); aErr != nil {
				status = StatusFailed
				msg = fmt.Sprintf("merge conflict; abort failed: %v", aErr)
			}
		default:
			status = StatusFailed
			msg = err.Error()
		}
	}
	if dryRun {
		if err := e.git.ResetToHead(ctx, path); err != nil {
			status = StatusFailed
			msg = fmt.Sprintf("reset after dry run: %v", err)
		}
	}
	return status, msg
}

func summarize(targets []TargetResult) Summary {
	var s Summary
	for _, t := range targets {
		switch t.Status {
		case StatusSuccess:
			s.Success++
		case StatusSkipped:
			s.Skipped++
		case StatusFailed:
			s.Failed++
		}
		switch t.PushStatus {
		case PushSuccess:
			s.Pushed++
		case PushFailed:
			s.PushFailed++
		}
	}
	return s
}

// Record flattens r into its history form.
func (r *Result) Record() *models.MergeRun {
	run := &models.MergeRun{
		RepoRoot:     r.RepoRoot,
		SourceBranch: r.SourceBranch,
		DryRun:       r.DryRun,
		AutoPush:     r.AutoPush,
		Cancelled:    r.Cancelled,
		Total:        r.Summary.Total,
		Success:      r.Summary.Success,
		Skipped:      r.Summary.Skipped,
		Failed:       r.Summary.Failed,
		Pushed:       r.Summary.Pushed,
		PushFailed:   r.Summary.PushFailed,
		Targets:      make([]models.MergeRunTarget, 0, len(r.Targets)),
		StartedAt:    r.StartedAt,
		Duration:     r.Duration,
	}
	for _, t := range r.Targets {
		run.Targets = append(run.Targets, models.MergeRunTarget{
			Branch:     t.Branch,
			Status:     string(t.Status),
			PushStatus: string(t.PushStatus),
			Error:      t.Error,
		})
	}
	return run
}
