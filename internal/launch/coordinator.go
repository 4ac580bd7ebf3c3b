// Package launch runs coding agents inside branch worktrees and undoes the
// branch setup when a launch fails.
package launch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/sourcegraph/conc"

	"github.com/joescharf/gwt/internal/agent"
	"github.com/joescharf/gwt/internal/git"
	"github.com/joescharf/gwt/internal/models"
	"github.com/joescharf/gwt/internal/store"
	"github.com/joescharf/gwt/internal/wt"
)

// Recorder persists job snapshots. store.Store satisfies it.
type Recorder interface {
	SaveLaunchJob(ctx context.Context, job *models.LaunchJob) error
}

// Deps are the collaborators of a Coordinator. Registry, Resolver and Git
// are required; the rest have defaults or are optional.
type Deps struct {
	Registry *agent.Registry
	Resolver *agent.Resolver
	Git      git.Gateway
	Issues   git.IssueLinker
	Spawner  Spawner
	Recorder Recorder
	Logger   *slog.Logger
	// NewID overrides job ID generation in tests.
	NewID func() string
}

// Coordinator runs launch jobs. Jobs run concurrently, each on its own
// goroutine.
type Coordinator struct {
	registry  *agent.Registry
	resolver  *agent.Resolver
	git       git.Gateway
	worktrees *wt.Manager
	issues    git.IssueLinker
	spawner   Spawner
	recorder  Recorder
	logger    *slog.Logger
	newID     func() string

	mu   sync.Mutex
	jobs map[string]*Job
	wg   conc.WaitGroup
}

// NewCoordinator returns a Coordinator.
func NewCoordinator(d Deps) *Coordinator {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Spawner == nil {
		d.Spawner = ExecSpawner{}
	}
	if d.NewID == nil {
		d.NewID = store.NewID
	}
	return &Coordinator{
		registry:  d.Registry,
		resolver:  d.Resolver,
		git:       d.Git,
		worktrees: wt.NewManager(d.Git, d.Logger),
		issues:    d.Issues,
		spawner:   d.Spawner,
		recorder:  d.Recorder,
		logger:    d.Logger,
		newID:     d.NewID,
		jobs:      make(map[string]*Job),
	}
}

func validate(req Request) error {
	var errs []error
	if req.RepoRoot == "" {
		errs = append(errs, errors.New("repo root is required"))
	}
	if req.Branch == "" {
		errs = append(errs, errors.New("branch is required"))
	}
	if req.AgentID == "" {
		errs = append(errs, errors.New("agent is required"))
	}
	if req.IssueNumber < 0 {
		errs = append(errs, fmt.Errorf("invalid issue number %d", req.IssueNumber))
	}
	return errors.Join(errs...)
}

func (c *Coordinator) enqueue(ctx context.Context, req Request, onEvent EventFunc) (*Job, context.Context, error) {
	if err := validate(req); err != nil {
		return nil, nil, err
	}
	if req.Mode == "" {
		req.Mode = agent.ModeNormal
	}
	job := newJob(c.newID(), req, onEvent)
	jobCtx, cancel := context.WithCancel(ctx)
	job.cancel = cancel

	c.mu.Lock()
	c.jobs[job.ID] = job
	c.mu.Unlock()

	c.record(job)
	return job, jobCtx, nil
}

// Launch queues a job and returns immediately. The job outlives ctx's
// cancellation; use Cancel to stop it.
func (c *Coordinator) Launch(ctx context.Context, req Request, onEvent EventFunc) (*Job, error) {
	job, jobCtx, err := c.enqueue(context.WithoutCancel(ctx), req, onEvent)
	if err != nil {
		return nil, err
	}
	c.wg.Go(func() { c.run(jobCtx, job) })
	return job, nil
}

// Run executes a job on the calling goroutine. Cancelling ctx cancels the job.
func (c *Coordinator) Run(ctx context.Context, req Request, onEvent EventFunc) (*Job, error) {
	job, jobCtx, err := c.enqueue(ctx, req, onEvent)
	if err != nil {
		return nil, err
	}
	c.run(jobCtx, job)
	return job, nil
}

// Cancel requests cancellation of a job. Terminal jobs are left alone.
func (c *Coordinator) Cancel(id string) error {
	job, ok := c.Get(id)
	if !ok {
		return fmt.Errorf("job not found: %s", id)
	}
	if job.State().Terminal() {
		return fmt.Errorf("job %s is already %s", id, job.State())
	}
	job.cancel()
	return nil
}

// Get returns a job by ID.
func (c *Coordinator) Get(id string) (*Job, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	j, ok := c.jobs[id]
	return j, ok
}

// List returns known jobs, oldest first.
func (c *Coordinator) List() []*Job {
	c.mu.Lock()
	out := make([]*Job, 0, len(c.jobs))
	for _, j := range c.jobs {
		out = append(out, j)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

// Wait blocks until every job started with Launch has finished.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Shutdown cancels all running jobs and waits for them.
func (c *Coordinator) Shutdown() {
	for _, j := range c.List() {
		if !j.State().Terminal() {
			j.cancel()
		}
	}
	c.Wait()
}

func (c *Coordinator) run(ctx context.Context, job *Job) {
	defer close(job.done)
	defer job.cancel()
	req := job.Request

	if !c.advance(ctx, job, StateResolving) {
		return
	}
	job.emit(StepResolve, req.AgentID)
	spec, err := c.registry.Get(req.AgentID)
	if err != nil {
		c.fail(ctx, job, err)
		return
	}
	cmd, err := c.resolver.Resolve(ctx, spec, agent.Options{
		Mode:            req.Mode,
		Model:           req.Model,
		Version:         req.Version,
		SkipPermissions: req.SkipPermissions,
		ExtraArgs:       req.ExtraArgs,
		Env:             req.Env,
	})
	if err != nil {
		c.fail(ctx, job, fmt.Errorf("resolve %s: %w", spec.ID, err))
		return
	}
	job.mu.Lock()
	job.command = cmd
	job.mu.Unlock()

	if !c.advance(ctx, job, StateSpawning) {
		return
	}
	job.emit(StepWorktreeStarted, req.Branch)
	res, err := c.worktrees.EnsureWorktree(ctx, req.Branch, req.RepoRoot, wt.Options{
		BaseBranch:  req.BaseBranch,
		IsNewBranch: req.IsNewBranch,
	})
	if err != nil {
		c.fail(ctx, job, err)
		return
	}
	job.mu.Lock()
	job.worktree = res
	job.mu.Unlock()
	job.emit(StepWorktreeDone, res.Path)
	job.emit(StepEnvironment, fmt.Sprintf("%d variables", len(cmd.Env)))

	if ctx.Err() != nil {
		c.finishCancelled(ctx, job)
		return
	}
	job.emit(StepSpawn, cmd.String())
	proc, err := c.spawner.Start(ctx, cmd, res.Path, req)
	if err != nil {
		c.fail(ctx, job, err)
		return
	}

	if err := job.transition(StateRunning); err != nil {
		c.logger.Error("job state", "job", job.ID, "error", err)
	}
	c.record(job)
	job.emit(StepRunning, fmt.Sprintf("pid %d", proc.Pid()))

	status, waitErr := c.wait(ctx, proc)
	job.mu.Lock()
	if waitErr == nil {
		code := status.Code
		job.outcome.ExitCode = &code
		job.outcome.Signal = status.Signal
	}
	job.mu.Unlock()
	job.emit(StepExited, exitMessage(status, waitErr))

	switch {
	case ctx.Err() != nil:
		c.finishCancelled(ctx, job)
	case waitErr != nil:
		c.fail(ctx, job, waitErr)
	case status.Signal != "":
		c.fail(ctx, job, fmt.Errorf("agent killed by %s", status.Signal))
	case status.Code != 0:
		c.fail(ctx, job, fmt.Errorf("agent exited with code %d", status.Code))
	default:
		c.succeed(ctx, job)
	}
}

// wait blocks for the process, killing its group if ctx is cancelled first.
func (c *Coordinator) wait(ctx context.Context, proc Process) (ExitStatus, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			if err := proc.Kill(); err != nil {
				c.logger.Warn("kill agent", "pid", proc.Pid(), "error", err)
			}
		case <-done:
		}
	}()
	return proc.Wait()
}

func exitMessage(s ExitStatus, err error) string {
	switch {
	case err != nil:
		return err.Error()
	case s.Signal != "":
		return "signal " + s.Signal
	default:
		return fmt.Sprintf("exit code %d", s.Code)
	}
}

// advance moves job to next, or finishes it as cancelled if ctx is done.
func (c *Coordinator) advance(ctx context.Context, job *Job, next State) bool {
	if ctx.Err() != nil {
		c.finishCancelled(ctx, job)
		return false
	}
	if err := job.transition(next); err != nil {
		c.logger.Error("job state", "job", job.ID, "error", err)
		return false
	}
	c.record(job)
	return true
}

func (c *Coordinator) succeed(ctx context.Context, job *Job) {
	req := job.Request
	if req.IsNewBranch && req.IssueNumber > 0 && c.issues != nil {
		err := c.issues.LinkBranch(context.WithoutCancel(ctx), req.RepoRoot, req.IssueNumber, req.Branch)
		if err != nil {
			job.warn(fmt.Sprintf("link issue #%d: %v", req.IssueNumber, err))
			job.emit(StepLinkIssue, err.Error())
		} else {
			job.emit(StepLinkIssue, fmt.Sprintf("linked %s to #%d", req.Branch, req.IssueNumber))
		}
	}
	c.finish(job, StateSucceeded)
}

func (c *Coordinator) fail(ctx context.Context, job *Job, err error) {
	job.mu.Lock()
	job.outcome.Err = err.Error()
	job.mu.Unlock()
	c.logger.Warn("launch failed", "job", job.ID, "branch", job.Request.Branch, "error", err)
	c.rollback(ctx, job)
	c.finish(job, StateFailed)
}

func (c *Coordinator) finishCancelled(ctx context.Context, job *Job) {
	job.mu.Lock()
	if job.outcome.Err == "" {
		job.outcome.Err = context.Canceled.Error()
	}
	job.mu.Unlock()
	c.rollback(ctx, job)
	c.finish(job, StateCancelled)
}

// rollback undoes a new branch's setup: the worktree and the local branch
// this launch created. The remote is never touched. Failures become warnings.
func (c *Coordinator) rollback(ctx context.Context, job *Job) {
	job.mu.Lock()
	res := job.worktree
	job.mu.Unlock()
	req := job.Request
	if !req.IsNewBranch || !res.Created {
		return
	}

	ctx = context.WithoutCancel(ctx)
	job.emit(StepRollback, req.Branch)
	if err := c.worktrees.Remove(ctx, req.RepoRoot, res.Path, true); err != nil {
		job.warn(fmt.Sprintf("remove worktree %s: %v", res.Path, err))
	}
	if err := c.git.DeleteBranch(ctx, req.RepoRoot, req.Branch, true); err != nil {
		job.warn(fmt.Sprintf("delete branch %s: %v", req.Branch, err))
	}
}

func (c *Coordinator) finish(job *Job, state State) {
	if err := job.transition(state); err != nil {
		c.logger.Error("job state", "job", job.ID, "error", err)
	}
	c.record(job)
	job.emit(StepFinished, string(state))
	c.logger.Info("launch finished", "job", job.ID, "branch", job.Request.Branch, "state", state)
}

func (c *Coordinator) record(job *Job) {
	if c.recorder == nil {
		return
	}
	if err := c.recorder.SaveLaunchJob(context.Background(), job.Record()); err != nil {
		c.logger.Warn("record launch job", "job", job.ID, "error", err)
	}
}
