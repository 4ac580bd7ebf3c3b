package launch

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/joescharf/gwt/internal/agent"
	"github.com/joescharf/gwt/internal/models"
	"github.com/joescharf/gwt/internal/wt"
)

// Request describes one agent launch.
type Request struct {
	RepoRoot        string            `json:"repo_root"`
	Branch          string            `json:"branch"`
	BaseBranch      string            `json:"base_branch,omitempty"`
	AgentID         string            `json:"agent_id"`
	Mode            agent.Mode        `json:"mode,omitempty"`
	Model           string            `json:"model,omitempty"`
	Version         string            `json:"version,omitempty"`
	SkipPermissions bool              `json:"skip_permissions,omitempty"`
	ExtraArgs       []string          `json:"extra_args,omitempty"`
	Env             map[string]string `json:"env,omitempty"`
	IsNewBranch     bool              `json:"is_new_branch,omitempty"`
	IssueNumber     int               `json:"issue_number,omitempty"`

	// Stdio for the agent process; nil discards output and gives no input.
	Stdin  io.Reader `json:"-"`
	Stdout io.Writer `json:"-"`
	Stderr io.Writer `json:"-"`
	// Foreground runs the agent in the caller's process group, for
	// interactive terminal sessions.
	Foreground bool `json:"-"`
}

// Step names a progress event.
type Step string

const (
	StepResolve         Step = "resolve"
	StepWorktreeStarted Step = "worktree_started"
	StepWorktreeDone    Step = "worktree_done"
	StepEnvironment     Step = "environment"
	StepSpawn           Step = "spawn"
	StepRunning         Step = "running"
	StepExited          Step = "exited"
	StepLinkIssue       Step = "link_issue"
	StepRollback        Step = "rollback"
	StepFinished        Step = "finished"
)

// Event is one progress report. Seq increases by one per event of a job.
type Event struct {
	JobID   string    `json:"job_id"`
	Seq     int       `json:"seq"`
	Step    Step      `json:"step"`
	State   State     `json:"state"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

// EventFunc receives events on the job's goroutine, in order.
type EventFunc func(Event)

// Outcome is filled in when the job reaches a terminal state.
type Outcome struct {
	ExitCode *int     `json:"exit_code,omitempty"`
	Signal   string   `json:"signal,omitempty"`
	Err      string   `json:"error,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Job tracks one launch from queueing to its terminal state.
type Job struct {
	ID      string
	Request Request

	mu        sync.Mutex
	state     State
	startedAt time.Time
	endedAt   time.Time
	outcome   Outcome
	command   *agent.Command
	worktree  wt.Result
	events    []Event
	onEvent   EventFunc

	cancel context.CancelFunc
	done   chan struct{}
}

func newJob(id string, req Request, onEvent EventFunc) *Job {
	return &Job{
		ID:        id,
		Request:   req,
		state:     StateQueued,
		startedAt: time.Now().UTC(),
		onEvent:   onEvent,
		done:      make(chan struct{}),
	}
}

// State returns the current state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Outcome returns a copy of the outcome.
func (j *Job) Outcome() Outcome {
	j.mu.Lock()
	defer j.mu.Unlock()
	o := j.outcome
	o.Warnings = append([]string(nil), j.outcome.Warnings...)
	return o
}

// Events returns the events emitted so far.
func (j *Job) Events() []Event {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]Event(nil), j.events...)
}

// Command returns the resolved invocation, nil before resolution.
func (j *Job) Command() *agent.Command {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.command
}

// Done is closed once the job is terminal.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

func (j *Job) transition(next State) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.state.CanTransition(next) {
		return &TransitionError{From: j.state, To: next}
	}
	j.state = next
	if next.Terminal() {
		j.endedAt = time.Now().UTC()
	}
	return nil
}

func (j *Job) emit(step Step, msg string) {
	j.mu.Lock()
	ev := Event{
		JobID:   j.ID,
		Seq:     len(j.events) + 1,
		Step:    step,
		State:   j.state,
		Message: msg,
		At:      time.Now().UTC(),
	}
	j.events = append(j.events, ev)
	fn := j.onEvent
	j.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func (j *Job) warn(msg string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.outcome.Warnings = append(j.outcome.Warnings, msg)
}

// Record flattens the job into its persisted form.
func (j *Job) Record() *models.LaunchJob {
	j.mu.Lock()
	defer j.mu.Unlock()
	r := &models.LaunchJob{
		ID:              j.ID,
		RepoRoot:        j.Request.RepoRoot,
		Branch:          j.Request.Branch,
		BaseBranch:      j.Request.BaseBranch,
		AgentID:         j.Request.AgentID,
		Mode:            string(j.Request.Mode),
		Model:           j.Request.Model,
		Status:          models.JobStatus(j.state),
		WorktreePath:    j.worktree.Path,
		CreatedWorktree: j.worktree.Created,
		IsNewBranch:     j.Request.IsNewBranch,
		IssueNumber:     j.Request.IssueNumber,
		ExitCode:        j.outcome.ExitCode,
		Signal:          j.outcome.Signal,
		Error:           j.outcome.Err,
		Warnings:        append([]string(nil), j.outcome.Warnings...),
		StartedAt:       j.startedAt,
		OwnerPID:        os.Getpid(),
	}
	if r.Mode == "" {
		r.Mode = string(agent.ModeNormal)
	}
	if j.command != nil {
		r.CommandLine = j.command.String()
		r.UsesFallback = j.command.UsesFallback
	}
	if !j.endedAt.IsZero() {
		ended := j.endedAt
		r.EndedAt = &ended
	}
	return r
}
