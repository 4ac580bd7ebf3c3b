package models

import "time"

// JobStatus is the persisted state of a launch job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusResolving JobStatus = "resolving"
	JobStatusSpawning  JobStatus = "spawning"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transitions can happen.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed || s == JobStatusCancelled
}

// LaunchJob is the history record of one agent launch.
type LaunchJob struct {
	ID              string     `json:"id"`
	RepoRoot        string     `json:"repo_root"`
	Branch          string     `json:"branch"`
	BaseBranch      string     `json:"base_branch,omitempty"`
	AgentID         string     `json:"agent_id"`
	Mode            string     `json:"mode"`
	Model           string     `json:"model,omitempty"`
	Status          JobStatus  `json:"status"`
	WorktreePath    string     `json:"worktree_path,omitempty"`
	CreatedWorktree bool       `json:"created_worktree"`
	IsNewBranch     bool       `json:"is_new_branch"`
	IssueNumber     int        `json:"issue_number,omitempty"`
	CommandLine     string     `json:"command_line,omitempty"`
	UsesFallback    bool       `json:"uses_fallback"`
	ExitCode        *int       `json:"exit_code,omitempty"`
	Signal          string     `json:"signal,omitempty"`
	Error           string     `json:"error,omitempty"`
	Warnings        []string   `json:"warnings,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	// OwnerPID is the gwt process driving the job.
	OwnerPID int `json:"owner_pid,omitempty"`
}
