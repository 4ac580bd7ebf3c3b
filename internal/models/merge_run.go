package models

import "time"

// MergeRunTarget is one target's outcome within a MergeRun.
type MergeRunTarget struct {
	Branch     string `json:"branch"`
	Status     string `json:"status"`
	PushStatus string `json:"push_status"`
	Error      string `json:"error,omitempty"`
}

// MergeRun is the history record of one batch merge.
type MergeRun struct {
	ID           string           `json:"id"`
	RepoRoot     string           `json:"repo_root"`
	SourceBranch string           `json:"source_branch"`
	DryRun       bool             `json:"dry_run"`
	AutoPush     bool             `json:"auto_push"`
	Cancelled    bool             `json:"cancelled"`
	Total        int              `json:"total"`
	Success      int              `json:"success"`
	Skipped      int              `json:"skipped"`
	Failed       int              `json:"failed"`
	Pushed       int              `json:"pushed"`
	PushFailed   int              `json:"push_failed"`
	Targets      []MergeRunTarget `json:"targets"`
	StartedAt    time.Time        `json:"started_at"`
	Duration     time.Duration    `json:"duration"`
}
