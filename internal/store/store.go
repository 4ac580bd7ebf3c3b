package store

import (
	"context"

	"github.com/joescharf/gwt/internal/models"
)

// JobFilter narrows ListLaunchJobs.
type JobFilter struct {
	RepoRoot string
	Branch   string
	Status   models.JobStatus
	Limit    int
}

// Store defines the persistence interface for gwt history.
type Store interface {
	// Launch jobs
	SaveLaunchJob(ctx context.Context, job *models.LaunchJob) error
	GetLaunchJob(ctx context.Context, id string) (*models.LaunchJob, error)
	ListLaunchJobs(ctx context.Context, filter JobFilter) ([]*models.LaunchJob, error)
	PruneLaunchJobs(ctx context.Context, keep int) (int64, error)

	// Merge runs
	CreateMergeRun(ctx context.Context, run *models.MergeRun) error
	GetMergeRun(ctx context.Context, id string) (*models.MergeRun, error)
	ListMergeRuns(ctx context.Context, repoRoot string, limit int) ([]*models.MergeRun, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
