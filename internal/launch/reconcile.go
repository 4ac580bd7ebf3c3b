package launch

import (
	"context"
	"fmt"
	"time"

	"github.com/joescharf/gwt/internal/models"
	"github.com/joescharf/gwt/internal/store"
)

// History is the launch record store Reconcile works on.
type History interface {
	Recorder
	ListLaunchJobs(ctx context.Context, filter store.JobFilter) ([]*models.LaunchJob, error)
}

// InterruptedError is stored on records whose gwt process went away.
const InterruptedError = "interrupted: gwt exited before the job finished"

var activeStatuses = []models.JobStatus{
	models.JobStatusQueued,
	models.JobStatusResolving,
	models.JobStatusSpawning,
	models.JobStatusRunning,
}

// Reconcile marks non-terminal records as failed when the gwt process that
// owned them is no longer alive. Jobs this coordinator is running are left
// alone. It returns how many records were updated.
func (c *Coordinator) Reconcile(ctx context.Context, h History, alive func(pid int) bool) (int, error) {
	updated := 0
	for _, status := range activeStatuses {
		jobs, err := h.ListLaunchJobs(ctx, store.JobFilter{Status: status})
		if err != nil {
			return updated, fmt.Errorf("list %s jobs: %w", status, err)
		}
		for _, j := range jobs {
			if _, ok := c.Get(j.ID); ok {
				continue
			}
			if j.OwnerPID > 0 && alive(j.OwnerPID) {
				continue
			}
			now := time.Now().UTC()
			j.Status = models.JobStatusFailed
			j.Error = InterruptedError
			j.EndedAt = &now
			if err := h.SaveLaunchJob(ctx, j); err != nil {
				return updated, err
			}
			c.logger.Info("reconciled stale launch", "job", j.ID, "branch", j.Branch, "owner_pid", j.OwnerPID)
			updated++
		}
	}
	return updated, nil
}
