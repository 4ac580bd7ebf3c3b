package launch

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/gwt/internal/models"
	"github.com/joescharf/gwt/internal/store"
)

func TestReconcile(t *testing.T) {
	ctx := context.Background()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "gwt.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(ctx))

	started := time.Now().UTC().Add(-time.Hour)
	seed := []*models.LaunchJob{
		{ID: "dead-running", Status: models.JobStatusRunning, OwnerPID: 100},
		{ID: "dead-queued", Status: models.JobStatusQueued, OwnerPID: 101},
		{ID: "legacy", Status: models.JobStatusSpawning},
		{ID: "alive", Status: models.JobStatusRunning, OwnerPID: 200},
		{ID: "done", Status: models.JobStatusSucceeded, OwnerPID: 100},
	}
	for _, j := range seed {
		j.RepoRoot, j.Branch, j.AgentID, j.StartedAt = "/repo", "feature/x", "claude", started
		require.NoError(t, s.SaveLaunchJob(ctx, j))
	}

	f := newFixture(t)
	alive := func(pid int) bool { return pid == 200 }

	n, err := f.coord.Reconcile(ctx, s, alive)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for _, id := range []string{"dead-running", "dead-queued", "legacy"} {
		j, err := s.GetLaunchJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusFailed, j.Status, id)
		assert.Equal(t, InterruptedError, j.Error, id)
		assert.NotNil(t, j.EndedAt, id)
	}
	j, err := s.GetLaunchJob(ctx, "alive")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, j.Status)
	j, err = s.GetLaunchJob(ctx, "done")
	require.NoError(t, err)
	assert.Empty(t, j.Error)

	// A second pass finds nothing left to fix.
	n, err = f.coord.Reconcile(ctx, s, alive)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReconcile_SkipsOwnJobs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.spawner.proc.block = make(chan struct{})
	job, err := f.coord.Launch(ctx, newBranchRequest(), nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = f.coord.Cancel(job.ID)
		f.coord.Wait()
	})
	require.Eventually(t, func() bool { return job.State() == StateRunning }, time.Second, 5*time.Millisecond)

	h := &listHistory{jobs: []*models.LaunchJob{job.Record()}}
	n, err := f.coord.Reconcile(ctx, h, func(int) bool { return false })
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, h.saved)
}

type listHistory struct {
	jobs  []*models.LaunchJob
	saved []*models.LaunchJob
}

func (h *listHistory) SaveLaunchJob(_ context.Context, j *models.LaunchJob) error {
	h.saved = append(h.saved, j)
	return nil
}

func (h *listHistory) ListLaunchJobs(_ context.Context, f store.JobFilter) ([]*models.LaunchJob, error) {
	var out []*models.LaunchJob
	for _, j := range h.jobs {
		if j.Status == f.Status {
			out = append(out, j)
		}
	}
	return out, nil
}
