package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/gwt/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	err = s.Migrate(context.Background())
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "subdir", "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(filepath.Join(dir, "subdir"))
	assert.NoError(t, err, "should create parent directory")
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
}

func TestNewID_Sortable(t *testing.T) {
	a, b := NewID(), NewID()
	assert.Len(t, a, 26)
	assert.Less(t, a, b)
}

func TestSaveLaunchJob_InsertThenUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := &models.LaunchJob{
		RepoRoot:    "/repo",
		Branch:      "feature/a",
		AgentID:     "claude",
		Mode:        "normal",
		Status:      models.JobStatusQueued,
		IsNewBranch: true,
		IssueNumber: 42,
	}
	require.NoError(t, s.SaveLaunchJob(ctx, job))
	require.NotEmpty(t, job.ID)

	got, err := s.GetLaunchJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, got.Status)
	assert.True(t, got.IsNewBranch)
	assert.Equal(t, 42, got.IssueNumber)
	assert.Nil(t, got.ExitCode)
	assert.Nil(t, got.EndedAt)
	assert.Empty(t, got.Warnings)

	code := 3
	ended := time.Now().UTC()
	job.Status = models.JobStatusFailed
	job.ExitCode = &code
	job.Error = "exited with code 3"
	job.Warnings = []string{"delete branch: not found"}
	job.EndedAt = &ended
	job.WorktreePath = "/repo/.worktrees/feature-a"
	require.NoError(t, s.SaveLaunchJob(ctx, job))

	got, err = s.GetLaunchJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 3, *got.ExitCode)
	assert.Equal(t, []string{"delete branch: not found"}, got.Warnings)
	assert.NotNil(t, got.EndedAt)
	assert.Equal(t, "/repo/.worktrees/feature-a", got.WorktreePath)
}

func TestGetLaunchJob_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetLaunchJob(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListLaunchJobs_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	for i, j := range []models.LaunchJob{
		{RepoRoot: "/a", Branch: "x", AgentID: "claude", Status: models.JobStatusSucceeded},
		{RepoRoot: "/a", Branch: "y", AgentID: "codex", Status: models.JobStatusFailed},
		{RepoRoot: "/b", Branch: "x", AgentID: "claude", Status: models.JobStatusRunning},
	} {
		j := j
		j.StartedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.SaveLaunchJob(ctx, &j))
	}

	all, err := s.ListLaunchJobs(ctx, JobFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "/b", all[0].RepoRoot, "newest first")

	byRepo, err := s.ListLaunchJobs(ctx, JobFilter{RepoRoot: "/a"})
	require.NoError(t, err)
	assert.Len(t, byRepo, 2)

	byStatus, err := s.ListLaunchJobs(ctx, JobFilter{Status: models.JobStatusFailed})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, "codex", byStatus[0].AgentID)

	limited, err := s.ListLaunchJobs(ctx, JobFilter{Branch: "x", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestPruneLaunchJobs_KeepsRunning(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	statuses := []models.JobStatus{
		models.JobStatusSucceeded, models.JobStatusFailed, models.JobStatusCancelled, models.JobStatusRunning,
	}
	for i, st := range statuses {
		j := &models.LaunchJob{RepoRoot: "/a", Branch: "b", AgentID: "claude", Status: st, StartedAt: base.Add(time.Duration(i) * time.Minute)}
		require.NoError(t, s.SaveLaunchJob(ctx, j))
	}

	n, err := s.PruneLaunchJobs(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	left, err := s.ListLaunchJobs(ctx, JobFilter{})
	require.NoError(t, err)
	require.Len(t, left, 2)
	assert.Equal(t, models.JobStatusRunning, left[0].Status)
	assert.Equal(t, models.JobStatusCancelled, left[1].Status)
}

func TestMergeRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := &models.MergeRun{
		RepoRoot:     "/repo",
		SourceBranch: "main",
		AutoPush:     true,
		Total:        2,
		Success:      1,
		Skipped:      1,
		Targets: []models.MergeRunTarget{
			{Branch: "feature/a", Status: "success", PushStatus: "success"},
			{Branch: "feature/b", Status: "skipped", PushStatus: "not_executed", Error: "merge conflict"},
		},
		Duration: 1500 * time.Millisecond,
	}
	require.NoError(t, s.CreateMergeRun(ctx, run))

	got, err := s.GetMergeRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "main", got.SourceBranch)
	assert.True(t, got.AutoPush)
	assert.False(t, got.DryRun)
	assert.Equal(t, 1500*time.Millisecond, got.Duration)
	assert.Equal(t, run.Targets, got.Targets)

	require.NoError(t, s.CreateMergeRun(ctx, &models.MergeRun{RepoRoot: "/other", SourceBranch: "develop"}))

	runs, err := s.ListMergeRuns(ctx, "/repo", 0)
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	runs, err = s.ListMergeRuns(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	_, err = s.GetMergeRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
