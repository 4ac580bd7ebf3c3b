package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/gwt/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is wrapped by lookups that match no row.
var ErrNotFound = errors.New("not found")

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection serializes writers from concurrent launch jobs.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// NewID returns a ULID string; IDs sort by creation time.
func NewID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Launch jobs ---

const launchJobColumns = `id, repo_root, branch, base_branch, agent_id, mode, model, status, worktree_path, created_worktree, is_new_branch, issue_number, command_line, uses_fallback, exit_code, signal, error, warnings, started_at, ended_at, owner_pid`

// SaveLaunchJob inserts the job or replaces its previous snapshot.
func (s *SQLiteStore) SaveLaunchJob(ctx context.Context, job *models.LaunchJob) error {
	if job.ID == "" {
		job.ID = NewID()
	}
	if job.StartedAt.IsZero() {
		job.StartedAt = time.Now().UTC()
	}
	warnings := job.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	warningsJSON, err := json.Marshal(warnings)
	if err != nil {
		return fmt.Errorf("marshal warnings: %w", err)
	}
	var exitCode sql.NullInt64
	if job.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*job.ExitCode), Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO launch_jobs (`+launchJobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			worktree_path = excluded.worktree_path,
			created_worktree = excluded.created_worktree,
			command_line = excluded.command_line,
			uses_fallback = excluded.uses_fallback,
			exit_code = excluded.exit_code,
			signal = excluded.signal,
			error = excluded.error,
			warnings = excluded.warnings,
			ended_at = excluded.ended_at,
			owner_pid = excluded.owner_pid`,
		job.ID, job.RepoRoot, job.Branch, job.BaseBranch, job.AgentID,
		job.Mode, job.Model, string(job.Status), job.WorktreePath,
		boolToInt(job.CreatedWorktree), boolToInt(job.IsNewBranch), job.IssueNumber,
		job.CommandLine, boolToInt(job.UsesFallback), exitCode, job.Signal,
		job.Error, string(warningsJSON), job.StartedAt.UTC(), utcPtr(job.EndedAt), job.OwnerPID,
	)
	if err != nil {
		return fmt.Errorf("save launch job: %w", err)
	}
	return nil
}

// GetLaunchJob returns the job with the given ID.
func (s *SQLiteStore) GetLaunchJob(ctx context.Context, id string) (*models.LaunchJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+launchJobColumns+` FROM launch_jobs WHERE id = ?`, id)
	job, err := scanLaunchJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("launch job %s: %w", id, ErrNotFound)
	}
	return job, err
}

// ListLaunchJobs returns jobs newest first.
func (s *SQLiteStore) ListLaunchJobs(ctx context.Context, filter JobFilter) ([]*models.LaunchJob, error) {
	query := `SELECT ` + launchJobColumns + ` FROM launch_jobs WHERE 1=1`
	var args []any
	if filter.RepoRoot != "" {
		query += " AND repo_root = ?"
		args = append(args, filter.RepoRoot)
	}
	if filter.Branch != "" {
		query += " AND branch = ?"
		args = append(args, filter.Branch)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY started_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list launch jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []*models.LaunchJob
	for rows.Next() {
		job, err := scanLaunchJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// PruneLaunchJobs deletes finished jobs beyond the newest keep.
func (s *SQLiteStore) PruneLaunchJobs(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM launch_jobs
		WHERE status IN (?, ?, ?)
		AND id NOT IN (
			SELECT id FROM launch_jobs WHERE status IN (?, ?, ?)
			ORDER BY started_at DESC, id DESC LIMIT ?
		)`,
		models.JobStatusSucceeded, models.JobStatusFailed, models.JobStatusCancelled,
		models.JobStatusSucceeded, models.JobStatusFailed, models.JobStatusCancelled,
		keep,
	)
	if err != nil {
		return 0, fmt.Errorf("prune launch jobs: %w", err)
	}
	return res.RowsAffected()
}

func utcPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLaunchJob(row rowScanner) (*models.LaunchJob, error) {
	job := &models.LaunchJob{}
	var status, warnings string
	var exitCode sql.NullInt64
	var endedAt sql.NullTime

	err := row.Scan(&job.ID, &job.RepoRoot, &job.Branch, &job.BaseBranch, &job.AgentID,
		&job.Mode, &job.Model, &status, &job.WorktreePath,
		&job.CreatedWorktree, &job.IsNewBranch, &job.IssueNumber,
		&job.CommandLine, &job.UsesFallback, &exitCode, &job.Signal,
		&job.Error, &warnings, &job.StartedAt, &endedAt, &job.OwnerPID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan launch job: %w", err)
	}

	job.Status = models.JobStatus(status)
	if exitCode.Valid {
		code := int(exitCode.Int64)
		job.ExitCode = &code
	}
	if endedAt.Valid {
		job.EndedAt = &endedAt.Time
	}
	_ = json.Unmarshal([]byte(warnings), &job.Warnings)
	return job, nil
}

// --- Merge runs ---

const mergeRunColumns = `id, repo_root, source_branch, dry_run, auto_push, cancelled, total, success, skipped, failed, pushed, push_failed, targets, started_at, duration_ms`

// CreateMergeRun records a finished batch merge.
func (s *SQLiteStore) CreateMergeRun(ctx context.Context, run *models.MergeRun) error {
	if run.ID == "" {
		run.ID = NewID()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	targets := run.Targets
	if targets == nil {
		targets = []models.MergeRunTarget{}
	}
	targetsJSON, err := json.Marshal(targets)
	if err != nil {
		return fmt.Errorf("marshal targets: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO merge_runs (`+mergeRunColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.RepoRoot, run.SourceBranch,
		boolToInt(run.DryRun), boolToInt(run.AutoPush), boolToInt(run.Cancelled),
		run.Total, run.Success, run.Skipped, run.Failed, run.Pushed, run.PushFailed,
		string(targetsJSON), run.StartedAt.UTC(), run.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("create merge run: %w", err)
	}
	return nil
}

// GetMergeRun returns the run with the given ID.
func (s *SQLiteStore) GetMergeRun(ctx context.Context, id string) (*models.MergeRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+mergeRunColumns+` FROM merge_runs WHERE id = ?`, id)
	run, err := scanMergeRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("merge run %s: %w", id, ErrNotFound)
	}
	return run, err
}

// ListMergeRuns returns runs newest first, optionally for one repository.
func (s *SQLiteStore) ListMergeRuns(ctx context.Context, repoRoot string, limit int) ([]*models.MergeRun, error) {
	query := `SELECT ` + mergeRunColumns + ` FROM merge_runs`
	var args []any
	if repoRoot != "" {
		query += " WHERE repo_root = ?"
		args = append(args, repoRoot)
	}
	query += " ORDER BY started_at DESC, id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list merge runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*models.MergeRun
	for rows.Next() {
		run, err := scanMergeRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func scanMergeRun(row rowScanner) (*models.MergeRun, error) {
	run := &models.MergeRun{}
	var targets string
	var durationMS int64

	err := row.Scan(&run.ID, &run.RepoRoot, &run.SourceBranch,
		&run.DryRun, &run.AutoPush, &run.Cancelled,
		&run.Total, &run.Success, &run.Skipped, &run.Failed, &run.Pushed, &run.PushFailed,
		&targets, &run.StartedAt, &durationMS)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan merge run: %w", err)
	}
	run.Duration = time.Duration(durationMS) * time.Millisecond
	_ = json.Unmarshal([]byte(targets), &run.Targets)
	return run, nil
}

var _ Store = (*SQLiteStore)(nil)
