package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/gwt/internal/agent"
	"github.com/joescharf/gwt/internal/git/gittest"
	"github.com/joescharf/gwt/internal/launch"
	"github.com/joescharf/gwt/internal/llm"
	"github.com/joescharf/gwt/internal/merge"
	"github.com/joescharf/gwt/internal/models"
	"github.com/joescharf/gwt/internal/store"
	"github.com/joescharf/gwt/internal/wt"
)

const repoRoot = "/repo"

type blockingProcess struct {
	release chan struct{}
	killed  chan struct{}
}

func (p *blockingProcess) Pid() int { return 7 }

func (p *blockingProcess) Wait() (launch.ExitStatus, error) {
	select {
	case <-p.release:
		return launch.ExitStatus{}, nil
	case <-p.killed:
		return launch.ExitStatus{Code: -1, Signal: "killed"}, nil
	}
}

func (p *blockingProcess) Kill() error {
	select {
	case <-p.killed:
	default:
		close(p.killed)
	}
	return nil
}

type spawner struct{ proc *blockingProcess }

func (s spawner) Start(context.Context, *agent.Command, string, launch.Request) (launch.Process, error) {
	return s.proc, nil
}

type cannedMessenger struct{ text string }

func (c cannedMessenger) New(context.Context, anthropic.MessageNewParams, ...option.RequestOption) (*anthropic.Message, error) {
	return &anthropic.Message{Content: []anthropic.ContentBlockUnion{{Type: "text", Text: c.text}}}, nil
}

type testEnv struct {
	router http.Handler
	srv    *Server
	store  store.Store
	git    *gittest.Fake
	coord  *launch.Coordinator
	proc   *blockingProcess
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	s, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	fake := gittest.New(repoRoot, "main", "main", "feature/a", "feature/b")
	reg := agent.NewRegistry()
	reg.Register(agent.Spec{ID: "fake", Invocation: agent.PathBinary{Path: "/bin/fake"}, Custom: true})
	res := &agent.Resolver{
		LookPath: func(string) (string, error) { return "", errors.New("not found") },
		Stat:     func(string) (os.FileInfo, error) { return nil, nil },
		Runtimes: agent.NewRuntimeCache(func(context.Context, string) (string, error) { return "", errors.New("none") }),
		GOOS:     "linux",
	}
	proc := &blockingProcess{release: make(chan struct{}), killed: make(chan struct{})}
	coord := launch.NewCoordinator(launch.Deps{
		Registry: reg,
		Resolver: res,
		Git:      fake,
		Spawner:  spawner{proc: proc},
		Recorder: s,
	})
	t.Cleanup(coord.Shutdown)

	srv := NewServer(Deps{
		Store:        s,
		Worktrees:    wt.NewManager(fake, nil),
		Registry:     reg,
		Resolver:     res,
		Launcher:     coord,
		Merger:       merge.NewEngine(fake, nil),
		LLM:          llm.NewClientWith(cannedMessenger{`{"suggestions":["feature/a","bugfix/b","hotfix/c"]}`}, "m"),
		RepoRoot:     repoRoot,
		DefaultAgent: "fake",
	})
	return &testEnv{router: srv.Router(), srv: srv, store: s, git: fake, coord: coord, proc: proc}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func TestListWorktrees(t *testing.T) {
	env := setupTestServer(t)
	w := env.do(t, "GET", "/api/v1/worktrees", "")
	assert.Equal(t, http.StatusOK, w.Code)

	var wts []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &wts))
	require.Len(t, wts, 1)
	assert.Equal(t, repoRoot, wts[0]["path"])
}

func TestEnsureWorktree(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(t, "POST", "/api/v1/worktrees", `{"branch":"feature/a"}`)
	assert.Equal(t, http.StatusCreated, w.Code)
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, "/repo/.worktrees/feature-a", out["path"])

	// Second call reuses it.
	w = env.do(t, "POST", "/api/v1/worktrees", `{"branch":"feature/a"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, env.git.Count("add"))
}

func TestEnsureWorktree_BadRequest(t *testing.T) {
	env := setupTestServer(t)
	assert.Equal(t, http.StatusBadRequest, env.do(t, "POST", "/api/v1/worktrees", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, "POST", "/api/v1/worktrees", `{not json`).Code)
}

func TestListAgents(t *testing.T) {
	env := setupTestServer(t)
	w := env.do(t, "GET", "/api/v1/agents", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"id":"claude"`)
	assert.Contains(t, w.Body.String(), `"id":"fake"`)
}

func TestResolveAgent(t *testing.T) {
	env := setupTestServer(t)
	w := env.do(t, "POST", "/api/v1/agents/fake/resolve", `{"extra_args":["--x"]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var cmd agent.Command
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cmd))
	assert.Equal(t, "/bin/fake", cmd.Path)
	assert.Equal(t, []string{"--x"}, cmd.Args)

	assert.Equal(t, http.StatusNotFound, env.do(t, "POST", "/api/v1/agents/nope/resolve", "").Code)
	assert.Equal(t, http.StatusUnprocessableEntity, env.do(t, "POST", "/api/v1/agents/claude/resolve", "").Code)
}

func TestSuggestBranches(t *testing.T) {
	env := setupTestServer(t)
	w := env.do(t, "POST", "/api/v1/branches/suggest", `{"description":"fix login"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"suggestions":["feature/a","bugfix/b","hotfix/c"]}`, w.Body.String())

	assert.Equal(t, http.StatusBadRequest, env.do(t, "POST", "/api/v1/branches/suggest", `{"description":" "}`).Code)

	env.srv.d.LLM = nil
	assert.Equal(t, http.StatusServiceUnavailable, env.do(t, "POST", "/api/v1/branches/suggest", `{"description":"x"}`).Code)
}

func waitForState(t *testing.T, env *testEnv, id string, want launch.State) {
	t.Helper()
	job, ok := env.coord.Get(id)
	require.True(t, ok)
	require.Eventually(t, func() bool { return job.State() == want }, 5*time.Second, 10*time.Millisecond)
}

func TestLaunchJob_Lifecycle(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(t, "POST", "/api/v1/jobs", `{"branch":"feature/new","base_branch":"main","is_new_branch":true}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var job models.LaunchJob
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	require.NotEmpty(t, job.ID)
	assert.Equal(t, "fake", job.AgentID)

	waitForState(t, env, job.ID, launch.StateRunning)

	w = env.do(t, "GET", "/api/v1/jobs/"+job.ID, "")
	require.Equal(t, http.StatusOK, w.Code)
	var got jobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, models.JobStatusRunning, got.Status)
	assert.NotEmpty(t, got.Events)

	w = env.do(t, "POST", "/api/v1/jobs/"+job.ID+"/cancel", "")
	assert.Equal(t, http.StatusAccepted, w.Code)
	live, _ := env.coord.Get(job.ID)
	select {
	case <-live.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("job did not stop")
	}
	assert.Equal(t, launch.StateCancelled, live.State())

	assert.Equal(t, http.StatusConflict, env.do(t, "POST", "/api/v1/jobs/"+job.ID+"/cancel", "").Code)

	w = env.do(t, "GET", "/api/v1/jobs?status=cancelled", "")
	require.Equal(t, http.StatusOK, w.Code)
	var jobs []models.LaunchJob
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, job.ID, jobs[0].ID)
}

func TestLaunchJob_Invalid(t *testing.T) {
	env := setupTestServer(t)
	assert.Equal(t, http.StatusBadRequest, env.do(t, "POST", "/api/v1/jobs", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, "POST", "/api/v1/jobs", `{"branch":"x","mode":"bogus"}`).Code)
}

func TestGetJob_FromHistoryAndMissing(t *testing.T) {
	env := setupTestServer(t)
	require.NoError(t, env.store.SaveLaunchJob(context.Background(), &models.LaunchJob{
		ID: "old", RepoRoot: repoRoot, Branch: "b", AgentID: "fake", Mode: "normal",
		Status: models.JobStatusSucceeded, StartedAt: time.Now(),
	}))
	assert.Equal(t, http.StatusOK, env.do(t, "GET", "/api/v1/jobs/old", "").Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, "GET", "/api/v1/jobs/missing", "").Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, "POST", "/api/v1/jobs/missing/cancel", "").Code)
}

func TestBatchMerge(t *testing.T) {
	env := setupTestServer(t)
	env.git.Conflicts = map[string]bool{"feature/b": true}

	w := env.do(t, "POST", "/api/v1/merge", `{"auto_push":true}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var out struct {
		RunID   string        `json:"run_id"`
		Summary merge.Summary `json:"summary"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.NotEmpty(t, out.RunID)
	assert.Equal(t, merge.Summary{Total: 2, Success: 1, Skipped: 1, Pushed: 1}, out.Summary)

	w = env.do(t, "GET", "/api/v1/merge/runs", "")
	require.Equal(t, http.StatusOK, w.Code)
	var runs []models.MergeRun
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &runs))
	require.Len(t, runs, 1)

	w = env.do(t, "GET", "/api/v1/merge/runs/"+out.RunID, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, "GET", "/api/v1/merge/runs/nope", "").Code)
}

func TestBatchMerge_NoSource(t *testing.T) {
	env := setupTestServer(t)
	env.git.Branches = []string{"feature/a"}
	assert.Equal(t, http.StatusUnprocessableEntity, env.do(t, "POST", "/api/v1/merge", "").Code)
}

func TestBatchMerge_ConcurrentRunConflicts(t *testing.T) {
	env := setupTestServer(t)
	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	env.git.OnFetch = func() {
		entered <- struct{}{}
		<-release
	}

	first := make(chan int, 1)
	go func() { first <- env.do(t, "POST", "/api/v1/merge", "").Code }()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first merge never started")
	}
	w := env.do(t, "POST", "/api/v1/merge", "")
	assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())

	close(release)
	assert.Equal(t, http.StatusOK, <-first)
	assert.Equal(t, http.StatusOK, env.do(t, "POST", "/api/v1/merge", "").Code)
}

func TestCORSPreflight(t *testing.T) {
	env := setupTestServer(t)
	w := env.do(t, "OPTIONS", "/api/v1/jobs", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
