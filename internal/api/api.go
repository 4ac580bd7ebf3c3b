package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/joescharf/gwt/internal/agent"
	"github.com/joescharf/gwt/internal/launch"
	"github.com/joescharf/gwt/internal/llm"
	"github.com/joescharf/gwt/internal/merge"
	"github.com/joescharf/gwt/internal/models"
	"github.com/joescharf/gwt/internal/store"
	"github.com/joescharf/gwt/internal/wt"
)

// Deps are the services behind the REST handlers. LLM may be nil when no
// API key is configured.
type Deps struct {
	Store     store.Store
	Worktrees *wt.Manager
	Registry  *agent.Registry
	Resolver  *agent.Resolver
	Launcher  *launch.Coordinator
	Merger    *merge.Engine
	LLM       *llm.Client
	Logger    *slog.Logger

	RepoRoot        string
	DefaultAgent    string
	Remote          string
	FailOnPushError bool
}

// Server provides the REST API handlers.
type Server struct {
	d Deps
}

// NewServer creates a new API server.
func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.DefaultAgent == "" {
		d.DefaultAgent = agent.Claude
	}
	return &Server{d: d}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/worktrees", s.listWorktrees)
	mux.HandleFunc("POST /api/v1/worktrees", s.ensureWorktree)

	mux.HandleFunc("GET /api/v1/agents", s.listAgents)
	mux.HandleFunc("POST /api/v1/agents/{id}/resolve", s.resolveAgent)
	mux.HandleFunc("POST /api/v1/branches/suggest", s.suggestBranches)

	mux.HandleFunc("GET /api/v1/jobs", s.listJobs)
	mux.HandleFunc("POST /api/v1/jobs", s.launchJob)
	mux.HandleFunc("GET /api/v1/jobs/{id}", s.getJob)
	mux.HandleFunc("POST /api/v1/jobs/{id}/cancel", s.cancelJob)

	mux.HandleFunc("POST /api/v1/merge", s.batchMerge)
	mux.HandleFunc("GET /api/v1/merge/runs", s.listMergeRuns)
	mux.HandleFunc("GET /api/v1/merge/runs/{id}", s.getMergeRun)

	return s.logRequests(corsMiddleware(mux))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.d.Logger.Debug("http request",
			"method", r.Method, "path", r.URL.Path,
			"status", rec.status, "duration", time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decode(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func (s *Server) repo(q string) string {
	if q != "" {
		return q
	}
	return s.d.RepoRoot
}

func queryInt(r *http.Request, key string, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil && v > 0 {
		return v
	}
	return def
}

// --- Worktrees ---

func (s *Server) listWorktrees(w http.ResponseWriter, r *http.Request) {
	repo := s.repo(r.URL.Query().Get("repo"))
	if repo == "" {
		writeError(w, http.StatusBadRequest, "repo is required")
		return
	}
	wts, err := s.d.Worktrees.List(r.Context(), repo)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, wts)
}

type ensureWorktreeRequest struct {
	Repo        string `json:"repo"`
	Branch      string `json:"branch"`
	BaseBranch  string `json:"base_branch"`
	IsNewBranch bool   `json:"is_new_branch"`
}

func (s *Server) ensureWorktree(w http.ResponseWriter, r *http.Request) {
	var req ensureWorktreeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	repo := s.repo(req.Repo)
	if repo == "" || req.Branch == "" {
		writeError(w, http.StatusBadRequest, "repo and branch are required")
		return
	}
	res, err := s.d.Worktrees.EnsureWorktree(r.Context(), req.Branch, repo, wt.Options{
		BaseBranch:  req.BaseBranch,
		IsNewBranch: req.IsNewBranch,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{
		"path":      res.Path,
		"branch":    res.Branch,
		"created":   res.Created,
		"is_root":   res.IsRoot,
		"recovered": res.Recovered,
	})
}

// --- Agents ---

func (s *Server) listAgents(w http.ResponseWriter, _ *http.Request) {
	type agentOut struct {
		ID          string   `json:"id"`
		DisplayName string   `json:"display_name"`
		Invocation  string   `json:"invocation"`
		Package     string   `json:"package,omitempty"`
		Models      []string `json:"models,omitempty"`
		Custom      bool     `json:"custom"`
	}
	specs := s.d.Registry.List()
	out := make([]agentOut, len(specs))
	for i, sp := range specs {
		out[i] = agentOut{sp.ID, sp.DisplayName, sp.Invocation.String(), sp.Package, sp.Models, sp.Custom}
	}
	writeJSON(w, http.StatusOK, out)
}

type resolveRequest struct {
	Mode            string            `json:"mode"`
	Model           string            `json:"model"`
	Version         string            `json:"version"`
	SkipPermissions bool              `json:"skip_permissions"`
	ExtraArgs       []string          `json:"extra_args"`
	Env             map[string]string `json:"env"`
}

func (s *Server) resolveAgent(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	spec, err := s.d.Registry.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	mode, err := agent.ParseMode(req.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cmd, err := s.d.Resolver.Resolve(r.Context(), spec, agent.Options{
		Mode:            mode,
		Model:           req.Model,
		Version:         req.Version,
		SkipPermissions: req.SkipPermissions,
		ExtraArgs:       req.ExtraArgs,
		Env:             req.Env,
	})
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

func (s *Server) suggestBranches(w http.ResponseWriter, r *http.Request) {
	if s.d.LLM == nil {
		writeError(w, http.StatusServiceUnavailable, "LLM not configured (set ANTHROPIC_API_KEY)")
		return
	}
	var req struct {
		Description string `json:"description"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	names, err := s.d.LLM.SuggestBranchNames(r.Context(), req.Description)
	if err != nil {
		if errors.Is(err, llm.ErrEmptyDescription) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, fmt.Sprintf("branch suggestion failed: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"suggestions": names})
}

// --- Jobs ---

type launchRequest struct {
	Repo            string            `json:"repo"`
	Branch          string            `json:"branch"`
	BaseBranch      string            `json:"base_branch"`
	Agent           string            `json:"agent"`
	Mode            string            `json:"mode"`
	Model           string            `json:"model"`
	Version         string            `json:"version"`
	SkipPermissions bool              `json:"skip_permissions"`
	ExtraArgs       []string          `json:"extra_args"`
	Env             map[string]string `json:"env"`
	IsNewBranch     bool              `json:"is_new_branch"`
	IssueNumber     int               `json:"issue_number"`
}

func (s *Server) launchJob(w http.ResponseWriter, r *http.Request) {
	var req launchRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	mode, err := agent.ParseMode(req.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	agentID := req.Agent
	if agentID == "" {
		agentID = s.d.DefaultAgent
	}

	job, err := s.d.Launcher.Launch(r.Context(), launch.Request{
		RepoRoot:        s.repo(req.Repo),
		Branch:          req.Branch,
		BaseBranch:      req.BaseBranch,
		AgentID:         agentID,
		Mode:            mode,
		Model:           req.Model,
		Version:         req.Version,
		SkipPermissions: req.SkipPermissions,
		ExtraArgs:       req.ExtraArgs,
		Env:             req.Env,
		IsNewBranch:     req.IsNewBranch,
		IssueNumber:     req.IssueNumber,
	}, nil)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.d.Logger.Info("launch queued", "job", job.ID, "branch", req.Branch, "agent", agentID)
	writeJSON(w, http.StatusAccepted, job.Record())
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	jobs, err := s.d.Store.ListLaunchJobs(r.Context(), store.JobFilter{
		RepoRoot: q.Get("repo"),
		Branch:   q.Get("branch"),
		Status:   models.JobStatus(q.Get("status")),
		Limit:    queryInt(r, "limit", 50),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if jobs == nil {
		jobs = []*models.LaunchJob{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

type jobResponse struct {
	*models.LaunchJob
	Events []launch.Event `json:"events,omitempty"`
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if job, ok := s.d.Launcher.Get(id); ok {
		writeJSON(w, http.StatusOK, jobResponse{LaunchJob: job.Record(), Events: job.Events()})
		return
	}
	rec, err := s.d.Store.GetLaunchJob(r.Context(), id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobResponse{LaunchJob: rec})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, ok := s.d.Launcher.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("job not found: %s", id))
		return
	}
	if err := s.d.Launcher.Cancel(id); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, job.Record())
}

// --- Merge ---

type mergeRequest struct {
	Repo            string   `json:"repo"`
	SourceBranch    string   `json:"source_branch"`
	TargetBranches  []string `json:"target_branches"`
	DryRun          bool     `json:"dry_run"`
	AutoPush        bool     `json:"auto_push"`
	Remote          string   `json:"remote"`
	FailOnPushError *bool    `json:"fail_on_push_error"`
}

type mergeResponse struct {
	RunID string `json:"run_id"`
	*merge.Result
}

func (s *Server) batchMerge(w http.ResponseWriter, r *http.Request) {
	var req mergeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	repo := s.repo(req.Repo)
	if repo == "" {
		writeError(w, http.StatusBadRequest, "repo is required")
		return
	}
	cfg := merge.Config{
		RepoRoot:        repo,
		SourceBranch:    req.SourceBranch,
		TargetBranches:  req.TargetBranches,
		DryRun:          req.DryRun,
		AutoPush:        req.AutoPush,
		Remote:          req.Remote,
		FailOnPushError: s.d.FailOnPushError,
	}
	if cfg.Remote == "" {
		cfg.Remote = s.d.Remote
	}
	if req.FailOnPushError != nil {
		cfg.FailOnPushError = *req.FailOnPushError
	}

	res, err := s.d.Merger.Execute(r.Context(), cfg, nil)
	if err != nil {
		switch {
		case errors.Is(err, merge.ErrNoSourceBranch):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		case errors.Is(err, merge.ErrRunInProgress):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	run := res.Record()
	// Recorded even when the client has gone away.
	if err := s.d.Store.CreateMergeRun(context.WithoutCancel(r.Context()), run); err != nil {
		s.d.Logger.Warn("record merge run", "error", err)
	}
	writeJSON(w, http.StatusOK, mergeResponse{RunID: run.ID, Result: res})
}

func (s *Server) listMergeRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.d.Store.ListMergeRuns(r.Context(), r.URL.Query().Get("repo"), queryInt(r, "limit", 20))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []*models.MergeRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) getMergeRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.d.Store.GetMergeRun(r.Context(), r.PathValue("id"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
