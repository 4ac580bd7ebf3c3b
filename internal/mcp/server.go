package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/gwt/internal/agent"
	"github.com/joescharf/gwt/internal/launch"
	"github.com/joescharf/gwt/internal/merge"
	"github.com/joescharf/gwt/internal/models"
	"github.com/joescharf/gwt/internal/store"
	"github.com/joescharf/gwt/internal/wt"
)

// Deps are the services the MCP tools call into.
type Deps struct {
	Store     store.Store
	Worktrees *wt.Manager
	Registry  *agent.Registry
	Resolver  *agent.Resolver
	Launcher  *launch.Coordinator
	Merger    *merge.Engine

	// RepoRoot is used when a tool call names no repository.
	RepoRoot        string
	DefaultAgent    string
	Remote          string
	FailOnPushError bool
}

// Server exposes worktree, agent and merge operations as MCP tools.
type Server struct {
	d Deps
}

// NewServer creates the MCP server wrapper.
func NewServer(d Deps) *Server {
	if d.DefaultAgent == "" {
		d.DefaultAgent = agent.Claude
	}
	return &Server{d: d}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("gwt", "1.0.0", server.WithToolCapabilities(true))

	srv.AddTool(s.listWorktreesTool())
	srv.AddTool(s.ensureWorktreeTool())
	srv.AddTool(s.listAgentsTool())
	srv.AddTool(s.resolveAgentTool())
	srv.AddTool(s.launchAgentTool())
	srv.AddTool(s.jobStatusTool())
	srv.AddTool(s.cancelJobTool())
	srv.AddTool(s.listJobsTool())
	srv.AddTool(s.batchMergeTool())
	srv.AddTool(s.listMergeRunsTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// ---------------------------------------------------------------------------
// Worktrees
// ---------------------------------------------------------------------------

// gwt_list_worktrees
func (s *Server) listWorktreesTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("gwt_list_worktrees",
		mcp.WithDescription("List the worktrees of a repository, the main checkout included. Returns a JSON array of {path, branch, head}."),
		mcp.WithString("repo", mcp.Description("Repository root (defaults to the server's repository)")),
	)
	return tool, s.handleListWorktrees
}

func (s *Server) handleListWorktrees(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	repo, errResult := s.repo(request)
	if errResult != nil {
		return errResult, nil
	}
	wts, err := s.d.Worktrees.List(ctx, repo)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list worktrees: %v", err)), nil
	}
	return jsonResult(wts)
}

// gwt_ensure_worktree
func (s *Server) ensureWorktreeTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("gwt_ensure_worktree",
		mcp.WithDescription("Return a working directory for a branch, reusing an existing worktree or creating one under .worktrees/."),
		mcp.WithString("branch", mcp.Required(), mcp.Description("Branch to check out")),
		mcp.WithString("repo", mcp.Description("Repository root")),
		mcp.WithString("base", mcp.Description("Base branch for a new branch")),
		mcp.WithBoolean("new_branch", mcp.Description("Create the branch from base")),
	)
	return tool, s.handleEnsureWorktree
}

func (s *Server) handleEnsureWorktree(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	branch, err := request.RequireString("branch")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: branch"), nil
	}
	repo, errResult := s.repo(request)
	if errResult != nil {
		return errResult, nil
	}
	res, err := s.d.Worktrees.EnsureWorktree(ctx, branch, repo, wt.Options{
		BaseBranch:  request.GetString("base", ""),
		IsNewBranch: request.GetBool("new_branch", false),
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]any{
		"path":      res.Path,
		"branch":    res.Branch,
		"created":   res.Created,
		"is_root":   res.IsRoot,
		"recovered": res.Recovered,
	})
}

// ---------------------------------------------------------------------------
// Agents
// ---------------------------------------------------------------------------

// gwt_list_agents
func (s *Server) listAgentsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("gwt_list_agents",
		mcp.WithDescription("List the built-in and custom coding agents gwt can launch."),
	)
	return tool, s.handleListAgents
}

func (s *Server) handleListAgents(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
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
		out[i] = agentOut{
			ID:          sp.ID,
			DisplayName: sp.DisplayName,
			Invocation:  sp.Invocation.String(),
			Package:     sp.Package,
			Models:      sp.Models,
			Custom:      sp.Custom,
		}
	}
	return jsonResult(out)
}

// gwt_resolve_agent
func (s *Server) resolveAgentTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("gwt_resolve_agent",
		mcp.WithDescription("Show the exact command gwt would run for an agent without starting it."),
		mcp.WithString("agent", mcp.Description("Agent ID (defaults to the configured agent)")),
		mcp.WithString("mode", mcp.Description("normal (default), continue or resume")),
		mcp.WithString("model", mcp.Description("Model name passed to the agent")),
		mcp.WithString("version", mcp.Description("installed (default), latest or a package version")),
		mcp.WithBoolean("skip_permissions", mcp.Description("Add the agent's permission-skip flags")),
	)
	return tool, s.handleResolveAgent
}

func (s *Server) handleResolveAgent(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	spec, err := s.d.Registry.Get(request.GetString("agent", s.d.DefaultAgent))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	mode, err := agent.ParseMode(request.GetString("mode", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	cmd, err := s.d.Resolver.Resolve(ctx, spec, agent.Options{
		Mode:            mode,
		Model:           request.GetString("model", ""),
		Version:         request.GetString("version", ""),
		SkipPermissions: request.GetBool("skip_permissions", false),
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(cmd)
}

// gwt_launch_agent
func (s *Server) launchAgentTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("gwt_launch_agent",
		mcp.WithDescription("Start a coding agent in a branch worktree. Returns immediately with the job; poll gwt_job_status for the outcome. A failed launch on a new branch removes the worktree and the local branch."),
		mcp.WithString("branch", mcp.Required(), mcp.Description("Branch to work on")),
		mcp.WithString("repo", mcp.Description("Repository root")),
		mcp.WithString("agent", mcp.Description("Agent ID (defaults to the configured agent)")),
		mcp.WithString("base", mcp.Description("Base branch for a new branch")),
		mcp.WithBoolean("new_branch", mcp.Description("Create the branch from base")),
		mcp.WithNumber("issue", mcp.Description("GitHub issue to link the new branch to")),
		mcp.WithString("mode", mcp.Description("normal (default), continue or resume")),
		mcp.WithString("model", mcp.Description("Model name passed to the agent")),
		mcp.WithBoolean("skip_permissions", mcp.Description("Add the agent's permission-skip flags")),
	)
	return tool, s.handleLaunchAgent
}

func (s *Server) handleLaunchAgent(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	branch, err := request.RequireString("branch")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: branch"), nil
	}
	repo, errResult := s.repo(request)
	if errResult != nil {
		return errResult, nil
	}
	mode, err := agent.ParseMode(request.GetString("mode", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	job, err := s.d.Launcher.Launch(ctx, launch.Request{
		RepoRoot:        repo,
		Branch:          branch,
		BaseBranch:      request.GetString("base", ""),
		AgentID:         request.GetString("agent", s.d.DefaultAgent),
		Mode:            mode,
		Model:           request.GetString("model", ""),
		SkipPermissions: request.GetBool("skip_permissions", false),
		IsNewBranch:     request.GetBool("new_branch", false),
		IssueNumber:     request.GetInt("issue", 0),
	}, nil)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid launch request: %v", err)), nil
	}
	return jsonResult(job.Record())
}

// gwt_job_status
func (s *Server) jobStatusTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("gwt_job_status",
		mcp.WithDescription("Get a launch job by ID, including its state, exit code, warnings and progress events."),
		mcp.WithString("job_id", mcp.Required(), mcp.Description("Job ID")),
	)
	return tool, s.handleJobStatus
}

func (s *Server) handleJobStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("job_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: job_id"), nil
	}
	if job, ok := s.d.Launcher.Get(id); ok {
		return jsonResult(map[string]any{
			"job":    job.Record(),
			"events": job.Events(),
		})
	}
	if s.d.Store != nil {
		rec, err := s.d.Store.GetLaunchJob(ctx, id)
		if err == nil {
			return jsonResult(map[string]any{"job": rec})
		}
		if !errors.Is(err, store.ErrNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("failed to load job: %v", err)), nil
		}
	}
	return mcp.NewToolResultError(fmt.Sprintf("job not found: %s", id)), nil
}

// gwt_cancel_job
func (s *Server) cancelJobTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("gwt_cancel_job",
		mcp.WithDescription("Cancel a running launch job. The agent's process group is killed."),
		mcp.WithString("job_id", mcp.Required(), mcp.Description("Job ID")),
	)
	return tool, s.handleCancelJob
}

func (s *Server) handleCancelJob(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("job_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: job_id"), nil
	}
	if err := s.d.Launcher.Cancel(id); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]any{"job_id": id, "cancel_requested": true})
}

// gwt_list_jobs
func (s *Server) listJobsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("gwt_list_jobs",
		mcp.WithDescription("List launch job history, newest first."),
		mcp.WithString("repo", mcp.Description("Filter by repository root")),
		mcp.WithString("branch", mcp.Description("Filter by branch")),
		mcp.WithString("status", mcp.Description("Filter by status: queued, resolving, spawning, running, succeeded, failed, cancelled")),
		mcp.WithNumber("limit", mcp.Description("Maximum jobs to return (default 20)")),
	)
	return tool, s.handleListJobs
}

func (s *Server) handleListJobs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.d.Store == nil {
		return mcp.NewToolResultError("job history is not available"), nil
	}
	jobs, err := s.d.Store.ListLaunchJobs(ctx, store.JobFilter{
		RepoRoot: request.GetString("repo", ""),
		Branch:   request.GetString("branch", ""),
		Status:   models.JobStatus(request.GetString("status", "")),
		Limit:    request.GetInt("limit", 20),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list jobs: %v", err)), nil
	}
	if jobs == nil {
		jobs = []*models.LaunchJob{}
	}
	return jsonResult(jobs)
}

// ---------------------------------------------------------------------------
// Merge
// ---------------------------------------------------------------------------

// gwt_batch_merge
func (s *Server) batchMergeTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("gwt_batch_merge",
		mcp.WithDescription("Merge a source branch (main, develop or master by default) into every other local branch. Conflicting targets are aborted and reported as skipped."),
		mcp.WithString("repo", mcp.Description("Repository root")),
		mcp.WithString("source", mcp.Description("Source branch (default: first of main, develop, master)")),
		mcp.WithString("targets", mcp.Description("Comma-separated target branches (default: all non-reserved local branches)")),
		mcp.WithBoolean("dry_run", mcp.Description("Test merges without committing")),
		mcp.WithBoolean("push", mcp.Description("Push each merged target")),
	)
	return tool, s.handleBatchMerge
}

func (s *Server) handleBatchMerge(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	repo, errResult := s.repo(request)
	if errResult != nil {
		return errResult, nil
	}
	res, err := s.d.Merger.Execute(ctx, merge.Config{
		RepoRoot:        repo,
		SourceBranch:    request.GetString("source", ""),
		TargetBranches:  splitList(request.GetString("targets", "")),
		DryRun:          request.GetBool("dry_run", false),
		AutoPush:        request.GetBool("push", false),
		Remote:          s.d.Remote,
		FailOnPushError: s.d.FailOnPushError,
	}, nil)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if s.d.Store != nil {
		run := res.Record()
		if err := s.d.Store.CreateMergeRun(ctx, run); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("merge finished but history recording failed: %v", err)), nil
		}
		return jsonResult(map[string]any{"run_id": run.ID, "result": res})
	}
	return jsonResult(map[string]any{"result": res})
}

// gwt_list_merge_runs
func (s *Server) listMergeRunsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("gwt_list_merge_runs",
		mcp.WithDescription("List batch merge history, newest first."),
		mcp.WithString("repo", mcp.Description("Filter by repository root")),
		mcp.WithNumber("limit", mcp.Description("Maximum runs to return (default 10)")),
	)
	return tool, s.handleListMergeRuns
}

func (s *Server) handleListMergeRuns(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.d.Store == nil {
		return mcp.NewToolResultError("merge history is not available"), nil
	}
	runs, err := s.d.Store.ListMergeRuns(ctx, request.GetString("repo", ""), request.GetInt("limit", 10))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list merge runs: %v", err)), nil
	}
	if runs == nil {
		runs = []*models.MergeRun{}
	}
	return jsonResult(runs)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// repo returns the request's repository or the server default.
func (s *Server) repo(request mcp.CallToolRequest) (string, *mcp.CallToolResult) {
	repo := request.GetString("repo", s.d.RepoRoot)
	if repo == "" {
		return "", mcp.NewToolResultError("missing required parameter: repo")
	}
	return repo, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
