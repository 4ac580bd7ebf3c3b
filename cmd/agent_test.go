package cmd

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/gwt/internal/agent"
	"github.com/joescharf/gwt/internal/git/gittest"
	"github.com/joescharf/gwt/internal/models"
	"github.com/joescharf/gwt/internal/store"
)

// shAgent registers /bin/sh as a custom agent so launches run a real process.
func shAgent(t *testing.T, f *gittest.Fake) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs /bin/sh")
	}
	viper.Set("agents", []any{map[string]any{
		"id":           "sh",
		"display_name": "Shell",
		"type":         "path",
		"command":      "/bin/sh",
	}})
	// The fake gateway records worktrees without touching disk.
	f.OnAdd = func(path, _ string) error { return os.MkdirAll(path, 0o755) }

	agentID = "sh"
	t.Cleanup(func() {
		agentID, agentMode, agentModel, agentVersion = "", "", "", ""
		agentSkipPerms, agentNewBranch, agentBase, agentIssue = false, false, "", 0
		agentEnv = nil
	})
}

func TestAgentLaunch_Succeeds(t *testing.T) {
	f, root, _ := fakeRepo(t, "main")
	shAgent(t, f)
	agentNewBranch = true

	require.NoError(t, agentLaunchRun(context.Background(), "feature/x", []string{"-c", "exit 0"}))

	path := filepath.Join(root, ".worktrees", "feature-x")
	assert.Contains(t, f.Calls(), "add feature/x "+path)
	assert.Zero(t, f.Count("remove"))

	s, err := getStore()
	require.NoError(t, err)
	jobs, err := s.ListLaunchJobs(context.Background(), store.JobFilter{RepoRoot: root})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.JobStatusSucceeded, jobs[0].Status)
	assert.Equal(t, "sh", jobs[0].AgentID)
	require.NotNil(t, jobs[0].ExitCode)
	assert.Equal(t, 0, *jobs[0].ExitCode)
}

func TestAgentLaunch_FailureRollsBackNewBranch(t *testing.T) {
	f, root, _ := fakeRepo(t, "main")
	shAgent(t, f)
	agentNewBranch = true

	err := agentLaunchRun(context.Background(), "feature/y", []string{"-c", "exit 3"})
	assert.ErrorContains(t, err, "agent exited with code 3")

	path := filepath.Join(root, ".worktrees", "feature-y")
	assert.Contains(t, f.Calls(), "remove "+path)
	assert.Contains(t, f.Calls(), "delete feature/y force=true")
	assert.Zero(t, f.Count("push"))
}

func TestAgentLaunch_DryRunResolvesOnly(t *testing.T) {
	f, _, out := fakeRepo(t, "main")
	shAgent(t, f)
	dryRun, ui.DryRun = true, true
	t.Cleanup(func() { dryRun = false })

	require.NoError(t, agentLaunchRun(context.Background(), "feature/x", []string{"-c", "true"}))
	assert.Contains(t, out.String(), "/bin/sh -c true")
	assert.Zero(t, f.Count("add"))
}

func TestAgentLaunch_UnknownAgent(t *testing.T) {
	fakeRepo(t, "main")
	agentID = "nope"
	t.Cleanup(func() { agentID = "" })

	err := agentLaunchRun(context.Background(), "feature/x", nil)
	var nf *agent.CustomToolNotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestAgentResolve_Custom(t *testing.T) {
	f, _, out := fakeRepo(t, "main")
	shAgent(t, f)

	require.NoError(t, agentResolveRun(context.Background(), "sh"))
	assert.Contains(t, out.String(), "Shell")
	assert.Contains(t, out.String(), "path:/bin/sh")
}

func TestAgentList_IncludesLocalAgents(t *testing.T) {
	_, root, out := fakeRepo(t, "main")
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".gwt"), 0o755))
	local := "agents:\n  - id: local-one\n    display_name: Local One\n    type: bunx\n    command: \"@me/local\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, agent.LocalConfigPath), []byte(local), 0o644))

	require.NoError(t, agentListRun(context.Background()))
	assert.Contains(t, out.String(), "claude")
	assert.Contains(t, out.String(), "local-one")
	assert.Contains(t, out.String(), "custom")
}

func TestAgentHistory_Empty(t *testing.T) {
	_, _, out := fakeRepo(t, "main")
	require.NoError(t, agentHistoryRun(context.Background()))
	assert.Contains(t, out.String(), "No agent launches recorded")
}

func TestAgentSuggest_NoKey(t *testing.T) {
	testEnv(t)
	t.Setenv("ANTHROPIC_API_KEY", "")
	err := agentSuggestRun(context.Background(), "dark mode")
	assert.ErrorContains(t, err, "no Anthropic API key")
}

func TestLaunchRequest_Defaults(t *testing.T) {
	testEnv(t)
	viper.Set("agent.default", "codex")
	viper.Set("agent.skip_permissions", true)

	req, err := launchRequest("/repo", "feature/x", []string{"--flag"})
	require.NoError(t, err)
	assert.Equal(t, "codex", req.AgentID)
	assert.Equal(t, agent.ModeNormal, req.Mode)
	assert.Equal(t, "installed", req.Version)
	assert.True(t, req.SkipPermissions)
	assert.Equal(t, []string{"--flag"}, req.ExtraArgs)

	agentMode = "bogus"
	t.Cleanup(func() { agentMode = "" })
	_, err = launchRequest("/repo", "feature/x", nil)
	assert.ErrorContains(t, err, "unknown mode")
}

func TestParseEnv(t *testing.T) {
	env, err := parseEnv([]string{"A=1", "B=x=y", "C="})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A": "1", "B": "x=y", "C": ""}, env)

	_, err = parseEnv([]string{"=1"})
	assert.Error(t, err)
	_, err = parseEnv([]string{"NOEQ"})
	assert.Error(t, err)

	env, err = parseEnv(nil)
	require.NoError(t, err)
	assert.Nil(t, env)
}

func TestNewLogger(t *testing.T) {
	ctx := context.Background()
	assert.True(t, newLogger("info", false).Enabled(ctx, slog.LevelInfo))
	assert.False(t, newLogger("info", false).Enabled(ctx, slog.LevelDebug))
	assert.False(t, newLogger("garbage", false).Enabled(ctx, slog.LevelInfo))
	assert.True(t, newLogger("error", true).Enabled(ctx, slog.LevelDebug))
}
