package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/viper"

	"github.com/joescharf/gwt/internal/agent"
	"github.com/joescharf/gwt/internal/daemon"
	"github.com/joescharf/gwt/internal/git"
	"github.com/joescharf/gwt/internal/launch"
	"github.com/joescharf/gwt/internal/llm"
	"github.com/joescharf/gwt/internal/merge"
	"github.com/joescharf/gwt/internal/store"
	"github.com/joescharf/gwt/internal/wt"
)

// Swapped out in tests.
var (
	gitClient    git.Gateway = git.NewClient()
	findRepoRoot             = git.RepoRoot
)

// repoRoot resolves the repository gwt operates on: --repo, else the cwd.
func repoRoot(ctx context.Context) (string, error) {
	dir := repoDir
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		dir = wd
	}
	root, err := findRepoRoot(ctx, dir)
	if err != nil {
		return "", fmt.Errorf("not a git repository: %s", dir)
	}
	return root, nil
}

// newRegistry returns the built-in agents plus custom agents from the
// global config and repoRoot's .gwt/agents.yaml. Invalid entries are logged
// and skipped.
func newRegistry(root string) (*agent.Registry, error) {
	global, err := agent.LoadCustomAgents(viper.GetViper())
	if err != nil {
		return nil, err
	}
	var local []agent.CustomAgentConfig
	if root != "" {
		if local, err = agent.LoadLocalAgents(root); err != nil {
			return nil, err
		}
	}
	reg := agent.NewRegistry()
	reg.AddCustom(agent.MergeCustomAgents(global, local), logger)
	return reg, nil
}

// services bundles everything the agent, merge and server commands need.
type services struct {
	root      string
	store     store.Store
	registry  *agent.Registry
	resolver  *agent.Resolver
	worktrees *wt.Manager
	launcher  *launch.Coordinator
	merger    *merge.Engine
}

func newServices(ctx context.Context) (*services, error) {
	root, err := repoRoot(ctx)
	if err != nil {
		return nil, err
	}
	s, err := getStore()
	if err != nil {
		return nil, err
	}
	reg, err := newRegistry(root)
	if err != nil {
		return nil, err
	}
	resolver := agent.NewResolver(nil)
	svc := &services{
		root:      root,
		store:     s,
		registry:  reg,
		resolver:  resolver,
		worktrees: wt.NewManager(gitClient, logger),
		launcher: launch.NewCoordinator(launch.Deps{
			Registry: reg,
			Resolver: resolver,
			Git:      gitClient,
			Issues:   git.NewGitHubClient(),
			Recorder: s,
			Logger:   logger,
		}),
		merger: merge.NewEngine(gitClient, logger),
	}

	// Records left behind by a gwt process that died mid-launch.
	if n, err := svc.launcher.Reconcile(ctx, s, daemon.ProcessAlive); err != nil {
		logger.Warn("reconcile launch history", "error", err)
	} else if n > 0 {
		ui.VerboseLog("Marked %d interrupted launches as failed", n)
	}
	return svc, nil
}

// newLLMClient creates an LLM client from config/env, or returns nil if no API key is configured.
func newLLMClient() *llm.Client {
	apiKey := viper.GetString("anthropic.api_key")
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil
	}
	return llm.NewClient(apiKey, viper.GetString("anthropic.model"))
}
