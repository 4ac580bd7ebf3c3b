package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/gwt/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for coding agents",
	Long: `Start an MCP (Model Context Protocol) server on stdio so agents can
manage worktrees, launch other agents and run batch merges. Configure it
in your agent with:

  {
    "mcpServers": {
      "gwt": { "command": "gwt", "args": ["mcp"] }
    }
  }

Available tools: gwt_list_worktrees, gwt_ensure_worktree, gwt_list_agents,
gwt_resolve_agent, gwt_launch_agent, gwt_job_status, gwt_cancel_job,
gwt_list_jobs, gwt_batch_merge, gwt_list_merge_runs`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		// stdout carries the protocol.
		ui.Out = os.Stderr

		svc, err := newServices(cmd.Context())
		if err != nil {
			return err
		}
		defer svc.launcher.Shutdown()

		return mcp.NewServer(mcp.Deps{
			Store:           svc.store,
			Worktrees:       svc.worktrees,
			Registry:        svc.registry,
			Resolver:        svc.resolver,
			Launcher:        svc.launcher,
			Merger:          svc.merger,
			RepoRoot:        svc.root,
			DefaultAgent:    viper.GetString("agent.default"),
			Remote:          viper.GetString("merge.remote"),
			FailOnPushError: viper.GetBool("merge.fail_on_push_error"),
		}).ServeStdio(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
