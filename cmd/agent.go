package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/gwt/internal/agent"
	"github.com/joescharf/gwt/internal/launch"
	"github.com/joescharf/gwt/internal/models"
	"github.com/joescharf/gwt/internal/output"
	"github.com/joescharf/gwt/internal/store"
)

var (
	agentID        string
	agentMode      string
	agentModel     string
	agentVersion   string
	agentSkipPerms bool
	agentNewBranch bool
	agentBase      string
	agentIssue     int
	agentEnv       []string

	agentLimit     int
	agentAllRepos  bool
	agentBranch    string
	agentStatus    string
	agentPruneKeep int
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Launch coding agents in branch worktrees",
	Long:  "Resolve and launch coding agents inside per-branch worktrees and browse launch history.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return agentListRun(cmd.Context())
	},
}

var agentLaunchCmd = &cobra.Command{
	Use:   "launch <branch> [-- agent args...]",
	Short: "Launch an agent in the worktree for a branch",
	Long: `Ensure the worktree for <branch>, then run the agent inside it
attached to this terminal. Arguments after -- are passed to the agent.

If the launch fails and gwt created both the branch (--new) and its
worktree, both are removed again. With --issue and --new, the branch is
linked to the GitHub issue once the agent exits successfully.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return agentLaunchRun(cmd.Context(), args[0], args[1:])
	},
}

var agentResolveCmd = &cobra.Command{
	Use:   "resolve [agent]",
	Short: "Show the command gwt would run for an agent",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := viper.GetString("agent.default")
		if len(args) > 0 {
			id = args[0]
		}
		return agentResolveRun(cmd.Context(), id)
	},
}

var agentListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List built-in and custom agents",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return agentListRun(cmd.Context())
	},
}

var agentHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Show agent launch history",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return agentHistoryRun(cmd.Context())
	},
}

var agentPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete old finished launch records",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return agentPruneRun(cmd.Context())
	},
}

var agentSuggestCmd = &cobra.Command{
	Use:   "suggest-branch <description...>",
	Short: "Suggest branch names for a task description",
	Long: `Ask Claude for three branch names for the described task. Requires
anthropic.api_key (or $ANTHROPIC_API_KEY).`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return agentSuggestRun(cmd.Context(), strings.Join(args, " "))
	},
}

func init() {
	f := agentLaunchCmd.Flags()
	f.StringVarP(&agentID, "agent", "a", "", "Agent to launch (default: agent.default)")
	f.StringVarP(&agentMode, "mode", "m", "", "normal, continue or resume (default: agent.mode)")
	f.StringVar(&agentModel, "model", "", "Model passed through the agent's model flag")
	f.StringVar(&agentVersion, "agent-version", "", `"installed", "latest" or a package version (default: agent.version)`)
	f.BoolVar(&agentSkipPerms, "skip-permissions", false, "Pass the agent's permission-skipping flags")
	f.BoolVarP(&agentNewBranch, "new", "b", false, "Create the branch")
	f.StringVar(&agentBase, "base", "", "Start point for a new branch")
	f.IntVar(&agentIssue, "issue", 0, "GitHub issue to link a new branch to")
	f.StringArrayVarP(&agentEnv, "env", "e", nil, "Extra KEY=VALUE for the agent environment (repeatable)")

	agentHistoryCmd.Flags().IntVar(&agentLimit, "limit", 20, "Max launches to show")
	agentHistoryCmd.Flags().BoolVar(&agentAllRepos, "all", false, "Show launches from every repository")
	agentHistoryCmd.Flags().StringVar(&agentBranch, "branch", "", "Only launches of this branch")
	agentHistoryCmd.Flags().StringVar(&agentStatus, "status", "", "Only launches with this status")

	agentPruneCmd.Flags().IntVar(&agentPruneKeep, "keep", 0, "Finished launches to keep (default: history.keep)")

	agentCmd.AddCommand(agentLaunchCmd)
	agentCmd.AddCommand(agentResolveCmd)
	agentCmd.AddCommand(agentListCmd)
	agentCmd.AddCommand(agentHistoryCmd)
	agentCmd.AddCommand(agentPruneCmd)
	agentCmd.AddCommand(agentSuggestCmd)
	rootCmd.AddCommand(agentCmd)
}

// launchRequest assembles a request from flags with config defaults.
func launchRequest(root, branch string, extra []string) (launch.Request, error) {
	id := agentID
	if id == "" {
		id = viper.GetString("agent.default")
	}
	modeStr := agentMode
	if modeStr == "" {
		modeStr = viper.GetString("agent.mode")
	}
	mode, err := agent.ParseMode(modeStr)
	if err != nil {
		return launch.Request{}, err
	}
	version := agentVersion
	if version == "" {
		version = viper.GetString("agent.version")
	}
	env, err := parseEnv(agentEnv)
	if err != nil {
		return launch.Request{}, err
	}
	return launch.Request{
		RepoRoot:        root,
		Branch:          branch,
		BaseBranch:      agentBase,
		AgentID:         id,
		Mode:            mode,
		Model:           agentModel,
		Version:         version,
		SkipPermissions: agentSkipPerms || viper.GetBool("agent.skip_permissions"),
		ExtraArgs:       extra,
		Env:             env,
		IsNewBranch:     agentNewBranch,
		IssueNumber:     agentIssue,
	}, nil
}

func parseEnv(kvs []string) (map[string]string, error) {
	if len(kvs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --env %q (want KEY=VALUE)", kv)
		}
		env[k] = v
	}
	return env, nil
}

func agentLaunchRun(ctx context.Context, branch string, extra []string) error {
	svc, err := newServices(ctx)
	if err != nil {
		return err
	}
	req, err := launchRequest(svc.root, branch, extra)
	if err != nil {
		return err
	}

	spec, err := svc.registry.Get(req.AgentID)
	if err != nil {
		return err
	}

	if dryRun {
		c, err := svc.resolver.Resolve(ctx, spec, resolveOptions(req))
		if err != nil {
			return err
		}
		ui.DryRunMsg("Would launch %s on branch %s", spec.DisplayName, output.Cyan(branch))
		ui.DryRunMsg("  %s", c.String())
		return nil
	}

	req.Stdin, req.Stdout, req.Stderr = os.Stdin, os.Stdout, os.Stderr
	req.Foreground = true

	// The agent owns the terminal: Ctrl-C is delivered to it, not to us.
	sigint := make(chan os.Signal, 1)
	signal.Notify(sigint, os.Interrupt)
	defer signal.Stop(sigint)
	ctx, stop := signal.NotifyContext(ctx, launchSignals()...)
	defer stop()

	job, err := svc.launcher.Run(ctx, req, printLaunchEvent)
	if err != nil {
		return err
	}

	out := job.Outcome()
	for _, w := range out.Warnings {
		ui.Warning("%s", w)
	}
	switch job.State() {
	case launch.StateSucceeded:
		ui.Success("Agent finished on %s", output.Cyan(branch))
		return nil
	case launch.StateCancelled:
		return errors.New("launch cancelled")
	default:
		return errors.New(out.Err)
	}
}

func printLaunchEvent(ev launch.Event) {
	switch ev.Step {
	case launch.StepWorktreeDone, launch.StepSpawn:
		ui.Info("%s", ev.Message)
	case launch.StepRollback:
		ui.Warning("%s", ev.Message)
	default:
		ui.VerboseLog("[%s] %s", ev.Step, ev.Message)
	}
}

func resolveOptions(req launch.Request) agent.Options {
	return agent.Options{
		Mode:            req.Mode,
		Model:           req.Model,
		Version:         req.Version,
		SkipPermissions: req.SkipPermissions,
		ExtraArgs:       req.ExtraArgs,
		Env:             req.Env,
	}
}

func agentResolveRun(ctx context.Context, id string) error {
	root, _ := repoRoot(ctx)
	reg, err := newRegistry(root)
	if err != nil {
		return err
	}
	spec, err := reg.Get(id)
	if err != nil {
		return err
	}
	req, err := launchRequest(root, "", nil)
	if err != nil {
		return err
	}
	c, err := agent.NewResolver(nil).Resolve(ctx, spec, resolveOptions(req))
	if err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "%s (%s)\n", output.Cyan(spec.DisplayName), spec.ID)
	fmt.Fprintf(ui.Out, "  command:    %s\n", c.String())
	fmt.Fprintf(ui.Out, "  invocation: %s\n", c.Invocation)
	if c.UsesFallback {
		fmt.Fprintf(ui.Out, "  runner:     %s %s\n", c.Runner, output.Yellow("(fallback)"))
	}
	for _, kv := range c.Environ(nil) {
		fmt.Fprintf(ui.Out, "  env:        %s\n", kv)
	}
	return nil
}

func agentListRun(ctx context.Context) error {
	root, _ := repoRoot(ctx)
	reg, err := newRegistry(root)
	if err != nil {
		return err
	}

	table := ui.Table([]string{"ID", "Name", "Invocation", "Fallback", "Source"})
	for _, s := range reg.List() {
		source := "built-in"
		if s.Custom {
			source = "custom"
		}
		fallback := s.Package
		if fallback == "" {
			fallback = "-"
		}
		_ = table.Append([]string{output.Cyan(s.ID), s.DisplayName, s.Invocation.String(), fallback, source})
	}
	_ = table.Render()
	return nil
}

func agentHistoryRun(ctx context.Context) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	filter := store.JobFilter{
		Branch: agentBranch,
		Status: models.JobStatus(agentStatus),
		Limit:  agentLimit,
	}
	if !agentAllRepos {
		if filter.RepoRoot, err = repoRoot(ctx); err != nil {
			return err
		}
	}

	jobs, err := s.ListLaunchJobs(ctx, filter)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		ui.Info("No agent launches recorded.")
		return nil
	}

	table := ui.Table([]string{"ID", "Branch", "Agent", "Status", "Exit", "Started", "Duration"})
	for _, j := range jobs {
		exit := "-"
		switch {
		case j.Signal != "":
			exit = j.Signal
		case j.ExitCode != nil:
			exit = fmt.Sprintf("%d", *j.ExitCode)
		}
		dur := "-"
		if j.EndedAt != nil {
			dur = j.EndedAt.Sub(j.StartedAt).Round(time.Second).String()
		}
		_ = table.Append([]string{
			j.ID,
			j.Branch,
			j.AgentID,
			output.StatusColor(string(j.Status)),
			exit,
			timeAgo(j.StartedAt),
			dur,
		})
	}
	_ = table.Render()
	return nil
}

func agentPruneRun(ctx context.Context) error {
	keep := agentPruneKeep
	if keep <= 0 {
		keep = viper.GetInt("history.keep")
	}
	if dryRun {
		ui.DryRunMsg("Would prune finished launches beyond the newest %d", keep)
		return nil
	}
	s, err := getStore()
	if err != nil {
		return err
	}
	n, err := s.PruneLaunchJobs(ctx, keep)
	if err != nil {
		return err
	}
	ui.Success("Pruned %d launch records", n)
	return nil
}

func agentSuggestRun(ctx context.Context, description string) error {
	client := newLLMClient()
	if client == nil {
		return errors.New("no Anthropic API key: set anthropic.api_key or ANTHROPIC_API_KEY")
	}
	names, err := client.SuggestBranchNames(ctx, description)
	if err != nil {
		return err
	}
	for _, n := range names {
		fmt.Fprintln(ui.Out, n)
	}
	return nil
}

func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		days := int(d.Hours() / 24)
		if days == 1 {
			return "1d ago"
		}
		return fmt.Sprintf("%dd ago", days)
	}
}
