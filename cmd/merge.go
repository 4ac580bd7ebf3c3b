package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/gwt/internal/merge"
	"github.com/joescharf/gwt/internal/models"
	"github.com/joescharf/gwt/internal/output"
)

var (
	mergeSource          string
	mergeRemote          string
	mergePush            bool
	mergeFailOnPushError bool
	mergeLimit           int
	mergeAllRepos        bool
)

var mergeCmd = &cobra.Command{
	Use:   "merge [target-branch...]",
	Short: "Merge the main line into many branches",
	Long: `Merge the source branch (main, else develop, else master) into every
other local branch, or only the named targets. Each target is merged in
its own worktree, which is created when missing and kept afterwards.

A conflicting target is aborted and reported as skipped. With --dry-run
each merge is attempted without committing and then reset.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return mergeRun(cmd, args)
	},
}

var mergeHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent batch merges",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return mergeHistoryRun(cmd.Context())
	},
}

func init() {
	mergeCmd.Flags().StringVar(&mergeSource, "source", "", "Source branch (default: main, develop or master)")
	mergeCmd.Flags().StringVar(&mergeRemote, "remote", "", "Remote to push to (default: merge.remote)")
	mergeCmd.Flags().BoolVar(&mergePush, "push", false, "Push each successfully merged target (default: merge.auto_push)")
	mergeCmd.Flags().BoolVar(&mergeFailOnPushError, "fail-on-push-error", false, "Count a target as failed when its push fails")

	mergeHistoryCmd.Flags().IntVar(&mergeLimit, "limit", 10, "Max runs to show")
	mergeHistoryCmd.Flags().BoolVar(&mergeAllRepos, "all", false, "Show runs from every repository")

	mergeCmd.AddCommand(mergeHistoryCmd)
	rootCmd.AddCommand(mergeCmd)
}

// mergeConfig combines flags with config; a flag only wins when set.
func mergeConfig(cmd *cobra.Command, root string, targets []string) merge.Config {
	cfg := merge.Config{
		RepoRoot:        root,
		SourceBranch:    mergeSource,
		TargetBranches:  targets,
		DryRun:          dryRun,
		AutoPush:        viper.GetBool("merge.auto_push"),
		Remote:          viper.GetString("merge.remote"),
		FailOnPushError: viper.GetBool("merge.fail_on_push_error"),
	}
	if cmd.Flags().Changed("push") {
		cfg.AutoPush = mergePush
	}
	if mergeRemote != "" {
		cfg.Remote = mergeRemote
	}
	if cmd.Flags().Changed("fail-on-push-error") {
		cfg.FailOnPushError = mergeFailOnPushError
	}
	return cfg
}

func mergeRun(cmd *cobra.Command, targets []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), shutdownSignals()...)
	defer stop()

	root, err := repoRoot(ctx)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		targets = nil
	}
	cfg := mergeConfig(cmd, root, targets)
	engine := merge.NewEngine(gitClient, logger)

	if dryRun {
		ui.DryRunMsg("Merges are attempted without committing and reset afterwards")
	}

	res, err := engine.Execute(ctx, cfg, func(p merge.Progress) {
		if p.CurrentBranch == "" {
			ui.Progress(p.Percentage, p.Index, p.Total, "done")
			return
		}
		ui.Progress(p.Percentage, p.Index, p.Total, fmt.Sprintf("%s %s", p.CurrentBranch, p.Phase))
	})
	if err != nil {
		return err
	}

	if s, err := getStore(); err != nil {
		ui.Warning("Merge history not recorded: %v", err)
	} else if err := s.CreateMergeRun(context.WithoutCancel(ctx), res.Record()); err != nil {
		ui.Warning("Merge history not recorded: %v", err)
	}

	renderMergeResult(res)
	if res.Summary.Failed > 0 {
		return fmt.Errorf("%d of %d targets failed", res.Summary.Failed, res.Summary.Total)
	}
	return nil
}

func renderMergeResult(res *merge.Result) {
	fmt.Fprintln(ui.Out)
	if len(res.Targets) == 0 {
		ui.Info("No target branches to merge %s into.", output.Cyan(res.SourceBranch))
		return
	}

	table := ui.Table([]string{"Branch", "Merge", "Push", "Time", "Error"})
	for _, t := range res.Targets {
		_ = table.Append([]string{
			output.Cyan(t.Branch),
			output.StatusColor(string(t.Status)),
			output.StatusColor(string(t.PushStatus)),
			t.Duration.Round(time.Millisecond).String(),
			t.Error,
		})
	}
	_ = table.Render()

	fmt.Fprintln(ui.Out)
	sum := res.Summary
	line := fmt.Sprintf("%s into %d targets: %d merged, %d skipped, %d failed",
		res.SourceBranch, sum.Total, sum.Success, sum.Skipped, sum.Failed)
	if res.AutoPush {
		line += fmt.Sprintf("; %d pushed, %d push failures", sum.Pushed, sum.PushFailed)
	}
	switch {
	case sum.Failed > 0:
		ui.Error("%s", line)
	case sum.Skipped > 0 || sum.PushFailed > 0:
		ui.Warning("%s", line)
	default:
		ui.Success("%s", line)
	}
	if res.Cancelled {
		ui.Warning("Cancelled after %d of %d targets", len(res.Targets), sum.Total)
	}
}

func mergeHistoryRun(ctx context.Context) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	var root string
	if !mergeAllRepos {
		if root, err = repoRoot(ctx); err != nil {
			return err
		}
	}
	runs, err := s.ListMergeRuns(ctx, root, mergeLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		ui.Info("No merge runs recorded.")
		return nil
	}

	table := ui.Table([]string{"ID", "Source", "Targets", "Merged", "Skipped", "Failed", "Mode", "When"})
	for _, r := range runs {
		_ = table.Append([]string{
			r.ID,
			r.SourceBranch,
			fmt.Sprint(r.Total),
			fmt.Sprint(r.Success),
			fmt.Sprint(r.Skipped),
			fmt.Sprint(r.Failed),
			runMode(r),
			timeAgo(r.StartedAt),
		})
	}
	_ = table.Render()
	return nil
}

func runMode(r *models.MergeRun) string {
	switch {
	case r.DryRun:
		return "dry-run"
	case r.AutoPush:
		return "push"
	default:
		return "local"
	}
}
