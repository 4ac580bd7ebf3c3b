package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joescharf/gwt/internal/git"
	"github.com/joescharf/gwt/internal/output"
	"github.com/joescharf/gwt/internal/wt"
)

var (
	worktreeBase   string
	worktreeNew    bool
	worktreeForce  bool
	worktreeBranch bool
	worktreeReason string
)

var worktreeCmd = &cobra.Command{
	Use:     "worktree",
	Aliases: []string{"wt"},
	Short:   "Manage branch worktrees",
	Long: `List, create, remove and lock the per-branch worktrees gwt keeps
under <repo>/.worktrees/.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return worktreeListRun(cmd.Context())
	},
}

var worktreeListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List worktrees of the current repository",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return worktreeListRun(cmd.Context())
	},
}

var worktreeEnsureCmd = &cobra.Command{
	Use:     "ensure <branch>",
	Aliases: []string{"create"},
	Short:   "Return the worktree for a branch, creating it if needed",
	Long: `Print the working directory for <branch>. The repository root is
used when the branch is checked out there; an existing worktree is reused;
otherwise a worktree is created at .worktrees/<branch>.

With --new the branch is created from --base (default: current HEAD).`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return worktreeEnsureRun(cmd.Context(), args[0])
	},
}

var worktreeRemoveCmd = &cobra.Command{
	Use:     "remove <branch>",
	Aliases: []string{"rm"},
	Short:   "Remove a branch's worktree",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return worktreeRemoveRun(cmd.Context(), args[0])
	},
}

var worktreeLockCmd = &cobra.Command{
	Use:   "lock <branch>",
	Short: "Protect a branch's worktree from prune and remove",
	Long: `Lock the worktree so git keeps its registration even when the
directory is unavailable, e.g. on removable storage. gwt refuses to reuse
or recreate a locked worktree whose directory is gone until it is unlocked.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return worktreeLockRun(cmd.Context(), args[0], true)
	},
}

var worktreeUnlockCmd = &cobra.Command{
	Use:   "unlock <branch>",
	Short: "Unlock a branch's worktree",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return worktreeLockRun(cmd.Context(), args[0], false)
	},
}

func init() {
	worktreeEnsureCmd.Flags().StringVar(&worktreeBase, "base", "", "Start point for a new branch")
	worktreeEnsureCmd.Flags().BoolVar(&worktreeNew, "new", false, "Create the branch")
	worktreeRemoveCmd.Flags().BoolVarP(&worktreeForce, "force", "f", false, "Remove even with uncommitted changes")
	worktreeRemoveCmd.Flags().BoolVar(&worktreeBranch, "delete-branch", false, "Also delete the local branch")
	worktreeLockCmd.Flags().StringVar(&worktreeReason, "reason", "", "Why the worktree is locked")

	worktreeCmd.AddCommand(worktreeListCmd)
	worktreeCmd.AddCommand(worktreeEnsureCmd)
	worktreeCmd.AddCommand(worktreeRemoveCmd)
	worktreeCmd.AddCommand(worktreeLockCmd)
	worktreeCmd.AddCommand(worktreeUnlockCmd)
	rootCmd.AddCommand(worktreeCmd)
}

func worktreeListRun(ctx context.Context) error {
	root, err := repoRoot(ctx)
	if err != nil {
		return err
	}
	wts, err := wt.NewManager(gitClient, logger).List(ctx, root)
	if err != nil {
		return fmt.Errorf("list worktrees: %w", err)
	}
	if len(wts) == 0 {
		ui.Info("No worktrees.")
		return nil
	}

	table := ui.Table([]string{"Branch", "Path", "HEAD", "Status"})
	for _, w := range wts {
		branch := w.Branch
		if filepath.Clean(w.Path) == filepath.Clean(root) {
			branch += " (root)"
		}
		status := output.StatusColor(string(w.Status))
		if w.Reason != "" {
			status += " (" + w.Reason + ")"
		}
		_ = table.Append([]string{output.Cyan(branch), w.Path, shortSHA(w.HEAD), status})
	}
	_ = table.Render()
	return nil
}

func worktreeEnsureRun(ctx context.Context, branch string) error {
	root, err := repoRoot(ctx)
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would ensure worktree for %s at %s", branch, wt.PathFor(root, branch))
		return nil
	}

	res, err := wt.NewManager(gitClient, logger).EnsureWorktree(ctx, branch, root, wt.Options{
		BaseBranch:  worktreeBase,
		IsNewBranch: worktreeNew,
	})
	if err != nil {
		return err
	}

	switch {
	case res.Created:
		ui.Success("Created worktree for %s", output.Cyan(branch))
	case res.IsRoot:
		ui.VerboseLog("%s is checked out in the repository root", branch)
	default:
		ui.VerboseLog("Reusing worktree for %s", branch)
	}
	fmt.Fprintln(ui.Out, res.Path)
	return nil
}

func worktreeRemoveRun(ctx context.Context, branch string) error {
	root, err := repoRoot(ctx)
	if err != nil {
		return err
	}
	m := wt.NewManager(gitClient, logger)
	wts, err := m.List(ctx, root)
	if err != nil {
		return err
	}
	w, ok := git.FindWorktree(wts, branch)
	if !ok {
		return fmt.Errorf("no worktree for branch %s", branch)
	}

	if dryRun {
		ui.DryRunMsg("Would remove worktree %s", w.Path)
		if worktreeBranch {
			ui.DryRunMsg("Would delete branch %s", branch)
		}
		return nil
	}

	if err := m.Remove(ctx, root, w.Path, worktreeForce); err != nil {
		return err
	}
	ui.Success("Removed worktree %s", w.Path)

	if worktreeBranch {
		if err := gitClient.DeleteBranch(ctx, root, branch, worktreeForce); err != nil {
			return err
		}
		ui.Success("Deleted branch %s", branch)
	}
	return nil
}

func worktreeLockRun(ctx context.Context, branch string, lock bool) error {
	root, err := repoRoot(ctx)
	if err != nil {
		return err
	}
	m := wt.NewManager(gitClient, logger)
	wts, err := m.List(ctx, root)
	if err != nil {
		return err
	}
	w, ok := git.FindWorktree(wts, branch)
	if !ok {
		return fmt.Errorf("no worktree for branch %s", branch)
	}

	verb := "lock"
	if !lock {
		verb = "unlock"
	}
	if dryRun {
		ui.DryRunMsg("Would %s worktree %s", verb, w.Path)
		return nil
	}

	if lock {
		err = m.Lock(ctx, root, w.Path, worktreeReason)
	} else {
		err = m.Unlock(ctx, root, w.Path)
	}
	if err != nil {
		return err
	}
	ui.Success("%sed worktree %s", strings.ToUpper(verb[:1])+verb[1:], w.Path)
	return nil
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
