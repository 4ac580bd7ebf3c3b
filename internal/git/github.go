package git

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// IssueLinker attaches a branch to a GitHub issue's Development section.
type IssueLinker interface {
	LinkBranch(ctx context.Context, repoRoot string, issue int, branch string) error
}

// GitHubClient implements IssueLinker using the gh CLI.
type GitHubClient struct {
	// Bin is the gh executable; empty means "gh" on PATH.
	Bin string
}

// NewGitHubClient returns a new GitHubClient.
func NewGitHubClient() *GitHubClient {
	return &GitHubClient{}
}

func (c *GitHubClient) ghCmd(ctx context.Context, dir string, args ...string) (string, error) {
	bin := c.Bin
	if bin == "" {
		bin = "gh"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("gh %s: %s", strings.Join(args, " "), strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("gh %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// LinkBranch runs `gh issue develop <issue> --name <branch>` without checkout;
// the worktree already holds the branch.
func (c *GitHubClient) LinkBranch(ctx context.Context, repoRoot string, issue int, branch string) error {
	if issue <= 0 {
		return fmt.Errorf("invalid issue number: %d", issue)
	}
	_, err := c.ghCmd(ctx, repoRoot, "issue", "develop", strconv.Itoa(issue), "--name", branch)
	return err
}
