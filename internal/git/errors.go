package git

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrAlreadyCheckedOut reports that a branch is already bound to a worktree,
// usually because a concurrent caller created it first.
var ErrAlreadyCheckedOut = errors.New("branch already checked out")

// AlreadyCheckedOutError carries the holder's path when git reported one.
type AlreadyCheckedOutError struct {
	Branch string
	Path   string
	Output string
}

func (e *AlreadyCheckedOutError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("branch %q is already checked out at %s", e.Branch, e.Path)
	}
	return fmt.Sprintf("branch %q is already checked out", e.Branch)
}

func (e *AlreadyCheckedOutError) Unwrap() error { return ErrAlreadyCheckedOut }

// git has phrased this two ways across versions:
//
//	fatal: 'feature/x' is already checked out at '/repo/.worktrees/feature-x'
//	fatal: 'feature/x' is already used by worktree at '/repo/.worktrees/feature-x'
var alreadyCheckedOutRe = regexp.MustCompile(`is already (?:checked out|used by worktree) at ['"]?([^'"\n]+)['"]?`)

// ParseAlreadyCheckedOut returns an *AlreadyCheckedOutError when output is
// git's complaint about a branch held by another worktree, nil otherwise.
func ParseAlreadyCheckedOut(branch, output string) *AlreadyCheckedOutError {
	if !strings.Contains(output, "already checked out") && !strings.Contains(output, "already used by worktree") {
		return nil
	}
	e := &AlreadyCheckedOutError{Branch: branch, Output: output}
	if m := alreadyCheckedOutRe.FindStringSubmatch(output); m != nil {
		e.Path = strings.TrimSpace(m[1])
	}
	return e
}
