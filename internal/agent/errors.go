package agent

import (
	"errors"
	"fmt"
	"strings"
)

// ErrCommandNotFound means the agent executable is neither installed nor
// reachable through a fallback.
var ErrCommandNotFound = errors.New("command not found")

// FallbackRuntimeMissingError means neither bunx nor npx is available.
type FallbackRuntimeMissingError struct {
	Package string
	Runners []string
	Hints   []string
}

func (e *FallbackRuntimeMissingError) Error() string {
	msg := fmt.Sprintf("no package runner found for %s (tried %s)", e.Package, strings.Join(e.Runners, ", "))
	if len(e.Hints) > 0 {
		msg += ": " + strings.Join(e.Hints, "; ")
	}
	return msg
}

// FallbackRuntimeTooOldError means the runner's runtime is below the
// supported major version, or its version could not be read.
type FallbackRuntimeTooOldError struct {
	Runtime string
	Version string
	Minimum int
}

func (e *FallbackRuntimeTooOldError) Error() string {
	if e.Version == "" {
		return fmt.Sprintf("%s version could not be determined (need %d or newer)", e.Runtime, e.Minimum)
	}
	return fmt.Sprintf("%s %s is too old (need %d or newer)", e.Runtime, e.Version, e.Minimum)
}

// CustomToolNotFoundError means an agent identifier has no spec.
type CustomToolNotFoundError struct {
	ID string
}

func (e *CustomToolNotFoundError) Error() string {
	return fmt.Sprintf("agent not found: %s", e.ID)
}
