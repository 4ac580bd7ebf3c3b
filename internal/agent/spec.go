package agent

import (
	"fmt"
	"strings"
)

// Mode selects how an agent session starts.
type Mode string

const (
	ModeNormal   Mode = "normal"
	ModeContinue Mode = "continue"
	ModeResume   Mode = "resume"
)

// ParseMode maps user input to a Mode. Empty input means ModeNormal.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeNormal:
		return ModeNormal, nil
	case ModeContinue:
		return ModeContinue, nil
	case ModeResume:
		return ModeResume, nil
	}
	return "", fmt.Errorf("unknown mode %q (want normal, continue or resume)", s)
}

// Invocation is how an agent executable is reached. The set of
// implementations is closed: PathBinary, PathCommand and EphemeralPackage.
type Invocation interface {
	isInvocation()
	String() string
}

// PathBinary is an absolute path to an executable.
type PathBinary struct {
	Path string
}

// PathCommand is a command name looked up on PATH.
type PathCommand struct {
	Name string
}

// EphemeralPackage is a package run through bunx or npx.
type EphemeralPackage struct {
	Package string
}

func (PathBinary) isInvocation()       {}
func (PathCommand) isInvocation()      {}
func (EphemeralPackage) isInvocation() {}

func (p PathBinary) String() string       { return "path:" + p.Path }
func (p PathCommand) String() string      { return "command:" + p.Name }
func (p EphemeralPackage) String() string { return "package:" + p.Package }

// Spec describes how to invoke one coding agent.
type Spec struct {
	ID          string
	DisplayName string
	Invocation  Invocation
	// Package is the npm package run through the fallback runner when a
	// PathCommand is not installed. Empty disables the fallback.
	Package            string
	DefaultArgs        []string
	ModeArgs           map[Mode][]string
	SkipPermissionArgs []string
	// SkipPermissionEnv is added to the environment when permissions are
	// skipped, except on Windows.
	SkipPermissionEnv map[string]string
	Env               map[string]string
	// ModelFlag precedes the model name, e.g. "--model".
	ModelFlag string
	// ModeIsSubcommand puts the mode args ahead of the model flag, for
	// agents whose resume is a subcommand.
	ModeIsSubcommand bool
	Models           []string
	Custom           bool
}

// Command returns the executable name or path the spec refers to.
func (s Spec) Command() string {
	switch inv := s.Invocation.(type) {
	case PathBinary:
		return inv.Path
	case PathCommand:
		return inv.Name
	case EphemeralPackage:
		return inv.Package
	}
	return ""
}
