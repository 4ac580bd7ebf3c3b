package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
)

// Package runners used when an agent is not installed.
const (
	RunnerBunx = "bunx"
	RunnerNpx  = "npx"
)

// Version selectors.
const (
	VersionInstalled = "installed"
	VersionLatest    = "latest"
)

// Options are the per-launch inputs to Resolve. Version is "installed"
// (default), "latest" or an explicit package version.
type Options struct {
	Mode            Mode
	Model           string
	Version         string
	SkipPermissions bool
	ExtraArgs       []string
	Env             map[string]string
}

// Command is a fully resolved agent invocation.
type Command struct {
	Path         string            `json:"path"`
	Args         []string          `json:"args"`
	Env          map[string]string `json:"env,omitempty"`
	UsesFallback bool              `json:"uses_fallback"`
	Runner       string            `json:"runner,omitempty"`
	Invocation   string            `json:"invocation"`
}

// Environ returns base with the command's variables appended in key order.
func (c *Command) Environ(base []string) []string {
	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := append([]string(nil), base...)
	for _, k := range keys {
		out = append(out, k+"="+c.Env[k])
	}
	return out
}

// String renders the command line for display.
func (c *Command) String() string {
	return strings.Join(append([]string{c.Path}, c.Args...), " ")
}

// Resolver turns agent specs into runnable commands.
type Resolver struct {
	LookPath func(file string) (string, error)
	Stat     func(name string) (os.FileInfo, error)
	Runtimes *RuntimeCache
	GOOS     string
}

// NewResolver returns a Resolver backed by the real PATH and filesystem.
func NewResolver(cache *RuntimeCache) *Resolver {
	if cache == nil {
		cache = NewRuntimeCache(nil)
	}
	return &Resolver{
		LookPath: exec.LookPath,
		Stat:     os.Stat,
		Runtimes: cache,
		GOOS:     runtime.GOOS,
	}
}

// Resolve produces the command for spec. An installed PathCommand is used
// directly unless a package version was requested; otherwise the spec's
// package runs through bunx or npx.
func (r *Resolver) Resolve(ctx context.Context, spec Spec, opts Options) (*Command, error) {
	args := BuildArgs(spec, ArgOptions{
		Mode:            opts.Mode,
		Model:           opts.Model,
		SkipPermissions: opts.SkipPermissions,
		ExtraArgs:       opts.ExtraArgs,
	})

	var cmd *Command
	var err error
	switch inv := spec.Invocation.(type) {
	case PathBinary:
		cmd, err = r.resolveBinary(inv, args)
	case PathCommand:
		cmd, err = r.resolveCommand(ctx, spec, inv, opts.Version, args)
	case EphemeralPackage:
		cmd, err = r.resolvePackage(ctx, inv.Package, args)
	default:
		return nil, fmt.Errorf("agent %s: no invocation configured", spec.ID)
	}
	if err != nil {
		return nil, err
	}

	cmd.Invocation = spec.Invocation.String()
	cmd.Env = r.env(spec, opts)
	return cmd, nil
}

func (r *Resolver) resolveBinary(inv PathBinary, args []string) (*Command, error) {
	if _, err := r.Stat(inv.Path); err != nil {
		return nil, fmt.Errorf("%s: %w", inv.Path, ErrCommandNotFound)
	}
	return &Command{Path: inv.Path, Args: args}, nil
}

func (r *Resolver) resolveCommand(ctx context.Context, spec Spec, inv PathCommand, version string, args []string) (*Command, error) {
	if version == "" {
		version = VersionInstalled
	}
	if version == VersionInstalled || spec.Package == "" {
		if path, err := r.LookPath(inv.Name); err == nil {
			return &Command{Path: path, Args: args}, nil
		}
		if spec.Package == "" {
			return nil, fmt.Errorf("%s: %w", inv.Name, ErrCommandNotFound)
		}
		version = VersionLatest
	}
	return r.resolvePackage(ctx, spec.Package+"@"+version, args)
}

func (r *Resolver) resolvePackage(ctx context.Context, pkg string, args []string) (*Command, error) {
	runner, path, err := r.selectRunner(pkg)
	if err != nil {
		return nil, err
	}
	if _, err := r.Runtimes.Check(ctx, runner); err != nil {
		return nil, err
	}

	full := make([]string, 0, len(args)+2)
	if runner == RunnerNpx {
		full = append(full, "--yes")
	}
	full = append(full, pkg)
	full = append(full, args...)
	return &Command{Path: path, Args: full, UsesFallback: true, Runner: runner}, nil
}

// selectRunner prefers bunx unless it is a project-local node_modules shim.
func (r *Resolver) selectRunner(pkg string) (string, string, error) {
	if path, err := r.LookPath(RunnerBunx); err == nil && !isNodeModulesBin(path) {
		return RunnerBunx, path, nil
	}
	if path, err := r.LookPath(RunnerNpx); err == nil {
		return RunnerNpx, path, nil
	}
	return "", "", &FallbackRuntimeMissingError{
		Package: pkg,
		Runners: []string{RunnerBunx, RunnerNpx},
		Hints: []string{
			"install bun from https://bun.sh",
			"or install Node.js 18+ which provides npx",
			"or install the agent so it is on PATH",
		},
	}
}

func isNodeModulesBin(path string) bool {
	return strings.Contains(filepath.ToSlash(path), "/node_modules/.bin/")
}

func (r *Resolver) env(spec Spec, opts Options) map[string]string {
	env := make(map[string]string, len(spec.Env)+len(opts.Env)+1)
	for k, v := range spec.Env {
		env[k] = v
	}
	for k, v := range opts.Env {
		env[k] = v
	}
	if opts.SkipPermissions && r.GOOS != "windows" {
		for k, v := range spec.SkipPermissionEnv {
			if _, set := env[k]; !set {
				env[k] = v
			}
		}
	}
	if len(env) == 0 {
		return nil
	}
	return env
}

// IsConfigError reports whether err stems from agent configuration rather
// than the host environment.
func IsConfigError(err error) bool {
	var notFound *CustomToolNotFoundError
	return errors.As(err, &notFound)
}
