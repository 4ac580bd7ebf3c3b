package agent

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Minimum supported major versions of the fallback runtimes.
const (
	MinBunMajor  = 1
	MinNodeMajor = 18
)

// runtimeFor maps a runner to the runtime whose version gates it.
func runtimeFor(runner string) (name string, minimum int) {
	if runner == RunnerBunx {
		return "bun", MinBunMajor
	}
	return "node", MinNodeMajor
}

// VersionFunc returns the raw `<runtime> --version` output.
type VersionFunc func(ctx context.Context, runtime string) (string, error)

// ExecVersion runs `<runtime> --version`.
func ExecVersion(ctx context.Context, runtime string) (string, error) {
	out, err := exec.CommandContext(ctx, runtime, "--version").Output()
	if err != nil {
		return "", fmt.Errorf("%s --version: %w", runtime, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// ParseMajor extracts the major version from strings like "v20.11.1" or "1.1.38".
func ParseMajor(version string) (int, bool) {
	v := strings.TrimPrefix(strings.TrimSpace(version), "v")
	major, _, _ := strings.Cut(v, ".")
	n, err := strconv.Atoi(major)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

type runtimeResult struct {
	version string
	err     error
}

// RuntimeCache memoizes runtime version checks for the life of the process.
// Concurrent checks of the same runtime share one probe.
type RuntimeCache struct {
	version VersionFunc
	group   singleflight.Group

	mu      sync.Mutex
	results map[string]runtimeResult
	probes  int
}

// NewRuntimeCache returns a cache that probes with fn; nil means ExecVersion.
func NewRuntimeCache(fn VersionFunc) *RuntimeCache {
	if fn == nil {
		fn = ExecVersion
	}
	return &RuntimeCache{version: fn, results: make(map[string]runtimeResult)}
}

// Check verifies that the runtime behind runner meets the minimum version.
// Both outcomes are cached; a cancelled context is not.
func (c *RuntimeCache) Check(ctx context.Context, runner string) (string, error) {
	name, minimum := runtimeFor(runner)

	c.mu.Lock()
	if r, ok := c.results[name]; ok {
		c.mu.Unlock()
		return r.version, r.err
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(name, func() (any, error) {
		c.mu.Lock()
		if r, ok := c.results[name]; ok {
			c.mu.Unlock()
			return r.version, r.err
		}
		c.probes++
		c.mu.Unlock()

		raw, err := c.version(ctx, name)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		res := runtimeResult{version: raw}
		if err != nil {
			res.err = &FallbackRuntimeTooOldError{Runtime: name, Minimum: minimum}
		} else if major, ok := ParseMajor(raw); !ok || major < minimum {
			res.err = &FallbackRuntimeTooOldError{Runtime: name, Version: raw, Minimum: minimum}
		}

		c.mu.Lock()
		c.results[name] = res
		c.mu.Unlock()
		return res.version, res.err
	})
	version, _ := v.(string)
	return version, err
}

// Probes reports how many version probes have run since the last Reset.
func (c *RuntimeCache) Probes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.probes
}

// Reset drops all cached results.
func (c *RuntimeCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = make(map[string]runtimeResult)
	c.probes = 0
}
