package agent

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePath returns a LookPath that knows only the given commands.
func fakePath(found map[string]string) func(string) (string, error) {
	return func(name string) (string, error) {
		if p, ok := found[name]; ok {
			return p, nil
		}
		return "", errors.New("executable file not found in $PATH")
	}
}

func versions(v map[string]string) VersionFunc {
	return func(_ context.Context, runtime string) (string, error) {
		if out, ok := v[runtime]; ok {
			return out, nil
		}
		return "", errors.New("not installed")
	}
}

func newTestResolver(found map[string]string, v map[string]string) *Resolver {
	return &Resolver{
		LookPath: fakePath(found),
		Stat:     func(string) (os.FileInfo, error) { return nil, fs.ErrNotExist },
		Runtimes: NewRuntimeCache(versions(v)),
		GOOS:     "linux",
	}
}

func claudeSpec(t *testing.T) Spec {
	t.Helper()
	s, err := NewRegistry().Get(Claude)
	require.NoError(t, err)
	return s
}

func TestBuildArgs_Order(t *testing.T) {
	spec := Spec{
		DefaultArgs:        []string{"--a"},
		ModeArgs:           map[Mode][]string{ModeContinue: {"-c"}},
		SkipPermissionArgs: []string{"--skip"},
	}
	got := BuildArgs(spec, ArgOptions{Mode: ModeContinue, SkipPermissions: true, ExtraArgs: []string{"--x"}})
	assert.Equal(t, []string{"--a", "-c", "--skip", "--x"}, got)
}

func TestBuildArgs_UnknownModeContributesNothing(t *testing.T) {
	spec := Spec{DefaultArgs: []string{"--a"}, ModeArgs: map[Mode][]string{ModeContinue: {"-c"}}}
	assert.Equal(t, []string{"--a"}, BuildArgs(spec, ArgOptions{Mode: Mode("bogus")}))
	assert.Equal(t, []string{"--a"}, BuildArgs(spec, ArgOptions{Mode: ModeResume}))
}

func TestBuildArgs_Model(t *testing.T) {
	assert.Equal(t,
		[]string{"--model", "opus", "-c", "--dangerously-skip-permissions"},
		BuildArgs(claudeSpec(t), ArgOptions{Mode: ModeContinue, Model: "opus", SkipPermissions: true}))

	codex, err := NewRegistry().Get(Codex)
	require.NoError(t, err)
	assert.Equal(t,
		[]string{"resume", "--last", "--model", "o3"},
		BuildArgs(codex, ArgOptions{Mode: ModeContinue, Model: "o3"}))
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeNormal, m)

	m, err = ParseMode("Resume")
	require.NoError(t, err)
	assert.Equal(t, ModeResume, m)

	_, err = ParseMode("later")
	assert.Error(t, err)
}

func TestResolve_InstalledCommand(t *testing.T) {
	r := newTestResolver(map[string]string{"claude": "/usr/local/bin/claude", "bunx": "/usr/bin/bunx"}, nil)

	cmd, err := r.Resolve(context.Background(), claudeSpec(t), Options{Mode: ModeContinue})
	require.NoError(t, err)
	assert.Equal(t, "/usr/local/bin/claude", cmd.Path)
	assert.Equal(t, []string{"-c"}, cmd.Args)
	assert.False(t, cmd.UsesFallback)
	assert.Zero(t, r.Runtimes.Probes(), "fallback runner must not be consulted")
}

func TestResolve_FallsBackToBunx(t *testing.T) {
	r := newTestResolver(
		map[string]string{"bunx": "/home/u/.bun/bin/bunx", "npx": "/usr/bin/npx"},
		map[string]string{"bun": "1.1.38"},
	)

	cmd, err := r.Resolve(context.Background(), claudeSpec(t), Options{SkipPermissions: true})
	require.NoError(t, err)
	assert.True(t, cmd.UsesFallback)
	assert.Equal(t, RunnerBunx, cmd.Runner)
	assert.Equal(t, "/home/u/.bun/bin/bunx", cmd.Path)
	assert.Equal(t, []string{"@anthropic-ai/claude-code@latest", "--dangerously-skip-permissions"}, cmd.Args)
}

func TestResolve_SkipsNodeModulesBunx(t *testing.T) {
	r := newTestResolver(
		map[string]string{"bunx": "/proj/node_modules/.bin/bunx", "npx": "/usr/bin/npx"},
		map[string]string{"node": "v20.11.1"},
	)

	cmd, err := r.Resolve(context.Background(), claudeSpec(t), Options{})
	require.NoError(t, err)
	assert.Equal(t, RunnerNpx, cmd.Runner)
	assert.Equal(t, []string{"--yes", "@anthropic-ai/claude-code@latest"}, cmd.Args)
}

func TestResolve_ExplicitVersionUsesPackage(t *testing.T) {
	r := newTestResolver(
		map[string]string{"claude": "/usr/local/bin/claude", "bunx": "/usr/bin/bunx"},
		map[string]string{"bun": "1.2.0"},
	)

	cmd, err := r.Resolve(context.Background(), claudeSpec(t), Options{Version: "1.0.3"})
	require.NoError(t, err)
	assert.True(t, cmd.UsesFallback)
	assert.Equal(t, "@anthropic-ai/claude-code@1.0.3", cmd.Args[0])
}

func TestResolve_NoRunner(t *testing.T) {
	r := newTestResolver(nil, nil)

	_, err := r.Resolve(context.Background(), claudeSpec(t), Options{})
	var missing *FallbackRuntimeMissingError
	require.ErrorAs(t, err, &missing)
	assert.NotEmpty(t, missing.Hints)
	assert.Equal(t, []string{RunnerBunx, RunnerNpx}, missing.Runners)
}

func TestResolve_RuntimeTooOld(t *testing.T) {
	r := newTestResolver(map[string]string{"npx": "/usr/bin/npx"}, map[string]string{"node": "v16.20.0"})

	_, err := r.Resolve(context.Background(), claudeSpec(t), Options{})
	var old *FallbackRuntimeTooOldError
	require.ErrorAs(t, err, &old)
	assert.Equal(t, "node", old.Runtime)
	assert.Equal(t, MinNodeMajor, old.Minimum)
}

func TestResolve_RuntimeUnparseable(t *testing.T) {
	r := newTestResolver(map[string]string{"bunx": "/usr/bin/bunx"}, map[string]string{"bun": "garbage"})

	_, err := r.Resolve(context.Background(), claudeSpec(t), Options{})
	var old *FallbackRuntimeTooOldError
	assert.ErrorAs(t, err, &old)
}

func TestResolve_CustomPathMissing(t *testing.T) {
	r := newTestResolver(nil, nil)
	spec := Spec{ID: "mine", Invocation: PathBinary{Path: "/opt/mine/bin/agent"}}

	_, err := r.Resolve(context.Background(), spec, Options{})
	assert.ErrorIs(t, err, ErrCommandNotFound)
}

func TestResolve_CustomPathPresent(t *testing.T) {
	r := newTestResolver(nil, nil)
	r.Stat = func(string) (os.FileInfo, error) { return nil, nil }
	spec := Spec{ID: "mine", Invocation: PathBinary{Path: "/opt/mine/bin/agent"}, DefaultArgs: []string{"--tui"}}

	cmd, err := r.Resolve(context.Background(), spec, Options{ExtraArgs: []string{"x"}})
	require.NoError(t, err)
	assert.Equal(t, "/opt/mine/bin/agent", cmd.Path)
	assert.Equal(t, []string{"--tui", "x"}, cmd.Args)
	assert.Equal(t, "path:/opt/mine/bin/agent", cmd.Invocation)
}

func TestResolve_CustomCommandWithoutPackageHasNoFallback(t *testing.T) {
	r := newTestResolver(map[string]string{"bunx": "/usr/bin/bunx"}, map[string]string{"bun": "1.1.0"})
	spec := Spec{ID: "mine", Invocation: PathCommand{Name: "my-agent"}, Custom: true}

	_, err := r.Resolve(context.Background(), spec, Options{})
	assert.ErrorIs(t, err, ErrCommandNotFound)
}

func TestResolve_CustomEphemeralPackage(t *testing.T) {
	r := newTestResolver(map[string]string{"npx": "/usr/bin/npx"}, map[string]string{"node": "v22.1.0"})
	spec := Spec{ID: "aider", Invocation: EphemeralPackage{Package: "aider-chat@1.2"}}

	cmd, err := r.Resolve(context.Background(), spec, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"--yes", "aider-chat@1.2"}, cmd.Args)
}

func TestResolve_SandboxEnv(t *testing.T) {
	r := newTestResolver(map[string]string{"claude": "/bin/claude"}, nil)

	cmd, err := r.Resolve(context.Background(), claudeSpec(t), Options{SkipPermissions: true})
	require.NoError(t, err)
	assert.Equal(t, "1", cmd.Env["IS_SANDBOX"])

	cmd, err = r.Resolve(context.Background(), claudeSpec(t), Options{SkipPermissions: true, Env: map[string]string{"IS_SANDBOX": "0"}})
	require.NoError(t, err)
	assert.Equal(t, "0", cmd.Env["IS_SANDBOX"], "caller value wins")

	r.GOOS = "windows"
	cmd, err = r.Resolve(context.Background(), claudeSpec(t), Options{SkipPermissions: true})
	require.NoError(t, err)
	assert.NotContains(t, cmd.Env, "IS_SANDBOX")

	r.GOOS = "linux"
	cmd, err = r.Resolve(context.Background(), claudeSpec(t), Options{})
	require.NoError(t, err)
	assert.NotContains(t, cmd.Env, "IS_SANDBOX")
}

func TestCommand_Environ(t *testing.T) {
	c := &Command{Env: map[string]string{"B": "2", "A": "1"}}
	assert.Equal(t, []string{"PATH=/bin", "A=1", "B=2"}, c.Environ([]string{"PATH=/bin"}))
}

func TestParseMajor(t *testing.T) {
	tests := []struct {
		in   string
		want int
		ok   bool
	}{
		{"v20.11.1", 20, true},
		{"1.1.38", 1, true},
		{"18", 18, true},
		{"", 0, false},
		{"vX.1", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseMajor(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestRuntimeCache_SingleFlight(t *testing.T) {
	var probes atomic.Int32
	release := make(chan struct{})
	cache := NewRuntimeCache(func(_ context.Context, _ string) (string, error) {
		probes.Add(1)
		<-release
		return "v20.0.0", nil
	})

	const n = 10
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = cache.Check(context.Background(), RunnerNpx)
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), probes.Load())

	_, err := cache.Check(context.Background(), RunnerNpx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), probes.Load(), "result is memoized")
}

func TestRuntimeCache_MemoizesFailureAndResets(t *testing.T) {
	var probes atomic.Int32
	version := "v16.0.0"
	cache := NewRuntimeCache(func(_ context.Context, _ string) (string, error) {
		probes.Add(1)
		return version, nil
	})

	_, err := cache.Check(context.Background(), RunnerNpx)
	require.Error(t, err)
	_, err = cache.Check(context.Background(), RunnerNpx)
	require.Error(t, err)
	assert.Equal(t, int32(1), probes.Load())

	cache.Reset()
	version = "v20.0.0"
	_, err = cache.Check(context.Background(), RunnerNpx)
	assert.NoError(t, err)
	assert.Equal(t, int32(2), probes.Load())
}

func TestRuntimeCache_SeparateRuntimes(t *testing.T) {
	cache := NewRuntimeCache(versions(map[string]string{"bun": "1.0.0", "node": "v20.0.0"}))
	v, err := cache.Check(context.Background(), RunnerBunx)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", v)
	v, err = cache.Check(context.Background(), RunnerNpx)
	require.NoError(t, err)
	assert.Equal(t, "v20.0.0", v)
	assert.Equal(t, 2, cache.Probes())
}
