package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/joescharf/gwt/internal/api"
	"github.com/joescharf/gwt/internal/daemon"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gwt REST API server",
	Long: `Run the REST API in the foreground for the repository in the
current directory. By default it listens on port 8080; use --port to
change it.

'gwt serve start' runs the same server detached, logging to
<state_dir>/gwt-serve.log.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveRun(cmd.Context())
	},
}

var serveStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the API server in the background",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStartRun()
	},
}

var serveStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the background server is running",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStatusRun()
	},
}

var serveStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the background server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStopRun()
	},
}

func init() {
	serveCmd.PersistentFlags().IntP("port", "p", 8080, "port to listen on")
	_ = viper.BindPFlag("port", serveCmd.PersistentFlags().Lookup("port"))

	serveCmd.AddCommand(serveStartCmd)
	serveCmd.AddCommand(serveStatusCmd)
	serveCmd.AddCommand(serveStopCmd)
	rootCmd.AddCommand(serveCmd)
}

func pidFile() *daemon.PIDFile {
	return daemon.NewPIDFile(filepath.Join(viper.GetString("state_dir"), "gwt-serve.pid"))
}

func serveLogPath() string {
	return filepath.Join(viper.GetString("state_dir"), "gwt-serve.log")
}

func serveRun(ctx context.Context) error {
	svc, err := newServices(ctx)
	if err != nil {
		return err
	}

	pf := pidFile()
	if err := pf.Acquire(); err != nil {
		return err
	}
	defer func() { _ = pf.Release() }()

	handler := api.NewServer(api.Deps{
		Store:           svc.store,
		Worktrees:       svc.worktrees,
		Registry:        svc.registry,
		Resolver:        svc.resolver,
		Launcher:        svc.launcher,
		Merger:          svc.merger,
		LLM:             newLLMClient(),
		Logger:          logger,
		RepoRoot:        svc.root,
		DefaultAgent:    viper.GetString("agent.default"),
		Remote:          viper.GetString("merge.remote"),
		FailOnPushError: viper.GetBool("merge.fail_on_push_error"),
	}).Router()

	addr := fmt.Sprintf(":%d", viper.GetInt("port"))
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	ctx, stop := signal.NotifyContext(ctx, shutdownSignals()...)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		svc.launcher.Shutdown()
		return err
	})

	ui.Info("Serving gwt API for %s at http://localhost%s", svc.root, addr)
	logger.Info("server started", "addr", addr, "repo", svc.root, "pid", os.Getpid())
	err = g.Wait()
	logger.Info("server stopped")
	return err
}

// serveStartRun re-executes gwt serve detached from the terminal.
func serveStartRun() error {
	pf := pidFile()
	if pid, ok := pf.IsRunning(); ok {
		return fmt.Errorf("%w (pid %d)", daemon.ErrAlreadyRunning, pid)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate gwt binary: %w", err)
	}
	args := []string{"serve", "--port", fmt.Sprint(viper.GetInt("port"))}
	if repoDir != "" {
		args = append(args, "--repo", repoDir)
	}
	if cfg := viper.ConfigFileUsed(); cfg != "" {
		args = append(args, "--config", cfg)
	}

	if dryRun {
		ui.DryRunMsg("Would run %s %v in the background", exe, args)
		return nil
	}

	logPath := serveLogPath()
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return err
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer func() { _ = logFile.Close() }()

	child := exec.Command(exe, args...)
	child.Stdout = logFile
	child.Stderr = logFile
	setDaemonAttrs(child)
	if err := child.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	pid := child.Process.Pid
	_ = child.Process.Release()

	ui.Success("gwt server started (pid %d), logging to %s", pid, logPath)
	return nil
}

func serveStatusRun() error {
	pf := pidFile()
	pid, ok := pf.IsRunning()
	if !ok {
		ui.Info("gwt server is not running")
		return nil
	}
	ui.Success("gwt server is running (pid %d, port %d)", pid, viper.GetInt("port"))
	return nil
}

func serveStopRun() error {
	pf := pidFile()
	pid, ok := pf.IsRunning()
	if !ok {
		return errors.New("gwt server is not running")
	}

	if dryRun {
		ui.DryRunMsg("Would stop gwt server (pid %d)", pid)
		return nil
	}

	if err := pf.Signal(sigTERM()); err != nil {
		return fmt.Errorf("signal server: %w", err)
	}
	deadline := time.Now().Add(shutdownTimeout + 2*time.Second)
	for time.Now().Before(deadline) {
		if _, ok := pf.IsRunning(); !ok {
			ui.Success("gwt server stopped")
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}

	ui.Warning("Server did not exit, killing pid %d", pid)
	if err := pf.Signal(sigKILL()); err != nil {
		return fmt.Errorf("kill server: %w", err)
	}
	return pf.Remove()
}
