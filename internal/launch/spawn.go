package launch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/joescharf/gwt/internal/agent"
)

// ExitStatus is how an agent process ended.
type ExitStatus struct {
	Code   int
	Signal string
}

// Process is a started agent.
type Process interface {
	Pid() int
	// Wait blocks until the process exits. A non-nil error means the exit
	// status could not be observed.
	Wait() (ExitStatus, error)
	// Kill terminates the process and everything it started.
	Kill() error
}

// Spawner starts agent processes.
type Spawner interface {
	Start(ctx context.Context, cmd *agent.Command, dir string, req Request) (Process, error)
}

// ExecSpawner starts agents as child processes in their own process group.
type ExecSpawner struct{}

func (ExecSpawner) Start(_ context.Context, c *agent.Command, dir string, req Request) (Process, error) {
	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = dir
	cmd.Env = c.Environ(os.Environ())
	cmd.Stdin = req.Stdin
	cmd.Stdout = req.Stdout
	cmd.Stderr = req.Stderr
	// A foreground agent keeps our process group so it can own the terminal.
	if !req.Foreground {
		setProcessGroup(cmd)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", c.Path, err)
	}
	return &execProcess{cmd: cmd, group: !req.Foreground}, nil
}

type execProcess struct {
	cmd   *exec.Cmd
	group bool
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

func (p *execProcess) Wait() (ExitStatus, error) {
	err := p.cmd.Wait()
	if err == nil {
		return ExitStatus{}, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if sig := signalOf(exitErr.ProcessState); sig != "" {
			return ExitStatus{Code: -1, Signal: sig}, nil
		}
		return ExitStatus{Code: exitErr.ExitCode()}, nil
	}
	return ExitStatus{}, err
}

func (p *execProcess) Kill() error {
	if p.group {
		return killProcessGroup(p.cmd)
	}
	return p.cmd.Process.Kill()
}
