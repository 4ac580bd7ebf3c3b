//go:build windows

package launch

import (
	"os"
	"os/exec"
)

// setProcessGroup is a no-op on Windows.
func setProcessGroup(_ *exec.Cmd) {}

// killProcessGroup kills the child; Windows has no process-group signal.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

func signalOf(_ *os.ProcessState) string { return "" }
