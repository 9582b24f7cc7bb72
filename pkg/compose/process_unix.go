//go:build !windows

package compose

import (
	"os/exec"
	"syscall"
)

// setupProcessAttributes puts the controller command in its own process
// group and makes context cancellation kill the whole group, so a cancelled
// "logs -f" leaves no orphaned children behind.
func setupProcessAttributes(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative PID addresses the process group
		if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
			return cmd.Process.Kill()
		}
		return nil
	}
}
