//go:build windows

package compose

import (
	"os/exec"
	"syscall"
)

// setupProcessAttributes starts the controller command in a new process
// group; cancellation falls back to killing the process itself.
func setupProcessAttributes(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}
}
