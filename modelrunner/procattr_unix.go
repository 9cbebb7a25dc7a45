//go:build unix

package modelrunner

import (
	"os/exec"
	"syscall"
)

// killProcessGroupOnCancel starts the model in its own process group so a deadline
// kills any helpers it spawned as well.
func killProcessGroupOnCancel(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
