//go:build !windows

package local

import (
	"os/exec"
	"syscall"
)

// groupProcess starts cmd in its own process group and makes context
// cancellation kill the whole group, so children forked by sh die with it.
func groupProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
