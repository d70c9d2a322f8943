//go:build unix

package build

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// useProcessGroup starts cmd in its own process group and makes context
// cancellation kill the whole group, so tools spawned by the shell die with it.
func useProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		if errors.Is(err, syscall.ESRCH) {
			return os.ErrProcessDone
		}
		return err
	}
}
