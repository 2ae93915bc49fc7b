//go:build unix

package runtime

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// configureProcessGroup starts the worker in its own process group and
// makes context cancellation kill the whole group, so helpers the worker
// spawned (ffmpeg, python subprocesses) do not outlive it.
func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		if errors.Is(err, syscall.ESRCH) {
			return os.ErrProcessDone
		}
		return err
	}
}
