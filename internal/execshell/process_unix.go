//go:build !windows

package execshell

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// configureProcessTermination places the child in its own process group so
// that cancellation also reaches processes it spawned.
func configureProcessTermination(process *exec.Cmd) {
	process.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	process.Cancel = func() error {
		if process.Process == nil {
			return nil
		}
		killError := syscall.Kill(-process.Process.Pid, syscall.SIGKILL)
		if errors.Is(killError, syscall.ESRCH) {
			return os.ErrProcessDone
		}
		return killError
	}
}
