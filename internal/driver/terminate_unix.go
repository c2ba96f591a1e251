//go:build !windows

package driver

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

func configureProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminate signals the process group led by pid. Graceful sends SIGTERM,
// forceful SIGKILL. A group that is already gone is not an error.
func terminate(pid int, graceful bool) error {
	sig := unix.SIGKILL
	if graceful {
		sig = unix.SIGTERM
	}
	if err := unix.Kill(-pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("signalling process group %d: %w", pid, err)
	}
	return nil
}
