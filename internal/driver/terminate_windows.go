//go:build windows

package driver

import (
	"fmt"
	"os/exec"
	"strconv"
	"syscall"

	"golang.org/x/sys/windows"
)

func configureProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: windows.CREATE_NEW_PROCESS_GROUP}
}

// terminate asks the process group to exit with CTRL_BREAK when graceful.
// Console signals do not reach every descendant on Windows, so the
// forceful path kills the whole tree by pid with taskkill.
func terminate(pid int, graceful bool) error {
	if graceful {
		if err := windows.GenerateConsoleCtrlEvent(windows.CTRL_BREAK_EVENT, uint32(pid)); err != nil {
			return fmt.Errorf("sending ctrl-break to %d: %w", pid, err)
		}
		return nil
	}
	out, err := exec.Command("taskkill", "/F", "/T", "/PID", strconv.Itoa(pid)).CombinedOutput()
	if err != nil {
		return fmt.Errorf("taskkill %d: %w: %s", pid, err, out)
	}
	return nil
}
