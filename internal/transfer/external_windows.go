//go:build windows

package transfer

import (
	"os/exec"
	"strconv"
)

// setProcessGroup is a no-op on Windows; killProcessGroup below uses
// taskkill's process-tree flag instead of a POSIX process group.
func setProcessGroup(cmd *exec.Cmd) {}

// killProcessGroup kills the child's entire descendant tree via taskkill
// /T, the Windows equivalent of signaling a POSIX process group.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = exec.Command("taskkill", "/PID", strconv.Itoa(cmd.Process.Pid), "/T", "/F").Run()
}
