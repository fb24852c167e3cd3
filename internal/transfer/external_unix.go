//go:build !windows

package transfer

import (
	"os/exec"
	"syscall"
)

// setProcessGroup places the child in its own process group so the
// entire descendant tree can be killed with a single signal.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup kills the child's entire descendant tree by signaling
// its process group, since an external tool may itself spawn helpers that
// outlive a plain Process.Kill.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		_ = cmd.Process.Kill()
		return
	}
	_ = syscall.Kill(-pgid, syscall.SIGKILL)
}
