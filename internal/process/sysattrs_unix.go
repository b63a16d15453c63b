//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr places the workload in its own process group so that
// signals reach everything the shell spawned, not just the shell.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
