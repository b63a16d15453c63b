//go:build windows

package process

import "os/exec"

// getShellCommand runs script through cmd.exe.
func getShellCommand(script string) *exec.Cmd {
	// #nosec G204
	return exec.Command("cmd", "/C", script)
}
