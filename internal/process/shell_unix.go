//go:build !windows

package process

import "os/exec"

// getShellCommand runs script through /bin/sh. The absolute path keeps the
// launch independent of PATH in an overridden environment.
func getShellCommand(script string) *exec.Cmd {
	// #nosec G204
	return exec.Command("/bin/sh", "-c", script)
}
