package process

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/loykin/cdathome/internal/logger"
)

// Spec describes the workload to launch.
type Spec struct {
	Name    string        `json:"name"`
	Command string        `json:"command"`  // shell command line, run through the platform interpreter
	WorkDir string        `json:"work_dir"` // optional working dir
	Env     []string      `json:"env"`      // full environment; nil inherits the supervisor's
	Log     logger.Config `json:"log"`      // optional copy of stdout/stderr into rotated files

	// Stdout and Stderr receive the workload output. Nil means the
	// supervisor's own os.Stdout/os.Stderr.
	Stdout io.Writer `json:"-"`
	Stderr io.Writer `json:"-"`
}

// Validate checks the fields Start depends on.
func (s *Spec) Validate() error {
	if strings.TrimSpace(s.Command) == "" {
		return errors.New("workload requires a command")
	}
	for i, kv := range s.Env {
		if !strings.Contains(kv, "=") {
			return fmt.Errorf("env[%d] %q is not KEY=VALUE", i, kv)
		}
	}
	return nil
}

// BuildCommand constructs the *exec.Cmd for spec.Command. The command is
// always handed to the shell so pipes, redirects and "&&" chains behave the
// way they do on an interactive prompt. An explicit leading "sh -c" is
// honored without wrapping it in a second shell.
func (s *Spec) BuildCommand() *exec.Cmd {
	cmdStr := strings.TrimSpace(s.Command)
	if _, afterC, ok := parseExplicitShell(cmdStr); ok {
		cmdStr = afterC
	}
	return getShellCommand(cmdStr)
}

// parseExplicitShell detects patterns like "sh -c <ARG>" or "/bin/sh -c <ARG>" at the
// beginning of cmdStr. It returns (shellPath, afterCArg, true) when matched.
// One pair of quotes wrapping the script is stripped.
func parseExplicitShell(cmdStr string) (string, string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	candidates := []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "}
	for _, p := range candidates {
		if strings.HasPrefix(trim, p) {
			after := trim[len(p):]
			if n := len(after); n >= 2 {
				if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
					after = after[1 : n-1]
				}
			}
			return strings.Fields(p)[0], after, true
		}
	}
	return "", "", false
}
