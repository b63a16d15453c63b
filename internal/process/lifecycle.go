package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// LifecycleHooks are commands run around an update-triggered restart.
// PreRestart runs after the old workload has been reaped and before the new
// one is launched (rebuilds, migrations). PostRestart runs once the new
// workload has been launched.
type LifecycleHooks struct {
	PreRestart  []Hook `json:"pre_restart" mapstructure:"pre_restart"`
	PostRestart []Hook `json:"post_restart" mapstructure:"post_restart"`
}

// Hook is a single lifecycle command.
type Hook struct {
	Name        string        `json:"name" mapstructure:"name"`
	Command     string        `json:"command" mapstructure:"command"`
	WorkDir     string        `json:"work_dir" mapstructure:"work_dir"`
	Timeout     time.Duration `json:"timeout" mapstructure:"timeout"`           // default 5m
	FailureMode FailureMode   `json:"failure_mode" mapstructure:"failure_mode"` // default ignore
}

// FailureMode defines how a failing hook affects the restart.
type FailureMode string

const (
	FailureModeIgnore FailureMode = "ignore" // log and continue the restart
	FailureModeFail   FailureMode = "fail"   // abort supervision
)

// LifecyclePhase names a hook phase.
type LifecyclePhase string

const (
	PhasePreRestart  LifecyclePhase = "pre_restart"
	PhasePostRestart LifecyclePhase = "post_restart"
)

func (p LifecyclePhase) String() string { return string(p) }

const defaultHookTimeout = 5 * time.Minute

// ErrHookFailed wraps the failure of a hook whose failure mode is "fail".
var ErrHookFailed = errors.New("lifecycle hook failed")

// Validate checks every hook and rejects duplicate names across phases.
func (lh *LifecycleHooks) Validate() error {
	seen := make(map[string]LifecyclePhase)
	for _, phase := range []LifecyclePhase{PhasePreRestart, PhasePostRestart} {
		for i, h := range lh.ForPhase(phase) {
			if err := h.Validate(); err != nil {
				return fmt.Errorf("%s hook %d: %w", phase, i, err)
			}
			if prev, ok := seen[h.Name]; ok {
				return fmt.Errorf("duplicate hook name %q in %s and %s", h.Name, prev, phase)
			}
			seen[h.Name] = phase
		}
	}
	return nil
}

// Validate checks a single hook.
func (h *Hook) Validate() error {
	name := strings.TrimSpace(h.Name)
	if name == "" {
		return errors.New("hook name is required")
	}
	if strings.ContainsAny(name, " \t\n\r/\\") {
		return fmt.Errorf("hook %q: name contains whitespace or path separators", name)
	}
	if strings.TrimSpace(h.Command) == "" {
		return fmt.Errorf("hook %q requires command", name)
	}
	switch h.FailureMode {
	case "", FailureModeIgnore, FailureModeFail:
	default:
		return fmt.Errorf("hook %q: invalid failure_mode %q, must be ignore or fail", name, h.FailureMode)
	}
	if h.Timeout < 0 {
		return fmt.Errorf("hook %q: timeout cannot be negative", name)
	}
	return nil
}

// ForPhase returns the hooks registered for phase.
func (lh *LifecycleHooks) ForPhase(phase LifecyclePhase) []Hook {
	switch phase {
	case PhasePreRestart:
		return lh.PreRestart
	case PhasePostRestart:
		return lh.PostRestart
	default:
		return nil
	}
}

// HasAny reports whether any hook is configured.
func (lh *LifecycleHooks) HasAny() bool {
	return len(lh.PreRestart) > 0 || len(lh.PostRestart) > 0
}

// RunHook runs h to completion through the shell, bounded by its timeout.
// env nil inherits the supervisor's environment; out receives both streams.
func RunHook(ctx context.Context, h Hook, workDir string, env []string, out io.Writer) error {
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = defaultHookTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if out == nil {
		out = os.Stdout
	}
	dir := h.WorkDir
	if dir == "" {
		dir = workDir
	}
	p, err := Start(Spec{Name: h.Name, Command: h.Command, WorkDir: dir, Env: env, Stdout: out, Stderr: out})
	if err != nil {
		return fmt.Errorf("hook %s: %w", h.Name, err)
	}
	res, err := p.Wait(ctx, 5*time.Second)
	if err != nil {
		return fmt.Errorf("hook %s: %w", h.Name, err)
	}
	if !res.Success() {
		return fmt.Errorf("hook %s: %s", h.Name, res)
	}
	return nil
}
