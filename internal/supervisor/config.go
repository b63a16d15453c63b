package supervisor

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loykin/cdathome/internal/logger"
	"github.com/loykin/cdathome/internal/process"
)

// Defaults applied by WithDefaults.
const (
	DefaultRemote      = "origin"
	DefaultGracePeriod = 10 * time.Second
	DefaultCooldown    = 2 * time.Second
	DefaultPollTimeout = 30 * time.Second
	DefaultName        = "workload"
)

// Config is fixed for one supervision session.
type Config struct {
	Name    string
	RepoDir string
	Branch  string
	Remote  string
	// Command is run through the platform shell in WorkDir (RepoDir when empty).
	Command string
	WorkDir string
	// Env is the complete workload environment; nil inherits the supervisor's.
	Env []string
	Log logger.Config

	PollInterval time.Duration
	PollTimeout  time.Duration
	GracePeriod  time.Duration
	// Cooldown is the pause between reaping the old workload and starting the new one.
	Cooldown time.Duration

	PullBeforeRestart bool
	Hooks             process.LifecycleHooks
}

// WithDefaults fills unset optional fields.
func (c Config) WithDefaults() Config {
	if c.Name == "" {
		c.Name = DefaultName
	}
	if c.Remote == "" {
		c.Remote = DefaultRemote
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.Cooldown < 0 {
		c.Cooldown = 0
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = DefaultPollTimeout
	}
	if c.WorkDir == "" {
		c.WorkDir = c.RepoDir
	}
	return c
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.RepoDir) == "" {
		errs = append(errs, errors.New("repo dir is required"))
	}
	if strings.TrimSpace(c.Branch) == "" {
		errs = append(errs, errors.New("branch is required"))
	}
	if strings.TrimSpace(c.Command) == "" {
		errs = append(errs, errors.New("command is required"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll interval must be positive, got %s", c.PollInterval))
	}
	if err := c.Hooks.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ProcessSpec is the launch description of the workload. Call it on a
// config that has been through WithDefaults.
func (c Config) ProcessSpec() process.Spec {
	return process.Spec{
		Name:    c.Name,
		Command: c.Command,
		WorkDir: c.WorkDir,
		Env:     c.Env,
		Log:     c.Log,
	}
}
