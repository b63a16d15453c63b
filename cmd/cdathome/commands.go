package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/cdathome/internal/config"
	"github.com/loykin/cdathome/internal/git"
	"github.com/loykin/cdathome/internal/process"
	"github.com/loykin/cdathome/internal/supervisor"
)

type command struct {
	in     *bufio.Reader
	out    io.Writer
	errOut io.Writer
	flags  GlobalFlags
	ui     ui
}

func newCommand(in io.Reader, out, errOut io.Writer) *command {
	return &command{in: bufio.NewReader(in), out: out, errOut: errOut}
}

func (c *command) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(c.out, format, args...)
}

func (c *command) load() (*config.FileConfig, error) {
	fc, err := config.Load(c.flags.ConfigPath)
	if err != nil {
		return nil, err
	}
	if c.flags.LogLevel != "" {
		fc.Log.Level = c.flags.LogLevel
	}
	return fc, nil
}

// prompt reads one line; an empty answer yields def. EOF counts as empty.
func (c *command) prompt(question, def string) (string, error) {
	c.printf("%s", question)
	line, err := c.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return def, nil
	}
	return line, nil
}

func createSetupCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:         "setup",
		Short:       "Interactively write the configuration file",
		Annotations: map[string]string{annotationBanner: "true"},
		Args:        cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Setup()
		},
	}
}

// Setup asks for the repository, branch, poll period and startup command and
// saves them. Settings not asked for are kept from an existing file.
func (c *command) Setup() error {
	fc := config.Defaults()
	if existing, err := config.Load(c.flags.ConfigPath); err == nil {
		c.printf("Config already exists. Setup will overwrite it:\n")
		c.ui.printJSON(c.out, existing)
		answer, err := c.prompt("Continue? (y/n) ", "n")
		if err != nil {
			return err
		}
		if !strings.EqualFold(answer, "y") {
			c.printf("Setup cancelled.\n")
			return nil
		}
		fc = *existing
	} else if !errors.Is(err, config.ErrNotConfigured) {
		c.printf("%s\n", c.ui.errorf("Existing config is unreadable and will be replaced: %v", err))
	}

	var err error
	if fc.RepoURL, err = c.prompt("Enter the git repository URL: ", fc.RepoURL); err != nil {
		return err
	}
	if fc.Branch, err = c.prompt(fmt.Sprintf("Enter the branch to monitor (default: %s): ", fc.Branch), fc.Branch); err != nil {
		return err
	}
	period, err := c.prompt(fmt.Sprintf("Enter poll period in seconds (default: %d): ", fc.PollPeriod), strconv.Itoa(fc.PollPeriod))
	if err != nil {
		return err
	}
	if fc.PollPeriod, err = strconv.Atoi(period); err != nil {
		return fmt.Errorf("poll period %q is not a number of seconds", period)
	}
	if fc.StartupCmd, err = c.prompt(fmt.Sprintf("Enter the startup command (leave blank for `%s`): ", fc.StartupCmd), fc.StartupCmd); err != nil {
		return err
	}
	if err := fc.Validate(); err != nil {
		return err
	}
	if err := config.Save(c.flags.ConfigPath, fc); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	c.printf("Configuration saved to %s\n", c.flags.ConfigPath)
	c.ui.printJSON(c.out, fc)
	c.printf("You can now pull, test and host this configuration.\n")
	return nil
}

func createPullCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:         "pull",
		Short:       "Clone the repository, or pull the tracked branch when already cloned",
		Annotations: map[string]string{annotationBanner: "true"},
		Args:        cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Pull(cmd.Context())
		},
	}
}

func (c *command) Pull(ctx context.Context) error {
	fc, err := c.load()
	if err != nil {
		return err
	}
	dir := fc.ResolveRepoDir()
	cwd, _ := os.Getwd()
	c.printf("Loaded config:\n")
	c.ui.printJSON(c.out, fc)
	c.printf("%s %s\n", c.ui.label("Repository name:"), fc.RepoName())
	c.printf("%s %s\n", c.ui.label("Repository directory:"), dir)
	c.printf("%s %s\n", c.ui.label("Working directory:"), cwd)

	repo := git.Open(dir)
	cloned, err := repo.IsRepository(ctx)
	if err != nil {
		return err
	}
	if cloned {
		c.printf("Pulling %s/%s into %s\n", fc.Remote, fc.Branch, dir)
		err = repo.Pull(ctx, fc.Remote, fc.Branch, false)
	} else {
		c.printf("Cloning %s (branch %s) into %s\n", fc.RepoURL, fc.Branch, dir)
		_, err = git.Clone(ctx, fc.RepoURL, fc.Branch, dir)
	}
	if err != nil {
		var gerr *git.Error
		if errors.As(err, &gerr) && gerr.Stderr != "" {
			c.printf("%s\n%s\n", c.ui.errorf("git reported:"), c.ui.errorf("%s", strings.TrimSpace(gerr.Stderr)))
		}
		return fmt.Errorf("pull failed, resolve the issue above: %w", err)
	}
	c.printf("%s\n", c.ui.okf("Repository successfully pulled!"))
	return nil
}

func createTestCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:         "test",
		Short:       "Run the startup command once in the foreground",
		Annotations: map[string]string{annotationBanner: "true"},
		Args:        cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Test(cmd.Context())
		},
	}
}

// Test runs the startup command with the same spec host would use and waits
// for it. Interrupting it stops the workload and is not an error.
func (c *command) Test(ctx context.Context) error {
	fc, err := c.load()
	if err != nil {
		return err
	}
	cfg, err := fc.ToSupervisorConfig()
	if err != nil {
		return err
	}
	cfg = cfg.WithDefaults()
	if st, err := os.Stat(cfg.WorkDir); err != nil || !st.IsDir() {
		return fmt.Errorf("repository not found in %s, run pull first", cfg.WorkDir)
	}
	spec := cfg.ProcessSpec()
	spec.Stdout, spec.Stderr = c.out, c.errOut

	c.printf("Running %q in %s\n", spec.Command, spec.WorkDir)
	p, err := process.Start(spec)
	if err != nil {
		return err
	}
	res, err := p.Wait(ctx, cfg.GracePeriod)
	if err != nil {
		c.printf("Interrupted, workload stopped (%s)\n", res)
		return nil
	}
	if !res.Success() {
		return fmt.Errorf("startup command failed: %s", res)
	}
	c.printf("%s\n", c.ui.okf("Startup command finished: %s", res))
	return nil
}

func createViewConfigCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:         "view-config",
		Aliases:     []string{"view_config"},
		Short:       "Print the effective configuration",
		Annotations: map[string]string{annotationBanner: "true"},
		Args:        cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.ViewConfig()
		},
	}
}

func (c *command) ViewConfig() error {
	fc, err := c.load()
	if err != nil {
		return err
	}
	c.printf("Current configuration (%s):\n", fc.Path())
	c.ui.printJSON(c.out, fc)
	c.printf("%s %s\n", c.ui.label("Repository directory:"), fc.ResolveRepoDir())
	if err := fc.Validate(); err != nil {
		c.printf("%s\n", c.ui.errorf("Config is not valid: %v", err))
	}
	return nil
}

func createHostCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:         "host",
		Short:       "Run the startup command and restart it whenever the branch moves",
		Annotations: map[string]string{annotationBanner: "true"},
		Args:        cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Host(cmd.Context())
		},
	}
}

func formatState(u ui, s string) string {
	if s == supervisor.StateRunning.String() {
		return u.okf("%s", s)
	}
	return u.errorf("%s", s)
}

func since(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return fmt.Sprintf("%s (%s ago)", t.Local().Format(time.RFC3339), time.Since(t).Round(time.Second))
}
