package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/cdathome/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	c := newCommand(os.Stdin, os.Stdout, os.Stderr)
	err := buildRoot(c).ExecuteContext(ctx)
	stop()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, c.ui.errorf("%v", err))
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	NoColor    bool
	NoBanner   bool
	LogLevel   string
}

// APIFlags holds the connection flags of commands that talk to a running host.
type APIFlags struct {
	URL      string
	Timeout  time.Duration
	JSON     bool
	Insecure bool
}

func buildRoot(c *command) *cobra.Command {
	root := createRootCommand(c)
	apiFlags := &APIFlags{}
	root.AddCommand(
		createSetupCommand(c),
		createPullCommand(c),
		createTestCommand(c),
		createHostCommand(c),
		createViewConfigCommand(c),
		createStatusCommand(c, apiFlags),
		createRestartCommand(c, apiFlags),
	)
	return root
}

func createRootCommand(c *command) *cobra.Command {
	root := &cobra.Command{
		Use:   "cdathome",
		Short: "Continuous deployment at home: restart a workload when its git branch moves",
		Long: `cdathome keeps a command running from a git checkout and restarts it
whenever the tracked branch receives new commits.

Examples:
  cdathome setup          # write wehavecdathome/cdathome.conf.json
  cdathome pull           # clone the repository, or pull it when present
  cdathome test           # run the startup command once in the foreground
  cdathome host           # run and restart on every upstream change
  cdathome status         # ask a running host for its status`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			c.ui.color = !c.flags.NoColor && colorEnabled(c.out)
			if !c.flags.NoBanner && cmd.Annotations[annotationBanner] == "true" {
				c.ui.masthead(c.out)
			}
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&c.flags.ConfigPath, "config", config.DefaultPath, "path to the config file (.json, .toml or .yaml)")
	pf.BoolVar(&c.flags.NoColor, "no-color", false, "disable colored output")
	pf.BoolVar(&c.flags.NoBanner, "no-banner", false, "do not print the masthead")
	pf.StringVar(&c.flags.LogLevel, "log-level", "", "override log.level (debug, info, warn, error)")
	return root
}
