package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/cdathome/pkg/client"
)

func addAPIFlags(cmd *cobra.Command, f *APIFlags) {
	cmd.Flags().StringVar(&f.URL, "api-url", "", "status API of a running host (default: from server.listen and server.base_path)")
	cmd.Flags().DurationVar(&f.Timeout, "api-timeout", 10*time.Second, "request timeout")
	cmd.Flags().BoolVar(&f.Insecure, "insecure", false, "skip TLS verification for https URLs")
}

func createStatusCommand(c *command, f *APIFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(cmd.Context(), *f)
		},
	}
	addAPIFlags(cmd, f)
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print the raw status as JSON")
	return cmd
}

func createRestartCommand(c *command, f *APIFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Ask a running host to restart the workload now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Restart(cmd.Context(), *f)
		},
	}
	addAPIFlags(cmd, f)
	return cmd
}

// apiTarget returns the base URL and the CA file to trust. Without --api-url
// both come from the config's server section; a wildcard listen host is
// reached through loopback.
func (c *command) apiTarget(f APIFlags) (url, caFile string, err error) {
	if f.URL != "" {
		return f.URL, "", nil
	}
	fc, err := c.load()
	if err != nil {
		return "", "", fmt.Errorf("no --api-url given and %w", err)
	}
	host, port, err := net.SplitHostPort(fc.Server.Listen)
	if err != nil {
		return "", "", fmt.Errorf("server.listen %q: %w", fc.Server.Listen, err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	scheme := "http"
	if fc.Server.TLS.Enabled {
		scheme = "https"
		caFile = fc.Server.TLS.CAFile()
	}
	base := strings.TrimRight("/"+strings.Trim(fc.Server.BasePath, "/"), "/")
	return scheme + "://" + net.JoinHostPort(host, port) + base, caFile, nil
}

func (c *command) apiClient(f APIFlags) (*client.Client, error) {
	url, caFile, err := c.apiTarget(f)
	if err != nil {
		return nil, err
	}
	return client.New(client.Config{BaseURL: url, Timeout: f.Timeout, Insecure: f.Insecure, CACert: caFile}), nil
}

func (c *command) Status(ctx context.Context, f APIFlags) error {
	cl, err := c.apiClient(f)
	if err != nil {
		return err
	}
	st, err := cl.Status(ctx)
	if err != nil {
		return err
	}
	if f.JSON {
		c.ui.printJSON(c.out, st)
		return nil
	}
	c.printf("%s %s\n", c.ui.label("State:      "), formatState(c.ui, st.State))
	c.printf("%s %s\n", c.ui.label("Session:    "), st.Session)
	c.printf("%s %s\n", c.ui.label("Detector:   "), st.Detector)
	if st.PID > 0 {
		c.printf("%s %d, started %s\n", c.ui.label("PID:        "), st.PID, since(st.StartedAt))
	}
	c.printf("%s %d (dropped %d)\n", c.ui.label("Restarts:   "), st.Restarts, st.DroppedRestarts)
	c.printf("%s %s\n", c.ui.label("Last poll:  "), since(st.LastPoll))
	if st.LastPollError != "" {
		c.printf("%s %s\n", c.ui.label("Poll error: "), c.ui.errorf("%s", st.LastPollError))
	}
	if len(st.LastCommits) > 0 {
		c.printf("%s %s\n", c.ui.label("Commits:    "), strings.Join(shortIDs(st.LastCommits), " "))
	}
	if st.LastExit != nil {
		c.printf("%s code %d %s\n", c.ui.label("Last exit:  "), st.LastExit.Code, st.LastExit.Signal)
	}
	if r := st.Resources; r != nil {
		c.printf("%s cpu %.1f%% mem %.1f MB threads %d\n", c.ui.label("Resources:  "), r.CPUPercent, r.MemoryMB, r.NumThreads)
	}
	return nil
}

func (c *command) Restart(ctx context.Context, f APIFlags) error {
	cl, err := c.apiClient(f)
	if err != nil {
		return err
	}
	res, err := cl.Restart(ctx)
	if errors.Is(err, client.ErrRestartRejected) {
		c.printf("%s\n", c.ui.errorf("Restart not accepted (%s): %s", res.State, res.Error))
		return err
	}
	if err != nil {
		return err
	}
	c.printf("%s\n", c.ui.okf("Restart accepted, host is %s", res.State))
	return nil
}

func shortIDs(ids []string) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		if len(id) > 8 {
			id = id[:8]
		}
		out[i] = id
	}
	return out
}
