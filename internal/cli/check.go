package cli

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/markus-barta/agentboard/internal/api"
	"github.com/markus-barta/agentboard/internal/channel"
	"github.com/markus-barta/agentboard/internal/config"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newCheckCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate watch config and test dashboard connectivity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd.Context(), cmd.OutOrStdout(), root.configPath)
		},
	}
}

func runCheck(ctx context.Context, out io.Writer, configPath string) error {
	_, _ = fmt.Fprintln(out, "Checking configuration...")

	cfg, err := config.Load(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(out, "❌ Config error: %v\n", err)
		return err
	}
	endpoint, err := channel.EndpointFromOrigin(cfg.Origin)
	if err != nil {
		_, _ = fmt.Fprintf(out, "❌ Origin error: %v\n", err)
		return err
	}

	_, _ = fmt.Fprintln(out, "✓ Config OK")
	_, _ = fmt.Fprintf(out, "  Origin:      %s\n", cfg.Origin)
	_, _ = fmt.Fprintf(out, "  Events:      %s\n", endpoint)
	_, _ = fmt.Fprintf(out, "  Reconnect:   %s\n", cfg.Reconnect)
	_, _ = fmt.Fprintf(out, "  Intervals:   stats %s, tasks %s, agents %s, settings %s, cli %s\n",
		cfg.Intervals.Stats, cfg.Intervals.Tasks, cfg.Intervals.Agents,
		cfg.Intervals.Settings, cfg.Intervals.CLIStatus)
	_, _ = fmt.Fprintln(out)

	_, _ = fmt.Fprint(out, "Testing dashboard connectivity... ")
	client := &http.Client{Timeout: api.DefaultTimeout}
	start := time.Now()
	resp, err := client.Get(cfg.Origin + "/health")
	latency := time.Since(start)
	if err != nil {
		_, _ = fmt.Fprintf(out, "❌ Failed\n  Error: %v\n", err)
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 400 {
		_, _ = fmt.Fprintf(out, "❌ Failed (HTTP %d)\n", resp.StatusCode)
		return fmt.Errorf("health check: HTTP %d", resp.StatusCode)
	}
	_, _ = fmt.Fprintf(out, "✓ OK (latency: %dms)\n", latency.Milliseconds())

	return checkSources(ctx, out, api.New(cfg.Origin))
}

// checkSources fetches every polled data source once, concurrently.
func checkSources(ctx context.Context, out io.Writer, src api.Source) error {
	checks := []struct {
		name  string
		fetch func(context.Context) error
	}{
		{"stats", func(ctx context.Context) error { _, err := src.Stats(ctx); return err }},
		{"tasks", func(ctx context.Context) error { _, err := src.Tasks(ctx); return err }},
		{"agents", func(ctx context.Context) error { _, err := src.Agents(ctx); return err }},
		{"settings", func(ctx context.Context) error { _, err := src.Settings(ctx); return err }},
		{"cli status", func(ctx context.Context) error { _, err := src.CLIStatus(ctx, false); return err }},
	}

	results := make([]error, len(checks))
	var g errgroup.Group
	for i, c := range checks {
		g.Go(func() error {
			results[i] = c.fetch(ctx)
			return nil
		})
	}
	_ = g.Wait()

	var failed int
	for i, c := range checks {
		if results[i] != nil {
			failed++
			_, _ = fmt.Fprintf(out, "❌ %-11s %v\n", c.name, results[i])
			continue
		}
		_, _ = fmt.Fprintf(out, "✓ %-11s OK\n", c.name)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d data sources failed", failed, len(checks))
	}
	return nil
}
