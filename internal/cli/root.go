// Package cli wires the agentboard commands: the dashboard server, the
// terminal watcher and a few helpers.
package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Build information, set via ldflags.
var (
	Version = "dev"
	Commit  = "none"
)

type rootOptions struct {
	logLevel   string
	configPath string
	stderr     io.Writer
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{stderr: os.Stderr}

	cmd := &cobra.Command{
		Use:   "agentboard",
		Short: "Live dashboard for an AI agent company",
		Long: `agentboard serves the agent company dashboard and watches it from a terminal.

The dashboard pushes change events over a WebSocket; watchers combine those
events with periodic REST polling so the view stays current even when events
are missed.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "watch config file (YAML)")

	cmd.AddCommand(
		newServeCommand(opts),
		newWatchCommand(opts),
		newCheckCommand(opts),
		newVersionCommand(),
	)
	return cmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCommand().Execute()
}

// logger builds the console logger. An explicit --log-level wins over
// fallback, which comes from the command's own configuration.
func (o *rootOptions) logger(fallback string) (zerolog.Logger, error) {
	level := o.logLevel
	if level == "" {
		level = fallback
	}
	lvl, err := parseLevel(level)
	if err != nil {
		return zerolog.Nop(), err
	}

	return zerolog.New(zerolog.ConsoleWriter{Out: o.stderr}).
		Level(lvl).
		With().Timestamp().Logger(), nil
}

func parseLevel(level string) (zerolog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel, nil
	case "", "info":
		return zerolog.InfoLevel, nil
	case "warn":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
}
