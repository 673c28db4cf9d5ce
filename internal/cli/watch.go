package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/markus-barta/agentboard/internal/company"
	"github.com/markus-barta/agentboard/internal/config"
	"github.com/markus-barta/agentboard/internal/poll"
	"github.com/markus-barta/agentboard/internal/view"
	"github.com/spf13/cobra"
)

func newWatchCommand(root *rootOptions) *cobra.Command {
	var origin string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow a running dashboard from the terminal",
		Long: `Follow a running dashboard: subscribe to its event channel and poll its
REST data sources, printing a status line whenever something changes.

Configuration is read from --config (YAML), then overridden by
AGENTBOARD_ORIGIN, AGENTBOARD_LOG_LEVEL, AGENTBOARD_RECONNECT and
AGENTBOARD_POLL_INTERVAL.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(root.configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("origin") {
				cfg.Origin = origin
				if err := cfg.Validate(); err != nil {
					return err
				}
			}

			log, err := root.logger(cfg.LogLevel)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			live, err := view.Mount(ctx, view.OptionsFromConfig(cfg, log))
			if err != nil {
				return err
			}
			defer live.Unmount()

			live.OnUpdate(newPrinter(cmd.OutOrStdout()).print)

			<-ctx.Done()
			log.Info().Msg("watch stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&origin, "origin", "", "dashboard origin (overrides config)")
	return cmd
}

// printer writes one status line per distinct snapshot.
type printer struct {
	mu   sync.Mutex
	out  io.Writer
	last string
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out}
}

func (p *printer) print(s view.Snapshot) {
	line := statusLine(s)

	p.mu.Lock()
	defer p.mu.Unlock()
	if line == p.last {
		return
	}
	p.last = line
	_, _ = fmt.Fprintln(p.out, line)
}

func statusLine(s view.Snapshot) string {
	var b strings.Builder

	if s.Connected {
		b.WriteString("live")
	} else {
		b.WriteString("polling")
	}

	if s.Settings.HasData {
		fmt.Fprintf(&b, " | %s", s.Settings.Data.CompanyName)
	}

	fmt.Fprintf(&b, " | tasks %s", field(s.Stats, func(st company.Stats) string {
		return fmt.Sprintf("%d/%d done (%d%%), %d in progress",
			st.Tasks.Done, st.Tasks.Total, st.Tasks.CompletionRate, st.Tasks.InProgress)
	}))

	fmt.Fprintf(&b, " | agents %s", field(s.Agents, func(agents []company.Agent) string {
		working := 0
		for _, a := range agents {
			if a.Status == company.AgentWorking {
				working++
			}
		}
		return fmt.Sprintf("%d/%d working", working, len(agents))
	}))

	fmt.Fprintf(&b, " | inbox %s", field(s.Tasks, func(tasks []company.Task) string {
		inbox := 0
		for _, t := range tasks {
			if t.Status == company.TaskInbox {
				inbox++
			}
		}
		return fmt.Sprint(inbox)
	}))

	fmt.Fprintf(&b, " | cli %s", field(s.CLIStatus, func(st company.CLIStatus) string {
		installed := st.Installed()
		if len(installed) == 0 {
			return "none"
		}
		return strings.Join(installed, ",")
	}))

	return b.String()
}

// field renders one poll state: its value, "…" while loading, or the error
// next to the last known value.
func field[T any](s poll.State[T], render func(T) string) string {
	switch {
	case s.Loading && !s.HasData:
		return "…"
	case s.Err != "" && s.HasData:
		return render(s.Data) + " (stale: " + s.Err + ")"
	case s.Err != "":
		return "error: " + s.Err
	case !s.HasData:
		return "-"
	default:
		return render(s.Data)
	}
}
