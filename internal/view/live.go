// Package view composes the live dashboard: one event channel and one poller
// per data source. Pushed events trigger immediate refreshes of the affected
// sources; the pollers keep the view correct when events are missed.
package view

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/markus-barta/agentboard/internal/api"
	"github.com/markus-barta/agentboard/internal/channel"
	"github.com/markus-barta/agentboard/internal/company"
	"github.com/markus-barta/agentboard/internal/config"
	"github.com/markus-barta/agentboard/internal/poll"
	"github.com/markus-barta/agentboard/internal/protocol"
	"github.com/rs/zerolog"
)

// Options configures a Live view.
type Options struct {
	Origin    string           // dashboard origin, e.g. http://localhost:8000
	Intervals config.Intervals // poll period per source
	Source    api.Source       // defaults to an api.Client for Origin
	Clock     clockwork.Clock  // defaults to the real clock
	BackOff   func() backoff.BackOff
	Log       zerolog.Logger
}

// OptionsFromConfig maps the watch configuration onto view options.
func OptionsFromConfig(cfg *config.Config, log zerolog.Logger) Options {
	opts := Options{
		Origin:    cfg.Origin,
		Intervals: cfg.Intervals,
		Log:       log,
	}
	if cfg.Reconnect == config.ReconnectExponential {
		opts.BackOff = channel.ExponentialBackOff
	}
	return opts
}

// Snapshot is a consistent-enough copy of everything the view shows.
type Snapshot struct {
	Connected bool
	Stats     poll.State[company.Stats]
	Tasks     poll.State[[]company.Task]
	Agents    poll.State[[]company.Agent]
	Settings  poll.State[company.Settings]
	CLIStatus poll.State[company.CLIStatus]
}

// Live is a mounted dashboard view.
type Live struct {
	log    zerolog.Logger
	source api.Source
	events *channel.Manager

	stats     *poll.Poller[company.Stats]
	tasks     *poll.Poller[[]company.Task]
	agents    *poll.Poller[[]company.Agent]
	settings  *poll.Poller[company.Settings]
	cliStatus *poll.Poller[company.CLIStatus]

	unsubscribe []func()

	lostConnection atomic.Bool
	closed         atomic.Bool
	done           chan struct{}
	unmountOnce    sync.Once

	updateMu sync.Mutex
	onUpdate func(Snapshot)
}

// Mount starts every poller and dials the event channel. The view unmounts
// itself when ctx is done.
func Mount(ctx context.Context, opts Options) (*Live, error) {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Source == nil {
		opts.Source = api.New(opts.Origin)
	}

	l := &Live{
		log:    opts.Log.With().Str("component", "view").Logger(),
		source: opts.Source,
		done:   make(chan struct{}),
	}

	pollOpts := []poll.Option{poll.WithClock(opts.Clock)}
	l.stats = poll.New[company.Stats]("stats", opts.Log, pollOpts...)
	l.tasks = poll.New[[]company.Task]("tasks", opts.Log, pollOpts...)
	l.agents = poll.New[[]company.Agent]("agents", opts.Log, pollOpts...)
	l.settings = poll.New[company.Settings]("settings", opts.Log, pollOpts...)
	l.cliStatus = poll.New[company.CLIStatus]("cli_status", opts.Log, pollOpts...)

	l.stats.OnChange(func(poll.State[company.Stats]) { l.emit() })
	l.tasks.OnChange(func(poll.State[[]company.Task]) { l.emit() })
	l.agents.OnChange(func(poll.State[[]company.Agent]) { l.emit() })
	l.settings.OnChange(func(poll.State[company.Settings]) { l.emit() })
	l.cliStatus.OnChange(func(poll.State[company.CLIStatus]) { l.emit() })

	src := l.source
	iv := opts.Intervals
	starts := []error{
		l.stats.Start(src.Stats, iv.Stats, opts.Origin),
		l.tasks.Start(src.Tasks, iv.Tasks, opts.Origin),
		l.agents.Start(src.Agents, iv.Agents, opts.Origin),
		l.settings.Start(src.Settings, iv.Settings, opts.Origin),
		l.cliStatus.Start(func(ctx context.Context) (company.CLIStatus, error) {
			return src.CLIStatus(ctx, false)
		}, iv.CLIStatus, opts.Origin),
	}
	for _, err := range starts {
		if err != nil {
			l.stopPollers()
			return nil, fmt.Errorf("start pollers: %w", err)
		}
	}

	chanOpts := []channel.Option{
		channel.WithClock(opts.Clock),
		channel.WithStatusHandler(l.handleStatus),
	}
	if opts.BackOff != nil {
		chanOpts = append(chanOpts, channel.WithBackOff(opts.BackOff))
	}
	events, err := channel.Dial(opts.Origin, opts.Log, chanOpts...)
	if err != nil {
		l.stopPollers()
		return nil, fmt.Errorf("dial event channel: %w", err)
	}
	l.events = events

	l.subscribe(protocol.KindTaskUpdated, l.refreshTasks, l.refreshStats)
	l.subscribe(protocol.KindAgentUpdated, l.refreshAgents, l.refreshStats)
	l.subscribe(protocol.KindStatsUpdated, l.refreshStats)
	l.subscribe(protocol.KindCLIStatusUpdated, l.refreshCLIStatus)
	l.subscribe(protocol.KindSettingsUpdated, l.refreshSettings)

	go func() {
		select {
		case <-ctx.Done():
			l.Unmount()
		case <-l.done:
		}
	}()

	l.log.Info().Str("endpoint", events.Endpoint()).Msg("view mounted")
	return l, nil
}

// subscribe wires one event kind to poller refreshes. Refreshes run off the
// channel goroutine so a slow fetch never stalls event delivery.
func (l *Live) subscribe(kind protocol.Kind, refreshes ...func()) {
	unsub := l.events.Subscribe(kind, func(json.RawMessage) {
		l.log.Debug().Str("type", string(kind)).Msg("event received")
		for _, refresh := range refreshes {
			go refresh()
		}
	})
	l.unsubscribe = append(l.unsubscribe, unsub)
}

func (l *Live) refreshStats()     { l.stats.Refresh() }
func (l *Live) refreshTasks()     { l.tasks.Refresh() }
func (l *Live) refreshAgents()    { l.agents.Refresh() }
func (l *Live) refreshSettings()  { l.settings.Refresh() }
func (l *Live) refreshCLIStatus() { l.cliStatus.Refresh() }

// handleStatus refreshes every source after a reconnect, since events sent
// while disconnected are lost.
func (l *Live) handleStatus(connected bool) {
	if !connected {
		l.lostConnection.Store(true)
		l.log.Warn().Msg("event channel lost, relying on polling")
	} else if l.lostConnection.Swap(false) {
		l.log.Info().Msg("event channel restored, refreshing all sources")
		for _, refresh := range []func(){l.refreshStats, l.refreshTasks, l.refreshAgents, l.refreshSettings, l.refreshCLIStatus} {
			go refresh()
		}
	}
	l.emit()
}

// OnUpdate registers fn to receive a snapshot after every change. fn must
// not call Unmount.
func (l *Live) OnUpdate(fn func(Snapshot)) {
	l.updateMu.Lock()
	defer l.updateMu.Unlock()
	l.onUpdate = fn
}

func (l *Live) emit() {
	if l.closed.Load() {
		return
	}
	l.updateMu.Lock()
	defer l.updateMu.Unlock()
	if l.onUpdate != nil && !l.closed.Load() {
		l.onUpdate(l.Snapshot())
	}
}

// Snapshot returns the current state of every source.
func (l *Live) Snapshot() Snapshot {
	s := Snapshot{
		Stats:     l.stats.State(),
		Tasks:     l.tasks.State(),
		Agents:    l.agents.State(),
		Settings:  l.settings.State(),
		CLIStatus: l.cliStatus.State(),
	}
	if l.events != nil {
		s.Connected = l.events.Connected()
	}
	return s
}

// SaveSettings stores new settings and refreshes the settings source.
func (l *Live) SaveSettings(ctx context.Context, s company.Settings) (poll.State[company.Settings], error) {
	if err := s.Validate(); err != nil {
		return l.settings.State(), err
	}
	if _, err := l.source.SaveSettings(ctx, s); err != nil {
		return l.settings.State(), err
	}
	return l.settings.Refresh(), nil
}

// RefreshCLIStatus forces a new CLI probe on the server and refreshes the
// CLI status source.
func (l *Live) RefreshCLIStatus(ctx context.Context) (poll.State[company.CLIStatus], error) {
	if _, err := l.source.CLIStatus(ctx, true); err != nil {
		return l.cliStatus.State(), err
	}
	return l.cliStatus.Refresh(), nil
}

// Unmount stops every poller and closes the event channel. No update is
// delivered after Unmount returns.
func (l *Live) Unmount() {
	l.unmountOnce.Do(func() {
		l.closed.Store(true)
		close(l.done)

		for _, unsub := range l.unsubscribe {
			unsub()
		}
		_ = l.events.Close()
		l.stopPollers()

		// Wait out an update that was already being delivered.
		l.updateMu.Lock()
		l.updateMu.Unlock()

		l.log.Info().Msg("view unmounted")
	})
}

func (l *Live) stopPollers() {
	l.stats.Stop()
	l.tasks.Stop()
	l.agents.Stop()
	l.settings.Stop()
	l.cliStatus.Stop()
}
