package view

import (
	"context"
	"net/http/httptest"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/markus-barta/agentboard/internal/api"
	"github.com/markus-barta/agentboard/internal/company"
	"github.com/markus-barta/agentboard/internal/config"
	"github.com/markus-barta/agentboard/internal/dashboard"
	"github.com/rs/zerolog"
)

func mountFake(t *testing.T, src *fakeSource, events *mockEvents) *Live {
	t.Helper()
	l, err := Mount(context.Background(), Options{
		Origin:    events.Origin(),
		Intervals: quietIntervals,
		Source:    src,
		BackOff: func() backoff.BackOff {
			return backoff.NewConstantBackOff(20 * time.Millisecond)
		},
		Log: zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	t.Cleanup(l.Unmount)

	waitFor(t, "initial load", func() bool {
		s := l.Snapshot()
		return s.Connected && s.Stats.HasData && s.Tasks.HasData && s.Agents.HasData &&
			s.Settings.HasData && s.CLIStatus.HasData
	})
	return l
}

func TestMount_LoadsEverySource(t *testing.T) {
	src := newFakeSource()
	l := mountFake(t, src, newMockEvents(t))

	s := l.Snapshot()
	if s.Stats.Loading || s.Stats.Err != "" {
		t.Errorf("stats state: %+v", s.Stats)
	}
	if len(s.Tasks.Data) != 1 || s.Tasks.Data[0].ID != "t1" {
		t.Errorf("tasks: %+v", s.Tasks.Data)
	}
	if !s.CLIStatus.Data["claude"].Installed {
		t.Errorf("cli status: %+v", s.CLIStatus.Data)
	}
	for _, name := range []string{"stats", "tasks", "agents", "settings", "cli_status"} {
		if got := src.count(name); got != 1 {
			t.Errorf("%s fetched %d times on mount, want 1", name, got)
		}
	}
}

func TestMount_InvalidOrigin(t *testing.T) {
	_, err := Mount(context.Background(), Options{
		Origin:    "ftp://example.com",
		Intervals: quietIntervals,
		Source:    newFakeSource(),
		Log:       zerolog.Nop(),
	})
	if err == nil {
		t.Fatal("expected error for unsupported origin scheme")
	}
}

func TestMount_InvalidInterval(t *testing.T) {
	iv := quietIntervals
	iv.Tasks = 0
	_, err := Mount(context.Background(), Options{
		Origin:    "http://localhost:1",
		Intervals: iv,
		Source:    newFakeSource(),
		Clock:     clockwork.NewFakeClock(),
		Log:       zerolog.Nop(),
	})
	if err == nil {
		t.Fatal("expected error for zero interval")
	}
}

func TestLive_EventsTriggerRefresh(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  []string
	}{
		{"task", `{"type":"task_updated","payload":{"id":"t1"}}`, []string{"tasks", "stats"}},
		{"agent", `{"type":"agent_updated","payload":{"id":"a1"}}`, []string{"agents", "stats"}},
		{"stats", `{"type":"stats_updated","payload":null}`, []string{"stats"}},
		{"cli status", `{"type":"cli_status_updated","payload":{}}`, []string{"cli_status"}},
		{"settings", `{"type":"settings_updated","payload":{}}`, []string{"settings"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := newFakeSource()
			events := newMockEvents(t)
			mountFake(t, src, events)
			before := src.counts()

			events.Send(tt.frame)

			waitFor(t, strings.Join(tt.want, "+")+" refresh", func() bool {
				for _, name := range tt.want {
					if src.count(name) != before[name]+1 {
						return false
					}
				}
				return true
			})

			// Sources the event does not touch stay put.
			time.Sleep(50 * time.Millisecond)
			after := src.counts()
			for name, n := range before {
				touched := false
				for _, w := range tt.want {
					if w == name {
						touched = true
					}
				}
				if !touched && after[name] != n {
					t.Errorf("%s refreshed by %s event: %d -> %d", name, tt.name, n, after[name])
				}
			}
		})
	}
}

func TestLive_UnknownAndMalformedFramesIgnored(t *testing.T) {
	src := newFakeSource()
	events := newMockEvents(t)
	l := mountFake(t, src, events)
	before := src.counts()

	events.Send(`{"type":"weather_updated","payload":{}}`)
	events.Send(`not json`)
	events.Send(`{"payload":{}}`)
	events.Send(`{"type":"stats_updated","payload":null}`)

	waitFor(t, "stats refresh after junk", func() bool {
		return src.count("stats") == before["stats"]+1
	})
	if src.count("tasks") != before["tasks"] {
		t.Error("junk frames triggered a tasks refresh")
	}
	if !l.Snapshot().Connected {
		t.Error("junk frames closed the event channel")
	}
}

func TestLive_ReconnectRefreshesAll(t *testing.T) {
	src := newFakeSource()
	events := newMockEvents(t)
	l := mountFake(t, src, events)
	before := src.counts()

	var sawDisconnect atomic.Bool
	l.OnUpdate(func(s Snapshot) {
		if !s.Connected {
			sawDisconnect.Store(true)
		}
	})

	events.DropAll()

	waitFor(t, "disconnect reported", sawDisconnect.Load)
	waitFor(t, "every source refreshed after reconnect", func() bool {
		if !l.Snapshot().Connected {
			return false
		}
		for _, name := range []string{"stats", "tasks", "agents", "settings", "cli_status"} {
			if src.count(name) < before[name]+1 {
				return false
			}
		}
		return true
	})
}

func TestLive_FetchErrorSurfaces(t *testing.T) {
	src := newFakeSource()
	events := newMockEvents(t)
	l := mountFake(t, src, events)
	total := l.Snapshot().Stats.Data.Tasks.Total

	src.failStats("network down")
	events.Send(`{"type":"stats_updated","payload":null}`)

	waitFor(t, "stats error", func() bool {
		return l.Snapshot().Stats.Err != ""
	})
	s := l.Snapshot().Stats
	if !strings.Contains(s.Err, "network down") {
		t.Errorf("Err = %q", s.Err)
	}
	if !s.HasData || s.Data.Tasks.Total != total {
		t.Errorf("error discarded last good data: %+v", s)
	}
}

func TestLive_SaveSettings(t *testing.T) {
	src := newFakeSource()
	l := mountFake(t, src, newMockEvents(t))

	next := company.DefaultSettings()
	next.CompanyName = "Night Shift"
	state, err := l.SaveSettings(context.Background(), next)
	if err != nil {
		t.Fatalf("SaveSettings: %v", err)
	}
	if state.Data.CompanyName != "Night Shift" {
		t.Errorf("settings after save: %+v", state.Data)
	}
	if src.count("save_settings") != 1 {
		t.Errorf("save_settings calls = %d", src.count("save_settings"))
	}

	bad := next
	bad.DefaultProvider = "clippy"
	if _, err := l.SaveSettings(context.Background(), bad); err == nil {
		t.Error("expected validation error")
	}
	if src.count("save_settings") != 1 {
		t.Error("invalid settings reached the source")
	}
}

func TestLive_RefreshCLIStatus(t *testing.T) {
	src := newFakeSource()
	l := mountFake(t, src, newMockEvents(t))

	state, err := l.RefreshCLIStatus(context.Background())
	if err != nil {
		t.Fatalf("RefreshCLIStatus: %v", err)
	}
	if !state.HasData {
		t.Errorf("state: %+v", state)
	}
	if src.count("cli_status_forced") != 1 || src.count("cli_status") != 2 {
		t.Errorf("calls: %v", src.counts())
	}
}

func TestLive_UnmountStopsUpdates(t *testing.T) {
	src := newFakeSource()
	events := newMockEvents(t)
	l := mountFake(t, src, events)

	var updates atomic.Int32
	l.OnUpdate(func(Snapshot) { updates.Add(1) })

	l.Unmount()
	l.Unmount()
	before := src.counts()
	after := updates.Load()

	time.Sleep(100 * time.Millisecond)
	if updates.Load() != after {
		t.Error("update delivered after Unmount")
	}
	for name, n := range src.counts() {
		if before[name] != n {
			t.Errorf("%s fetched after Unmount", name)
		}
	}
}

func TestLive_ContextCancelUnmounts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	events := newMockEvents(t)
	l, err := Mount(ctx, Options{
		Origin:    events.Origin(),
		Intervals: quietIntervals,
		Source:    newFakeSource(),
		Log:       zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}

	cancel()
	waitFor(t, "unmount on cancel", l.closed.Load)
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	opts := OptionsFromConfig(cfg, zerolog.Nop())
	if opts.Origin != cfg.Origin || opts.BackOff != nil {
		t.Errorf("constant policy: %+v", opts)
	}

	cfg.Reconnect = config.ReconnectExponential
	if OptionsFromConfig(cfg, zerolog.Nop()).BackOff == nil {
		t.Error("exponential policy not mapped")
	}
}

// The full loop: a task created through the API shows up in the view via
// the pushed event, well before the next poll.
func TestLive_AgainstDashboard(t *testing.T) {
	db, err := dashboard.InitDatabase(filepath.Join(t.TempDir(), "agentboard.db"))
	if err != nil {
		t.Fatalf("InitDatabase: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	clock := clockwork.NewRealClock()
	prober := dashboard.NewProber(zerolog.Nop(), time.Minute, clock,
		dashboard.WithHome(t.TempDir()),
		dashboard.WithLookPath(func(string) (string, error) { return "", exec.ErrNotFound }),
	)
	srv, err := dashboard.New(&dashboard.Config{
		ListenAddr:   ":0",
		DatabasePath: "unused",
		CLIStatusTTL: time.Minute,
		Seed:         true,
	}, db, zerolog.Nop(), dashboard.WithProber(prober))
	if err != nil {
		t.Fatalf("dashboard.New: %v", err)
	}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
	})

	l, err := Mount(context.Background(), Options{
		Origin:    ts.URL,
		Intervals: quietIntervals,
		Log:       zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	t.Cleanup(l.Unmount)

	waitFor(t, "initial load", func() bool {
		s := l.Snapshot()
		return s.Connected && s.Tasks.HasData && s.Agents.HasData
	})
	if n := len(l.Snapshot().Agents.Data); n == 0 {
		t.Fatal("seeded agents missing")
	}
	waitFor(t, "browser registered", func() bool { return srv.Hub().Clients() == 1 })

	created, err := api.New(ts.URL).CreateTask(context.Background(), api.NewTask{Title: "Ship the board"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	waitFor(t, "task pushed into view", func() bool {
		tasks := l.Snapshot().Tasks.Data
		return len(tasks) == 1 && tasks[0].ID == created.ID
	})
	waitFor(t, "stats pushed into view", func() bool {
		return l.Snapshot().Stats.Data.Tasks.Total == 1
	})
}
