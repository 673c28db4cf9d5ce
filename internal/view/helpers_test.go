package view

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/markus-barta/agentboard/internal/company"
	"github.com/markus-barta/agentboard/internal/config"
)

// quietIntervals keeps the pollers from ticking during a test so every
// observed fetch comes from mount, events or reconnects.
var quietIntervals = config.Intervals{
	Stats:     time.Hour,
	Tasks:     time.Hour,
	Agents:    time.Hour,
	Settings:  time.Hour,
	CLIStatus: time.Hour,
}

// fakeSource records every call and serves canned data.
type fakeSource struct {
	mu       sync.Mutex
	calls    map[string]int
	settings company.Settings
	statsErr error
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		calls:    make(map[string]int),
		settings: company.DefaultSettings(),
	}
}

func (f *fakeSource) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[name]++
}

func (f *fakeSource) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeSource) counts() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int, len(f.calls))
	for k, v := range f.calls {
		out[k] = v
	}
	return out
}

func (f *fakeSource) Stats(ctx context.Context) (company.Stats, error) {
	f.record("stats")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statsErr != nil {
		return company.Stats{}, f.statsErr
	}
	return company.Stats{Tasks: company.TaskCounts{Total: f.calls["stats"]}}, nil
}

func (f *fakeSource) Tasks(ctx context.Context) ([]company.Task, error) {
	f.record("tasks")
	return []company.Task{{ID: "t1", Title: "Plan", Status: company.TaskInbox}}, nil
}

func (f *fakeSource) Agents(ctx context.Context) ([]company.Agent, error) {
	f.record("agents")
	return []company.Agent{{ID: "a1", Name: "Ada", Status: company.AgentIdle}}, nil
}

func (f *fakeSource) Settings(ctx context.Context) (company.Settings, error) {
	f.record("settings")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings, nil
}

func (f *fakeSource) SaveSettings(ctx context.Context, s company.Settings) (company.Settings, error) {
	f.record("save_settings")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings = s
	return s, nil
}

func (f *fakeSource) CLIStatus(ctx context.Context, refresh bool) (company.CLIStatus, error) {
	if refresh {
		f.record("cli_status_forced")
	} else {
		f.record("cli_status")
	}
	return company.CLIStatus{"claude": {Installed: true}}, nil
}

func (f *fakeSource) failStats(msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statsErr = errors.New(msg)
}

// mockEvents is a bare event endpoint that can push frames and drop peers.
type mockEvents struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newMockEvents(t *testing.T) *mockEvents {
	m := &mockEvents{
		t:        t,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
	m.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := m.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		m.mu.Lock()
		m.conns = append(m.conns, conn)
		m.mu.Unlock()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(func() {
		m.DropAll()
		m.server.Close()
	})
	return m
}

func (m *mockEvents) Origin() string {
	return m.server.URL
}

// Send writes frame to the newest connection.
func (m *mockEvents) Send(frame string) {
	m.t.Helper()
	waitFor(m.t, "event connection", func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return len(m.conns) > 0
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.conns[len(m.conns)-1].WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		m.t.Fatalf("send: %v", err)
	}
}

func (m *mockEvents) DropAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, conn := range m.conns {
		_ = conn.Close()
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
