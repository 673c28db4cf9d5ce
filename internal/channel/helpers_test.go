package channel

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// mockDashboard simulates the dashboard event endpoint.
type mockDashboard struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns []*websocket.Conn

	attempts atomic.Int32
	pings    atomic.Int32
	reject   atomic.Bool
}

func newMockDashboard(t *testing.T) *mockDashboard {
	m := &mockDashboard{
		t: t,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.handleWS))
	t.Cleanup(m.Close)
	return m
}

// Origin returns the http origin of the mock dashboard.
func (m *mockDashboard) Origin() string {
	return m.server.URL
}

func (m *mockDashboard) handleWS(w http.ResponseWriter, r *http.Request) {
	m.attempts.Add(1)

	if r.URL.Path != EventPath {
		http.NotFound(w, r)
		return
	}
	if m.reject.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	conn.SetPingHandler(func(data string) error {
		m.pings.Add(1)
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	m.mu.Lock()
	m.conns = append(m.conns, conn)
	m.mu.Unlock()

	// Read until the peer goes away so control frames are handled.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Send writes a raw text frame to the most recent connection.
func (m *mockDashboard) Send(frame string) {
	m.t.Helper()
	if err := m.trySend(frame); err != nil {
		m.t.Fatalf("send: %v", err)
	}
}

// trySend is Send for frames the peer may reject mid-write.
func (m *mockDashboard) trySend(frame string) error {
	m.t.Helper()
	waitFor(m.t, "server-side connection", func() bool { return m.ConnCount() > 0 })

	m.mu.Lock()
	defer m.mu.Unlock()

	conn := m.conns[len(m.conns)-1]
	return conn.WriteMessage(websocket.TextMessage, []byte(frame))
}

// DropAll closes every server-side connection without a close frame.
func (m *mockDashboard) DropAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, conn := range m.conns {
		_ = conn.Close()
	}
}

// ConnCount returns how many connections were accepted so far.
func (m *mockDashboard) ConnCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

func (m *mockDashboard) Close() {
	m.DropAll()
	m.server.Close()
}

// statusRecorder collects connected/disconnected transitions.
type statusRecorder struct {
	mu     sync.Mutex
	events []bool
}

func (r *statusRecorder) record(connected bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, connected)
}

func (r *statusRecorder) snapshot() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.events...)
}

// counter is a subscriber that counts deliveries.
type counter struct {
	n atomic.Int32
}

func (c *counter) handle(_ json.RawMessage) {
	c.n.Add(1)
}

func (c *counter) count() int {
	return int(c.n.Load())
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
