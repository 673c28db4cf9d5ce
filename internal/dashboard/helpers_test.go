package dashboard

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/markus-barta/agentboard/internal/protocol"
	"github.com/rs/zerolog"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := InitDatabase(filepath.Join(t.TempDir(), "data", "agentboard.db"))
	if err != nil {
		t.Fatalf("InitDatabase: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// fakeProber returns a prober that finds the given binaries with the given
// version output and never touches the real system.
func fakeProber(clock clockwork.Clock, ttl time.Duration, versions map[string]string) (*Prober, *atomic.Int32) {
	var probes atomic.Int32
	p := NewProber(zerolog.Nop(), ttl, clock, WithHome(""), WithLookPath(func(file string) (string, error) {
		if file == "claude" {
			probes.Add(1)
		}
		if _, ok := versions[file]; ok {
			return "/usr/local/bin/" + file, nil
		}
		return "", exec.ErrNotFound
	}))
	p.getenv = func(string) string { return "" }
	p.runVersion = func(ctx context.Context, path string) (string, error) {
		v, ok := versions[filepath.Base(path)]
		if !ok || v == "" {
			return "", errors.New("exit status 1")
		}
		return v, nil
	}
	return p, &probes
}

type testDashboard struct {
	t      *testing.T
	server *Server
	http   *httptest.Server
	clock  clockwork.Clock
	probes *atomic.Int32
}

func newTestDashboard(t *testing.T) *testDashboard {
	t.Helper()

	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	cfg := &Config{
		ListenAddr:   ":0",
		DatabasePath: "unused",
		CLIStatusTTL: time.Minute,
		Seed:         true,
	}
	prober, probes := fakeProber(clock, cfg.CLIStatusTTL, map[string]string{
		"claude": "1.0.33 (Claude Code)\n",
		"gemini": "",
	})

	s, err := New(cfg, newTestDB(t), zerolog.Nop(), WithClock(clock), WithProber(prober))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := httptest.NewServer(s.Router())
	t.Cleanup(func() {
		ts.Close()
		s.Close()
	})

	return &testDashboard{t: t, server: s, http: ts, clock: clock, probes: probes}
}

// do sends a JSON request and decodes a JSON response into out when non-nil.
func (d *testDashboard) do(method, path string, body any, out any) int {
	d.t.Helper()

	var reader io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			reader = strings.NewReader(b)
		default:
			data, err := json.Marshal(b)
			if err != nil {
				d.t.Fatalf("marshal body: %v", err)
			}
			reader = bytes.NewReader(data)
		}
	}

	req, err := http.NewRequest(method, d.http.URL+path, reader)
	if err != nil {
		d.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		d.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			d.t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

// browser connects to the event endpoint like a dashboard page would.
func (d *testDashboard) browser() *websocket.Conn {
	d.t.Helper()

	url := "ws" + strings.TrimPrefix(d.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		d.t.Fatalf("dial: %v", err)
	}
	d.t.Cleanup(func() { _ = conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for d.server.Hub().Clients() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

// readKinds reads n events from conn and returns their kinds.
func readKinds(t *testing.T, conn *websocket.Conn, n int) []protocol.Kind {
	t.Helper()

	kinds := make([]protocol.Kind, 0, n)
	for len(kinds) < n {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read event %d: %v", len(kinds)+1, err)
		}
		evt, err := protocol.Decode(data)
		if err != nil {
			t.Fatalf("decode event: %v", err)
		}
		kinds = append(kinds, evt.Type)
	}
	return kinds
}
