// Package channel maintains the push side of the live dashboard: a single
// websocket to the dashboard's event endpoint that reconnects forever and fans
// inbound events out to subscribers by kind.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/markus-barta/agentboard/internal/protocol"
	"github.com/rs/zerolog"
)

// EventPath is the dashboard's event endpoint, relative to its origin.
const EventPath = "/ws"

// ReconnectDelay is the constant wait between connection attempts.
const ReconnectDelay = 2 * time.Second

// Connection parameters
const (
	pingInterval     = 30 * time.Second
	pongWait         = 45 * time.Second
	writeWait        = 10 * time.Second
	handshakeTimeout = 10 * time.Second

	// Largest inbound frame. Events carry ids and small records.
	maxFrameSize = 1 << 20
)

// State is the lifecycle state of the underlying connection.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Handler receives the raw payload of one event.
type Handler func(payload json.RawMessage)

type subscription struct {
	kind protocol.Kind
	fn   Handler
}

// Manager owns the event channel connection and its subscribers.
type Manager struct {
	url        string
	header     http.Header
	log        zerolog.Logger
	dialer     *websocket.Dialer
	clock      clockwork.Clock
	newBackOff func() backoff.BackOff
	onStatus   func(connected bool)

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	closed atomic.Bool

	mu    sync.Mutex
	conn  *websocket.Conn
	state State

	connected atomic.Bool
	dropped   atomic.Uint64

	subsMu sync.RWMutex
	subs   map[protocol.Kind]mapset.Set[*subscription]
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock used for reconnect timers.
func WithClock(clock clockwork.Clock) Option {
	return func(m *Manager) { m.clock = clock }
}

// WithBackOff replaces the reconnect policy. The factory is called once per
// Manager; the policy is reset after every successful connect.
func WithBackOff(factory func() backoff.BackOff) Option {
	return func(m *Manager) { m.newBackOff = factory }
}

// WithStatusHandler registers a callback for connected/disconnected transitions.
// It runs on the connection goroutine and must not block.
func WithStatusHandler(fn func(connected bool)) Option {
	return func(m *Manager) { m.onStatus = fn }
}

// WithDialer replaces the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

// WithHeader sets extra handshake headers.
func WithHeader(h http.Header) Option {
	return func(m *Manager) { m.header = h }
}

// ConstantBackOff is the default reconnect policy: ReconnectDelay forever.
func ConstantBackOff() backoff.BackOff {
	return backoff.NewConstantBackOff(ReconnectDelay)
}

// ExponentialBackOff is a capped exponential reconnect policy that never gives up.
func ExponentialBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.MaxInterval = 60 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// EndpointFromOrigin derives the event endpoint from a page origin.
// https origins map to wss, http origins to ws.
func EndpointFromOrigin(origin string) (string, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return "", fmt.Errorf("parse origin %q: %w", origin, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("origin %q has no host", origin)
	}

	var scheme string
	switch u.Scheme {
	case "https":
		scheme = "wss"
	case "http":
		scheme = "ws"
	default:
		return "", fmt.Errorf("origin %q: unsupported scheme %q", origin, u.Scheme)
	}

	return (&url.URL{Scheme: scheme, Host: u.Host, Path: EventPath}).String(), nil
}

// Dial creates a Manager for the given origin and starts connecting right away.
// The returned Manager reconnects on its own until Close is called.
func Dial(origin string, log zerolog.Logger, opts ...Option) (*Manager, error) {
	endpoint, err := EndpointFromOrigin(origin)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		url:        endpoint,
		log:        log.With().Str("component", "event_channel").Logger(),
		dialer:     &websocket.Dialer{HandshakeTimeout: handshakeTimeout, Proxy: http.ProxyFromEnvironment},
		clock:      clockwork.NewRealClock(),
		newBackOff: ConstantBackOff,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		state:      StateConnecting,
		subs:       make(map[protocol.Kind]mapset.Set[*subscription]),
	}
	for _, opt := range opts {
		opt(m)
	}

	go m.run()
	return m, nil
}

// Endpoint returns the websocket URL this manager connects to.
func (m *Manager) Endpoint() string {
	return m.url
}

// Subscribe registers fn for events of the given kind. The returned function
// removes exactly this registration and is safe to call more than once.
func (m *Manager) Subscribe(kind protocol.Kind, fn Handler) (unsubscribe func()) {
	sub := &subscription{kind: kind, fn: fn}

	m.subsMu.Lock()
	set, ok := m.subs[kind]
	if !ok {
		set = mapset.NewSet[*subscription]()
		m.subs[kind] = set
	}
	set.Add(sub)
	m.subsMu.Unlock()

	return func() { set.Remove(sub) }
}

// Subscribers returns the number of live subscriptions for kind.
func (m *Manager) Subscribers(kind protocol.Kind) int {
	m.subsMu.RLock()
	defer m.subsMu.RUnlock()
	if set, ok := m.subs[kind]; ok {
		return set.Cardinality()
	}
	return 0
}

// Connected reports whether the channel is currently open.
func (m *Manager) Connected() bool {
	return m.connected.Load()
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Dropped returns how many inbound frames were discarded as malformed.
func (m *Manager) Dropped() uint64 {
	return m.dropped.Load()
}

// Close tears the channel down: the pending reconnect is cancelled, the
// connection is closed, and no handler runs after Close returns.
// Close must not be called from inside a Handler.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		<-m.done
		return nil
	}

	m.cancel()

	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "teardown"),
			time.Now().Add(writeWait),
		)
		_ = conn.Close()
	}

	<-m.done
	m.log.Debug().Msg("event channel closed")
	return nil
}

// run is the connect → serve → wait loop.
func (m *Manager) run() {
	defer close(m.done)
	defer m.setState(StateClosed)

	policy := m.newBackOff()

	for {
		if m.ctx.Err() != nil {
			return
		}

		m.setState(StateConnecting)
		conn, err := m.dial()
		if err != nil {
			if m.ctx.Err() != nil {
				return
			}
			m.setState(StateClosed)
			m.log.Debug().Err(err).Msg("connect failed")
		} else {
			policy.Reset()
			m.serve(conn)
		}

		delay := policy.NextBackOff()
		if delay == backoff.Stop {
			m.log.Warn().Msg("reconnect policy exhausted, giving up")
			return
		}
		m.log.Debug().Dur("delay", delay).Msg("reconnect scheduled")
		if !m.wait(delay) {
			return
		}
	}
}

func (m *Manager) dial() (*websocket.Conn, error) {
	m.log.Debug().Str("url", m.url).Msg("connecting")

	conn, resp, err := m.dialer.DialContext(m.ctx, m.url, m.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (HTTP %d)", m.url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", m.url, err)
	}
	return conn, nil
}

// serve owns conn until it fails. It returns with the connection closed.
func (m *Manager) serve(conn *websocket.Conn) {
	m.mu.Lock()
	if m.closed.Load() {
		m.mu.Unlock()
		_ = conn.Close()
		return
	}
	m.conn = conn
	m.mu.Unlock()

	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	stop := make(chan struct{})
	pingDone := make(chan struct{})
	go func() {
		defer close(pingDone)
		m.pingLoop(conn, stop)
	}()

	m.setState(StateOpen)
	m.log.Info().Str("url", m.url).Msg("event channel connected")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				m.dropped.Add(1)
				m.log.Warn().Int("limit", maxFrameSize).Msg("oversized frame, reconnecting")
			} else if !m.closed.Load() && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				m.log.Warn().Err(err).Msg("read error")
			}
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		m.dispatch(data)
	}

	close(stop)
	<-pingDone

	m.mu.Lock()
	m.conn = nil
	m.mu.Unlock()
	_ = conn.Close()

	m.setState(StateClosed)
	if !m.closed.Load() {
		m.log.Info().Msg("event channel disconnected")
	}
}

// pingLoop keeps the connection alive. A failed ping closes conn, which ends
// the read loop in serve.
func (m *Manager) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := m.clock.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				m.log.Debug().Err(err).Msg("ping failed")
				_ = conn.Close()
				return
			}
		}
	}
}

// wait sleeps for d on the manager clock. It returns false on teardown.
func (m *Manager) wait(d time.Duration) bool {
	timer := m.clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-m.ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}

// dispatch decodes one frame and delivers it to a snapshot of the kind's
// subscribers. Subscriptions removed mid fan-out are skipped.
func (m *Manager) dispatch(data []byte) {
	evt, err := protocol.Decode(data)
	if err != nil {
		m.dropped.Add(1)
		return
	}

	m.subsMu.RLock()
	set, ok := m.subs[evt.Type]
	m.subsMu.RUnlock()
	if !ok {
		return
	}

	for _, sub := range set.ToSlice() {
		if m.closed.Load() {
			return
		}
		if !set.Contains(sub) {
			continue
		}
		m.deliver(sub, evt.Payload)
	}
}

func (m *Manager) deliver(sub *subscription, payload json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().
				Str("type", string(sub.kind)).
				Interface("panic", r).
				Msg("subscriber panicked")
		}
	}()
	sub.fn(payload)
}

// setState records a lifecycle transition and reports connected-flag changes.
func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()

	up := s == StateOpen
	if m.connected.Swap(up) == up {
		return
	}
	if m.closed.Load() || m.onStatus == nil {
		return
	}
	m.onStatus(up)
}
