// Package poll runs the pull side of the live dashboard: a fetch repeated on a
// fixed interval, with the latest value or failure kept for readers.
package poll

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

var (
	// ErrInvalidInterval is returned by Start for a non-positive interval.
	ErrInvalidInterval = errors.New("poll interval must be positive")

	// ErrStopped is returned by Start once the poller has been stopped.
	ErrStopped = errors.New("poller stopped")
)

// Fetcher produces one value. ctx is cancelled when the cycle that started
// the call is replaced or stopped.
type Fetcher[T any] func(ctx context.Context) (T, error)

// State is a read-only snapshot of a poller.
type State[T any] struct {
	Data      T         // last successfully fetched value
	HasData   bool      // Data holds a fetched value
	Loading   bool      // no result yet in the current epoch
	Err       string    // last failure, cleared by the next success
	Epoch     uint64    // start/restart generation
	UpdatedAt time.Time // when the last result was committed
}

type options struct {
	clock clockwork.Clock
}

// Option configures a Poller.
type Option func(*options)

// WithClock sets the clock driving the interval.
func WithClock(clock clockwork.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// Poller periodically invokes a Fetcher and keeps the latest outcome.
type Poller[T any] struct {
	name  string
	log   zerolog.Logger
	clock clockwork.Clock

	mu        sync.Mutex
	state     State[T]
	fetch     Fetcher[T]
	interval  time.Duration
	deps      []any
	running   bool
	stopped   bool
	epoch     uint64
	seq       uint64 // last invocation started
	committed uint64 // last invocation whose result was kept
	ctx       context.Context
	cancel    context.CancelFunc
	loopDone  chan struct{}

	// notifyMu serializes commits with their OnChange callback so consumers
	// observe states in commit order.
	notifyMu sync.Mutex
	onChange func(State[T])
}

// New creates an idle poller. name is used in logs only.
func New[T any](name string, log zerolog.Logger, opts ...Option) *Poller[T] {
	o := options{clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Poller[T]{
		name:  name,
		log:   log.With().Str("component", "poller").Str("source", name).Logger(),
		clock: o.clock,
	}
}

// OnChange registers fn to receive every state change. fn runs on the
// goroutine that produced the change and must not call Stop or Refresh.
func (p *Poller[T]) OnChange(fn func(State[T])) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onChange = fn
}

// Start begins polling fetch every interval. deps identifies the context
// fetch closes over: calling Start again with equal deps and interval is a
// no-op, while different deps cancel the running cycle and begin a new epoch.
func (p *Poller[T]) Start(fetch Fetcher[T], interval time.Duration, deps ...any) error {
	if interval <= 0 {
		return ErrInvalidInterval
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrStopped
	}
	if p.running && p.interval == interval && depsEqual(p.deps, deps) {
		p.mu.Unlock()
		return nil
	}

	prevCancel, prevDone := p.cancel, p.loopDone

	p.epoch++
	epoch := p.epoch
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	p.ctx, p.cancel, p.loopDone = ctx, cancel, done
	p.fetch = fetch
	p.interval = interval
	p.deps = append([]any(nil), deps...)
	p.running = true
	p.state.Loading = true
	p.state.Epoch = epoch
	p.mu.Unlock()

	if prevCancel != nil {
		prevCancel()
		<-prevDone
	}

	p.log.Debug().
		Uint64("epoch", epoch).
		Dur("interval", interval).
		Msg("poll cycle started")

	p.notifyStarted(epoch)

	ticker := p.clock.NewTicker(interval)
	go p.loop(ctx, epoch, fetch, ticker, done)
	go p.invoke(ctx, epoch, fetch)

	return nil
}

// Refresh runs one out-of-cycle fetch in the caller's goroutine and returns
// the resulting state. The interval keeps running undisturbed.
func (p *Poller[T]) Refresh() State[T] {
	p.mu.Lock()
	if !p.running || p.stopped {
		snap := p.state
		p.mu.Unlock()
		return snap
	}
	ctx, epoch, fetch := p.ctx, p.epoch, p.fetch
	p.mu.Unlock()

	return p.invoke(ctx, epoch, fetch)
}

// State returns the current snapshot.
func (p *Poller[T]) State() State[T] {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Stop ends polling. In-flight fetches are cancelled and their results
// discarded; no OnChange callback runs after Stop returns.
func (p *Poller[T]) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.running = false
	cancel, done := p.cancel, p.loopDone
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	// Wait out a callback that was already running.
	p.notifyMu.Lock()
	p.notifyMu.Unlock()

	p.log.Debug().Msg("poll cycle stopped")
}

func (p *Poller[T]) loop(ctx context.Context, epoch uint64, fetch Fetcher[T], ticker clockwork.Ticker, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			go p.invoke(ctx, epoch, fetch)
		}
	}
}

// invoke performs one fetch and commits it if it is still the newest result
// of the current epoch.
func (p *Poller[T]) invoke(ctx context.Context, epoch uint64, fetch Fetcher[T]) State[T] {
	p.mu.Lock()
	p.seq++
	seq := p.seq
	p.mu.Unlock()

	data, err := fetch(ctx)

	p.notifyMu.Lock()
	defer p.notifyMu.Unlock()

	p.mu.Lock()
	if p.stopped || epoch != p.epoch || seq < p.committed {
		snap := p.state
		p.mu.Unlock()
		p.log.Debug().
			Uint64("epoch", epoch).
			Uint64("seq", seq).
			Msg("discarding stale result")
		return snap
	}

	p.committed = seq
	if err != nil {
		p.state.Err = err.Error()
	} else {
		p.state.Data = data
		p.state.HasData = true
		p.state.Err = ""
	}
	p.state.Loading = false
	p.state.UpdatedAt = p.clock.Now()
	snap := p.state
	fn := p.onChange
	p.mu.Unlock()

	if err != nil {
		p.log.Debug().Err(err).Msg("fetch failed")
	}
	if fn != nil {
		fn(snap)
	}
	return snap
}

// notifyStarted reports the Loading state of a new epoch. It is skipped when
// the epoch is already over or a result of it was already delivered.
func (p *Poller[T]) notifyStarted(epoch uint64) {
	p.notifyMu.Lock()
	defer p.notifyMu.Unlock()

	p.mu.Lock()
	fn, snap := p.onChange, p.state
	current := !p.stopped && p.epoch == epoch && snap.Loading
	p.mu.Unlock()

	if fn != nil && current {
		fn(snap)
	}
}

func depsEqual(a, b []any) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !reflect.DeepEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}
