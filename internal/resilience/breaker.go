// Package resilience guards calls to the upstream conversation service.
//
// [Breaker] is a three-state circuit breaker (closed → open → half-open).
// While open it fails calls immediately so that a burst of client
// connections does not pile up dial attempts against an unreachable
// upstream. [Dialer] applies a breaker to upstream dials.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned while the breaker rejects calls.
var ErrOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrOpen] until the cool-down elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probes through. One failed probe
	// re-opens the breaker; enough successful probes close it.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// BreakerConfig holds the tuning knobs of a [Breaker].
type BreakerConfig struct {
	// Name labels log lines.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 5.
	MaxFailures int

	// CoolDown is how long the breaker stays open. Default: 30s.
	CoolDown time.Duration

	// Probes is the number of successful half-open calls needed to close.
	// Default: 1.
	Probes int

	// OnStateChange, if set, is called after every transition with the
	// breaker lock released.
	OnStateChange func(from, to State)

	// now is overridden in tests.
	now func() time.Time
}

// Breaker implements the circuit breaker pattern.
type Breaker struct {
	cfg BreakerConfig

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	inFlight int // half-open probes currently running
	probesOK int
}

// NewBreaker creates a [Breaker]. Zero config fields get defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = 30 * time.Second
	}
	if cfg.Probes <= 0 {
		cfg.Probes = 1
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	return &Breaker{cfg: cfg}
}

// Do runs fn if the breaker allows it. Context cancellation of the caller is
// not counted as a failure of the dependency.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}

	err = fn(ctx)
	if err != nil && ctx.Err() != nil {
		b.release(probe)
		return err
	}
	b.record(probe, err)
	return err
}

// admit reserves a call slot. probe reports whether the call is a half-open
// probe.
func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	var from State
	changed := false
	if b.state == StateOpen {
		if b.cfg.now().Sub(b.openedAt) < b.cfg.CoolDown {
			b.mu.Unlock()
			return false, ErrOpen
		}
		from, changed = b.state, true
		b.state = StateHalfOpen
		b.probesOK = 0
		b.inFlight = 0
	}
	if b.state == StateHalfOpen {
		if b.inFlight >= b.cfg.Probes-b.probesOK {
			b.mu.Unlock()
			b.notify(changed, from, StateHalfOpen)
			return false, ErrOpen
		}
		b.inFlight++
		probe = true
	}
	b.mu.Unlock()
	b.notify(changed, from, StateHalfOpen)
	return probe, nil
}

func (b *Breaker) release(probe bool) {
	if !probe {
		return
	}
	b.mu.Lock()
	if b.state == StateHalfOpen && b.inFlight > 0 {
		b.inFlight--
	}
	b.mu.Unlock()
}

func (b *Breaker) record(probe bool, err error) {
	b.mu.Lock()
	from := b.state
	if probe && b.state == StateHalfOpen {
		b.inFlight--
	}

	switch {
	case err != nil && (probe || b.state == StateHalfOpen):
		b.trip()
	case err != nil:
		b.failures++
		if b.failures >= b.cfg.MaxFailures {
			b.trip()
		}
	case probe && b.state == StateHalfOpen:
		b.probesOK++
		if b.probesOK >= b.cfg.Probes {
			b.state = StateClosed
			b.failures = 0
		}
	default:
		b.failures = 0
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from != to, from, to)
}

// trip opens the breaker. b.mu must be held.
func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = b.cfg.now()
	b.failures = 0
}

func (b *Breaker) notify(changed bool, from, to State) {
	if !changed {
		return
	}
	level := slog.LevelInfo
	if to == StateOpen {
		level = slog.LevelWarn
	}
	slog.Log(context.Background(), level, "circuit breaker state change",
		"name", b.cfg.Name, "from", from.String(), "to", to.String())
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}

// State returns the current state. An open breaker whose cool-down has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.cfg.now().Sub(b.openedAt) >= b.cfg.CoolDown {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.failures = 0
	b.inFlight = 0
	b.probesOK = 0
	b.mu.Unlock()
	b.notify(from != StateClosed, from, StateClosed)
}
