// Package resilience protects voicebridge from integrations that fail slowly.
//
// The central type is [Breaker], a three-state circuit breaker
// (closed → open → half-open). [GuardMirror] puts one in front of a ledger
// mirror so that a dead relay costs one fast rejection per event instead of a
// full request timeout.
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

// ErrOpen is returned by [Breaker.Do] while the breaker is open.
var ErrOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrOpen] until the cool-down elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. One failed
	// probe re-opens the breaker; enough successful probes close it.
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
	default:
		return "unknown"
	}
}

// Defaults applied by [NewBreaker] to zero-valued [BreakerConfig] fields.
const (
	DefaultMaxFailures = 5
	DefaultCoolDown    = 30 * time.Second
	DefaultProbes      = 1
)

// BreakerConfig tunes a [Breaker].
type BreakerConfig struct {
	// Name labels log lines.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker.
	MaxFailures int

	// CoolDown is how long the breaker stays open before probing.
	CoolDown time.Duration

	// Probes is the number of successful half-open calls needed to close.
	Probes int

	// Now overrides the clock. Defaults to [time.Now].
	Now func() time.Time

	// Logger receives state transitions. Defaults to [slog.Default].
	Logger *slog.Logger
}

// Breaker is a consecutive-failure circuit breaker.
type Breaker struct {
	name        string
	maxFailures int
	coolDown    time.Duration
	probes      int
	now         func() time.Time
	log         *slog.Logger

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	inFlight int
	passed   int
}

// NewBreaker creates a closed [Breaker].
func NewBreaker(cfg BreakerConfig) *Breaker {
	b := &Breaker{
		name:        cfg.Name,
		maxFailures: cfg.MaxFailures,
		coolDown:    cfg.CoolDown,
		probes:      cfg.Probes,
		now:         cfg.Now,
		log:         cfg.Logger,
	}
	if b.maxFailures <= 0 {
		b.maxFailures = DefaultMaxFailures
	}
	if b.coolDown <= 0 {
		b.coolDown = DefaultCoolDown
	}
	if b.probes <= 0 {
		b.probes = DefaultProbes
	}
	if b.now == nil {
		b.now = time.Now
	}
	if b.log == nil {
		b.log = slog.Default()
	}
	return b
}

// Do runs fn when the breaker admits the call and records its outcome.
// A call abandoned because the caller cancelled ctx is not counted; a
// deadline expiry is.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}

	err = fn(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	if probe {
		b.inFlight--
	}
	switch {
	case err == nil:
		b.succeed(probe)
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		// The caller gave up; the dependency's health is unknown.
	default:
		b.fail(probe)
	}
	return err
}

// admit decides whether a call may proceed and whether it is a probe.
func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.now().Sub(b.openedAt) < b.coolDown {
			return false, ErrOpen
		}
		b.state = StateHalfOpen
		b.passed = 0
		b.log.Info("circuit breaker half-open", "name", b.name)
	}
	if b.state == StateHalfOpen {
		if b.inFlight+b.passed >= b.probes {
			return false, ErrOpen
		}
		b.inFlight++
		return true, nil
	}
	return false, nil
}

// Must be called with b.mu held.
func (b *Breaker) fail(probe bool) {
	if probe || b.state == StateHalfOpen {
		b.trip("probe failed")
		return
	}
	b.failures++
	if b.failures >= b.maxFailures {
		b.trip("consecutive failures")
	}
}

// Must be called with b.mu held.
func (b *Breaker) succeed(probe bool) {
	if !probe {
		b.failures = 0
		return
	}
	b.passed++
	if b.passed >= b.probes {
		b.state = StateClosed
		b.failures = 0
		b.passed = 0
		b.log.Info("circuit breaker closed", "name", b.name)
	}
}

// Must be called with b.mu held.
func (b *Breaker) trip(why string) {
	b.state = StateOpen
	b.openedAt = b.now()
	b.passed = 0
	b.log.Warn("circuit breaker opened", "name", b.name, "reason", why, "cool_down", b.coolDown)
}

// State returns the current state. An open breaker whose cool-down has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.coolDown {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.passed = 0
	b.log.Info("circuit breaker reset", "name", b.name)
}
