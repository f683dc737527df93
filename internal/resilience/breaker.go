// Package resilience guards calls to external dependencies: a circuit
// breaker for synchronous hot-path calls and a bounded ring buffer that
// absorbs downstream outages.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/headcount/internal/monitoring"
	"github.com/banshee-data/headcount/internal/timeutil"
)

// ErrBreakerOpen is returned without invoking the dependency while the
// breaker is open, or while a half-open trial is already in flight.
var ErrBreakerOpen = errors.New("circuit breaker open")

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// BreakerConfig holds the breaker parameters.
type BreakerConfig struct {
	Name             string
	FailureThreshold int           // consecutive failures before opening (default 5)
	Cooldown         time.Duration // time spent open before a trial call (default 60s)
	Clock            timeutil.Clock
	// OnStateChange, if set, is called after every transition, outside the
	// breaker lock.
	OnStateChange func(name string, from, to State)
}

// Breaker is a consecutive-failure circuit breaker.
//
// CLOSED -> OPEN after FailureThreshold consecutive failures. OPEN rejects
// calls until Cooldown elapses, then admits exactly one HALF_OPEN trial; the
// trial's outcome closes or re-opens the breaker.
type Breaker struct {
	cfg BreakerConfig

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	trial    bool
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 60 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &Breaker{cfg: cfg}
}

// State returns the current state, promoting OPEN to HALF_OPEN when the
// cooldown has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.cfg.Clock.Since(b.openedAt) >= b.cfg.Cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Execute runs fn if the breaker admits the call and records its outcome.
// A context.Canceled error caused by the caller's own context is not counted
// against the dependency.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	trial, err := b.admit()
	if err != nil {
		return err
	}
	callErr := fn(ctx)
	b.record(ctx, trial, callErr)
	return callErr
}

// Do is Execute for functions that return a value.
func Do[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := b.Execute(ctx, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	return out, err
}

func (b *Breaker) admit() (trial bool, err error) {
	b.mu.Lock()
	var from State
	changed := false
	switch b.state {
	case StateOpen:
		if b.cfg.Clock.Since(b.openedAt) < b.cfg.Cooldown {
			b.mu.Unlock()
			return false, ErrBreakerOpen
		}
		from, changed = b.state, true
		b.state = StateHalfOpen
		b.trial = true
		trial = true
	case StateHalfOpen:
		if b.trial {
			b.mu.Unlock()
			return false, ErrBreakerOpen
		}
		b.trial = true
		trial = true
	}
	b.mu.Unlock()
	if changed {
		b.notify(from, StateHalfOpen)
	}
	return trial, nil
}

func (b *Breaker) record(ctx context.Context, trial bool, err error) {
	b.mu.Lock()
	from := b.state
	switch {
	case err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil:
		// The caller gave up; the dependency's health is unknown.
		if trial {
			b.trial = false
		}
	case err == nil:
		b.failures = 0
		if trial {
			b.trial = false
			b.state = StateClosed
		}
	default:
		if trial {
			b.trial = false
			b.state = StateOpen
			b.openedAt = b.cfg.Clock.Now()
		} else if b.state == StateClosed {
			b.failures++
			if b.failures >= b.cfg.FailureThreshold {
				b.state = StateOpen
				b.openedAt = b.cfg.Clock.Now()
			}
		}
	}
	to := b.state
	if from != to {
		b.failures = 0
	}
	b.mu.Unlock()

	if from != to {
		b.notify(from, to)
	}
}

func (b *Breaker) notify(from, to State) {
	monitoring.Logf("[breaker %s] %s -> %s", b.cfg.Name, from, to)
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, from, to)
	}
}
