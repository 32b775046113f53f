// Package resilience guards calls to remote collaborators.
//
// [CircuitBreaker] stops hammering the session backend once it keeps failing
// and lets a few probes through after a cool-down. [FallbackGroup] walks an
// ordered list of alternatives, such as the recording codecs, and settles on
// the first one that works.
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

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// has passed since the last counted failure.
	StateOpen

	// StateHalfOpen lets up to HalfOpenMax probes through. Enough successful
	// probes close the breaker; a single failed one re-opens it.
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

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels log lines and state change callbacks.
	Name string

	// MaxFailures is the number of consecutive counted failures that opens
	// the breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the probe budget in the half-open state. Default: 3.
	HalfOpenMax int

	// IsFailure decides whether an error returned by the guarded call counts
	// against the breaker. Errors it rejects are treated like successes: the
	// remote answered, it just said no. Default: every error except context
	// cancellation counts.
	IsFailure func(error) bool

	// OnStateChange, when set, is called after every transition. It runs
	// outside the breaker's lock.
	OnStateChange func(name string, from, to State)

	// Now replaces time.Now. Tests use it to move the clock.
	Now func() time.Time
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	name          string
	maxFailures   int
	resetTimeout  time.Duration
	halfOpenMax   int
	isFailure     func(error) bool
	onStateChange func(name string, from, to State)
	now           func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	probes      int
	probesOK    int
}

// transition records a state change to report once the lock is released.
type transition struct {
	from, to State
}

// NewCircuitBreaker creates a [CircuitBreaker]. Zero-value fields of cfg are
// replaced with defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = CountsAsFailure
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{
		name:          cfg.Name,
		maxFailures:   cfg.MaxFailures,
		resetTimeout:  cfg.ResetTimeout,
		halfOpenMax:   cfg.HalfOpenMax,
		isFailure:     cfg.IsFailure,
		onStateChange: cfg.OnStateChange,
		now:           cfg.Now,
		state:         StateClosed,
	}
}

// CountsAsFailure is the default failure classifier. A cancelled context
// says nothing about the health of the remote side.
func CountsAsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// Execute runs fn unless the breaker rejects the call, in which case it
// returns [ErrCircuitOpen] without calling fn. fn's error is returned as is.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, tr, err := cb.admit()
	cb.notify(tr)
	if err != nil {
		return err
	}

	err = fn()
	cb.notify(cb.settle(probe, err))
	return err
}

// admit decides whether a call may proceed and whether it is a half-open probe.
func (cb *CircuitBreaker) admit() (probe bool, tr *transition, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.now().Sub(cb.lastFailure) < cb.resetTimeout {
			return false, nil, ErrCircuitOpen
		}
		tr = cb.setState(StateHalfOpen)
	}
	if cb.state == StateHalfOpen {
		if cb.probes >= cb.halfOpenMax {
			return false, tr, ErrCircuitOpen
		}
		cb.probes++
		return true, tr, nil
	}
	return false, tr, nil
}

// settle accounts for the outcome of an admitted call.
func (cb *CircuitBreaker) settle(probe bool, err error) *transition {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	failed := err != nil && cb.isFailure(err)
	if failed {
		cb.lastFailure = cb.now()
	}

	if probe {
		// The breaker may have been reset while the probe was in flight.
		if cb.state != StateHalfOpen {
			return nil
		}
		if failed {
			return cb.setState(StateOpen)
		}
		cb.probesOK++
		if cb.probesOK >= cb.halfOpenMax {
			return cb.setState(StateClosed)
		}
		return nil
	}

	if !failed {
		cb.failures = 0
		return nil
	}
	cb.failures++
	if cb.state == StateClosed && cb.failures >= cb.maxFailures {
		return cb.setState(StateOpen)
	}
	return nil
}

// setState moves the breaker to s and clears the counters that belong to the
// previous state. Must be called with cb.mu held.
func (cb *CircuitBreaker) setState(s State) *transition {
	if cb.state == s {
		return nil
	}
	tr := &transition{from: cb.state, to: s}
	cb.state = s
	cb.probes, cb.probesOK = 0, 0
	if s == StateClosed {
		cb.failures = 0
	}

	log := slog.With("name", cb.name, "from", tr.from.String(), "to", s.String())
	if s == StateOpen {
		log.Warn("circuit breaker opened", "consecutive_failures", cb.failures)
	} else {
		log.Info("circuit breaker state change")
	}
	return tr
}

func (cb *CircuitBreaker) notify(tr *transition) {
	if tr != nil && cb.onStateChange != nil {
		cb.onStateChange(cb.name, tr.from, tr.to)
	}
}

// State returns the current state. An open breaker whose reset timeout has
// passed reports [StateHalfOpen]; the transition itself happens on the next
// [CircuitBreaker.Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.now().Sub(cb.lastFailure) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	tr := cb.setState(StateClosed)
	cb.failures = 0
	cb.mu.Unlock()
	cb.notify(tr)
}
