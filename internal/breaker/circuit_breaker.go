// Package breaker implements the circuit breaker guarding calls to a replica.
package breaker

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed lets every call through
	StateClosed State = iota
	// StateHalfOpen lets a single trial call through
	StateHalfOpen
	// StateOpen blocks calls without touching the network
	StateOpen
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config holds breaker thresholds
type Config struct {
	Threshold    uint
	OpenDuration time.Duration
}

// Observer is notified on every state transition. It runs under the breaker
// lock and must not call back into the breaker.
type Observer func(target string, from, to State)

// Snapshot is a point-in-time copy of the breaker state
type Snapshot struct {
	Target          string
	State           State
	FailureCount    uint
	LastFailureTime int64
	Threshold       uint
	OpenDuration    time.Duration
}

// CircuitBreaker tracks failures for a single target
type CircuitBreaker struct {
	target       string
	threshold    uint
	openDuration time.Duration

	mu              sync.Mutex
	state           State
	failureCount    uint
	lastFailureTime time.Time

	// set while the single half-open trial has not reported back
	trialStarted time.Time

	now      func() time.Time
	observer Observer
	logger   *zap.Logger
}

// Option configures a CircuitBreaker
type Option func(*CircuitBreaker)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(cb *CircuitBreaker) {
		cb.now = now
	}
}

// WithObserver registers a state transition observer
func WithObserver(o Observer) Option {
	return func(cb *CircuitBreaker) {
		cb.observer = o
	}
}

// NewCircuitBreaker creates a closed circuit breaker for target
func NewCircuitBreaker(target string, cfg Config, logger *zap.Logger, opts ...Option) *CircuitBreaker {
	if cfg.Threshold == 0 {
		cfg.Threshold = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cb := &CircuitBreaker{
		target:       target,
		threshold:    cfg.Threshold,
		openDuration: cfg.OpenDuration,
		state:        StateClosed,
		now:          time.Now,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// Target returns the guarded target name
func (cb *CircuitBreaker) Target() string {
	return cb.target
}

// Allow reports whether a call to the target may be attempted. An open breaker
// whose cool-down has elapsed moves to half-open and admits exactly one trial
// caller. A trial that never reports back is given up after another
// cool-down, and the next caller becomes the trial.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	switch cb.state {
	case StateOpen:
		if now.Sub(cb.lastFailureTime) > cb.openDuration {
			cb.transition(StateHalfOpen)
			cb.trialStarted = now
			return true
		}
		return false
	case StateHalfOpen:
		if now.Sub(cb.trialStarted) > cb.openDuration {
			cb.trialStarted = now
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess resets the failure count and closes the breaker
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount = 0
	if cb.state != StateClosed {
		cb.transition(StateClosed)
	}
}

// RecordFailure counts a failure and opens the breaker once the threshold is
// reached. A failed half-open trial reopens immediately when the count is
// still at or above the threshold.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	cb.lastFailureTime = cb.now()
	if cb.failureCount >= cb.threshold {
		if cb.state != StateOpen {
			cb.transition(StateOpen)
		} else {
			// Already open: the cool-down restarts from this failure.
			cb.logger.Warn("circuit breaker failure while open",
				zap.String("event", "CIRCUIT_BREAKER"),
				zap.String("target", cb.target),
				zap.Uint("failures", cb.failureCount))
		}
	}
}

// State returns the current state without side effects
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Snapshot returns a consistent copy of the breaker state
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	var last int64
	if !cb.lastFailureTime.IsZero() {
		last = cb.lastFailureTime.UnixMilli()
	}
	return Snapshot{
		Target:          cb.target,
		State:           cb.state,
		FailureCount:    cb.failureCount,
		LastFailureTime: last,
		Threshold:       cb.threshold,
		OpenDuration:    cb.openDuration,
	}
}

// transition must be called with mu held
func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	cb.state = to
	cb.trialStarted = time.Time{}

	fields := []zap.Field{
		zap.String("event", "CIRCUIT_BREAKER"),
		zap.String("target", cb.target),
		zap.String("from", from.String()),
		zap.String("state", to.String()),
		zap.Uint("failures", cb.failureCount),
	}
	switch to {
	case StateOpen:
		cb.logger.Error("circuit breaker opened", fields...)
	case StateHalfOpen:
		cb.logger.Warn("circuit breaker half-open", fields...)
	default:
		cb.logger.Info("circuit breaker closed", fields...)
	}

	if cb.observer != nil {
		cb.observer(cb.target, from, to)
	}
}
