// Package resilience provides the failure-handling primitives wrapped around
// every fallible dependency of a voice session: a three-state circuit breaker,
// a retry/timeout executor with bounded exponential backoff, and a response
// validator with guaranteed non-empty fallback synthesis.
//
// The central type is [CircuitBreaker], a classic three-state breaker
// (closed → open → half-open) that protects callers from cascading failures.
// [Executor] composes per-attempt deadlines with a backoff schedule and the
// retryable/terminal error classification. [Validator] rejects unusable
// assistant replies and produces context-appropriate fallback sentences.
//
// All types accept an injected clock so tests can drive the state machines
// deterministically. All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] when the breaker is in
// the open state and the cooldown has not yet elapsed, or when a half-open
// probe is already in flight. It is a terminal error: callers must not retry.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed is the normal operating state — all calls are forwarded.
	StateClosed State = iota

	// StateOpen indicates the breaker has tripped due to consecutive failures.
	// Calls are rejected immediately with [ErrCircuitOpen] until the cooldown
	// elapses.
	StateOpen

	// StateHalfOpen is the probe state entered after the cooldown. Exactly one
	// call is allowed through; its outcome decides the next state.
	StateHalfOpen
)

// String returns the human-readable name of the state.
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
	// Name is a human-readable label used in log messages
	// (e.g. "memory", "fastpath", "sync").
	Name string

	// Threshold is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 3.
	Threshold int

	// Cooldown is how long the breaker stays open before transitioning to
	// half-open. Default: 30s.
	Cooldown time.Duration

	// Now returns the current time. Defaults to [time.Now]. Inject a fake
	// clock in tests to step through cooldown transitions without sleeping.
	Now func() time.Time

	// OnTransition, if non-nil, is invoked after every state change with the
	// breaker name and the new state. Used to feed metrics.
	OnTransition func(name string, to State)
}

// CircuitBreaker implements the three-state circuit breaker pattern with a
// single-probe half-open state. It is safe for concurrent use from multiple
// goroutines.
type CircuitBreaker struct {
	name         string
	threshold    int
	cooldown     time.Duration
	now          func() time.Time
	onTransition func(string, State)

	mu              sync.Mutex
	state           State
	consecutiveFail int
	openedAt        time.Time
	probeInFlight   bool
}

// NewCircuitBreaker creates a [CircuitBreaker] with the supplied configuration.
// Zero-value config fields are replaced with sensible defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{
		name:         cfg.Name,
		threshold:    cfg.Threshold,
		cooldown:     cfg.Cooldown,
		now:          cfg.Now,
		onTransition: cfg.OnTransition,
		state:        StateClosed,
	}
}

// Execute runs fn if the breaker allows it. In the open state it returns
// [ErrCircuitOpen] without calling fn. In the half-open state exactly one
// probe call is permitted; concurrent callers are rejected until the probe's
// outcome is recorded.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	inHalfOpen, err := cb.admit()
	if err != nil {
		return err
	}

	err = fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if inHalfOpen {
		cb.probeInFlight = false
	}
	if err != nil {
		cb.recordFailure(inHalfOpen)
	} else {
		cb.recordSuccess(inHalfOpen)
	}
	return err
}

// admit decides whether a call may proceed, performing the open → half-open
// transition when the cooldown has elapsed. It reports whether the admitted
// call is a half-open probe.
func (cb *CircuitBreaker) admit() (inHalfOpen bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.cooldown {
			return false, ErrCircuitOpen
		}
		cb.transition(StateHalfOpen)
		cb.probeInFlight = true
		slog.Info("circuit breaker transitioning to half-open", "name", cb.name)
		return true, nil

	case StateHalfOpen:
		if cb.probeInFlight {
			return false, ErrCircuitOpen
		}
		cb.probeInFlight = true
		return true, nil
	}

	return false, nil
}

// recordFailure handles failure accounting. Must be called with cb.mu held.
func (cb *CircuitBreaker) recordFailure(inHalfOpen bool) {
	if inHalfOpen {
		// The probe failed — re-open and restart the cooldown.
		cb.transition(StateOpen)
		cb.openedAt = cb.now()
		cb.consecutiveFail = cb.threshold
		slog.Warn("circuit breaker re-opened from half-open", "name", cb.name)
		return
	}

	// Closed state.
	cb.consecutiveFail++
	if cb.consecutiveFail >= cb.threshold {
		cb.transition(StateOpen)
		cb.openedAt = cb.now()
		slog.Warn("circuit breaker opened",
			"name", cb.name,
			"consecutive_failures", cb.consecutiveFail)
	}
}

// recordSuccess handles success accounting. Must be called with cb.mu held.
func (cb *CircuitBreaker) recordSuccess(inHalfOpen bool) {
	if inHalfOpen {
		cb.transition(StateClosed)
		slog.Info("circuit breaker closed after successful probe", "name", cb.name)
	}
	cb.consecutiveFail = 0
}

// RecordFailure registers a dependency failure observed outside of Execute
// (e.g. a failed health probe that gated the real call). It follows the same
// closed-state accounting as a failure inside Execute.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateClosed {
		cb.recordFailure(false)
	}
}

// State returns the current [State] of the breaker. If the breaker is open and
// the cooldown has elapsed, the returned state is [StateHalfOpen] (the actual
// transition happens on the next [CircuitBreaker.Execute] call).
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cooldown {
		return StateHalfOpen
	}
	return cb.state
}

// ConsecutiveFailures returns the current consecutive failure count.
func (cb *CircuitBreaker) ConsecutiveFailures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.consecutiveFail
}

// Reset manually forces the breaker back to [StateClosed], clearing all
// failure counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.transition(StateClosed)
	cb.consecutiveFail = 0
	cb.probeInFlight = false
	slog.Info("circuit breaker manually reset", "name", cb.name)
}

// transition switches the state and fires the OnTransition hook.
// Must be called with cb.mu held.
func (cb *CircuitBreaker) transition(to State) {
	if cb.state == to {
		return
	}
	cb.state = to
	if cb.onTransition != nil {
		cb.onTransition(cb.name, to)
	}
}
