// Package resilience wraps every outbound provider call in agentline.
//
// [Controller] is the retry/backoff policy: bounded retries with jittered
// exponential backoff, strict retryable-vs-terminal classification via the
// fault package, per-attempt timeouts and coalescing of concurrent calls that
// share an operation key. [CircuitBreaker] is a classic three-state breaker
// (closed → open → half-open) the controller can consult so that a provider
// that keeps failing is not hammered. [FallbackGroup] composes several
// instances of one provider type, each behind its own breaker, so that a
// failing primary is bypassed in favour of healthy fallbacks.
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

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] when the breaker is in
// the open state and the reset timeout has not yet elapsed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed is the normal operating state: all calls are forwarded.
	StateClosed State = iota

	// StateOpen indicates the breaker has tripped due to consecutive failures.
	// Calls are rejected immediately with [ErrCircuitOpen] until the reset
	// timeout elapses.
	StateOpen

	// StateHalfOpen is the probe state entered after the reset timeout. A limited
	// number of calls are allowed through; if they succeed the breaker closes,
	// otherwise it re-opens.
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
	// Name labels the breaker in logs, metrics and readiness output.
	Name string

	// MaxFailures is the number of consecutive failures that opens a closed
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long an open breaker rejects calls before it lets
	// probes through. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful probes needed to close the
	// breaker again. At most this many probes run while half-open. Default: 3.
	HalfOpenMax int

	// IsFailure decides whether an error counts against the breaker. Errors
	// for which it returns false count as successes: the dependency answered,
	// the request was just bad. Default: every error except cancellation.
	IsFailure func(error) bool

	// OnStateChange, if set, is called after every state change with the
	// breaker's lock released.
	OnStateChange func(name string, from, to State)

	// Now replaces time.Now. Tests use it to step over ResetTimeout.
	Now func() time.Time
}

func defaultIsFailure(err error) bool {
	return !errors.Is(err, context.Canceled)
}

// CircuitBreaker guards one provider. Consecutive failures open it; after
// ResetTimeout it admits a bounded number of probes and closes once enough of
// them succeed. A failed probe re-opens it immediately.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	state    State
	failures int       // consecutive failures while closed
	openedAt time.Time // when the breaker last opened
	probes   int       // probes admitted in the current half-open window
	passed   int       // probes that succeeded in the current window
}

// NewCircuitBreaker creates a closed [CircuitBreaker]. Zero-value config
// fields are replaced with defaults.
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
		cfg.IsFailure = defaultIsFailure
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{cfg: cfg, state: StateClosed}
}

// Execute runs fn if the breaker admits the call and returns fn's error
// unchanged. A rejected call returns [ErrCircuitOpen] without running fn.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.settle(probe, err != nil && cb.cfg.IsFailure(err))
	return err
}

// admit decides whether a call may run. probe reports whether it counts
// against the half-open budget.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	var change func()
	defer func() {
		cb.mu.Unlock()
		if change != nil {
			change()
		}
	}()

	if cb.state == StateOpen {
		if cb.cfg.Now().Sub(cb.openedAt) < cb.cfg.ResetTimeout {
			return false, ErrCircuitOpen
		}
		change = cb.moveLocked(StateHalfOpen)
	}
	if cb.state == StateHalfOpen {
		if cb.probes >= cb.cfg.HalfOpenMax {
			return false, ErrCircuitOpen
		}
		cb.probes++
		return true, nil
	}
	return false, nil
}

// settle accounts for the outcome of an admitted call.
func (cb *CircuitBreaker) settle(probe, failed bool) {
	cb.mu.Lock()
	var change func()
	switch {
	case failed && (probe || cb.state == StateHalfOpen):
		change = cb.moveLocked(StateOpen)
	case failed:
		cb.failures++
		if cb.state == StateClosed && cb.failures >= cb.cfg.MaxFailures {
			change = cb.moveLocked(StateOpen)
		}
	case probe && cb.state == StateHalfOpen:
		cb.passed++
		if cb.passed >= cb.cfg.HalfOpenMax {
			change = cb.moveLocked(StateClosed)
		}
	case cb.state == StateClosed:
		cb.failures = 0
	}
	cb.mu.Unlock()
	if change != nil {
		change()
	}
}

// moveLocked switches to state to and resets the counters that belong to the
// new state. It returns the notification to run once cb.mu is released, or
// nil when nothing changed. Must be called with cb.mu held.
func (cb *CircuitBreaker) moveLocked(to State) func() {
	from := cb.state
	if from == to {
		return nil
	}
	cb.state = to
	switch to {
	case StateOpen:
		cb.openedAt = cb.cfg.Now()
	case StateHalfOpen:
		cb.probes, cb.passed = 0, 0
	case StateClosed:
		cb.failures, cb.probes, cb.passed = 0, 0, 0
	}
	name, hook := cb.cfg.Name, cb.cfg.OnStateChange
	return func() {
		level := slog.LevelInfo
		if to == StateOpen {
			level = slog.LevelWarn
		}
		slog.Log(context.Background(), level, "circuit breaker state changed",
			"name", name, "from", from, "to", to)
		if hook != nil {
			hook(name, from, to)
		}
	}
}

// State returns the breaker's current state. An open breaker whose reset
// timeout has elapsed reports [StateHalfOpen]; the switch itself happens on
// the next call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.cfg.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	change := cb.moveLocked(StateClosed)
	cb.failures, cb.probes, cb.passed = 0, 0, 0
	cb.mu.Unlock()
	if change != nil {
		change()
	}
}

// Name returns the breaker's label.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }
