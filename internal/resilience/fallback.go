package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/agentline/internal/fault"
)

// ErrAllFailed is returned when every member of a [FallbackGroup] fails or
// has an open circuit breaker. The last member's error stays in the chain, so
// its fault kind remains visible to callers.
var ErrAllFailed = errors.New("all providers failed")

// FallbackConfig is the template for the breaker each member gets. Name is
// overwritten with the member name.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type member[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup is an ordered list of interchangeable providers, each behind
// its own breaker. Calls go to the first member whose breaker admits them and
// move down the list on failure.
//
// Members must be added before the group is shared between goroutines; after
// that it is safe for concurrent use.
type FallbackGroup[T any] struct {
	members []member[T]
	cfg     FallbackConfig
}

// NewFallbackGroup creates a group whose first member is primary.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends a member. Members are tried in the order they were
// added.
func (fg *FallbackGroup[T]) AddFallback(name string, v T) {
	cb := fg.cfg.CircuitBreaker
	cb.Name = name
	fg.members = append(fg.members, member[T]{name: name, value: v, breaker: NewCircuitBreaker(cb)})
}

// Names returns the member names in call order.
func (fg *FallbackGroup[T]) Names() []string {
	out := make([]string, len(fg.members))
	for i, m := range fg.members {
		out[i] = m.name
	}
	return out
}

// Breakers returns every member's breaker in call order.
func (fg *FallbackGroup[T]) Breakers() []*CircuitBreaker {
	out := make([]*CircuitBreaker, len(fg.members))
	for i, m := range fg.members {
		out[i] = m.breaker
	}
	return out
}

// States returns the breaker state of every member keyed by name.
func (fg *FallbackGroup[T]) States() map[string]State {
	out := make(map[string]State, len(fg.members))
	for _, m := range fg.members {
		out[m.name] = m.breaker.State()
	}
	return out
}

// Execute runs fn against members in order until one succeeds.
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult is [FallbackGroup.Execute] for calls that return a value.
//
// Failover stops early on caller cancellation and on validation errors: the
// next member would reject the same request.
func ExecuteWithResult[T any, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for i := range fg.members {
		m := &fg.members[i]
		var out R
		err := m.breaker.Execute(func() error {
			var err error
			out, err = fn(m.value)
			return err
		})
		switch {
		case err == nil:
			return out, nil
		case errors.Is(err, context.Canceled), fault.Is(err, fault.KindValidation):
			return zero, err
		case errors.Is(err, ErrCircuitOpen):
			slog.Debug("fallback member skipped, circuit open", "provider", m.name)
		default:
			slog.Warn("fallback member failed", "provider", m.name, "err", err)
		}
		lastErr = err
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
