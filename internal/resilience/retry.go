package resilience

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/agentline/internal/fault"
	"github.com/MrWong99/agentline/internal/observe"
)

// Default retry settings, applied by [NewController] to zero-valued fields.
const (
	DefaultMaxRetries     = 3
	DefaultBaseDelay      = 200 * time.Millisecond
	DefaultMaxDelay       = 5 * time.Second
	DefaultAttemptTimeout = 10 * time.Second
)

// maxTimeouts is the number of timed-out attempts after which the controller
// stops retrying. The first timeout is retried, the second is final.
const maxTimeouts = 2

// RetryConfig configures a [Controller].
type RetryConfig struct {
	// Name identifies the controller in logs and metrics (e.g. "agent").
	Name string

	// MaxRetries is the number of retries after the first attempt. Zero means
	// [DefaultMaxRetries]. A negative value disables retries.
	MaxRetries int

	// BaseDelay is the backoff before the first retry. Zero means
	// [DefaultBaseDelay].
	BaseDelay time.Duration

	// MaxDelay caps the exponential backoff. Zero means [DefaultMaxDelay].
	MaxDelay time.Duration

	// AttemptTimeout bounds every single attempt. Zero means
	// [DefaultAttemptTimeout].
	AttemptTimeout time.Duration
}

// ControllerOption configures optional [Controller] collaborators.
type ControllerOption func(*Controller)

// WithBreaker routes every attempt through cb. An open breaker fails the call
// immediately with a retryable error.
func WithBreaker(cb *CircuitBreaker) ControllerOption {
	return func(c *Controller) { c.breaker = cb }
}

// WithMetrics records attempts and coalesced calls on m.
func WithMetrics(m *observe.Metrics) ControllerOption {
	return func(c *Controller) { c.metrics = m }
}

// flight tracks the callers sharing one keyed execution. The execution's
// context is cancelled once every waiter has gone away.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// Controller wraps outbound provider calls with bounded retries, exponential
// backoff with equal jitter, per-attempt timeouts and per-key coalescing.
//
// Only errors tagged [fault.KindRetryable] are retried. Every other error is
// returned on the first occurrence, unchanged if it already carries a kind
// and classified through [fault.Classify] otherwise.
//
// A Controller is safe for concurrent use.
type Controller struct {
	cfg     RetryConfig
	breaker *CircuitBreaker
	metrics *observe.Metrics

	group   singleflight.Group
	mu      sync.Mutex
	flights map[string]*flight

	// sleep and jitter are replaced in tests.
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(n int64) int64
}

// NewController creates a [Controller] from cfg, filling zero fields with
// the package defaults.
func NewController(cfg RetryConfig, opts ...ControllerOption) *Controller {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}
	c := &Controller{
		cfg:     cfg,
		flights: make(map[string]*flight),
		sleep:   sleepCtx,
		jitter:  rand.Int64N,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Config returns the effective configuration.
func (c *Controller) Config() RetryConfig { return c.cfg }

// Breaker returns the controller's circuit breaker, or nil.
func (c *Controller) Breaker() *CircuitBreaker { return c.breaker }

// Do runs fn under the retry policy. See [Call].
func (c *Controller) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	_, err := Call(ctx, c, key, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Call runs fn under c's retry policy and returns its result.
//
// When key is non-empty, concurrent calls with the same key share a single
// execution: later callers wait for the outstanding one instead of issuing a
// duplicate request. Each waiter still returns as soon as its own ctx is done;
// the shared execution is cancelled only when no waiter remains. An empty key
// disables coalescing.
func Call[T any](ctx context.Context, c *Controller, key string, fn func(ctx context.Context) (T, error)) (T, error) {
	if key == "" {
		return run(ctx, c, fn)
	}

	c.mu.Lock()
	f, shared := c.flights[key]
	if !shared {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		c.flights[key] = f
	}
	f.waiters++
	ch := c.group.DoChan(key, func() (any, error) {
		v, err := run(f.ctx, c, fn)
		c.mu.Lock()
		if c.flights[key] == f {
			delete(c.flights, key)
		}
		c.group.Forget(key)
		c.mu.Unlock()
		f.cancel()
		return v, err
	})
	c.mu.Unlock()

	if shared && c.metrics != nil {
		c.metrics.RecordCoalesced(ctx, c.cfg.Name)
	}

	leave := func() {
		c.mu.Lock()
		f.waiters--
		if f.waiters == 0 {
			f.cancel()
		}
		c.mu.Unlock()
	}

	var zero T
	select {
	case res := <-ch:
		leave()
		if res.Err != nil {
			return zero, res.Err
		}
		v, _ := res.Val.(T)
		return v, nil
	case <-ctx.Done():
		leave()
		return zero, ctx.Err()
	}
}

// run is the uncoalesced retry loop.
func run[T any](ctx context.Context, c *Controller, fn func(ctx context.Context) (T, error)) (T, error) {
	var (
		zero     T
		timeouts int
	)
	for attempt := 0; ; attempt++ {
		v, timedOut, err := attemptOnce(ctx, c, fn)
		if err == nil {
			c.record(ctx, "success")
			return v, nil
		}
		if ctx.Err() != nil {
			c.record(ctx, "canceled")
			return zero, ctx.Err()
		}
		if !fault.Retryable(err) {
			c.record(ctx, "terminal")
			return zero, err
		}
		if errors.Is(err, ErrCircuitOpen) {
			c.record(ctx, "circuit_open")
			return zero, err
		}
		if timedOut {
			timeouts++
		}
		if attempt >= c.cfg.MaxRetries || timeouts >= maxTimeouts {
			c.record(ctx, "exhausted")
			return zero, err
		}
		c.record(ctx, "retry")

		delay := c.backoff(attempt)
		slog.Debug("retrying provider call",
			"op", c.cfg.Name, "attempt", attempt+1, "delay", delay, "err", err)
		if serr := c.sleep(ctx, delay); serr != nil {
			return zero, serr
		}
	}
}

// attemptOnce runs a single attempt with its own timeout. timedOut reports
// whether the attempt hit the per-attempt deadline (and not the caller's).
func attemptOnce[T any](ctx context.Context, c *Controller, fn func(ctx context.Context) (T, error)) (v T, timedOut bool, err error) {
	actx, cancel := context.WithTimeout(ctx, c.cfg.AttemptTimeout)
	defer cancel()

	call := func() error {
		var innerErr error
		v, innerErr = fn(actx)
		if innerErr != nil && errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			timedOut = true
			if !fault.Retryable(innerErr) {
				innerErr = fault.Wrap(fault.KindRetryable, c.cfg.Name, context.DeadlineExceeded)
			}
		}
		return fault.Classify(c.cfg.Name, innerErr)
	}

	if c.breaker == nil {
		err = call()
		return v, timedOut, err
	}
	err = c.breaker.Execute(call)
	if errors.Is(err, ErrCircuitOpen) {
		err = fault.Wrap(fault.KindRetryable, c.cfg.Name, err)
	}
	return v, timedOut, err
}

// backoff returns the delay before retry number attempt+1: the capped
// exponential delay split in a fixed half and a uniformly random half.
func (c *Controller) backoff(attempt int) time.Duration {
	d := c.cfg.MaxDelay
	if attempt < 32 {
		if exp := c.cfg.BaseDelay << attempt; exp > 0 && exp < d {
			d = exp
		}
	}
	half := int64(d / 2)
	return time.Duration(half + c.jitter(half+1))
}

func (c *Controller) record(ctx context.Context, outcome string) {
	if c.metrics != nil {
		c.metrics.RecordRetryAttempt(ctx, c.cfg.Name, outcome)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
