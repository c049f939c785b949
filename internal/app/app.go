// Package app wires all agentline subsystems into a running server.
//
// The App struct owns the full lifecycle: New builds and connects every
// subsystem, Run serves HTTP and drives the background loops, and Shutdown
// ends every session and tears everything down in order.
//
// For testing, inject doubles via functional options (WithArchive,
// WithClock, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/agentline/internal/bridge"
	"github.com/MrWong99/agentline/internal/config"
	"github.com/MrWong99/agentline/internal/fault"
	"github.com/MrWong99/agentline/internal/health"
	"github.com/MrWong99/agentline/internal/httpapi"
	"github.com/MrWong99/agentline/internal/lifecycle"
	"github.com/MrWong99/agentline/internal/observe"
	"github.com/MrWong99/agentline/internal/orchestrator"
	"github.com/MrWong99/agentline/internal/resilience"
	"github.com/MrWong99/agentline/internal/token"
	"github.com/MrWong99/agentline/internal/transcript"
	pgarchive "github.com/MrWong99/agentline/internal/transcript/postgres"
	redisarchive "github.com/MrWong99/agentline/internal/transcript/redis"
	"github.com/MrWong99/agentline/pkg/provider/agent"
	"github.com/MrWong99/agentline/pkg/provider/llm"
	"github.com/MrWong99/agentline/pkg/transport"
)

// defaultShutdownTimeout bounds graceful HTTP shutdown when the config
// names none.
const defaultShutdownTimeout = 15 * time.Second

// NamedLLM is a reasoning provider with the name it is reported under.
type NamedLLM struct {
	Name     string
	Provider llm.Provider
}

// Providers holds one interface value per provider slot. Populated by
// main.go via the config registry.
type Providers struct {
	// Agent hosts the remote agents. Required.
	Agent agent.Provider

	// LLM reasons over text submissions. Required.
	LLM llm.Provider

	// LLMFallbacks are tried in order when LLM fails.
	LLMFallbacks []NamedLLM

	// Transport performs server-side channel joins. Nil disables them.
	Transport transport.Transport
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	now     func() time.Time
	metrics *observe.Metrics
	archive transcript.Archive

	agentCtrl  *resilience.Controller
	llmCtrl    *resilience.Controller
	reasoner   llm.Provider
	orch       *orchestrator.Orchestrator
	poller     *transcript.Poller
	api        *httpapi.Server
	httpServer *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithArchive injects a transcript archive instead of creating one from
// config. The injected archive is not closed on Shutdown.
func WithArchive(a transcript.Archive) Option {
	return func(app *App) { app.archive = a }
}

// WithClock replaces time.Now for every component.
func WithClock(now func() time.Time) Option {
	return func(a *App) { a.now = now }
}

// WithMetrics injects the metrics instruments instead of
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together.
//
// New performs all initialisation synchronously: archive connection,
// resilience controllers, the reasoning fallback chain, the orchestrator,
// the history poller and the HTTP router.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Agent == nil || providers.LLM == nil {
		return nil, fault.Configuration("app.new", "agent and llm providers are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.now == nil {
		a.now = time.Now
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Archive ───────────────────────────────────────────────────────
	if err := a.initArchive(ctx); err != nil {
		return nil, fmt.Errorf("app: init archive: %w", err)
	}

	// ── 2. Resilience ────────────────────────────────────────────────────
	a.initResilience()

	// ── 3. Orchestrator ──────────────────────────────────────────────────
	a.initOrchestrator()

	// ── 4. History poller ────────────────────────────────────────────────
	a.poller = transcript.NewPoller(transcript.PollerConfig{
		Provider:   providers.Agent,
		Controller: a.agentCtrl,
		Targets:    a.orch.Targets,
		Interval:   cfg.Transcript.PollInterval,
		Staleness:  cfg.Transcript.StalenessWindow,
		Now:        a.now,
	})

	// ── 5. HTTP ──────────────────────────────────────────────────────────
	a.initHTTP()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initArchive connects the configured transcript archive unless one was
// injected.
func (a *App) initArchive(ctx context.Context) error {
	if a.archive != nil {
		return nil
	}
	ac := a.cfg.Transcript.Archive
	switch ac.Driver {
	case config.ArchiveNone:
		return nil
	case "", config.ArchiveMemory:
		a.archive = transcript.NewMemoryArchive()
	case config.ArchiveRedis:
		var opts []redisarchive.Option
		if ac.KeyPrefix != "" {
			opts = append(opts, redisarchive.WithKeyPrefix(ac.KeyPrefix))
		}
		if ac.TTL > 0 {
			opts = append(opts, redisarchive.WithTTL(ac.TTL))
		}
		ra, err := redisarchive.New(ctx, ac.DSN, opts...)
		if err != nil {
			return err
		}
		a.archive = ra
		a.closers = append(a.closers, ra.Close)
	case config.ArchivePostgres:
		pa, err := pgarchive.New(ctx, ac.DSN)
		if err != nil {
			return err
		}
		a.archive = pa
		a.closers = append(a.closers, pa.Close)
	default:
		return fault.Configuration("app.archive", "unknown archive driver %q", ac.Driver)
	}
	slog.Info("transcript archive ready", "driver", ac.Driver)
	return nil
}

// initResilience builds the per-provider controllers and the reasoning
// fallback chain.
func (a *App) initResilience() {
	rc, bc := a.cfg.Retry, a.cfg.Breaker
	breaker := resilience.CircuitBreakerConfig{
		MaxFailures:  bc.MaxFailures,
		ResetTimeout: bc.ResetTimeout,
		IsFailure:    fault.Retryable,
		Now:          a.now,
		OnStateChange: func(name string, from, to resilience.State) {
			a.metrics.RecordBreakerTransition(context.Background(), name, from.String(), to.String())
		},
	}
	controller := func(name string) *resilience.Controller {
		opts := []resilience.ControllerOption{resilience.WithMetrics(a.metrics)}
		if bc.MaxFailures > 0 {
			cb := breaker
			cb.Name = name
			opts = append(opts, resilience.WithBreaker(resilience.NewCircuitBreaker(cb)))
		}
		return resilience.NewController(resilience.RetryConfig{
			Name:           name,
			MaxRetries:     rc.MaxRetries,
			BaseDelay:      rc.BaseDelay,
			MaxDelay:       rc.MaxDelay,
			AttemptTimeout: rc.AttemptTimeout,
		}, opts...)
	}
	a.agentCtrl = controller("agent")
	a.llmCtrl = controller("llm")

	a.reasoner = a.providers.LLM
	if len(a.providers.LLMFallbacks) == 0 {
		return
	}
	primary := a.cfg.Providers.LLM.Name
	if primary == "" {
		primary = "primary"
	}
	fb := resilience.NewLLMFallback(a.providers.LLM, primary, resilience.FallbackConfig{CircuitBreaker: breaker})
	for _, n := range a.providers.LLMFallbacks {
		fb.AddFallback(n.Name, n.Provider)
	}
	a.reasoner = fb
}

// initOrchestrator wires the token service, lifecycle manager, text bridge
// and webhook verifier into the orchestrator.
func (a *App) initOrchestrator() {
	cfg := a.cfg
	tokens := token.New(cfg.Token.Service(), token.WithClock(a.now))

	var verifier *transcript.Verifier
	if cfg.Transcript.WebhookSecret != "" {
		verifier = transcript.NewVerifier(cfg.Transcript.WebhookSecret, cfg.Transcript.WebhookTolerance, a.now)
	}

	a.orch = orchestrator.New(orchestrator.Config{
		Tokens: tokens,
		Lifecycle: lifecycle.New(lifecycle.Config{
			Provider:     a.providers.Agent,
			ProviderName: cfg.Providers.Agent.Name,
			Tokens:       tokens,
			Controller:   a.agentCtrl,
			AgentUID:     cfg.Session.AgentUID,
			DrainTimeout: cfg.Session.SpeechDrainTimeout,
			Metrics:      a.metrics,
		}),
		Bridge: bridge.New(bridge.Config{
			Reasoner:         a.reasoner,
			ReasonerName:     cfg.Providers.LLM.Name,
			ReasonController: a.llmCtrl,
			Speaker:          a.providers.Agent,
			SpeakController:  a.agentCtrl,
			MaxTextLength:    cfg.Session.MaxTextLength,
			HistoryTurns:     cfg.Session.HistoryTurns,
			Metrics:          a.metrics,
		}),
		Verifier:       verifier,
		Archive:        a.archive,
		Transport:      a.providers.Transport,
		Profiles:       cfg.Profiles(),
		DefaultProfile: cfg.Session.DefaultProfile,
		Retention:      cfg.Session.Retention,
		MaxWait:        cfg.Session.MaxWait,
		Now:            a.now,
		Metrics:        a.metrics,
	})
}

// initHTTP builds the router and the http.Server.
func (a *App) initHTTP() {
	checkers := []health.Checker{
		health.BreakerChecker("breakers", a.agentCtrl.Breaker(), a.llmCtrl.Breaker()),
	}
	if a.archive != nil {
		checkers = append(checkers, health.PingChecker("archive", a.archive))
	}
	a.api = httpapi.New(httpapi.Config{
		Orchestrator: a.orch,
		Health:       health.New(checkers...),
		Metrics:      a.metrics,
		RPS:          a.cfg.Server.RateLimit.RPS,
		Burst:        a.cfg.Server.RateLimit.Burst,
	})
	a.httpServer = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.api,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Handler returns the HTTP handler serving the API.
func (a *App) Handler() http.Handler { return a.api }

// Orchestrator returns the session orchestrator.
func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orch }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on the configured address and drives the janitor and the
// history poller. It blocks until ctx is cancelled or the listener fails.
// The HTTP server keeps accepting requests until [App.Shutdown].
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("app: listen %q: %w", a.httpServer.Addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is [App.Run] on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	slog.Info("agentline listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)

	serveErr := make(chan error, 1)
	go func() {
		if tls := a.cfg.Server.TLS; tls != nil {
			serveErr <- a.httpServer.ServeTLS(ln, tls.CertFile, tls.KeyFile)
			return
		}
		serveErr <- a.httpServer.Serve(ln)
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-serveErr:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("app: serve: %w", err)
		}
	})
	g.Go(func() error { return a.orch.RunJanitor(gctx, a.cfg.Session.JanitorInterval) })
	g.Go(func() error { return a.poller.Run(gctx) })
	g.Go(func() error { return a.api.RunLimiterJanitor(gctx, time.Minute) })
	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown ends every session (stopping agents and archiving transcripts),
// stops the HTTP server, then runs the closers. It respects the context
// deadline: remaining closers are skipped once ctx expires.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "sessions", a.orch.Store().Len(), "closers", len(a.closers))

		// Ending sessions first closes every transcript log, which releases
		// long-polls and streams so the HTTP server can drain.
		if err := a.orch.Shutdown(ctx); err != nil {
			slog.Warn("session shutdown incomplete", "err", err)
			errs = append(errs, err)
		}

		timeout := a.cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = defaultShutdownTimeout
		}
		sctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := a.httpServer.Shutdown(sctx); err != nil {
			slog.Warn("http shutdown error", "err", err)
			errs = append(errs, err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				errs = append(errs, ctx.Err())
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return errors.Join(errs...)
}
