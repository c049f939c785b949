// Package httpapi exposes the session orchestrator over HTTP.
//
// Every route except the probes and /metrics lives under /v1 and speaks JSON.
// Failures are rendered as
//
//	{"error": "...", "code": "<fault kind>", "status": 502, "body": "..."}
//
// where status and body carry the upstream provider response when there was
// one.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/agentline/internal/health"
	"github.com/MrWong99/agentline/internal/observe"
	"github.com/MrWong99/agentline/internal/orchestrator"
)

// maxBodyBytes bounds every request body.
const maxBodyBytes = 1 << 20

// Config wires a [Server].
type Config struct {
	// Orchestrator serves every session operation. Required.
	Orchestrator *orchestrator.Orchestrator

	// Health serves /healthz and /readyz. Nil mounts a handler with no
	// readiness checks.
	Health *health.Handler

	// Metrics records request durations. Nil uses [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// MetricsHandler serves /metrics. Nil uses promhttp.Handler.
	MetricsHandler http.Handler

	// RPS and Burst configure per-client rate limiting. A zero RPS disables
	// it.
	RPS   float64
	Burst int
}

// Server is the HTTP front of agentline.
type Server struct {
	o       *orchestrator.Orchestrator
	limiter *ipLimiter
	router  chi.Router
}

// New builds the router.
func New(cfg Config) *Server {
	if cfg.Health == nil {
		cfg.Health = health.New()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.MetricsHandler == nil {
		cfg.MetricsHandler = promhttp.Handler()
	}
	s := &Server{o: cfg.Orchestrator}
	if cfg.RPS > 0 {
		s.limiter = newIPLimiter(cfg.RPS, cfg.Burst, time.Now)
	}

	r := chi.NewRouter()
	r.Use(observe.Middleware(cfg.Metrics))
	cfg.Health.Register(r)
	r.Method(http.MethodGet, "/metrics", cfg.MetricsHandler)

	r.Route("/v1", func(r chi.Router) {
		// Webhook deliveries are authenticated by signature and must not be
		// dropped by client throttling.
		r.Post("/webhooks/agent", s.ingestWebhook)

		r.Group(func(r chi.Router) {
			if s.limiter != nil {
				r.Use(s.limiter.Middleware)
			}
			r.Post("/tokens", s.issueToken)
			r.Post("/sessions", s.startSession)
			r.Route("/sessions/{id}", func(r chi.Router) {
				r.Get("/", s.getSession)
				r.Delete("/", s.stopSession)
				r.Post("/connection", s.reportConnection)
				r.Post("/join", s.joinChannel)
				r.Post("/token", s.renewToken)
				r.Post("/agent", s.startAgent)
				r.Delete("/agent", s.stopAgent)
				r.Post("/messages", s.submitText)
				r.Get("/transcript", s.transcript)
				r.Get("/transcript/stream", s.streamTranscript)
			})
		})
	})
	s.router = r
	return s
}

// ServeHTTP implements [http.Handler].
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// RunLimiterJanitor drops idle rate limiter buckets every interval until ctx
// is done. It returns immediately when limiting is disabled.
func (s *Server) RunLimiterJanitor(ctx context.Context, interval time.Duration) error {
	if s.limiter == nil {
		return nil
	}
	return s.limiter.run(ctx, interval)
}
