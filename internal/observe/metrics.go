// Package observe provides application-wide observability primitives for
// agentline: OpenTelemetry metrics, distributed tracing, structured logging
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so metrics can be scraped via
// the standard /metrics endpoint. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all agentline metrics.
const meterName = "github.com/MrWong99/agentline"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// ProviderDuration tracks outbound provider call latency. Attributes:
	//   attribute.String("provider", ...), attribute.String("op", ...)
	ProviderDuration metric.Float64Histogram

	// ReasoningDuration tracks end-to-end Text Bridge reasoning latency.
	ReasoningDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider calls. Attributes: provider, op, status.
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts failed provider calls. Attributes: provider, kind.
	ProviderErrors metric.Int64Counter

	// RetryAttempts counts retry controller attempts. Attributes: op, outcome.
	RetryAttempts metric.Int64Counter

	// CoalescedCalls counts calls that joined an in-flight call with the same
	// operation key instead of issuing a new request. Attribute: op.
	CoalescedCalls metric.Int64Counter

	// SessionTransitions counts state machine transitions. Attributes: from, to.
	SessionTransitions metric.Int64Counter

	// TranscriptEvents counts ingested transcript events. Attributes:
	//   attribute.String("source", ...), attribute.String("outcome", "stored"|"duplicate")
	TranscriptEvents metric.Int64Counter

	// WebhookRejections counts webhook deliveries rejected before ingestion.
	// Attribute: reason.
	WebhookRejections metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Attributes:
	// breaker, from, to.
	BreakerTransitions metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks sessions that have not reached a terminal state.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveAgents tracks sessions that currently own a remote agent.
	ActiveAgents metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) tuned for
// provider round trips and LLM inference.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ProviderDuration, err = m.Float64Histogram("agentline.provider.duration",
		metric.WithDescription("Latency of outbound provider calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ReasoningDuration, err = m.Float64Histogram("agentline.reasoning.duration",
		metric.WithDescription("Latency of text bridge reasoning."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("agentline.provider.requests",
		metric.WithDescription("Total provider calls by provider, operation and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("agentline.provider.errors",
		metric.WithDescription("Total provider errors by provider and error kind."),
	); err != nil {
		return nil, err
	}
	if met.RetryAttempts, err = m.Int64Counter("agentline.retry.attempts",
		metric.WithDescription("Retry controller attempts by operation and outcome."),
	); err != nil {
		return nil, err
	}
	if met.CoalescedCalls, err = m.Int64Counter("agentline.retry.coalesced",
		metric.WithDescription("Calls coalesced onto an in-flight call with the same key."),
	); err != nil {
		return nil, err
	}
	if met.SessionTransitions, err = m.Int64Counter("agentline.session.transitions",
		metric.WithDescription("Session state transitions by source and target state."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptEvents, err = m.Int64Counter("agentline.transcript.events",
		metric.WithDescription("Transcript events ingested by source and outcome."),
	); err != nil {
		return nil, err
	}
	if met.WebhookRejections, err = m.Int64Counter("agentline.webhook.rejections",
		metric.WithDescription("Webhook deliveries rejected by reason."),
	); err != nil {
		return nil, err
	}

	if met.BreakerTransitions, err = m.Int64Counter("agentline.breaker.transitions",
		metric.WithDescription("Circuit breaker state changes by breaker and state."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("agentline.active_sessions",
		metric.WithDescription("Number of non-terminal sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveAgents, err = m.Int64UpDownCounter("agentline.active_agents",
		metric.WithDescription("Number of sessions owning a remote agent."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("agentline.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderCall records one provider call: the request counter, the
// latency histogram and, when kind is non-empty, the error counter.
func (m *Metrics) RecordProviderCall(ctx context.Context, provider, op string, d time.Duration, kind string) {
	status := "ok"
	if kind != "" {
		status = "error"
		m.ProviderErrors.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("provider", provider),
				attribute.String("kind", kind),
			),
		)
	}
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("op", op),
			attribute.String("status", status),
		),
	)
	m.ProviderDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("op", op),
		),
	)
}

// RecordRetryAttempt records a single retry controller attempt.
func (m *Metrics) RecordRetryAttempt(ctx context.Context, op, outcome string) {
	m.RetryAttempts.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordCoalesced records a call that shared another call's result.
func (m *Metrics) RecordCoalesced(ctx context.Context, op string) {
	m.CoalescedCalls.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// RecordTransition records a session state transition.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.SessionTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordTranscriptEvent records one ingested transcript event.
func (m *Metrics) RecordTranscriptEvent(ctx context.Context, source string, stored bool) {
	outcome := "stored"
	if !stored {
		outcome = "duplicate"
	}
	m.TranscriptEvents.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("source", source),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordWebhookRejection records a rejected webhook delivery.
func (m *Metrics) RecordWebhookRejection(ctx context.Context, reason string) {
	m.WebhookRejections.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordBreakerTransition records a circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, breaker, from, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("breaker", breaker),
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}
