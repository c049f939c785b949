package observe

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/MrWong99/agentline/internal/fault"
)

// newTestTracerProvider returns a TracerProvider that records spans in memory.
func newTestTracerProvider(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tp, exp
}

// captureDefault routes slog.Default into a buffer for the test's duration.
func captureDefault(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func TestCorrelationID(t *testing.T) {
	t.Parallel()
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}

	tp, _ := newTestTracerProvider(t)
	ctx, span := tp.Tracer("test").Start(context.Background(), "req")
	defer span.End()
	cid := CorrelationID(ctx)
	if b, err := hex.DecodeString(cid); err != nil || len(b) != 16 {
		t.Errorf("CorrelationID = %q, want a 32-char hex trace id", cid)
	}
	if cid != span.SpanContext().TraceID().String() {
		t.Errorf("CorrelationID = %q, want the span's trace id", cid)
	}
}

func TestRecordError(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		err      error
		wantKind string
	}{
		{name: "nil is ignored"},
		{name: "plain error", err: errors.New("boom")},
		{name: "fault kind is tagged", err: fault.FromStatus("agent.join", 503, ""), wantKind: "retryable_provider"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tp, exp := newTestTracerProvider(t)
			_, span := tp.Tracer("test").Start(context.Background(), "agent.join")
			RecordError(span, tt.err)
			span.End()

			spans := exp.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("recorded %d spans, want 1", len(spans))
			}
			got := spans[0]
			wantCode := codes.Unset
			if tt.err != nil {
				wantCode = codes.Error
			}
			if got.Status.Code != wantCode {
				t.Errorf("status = %v, want %v", got.Status.Code, wantCode)
			}
			kind := ""
			for _, a := range got.Attributes {
				if a.Key == "error.kind" {
					kind = a.Value.AsString()
				}
			}
			if kind != tt.wantKind {
				t.Errorf("error.kind = %q, want %q", kind, tt.wantKind)
			}
		})
	}
}

func TestLogger_AddsTraceContext(t *testing.T) {
	buf := captureDefault(t)
	tp, _ := newTestTracerProvider(t)
	ctx, span := tp.Tracer("test").Start(context.Background(), "req")
	defer span.End()

	Logger(ctx).Info("hello")
	out := buf.String()
	if !strings.Contains(out, "trace_id="+span.SpanContext().TraceID().String()) {
		t.Errorf("log line missing trace_id: %s", out)
	}
	if !strings.Contains(out, "span_id="+span.SpanContext().SpanID().String()) {
		t.Errorf("log line missing span_id: %s", out)
	}
}

func TestSessionLogger(t *testing.T) {
	buf := captureDefault(t)
	SessionLogger(context.Background(), "sess-1").Info("joined")
	out := buf.String()
	if !strings.Contains(out, "session_id=sess-1") {
		t.Errorf("log line missing session_id: %s", out)
	}
	if strings.Contains(out, "trace_id") {
		t.Errorf("log line has trace_id without a span: %s", out)
	}
}
