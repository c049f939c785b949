package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/MrWong99/agentline/internal/resilience"
)

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func readyz(t *testing.T, h *Handler, ctx context.Context) (int, result) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return rec.Code, body
}

func TestHealthz_AlwaysReturns200(t *testing.T) {
	h := New(Checker{Name: "broken", Check: func(context.Context) error { return errors.New("down") }})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.Healthz(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
}

func TestReadyz(t *testing.T) {
	ok := func(context.Context) error { return nil }
	fail := func(context.Context) error { return errors.New("connection refused") }

	tests := []struct {
		name       string
		checkers   []Checker
		wantStatus int
		wantChecks map[string]string
	}{
		{
			name:       "no checkers",
			wantStatus: http.StatusOK,
			wantChecks: map[string]string{},
		},
		{
			name:       "all pass",
			checkers:   []Checker{{Name: "archive", Check: ok}, {Name: "providers", Check: ok}},
			wantStatus: http.StatusOK,
			wantChecks: map[string]string{"archive": "ok", "providers": "ok"},
		},
		{
			name:       "one fails",
			checkers:   []Checker{{Name: "archive", Check: fail}, {Name: "providers", Check: ok}},
			wantStatus: http.StatusServiceUnavailable,
			wantChecks: map[string]string{"archive": "fail: connection refused", "providers": "ok"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := readyz(t, New(tt.checkers...), context.Background())
			if code != tt.wantStatus {
				t.Errorf("status = %d, want %d", code, tt.wantStatus)
			}
			for name, want := range tt.wantChecks {
				if body.Checks[name] != want {
					t.Errorf("check %q = %q, want %q", name, body.Checks[name], want)
				}
			}
			wantWord := "ok"
			if tt.wantStatus != http.StatusOK {
				wantWord = "fail"
			}
			if body.Status != wantWord {
				t.Errorf("status field = %q, want %q", body.Status, wantWord)
			}
		})
	}
}

func TestReadyz_RespectsContextCancellation(t *testing.T) {
	h := New(Checker{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if code, _ := readyz(t, h, ctx); code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", code, http.StatusServiceUnavailable)
	}
}

func TestPingChecker(t *testing.T) {
	c := PingChecker("archive", pingFunc(func(context.Context) error { return errors.New("no route") }))
	if c.Name != "archive" {
		t.Errorf("Name = %q", c.Name)
	}
	if err := c.Check(context.Background()); err == nil {
		t.Error("expected ping failure to surface")
	}
}

func TestBreakerChecker(t *testing.T) {
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "agent",
		MaxFailures:  1,
		ResetTimeout: time.Hour,
	})
	c := BreakerChecker("breakers", cb, nil)
	if err := c.Check(context.Background()); err != nil {
		t.Fatalf("closed breaker should pass, got %v", err)
	}

	_ = cb.Execute(func() error { return errors.New("boom") })
	err := c.Check(context.Background())
	if err == nil || !strings.Contains(err.Error(), `"agent"`) {
		t.Errorf("open breaker err = %v, want it to name the circuit", err)
	}
}

func TestRegister_RoutesWork(t *testing.T) {
	h := New(Checker{Name: "test", Check: func(context.Context) error { return nil }})

	r := chi.NewRouter()
	h.Register(r)

	for _, path := range []string{"/healthz", "/readyz"} {
		t.Run(path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
			if rec.Code != http.StatusOK {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
			}
		})
	}
}
