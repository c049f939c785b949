package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/agentline/internal/fault"
	"github.com/MrWong99/agentline/pkg/provider/llm"
)

// TestConvertMessage checks the role mapping onto SDK message params.
func TestConvertMessage(t *testing.T) {
	tests := []struct {
		role  string
		check func(t *testing.T, m llm.Message)
	}{
		{llm.RoleSystem, func(t *testing.T, m llm.Message) {
			p, err := convertMessage(m)
			if err != nil || p.OfSystem == nil {
				t.Fatalf("system: OfSystem not set (err=%v)", err)
			}
		}},
		{llm.RoleUser, func(t *testing.T, m llm.Message) {
			p, err := convertMessage(m)
			if err != nil || p.OfUser == nil {
				t.Fatalf("user: OfUser not set (err=%v)", err)
			}
		}},
		{llm.RoleAssistant, func(t *testing.T, m llm.Message) {
			p, err := convertMessage(m)
			if err != nil || p.OfAssistant == nil {
				t.Fatalf("assistant: OfAssistant not set (err=%v)", err)
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.role, func(t *testing.T) {
			tt.check(t, llm.Message{Role: tt.role, Content: "hi"})
		})
	}
}

// TestConvertMessage_UnknownRole checks that unknown roles are validation errors.
func TestConvertMessage_UnknownRole(t *testing.T) {
	_, err := convertMessage(llm.Message{Role: "tool", Content: "x"})
	if !fault.Is(err, fault.KindValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
}

func TestModelCapabilities(t *testing.T) {
	tests := []struct {
		model         string
		contextWindow int
	}{
		{"gpt-4o-mini", 128_000},
		{"gpt-4o", 128_000},
		{"gpt-4", 8_192},
		{"gpt-3.5-turbo", 16_385},
		{"o3-mini", 200_000},
	}
	for _, tt := range tests {
		if got := modelCapabilities(tt.model).ContextWindow; got != tt.contextWindow {
			t.Errorf("%s: ContextWindow = %d, want %d", tt.model, got, tt.contextWindow)
		}
	}
	caps := modelCapabilities("my-custom-model")
	if caps.ContextWindow <= 0 || caps.MaxOutputTokens <= 0 {
		t.Errorf("unknown model: got %+v, want positive defaults", caps)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New("", "gpt-4o"); !fault.Is(err, fault.KindConfiguration) {
		t.Errorf("empty API key: err = %v, want configuration", err)
	}
	if _, err := New("sk-test", ""); !fault.Is(err, fault.KindConfiguration) {
		t.Errorf("empty model: err = %v, want configuration", err)
	}
	if _, err := New("sk-test", "gpt-4o", WithBaseURL("https://custom.example.com"), WithOrganization("org-123")); err != nil {
		t.Errorf("valid options: %v", err)
	}
}

// newTestServer returns a provider pointed at an httptest server running h.
func newTestServer(t *testing.T, h http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	p, err := New("sk-test", "gpt-4o-mini", WithBaseURL(srv.URL+"/"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestComplete_Success(t *testing.T) {
	var got map[string]any
	p := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("path = %q, want .../chat/completions", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id":"chatcmpl-1","object":"chat.completion","created":1,"model":"gpt-4o-mini",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"Why don't skeletons fight? They don't have the guts."}}],
			"usage":{"prompt_tokens":12,"completion_tokens":11,"total_tokens":23}
		}`)
	})

	resp, err := p.Complete(context.Background(), llm.CompletionRequest{
		SystemPrompt: "You are a comedian.",
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "Tell me a joke"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "Why don't skeletons fight? They don't have the guts." {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.Usage.TotalTokens != 23 {
		t.Errorf("TotalTokens = %d, want 23", resp.Usage.TotalTokens)
	}
	msgs, _ := got["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("sent %d messages, want 2 (system + user)", len(msgs))
	}
	if first, _ := msgs[0].(map[string]any); first["role"] != "system" {
		t.Errorf("first message role = %v, want system", first["role"])
	}
}

func TestComplete_ErrorClassification(t *testing.T) {
	tests := []struct {
		status int
		want   fault.Kind
	}{
		{http.StatusServiceUnavailable, fault.KindRetryable},
		{http.StatusTooManyRequests, fault.KindRetryable},
		{http.StatusUnauthorized, fault.KindAuthentication},
		{http.StatusBadRequest, fault.KindProvider},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			calls := 0
			p := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				calls++
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, `{"error":{"message":"nope","type":"invalid_request_error"}}`)
			})
			_, err := p.Complete(context.Background(), llm.CompletionRequest{
				Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
			})
			if got := fault.KindOf(err); got != tt.want {
				t.Errorf("KindOf = %q, want %q (err=%v)", got, tt.want, err)
			}
			if status, _ := fault.Upstream(err); status != tt.status {
				t.Errorf("upstream status = %d, want %d", status, tt.status)
			}
			if calls != 1 {
				t.Errorf("server saw %d calls, want 1 (SDK retries disabled)", calls)
			}
		})
	}
}

func TestComplete_NoMessages(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	if _, err := p.Complete(context.Background(), llm.CompletionRequest{}); !fault.Is(err, fault.KindValidation) {
		t.Errorf("err = %v, want validation", err)
	}
}
