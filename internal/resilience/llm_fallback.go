package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/agentline/internal/fault"
	"github.com/MrWong99/agentline/pkg/provider/llm"
)

// LLMFallback implements [llm.Provider] with automatic failover across several
// reasoning backends. Each backend has its own circuit breaker; when the
// primary fails or its breaker is open, the next healthy fallback is tried.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

// Compile-time interface assertion.
var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional LLM provider as a fallback.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// States reports the breaker state of every backend.
func (f *LLMFallback) States() map[string]State { return f.group.States() }

// Breakers returns the per-backend breakers, primary first.
func (f *LLMFallback) Breakers() []*CircuitBreaker { return f.group.Breakers() }

// Complete sends the request to the first healthy provider and returns its
// response. When every backend is skipped because its breaker is open the
// error is retryable: the backends are expected to recover.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, err := ExecuteWithResult(f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
	if err != nil && fault.KindOf(err) == "" && errors.Is(err, ErrCircuitOpen) {
		return nil, fault.Wrap(fault.KindRetryable, "llm.complete", err)
	}
	return resp, err
}

// Capabilities reports the primary's capabilities. They do not participate in
// failover.
func (f *LLMFallback) Capabilities() llm.ModelCapabilities {
	return f.group.members[0].value.Capabilities()
}
