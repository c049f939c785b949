// Package llm defines the Provider interface for the reasoning backends the
// text bridge talks to.
//
// An LLM provider wraps a remote model API (OpenAI, or any vendor reachable
// through any-llm) and exposes a single request/response completion call, so
// the bridge can turn a user message plus conversation context into a reply
// without coupling to any specific SDK.
//
// Implementors must be safe for concurrent use and must classify their errors
// with the fault package: timeouts, 429 and 5xx as retryable, 401/403 as
// authentication failures, other rejections as terminal provider errors.
package llm

import "context"

// Usage holds token accounting information returned by the LLM backend.
type Usage struct {
	// PromptTokens is the number of tokens consumed by the input messages and
	// system prompt.
	PromptTokens int

	// CompletionTokens is the number of tokens generated in the response.
	CompletionTokens int

	// TotalTokens is PromptTokens + CompletionTokens. Some providers return it
	// directly rather than computing it from the parts.
	TotalTokens int
}

// CompletionRequest carries everything the LLM needs to produce a reply.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history. The last message is the
	// user turn that drives the response.
	Messages []Message

	// SystemPrompt is an optional high-priority instruction injected before
	// the conversation history. It is never echoed into transcripts.
	SystemPrompt string

	// Model overrides the provider's configured model when non-empty.
	Model string

	// Temperature controls output randomness in the range [0.0, 2.0]. Zero
	// means the provider default.
	Temperature float64

	// MaxTokens caps the number of completion tokens. Zero means the provider
	// default.
	MaxTokens int
}

// CompletionResponse is the model's full reply.
type CompletionResponse struct {
	// Content is the text of the assistant's reply.
	Content string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	// It returns promptly when ctx is cancelled.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Capabilities returns static metadata describing the underlying model.
	Capabilities() ModelCapabilities
}
