// Package anyllm provides a universal LLM provider backed by
// github.com/mozilla-ai/any-llm-go, a unified multi-provider interface that
// supports OpenAI, Anthropic, Gemini, Ollama, DeepSeek, Mistral, Groq, and more.
//
// It is the reasoning backend for every vendor the dedicated openai provider
// does not cover. Usage:
//
//	p, err := anyllm.New("anthropic", "claude-3-5-haiku-latest", anyllmlib.WithAPIKey("sk-ant-..."))
//	p, err := anyllm.NewOllama("llama3.2")
package anyllm

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"
	oai "github.com/openai/openai-go"

	"github.com/MrWong99/agentline/internal/fault"
	"github.com/MrWong99/agentline/pkg/provider/llm"
)

const opComplete = "anyllm.complete"

// Provider implements llm.Provider by wrapping github.com/mozilla-ai/any-llm-go.
type Provider struct {
	backend anyllmlib.Provider
	model   string
}

// New returns a Provider for model on the named vendor, one of [Supported].
// Without an anyllmlib.WithAPIKey option the vendor's usual environment
// variable (OPENAI_API_KEY, ANTHROPIC_API_KEY and so on) is read.
func New(providerName string, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if providerName == "" {
		return nil, fault.Configuration("anyllm.new", "providerName must not be empty")
	}
	if model == "" {
		return nil, fault.Configuration("anyllm.new", "model must not be empty")
	}

	backend, err := createBackend(providerName, opts...)
	if err != nil {
		return nil, fault.Wrap(fault.KindConfiguration, "anyllm.new", fmt.Errorf("create %q backend: %w", providerName, err))
	}

	return &Provider{backend: backend, model: model}, nil
}

// NewOpenAI creates a Provider backed by OpenAI.
// Without options, it reads the OPENAI_API_KEY environment variable.
func NewOpenAI(model string, opts ...anyllmlib.Option) (*Provider, error) {
	return New("openai", model, opts...)
}

// NewAnthropic creates a Provider backed by Anthropic.
// Without options, it reads the ANTHROPIC_API_KEY environment variable.
func NewAnthropic(model string, opts ...anyllmlib.Option) (*Provider, error) {
	return New("anthropic", model, opts...)
}

// NewOllama creates a Provider backed by Ollama (local inference).
// Without options, it connects to http://localhost:11434.
func NewOllama(model string, opts ...anyllmlib.Option) (*Provider, error) {
	return New("ollama", model, opts...)
}

type backendFactory func(...anyllmlib.Option) (anyllmlib.Provider, error)

// backends lists every vendor this package can reach.
var backends = map[string]backendFactory{
	"openai":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return anyllmoai.New(o...) },
	"anthropic": func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return anthropic.New(o...) },
	"gemini":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return gemini.New(o...) },
	"ollama":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return ollama.New(o...) },
	"deepseek":  func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return deepseek.New(o...) },
	"mistral":   func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return mistral.New(o...) },
	"groq":      func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return groq.New(o...) },
	"llamacpp":  func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return llamacpp.New(o...) },
	"llamafile": func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return llamafile.New(o...) },
}

// Supported returns the vendor names accepted by [New], sorted.
func Supported() []string {
	return slices.Sorted(maps.Keys(backends))
}

func createBackend(providerName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	f, ok := backends[strings.ToLower(providerName)]
	if !ok {
		return nil, fmt.Errorf("unsupported provider %q; supported: %s", providerName, strings.Join(Supported(), ", "))
	}
	return f(opts...)
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if len(req.Messages) == 0 {
		return nil, fault.Validation(opComplete, "request has no messages")
	}
	params := p.buildParams(req)

	resp, err := p.backend.Completion(ctx, params)
	if err != nil {
		return nil, classify(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fault.New(fault.KindProvider, opComplete, "empty choices in response")
	}

	result := &llm.CompletionResponse{
		Content: resp.Choices[0].Message.ContentString(),
	}
	if resp.Usage != nil {
		result.Usage = llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return result, nil
}

// classify maps a backend error onto the fault taxonomy. OpenAI-compatible
// backends surface the SDK's API error, which carries the upstream status.
func classify(err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		if fe := fault.FromStatus(opComplete, apiErr.StatusCode, apiErr.RawJSON()); fe != nil {
			return fmt.Errorf("%w: %w", fe, err)
		}
	}
	return fault.Classify(opComplete, err)
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() llm.ModelCapabilities {
	return modelCapabilities(p.model)
}

// buildParams converts our CompletionRequest into anyllm CompletionParams.
func (p *Provider) buildParams(req llm.CompletionRequest) anyllmlib.CompletionParams {
	var messages []anyllmlib.Message

	if req.SystemPrompt != "" {
		messages = append(messages, anyllmlib.Message{
			Role:    anyllmlib.RoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for _, m := range req.Messages {
		messages = append(messages, anyllmlib.Message{Role: m.Role, Content: m.Content})
	}

	model := p.model
	if req.Model != "" {
		model = req.Model
	}
	params := anyllmlib.CompletionParams{
		Model:    model,
		Messages: messages,
	}
	if req.Temperature != 0 {
		t := req.Temperature
		params.Temperature = &t
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		params.MaxTokens = &mt
	}
	return params
}

// families maps model name fragments to their limits. Entries are checked
// in order, so more specific fragments come first.
var families = []struct {
	match string
	caps  llm.ModelCapabilities
}{
	{"gpt-4o", llm.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 16_384}},
	{"gpt-4-turbo", llm.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 4_096}},
	{"gpt-4", llm.ModelCapabilities{ContextWindow: 8_192, MaxOutputTokens: 4_096}},
	{"gpt-3.5-turbo", llm.ModelCapabilities{ContextWindow: 16_385, MaxOutputTokens: 4_096}},
	{"claude-3-opus", llm.ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 4_096}},
	{"claude", llm.ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 8_192}},
	{"gemini-1.5-pro", llm.ModelCapabilities{ContextWindow: 2_097_152, MaxOutputTokens: 8_192}},
	{"gemini-1.5-flash", llm.ModelCapabilities{ContextWindow: 1_048_576, MaxOutputTokens: 8_192}},
	{"gemini-2.0-flash", llm.ModelCapabilities{ContextWindow: 1_048_576, MaxOutputTokens: 8_192}},
	{"gemini", llm.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 8_192}},
	{"deepseek", llm.ModelCapabilities{ContextWindow: 64_000, MaxOutputTokens: 8_192}},
}

var defaultCapabilities = llm.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 4_096}

// modelCapabilities reports limits for well-known model families and
// defaultCapabilities for anything else, such as local models.
func modelCapabilities(model string) llm.ModelCapabilities {
	lower := strings.ToLower(model)
	for _, f := range families {
		if strings.Contains(lower, f.match) {
			return f.caps
		}
	}
	if strings.HasPrefix(lower, "o1") || strings.HasPrefix(lower, "o3") {
		return llm.ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 100_000}
	}
	return defaultCapabilities
}
