// Package openai provides an LLM provider backed by the OpenAI chat
// completions API (or any API-compatible endpoint via [WithBaseURL]).
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/agentline/internal/fault"
	"github.com/MrWong99/agentline/pkg/provider/llm"
)

const opComplete = "openai.complete"

// Provider implements llm.Provider using the OpenAI API.
type Provider struct {
	client oai.Client
	model  string
}

type config struct {
	baseURL      string
	organization string
	timeout      time.Duration
	httpClient   *http.Client
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) {
		c.organization = org
	}
}

// WithTimeout sets a per-request HTTP timeout. Ignored when
// [WithHTTPClient] is also given.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithHTTPClient sets the HTTP client used for API requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) {
		c.httpClient = hc
	}
}

// New constructs a new OpenAI LLM Provider. The SDK's own retries are
// disabled: retry policy belongs to the caller's resilience controller.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fault.Configuration("openai.new", "apiKey must not be empty")
	}
	if model == "" {
		return nil, fault.Configuration("openai.new", "model must not be empty")
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	switch {
	case cfg.httpClient != nil:
		reqOpts = append(reqOpts, option.WithHTTPClient(cfg.httpClient))
	case cfg.timeout > 0:
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	client := oai.NewClient(reqOpts...)
	return &Provider{client: client, model: model}, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, classify(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fault.New(fault.KindProvider, opComplete, "empty choices in response")
	}

	return &llm.CompletionResponse{
		Content: resp.Choices[0].Message.Content,
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

// classify maps an SDK error onto the fault taxonomy, keeping the upstream
// status and body.
func classify(err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		fe := fault.FromStatus(opComplete, apiErr.StatusCode, apiErr.RawJSON())
		if fe != nil {
			return fmt.Errorf("%w: %w", fe, err)
		}
	}
	return fault.Classify(opComplete, err)
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() llm.ModelCapabilities {
	return modelCapabilities(p.model)
}

// knownModels maps model name prefixes to their limits. The first matching
// prefix wins, so longer prefixes come first.
var knownModels = []struct {
	prefix string
	caps   llm.ModelCapabilities
}{
	{"gpt-4o", llm.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 16_384}},
	{"gpt-4.1", llm.ModelCapabilities{ContextWindow: 1_047_576, MaxOutputTokens: 32_768}},
	{"gpt-4-turbo", llm.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 4_096}},
	{"gpt-4", llm.ModelCapabilities{ContextWindow: 8_192, MaxOutputTokens: 4_096}},
	{"gpt-3.5-turbo", llm.ModelCapabilities{ContextWindow: 16_385, MaxOutputTokens: 4_096}},
	{"o1-mini", llm.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 65_536}},
	{"o1", llm.ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 100_000}},
	{"o3", llm.ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 100_000}},
}

// defaultCapabilities applies to models not listed in knownModels, which is
// typical for OpenAI-compatible servers behind [WithBaseURL].
var defaultCapabilities = llm.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 4_096}

func modelCapabilities(model string) llm.ModelCapabilities {
	lower := strings.ToLower(model)
	for _, m := range knownModels {
		if strings.HasPrefix(lower, m.prefix) {
			return m.caps
		}
	}
	return defaultCapabilities
}

// buildParams converts a CompletionRequest into OpenAI SDK params.
func (p *Provider) buildParams(req llm.CompletionRequest) (oai.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 {
		return oai.ChatCompletionNewParams{}, fault.Validation(opComplete, "request has no messages")
	}

	var messages []oai.ChatCompletionMessageParamUnion
	if req.SystemPrompt != "" {
		messages = append(messages, oai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		msg, err := convertMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		messages = append(messages, msg)
	}

	model := p.model
	if req.Model != "" {
		model = req.Model
	}
	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: messages,
	}
	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	return params, nil
}

// convertMessage converts an llm.Message to an OpenAI SDK message param.
func convertMessage(m llm.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case llm.RoleSystem:
		return oai.SystemMessage(m.Content), nil
	case llm.RoleUser:
		return oai.UserMessage(m.Content), nil
	case llm.RoleAssistant:
		asst := oai.ChatCompletionAssistantMessageParam{}
		if m.Content != "" {
			asst.Content.OfString = oai.String(m.Content)
		}
		return oai.ChatCompletionMessageParamUnion{OfAssistant: &asst}, nil
	default:
		return oai.ChatCompletionMessageParamUnion{}, fault.Validation(opComplete, "unknown message role %q", m.Role)
	}
}
