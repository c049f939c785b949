// Package convoai provides an agent provider backed by a conversational AI
// agent REST API (Agora-style: /join, /agents/{id}/leave, /agents/{id}/speak,
// /agents/{id}/history under a per-project base URL).
//
// The remote agent runs its own reasoning and speech pipeline; this client
// only tells it where to connect and with which LLM and TTS settings.
//
// Example usage:
//
//	c, err := convoai.New("app-id", convoai.Credentials{CustomerID: "id", CustomerSecret: "secret"},
//	    convoai.WithLLMEndpoint("https://api.openai.com/v1/chat/completions", "sk-..."))
//	agentID, err := c.JoinAgent(ctx, req)
package convoai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/agentline/internal/fault"
	"github.com/MrWong99/agentline/pkg/provider/agent"
)

// DefaultBaseURL is the API root; the project path is appended by [New].
const DefaultBaseURL = "https://api.agora.io/api/conversational-ai-agent/v2"

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 << 10

// Ensure Client implements the agent.Provider interface at compile time.
var _ agent.Provider = (*Client)(nil)

// Credentials authenticate REST calls with HTTP basic auth.
type Credentials struct {
	CustomerID     string
	CustomerSecret string
}

// Client implements agent.Provider over HTTP. It is safe for concurrent use.
type Client struct {
	baseURL    string
	creds      Credentials
	httpClient *http.Client

	llmURL    string
	llmAPIKey string
	ttsAPIKey string
}

// config holds optional configuration collected from functional options.
type config struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
	llmURL     string
	llmAPIKey  string
	ttsAPIKey  string
}

// Option is a functional option for Client.
type Option func(*config)

// WithBaseURL overrides [DefaultBaseURL].
func WithBaseURL(u string) Option {
	return func(c *config) { c.baseURL = u }
}

// WithTimeout sets a per-request HTTP timeout on the default client.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithHTTPClient replaces the HTTP client entirely.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) { c.httpClient = hc }
}

// WithLLMEndpoint sets the chat-completions endpoint and key the remote agent
// uses for its own reasoning.
func WithLLMEndpoint(u, apiKey string) Option {
	return func(c *config) {
		c.llmURL = u
		c.llmAPIKey = apiKey
	}
}

// WithTTSKey sets the API key forwarded to the remote agent's TTS vendor.
func WithTTSKey(key string) Option {
	return func(c *config) { c.ttsAPIKey = key }
}

// New constructs a Client for the given project. Missing project or
// credentials are configuration errors.
func New(appID string, creds Credentials, opts ...Option) (*Client, error) {
	if appID == "" {
		return nil, fault.Configuration("convoai.new", "app id must not be empty")
	}
	if creds.CustomerID == "" || creds.CustomerSecret == "" {
		return nil, fault.Configuration("convoai.new", "customer id and secret must not be empty")
	}
	cfg := &config{baseURL: DefaultBaseURL}
	for _, o := range opts {
		o(cfg)
	}
	hc := cfg.httpClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.timeout}
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.baseURL, "/") + "/projects/" + url.PathEscape(appID),
		creds:      creds,
		httpClient: hc,
		llmURL:     cfg.llmURL,
		llmAPIKey:  cfg.llmAPIKey,
		ttsAPIKey:  cfg.ttsAPIKey,
	}, nil
}

// ── wire types ───────────────────────────────────────────────────────────────

type joinBody struct {
	Name       string         `json:"name"`
	Properties joinProperties `json:"properties"`
}

type joinProperties struct {
	Channel       string   `json:"channel"`
	Token         string   `json:"token"`
	AgentRTCUID   string   `json:"agent_rtc_uid"`
	RemoteRTCUIDs []string `json:"remote_rtc_uids"`
	IdleTimeout   int      `json:"idle_timeout,omitempty"`
	LLM           llmProps `json:"llm"`
	TTS           ttsProps `json:"tts"`
}

type llmProps struct {
	URL             string            `json:"url,omitempty"`
	APIKey          string            `json:"api_key,omitempty"`
	SystemMessages  []chatMessage     `json:"system_messages,omitempty"`
	GreetingMessage string            `json:"greeting_message,omitempty"`
	Params          map[string]string `json:"params,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ttsProps struct {
	Vendor string            `json:"vendor,omitempty"`
	Params map[string]string `json:"params,omitempty"`
}

type joinResponse struct {
	AgentID  string `json:"agent_id"`
	CreateTS int64  `json:"create_ts"`
	Status   string `json:"status"`
}

type speakBody struct {
	Text          string `json:"text"`
	Priority      string `json:"priority"`
	Interruptable bool   `json:"interruptable"`
}

type historyResponse struct {
	AgentID  string         `json:"agent_id"`
	Status   string         `json:"status"`
	Contents []historyEntry `json:"contents"`
}

type historyEntry struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	TurnID    int64  `json:"turn_id"`
	Timestamp int64  `json:"timestamp"`
}

// ── agent.Provider ───────────────────────────────────────────────────────────

// JoinAgent implements agent.Provider.
func (c *Client) JoinAgent(ctx context.Context, req agent.JoinRequest) (string, error) {
	const op = "convoai.join"
	if req.Channel == "" || req.Token == "" || req.AgentUID == 0 {
		return "", fault.Validation(op, "channel, token and agent uid are required")
	}

	remote := make([]string, 0, len(req.RemoteUIDs))
	for _, uid := range req.RemoteUIDs {
		remote = append(remote, strconv.FormatUint(uint64(uid), 10))
	}
	if len(remote) == 0 {
		remote = []string{"*"}
	}

	body := joinBody{
		Name: req.Name,
		Properties: joinProperties{
			Channel:       req.Channel,
			Token:         req.Token,
			AgentRTCUID:   strconv.FormatUint(uint64(req.AgentUID), 10),
			RemoteRTCUIDs: remote,
			IdleTimeout:   int(req.Config.IdleTimeout / time.Second),
			LLM: llmProps{
				URL:             c.llmURL,
				APIKey:          c.llmAPIKey,
				GreetingMessage: req.Config.Greeting,
			},
			TTS: ttsProps{Vendor: req.Config.TTSProvider},
		},
	}
	if req.Config.SystemPrompt != "" {
		body.Properties.LLM.SystemMessages = []chatMessage{{Role: "system", Content: req.Config.SystemPrompt}}
	}
	if req.Config.LLMModel != "" {
		body.Properties.LLM.Params = map[string]string{"model": req.Config.LLMModel}
	}
	if tts := ttsParams(req.Config, c.ttsAPIKey); len(tts) > 0 {
		body.Properties.TTS.Params = tts
	}

	var resp joinResponse
	if err := c.do(ctx, op, http.MethodPost, "/join", body, &resp); err != nil {
		return "", err
	}
	if resp.AgentID == "" {
		return "", fault.New(fault.KindProvider, op, "response carries no agent_id")
	}
	return resp.AgentID, nil
}

// LeaveAgent implements agent.Provider. An agent the provider no longer knows
// (404) counts as already gone.
func (c *Client) LeaveAgent(ctx context.Context, agentID string) error {
	const op = "convoai.leave"
	if agentID == "" {
		return fault.Validation(op, "agent id is required")
	}
	err := c.do(ctx, op, http.MethodPost, "/agents/"+url.PathEscape(agentID)+"/leave", nil, nil)
	if status, _ := fault.Upstream(err); status == http.StatusNotFound {
		return nil
	}
	return err
}

// Speak implements agent.Provider.
func (c *Client) Speak(ctx context.Context, agentID, text string) error {
	const op = "convoai.speak"
	if agentID == "" || strings.TrimSpace(text) == "" {
		return fault.Validation(op, "agent id and text are required")
	}
	body := speakBody{Text: text, Priority: "INTERRUPT", Interruptable: true}
	return c.do(ctx, op, http.MethodPost, "/agents/"+url.PathEscape(agentID)+"/speak", body, nil)
}

// FetchHistory implements agent.Provider. The API returns the whole short-term
// history; entries at or before q.SinceSeq are filtered out here.
func (c *Client) FetchHistory(ctx context.Context, q agent.HistoryQuery) ([]agent.HistoryEntry, error) {
	const op = "convoai.history"
	if q.AgentID == "" {
		return nil, fault.Validation(op, "agent id is required")
	}
	var resp historyResponse
	if err := c.do(ctx, op, http.MethodGet, "/agents/"+url.PathEscape(q.AgentID)+"/history", nil, &resp); err != nil {
		return nil, err
	}

	out := make([]agent.HistoryEntry, 0, len(resp.Contents))
	for _, e := range resp.Contents {
		if e.TurnID <= q.SinceSeq || strings.TrimSpace(e.Content) == "" {
			continue
		}
		speaker := agent.SpeakerUser
		if e.Role == "assistant" || e.Role == "agent" {
			speaker = agent.SpeakerAgent
		}
		entry := agent.HistoryEntry{Speaker: speaker, Text: e.Content, Seq: e.TurnID}
		if e.Timestamp > 0 {
			entry.Timestamp = unixAuto(e.Timestamp)
		}
		out = append(out, entry)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// ── helpers ──────────────────────────────────────────────────────────────────

// do sends one JSON request and decodes the response into out when non-nil.
func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fault.Wrap(fault.KindValidation, op, fmt.Errorf("marshal request: %w", err))
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fault.Wrap(fault.KindValidation, op, fmt.Errorf("build request: %w", err))
	}
	req.SetBasicAuth(c.creds.CustomerID, c.creds.CustomerSecret)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fault.Classify(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fault.FromStatus(op, resp.StatusCode, string(raw))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fault.Wrap(fault.KindProvider, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// ttsParams builds the vendor parameter map for the remote TTS engine.
func ttsParams(cfg agent.Config, key string) map[string]string {
	p := map[string]string{}
	if key != "" {
		p["key"] = key
	}
	if cfg.TTSModel != "" {
		p["model_id"] = cfg.TTSModel
	}
	if cfg.TTSVoice != "" {
		p["voice_id"] = cfg.TTSVoice
	}
	return p
}

// unixAuto interprets ts as unix milliseconds when it is too large to be
// seconds.
func unixAuto(ts int64) time.Time {
	if ts > 1e12 {
		return time.UnixMilli(ts).UTC()
	}
	return time.Unix(ts, 0).UTC()
}
