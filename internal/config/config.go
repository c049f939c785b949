// Package config provides the configuration schema, loader, and provider registry
// for the agentline session orchestrator.
//
// Configuration is read once at process start and handed to the components as
// read-only values. There is no hot reload: signing material and provider
// credentials never change while the process runs.
package config

import (
	"time"

	"github.com/MrWong99/agentline/internal/token"
	"github.com/MrWong99/agentline/pkg/provider/agent"
)

// LogLevel controls log verbosity for the agentline server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// ArchiveDriver selects the transcript archive backend.
type ArchiveDriver string

const (
	// ArchiveNone keeps no archive; evicted sessions are gone.
	ArchiveNone ArchiveDriver = "none"

	// ArchiveMemory keeps evicted sessions in process memory.
	ArchiveMemory ArchiveDriver = "memory"

	// ArchiveRedis stores evicted sessions in Redis.
	ArchiveRedis ArchiveDriver = "redis"

	// ArchivePostgres stores evicted sessions in PostgreSQL.
	ArchivePostgres ArchiveDriver = "postgres"
)

// IsValid reports whether d is a recognised archive driver.
func (d ArchiveDriver) IsValid() bool {
	switch d {
	case ArchiveNone, ArchiveMemory, ArchiveRedis, ArchivePostgres:
		return true
	}
	return false
}

// Config is the root configuration structure for agentline.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig            `yaml:"server"`
	Token      TokenConfig             `yaml:"token"`
	Providers  ProvidersConfig         `yaml:"providers"`
	Agents     map[string]AgentProfile `yaml:"agents"`
	Retry      RetryConfig             `yaml:"retry"`
	Breaker    BreakerConfig           `yaml:"breaker"`
	Session    SessionConfig           `yaml:"session"`
	Transcript TranscriptConfig        `yaml:"transcript"`
}

// ServerConfig holds network and logging settings for the agentline server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// RateLimit throttles API requests per client IP.
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// ShutdownTimeout bounds graceful shutdown. Zero means 15s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// RateLimitConfig is a token bucket per client IP. A zero RPS disables
// limiting.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// TokenConfig configures credential signing.
type TokenConfig struct {
	// AppID identifies the project to the audio transport.
	AppID string `yaml:"app_id"`

	// Secret signs credentials. When empty, every issuance fails with a
	// configuration error.
	Secret string `yaml:"secret"`

	// DefaultTTL applies when a request names no TTL. Zero means 1h.
	DefaultTTL time.Duration `yaml:"default_ttl"`

	// MinTTL and MaxTTL bound requested TTLs. Zero means 60s and 24h.
	MinTTL time.Duration `yaml:"min_ttl"`
	MaxTTL time.Duration `yaml:"max_ttl"`
}

// Service converts tc to the token service configuration.
func (tc TokenConfig) Service() token.Config {
	return token.Config{
		AppID:      tc.AppID,
		Secret:     tc.Secret,
		DefaultTTL: tc.DefaultTTL,
		MinTTL:     tc.MinTTL,
		MaxTTL:     tc.MaxTTL,
	}
}

// ProvidersConfig declares which implementation backs each external
// collaborator. Each entry selects a named provider registered in the
// [Registry].
type ProvidersConfig struct {
	// Agent hosts the remote conversational agents.
	Agent ProviderEntry `yaml:"agent"`

	// LLM reasons over text submissions.
	LLM ProviderEntry `yaml:"llm"`

	// LLMFallbacks are tried in order when LLM fails.
	LLMFallbacks []ProviderEntry `yaml:"llm_fallbacks"`

	// Transport performs optional server-side channel joins.
	Transport ProviderEntry `yaml:"transport"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "convoai").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o-mini").
	Model string `yaml:"model"`

	// Timeout bounds a single HTTP request to the provider. Zero uses the
	// provider's default.
	Timeout time.Duration `yaml:"timeout"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// Option returns the string option key, or "".
func (e ProviderEntry) Option(key string) string {
	if e.Options == nil {
		return ""
	}
	s, _ := e.Options[key].(string)
	return s
}

// AgentProfile is a named agent configuration template.
type AgentProfile struct {
	LLMProvider  string        `yaml:"llm_provider"`
	LLMModel     string        `yaml:"llm_model"`
	TTSProvider  string        `yaml:"tts_provider"`
	TTSModel     string        `yaml:"tts_model"`
	TTSVoice     string        `yaml:"tts_voice"`
	SystemPrompt string        `yaml:"system_prompt"`
	Greeting     string        `yaml:"greeting"`
	Speech       bool          `yaml:"speech"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// AgentConfig converts p into the agent configuration for profile name.
func (p AgentProfile) AgentConfig(name string) agent.Config {
	return agent.Config{
		Profile:       name,
		LLMProvider:   p.LLMProvider,
		LLMModel:      p.LLMModel,
		TTSProvider:   p.TTSProvider,
		TTSModel:      p.TTSModel,
		TTSVoice:      p.TTSVoice,
		SystemPrompt:  p.SystemPrompt,
		Greeting:      p.Greeting,
		SpeechEnabled: p.Speech,
		IdleTimeout:   p.IdleTimeout,
	}
}

// Profiles converts every configured agent profile.
func (c *Config) Profiles() map[string]agent.Config {
	out := make(map[string]agent.Config, len(c.Agents))
	for name, p := range c.Agents {
		out[name] = p.AgentConfig(name)
	}
	return out
}

// RetryConfig configures the retry controllers. Zero fields use the
// controller defaults; MaxRetries -1 disables retries.
type RetryConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	BaseDelay      time.Duration `yaml:"base_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

// BreakerConfig configures the per-provider circuit breakers. A zero
// MaxFailures disables them.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// SessionConfig tunes session handling.
type SessionConfig struct {
	// Retention keeps terminal sessions in memory before eviction.
	Retention time.Duration `yaml:"retention"`

	// JanitorInterval is the expiry and eviction sweep period.
	JanitorInterval time.Duration `yaml:"janitor_interval"`

	// SpeechDrainTimeout bounds how long a stop waits for in-flight speech.
	SpeechDrainTimeout time.Duration `yaml:"speech_drain_timeout"`

	// MaxTextLength caps a text submission in runes.
	MaxTextLength int `yaml:"max_text_length"`

	// HistoryTurns is how many earlier transcript events go along with a
	// reasoning request. -1 sends none.
	HistoryTurns int `yaml:"history_turns"`

	// AgentUID is the uid remote agents join with.
	AgentUID uint32 `yaml:"agent_uid"`

	// DefaultProfile names the agent profile used when a request names none.
	DefaultProfile string `yaml:"default_profile"`

	// MaxWait caps transcript long-polling.
	MaxWait time.Duration `yaml:"max_wait"`
}

// TranscriptConfig configures transcript ingestion and archiving.
type TranscriptConfig struct {
	// PollInterval is the history polling period.
	PollInterval time.Duration `yaml:"poll_interval"`

	// StalenessWindow is how long a session may go without a webhook push
	// before it is polled.
	StalenessWindow time.Duration `yaml:"staleness_window"`

	// WebhookSecret verifies webhook signatures. When empty, every delivery
	// is rejected with a configuration error.
	WebhookSecret string `yaml:"webhook_secret"`

	// WebhookTolerance is the accepted clock skew of webhook timestamps.
	WebhookTolerance time.Duration `yaml:"webhook_tolerance"`

	// Archive selects where evicted sessions go.
	Archive ArchiveConfig `yaml:"archive"`
}

// ArchiveConfig configures the transcript archive.
type ArchiveConfig struct {
	// Driver defaults to memory.
	Driver ArchiveDriver `yaml:"driver"`

	// DSN is the connection string for redis and postgres.
	DSN string `yaml:"dsn"`

	// TTL expires redis records. Zero keeps them forever.
	TTL time.Duration `yaml:"ttl"`

	// KeyPrefix namespaces redis keys.
	KeyPrefix string `yaml:"key_prefix"`
}
