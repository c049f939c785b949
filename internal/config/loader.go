package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/agentline/internal/token"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"agent":     {"convoai"},
	"llm":       {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"transport": {"gateway"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
//
// Missing secrets are not errors: they are logged here and surface as
// configuration errors from the operations that need them.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if rl := cfg.Server.RateLimit; rl.RPS < 0 || rl.Burst < 0 {
		errs = append(errs, fmt.Errorf("server.rate_limit must not be negative (rps %v, burst %d)", rl.RPS, rl.Burst))
	}

	// Token
	if cfg.Token.Secret == "" {
		slog.Warn("token.secret is empty; issuing credentials will fail")
	}
	if cfg.Token.Secret != "" && cfg.Token.AppID == "" {
		errs = append(errs, errors.New("token.app_id is required when token.secret is set"))
	}
	errs = append(errs, validateTTLs(cfg.Token)...)

	// Providers
	if cfg.Providers.Agent.Name == "" {
		errs = append(errs, errors.New("providers.agent.name is required"))
	}
	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required"))
	}
	validateProviderName("agent", cfg.Providers.Agent.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("transport", cfg.Providers.Transport.Name)
	for i, fb := range cfg.Providers.LLMFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("llm", fb.Name)
	}

	// Agents
	for name, p := range cfg.Agents {
		prefix := fmt.Sprintf("agents.%s", name)
		if name == "" {
			errs = append(errs, errors.New("agents: profile name must not be empty"))
		}
		if p.IdleTimeout < 0 {
			errs = append(errs, fmt.Errorf("%s.idle_timeout must not be negative", prefix))
		}
		if p.Speech && p.TTSVoice == "" {
			slog.Warn("agent profile enables speech without a voice; the provider default is used", "profile", name)
		}
	}
	if def := cfg.Session.DefaultProfile; def != "" && len(cfg.Agents) > 0 {
		if _, ok := cfg.Agents[def]; !ok {
			errs = append(errs, fmt.Errorf("session.default_profile %q is not a configured agent profile", def))
		}
	}

	// Retry & breaker
	if cfg.Retry.MaxRetries < -1 {
		errs = append(errs, fmt.Errorf("retry.max_retries %d is invalid; use -1 to disable retries", cfg.Retry.MaxRetries))
	}
	if cfg.Retry.BaseDelay < 0 || cfg.Retry.MaxDelay < 0 || cfg.Retry.AttemptTimeout < 0 {
		errs = append(errs, errors.New("retry durations must not be negative"))
	}
	if cfg.Retry.MaxDelay > 0 && cfg.Retry.BaseDelay > cfg.Retry.MaxDelay {
		errs = append(errs, fmt.Errorf("retry.base_delay %v exceeds retry.max_delay %v", cfg.Retry.BaseDelay, cfg.Retry.MaxDelay))
	}
	if cfg.Breaker.MaxFailures < 0 || cfg.Breaker.ResetTimeout < 0 {
		errs = append(errs, errors.New("breaker settings must not be negative"))
	}

	// Session
	if cfg.Session.MaxTextLength < 0 {
		errs = append(errs, errors.New("session.max_text_length must not be negative"))
	}
	if cfg.Session.HistoryTurns < -1 {
		errs = append(errs, fmt.Errorf("session.history_turns %d is invalid; use -1 to send no history", cfg.Session.HistoryTurns))
	}

	// Transcript
	if cfg.Transcript.WebhookSecret == "" {
		slog.Warn("transcript.webhook_secret is empty; webhook deliveries will be rejected")
	}
	if cfg.Transcript.PollInterval < 0 || cfg.Transcript.StalenessWindow < 0 || cfg.Transcript.WebhookTolerance < 0 {
		errs = append(errs, errors.New("transcript durations must not be negative"))
	}
	arch := cfg.Transcript.Archive
	if arch.Driver != "" && !arch.Driver.IsValid() {
		errs = append(errs, fmt.Errorf("transcript.archive.driver %q is invalid; valid values: none, memory, redis, postgres", arch.Driver))
	}
	if (arch.Driver == ArchiveRedis || arch.Driver == ArchivePostgres) && arch.DSN == "" {
		errs = append(errs, fmt.Errorf("transcript.archive.dsn is required for driver %q", arch.Driver))
	}

	return errors.Join(errs...)
}

// validateTTLs checks the configured TTL bounds after defaults apply.
func validateTTLs(tc TokenConfig) []error {
	lo, def, hi := tc.MinTTL, tc.DefaultTTL, tc.MaxTTL
	if lo < 0 || def < 0 || hi < 0 {
		return []error{errors.New("token TTLs must not be negative")}
	}
	if lo == 0 {
		lo = token.MinTTL
	}
	if def == 0 {
		def = token.DefaultTTL
	}
	if hi == 0 {
		hi = token.MaxTTL
	}
	if lo > hi {
		return []error{fmt.Errorf("token.min_ttl %v exceeds token.max_ttl %v", lo, hi)}
	}
	if def < lo || def > hi {
		return []error{fmt.Errorf("token.default_ttl %v is outside [%v, %v]", def, lo, hi)}
	}
	return nil
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
