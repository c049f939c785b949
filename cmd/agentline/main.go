// Command agentline is the main entry point for the agentline session
// orchestrator.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/agentline/internal/app"
	"github.com/MrWong99/agentline/internal/config"
	"github.com/MrWong99/agentline/internal/observe"
	"github.com/MrWong99/agentline/pkg/provider/agent"
	"github.com/MrWong99/agentline/pkg/provider/agent/convoai"
	"github.com/MrWong99/agentline/pkg/provider/llm"
	"github.com/MrWong99/agentline/pkg/provider/llm/anyllm"
	"github.com/MrWong99/agentline/pkg/provider/llm/openai"
	"github.com/MrWong99/agentline/pkg/transport"
	"github.com/MrWong99/agentline/pkg/transport/gateway"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "agentline: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "agentline: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("agentline starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "agentline",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready", "profiles", len(cfg.Agents))

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	slog.Info("shutting down")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if err := otelShutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return code
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry, cfg *config.Config) {
	// ── Agent ─────────────────────────────────────────────────────────────────

	reg.RegisterAgent("convoai", func(entry config.ProviderEntry) (agent.Provider, error) {
		appID := entry.Option("app_id")
		if appID == "" {
			appID = cfg.Token.AppID
		}
		var opts []convoai.Option
		if entry.BaseURL != "" {
			opts = append(opts, convoai.WithBaseURL(entry.BaseURL))
		}
		if entry.Timeout > 0 {
			opts = append(opts, convoai.WithTimeout(entry.Timeout))
		}
		if u := entry.Option("llm_endpoint"); u != "" {
			opts = append(opts, convoai.WithLLMEndpoint(u, entry.Option("llm_api_key")))
		}
		if key := entry.Option("tts_api_key"); key != "" {
			opts = append(opts, convoai.WithTTSKey(key))
		}
		c, err := convoai.New(appID, convoaiCredentials(entry), opts...)
		if err != nil {
			return nil, err
		}
		return c, nil
	})

	// ── LLM ───────────────────────────────────────────────────────────────────

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := entry.Option("organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if entry.Timeout > 0 {
			opts = append(opts, openai.WithTimeout(entry.Timeout))
		}
		p, err := openai.New(entry.APIKey, entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	// Every other vendor goes through any-llm with an optional key and base URL.
	for _, providerName := range anyllm.Supported() {
		if providerName == "openai" {
			continue
		}
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			p, err := anyllm.New(providerName, entry.Model, opts...)
			if err != nil {
				return nil, err
			}
			return p, nil
		})
	}

	// ── Transport ─────────────────────────────────────────────────────────────

	reg.RegisterTransport("gateway", func(entry config.ProviderEntry) (transport.Transport, error) {
		var opts []gateway.Option
		if entry.APIKey != "" {
			opts = append(opts, gateway.WithAPIKey(entry.APIKey))
		}
		t, err := gateway.New(entry.BaseURL, opts...)
		if err != nil {
			return nil, err
		}
		return t, nil
	})
}

// convoaiCredentials reads the customer credentials from the options map,
// falling back to an api_key of the form "id:secret".
func convoaiCredentials(entry config.ProviderEntry) convoai.Credentials {
	creds := convoai.Credentials{
		CustomerID:     entry.Option("customer_id"),
		CustomerSecret: entry.Option("customer_secret"),
	}
	if creds.CustomerID == "" && creds.CustomerSecret == "" {
		creds.CustomerID, creds.CustomerSecret, _ = strings.Cut(entry.APIKey, ":")
	}
	return creds
}

// buildProviders instantiates all providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to consume.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	a, err := reg.CreateAgent(cfg.Providers.Agent)
	if err != nil {
		return nil, fmt.Errorf("create agent provider %q: %w", cfg.Providers.Agent.Name, err)
	}
	ps.Agent = a
	slog.Info("provider created", "kind", "agent", "name", cfg.Providers.Agent.Name)

	l, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", cfg.Providers.LLM.Name, err)
	}
	ps.LLM = l
	slog.Info("provider created", "kind", "llm", "name", cfg.Providers.LLM.Name, "model", cfg.Providers.LLM.Model)

	for _, entry := range cfg.Providers.LLMFallbacks {
		p, err := reg.CreateLLM(entry)
		if err != nil {
			return nil, fmt.Errorf("create llm fallback %q: %w", entry.Name, err)
		}
		ps.LLMFallbacks = append(ps.LLMFallbacks, app.NamedLLM{Name: entry.Name, Provider: p})
		slog.Info("provider created", "kind", "llm_fallback", "name", entry.Name, "model", entry.Model)
	}

	if name := cfg.Providers.Transport.Name; name != "" {
		t, err := reg.CreateTransport(cfg.Providers.Transport)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("transport provider not registered, server-side joins disabled", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create transport provider %q: %w", name, err)
		} else {
			ps.Transport = t
			slog.Info("provider created", "kind", "transport", "name", name)
		}
	}

	return ps, nil
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
