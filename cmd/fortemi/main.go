// Command fortemi is the main entry point for the Fortemi knowledge base
// server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fortemi/fortemi/internal/app"
	"github.com/fortemi/fortemi/internal/config"
	"github.com/fortemi/fortemi/pkg/provider/embeddings"
	"github.com/fortemi/fortemi/pkg/provider/embeddings/ollama"
	embopenai "github.com/fortemi/fortemi/pkg/provider/embeddings/openai"
	"github.com/fortemi/fortemi/pkg/provider/llm"
	"github.com/fortemi/fortemi/pkg/provider/llm/anyllm"
	llmopenai "github.com/fortemi/fortemi/pkg/provider/llm/openai"
	anyllmlib "github.com/mozilla-ai/any-llm-go"
)

type llmIface = llm.Provider
type embIface = embeddings.Provider

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
			fmt.Fprintf(os.Stderr, "fortemi: config file %q not found — create it or pass -config\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "fortemi: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("fortemi starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"default_archive", cfg.Archive.Default,
	)

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	// ── Application wiring ────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders registers the LLM and embedding provider
// factories that ship with Fortemi. anyllm fronts the chat-completion
// backends any-llm-go supports directly (openai, anthropic, gemini, ollama,
// deepseek, mistral, groq, llamacpp, llamafile); openai and ollama also get
// dedicated embeddings factories since any-llm-go does not cover embeddings.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterLLM("openai", func(e config.ProviderEntry) (llmIface, error) {
		opts := anyllmOpts(e)
		return anyllm.NewOpenAI(e.Model, opts...)
	})
	reg.RegisterLLM("anthropic", func(e config.ProviderEntry) (llmIface, error) {
		opts := anyllmOpts(e)
		return anyllm.NewAnthropic(e.Model, opts...)
	})
	reg.RegisterLLM("gemini", func(e config.ProviderEntry) (llmIface, error) {
		opts := anyllmOpts(e)
		return anyllm.NewGemini(e.Model, opts...)
	})
	reg.RegisterLLM("ollama", func(e config.ProviderEntry) (llmIface, error) {
		opts := anyllmOpts(e)
		return anyllm.NewOllama(e.Model, opts...)
	})
	reg.RegisterLLM("deepseek", func(e config.ProviderEntry) (llmIface, error) {
		opts := anyllmOpts(e)
		return anyllm.NewDeepSeek(e.Model, opts...)
	})
	reg.RegisterLLM("mistral", func(e config.ProviderEntry) (llmIface, error) {
		opts := anyllmOpts(e)
		return anyllm.NewMistral(e.Model, opts...)
	})
	reg.RegisterLLM("groq", func(e config.ProviderEntry) (llmIface, error) {
		opts := anyllmOpts(e)
		return anyllm.NewGroq(e.Model, opts...)
	})
	reg.RegisterLLM("llamacpp", func(e config.ProviderEntry) (llmIface, error) {
		opts := anyllmOpts(e)
		return anyllm.NewLlamaCpp(e.Model, opts...)
	})
	reg.RegisterLLM("llamafile", func(e config.ProviderEntry) (llmIface, error) {
		opts := anyllmOpts(e)
		return anyllm.NewLlamaFile(e.Model, opts...)
	})
	reg.RegisterLLM("openai-direct", func(e config.ProviderEntry) (llmIface, error) {
		var opts []llmopenai.Option
		if e.BaseURL != "" {
			opts = append(opts, llmopenai.WithBaseURL(e.BaseURL))
		}
		return llmopenai.New(e.APIKey, e.Model, opts...)
	})

	reg.RegisterEmbeddings("openai", func(e config.ProviderEntry) (embIface, error) {
		var opts []embopenai.Option
		if e.BaseURL != "" {
			opts = append(opts, embopenai.WithBaseURL(e.BaseURL))
		}
		return embopenai.New(e.APIKey, e.Model, opts...)
	})
	reg.RegisterEmbeddings("ollama", func(e config.ProviderEntry) (embIface, error) {
		baseURL := e.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		return ollama.New(baseURL, e.Model)
	})
}

// anyllmOpts translates a [config.ProviderEntry] into any-llm-go options.
func anyllmOpts(e config.ProviderEntry) []anyllmlib.Option {
	var opts []anyllmlib.Option
	if e.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(e.APIKey))
	}
	if e.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(e.BaseURL))
	}
	return opts
}

// buildProviders instantiates the LLM and embeddings providers named in cfg
// using the registry and returns them in an [app.Providers] struct.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	if name := cfg.Providers.LLM.Name; name != "" {
		p, err := reg.CreateLLM(cfg.Providers.LLM)
		if err != nil {
			return nil, fmt.Errorf("create llm provider %q: %w", name, err)
		}
		ps.LLM = p
		slog.Info("provider created", "kind", "llm", "name", name, "model", cfg.Providers.LLM.Model)
	}

	if name := cfg.Providers.Embeddings.Name; name != "" {
		p, err := reg.CreateEmbeddings(cfg.Providers.Embeddings)
		if err != nil {
			return nil, fmt.Errorf("create embeddings provider %q: %w", name, err)
		}
		ps.Embeddings = p
		slog.Info("provider created", "kind", "embeddings", "name", name, "model", cfg.Providers.Embeddings.Model)
	}

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Fortemi — startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("Embeddings", cfg.Providers.Embeddings.Name, cfg.Providers.Embeddings.Model)
	fmt.Printf("║  Default archive : %-19s ║\n", cfg.Archive.Default)
	fmt.Printf("║  Job workers     : %-19d ║\n", cfg.Job.Workers)
	fmt.Printf("║  Webhooks        : %-19t ║\n", cfg.Webhook.Enabled)
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
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
