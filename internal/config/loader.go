package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "openai-direct", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"embeddings": {"openai", "ollama"},
}

var validLogLevels = []LogLevel{LogDebug, LogInfo, LogWarn, LogError}

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
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills in zero-value fields with Fortemi's built-in defaults.
// Values explicitly set in the YAML document are never overwritten.
func applyDefaults(cfg *Config) {
	if cfg.Archive.Default == "" {
		cfg.Archive.Default = "public"
	}
	if cfg.Search.RRFK == 0 {
		cfg.Search.RRFK = 60
	}
	if cfg.Search.DefaultLimit == 0 {
		cfg.Search.DefaultLimit = 20
	}
	if cfg.Job.Workers == 0 {
		cfg.Job.Workers = 4
	}
	if cfg.Job.MaxAttempts == 0 {
		cfg.Job.MaxAttempts = 5
	}
	if cfg.Job.LeaseSeconds == 0 {
		cfg.Job.LeaseSeconds = 900
	}
	if cfg.Job.WorkerIdleMS == 0 {
		cfg.Job.WorkerIdleMS = 500
	}
	if cfg.Pipeline.LinkSimilarityThreshold == 0 {
		cfg.Pipeline.LinkSimilarityThreshold = 0.70
	}
	if cfg.Pipeline.AutoEmbedBatchSize == 0 {
		cfg.Pipeline.AutoEmbedBatchSize = 10
	}
	if cfg.Pipeline.MaxLinksPerNote == 0 {
		cfg.Pipeline.MaxLinksPerNote = 5
	}
	if cfg.Pipeline.HubInDegreeCap == 0 {
		cfg.Pipeline.HubInDegreeCap = 3
	}
	if cfg.Webhook.MaxAttempts == 0 {
		cfg.Webhook.MaxAttempts = 10
	}
	if cfg.Webhook.InitialBackoffSeconds == 0 {
		cfg.Webhook.InitialBackoffSeconds = 1
	}
	if cfg.Webhook.MaxBackoffSeconds == 0 {
		cfg.Webhook.MaxBackoffSeconds = 300
	}
	if cfg.Webhook.AbandonAfterHours == 0 {
		cfg.Webhook.AbandonAfterHours = 24
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !slices.Contains(validLogLevels, cfg.Server.LogLevel) {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)

	// Search ↔ embeddings dimension cross-validation
	if cfg.Providers.Embeddings.Name != "" && cfg.Search.EmbeddingDimensions <= 0 {
		slog.Warn("providers.embeddings is configured but search.embedding_dimensions is not set; defaulting to 1536")
	}

	// Job pool
	if cfg.Job.Workers < 0 {
		errs = append(errs, fmt.Errorf("job.workers must not be negative, got %d", cfg.Job.Workers))
	}
	if cfg.Job.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("job.max_attempts must not be negative, got %d", cfg.Job.MaxAttempts))
	}

	// Webhook backoff bounds
	if cfg.Webhook.Enabled && cfg.Webhook.InitialBackoffSeconds > cfg.Webhook.MaxBackoffSeconds {
		errs = append(errs, fmt.Errorf("webhook.initial_backoff_seconds (%d) must not exceed webhook.max_backoff_seconds (%d)",
			cfg.Webhook.InitialBackoffSeconds, cfg.Webhook.MaxBackoffSeconds))
	}

	// RRF constant
	if cfg.Search.RRFK < 0 {
		errs = append(errs, fmt.Errorf("search.rrf_k must not be negative, got %d", cfg.Search.RRFK))
	}

	return errors.Join(errs...)
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
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
