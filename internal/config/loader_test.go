package config_test

import (
	"strings"
	"testing"

	"github.com/fortemi/fortemi/internal/config"
)

func TestValidate_NegativeJobMaxAttempts(t *testing.T) {
	t.Parallel()
	yaml := `
job:
  max_attempts: -3
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for negative job.max_attempts, got nil")
	}
	if !strings.Contains(err.Error(), "max_attempts") {
		t.Errorf("error should mention max_attempts, got: %v", err)
	}
}

func TestValidate_DefaultsAppliedOnEmptyDocument(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Webhook.MaxAttempts != 10 {
		t.Errorf("webhook.max_attempts default: got %d, want 10", cfg.Webhook.MaxAttempts)
	}
	if cfg.Webhook.AbandonAfterHours != 24 {
		t.Errorf("webhook.abandon_after_hours default: got %d, want 24", cfg.Webhook.AbandonAfterHours)
	}
	if cfg.Job.LeaseSeconds != 900 {
		t.Errorf("job.lease_seconds default: got %d, want 900 (15 min)", cfg.Job.LeaseSeconds)
	}
	if cfg.Job.WorkerIdleMS != 500 {
		t.Errorf("job.worker_idle_ms default: got %d, want 500", cfg.Job.WorkerIdleMS)
	}
	if cfg.Pipeline.LinkSimilarityThreshold != 0.70 {
		t.Errorf("pipeline.link_similarity_threshold default: got %v, want 0.70", cfg.Pipeline.LinkSimilarityThreshold)
	}
	if cfg.Pipeline.AutoEmbedBatchSize != 10 {
		t.Errorf("pipeline.auto_embed_batch_size default: got %d, want 10", cfg.Pipeline.AutoEmbedBatchSize)
	}
	if cfg.Pipeline.MaxLinksPerNote != 5 {
		t.Errorf("pipeline.max_links_per_note default: got %d, want 5", cfg.Pipeline.MaxLinksPerNote)
	}
	if cfg.Pipeline.HubInDegreeCap != 3 {
		t.Errorf("pipeline.hub_in_degree_cap default: got %d, want 3", cfg.Pipeline.HubInDegreeCap)
	}
}

func TestValidate_ExplicitValuesNotOverwritten(t *testing.T) {
	t.Parallel()
	yaml := `
search:
  rrf_k: 30
job:
  workers: 16
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Search.RRFK != 30 {
		t.Errorf("search.rrf_k: got %d, want 30 (explicit value should survive defaulting)", cfg.Search.RRFK)
	}
	if cfg.Job.Workers != 16 {
		t.Errorf("job.workers: got %d, want 16", cfg.Job.Workers)
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	// Sanity-check that the map is populated and scoped to LLM + embeddings.
	if len(config.ValidProviderNames) != 2 {
		t.Fatalf("ValidProviderNames should have exactly 2 kinds (llm, embeddings), got %d", len(config.ValidProviderNames))
	}
	llmNames := config.ValidProviderNames["llm"]
	if len(llmNames) == 0 {
		t.Fatal("ValidProviderNames[\"llm\"] should not be empty")
	}
	found := false
	for _, n := range llmNames {
		if n == "openai" {
			found = true
			break
		}
	}
	if !found {
		t.Error("ValidProviderNames[\"llm\"] should contain \"openai\"")
	}
}
