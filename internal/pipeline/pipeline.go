// Package pipeline implements Fortemi's enrichment job handlers: AI
// revision, title generation, embedding, auto-linking, and neighbour
// context refresh. Each handler satisfies [job.Handler] and is registered
// under its job type in a [job.Registry] by [RegisterAll].
//
// Handlers never talk to a concrete storage backend: every handler holds a
// storage.Executor plus whichever narrow provider interfaces it needs
// (llm.Provider, embeddings.Provider), wrapped in an
// internal/resilience.CircuitBreaker so a struggling inference backend
// degrades a job to retry-with-backoff instead of hanging a worker thread.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fortemi/fortemi/internal/knowledge"
	"github.com/fortemi/fortemi/internal/resilience"
	"github.com/fortemi/fortemi/pkg/provider/embeddings"
	"github.com/fortemi/fortemi/pkg/provider/llm"
	"github.com/fortemi/fortemi/pkg/storage"
)

// newID generates a time-ordered id, matching internal/knowledge's own
// UUIDv7 convention for every entity this package creates (NoteRevision,
// Embedding, Link).
func newID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("pipeline: generate id: %w", err)
	}
	return id.String(), nil
}

// JobEnqueuer is the narrow slice of job.Queue a handler needs to chain a
// follow-up job (e.g. embedding → linking). Satisfied structurally by
// *job.Queue without an import, the same dependency-inversion pattern
// internal/knowledge uses for its own JobEnqueuer.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, scope storage.Scope, jobType string, payload storage.Bag, priority int) (string, error)
}

// Deps bundles everything a handler in this package may need. Not every
// handler uses every field.
type Deps struct {
	Exec     storage.Executor
	Jobs     JobEnqueuer
	DocTypes *knowledge.DocTypeRegistry

	LLM        llm.Provider
	Embeddings embeddings.Provider

	// LLMModelID labels NoteRevision.ModelID; the llm.Provider interface
	// has no ModelID accessor of its own (only Capabilities()), so the
	// caller wiring this Deps names the model it configured the provider
	// with.
	LLMModelID string

	LLMBreaker       *resilience.CircuitBreaker
	EmbeddingBreaker *resilience.CircuitBreaker

	// EmbedBatchSize caps how many chunks are sent to the embeddings
	// provider per call. Default 10 (spec.md §4.5's back-pressure note).
	EmbedBatchSize int

	// AutoLinkTopK is how many ANN neighbours the linking handler
	// requests per embedding. Default 8 (spec.md §4.7's 5–10 range).
	AutoLinkTopK int

	// AutoLinkThreshold is the minimum cosine similarity (1 - distance)
	// for a candidate to become a link. Default 0.70.
	AutoLinkThreshold float64

	// MaxLinksPerNote caps how many auto-links a single linking job run
	// keeps for one note, enforcing topology discipline (spec.md §4.7
	// expansion: diversity-aware capping rather than unbounded fan-out).
	MaxLinksPerNote int

	// HubInDegreeCap is the current-incoming-link count at or above which a
	// candidate counts as a "hub" for topology discipline (spec.md §4.7
	// expansion): the linker prefers spreading new links across
	// low-in-degree candidates over repeatedly wiring into one popular
	// note. Default 3.
	HubInDegreeCap int
}

func (d Deps) withDefaults() Deps {
	if d.EmbedBatchSize <= 0 {
		d.EmbedBatchSize = 10
	}
	if d.AutoLinkTopK <= 0 {
		d.AutoLinkTopK = 8
	}
	if d.AutoLinkThreshold <= 0 {
		d.AutoLinkThreshold = 0.70
	}
	if d.MaxLinksPerNote <= 0 {
		d.MaxLinksPerNote = 5
	}
	if d.HubInDegreeCap <= 0 {
		d.HubInDegreeCap = 3
	}
	return d
}

// Job type tags, matching spec.md §4.5's trigger table.
const (
	TypeAIRevision      = "ai_revision"
	TypeTitleGeneration = "title_generation"
	TypeEmbedding       = "embedding"
	TypeLinking         = "linking"
	TypeContextUpdate   = "context_update"
)

// neighbourCacheTTL is how long a cached neighbour snippet is considered
// fresh. Handlers in this package do not enforce it, and it is not stored
// alongside the snippet.
const neighbourCacheTTL = 10 * time.Minute
