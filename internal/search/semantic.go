package search

import (
	"context"
	"fmt"

	"github.com/fortemi/fortemi/internal/resilience"
	"github.com/fortemi/fortemi/pkg/provider/embeddings"
	"github.com/fortemi/fortemi/pkg/storage"
)

// semanticOutcome carries both the retriever's hits and the coverage
// accounting spec.md §4.6 step 7 requires, even when the retriever was
// skipped entirely.
type semanticOutcome struct {
	hits      []scored
	set       *storage.EmbeddingSet
	embedded  int
	total     int
	skipped   bool
	skipWhy   string
}

// runSemantic executes the vector retriever, gated on the default
// embedding set's index status per spec.md §4.6 step 3/staleness handling.
// A failing embeddings provider is isolated by breaker: the caller degrades
// to FTS-only rather than failing the whole request.
func runSemantic(ctx context.Context, repos storage.Repos, scope storage.Scope, q string, limit int, breaker *resilience.FallbackGroup[embeddings.Provider]) (semanticOutcome, error) {
	set, err := repos.Embeddings().DefaultSet(ctx, scope)
	if err != nil {
		return semanticOutcome{}, fmt.Errorf("search: semantic retriever: default set: %w", err)
	}
	if set == nil || set.Status == storage.IndexEmpty || set.Status == storage.IndexDisabled {
		return semanticOutcome{skipped: true, skipWhy: "embedding index is empty or disabled"}, nil
	}

	embedded, total, err := repos.Embeddings().Coverage(ctx, scope, set.ID)
	if err != nil {
		return semanticOutcome{}, fmt.Errorf("search: semantic retriever: coverage: %w", err)
	}
	if embedded == 0 {
		return semanticOutcome{set: set, embedded: embedded, total: total, skipped: true, skipWhy: "no embeddings exist yet"}, nil
	}

	var vector []float32
	err = breaker.Execute(func(p embeddings.Provider) error {
		v, ferr := p.Embed(ctx, q)
		if ferr != nil {
			return ferr
		}
		vector = v
		return nil
	})
	if err != nil {
		return semanticOutcome{set: set, embedded: embedded, total: total}, fmt.Errorf("search: semantic retriever: embed query: %w", err)
	}

	annHits, err := repos.Embeddings().Search(ctx, scope, set.ID, vector, limit, "")
	if err != nil {
		return semanticOutcome{set: set, embedded: embedded, total: total}, fmt.Errorf("search: semantic retriever: ann search: %w", err)
	}

	out := make([]scored, 0, len(annHits))
	for _, h := range annHits {
		out = append(out, scored{
			noteID: h.Embedding.NoteID,
			score:  1 - h.Distance,
			source: "semantic",
			chunk:  h.Embedding.ChunkIndex,
		})
	}

	return semanticOutcome{hits: out, set: set, embedded: embedded, total: total}, nil
}
