package search

import (
	"context"
	"fmt"
	"strings"

	"github.com/fortemi/fortemi/internal/ferrors"
	"github.com/fortemi/fortemi/internal/resilience"
	"github.com/fortemi/fortemi/pkg/provider/embeddings"
	"github.com/fortemi/fortemi/pkg/storage"
)

// defaultLimit bounds a query when the caller does not set one.
const defaultLimit = 20

// snippetLen bounds how much note content is echoed back per hit.
const snippetLen = 240

// Deps bundles the Engine's collaborators.
type Deps struct {
	Exec             storage.Executor
	EmbeddingBreaker *resilience.FallbackGroup[embeddings.Provider]
	RRFK             int
}

func (d Deps) withDefaults() Deps {
	if d.RRFK <= 0 {
		d.RRFK = defaultRRFK
	}
	return d
}

// Engine implements the hybrid search pipeline described in spec.md §4.6.
type Engine struct {
	deps Deps
}

// NewEngine constructs an Engine.
func NewEngine(deps Deps) *Engine {
	return &Engine{deps: deps.withDefaults()}
}

// Search runs one query against scope's archive (or, for [ModeFederated],
// against every archive named in q.Memory).
func (e *Engine) Search(ctx context.Context, scope storage.Scope, q Query) (Result, error) {
	if q.Q == "" {
		return Result{}, ferrors.New(ferrors.Validation, "search", "query text must not be empty")
	}
	if q.Limit <= 0 {
		q.Limit = defaultLimit
	}

	if q.Mode == ModeFederated {
		archives := q.Memory
		if len(archives) == 0 {
			archives = []string{scope.Archive}
		}
		return e.federatedSearch(ctx, q, archives)
	}

	var result Result
	err := e.deps.Exec.Execute(ctx, scope, func(txCtx context.Context, tx storage.Repos) error {
		var err error
		result, err = e.searchTx(txCtx, tx, scope, q)
		return err
	})
	if err != nil {
		return Result{}, fmt.Errorf("search: %w", err)
	}
	return result, nil
}

func (e *Engine) searchTx(ctx context.Context, tx storage.Repos, scope storage.Scope, q Query) (Result, error) {
	switch q.Mode {
	case ModeSpatial:
		return e.runSpatial(ctx, tx, scope, q)
	case ModeTemporal:
		return e.runTemporal(ctx, tx, scope, q)
	case ModeSpatialTemporal:
		return e.runSpatial(ctx, tx, scope, q)
	case ModeFTS:
		fts, err := runFTS(ctx, tx, scope, q.Q, q.Limit*2)
		if err != nil {
			return Result{}, err
		}
		return e.finish(ctx, tx, scope, q, fts, nil, Coverage{})
	case ModeSemantic:
		return e.runSemanticOnly(ctx, tx, scope, q)
	case ModeHybrid:
		return e.runHybrid(ctx, tx, scope, q)
	default:
		return Result{}, ferrors.Newf(ferrors.Validation, "search", "unknown search mode %q", q.Mode)
	}
}

func (e *Engine) runSemanticOnly(ctx context.Context, tx storage.Repos, scope storage.Scope, q Query) (Result, error) {
	outcome, err := runSemantic(ctx, tx, scope, q.Q, q.Limit*2, e.deps.EmbeddingBreaker)
	cov := buildCoverage(0, outcome.embedded, outcome.total)
	if err != nil {
		return Result{}, err
	}
	return e.finish(ctx, tx, scope, q, outcome.hits, nil, cov)
}

func (e *Engine) runHybrid(ctx context.Context, tx storage.Repos, scope storage.Scope, q Query) (Result, error) {
	fts, ftsErr := runFTS(ctx, tx, scope, q.Q, q.Limit*2)
	if ftsErr != nil {
		return Result{}, ftsErr
	}

	outcome, semErr := runSemantic(ctx, tx, scope, q.Q, q.Limit*2, e.deps.EmbeddingBreaker)
	var warnings []string
	var semanticHits []scored
	cov := Coverage{}

	switch {
	case semErr != nil:
		// Retriever-level isolation: semantic failed (e.g. inference
		// service down), degrade to FTS-only rather than failing the
		// whole request (spec.md §4.6 failure model).
		warnings = append(warnings, fmt.Sprintf("semantic retriever unavailable, falling back to full-text only: %v", semErr))
	case outcome.skipped:
		warnings = append(warnings, "semantic retriever skipped: "+outcome.skipWhy)
	default:
		semanticHits = outcome.hits
		cov = buildCoverage(len(fts), outcome.embedded, outcome.total)
	}

	fused, sources := fuseRRF(e.deps.RRFK, fts, semanticHits)
	return e.finishWithSources(ctx, tx, scope, q, fused, sources, cov, warnings)
}

func (e *Engine) runSpatial(ctx context.Context, tx storage.Repos, scope storage.Scope, q Query) (Result, error) {
	if q.Location == nil {
		return Result{}, ferrors.New(ferrors.Validation, "search", "spatial mode requires a location")
	}
	near, err := tx.Notes().NearLocation(ctx, scope, q.Location.Lat, q.Location.Lon, q.Location.RadiusKM, q.Limit*2)
	if err != nil {
		return Result{}, fmt.Errorf("spatial retriever: %w", err)
	}

	var hits []Hit
	for _, nd := range near {
		if !noteMatchesFilters(ctx, tx, scope, nd.Note, q) {
			continue
		}
		hits = append(hits, Hit{
			NoteID:  nd.Note.ID,
			Title:   nd.Note.Title,
			Snippet: fmt.Sprintf("%.2f km away", nd.DistanceKM),
			Score:   1.0 / (1.0 + nd.DistanceKM),
			Sources: []string{"spatial"},
		})
		if len(hits) >= q.Limit {
			break
		}
	}
	return Result{Hits: hits}, nil
}

func (e *Engine) runTemporal(ctx context.Context, tx storage.Repos, scope storage.Scope, q Query) (Result, error) {
	filter := storage.NoteFilter{Limit: q.Limit * 2}
	if q.DateRange != nil {
		if !q.DateRange.From.IsZero() {
			filter.DateFrom = &q.DateRange.From
		}
		if !q.DateRange.To.IsZero() {
			filter.DateTo = &q.DateRange.To
		}
	}
	if q.Collection != "" {
		filter.CollectionID = q.Collection
	}

	list, err := tx.Notes().List(ctx, scope, filter)
	if err != nil {
		return Result{}, fmt.Errorf("temporal retriever: %w", err)
	}

	var hits []Hit
	for i, n := range list.Notes {
		if !noteMatchesFilters(ctx, tx, scope, n, q) {
			continue
		}
		hits = append(hits, Hit{
			NoteID:  n.ID,
			Title:   n.Title,
			Score:   1.0 / float64(i+1),
			Sources: []string{"temporal"},
		})
		if len(hits) >= q.Limit {
			break
		}
	}
	return Result{Hits: hits}, nil
}

// finish dedups, tag-filters, and assembles Hits from a single ranked list
// with a single implicit source.
func (e *Engine) finish(ctx context.Context, tx storage.Repos, scope storage.Scope, q Query, ranked []scored, warnings []string, cov Coverage) (Result, error) {
	sources := make(map[string][]string, len(ranked))
	for _, s := range ranked {
		sources[s.noteID] = []string{s.source}
	}
	return e.finishWithSources(ctx, tx, scope, q, ranked, sources, cov, warnings)
}

func (e *Engine) finishWithSources(ctx context.Context, tx storage.Repos, scope storage.Scope, q Query, ranked []scored, sources map[string][]string, cov Coverage, warnings []string) (Result, error) {
	deduped, siblings := dedupChunks(ranked)

	var hits []Hit
	for _, s := range deduped {
		note, original, err := tx.Notes().Get(ctx, scope, s.noteID)
		if err != nil {
			return Result{}, fmt.Errorf("fetch note %s: %w", s.noteID, err)
		}
		if note == nil || note.DeletedAt != nil {
			continue
		}
		if !noteMatchesFilters(ctx, tx, scope, *note, q) {
			continue
		}

		hits = append(hits, Hit{
			NoteID:   note.ID,
			Title:    note.Title,
			Snippet:  snippetOf(original),
			Score:    s.score,
			Sources:  sources[s.noteID],
			Siblings: siblings[s.noteID],
		})
		if len(hits) >= q.Limit {
			break
		}
	}

	cov.MatchedDocuments = len(hits)
	if cov.MatchedDocuments == 0 && cov.EmbeddedDocuments == 0 {
		cov = buildCoverage(len(hits), 0, 0)
	}

	return Result{Hits: hits, Coverage: cov, Warnings: warnings}, nil
}

// noteMatchesFilters applies the collection and tag filters shared by every
// retrieval mode.
func noteMatchesFilters(ctx context.Context, tx storage.Repos, scope storage.Scope, note storage.Note, q Query) bool {
	if q.Collection != "" && note.CollectionID != q.Collection {
		return false
	}
	if q.DateRange != nil {
		if !q.DateRange.From.IsZero() && note.CreatedAt.Before(q.DateRange.From) {
			return false
		}
		if !q.DateRange.To.IsZero() && note.CreatedAt.After(q.DateRange.To) {
			return false
		}
	}
	if len(q.RequiredTags) > 0 || len(q.AnyTags) > 0 || len(q.ExcludedTags) > 0 {
		tags, err := tx.Tags().ForNote(ctx, scope, note.ID)
		if err != nil {
			return false
		}
		if !matchesTagFilters(tags, q) {
			return false
		}
	}
	return true
}

func snippetOf(original *storage.NoteOriginal) string {
	if original == nil {
		return ""
	}
	c := strings.TrimSpace(original.Content)
	if len(c) <= snippetLen {
		return c
	}
	return c[:snippetLen] + "…"
}
