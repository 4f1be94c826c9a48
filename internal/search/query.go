// Package search implements Fortemi's hybrid search engine: per-mode
// retrievers (full-text, semantic, spatial/temporal filters), reciprocal
// rank fusion, chunk deduplication, coverage accounting, strict tag
// filtering, and federated multi-archive execution.
//
// The engine never talks to a concrete storage backend: it holds a
// storage.Executor plus an embeddings.Provider wrapped in a
// resilience.FallbackGroup (internal/pipeline's handlers use a single
// resilience.CircuitBreaker instead).
package search

import (
	"time"
)

// Mode selects which retrievers a query runs.
type Mode string

const (
	ModeFTS             Mode = "fts"
	ModeSemantic        Mode = "semantic"
	ModeHybrid          Mode = "hybrid"
	ModeSpatial         Mode = "spatial"
	ModeTemporal        Mode = "temporal"
	ModeSpatialTemporal Mode = "spatial_temporal"
	ModeFederated       Mode = "federated"
)

// DateRange bounds a query by user-visible timestamps. A zero time on
// either end means unbounded on that side.
type DateRange struct {
	From time.Time
	To   time.Time
}

// Location is a great-circle radius filter: point (Lat, Lon) plus a
// RadiusKM.
type Location struct {
	Lat      float64
	Lon      float64
	RadiusKM float64
}

// Query is the hybrid search engine's input, mirroring spec.md §4.6's
// query model.
type Query struct {
	Q    string
	Mode Mode

	RequiredTags []string
	AnyTags      []string
	ExcludedTags []string

	Collection string

	// Memory holds the archive names to search in ModeFederated; ["all"]
	// means every registered archive.
	Memory []string

	DateRange *DateRange
	Location  *Location

	Limit  int
	Offset int
}

// Hit is one ranked result: the owning note, its fused score, the
// retrievers that contributed to it, and sibling chunks from the same
// note that were deduplicated away.
type Hit struct {
	NoteID    string
	Title     string
	Snippet   string
	Score     float64
	Sources   []string
	Siblings  []SiblingHit
	Archive   string // set only in federated results
}

// SiblingHit is a chunk-level hit absorbed into a Hit during deduplication.
type SiblingHit struct {
	ChunkIndex int
	Score      float64
}

// Coverage reports how much of the corpus the semantic retriever actually
// indexed for this query, per spec.md §4.6 step 7.
type Coverage struct {
	MatchedDocuments  int
	EmbeddedDocuments int
	Percent           int
	Label             string
	Warning           string
}

// Result is the hybrid search engine's output.
type Result struct {
	Hits     []Hit
	Coverage Coverage
	Warnings []string
}
