package search

import (
	"context"
	"fmt"

	"github.com/fortemi/fortemi/pkg/storage"
)

// scored is an internal ranked-list entry, the common currency between
// retrievers and [fuseRRF].
type scored struct {
	noteID  string
	title   string
	score   float64
	source  string
	chunk   int
}

// runFTS executes the lexical retriever: stemmed tsquery ranking, plus (for
// scripts where stemming is unsuitable) a trigram/bigram substring search
// merged in by taking, per note, the better of the two scores.
func runFTS(ctx context.Context, repos storage.Repos, scope storage.Scope, q string, limit int) ([]scored, error) {
	class := classifyScript(q)
	config := ftsConfigFor(class)

	hits, err := repos.Search().FTS(ctx, scope, q, config, limit)
	if err != nil {
		return nil, fmt.Errorf("search: fts retriever: %w", err)
	}

	byNote := make(map[string]scored, len(hits))
	for _, h := range hits {
		byNote[h.NoteID] = scored{noteID: h.NoteID, title: h.Title, score: h.Rank, source: "fts"}
	}

	if runsSubstringSearch(class) {
		var sub []storage.FTSHit
		if class == ScriptCJK {
			sub, err = repos.Search().Bigram(ctx, scope, q, limit)
		} else {
			sub, err = repos.Search().Trigram(ctx, scope, q, limit)
		}
		if err != nil {
			return nil, fmt.Errorf("search: substring retriever: %w", err)
		}
		for _, h := range sub {
			if existing, ok := byNote[h.NoteID]; !ok || h.Rank > existing.score {
				byNote[h.NoteID] = scored{noteID: h.NoteID, title: h.Title, score: h.Rank, source: "fts"}
			}
		}
	}

	out := make([]scored, 0, len(byNote))
	for _, s := range byNote {
		out = append(out, s)
	}
	return out, nil
}
