package search

import "sort"

// dedupChunks groups hits by their owning note (the "chain id" in spec.md
// §4.6 step 5 — in Fortemi's data model every chunk's chain id is simply
// its note id, since notes are the only chunked/chained document kind).
// For each group the highest-scoring hit survives as the representative;
// other chunks from the same note are attached as sibling evidence.
func dedupChunks(hits []scored) ([]scored, map[string][]SiblingHit) {
	type group struct {
		best     scored
		siblings []SiblingHit
	}
	byNote := make(map[string]*group)
	var order []string

	for _, h := range hits {
		g, ok := byNote[h.noteID]
		if !ok {
			g = &group{best: h}
			byNote[h.noteID] = g
			order = append(order, h.noteID)
			continue
		}
		if h.score > g.best.score {
			g.siblings = append(g.siblings, SiblingHit{ChunkIndex: g.best.chunk, Score: g.best.score})
			g.best = h
		} else {
			g.siblings = append(g.siblings, SiblingHit{ChunkIndex: h.chunk, Score: h.score})
		}
	}

	out := make([]scored, 0, len(order))
	siblingsByNote := make(map[string][]SiblingHit, len(order))
	for _, id := range order {
		g := byNote[id]
		out = append(out, g.best)
		if len(g.siblings) > 0 {
			sort.Slice(g.siblings, func(i, j int) bool { return g.siblings[i].Score > g.siblings[j].Score })
			siblingsByNote[id] = g.siblings
		}
	}

	return out, siblingsByNote
}
