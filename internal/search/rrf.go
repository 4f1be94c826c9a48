package search

import "sort"

// defaultRRFK is Cormack et al.'s reciprocal rank fusion constant.
const defaultRRFK = 60

// fuseRRF combines one or more ranked lists via Reciprocal Rank Fusion: the
// fused score of a hit is the sum over contributing lists of
// 1/(k+rank_in_list), with hits absent from a list contributing zero.
// Within each list, ties break by score descending before rank is assigned.
//
// Ordering of the fused output is descending fused score, tie-broken by
// earliest contributing rank, then by note id ascending, per spec.md §4.6
// step 4.
func fuseRRF(k int, lists ...[]scored) ([]scored, map[string][]string) {
	if k <= 0 {
		k = defaultRRFK
	}

	type acc struct {
		s         scored
		fused     float64
		bestRank  int
		sourceSet map[string]bool
	}
	byNote := make(map[string]*acc)

	for _, list := range lists {
		ranked := append([]scored(nil), list...)
		sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

		for i, s := range ranked {
			rank := i + 1
			a, ok := byNote[s.noteID]
			if !ok {
				a = &acc{s: s, bestRank: rank, sourceSet: map[string]bool{}}
				byNote[s.noteID] = a
			}
			a.fused += 1.0 / float64(k+rank)
			if rank < a.bestRank {
				a.bestRank = rank
			}
			if s.title != "" {
				a.s.title = s.title
			}
			a.sourceSet[s.source] = true
		}
	}

	out := make([]scored, 0, len(byNote))
	ranks := make(map[string]int, len(byNote))
	sources := make(map[string][]string, len(byNote))
	for id, a := range byNote {
		merged := a.s
		merged.score = a.fused
		out = append(out, merged)
		ranks[id] = a.bestRank
		for src := range a.sourceSet {
			sources[id] = append(sources[id], src)
		}
		sort.Strings(sources[id])
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		if ranks[out[i].noteID] != ranks[out[j].noteID] {
			return ranks[out[i].noteID] < ranks[out[j].noteID]
		}
		return out[i].noteID < out[j].noteID
	})

	return out, sources
}
