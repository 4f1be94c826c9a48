package pipeline

import (
	"context"
	"fmt"
	"sort"

	"github.com/fortemi/fortemi/internal/job"
	"github.com/fortemi/fortemi/pkg/storage"
)

// LinkingHandler implements the linking job: spec.md §4.7's auto-linker.
// On each run it loads the note's embeddings, queries the ANN index for
// its nearest neighbours, and upserts a bidirectional related-link for
// every candidate at or above the similarity threshold. Running the same
// job twice changes only scores, never which links exist (idempotent, per
// spec.md's explicit invariant).
type LinkingHandler struct {
	deps Deps
}

// NewLinkingHandler constructs a LinkingHandler.
func NewLinkingHandler(deps Deps) *LinkingHandler {
	return &LinkingHandler{deps: deps.withDefaults()}
}

// CanHandle reports whether jobType is the linking job.
func (h *LinkingHandler) CanHandle(jobType string) bool { return jobType == TypeLinking }

type linkCandidate struct {
	noteID string
	score  float64
}

// TopologyStats reports which selection strategy a linking job run actually
// used, per spec.md §4.7's "Topology discipline": [GetTopologyStats] labels
// a run `"diversity"` when enough low-in-degree candidates existed to fill
// maxLinks without touching a hub, or `"top_k"` when the hub cap had to be
// relaxed to make up the quota.
type TopologyStats struct {
	Strategy     string
	Candidates   int
	HubsSkipped  int
	HubsAccepted int
	Accepted     int
}

// GetTopologyStats selects up to maxLinks note ids from scores (candidate
// note id -> similarity), preferring candidates whose current in-degree is
// below hubCap — approximating spec.md §4.7's "diversity of neighbourhoods"
// heuristic by capping how many accepted links point at an already-popular
// note. If too few non-hub candidates exist to fill the quota, the cap is
// relaxed and the run is reported as "top_k" rather than "diversity". The
// returned ids list the non-hub picks by descending score, followed by any
// hubs admitted to fill the quota, also by descending score.
func GetTopologyStats(scores map[string]float64, inDegree map[string]int, maxLinks, hubCap int) ([]string, TopologyStats) {
	candidates := make([]linkCandidate, 0, len(scores))
	for id, score := range scores {
		candidates = append(candidates, linkCandidate{noteID: id, score: score})
	}
	sort.Slice(candidates, func(i, k int) bool { return candidates[i].score > candidates[k].score })

	stats := TopologyStats{Candidates: len(candidates), Strategy: "diversity"}

	var selected, hubOverflow []linkCandidate
	for _, c := range candidates {
		if len(selected) >= maxLinks {
			break
		}
		if inDegree[c.noteID] >= hubCap {
			hubOverflow = append(hubOverflow, c)
			stats.HubsSkipped++
			continue
		}
		selected = append(selected, c)
	}

	if len(selected) < maxLinks && len(hubOverflow) > 0 {
		stats.Strategy = "top_k"
		for _, c := range hubOverflow {
			if len(selected) >= maxLinks {
				break
			}
			selected = append(selected, c)
			stats.HubsAccepted++
		}
	}
	stats.Accepted = len(selected)

	ids := make([]string, len(selected))
	for i, c := range selected {
		ids[i] = c.noteID
	}
	return ids, stats
}

// Run executes one linking job.
func (h *LinkingHandler) Run(ctx *job.Context) (job.Result, error) {
	noteID := ctx.NoteID
	if noteID == "" {
		return job.Result{}, fmt.Errorf("pipeline: linking job %s: missing note_id in payload", ctx.JobID)
	}
	setID, _ := ctx.Payload["set_id"].(string)

	var candidates []linkCandidate
	topology := TopologyStats{Strategy: "diversity"}
	err := h.deps.Exec.Execute(ctx, ctx.Scope, func(txCtx context.Context, tx storage.Repos) error {
		embeds, err := tx.Embeddings().ForNote(txCtx, ctx.Scope, noteID)
		if err != nil {
			return fmt.Errorf("load embeddings: %w", err)
		}
		if len(embeds) == 0 {
			return nil
		}

		query := averageVector(embeds)
		resolvedSet := setID
		if resolvedSet == "" {
			resolvedSet = embeds[0].SetID
		}

		hits, err := tx.Embeddings().Search(txCtx, ctx.Scope, resolvedSet, query, h.deps.AutoLinkTopK, noteID)
		if err != nil {
			return fmt.Errorf("ann search: %w", err)
		}

		byNote := make(map[string]float64)
		for _, hit := range hits {
			similarity := 1 - hit.Distance
			if similarity < h.deps.AutoLinkThreshold {
				continue
			}
			if similarity > byNote[hit.Embedding.NoteID] {
				byNote[hit.Embedding.NoteID] = similarity
			}
		}

		inDegree := make(map[string]int, len(byNote))
		for n := range byNote {
			incoming, err := tx.Links().Incoming(txCtx, ctx.Scope, n)
			if err != nil {
				return fmt.Errorf("load in-degree for %s: %w", n, err)
			}
			inDegree[n] = len(incoming)
		}

		selectedIDs, stats := GetTopologyStats(byNote, inDegree, h.deps.MaxLinksPerNote, h.deps.HubInDegreeCap)
		topology = stats
		for _, id := range selectedIDs {
			candidates = append(candidates, linkCandidate{noteID: id, score: byNote[id]})
		}
		return nil
	})
	if err != nil {
		return job.Result{}, fmt.Errorf("pipeline: linking: %w", err)
	}

	if len(candidates) == 0 {
		return job.Result{Payload: storage.Bag{"links_created": 0, "topology_strategy": topology.Strategy}}, nil
	}

	err = h.deps.Exec.Execute(ctx, ctx.Scope, func(txCtx context.Context, tx storage.Repos) error {
		for _, c := range candidates {
			fwdID, err := newID()
			if err != nil {
				return err
			}
			if err := tx.Links().Upsert(txCtx, ctx.Scope, storage.Link{
				ID:       fwdID,
				FromNote: noteID,
				ToNote:   c.noteID,
				Kind:     storage.LinkKindRelated,
				Score:    c.score,
			}); err != nil {
				return fmt.Errorf("upsert forward link: %w", err)
			}

			revID, err := newID()
			if err != nil {
				return err
			}
			if err := tx.Links().Upsert(txCtx, ctx.Scope, storage.Link{
				ID:       revID,
				FromNote: c.noteID,
				ToNote:   noteID,
				Kind:     storage.LinkKindRelated,
				Score:    c.score,
			}); err != nil {
				return fmt.Errorf("upsert reverse link: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return job.Result{}, fmt.Errorf("pipeline: linking: %w", err)
	}

	return job.Result{Payload: storage.Bag{
		"links_created":     len(candidates),
		"topology_strategy": topology.Strategy,
	}}, nil
}

// averageVector returns the element-wise mean of every embedding's vector,
// used as the query vector when a note has more than one chunk (spec.md
// §4.7 step 2's "note-level averaged embedding" option).
func averageVector(embeds []storage.Embedding) []float32 {
	if len(embeds) == 1 {
		return embeds[0].Vector
	}
	dim := len(embeds[0].Vector)
	sum := make([]float64, dim)
	for _, e := range embeds {
		for i, v := range e.Vector {
			sum[i] += float64(v)
		}
	}
	avg := make([]float32, dim)
	for i, s := range sum {
		avg[i] = float32(s / float64(len(embeds)))
	}
	return avg
}
