package pipeline_test

import (
	"testing"

	"github.com/fortemi/fortemi/internal/pipeline"
	"github.com/fortemi/fortemi/pkg/storage"
)

func TestGetTopologyStats_PrefersDiversityWhenEnoughNonHubCandidates(t *testing.T) {
	scores := map[string]float64{"a": 0.9, "b": 0.8, "c": 0.7, "d": 0.6}
	inDegree := map[string]int{"a": 5, "b": 0, "c": 1, "d": 2}

	ids, stats := pipeline.GetTopologyStats(scores, inDegree, 2, 3)

	if stats.Strategy != "diversity" {
		t.Fatalf("Strategy = %q, want diversity", stats.Strategy)
	}
	if stats.HubsSkipped != 1 {
		t.Fatalf("HubsSkipped = %d, want 1 (a is a hub)", stats.HubsSkipped)
	}
	if len(ids) != 2 || ids[0] != "b" || ids[1] != "c" {
		t.Fatalf("ids = %v, want [b c]", ids)
	}
	if stats.Accepted != 2 {
		t.Fatalf("Accepted = %d, want 2", stats.Accepted)
	}
}

func TestGetTopologyStats_FallsBackToTopKWhenTooFewNonHubCandidates(t *testing.T) {
	scores := map[string]float64{"a": 0.9, "b": 0.8, "c": 0.7}
	inDegree := map[string]int{"a": 5, "b": 4, "c": 0}

	ids, stats := pipeline.GetTopologyStats(scores, inDegree, 2, 3)

	if stats.Strategy != "top_k" {
		t.Fatalf("Strategy = %q, want top_k", stats.Strategy)
	}
	if stats.HubsAccepted != 1 {
		t.Fatalf("HubsAccepted = %d, want 1", stats.HubsAccepted)
	}
	if len(ids) != 2 || ids[0] != "c" || ids[1] != "a" {
		t.Fatalf("ids = %v, want [c a] (highest-scoring hub fills the quota)", ids)
	}
}

func TestGetTopologyStats_OrdersByDescendingScore(t *testing.T) {
	scores := map[string]float64{"a": 0.5, "b": 0.95, "c": 0.75}
	inDegree := map[string]int{}

	ids, stats := pipeline.GetTopologyStats(scores, inDegree, 3, 3)

	if len(ids) != 3 || ids[0] != "b" || ids[1] != "c" || ids[2] != "a" {
		t.Fatalf("ids = %v, want [b c a]", ids)
	}
	if stats.Strategy != "diversity" || stats.Accepted != 3 {
		t.Fatalf("stats = %+v, want diversity/3 accepted", stats)
	}
}

// TestLinkingHandler_CapsHubFanIn exercises the integration path: a note
// whose top candidates already have plenty of incoming links gets passed
// over in favour of a lower-scoring, lower-in-degree candidate, and the
// job result records which strategy ran.
func TestLinkingHandler_CapsHubFanIn(t *testing.T) {
	store := newMemStore()
	store.embeddings["n1"] = []storage.Embedding{{NoteID: "n1", SetID: "set1", Vector: []float32{1, 0}}}
	store.searchHits = []storage.EmbeddingHit{
		{Embedding: storage.Embedding{NoteID: "hub"}, Distance: 0.05},  // similarity 0.95
		{Embedding: storage.Embedding{NoteID: "rare"}, Distance: 0.20}, // similarity 0.80
	}
	for i := 0; i < 3; i++ {
		store.links[storageLinkID(i)] = storage.Link{
			ID: storageLinkID(i), FromNote: "other" + storageLinkID(i), ToNote: "hub", Kind: storage.LinkKindRelated,
		}
	}

	h := pipeline.NewLinkingHandler(pipeline.Deps{
		Exec: store, AutoLinkThreshold: 0.70, AutoLinkTopK: 8,
		MaxLinksPerNote: 1, HubInDegreeCap: 3,
	})
	jctx := mustContext(t, "n1", storage.Bag{"set_id": "set1"})

	result, err := h.Run(jctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Payload["topology_strategy"] != "diversity" {
		t.Fatalf("topology_strategy = %v, want diversity", result.Payload["topology_strategy"])
	}

	var linkedToHub, linkedToRare bool
	for _, l := range store.links {
		if l.FromNote == "n1" && l.ToNote == "hub" {
			linkedToHub = true
		}
		if l.FromNote == "n1" && l.ToNote == "rare" {
			linkedToRare = true
		}
	}
	if linkedToHub {
		t.Fatal("expected hub candidate to be skipped in favour of the non-hub candidate")
	}
	if !linkedToRare {
		t.Fatal("expected the non-hub candidate to receive the single available link slot")
	}
}

func storageLinkID(i int) string {
	return "seed-link-" + string(rune('a'+i))
}
