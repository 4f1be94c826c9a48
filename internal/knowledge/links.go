package knowledge

import (
	"context"
	"fmt"
	"sort"

	"github.com/fortemi/fortemi/internal/ferrors"
	"github.com/fortemi/fortemi/pkg/storage"
)

// LinkNote creates a user link from fromNote to toNote (or to an external
// URL when toURL is set).
func (s *Service) LinkNote(ctx context.Context, scope storage.Scope, fromNote, toNote, toURL string) error {
	id, err := newID()
	if err != nil {
		return err
	}
	err = s.exec.Execute(ctx, scope, func(ctx context.Context, repos storage.Repos) error {
		return repos.Links().Create(ctx, scope, storage.Link{
			ID: id, FromNote: fromNote, ToNote: toNote, ToURL: toURL, Kind: storage.LinkKindUser,
		})
	})
	if err != nil {
		return fmt.Errorf("knowledge: link %s -> %s: %w", fromNote, toNote, err)
	}
	return nil
}

// UnlinkNote removes a user link by id.
func (s *Service) UnlinkNote(ctx context.Context, scope storage.Scope, linkID string) error {
	err := s.exec.Execute(ctx, scope, func(ctx context.Context, repos storage.Repos) error {
		return repos.Links().Delete(ctx, scope, linkID)
	})
	if err != nil {
		return fmt.Errorf("knowledge: unlink %s: %w", linkID, err)
	}
	return nil
}

// NoteLinks is the bidirectional pair returned by GetNoteLinks.
type NoteLinks struct {
	Outgoing []storage.Link
	Incoming []storage.Link
}

// GetNoteLinks returns both sides of a note's link pair.
func (s *Service) GetNoteLinks(ctx context.Context, scope storage.Scope, noteID string) (NoteLinks, error) {
	var nl NoteLinks
	err := s.exec.Execute(ctx, scope, func(ctx context.Context, repos storage.Repos) error {
		var err error
		nl.Outgoing, err = repos.Links().Outgoing(ctx, scope, noteID)
		if err != nil {
			return err
		}
		nl.Incoming, err = repos.Links().Incoming(ctx, scope, noteID)
		return err
	})
	if err != nil {
		return NoteLinks{}, fmt.Errorf("knowledge: get links for %s: %w", noteID, err)
	}
	return nl, nil
}

// GraphNode is one note visited by [Service.ExploreGraph].
type GraphNode struct {
	NoteID string
	Depth  int
}

// GraphEdge is one link traversed by [Service.ExploreGraph].
type GraphEdge struct {
	Link storage.Link
}

// GraphResult is the BFS traversal returned by [Service.ExploreGraph].
type GraphResult struct {
	Nodes []GraphNode
	Edges []GraphEdge
}

// ExploreGraph performs a breadth-first traversal from root, bounded by
// depth and maxNodes. Outgoing links are visited in insertion order; when
// several candidate targets tie, lower note ids are preferred. root is
// always included regardless of the bounds.
func (s *Service) ExploreGraph(ctx context.Context, scope storage.Scope, root string, depth, maxNodes int) (GraphResult, error) {
	visited := map[string]int{root: 0}
	order := []GraphNode{{NoteID: root, Depth: 0}}
	var edges []GraphEdge

	frontier := []string{root}
	for d := 0; d < depth && len(visited) < maxNodes && len(frontier) > 0; d++ {
		var next []string
		for _, noteID := range frontier {
			var outgoing []storage.Link
			err := s.exec.Execute(ctx, scope, func(ctx context.Context, repos storage.Repos) error {
				var err error
				outgoing, err = repos.Links().Outgoing(ctx, scope, noteID)
				return err
			})
			if err != nil {
				return GraphResult{}, fmt.Errorf("knowledge: explore graph from %s: %w", root, err)
			}

			sort.SliceStable(outgoing, func(i, j int) bool { return outgoing[i].ToNote < outgoing[j].ToNote })
			for _, link := range outgoing {
				if link.ToNote == "" {
					continue // external URL link, not a graph node
				}
				edges = append(edges, GraphEdge{Link: link})
				if _, seen := visited[link.ToNote]; seen {
					continue
				}
				if len(visited) >= maxNodes {
					continue
				}
				visited[link.ToNote] = d + 1
				order = append(order, GraphNode{NoteID: link.ToNote, Depth: d + 1})
				next = append(next, link.ToNote)
			}
		}
		frontier = next
	}

	return GraphResult{Nodes: order, Edges: edges}, nil
}

// SkosMerge reparents tag assignments from sourceIDs into targetID, marks
// the sources obsolete, and records an auditable merge-history row — all in
// one transaction.
func (s *Service) SkosMerge(ctx context.Context, scope storage.Scope, sourceIDs []string, targetID string) error {
	if len(sourceIDs) == 0 {
		return ferrors.New(ferrors.Validation, "knowledge", "merge requires at least one source concept")
	}
	err := s.exec.Execute(ctx, scope, func(ctx context.Context, repos storage.Repos) error {
		return repos.Skos().Merge(ctx, scope, sourceIDs, targetID)
	})
	if err != nil {
		return fmt.Errorf("knowledge: merge concepts into %s: %w", targetID, err)
	}
	return nil
}
