package pipeline

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/fortemi/fortemi/internal/job"
	"github.com/fortemi/fortemi/pkg/storage"
)

// maxNeighbourLinks/maxSiblingNotes bound how much text is folded into the
// cached neighbour snippet, keeping it small enough to always fit ahead of
// the user content in a revision prompt.
const (
	maxNeighbourLinks = 5
	maxSiblingNotes   = 5
)

// ContextHandler implements the context_update job: pure derived data
// recomputation (crash-safe to redo) that fetches a note's current links,
// its most recent revision, and its collection siblings concurrently with
// an errgroup fan-out, and combines them into a cached "neighbour snippet" stored on the note's
// metadata bag for the next ai_revision run to consume.
type ContextHandler struct {
	deps Deps
}

// NewContextHandler constructs a ContextHandler.
func NewContextHandler(deps Deps) *ContextHandler {
	return &ContextHandler{deps: deps.withDefaults()}
}

// CanHandle reports whether jobType is the context_update job.
func (h *ContextHandler) CanHandle(jobType string) bool { return jobType == TypeContextUpdate }

// Run executes one context_update job.
func (h *ContextHandler) Run(ctx *job.Context) (job.Result, error) {
	noteID := ctx.NoteID
	if noteID == "" {
		return job.Result{}, fmt.Errorf("pipeline: context_update job %s: missing note_id in payload", ctx.JobID)
	}

	var snippet string
	err := h.deps.Exec.Execute(ctx, ctx.Scope, func(txCtx context.Context, tx storage.Repos) error {
		note, _, err := tx.Notes().Get(txCtx, ctx.Scope, noteID)
		if err != nil {
			return fmt.Errorf("get note: %w", err)
		}
		if note == nil {
			return fmt.Errorf("note %q not found", noteID)
		}

		var (
			links    []storage.Link
			revision *storage.NoteRevision
			siblings []storage.Note
		)

		eg, egCtx := errgroup.WithContext(txCtx)

		eg.Go(func() error {
			l, err := tx.Links().Outgoing(egCtx, ctx.Scope, noteID)
			if err != nil {
				return fmt.Errorf("outgoing links: %w", err)
			}
			links = l
			return nil
		})

		eg.Go(func() error {
			r, err := tx.Notes().LatestRevision(egCtx, ctx.Scope, noteID)
			if err != nil {
				return fmt.Errorf("latest revision: %w", err)
			}
			revision = r
			return nil
		})

		eg.Go(func() error {
			if note.CollectionID == "" {
				return nil
			}
			list, err := tx.Notes().List(egCtx, ctx.Scope, storage.NoteFilter{
				CollectionID: note.CollectionID,
				Limit:        maxSiblingNotes + 1,
			})
			if err != nil {
				return fmt.Errorf("collection siblings: %w", err)
			}
			siblings = list.Notes
			return nil
		})

		if err := eg.Wait(); err != nil {
			return err
		}

		snippet = buildNeighbourSnippet(noteID, links, revision, siblings)
		merged := storage.Bag{}
		for k, v := range note.Metadata {
			merged[k] = v
		}
		merged["neighbour_snippet"] = snippet
		return tx.Notes().UpdateMetadata(txCtx, ctx.Scope, noteID, storage.NotePatch{Metadata: merged})
	})
	if err != nil {
		return job.Result{}, fmt.Errorf("pipeline: context_update: %w", err)
	}

	return job.Result{Payload: storage.Bag{"snippet_length": len(snippet)}}, nil
}

func buildNeighbourSnippet(noteID string, links []storage.Link, revision *storage.NoteRevision, siblings []storage.Note) string {
	var b strings.Builder

	if len(links) > 0 {
		b.WriteString("Linked notes: ")
		n := links
		if len(n) > maxNeighbourLinks {
			n = n[:maxNeighbourLinks]
		}
		for i, l := range n {
			if i > 0 {
				b.WriteString(", ")
			}
			if l.ToNote != "" {
				b.WriteString(l.ToNote)
			} else {
				b.WriteString(l.ToURL)
			}
		}
		b.WriteString(". ")
	}

	if revision != nil {
		b.WriteString("Most recent revision rationale: ")
		b.WriteString(revision.Rationale)
		b.WriteString(". ")
	}

	count := 0
	for _, s := range siblings {
		if s.ID == noteID {
			continue
		}
		if count == 0 {
			b.WriteString("Collection siblings: ")
		} else {
			b.WriteString(", ")
		}
		b.WriteString(s.Title)
		count++
		if count >= maxSiblingNotes {
			break
		}
	}

	return b.String()
}
