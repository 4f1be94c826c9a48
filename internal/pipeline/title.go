package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/fortemi/fortemi/internal/job"
	"github.com/fortemi/fortemi/pkg/storage"
)

// maxTitleLen caps the generated title length, matching
// internal/knowledge/notes.go's titleFromContent convention.
const maxTitleLen = 80

// TitleHandler implements the title_generation job: spec.md §4.5's row
// "Updates note.title from first revision if present, else from original
// content summary."
type TitleHandler struct {
	deps Deps
}

// NewTitleHandler constructs a TitleHandler.
func NewTitleHandler(deps Deps) *TitleHandler {
	return &TitleHandler{deps: deps.withDefaults()}
}

// CanHandle reports whether jobType is the title_generation job.
func (h *TitleHandler) CanHandle(jobType string) bool { return jobType == TypeTitleGeneration }

// Run executes one title_generation job.
func (h *TitleHandler) Run(ctx *job.Context) (job.Result, error) {
	noteID := ctx.NoteID
	if noteID == "" {
		return job.Result{}, fmt.Errorf("pipeline: title_generation job %s: missing note_id in payload", ctx.JobID)
	}

	err := h.deps.Exec.Execute(ctx, ctx.Scope, func(txCtx context.Context, tx storage.Repos) error {
		note, original, err := tx.Notes().Get(txCtx, ctx.Scope, noteID)
		if err != nil {
			return fmt.Errorf("get note: %w", err)
		}
		if note == nil {
			return fmt.Errorf("note %q not found", noteID)
		}

		source := original.Content
		if rev, err := tx.Notes().LatestRevision(txCtx, ctx.Scope, noteID); err != nil {
			return fmt.Errorf("latest revision: %w", err)
		} else if rev != nil {
			source = rev.Content
		}

		title := titleFromContent(source)
		return tx.Notes().UpdateMetadata(txCtx, ctx.Scope, noteID, storage.NotePatch{Title: &title})
	})
	if err != nil {
		return job.Result{}, fmt.Errorf("pipeline: title_generation: %w", err)
	}
	return job.Result{}, nil
}

// titleFromContent derives a title from the first non-empty line of
// content, with surrounding whitespace and leading '#' markers removed,
// truncated to maxTitleLen bytes. internal/knowledge/notes.go uses a
// simpler rule at note-creation time (the first line as is, blank or not),
// so the two can produce different titles for the same content.
func titleFromContent(content string) string {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "#")
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if len(line) > maxTitleLen {
			return line[:maxTitleLen]
		}
		return line
	}
	return "Untitled note"
}
