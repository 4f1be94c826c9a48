package pipeline

import (
	"context"
	"fmt"

	"github.com/fortemi/fortemi/internal/job"
	"github.com/fortemi/fortemi/pkg/provider/llm"
	"github.com/fortemi/fortemi/pkg/storage"
	"github.com/fortemi/fortemi/pkg/types"
)

// revisionSystemPrompt instructs the model to improve a note's content
// without inventing facts the note doesn't already contain.
const revisionSystemPrompt = `You revise knowledge-base notes for clarity and structure. ` +
	`Preserve every factual claim; do not invent new ones. ` +
	`Use the neighbouring-note context only to avoid contradicting related notes, never to add content.`

// RevisionHandler implements the ai_revision job: it asks the configured
// LLM to produce an improved version of a note's content, grounded on
// spec.md §4.5's row "Calls the generation service with retrieved
// neighbour-context from search; writes a NoteRevision; emits a
// context_update job."
type RevisionHandler struct {
	deps Deps
}

// NewRevisionHandler constructs a RevisionHandler.
func NewRevisionHandler(deps Deps) *RevisionHandler {
	return &RevisionHandler{deps: deps.withDefaults()}
}

// CanHandle reports whether jobType is the ai_revision job.
func (h *RevisionHandler) CanHandle(jobType string) bool { return jobType == TypeAIRevision }

// Run executes one ai_revision job.
func (h *RevisionHandler) Run(ctx *job.Context) (job.Result, error) {
	noteID := ctx.NoteID
	if noteID == "" {
		return job.Result{}, fmt.Errorf("pipeline: ai_revision job %s: missing note_id in payload", ctx.JobID)
	}

	var content, neighbourSnippet string
	err := h.deps.Exec.Execute(ctx, ctx.Scope, func(txCtx context.Context, tx storage.Repos) error {
		note, original, err := tx.Notes().Get(txCtx, ctx.Scope, noteID)
		if err != nil {
			return fmt.Errorf("get note: %w", err)
		}
		if note == nil {
			return fmt.Errorf("note %q not found", noteID)
		}
		content = original.Content
		if snippet, ok := note.Metadata["neighbour_snippet"].(string); ok {
			neighbourSnippet = snippet
		}
		return nil
	})
	if err != nil {
		return job.Result{}, fmt.Errorf("pipeline: ai_revision: %w", err)
	}

	if err := ctx.Progress(10, "requesting revision from inference service"); err != nil {
		return job.Result{}, err
	}

	req := llm.CompletionRequest{
		SystemPrompt: revisionSystemPrompt,
		Messages: []types.Message{
			{Role: "user", Content: buildRevisionPrompt(content, neighbourSnippet)},
		},
		Temperature: 0.2,
	}

	var resp *llm.CompletionResponse
	if err := h.deps.LLMBreaker.Execute(func() error {
		r, cerr := h.deps.LLM.Complete(ctx, req)
		if cerr != nil {
			return cerr
		}
		resp = r
		return nil
	}); err != nil {
		return job.Result{}, fmt.Errorf("pipeline: ai_revision: generation call: %w", err)
	}

	if err := ctx.Progress(70, "writing revision"); err != nil {
		return job.Result{}, err
	}

	revID, err := newID()
	if err != nil {
		return job.Result{}, fmt.Errorf("pipeline: ai_revision: %w", err)
	}

	err = h.deps.Exec.Execute(ctx, ctx.Scope, func(txCtx context.Context, tx storage.Repos) error {
		return tx.Notes().AddRevision(txCtx, ctx.Scope, storage.NoteRevision{
			ID:        revID,
			NoteID:    noteID,
			Content:   resp.Content,
			Rationale: "ai_revision pipeline",
			ModelID:   h.deps.LLMModelID,
			AIMeta: storage.Bag{
				"prompt_tokens":     resp.Usage.PromptTokens,
				"completion_tokens": resp.Usage.CompletionTokens,
			},
		})
	})
	if err != nil {
		return job.Result{}, fmt.Errorf("pipeline: ai_revision: add revision: %w", err)
	}

	if _, err := h.deps.Jobs.Enqueue(ctx, ctx.Scope, TypeContextUpdate, storage.Bag{"note_id": noteID}, 0); err != nil {
		return job.Result{}, fmt.Errorf("pipeline: ai_revision: enqueue context_update: %w", err)
	}

	return job.Result{Payload: storage.Bag{"revision_id": revID}}, nil
}

func buildRevisionPrompt(content, neighbourSnippet string) string {
	if neighbourSnippet == "" {
		return "Revise the following note:\n\n" + content
	}
	return "Revise the following note. Related notes for context (do not restate them):\n\n" +
		neighbourSnippet + "\n\n---\n\n" + content
}
