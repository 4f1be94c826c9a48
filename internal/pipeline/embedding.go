package pipeline

import (
	"context"
	"fmt"

	"github.com/fortemi/fortemi/internal/ferrors"
	"github.com/fortemi/fortemi/internal/job"
	"github.com/fortemi/fortemi/internal/knowledge"
	"github.com/fortemi/fortemi/pkg/storage"
)

// EmbeddingHandler implements the embedding job: spec.md §4.5's row
// "Chunks text (per Document-Type strategy), requests vectors from
// inference service in batches, inserts Embedding rows, marks the set's
// index status Ready; emits linking job for the originating note."
type EmbeddingHandler struct {
	deps Deps
}

// NewEmbeddingHandler constructs an EmbeddingHandler.
func NewEmbeddingHandler(deps Deps) *EmbeddingHandler {
	return &EmbeddingHandler{deps: deps.withDefaults()}
}

// CanHandle reports whether jobType is the embedding job.
func (h *EmbeddingHandler) CanHandle(jobType string) bool { return jobType == TypeEmbedding }

// Run executes one embedding job.
func (h *EmbeddingHandler) Run(ctx *job.Context) (job.Result, error) {
	noteID := ctx.NoteID
	if noteID == "" {
		return job.Result{}, fmt.Errorf("pipeline: embedding job %s: missing note_id in payload", ctx.JobID)
	}
	setID, _ := ctx.Payload["set_id"].(string)

	var (
		content  string
		filename string
		set      *storage.EmbeddingSet
	)
	err := h.deps.Exec.Execute(ctx, ctx.Scope, func(txCtx context.Context, tx storage.Repos) error {
		note, original, err := tx.Notes().Get(txCtx, ctx.Scope, noteID)
		if err != nil {
			return fmt.Errorf("get note: %w", err)
		}
		if note == nil {
			return fmt.Errorf("note %q not found", noteID)
		}
		content = original.Content
		if name, ok := note.Metadata["filename"].(string); ok {
			filename = name
		}

		if setID != "" {
			set, err = tx.Embeddings().GetSet(txCtx, ctx.Scope, setID)
		} else {
			set, err = tx.Embeddings().DefaultSet(txCtx, ctx.Scope)
		}
		if err != nil {
			return fmt.Errorf("resolve embedding set: %w", err)
		}
		if set == nil {
			return fmt.Errorf("embedding set %q not found", setID)
		}
		return tx.Embeddings().SetStatus(txCtx, ctx.Scope, set.ID, storage.IndexBuilding)
	})
	if err != nil {
		return job.Result{}, fmt.Errorf("pipeline: embedding: %w", err)
	}

	dt := h.deps.DocTypes.Detect(filename, content)
	chunks := knowledge.ChunkContent(content, dt)

	total := 0
	for batchStart := 0; batchStart < len(chunks); batchStart += h.deps.EmbedBatchSize {
		batchEnd := batchStart + h.deps.EmbedBatchSize
		if batchEnd > len(chunks) {
			batchEnd = len(chunks)
		}
		batch := chunks[batchStart:batchEnd]

		var vectors [][]float32
		if err := h.deps.EmbeddingBreaker.Execute(func() error {
			v, cerr := h.deps.Embeddings.EmbedBatch(ctx, batch)
			if cerr != nil {
				return cerr
			}
			vectors = v
			return nil
		}); err != nil {
			return job.Result{}, fmt.Errorf("pipeline: embedding: embed batch: %w", err)
		}
		if len(vectors) != len(batch) {
			return job.Result{}, fmt.Errorf("pipeline: embedding: provider returned %d vectors for %d chunks", len(vectors), len(batch))
		}

		err = h.deps.Exec.Execute(ctx, ctx.Scope, func(txCtx context.Context, tx storage.Repos) error {
			for i, vec := range vectors {
				if len(vec) != set.Dimension {
					return ferrors.Newf(ferrors.EmbeddingDimensionMismatch, "pipeline",
						"got vector length %d, set %q expects %d", len(vec), set.ID, set.Dimension)
				}
				id, err := newID()
				if err != nil {
					return err
				}
				if err := tx.Embeddings().Insert(txCtx, ctx.Scope, storage.Embedding{
					ID:         id,
					SetID:      set.ID,
					NoteID:     noteID,
					ChunkIndex: batchStart + i,
					TextSpan:   batch[i],
					Vector:     vec,
					ModelID:    set.ModelID,
				}); err != nil {
					return fmt.Errorf("insert embedding: %w", err)
				}
			}
			return nil
		})
		if err != nil {
			return job.Result{}, fmt.Errorf("pipeline: embedding: %w", err)
		}

		total += len(batch)
		percent := 10 + int(float64(total)/float64(len(chunks))*80)
		if err := ctx.Progress(percent, fmt.Sprintf("embedded %d/%d chunks", total, len(chunks))); err != nil {
			return job.Result{}, err
		}
	}

	err = h.deps.Exec.Execute(ctx, ctx.Scope, func(txCtx context.Context, tx storage.Repos) error {
		return tx.Embeddings().SetStatus(txCtx, ctx.Scope, set.ID, storage.IndexReady)
	})
	if err != nil {
		return job.Result{}, fmt.Errorf("pipeline: embedding: mark ready: %w", err)
	}

	if _, err := h.deps.Jobs.Enqueue(ctx, ctx.Scope, TypeLinking, storage.Bag{"note_id": noteID, "set_id": set.ID}, 0); err != nil {
		return job.Result{}, fmt.Errorf("pipeline: embedding: enqueue linking: %w", err)
	}

	return job.Result{Payload: storage.Bag{"chunks_embedded": total, "set_id": set.ID}}, nil
}
