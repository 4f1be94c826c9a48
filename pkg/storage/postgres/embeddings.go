package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/fortemi/fortemi/internal/ferrors"
	"github.com/fortemi/fortemi/pkg/storage"
)

type embeddingRepo struct{ db dbtx }

func (r embeddingRepo) CreateSet(ctx context.Context, _ storage.Scope, s storage.EmbeddingSet) error {
	const q = `
		INSERT INTO embedding_sets (id, name, slug, model_id, dimension, is_default, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	if _, err := r.db.Exec(ctx, q, s.ID, s.Name, s.Slug, s.ModelID, s.Dimension, s.IsDefault, s.Status,
		s.CreatedAt, s.UpdatedAt); err != nil {
		return fmt.Errorf("embeddings: create set: %w", err)
	}
	return nil
}

func (r embeddingRepo) GetSet(ctx context.Context, _ storage.Scope, id string) (*storage.EmbeddingSet, error) {
	const q = `
		SELECT id, name, slug, model_id, dimension, is_default, status, created_at, updated_at
		FROM embedding_sets WHERE id = $1`
	return r.scanSet(r.db.QueryRow(ctx, q, id))
}

func (r embeddingRepo) DefaultSet(ctx context.Context, _ storage.Scope) (*storage.EmbeddingSet, error) {
	const q = `
		SELECT id, name, slug, model_id, dimension, is_default, status, created_at, updated_at
		FROM embedding_sets WHERE is_default = true LIMIT 1`
	return r.scanSet(r.db.QueryRow(ctx, q))
}

func (r embeddingRepo) scanSet(row pgx.Row) (*storage.EmbeddingSet, error) {
	var s storage.EmbeddingSet
	err := row.Scan(&s.ID, &s.Name, &s.Slug, &s.ModelID, &s.Dimension, &s.IsDefault, &s.Status,
		&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("embeddings: scan set: %w", err)
	}
	return &s, nil
}

func (r embeddingRepo) ListSets(ctx context.Context, _ storage.Scope) ([]storage.EmbeddingSet, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, name, slug, model_id, dimension, is_default, status, created_at, updated_at
		FROM embedding_sets ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("embeddings: list sets: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (storage.EmbeddingSet, error) {
		var s storage.EmbeddingSet
		err := row.Scan(&s.ID, &s.Name, &s.Slug, &s.ModelID, &s.Dimension, &s.IsDefault, &s.Status,
			&s.CreatedAt, &s.UpdatedAt)
		return s, err
	})
	if err != nil {
		return nil, fmt.Errorf("embeddings: list sets scan: %w", err)
	}
	if out == nil {
		out = []storage.EmbeddingSet{}
	}
	return out, nil
}

func (r embeddingRepo) ListBySet(ctx context.Context, _ storage.Scope, setID string) ([]storage.Embedding, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, set_id, note_id, chunk_index, text_span, vector, model_id, created_at
		FROM embeddings WHERE set_id = $1 ORDER BY note_id, chunk_index`, setID)
	if err != nil {
		return nil, fmt.Errorf("embeddings: list by set: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (storage.Embedding, error) {
		var e storage.Embedding
		var vec pgvector.Vector
		if err := row.Scan(&e.ID, &e.SetID, &e.NoteID, &e.ChunkIndex, &e.TextSpan, &vec, &e.ModelID, &e.CreatedAt); err != nil {
			return storage.Embedding{}, err
		}
		e.Vector = vec.Slice()
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("embeddings: list by set scan: %w", err)
	}
	if out == nil {
		out = []storage.Embedding{}
	}
	return out, nil
}

func (r embeddingRepo) SetStatus(ctx context.Context, _ storage.Scope, setID string, status storage.IndexStatus) error {
	if _, err := r.db.Exec(ctx, `UPDATE embedding_sets SET status = $2, updated_at = now() WHERE id = $1`, setID, status); err != nil {
		return fmt.Errorf("embeddings: set status: %w", err)
	}
	return nil
}

// Insert stores e. The caller is responsible for checking e.Vector's
// length against the owning set's dimension before calling Insert;
// Postgres itself enforces the column's fixed vector(N) type. Insert wraps
// every insert error as [ferrors.EmbeddingDimensionMismatch], whatever its
// cause.
func (r embeddingRepo) Insert(ctx context.Context, _ storage.Scope, e storage.Embedding) error {
	const q = `
		INSERT INTO embeddings (id, set_id, note_id, chunk_index, text_span, vector, model_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	vec := pgvector.NewVector(e.Vector)
	if _, err := r.db.Exec(ctx, q, e.ID, e.SetID, e.NoteID, e.ChunkIndex, e.TextSpan, vec, e.ModelID, e.CreatedAt); err != nil {
		return ferrors.Wrap(ferrors.EmbeddingDimensionMismatch, "embeddings", "insert", err)
	}
	return nil
}

func (r embeddingRepo) ForNote(ctx context.Context, _ storage.Scope, noteID string) ([]storage.Embedding, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, set_id, note_id, chunk_index, text_span, vector, model_id, created_at
		FROM embeddings WHERE note_id = $1 ORDER BY chunk_index`, noteID)
	if err != nil {
		return nil, fmt.Errorf("embeddings: for note: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (storage.Embedding, error) {
		var e storage.Embedding
		var vec pgvector.Vector
		if err := row.Scan(&e.ID, &e.SetID, &e.NoteID, &e.ChunkIndex, &e.TextSpan, &vec, &e.ModelID, &e.CreatedAt); err != nil {
			return storage.Embedding{}, err
		}
		e.Vector = vec.Slice()
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("embeddings: for note scan: %w", err)
	}
	if out == nil {
		out = []storage.Embedding{}
	}
	return out, nil
}

func (r embeddingRepo) DeleteForNote(ctx context.Context, _ storage.Scope, noteID string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM embeddings WHERE note_id = $1`, noteID); err != nil {
		return fmt.Errorf("embeddings: delete for note: %w", err)
	}
	return nil
}

func (r embeddingRepo) Coverage(ctx context.Context, _ storage.Scope, setID string) (int, int, error) {
	var embedded int
	if err := r.db.QueryRow(ctx, `
		SELECT count(DISTINCT note_id) FROM embeddings WHERE set_id = $1`, setID).Scan(&embedded); err != nil {
		return 0, 0, fmt.Errorf("embeddings: coverage embedded: %w", err)
	}
	var total int
	if err := r.db.QueryRow(ctx, `SELECT count(*) FROM notes WHERE deleted_at IS NULL`).Scan(&total); err != nil {
		return 0, 0, fmt.Errorf("embeddings: coverage total: %w", err)
	}
	return embedded, total, nil
}

// Search performs ANN top-K cosine-distance search within setID, optionally
// excluding all chunks belonging to excludeNoteID (the auto-linker uses
// this so a note never neighbours itself).
func (r embeddingRepo) Search(ctx context.Context, _ storage.Scope, setID string, vector []float32, topK int, excludeNoteID string) ([]storage.EmbeddingHit, error) {
	queryVec := pgvector.NewVector(vector)

	args := []any{queryVec, setID}
	exclude := ""
	if excludeNoteID != "" {
		args = append(args, excludeNoteID)
		exclude = fmt.Sprintf("AND note_id != $%d", len(args))
	}
	args = append(args, topK)
	limitArg := fmt.Sprintf("$%d", len(args))

	q := fmt.Sprintf(`
		SELECT id, set_id, note_id, chunk_index, text_span, vector, model_id, created_at,
		       vector <=> $1 AS distance
		FROM   embeddings
		WHERE  set_id = $2 %s
		ORDER  BY distance
		LIMIT  %s`, exclude, limitArg)

	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("embeddings: search: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (storage.EmbeddingHit, error) {
		var hit storage.EmbeddingHit
		var vec pgvector.Vector
		if err := row.Scan(&hit.Embedding.ID, &hit.Embedding.SetID, &hit.Embedding.NoteID,
			&hit.Embedding.ChunkIndex, &hit.Embedding.TextSpan, &vec, &hit.Embedding.ModelID,
			&hit.Embedding.CreatedAt, &hit.Distance); err != nil {
			return storage.EmbeddingHit{}, err
		}
		hit.Embedding.Vector = vec.Slice()
		return hit, nil
	})
	if err != nil {
		return nil, fmt.Errorf("embeddings: search scan: %w", err)
	}
	if out == nil {
		out = []storage.EmbeddingHit{}
	}
	return out, nil
}
