package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/fortemi/fortemi/pkg/storage"
)

// searchRepo implements [storage.SearchRepo], ranking both a note's original
// content and its latest revision so a re-written note doesn't lose FTS
// recall on its first-draft wording.
type searchRepo struct{ db dbtx }

func (r searchRepo) FTS(ctx context.Context, _ storage.Scope, q string, config storage.TextConfig, limit int) ([]storage.FTSHit, error) {
	if limit <= 0 {
		limit = 50
	}
	if config == "" {
		config = storage.TextConfigEnglish
	}

	// Rank the original content and the latest revision (if any) separately
	// and keep the better of the two per note, since to_tsvector(config, …)
	// only matches the GIN index when config == 'english' — every other
	// config falls back to a sequential scan, an accepted simplicity
	// tradeoff over maintaining one index per supported language.
	const q1 = `
		WITH latest_rev AS (
			SELECT DISTINCT ON (note_id) note_id, content
			FROM note_revisions
			ORDER BY note_id, created_at DESC
		),
		scored AS (
			SELECT o.note_id AS id, 'original' AS source,
			       ts_rank(to_tsvector($1::regconfig, o.content), plainto_tsquery($1::regconfig, $2)) AS rank
			FROM note_originals o
			JOIN notes n ON n.id = o.note_id
			WHERE n.deleted_at IS NULL
			  AND to_tsvector($1::regconfig, o.content) @@ plainto_tsquery($1::regconfig, $2)
			UNION ALL
			SELECT r.note_id AS id, 'revision' AS source,
			       ts_rank(to_tsvector($1::regconfig, r.content), plainto_tsquery($1::regconfig, $2)) AS rank
			FROM latest_rev r
			JOIN notes n ON n.id = r.note_id
			WHERE n.deleted_at IS NULL
			  AND to_tsvector($1::regconfig, r.content) @@ plainto_tsquery($1::regconfig, $2)
		),
		best AS (
			SELECT DISTINCT ON (id) id, source, rank FROM scored ORDER BY id, rank DESC
		)
		SELECT b.id, b.source, b.rank, n.title
		FROM best b
		JOIN notes n ON n.id = b.id
		ORDER BY b.rank DESC, b.id ASC
		LIMIT $3`

	rows, err := r.db.Query(ctx, q1, string(config), q, limit)
	if err != nil {
		return nil, fmt.Errorf("search: fts: %w", err)
	}
	hits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (storage.FTSHit, error) {
		var h storage.FTSHit
		err := row.Scan(&h.NoteID, &h.Source, &h.Rank, &h.Title)
		return h, err
	})
	if err != nil {
		return nil, fmt.Errorf("search: fts scan: %w", err)
	}
	return hits, nil
}

func (r searchRepo) Trigram(ctx context.Context, _ storage.Scope, q string, limit int) ([]storage.FTSHit, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `
		SELECT n.id, 'original', similarity(o.content, $1), n.title
		FROM note_originals o
		JOIN notes n ON n.id = o.note_id
		WHERE n.deleted_at IS NULL
		  AND o.content % $1
		ORDER BY similarity(o.content, $1) DESC, n.id ASC
		LIMIT $2`
	return r.collectFTS(ctx, query, q, limit)
}

func (r searchRepo) Bigram(ctx context.Context, scope storage.Scope, q string, limit int) ([]storage.FTSHit, error) {
	// PostgreSQL's pg_trgm operates on trigrams regardless of script; for
	// CJK text without whitespace, similarity() already behaves like a
	// bigram/shingle comparison, so Bigram reuses the same trigram query
	// rather than maintaining a second index, documented in DESIGN.md.
	return r.Trigram(ctx, scope, q, limit)
}

func (r searchRepo) collectFTS(ctx context.Context, query, q string, limit int) ([]storage.FTSHit, error) {
	rows, err := r.db.Query(ctx, query, q, limit)
	if err != nil {
		return nil, fmt.Errorf("search: substring search: %w", err)
	}
	hits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (storage.FTSHit, error) {
		var h storage.FTSHit
		err := row.Scan(&h.NoteID, &h.Source, &h.Rank, &h.Title)
		return h, err
	})
	if err != nil {
		return nil, fmt.Errorf("search: substring search scan: %w", err)
	}
	return hits, nil
}
