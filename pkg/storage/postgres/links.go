package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/fortemi/fortemi/pkg/storage"
)

type linkRepo struct{ db dbtx }

func (r linkRepo) Create(ctx context.Context, _ storage.Scope, l storage.Link) error {
	const q = `
		INSERT INTO links (id, from_note, to_note, to_url, kind, score, metadata, created_at)
		VALUES ($1,$2,NULLIF($3,''),$4,$5,$6,$7,$8)`
	if _, err := r.db.Exec(ctx, q, l.ID, l.FromNote, l.ToNote, l.ToURL, l.Kind, l.Score,
		bagOrEmpty(l.Metadata), l.CreatedAt); err != nil {
		return fmt.Errorf("links: create: %w", err)
	}
	return nil
}

// Upsert inserts l, or if a link between the same (from_note, to_note)
// pair already exists, refreshes only its score and metadata. This is the
// primitive the auto-linker relies on for idempotent re-linking.
func (r linkRepo) Upsert(ctx context.Context, _ storage.Scope, l storage.Link) error {
	const q = `
		INSERT INTO links (id, from_note, to_note, to_url, kind, score, metadata, created_at)
		VALUES ($1,$2,NULLIF($3,''),$4,$5,$6,$7,$8)
		ON CONFLICT (from_note, to_note) DO UPDATE SET
		    score = EXCLUDED.score,
		    metadata = EXCLUDED.metadata`
	if _, err := r.db.Exec(ctx, q, l.ID, l.FromNote, l.ToNote, l.ToURL, l.Kind, l.Score,
		bagOrEmpty(l.Metadata), l.CreatedAt); err != nil {
		return fmt.Errorf("links: upsert: %w", err)
	}
	return nil
}

func (r linkRepo) Delete(ctx context.Context, _ storage.Scope, id string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM links WHERE id = $1`, id); err != nil {
		return fmt.Errorf("links: delete: %w", err)
	}
	return nil
}

func (r linkRepo) Outgoing(ctx context.Context, _ storage.Scope, noteID string) ([]storage.Link, error) {
	return r.query(ctx, `SELECT id, from_note, COALESCE(to_note,''), to_url, kind, score, metadata, created_at
		FROM links WHERE from_note = $1 ORDER BY score DESC, id`, noteID)
}

func (r linkRepo) Incoming(ctx context.Context, _ storage.Scope, noteID string) ([]storage.Link, error) {
	return r.query(ctx, `SELECT id, from_note, COALESCE(to_note,''), to_url, kind, score, metadata, created_at
		FROM links WHERE to_note = $1 ORDER BY score DESC, id`, noteID)
}

func (r linkRepo) Between(ctx context.Context, _ storage.Scope, fromNote, toNote string) (*storage.Link, error) {
	const q = `SELECT id, from_note, COALESCE(to_note,''), to_url, kind, score, metadata, created_at
		FROM links WHERE from_note = $1 AND to_note = $2`
	var l storage.Link
	err := r.db.QueryRow(ctx, q, fromNote, toNote).Scan(
		&l.ID, &l.FromNote, &l.ToNote, &l.ToURL, &l.Kind, &l.Score, &l.Metadata, &l.CreatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("links: between: %w", err)
	}
	return &l, nil
}

func (r linkRepo) ListAll(ctx context.Context, _ storage.Scope) ([]storage.Link, error) {
	rows, err := r.db.Query(ctx, `SELECT id, from_note, COALESCE(to_note,''), to_url, kind, score, metadata, created_at
		FROM links ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("links: list all: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (storage.Link, error) {
		var l storage.Link
		err := row.Scan(&l.ID, &l.FromNote, &l.ToNote, &l.ToURL, &l.Kind, &l.Score, &l.Metadata, &l.CreatedAt)
		return l, err
	})
	if err != nil {
		return nil, fmt.Errorf("links: list all scan: %w", err)
	}
	if out == nil {
		out = []storage.Link{}
	}
	return out, nil
}

func (r linkRepo) PurgeForNote(ctx context.Context, _ storage.Scope, noteID string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM links WHERE from_note = $1 OR to_note = $1`, noteID); err != nil {
		return fmt.Errorf("links: purge for note: %w", err)
	}
	return nil
}

func (r linkRepo) query(ctx context.Context, q, noteID string) ([]storage.Link, error) {
	rows, err := r.db.Query(ctx, q, noteID)
	if err != nil {
		return nil, fmt.Errorf("links: query: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (storage.Link, error) {
		var l storage.Link
		err := row.Scan(&l.ID, &l.FromNote, &l.ToNote, &l.ToURL, &l.Kind, &l.Score, &l.Metadata, &l.CreatedAt)
		return l, err
	})
	if err != nil {
		return nil, fmt.Errorf("links: scan: %w", err)
	}
	if out == nil {
		out = []storage.Link{}
	}
	return out, nil
}
