package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/fortemi/fortemi/pkg/storage"
)

type tagRepo struct{ db dbtx }

func (r tagRepo) Intern(ctx context.Context, _ storage.Scope, name string) error {
	name = strings.ToLower(strings.TrimSpace(name))
	_, err := r.db.Exec(ctx, `
		INSERT INTO tags (name) VALUES ($1)
		ON CONFLICT (name) DO NOTHING`, name)
	if err != nil {
		return fmt.Errorf("tags: intern: %w", err)
	}
	return nil
}

func (r tagRepo) Attach(ctx context.Context, scope storage.Scope, noteID, tag string, source storage.TagSource) error {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if err := r.Intern(ctx, scope, tag); err != nil {
		return err
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO note_tags (note_id, tag, source) VALUES ($1,$2,$3)
		ON CONFLICT (note_id, tag) DO UPDATE SET source = EXCLUDED.source`, noteID, tag, source)
	if err != nil {
		return fmt.Errorf("tags: attach: %w", err)
	}
	return nil
}

func (r tagRepo) Detach(ctx context.Context, _ storage.Scope, noteID, tag string) error {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if _, err := r.db.Exec(ctx, `DELETE FROM note_tags WHERE note_id = $1 AND tag = $2`, noteID, tag); err != nil {
		return fmt.Errorf("tags: detach: %w", err)
	}
	count, err := r.refCount(ctx, tag)
	if err != nil {
		return err
	}
	if count == 0 {
		if _, err := r.db.Exec(ctx, `DELETE FROM tags WHERE name = $1`, tag); err != nil {
			return fmt.Errorf("tags: delete orphan: %w", err)
		}
	}
	return nil
}

func (r tagRepo) ForNote(ctx context.Context, _ storage.Scope, noteID string) ([]storage.NoteTag, error) {
	rows, err := r.db.Query(ctx, `SELECT note_id, tag, source FROM note_tags WHERE note_id = $1 ORDER BY tag`, noteID)
	if err != nil {
		return nil, fmt.Errorf("tags: for note: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (storage.NoteTag, error) {
		var nt storage.NoteTag
		err := row.Scan(&nt.NoteID, &nt.Tag, &nt.Source)
		return nt, err
	})
	if err != nil {
		return nil, fmt.Errorf("tags: for note scan: %w", err)
	}
	if out == nil {
		out = []storage.NoteTag{}
	}
	return out, nil
}

func (r tagRepo) RefCount(ctx context.Context, _ storage.Scope, tag string) (int, error) {
	return r.refCount(ctx, tag)
}

func (r tagRepo) refCount(ctx context.Context, tag string) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `SELECT count(*) FROM note_tags WHERE tag = $1`, tag).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("tags: refcount: %w", err)
	}
	return n, nil
}

func (r tagRepo) ListAll(ctx context.Context, _ storage.Scope) ([]storage.Tag, error) {
	rows, err := r.db.Query(ctx, `SELECT name, created_at FROM tags ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("tags: list all: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (storage.Tag, error) {
		var t storage.Tag
		err := row.Scan(&t.Name, &t.CreatedAt)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("tags: list all scan: %w", err)
	}
	if out == nil {
		out = []storage.Tag{}
	}
	return out, nil
}

func (r tagRepo) Rename(ctx context.Context, scope storage.Scope, from, to string) error {
	from = strings.ToLower(strings.TrimSpace(from))
	to = strings.ToLower(strings.TrimSpace(to))
	if err := r.Intern(ctx, scope, to); err != nil {
		return err
	}
	if _, err := r.db.Exec(ctx, `
		INSERT INTO note_tags (note_id, tag, source)
		SELECT note_id, $2, source FROM note_tags WHERE tag = $1
		ON CONFLICT (note_id, tag) DO NOTHING`, from, to); err != nil {
		return fmt.Errorf("tags: rename copy: %w", err)
	}
	if _, err := r.db.Exec(ctx, `DELETE FROM note_tags WHERE tag = $1`, from); err != nil {
		return fmt.Errorf("tags: rename delete old: %w", err)
	}
	if _, err := r.db.Exec(ctx, `DELETE FROM tags WHERE name = $1`, from); err != nil {
		return fmt.Errorf("tags: rename delete tag row: %w", err)
	}
	return nil
}
