package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/fortemi/fortemi/internal/ferrors"
	"github.com/fortemi/fortemi/pkg/storage"
)

type collectionRepo struct{ db dbtx }

func (r collectionRepo) Create(ctx context.Context, _ storage.Scope, c storage.Collection) error {
	const q = `
		INSERT INTO collections (id, name, description, parent_id, created_at)
		VALUES ($1,$2,$3,NULLIF($4,''),$5)`
	if _, err := r.db.Exec(ctx, q, c.ID, c.Name, c.Description, c.ParentID, c.CreatedAt); err != nil {
		return fmt.Errorf("collections: create: %w", err)
	}
	return nil
}

func (r collectionRepo) Get(ctx context.Context, _ storage.Scope, id string) (*storage.Collection, error) {
	const q = `
		SELECT id, name, description, COALESCE(parent_id,''), created_at
		FROM collections WHERE id = $1`
	var c storage.Collection
	err := r.db.QueryRow(ctx, q, id).Scan(&c.ID, &c.Name, &c.Description, &c.ParentID, &c.CreatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("collections: get: %w", err)
	}
	return &c, nil
}

func (r collectionRepo) GetByName(ctx context.Context, _ storage.Scope, name string) (*storage.Collection, error) {
	const q = `
		SELECT id, name, description, COALESCE(parent_id,''), created_at
		FROM collections WHERE name = $1`
	var c storage.Collection
	err := r.db.QueryRow(ctx, q, name).Scan(&c.ID, &c.Name, &c.Description, &c.ParentID, &c.CreatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("collections: get by name: %w", err)
	}
	return &c, nil
}

// Descendants walks the collection tree rooted at id via a recursive CTE
// over parent_id, the same traversal primitive used for SKOS hierarchies.
func (r collectionRepo) Descendants(ctx context.Context, _ storage.Scope, id string) ([]storage.Collection, error) {
	const q = `
		WITH RECURSIVE tree AS (
		    SELECT id, ARRAY[id] AS visited
		    FROM   collections WHERE id = $1

		    UNION ALL

		    SELECT c.id, t.visited || c.id
		    FROM   tree t
		    JOIN   collections c ON c.parent_id = t.id
		    WHERE  NOT (c.id = ANY(t.visited))
		)
		SELECT DISTINCT ON (c.id) c.id, c.name, c.description, COALESCE(c.parent_id,''), c.created_at
		FROM   tree t
		JOIN   collections c ON c.id = t.id
		WHERE  t.id != $1
		ORDER  BY c.id`

	rows, err := r.db.Query(ctx, q, id)
	if err != nil {
		return nil, fmt.Errorf("collections: descendants: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (storage.Collection, error) {
		var c storage.Collection
		err := row.Scan(&c.ID, &c.Name, &c.Description, &c.ParentID, &c.CreatedAt)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("collections: descendants scan: %w", err)
	}
	if out == nil {
		out = []storage.Collection{}
	}
	return out, nil
}

func (r collectionRepo) ListAll(ctx context.Context, _ storage.Scope) ([]storage.Collection, error) {
	rows, err := r.db.Query(ctx, `SELECT id, name, description, COALESCE(parent_id,''), created_at FROM collections ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("collections: list all: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (storage.Collection, error) {
		var c storage.Collection
		err := row.Scan(&c.ID, &c.Name, &c.Description, &c.ParentID, &c.CreatedAt)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("collections: list all scan: %w", err)
	}
	if out == nil {
		out = []storage.Collection{}
	}
	return out, nil
}

func (r collectionRepo) Delete(ctx context.Context, _ storage.Scope, id string, force bool) error {
	if !force {
		var n int
		if err := r.db.QueryRow(ctx, `SELECT count(*) FROM notes WHERE collection_id = $1 AND deleted_at IS NULL`, id).Scan(&n); err != nil {
			return fmt.Errorf("collections: delete count: %w", err)
		}
		if n > 0 {
			return ferrors.Newf(ferrors.Conflict, "collections", "collection %s has %d notes; pass force to delete anyway", id, n)
		}
	}
	if _, err := r.db.Exec(ctx, `DELETE FROM collections WHERE id = $1`, id); err != nil {
		return fmt.Errorf("collections: delete: %w", err)
	}
	return nil
}
