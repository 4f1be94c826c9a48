package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/fortemi/fortemi/pkg/storage"
)

type archiveRepo struct{ db dbtx }

const archiveColumns = `name, schema_name, note_count, size_bytes, created_at, last_accessed, schema_version`

func scanArchive(row pgx.Row) (*storage.Archive, error) {
	var a storage.Archive
	err := row.Scan(&a.Name, &a.SchemaName, &a.NoteCount, &a.SizeBytes, &a.CreatedAt,
		&a.LastAccessed, &a.SchemaVersion)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r archiveRepo) Create(ctx context.Context, a storage.Archive) error {
	const q = `
		INSERT INTO archives (name, schema_name, note_count, size_bytes, created_at, last_accessed, schema_version)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`
	if _, err := r.db.Exec(ctx, q, a.Name, a.SchemaName, a.NoteCount, a.SizeBytes, a.CreatedAt,
		a.LastAccessed, a.SchemaVersion); err != nil {
		return fmt.Errorf("archives: create: %w", err)
	}
	return nil
}

func (r archiveRepo) Get(ctx context.Context, name string) (*storage.Archive, error) {
	q := `SELECT ` + archiveColumns + ` FROM archives WHERE name = $1`
	a, err := scanArchive(r.db.QueryRow(ctx, q, name))
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("archives: get: %w", err)
	}
	return a, nil
}

func (r archiveRepo) List(ctx context.Context) ([]storage.Archive, error) {
	rows, err := r.db.Query(ctx, `SELECT `+archiveColumns+` FROM archives ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("archives: list: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (storage.Archive, error) {
		a, err := scanArchive(row)
		if err != nil {
			return storage.Archive{}, err
		}
		return *a, nil
	})
	if err != nil {
		return nil, fmt.Errorf("archives: list scan: %w", err)
	}
	if out == nil {
		out = []storage.Archive{}
	}
	return out, nil
}

func (r archiveRepo) Delete(ctx context.Context, name string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM archives WHERE name = $1`, name); err != nil {
		return fmt.Errorf("archives: delete: %w", err)
	}
	return nil
}

func (r archiveRepo) UpdateSchemaVersion(ctx context.Context, name string, version int) error {
	if _, err := r.db.Exec(ctx, `UPDATE archives SET schema_version = $2 WHERE name = $1`, name, version); err != nil {
		return fmt.Errorf("archives: update schema version: %w", err)
	}
	return nil
}

func (r archiveRepo) Touch(ctx context.Context, name string) error {
	if _, err := r.db.Exec(ctx, `UPDATE archives SET last_accessed = now() WHERE name = $1`, name); err != nil {
		return fmt.Errorf("archives: touch: %w", err)
	}
	return nil
}
