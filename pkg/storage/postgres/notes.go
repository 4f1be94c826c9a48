package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/fortemi/fortemi/pkg/storage"
)

// noteRepo implements [storage.NoteRepo] against a transaction-scoped dbtx.
type noteRepo struct{ db dbtx }

func (r noteRepo) Create(ctx context.Context, _ storage.Scope, note storage.Note, original storage.NoteOriginal) error {
	const qNote = `
		INSERT INTO notes (id, format, source, collection_id, starred, archived, title, metadata,
		                    lat, lon, created_at, updated_at, accessed_at)
		VALUES ($1,$2,$3,NULLIF($4,''),$5,$6,$7,$8,$9,$10,$11,$12,$13)`
	if _, err := r.db.Exec(ctx, qNote,
		note.ID, note.Format, note.Source, note.CollectionID, note.Starred, note.Archived,
		note.Title, bagOrEmpty(note.Metadata), note.Lat, note.Lon,
		note.CreatedAt, note.UpdatedAt, note.AccessedAt,
	); err != nil {
		return fmt.Errorf("notes: create: %w", err)
	}

	const qOriginal = `
		INSERT INTO note_originals (note_id, content, content_hash, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5)`
	if _, err := r.db.Exec(ctx, qOriginal,
		original.NoteID, original.Content, original.ContentHash, original.CreatedAt, original.UpdatedAt,
	); err != nil {
		return fmt.Errorf("notes: create original: %w", err)
	}
	return nil
}

func (r noteRepo) Get(ctx context.Context, _ storage.Scope, id string) (*storage.Note, *storage.NoteOriginal, error) {
	const q = `
		SELECT n.id, n.format, n.source, COALESCE(n.collection_id,''), n.starred, n.archived,
		       n.title, n.metadata, n.lat, n.lon, n.created_at, n.updated_at, n.accessed_at, n.deleted_at,
		       o.content, o.content_hash, o.created_at, o.updated_at
		FROM notes n
		JOIN note_originals o ON o.note_id = n.id
		WHERE n.id = $1`

	var n storage.Note
	var o storage.NoteOriginal
	o.NoteID = id
	err := r.db.QueryRow(ctx, q, id).Scan(
		&n.ID, &n.Format, &n.Source, &n.CollectionID, &n.Starred, &n.Archived,
		&n.Title, &n.Metadata, &n.Lat, &n.Lon, &n.CreatedAt, &n.UpdatedAt, &n.AccessedAt, &n.DeletedAt,
		&o.Content, &o.ContentHash, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("notes: get: %w", err)
	}
	return &n, &o, nil
}

func (r noteRepo) List(ctx context.Context, _ storage.Scope, filter storage.NoteFilter) (storage.NoteList, error) {
	var conditions []string
	args := []any{}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if !filter.IncludeDeleted {
		conditions = append(conditions, "n.deleted_at IS NULL")
	}
	if !filter.IncludeArchived {
		conditions = append(conditions, "n.archived = false")
	}
	if filter.CollectionID != "" {
		conditions = append(conditions, "n.collection_id = "+next(filter.CollectionID))
	}
	if filter.Starred != nil {
		conditions = append(conditions, "n.starred = "+next(*filter.Starred))
	}
	for _, t := range filter.RequiredTags {
		conditions = append(conditions, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM note_tags nt WHERE nt.note_id = n.id AND nt.tag = %s)", next(t)))
	}
	if len(filter.AnyTags) > 0 {
		ph := make([]string, len(filter.AnyTags))
		for i, t := range filter.AnyTags {
			ph[i] = next(t)
		}
		conditions = append(conditions, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM note_tags nt WHERE nt.note_id = n.id AND nt.tag IN (%s))", strings.Join(ph, ",")))
	}
	for _, t := range filter.ExcludedTags {
		conditions = append(conditions, fmt.Sprintf(
			"NOT EXISTS (SELECT 1 FROM note_tags nt WHERE nt.note_id = n.id AND nt.tag = %s)", next(t)))
	}
	if filter.DateFrom != nil {
		conditions = append(conditions, "n.created_at >= "+next(*filter.DateFrom))
	}
	if filter.DateTo != nil {
		conditions = append(conditions, "n.created_at <= "+next(*filter.DateTo))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	countQ := fmt.Sprintf(`SELECT count(*) FROM notes n %s`, where)
	var total int
	if err := r.db.QueryRow(ctx, countQ, args...).Scan(&total); err != nil {
		return storage.NoteList{}, fmt.Errorf("notes: list count: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, filter.Offset)
	limitArg := fmt.Sprintf("$%d", len(args)-1)
	offsetArg := fmt.Sprintf("$%d", len(args))

	q := fmt.Sprintf(`
		SELECT n.id, n.format, n.source, COALESCE(n.collection_id,''), n.starred, n.archived,
		       n.title, n.metadata, n.lat, n.lon, n.created_at, n.updated_at, n.accessed_at, n.deleted_at
		FROM notes n
		%s
		ORDER BY n.created_at DESC, n.id ASC
		LIMIT %s OFFSET %s`, where, limitArg, offsetArg)

	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return storage.NoteList{}, fmt.Errorf("notes: list: %w", err)
	}
	notes, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (storage.Note, error) {
		var n storage.Note
		err := row.Scan(&n.ID, &n.Format, &n.Source, &n.CollectionID, &n.Starred, &n.Archived,
			&n.Title, &n.Metadata, &n.Lat, &n.Lon, &n.CreatedAt, &n.UpdatedAt, &n.AccessedAt, &n.DeletedAt)
		return n, err
	})
	if err != nil {
		return storage.NoteList{}, fmt.Errorf("notes: list scan: %w", err)
	}
	if notes == nil {
		notes = []storage.Note{}
	}
	return storage.NoteList{Notes: notes, Total: total}, nil
}

func (r noteRepo) UpdateMetadata(ctx context.Context, _ storage.Scope, id string, fields storage.NotePatch) error {
	var sets []string
	args := []any{}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if fields.Title != nil {
		sets = append(sets, "title = "+next(*fields.Title))
	}
	if fields.Starred != nil {
		sets = append(sets, "starred = "+next(*fields.Starred))
	}
	if fields.Archived != nil {
		sets = append(sets, "archived = "+next(*fields.Archived))
	}
	if fields.CollectionID != nil {
		sets = append(sets, "collection_id = NULLIF("+next(*fields.CollectionID)+",'')")
	}
	if fields.Metadata != nil {
		sets = append(sets, "metadata = "+next(bagOrEmpty(fields.Metadata)))
	}
	sets = append(sets, "updated_at = now()")

	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	q := fmt.Sprintf(`UPDATE notes SET %s WHERE id = %s`, strings.Join(sets, ", "), fmt.Sprintf("$%d", len(args)))
	if _, err := r.db.Exec(ctx, q, args...); err != nil {
		return fmt.Errorf("notes: update metadata: %w", err)
	}
	return nil
}

func (r noteRepo) AppendEdit(ctx context.Context, _ storage.Scope, id, content, contentHash string) error {
	const q = `
		UPDATE note_originals
		SET content = $2, content_hash = $3, updated_at = now()
		WHERE note_id = $1`
	if _, err := r.db.Exec(ctx, q, id, content, contentHash); err != nil {
		return fmt.Errorf("notes: append edit: %w", err)
	}
	if _, err := r.db.Exec(ctx, `UPDATE notes SET updated_at = now() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("notes: touch: %w", err)
	}
	return nil
}

func (r noteRepo) AddRevision(ctx context.Context, _ storage.Scope, rev storage.NoteRevision) error {
	const q = `
		INSERT INTO note_revisions (id, note_id, content, rationale, model_id, ai_meta, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`
	if _, err := r.db.Exec(ctx, q, rev.ID, rev.NoteID, rev.Content, rev.Rationale, rev.ModelID,
		bagOrEmpty(rev.AIMeta), rev.CreatedAt); err != nil {
		return fmt.Errorf("notes: add revision: %w", err)
	}
	return nil
}

func (r noteRepo) LatestRevision(ctx context.Context, _ storage.Scope, noteID string) (*storage.NoteRevision, error) {
	const q = `
		SELECT id, note_id, content, rationale, model_id, ai_meta, created_at
		FROM note_revisions
		WHERE note_id = $1
		ORDER BY created_at DESC
		LIMIT 1`
	var rev storage.NoteRevision
	err := r.db.QueryRow(ctx, q, noteID).Scan(
		&rev.ID, &rev.NoteID, &rev.Content, &rev.Rationale, &rev.ModelID, &rev.AIMeta, &rev.CreatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("notes: latest revision: %w", err)
	}
	return &rev, nil
}

func (r noteRepo) SoftDelete(ctx context.Context, _ storage.Scope, id string) error {
	_, err := r.db.Exec(ctx, `UPDATE notes SET deleted_at = now() WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("notes: soft delete: %w", err)
	}
	return nil
}

func (r noteRepo) Restore(ctx context.Context, _ storage.Scope, id string) error {
	_, err := r.db.Exec(ctx, `UPDATE notes SET deleted_at = NULL WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("notes: restore: %w", err)
	}
	return nil
}

func (r noteRepo) Purge(ctx context.Context, _ storage.Scope, id string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM notes WHERE id = $1`, id); err != nil {
		return fmt.Errorf("notes: purge: %w", err)
	}
	return nil
}

// NearLocation finds notes within radiusKM of (lat, lon) using the
// earthdistance extension's ll_to_earth/earth_distance functions over the
// GiST index on (lat, lon), nearest first.
func (r noteRepo) NearLocation(ctx context.Context, _ storage.Scope, lat, lon, radiusKM float64, limit int) ([]storage.NoteDistance, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
		SELECT n.id, n.format, n.source, COALESCE(n.collection_id,''), n.starred, n.archived,
		       n.title, n.metadata, n.lat, n.lon, n.created_at, n.updated_at, n.accessed_at, n.deleted_at,
		       earth_distance(ll_to_earth($1, $2), ll_to_earth(n.lat, n.lon)) / 1000.0 AS distance_km
		FROM notes n
		WHERE n.deleted_at IS NULL
		  AND n.lat IS NOT NULL AND n.lon IS NOT NULL
		  AND earth_box(ll_to_earth($1, $2), $3 * 1000.0) @> ll_to_earth(n.lat, n.lon)
		  AND earth_distance(ll_to_earth($1, $2), ll_to_earth(n.lat, n.lon)) <= $3 * 1000.0
		ORDER BY distance_km ASC
		LIMIT $4`

	rows, err := r.db.Query(ctx, q, lat, lon, radiusKM, limit)
	if err != nil {
		return nil, fmt.Errorf("notes: near location: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (storage.NoteDistance, error) {
		var nd storage.NoteDistance
		err := row.Scan(&nd.Note.ID, &nd.Note.Format, &nd.Note.Source, &nd.Note.CollectionID,
			&nd.Note.Starred, &nd.Note.Archived, &nd.Note.Title, &nd.Note.Metadata,
			&nd.Note.Lat, &nd.Note.Lon, &nd.Note.CreatedAt, &nd.Note.UpdatedAt,
			&nd.Note.AccessedAt, &nd.Note.DeletedAt, &nd.DistanceKM)
		return nd, err
	})
	if err != nil {
		return nil, fmt.Errorf("notes: near location scan: %w", err)
	}
	return out, nil
}

func bagOrEmpty(b storage.Bag) storage.Bag {
	if b == nil {
		return storage.Bag{}
	}
	return b
}

// isNoRows reports whether err is the pgx "no rows" sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
