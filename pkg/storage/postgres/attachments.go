package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/fortemi/fortemi/pkg/storage"
)

type attachmentRepo struct{ db dbtx }

func (r attachmentRepo) Create(ctx context.Context, _ storage.Scope, a storage.Attachment) error {
	const q = `
		INSERT INTO attachments (id, note_id, content_type, size_bytes, storage_key, extracted_text, extraction_status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	if _, err := r.db.Exec(ctx, q, a.ID, a.NoteID, a.ContentType, a.Size, a.StorageKey, a.ExtractedText,
		a.ExtractionStatus, a.CreatedAt); err != nil {
		return fmt.Errorf("attachments: create: %w", err)
	}
	return nil
}

func (r attachmentRepo) Get(ctx context.Context, _ storage.Scope, id string) (*storage.Attachment, error) {
	const q = `
		SELECT id, note_id, content_type, size_bytes, storage_key, extracted_text, extraction_status, created_at
		FROM attachments WHERE id = $1`
	var a storage.Attachment
	err := r.db.QueryRow(ctx, q, id).Scan(&a.ID, &a.NoteID, &a.ContentType, &a.Size, &a.StorageKey,
		&a.ExtractedText, &a.ExtractionStatus, &a.CreatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("attachments: get: %w", err)
	}
	return &a, nil
}

func (r attachmentRepo) ForNote(ctx context.Context, _ storage.Scope, noteID string) ([]storage.Attachment, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, note_id, content_type, size_bytes, storage_key, extracted_text, extraction_status, created_at
		FROM attachments WHERE note_id = $1 ORDER BY created_at`, noteID)
	if err != nil {
		return nil, fmt.Errorf("attachments: for note: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (storage.Attachment, error) {
		var a storage.Attachment
		err := row.Scan(&a.ID, &a.NoteID, &a.ContentType, &a.Size, &a.StorageKey, &a.ExtractedText,
			&a.ExtractionStatus, &a.CreatedAt)
		return a, err
	})
	if err != nil {
		return nil, fmt.Errorf("attachments: for note scan: %w", err)
	}
	if out == nil {
		out = []storage.Attachment{}
	}
	return out, nil
}

func (r attachmentRepo) SetExtraction(ctx context.Context, _ storage.Scope, id, text string, status storage.ExtractionStatus) error {
	if _, err := r.db.Exec(ctx, `
		UPDATE attachments SET extracted_text = $2, extraction_status = $3 WHERE id = $1`, id, text, status); err != nil {
		return fmt.Errorf("attachments: set extraction: %w", err)
	}
	return nil
}

func (r attachmentRepo) DeleteForNote(ctx context.Context, _ storage.Scope, noteID string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM attachments WHERE note_id = $1`, noteID); err != nil {
		return fmt.Errorf("attachments: delete for note: %w", err)
	}
	return nil
}
