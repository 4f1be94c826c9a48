package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ddlShared creates the four tables shared across every archive: the
// archive registry, the job queue, its history, and webhook deliveries.
// It creates no auth, event or config tables. It is idempotent.
const ddlShared = `
CREATE SCHEMA IF NOT EXISTS fortemi;

CREATE TABLE IF NOT EXISTS fortemi.archives (
    name            TEXT        PRIMARY KEY,
    schema_name     TEXT        NOT NULL,
    note_count      BIGINT      NOT NULL DEFAULT 0,
    size_bytes      BIGINT      NOT NULL DEFAULT 0,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    last_accessed   TIMESTAMPTZ NOT NULL DEFAULT now(),
    schema_version  INT         NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS fortemi.jobs (
    id                   TEXT        PRIMARY KEY,
    type                 TEXT        NOT NULL,
    status               TEXT        NOT NULL,
    priority             INT         NOT NULL DEFAULT 0,
    payload              JSONB       NOT NULL DEFAULT '{}',
    result               JSONB       NOT NULL DEFAULT '{}',
    error                TEXT        NOT NULL DEFAULT '',
    progress_percent     INT         NOT NULL DEFAULT 0,
    progress_message     TEXT        NOT NULL DEFAULT '',
    retry_count          INT         NOT NULL DEFAULT 0,
    max_retries          INT         NOT NULL DEFAULT 3,
    estimated_duration_ms BIGINT     NOT NULL DEFAULT 0,
    actual_duration_ms   BIGINT      NOT NULL DEFAULT 0,
    archive              TEXT        NOT NULL DEFAULT 'public',
    created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
    scheduled_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
    started_at           TIMESTAMPTZ,
    completed_at         TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_jobs_claim
    ON fortemi.jobs (status, scheduled_at)
    WHERE status = 'pending';

CREATE INDEX IF NOT EXISTS idx_jobs_type ON fortemi.jobs (type);

CREATE TABLE IF NOT EXISTS fortemi.job_history (
    id           BIGSERIAL   PRIMARY KEY,
    job_type     TEXT        NOT NULL,
    duration_ms  BIGINT      NOT NULL,
    success      BOOLEAN     NOT NULL,
    recorded_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_job_history_type_time
    ON fortemi.job_history (job_type, recorded_at);

CREATE TABLE IF NOT EXISTS fortemi.webhook_deliveries (
    id           TEXT        PRIMARY KEY,
    subscriber   TEXT        NOT NULL,
    channel      TEXT        NOT NULL,
    payload      JSONB       NOT NULL,
    attempts     INT         NOT NULL DEFAULT 0,
    next_attempt TIMESTAMPTZ NOT NULL DEFAULT now(),
    delivered_at TIMESTAMPTZ,
    abandoned    BOOLEAN     NOT NULL DEFAULT false,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_webhook_pending
    ON fortemi.webhook_deliveries (next_attempt)
    WHERE delivered_at IS NULL AND NOT abandoned;
`

// migrateShared applies [ddlShared].
func migrateShared(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlShared); err != nil {
		return fmt.Errorf("migrate shared: %w", err)
	}
	return nil
}

// ddlArchive returns the per-memory DDL for schema, with the embedding
// vector column sized to dims. Every statement is additive
// (CREATE ... IF NOT EXISTS) so [migrateArchive] can be re-run to pick up
// newly introduced tables without disturbing existing data — this is the
// schema auto-migration behaviour the archive router relies on.
func ddlArchive(schema string, dims int) string {
	s := quoteIdent(schema)
	return fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %[1]s;

CREATE EXTENSION IF NOT EXISTS vector;
CREATE EXTENSION IF NOT EXISTS pg_trgm;
CREATE EXTENSION IF NOT EXISTS cube;
CREATE EXTENSION IF NOT EXISTS earthdistance;

CREATE TABLE IF NOT EXISTS %[1]s.collections (
    id          TEXT        PRIMARY KEY,
    name        TEXT        NOT NULL,
    description TEXT        NOT NULL DEFAULT '',
    parent_id   TEXT        REFERENCES %[1]s.collections (id) ON DELETE SET NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (name)
);

CREATE TABLE IF NOT EXISTS %[1]s.notes (
    id            TEXT        PRIMARY KEY,
    format        TEXT        NOT NULL DEFAULT 'text',
    source        TEXT        NOT NULL DEFAULT '',
    collection_id TEXT        REFERENCES %[1]s.collections (id) ON DELETE SET NULL,
    starred       BOOLEAN     NOT NULL DEFAULT false,
    archived      BOOLEAN     NOT NULL DEFAULT false,
    title         TEXT        NOT NULL DEFAULT '',
    metadata      JSONB       NOT NULL DEFAULT '{}',
    lat           DOUBLE PRECISION,
    lon           DOUBLE PRECISION,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    accessed_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    deleted_at    TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_notes_collection ON %[1]s.notes (collection_id);
CREATE INDEX IF NOT EXISTS idx_notes_deleted ON %[1]s.notes (deleted_at);
CREATE INDEX IF NOT EXISTS idx_notes_created ON %[1]s.notes (created_at);
CREATE INDEX IF NOT EXISTS idx_notes_location ON %[1]s.notes
    USING GIST (ll_to_earth(lat, lon))
    WHERE lat IS NOT NULL AND lon IS NOT NULL;

CREATE TABLE IF NOT EXISTS %[1]s.note_originals (
    note_id      TEXT        PRIMARY KEY REFERENCES %[1]s.notes (id) ON DELETE CASCADE,
    content      TEXT        NOT NULL,
    content_hash TEXT        NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_note_originals_fts
    ON %[1]s.note_originals USING GIN (to_tsvector('english', content));

CREATE INDEX IF NOT EXISTS idx_note_originals_trgm
    ON %[1]s.note_originals USING GIN (content gin_trgm_ops);

CREATE TABLE IF NOT EXISTS %[1]s.note_revisions (
    id         TEXT        PRIMARY KEY,
    note_id    TEXT        NOT NULL REFERENCES %[1]s.notes (id) ON DELETE CASCADE,
    content    TEXT        NOT NULL,
    rationale  TEXT        NOT NULL DEFAULT '',
    model_id   TEXT        NOT NULL DEFAULT '',
    ai_meta    JSONB       NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_note_revisions_note
    ON %[1]s.note_revisions (note_id, created_at DESC);

CREATE INDEX IF NOT EXISTS idx_note_revisions_fts
    ON %[1]s.note_revisions USING GIN (to_tsvector('english', content));

CREATE TABLE IF NOT EXISTS %[1]s.tags (
    name       TEXT        PRIMARY KEY,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS %[1]s.note_tags (
    note_id TEXT NOT NULL REFERENCES %[1]s.notes (id) ON DELETE CASCADE,
    tag     TEXT NOT NULL REFERENCES %[1]s.tags (name) ON DELETE CASCADE,
    source  TEXT NOT NULL DEFAULT 'user',
    PRIMARY KEY (note_id, tag)
);

CREATE INDEX IF NOT EXISTS idx_note_tags_tag ON %[1]s.note_tags (tag);

CREATE TABLE IF NOT EXISTS %[1]s.skos_schemes (
    id         TEXT        PRIMARY KEY,
    name       TEXT        NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS %[1]s.skos_concepts (
    id          TEXT        PRIMARY KEY,
    scheme_id   TEXT        NOT NULL,
    pref_label  TEXT        NOT NULL,
    notation    TEXT        NOT NULL DEFAULT '',
    obsolete    BOOLEAN     NOT NULL DEFAULT false,
    replaced_by TEXT        REFERENCES %[1]s.skos_concepts (id) ON DELETE SET NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_skos_concepts_scheme ON %[1]s.skos_concepts (scheme_id);

CREATE TABLE IF NOT EXISTS %[1]s.skos_relations (
    subject_id TEXT NOT NULL REFERENCES %[1]s.skos_concepts (id) ON DELETE CASCADE,
    object_id  TEXT NOT NULL REFERENCES %[1]s.skos_concepts (id) ON DELETE CASCADE,
    rel_type   TEXT NOT NULL,
    PRIMARY KEY (subject_id, object_id, rel_type)
);

CREATE INDEX IF NOT EXISTS idx_skos_relations_object ON %[1]s.skos_relations (object_id);

CREATE TABLE IF NOT EXISTS %[1]s.skos_merge_history (
    id          BIGSERIAL   PRIMARY KEY,
    source_id   TEXT        NOT NULL,
    target_id   TEXT        NOT NULL,
    merged_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS %[1]s.links (
    id         TEXT        PRIMARY KEY,
    from_note  TEXT        NOT NULL REFERENCES %[1]s.notes (id) ON DELETE CASCADE,
    to_note    TEXT        REFERENCES %[1]s.notes (id) ON DELETE CASCADE,
    to_url     TEXT        NOT NULL DEFAULT '',
    kind       TEXT        NOT NULL DEFAULT 'related',
    score      DOUBLE PRECISION NOT NULL DEFAULT 0,
    metadata   JSONB       NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (from_note, to_note)
);

CREATE INDEX IF NOT EXISTS idx_links_from ON %[1]s.links (from_note);
CREATE INDEX IF NOT EXISTS idx_links_to ON %[1]s.links (to_note);

CREATE TABLE IF NOT EXISTS %[1]s.embedding_sets (
    id         TEXT        PRIMARY KEY,
    name       TEXT        NOT NULL,
    slug       TEXT        NOT NULL UNIQUE,
    model_id   TEXT        NOT NULL,
    dimension  INT         NOT NULL,
    is_default BOOLEAN     NOT NULL DEFAULT false,
    status     TEXT        NOT NULL DEFAULT 'empty',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS %[1]s.embeddings (
    id          TEXT         PRIMARY KEY,
    set_id      TEXT         NOT NULL REFERENCES %[1]s.embedding_sets (id) ON DELETE CASCADE,
    note_id     TEXT         NOT NULL REFERENCES %[1]s.notes (id) ON DELETE CASCADE,
    chunk_index INT          NOT NULL DEFAULT 0,
    text_span   TEXT         NOT NULL DEFAULT '',
    vector      vector(%[2]d),
    model_id    TEXT         NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_embeddings_note ON %[1]s.embeddings (note_id);
CREATE INDEX IF NOT EXISTS idx_embeddings_set ON %[1]s.embeddings (set_id);
CREATE INDEX IF NOT EXISTS idx_embeddings_ann
    ON %[1]s.embeddings USING hnsw (vector vector_cosine_ops);

CREATE TABLE IF NOT EXISTS %[1]s.attachments (
    id                TEXT        PRIMARY KEY,
    note_id           TEXT        NOT NULL REFERENCES %[1]s.notes (id) ON DELETE CASCADE,
    content_type      TEXT        NOT NULL DEFAULT '',
    size_bytes        BIGINT      NOT NULL DEFAULT 0,
    storage_key       TEXT        NOT NULL,
    extracted_text    TEXT        NOT NULL DEFAULT '',
    extraction_status TEXT        NOT NULL DEFAULT 'pending',
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_attachments_note ON %[1]s.attachments (note_id);
`, s, dims)
}

// migrateArchive applies [ddlArchive] for archive, creating its schema and
// tables if they do not already exist.
func migrateArchive(ctx context.Context, pool *pgxpool.Pool, archive string, dims int) error {
	schema := schemaName(archive)
	if _, err := pool.Exec(ctx, ddlArchive(schema, dims)); err != nil {
		return fmt.Errorf("migrate archive %s: %w", archive, err)
	}
	return nil
}
