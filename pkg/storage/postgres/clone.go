package postgres

import (
	"context"
	"fmt"
)

// archiveTables lists every per-memory table in the order [ddlArchive]
// creates them. CloneArchive copies all of them; foreign-key checks are
// disabled for the duration of the copy (see CloneArchive), so dependency
// order does not matter here.
var archiveTables = []string{
	"collections",
	"notes",
	"note_originals",
	"note_revisions",
	"tags",
	"note_tags",
	"skos_schemes",
	"skos_concepts",
	"skos_relations",
	"skos_merge_history",
	"links",
	"embedding_sets",
	"embeddings",
	"attachments",
}

// CloneArchive deep-copies every per-memory table from src into dst. dst
// must already have its schema migrated (via [Store.MigrateArchive]) before
// calling this. Row ids (including UUIDs) are preserved verbatim.
//
// The copy runs inside one transaction with session_replication_role set to
// replica, the standard Postgres trick to suspend foreign-key and trigger
// enforcement for a bulk load — equivalent to temporarily disabling
// replication-triggered constraint checks, which is what lets the copy
// proceed in any table order.
func (s *Store) CloneArchive(ctx context.Context, src, dst string) error {
	srcSchema, dstSchema := quoteIdent(schemaName(src)), quoteIdent(schemaName(dst))

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres store: clone %s->%s: begin: %w", src, dst, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SET LOCAL session_replication_role = replica"); err != nil {
		return fmt.Errorf("postgres store: clone %s->%s: disable replication role: %w", src, dst, err)
	}

	for _, table := range archiveTables {
		q := fmt.Sprintf("INSERT INTO %s.%s SELECT * FROM %s.%s", dstSchema, table, srcSchema, table)
		if _, err := tx.Exec(ctx, q); err != nil {
			return fmt.Errorf("postgres store: clone %s->%s: copy %s: %w", src, dst, table, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres store: clone %s->%s: commit: %w", src, dst, err)
	}
	return nil
}
