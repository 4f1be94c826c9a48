package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/fortemi/fortemi/pkg/storage"
)

// Execute implements [storage.Executor]. It begins a transaction, switches
// search_path to scope.Archive's schema (falling back to the shared schema
// for the cross-archive tables), runs fn against a [storage.Repos] bound
// to that transaction, and commits only if fn returns nil.
func (s *Store) Execute(ctx context.Context, scope storage.Scope, fn storage.TxFunc) error {
	archive := scope.Archive
	if archive == "" {
		archive = storage.DefaultArchive
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres execute: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	searchPath := fmt.Sprintf("SET LOCAL search_path = %s, %s, public",
		quoteIdent(schemaName(archive)), quoteIdent(sharedSchema))
	if _, err := tx.Exec(ctx, searchPath); err != nil {
		return fmt.Errorf("postgres execute: set search_path: %w", err)
	}

	repos := &repos{tx: tx, dims: s.embedDims}
	if err := fn(ctx, repos); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres execute: commit: %w", err)
	}
	return nil
}

// repos is the per-transaction [storage.Repos] implementation. Every
// sub-repository shares the same underlying pgx.Tx, which is how
// cross-repository atomicity (create-note-with-tags-and-queue-job) is
// achieved.
type repos struct {
	tx   pgx.Tx
	dims int
}

func (r *repos) Notes() storage.NoteRepo             { return noteRepo{r.tx} }
func (r *repos) Tags() storage.TagRepo               { return tagRepo{r.tx} }
func (r *repos) Skos() storage.SkosRepo              { return skosRepo{r.tx} }
func (r *repos) Collections() storage.CollectionRepo { return collectionRepo{r.tx} }
func (r *repos) Links() storage.LinkRepo             { return linkRepo{r.tx} }
func (r *repos) Embeddings() storage.EmbeddingRepo   { return embeddingRepo{r.tx} }
func (r *repos) Attachments() storage.AttachmentRepo { return attachmentRepo{r.tx} }
func (r *repos) Jobs() storage.JobRepo               { return jobRepo{r.tx} }
func (r *repos) Archives() storage.ArchiveRepo       { return archiveRepo{r.tx} }
func (r *repos) Search() storage.SearchRepo          { return searchRepo{r.tx} }
func (r *repos) Webhooks() storage.WebhookRepo       { return webhookRepo{r.tx} }
