// Package postgres provides the PostgreSQL-backed implementation of the
// Fortemi storage abstraction defined by [pkg/storage]: transactional
// relational access, pgvector ANN search, native full-text search, and
// recursive traversal over self-referential tables.
//
// Every archive ("memory") lives in its own Postgres schema holding the
// per-memory tables (notes, tags, links, embeddings, …); the four tables
// shared across archives (the archive registry, the job queue, its history
// and webhook deliveries) live in the fixed "fortemi" schema. [Store.Execute] is the combinator through which
// every repository call is scoped: it opens a transaction, switches
// search_path to the requested archive's schema plus the shared schema,
// and commits only if the caller's function returns nil.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/fortemi/fortemi/pkg/storage"
)

// Compile-time interface check.
var _ storage.Executor = (*Store)(nil)

// sharedSchema is the fixed Postgres schema holding the tables shared
// across every archive: archives, jobs, job_history and
// webhook_deliveries. It holds no auth, event, config or backup tables.
const sharedSchema = "fortemi"

// Store is the central PostgreSQL-backed storage implementation. It holds
// a single [pgxpool.Pool] and dimension configuration for the default
// embedding set's vector column.
type Store struct {
	pool      *pgxpool.Pool
	embedDims int
}

// dbtx is the subset of *pgxpool.Pool and pgx.Tx that repository code needs.
// Repository implementations are parameterized over it so the same code
// path runs both inside [Store.Execute]'s transaction and (for read-mostly
// helpers) directly against the pool.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewStore creates a new Store, establishes a connection pool to dsn,
// registers pgvector types on every connection, ensures the shared schema
// and the default archive's schema exist, and registers the default
// archive in the archive registry.
//
// embedDimensions must match the output dimension of the configured
// default embedding model (e.g. 1536 for OpenAI text-embedding-3-small).
// Additional embedding sets at other dimensions are not supported by a
// single vector column; see DESIGN.md.
func NewStore(ctx context.Context, dsn string, embedDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		if err := pgxvec.RegisterTypes(ctx, conn); err != nil {
			return err
		}
		// Every connection defaults to the shared schema so repositories
		// backed by the cross-archive tables (jobs, webhook_deliveries,
		// archives, ...) resolve their unqualified table names even when
		// accessed directly off the pool, outside an Execute transaction.
		// Execute itself overrides this per-transaction with SET LOCAL to
		// additionally reach the active archive's schema.
		_, err := conn.Exec(ctx, fmt.Sprintf("SET search_path = %s, public", quoteIdent(sharedSchema)))
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	s := &Store{pool: pool, embedDims: embedDimensions}

	if err := migrateShared(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate shared schema: %w", err)
	}
	if err := migrateArchive(ctx, pool, storage.DefaultArchive, embedDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate default archive: %w", err)
	}
	if _, err := pool.Exec(ctx, `INSERT INTO archives (name, schema_name) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING`,
		storage.DefaultArchive, schemaName(storage.DefaultArchive)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: register default archive: %w", err)
	}

	return s, nil
}

// Pool exposes the underlying connection pool for components (migration,
// health checks) that need raw access outside the repository interfaces.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// EmbeddingDimensions returns the dimension baked into the embeddings
// table's vector column.
func (s *Store) EmbeddingDimensions() int { return s.embedDims }

// Jobs returns a [storage.JobRepo] bound directly to the pool rather than a
// single transaction, for long-lived pollers (the [internal/job.Pool]
// worker loop) that must not hold one transaction open for the process
// lifetime.
func (s *Store) Jobs() storage.JobRepo { return jobRepo{s.pool} }

// Webhooks returns a [storage.WebhookRepo] bound directly to the pool, for
// the webhook delivery poll loop ([internal/broadcast.Dispatcher]).
func (s *Store) Webhooks() storage.WebhookRepo { return webhookRepo{s.pool} }

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// MigrateArchive ensures the per-memory tables exist for archive, creating
// its schema and tables if missing. It is additive-only and safe to call
// repeatedly (CREATE SCHEMA/TABLE/INDEX IF NOT EXISTS).
func (s *Store) MigrateArchive(ctx context.Context, archive string) error {
	return migrateArchive(ctx, s.pool, archive, s.embedDims)
}

// DropArchiveSchema drops an archive's schema and all its tables. Used only
// by archive deletion, which has already removed the archive's registry row.
func (s *Store) DropArchiveSchema(ctx context.Context, archive string) error {
	schema := schemaName(archive)
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`DROP SCHEMA IF EXISTS %s CASCADE`, quoteIdent(schema)))
	if err != nil {
		return fmt.Errorf("postgres store: drop schema %s: %w", schema, err)
	}
	return nil
}

// schemaName maps an archive name to its Postgres schema name. Archive
// names are validated (alnum/underscore/hyphen, see internal/archive) before
// reaching storage, so this is a straightforward prefix rather than an
// escaping function.
func schemaName(archive string) string {
	return "mem_" + archive
}

// SchemaName exports schemaName for callers (internal/archive) that need to
// address a per-archive schema directly, e.g. for clone operations.
func SchemaName(archive string) string { return schemaName(archive) }

func quoteIdent(ident string) string {
	return pgx.Identifier{ident}.Sanitize()
}
