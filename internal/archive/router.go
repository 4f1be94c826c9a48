// Package archive resolves the request-scoped memory (archive) header into
// a validated, schema-migrated namespace, and binds storage access to it.
//
// It owns the only mutable, process-wide cache in Fortemi: a short-TTL map
// of archive name → last-known-good resolution, guarded the same way the
// teacher's config.Watcher guards its current config (lock, check, swap,
// then invoke callbacks outside the lock).
package archive

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fortemi/fortemi/internal/ferrors"
	"github.com/fortemi/fortemi/pkg/storage"
)

// DefaultCacheTTL is used when [New] is not given [WithCacheTTL].
const DefaultCacheTTL = 30 * time.Second

// schemaMigrator is the narrow slice of the storage backend the router
// needs to create and drop per-archive schemas. Satisfied by
// *postgres.Store without importing it directly, keeping this package
// storage-backend-agnostic.
type schemaMigrator interface {
	MigrateArchive(ctx context.Context, archive string) error
	DropArchiveSchema(ctx context.Context, archive string) error
}

type cacheEntry struct {
	resolvedAt time.Time
}

// Router resolves, creates, migrates, deletes and clones archives. All
// multi-statement operations run through [storage.Executor.Execute] so the
// registry row and the per-archive schema never diverge within one call.
type Router struct {
	exec    storage.Executor
	schemas schemaMigrator
	ttl     time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// Option configures a [Router].
type Option func(*Router)

// WithCacheTTL overrides [DefaultCacheTTL].
func WithCacheTTL(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.ttl = d
		}
	}
}

// New creates a Router. exec is used for archive registry reads/writes;
// schemas performs the actual DDL.
func New(exec storage.Executor, schemas schemaMigrator, opts ...Option) *Router {
	r := &Router{
		exec:    exec,
		schemas: schemas,
		ttl:     DefaultCacheTTL,
		cache:   make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve validates that name exists and is freshly known, returning
// [ferrors.ArchiveNotFound] if the registry has no such archive. A cache hit
// within the TTL skips the registry round-trip entirely; a miss re-checks
// the registry and, on success, refreshes the cache and touches the
// archive's last-accessed timestamp.
func (r *Router) Resolve(ctx context.Context, name string) error {
	if name == "" {
		name = storage.DefaultArchive
	}
	if err := validateName(name); err != nil {
		return err
	}

	if r.cacheFresh(name) {
		return nil
	}

	var found bool
	err := r.exec.Execute(ctx, storage.Scope{Archive: storage.DefaultArchive}, func(ctx context.Context, repos storage.Repos) error {
		a, err := repos.Archives().Get(ctx, name)
		if err != nil {
			return err
		}
		if a == nil {
			return nil
		}
		found = true
		return repos.Archives().Touch(ctx, name)
	})
	if err != nil {
		return fmt.Errorf("archive: resolve %s: %w", name, err)
	}
	if !found {
		return ferrors.Newf(ferrors.ArchiveNotFound, "archive", "memory %q does not exist", name)
	}

	r.refreshCache(name)
	return nil
}

// Create registers name in the archive registry and migrates its schema.
// Idempotent: an already-registered archive with the current schema version
// is left untouched.
func (r *Router) Create(ctx context.Context, name, displayName string) error {
	if err := validateName(name); err != nil {
		return err
	}

	err := r.exec.Execute(ctx, storage.Scope{Archive: storage.DefaultArchive}, func(ctx context.Context, repos storage.Repos) error {
		existing, err := repos.Archives().Get(ctx, name)
		if err != nil {
			return err
		}
		if existing != nil {
			return nil
		}
		now := time.Now()
		return repos.Archives().Create(ctx, storage.Archive{
			Name:          name,
			SchemaName:    "mem_" + name,
			SchemaVersion: 1,
			CreatedAt:     now,
			LastAccessed:  now,
		})
	})
	if err != nil {
		return fmt.Errorf("archive: register %s: %w", name, err)
	}

	if err := r.schemas.MigrateArchive(ctx, name); err != nil {
		return ferrors.Wrap(ferrors.ArchiveMigrationFailed, "archive",
			fmt.Sprintf("migrate %s", name), err)
	}

	r.refreshCache(name)
	_ = displayName // reserved for a future archives.display_name column
	return nil
}

// Migrate re-applies the archive's DDL and bumps its recorded schema
// version. Safe to call on every access: every statement in the per-archive
// DDL is additive (CREATE ... IF NOT EXISTS).
func (r *Router) Migrate(ctx context.Context, name string, newVersion int) error {
	if err := r.schemas.MigrateArchive(ctx, name); err != nil {
		return ferrors.Wrap(ferrors.ArchiveMigrationFailed, "archive",
			fmt.Sprintf("migrate %s", name), err)
	}
	err := r.exec.Execute(ctx, storage.Scope{Archive: storage.DefaultArchive}, func(ctx context.Context, repos storage.Repos) error {
		return repos.Archives().UpdateSchemaVersion(ctx, name, newVersion)
	})
	if err != nil {
		return fmt.Errorf("archive: record schema version for %s: %w", name, err)
	}
	return nil
}

// Delete drops name's schema and its registry row. The default archive can
// never be deleted.
func (r *Router) Delete(ctx context.Context, name string) error {
	if name == storage.DefaultArchive {
		return ferrors.Newf(ferrors.Validation, "archive", "the default memory %q cannot be deleted", name)
	}
	if err := r.schemas.DropArchiveSchema(ctx, name); err != nil {
		return fmt.Errorf("archive: drop schema %s: %w", name, err)
	}
	err := r.exec.Execute(ctx, storage.Scope{Archive: storage.DefaultArchive}, func(ctx context.Context, repos storage.Repos) error {
		return repos.Archives().Delete(ctx, name)
	})
	if err != nil {
		return fmt.Errorf("archive: unregister %s: %w", name, err)
	}
	r.invalidate(name)
	return nil
}

// List returns every registered archive.
func (r *Router) List(ctx context.Context) ([]storage.Archive, error) {
	var archives []storage.Archive
	err := r.exec.Execute(ctx, storage.Scope{Archive: storage.DefaultArchive}, func(ctx context.Context, repos storage.Repos) error {
		var err error
		archives, err = repos.Archives().List(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("archive: list: %w", err)
	}
	return archives, nil
}

func (r *Router) cacheFresh(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.cache[name]
	return ok && time.Since(entry.resolvedAt) < r.ttl
}

func (r *Router) refreshCache(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[name] = cacheEntry{resolvedAt: time.Now()}
}

func (r *Router) invalidate(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, name)
}
