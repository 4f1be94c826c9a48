package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/fortemi/fortemi/internal/ferrors"
	"github.com/fortemi/fortemi/pkg/storage"
)

// cloner is implemented by storage backends that support a bulk, UUID-
// preserving deep copy between two archive schemas.
type cloner interface {
	CloneArchive(ctx context.Context, src, dst string) error
}

// Clone creates dst as a deep copy of src: dst's schema is migrated fresh,
// then every per-memory table is bulk-copied row for row. dst must not
// already be registered.
func (r *Router) Clone(ctx context.Context, src, dst string) error {
	if err := validateName(src); err != nil {
		return err
	}
	if err := validateName(dst); err != nil {
		return err
	}

	cl, ok := r.schemas.(cloner)
	if !ok {
		return ferrors.New(ferrors.Internal, "archive", "storage backend does not support cloning")
	}

	err := r.exec.Execute(ctx, storage.Scope{Archive: storage.DefaultArchive}, func(ctx context.Context, repos storage.Repos) error {
		srcArchive, err := repos.Archives().Get(ctx, src)
		if err != nil {
			return err
		}
		if srcArchive == nil {
			return ferrors.Newf(ferrors.ArchiveNotFound, "archive", "memory %q does not exist", src)
		}
		existing, err := repos.Archives().Get(ctx, dst)
		if err != nil {
			return err
		}
		if existing != nil {
			return ferrors.Newf(ferrors.Conflict, "archive", "memory %q already exists", dst)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := r.schemas.MigrateArchive(ctx, dst); err != nil {
		return ferrors.Wrap(ferrors.ArchiveMigrationFailed, "archive", fmt.Sprintf("migrate clone target %s", dst), err)
	}

	if err := cl.CloneArchive(ctx, src, dst); err != nil {
		return fmt.Errorf("archive: clone %s->%s: %w", src, dst, err)
	}

	now := time.Now()
	err = r.exec.Execute(ctx, storage.Scope{Archive: storage.DefaultArchive}, func(ctx context.Context, repos storage.Repos) error {
		return repos.Archives().Create(ctx, storage.Archive{
			Name: dst, SchemaName: "mem_" + dst, SchemaVersion: 1, CreatedAt: now, LastAccessed: now,
		})
	})
	if err != nil {
		return fmt.Errorf("archive: register clone %s: %w", dst, err)
	}

	r.refreshCache(dst)
	return nil
}
