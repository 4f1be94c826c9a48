package backup_test

import (
	"context"
	"testing"
	"time"

	"github.com/fortemi/fortemi/internal/backup"
	"github.com/fortemi/fortemi/internal/ferrors"
	"github.com/fortemi/fortemi/pkg/storage"
)

func noopTransform(prev *backup.Shard) (*backup.Shard, []backup.Warning, error) {
	return prev, nil, nil
}

func TestRegistryRejectsSelfLoop(t *testing.T) {
	r := backup.NewRegistry()
	v := mustVersion("1.0.0")
	if err := r.Register(v, v, noopTransform); !ferrors.Is(err, ferrors.Validation) {
		t.Fatalf("Register self-loop: want validation error, got %v", err)
	}
}

func TestRegistryRejectsCycle(t *testing.T) {
	r := backup.NewRegistry()
	a, b, c := mustVersion("1.0.0"), mustVersion("1.1.0"), mustVersion("1.2.0")

	if err := r.Register(a, b, noopTransform); err != nil {
		t.Fatalf("Register a->b: %v", err)
	}
	if err := r.Register(b, c, noopTransform); err != nil {
		t.Fatalf("Register b->c: %v", err)
	}
	if err := r.Register(c, a, noopTransform); !ferrors.Is(err, ferrors.Validation) {
		t.Fatalf("Register c->a (closes a cycle): want validation error, got %v", err)
	}
}

func TestRegistryMigratePath(t *testing.T) {
	r := backup.NewRegistry()
	v100, v110, v120 := mustVersion("1.0.0"), mustVersion("1.1.0"), mustVersion("1.2.0")

	renameLegacyTag := func(prev *backup.Shard) (*backup.Shard, []backup.Warning, error) {
		next := *prev
		next.Tags = append([]storage.Tag{}, prev.Tags...)
		next.Notes = append([]backup.NoteRecord{}, prev.Notes...)

		renamed := false
		for i, tag := range next.Tags {
			if tag.Name == "legacytag" {
				next.Tags[i].Name = "renamedtag"
				renamed = true
			}
		}
		for i, rec := range next.Notes {
			tags := append([]string{}, rec.Tags...)
			for j, tag := range tags {
				if tag == "legacytag" {
					tags[j] = "renamedtag"
				}
			}
			next.Notes[i].Tags = tags
		}
		var warnings []backup.Warning
		if renamed {
			warnings = append(warnings, backup.Warning{
				Kind: backup.FieldRenamed, Component: "tags", Detail: "legacytag -> renamedtag",
			})
		}
		return &next, warnings, nil
	}

	if err := r.Register(v100, v110, renameLegacyTag); err != nil {
		t.Fatalf("Register 1.0.0 -> 1.1.0: %v", err)
	}
	if err := r.Register(v110, v120, noopTransform); err != nil {
		t.Fatalf("Register 1.1.0 -> 1.2.0: %v", err)
	}

	ctx := context.Background()
	store := newMemStore()
	now := time.Now()
	store.notes["n1"] = storage.Note{ID: "n1", Title: "Legacy note", CreatedAt: now, UpdatedAt: now}
	store.originals["n1"] = storage.NoteOriginal{NoteID: "n1", Content: "old content"}
	store.tags["legacytag"] = storage.Tag{Name: "legacytag", CreatedAt: now}
	store.noteTags["n1"] = []storage.NoteTag{{NoteID: "n1", Tag: "legacytag", Source: storage.TagSourceUser}}

	shard, err := backup.Export(ctx, store, storage.DefaultScope(), v100, nil)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	migrated, warnings, err := r.Migrate(shard, v120)
	if err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if len(warnings) != 1 || warnings[0].Kind != backup.FieldRenamed {
		t.Fatalf("warnings = %+v, want one FieldRenamed warning", warnings)
	}
	if migrated.Manifest.Version != v120 {
		t.Fatalf("migrated version = %v, want %v", migrated.Manifest.Version, v120)
	}

	var gotTag string
	for _, tag := range migrated.Tags {
		if tag.Name == "renamedtag" {
			gotTag = tag.Name
		}
	}
	if gotTag != "renamedtag" {
		t.Fatalf("migrated shard tags = %+v, want renamedtag present", migrated.Tags)
	}
	if len(migrated.Notes) != 1 || len(migrated.Notes[0].Tags) != 1 || migrated.Notes[0].Tags[0] != "renamedtag" {
		t.Fatalf("migrated note tags = %+v, want [renamedtag]", migrated.Notes)
	}

	if err := migrated.VerifyChecksums(); err != nil {
		t.Fatalf("VerifyChecksums on migrated shard: %v", err)
	}
}

func TestRegistryMigrateNoPath(t *testing.T) {
	r := backup.NewRegistry()
	shard := &backup.Shard{Manifest: backup.Manifest{Version: mustVersion("1.0.0")}}
	if _, _, err := r.Migrate(shard, mustVersion("9.0.0")); err == nil {
		t.Fatal("Migrate: want error when no path exists, got nil")
	}
}

func TestImportMigratesIncompatibleShard(t *testing.T) {
	r := backup.NewRegistry()
	v100, v200 := mustVersion("1.0.0"), mustVersion("2.0.0")

	bumpMajor := func(prev *backup.Shard) (*backup.Shard, []backup.Warning, error) {
		return prev, []backup.Warning{{Kind: backup.DefaultApplied, Component: "manifest", Detail: "major bump"}}, nil
	}
	if err := r.Register(v100, v200, bumpMajor); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx := context.Background()
	source := newMemStore()
	seedStore(source)
	shard, err := backup.Export(ctx, source, storage.DefaultScope(), v100, nil)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	dest := newMemStore()
	result, err := backup.Import(ctx, dest, storage.DefaultScope(), shard, v200, r, backup.ConflictError)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if result.Compatibility != backup.Incompatible {
		t.Errorf("Compatibility = %s, want incompatible", result.Compatibility)
	}
	if len(result.Warnings) != 1 || result.Warnings[0].Kind != backup.DefaultApplied {
		t.Errorf("Warnings = %+v, want one DefaultApplied warning", result.Warnings)
	}
}
