package backup

import (
	"context"
	"fmt"
	"sort"

	"github.com/fortemi/fortemi/internal/ferrors"
	"github.com/fortemi/fortemi/pkg/storage"
)

// NoteRecord bundles a Note with the data export/import treats as part of
// the same shard row: its immutable original content, its latest AI
// revision (if any), and its flat tag set. Older revisions are not part of
// the portable format — a shard round-trips current state, not history.
type NoteRecord struct {
	Note      storage.Note
	Original  storage.NoteOriginal
	LatestRev *storage.NoteRevision
	Tags      []string
}

// Shard is a fully materialized, in-memory portable archive: a manifest
// plus one typed slice per component. [Export] produces one from an
// archive's live repositories; [Import] consumes one (after a possible
// [Registry.Migrate] step) back into a (possibly different) archive.
type Shard struct {
	Manifest      Manifest
	Notes         []NoteRecord
	Collections   []storage.Collection
	Tags          []storage.Tag
	Templates     []string
	Links         []storage.Link
	EmbeddingSets []storage.EmbeddingSet
	Embeddings    []storage.Embedding
}

// pageSize bounds each NoteRepo.List call during export so a large archive
// is paged rather than pulled in one unbounded query.
const pageSize = 500

// Export walks every component of the archive bound to scope into a Shard
// tagged with systemVersion. templateNames is the (read-only, process-wide)
// Document Type Registry's known category names, recorded verbatim as the
// "templates" component since templates are config, not per-archive rows.
func Export(ctx context.Context, exec storage.Executor, scope storage.Scope, systemVersion Version, templateNames []string) (*Shard, error) {
	shard := &Shard{Templates: append([]string{}, templateNames...)}

	err := exec.Execute(ctx, scope, func(ctx context.Context, repos storage.Repos) error {
		notes, err := exportNotes(ctx, repos, scope)
		if err != nil {
			return err
		}
		shard.Notes = notes

		cols, err := repos.Collections().ListAll(ctx, scope)
		if err != nil {
			return fmt.Errorf("backup: export collections: %w", err)
		}
		shard.Collections = cols

		tags, err := repos.Tags().ListAll(ctx, scope)
		if err != nil {
			return fmt.Errorf("backup: export tags: %w", err)
		}
		shard.Tags = tags

		links, err := repos.Links().ListAll(ctx, scope)
		if err != nil {
			return fmt.Errorf("backup: export links: %w", err)
		}
		shard.Links = links

		sets, err := repos.Embeddings().ListSets(ctx, scope)
		if err != nil {
			return fmt.Errorf("backup: export embedding sets: %w", err)
		}
		shard.EmbeddingSets = sets

		var embeddings []storage.Embedding
		for _, s := range sets {
			es, err := repos.Embeddings().ListBySet(ctx, scope, s.ID)
			if err != nil {
				return fmt.Errorf("backup: export embeddings for set %s: %w", s.ID, err)
			}
			embeddings = append(embeddings, es...)
		}
		shard.Embeddings = embeddings
		return nil
	})
	if err != nil {
		return nil, err
	}

	sortShard(shard)

	manifest, err := buildManifest(shard, systemVersion)
	if err != nil {
		return nil, err
	}
	shard.Manifest = manifest
	return shard, nil
}

func exportNotes(ctx context.Context, repos storage.Repos, scope storage.Scope) ([]NoteRecord, error) {
	var out []NoteRecord
	offset := 0
	for {
		page, err := repos.Notes().List(ctx, scope, storage.NoteFilter{
			IncludeArchived: true, IncludeDeleted: true, Limit: pageSize, Offset: offset,
		})
		if err != nil {
			return nil, fmt.Errorf("backup: export notes: %w", err)
		}
		for _, n := range page.Notes {
			_, original, err := repos.Notes().Get(ctx, scope, n.ID)
			if err != nil {
				return nil, fmt.Errorf("backup: export note %s: %w", n.ID, err)
			}
			rev, err := repos.Notes().LatestRevision(ctx, scope, n.ID)
			if err != nil {
				return nil, fmt.Errorf("backup: export revision for note %s: %w", n.ID, err)
			}
			noteTags, err := repos.Tags().ForNote(ctx, scope, n.ID)
			if err != nil {
				return nil, fmt.Errorf("backup: export tags for note %s: %w", n.ID, err)
			}
			tags := make([]string, 0, len(noteTags))
			for _, nt := range noteTags {
				tags = append(tags, nt.Tag)
			}
			sort.Strings(tags)

			rec := NoteRecord{Note: n, Tags: tags, LatestRev: rev}
			if original != nil {
				rec.Original = *original
			}
			out = append(out, rec)
		}
		if len(page.Notes) < pageSize {
			break
		}
		offset += pageSize
	}
	return out, nil
}

// sortShard orders every component by a stable key so two exports of the
// same logical data always produce identical checksums.
func sortShard(s *Shard) {
	sort.Slice(s.Notes, func(i, j int) bool { return s.Notes[i].Note.ID < s.Notes[j].Note.ID })
	sort.Slice(s.Collections, func(i, j int) bool { return s.Collections[i].ID < s.Collections[j].ID })
	sort.Slice(s.Tags, func(i, j int) bool { return s.Tags[i].Name < s.Tags[j].Name })
	sort.Strings(s.Templates)
	sort.Slice(s.Links, func(i, j int) bool { return s.Links[i].ID < s.Links[j].ID })
	sort.Slice(s.EmbeddingSets, func(i, j int) bool { return s.EmbeddingSets[i].ID < s.EmbeddingSets[j].ID })
	sort.Slice(s.Embeddings, func(i, j int) bool {
		if s.Embeddings[i].NoteID != s.Embeddings[j].NoteID {
			return s.Embeddings[i].NoteID < s.Embeddings[j].NoteID
		}
		return s.Embeddings[i].ChunkIndex < s.Embeddings[j].ChunkIndex
	})
}

func buildManifest(s *Shard, version Version) (Manifest, error) {
	m := Manifest{
		Version:    version,
		Components: append([]string{}, componentNames...),
		Counts:     map[string]int{},
		Checksums:  map[string]string{},
		Metadata:   storage.Bag{},
	}

	components := map[string]any{
		"notes": s.Notes, "collections": s.Collections, "tags": s.Tags,
		"templates": s.Templates, "links": s.Links,
		"embedding_sets": s.EmbeddingSets, "embeddings": s.Embeddings,
	}
	counts := map[string]int{
		"notes": len(s.Notes), "collections": len(s.Collections), "tags": len(s.Tags),
		"templates": len(s.Templates), "links": len(s.Links),
		"embedding_sets": len(s.EmbeddingSets), "embeddings": len(s.Embeddings),
	}
	for _, name := range componentNames {
		sum, err := checksum(components[name])
		if err != nil {
			return Manifest{}, fmt.Errorf("backup: manifest checksum for %s: %w", name, err)
		}
		m.Checksums[name] = sum
		m.Counts[name] = counts[name]
	}
	return m, nil
}

// VerifyChecksums recomputes every component's checksum and compares it
// against s.Manifest.Checksums, returning the first mismatch as a
// [ferrors.Validation] error.
func (s *Shard) VerifyChecksums() error {
	components := map[string]any{
		"notes": s.Notes, "collections": s.Collections, "tags": s.Tags,
		"templates": s.Templates, "links": s.Links,
		"embedding_sets": s.EmbeddingSets, "embeddings": s.Embeddings,
	}
	for _, name := range componentNames {
		want, ok := s.Manifest.Checksums[name]
		if !ok {
			continue
		}
		if err := verifyChecksum(name, components[name], want); err != nil {
			return err
		}
	}
	return nil
}

// OnConflict selects how Import reacts to a component row whose id/name
// already exists in the destination archive.
type OnConflict string

const (
	ConflictSkip    OnConflict = "skip"
	ConflictReplace OnConflict = "replace"
	ConflictError   OnConflict = "error"
)

// ImportResult summarises what Import did.
type ImportResult struct {
	Compatibility Compatibility
	Warnings      []Warning
	Inserted      map[string]int
	Skipped       map[string]int
}

// Import applies shard to the archive bound to scope. If shard's version is
// Incompatible with systemVersion (a different major), registry must
// contain a migration path from shard's version to systemVersion; Import
// runs it before touching storage. Compatible and NewerMinor shards are
// imported without migration. Every component's checksum is verified
// (post-migration) before any row is written.
func Import(ctx context.Context, exec storage.Executor, scope storage.Scope, shard *Shard, systemVersion Version, registry *Registry, onConflict OnConflict) (*ImportResult, error) {
	result := &ImportResult{Inserted: map[string]int{}, Skipped: map[string]int{}}

	compat := CheckCompatibility(shard.Manifest.Version, systemVersion)
	result.Compatibility = compat

	working := shard
	if compat == Incompatible {
		migrated, warnings, err := registry.Migrate(shard, systemVersion)
		if err != nil {
			return nil, ferrors.Wrap(ferrors.Validation, "backup",
				fmt.Sprintf("no migration path %s -> %s", shard.Manifest.Version, systemVersion), err)
		}
		working = migrated
		result.Warnings = append(result.Warnings, warnings...)
	}

	if err := working.VerifyChecksums(); err != nil {
		return nil, err
	}

	err := exec.Execute(ctx, scope, func(ctx context.Context, repos storage.Repos) error {
		if err := importCollections(ctx, repos, scope, working.Collections, onConflict, result); err != nil {
			return err
		}
		if err := importTags(ctx, repos, scope, working.Tags, onConflict, result); err != nil {
			return err
		}
		if err := importNotes(ctx, repos, scope, working.Notes, onConflict, result); err != nil {
			return err
		}
		if err := importLinks(ctx, repos, scope, working.Links, onConflict, result); err != nil {
			return err
		}
		if err := importEmbeddings(ctx, repos, scope, working.EmbeddingSets, working.Embeddings, onConflict, result); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func importCollections(ctx context.Context, repos storage.Repos, scope storage.Scope, cols []storage.Collection, onConflict OnConflict, result *ImportResult) error {
	for _, c := range cols {
		existing, err := repos.Collections().Get(ctx, scope, c.ID)
		if err != nil {
			return fmt.Errorf("backup: import collection %s: %w", c.ID, err)
		}
		if existing != nil {
			switch onConflict {
			case ConflictSkip:
				result.Skipped["collections"]++
				continue
			case ConflictError:
				return ferrors.Newf(ferrors.Conflict, "backup", "collection %s already exists", c.ID)
			}
		}
		if err := repos.Collections().Create(ctx, scope, c); err != nil {
			return fmt.Errorf("backup: import collection %s: %w", c.ID, err)
		}
		result.Inserted["collections"]++
	}
	return nil
}

func importTags(ctx context.Context, repos storage.Repos, scope storage.Scope, tags []storage.Tag, onConflict OnConflict, result *ImportResult) error {
	for _, t := range tags {
		if err := repos.Tags().Intern(ctx, scope, t.Name); err != nil {
			return fmt.Errorf("backup: import tag %s: %w", t.Name, err)
		}
		result.Inserted["tags"]++
	}
	return nil
}

func importNotes(ctx context.Context, repos storage.Repos, scope storage.Scope, notes []NoteRecord, onConflict OnConflict, result *ImportResult) error {
	for _, rec := range notes {
		existing, _, err := repos.Notes().Get(ctx, scope, rec.Note.ID)
		if err != nil {
			return fmt.Errorf("backup: import note %s: %w", rec.Note.ID, err)
		}
		if existing != nil {
			switch onConflict {
			case ConflictSkip:
				result.Skipped["notes"]++
				continue
			case ConflictError:
				return ferrors.Newf(ferrors.Conflict, "backup", "note %s already exists", rec.Note.ID)
			case ConflictReplace:
				if err := repos.Notes().Purge(ctx, scope, rec.Note.ID); err != nil {
					return fmt.Errorf("backup: replace note %s: %w", rec.Note.ID, err)
				}
			}
		}
		if err := repos.Notes().Create(ctx, scope, rec.Note, rec.Original); err != nil {
			return fmt.Errorf("backup: import note %s: %w", rec.Note.ID, err)
		}
		if rec.LatestRev != nil {
			if err := repos.Notes().AddRevision(ctx, scope, *rec.LatestRev); err != nil {
				return fmt.Errorf("backup: import revision for note %s: %w", rec.Note.ID, err)
			}
		}
		for _, tag := range rec.Tags {
			if err := repos.Tags().Attach(ctx, scope, rec.Note.ID, tag, storage.TagSourceUser); err != nil {
				return fmt.Errorf("backup: attach tag %s to note %s: %w", tag, rec.Note.ID, err)
			}
		}
		result.Inserted["notes"]++
	}
	return nil
}

func importLinks(ctx context.Context, repos storage.Repos, scope storage.Scope, links []storage.Link, onConflict OnConflict, result *ImportResult) error {
	for _, l := range links {
		existing, err := repos.Links().Between(ctx, scope, l.FromNote, l.ToNote)
		if err != nil {
			return fmt.Errorf("backup: import link %s: %w", l.ID, err)
		}
		if existing != nil {
			switch onConflict {
			case ConflictSkip:
				result.Skipped["links"]++
				continue
			case ConflictError:
				return ferrors.Newf(ferrors.Conflict, "backup", "link %s->%s already exists", l.FromNote, l.ToNote)
			}
		}
		if err := repos.Links().Upsert(ctx, scope, l); err != nil {
			return fmt.Errorf("backup: import link %s: %w", l.ID, err)
		}
		result.Inserted["links"]++
	}
	return nil
}

func importEmbeddings(ctx context.Context, repos storage.Repos, scope storage.Scope, sets []storage.EmbeddingSet, embeddings []storage.Embedding, onConflict OnConflict, result *ImportResult) error {
	for _, s := range sets {
		existing, err := repos.Embeddings().GetSet(ctx, scope, s.ID)
		if err != nil {
			return fmt.Errorf("backup: import embedding set %s: %w", s.ID, err)
		}
		if existing != nil {
			if onConflict == ConflictSkip {
				result.Skipped["embedding_sets"]++
				continue
			}
			if onConflict == ConflictError {
				return ferrors.Newf(ferrors.Conflict, "backup", "embedding set %s already exists", s.ID)
			}
		} else if err := repos.Embeddings().CreateSet(ctx, scope, s); err != nil {
			return fmt.Errorf("backup: import embedding set %s: %w", s.ID, err)
		}
		result.Inserted["embedding_sets"]++
	}
	for _, e := range embeddings {
		if err := repos.Embeddings().Insert(ctx, scope, e); err != nil {
			return fmt.Errorf("backup: import embedding %s: %w", e.ID, err)
		}
		result.Inserted["embeddings"]++
	}
	return nil
}
