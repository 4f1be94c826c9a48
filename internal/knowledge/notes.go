// Package knowledge implements Fortemi's core note/tag/collection/SKOS
// domain logic on top of [storage.Repos]. It is storage-agnostic: every
// mutation runs inside one [storage.Executor.Execute] call so that a note,
// its tags, and its chunk children commit together or not at all. A new
// note's enrichment jobs are queued after that transaction commits, so a
// failure to queue them does not roll the note back.
package knowledge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fortemi/fortemi/internal/ferrors"
	"github.com/fortemi/fortemi/pkg/storage"
)

// defaultBulkLimit bounds CreateBulk when the caller's config does not
// override it.
const defaultBulkLimit = 100

// JobEnqueuer is the narrow slice of the job client the knowledge layer
// needs: queuing an enrichment job without importing internal/job (which
// in turn depends on this package's types for its handlers).
type JobEnqueuer interface {
	Enqueue(ctx context.Context, scope storage.Scope, jobType string, payload storage.Bag, priority int) (string, error)
}

// Service implements the Knowledge Model's public operations.
type Service struct {
	exec     storage.Executor
	jobs     JobEnqueuer
	registry *DocTypeRegistry
	bulkCap  int
}

// Option configures a [Service].
type Option func(*Service)

// WithBulkCap overrides [defaultBulkLimit].
func WithBulkCap(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.bulkCap = n
		}
	}
}

// New creates a Service. registry is used to decide chunking strategy when
// a note's content exceeds its chunk threshold.
func New(exec storage.Executor, jobs JobEnqueuer, registry *DocTypeRegistry, opts ...Option) *Service {
	s := &Service{exec: exec, jobs: jobs, registry: registry, bulkCap: defaultBulkLimit}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateInput is the input to [Service.CreateNote].
type CreateInput struct {
	Content      string
	Tags         []string
	CollectionID string
	Metadata     storage.Bag
	Revision     storage.RevisionMode
	Format       string // doctype category override; empty infers from Metadata["filename"]
	Source       string
	Lat          *float64 // optional location, for the search engine's spatial mode
	Lon          *float64
}

// CreateNote inserts a Note and its NoteOriginal in one transaction, interns
// and attaches tags, optionally queues an ai_revision job, and — when the
// content exceeds the detected document type's chunk threshold — splits it
// into child notes linked back to the parent via a chain id.
func (s *Service) CreateNote(ctx context.Context, scope storage.Scope, in CreateInput) (string, error) {
	if in.Content == "" {
		return "", ferrors.New(ferrors.Validation, "knowledge", "note content must not be empty")
	}

	id, err := newID()
	if err != nil {
		return "", err
	}

	dt := s.registry.Detect(filenameOf(in.Metadata), in.Content)
	now := time.Now()

	err = s.exec.Execute(ctx, scope, func(ctx context.Context, repos storage.Repos) error {
		note := storage.Note{
			ID:           id,
			Format:       firstNonEmpty(in.Format, dt.Category),
			Source:       in.Source,
			CollectionID: in.CollectionID,
			Title:        titleFromContent(in.Content),
			Metadata:     in.Metadata,
			Lat:          in.Lat,
			Lon:          in.Lon,
			CreatedAt:    now,
			UpdatedAt:    now,
			AccessedAt:   now,
		}
		original := storage.NoteOriginal{
			NoteID:      id,
			Content:     in.Content,
			ContentHash: hashContent(in.Content),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := repos.Notes().Create(ctx, scope, note, original); err != nil {
			return err
		}
		if err := attachTags(ctx, repos, scope, id, in.Tags, storage.TagSourceUser); err != nil {
			return err
		}

		if len(in.Content) > dt.ChunkSize && dt.ChunkSize > 0 {
			chainID, err := newID()
			if err != nil {
				return err
			}
			chunks := ChunkContent(in.Content, dt)
			for i, chunk := range chunks {
				childID, err := newID()
				if err != nil {
					return err
				}
				child := storage.Note{
					ID:           childID,
					Format:       note.Format,
					Source:       in.Source,
					CollectionID: in.CollectionID,
					Title:        fmt.Sprintf("%s (part %d/%d)", note.Title, i+1, len(chunks)),
					Metadata:     storage.Bag{"chain_id": chainID, "chain_index": i, "chain_parent": id},
					CreatedAt:    now,
					UpdatedAt:    now,
					AccessedAt:   now,
				}
				childOriginal := storage.NoteOriginal{
					NoteID:      childID,
					Content:     chunk,
					ContentHash: hashContent(chunk),
					CreatedAt:   now,
					UpdatedAt:   now,
				}
				if err := repos.Notes().Create(ctx, scope, child, childOriginal); err != nil {
					return err
				}
			}
		}

		return nil
	})
	if err != nil {
		return "", fmt.Errorf("knowledge: create note: %w", err)
	}

	if _, err := s.jobs.Enqueue(ctx, scope, "title_generation", storage.Bag{"note_id": id}, 0); err != nil {
		return id, fmt.Errorf("knowledge: create note %s: enqueue title_generation: %w", id, err)
	}

	if in.Revision != storage.RevisionNone && in.Revision != "" {
		if _, err := s.jobs.Enqueue(ctx, scope, "ai_revision", storage.Bag{
			"note_id": id, "mode": string(in.Revision),
		}, 0); err != nil {
			return id, fmt.Errorf("knowledge: create note %s: enqueue ai_revision: %w", id, err)
		}
	}

	return id, nil
}

// CreateBulk inserts up to the service's bulk cap notes in a single
// transaction. Any failure rolls every note in the batch back.
func (s *Service) CreateBulk(ctx context.Context, scope storage.Scope, inputs []CreateInput) ([]string, error) {
	if len(inputs) > s.bulkCap {
		return nil, ferrors.Newf(ferrors.Validation, "knowledge", "bulk create limit is %d notes, got %d", s.bulkCap, len(inputs))
	}

	ids := make([]string, 0, len(inputs))
	err := s.exec.Execute(ctx, scope, func(ctx context.Context, repos storage.Repos) error {
		now := time.Now()
		for _, in := range inputs {
			if in.Content == "" {
				return ferrors.New(ferrors.Validation, "knowledge", "note content must not be empty")
			}
			id, err := newID()
			if err != nil {
				return err
			}
			note := storage.Note{
				ID: id, Format: in.Format, Source: in.Source, CollectionID: in.CollectionID,
				Title: titleFromContent(in.Content), Metadata: in.Metadata,
				CreatedAt: now, UpdatedAt: now, AccessedAt: now,
			}
			original := storage.NoteOriginal{
				NoteID: id, Content: in.Content, ContentHash: hashContent(in.Content),
				CreatedAt: now, UpdatedAt: now,
			}
			if err := repos.Notes().Create(ctx, scope, note, original); err != nil {
				return err
			}
			if err := attachTags(ctx, repos, scope, id, in.Tags, storage.TagSourceUser); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("knowledge: create bulk: %w", err)
	}
	return ids, nil
}

// UpdateInput carries a partial note update. Tags, when non-nil, replaces
// the tag set via symmetric difference against the current set.
type UpdateInput struct {
	Content      *string
	Tags         []string
	Starred      *bool
	Archived     *bool
	Metadata     storage.Bag
	CollectionID *string
	Title        *string
}

// UpdateNote applies a partial update. A content change appends a
// NoteOriginal edit row and marks every embedding set containing the note
// as stale. A tag set change computes the symmetric difference against the
// note's current tags: newly present tags are interned and attached,
// no-longer-present tags are detached (and their refcount may hit zero).
func (s *Service) UpdateNote(ctx context.Context, scope storage.Scope, id string, in UpdateInput) error {
	err := s.exec.Execute(ctx, scope, func(ctx context.Context, repos storage.Repos) error {
		note, _, err := repos.Notes().Get(ctx, scope, id)
		if err != nil {
			return err
		}
		if note == nil {
			return ferrors.Newf(ferrors.NotFound, "knowledge", "note %q does not exist", id)
		}

		if in.Content != nil {
			if err := repos.Notes().AppendEdit(ctx, scope, id, *in.Content, hashContent(*in.Content)); err != nil {
				return err
			}
			if err := staleEmbeddings(ctx, repos, scope, id); err != nil {
				return err
			}
		}

		if err := repos.Notes().UpdateMetadata(ctx, scope, id, storage.NotePatch{
			Title: in.Title, Starred: in.Starred, Archived: in.Archived,
			CollectionID: in.CollectionID, Metadata: in.Metadata,
		}); err != nil {
			return err
		}

		if in.Tags != nil {
			return applyTagDiff(ctx, repos, scope, id, in.Tags)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("knowledge: update note %s: %w", id, err)
	}
	return nil
}

// DeleteNote soft-deletes a note by setting its deleted_at column.
func (s *Service) DeleteNote(ctx context.Context, scope storage.Scope, id string) error {
	err := s.exec.Execute(ctx, scope, func(ctx context.Context, repos storage.Repos) error {
		return repos.Notes().SoftDelete(ctx, scope, id)
	})
	if err != nil {
		return fmt.Errorf("knowledge: delete note %s: %w", id, err)
	}
	return nil
}

// RestoreNote clears a soft-deleted note's deleted_at column.
func (s *Service) RestoreNote(ctx context.Context, scope storage.Scope, id string) error {
	err := s.exec.Execute(ctx, scope, func(ctx context.Context, repos storage.Repos) error {
		return repos.Notes().Restore(ctx, scope, id)
	})
	if err != nil {
		return fmt.Errorf("knowledge: restore note %s: %w", id, err)
	}
	return nil
}

// PurgeNote permanently deletes a note and every row that cascades from it:
// embeddings, links, attachments, and tag attachments.
func (s *Service) PurgeNote(ctx context.Context, scope storage.Scope, id string) error {
	err := s.exec.Execute(ctx, scope, func(ctx context.Context, repos storage.Repos) error {
		if err := repos.Embeddings().DeleteForNote(ctx, scope, id); err != nil {
			return err
		}
		if err := repos.Links().PurgeForNote(ctx, scope, id); err != nil {
			return err
		}
		if err := repos.Attachments().DeleteForNote(ctx, scope, id); err != nil {
			return err
		}
		tags, err := repos.Tags().ForNote(ctx, scope, id)
		if err != nil {
			return err
		}
		for _, nt := range tags {
			if err := repos.Tags().Detach(ctx, scope, id, nt.Tag); err != nil {
				return err
			}
		}
		return repos.Notes().Purge(ctx, scope, id)
	})
	if err != nil {
		return fmt.Errorf("knowledge: purge note %s: %w", id, err)
	}
	return nil
}

// GetNote fetches a note and its content.
func (s *Service) GetNote(ctx context.Context, scope storage.Scope, id string) (*storage.Note, *storage.NoteOriginal, error) {
	var note *storage.Note
	var original *storage.NoteOriginal
	err := s.exec.Execute(ctx, scope, func(ctx context.Context, repos storage.Repos) error {
		var err error
		note, original, err = repos.Notes().Get(ctx, scope, id)
		return err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("knowledge: get note %s: %w", id, err)
	}
	if note == nil {
		return nil, nil, ferrors.Newf(ferrors.NotFound, "knowledge", "note %q does not exist", id)
	}
	return note, original, nil
}

// ListNotes pages through notes under filter.
func (s *Service) ListNotes(ctx context.Context, scope storage.Scope, filter storage.NoteFilter) (storage.NoteList, error) {
	var list storage.NoteList
	err := s.exec.Execute(ctx, scope, func(ctx context.Context, repos storage.Repos) error {
		var err error
		list, err = repos.Notes().List(ctx, scope, filter)
		return err
	})
	if err != nil {
		return storage.NoteList{}, fmt.Errorf("knowledge: list notes: %w", err)
	}
	return list, nil
}

func staleEmbeddings(ctx context.Context, repos storage.Repos, scope storage.Scope, noteID string) error {
	embeddings, err := repos.Embeddings().ForNote(ctx, scope, noteID)
	if err != nil {
		return err
	}
	seen := map[string]bool{}
	for _, e := range embeddings {
		if seen[e.SetID] {
			continue
		}
		seen[e.SetID] = true
		if err := repos.Embeddings().SetStatus(ctx, scope, e.SetID, storage.IndexStale); err != nil {
			return err
		}
	}
	return nil
}

func newID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("knowledge: generate id: %w", err)
	}
	return id.String(), nil
}

func hashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func titleFromContent(content string) string {
	const maxLen = 80
	for i, r := range content {
		if r == '\n' {
			content = content[:i]
			break
		}
	}
	if len(content) > maxLen {
		return content[:maxLen]
	}
	return content
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func filenameOf(meta storage.Bag) string {
	if meta == nil {
		return ""
	}
	if v, ok := meta["filename"].(string); ok {
		return v
	}
	return ""
}
