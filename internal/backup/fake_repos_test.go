package backup_test

import (
	"context"
	"sort"
	"sync"

	"github.com/fortemi/fortemi/pkg/storage"
)

// memStore is a minimal in-memory fake of storage.Repos covering exactly
// what internal/backup exercises: Notes, Tags, Collections, Links,
// Embeddings. Modelled on internal/pipeline's pipeline_test.go memStore.
type memStore struct {
	mu          sync.Mutex
	notes       map[string]storage.Note
	originals   map[string]storage.NoteOriginal
	revisions   map[string]storage.NoteRevision
	tags        map[string]storage.Tag
	noteTags    map[string][]storage.NoteTag
	collections map[string]storage.Collection
	links       map[string]storage.Link
	sets        map[string]storage.EmbeddingSet
	embeddings  map[string][]storage.Embedding // keyed by set id
}

func newMemStore() *memStore {
	return &memStore{
		notes:       map[string]storage.Note{},
		originals:   map[string]storage.NoteOriginal{},
		revisions:   map[string]storage.NoteRevision{},
		tags:        map[string]storage.Tag{},
		noteTags:    map[string][]storage.NoteTag{},
		collections: map[string]storage.Collection{},
		links:       map[string]storage.Link{},
		sets:        map[string]storage.EmbeddingSet{},
		embeddings:  map[string][]storage.Embedding{},
	}
}

func (m *memStore) Execute(ctx context.Context, _ storage.Scope, fn storage.TxFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(ctx, fakeRepos{m})
}

type fakeRepos struct{ s *memStore }

func (f fakeRepos) Notes() storage.NoteRepo             { return noteRepo{f.s} }
func (f fakeRepos) Tags() storage.TagRepo               { return tagRepo{f.s} }
func (f fakeRepos) Skos() storage.SkosRepo              { return nil }
func (f fakeRepos) Collections() storage.CollectionRepo { return collectionRepo{f.s} }
func (f fakeRepos) Links() storage.LinkRepo             { return linkRepo{f.s} }
func (f fakeRepos) Embeddings() storage.EmbeddingRepo   { return embeddingRepo{f.s} }
func (f fakeRepos) Attachments() storage.AttachmentRepo { return nil }
func (f fakeRepos) Jobs() storage.JobRepo               { return nil }
func (f fakeRepos) Archives() storage.ArchiveRepo       { return nil }
func (f fakeRepos) Search() storage.SearchRepo          { return nil }
func (f fakeRepos) Webhooks() storage.WebhookRepo       { return nil }

// ─── notes ──────────────────────────────────────────────────────────────────

type noteRepo struct{ s *memStore }

func (r noteRepo) Create(ctx context.Context, _ storage.Scope, n storage.Note, o storage.NoteOriginal) error {
	r.s.notes[n.ID] = n
	r.s.originals[n.ID] = o
	return nil
}

func (r noteRepo) Get(ctx context.Context, _ storage.Scope, id string) (*storage.Note, *storage.NoteOriginal, error) {
	n, ok := r.s.notes[id]
	if !ok {
		return nil, nil, nil
	}
	o := r.s.originals[id]
	return &n, &o, nil
}

func (r noteRepo) List(ctx context.Context, _ storage.Scope, filter storage.NoteFilter) (storage.NoteList, error) {
	var ids []string
	for id := range r.s.notes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	start := filter.Offset
	if start > len(ids) {
		start = len(ids)
	}
	end := len(ids)
	if filter.Limit > 0 && start+filter.Limit < end {
		end = start + filter.Limit
	}

	var out []storage.Note
	for _, id := range ids[start:end] {
		out = append(out, r.s.notes[id])
	}
	return storage.NoteList{Notes: out, Total: len(ids)}, nil
}

func (r noteRepo) UpdateMetadata(ctx context.Context, _ storage.Scope, id string, fields storage.NotePatch) error {
	return nil
}
func (r noteRepo) AppendEdit(ctx context.Context, _ storage.Scope, id, content, contentHash string) error {
	return nil
}

func (r noteRepo) AddRevision(ctx context.Context, _ storage.Scope, rev storage.NoteRevision) error {
	r.s.revisions[rev.NoteID] = rev
	return nil
}

func (r noteRepo) LatestRevision(ctx context.Context, _ storage.Scope, noteID string) (*storage.NoteRevision, error) {
	rev, ok := r.s.revisions[noteID]
	if !ok {
		return nil, nil
	}
	return &rev, nil
}

func (r noteRepo) SoftDelete(ctx context.Context, _ storage.Scope, id string) error { return nil }
func (r noteRepo) Restore(ctx context.Context, _ storage.Scope, id string) error    { return nil }

func (r noteRepo) Purge(ctx context.Context, _ storage.Scope, id string) error {
	delete(r.s.notes, id)
	delete(r.s.originals, id)
	delete(r.s.revisions, id)
	delete(r.s.noteTags, id)
	return nil
}

func (r noteRepo) NearLocation(ctx context.Context, _ storage.Scope, lat, lon, radiusKM float64, limit int) ([]storage.NoteDistance, error) {
	return nil, nil
}

// ─── tags ───────────────────────────────────────────────────────────────────

type tagRepo struct{ s *memStore }

func (r tagRepo) Intern(ctx context.Context, _ storage.Scope, name string) error {
	if _, ok := r.s.tags[name]; !ok {
		r.s.tags[name] = storage.Tag{Name: name}
	}
	return nil
}

func (r tagRepo) Attach(ctx context.Context, _ storage.Scope, noteID, tag string, source storage.TagSource) error {
	for _, nt := range r.s.noteTags[noteID] {
		if nt.Tag == tag {
			return nil
		}
	}
	r.s.noteTags[noteID] = append(r.s.noteTags[noteID], storage.NoteTag{NoteID: noteID, Tag: tag, Source: source})
	return nil
}

func (r tagRepo) Detach(ctx context.Context, _ storage.Scope, noteID, tag string) error { return nil }

func (r tagRepo) ForNote(ctx context.Context, _ storage.Scope, noteID string) ([]storage.NoteTag, error) {
	return r.s.noteTags[noteID], nil
}

func (r tagRepo) RefCount(ctx context.Context, _ storage.Scope, tag string) (int, error) { return 0, nil }
func (r tagRepo) Rename(ctx context.Context, _ storage.Scope, from, to string) error      { return nil }

func (r tagRepo) ListAll(ctx context.Context, _ storage.Scope) ([]storage.Tag, error) {
	var out []storage.Tag
	for _, t := range r.s.tags {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ─── collections ────────────────────────────────────────────────────────────

type collectionRepo struct{ s *memStore }

func (r collectionRepo) Create(ctx context.Context, _ storage.Scope, c storage.Collection) error {
	r.s.collections[c.ID] = c
	return nil
}

func (r collectionRepo) Get(ctx context.Context, _ storage.Scope, id string) (*storage.Collection, error) {
	c, ok := r.s.collections[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (r collectionRepo) GetByName(ctx context.Context, _ storage.Scope, name string) (*storage.Collection, error) {
	return nil, nil
}
func (r collectionRepo) Descendants(ctx context.Context, _ storage.Scope, id string) ([]storage.Collection, error) {
	return nil, nil
}
func (r collectionRepo) Delete(ctx context.Context, _ storage.Scope, id string, force bool) error {
	delete(r.s.collections, id)
	return nil
}

func (r collectionRepo) ListAll(ctx context.Context, _ storage.Scope) ([]storage.Collection, error) {
	var out []storage.Collection
	for _, c := range r.s.collections {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ─── links ──────────────────────────────────────────────────────────────────

type linkRepo struct{ s *memStore }

func (r linkRepo) Create(ctx context.Context, _ storage.Scope, l storage.Link) error {
	r.s.links[l.ID] = l
	return nil
}
func (r linkRepo) Upsert(ctx context.Context, _ storage.Scope, l storage.Link) error {
	r.s.links[l.ID] = l
	return nil
}
func (r linkRepo) Delete(ctx context.Context, _ storage.Scope, id string) error {
	delete(r.s.links, id)
	return nil
}
func (r linkRepo) Outgoing(ctx context.Context, _ storage.Scope, noteID string) ([]storage.Link, error) {
	return nil, nil
}
func (r linkRepo) Incoming(ctx context.Context, _ storage.Scope, noteID string) ([]storage.Link, error) {
	return nil, nil
}

func (r linkRepo) Between(ctx context.Context, _ storage.Scope, fromNote, toNote string) (*storage.Link, error) {
	for _, l := range r.s.links {
		if l.FromNote == fromNote && l.ToNote == toNote {
			found := l
			return &found, nil
		}
	}
	return nil, nil
}

func (r linkRepo) PurgeForNote(ctx context.Context, _ storage.Scope, noteID string) error { return nil }

func (r linkRepo) ListAll(ctx context.Context, _ storage.Scope) ([]storage.Link, error) {
	var out []storage.Link
	for _, l := range r.s.links {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ─── embeddings ─────────────────────────────────────────────────────────────

type embeddingRepo struct{ s *memStore }

func (r embeddingRepo) CreateSet(ctx context.Context, _ storage.Scope, set storage.EmbeddingSet) error {
	r.s.sets[set.ID] = set
	return nil
}

func (r embeddingRepo) GetSet(ctx context.Context, _ storage.Scope, id string) (*storage.EmbeddingSet, error) {
	s, ok := r.s.sets[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (r embeddingRepo) DefaultSet(ctx context.Context, _ storage.Scope) (*storage.EmbeddingSet, error) {
	return nil, nil
}
func (r embeddingRepo) SetStatus(ctx context.Context, _ storage.Scope, setID string, status storage.IndexStatus) error {
	return nil
}

func (r embeddingRepo) Insert(ctx context.Context, _ storage.Scope, e storage.Embedding) error {
	r.s.embeddings[e.SetID] = append(r.s.embeddings[e.SetID], e)
	return nil
}

func (r embeddingRepo) ForNote(ctx context.Context, _ storage.Scope, noteID string) ([]storage.Embedding, error) {
	return nil, nil
}
func (r embeddingRepo) DeleteForNote(ctx context.Context, _ storage.Scope, noteID string) error { return nil }
func (r embeddingRepo) Coverage(ctx context.Context, _ storage.Scope, setID string) (int, int, error) {
	return 0, 0, nil
}
func (r embeddingRepo) Search(ctx context.Context, _ storage.Scope, setID string, vector []float32, topK int, excludeNoteID string) ([]storage.EmbeddingHit, error) {
	return nil, nil
}

func (r embeddingRepo) ListSets(ctx context.Context, _ storage.Scope) ([]storage.EmbeddingSet, error) {
	var out []storage.EmbeddingSet
	for _, s := range r.s.sets {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r embeddingRepo) ListBySet(ctx context.Context, _ storage.Scope, setID string) ([]storage.Embedding, error) {
	out := append([]storage.Embedding{}, r.s.embeddings[setID]...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].NoteID != out[j].NoteID {
			return out[i].NoteID < out[j].NoteID
		}
		return out[i].ChunkIndex < out[j].ChunkIndex
	})
	return out, nil
}
