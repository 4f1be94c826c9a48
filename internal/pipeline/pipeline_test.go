package pipeline_test

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/fortemi/fortemi/internal/job"
	"github.com/fortemi/fortemi/internal/knowledge"
	"github.com/fortemi/fortemi/internal/pipeline"
	"github.com/fortemi/fortemi/internal/resilience"
	"github.com/fortemi/fortemi/pkg/provider/llm"
	"github.com/fortemi/fortemi/pkg/storage"
	"github.com/fortemi/fortemi/pkg/types"
)

// memStore is a minimal in-memory fake of storage.Repos covering exactly
// what this package's handlers exercise (Notes, Links, Embeddings).
type memStore struct {
	mu          sync.Mutex
	notes       map[string]storage.Note
	originals   map[string]storage.NoteOriginal
	revisions   map[string][]storage.NoteRevision
	links       map[string]storage.Link
	embeddings  map[string][]storage.Embedding
	embedStatus map[string]storage.IndexStatus
	sets        map[string]storage.EmbeddingSet
	searchHits  []storage.EmbeddingHit
}

func newMemStore() *memStore {
	return &memStore{
		notes: map[string]storage.Note{}, originals: map[string]storage.NoteOriginal{},
		revisions: map[string][]storage.NoteRevision{}, links: map[string]storage.Link{},
		embeddings: map[string][]storage.Embedding{}, embedStatus: map[string]storage.IndexStatus{},
		sets: map[string]storage.EmbeddingSet{},
	}
}

func (m *memStore) Execute(ctx context.Context, scope storage.Scope, fn storage.TxFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(ctx, fakeRepos{m})
}

type fakeRepos struct{ s *memStore }

func (f fakeRepos) Notes() storage.NoteRepo             { return noteRepo{f.s} }
func (f fakeRepos) Tags() storage.TagRepo               { return nil }
func (f fakeRepos) Skos() storage.SkosRepo              { return nil }
func (f fakeRepos) Collections() storage.CollectionRepo { return nil }
func (f fakeRepos) Links() storage.LinkRepo             { return linkRepo{f.s} }
func (f fakeRepos) Embeddings() storage.EmbeddingRepo   { return embeddingRepo{f.s} }
func (f fakeRepos) Attachments() storage.AttachmentRepo { return nil }
func (f fakeRepos) Jobs() storage.JobRepo               { return nil }
func (f fakeRepos) Archives() storage.ArchiveRepo       { return nil }
func (f fakeRepos) Search() storage.SearchRepo          { return nil }
func (f fakeRepos) Webhooks() storage.WebhookRepo       { return nil }

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
	var out []storage.Note
	for _, n := range r.s.notes {
		if filter.CollectionID != "" && n.CollectionID != filter.CollectionID {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return storage.NoteList{Notes: out, Total: len(out)}, nil
}
func (r noteRepo) UpdateMetadata(ctx context.Context, _ storage.Scope, id string, fields storage.NotePatch) error {
	n := r.s.notes[id]
	if fields.Title != nil {
		n.Title = *fields.Title
	}
	if fields.Metadata != nil {
		n.Metadata = fields.Metadata
	}
	r.s.notes[id] = n
	return nil
}
func (r noteRepo) AppendEdit(ctx context.Context, _ storage.Scope, id, content, hash string) error {
	o := r.s.originals[id]
	o.Content = content
	o.ContentHash = hash
	r.s.originals[id] = o
	return nil
}
func (r noteRepo) AddRevision(ctx context.Context, _ storage.Scope, rev storage.NoteRevision) error {
	r.s.revisions[rev.NoteID] = append(r.s.revisions[rev.NoteID], rev)
	return nil
}
func (r noteRepo) LatestRevision(ctx context.Context, _ storage.Scope, noteID string) (*storage.NoteRevision, error) {
	revs := r.s.revisions[noteID]
	if len(revs) == 0 {
		return nil, nil
	}
	rev := revs[len(revs)-1]
	return &rev, nil
}
func (r noteRepo) SoftDelete(ctx context.Context, _ storage.Scope, id string) error { return nil }
func (r noteRepo) Restore(ctx context.Context, _ storage.Scope, id string) error    { return nil }
func (r noteRepo) Purge(ctx context.Context, _ storage.Scope, id string) error      { return nil }

func (r noteRepo) NearLocation(ctx context.Context, _ storage.Scope, lat, lon, radiusKM float64, limit int) ([]storage.NoteDistance, error) {
	return nil, nil
}

type linkRepo struct{ s *memStore }

func (r linkRepo) Create(ctx context.Context, _ storage.Scope, l storage.Link) error {
	r.s.links[l.ID] = l
	return nil
}
func (r linkRepo) Upsert(ctx context.Context, _ storage.Scope, l storage.Link) error {
	for id, existing := range r.s.links {
		if existing.FromNote == l.FromNote && existing.ToNote == l.ToNote {
			l.ID = id
			r.s.links[id] = l
			return nil
		}
	}
	r.s.links[l.ID] = l
	return nil
}
func (r linkRepo) Delete(ctx context.Context, _ storage.Scope, id string) error {
	delete(r.s.links, id)
	return nil
}
func (r linkRepo) Outgoing(ctx context.Context, _ storage.Scope, noteID string) ([]storage.Link, error) {
	var out []storage.Link
	for _, l := range r.s.links {
		if l.FromNote == noteID {
			out = append(out, l)
		}
	}
	return out, nil
}
func (r linkRepo) Incoming(ctx context.Context, _ storage.Scope, noteID string) ([]storage.Link, error) {
	var out []storage.Link
	for _, l := range r.s.links {
		if l.ToNote == noteID {
			out = append(out, l)
		}
	}
	return out, nil
}
func (r linkRepo) Between(ctx context.Context, _ storage.Scope, fromNote, toNote string) (*storage.Link, error) {
	return nil, nil
}
func (r linkRepo) PurgeForNote(ctx context.Context, _ storage.Scope, noteID string) error {
	return nil
}
func (r linkRepo) ListAll(ctx context.Context, _ storage.Scope) ([]storage.Link, error) {
	return nil, nil
}

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
	for _, s := range r.s.sets {
		if s.IsDefault {
			return &s, nil
		}
	}
	return nil, nil
}
func (r embeddingRepo) SetStatus(ctx context.Context, _ storage.Scope, setID string, status storage.IndexStatus) error {
	r.s.embedStatus[setID] = status
	return nil
}
func (r embeddingRepo) Insert(ctx context.Context, _ storage.Scope, e storage.Embedding) error {
	r.s.embeddings[e.NoteID] = append(r.s.embeddings[e.NoteID], e)
	return nil
}
func (r embeddingRepo) ForNote(ctx context.Context, _ storage.Scope, noteID string) ([]storage.Embedding, error) {
	return r.s.embeddings[noteID], nil
}
func (r embeddingRepo) DeleteForNote(ctx context.Context, _ storage.Scope, noteID string) error {
	delete(r.s.embeddings, noteID)
	return nil
}
func (r embeddingRepo) Coverage(ctx context.Context, _ storage.Scope, setID string) (int, int, error) {
	return 0, 0, nil
}
func (r embeddingRepo) Search(ctx context.Context, _ storage.Scope, setID string, vector []float32, topK int, excludeNoteID string) ([]storage.EmbeddingHit, error) {
	return r.s.searchHits, nil
}
func (r embeddingRepo) ListSets(ctx context.Context, _ storage.Scope) ([]storage.EmbeddingSet, error) {
	out := make([]storage.EmbeddingSet, 0, len(r.s.sets))
	for _, s := range r.s.sets {
		out = append(out, s)
	}
	return out, nil
}
func (r embeddingRepo) ListBySet(ctx context.Context, _ storage.Scope, setID string) ([]storage.Embedding, error) {
	var out []storage.Embedding
	for _, embs := range r.s.embeddings {
		for _, e := range embs {
			if e.SetID == setID {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

// fakeJobs records every enqueued job type/payload.
type fakeJobs struct {
	mu   sync.Mutex
	jobs []struct {
		jobType string
		payload storage.Bag
	}
}

func (f *fakeJobs) Enqueue(ctx context.Context, scope storage.Scope, jobType string, payload storage.Bag, priority int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, struct {
		jobType string
		payload storage.Bag
	}{jobType, payload})
	return "job-" + jobType, nil
}

func (f *fakeJobs) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, j := range f.jobs {
		out = append(out, j.jobType)
	}
	return out
}

// fakeLLM returns a fixed response, recording the last request it saw.
type fakeLLM struct {
	response string
	lastReq  llm.CompletionRequest
}

func (f *fakeLLM) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	ch := make(chan llm.Chunk, 1)
	ch <- llm.Chunk{Text: f.response, FinishReason: "stop"}
	close(ch)
	return ch, nil
}
func (f *fakeLLM) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	f.lastReq = req
	return &llm.CompletionResponse{Content: f.response, Usage: llm.Usage{TotalTokens: 10}}, nil
}
func (f *fakeLLM) CountTokens(messages []types.Message) (int, error) { return len(messages), nil }
func (f *fakeLLM) Capabilities() types.ModelCapabilities             { return types.ModelCapabilities{} }

// fakeEmbeddings returns one fixed-dimension vector per input text.
type fakeEmbeddings struct {
	dim int
}

func (f *fakeEmbeddings) Embed(ctx context.Context, text string) ([]float32, error) {
	v, _ := f.EmbedBatch(ctx, []string{text})
	return v[0], nil
}
func (f *fakeEmbeddings) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		v := make([]float32, f.dim)
		v[0] = float32(i + 1)
		out[i] = v
	}
	return out, nil
}
func (f *fakeEmbeddings) Dimensions() int   { return f.dim }
func (f *fakeEmbeddings) ModelID() string   { return "fake-embed" }

func noBreaker() *resilience.CircuitBreaker {
	return resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{MaxFailures: 1000})
}

func TestTitleHandler_UsesLatestRevisionWhenPresent(t *testing.T) {
	store := newMemStore()
	store.notes["n1"] = storage.Note{ID: "n1"}
	store.originals["n1"] = storage.NoteOriginal{NoteID: "n1", Content: "original content line"}
	store.revisions["n1"] = []storage.NoteRevision{{NoteID: "n1", Content: "# Revised Title\nbody"}}

	h := pipeline.NewTitleHandler(pipeline.Deps{Exec: store})
	jctx := mustContext(t, "n1", nil)
	if _, err := h.Run(jctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if store.notes["n1"].Title != "Revised Title" {
		t.Fatalf("Title = %q, want %q", store.notes["n1"].Title, "Revised Title")
	}
}

func TestTitleHandler_FallsBackToOriginalContent(t *testing.T) {
	store := newMemStore()
	store.notes["n1"] = storage.Note{ID: "n1"}
	store.originals["n1"] = storage.NoteOriginal{NoteID: "n1", Content: "\n\nFirst real line of content here"}

	h := pipeline.NewTitleHandler(pipeline.Deps{Exec: store})
	jctx := mustContext(t, "n1", nil)
	if _, err := h.Run(jctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if store.notes["n1"].Title != "First real line of content here" {
		t.Fatalf("Title = %q", store.notes["n1"].Title)
	}
}

func TestRevisionHandler_WritesRevisionAndEnqueuesContextUpdate(t *testing.T) {
	store := newMemStore()
	store.notes["n1"] = storage.Note{ID: "n1", Metadata: storage.Bag{"neighbour_snippet": "B is related"}}
	store.originals["n1"] = storage.NoteOriginal{NoteID: "n1", Content: "draft content"}

	jobs := &fakeJobs{}
	llmFake := &fakeLLM{response: "revised content"}
	h := pipeline.NewRevisionHandler(pipeline.Deps{
		Exec: store, Jobs: jobs, LLM: llmFake, LLMBreaker: noBreaker(), LLMModelID: "fake-model",
	})

	jctx := mustContext(t, "n1", nil)
	result, err := h.Run(jctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, ok := result.Payload["revision_id"]; !ok {
		t.Fatal("expected a revision_id in result payload")
	}

	revs := store.revisions["n1"]
	if len(revs) != 1 || revs[0].Content != "revised content" {
		t.Fatalf("revisions = %+v", revs)
	}
	if revs[0].ModelID != "fake-model" {
		t.Fatalf("ModelID = %q", revs[0].ModelID)
	}

	jobTypes := jobs.types()
	if len(jobTypes) != 1 || jobTypes[0] != pipeline.TypeContextUpdate {
		t.Fatalf("enqueued jobs = %v, want [%s]", jobTypes, pipeline.TypeContextUpdate)
	}

	if llmFake.lastReq.Messages[0].Content == "" {
		t.Fatal("expected a non-empty prompt")
	}
}

func TestEmbeddingHandler_ChunksEmbedsAndEnqueuesLinking(t *testing.T) {
	store := newMemStore()
	store.notes["n1"] = storage.Note{ID: "n1", Metadata: storage.Bag{"filename": "note.md"}}
	store.originals["n1"] = storage.NoteOriginal{NoteID: "n1", Content: "# Heading\nshort body"}
	store.sets["set1"] = storage.EmbeddingSet{ID: "set1", ModelID: "fake-embed", Dimension: 4, IsDefault: true}

	jobs := &fakeJobs{}
	h := pipeline.NewEmbeddingHandler(pipeline.Deps{
		Exec: store, Jobs: jobs, DocTypes: knowledge.NewDefaultRegistry(),
		Embeddings: &fakeEmbeddings{dim: 4}, EmbeddingBreaker: noBreaker(), EmbedBatchSize: 10,
	})

	jctx := mustContext(t, "n1", nil)
	result, err := h.Run(jctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Payload["chunks_embedded"].(int) == 0 {
		t.Fatal("expected at least one chunk embedded")
	}
	if store.embedStatus["set1"] != storage.IndexReady {
		t.Fatalf("set status = %s, want ready", store.embedStatus["set1"])
	}
	if len(store.embeddings["n1"]) == 0 {
		t.Fatal("expected embeddings to be inserted")
	}

	jobTypes := jobs.types()
	if len(jobTypes) != 1 || jobTypes[0] != pipeline.TypeLinking {
		t.Fatalf("enqueued jobs = %v, want [%s]", jobTypes, pipeline.TypeLinking)
	}
}

func TestEmbeddingHandler_DimensionMismatchIsRejected(t *testing.T) {
	store := newMemStore()
	store.notes["n1"] = storage.Note{ID: "n1"}
	store.originals["n1"] = storage.NoteOriginal{NoteID: "n1", Content: "body"}
	store.sets["set1"] = storage.EmbeddingSet{ID: "set1", Dimension: 99, IsDefault: true}

	h := pipeline.NewEmbeddingHandler(pipeline.Deps{
		Exec: store, Jobs: &fakeJobs{}, DocTypes: knowledge.NewDefaultRegistry(),
		Embeddings: &fakeEmbeddings{dim: 4}, EmbeddingBreaker: noBreaker(),
	})

	jctx := mustContext(t, "n1", nil)
	if _, err := h.Run(jctx); err == nil {
		t.Fatal("expected a dimension mismatch error")
	}
}

func TestLinkingHandler_UpsertsBidirectionalLinksAboveThreshold(t *testing.T) {
	store := newMemStore()
	store.embeddings["n1"] = []storage.Embedding{{NoteID: "n1", SetID: "set1", Vector: []float32{1, 0}}}
	store.searchHits = []storage.EmbeddingHit{
		{Embedding: storage.Embedding{NoteID: "n2"}, Distance: 0.1},  // similarity 0.9
		{Embedding: storage.Embedding{NoteID: "n3"}, Distance: 0.5},  // similarity 0.5, below threshold
	}

	h := pipeline.NewLinkingHandler(pipeline.Deps{Exec: store, AutoLinkThreshold: 0.70, AutoLinkTopK: 8})
	jctx := mustContext(t, "n1", storage.Bag{"set_id": "set1"})

	result, err := h.Run(jctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Payload["links_created"].(int) != 1 {
		t.Fatalf("links_created = %v, want 1", result.Payload["links_created"])
	}

	var forward, reverse bool
	for _, l := range store.links {
		if l.FromNote == "n1" && l.ToNote == "n2" {
			forward = true
		}
		if l.FromNote == "n2" && l.ToNote == "n1" {
			reverse = true
		}
		if l.ToNote == "n3" || l.FromNote == "n3" {
			t.Fatalf("unexpected link to/from n3 (below threshold): %+v", l)
		}
	}
	if !forward || !reverse {
		t.Fatal("expected both forward and reverse links to be created")
	}
}

func TestLinkingHandler_NoEmbeddingsIsNoOp(t *testing.T) {
	store := newMemStore()
	h := pipeline.NewLinkingHandler(pipeline.Deps{Exec: store})
	jctx := mustContext(t, "n1", nil)
	result, err := h.Run(jctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Payload["links_created"].(int) != 0 {
		t.Fatal("expected no-op with zero links created")
	}
}

func TestLinkingHandler_IsIdempotent(t *testing.T) {
	store := newMemStore()
	store.embeddings["n1"] = []storage.Embedding{{NoteID: "n1", SetID: "set1", Vector: []float32{1, 0}}}
	store.searchHits = []storage.EmbeddingHit{{Embedding: storage.Embedding{NoteID: "n2"}, Distance: 0.1}}

	h := pipeline.NewLinkingHandler(pipeline.Deps{Exec: store, AutoLinkThreshold: 0.70})
	jctx := mustContext(t, "n1", storage.Bag{"set_id": "set1"})
	if _, err := h.Run(jctx); err != nil {
		t.Fatalf("first run: %v", err)
	}
	countAfterFirst := len(store.links)

	jctx2 := mustContext(t, "n1", storage.Bag{"set_id": "set1"})
	if _, err := h.Run(jctx2); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(store.links) != countAfterFirst {
		t.Fatalf("link count changed on rerun: %d -> %d", countAfterFirst, len(store.links))
	}
}

func TestContextHandler_BuildsSnippetFromLinksRevisionAndSiblings(t *testing.T) {
	store := newMemStore()
	store.notes["n1"] = storage.Note{ID: "n1", CollectionID: "c1"}
	store.notes["n2"] = storage.Note{ID: "n2", CollectionID: "c1", Title: "Sibling note"}
	store.originals["n1"] = storage.NoteOriginal{NoteID: "n1", Content: "body"}
	store.links["l1"] = storage.Link{ID: "l1", FromNote: "n1", ToNote: "n2"}
	store.revisions["n1"] = []storage.NoteRevision{{NoteID: "n1", Rationale: "clarity pass"}}

	h := pipeline.NewContextHandler(pipeline.Deps{Exec: store})
	jctx := mustContext(t, "n1", nil)
	if _, err := h.Run(jctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	snippet, _ := store.notes["n1"].Metadata["neighbour_snippet"].(string)
	if snippet == "" {
		t.Fatal("expected a non-empty neighbour snippet")
	}
}

// mustContext builds a *job.Context wired to a no-op progress/cancellation
// pair, sufficient for exercising a handler's Run method directly (without
// going through Pool).
func mustContext(t *testing.T, noteID string, payload storage.Bag) *job.Context {
	t.Helper()
	if payload == nil {
		payload = storage.Bag{}
	}
	return job.NewContext(context.Background(), "test-job", noteID, payload, storage.DefaultScope(), nil, nil)
}
