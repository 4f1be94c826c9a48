package storage

import (
	"context"
	"time"
)

// Scope binds a repository call to one archive (memory) namespace. Every
// repository method takes a Scope as its first argument after ctx so that
// implementations can switch the session-local search_path (or equivalent)
// before issuing a query.
type Scope struct {
	Archive string
}

// DefaultScope returns a Scope bound to [DefaultArchive].
func DefaultScope() Scope { return Scope{Archive: DefaultArchive} }

// TxFunc is the body of a unit of work executed by [Executor.Execute]. The
// repositories passed in are bound to the same transaction and the same
// scope as the outer call; returning a non-nil error rolls the transaction
// back.
type TxFunc func(ctx context.Context, tx Repos) error

// Executor begins a transaction scoped to an archive and commits it only if
// fn returns nil. This is the combinator through which cross-repository
// atomicity (e.g. create-note-with-tags-and-queue-job) is expressed.
type Executor interface {
	Execute(ctx context.Context, scope Scope, fn TxFunc) error
}

// Repos bundles every repository interface behind one accessor so handlers
// and the Executor can pass a single value around.
type Repos interface {
	Notes() NoteRepo
	Tags() TagRepo
	Skos() SkosRepo
	Collections() CollectionRepo
	Links() LinkRepo
	Embeddings() EmbeddingRepo
	Attachments() AttachmentRepo
	Jobs() JobRepo
	Archives() ArchiveRepo
	Search() SearchRepo
	Webhooks() WebhookRepo
}

// NoteFilter narrows a note listing. Zero-valued fields are not applied.
type NoteFilter struct {
	CollectionID    string
	IncludeArchived bool
	IncludeDeleted  bool
	Starred         *bool
	RequiredTags    []string
	AnyTags         []string
	ExcludedTags    []string
	DateFrom        *time.Time
	DateTo          *time.Time
	Limit           int
	Offset          int
}

// NoteDistance pairs a note with its great-circle distance, in kilometres,
// from a [NoteRepo.NearLocation] query point.
type NoteDistance struct {
	Note       Note
	DistanceKM float64
}

// NoteList is a page of notes plus the true total count ignoring paging.
type NoteList struct {
	Notes []Note
	Total int
}

// NoteRepo exposes CRUD and lifecycle operations on Note/NoteOriginal/
// NoteRevision.
type NoteRepo interface {
	Create(ctx context.Context, scope Scope, note Note, original NoteOriginal) error
	Get(ctx context.Context, scope Scope, id string) (*Note, *NoteOriginal, error)
	List(ctx context.Context, scope Scope, filter NoteFilter) (NoteList, error)
	UpdateMetadata(ctx context.Context, scope Scope, id string, fields NotePatch) error
	AppendEdit(ctx context.Context, scope Scope, id, content, contentHash string) error
	AddRevision(ctx context.Context, scope Scope, rev NoteRevision) error
	LatestRevision(ctx context.Context, scope Scope, noteID string) (*NoteRevision, error)
	SoftDelete(ctx context.Context, scope Scope, id string) error
	Restore(ctx context.Context, scope Scope, id string) error
	Purge(ctx context.Context, scope Scope, id string) error

	// NearLocation returns notes with an attached location within radiusKM
	// of (lat, lon), nearest first, for the search engine's spatial mode.
	NearLocation(ctx context.Context, scope Scope, lat, lon, radiusKM float64, limit int) ([]NoteDistance, error)
}

// NotePatch carries a partial note update. Nil pointer fields are left
// unchanged. It carries no tags; tag changes go through [TagRepo].
type NotePatch struct {
	Title        *string
	Starred      *bool
	Archived     *bool
	CollectionID *string
	Metadata     Bag
}

// TagRepo interns and manages tag refcounts.
type TagRepo interface {
	Intern(ctx context.Context, scope Scope, name string) error
	Attach(ctx context.Context, scope Scope, noteID, tag string, source TagSource) error
	Detach(ctx context.Context, scope Scope, noteID, tag string) error
	ForNote(ctx context.Context, scope Scope, noteID string) ([]NoteTag, error)
	RefCount(ctx context.Context, scope Scope, tag string) (int, error)
	Rename(ctx context.Context, scope Scope, from, to string) error

	// ListAll returns every interned tag in the archive, ordered by name.
	// Used by internal/backup to enumerate the "tags" shard component.
	ListAll(ctx context.Context, scope Scope) ([]Tag, error)
}

// SkosRepo manages concept schemes and their hierarchy.
type SkosRepo interface {
	CreateConcept(ctx context.Context, scope Scope, c SkosConcept) error
	GetConcept(ctx context.Context, scope Scope, id string) (*SkosConcept, error)
	UpdateConcept(ctx context.Context, scope Scope, c SkosConcept) error
	AddRelation(ctx context.Context, scope Scope, rel SkosRelation) error
	RemoveRelation(ctx context.Context, scope Scope, subjectID, objectID string, typ SkosRelationType) error
	Ancestors(ctx context.Context, scope Scope, id string, maxDepth int) ([]SkosConcept, error)
	Descendants(ctx context.Context, scope Scope, id string, maxDepth int) ([]SkosConcept, error)
	Merge(ctx context.Context, scope Scope, sourceIDs []string, targetID string) error
}

// CollectionRepo manages the (possibly tree-shaped) collection namespace.
type CollectionRepo interface {
	Create(ctx context.Context, scope Scope, c Collection) error
	Get(ctx context.Context, scope Scope, id string) (*Collection, error)
	GetByName(ctx context.Context, scope Scope, name string) (*Collection, error)
	Descendants(ctx context.Context, scope Scope, id string) ([]Collection, error)
	Delete(ctx context.Context, scope Scope, id string, force bool) error

	// ListAll returns every collection in the archive, ordered by id. Used
	// by internal/backup to enumerate the "collections" shard component.
	ListAll(ctx context.Context, scope Scope) ([]Collection, error)
}

// LinkRepo manages directed note-to-note/URL links.
type LinkRepo interface {
	Create(ctx context.Context, scope Scope, l Link) error
	Upsert(ctx context.Context, scope Scope, l Link) error
	Delete(ctx context.Context, scope Scope, id string) error
	Outgoing(ctx context.Context, scope Scope, noteID string) ([]Link, error)
	Incoming(ctx context.Context, scope Scope, noteID string) ([]Link, error)
	Between(ctx context.Context, scope Scope, fromNote, toNote string) (*Link, error)
	PurgeForNote(ctx context.Context, scope Scope, noteID string) error

	// ListAll returns every link in the archive, ordered by id. Used by
	// internal/backup to enumerate the "links" shard component.
	ListAll(ctx context.Context, scope Scope) ([]Link, error)
}

// EmbeddingRepo manages embedding sets and their vectors, and exposes the
// ANN search primitive.
type EmbeddingRepo interface {
	CreateSet(ctx context.Context, scope Scope, s EmbeddingSet) error
	GetSet(ctx context.Context, scope Scope, id string) (*EmbeddingSet, error)
	DefaultSet(ctx context.Context, scope Scope) (*EmbeddingSet, error)
	SetStatus(ctx context.Context, scope Scope, setID string, status IndexStatus) error
	Insert(ctx context.Context, scope Scope, e Embedding) error
	ForNote(ctx context.Context, scope Scope, noteID string) ([]Embedding, error)
	DeleteForNote(ctx context.Context, scope Scope, noteID string) error
	Coverage(ctx context.Context, scope Scope, setID string) (embedded, total int, err error)

	// Search performs an ANN top-K cosine-distance search within setID.
	// excludeNoteID, when non-empty, omits chunks of that note (used by the
	// auto-linker so a note never neighbours itself).
	Search(ctx context.Context, scope Scope, setID string, vector []float32, topK int, excludeNoteID string) ([]EmbeddingHit, error)

	// ListSets returns every embedding set in the archive, ordered by id.
	// Used by internal/backup to enumerate the "embedding_sets" component.
	ListSets(ctx context.Context, scope Scope) ([]EmbeddingSet, error)

	// ListBySet returns every embedding belonging to setID, ordered by
	// (note_id, chunk_index). Used by internal/backup to enumerate the
	// "embeddings" shard component one set at a time.
	ListBySet(ctx context.Context, scope Scope, setID string) ([]Embedding, error)
}

// EmbeddingHit pairs a retrieved embedding with its cosine distance from
// the query vector.
type EmbeddingHit struct {
	Embedding Embedding
	Distance  float64
}

// AttachmentRepo manages uploaded binaries.
type AttachmentRepo interface {
	Create(ctx context.Context, scope Scope, a Attachment) error
	Get(ctx context.Context, scope Scope, id string) (*Attachment, error)
	ForNote(ctx context.Context, scope Scope, noteID string) ([]Attachment, error)
	SetExtraction(ctx context.Context, scope Scope, id, text string, status ExtractionStatus) error
	DeleteForNote(ctx context.Context, scope Scope, noteID string) error
}

// JobClaim is returned by [JobRepo.Claim] for the job a worker now owns.
type JobClaim struct {
	Job Job
}

// JobRepo persists the job queue. Implementations must guarantee
// at-most-one concurrent Claim of the same row.
type JobRepo interface {
	Enqueue(ctx context.Context, scope Scope, j Job) (string, error)
	Get(ctx context.Context, id string) (*Job, error)
	// Claim selects and locks the highest-priority, oldest-created pending
	// (or due-for-retry) job whose type is in types (all types if empty),
	// transitioning it to running. Returns (nil, nil) when the queue is
	// empty.
	Claim(ctx context.Context, types []string) (*Job, error)
	Progress(ctx context.Context, id string, percent int, message string) error
	Complete(ctx context.Context, id string, result Bag) error
	Fail(ctx context.Context, id string, errMsg string, retryDelay func(attempt int) time.Duration) error
	Cancel(ctx context.Context, id string) error
	// SweepExpiredLeases marks running jobs whose StartedAt predates the
	// lease timeout as failed-for-retry, returning the affected job ids.
	SweepExpiredLeases(ctx context.Context, leaseTimeout time.Duration) ([]string, error)
	RecordHistory(ctx context.Context, jobType string, duration time.Duration, success bool) error
	EstimatedDuration(ctx context.Context, jobType string) (time.Duration, error)
}

// TextConfig names a PostgreSQL full-text search configuration
// (regconfig), selected per-query by internal/search's script detector.
type TextConfig string

const (
	TextConfigSimple     TextConfig = "simple"
	TextConfigEnglish    TextConfig = "english"
	TextConfigGerman     TextConfig = "german"
	TextConfigFrench     TextConfig = "french"
	TextConfigSpanish    TextConfig = "spanish"
	TextConfigPortuguese TextConfig = "portuguese"
	TextConfigRussian    TextConfig = "russian"
)

// FTSHit is one full-text search result: the owning note, a source marker
// (original content vs. a later revision), and a BM25/tf-idf-style rank
// produced by ts_rank.
type FTSHit struct {
	NoteID string
	Source string // "original" or "revision"
	Rank   float64
	Title  string
}

// SearchRepo exposes the lexical retrieval primitives behind the hybrid
// search engine: tsvector/tsquery full-text ranking plus trigram/bigram
// substring fallbacks for scripts tsvector stemming doesn't suit.
type SearchRepo interface {
	// FTS ranks notes (title + latest content) against q under config,
	// using plainto_tsquery boolean/phrase parsing and ts_rank scoring.
	FTS(ctx context.Context, scope Scope, q string, config TextConfig, limit int) ([]FTSHit, error)

	// Trigram does a pg_trgm similarity search, for emoji/symbol queries
	// where stemmed tokenization would discard the query entirely.
	Trigram(ctx context.Context, scope Scope, q string, limit int) ([]FTSHit, error)

	// Bigram does a substring search over 2-codepoint shingles, for CJK
	// queries where there is no whitespace to tokenize on.
	Bigram(ctx context.Context, scope Scope, q string, limit int) ([]FTSHit, error)
}

// ArchiveRepo manages the archive registry (distinct from per-archive
// tables, which are owned by migrate/clone operations in internal/archive).
type ArchiveRepo interface {
	Create(ctx context.Context, a Archive) error
	Get(ctx context.Context, name string) (*Archive, error)
	List(ctx context.Context) ([]Archive, error)
	Delete(ctx context.Context, name string) error
	UpdateSchemaVersion(ctx context.Context, name string, version int) error
	Touch(ctx context.Context, name string) error
}

// WebhookDelivery is one append-only attempt row for a persisted webhook
// event (spec.md §4.8). Rows are never updated in place beyond the
// attempt/next-attempt/delivered/abandoned bookkeeping fields.
type WebhookDelivery struct {
	ID          string
	Subscriber  string
	Channel     string
	Payload     Bag
	Attempts    int
	NextAttempt time.Time
	DeliveredAt *time.Time
	Abandoned   bool
	CreatedAt   time.Time
}

// WebhookRepo persists the webhook delivery queue shared across every
// archive. Subscriber registration itself is held in process memory by
// internal/broadcast; only the delivery attempts are durable, for audit and
// so retries survive a restart.
type WebhookRepo interface {
	// Enqueue records a new pending delivery, due immediately.
	Enqueue(ctx context.Context, subscriber, channel string, payload Bag) (string, error)
	// ClaimDue returns up to limit deliveries whose NextAttempt has passed
	// and which are neither delivered nor abandoned, oldest first.
	ClaimDue(ctx context.Context, limit int) ([]WebhookDelivery, error)
	MarkDelivered(ctx context.Context, id string) error
	// MarkRetry increments the attempt count and schedules nextAttempt.
	MarkRetry(ctx context.Context, id string, attempts int, nextAttempt time.Time) error
	MarkAbandoned(ctx context.Context, id string) error
}
