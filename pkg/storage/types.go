// Package storage defines Fortemi's storage abstraction: a set of
// repository interfaces exposing transactional relational access, ANN
// vector search, full-text search, and recursive graph traversal.
//
// Every higher-level component speaks to persistent state exclusively
// through these interfaces; nothing outside an implementation of this
// package issues raw queries. Implementations (see the postgres
// sub-package) must be safe for concurrent use.
package storage

import "time"

// RevisionMode controls whether note creation queues an AI revision job.
type RevisionMode string

const (
	RevisionNone  RevisionMode = "none"
	RevisionLight RevisionMode = "light"
	RevisionFull  RevisionMode = "full"
)

// TagSource identifies who attached a tag to a note.
type TagSource string

const (
	TagSourceUser TagSource = "user"
	TagSourceAI   TagSource = "ai"
)

// LinkKind classifies the relationship a Link expresses.
type LinkKind string

const (
	LinkKindRelated LinkKind = "related"
	LinkKindUser    LinkKind = "user"
)

// IndexStatus is the lifecycle state of an EmbeddingSet's ANN index.
type IndexStatus string

const (
	IndexEmpty    IndexStatus = "empty"
	IndexPending  IndexStatus = "pending"
	IndexBuilding IndexStatus = "building"
	IndexReady    IndexStatus = "ready"
	IndexStale    IndexStatus = "stale"
	IndexDisabled IndexStatus = "disabled"
)

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// ExtractionStatus tracks attachment text extraction progress.
type ExtractionStatus string

const (
	ExtractionPending   ExtractionStatus = "pending"
	ExtractionDone      ExtractionStatus = "done"
	ExtractionFailed    ExtractionStatus = "failed"
	ExtractionNotNeeded ExtractionStatus = "not_needed"
)

// SkosRelationType enumerates the SKOS relation vocabulary.
type SkosRelationType string

const (
	SkosBroader SkosRelationType = "broader"
	SkosNarrower SkosRelationType = "narrower"
	SkosRelated  SkosRelationType = "related"
	SkosMapping  SkosRelationType = "mapping"
)

// Bag is a JSON-backed open-ended key/value document. Core components
// never introspect a Bag except inside the handler or repository that owns
// its specific shape.
type Bag map[string]any

// Note is the central knowledge-model entity. Every user-visible mutation
// touches exactly one Note row (or its children) within exactly one
// archive.
type Note struct {
	ID           string
	Format       string
	Source       string
	CollectionID string // weak ref; empty means uncategorized
	Starred      bool
	Archived     bool
	Title        string
	Metadata     Bag
	Lat          *float64 // nil means no location attached
	Lon          *float64
	CreatedAt    time.Time
	UpdatedAt    time.Time
	AccessedAt   time.Time
	DeletedAt    *time.Time
}

// NoteOriginal is the immutable content row created alongside its Note.
type NoteOriginal struct {
	NoteID      string
	Content     string
	ContentHash string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NoteRevision is an append-only AI-authored edit of a note's content.
type NoteRevision struct {
	ID        string
	NoteID    string
	Content   string
	Rationale string
	ModelID   string
	AIMeta    Bag
	CreatedAt time.Time
}

// Tag is an interned, canonically-lowercased label.
type Tag struct {
	Name      string
	CreatedAt time.Time
}

// NoteTag is the join row between a Note and a Tag.
type NoteTag struct {
	NoteID string
	Tag    string
	Source TagSource
}

// SkosConcept is a node in a concept scheme's hierarchy.
type SkosConcept struct {
	ID          string
	SchemeID    string
	PrefLabel   string
	Notation    string
	Obsolete    bool
	ReplacedBy  string // weak ref; empty when not merged away
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SkosRelation is a directed typed edge between two SkosConcepts.
type SkosRelation struct {
	SubjectID string
	ObjectID  string
	Type      SkosRelationType
}

// Collection groups notes, optionally nested under a parent.
type Collection struct {
	ID          string
	Name        string
	Description string
	ParentID    string // weak ref; empty at tree root
	CreatedAt   time.Time
}

// Link is a directed edge from one note to another note or an external
// URL, created by the auto-linker or a user.
type Link struct {
	ID       string
	FromNote string
	ToNote   string // empty when ToURL is set
	ToURL    string
	Kind     LinkKind
	Score    float64
	Metadata Bag
	CreatedAt time.Time
}

// EmbeddingSet is a named collection of dense vectors produced by one
// model at one dimension.
type EmbeddingSet struct {
	ID        string
	Name      string
	Slug      string
	ModelID   string
	Dimension int
	IsDefault bool
	Status    IndexStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Embedding is a single vector over a chunk of a note's content.
type Embedding struct {
	ID         string
	SetID      string
	NoteID     string
	ChunkIndex int
	TextSpan   string
	Vector     []float32
	ModelID    string
	CreatedAt  time.Time
}

// Job is a unit of deferred work persisted in the queue.
type Job struct {
	ID                string
	Type              string
	Status            JobStatus
	Priority          int
	Payload           Bag
	Result            Bag
	Error             string
	ProgressPercent   int
	ProgressMessage   string
	RetryCount        int
	MaxRetries        int
	EstimatedDuration time.Duration
	ActualDuration    time.Duration
	Archive           string
	CreatedAt         time.Time
	ScheduledAt       time.Time
	StartedAt         *time.Time
	CompletedAt       *time.Time
}

// Attachment is an uploaded binary associated with a note.
type Attachment struct {
	ID               string
	NoteID           string
	ContentType      string
	Size             int64
	StorageKey       string
	ExtractedText    string
	ExtractionStatus ExtractionStatus
	CreatedAt        time.Time
}

// Archive describes an isolated storage namespace ("memory").
type Archive struct {
	Name          string
	SchemaName    string
	NoteCount     int64
	SizeBytes     int64
	CreatedAt     time.Time
	LastAccessed  time.Time
	SchemaVersion int
}

// DefaultArchive is the implicit namespace used when no memory header is
// present on a request.
const DefaultArchive = "public"
