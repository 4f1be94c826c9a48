package job

import (
	"context"
	"sync"

	"github.com/fortemi/fortemi/pkg/storage"
)

// Context is passed to a [Handler]'s Run method. NoteID is optional (only
// some job types are note-scoped). Progress should be called at every
// meaningful checkpoint: it both reports progress and is the point at which
// cooperative cancellation is observed (see [Context.Cancelled]).
type Context struct {
	context.Context

	JobID   string
	NoteID  string
	Payload storage.Bag
	Scope   storage.Scope

	progress func(percent int, message string) error
	cancelled func() bool
}

// NewContext builds a Context directly, for callers (handler tests) that
// need to exercise a Handler.Run without going through a Pool. progress and
// cancelled may be nil, in which case Progress never reports cancellation
// and always succeeds.
func NewContext(ctx context.Context, jobID, noteID string, payload storage.Bag, scope storage.Scope, progress func(percent int, message string) error, cancelled func() bool) *Context {
	if progress == nil {
		progress = func(int, string) error { return nil }
	}
	if cancelled == nil {
		cancelled = func() bool { return false }
	}
	return &Context{
		Context:   ctx,
		JobID:     jobID,
		NoteID:    noteID,
		Payload:   payload,
		Scope:     scope,
		progress:  progress,
		cancelled: cancelled,
	}
}

// Progress reports percent/message and returns [context.Canceled] if the
// job has been cancelled since the last checkpoint — handlers should treat
// a non-nil return as a request to stop and return that error from Run.
func (c *Context) Progress(percent int, message string) error {
	if c.cancelled() {
		return context.Canceled
	}
	return c.progress(percent, message)
}

// Result is the payload a [Handler] returns on success.
type Result struct {
	Payload storage.Bag
}

// Handler processes one job type.
type Handler interface {
	CanHandle(jobType string) bool
	Run(ctx *Context) (Result, error)
}

// HandlerFunc adapts a plain function to a single-type [Handler].
type HandlerFunc struct {
	Type string
	Fn   func(ctx *Context) (Result, error)
}

// CanHandle reports whether jobType matches f.Type.
func (f HandlerFunc) CanHandle(jobType string) bool { return jobType == f.Type }

// Run invokes f.Fn.
func (f HandlerFunc) Run(ctx *Context) (Result, error) { return f.Fn(ctx) }

// Registry maps job-type tags to handlers, in the same RWMutex-guarded
// map-of-factories shape as the teacher's config.Registry.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register associates jobType with handler. A later call with the same
// jobType overwrites the previous registration.
func (r *Registry) Register(jobType string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = handler
}

// Lookup returns the handler registered for jobType, or (nil, false) if
// none is registered. The pool fails such a job through the ordinary
// failure path, so it is retried like any other failed job until its
// retries are used up; it is not tagged [ferrors.NoHandler].
func (r *Registry) Lookup(jobType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}
