// Package ferrors defines Fortemi's closed error taxonomy.
//
// Every error that crosses a component boundary carries a [Kind] so callers
// (HTTP handlers, job handlers, tests) can branch on category without
// string-matching messages. Errors are constructed with [New] or [Wrap] and
// satisfy the standard errors.Is / errors.As protocol via [Error.Unwrap] and
// [Error.Is].
package ferrors

import (
	"errors"
	"fmt"
)

// Kind enumerates the closed set of error categories the core ever surfaces.
type Kind string

const (
	// Validation signals bad input: malformed id, unknown mode, unknown tag
	// pattern, oversize payload.
	Validation Kind = "validation"

	// NotFound signals a note/collection/concept/archive/template id that
	// does not exist.
	NotFound Kind = "not_found"

	// Conflict signals a duplicate tag/collection name, or deleting a
	// non-empty collection without force.
	Conflict Kind = "conflict"

	// PreconditionFailed signals an operation requiring a state the entity
	// is not in (e.g. restore on a non-deleted note).
	PreconditionFailed Kind = "precondition_failed"

	// ArchiveNotFound signals a request targeting an unknown memory.
	ArchiveNotFound Kind = "archive_not_found"

	// ArchiveMigrationFailed signals that auto-migration could not complete.
	ArchiveMigrationFailed Kind = "archive_migration_failed"

	// EmbeddingDimensionMismatch signals a vector length that does not
	// match its owning set's dimension.
	EmbeddingDimensionMismatch Kind = "embedding_dimension_mismatch"

	// SearchPartial is not an error per se; it is attached as a warning
	// when one retriever failed and another succeeded.
	SearchPartial Kind = "search_partial"

	// JobFailed signals a handler that returned an error.
	JobFailed Kind = "job_failed"

	// NoHandler signals no registered handler for a job type. Non-retryable.
	NoHandler Kind = "no_handler"

	// RateLimited signals a per-client budget exceeded by the auth
	// collaborator.
	RateLimited Kind = "rate_limited"

	// Internal signals an unexpected storage / inference / broadcaster
	// error.
	Internal Kind = "internal"
)

// Error is the concrete error type returned across Fortemi component
// boundaries. It wraps an underlying cause (if any) and tags it with a Kind.
type Error struct {
	Kind      Kind
	Component string
	Message   string
	cause     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Component, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Component, e.Message)
}

// Unwrap exposes the wrapped cause so errors.Is/errors.As can traverse it.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is reports whether target is a *Error with the same Kind, which lets
// callers write errors.Is(err, ferrors.New(ferrors.NotFound, "", "")).
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// New constructs an *Error with no wrapped cause.
func New(kind Kind, component, message string) *Error {
	return &Error{Kind: kind, Component: component, Message: message}
}

// Newf constructs an *Error with a formatted message.
func Newf(kind Kind, component, format string, args ...any) *Error {
	return &Error{Kind: kind, Component: component, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an *Error that wraps cause, tagging it with kind.
// If cause is already a *Error, its Kind is preserved unless kind differs,
// in which case the caller's kind takes precedence (re-tagging is explicit).
func Wrap(kind Kind, component, message string, cause error) *Error {
	return &Error{Kind: kind, Component: component, Message: message, cause: cause}
}

// Of extracts the Kind of err. It returns the empty Kind if err is nil and
// Internal if err is not a tagged *Error.
func Of(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err is tagged with kind.
func Is(err error, kind Kind) bool {
	return Of(err) == kind
}
