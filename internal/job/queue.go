// Package job implements Fortemi's durable job queue client, worker pool,
// and handler registry on top of [storage.JobRepo].
//
// The state machine (pending → running → completed|failed|cancelled) and
// its claim/retry/lease semantics live entirely in the storage layer; this
// package adds the business-logic surface above it: a typed Enqueue/Cancel
// client, a poll-and-dispatch worker pool, and a handler registry in the
// teacher's config.Registry shape.
package job

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fortemi/fortemi/internal/ferrors"
	"github.com/fortemi/fortemi/pkg/storage"
)

// defaultMaxRetries bounds a job's retry_count when the caller does not set
// one explicitly.
const defaultMaxRetries = 3

// Queue is a thin, typed client over [storage.JobRepo]. It owns duration
// estimation (used to set a new job's EstimatedDuration from the rolling
// mean of its type's recent history) but leaves claiming/execution to
// [Pool].
type Queue struct {
	repo              storage.JobRepo
	defaultMaxRetries int
}

// QueueOption configures a [Queue] built by [NewQueue].
type QueueOption func(*Queue)

// WithDefaultMaxRetries overrides defaultMaxRetries for every Enqueue call
// that does not set EnqueueOptions.MaxRetries explicitly (config.JobConfig's
// max_attempts).
func WithDefaultMaxRetries(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.defaultMaxRetries = n
		}
	}
}

// NewQueue wraps repo.
func NewQueue(repo storage.JobRepo, opts ...QueueOption) *Queue {
	q := &Queue{repo: repo, defaultMaxRetries: defaultMaxRetries}
	for _, o := range opts {
		o(q)
	}
	return q
}

// EnqueueOptions configures a single [Queue.Enqueue] call.
type EnqueueOptions struct {
	Priority    int
	MaxRetries  int
	ScheduledAt time.Time // zero means "now"
}

// Enqueue inserts a new pending job, stamping its estimated duration from
// the job type's rolling 30-day mean.
func (q *Queue) Enqueue(ctx context.Context, scope storage.Scope, jobType string, payload storage.Bag, priority int) (string, error) {
	return q.EnqueueWithOptions(ctx, scope, jobType, payload, EnqueueOptions{Priority: priority})
}

// EnqueueWithOptions is the fully-configurable enqueue entry point.
func (q *Queue) EnqueueWithOptions(ctx context.Context, scope storage.Scope, jobType string, payload storage.Bag, opts EnqueueOptions) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("job: generate id: %w", err)
	}

	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = q.defaultMaxRetries
	}

	estimate, err := q.repo.EstimatedDuration(ctx, jobType)
	if err != nil {
		return "", fmt.Errorf("job: estimate duration for %s: %w", jobType, err)
	}

	scheduledAt := opts.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = time.Now()
	}

	jobID, err := q.repo.Enqueue(ctx, scope, storage.Job{
		ID:                id.String(),
		Type:              jobType,
		Status:            storage.JobPending,
		Priority:          opts.Priority,
		Payload:           payload,
		MaxRetries:        maxRetries,
		EstimatedDuration: estimate,
		Archive:           scope.Archive,
		ScheduledAt:       scheduledAt,
	})
	if err != nil {
		return "", fmt.Errorf("job: enqueue %s: %w", jobType, err)
	}
	return jobID, nil
}

// Get fetches a job's current state.
func (q *Queue) Get(ctx context.Context, id string) (*storage.Job, error) {
	j, err := q.repo.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("job: get %s: %w", id, err)
	}
	if j == nil {
		return nil, ferrors.Newf(ferrors.NotFound, "job", "job %q does not exist", id)
	}
	return j, nil
}

// Cancel transitions a pending or running job to cancelled. A worker
// currently running the job observes the cancellation cooperatively at its
// next progress checkpoint (see [Pool]).
func (q *Queue) Cancel(ctx context.Context, id string) error {
	if err := q.repo.Cancel(ctx, id); err != nil {
		return fmt.Errorf("job: cancel %s: %w", id, err)
	}
	return nil
}
