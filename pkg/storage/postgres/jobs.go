package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fortemi/fortemi/pkg/storage"
)

type jobRepo struct{ db dbtx }

func (r jobRepo) Enqueue(ctx context.Context, scope storage.Scope, j storage.Job) (string, error) {
	if j.ID == "" {
		j.ID = storage.NewID()
	}
	if j.Status == "" {
		j.Status = storage.JobPending
	}
	if j.MaxRetries == 0 {
		j.MaxRetries = 3
	}
	if j.ScheduledAt.IsZero() {
		j.ScheduledAt = time.Now()
	}
	archive := scope.Archive
	if archive == "" {
		archive = storage.DefaultArchive
	}
	const q = `
		INSERT INTO jobs (id, type, status, priority, payload, result, error, progress_percent,
		                   progress_message, retry_count, max_retries, estimated_duration_ms,
		                   actual_duration_ms, archive, created_at, scheduled_at)
		VALUES ($1,$2,$3,$4,$5,'{}','',0,'',0,$6,$7,0,$8, now(), $9)`
	_, err := r.db.Exec(ctx, q, j.ID, j.Type, j.Status, j.Priority, bagOrEmpty(j.Payload),
		j.MaxRetries, j.EstimatedDuration.Milliseconds(), archive, j.ScheduledAt)
	if err != nil {
		return "", fmt.Errorf("jobs: enqueue: %w", err)
	}
	return j.ID, nil
}

func (r jobRepo) Get(ctx context.Context, id string) (*storage.Job, error) {
	const q = jobSelectColumns + ` FROM jobs WHERE id = $1`
	j, err := scanJob(r.db.QueryRow(ctx, q, id))
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("jobs: get: %w", err)
	}
	return j, nil
}

const jobSelectColumns = `
	SELECT id, type, status, priority, payload, result, error, progress_percent, progress_message,
	       retry_count, max_retries, estimated_duration_ms, actual_duration_ms, archive,
	       created_at, scheduled_at, started_at, completed_at`

func scanJob(row pgx.Row) (*storage.Job, error) {
	var j storage.Job
	var estMs, actMs int64
	if err := row.Scan(&j.ID, &j.Type, &j.Status, &j.Priority, &j.Payload, &j.Result, &j.Error,
		&j.ProgressPercent, &j.ProgressMessage, &j.RetryCount, &j.MaxRetries, &estMs, &actMs,
		&j.Archive, &j.CreatedAt, &j.ScheduledAt, &j.StartedAt, &j.CompletedAt); err != nil {
		return nil, err
	}
	j.EstimatedDuration = time.Duration(estMs) * time.Millisecond
	j.ActualDuration = time.Duration(actMs) * time.Millisecond
	return &j, nil
}

// Claim selects and locks the highest-priority, oldest-created job that is
// either pending or due for retry (scheduled_at <= now()), using
// FOR UPDATE SKIP LOCKED so concurrent workers never claim the same row —
// this is the primitive that guarantees at-most-one execution per job.
func (r jobRepo) Claim(ctx context.Context, types []string) (*storage.Job, error) {
	typeFilter := ""
	args := []any{}
	if len(types) > 0 {
		args = append(args, types)
		typeFilter = fmt.Sprintf("AND type = ANY($%d::text[])", len(args))
	}

	q := fmt.Sprintf(`
		WITH next AS (
		    SELECT id FROM jobs
		    WHERE status = 'pending' AND scheduled_at <= now() %s
		    ORDER BY priority DESC, created_at ASC, id ASC
		    FOR UPDATE SKIP LOCKED
		    LIMIT 1
		)
		UPDATE jobs
		SET status = 'running', started_at = now()
		FROM next
		WHERE jobs.id = next.id
		RETURNING jobs.id, jobs.type, jobs.status, jobs.priority, jobs.payload, jobs.result,
		          jobs.error, jobs.progress_percent, jobs.progress_message, jobs.retry_count,
		          jobs.max_retries, jobs.estimated_duration_ms, jobs.actual_duration_ms,
		          jobs.archive, jobs.created_at, jobs.scheduled_at, jobs.started_at, jobs.completed_at`, typeFilter)

	j, err := scanJob(r.db.QueryRow(ctx, q, args...))
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("jobs: claim: %w", err)
	}
	return j, nil
}

func (r jobRepo) Progress(ctx context.Context, id string, percent int, message string) error {
	const q = `UPDATE jobs SET progress_percent = $2, progress_message = $3 WHERE id = $1 AND status = 'running'`
	if _, err := r.db.Exec(ctx, q, id, percent, message); err != nil {
		return fmt.Errorf("jobs: progress: %w", err)
	}
	return nil
}

func (r jobRepo) Complete(ctx context.Context, id string, result storage.Bag) error {
	const q = `
		UPDATE jobs
		SET status = 'completed', result = $2, progress_percent = 100, completed_at = now(),
		    actual_duration_ms = EXTRACT(EPOCH FROM (now() - started_at)) * 1000
		WHERE id = $1`
	if _, err := r.db.Exec(ctx, q, id, bagOrEmpty(result)); err != nil {
		return fmt.Errorf("jobs: complete: %w", err)
	}
	return nil
}

// Fail records a handler failure. When retry_count < max_retries the job is
// returned to pending with scheduled_at advanced by retryDelay(attempt);
// otherwise it becomes terminally failed.
func (r jobRepo) Fail(ctx context.Context, id string, errMsg string, retryDelay func(attempt int) time.Duration) error {
	j, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if j == nil {
		return nil
	}
	if j.RetryCount < j.MaxRetries {
		delay := retryDelay(j.RetryCount + 1)
		const q = `
			UPDATE jobs
			SET status = 'pending', retry_count = retry_count + 1, error = $2,
			    scheduled_at = now() + $3 * interval '1 millisecond', started_at = NULL
			WHERE id = $1`
		if _, err := r.db.Exec(ctx, q, id, errMsg, delay.Milliseconds()); err != nil {
			return fmt.Errorf("jobs: fail (retry): %w", err)
		}
		return nil
	}
	const q = `
		UPDATE jobs
		SET status = 'failed', error = $2, completed_at = now(),
		    actual_duration_ms = EXTRACT(EPOCH FROM (now() - started_at)) * 1000
		WHERE id = $1`
	if _, err := r.db.Exec(ctx, q, id, errMsg); err != nil {
		return fmt.Errorf("jobs: fail (terminal): %w", err)
	}
	return nil
}

func (r jobRepo) Cancel(ctx context.Context, id string) error {
	const q = `
		UPDATE jobs SET status = 'cancelled', completed_at = now()
		WHERE id = $1 AND status IN ('pending','running')`
	if _, err := r.db.Exec(ctx, q, id); err != nil {
		return fmt.Errorf("jobs: cancel: %w", err)
	}
	return nil
}

// SweepExpiredLeases marks running jobs whose started_at predates
// leaseTimeout as failed-for-retry (back to pending, retry_count
// incremented), allowing them to be claimed again after a worker crash.
func (r jobRepo) SweepExpiredLeases(ctx context.Context, leaseTimeout time.Duration) ([]string, error) {
	const q = `
		UPDATE jobs
		SET status = CASE WHEN retry_count < max_retries THEN 'pending' ELSE 'failed' END,
		    retry_count = CASE WHEN retry_count < max_retries THEN retry_count + 1 ELSE retry_count END,
		    started_at = CASE WHEN retry_count < max_retries THEN NULL ELSE started_at END,
		    error = 'lease expired',
		    completed_at = CASE WHEN retry_count >= max_retries THEN now() ELSE completed_at END
		WHERE status = 'running' AND started_at < now() - ($1 * interval '1 millisecond')
		RETURNING id`
	rows, err := r.db.Query(ctx, q, leaseTimeout.Milliseconds())
	if err != nil {
		return nil, fmt.Errorf("jobs: sweep: %w", err)
	}
	ids, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (string, error) {
		var id string
		err := row.Scan(&id)
		return id, err
	})
	if err != nil {
		return nil, fmt.Errorf("jobs: sweep scan: %w", err)
	}
	return ids, nil
}

func (r jobRepo) RecordHistory(ctx context.Context, jobType string, duration time.Duration, success bool) error {
	const q = `INSERT INTO job_history (job_type, duration_ms, success) VALUES ($1,$2,$3)`
	if _, err := r.db.Exec(ctx, q, jobType, duration.Milliseconds(), success); err != nil {
		return fmt.Errorf("jobs: record history: %w", err)
	}
	return nil
}

// EstimatedDuration returns a rolling 30-day windowed mean duration for
// jobType, used to set estimated_duration_ms on newly enqueued jobs of the
// same type.
func (r jobRepo) EstimatedDuration(ctx context.Context, jobType string) (time.Duration, error) {
	const q = `
		SELECT COALESCE(avg(duration_ms), 0)
		FROM job_history
		WHERE job_type = $1 AND recorded_at > now() - interval '30 days'`
	var avgMs float64
	if err := r.db.QueryRow(ctx, q, jobType).Scan(&avgMs); err != nil {
		return 0, fmt.Errorf("jobs: estimated duration: %w", err)
	}
	return time.Duration(avgMs) * time.Millisecond, nil
}
