package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fortemi/fortemi/pkg/storage"
)

// defaultIdleDelay is how long an idle worker sleeps between empty polls.
const defaultIdleDelay = 500 * time.Millisecond

// defaultLeaseTimeout bounds how long a claimed job may stay `running`
// before the sweeper assumes its worker died and marks it failed-for-retry
// (spec.md §4.4's documented 15-minute default).
const defaultLeaseTimeout = 15 * time.Minute

// defaultSweepInterval is how often the lease sweeper polls.
const defaultSweepInterval = 30 * time.Second

// RetryDelay computes the backoff before a failed job becomes eligible for
// retry again, exponential with a 1-minute cap per attempt count.
func RetryDelay(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt)) * time.Second
	if d > time.Minute {
		return time.Minute
	}
	return d
}

// PoolConfig configures a [Pool].
type PoolConfig struct {
	Workers       int
	Types         []string // job types this pool claims; nil means all
	IdleDelay     time.Duration
	LeaseTimeout  time.Duration
	SweepInterval time.Duration
}

// Pool is a fixed-size worker pool that polls [storage.JobRepo] for claimable
// jobs and dispatches them to the [Registry]'s handlers, mirroring the
// teacher's resilience.CircuitBreaker style of an explicit state field
// guarded by a mutex with slog on every transition — here the "state" is
// simply running/stopped.
type Pool struct {
	repo     storage.JobRepo
	registry *Registry
	emitter  Emitter
	cfg      PoolConfig

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPool creates a Pool. repo is the storage-layer job queue; registry
// resolves job types to handlers; emitter may be nil to disable event
// publication (useful in tests).
func NewPool(repo storage.JobRepo, registry *Registry, emitter Emitter, cfg PoolConfig) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.IdleDelay <= 0 {
		cfg.IdleDelay = defaultIdleDelay
	}
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = defaultLeaseTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	return &Pool{repo: repo, registry: registry, emitter: emitter, cfg: cfg}
}

// Start launches the configured number of worker goroutines plus one lease
// sweeper goroutine. Start is idempotent: calling it while already running
// is a no-op.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		workerID := i
		go func() {
			defer p.wg.Done()
			emit(p.emitter, WorkerStarted{WorkerID: workerID})
			p.workerLoop(runCtx, workerID)
		}()
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.sweepLoop(runCtx)
	}()

	slog.Info("job pool started", "workers", p.cfg.Workers, "types", p.cfg.Types)
}

// Stop signals every worker and the sweeper to exit and blocks until they
// have, honoring ctx's deadline.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.cancel()
	p.running = false
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("job pool stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("job: pool stop: %w", ctx.Err())
	}
}

func (p *Pool) workerLoop(ctx context.Context, workerID int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		j, err := p.repo.Claim(ctx, p.cfg.Types)
		if err != nil {
			slog.Error("job pool: claim failed", "worker", workerID, "error", err)
			sleepOrDone(ctx, p.cfg.IdleDelay)
			continue
		}
		if j == nil {
			sleepOrDone(ctx, p.cfg.IdleDelay)
			continue
		}

		p.runJob(ctx, *j)
	}
}

func (p *Pool) runJob(ctx context.Context, j storage.Job) {
	start := time.Now()
	emit(p.emitter, JobStarted{JobID: j.ID, Type: j.Type, Archive: j.Archive})

	handler, ok := p.registry.Lookup(j.Type)
	if !ok {
		p.failJob(ctx, j, fmt.Errorf("job: no handler registered for type %q", j.Type), start)
		return
	}

	result, err := p.invokeWithWatchdog(ctx, j, handler)
	duration := time.Since(start)

	if err != nil {
		if errors.Is(err, context.Canceled) {
			if cerr := p.repo.Cancel(ctx, j.ID); cerr != nil {
				slog.Error("job pool: cancel after cooperative stop failed", "job", j.ID, "error", cerr)
			}
			_ = p.repo.RecordHistory(ctx, j.Type, duration, false)
			emit(p.emitter, JobCancelled{JobID: j.ID})
			return
		}
		p.failJob(ctx, j, err, start)
		return
	}

	if cerr := p.repo.Complete(ctx, j.ID, result.Payload); cerr != nil {
		slog.Error("job pool: complete failed", "job", j.ID, "error", cerr)
		return
	}
	_ = p.repo.RecordHistory(ctx, j.Type, duration, true)
	emit(p.emitter, JobCompleted{JobID: j.ID, Result: result.Payload})
}

func (p *Pool) failJob(ctx context.Context, j storage.Job, cause error, start time.Time) {
	duration := time.Since(start)
	if ferr := p.repo.Fail(ctx, j.ID, cause.Error(), RetryDelay); ferr != nil {
		slog.Error("job pool: fail transition failed", "job", j.ID, "error", ferr)
	}
	_ = p.repo.RecordHistory(ctx, j.Type, duration, false)
	willRetry := j.RetryCount < j.MaxRetries
	emit(p.emitter, JobFailed{JobID: j.ID, Error: cause.Error(), WillRetry: willRetry})
}

// invokeWithWatchdog runs handler.Run, recovering from a panic and treating
// it as a best-effort failure rather than crashing the worker goroutine.
func (p *Pool) invokeWithWatchdog(ctx context.Context, j storage.Job, handler Handler) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job: handler panic: %v", r)
		}
	}()

	noteID, _ := j.Payload["note_id"].(string)
	jctx := NewContext(ctx, j.ID, noteID, j.Payload, storage.Scope{Archive: j.Archive},
		func(percent int, message string) error {
			emit(p.emitter, JobProgress{JobID: j.ID, Percent: percent, Message: message})
			return p.repo.Progress(ctx, j.ID, percent, message)
		},
		func() bool {
			current, err := p.repo.Get(ctx, j.ID)
			return err == nil && current != nil && current.Status == storage.JobCancelled
		},
	)

	return handler.Run(jctx)
}

func (p *Pool) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids, err := p.repo.SweepExpiredLeases(ctx, p.cfg.LeaseTimeout)
			if err != nil {
				slog.Error("job pool: sweep expired leases failed", "error", err)
				continue
			}
			if len(ids) > 0 {
				slog.Warn("job pool: swept expired leases", "count", len(ids), "jobs", ids)
			}
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
