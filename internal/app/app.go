// Package app wires all Fortemi subsystems into a running knowledge base
// server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems (storage, archive router, job queue and worker pool, event
// broadcaster, search engine, enrichment pipeline), Run executes the main
// processing loop, and Shutdown tears everything down in reverse-init
// order.
//
// For testing, inject test doubles via functional options (WithExecutor,
// WithBus, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fortemi/fortemi/internal/archive"
	"github.com/fortemi/fortemi/internal/broadcast"
	"github.com/fortemi/fortemi/internal/config"
	"github.com/fortemi/fortemi/internal/job"
	"github.com/fortemi/fortemi/internal/knowledge"
	"github.com/fortemi/fortemi/internal/observe"
	"github.com/fortemi/fortemi/internal/pipeline"
	"github.com/fortemi/fortemi/internal/resilience"
	"github.com/fortemi/fortemi/internal/search"
	"github.com/fortemi/fortemi/pkg/provider/embeddings"
	"github.com/fortemi/fortemi/pkg/provider/llm"
	"github.com/fortemi/fortemi/pkg/storage"
	"github.com/fortemi/fortemi/pkg/storage/postgres"
)

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	LLM        llm.Provider
	Embeddings embeddings.Provider
}

// schemaMigrator is the narrow slice of the storage backend [archive.Router]
// needs. Satisfied by *postgres.Store without importing it directly from
// that package.
type schemaMigrator interface {
	MigrateArchive(ctx context.Context, archive string) error
	DropArchiveSchema(ctx context.Context, archive string) error
}

// App owns every subsystem's lifetime and orchestrates Fortemi's knowledge
// base server.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems — initialised in New, torn down in Shutdown.
	store       *postgres.Store
	exec        storage.Executor
	schemas     schemaMigrator
	router      *archive.Router
	docTypes    *knowledge.DocTypeRegistry
	notes       *knowledge.Service
	jobRegistry *job.Registry
	jobQueue    *job.Queue
	jobPool     *job.Pool
	bus         *broadcast.Bus
	dispatcher  *broadcast.Dispatcher
	search      *search.Engine
	metrics     *observe.Metrics

	llmBreaker   *resilience.CircuitBreaker
	embedBreaker *resilience.CircuitBreaker
	embedGroup   *resilience.FallbackGroup[embeddings.Provider]

	// closers are called in reverse-init order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithExecutor injects a [storage.Executor] instead of creating a
// [postgres.Store] from config. When used, WithSchemaMigrator must also be
// supplied for archive operations to work.
func WithExecutor(exec storage.Executor) Option {
	return func(a *App) { a.exec = exec }
}

// WithSchemaMigrator injects the archive schema migrator, paired with
// WithExecutor for tests that do not want a real Postgres connection.
func WithSchemaMigrator(m schemaMigrator) Option {
	return func(a *App) { a.schemas = m }
}

// WithBus injects an event [broadcast.Bus] instead of creating one.
func WithBus(b *broadcast.Bus) Option {
	return func(a *App) { a.bus = b }
}

// WithMetrics injects an [observe.Metrics] instance instead of
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App by wiring all subsystems together. The providers
// struct comes from main.go (populated via the config registry). Use
// Option functions to inject test doubles for any subsystem.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
		metrics:   observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(a)
	}

	if err := a.initStorage(ctx); err != nil {
		return nil, fmt.Errorf("app: init storage: %w", err)
	}
	a.router = archive.New(a.exec, a.schemas, archive.WithCacheTTL(0))

	a.docTypes = knowledge.NewDefaultRegistry()

	a.bus = orDefault(a.bus, broadcast.NewBus())

	a.jobRegistry = job.NewRegistry()
	a.jobQueue = job.NewQueue(a.jobRepo(), job.WithDefaultMaxRetries(a.cfg.Job.MaxAttempts))
	a.notes = knowledge.New(a.exec, a.jobQueue, a.docTypes)

	a.initResilience()
	deps := pipeline.Deps{
		Exec:              a.exec,
		Jobs:              a.jobQueue,
		DocTypes:          a.docTypes,
		LLM:               providers.LLM,
		Embeddings:        providers.Embeddings,
		LLMModelID:        a.cfg.Providers.LLM.Model,
		LLMBreaker:        a.llmBreaker,
		EmbeddingBreaker:  a.embedBreaker,
		EmbedBatchSize:    a.cfg.Pipeline.AutoEmbedBatchSize,
		AutoLinkThreshold: a.cfg.Pipeline.LinkSimilarityThreshold,
		MaxLinksPerNote:   a.cfg.Pipeline.MaxLinksPerNote,
		HubInDegreeCap:    a.cfg.Pipeline.HubInDegreeCap,
	}
	pipeline.RegisterAll(a.jobRegistry, deps)

	a.jobPool = job.NewPool(a.jobRepo(), a.jobRegistry, a.bus, job.PoolConfig{
		Workers:      a.cfg.Job.Workers,
		LeaseTimeout: time.Duration(a.cfg.Job.LeaseSeconds) * time.Second,
		IdleDelay:    time.Duration(a.cfg.Job.WorkerIdleMS) * time.Millisecond,
	})

	a.search = search.NewEngine(search.Deps{
		Exec:             a.exec,
		EmbeddingBreaker: a.embedGroup,
		RRFK:             a.cfg.Search.RRFK,
	})

	a.dispatcher = broadcast.NewDispatcher(a.bus, a.webhookRepo(), a.metrics, broadcast.DispatcherConfig{
		MaxAttempts:    a.cfg.Webhook.MaxAttempts,
		InitialBackoff: time.Duration(a.cfg.Webhook.InitialBackoffSeconds) * time.Second,
		MaxBackoff:     time.Duration(a.cfg.Webhook.MaxBackoffSeconds) * time.Second,
		AbandonAfter:   time.Duration(a.cfg.Webhook.AbandonAfterHours) * time.Hour,
	})

	return a, nil
}

// initStorage connects to Postgres unless an executor was already injected
// via [WithExecutor].
func (a *App) initStorage(ctx context.Context) error {
	if a.exec != nil {
		if a.schemas == nil {
			return fmt.Errorf("app: WithExecutor requires WithSchemaMigrator")
		}
		return nil
	}

	if a.cfg.Storage.DSN == "" {
		return fmt.Errorf("app: storage.dsn is required when no executor is injected")
	}

	dims := a.cfg.Search.EmbeddingDimensions
	if dims == 0 {
		dims = 1536
	}

	store, err := postgres.NewStore(ctx, a.cfg.Storage.DSN, dims)
	if err != nil {
		return err
	}
	a.store = store
	a.exec = store
	a.schemas = store
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	return nil
}

// jobRepo returns the job queue repository: the pool-backed one when
// running against real Postgres, or the one handed out by an executor
// injected alone with [WithExecutor].
func (a *App) jobRepo() storage.JobRepo {
	if a.store != nil {
		return a.store.Jobs()
	}
	var repo storage.JobRepo
	if a.exec != nil {
		_ = a.exec.Execute(context.Background(), storage.DefaultScope(), func(_ context.Context, repos storage.Repos) error {
			repo = repos.Jobs()
			return nil
		})
	}
	return repo
}

func (a *App) webhookRepo() storage.WebhookRepo {
	if a.store != nil {
		return a.store.Webhooks()
	}
	var repo storage.WebhookRepo
	if a.exec != nil {
		_ = a.exec.Execute(context.Background(), storage.DefaultScope(), func(_ context.Context, repos storage.Repos) error {
			repo = repos.Webhooks()
			return nil
		})
	}
	return repo
}

// initResilience builds the circuit breaker guarding the pipeline's direct
// LLM and embedding calls, plus the fallback group [internal/search] uses to
// isolate query-time embedding failures from the primary provider. The
// pipeline and search engine deliberately use separate breakers: an
// enrichment job stuck in the open state should not also block live search
// queries, and vice versa.
func (a *App) initResilience() {
	a.llmBreaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:          "pipeline-llm",
		OnStateChange: a.recordBreakerStateChange,
	})
	a.embedBreaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:          "pipeline-embeddings",
		OnStateChange: a.recordBreakerStateChange,
	})
	if a.providers.Embeddings != nil {
		a.embedGroup = resilience.NewFallbackGroup(a.providers.Embeddings, "embeddings-primary",
			resilience.FallbackConfig{
				CircuitBreaker: resilience.CircuitBreakerConfig{
					Name:          "search-embeddings",
					OnStateChange: a.recordBreakerStateChange,
				},
				OnAttempt: a.recordProviderAttempt,
			})
	}
}

// recordBreakerStateChange reports a circuit breaker transition to
// [observe.Metrics] so a provider tripping open is visible next to its
// request/error counters, not only in the log line [resilience.CircuitBreaker]
// already emits.
func (a *App) recordBreakerStateChange(name string, from, to resilience.State) {
	a.metrics.RecordProviderError(context.Background(), name, "circuit_"+to.String())
}

// recordProviderAttempt reports one [resilience.FallbackGroup] entry attempt
// (primary or fallback, success or failure) to [observe.Metrics].
func (a *App) recordProviderAttempt(name string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	a.metrics.RecordProviderRequest(context.Background(), name, "embeddings", status)
}

func orDefault(b *broadcast.Bus, def *broadcast.Bus) *broadcast.Bus {
	if b != nil {
		return b
	}
	return def
}

// webhooksEnabled reports whether the dispatcher should actually deliver, as
// opposed to merely recording events on the bus. Checked by Run before
// starting the dispatcher poll loop.
func (a *App) webhooksEnabled() bool { return a.cfg.Webhook.Enabled && a.webhookRepo() != nil }

// ─── Accessors ──────────────────────────────────────────────────────────────

// Router returns the archive router.
func (a *App) Router() *archive.Router { return a.router }

// Notes returns the knowledge (note/tag/collection/link/SKOS) service.
func (a *App) Notes() *knowledge.Service { return a.notes }

// Search returns the hybrid search engine.
func (a *App) Search() *search.Engine { return a.search }

// Jobs returns the job client used to enqueue and cancel jobs.
func (a *App) Jobs() *job.Queue { return a.jobQueue }

// Bus returns the process-wide event broadcaster.
func (a *App) Bus() *broadcast.Bus { return a.bus }

// RegisterWebhook adds a persisted webhook subscriber to the dispatcher.
func (a *App) RegisterWebhook(sub broadcast.WebhookSubscriber) {
	a.dispatcher.RegisterWebhook(sub)
}

// ─── Run ────────────────────────────────────────────────────────────────────

// Run starts the job worker pool and webhook dispatcher and blocks until
// ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.jobPool.Start(ctx)
	if a.webhooksEnabled() {
		a.dispatcher.Start(ctx)
	}

	slog.Info("fortemi running", "job_workers", a.cfg.Job.Workers, "archive", a.cfg.Archive.Default)
	<-ctx.Done()
	return ctx.Err()
}

// ─── Shutdown ───────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down")

		if err := a.jobPool.Stop(ctx); err != nil {
			slog.Warn("job pool stop error", "err", err)
		}
		if a.webhooksEnabled() {
			if err := a.dispatcher.Stop(ctx); err != nil {
				slog.Warn("webhook dispatcher stop error", "err", err)
			}
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
