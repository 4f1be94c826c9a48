// Package observe provides application-wide observability primitives for
// Fortemi: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Fortemi metrics.
const meterName = "github.com/fortemi/fortemi"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// SearchDuration tracks hybrid search request latency end to end.
	SearchDuration metric.Float64Histogram

	// EnrichmentDuration tracks a single background pipeline job's run time
	// (title generation, AI revision, embedding, linking, context update).
	EnrichmentDuration metric.Float64Histogram

	// WebhookDeliveryDuration tracks the time a webhook POST attempt takes.
	WebhookDeliveryDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// JobsEnqueued counts jobs enqueued by type.
	JobsEnqueued metric.Int64Counter

	// JobsCompleted counts jobs that reached a terminal state by type and status.
	JobsCompleted metric.Int64Counter

	// SearchQueries counts search requests by mode.
	SearchQueries metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveJobWorkers tracks the number of currently busy pipeline worker
	// goroutines.
	ActiveJobWorkers metric.Int64UpDownCounter

	// QueueDepth tracks the number of jobs currently pending or claimed.
	QueueDepth metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) covering
// both interactive search requests and longer-running enrichment jobs.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.SearchDuration, err = m.Float64Histogram("fortemi.search.duration",
		metric.WithDescription("Latency of a hybrid search request, end to end."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EnrichmentDuration, err = m.Float64Histogram("fortemi.enrichment.duration",
		metric.WithDescription("Latency of a single background pipeline job run."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.WebhookDeliveryDuration, err = m.Float64Histogram("fortemi.webhook.delivery.duration",
		metric.WithDescription("Latency of a single webhook delivery attempt."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("fortemi.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.JobsEnqueued, err = m.Int64Counter("fortemi.jobs.enqueued",
		metric.WithDescription("Total pipeline jobs enqueued by job type."),
	); err != nil {
		return nil, err
	}
	if met.JobsCompleted, err = m.Int64Counter("fortemi.jobs.completed",
		metric.WithDescription("Total pipeline jobs reaching a terminal state, by job type and status."),
	); err != nil {
		return nil, err
	}
	if met.SearchQueries, err = m.Int64Counter("fortemi.search.queries",
		metric.WithDescription("Total search requests by mode."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("fortemi.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveJobWorkers, err = m.Int64UpDownCounter("fortemi.jobs.active_workers",
		metric.WithDescription("Number of pipeline worker goroutines currently running a job."),
	); err != nil {
		return nil, err
	}
	if met.QueueDepth, err = m.Int64UpDownCounter("fortemi.jobs.queue_depth",
		metric.WithDescription("Number of jobs currently pending or claimed."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("fortemi.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordJobEnqueued is a convenience method that records a job-enqueued
// counter increment by job type.
func (m *Metrics) RecordJobEnqueued(ctx context.Context, jobType string) {
	m.JobsEnqueued.Add(ctx, 1,
		metric.WithAttributes(attribute.String("job_type", jobType)),
	)
}

// RecordJobCompleted is a convenience method that records a job reaching a
// terminal state.
func (m *Metrics) RecordJobCompleted(ctx context.Context, jobType, status string) {
	m.JobsCompleted.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("job_type", jobType),
			attribute.String("status", status),
		),
	)
}

// RecordSearchQuery is a convenience method that records a search request
// counter increment by mode.
func (m *Metrics) RecordSearchQuery(ctx context.Context, mode string) {
	m.SearchQueries.Add(ctx, 1,
		metric.WithAttributes(attribute.String("mode", mode)),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
