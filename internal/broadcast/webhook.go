package broadcast

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/fortemi/fortemi/internal/observe"
	"github.com/fortemi/fortemi/pkg/storage"
)

// WebhookSubscriber is a registered, persisted delivery target. Registration
// itself lives only in process memory (rebuilt from configuration or an API
// call at startup); only the delivery attempts queued for it are durable, so
// retries survive a restart even though the subscriber list does not.
type WebhookSubscriber struct {
	ID       string
	URL      string
	Channels []string
	// Secret, if set, signs each delivery body as an HMAC-SHA256 hex digest
	// in the X-Fortemi-Signature header.
	Secret string
}

// DispatcherConfig tunes [Dispatcher]'s retry and polling behaviour. Zero
// values are replaced by the same defaults spec.md §4.8 names.
type DispatcherConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	AbandonAfter   time.Duration
	PollInterval   time.Duration
	BatchSize      int
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	if c.AbandonAfter <= 0 {
		c.AbandonAfter = 24 * time.Hour
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	return c
}

// Dispatcher is the webhook half of the broadcaster. It subscribes each
// registered [WebhookSubscriber] to the bus on its interested channels,
// persists every event it sees through [storage.WebhookRepo], and runs a
// poll loop that drains due deliveries with a monotonically-doubling retry
// backoff, mirroring the teacher's CircuitBreaker reset-timeout shape but
// applied per delivery attempt rather than per breaker state.
type Dispatcher struct {
	bus     *Bus
	repo    storage.WebhookRepo
	client  *http.Client
	cfg     DispatcherConfig
	metrics *observe.Metrics

	mu      sync.Mutex
	running bool
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	subs    map[string]WebhookSubscriber
}

// NewDispatcher creates a Dispatcher. metrics may be nil to disable
// instrumentation (useful in tests).
func NewDispatcher(bus *Bus, repo storage.WebhookRepo, metrics *observe.Metrics, cfg DispatcherConfig) *Dispatcher {
	return &Dispatcher{
		bus:     bus,
		repo:    repo,
		client:  &http.Client{Timeout: 15 * time.Second},
		cfg:     cfg.withDefaults(),
		metrics: metrics,
		subs:    make(map[string]WebhookSubscriber),
	}
}

// RegisterWebhook adds or replaces sub. If the Dispatcher is already
// running, sub is subscribed to the bus immediately; otherwise it takes
// effect on the next [Dispatcher.Start].
func (d *Dispatcher) RegisterWebhook(sub WebhookSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs[sub.ID] = sub
	if d.running {
		d.subscribeLocked(sub)
	}
}

// subscribeLocked must be called with d.mu held and d.running true.
func (d *Dispatcher) subscribeLocked(sub WebhookSubscriber) {
	for _, channel := range sub.Channels {
		s := d.bus.Subscribe("webhook:"+sub.ID, channel, 0)
		d.wg.Add(1)
		go func(channel string, s *Subscription) {
			defer d.wg.Done()
			d.drain(d.runCtx, sub.ID, channel, s)
		}(channel, s)
	}
}

// drain moves events from an in-process [Subscription] into the durable
// webhook queue until ctx is cancelled or the subscription is closed.
func (d *Dispatcher) drain(ctx context.Context, subscriberID, channel string, s *Subscription) {
	for {
		ev, err := s.Next(ctx)
		if err != nil {
			return
		}
		if _, err := d.repo.Enqueue(ctx, subscriberID, channel, eventToBag(ev)); err != nil {
			slog.Error("broadcast: enqueue webhook delivery failed",
				"subscriber", subscriberID, "channel", channel, "error", err)
		}
	}
}

// Start subscribes every registered webhook and launches the delivery poll
// loop. Start is idempotent.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	d.runCtx = runCtx
	d.cancel = cancel
	d.running = true

	for _, sub := range d.subs {
		d.subscribeLocked(sub)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.pollLoop(runCtx)
	}()

	slog.Info("webhook dispatcher started", "subscribers", len(d.subs))
}

// Stop cancels the poll loop and every drain goroutine and blocks until they
// exit, honoring ctx's deadline.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.cancel()
	d.running = false
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("webhook dispatcher stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("broadcast: dispatcher stop: %w", ctx.Err())
	}
}

func (d *Dispatcher) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.deliverDue(ctx)
		}
	}
}

func (d *Dispatcher) deliverDue(ctx context.Context) {
	due, err := d.repo.ClaimDue(ctx, d.cfg.BatchSize)
	if err != nil {
		slog.Error("broadcast: claim due deliveries failed", "error", err)
		return
	}
	for _, delivery := range due {
		d.deliverOne(ctx, delivery)
	}
}

func (d *Dispatcher) deliverOne(ctx context.Context, delivery storage.WebhookDelivery) {
	sub, ok := d.lookupSubscriber(delivery.Subscriber)
	if !ok {
		slog.Warn("broadcast: delivery for unregistered subscriber, abandoning",
			"subscriber", delivery.Subscriber, "delivery", delivery.ID)
		if err := d.repo.MarkAbandoned(ctx, delivery.ID); err != nil {
			slog.Error("broadcast: mark abandoned failed", "delivery", delivery.ID, "error", err)
		}
		return
	}

	start := time.Now()
	postErr := d.post(ctx, sub, delivery)
	if d.metrics != nil {
		d.metrics.WebhookDeliveryDuration.Record(ctx, time.Since(start).Seconds())
	}

	if postErr == nil {
		if err := d.repo.MarkDelivered(ctx, delivery.ID); err != nil {
			slog.Error("broadcast: mark delivered failed", "delivery", delivery.ID, "error", err)
		}
		return
	}

	attempts := delivery.Attempts + 1
	if time.Since(delivery.CreatedAt) >= d.cfg.AbandonAfter || attempts >= d.cfg.MaxAttempts {
		slog.Warn("broadcast: webhook delivery abandoned",
			"delivery", delivery.ID, "subscriber", sub.ID, "attempts", attempts, "error", postErr)
		if err := d.repo.MarkRetry(ctx, delivery.ID, attempts, time.Now()); err != nil {
			slog.Error("broadcast: record final attempt failed", "delivery", delivery.ID, "error", err)
		}
		if err := d.repo.MarkAbandoned(ctx, delivery.ID); err != nil {
			slog.Error("broadcast: mark abandoned failed", "delivery", delivery.ID, "error", err)
		}
		return
	}

	next := time.Now().Add(backoff(attempts, d.cfg.InitialBackoff, d.cfg.MaxBackoff))
	if err := d.repo.MarkRetry(ctx, delivery.ID, attempts, next); err != nil {
		slog.Error("broadcast: mark retry failed", "delivery", delivery.ID, "error", err)
	}
}

func (d *Dispatcher) lookupSubscriber(id string) (WebhookSubscriber, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sub, ok := d.subs[id]
	return sub, ok
}

func (d *Dispatcher) post(ctx context.Context, sub WebhookSubscriber, delivery storage.WebhookDelivery) error {
	body, err := json.Marshal(delivery.Payload)
	if err != nil {
		return fmt.Errorf("broadcast: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("broadcast: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Fortemi-Channel", delivery.Channel)
	if sub.Secret != "" {
		req.Header.Set("X-Fortemi-Signature", signHMAC(sub.Secret, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("broadcast: post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("broadcast: webhook responded with status %d", resp.StatusCode)
	}
	return nil
}

// signHMAC computes the hex-encoded HMAC-SHA256 digest of body under secret,
// so a receiver can verify a delivery actually came from this Dispatcher.
func signHMAC(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// backoff computes a monotonically-doubling delay for the given 1-based
// attempt count, capped at max.
func backoff(attempt int, initial, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 32 { // guard against shift overflow; max already caps the result
		attempt = 32
	}
	d := initial * time.Duration(uint64(1)<<uint(attempt-1))
	if d <= 0 || d > max {
		return max
	}
	return d
}

// eventToBag flattens an [Event]'s payload (an arbitrary struct such as a
// job lifecycle event, or a [LagEvent]) into a [storage.Bag] for durable
// storage and JSON delivery.
func eventToBag(e Event) storage.Bag {
	raw, err := json.Marshal(e.Payload)
	if err != nil {
		return storage.Bag{"channel": e.Channel, "marshal_error": err.Error()}
	}
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		data = string(raw)
	}
	return storage.Bag{"channel": e.Channel, "event": data}
}
