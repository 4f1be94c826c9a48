package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fortemi/fortemi/pkg/storage"
)

// webhookRepo backs [storage.WebhookRepo] with the shared
// webhook_deliveries table. Unlike most repositories it is not
// archive-scoped: deliveries are queued against a subscriber and channel
// regardless of which archive produced the triggering event.
type webhookRepo struct{ db dbtx }

const webhookColumns = `id, subscriber, channel, payload, attempts, next_attempt, delivered_at, abandoned, created_at`

func scanWebhookDelivery(row pgx.Row) (*storage.WebhookDelivery, error) {
	var d storage.WebhookDelivery
	err := row.Scan(&d.ID, &d.Subscriber, &d.Channel, &d.Payload, &d.Attempts,
		&d.NextAttempt, &d.DeliveredAt, &d.Abandoned, &d.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r webhookRepo) Enqueue(ctx context.Context, subscriber, channel string, payload storage.Bag) (string, error) {
	id := storage.NewID()
	const q = `
		INSERT INTO webhook_deliveries (id, subscriber, channel, payload, attempts, next_attempt)
		VALUES ($1,$2,$3,$4,0, now())`
	if _, err := r.db.Exec(ctx, q, id, subscriber, channel, bagOrEmpty(payload)); err != nil {
		return "", fmt.Errorf("webhooks: enqueue: %w", err)
	}
	return id, nil
}

func (r webhookRepo) ClaimDue(ctx context.Context, limit int) ([]storage.WebhookDelivery, error) {
	const q = `
		SELECT ` + webhookColumns + `
		FROM webhook_deliveries
		WHERE delivered_at IS NULL AND NOT abandoned AND next_attempt <= now()
		ORDER BY next_attempt ASC
		LIMIT $1`
	rows, err := r.db.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("webhooks: claim due: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (storage.WebhookDelivery, error) {
		d, err := scanWebhookDelivery(row)
		if err != nil {
			return storage.WebhookDelivery{}, err
		}
		return *d, nil
	})
	if err != nil {
		return nil, fmt.Errorf("webhooks: claim due scan: %w", err)
	}
	if out == nil {
		out = []storage.WebhookDelivery{}
	}
	return out, nil
}

func (r webhookRepo) MarkDelivered(ctx context.Context, id string) error {
	const q = `UPDATE webhook_deliveries SET delivered_at = now() WHERE id = $1`
	if _, err := r.db.Exec(ctx, q, id); err != nil {
		return fmt.Errorf("webhooks: mark delivered: %w", err)
	}
	return nil
}

func (r webhookRepo) MarkRetry(ctx context.Context, id string, attempts int, nextAttempt time.Time) error {
	const q = `UPDATE webhook_deliveries SET attempts = $2, next_attempt = $3 WHERE id = $1`
	if _, err := r.db.Exec(ctx, q, id, attempts, nextAttempt); err != nil {
		return fmt.Errorf("webhooks: mark retry: %w", err)
	}
	return nil
}

func (r webhookRepo) MarkAbandoned(ctx context.Context, id string) error {
	const q = `UPDATE webhook_deliveries SET abandoned = true WHERE id = $1`
	if _, err := r.db.Exec(ctx, q, id); err != nil {
		return fmt.Errorf("webhooks: mark abandoned: %w", err)
	}
	return nil
}
