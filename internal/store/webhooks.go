package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"commerce-core/internal/models"
)

// ListWebhooksForEvent returns the active subscriptions for an event type.
func (s *Store) ListWebhooksForEvent(ctx context.Context, eventType string) ([]models.Webhook, error) {
	var hooks []models.Webhook
	err := s.db.SelectContext(ctx, &hooks, `
		SELECT * FROM webhooks
		WHERE active = TRUE AND $1 = ANY(events)
		ORDER BY id`, eventType)
	return hooks, err
}

// GetWebhook retrieves a subscription by ID.
func (s *Store) GetWebhook(ctx context.Context, id int64) (*models.Webhook, error) {
	var hook models.Webhook
	err := s.db.GetContext(ctx, &hook, "SELECT * FROM webhooks WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("webhook not found: %d", id)
	}
	if err != nil {
		return nil, err
	}
	return &hook, nil
}

// CreateDelivery inserts a pending delivery row, due immediately. The unique
// (webhook_id, event_id) constraint makes event fan-out idempotent when the
// consumer reprocesses a message; duplicates are silently skipped.
func (s *Store) CreateDelivery(ctx context.Context, d *models.WebhookDelivery) error {
	query := `
		INSERT INTO webhook_deliveries (webhook_id, event_id, event_type, payload, status, next_retry_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (webhook_id, event_id) DO NOTHING
		RETURNING id, next_retry_at, created_at, updated_at`

	err := s.db.GetContext(ctx, d, query,
		d.WebhookID, d.EventID, d.EventType, d.Payload, models.DeliveryStatusPending)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to create delivery: %w", err)
	}
	d.Status = models.DeliveryStatusPending
	return nil
}

// ClaimDueDeliveries atomically claims up to limit due deliveries for one
// worker. SKIP LOCKED keeps concurrent sweepers from claiming the same row;
// pushing next_retry_at forward acts as a claim lease, so a worker that dies
// mid-attempt surrenders the row after claimTTL.
func (s *Store) ClaimDueDeliveries(ctx context.Context, limit int, claimTTL time.Duration) ([]models.WebhookDelivery, error) {
	var deliveries []models.WebhookDelivery
	err := s.db.SelectContext(ctx, &deliveries, `
		UPDATE webhook_deliveries
		SET next_retry_at = NOW() + $2 * INTERVAL '1 second', updated_at = NOW()
		WHERE id IN (
			SELECT id FROM webhook_deliveries
			WHERE status = $3 AND next_retry_at <= NOW()
			ORDER BY next_retry_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING *`,
		limit, int(claimTTL.Seconds()), models.DeliveryStatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to claim deliveries: %w", err)
	}
	return deliveries, nil
}

// MarkDeliverySucceeded records a terminal successful attempt.
func (s *Store) MarkDeliverySucceeded(ctx context.Context, id int64, attempts, statusCode int, responseBody string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET status = $1, attempts = $2, last_status_code = $3,
		    last_response_body = $4, last_error = '', updated_at = NOW()
		WHERE id = $5`,
		models.DeliveryStatusSuccess, attempts, statusCode, responseBody, id)
	return err
}

// MarkDeliveryFailed records a failed attempt. status is pending when a retry
// is scheduled at nextRetryAt, or failed when the retry budget is exhausted
// (dead-letter).
func (s *Store) MarkDeliveryFailed(ctx context.Context, id int64, attempts int, status models.DeliveryStatus, nextRetryAt time.Time, statusCode int, responseBody, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET status = $1, attempts = $2, next_retry_at = $3,
		    last_status_code = $4, last_response_body = $5, last_error = $6, updated_at = NOW()
		WHERE id = $7`,
		status, attempts, nextRetryAt, statusCode, responseBody, lastError, id)
	return err
}

// CancelDelivery marks a delivery terminally cancelled (subscription removed
// while deliveries were in flight).
func (s *Store) CancelDelivery(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE webhook_deliveries SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3`,
		models.DeliveryStatusCancelled, id, models.DeliveryStatusPending)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return models.ErrDeliveryNotFound
	}
	return nil
}

// GetDelivery retrieves a delivery row.
func (s *Store) GetDelivery(ctx context.Context, id int64) (*models.WebhookDelivery, error) {
	var d models.WebhookDelivery
	err := s.db.GetContext(ctx, &d, "SELECT * FROM webhook_deliveries WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, models.ErrDeliveryNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ListDeliveries returns delivery rows for the audit read API, newest first.
func (s *Store) ListDeliveries(ctx context.Context, webhookID int64, limit int) ([]models.WebhookDelivery, error) {
	var rows []models.WebhookDelivery
	var err error
	if webhookID > 0 {
		err = s.db.SelectContext(ctx, &rows, `
			SELECT * FROM webhook_deliveries WHERE webhook_id = $1
			ORDER BY id DESC LIMIT $2`, webhookID, limit)
	} else {
		err = s.db.SelectContext(ctx, &rows, `
			SELECT * FROM webhook_deliveries ORDER BY id DESC LIMIT $1`, limit)
	}
	return rows, err
}
