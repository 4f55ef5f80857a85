package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"commerce-core/internal/models"
	"commerce-core/internal/util"

	"go.uber.org/zap"
)

const (
	headerSignature = "X-Webhook-Signature"
	headerTimestamp = "X-Webhook-Timestamp"
	headerEvent     = "X-Webhook-Event"
	headerDelivery  = "X-Webhook-Delivery"

	maxResponseBody = 1024
)

// DeliveryStore is the persistence surface the dispatcher needs.
type DeliveryStore interface {
	ClaimDueDeliveries(ctx context.Context, limit int, claimTTL time.Duration) ([]models.WebhookDelivery, error)
	GetWebhook(ctx context.Context, id int64) (*models.Webhook, error)
	MarkDeliverySucceeded(ctx context.Context, id int64, attempts, statusCode int, responseBody string) error
	MarkDeliveryFailed(ctx context.Context, id int64, attempts int, status models.DeliveryStatus, nextRetryAt time.Time, statusCode int, responseBody, lastError string) error
	CancelDelivery(ctx context.Context, id int64) error
}

// Config controls retry pacing and per-attempt limits.
type Config struct {
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	DefaultTimeout time.Duration
	MaxRetries     int
	BatchSize      int
	ClaimTTL       time.Duration
}

// Dispatcher delivers claimed webhook rows over HTTP and records the outcome
// of every attempt.
type Dispatcher struct {
	store  DeliveryStore
	client *http.Client
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

func NewDispatcher(store DeliveryStore, cfg Config) *Dispatcher {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 30 * time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = time.Hour
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 10 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 8
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 2 * time.Minute
	}
	return &Dispatcher{
		store:  store,
		client: &http.Client{},
		cfg:    cfg,
		logger: util.GetLogger(),
		now:    time.Now,
	}
}

// Backoff returns the delay before the next attempt after `attempts` failed
// ones: base doubled per failure, capped.
func Backoff(base, cap time.Duration, attempts int) time.Duration {
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}

// Sweep claims one batch of due deliveries and attempts each. It returns the
// number of rows processed so callers can poll again immediately on a full
// batch.
func (d *Dispatcher) Sweep(ctx context.Context) (int, error) {
	deliveries, err := d.store.ClaimDueDeliveries(ctx, d.cfg.BatchSize, d.cfg.ClaimTTL)
	if err != nil {
		return 0, err
	}
	for i := range deliveries {
		if ctx.Err() != nil {
			return i, ctx.Err()
		}
		d.Attempt(ctx, &deliveries[i])
	}
	return len(deliveries), nil
}

// Attempt performs one delivery attempt and records the outcome. Errors are
// absorbed into the delivery row; the claim lease covers crashes in between.
func (d *Dispatcher) Attempt(ctx context.Context, delivery *models.WebhookDelivery) {
	hook, err := d.store.GetWebhook(ctx, delivery.WebhookID)
	if err != nil {
		d.logger.Error("Delivery references unknown webhook",
			zap.Int64("delivery_id", delivery.ID),
			zap.Int64("webhook_id", delivery.WebhookID),
			zap.Error(err))
		if err := d.store.CancelDelivery(ctx, delivery.ID); err != nil {
			d.logger.Error("Failed to cancel orphaned delivery",
				zap.Int64("delivery_id", delivery.ID), zap.Error(err))
		}
		return
	}
	if !hook.Active {
		if err := d.store.CancelDelivery(ctx, delivery.ID); err != nil {
			d.logger.Error("Failed to cancel delivery for inactive webhook",
				zap.Int64("delivery_id", delivery.ID), zap.Error(err))
		}
		return
	}

	attempts := delivery.Attempts + 1
	start := d.now()
	statusCode, body, err := d.post(ctx, hook, delivery)
	util.WebhookDeliveryLatency.Observe(time.Since(start).Seconds())

	if err == nil && statusCode >= 200 && statusCode < 300 {
		util.WebhookDeliveriesTotal.WithLabelValues("success").Inc()
		if err := d.store.MarkDeliverySucceeded(ctx, delivery.ID, attempts, statusCode, body); err != nil {
			d.logger.Error("Failed to record delivery success",
				zap.Int64("delivery_id", delivery.ID), zap.Error(err))
		}
		return
	}

	lastError := ""
	if err != nil {
		lastError = err.Error()
	}

	maxRetries := hook.MaxRetries
	if maxRetries <= 0 {
		maxRetries = d.cfg.MaxRetries
	}

	if attempts >= maxRetries {
		util.WebhookDeliveriesTotal.WithLabelValues("dead_letter").Inc()
		util.WebhookDeadLetterTotal.Inc()
		d.logger.Warn("Webhook delivery dead-lettered",
			zap.Int64("delivery_id", delivery.ID),
			zap.String("event_type", delivery.EventType),
			zap.Int("attempts", attempts),
			zap.Int("status_code", statusCode),
			zap.String("last_error", lastError))
		if err := d.store.MarkDeliveryFailed(ctx, delivery.ID, attempts,
			models.DeliveryStatusFailed, d.now(), statusCode, body, lastError); err != nil {
			d.logger.Error("Failed to record dead-letter",
				zap.Int64("delivery_id", delivery.ID), zap.Error(err))
		}
		return
	}

	util.WebhookDeliveriesTotal.WithLabelValues("retry").Inc()
	nextRetryAt := d.now().Add(Backoff(d.cfg.BackoffBase, d.cfg.BackoffCap, attempts))
	if err := d.store.MarkDeliveryFailed(ctx, delivery.ID, attempts,
		models.DeliveryStatusPending, nextRetryAt, statusCode, body, lastError); err != nil {
		d.logger.Error("Failed to record delivery failure",
			zap.Int64("delivery_id", delivery.ID), zap.Error(err))
	}
}

func (d *Dispatcher) post(ctx context.Context, hook *models.Webhook, delivery *models.WebhookDelivery) (int, string, error) {
	timeout := d.cfg.DefaultTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(delivery.Payload))
	if err != nil {
		return 0, "", err
	}

	timestamp := d.now().Unix()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerSignature, Sign(hook.Secret, timestamp, delivery.Payload))
	req.Header.Set(headerTimestamp, fmt.Sprintf("%d", timestamp))
	req.Header.Set(headerEvent, delivery.EventType)
	req.Header.Set(headerDelivery, delivery.EventID)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, string(body), fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return resp.StatusCode, string(body), nil
}
