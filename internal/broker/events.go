package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"commerce-core/internal/models"
	"commerce-core/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher publishes domain events through a Producer. Messages are
// keyed by order ID so every event for one order lands on the same partition
// and consumers observe them in emission order.
type EventPublisher struct {
	producer *Producer
}

func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

func (e *EventPublisher) PublishOrderEvent(ctx context.Context, event *models.OrderEvent) error {
	return e.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

func (e *EventPublisher) PublishPaymentEvent(ctx context.Context, event *models.PaymentEvent) error {
	return e.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

func (e *EventPublisher) PublishRefundEvent(ctx context.Context, event *models.RefundEvent) error {
	return e.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

func orderKey(orderID int64) string {
	return fmt.Sprintf("order-%d", orderID)
}

// EventHandlers binds consumed events to application callbacks. OnEvent runs
// for every event; the typed callbacks run after it for their event type.
type EventHandlers struct {
	OnEvent         func(ctx context.Context, eventID, eventType string, payload []byte) error
	OnRefundCreated func(ctx context.Context, event *models.RefundEvent) error
}

// Deduper short-circuits redelivered events. Losing entries is harmless: a
// skipped check just re-runs handlers that are idempotent on their own.
type Deduper interface {
	CheckIdempotencyKey(ctx context.Context, key string) (bool, error)
	SetIdempotencyKey(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// EventHandler decodes consumed Kafka messages and dispatches them.
type EventHandler struct {
	handlers EventHandlers
	dedupe   Deduper
	logger   *zap.Logger
}

// NewEventHandler creates an event handler. dedupe may be nil, in which case
// every redelivery runs the handlers again.
func NewEventHandler(handlers EventHandlers, dedupe Deduper) *EventHandler {
	return &EventHandler{handlers: handlers, dedupe: dedupe, logger: util.GetLogger()}
}

// Handle implements MessageHandler. A payload that does not decode is logged
// and committed; redelivering it cannot make it parse.
func (h *EventHandler) Handle(ctx context.Context, msg kafka.Message) error {
	var base models.BaseEvent
	if err := json.Unmarshal(msg.Value, &base); err != nil {
		h.logger.Error("Discarding undecodable event",
			zap.ByteString("key", msg.Key), zap.Error(err))
		return nil
	}
	if base.EventID == "" || base.EventType == "" {
		h.logger.Error("Discarding event without id or type", zap.ByteString("key", msg.Key))
		return nil
	}

	if h.dedupe != nil {
		if seen, err := h.dedupe.CheckIdempotencyKey(ctx, eventDedupeKey(base.EventID)); err == nil && seen {
			h.logger.Debug("Skipping already-processed event",
				zap.String("event_id", base.EventID),
				zap.String("event_type", base.EventType))
			return nil
		}
	}

	if h.handlers.OnEvent != nil {
		if err := h.handlers.OnEvent(ctx, base.EventID, base.EventType, msg.Value); err != nil {
			return fmt.Errorf("event %s (%s): %w", base.EventID, base.EventType, err)
		}
	}

	if base.EventType == models.EventTypeRefundCreated && h.handlers.OnRefundCreated != nil {
		var event models.RefundEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			h.logger.Error("Discarding undecodable refund event",
				zap.String("event_id", base.EventID), zap.Error(err))
			return nil
		}
		if err := h.handlers.OnRefundCreated(ctx, &event); err != nil {
			return fmt.Errorf("refund event %s: %w", base.EventID, err)
		}
	}

	if h.dedupe != nil {
		if err := h.dedupe.SetIdempotencyKey(ctx, eventDedupeKey(base.EventID), 1, 24*time.Hour); err != nil {
			h.logger.Warn("Failed to record processed event",
				zap.String("event_id", base.EventID), zap.Error(err))
		}
	}

	return nil
}

func eventDedupeKey(eventID string) string {
	return "event:" + eventID
}
