package service

import (
	"context"

	"commerce-core/internal/models"
)

// EventSink is where services hand off domain events after commit. The broker
// package implements it over Kafka; tests use an in-memory recorder.
type EventSink interface {
	PublishOrderEvent(ctx context.Context, event *models.OrderEvent) error
	PublishPaymentEvent(ctx context.Context, event *models.PaymentEvent) error
	PublishRefundEvent(ctx context.Context, event *models.RefundEvent) error
}
