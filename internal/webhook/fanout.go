package webhook

import (
	"context"

	"commerce-core/internal/models"
	"commerce-core/internal/util"

	"go.uber.org/zap"
)

// FanoutStore is the persistence surface for turning one event into delivery
// rows.
type FanoutStore interface {
	ListWebhooksForEvent(ctx context.Context, eventType string) ([]models.Webhook, error)
	CreateDelivery(ctx context.Context, d *models.WebhookDelivery) error
}

// Fanout creates one pending delivery per matching active subscription for a
// consumed event. The unique (webhook_id, event_id) constraint absorbs
// consumer redeliveries.
type Fanout struct {
	store  FanoutStore
	logger *zap.Logger
}

func NewFanout(store FanoutStore) *Fanout {
	return &Fanout{store: store, logger: util.GetLogger()}
}

// HandleEvent matches the broker callback shape: the raw event payload is
// stored verbatim and later delivered byte-for-byte, so signatures stay valid.
func (f *Fanout) HandleEvent(ctx context.Context, eventID, eventType string, payload []byte) error {
	hooks, err := f.store.ListWebhooksForEvent(ctx, eventType)
	if err != nil {
		return err
	}
	for _, hook := range hooks {
		delivery := &models.WebhookDelivery{
			WebhookID: hook.ID,
			EventID:   eventID,
			EventType: eventType,
			Payload:   payload,
		}
		if err := f.store.CreateDelivery(ctx, delivery); err != nil {
			return err
		}
	}
	if len(hooks) > 0 {
		f.logger.Debug("Event fanned out",
			zap.String("event_id", eventID),
			zap.String("event_type", eventType),
			zap.Int("subscriptions", len(hooks)))
	}
	return nil
}
