package broker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"commerce-core/internal/models"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func refundMessage(t *testing.T, event *models.RefundEvent) kafka.Message {
	t.Helper()
	value, err := json.Marshal(event)
	require.NoError(t, err)
	return kafka.Message{Key: []byte(orderKey(event.OrderID)), Value: value}
}

func TestHandleDispatchesRefundCreated(t *testing.T) {
	var seenTypes []string
	var refundOrderID int64
	handler := NewEventHandler(EventHandlers{
		OnEvent: func(ctx context.Context, eventID, eventType string, payload []byte) error {
			seenTypes = append(seenTypes, eventType)
			return nil
		},
		OnRefundCreated: func(ctx context.Context, event *models.RefundEvent) error {
			refundOrderID = event.OrderID
			return nil
		},
	}, nil)

	msg := refundMessage(t, &models.RefundEvent{
		BaseEvent: models.BaseEvent{EventID: "evt_1", EventType: models.EventTypeRefundCreated},
		OrderID:   42,
	})
	require.NoError(t, handler.Handle(context.Background(), msg))

	assert.Equal(t, []string{models.EventTypeRefundCreated}, seenTypes)
	assert.Equal(t, int64(42), refundOrderID)
}

func TestHandleDiscardsUndecodablePayload(t *testing.T) {
	called := false
	handler := NewEventHandler(EventHandlers{
		OnEvent: func(ctx context.Context, eventID, eventType string, payload []byte) error {
			called = true
			return nil
		},
	}, nil)

	// A nil error commits the message; redelivery cannot make it parse.
	err := handler.Handle(context.Background(), kafka.Message{Value: []byte("not json")})
	assert.NoError(t, err)
	assert.False(t, called)

	err = handler.Handle(context.Background(), kafka.Message{Value: []byte(`{"timestamp":"2026-08-01T00:00:00Z"}`)})
	assert.NoError(t, err)
	assert.False(t, called)
}

func TestHandleReturnsHandlerErrorForRedelivery(t *testing.T) {
	sentinel := errors.New("db down")
	handler := NewEventHandler(EventHandlers{
		OnEvent: func(ctx context.Context, eventID, eventType string, payload []byte) error {
			return sentinel
		},
	}, nil)

	msg := refundMessage(t, &models.RefundEvent{
		BaseEvent: models.BaseEvent{EventID: "evt_1", EventType: models.EventTypeRefundCreated},
		OrderID:   42,
	})
	err := handler.Handle(context.Background(), msg)
	assert.ErrorIs(t, err, sentinel)
}

type fakeDeduper struct {
	seen map[string]bool
	sets []string
}

func (d *fakeDeduper) CheckIdempotencyKey(ctx context.Context, key string) (bool, error) {
	return d.seen[key], nil
}

func (d *fakeDeduper) SetIdempotencyKey(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if d.seen == nil {
		d.seen = make(map[string]bool)
	}
	d.seen[key] = true
	d.sets = append(d.sets, key)
	return nil
}

func TestHandleSkipsRedeliveredEvent(t *testing.T) {
	calls := 0
	dedupe := &fakeDeduper{}
	handler := NewEventHandler(EventHandlers{
		OnEvent: func(ctx context.Context, eventID, eventType string, payload []byte) error {
			calls++
			return nil
		},
	}, dedupe)

	msg := refundMessage(t, &models.RefundEvent{
		BaseEvent: models.BaseEvent{EventID: "evt_9", EventType: models.EventTypeRefundCreated},
		OrderID:   42,
	})

	require.NoError(t, handler.Handle(context.Background(), msg))
	assert.Equal(t, 1, calls)
	assert.Equal(t, []string{"event:evt_9"}, dedupe.sets)

	// The redelivered copy is committed without re-running the handlers.
	require.NoError(t, handler.Handle(context.Background(), msg))
	assert.Equal(t, 1, calls)
}

func TestHandleRecordsEventOnlyAfterHandlersSucceed(t *testing.T) {
	dedupe := &fakeDeduper{}
	sentinel := errors.New("db down")
	handler := NewEventHandler(EventHandlers{
		OnEvent: func(ctx context.Context, eventID, eventType string, payload []byte) error {
			return sentinel
		},
	}, dedupe)

	msg := refundMessage(t, &models.RefundEvent{
		BaseEvent: models.BaseEvent{EventID: "evt_9", EventType: models.EventTypeRefundCreated},
		OrderID:   42,
	})

	require.Error(t, handler.Handle(context.Background(), msg))

	// A failed delivery stays unrecorded so the redelivery runs for real.
	assert.Empty(t, dedupe.sets)
}

func TestOrderKeyGroupsByOrder(t *testing.T) {
	assert.Equal(t, "order-42", orderKey(42))
	assert.Equal(t, orderKey(7), orderKey(7))
	assert.NotEqual(t, orderKey(7), orderKey(8))
}
