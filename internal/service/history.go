package service

import (
	"context"

	"commerce-core/internal/models"
	"commerce-core/internal/util"

	"go.uber.org/zap"
)

// HistoryStore is the persistence surface the recorder needs.
type HistoryStore interface {
	InsertStatusHistory(ctx context.Context, h *models.OrderStatusHistory) error
	ListStatusHistory(ctx context.Context, orderID int64) ([]models.OrderStatusHistory, error)
}

// HistoryRecorder appends status transitions to the audit log. Rows are never
// mutated or deleted.
type HistoryRecorder struct {
	store  HistoryStore
	logger *zap.Logger
}

// NewHistoryRecorder creates a new history recorder.
func NewHistoryRecorder(store HistoryStore) *HistoryRecorder {
	return &HistoryRecorder{store: store, logger: util.GetLogger()}
}

// Record appends one transition row.
func (hr *HistoryRecorder) Record(ctx context.Context, orderID int64, axis models.StatusAxis, from, to, actor, note string) error {
	err := hr.store.InsertStatusHistory(ctx, &models.OrderStatusHistory{
		OrderID:    orderID,
		StatusType: axis,
		FromStatus: from,
		ToStatus:   to,
		Actor:      actor,
		Note:       note,
	})
	if err != nil {
		hr.logger.Error("Failed to record status history",
			zap.Int64("order_id", orderID),
			zap.String("axis", string(axis)),
			zap.Error(err))
	}
	return err
}

// List returns the transition log for an order.
func (hr *HistoryRecorder) List(ctx context.Context, orderID int64) ([]models.OrderStatusHistory, error) {
	return hr.store.ListStatusHistory(ctx, orderID)
}
