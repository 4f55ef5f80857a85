package worker

import (
	"context"
	"time"

	"commerce-core/internal/broker"
	"commerce-core/internal/models"
	"commerce-core/internal/service"
	"commerce-core/internal/util"
	"commerce-core/internal/webhook"

	"go.uber.org/zap"
)

// EventWorker consumes domain events: every event fans out into webhook
// delivery rows, and refund events additionally roll the order's payment axis
// forward.
type EventWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	logger       *zap.Logger
}

// NewEventWorker creates a new event worker. dedupe may be nil; with one,
// redelivered events are skipped instead of re-running the handlers.
func NewEventWorker(
	consumer *broker.Consumer,
	fanout *webhook.Fanout,
	orders *service.OrderService,
	dedupe broker.Deduper,
) *EventWorker {
	logger := util.GetLogger()

	eventHandler := broker.NewEventHandler(broker.EventHandlers{
		OnEvent: fanout.HandleEvent,
		OnRefundCreated: func(ctx context.Context, event *models.RefundEvent) error {
			_, err := orders.HandleRefundSettled(ctx, event.OrderID, "refund_engine")
			return err
		},
	}, dedupe)

	return &EventWorker{
		consumer:     consumer,
		eventHandler: eventHandler,
		logger:       logger,
	}
}

// Start starts the worker
func (w *EventWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting event worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.Handle)
}

// Stop stops the worker
func (w *EventWorker) Stop() error {
	w.logger.Info("Stopping event worker")
	return w.consumer.Close()
}

// Locker serializes a periodic job across instances. A nil Locker means the
// job runs unconditionally.
type Locker interface {
	AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, lockKey string) error
}

// DeliveryWorker sweeps due webhook deliveries on an interval. Claiming uses
// row locks, so multiple instances can sweep concurrently without a Locker.
type DeliveryWorker struct {
	dispatcher *webhook.Dispatcher
	interval   time.Duration
	logger     *zap.Logger
}

// NewDeliveryWorker creates a new delivery worker
func NewDeliveryWorker(dispatcher *webhook.Dispatcher, interval time.Duration) *DeliveryWorker {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &DeliveryWorker{
		dispatcher: dispatcher,
		interval:   interval,
		logger:     util.GetLogger(),
	}
}

// Start runs the sweep loop until the context is cancelled. A full batch
// triggers an immediate follow-up sweep to drain backlogs.
func (w *DeliveryWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting delivery worker", zap.Duration("interval", w.interval))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Stopping delivery worker")
			return ctx.Err()
		case <-ticker.C:
			for {
				n, err := w.dispatcher.Sweep(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					w.logger.Error("Delivery sweep failed", zap.Error(err))
					break
				}
				if n == 0 {
					break
				}
			}
		}
	}
}

// ReconciliationWorker periodically resolves payments whose gateway outcome
// was never observed. A distributed lock keeps concurrent instances from
// double-invoking the gateway.
type ReconciliationWorker struct {
	payments *service.PaymentService
	locker   Locker
	interval time.Duration
	batch    int
	logger   *zap.Logger
}

// NewReconciliationWorker creates a new reconciliation worker
func NewReconciliationWorker(payments *service.PaymentService, locker Locker, interval time.Duration, batch int) *ReconciliationWorker {
	if interval <= 0 {
		interval = time.Minute
	}
	if batch <= 0 {
		batch = 100
	}
	return &ReconciliationWorker{
		payments: payments,
		locker:   locker,
		interval: interval,
		batch:    batch,
		logger:   util.GetLogger(),
	}
}

// Start runs the reconciliation loop until the context is cancelled.
func (w *ReconciliationWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting reconciliation worker", zap.Duration("interval", w.interval))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Stopping reconciliation worker")
			return ctx.Err()
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

func (w *ReconciliationWorker) runOnce(ctx context.Context) {
	const lockKey = "payment-reconciliation"

	if w.locker != nil {
		acquired, err := w.locker.AcquireLock(ctx, lockKey, w.interval)
		if err != nil {
			w.logger.Error("Failed to acquire reconciliation lock", zap.Error(err))
			return
		}
		if !acquired {
			return
		}
		defer func() {
			if err := w.locker.ReleaseLock(ctx, lockKey); err != nil {
				w.logger.Error("Failed to release reconciliation lock", zap.Error(err))
			}
		}()
	}

	if err := w.payments.RunReconciliation(ctx, w.batch); err != nil {
		w.logger.Error("Reconciliation run failed", zap.Error(err))
	}
}
