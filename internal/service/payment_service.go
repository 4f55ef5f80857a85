package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"commerce-core/internal/gateway"
	"commerce-core/internal/models"
	"commerce-core/internal/store"
	"commerce-core/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PaymentStore is the persistence surface the payment processor needs.
type PaymentStore interface {
	CreatePayment(ctx context.Context, payment *models.Payment) (replayed bool, err error)
	GetPaymentByID(ctx context.Context, id int64) (*models.Payment, error)
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	SettlePaymentTx(ctx context.Context, settle store.PaymentSettlement) error
	SetPaymentReconciliation(ctx context.Context, paymentID int64, required bool) error
	IncrementPaymentAttempts(ctx context.Context, paymentID int64) (int, error)
	ListPaymentsRequiringReconciliation(ctx context.Context, limit int) ([]models.Payment, error)
}

// PaymentService is the idempotent payment processor. Gateway calls never run
// while a database lock is held: state is read, the gateway is called with an
// explicit timeout, then the outcome is committed.
type PaymentService struct {
	store          PaymentStore
	gateway        gateway.Gateway
	history        *HistoryRecorder
	events         EventSink
	gatewayTimeout time.Duration
	logger         *zap.Logger
}

// NewPaymentService creates a new payment service.
func NewPaymentService(store PaymentStore, gw gateway.Gateway, history *HistoryRecorder, events EventSink, gatewayTimeout time.Duration) *PaymentService {
	if gatewayTimeout <= 0 {
		gatewayTimeout = 30 * time.Second
	}
	return &PaymentService{
		store:          store,
		gateway:        gw,
		history:        history,
		events:         events,
		gatewayTimeout: gatewayTimeout,
		logger:         util.GetLogger(),
	}
}

// RetryIdempotencyKey derives a fresh key for a retried payment from the
// payment id and attempt counter, so a genuine new attempt is not swallowed by
// gateway-side duplicate detection.
func RetryIdempotencyKey(paymentID int64, attempt int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("payment:%d:attempt:%d", paymentID, attempt)))
	return hex.EncodeToString(sum[:])
}

func captureKey(base string) string { return base + ":capture" }
func voidKey(base string) string    { return base + ":void" }

// AuthorizePayment creates the payment row and authorizes it with the
// gateway. A duplicate idempotency key returns the original payment without a
// second gateway call.
func (ps *PaymentService) AuthorizePayment(ctx context.Context, orderID, amount int64, currency string, funding models.FundingSource, idempotencyKey string) (*models.Payment, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.AuthorizePayment")
	defer span.End()

	if idempotencyKey == "" {
		idempotencyKey = uuid.New().String()
	}
	if funding == "" {
		funding = models.FundingGateway
	}

	payment := &models.Payment{
		OrderID:        orderID,
		Status:         models.PaymentPending,
		FundingSource:  funding,
		Amount:         amount,
		Currency:       currency,
		IdempotencyKey: idempotencyKey,
		AttemptCount:   1,
	}

	replayed, err := ps.store.CreatePayment(ctx, payment)
	if err != nil {
		return nil, fmt.Errorf("failed to create payment: %w", err)
	}
	if replayed {
		if payment.Amount != amount {
			return nil, models.ErrAmountImmutable
		}
		util.PaymentReplaysTotal.Inc()
		ps.logger.Info("Duplicate payment request replayed",
			zap.String("idempotency_key", idempotencyKey),
			zap.Int64("payment_id", payment.ID))
		return payment, nil
	}

	result, err := ps.callGateway(ctx, "authorize", func(gctx context.Context) (*gateway.Result, error) {
		return ps.gateway.Authorize(gctx, gateway.Request{
			IdempotencyKey: idempotencyKey,
			Amount:         amount,
			Currency:       currency,
		})
	})
	if err != nil {
		return ps.settleGatewayFailure(ctx, payment, "authorize", err)
	}

	if err := ps.settleAuthorized(ctx, payment, result); err != nil {
		return nil, err
	}
	return ps.store.GetPaymentByID(ctx, payment.ID)
}

// CapturePayment captures an authorized payment. Invoking it twice with the
// same key yields one gateway call and two identical results. Capture
// failures are terminal until retried explicitly.
func (ps *PaymentService) CapturePayment(ctx context.Context, paymentID int64) (*models.Payment, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.CapturePayment")
	defer span.End()

	payment, err := ps.store.GetPaymentByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	// Idempotent replay: a capture that already settled returns the stored
	// outcome without contacting the gateway again.
	if payment.Status == models.PaymentCaptured {
		util.PaymentReplaysTotal.Inc()
		return payment, nil
	}
	if !models.CanTransitionPayment(payment.Status, models.PaymentCaptured) {
		return nil, &models.InvalidTransitionError{
			Axis: models.AxisPayment,
			From: string(payment.Status),
			To:   string(models.PaymentCaptured),
		}
	}

	result, err := ps.callGateway(ctx, "capture", func(gctx context.Context) (*gateway.Result, error) {
		return ps.gateway.Capture(gctx, gateway.Request{
			IdempotencyKey: captureKey(payment.IdempotencyKey),
			Reference:      payment.GatewayRef,
			Amount:         payment.Amount,
			Currency:       payment.Currency,
		})
	})
	if err != nil {
		return ps.settleGatewayFailure(ctx, payment, "capture", err)
	}

	if err := ps.settleCaptured(ctx, payment, result); err != nil {
		return nil, err
	}
	return ps.store.GetPaymentByID(ctx, payment.ID)
}

// VoidPayment releases an authorization without moving money.
func (ps *PaymentService) VoidPayment(ctx context.Context, paymentID int64) (*models.Payment, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.VoidPayment")
	defer span.End()

	payment, err := ps.store.GetPaymentByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.Status == models.PaymentCancelled {
		util.PaymentReplaysTotal.Inc()
		return payment, nil
	}
	if !models.CanTransitionPayment(payment.Status, models.PaymentCancelled) {
		return nil, &models.InvalidTransitionError{
			Axis: models.AxisPayment,
			From: string(payment.Status),
			To:   string(models.PaymentCancelled),
		}
	}

	// A pending payment has no gateway authorization to release.
	if payment.GatewayRef != "" {
		_, err = ps.callGateway(ctx, "void", func(gctx context.Context) (*gateway.Result, error) {
			return ps.gateway.Void(gctx, gateway.Request{
				IdempotencyKey: voidKey(payment.IdempotencyKey),
				Reference:      payment.GatewayRef,
				Amount:         payment.Amount,
				Currency:       payment.Currency,
			})
		})
		if err != nil {
			return ps.settleGatewayFailure(ctx, payment, "void", err)
		}
	}

	if err := ps.store.SettlePaymentTx(ctx, store.PaymentSettlement{
		PaymentID:     payment.ID,
		PaymentStatus: models.PaymentCancelled,
	}); err != nil {
		return nil, err
	}

	ps.publishPaymentEvent(ctx, models.EventTypePaymentVoided, payment, models.PaymentCancelled, "")
	return ps.store.GetPaymentByID(ctx, payment.ID)
}

// RetryFailedPayment re-attempts authorization and capture of a failed
// payment under a freshly derived idempotency key.
func (ps *PaymentService) RetryFailedPayment(ctx context.Context, paymentID int64) (*models.Payment, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.RetryFailedPayment")
	defer span.End()

	payment, err := ps.store.GetPaymentByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if !models.CanTransitionPayment(payment.Status, models.PaymentPending) {
		return nil, &models.InvalidTransitionError{
			Axis: models.AxisPayment,
			From: string(payment.Status),
			To:   string(models.PaymentPending),
		}
	}

	attempt, err := ps.store.IncrementPaymentAttempts(ctx, paymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to increment attempt counter: %w", err)
	}
	retryKey := RetryIdempotencyKey(paymentID, attempt)

	authResult, err := ps.callGateway(ctx, "authorize", func(gctx context.Context) (*gateway.Result, error) {
		return ps.gateway.Authorize(gctx, gateway.Request{
			IdempotencyKey: retryKey,
			Amount:         payment.Amount,
			Currency:       payment.Currency,
		})
	})
	if err != nil {
		return ps.settleGatewayFailure(ctx, payment, "authorize", err)
	}
	if err := ps.settleAuthorized(ctx, payment, authResult); err != nil {
		return nil, err
	}
	payment.GatewayRef = authResult.GatewayRef
	payment.Status = models.PaymentAuthorized

	capResult, err := ps.callGateway(ctx, "capture", func(gctx context.Context) (*gateway.Result, error) {
		return ps.gateway.Capture(gctx, gateway.Request{
			IdempotencyKey: captureKey(retryKey),
			Reference:      authResult.GatewayRef,
			Amount:         payment.Amount,
			Currency:       payment.Currency,
		})
	})
	if err != nil {
		return ps.settleGatewayFailure(ctx, payment, "capture", err)
	}
	if err := ps.settleCaptured(ctx, payment, capResult); err != nil {
		return nil, err
	}

	return ps.store.GetPaymentByID(ctx, payment.ID)
}

// ReconcilePayment settles a payment whose last gateway call ended with an
// unknown outcome. The gateway is re-invoked with the original idempotency
// key: providers dedupe on the key and return the original outcome, so this
// cannot move money twice.
func (ps *PaymentService) ReconcilePayment(ctx context.Context, paymentID int64) error {
	ctx, span := util.StartSpan(ctx, "PaymentService.ReconcilePayment")
	defer span.End()

	payment, err := ps.store.GetPaymentByID(ctx, paymentID)
	if err != nil {
		return err
	}
	if !payment.RequiresReconciliation {
		return nil
	}

	switch payment.Status {
	case models.PaymentPending:
		result, err := ps.callGateway(ctx, "authorize", func(gctx context.Context) (*gateway.Result, error) {
			return ps.gateway.Authorize(gctx, gateway.Request{
				IdempotencyKey: payment.IdempotencyKey,
				Amount:         payment.Amount,
				Currency:       payment.Currency,
			})
		})
		if err != nil {
			if _, definitive := declineOf(err); definitive {
				util.PaymentReconciliationsTotal.WithLabelValues("failed").Inc()
				_, serr := ps.settleGatewayFailure(ctx, payment, "authorize", err)
				return serr
			}
			return err // still unknown, stays flagged
		}
		util.PaymentReconciliationsTotal.WithLabelValues("authorized").Inc()
		return ps.settleAuthorized(ctx, payment, result)

	case models.PaymentAuthorized:
		result, err := ps.callGateway(ctx, "capture", func(gctx context.Context) (*gateway.Result, error) {
			return ps.gateway.Capture(gctx, gateway.Request{
				IdempotencyKey: captureKey(payment.IdempotencyKey),
				Reference:      payment.GatewayRef,
				Amount:         payment.Amount,
				Currency:       payment.Currency,
			})
		})
		if err != nil {
			if _, definitive := declineOf(err); definitive {
				util.PaymentReconciliationsTotal.WithLabelValues("failed").Inc()
				_, serr := ps.settleGatewayFailure(ctx, payment, "capture", err)
				return serr
			}
			return err
		}
		util.PaymentReconciliationsTotal.WithLabelValues("captured").Inc()
		return ps.settleCaptured(ctx, payment, result)

	default:
		// Nothing outstanding; clear the flag.
		return ps.store.SetPaymentReconciliation(ctx, paymentID, false)
	}
}

// RunReconciliation sweeps payments flagged with an unknown gateway outcome.
func (ps *PaymentService) RunReconciliation(ctx context.Context, limit int) error {
	payments, err := ps.store.ListPaymentsRequiringReconciliation(ctx, limit)
	if err != nil {
		return err
	}
	for i := range payments {
		if err := ps.ReconcilePayment(ctx, payments[i].ID); err != nil {
			ps.logger.Warn("Payment reconciliation still unresolved",
				zap.Int64("payment_id", payments[i].ID),
				zap.Error(err))
		}
	}
	return nil
}

// callGateway runs a gateway call with a timeout and records latency metrics.
func (ps *PaymentService) callGateway(ctx context.Context, op string, call func(context.Context) (*gateway.Result, error)) (*gateway.Result, error) {
	util.PaymentAttemptsTotal.WithLabelValues(op).Inc()
	start := time.Now()
	defer func() {
		util.GatewayLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	gctx, cancel := context.WithTimeout(ctx, ps.gatewayTimeout)
	defer cancel()

	result, err := call(gctx)
	if err != nil {
		util.PaymentFailedTotal.WithLabelValues(op).Inc()
	}
	return result, err
}

// declineOf classifies a gateway error: definitive declines are terminal,
// everything else (timeout, network) has an unknown outcome.
func declineOf(err error) (*gateway.DeclinedError, bool) {
	var declined *gateway.DeclinedError
	if errors.As(err, &declined) {
		return declined, true
	}
	return nil, false
}

// settleGatewayFailure commits the local state for a failed gateway call. A
// definitive decline marks the payment failed; an unknown outcome leaves the
// payment retryable with the same key and flags it for reconciliation,
// because the gateway may actually have succeeded.
func (ps *PaymentService) settleGatewayFailure(ctx context.Context, payment *models.Payment, op string, gerr error) (*models.Payment, error) {
	if declined, ok := declineOf(gerr); ok {
		if err := ps.settleWithOrderAxis(ctx, payment, store.PaymentSettlement{
			PaymentID:      payment.ID,
			PaymentStatus:  models.PaymentFailed,
			FailureMessage: declined.Message,
		}, models.PayAxisFailed); err != nil {
			return nil, err
		}
		ps.publishPaymentEvent(ctx, models.EventTypePaymentFailed, payment, models.PaymentFailed, declined.Message)
		ps.logger.Warn("Gateway declined payment",
			zap.Int64("payment_id", payment.ID),
			zap.String("op", op),
			zap.String("code", declined.Code))
		return ps.store.GetPaymentByID(ctx, payment.ID)
	}

	if err := ps.store.SetPaymentReconciliation(ctx, payment.ID, true); err != nil {
		ps.logger.Error("Failed to flag payment for reconciliation",
			zap.Int64("payment_id", payment.ID), zap.Error(err))
	}
	if ps.history != nil {
		_ = ps.history.Record(ctx, payment.OrderID, models.AxisPayment,
			string(payment.Status), string(payment.Status), "payment_processor",
			"gateway "+op+" outcome unknown, reconciliation scheduled")
	}
	ps.logger.Warn("Gateway outcome unknown, payment flagged for reconciliation",
		zap.Int64("payment_id", payment.ID),
		zap.String("op", op),
		zap.Error(gerr))
	return nil, &models.TransientError{Op: "gateway " + op, Err: gerr}
}

func (ps *PaymentService) settleAuthorized(ctx context.Context, payment *models.Payment, result *gateway.Result) error {
	err := ps.settleWithOrderAxis(ctx, payment, store.PaymentSettlement{
		PaymentID:      payment.ID,
		PaymentStatus:  models.PaymentAuthorized,
		GatewayRef:     result.GatewayRef,
		RawResponse:    result.RawResponse,
		MarkAuthorized: true,
	}, models.PayAxisAuthorized)
	if err != nil {
		return err
	}
	ps.publishPaymentEvent(ctx, models.EventTypePaymentAuthorized, payment, models.PaymentAuthorized, "")
	return nil
}

func (ps *PaymentService) settleCaptured(ctx context.Context, payment *models.Payment, result *gateway.Result) error {
	err := ps.settleWithOrderAxis(ctx, payment, store.PaymentSettlement{
		PaymentID:     payment.ID,
		PaymentStatus: models.PaymentCaptured,
		GatewayRef:    result.GatewayRef,
		RawResponse:   result.RawResponse,
		MarkCaptured:  true,
	}, models.PayAxisPaid)
	if err != nil {
		return err
	}
	ps.publishPaymentEvent(ctx, models.EventTypePaymentCaptured, payment, models.PaymentCaptured, "")
	return nil
}

// settleWithOrderAxis commits the payment outcome together with the order's
// payment-axis transition, retrying a bounded number of times when another
// writer bumped the order version in between.
func (ps *PaymentService) settleWithOrderAxis(ctx context.Context, payment *models.Payment, settle store.PaymentSettlement, axisTo models.PaymentAxisStatus) error {
	for attempt := 0; attempt < 3; attempt++ {
		order, err := ps.store.GetOrderByID(ctx, payment.OrderID)
		if err != nil {
			return err
		}

		s := settle
		if order.PaymentStatus != axisTo {
			if !models.CanTransitionPaymentAxis(order.PaymentStatus, axisTo) {
				return &models.InvalidTransitionError{
					Axis: models.AxisPayment,
					From: string(order.PaymentStatus),
					To:   string(axisTo),
				}
			}
			s.OrderID = order.ID
			s.OrderVersion = order.Version
			s.Order = store.OrderStatusUpdate{
				Status:            order.Status,
				PaymentStatus:     axisTo,
				FulfillmentStatus: order.FulfillmentStatus,
				FinancialStatus:   models.DeriveFinancialStatus(axisTo, false),
				CancelReason:      order.CancelReason,
			}
			s.History = []models.OrderStatusHistory{{
				StatusType: models.AxisPayment,
				FromStatus: string(order.PaymentStatus),
				ToStatus:   string(axisTo),
				Actor:      "payment_processor",
			}}
		}

		err = ps.store.SettlePaymentTx(ctx, s)
		if err == nil {
			return nil
		}
		if !errors.Is(err, models.ErrStaleOrder) {
			return err
		}
	}
	return models.ErrStaleOrder
}

func (ps *PaymentService) publishPaymentEvent(ctx context.Context, eventType string, payment *models.Payment, status models.PaymentStatus, reason string) {
	if ps.events == nil {
		return
	}
	event := &models.PaymentEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: eventType,
			Timestamp: time.Now(),
		},
		OrderID:    payment.OrderID,
		PaymentID:  payment.ID,
		Amount:     payment.Amount,
		Currency:   payment.Currency,
		Status:     status,
		GatewayRef: payment.GatewayRef,
		Reason:     reason,
	}
	if err := ps.events.PublishPaymentEvent(ctx, event); err != nil {
		ps.logger.Error("Failed to publish payment event",
			zap.String("event_type", eventType), zap.Error(err))
	}
}
