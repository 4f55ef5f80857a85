package service

import (
	"context"
	"fmt"
	"time"

	"commerce-core/internal/gateway"
	"commerce-core/internal/models"
	"commerce-core/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RefundStore is the persistence surface the refund engine needs.
type RefundStore interface {
	GetPaymentByID(ctx context.Context, id int64) (*models.Payment, error)
	SumSuccessfulRefunds(ctx context.Context, paymentID int64) (int64, error)
	CreateRefundTx(ctx context.Context, refund *models.Refund) (models.PaymentStatus, error)
	GetRefundByIdempotencyKey(ctx context.Context, key string) (*models.Refund, error)
	ListRefundsByOrderID(ctx context.Context, orderID int64) ([]models.Refund, error)
	AppendGiftCardTransaction(ctx context.Context, txn *models.GiftCardTransaction) error
	GetGiftCardForOrder(ctx context.Context, orderID int64) (int64, error)
}

// RefundTarget executes the money-return leg for one funding source. Call
// sites never special-case the source; they pick a target and invoke it.
type RefundTarget interface {
	Name() string
	Refund(ctx context.Context, payment *models.Payment, amount int64, idempotencyKey, reason string) (*gateway.Result, error)
}

// RefundService validates and records refunds against payments and orders.
type RefundService struct {
	store   RefundStore
	targets map[models.FundingSource]RefundTarget
	events  EventSink
	logger  *zap.Logger
}

// NewRefundService creates a refund service with the standard targets.
func NewRefundService(store RefundStore, gw gateway.Gateway, events EventSink, gatewayTimeout time.Duration) *RefundService {
	if gatewayTimeout <= 0 {
		gatewayTimeout = 30 * time.Second
	}
	rs := &RefundService{
		store:  store,
		events: events,
		logger: util.GetLogger(),
	}
	rs.targets = map[models.FundingSource]RefundTarget{
		models.FundingGateway:     &gatewayRefundTarget{gateway: gw, timeout: gatewayTimeout},
		models.FundingGiftCard:    &giftCardRefundTarget{store: store},
		models.FundingStoreCredit: &storeCreditRefundTarget{store: store},
	}
	return rs
}

// ProcessRefund refunds amount against a payment. A nil amount refunds the
// full remaining balance. Rejects amounts above the remaining refundable
// balance. A caller-supplied idempotency key makes the call replayable: a key
// that already settled returns the original refund without moving money
// again; an empty key opts out.
func (rs *RefundService) ProcessRefund(ctx context.Context, paymentID int64, amount *int64, reason, idempotencyKey string) (*models.Refund, error) {
	ctx, span := util.StartSpan(ctx, "RefundService.ProcessRefund")
	defer span.End()

	if idempotencyKey == "" {
		idempotencyKey = uuid.New().String()
	} else {
		existing, err := rs.store.GetRefundByIdempotencyKey(ctx, idempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			util.RefundsTotal.WithLabelValues("replay", "replayed").Inc()
			rs.logger.Info("Duplicate refund request replayed",
				zap.String("idempotency_key", idempotencyKey),
				zap.Int64("refund_id", existing.ID))
			return existing, nil
		}
	}

	payment, err := rs.store.GetPaymentByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	if payment.Status != models.PaymentCaptured && payment.Status != models.PaymentPartiallyRefunded {
		return nil, &models.InvalidTransitionError{
			Axis: models.AxisPayment,
			From: string(payment.Status),
			To:   string(models.PaymentRefunded),
		}
	}

	prior, err := rs.store.SumSuccessfulRefunds(ctx, paymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to sum prior refunds: %w", err)
	}
	remaining := payment.Amount - prior

	refundAmount := remaining
	if amount != nil {
		refundAmount = *amount
	}
	if refundAmount <= 0 {
		return nil, &models.RefundExceedsBalanceError{
			PaymentID: paymentID,
			Requested: refundAmount,
			Remaining: remaining,
		}
	}
	if refundAmount > remaining {
		util.RefundsTotal.WithLabelValues(string(payment.FundingSource), "rejected").Inc()
		return nil, &models.RefundExceedsBalanceError{
			PaymentID: paymentID,
			Requested: refundAmount,
			Remaining: remaining,
		}
	}

	target, ok := rs.targets[payment.FundingSource]
	if !ok {
		return nil, fmt.Errorf("no refund target for funding source %q", payment.FundingSource)
	}

	result, err := target.Refund(ctx, payment, refundAmount, idempotencyKey, reason)
	if err != nil {
		util.RefundsTotal.WithLabelValues(target.Name(), "failed").Inc()
		rs.logger.Warn("Refund target failed",
			zap.Int64("payment_id", paymentID),
			zap.String("target", target.Name()),
			zap.Error(err))
		return nil, err
	}

	refund := &models.Refund{
		OrderID:        payment.OrderID,
		PaymentID:      payment.ID,
		Amount:         refundAmount,
		Currency:       payment.Currency,
		Status:         models.RefundStatusSucceeded,
		Reason:         reason,
		IdempotencyKey: idempotencyKey,
	}
	if result != nil {
		refund.GatewayRef = result.GatewayRef
	}

	// The balance is re-checked under a row lock here so two concurrent
	// refunds cannot together exceed the captured amount.
	newStatus, err := rs.store.CreateRefundTx(ctx, refund)
	if err != nil {
		return nil, err
	}

	util.RefundsTotal.WithLabelValues(target.Name(), "succeeded").Inc()
	rs.logger.Info("Refund processed",
		zap.Int64("payment_id", paymentID),
		zap.Int64("refund_id", refund.ID),
		zap.Int64("amount", refundAmount),
		zap.String("payment_status", string(newStatus)))

	rs.publishRefundEvent(ctx, refund)
	return refund, nil
}

// RemainingBalance returns the refundable balance left on a payment.
func (rs *RefundService) RemainingBalance(ctx context.Context, paymentID int64) (int64, error) {
	payment, err := rs.store.GetPaymentByID(ctx, paymentID)
	if err != nil {
		return 0, err
	}
	prior, err := rs.store.SumSuccessfulRefunds(ctx, paymentID)
	if err != nil {
		return 0, err
	}
	return payment.Amount - prior, nil
}

// ListRefunds returns all refunds recorded for an order.
func (rs *RefundService) ListRefunds(ctx context.Context, orderID int64) ([]models.Refund, error) {
	return rs.store.ListRefundsByOrderID(ctx, orderID)
}

func (rs *RefundService) publishRefundEvent(ctx context.Context, refund *models.Refund) {
	if rs.events == nil {
		return
	}
	event := &models.RefundEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeRefundCreated,
			Timestamp: time.Now(),
		},
		OrderID:   refund.OrderID,
		PaymentID: refund.PaymentID,
		RefundID:  refund.ID,
		Amount:    refund.Amount,
		Currency:  refund.Currency,
		Reason:    refund.Reason,
	}
	if err := rs.events.PublishRefundEvent(ctx, event); err != nil {
		rs.logger.Error("Failed to publish refund event", zap.Error(err))
	}
}

// gatewayRefundTarget returns money through the payment gateway.
type gatewayRefundTarget struct {
	gateway gateway.Gateway
	timeout time.Duration
}

func (t *gatewayRefundTarget) Name() string { return "gateway" }

func (t *gatewayRefundTarget) Refund(ctx context.Context, payment *models.Payment, amount int64, idempotencyKey, reason string) (*gateway.Result, error) {
	gctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	result, err := t.gateway.Refund(gctx, gateway.Request{
		IdempotencyKey: idempotencyKey,
		Reference:      payment.GatewayRef,
		Amount:         amount,
		Currency:       payment.Currency,
	})
	if err != nil {
		if _, definitive := declineOf(err); definitive {
			return nil, err
		}
		return nil, &models.TransientError{Op: "gateway refund", Err: err}
	}
	return result, nil
}

// giftCardRefundTarget credits the gift card that funded the order with a new
// link in its append-only transaction chain; no gateway involved.
type giftCardRefundTarget struct {
	store RefundStore
}

func (t *giftCardRefundTarget) Name() string { return "gift_card" }

func (t *giftCardRefundTarget) Refund(ctx context.Context, payment *models.Payment, amount int64, idempotencyKey, reason string) (*gateway.Result, error) {
	giftCardID, err := t.store.GetGiftCardForOrder(ctx, payment.OrderID)
	if err != nil {
		return nil, err
	}
	txn := &models.GiftCardTransaction{
		GiftCardID: giftCardID,
		OrderID:    payment.OrderID,
		Amount:     amount,
		Kind:       "refund_credit",
		Note:       reason,
	}
	if err := t.store.AppendGiftCardTransaction(ctx, txn); err != nil {
		return nil, err
	}
	return &gateway.Result{GatewayRef: fmt.Sprintf("giftcard_txn_%d", txn.ID)}, nil
}

// storeCreditRefundTarget issues store credit on the customer's account.
// Modeled as a gift-card chain against the store-credit card for the order.
type storeCreditRefundTarget struct {
	store RefundStore
}

func (t *storeCreditRefundTarget) Name() string { return "store_credit" }

func (t *storeCreditRefundTarget) Refund(ctx context.Context, payment *models.Payment, amount int64, idempotencyKey, reason string) (*gateway.Result, error) {
	giftCardID, err := t.store.GetGiftCardForOrder(ctx, payment.OrderID)
	if err != nil {
		return nil, err
	}
	txn := &models.GiftCardTransaction{
		GiftCardID: giftCardID,
		OrderID:    payment.OrderID,
		Amount:     amount,
		Kind:       "store_credit",
		Note:       reason,
	}
	if err := t.store.AppendGiftCardTransaction(ctx, txn); err != nil {
		return nil, err
	}
	return &gateway.Result{GatewayRef: fmt.Sprintf("credit_txn_%d", txn.ID)}, nil
}
