package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"commerce-core/internal/models"

	"github.com/lib/pq"
)

const pqUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation
}

// CreatePayment inserts a payment row. Idempotency is an explicit protocol
// step: on a unique-violation for the idempotency key, the existing row is
// read back and returned with replayed=true. First writer wins, others read
// back.
func (s *Store) CreatePayment(ctx context.Context, payment *models.Payment) (replayed bool, err error) {
	query := `
		INSERT INTO payments (order_id, status, funding_source, amount, currency, idempotency_key, attempt_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`

	err = s.db.GetContext(ctx, payment, query,
		payment.OrderID, payment.Status, payment.FundingSource,
		payment.Amount, payment.Currency, payment.IdempotencyKey, payment.AttemptCount)
	if err == nil {
		return false, nil
	}
	if !isUniqueViolation(err) {
		return false, fmt.Errorf("failed to create payment: %w", err)
	}

	existing, err := s.GetPaymentByIdempotencyKey(ctx, payment.IdempotencyKey)
	if err != nil {
		return false, fmt.Errorf("failed to read back payment after duplicate key: %w", err)
	}
	*payment = *existing
	return true, nil
}

// GetPaymentByID retrieves a payment by ID.
func (s *Store) GetPaymentByID(ctx context.Context, id int64) (*models.Payment, error) {
	var payment models.Payment
	err := s.db.GetContext(ctx, &payment, "SELECT * FROM payments WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, models.ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// GetPaymentByIdempotencyKey retrieves a payment by its idempotency key.
func (s *Store) GetPaymentByIdempotencyKey(ctx context.Context, key string) (*models.Payment, error) {
	var payment models.Payment
	err := s.db.GetContext(ctx, &payment, "SELECT * FROM payments WHERE idempotency_key = $1", key)
	if err == sql.ErrNoRows {
		return nil, models.ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// GetPaymentsByOrderID retrieves payments for an order, newest first.
func (s *Store) GetPaymentsByOrderID(ctx context.Context, orderID int64) ([]models.Payment, error) {
	var payments []models.Payment
	err := s.db.SelectContext(ctx, &payments,
		"SELECT * FROM payments WHERE order_id = $1 ORDER BY created_at DESC", orderID)
	return payments, err
}

// MarkPaymentAuthorized records a successful gateway authorization.
func (s *Store) MarkPaymentAuthorized(ctx context.Context, paymentID int64, gatewayRef string, rawResponse []byte) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE payments
		SET status = $1, gateway_ref = $2, gateway_response = $3,
		    authorized_at = NOW(), requires_reconciliation = FALSE, updated_at = NOW()
		WHERE id = $4`,
		models.PaymentAuthorized, gatewayRef, rawResponse, paymentID)
	return err
}

// MarkPaymentCaptured records a successful gateway capture.
func (s *Store) MarkPaymentCaptured(ctx context.Context, paymentID int64, gatewayRef string, rawResponse []byte) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE payments
		SET status = $1, gateway_ref = $2, gateway_response = $3,
		    captured_at = NOW(), requires_reconciliation = FALSE, updated_at = NOW()
		WHERE id = $4`,
		models.PaymentCaptured, gatewayRef, rawResponse, paymentID)
	return err
}

// UpdatePaymentStatus writes a terminal or intermediate payment status with an
// optional failure message.
func (s *Store) UpdatePaymentStatus(ctx context.Context, paymentID int64, status models.PaymentStatus, failureMessage string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE payments
		SET status = $1, failure_message = $2, updated_at = NOW()
		WHERE id = $3`,
		status, failureMessage, paymentID)
	return err
}

// SetPaymentReconciliation flags or clears the reconciliation marker set when
// a gateway call times out with an unknown outcome.
func (s *Store) SetPaymentReconciliation(ctx context.Context, paymentID int64, required bool) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE payments SET requires_reconciliation = $1, updated_at = NOW() WHERE id = $2",
		required, paymentID)
	return err
}

// IncrementPaymentAttempts bumps the attempt counter used to derive retry
// idempotency keys.
func (s *Store) IncrementPaymentAttempts(ctx context.Context, paymentID int64) (int, error) {
	var attempts int
	err := s.db.GetContext(ctx, &attempts, `
		UPDATE payments SET attempt_count = attempt_count + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING attempt_count`, paymentID)
	return attempts, err
}

// ListPaymentsRequiringReconciliation returns payments whose last gateway call
// ended with an unknown outcome.
func (s *Store) ListPaymentsRequiringReconciliation(ctx context.Context, limit int) ([]models.Payment, error) {
	var payments []models.Payment
	err := s.db.SelectContext(ctx, &payments, `
		SELECT * FROM payments
		WHERE requires_reconciliation = TRUE
		ORDER BY updated_at
		LIMIT $1`, limit)
	return payments, err
}

// PaymentSettlement describes the combined payment-row and order-axis write
// performed after a gateway call returns. Gateway I/O happens outside this
// transaction; only the outcome is committed here.
type PaymentSettlement struct {
	PaymentID      int64
	PaymentStatus  models.PaymentStatus
	GatewayRef     string
	RawResponse    []byte
	FailureMessage string
	MarkAuthorized bool
	MarkCaptured   bool

	// Order axis update, applied when OrderID is set. Conditional on
	// OrderVersion like UpdateOrderStatuses.
	OrderID      int64
	OrderVersion int64
	Order        OrderStatusUpdate
	History      []models.OrderStatusHistory
}

// SettlePaymentTx writes a gateway outcome to the payment row and the order's
// status axes in one transaction, so a crash cannot leave an order marked paid
// without a captured payment or vice versa.
func (s *Store) SettlePaymentTx(ctx context.Context, settle PaymentSettlement) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	set := "status = $1, failure_message = $2, requires_reconciliation = FALSE, updated_at = NOW()"
	args := []interface{}{settle.PaymentStatus, settle.FailureMessage}
	if settle.GatewayRef != "" {
		set += ", gateway_ref = $3, gateway_response = $4"
		args = append(args, settle.GatewayRef, settle.RawResponse)
	}
	if settle.MarkAuthorized {
		set += ", authorized_at = NOW()"
	}
	if settle.MarkCaptured {
		set += ", captured_at = NOW()"
	}
	args = append(args, settle.PaymentID)
	query := fmt.Sprintf("UPDATE payments SET %s WHERE id = $%d", set, len(args))

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to settle payment: %w", err)
	}

	if settle.OrderID > 0 {
		res, err := tx.ExecContext(ctx, `
			UPDATE orders
			SET status = $1, payment_status = $2, fulfillment_status = $3,
			    financial_status = $4, version = version + 1, updated_at = NOW()
			WHERE id = $5 AND version = $6`,
			settle.Order.Status, settle.Order.PaymentStatus, settle.Order.FulfillmentStatus,
			settle.Order.FinancialStatus, settle.OrderID, settle.OrderVersion)
		if err != nil {
			return fmt.Errorf("failed to update order axes: %w", err)
		}
		if rows, _ := res.RowsAffected(); rows == 0 {
			return models.ErrStaleOrder
		}

		for i := range settle.History {
			settle.History[i].OrderID = settle.OrderID
			if err := insertStatusHistory(ctx, tx, &settle.History[i]); err != nil {
				return err
			}
		}
	}

	return tx.Commit()
}

// SumSuccessfulRefunds returns the total already refunded against a payment.
func (s *Store) SumSuccessfulRefunds(ctx context.Context, paymentID int64) (int64, error) {
	var sum int64
	err := s.db.GetContext(ctx, &sum, `
		SELECT COALESCE(SUM(amount), 0) FROM refunds
		WHERE payment_id = $1 AND status = $2`,
		paymentID, models.RefundStatusSucceeded)
	return sum, err
}

// CreateRefundTx appends the refund row and settles the payment status in one
// transaction, re-checking the balance against concurrent refunds under a row
// lock on the payment.
func (s *Store) CreateRefundTx(ctx context.Context, refund *models.Refund) (models.PaymentStatus, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var payment models.Payment
	err = tx.GetContext(ctx, &payment, "SELECT * FROM payments WHERE id = $1 FOR UPDATE", refund.PaymentID)
	if err == sql.ErrNoRows {
		return "", models.ErrPaymentNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to lock payment: %w", err)
	}

	var prior int64
	if err := tx.GetContext(ctx, &prior, `
		SELECT COALESCE(SUM(amount), 0) FROM refunds
		WHERE payment_id = $1 AND status = $2`,
		refund.PaymentID, models.RefundStatusSucceeded); err != nil {
		return "", fmt.Errorf("failed to sum prior refunds: %w", err)
	}

	remaining := payment.Amount - prior
	if refund.Amount > remaining {
		return "", &models.RefundExceedsBalanceError{
			PaymentID: refund.PaymentID,
			Requested: refund.Amount,
			Remaining: remaining,
		}
	}

	query := `
		INSERT INTO refunds (order_id, payment_id, amount, currency, status, reason, idempotency_key, gateway_ref)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at`

	if err := tx.GetContext(ctx, refund, query,
		refund.OrderID, refund.PaymentID, refund.Amount, refund.Currency,
		refund.Status, refund.Reason, refund.IdempotencyKey, refund.GatewayRef); err != nil {
		return "", fmt.Errorf("failed to insert refund: %w", err)
	}

	newStatus := models.PaymentPartiallyRefunded
	if prior+refund.Amount >= payment.Amount {
		newStatus = models.PaymentRefunded
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE payments SET status = $1, updated_at = NOW() WHERE id = $2",
		newStatus, refund.PaymentID); err != nil {
		return "", fmt.Errorf("failed to update payment status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return newStatus, nil
}

// GetRefundByIdempotencyKey retrieves a settled refund by key, or nil.
func (s *Store) GetRefundByIdempotencyKey(ctx context.Context, key string) (*models.Refund, error) {
	var refund models.Refund
	err := s.db.GetContext(ctx, &refund, "SELECT * FROM refunds WHERE idempotency_key = $1", key)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &refund, nil
}

// ListRefundsByOrderID returns all refunds for an order.
func (s *Store) ListRefundsByOrderID(ctx context.Context, orderID int64) ([]models.Refund, error) {
	var refunds []models.Refund
	err := s.db.SelectContext(ctx, &refunds,
		"SELECT * FROM refunds WHERE order_id = $1 ORDER BY id", orderID)
	return refunds, err
}

// AppendGiftCardTransaction appends one link to a gift card's balance chain.
func (s *Store) AppendGiftCardTransaction(ctx context.Context, txn *models.GiftCardTransaction) error {
	query := `
		INSERT INTO gift_card_transactions (gift_card_id, order_id, amount, kind, note)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`
	return s.db.GetContext(ctx, txn, query,
		txn.GiftCardID, txn.OrderID, txn.Amount, txn.Kind, txn.Note)
}

// GetGiftCardForOrder returns the gift card id charged on an order, if any.
func (s *Store) GetGiftCardForOrder(ctx context.Context, orderID int64) (int64, error) {
	var giftCardID int64
	err := s.db.GetContext(ctx, &giftCardID, `
		SELECT gift_card_id FROM gift_card_transactions
		WHERE order_id = $1 AND kind = 'charge'
		ORDER BY id LIMIT 1`, orderID)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("no gift card charge found for order %d", orderID)
	}
	return giftCardID, err
}
