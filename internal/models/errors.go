package models

import (
	"errors"
	"fmt"
)

// Sentinel errors for the validation category. These are rejected
// synchronously and never retried.
var (
	ErrOrderNotFound      = errors.New("order not found")
	ErrPaymentNotFound    = errors.New("payment not found")
	ErrStockLevelNotFound = errors.New("stock level not found")
	ErrDeliveryNotFound   = errors.New("webhook delivery not found")

	// ErrStaleOrder signals a lost optimistic-concurrency race; the caller
	// should re-read and retry.
	ErrStaleOrder = errors.New("order was modified concurrently")

	// ErrAmountImmutable guards recorded payment amounts: a replayed
	// request must carry the original amount.
	ErrAmountImmutable = errors.New("payment amount is immutable")
)

// InsufficientStockError reports a failed reservation for one variant.
type InsufficientStockError struct {
	VariantID  int64
	LocationID int64
	Requested  int
	Available  int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for variant %d at location %d: requested=%d available=%d",
		e.VariantID, e.LocationID, e.Requested, e.Available)
}

// RefundExceedsBalanceError reports a refund amount above the remaining
// refundable balance.
type RefundExceedsBalanceError struct {
	PaymentID int64
	Requested int64
	Remaining int64
}

func (e *RefundExceedsBalanceError) Error() string {
	return fmt.Sprintf("refund %d exceeds remaining refundable balance %d on payment %d",
		e.Requested, e.Remaining, e.PaymentID)
}

// InvalidTransitionError reports a status write not present in the transition
// table for its axis.
type InvalidTransitionError struct {
	Axis StatusAxis
	From string
	To   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("illegal %s transition %q -> %q", e.Axis, e.From, e.To)
}

// TransientError wraps external I/O failures (gateway timeout, unreachable
// webhook endpoint) that are safe to retry with backoff.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// InconsistencyError reports a violated financial invariant (ledger mismatch,
// broken order totals). Fatal: the operation aborts and the record is flagged
// for manual review, never auto-corrected.
type InconsistencyError struct {
	Subject string
	Detail  string
}

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("inconsistency in %s: %s", e.Subject, e.Detail)
}

// IsValidation reports whether err belongs to the validation category.
func IsValidation(err error) bool {
	var ise *InsufficientStockError
	var reb *RefundExceedsBalanceError
	var ite *InvalidTransitionError
	return errors.As(err, &ise) || errors.As(err, &reb) || errors.As(err, &ite) ||
		errors.Is(err, ErrAmountImmutable)
}

// IsTransient reports whether err is retryable external I/O.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsInconsistency reports whether err is a fatal invariant violation.
func IsInconsistency(err error) bool {
	var ie *InconsistencyError
	return errors.As(err, &ie)
}

// IsNotFound reports whether err is any of the not-found sentinels.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrOrderNotFound) || errors.Is(err, ErrPaymentNotFound) ||
		errors.Is(err, ErrStockLevelNotFound) || errors.Is(err, ErrDeliveryNotFound)
}
