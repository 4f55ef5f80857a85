package models

// OrderStatus is the order lifecycle axis.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusDelivered  OrderStatus = "delivered"
	OrderStatusCancelled  OrderStatus = "cancelled"
	OrderStatusRefunded   OrderStatus = "refunded"
)

// PaymentAxisStatus is the order-level payment axis (distinct from the status
// of an individual Payment row).
type PaymentAxisStatus string

const (
	PayAxisPending           PaymentAxisStatus = "pending"
	PayAxisAuthorized        PaymentAxisStatus = "authorized"
	PayAxisPaid              PaymentAxisStatus = "paid"
	PayAxisPartiallyRefunded PaymentAxisStatus = "partially_refunded"
	PayAxisRefunded          PaymentAxisStatus = "refunded"
	PayAxisFailed            PaymentAxisStatus = "failed"
)

// FulfillmentStatus is the fulfillment axis.
type FulfillmentStatus string

const (
	FulfillmentUnfulfilled FulfillmentStatus = "unfulfilled"
	FulfillmentPartial     FulfillmentStatus = "partial"
	FulfillmentFulfilled   FulfillmentStatus = "fulfilled"
	FulfillmentCancelled   FulfillmentStatus = "cancelled"
)

// FinancialStatus is derived from the payment axis for accounting views.
type FinancialStatus string

const (
	FinancialPending           FinancialStatus = "pending"
	FinancialAuthorized        FinancialStatus = "authorized"
	FinancialPaid              FinancialStatus = "paid"
	FinancialPartiallyRefunded FinancialStatus = "partially_refunded"
	FinancialRefunded          FinancialStatus = "refunded"
	FinancialVoided            FinancialStatus = "voided"
)

// PaymentStatus is the state of an individual Payment row.
type PaymentStatus string

const (
	PaymentPending           PaymentStatus = "pending"
	PaymentAuthorized        PaymentStatus = "authorized"
	PaymentCaptured          PaymentStatus = "captured"
	PaymentFailed            PaymentStatus = "failed"
	PaymentCancelled         PaymentStatus = "cancelled"
	PaymentRefunded          PaymentStatus = "refunded"
	PaymentPartiallyRefunded PaymentStatus = "partially_refunded"
)

// Transition tables. Anything not listed is rejected; callers never write a
// status string directly.

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:    {OrderStatusProcessing, OrderStatusCancelled, OrderStatusRefunded},
	OrderStatusProcessing: {OrderStatusShipped, OrderStatusCancelled, OrderStatusRefunded},
	OrderStatusShipped:    {OrderStatusDelivered, OrderStatusRefunded},
	OrderStatusDelivered:  {OrderStatusRefunded},
	OrderStatusCancelled:  {OrderStatusRefunded},
	OrderStatusRefunded:   {},
}

var paymentAxisTransitions = map[PaymentAxisStatus][]PaymentAxisStatus{
	PayAxisPending:           {PayAxisAuthorized, PayAxisPaid, PayAxisFailed},
	PayAxisAuthorized:        {PayAxisPaid, PayAxisFailed},
	PayAxisPaid:              {PayAxisPartiallyRefunded, PayAxisRefunded},
	PayAxisPartiallyRefunded: {PayAxisPartiallyRefunded, PayAxisRefunded},
	PayAxisRefunded:          {},
	PayAxisFailed:            {PayAxisAuthorized, PayAxisPaid},
}

var fulfillmentTransitions = map[FulfillmentStatus][]FulfillmentStatus{
	FulfillmentUnfulfilled: {FulfillmentPartial, FulfillmentFulfilled, FulfillmentCancelled},
	FulfillmentPartial:     {FulfillmentPartial, FulfillmentFulfilled, FulfillmentCancelled},
	FulfillmentFulfilled:   {FulfillmentCancelled},
	FulfillmentCancelled:   {},
}

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentPending:           {PaymentAuthorized, PaymentFailed, PaymentCancelled},
	PaymentAuthorized:        {PaymentCaptured, PaymentFailed, PaymentCancelled},
	PaymentCaptured:          {PaymentPartiallyRefunded, PaymentRefunded},
	PaymentFailed:            {PaymentPending},
	PaymentCancelled:         {},
	PaymentRefunded:          {},
	PaymentPartiallyRefunded: {PaymentPartiallyRefunded, PaymentRefunded},
}

func contains[T comparable](xs []T, x T) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

// CanTransitionOrder reports whether the order axis allows from -> to.
func CanTransitionOrder(from, to OrderStatus) bool {
	return contains(orderTransitions[from], to)
}

// CanTransitionPaymentAxis reports whether the order payment axis allows from -> to.
func CanTransitionPaymentAxis(from, to PaymentAxisStatus) bool {
	return contains(paymentAxisTransitions[from], to)
}

// CanTransitionFulfillment reports whether the fulfillment axis allows from -> to.
func CanTransitionFulfillment(from, to FulfillmentStatus) bool {
	return contains(fulfillmentTransitions[from], to)
}

// CanTransitionPayment reports whether a payment row allows from -> to.
func CanTransitionPayment(from, to PaymentStatus) bool {
	return contains(paymentTransitions[from], to)
}

// DeriveFinancialStatus maps the payment axis plus void knowledge onto the
// accounting vocabulary.
func DeriveFinancialStatus(axis PaymentAxisStatus, voided bool) FinancialStatus {
	if voided {
		return FinancialVoided
	}
	switch axis {
	case PayAxisAuthorized:
		return FinancialAuthorized
	case PayAxisPaid:
		return FinancialPaid
	case PayAxisPartiallyRefunded:
		return FinancialPartiallyRefunded
	case PayAxisRefunded:
		return FinancialRefunded
	default:
		return FinancialPending
	}
}
