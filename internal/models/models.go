package models

import (
	"time"

	"github.com/lib/pq"
)

// Order is the aggregate root for the consistency core. All monetary fields
// are integer minor units (cents, paise). Orders are never deleted, only
// cancelled.
type Order struct {
	ID                int64             `db:"id" json:"id"`
	CustomerID        int64             `db:"customer_id" json:"customer_id"`
	Currency          string            `db:"currency" json:"currency"`
	SubtotalAmount    int64             `db:"subtotal_amount" json:"subtotal_amount"`
	DiscountAmount    int64             `db:"discount_amount" json:"discount_amount"`
	TaxAmount         int64             `db:"tax_amount" json:"tax_amount"`
	ShippingAmount    int64             `db:"shipping_amount" json:"shipping_amount"`
	TotalAmount       int64             `db:"total_amount" json:"total_amount"`
	Status            OrderStatus       `db:"status" json:"status"`
	PaymentStatus     PaymentAxisStatus `db:"payment_status" json:"payment_status"`
	FulfillmentStatus FulfillmentStatus `db:"fulfillment_status" json:"fulfillment_status"`
	FinancialStatus   FinancialStatus   `db:"financial_status" json:"financial_status"`
	CancelReason      string            `db:"cancel_reason" json:"cancel_reason,omitempty"`
	Version           int64             `db:"version" json:"version"`
	CreatedAt         time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time         `db:"updated_at" json:"updated_at"`
}

// CheckTotals verifies the order total invariant.
func (o *Order) CheckTotals() bool {
	return o.TotalAmount == o.SubtotalAmount-o.DiscountAmount+o.TaxAmount+o.ShippingAmount
}

// OrderItem carries a denormalized variant snapshot so later catalog edits
// cannot change what was sold.
type OrderItem struct {
	ID                  int64  `db:"id" json:"id"`
	OrderID             int64  `db:"order_id" json:"order_id"`
	ProductID           int64  `db:"product_id" json:"product_id"`
	VariantID           int64  `db:"variant_id" json:"variant_id"`
	LocationID          int64  `db:"location_id" json:"location_id"`
	SKU                 string `db:"sku" json:"sku"`
	Title               string `db:"title" json:"title"`
	Quantity            int    `db:"quantity" json:"quantity"`
	UnitPrice           int64  `db:"unit_price" json:"unit_price"`
	DiscountAmount      int64  `db:"discount_amount" json:"discount_amount"`
	TaxAmount           int64  `db:"tax_amount" json:"tax_amount"`
	FulfillmentQuantity int    `db:"fulfillment_quantity" json:"fulfillment_quantity"`
}

// Payment represents a single money movement against an order. Amount is
// immutable once captured.
type Payment struct {
	ID                     int64         `db:"id" json:"id"`
	OrderID                int64         `db:"order_id" json:"order_id"`
	Status                 PaymentStatus `db:"status" json:"status"`
	FundingSource          FundingSource `db:"funding_source" json:"funding_source"`
	Amount                 int64         `db:"amount" json:"amount"`
	Currency               string        `db:"currency" json:"currency"`
	IdempotencyKey         string        `db:"idempotency_key" json:"idempotency_key,omitempty"`
	GatewayRef             string        `db:"gateway_ref" json:"gateway_ref,omitempty"`
	GatewayResponse        []byte        `db:"gateway_response" json:"-"`
	FailureMessage         string        `db:"failure_message" json:"failure_message,omitempty"`
	AttemptCount           int           `db:"attempt_count" json:"attempt_count"`
	RequiresReconciliation bool          `db:"requires_reconciliation" json:"requires_reconciliation"`
	AuthorizedAt           *time.Time    `db:"authorized_at" json:"authorized_at,omitempty"`
	CapturedAt             *time.Time    `db:"captured_at" json:"captured_at,omitempty"`
	CreatedAt              time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt              time.Time     `db:"updated_at" json:"updated_at"`
}

// Refund records money returned against a payment.
type Refund struct {
	ID             int64     `db:"id" json:"id"`
	OrderID        int64     `db:"order_id" json:"order_id"`
	PaymentID      int64     `db:"payment_id" json:"payment_id"`
	Amount         int64     `db:"amount" json:"amount"`
	Currency       string    `db:"currency" json:"currency"`
	Status         string    `db:"status" json:"status"`
	Reason         string    `db:"reason" json:"reason,omitempty"`
	IdempotencyKey string    `db:"idempotency_key" json:"idempotency_key,omitempty"`
	GatewayRef     string    `db:"gateway_ref" json:"gateway_ref,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// Refund statuses. Refund rows are only written for settled outcomes, so the
// vocabulary is small.
const (
	RefundStatusSucceeded = "succeeded"
	RefundStatusFailed    = "failed"
)

// StockLevel tracks on-hand and reserved quantity per variant and location.
// InitialQuantity is the seed against which the adjustment ledger reconciles.
type StockLevel struct {
	VariantID        int64     `db:"variant_id" json:"variant_id"`
	LocationID       int64     `db:"location_id" json:"location_id"`
	Quantity         int       `db:"quantity" json:"quantity"`
	ReservedQuantity int       `db:"reserved_quantity" json:"reserved_quantity"`
	InitialQuantity  int       `db:"initial_quantity" json:"initial_quantity"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

// Available returns stock not committed to open orders.
func (s *StockLevel) Available() int {
	return s.Quantity - s.ReservedQuantity
}

// AdjustmentType is the closed set of reasons a stock quantity may change.
type AdjustmentType string

const (
	AdjustmentReceived   AdjustmentType = "received"
	AdjustmentSold       AdjustmentType = "sold"
	AdjustmentReturned   AdjustmentType = "returned"
	AdjustmentDamaged    AdjustmentType = "damaged"
	AdjustmentLost       AdjustmentType = "lost"
	AdjustmentCorrection AdjustmentType = "correction"
	AdjustmentTransfer   AdjustmentType = "transfer"
)

// InventoryAdjustment is an immutable ledger row. QuantityDelta moves on-hand
// stock; ReservedDelta moves the reservation counter. Reservation releases
// carry a zero QuantityDelta so ledger replay still reproduces on-hand
// quantity from the seed.
type InventoryAdjustment struct {
	ID            int64          `db:"id" json:"id"`
	VariantID     int64          `db:"variant_id" json:"variant_id"`
	LocationID    int64          `db:"location_id" json:"location_id"`
	QuantityDelta int            `db:"quantity_delta" json:"quantity_delta"`
	ReservedDelta int            `db:"reserved_delta" json:"reserved_delta"`
	Type          AdjustmentType `db:"type" json:"type"`
	ReferenceType string         `db:"reference_type" json:"reference_type,omitempty"`
	ReferenceID   int64          `db:"reference_id" json:"reference_id,omitempty"`
	Reason        string         `db:"reason" json:"reason,omitempty"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
}

// Webhook is a subscription record, configured externally and consumed
// read-only by the delivery engine.
type Webhook struct {
	ID             int64          `db:"id" json:"id"`
	URL            string         `db:"url" json:"url"`
	Events         pq.StringArray `db:"events" json:"events"`
	Secret         string         `db:"secret" json:"-"`
	MaxRetries     int            `db:"max_retries" json:"max_retries"`
	TimeoutSeconds int            `db:"timeout_seconds" json:"timeout_seconds"`
	Active         bool           `db:"active" json:"active"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
}

// DeliveryStatus is the per-delivery state machine vocabulary.
type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "pending"
	DeliveryStatusSuccess   DeliveryStatus = "success"
	DeliveryStatusFailed    DeliveryStatus = "failed"
	DeliveryStatusCancelled DeliveryStatus = "cancelled"
)

// WebhookDelivery tracks one (subscription, event) delivery attempt set.
type WebhookDelivery struct {
	ID               int64          `db:"id" json:"id"`
	WebhookID        int64          `db:"webhook_id" json:"webhook_id"`
	EventID          string         `db:"event_id" json:"event_id"`
	EventType        string         `db:"event_type" json:"event_type"`
	Payload          []byte         `db:"payload" json:"payload"`
	Attempts         int            `db:"attempts" json:"attempts"`
	Status           DeliveryStatus `db:"status" json:"status"`
	NextRetryAt      time.Time      `db:"next_retry_at" json:"next_retry_at"`
	LastStatusCode   int            `db:"last_status_code" json:"last_status_code,omitempty"`
	LastResponseBody string         `db:"last_response_body" json:"last_response_body,omitempty"`
	LastError        string         `db:"last_error" json:"last_error,omitempty"`
	CreatedAt        time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at" json:"updated_at"`
}

// StatusAxis identifies which of the order's status fields a history row
// records.
type StatusAxis string

const (
	AxisOrder       StatusAxis = "status"
	AxisPayment     StatusAxis = "payment_status"
	AxisFulfillment StatusAxis = "fulfillment_status"
)

// OrderStatusHistory is append-only; exactly one row per axis write.
type OrderStatusHistory struct {
	ID         int64      `db:"id" json:"id"`
	OrderID    int64      `db:"order_id" json:"order_id"`
	StatusType StatusAxis `db:"status_type" json:"status_type"`
	FromStatus string     `db:"from_status" json:"from_status"`
	ToStatus   string     `db:"to_status" json:"to_status"`
	Actor      string     `db:"actor" json:"actor"`
	Note       string     `db:"note" json:"note,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
}

// GiftCardTransaction is one link in a gift card's append-only balance chain.
// Positive amounts credit the card (refunds), negative amounts debit it.
type GiftCardTransaction struct {
	ID         int64     `db:"id" json:"id"`
	GiftCardID int64     `db:"gift_card_id" json:"gift_card_id"`
	OrderID    int64     `db:"order_id" json:"order_id,omitempty"`
	Amount     int64     `db:"amount" json:"amount"`
	Kind       string    `db:"kind" json:"kind"`
	Note       string    `db:"note" json:"note,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// FundingSource selects how a payment was funded and therefore how it must be
// refunded.
type FundingSource string

const (
	FundingGateway     FundingSource = "gateway"
	FundingGiftCard    FundingSource = "gift_card"
	FundingStoreCredit FundingSource = "store_credit"
)
