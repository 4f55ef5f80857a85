package models

import "time"

// Event types delivered to webhook subscribers. The vocabulary is part of the
// external contract; do not rename.
const (
	EventTypeOrderCreated            = "order.created"
	EventTypeOrderCancelled          = "order.cancelled"
	EventTypeOrderFulfilled          = "order.fulfilled"
	EventTypeOrderPartiallyFulfilled = "order.partially_fulfilled"
	EventTypePaymentAuthorized       = "payment.authorized"
	EventTypePaymentCaptured         = "payment.captured"
	EventTypePaymentFailed           = "payment.failed"
	EventTypePaymentVoided           = "payment.voided"
	EventTypeRefundCreated           = "refund.created"
)

// BaseEvent contains common fields for all events.
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderEvent is published for order lifecycle changes.
type OrderEvent struct {
	BaseEvent
	OrderID           int64             `json:"order_id"`
	CustomerID        int64             `json:"customer_id"`
	TotalAmount       int64             `json:"total_amount"`
	Currency          string            `json:"currency"`
	Status            OrderStatus       `json:"status"`
	PaymentStatus     PaymentAxisStatus `json:"payment_status"`
	FulfillmentStatus FulfillmentStatus `json:"fulfillment_status"`
	Reason            string            `json:"reason,omitempty"`
	Items             []OrderItemData   `json:"items,omitempty"`
}

// PaymentEvent is published for payment lifecycle changes.
type PaymentEvent struct {
	BaseEvent
	OrderID    int64         `json:"order_id"`
	PaymentID  int64         `json:"payment_id"`
	Amount     int64         `json:"amount"`
	Currency   string        `json:"currency"`
	Status     PaymentStatus `json:"status"`
	GatewayRef string        `json:"gateway_ref,omitempty"`
	Reason     string        `json:"reason,omitempty"`
}

// RefundEvent is published when a refund settles.
type RefundEvent struct {
	BaseEvent
	OrderID   int64  `json:"order_id"`
	PaymentID int64  `json:"payment_id"`
	RefundID  int64  `json:"refund_id"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Reason    string `json:"reason,omitempty"`
}

// OrderItemData represents item data carried in events.
type OrderItemData struct {
	VariantID int64  `json:"variant_id"`
	SKU       string `json:"sku"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}
