package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"commerce-core/internal/models"
	"commerce-core/internal/store"
	"commerce-core/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OrderStore is the persistence surface the order state machine needs.
type OrderStore interface {
	CreateOrderTx(ctx context.Context, order *models.Order, items []models.OrderItem) error
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error)
	UpdateOrderStatuses(ctx context.Context, orderID, version int64, upd store.OrderStatusUpdate, history []models.OrderStatusHistory) error
	FulfillItemsTx(ctx context.Context, orderID int64, quantities map[int64]int) ([]models.OrderItem, error)
	CancelOrderTx(ctx context.Context, orderID, version int64, upd store.OrderStatusUpdate, releases []store.StockRelease, history []models.OrderStatusHistory) error
	GetPaymentsByOrderID(ctx context.Context, orderID int64) ([]models.Payment, error)
	SumSuccessfulRefunds(ctx context.Context, paymentID int64) (int64, error)
}

// Refunder routes money back when a cancelled order has a captured payment.
// Implemented by RefundService.
type Refunder interface {
	ProcessRefund(ctx context.Context, paymentID int64, amount *int64, reason, idempotencyKey string) (*models.Refund, error)
}

// Pricing collaborators. Discount, tax, and shipping math live outside the
// core; static defaults are provided for development.

type DiscountCalculator interface {
	Discount(items []OrderItemRequest, discountCodes []string) int64
}

type TaxCalculator interface {
	Tax(items []OrderItemRequest, subtotal, discount int64) int64
}

type ShippingCalculator interface {
	Shipping(items []OrderItemRequest, address Address) int64
}

// StaticPricing is the default zero-discount, zero-tax, flat-shipping
// implementation of all three collaborators.
type StaticPricing struct {
	FlatShipping int64
}

func (p StaticPricing) Discount([]OrderItemRequest, []string) int64 { return 0 }
func (p StaticPricing) Tax([]OrderItemRequest, int64, int64) int64  { return 0 }
func (p StaticPricing) Shipping([]OrderItemRequest, Address) int64  { return p.FlatShipping }

// Address is the snapshot carried on order creation requests.
type Address struct {
	Name       string `json:"name"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	Region     string `json:"region,omitempty"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

// OrderService owns the order state machine: the three status axes, the total
// invariants, and the coordination of inventory and payments around them.
type OrderService struct {
	store     OrderStore
	history   *HistoryRecorder
	refunder  Refunder
	events    EventSink
	discounts DiscountCalculator
	taxes     TaxCalculator
	shipping  ShippingCalculator
	logger    *zap.Logger
}

// NewOrderService creates a new order service.
func NewOrderService(
	store OrderStore,
	history *HistoryRecorder,
	refunder Refunder,
	events EventSink,
	discounts DiscountCalculator,
	taxes TaxCalculator,
	shipping ShippingCalculator,
) *OrderService {
	return &OrderService{
		store:     store,
		history:   history,
		refunder:  refunder,
		events:    events,
		discounts: discounts,
		taxes:     taxes,
		shipping:  shipping,
		logger:    util.GetLogger(),
	}
}

// CreateOrderRequest represents a request to create an order.
type CreateOrderRequest struct {
	CustomerID      int64              `json:"customer_id" binding:"required"`
	Currency        string             `json:"currency" binding:"required,len=3"`
	Items           []OrderItemRequest `json:"items" binding:"required,min=1,dive"`
	ShippingAddress Address            `json:"shipping_address"`
	BillingAddress  Address            `json:"billing_address"`
	DiscountCodes   []string           `json:"discount_codes,omitempty"`
}

// OrderItemRequest represents an item in an order-creation request. Unit
// prices arrive denormalized from the catalog read the caller already did.
type OrderItemRequest struct {
	ProductID  int64  `json:"product_id" binding:"required"`
	VariantID  int64  `json:"variant_id" binding:"required"`
	LocationID int64  `json:"location_id" binding:"required"`
	SKU        string `json:"sku"`
	Title      string `json:"title"`
	Quantity   int    `json:"quantity" binding:"required,min=1"`
	UnitPrice  int64  `json:"unit_price" binding:"required,min=0"`
}

// CreateOrder computes totals, reserves stock for every item atomically, and
// persists the order. If any item's available stock is insufficient the whole
// creation fails and no reservation survives.
func (s *OrderService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*models.Order, []models.OrderItem, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder")
	defer span.End()

	var subtotal int64
	for _, item := range req.Items {
		if item.Quantity <= 0 {
			util.OrdersFailedTotal.WithLabelValues("invalid_items").Inc()
			return nil, nil, fmt.Errorf("item quantity must be positive for variant %d", item.VariantID)
		}
		subtotal += item.UnitPrice * int64(item.Quantity)
	}

	discount := s.discounts.Discount(req.Items, req.DiscountCodes)
	if discount < 0 || discount > subtotal {
		return nil, nil, &models.InconsistencyError{
			Subject: "orders",
			Detail:  fmt.Sprintf("discount %d outside [0, subtotal=%d]", discount, subtotal),
		}
	}
	tax := s.taxes.Tax(req.Items, subtotal, discount)
	shipping := s.shipping.Shipping(req.Items, req.ShippingAddress)

	order := &models.Order{
		CustomerID:        req.CustomerID,
		Currency:          req.Currency,
		SubtotalAmount:    subtotal,
		DiscountAmount:    discount,
		TaxAmount:         tax,
		ShippingAmount:    shipping,
		TotalAmount:       subtotal - discount + tax + shipping,
		Status:            models.OrderStatusPending,
		PaymentStatus:     models.PayAxisPending,
		FulfillmentStatus: models.FulfillmentUnfulfilled,
		FinancialStatus:   models.FinancialPending,
	}
	if !order.CheckTotals() {
		return nil, nil, &models.InconsistencyError{
			Subject: "orders",
			Detail:  "total amount does not equal subtotal - discount + tax + shipping",
		}
	}

	items := make([]models.OrderItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, models.OrderItem{
			ProductID:  item.ProductID,
			VariantID:  item.VariantID,
			LocationID: item.LocationID,
			SKU:        item.SKU,
			Title:      item.Title,
			Quantity:   item.Quantity,
			UnitPrice:  item.UnitPrice,
		})
	}

	if err := s.store.CreateOrderTx(ctx, order, items); err != nil {
		if models.IsValidation(err) {
			util.OrdersFailedTotal.WithLabelValues("insufficient_stock").Inc()
		} else {
			util.OrdersFailedTotal.WithLabelValues("db_error").Inc()
		}
		return nil, nil, err
	}

	util.OrdersCreatedTotal.Inc()
	s.logger.Info("Order created",
		zap.Int64("order_id", order.ID),
		zap.Int64("total_amount", order.TotalAmount))

	s.publishOrderEvent(ctx, models.EventTypeOrderCreated, order, items, "")
	return order, items, nil
}

// GetOrder retrieves an order with its items.
func (s *OrderService) GetOrder(ctx context.Context, orderID int64) (*models.Order, []models.OrderItem, error) {
	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	items, err := s.store.GetOrderItems(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	return order, items, nil
}

// History returns the append-only transition log for an order.
func (s *OrderService) History(ctx context.Context, orderID int64) ([]models.OrderStatusHistory, error) {
	return s.history.List(ctx, orderID)
}

// MarkFulfilled increases fulfillment quantities, commits the matching
// reservations into sold ledger entries, and recomputes the fulfillment axis.
// quantities maps order item ID to the additional quantity fulfilled.
func (s *OrderService) MarkFulfilled(ctx context.Context, orderID int64, quantities map[int64]int, actor string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.MarkFulfilled")
	defer span.End()

	if len(quantities) == 0 {
		return nil, fmt.Errorf("no fulfillment quantities supplied")
	}

	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status == models.OrderStatusCancelled || order.Status == models.OrderStatusRefunded {
		return nil, &models.InvalidTransitionError{
			Axis: models.AxisFulfillment,
			From: string(order.FulfillmentStatus),
			To:   string(models.FulfillmentPartial),
		}
	}

	items, err := s.store.FulfillItemsTx(ctx, orderID, quantities)
	if err != nil {
		util.OrdersFulfilledTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	newAxis := FulfillmentStatusFor(items)
	eventType := models.EventTypeOrderPartiallyFulfilled
	if newAxis == models.FulfillmentFulfilled {
		eventType = models.EventTypeOrderFulfilled
	}

	order, err = s.transition(ctx, orderID, actor, func(o *models.Order, upd *store.OrderStatusUpdate) ([]models.OrderStatusHistory, error) {
		if o.FulfillmentStatus == newAxis && newAxis == models.FulfillmentPartial {
			// Partial stays partial; still a recorded write since items moved.
			upd.FulfillmentStatus = newAxis
			return []models.OrderStatusHistory{{
				StatusType: models.AxisFulfillment,
				FromStatus: string(o.FulfillmentStatus),
				ToStatus:   string(newAxis),
				Actor:      actor,
			}}, nil
		}
		if !models.CanTransitionFulfillment(o.FulfillmentStatus, newAxis) {
			return nil, &models.InvalidTransitionError{
				Axis: models.AxisFulfillment,
				From: string(o.FulfillmentStatus),
				To:   string(newAxis),
			}
		}
		upd.FulfillmentStatus = newAxis
		return []models.OrderStatusHistory{{
			StatusType: models.AxisFulfillment,
			FromStatus: string(o.FulfillmentStatus),
			ToStatus:   string(newAxis),
			Actor:      actor,
		}}, nil
	})
	if err != nil {
		return nil, err
	}

	util.OrdersFulfilledTotal.WithLabelValues(string(newAxis)).Inc()
	s.publishOrderEvent(ctx, eventType, order, items, "")
	return order, nil
}

// CancelOrder cancels a pending or processing order. The status write and the
// release of every unfulfilled reservation happen in one transaction, so a
// cancel that loses the version race to a concurrent transition surrenders no
// stock. When a captured payment exists, a full refund is routed through the
// refund engine afterwards; a failed refund is reported but does not block
// the cancellation.
func (s *OrderService) CancelOrder(ctx context.Context, orderID int64, reason, actor string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CancelOrder")
	defer span.End()

	items, err := s.store.GetOrderItems(ctx, orderID)
	if err != nil {
		return nil, err
	}
	releases := make([]store.StockRelease, 0, len(items))
	for _, item := range items {
		remaining := item.Quantity - item.FulfillmentQuantity
		if remaining <= 0 {
			continue
		}
		releases = append(releases, store.StockRelease{
			VariantID:  item.VariantID,
			LocationID: item.LocationID,
			Quantity:   remaining,
		})
	}

	var order *models.Order
	for attempt := 0; ; attempt++ {
		order, err = s.store.GetOrderByID(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if order.Status != models.OrderStatusPending && order.Status != models.OrderStatusProcessing {
			return nil, &models.InvalidTransitionError{
				Axis: models.AxisOrder,
				From: string(order.Status),
				To:   string(models.OrderStatusCancelled),
			}
		}

		upd := store.OrderStatusUpdate{
			Status:            models.OrderStatusCancelled,
			PaymentStatus:     order.PaymentStatus,
			FulfillmentStatus: order.FulfillmentStatus,
			FinancialStatus:   order.FinancialStatus,
			CancelReason:      reason,
		}
		history := []models.OrderStatusHistory{{
			StatusType: models.AxisOrder,
			FromStatus: string(order.Status),
			ToStatus:   string(models.OrderStatusCancelled),
			Actor:      actor,
			Note:       reason,
		}}
		if models.CanTransitionFulfillment(order.FulfillmentStatus, models.FulfillmentCancelled) {
			history = append(history, models.OrderStatusHistory{
				StatusType: models.AxisFulfillment,
				FromStatus: string(order.FulfillmentStatus),
				ToStatus:   string(models.FulfillmentCancelled),
				Actor:      actor,
			})
			upd.FulfillmentStatus = models.FulfillmentCancelled
		}

		err = s.store.CancelOrderTx(ctx, orderID, order.Version, upd, releases, history)
		if err == nil {
			break
		}
		if !errors.Is(err, models.ErrStaleOrder) || attempt >= 2 {
			return nil, err
		}
	}

	order, err = s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	util.OrdersCancelledTotal.Inc()
	s.logger.Info("Order cancelled", zap.Int64("order_id", orderID), zap.String("reason", reason))

	// Refund-before-cancel is advisory: the cancel stands even if the refund
	// fails, but the gap is reported as a standing alert, never dropped.
	s.refundCapturedPayments(ctx, order)

	s.publishOrderEvent(ctx, models.EventTypeOrderCancelled, order, items, reason)
	return order, nil
}

func (s *OrderService) refundCapturedPayments(ctx context.Context, order *models.Order) {
	if s.refunder == nil {
		return
	}
	payments, err := s.store.GetPaymentsByOrderID(ctx, order.ID)
	if err != nil {
		s.logger.Error("Failed to list payments for cancelled order",
			zap.Int64("order_id", order.ID), zap.Error(err))
		return
	}
	for _, p := range payments {
		if p.Status != models.PaymentCaptured && p.Status != models.PaymentPartiallyRefunded {
			continue
		}
		// Deterministic key: a re-driven cancellation replays the refund
		// instead of issuing a second one.
		key := fmt.Sprintf("cancel:payment:%d", p.ID)
		if _, err := s.refunder.ProcessRefund(ctx, p.ID, nil, "order cancelled", key); err != nil {
			util.OrdersCancelledRefundPending.Inc()
			s.logger.Warn("Cancelled order has an unrefunded captured payment",
				zap.Int64("order_id", order.ID),
				zap.Int64("payment_id", p.ID),
				zap.Error(err))
			_ = s.history.Record(ctx, order.ID, models.AxisPayment,
				string(order.PaymentStatus), string(order.PaymentStatus), "order_state_machine",
				"refund_pending: cancellation completed before refund settled")
		}
	}
}

// TransitionOrder moves the order lifecycle axis forward (processing,
// shipped, delivered) for admin callers. Cancellation and refund settlement
// are not reachable here: they release stock and settle money, so they only
// run through CancelOrder and HandleRefundSettled.
func (s *OrderService) TransitionOrder(ctx context.Context, orderID int64, to models.OrderStatus, actor string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.TransitionOrder")
	defer span.End()

	return s.transition(ctx, orderID, actor, func(o *models.Order, upd *store.OrderStatusUpdate) ([]models.OrderStatusHistory, error) {
		forward := to == models.OrderStatusProcessing || to == models.OrderStatusShipped ||
			to == models.OrderStatusDelivered
		if !forward || !models.CanTransitionOrder(o.Status, to) {
			return nil, &models.InvalidTransitionError{
				Axis: models.AxisOrder,
				From: string(o.Status),
				To:   string(to),
			}
		}
		upd.Status = to
		return []models.OrderStatusHistory{{
			StatusType: models.AxisOrder,
			FromStatus: string(o.Status),
			ToStatus:   string(to),
			Actor:      actor,
		}}, nil
	})
}

// HandleRefundSettled recomputes the order's payment axis after a refund
// lands. A fully refunded order also moves its lifecycle axis to the terminal
// refunded state.
func (s *OrderService) HandleRefundSettled(ctx context.Context, orderID int64, actor string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.HandleRefundSettled")
	defer span.End()

	payments, err := s.store.GetPaymentsByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	var captured, refunded int64
	for _, p := range payments {
		switch p.Status {
		case models.PaymentCaptured, models.PaymentPartiallyRefunded, models.PaymentRefunded:
			captured += p.Amount
			sum, err := s.store.SumSuccessfulRefunds(ctx, p.ID)
			if err != nil {
				return nil, err
			}
			refunded += sum
		}
	}
	if refunded == 0 {
		order, err := s.store.GetOrderByID(ctx, orderID)
		return order, err
	}

	fullyRefunded := refunded >= captured && captured > 0
	newAxis := models.PayAxisPartiallyRefunded
	if fullyRefunded {
		newAxis = models.PayAxisRefunded
	}

	return s.transition(ctx, orderID, actor, func(o *models.Order, upd *store.OrderStatusUpdate) ([]models.OrderStatusHistory, error) {
		var history []models.OrderStatusHistory
		if o.PaymentStatus != newAxis {
			if !models.CanTransitionPaymentAxis(o.PaymentStatus, newAxis) {
				return nil, &models.InvalidTransitionError{
					Axis: models.AxisPayment,
					From: string(o.PaymentStatus),
					To:   string(newAxis),
				}
			}
			upd.PaymentStatus = newAxis
			upd.FinancialStatus = models.DeriveFinancialStatus(newAxis, false)
			history = append(history, models.OrderStatusHistory{
				StatusType: models.AxisPayment,
				FromStatus: string(o.PaymentStatus),
				ToStatus:   string(newAxis),
				Actor:      actor,
			})
		}
		if fullyRefunded && o.Status != models.OrderStatusRefunded {
			if models.CanTransitionOrder(o.Status, models.OrderStatusRefunded) {
				upd.Status = models.OrderStatusRefunded
				history = append(history, models.OrderStatusHistory{
					StatusType: models.AxisOrder,
					FromStatus: string(o.Status),
					ToStatus:   string(models.OrderStatusRefunded),
					Actor:      actor,
				})
			}
		}
		if len(history) == 0 {
			return nil, errNoTransition
		}
		return history, nil
	})
}

var errNoTransition = errors.New("no transition required")

// transition runs one version-checked write against the order's status axes,
// retrying a bounded number of times when a concurrent writer wins the race.
func (s *OrderService) transition(ctx context.Context, orderID int64, actor string, build func(*models.Order, *store.OrderStatusUpdate) ([]models.OrderStatusHistory, error)) (*models.Order, error) {
	for attempt := 0; attempt < 3; attempt++ {
		order, err := s.store.GetOrderByID(ctx, orderID)
		if err != nil {
			return nil, err
		}

		upd := store.OrderStatusUpdate{
			Status:            order.Status,
			PaymentStatus:     order.PaymentStatus,
			FulfillmentStatus: order.FulfillmentStatus,
			FinancialStatus:   order.FinancialStatus,
			CancelReason:      order.CancelReason,
		}
		history, err := build(order, &upd)
		if errors.Is(err, errNoTransition) {
			return order, nil
		}
		if err != nil {
			return nil, err
		}

		err = s.store.UpdateOrderStatuses(ctx, orderID, order.Version, upd, history)
		if err == nil {
			return s.store.GetOrderByID(ctx, orderID)
		}
		if !errors.Is(err, models.ErrStaleOrder) {
			return nil, err
		}
	}
	return nil, models.ErrStaleOrder
}

// FulfillmentStatusFor derives the fulfillment axis from item quantities.
func FulfillmentStatusFor(items []models.OrderItem) models.FulfillmentStatus {
	full := true
	any := false
	for _, item := range items {
		if item.FulfillmentQuantity > 0 {
			any = true
		}
		if item.FulfillmentQuantity < item.Quantity {
			full = false
		}
	}
	switch {
	case full && len(items) > 0:
		return models.FulfillmentFulfilled
	case any:
		return models.FulfillmentPartial
	default:
		return models.FulfillmentUnfulfilled
	}
}

func (s *OrderService) publishOrderEvent(ctx context.Context, eventType string, order *models.Order, items []models.OrderItem, reason string) {
	if s.events == nil {
		return
	}
	eventItems := make([]models.OrderItemData, 0, len(items))
	for _, item := range items {
		eventItems = append(eventItems, models.OrderItemData{
			VariantID: item.VariantID,
			SKU:       item.SKU,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}
	event := &models.OrderEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: eventType,
			Timestamp: time.Now(),
		},
		OrderID:           order.ID,
		CustomerID:        order.CustomerID,
		TotalAmount:       order.TotalAmount,
		Currency:          order.Currency,
		Status:            order.Status,
		PaymentStatus:     order.PaymentStatus,
		FulfillmentStatus: order.FulfillmentStatus,
		Reason:            reason,
		Items:             eventItems,
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger.Error("Failed to publish order event",
			zap.String("event_type", eventType), zap.Error(err))
	}
}
