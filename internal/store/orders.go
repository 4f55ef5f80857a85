package store

import (
	"context"
	"database/sql"
	"fmt"

	"commerce-core/internal/models"
)

// CreateOrderTx inserts the order with its items and reserves stock for every
// item inside one transaction. If any reservation fails the whole transaction
// rolls back, so no partially-reserved order is ever visible.
func (s *Store) CreateOrderTx(ctx context.Context, order *models.Order, items []models.OrderItem) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO orders
			(customer_id, currency, subtotal_amount, discount_amount, tax_amount,
			 shipping_amount, total_amount, status, payment_status, fulfillment_status, financial_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, version, created_at, updated_at`

	if err := tx.GetContext(ctx, order, query,
		order.CustomerID, order.Currency, order.SubtotalAmount, order.DiscountAmount,
		order.TaxAmount, order.ShippingAmount, order.TotalAmount,
		order.Status, order.PaymentStatus, order.FulfillmentStatus, order.FinancialStatus); err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}

	for i := range items {
		items[i].OrderID = order.ID

		if err := reserveStock(ctx, tx, items[i].VariantID, items[i].LocationID, items[i].Quantity); err != nil {
			return err
		}

		itemQuery := `
			INSERT INTO order_items
				(order_id, product_id, variant_id, location_id, sku, title,
				 quantity, unit_price, discount_amount, tax_amount, fulfillment_quantity)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0)
			RETURNING id`

		if err := tx.GetContext(ctx, &items[i].ID, itemQuery,
			items[i].OrderID, items[i].ProductID, items[i].VariantID, items[i].LocationID,
			items[i].SKU, items[i].Title, items[i].Quantity, items[i].UnitPrice,
			items[i].DiscountAmount, items[i].TaxAmount); err != nil {
			return fmt.Errorf("failed to insert order item: %w", err)
		}
	}

	if err := insertStatusHistory(ctx, tx, &models.OrderStatusHistory{
		OrderID:    order.ID,
		StatusType: models.AxisOrder,
		FromStatus: "",
		ToStatus:   string(order.Status),
		Actor:      "system",
		Note:       "order created",
	}); err != nil {
		return err
	}

	return tx.Commit()
}

// GetOrderByID retrieves an order by ID.
func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, models.ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderItems retrieves all items for an order.
func (s *Store) GetOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := s.db.SelectContext(ctx, &items,
		"SELECT * FROM order_items WHERE order_id = $1 ORDER BY id", orderID)
	return items, err
}

// OrderStatusUpdate is the full set of axis values written together with the
// optimistic version check.
type OrderStatusUpdate struct {
	Status            models.OrderStatus
	PaymentStatus     models.PaymentAxisStatus
	FulfillmentStatus models.FulfillmentStatus
	FinancialStatus   models.FinancialStatus
	CancelReason      string
}

// UpdateOrderStatuses writes the three status axes conditionally on the
// version the caller read. A zero-row update means another writer got there
// first; the caller re-reads and retries.
func (s *Store) UpdateOrderStatuses(ctx context.Context, orderID, version int64, upd OrderStatusUpdate, history []models.OrderStatusHistory) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $1, payment_status = $2, fulfillment_status = $3,
		    financial_status = $4, cancel_reason = $5,
		    version = version + 1, updated_at = NOW()
		WHERE id = $6 AND version = $7`,
		upd.Status, upd.PaymentStatus, upd.FulfillmentStatus,
		upd.FinancialStatus, upd.CancelReason, orderID, version)
	if err != nil {
		return fmt.Errorf("failed to update order statuses: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return models.ErrStaleOrder
	}

	for i := range history {
		history[i].OrderID = orderID
		if err := insertStatusHistory(ctx, tx, &history[i]); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// StockRelease identifies one reservation to surrender during cancellation.
type StockRelease struct {
	VariantID  int64
	LocationID int64
	Quantity   int
}

// CancelOrderTx writes the cancelled statuses and releases the listed
// reservations in one transaction, conditional on the version the caller
// read. Either the order is cancelled with every reservation released, or
// nothing changes at all.
func (s *Store) CancelOrderTx(ctx context.Context, orderID, version int64, upd OrderStatusUpdate, releases []StockRelease, history []models.OrderStatusHistory) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $1, payment_status = $2, fulfillment_status = $3,
		    financial_status = $4, cancel_reason = $5,
		    version = version + 1, updated_at = NOW()
		WHERE id = $6 AND version = $7`,
		upd.Status, upd.PaymentStatus, upd.FulfillmentStatus,
		upd.FinancialStatus, upd.CancelReason, orderID, version)
	if err != nil {
		return fmt.Errorf("failed to cancel order: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return models.ErrStaleOrder
	}

	for _, r := range releases {
		if err := releaseStock(ctx, tx, r.VariantID, r.LocationID, r.Quantity, "order", orderID); err != nil {
			return err
		}
	}

	for i := range history {
		history[i].OrderID = orderID
		if err := insertStatusHistory(ctx, tx, &history[i]); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// FulfillItemsTx increments fulfillment quantities and commits the matching
// reservations in one transaction. quantities maps order item ID to the
// additional quantity fulfilled.
func (s *Store) FulfillItemsTx(ctx context.Context, orderID int64, quantities map[int64]int) ([]models.OrderItem, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var items []models.OrderItem
	if err := tx.SelectContext(ctx, &items,
		"SELECT * FROM order_items WHERE order_id = $1 ORDER BY id FOR UPDATE", orderID); err != nil {
		return nil, fmt.Errorf("failed to lock order items: %w", err)
	}

	byID := make(map[int64]*models.OrderItem, len(items))
	for i := range items {
		byID[items[i].ID] = &items[i]
	}

	for itemID, qty := range quantities {
		item, ok := byID[itemID]
		if !ok {
			return nil, fmt.Errorf("order item %d does not belong to order %d", itemID, orderID)
		}
		if qty <= 0 {
			return nil, fmt.Errorf("fulfillment quantity for item %d must be positive", itemID)
		}
		if item.FulfillmentQuantity+qty > item.Quantity {
			return nil, &models.InvalidTransitionError{
				Axis: models.AxisFulfillment,
				From: fmt.Sprintf("fulfilled %d/%d", item.FulfillmentQuantity, item.Quantity),
				To:   fmt.Sprintf("fulfilled %d/%d", item.FulfillmentQuantity+qty, item.Quantity),
			}
		}

		if _, err := tx.ExecContext(ctx,
			"UPDATE order_items SET fulfillment_quantity = fulfillment_quantity + $1 WHERE id = $2",
			qty, itemID); err != nil {
			return nil, fmt.Errorf("failed to update fulfillment quantity: %w", err)
		}
		item.FulfillmentQuantity += qty

		res, err := tx.ExecContext(ctx, `
			UPDATE stock_levels
			SET quantity = quantity - $1, reserved_quantity = reserved_quantity - $1, updated_at = NOW()
			WHERE variant_id = $2 AND location_id = $3 AND reserved_quantity >= $1`,
			qty, item.VariantID, item.LocationID)
		if err != nil {
			return nil, fmt.Errorf("failed to commit reservation: %w", err)
		}
		if rows, _ := res.RowsAffected(); rows == 0 {
			return nil, &models.InconsistencyError{
				Subject: "stock_levels",
				Detail: fmt.Sprintf("fulfillment of %d exceeds reserved quantity for variant %d location %d",
					qty, item.VariantID, item.LocationID),
			}
		}

		if err := insertAdjustment(ctx, tx, &models.InventoryAdjustment{
			VariantID:     item.VariantID,
			LocationID:    item.LocationID,
			QuantityDelta: -qty,
			ReservedDelta: -qty,
			Type:          models.AdjustmentSold,
			ReferenceType: "order",
			ReferenceID:   orderID,
		}); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return items, nil
}

func insertStatusHistory(ctx context.Context, ext interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
}, h *models.OrderStatusHistory) error {
	_, err := ext.ExecContext(ctx, `
		INSERT INTO order_status_history (order_id, status_type, from_status, to_status, actor, note)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		h.OrderID, h.StatusType, h.FromStatus, h.ToStatus, h.Actor, h.Note)
	if err != nil {
		return fmt.Errorf("failed to insert status history: %w", err)
	}
	return nil
}

// InsertStatusHistory appends a single status transition row.
func (s *Store) InsertStatusHistory(ctx context.Context, h *models.OrderStatusHistory) error {
	return insertStatusHistory(ctx, s.db, h)
}

// ListStatusHistory returns every transition recorded for an order, oldest
// first. Rows are never mutated or deleted.
func (s *Store) ListStatusHistory(ctx context.Context, orderID int64) ([]models.OrderStatusHistory, error) {
	var rows []models.OrderStatusHistory
	err := s.db.SelectContext(ctx, &rows,
		"SELECT * FROM order_status_history WHERE order_id = $1 ORDER BY id", orderID)
	return rows, err
}
