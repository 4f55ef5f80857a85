package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"commerce-core/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store. Connection failure is fatal at
// startup; there is no fallback handle.
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// GetStockLevel retrieves the stock row for a variant/location.
func (s *Store) GetStockLevel(ctx context.Context, variantID, locationID int64) (*models.StockLevel, error) {
	var sl models.StockLevel
	err := s.db.GetContext(ctx, &sl,
		"SELECT * FROM stock_levels WHERE variant_id = $1 AND location_id = $2", variantID, locationID)
	if err == sql.ErrNoRows {
		return nil, models.ErrStockLevelNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sl, nil
}

// reserveStock is the single conditional update that makes reservation safe
// under concurrent callers: the availability check and the increment are one
// statement, so two racing reservations can never both win the last unit.
func reserveStock(ctx context.Context, ext sqlx.ExtContext, variantID, locationID int64, quantity int) error {
	res, err := ext.ExecContext(ctx, `
		UPDATE stock_levels
		SET reserved_quantity = reserved_quantity + $1, updated_at = NOW()
		WHERE variant_id = $2 AND location_id = $3
		  AND quantity - reserved_quantity >= $1`,
		quantity, variantID, locationID)
	if err != nil {
		return fmt.Errorf("failed to reserve stock: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var sl models.StockLevel
		available := 0
		if err := sqlx.GetContext(ctx, ext, &sl,
			"SELECT * FROM stock_levels WHERE variant_id = $1 AND location_id = $2",
			variantID, locationID); err == nil {
			available = sl.Available()
		}
		return &models.InsufficientStockError{
			VariantID:  variantID,
			LocationID: locationID,
			Requested:  quantity,
			Available:  available,
		}
	}
	return nil
}

// ReserveStock reserves stock outside an order-creation transaction.
func (s *Store) ReserveStock(ctx context.Context, variantID, locationID int64, quantity int) error {
	return reserveStock(ctx, s.db, variantID, locationID, quantity)
}

// releaseStock surrenders a reservation without touching on-hand quantity and
// appends the correction ledger row, against whatever transaction ext runs in.
func releaseStock(ctx context.Context, ext sqlx.ExtContext, variantID, locationID int64, quantity int, referenceType string, referenceID int64) error {
	res, err := ext.ExecContext(ctx, `
		UPDATE stock_levels
		SET reserved_quantity = reserved_quantity - $1, updated_at = NOW()
		WHERE variant_id = $2 AND location_id = $3 AND reserved_quantity >= $1`,
		quantity, variantID, locationID)
	if err != nil {
		return fmt.Errorf("failed to release stock: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return &models.InconsistencyError{
			Subject: "stock_levels",
			Detail: fmt.Sprintf("release of %d exceeds reserved quantity for variant %d location %d",
				quantity, variantID, locationID),
		}
	}

	return insertAdjustment(ctx, ext, &models.InventoryAdjustment{
		VariantID:     variantID,
		LocationID:    locationID,
		QuantityDelta: 0,
		ReservedDelta: -quantity,
		Type:          models.AdjustmentCorrection,
		ReferenceType: referenceType,
		ReferenceID:   referenceID,
		Reason:        "reservation released",
	})
}

// ReleaseStock releases a reservation in its own transaction.
func (s *Store) ReleaseStock(ctx context.Context, variantID, locationID int64, quantity int, referenceType string, referenceID int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := releaseStock(ctx, tx, variantID, locationID, quantity, referenceType, referenceID); err != nil {
		return err
	}

	return tx.Commit()
}

// CommitReservation converts a reservation into a sale: both counters drop and
// a sold ledger row is appended, atomically.
func (s *Store) CommitReservation(ctx context.Context, variantID, locationID int64, quantity int, referenceType string, referenceID int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE stock_levels
		SET quantity = quantity - $1, reserved_quantity = reserved_quantity - $1, updated_at = NOW()
		WHERE variant_id = $2 AND location_id = $3 AND reserved_quantity >= $1`,
		quantity, variantID, locationID)
	if err != nil {
		return fmt.Errorf("failed to commit reservation: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return &models.InconsistencyError{
			Subject: "stock_levels",
			Detail: fmt.Sprintf("commit of %d exceeds reserved quantity for variant %d location %d",
				quantity, variantID, locationID),
		}
	}

	if err := insertAdjustment(ctx, tx, &models.InventoryAdjustment{
		VariantID:     variantID,
		LocationID:    locationID,
		QuantityDelta: -quantity,
		ReservedDelta: -quantity,
		Type:          models.AdjustmentSold,
		ReferenceType: referenceType,
		ReferenceID:   referenceID,
	}); err != nil {
		return err
	}

	return tx.Commit()
}

// AdjustStock applies a direct ledger entry (receiving, damage, loss,
// correction, transfer). Never touches reserved_quantity.
func (s *Store) AdjustStock(ctx context.Context, adj *models.InventoryAdjustment) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE stock_levels
		SET quantity = quantity + $1, updated_at = NOW()
		WHERE variant_id = $2 AND location_id = $3 AND quantity + $1 >= reserved_quantity`,
		adj.QuantityDelta, adj.VariantID, adj.LocationID)
	if err != nil {
		return fmt.Errorf("failed to adjust stock: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return &models.InsufficientStockError{
			VariantID:  adj.VariantID,
			LocationID: adj.LocationID,
			Requested:  -adj.QuantityDelta,
		}
	}

	if err := insertAdjustment(ctx, tx, adj); err != nil {
		return err
	}

	return tx.Commit()
}

func insertAdjustment(ctx context.Context, ext sqlx.ExtContext, adj *models.InventoryAdjustment) error {
	_, err := ext.ExecContext(ctx, `
		INSERT INTO inventory_adjustments
			(variant_id, location_id, quantity_delta, reserved_delta, type, reference_type, reference_id, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		adj.VariantID, adj.LocationID, adj.QuantityDelta, adj.ReservedDelta,
		adj.Type, adj.ReferenceType, adj.ReferenceID, adj.Reason)
	if err != nil {
		return fmt.Errorf("failed to insert adjustment: %w", err)
	}
	return nil
}

// ListAdjustments returns the full ledger for a variant/location, oldest
// first, for replay and audit.
func (s *Store) ListAdjustments(ctx context.Context, variantID, locationID int64) ([]models.InventoryAdjustment, error) {
	var adjs []models.InventoryAdjustment
	err := s.db.SelectContext(ctx, &adjs, `
		SELECT * FROM inventory_adjustments
		WHERE variant_id = $1 AND location_id = $2
		ORDER BY id`, variantID, locationID)
	return adjs, err
}
