package service

import (
	"context"
	"fmt"

	"commerce-core/internal/models"
	"commerce-core/internal/util"

	"go.uber.org/zap"
)

// InventoryStore is the persistence surface the ledger needs.
type InventoryStore interface {
	GetStockLevel(ctx context.Context, variantID, locationID int64) (*models.StockLevel, error)
	ReserveStock(ctx context.Context, variantID, locationID int64, quantity int) error
	ReleaseStock(ctx context.Context, variantID, locationID int64, quantity int, referenceType string, referenceID int64) error
	CommitReservation(ctx context.Context, variantID, locationID int64, quantity int, referenceType string, referenceID int64) error
	AdjustStock(ctx context.Context, adj *models.InventoryAdjustment) error
	ListAdjustments(ctx context.Context, variantID, locationID int64) ([]models.InventoryAdjustment, error)
}

// StockCache is an advisory read cache kept alongside the authoritative rows;
// the reservation path never consults it.
type StockCache interface {
	CacheStockLevel(ctx context.Context, variantID, locationID int64, available, reserved int) error
	GetStockLevel(ctx context.Context, variantID, locationID int64) (available, reserved int, found bool, err error)
}

// InventoryService is the inventory reservation and adjustment ledger.
type InventoryService struct {
	store  InventoryStore
	cache  StockCache
	logger *zap.Logger
}

// NewInventoryService creates a new inventory service. cache may be nil.
func NewInventoryService(store InventoryStore, cache StockCache) *InventoryService {
	return &InventoryService{
		store:  store,
		cache:  cache,
		logger: util.GetLogger(),
	}
}

// Reserve places a soft hold on stock. The underlying update is a single
// conditional statement, so concurrent callers cannot both win the last unit.
func (is *InventoryService) Reserve(ctx context.Context, variantID, locationID int64, quantity int) error {
	ctx, span := util.StartSpan(ctx, "InventoryService.Reserve")
	defer span.End()

	if quantity <= 0 {
		return fmt.Errorf("reservation quantity must be positive, got %d", quantity)
	}

	if err := is.store.ReserveStock(ctx, variantID, locationID, quantity); err != nil {
		if models.IsValidation(err) {
			util.InventoryReservationsFailed.WithLabelValues("insufficient_stock").Inc()
		} else {
			util.InventoryReservationsFailed.WithLabelValues("error").Inc()
		}
		return err
	}

	is.refreshCache(ctx, variantID, locationID)
	return nil
}

// CommitReservation converts a reservation into a sale, appending the sold
// ledger row.
func (is *InventoryService) CommitReservation(ctx context.Context, variantID, locationID int64, quantity int, referenceID int64) error {
	ctx, span := util.StartSpan(ctx, "InventoryService.CommitReservation")
	defer span.End()

	if err := is.store.CommitReservation(ctx, variantID, locationID, quantity, "order", referenceID); err != nil {
		return err
	}
	is.refreshCache(ctx, variantID, locationID)
	return nil
}

// Release drops a reservation without selling, appending the correction row.
func (is *InventoryService) Release(ctx context.Context, variantID, locationID int64, quantity int, referenceID int64) error {
	ctx, span := util.StartSpan(ctx, "InventoryService.Release")
	defer span.End()

	if err := is.store.ReleaseStock(ctx, variantID, locationID, quantity, "order", referenceID); err != nil {
		return err
	}
	is.refreshCache(ctx, variantID, locationID)
	return nil
}

// Adjust applies a direct ledger entry: receiving stock, damage, loss, manual
// correction, transfer. Never touches reservations.
func (is *InventoryService) Adjust(ctx context.Context, variantID, locationID int64, delta int, typ models.AdjustmentType, referenceType string, referenceID int64, reason string) error {
	ctx, span := util.StartSpan(ctx, "InventoryService.Adjust")
	defer span.End()

	if delta == 0 {
		return fmt.Errorf("adjustment delta must be non-zero")
	}

	err := is.store.AdjustStock(ctx, &models.InventoryAdjustment{
		VariantID:     variantID,
		LocationID:    locationID,
		QuantityDelta: delta,
		Type:          typ,
		ReferenceType: referenceType,
		ReferenceID:   referenceID,
		Reason:        reason,
	})
	if err != nil {
		return err
	}
	is.refreshCache(ctx, variantID, locationID)
	return nil
}

// GetStockLevel returns the authoritative row.
func (is *InventoryService) GetStockLevel(ctx context.Context, variantID, locationID int64) (*models.StockLevel, error) {
	return is.store.GetStockLevel(ctx, variantID, locationID)
}

// Availability serves display reads from the cache when a snapshot exists,
// falling back to the authoritative row (and refilling the cache) on a miss.
// Never used for reservation decisions.
func (is *InventoryService) Availability(ctx context.Context, variantID, locationID int64) (available, reserved int, err error) {
	if is.cache != nil {
		available, reserved, found, cerr := is.cache.GetStockLevel(ctx, variantID, locationID)
		if cerr != nil {
			is.logger.Warn("Stock cache read failed",
				zap.Int64("variant_id", variantID), zap.Error(cerr))
		} else if found {
			return available, reserved, nil
		}
	}

	level, err := is.store.GetStockLevel(ctx, variantID, locationID)
	if err != nil {
		return 0, 0, err
	}
	is.refreshCache(ctx, variantID, locationID)
	return level.Available(), level.ReservedQuantity, nil
}

// Reconcile replays the adjustment ledger from the seed quantity and compares
// against the current on-hand value. A mismatch is fatal and is never
// auto-corrected; it is flagged for manual review.
func (is *InventoryService) Reconcile(ctx context.Context, variantID, locationID int64) error {
	ctx, span := util.StartSpan(ctx, "InventoryService.Reconcile")
	defer span.End()

	level, err := is.store.GetStockLevel(ctx, variantID, locationID)
	if err != nil {
		return err
	}

	adjs, err := is.store.ListAdjustments(ctx, variantID, locationID)
	if err != nil {
		return err
	}

	replayed := ReplayAdjustments(level.InitialQuantity, adjs)
	if replayed != level.Quantity {
		util.InventoryReconcileMismatch.Inc()
		is.logger.Error("Inventory ledger mismatch",
			zap.Int64("variant_id", variantID),
			zap.Int64("location_id", locationID),
			zap.Int("replayed", replayed),
			zap.Int("quantity", level.Quantity))
		return &models.InconsistencyError{
			Subject: "inventory_adjustments",
			Detail: fmt.Sprintf("replay of variant %d location %d yields %d, stock level says %d",
				variantID, locationID, replayed, level.Quantity),
		}
	}
	return nil
}

func (is *InventoryService) refreshCache(ctx context.Context, variantID, locationID int64) {
	if is.cache == nil {
		return
	}
	level, err := is.store.GetStockLevel(ctx, variantID, locationID)
	if err != nil {
		is.logger.Warn("Failed to read stock level for cache refresh",
			zap.Int64("variant_id", variantID), zap.Error(err))
		return
	}
	if err := is.cache.CacheStockLevel(ctx, variantID, locationID, level.Available(), level.ReservedQuantity); err != nil {
		is.logger.Warn("Failed to refresh stock cache",
			zap.Int64("variant_id", variantID), zap.Error(err))
	}
}

// ReplayAdjustments folds quantity deltas over the seed value.
func ReplayAdjustments(seed int, adjs []models.InventoryAdjustment) int {
	q := seed
	for _, a := range adjs {
		q += a.QuantityDelta
	}
	return q
}
