package service

import (
	"context"
	"fmt"
	"testing"

	"commerce-core/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stockKey struct {
	variantID, locationID int64
}

// fakeInventoryStore mirrors the store's conditional-update semantics in
// memory.
type fakeInventoryStore struct {
	levels map[stockKey]*models.StockLevel
	adjs   []models.InventoryAdjustment
}

func newFakeInventoryStore() *fakeInventoryStore {
	return &fakeInventoryStore{levels: make(map[stockKey]*models.StockLevel)}
}

func (f *fakeInventoryStore) seed(variantID, locationID int64, quantity int) {
	f.levels[stockKey{variantID, locationID}] = &models.StockLevel{
		VariantID:       variantID,
		LocationID:      locationID,
		Quantity:        quantity,
		InitialQuantity: quantity,
	}
}

func (f *fakeInventoryStore) GetStockLevel(ctx context.Context, variantID, locationID int64) (*models.StockLevel, error) {
	level, ok := f.levels[stockKey{variantID, locationID}]
	if !ok {
		return nil, models.ErrStockLevelNotFound
	}
	copied := *level
	return &copied, nil
}

func (f *fakeInventoryStore) ReserveStock(ctx context.Context, variantID, locationID int64, quantity int) error {
	level, ok := f.levels[stockKey{variantID, locationID}]
	if !ok {
		return models.ErrStockLevelNotFound
	}
	if level.Quantity-level.ReservedQuantity < quantity {
		return &models.InsufficientStockError{
			VariantID:  variantID,
			LocationID: locationID,
			Requested:  quantity,
			Available:  level.Quantity - level.ReservedQuantity,
		}
	}
	level.ReservedQuantity += quantity
	return nil
}

func (f *fakeInventoryStore) ReleaseStock(ctx context.Context, variantID, locationID int64, quantity int, referenceType string, referenceID int64) error {
	level, ok := f.levels[stockKey{variantID, locationID}]
	if !ok {
		return models.ErrStockLevelNotFound
	}
	if level.ReservedQuantity < quantity {
		return fmt.Errorf("release exceeds reserved quantity")
	}
	level.ReservedQuantity -= quantity
	f.adjs = append(f.adjs, models.InventoryAdjustment{
		VariantID:     variantID,
		LocationID:    locationID,
		QuantityDelta: 0,
		ReservedDelta: -quantity,
		Type:          models.AdjustmentCorrection,
		ReferenceType: referenceType,
		ReferenceID:   referenceID,
	})
	return nil
}

func (f *fakeInventoryStore) CommitReservation(ctx context.Context, variantID, locationID int64, quantity int, referenceType string, referenceID int64) error {
	level, ok := f.levels[stockKey{variantID, locationID}]
	if !ok {
		return models.ErrStockLevelNotFound
	}
	if level.ReservedQuantity < quantity {
		return fmt.Errorf("commit exceeds reserved quantity")
	}
	level.ReservedQuantity -= quantity
	level.Quantity -= quantity
	f.adjs = append(f.adjs, models.InventoryAdjustment{
		VariantID:     variantID,
		LocationID:    locationID,
		QuantityDelta: -quantity,
		ReservedDelta: -quantity,
		Type:          models.AdjustmentSold,
		ReferenceType: referenceType,
		ReferenceID:   referenceID,
	})
	return nil
}

func (f *fakeInventoryStore) AdjustStock(ctx context.Context, adj *models.InventoryAdjustment) error {
	level, ok := f.levels[stockKey{adj.VariantID, adj.LocationID}]
	if !ok {
		return models.ErrStockLevelNotFound
	}
	if level.Quantity+adj.QuantityDelta < level.ReservedQuantity {
		return fmt.Errorf("adjustment would drop on-hand below reserved")
	}
	level.Quantity += adj.QuantityDelta
	f.adjs = append(f.adjs, *adj)
	return nil
}

func (f *fakeInventoryStore) ListAdjustments(ctx context.Context, variantID, locationID int64) ([]models.InventoryAdjustment, error) {
	var out []models.InventoryAdjustment
	for _, a := range f.adjs {
		if a.VariantID == variantID && a.LocationID == locationID {
			out = append(out, a)
		}
	}
	return out, nil
}

type cachedLevel struct {
	available, reserved int
}

type fakeStockCache struct {
	levels map[stockKey]cachedLevel
	reads  int
}

func newFakeStockCache() *fakeStockCache {
	return &fakeStockCache{levels: make(map[stockKey]cachedLevel)}
}

func (c *fakeStockCache) CacheStockLevel(ctx context.Context, variantID, locationID int64, available, reserved int) error {
	c.levels[stockKey{variantID, locationID}] = cachedLevel{available, reserved}
	return nil
}

func (c *fakeStockCache) GetStockLevel(ctx context.Context, variantID, locationID int64) (int, int, bool, error) {
	c.reads++
	level, ok := c.levels[stockKey{variantID, locationID}]
	return level.available, level.reserved, ok, nil
}

func TestAvailabilityServedFromCache(t *testing.T) {
	ctx := context.Background()
	fs := newFakeInventoryStore()
	fs.seed(1, 1, 10)
	cache := newFakeStockCache()
	svc := NewInventoryService(fs, cache)

	// Reserving refreshes the cache, so the read that follows never hits
	// the authoritative row.
	require.NoError(t, svc.Reserve(ctx, 1, 1, 4))
	fs.levels[stockKey{1, 1}].Quantity = 0 // stale row would show through a store read

	available, reserved, err := svc.Availability(ctx, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 6, available)
	assert.Equal(t, 4, reserved)
	assert.Equal(t, 1, cache.reads)
}

func TestAvailabilityMissFallsBackAndRefills(t *testing.T) {
	ctx := context.Background()
	fs := newFakeInventoryStore()
	fs.seed(2, 1, 8)
	cache := newFakeStockCache()
	svc := NewInventoryService(fs, cache)

	available, reserved, err := svc.Availability(ctx, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, 8, available)
	assert.Equal(t, 0, reserved)

	// The miss refilled the cache.
	assert.Equal(t, cachedLevel{8, 0}, cache.levels[stockKey{2, 1}])
}

func TestReserveInsufficientStock(t *testing.T) {
	ctx := context.Background()
	fs := newFakeInventoryStore()
	fs.seed(1, 1, 5)
	svc := NewInventoryService(fs, nil)

	require.NoError(t, svc.Reserve(ctx, 1, 1, 3))

	err := svc.Reserve(ctx, 1, 1, 3)
	require.Error(t, err)
	assert.True(t, models.IsValidation(err))

	var ise *models.InsufficientStockError
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, 2, ise.Available)

	level, err := svc.GetStockLevel(ctx, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, level.Available())
	assert.Equal(t, 5, level.Quantity)
}

func TestReserveRejectsNonPositiveQuantity(t *testing.T) {
	svc := NewInventoryService(newFakeInventoryStore(), nil)
	assert.Error(t, svc.Reserve(context.Background(), 1, 1, 0))
	assert.Error(t, svc.Reserve(context.Background(), 1, 1, -2))
}

func TestReleaseKeepsOnHandQuantity(t *testing.T) {
	ctx := context.Background()
	fs := newFakeInventoryStore()
	fs.seed(1, 1, 10)
	svc := NewInventoryService(fs, nil)

	require.NoError(t, svc.Reserve(ctx, 1, 1, 4))
	require.NoError(t, svc.Release(ctx, 1, 1, 4, 77))

	level, err := svc.GetStockLevel(ctx, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 10, level.Quantity)
	assert.Equal(t, 0, level.ReservedQuantity)

	// The release row moves only the reservation counter, so ledger replay
	// still reproduces the on-hand quantity.
	adjs, err := fs.ListAdjustments(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, adjs, 1)
	assert.Equal(t, 0, adjs[0].QuantityDelta)
	assert.Equal(t, -4, adjs[0].ReservedDelta)
	assert.NoError(t, svc.Reconcile(ctx, 1, 1))
}

func TestCommitReservationWritesSoldRow(t *testing.T) {
	ctx := context.Background()
	fs := newFakeInventoryStore()
	fs.seed(2, 1, 10)
	svc := NewInventoryService(fs, nil)

	require.NoError(t, svc.Reserve(ctx, 2, 1, 3))
	require.NoError(t, svc.CommitReservation(ctx, 2, 1, 3, 42))

	level, err := svc.GetStockLevel(ctx, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, 7, level.Quantity)
	assert.Equal(t, 0, level.ReservedQuantity)

	adjs, err := fs.ListAdjustments(ctx, 2, 1)
	require.NoError(t, err)
	require.Len(t, adjs, 1)
	assert.Equal(t, models.AdjustmentSold, adjs[0].Type)
	assert.Equal(t, -3, adjs[0].QuantityDelta)
	assert.NoError(t, svc.Reconcile(ctx, 2, 1))
}

func TestAdjustGuardsReservedFloor(t *testing.T) {
	ctx := context.Background()
	fs := newFakeInventoryStore()
	fs.seed(3, 1, 10)
	svc := NewInventoryService(fs, nil)

	require.NoError(t, svc.Reserve(ctx, 3, 1, 8))

	// Dropping on-hand below the reserved count must fail.
	err := svc.Adjust(ctx, 3, 1, -5, models.AdjustmentDamaged, "manual", 0, "water damage")
	assert.Error(t, err)

	require.NoError(t, svc.Adjust(ctx, 3, 1, -2, models.AdjustmentDamaged, "manual", 0, "water damage"))
	level, err := svc.GetStockLevel(ctx, 3, 1)
	require.NoError(t, err)
	assert.Equal(t, 8, level.Quantity)
}

func TestAdjustRejectsZeroDelta(t *testing.T) {
	svc := NewInventoryService(newFakeInventoryStore(), nil)
	assert.Error(t, svc.Adjust(context.Background(), 1, 1, 0, models.AdjustmentCorrection, "manual", 0, ""))
}

func TestReplayAdjustments(t *testing.T) {
	adjs := []models.InventoryAdjustment{
		{QuantityDelta: 10, Type: models.AdjustmentReceived},
		{QuantityDelta: -3, Type: models.AdjustmentSold},
		{QuantityDelta: 0, ReservedDelta: -2, Type: models.AdjustmentCorrection},
		{QuantityDelta: -1, Type: models.AdjustmentDamaged},
		{QuantityDelta: 2, Type: models.AdjustmentReturned},
	}
	assert.Equal(t, 13, ReplayAdjustments(5, adjs))
	assert.Equal(t, 8, ReplayAdjustments(0, adjs))
}

func TestReconcileDetectsMismatch(t *testing.T) {
	ctx := context.Background()
	fs := newFakeInventoryStore()
	fs.seed(4, 1, 10)
	svc := NewInventoryService(fs, nil)

	require.NoError(t, svc.Adjust(ctx, 4, 1, 5, models.AdjustmentReceived, "purchase_order", 9, ""))
	require.NoError(t, svc.Reconcile(ctx, 4, 1))

	// Corrupt the row behind the ledger's back.
	fs.levels[stockKey{4, 1}].Quantity = 11

	err := svc.Reconcile(ctx, 4, 1)
	require.Error(t, err)
	assert.True(t, models.IsInconsistency(err))

	// Reconcile reports, never repairs.
	assert.Equal(t, 11, fs.levels[stockKey{4, 1}].Quantity)
}
