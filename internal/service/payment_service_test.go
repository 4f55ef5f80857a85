package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"commerce-core/internal/gateway"
	"commerce-core/internal/models"
	"commerce-core/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePaymentStore mirrors the store's settlement semantics in memory: the
// payment write and the order-axis write land together, and the order version
// gates concurrent writers.
type fakePaymentStore struct {
	payments map[int64]*models.Payment
	byKey    map[string]int64
	orders   map[int64]*models.Order
	history  []models.OrderStatusHistory
	nextID   int64
}

func newFakePaymentStore() *fakePaymentStore {
	return &fakePaymentStore{
		payments: make(map[int64]*models.Payment),
		byKey:    make(map[string]int64),
		orders:   make(map[int64]*models.Order),
	}
}

func (f *fakePaymentStore) seedOrder(id int64, total int64) *models.Order {
	order := &models.Order{
		ID:                id,
		Currency:          "USD",
		SubtotalAmount:    total,
		TotalAmount:       total,
		Status:            models.OrderStatusPending,
		PaymentStatus:     models.PayAxisPending,
		FulfillmentStatus: models.FulfillmentUnfulfilled,
		FinancialStatus:   models.FinancialPending,
		Version:           1,
	}
	f.orders[id] = order
	return order
}

func (f *fakePaymentStore) CreatePayment(ctx context.Context, payment *models.Payment) (bool, error) {
	if id, ok := f.byKey[payment.IdempotencyKey]; ok {
		*payment = *f.payments[id]
		return true, nil
	}
	f.nextID++
	payment.ID = f.nextID
	copied := *payment
	f.payments[payment.ID] = &copied
	f.byKey[payment.IdempotencyKey] = payment.ID
	return false, nil
}

func (f *fakePaymentStore) GetPaymentByID(ctx context.Context, id int64) (*models.Payment, error) {
	p, ok := f.payments[id]
	if !ok {
		return nil, models.ErrPaymentNotFound
	}
	copied := *p
	return &copied, nil
}

func (f *fakePaymentStore) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	o, ok := f.orders[id]
	if !ok {
		return nil, models.ErrOrderNotFound
	}
	copied := *o
	return &copied, nil
}

func (f *fakePaymentStore) SettlePaymentTx(ctx context.Context, settle store.PaymentSettlement) error {
	p, ok := f.payments[settle.PaymentID]
	if !ok {
		return models.ErrPaymentNotFound
	}
	if settle.OrderID > 0 {
		o, ok := f.orders[settle.OrderID]
		if !ok {
			return models.ErrOrderNotFound
		}
		if o.Version != settle.OrderVersion {
			return models.ErrStaleOrder
		}
		o.Status = settle.Order.Status
		o.PaymentStatus = settle.Order.PaymentStatus
		o.FulfillmentStatus = settle.Order.FulfillmentStatus
		o.FinancialStatus = settle.Order.FinancialStatus
		o.Version++
		for i := range settle.History {
			settle.History[i].OrderID = settle.OrderID
			f.history = append(f.history, settle.History[i])
		}
	}
	p.Status = settle.PaymentStatus
	p.FailureMessage = settle.FailureMessage
	p.RequiresReconciliation = false
	if settle.GatewayRef != "" {
		p.GatewayRef = settle.GatewayRef
		p.GatewayResponse = settle.RawResponse
	}
	now := time.Now()
	if settle.MarkAuthorized {
		p.AuthorizedAt = &now
	}
	if settle.MarkCaptured {
		p.CapturedAt = &now
	}
	return nil
}

func (f *fakePaymentStore) SetPaymentReconciliation(ctx context.Context, paymentID int64, required bool) error {
	p, ok := f.payments[paymentID]
	if !ok {
		return models.ErrPaymentNotFound
	}
	p.RequiresReconciliation = required
	return nil
}

func (f *fakePaymentStore) IncrementPaymentAttempts(ctx context.Context, paymentID int64) (int, error) {
	p, ok := f.payments[paymentID]
	if !ok {
		return 0, models.ErrPaymentNotFound
	}
	p.AttemptCount++
	return p.AttemptCount, nil
}

func (f *fakePaymentStore) ListPaymentsRequiringReconciliation(ctx context.Context, limit int) ([]models.Payment, error) {
	var out []models.Payment
	for _, p := range f.payments {
		if p.RequiresReconciliation && len(out) < limit {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (f *fakePaymentStore) InsertStatusHistory(ctx context.Context, h *models.OrderStatusHistory) error {
	f.history = append(f.history, *h)
	return nil
}

func (f *fakePaymentStore) ListStatusHistory(ctx context.Context, orderID int64) ([]models.OrderStatusHistory, error) {
	var out []models.OrderStatusHistory
	for _, h := range f.history {
		if h.OrderID == orderID {
			out = append(out, h)
		}
	}
	return out, nil
}

// erringGateway fails every call with a non-decline error: the outcome is
// unknown from the caller's point of view.
type erringGateway struct{}

func (erringGateway) Authorize(context.Context, gateway.Request) (*gateway.Result, error) {
	return nil, errors.New("connection reset")
}
func (erringGateway) Capture(context.Context, gateway.Request) (*gateway.Result, error) {
	return nil, errors.New("connection reset")
}
func (erringGateway) Void(context.Context, gateway.Request) (*gateway.Result, error) {
	return nil, errors.New("connection reset")
}
func (erringGateway) Refund(context.Context, gateway.Request) (*gateway.Result, error) {
	return nil, errors.New("connection reset")
}

func newTestPaymentService(fs *fakePaymentStore, gw gateway.Gateway) *PaymentService {
	return NewPaymentService(fs, gw, NewHistoryRecorder(fs), nil, time.Second)
}

func TestAuthorizeIdempotentReplay(t *testing.T) {
	ctx := context.Background()
	fs := newFakePaymentStore()
	fs.seedOrder(1, 5000)
	svc := newTestPaymentService(fs, gateway.NewMockGateway())

	first, err := svc.AuthorizePayment(ctx, 1, 5000, "USD", models.FundingGateway, "client-key-1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentAuthorized, first.Status)
	assert.NotEmpty(t, first.GatewayRef)
	require.NotNil(t, first.AuthorizedAt)

	second, err := svc.AuthorizePayment(ctx, 1, 5000, "USD", models.FundingGateway, "client-key-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, fs.payments, 1)
}

func TestAuthorizeReplayRejectsChangedAmount(t *testing.T) {
	ctx := context.Background()
	fs := newFakePaymentStore()
	fs.seedOrder(1, 5000)
	svc := newTestPaymentService(fs, gateway.NewMockGateway())

	_, err := svc.AuthorizePayment(ctx, 1, 5000, "USD", models.FundingGateway, "client-key-1")
	require.NoError(t, err)

	// The key pins the amount; a retry cannot change what was recorded.
	_, err = svc.AuthorizePayment(ctx, 1, 6000, "USD", models.FundingGateway, "client-key-1")
	require.ErrorIs(t, err, models.ErrAmountImmutable)
	assert.True(t, models.IsValidation(err))
	assert.Len(t, fs.payments, 1)
	assert.Equal(t, int64(5000), fs.payments[1].Amount)
}

func TestAuthorizeThenCaptureMovesOrderAxis(t *testing.T) {
	ctx := context.Background()
	fs := newFakePaymentStore()
	fs.seedOrder(1, 5000)
	svc := newTestPaymentService(fs, gateway.NewMockGateway())

	payment, err := svc.AuthorizePayment(ctx, 1, 5000, "USD", models.FundingGateway, "")
	require.NoError(t, err)
	assert.Equal(t, models.PayAxisAuthorized, fs.orders[1].PaymentStatus)
	assert.Equal(t, models.FinancialAuthorized, fs.orders[1].FinancialStatus)

	captured, err := svc.CapturePayment(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentCaptured, captured.Status)
	require.NotNil(t, captured.CapturedAt)
	assert.Equal(t, models.PayAxisPaid, fs.orders[1].PaymentStatus)
	assert.Equal(t, models.FinancialPaid, fs.orders[1].FinancialStatus)

	// One history row per axis write.
	require.Len(t, fs.history, 2)
	assert.Equal(t, string(models.PayAxisPending), fs.history[0].FromStatus)
	assert.Equal(t, string(models.PayAxisAuthorized), fs.history[0].ToStatus)
	assert.Equal(t, string(models.PayAxisAuthorized), fs.history[1].FromStatus)
	assert.Equal(t, string(models.PayAxisPaid), fs.history[1].ToStatus)

	// Capturing again replays without another axis write.
	again, err := svc.CapturePayment(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentCaptured, again.Status)
	assert.Len(t, fs.history, 2)
}

func TestCaptureRequiresAuthorized(t *testing.T) {
	ctx := context.Background()
	fs := newFakePaymentStore()
	fs.seedOrder(1, 5000)
	svc := newTestPaymentService(fs, gateway.NewMockGateway())

	fs.nextID++
	fs.payments[fs.nextID] = &models.Payment{ID: fs.nextID, OrderID: 1, Status: models.PaymentPending, Amount: 5000, Currency: "USD"}

	_, err := svc.CapturePayment(ctx, fs.nextID)
	require.Error(t, err)
	assert.True(t, models.IsValidation(err))
}

func TestDeclinedAuthorizationFailsPaymentAndAxis(t *testing.T) {
	ctx := context.Background()
	fs := newFakePaymentStore()
	fs.seedOrder(1, 5000)
	gw := gateway.NewMockGateway()
	gw.FailNext = true
	svc := newTestPaymentService(fs, gw)

	payment, err := svc.AuthorizePayment(ctx, 1, 5000, "USD", models.FundingGateway, "declined-key")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentFailed, payment.Status)
	assert.Equal(t, "insufficient funds", payment.FailureMessage)
	assert.Equal(t, models.PayAxisFailed, fs.orders[1].PaymentStatus)
	assert.False(t, payment.RequiresReconciliation)
}

func TestUnknownGatewayOutcomeFlagsReconciliation(t *testing.T) {
	ctx := context.Background()
	fs := newFakePaymentStore()
	fs.seedOrder(1, 5000)
	svc := newTestPaymentService(fs, erringGateway{})

	_, err := svc.AuthorizePayment(ctx, 1, 5000, "USD", models.FundingGateway, "unknown-key")
	require.Error(t, err)
	assert.True(t, models.IsTransient(err))

	stored := fs.payments[1]
	assert.Equal(t, models.PaymentPending, stored.Status)
	assert.True(t, stored.RequiresReconciliation)
	// The axis is untouched until the outcome is known.
	assert.Equal(t, models.PayAxisPending, fs.orders[1].PaymentStatus)
}

func TestReconcileReusesOriginalKey(t *testing.T) {
	ctx := context.Background()
	fs := newFakePaymentStore()
	fs.seedOrder(1, 5000)

	broken := newTestPaymentService(fs, erringGateway{})
	_, err := broken.AuthorizePayment(ctx, 1, 5000, "USD", models.FundingGateway, "recon-key")
	require.Error(t, err)

	// The gateway comes back; reconciliation re-invokes with the same key.
	gw := gateway.NewMockGateway()
	recovered := newTestPaymentService(fs, gw)
	require.NoError(t, recovered.ReconcilePayment(ctx, 1))

	stored := fs.payments[1]
	assert.Equal(t, models.PaymentAuthorized, stored.Status)
	assert.False(t, stored.RequiresReconciliation)
	assert.Equal(t, models.PayAxisAuthorized, fs.orders[1].PaymentStatus)

	// A second run is a no-op.
	require.NoError(t, recovered.ReconcilePayment(ctx, 1))
}

func TestRetryFailedPaymentDerivesFreshKey(t *testing.T) {
	ctx := context.Background()
	fs := newFakePaymentStore()
	fs.seedOrder(1, 5000)

	gw := gateway.NewMockGateway()
	gw.FailNext = true
	svc := newTestPaymentService(fs, gw)

	payment, err := svc.AuthorizePayment(ctx, 1, 5000, "USD", models.FundingGateway, "retry-key")
	require.NoError(t, err)
	require.Equal(t, models.PaymentFailed, payment.Status)

	retried, err := svc.RetryFailedPayment(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentCaptured, retried.Status)
	assert.Equal(t, 2, retried.AttemptCount)
	assert.Equal(t, models.PayAxisPaid, fs.orders[1].PaymentStatus)
}

func TestRetryRequiresFailedStatus(t *testing.T) {
	ctx := context.Background()
	fs := newFakePaymentStore()
	fs.seedOrder(1, 5000)
	svc := newTestPaymentService(fs, gateway.NewMockGateway())

	payment, err := svc.AuthorizePayment(ctx, 1, 5000, "USD", models.FundingGateway, "")
	require.NoError(t, err)

	_, err = svc.RetryFailedPayment(ctx, payment.ID)
	require.Error(t, err)
	assert.True(t, models.IsValidation(err))
}

func TestVoidPayment(t *testing.T) {
	ctx := context.Background()
	fs := newFakePaymentStore()
	fs.seedOrder(1, 5000)
	svc := newTestPaymentService(fs, gateway.NewMockGateway())

	payment, err := svc.AuthorizePayment(ctx, 1, 5000, "USD", models.FundingGateway, "")
	require.NoError(t, err)

	voided, err := svc.VoidPayment(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentCancelled, voided.Status)

	// Voiding again replays.
	again, err := svc.VoidPayment(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentCancelled, again.Status)
}

func TestVoidPendingPaymentSkipsGateway(t *testing.T) {
	ctx := context.Background()
	fs := newFakePaymentStore()
	fs.seedOrder(1, 5000)

	// A pending payment has no gateway authorization, so even a broken
	// gateway cannot stop the void.
	svc := newTestPaymentService(fs, erringGateway{})

	fs.nextID++
	fs.payments[fs.nextID] = &models.Payment{ID: fs.nextID, OrderID: 1, Status: models.PaymentPending, Amount: 5000, Currency: "USD"}

	voided, err := svc.VoidPayment(ctx, fs.nextID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentCancelled, voided.Status)
}

func TestVoidRejectsCapturedPayment(t *testing.T) {
	ctx := context.Background()
	fs := newFakePaymentStore()
	fs.seedOrder(1, 5000)
	svc := newTestPaymentService(fs, gateway.NewMockGateway())

	payment, err := svc.AuthorizePayment(ctx, 1, 5000, "USD", models.FundingGateway, "")
	require.NoError(t, err)
	_, err = svc.CapturePayment(ctx, payment.ID)
	require.NoError(t, err)

	_, err = svc.VoidPayment(ctx, payment.ID)
	require.Error(t, err)
	assert.True(t, models.IsValidation(err))

	var ite *models.InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, string(models.PaymentCaptured), ite.From)
}

func TestRetryIdempotencyKeyDeterministic(t *testing.T) {
	k1 := RetryIdempotencyKey(7, 2)
	k2 := RetryIdempotencyKey(7, 2)
	k3 := RetryIdempotencyKey(7, 3)

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.Len(t, k1, 64)
}
