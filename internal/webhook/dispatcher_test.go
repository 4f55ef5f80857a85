package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"commerce-core/internal/models"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDeliveryStore struct {
	hooks     map[int64]*models.Webhook
	due       []models.WebhookDelivery
	succeeded []int64
	failed    []models.WebhookDelivery
	cancelled []int64
}

func newFakeDeliveryStore() *fakeDeliveryStore {
	return &fakeDeliveryStore{hooks: make(map[int64]*models.Webhook)}
}

func (f *fakeDeliveryStore) ClaimDueDeliveries(ctx context.Context, limit int, claimTTL time.Duration) ([]models.WebhookDelivery, error) {
	if len(f.due) > limit {
		batch := f.due[:limit]
		f.due = f.due[limit:]
		return batch, nil
	}
	batch := f.due
	f.due = nil
	return batch, nil
}

func (f *fakeDeliveryStore) GetWebhook(ctx context.Context, id int64) (*models.Webhook, error) {
	hook, ok := f.hooks[id]
	if !ok {
		return nil, models.ErrDeliveryNotFound
	}
	return hook, nil
}

func (f *fakeDeliveryStore) MarkDeliverySucceeded(ctx context.Context, id int64, attempts, statusCode int, responseBody string) error {
	f.succeeded = append(f.succeeded, id)
	return nil
}

func (f *fakeDeliveryStore) MarkDeliveryFailed(ctx context.Context, id int64, attempts int, status models.DeliveryStatus, nextRetryAt time.Time, statusCode int, responseBody, lastError string) error {
	f.failed = append(f.failed, models.WebhookDelivery{
		ID:             id,
		Attempts:       attempts,
		Status:         status,
		NextRetryAt:    nextRetryAt,
		LastStatusCode: statusCode,
		LastError:      lastError,
	})
	return nil
}

func (f *fakeDeliveryStore) CancelDelivery(ctx context.Context, id int64) error {
	f.cancelled = append(f.cancelled, id)
	return nil
}

func newTestDispatcher(store *fakeDeliveryStore) *Dispatcher {
	d := NewDispatcher(store, Config{
		BackoffBase: 30 * time.Second,
		BackoffCap:  time.Hour,
		MaxRetries:  3,
	})
	d.now = func() time.Time { return time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC) }
	return d
}

func TestBackoff(t *testing.T) {
	base := 30 * time.Second
	cap := time.Hour

	assert.Equal(t, 30*time.Second, Backoff(base, cap, 1))
	assert.Equal(t, time.Minute, Backoff(base, cap, 2))
	assert.Equal(t, 2*time.Minute, Backoff(base, cap, 3))
	assert.Equal(t, 16*time.Minute, Backoff(base, cap, 6))

	// Past the cap every delay is the cap, never an overflow.
	assert.Equal(t, cap, Backoff(base, cap, 10))
	assert.Equal(t, cap, Backoff(base, cap, 60))
}

func TestSignVerifyRoundTrip(t *testing.T) {
	payload := []byte(`{"order_id":42}`)
	sig := Sign("whsec_test", 1756123200, payload)

	assert.Regexp(t, "^sha256=[0-9a-f]{64}$", sig)
	assert.True(t, Verify("whsec_test", 1756123200, payload, sig))

	// Any change to the secret, timestamp, or body invalidates the signature.
	assert.False(t, Verify("whsec_other", 1756123200, payload, sig))
	assert.False(t, Verify("whsec_test", 1756123201, payload, sig))
	assert.False(t, Verify("whsec_test", 1756123200, []byte(`{"order_id":43}`), sig))
}

func TestAttemptSuccessSignsRequest(t *testing.T) {
	payload := []byte(`{"event_id":"evt_1","event_type":"order.created"}`)

	var got *http.Request
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	store := newFakeDeliveryStore()
	store.hooks[1] = &models.Webhook{ID: 1, URL: server.URL, Secret: "whsec_test", Active: true}
	d := newTestDispatcher(store)

	d.Attempt(context.Background(), &models.WebhookDelivery{
		ID: 10, WebhookID: 1, EventID: "evt_1", EventType: "order.created", Payload: payload,
	})

	require.NotNil(t, got)
	assert.Equal(t, []int64{10}, store.succeeded)
	assert.Empty(t, store.failed)

	assert.Equal(t, "order.created", got.Header.Get("X-Webhook-Event"))
	assert.Equal(t, "evt_1", got.Header.Get("X-Webhook-Delivery"))

	ts, err := strconv.ParseInt(got.Header.Get("X-Webhook-Timestamp"), 10, 64)
	require.NoError(t, err)
	assert.True(t, Verify("whsec_test", ts, gotBody, got.Header.Get("X-Webhook-Signature")))
}

func TestAttemptFailureSchedulesRetry(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	store := newFakeDeliveryStore()
	store.hooks[1] = &models.Webhook{ID: 1, URL: server.URL, Secret: "s", Active: true}
	d := newTestDispatcher(store)

	d.Attempt(context.Background(), &models.WebhookDelivery{ID: 10, WebhookID: 1, EventID: "evt_1"})

	require.Len(t, store.failed, 1)
	rec := store.failed[0]
	assert.Equal(t, models.DeliveryStatusPending, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, 500, rec.LastStatusCode)
	assert.Equal(t, d.now().Add(30*time.Second), rec.NextRetryAt)
}

func TestAttemptDeadLettersAtMaxRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	store := newFakeDeliveryStore()
	store.hooks[1] = &models.Webhook{ID: 1, URL: server.URL, Secret: "s", Active: true}
	d := newTestDispatcher(store)

	// Two prior failures; the configured limit of 3 is reached on this attempt.
	d.Attempt(context.Background(), &models.WebhookDelivery{ID: 10, WebhookID: 1, Attempts: 2})

	require.Len(t, store.failed, 1)
	assert.Equal(t, models.DeliveryStatusFailed, store.failed[0].Status)
	assert.Equal(t, 3, store.failed[0].Attempts)
}

func TestPerHookMaxRetriesOverridesDefault(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	store := newFakeDeliveryStore()
	store.hooks[1] = &models.Webhook{ID: 1, URL: server.URL, Secret: "s", Active: true, MaxRetries: 1}
	d := newTestDispatcher(store)

	d.Attempt(context.Background(), &models.WebhookDelivery{ID: 10, WebhookID: 1})

	require.Len(t, store.failed, 1)
	assert.Equal(t, models.DeliveryStatusFailed, store.failed[0].Status)
}

func TestInactiveWebhookCancelsDelivery(t *testing.T) {
	store := newFakeDeliveryStore()
	store.hooks[1] = &models.Webhook{ID: 1, URL: "http://unused.invalid", Active: false}
	d := newTestDispatcher(store)

	d.Attempt(context.Background(), &models.WebhookDelivery{ID: 10, WebhookID: 1})

	assert.Equal(t, []int64{10}, store.cancelled)
	assert.Empty(t, store.failed)
	assert.Empty(t, store.succeeded)
}

func TestOrphanedDeliveryCancelled(t *testing.T) {
	store := newFakeDeliveryStore()
	d := newTestDispatcher(store)

	d.Attempt(context.Background(), &models.WebhookDelivery{ID: 10, WebhookID: 99})

	assert.Equal(t, []int64{10}, store.cancelled)
}

func TestSweepProcessesClaimedBatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	store := newFakeDeliveryStore()
	store.hooks[1] = &models.Webhook{ID: 1, URL: server.URL, Secret: "s", Active: true}
	store.due = []models.WebhookDelivery{
		{ID: 10, WebhookID: 1, EventID: "evt_1"},
		{ID: 11, WebhookID: 1, EventID: "evt_2"},
	}
	d := newTestDispatcher(store)

	n, err := d.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []int64{10, 11}, store.succeeded)

	n, err = d.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

type fakeFanoutStore struct {
	hooks      []models.Webhook
	deliveries []models.WebhookDelivery
}

func (f *fakeFanoutStore) ListWebhooksForEvent(ctx context.Context, eventType string) ([]models.Webhook, error) {
	var out []models.Webhook
	for _, h := range f.hooks {
		for _, e := range h.Events {
			if e == eventType {
				out = append(out, h)
			}
		}
	}
	return out, nil
}

func (f *fakeFanoutStore) CreateDelivery(ctx context.Context, d *models.WebhookDelivery) error {
	f.deliveries = append(f.deliveries, *d)
	return nil
}

func TestFanoutCreatesDeliveryPerSubscription(t *testing.T) {
	store := &fakeFanoutStore{hooks: []models.Webhook{
		{ID: 1, Events: pq.StringArray{"order.created", "order.cancelled"}},
		{ID: 2, Events: pq.StringArray{"order.created"}},
		{ID: 3, Events: pq.StringArray{"refund.created"}},
	}}
	fanout := NewFanout(store)

	payload := []byte(`{"event_id":"evt_1"}`)
	err := fanout.HandleEvent(context.Background(), "evt_1", "order.created", payload)
	require.NoError(t, err)

	require.Len(t, store.deliveries, 2)
	assert.Equal(t, int64(1), store.deliveries[0].WebhookID)
	assert.Equal(t, int64(2), store.deliveries[1].WebhookID)
	for _, d := range store.deliveries {
		assert.Equal(t, "evt_1", d.EventID)
		assert.Equal(t, payload, d.Payload)
	}
}
