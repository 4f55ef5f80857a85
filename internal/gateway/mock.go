package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockGateway is an in-memory gateway that honors idempotency keys the way
// real providers do: the first call for a key executes, later calls replay the
// stored outcome without side effects.
type MockGateway struct {
	mu      sync.Mutex
	results map[string]*Result // by idempotency key

	// FailNext makes the next non-replayed call return a DeclinedError.
	FailNext bool
	// Latency is added to every executed (non-replayed) call.
	Latency time.Duration
}

// NewMockGateway creates a mock gateway.
func NewMockGateway() *MockGateway {
	return &MockGateway{results: make(map[string]*Result)}
}

func (g *MockGateway) call(ctx context.Context, op string, req Request) (*Result, error) {
	g.mu.Lock()
	if cached, ok := g.results[req.IdempotencyKey]; ok {
		g.mu.Unlock()
		return cached, nil
	}
	failNext := g.FailNext
	g.FailNext = false
	g.mu.Unlock()

	if g.Latency > 0 {
		select {
		case <-time.After(g.Latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if failNext {
		return nil, &DeclinedError{Code: "card_declined", Message: "insufficient funds"}
	}

	ref := fmt.Sprintf("%s_%s", op, uuid.New().String()[:8])
	raw, _ := json.Marshal(map[string]interface{}{
		"op":              op,
		"reference":       ref,
		"amount":          req.Amount,
		"currency":        req.Currency,
		"idempotency_key": req.IdempotencyKey,
	})
	result := &Result{GatewayRef: ref, RawResponse: raw}

	g.mu.Lock()
	g.results[req.IdempotencyKey] = result
	g.mu.Unlock()

	return result, nil
}

// Authorize implements Gateway.
func (g *MockGateway) Authorize(ctx context.Context, req Request) (*Result, error) {
	return g.call(ctx, "auth", req)
}

// Capture implements Gateway.
func (g *MockGateway) Capture(ctx context.Context, req Request) (*Result, error) {
	return g.call(ctx, "cap", req)
}

// Void implements Gateway.
func (g *MockGateway) Void(ctx context.Context, req Request) (*Result, error) {
	return g.call(ctx, "void", req)
}

// Refund implements Gateway.
func (g *MockGateway) Refund(ctx context.Context, req Request) (*Result, error) {
	return g.call(ctx, "ref", req)
}
