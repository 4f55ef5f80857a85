// Package gateway defines the contract a payment gateway adapter must satisfy
// and ships a deterministic mock used in development and tests. Provider
// integrations (Stripe, Razorpay, ...) live outside this repository.
package gateway

import "context"

// Request carries one money movement to the gateway. Every call takes an
// idempotency key the gateway must honor: retrying with the same key returns
// the original outcome instead of moving money twice.
type Request struct {
	IdempotencyKey string
	Reference      string // gateway ref of a prior authorization, for capture/void/refund
	Amount         int64  // integer minor units
	Currency       string
}

// Result is the gateway's answer plus the raw response kept for audit.
type Result struct {
	GatewayRef  string
	RawResponse []byte
}

// Gateway is the capability interface a provider adapter implements.
type Gateway interface {
	Authorize(ctx context.Context, req Request) (*Result, error)
	Capture(ctx context.Context, req Request) (*Result, error)
	Void(ctx context.Context, req Request) (*Result, error)
	Refund(ctx context.Context, req Request) (*Result, error)
}

// DeclinedError is a definitive gateway rejection: the money did not move and
// retrying the same request will not help.
type DeclinedError struct {
	Code    string
	Message string
}

func (e *DeclinedError) Error() string {
	return "gateway declined: " + e.Code + ": " + e.Message
}
