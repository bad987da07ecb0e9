package mcash

import (
	"context"
	"fmt"
)

// Client is the logical surface of the Merchant API consumed by the gateway.
type Client interface {
	Create(ctx context.Context, params CreateParams) (PaymentRequest, error)
	Retrieve(ctx context.Context, tid string) (PaymentRequest, error)
	Outcome(ctx context.Context, tid string) (Outcome, error)
	Capture(ctx context.Context, tid string) error
	Release(ctx context.Context, tid string) error
	Refund(ctx context.Context, tid string, params RefundParams) error
	Reauthorize(ctx context.Context, tid string) error
}

// Error wraps a transport or business failure from the Merchant API.
type Error struct {
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("mcash: %s: status %d: %s", e.Op, e.StatusCode, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("mcash: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("mcash: %s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }
