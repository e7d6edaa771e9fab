// Package execution submits risk-approved order intents to a trading
// backend. Three backends implement the same capability: paper (pure
// simulation), demo (sandbox venue API) and live (real venue API,
// gated by an explicit configuration flag).
package execution

import (
	"context"
	"errors"
	"fmt"

	"pattern-trading-engine/config"
	"pattern-trading-engine/internal/pattern"
	"pattern-trading-engine/internal/risk"
)

// Status classifies an order outcome.
type Status string

const (
	StatusFilled   Status = "filled"
	StatusPartial  Status = "partial"
	StatusRejected Status = "rejected"
	StatusError    Status = "error"
)

// OrderResult reports the outcome of one submitted intent.
type OrderResult struct {
	OrderID   string  `json:"order_id"`
	IntentID  string  `json:"intent_id"`
	Status    Status  `json:"status"`
	FillPrice float64 `json:"fill_price"`
	FillSize  float64 `json:"fill_size"`
	Retries   int     `json:"retries"`
	ErrorKind string  `json:"error_kind,omitempty"`
}

// Adapter is the capability shared by all execution backends. Submit
// either returns a result (filled, partial or rejected) or an error
// for transport-level failures the dispatcher may retry.
type Adapter interface {
	Mode() config.Mode
	Submit(ctx context.Context, intent risk.OrderIntent) (OrderResult, error)
}

// ErrBackpressure is returned when an account's dispatch queue is
// full. The intent is dropped with a rejection event; the next tick
// may produce a fresh signal.
var ErrBackpressure = errors.New("execution queue full")

// ExecutionError reports a submission that failed after exhausting the
// retry budget. It is surfaced to the supervisor and emitted as an
// event; the intent is finalized as failed, never left pending.
type ExecutionError struct {
	Attempts int
	LastErr  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution failed after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *ExecutionError) Unwrap() error { return e.LastErr }

// validateIntent checks the fields every backend requires. A malformed
// intent is rejected outright, never retried.
func validateIntent(intent risk.OrderIntent) error {
	if intent.Symbol == "" {
		return errors.New("empty symbol")
	}
	if intent.Size <= 0 {
		return fmt.Errorf("non-positive size %v", intent.Size)
	}
	if intent.Direction != pattern.Long && intent.Direction != pattern.Short {
		return fmt.Errorf("unknown direction %q", intent.Direction)
	}
	if intent.Entry <= 0 {
		return fmt.Errorf("non-positive entry %v", intent.Entry)
	}
	return nil
}
