package sync

import (
	"time"

	"github.com/aitbekov/kaspi-sync/internal/domain/order"
)

// Reason is why a run ended.
type Reason string

const (
	// ReasonCompleted: every order in the batch reached a terminal state.
	ReasonCompleted Reason = "completed"
	// ReasonExhaustedRetries: retry rounds ran out with orders still failing.
	ReasonExhaustedRetries Reason = "exhausted-retries"
	// ReasonCancelledEarly: a batch order was cancelled mid-run and the
	// remaining rounds were skipped.
	ReasonCancelledEarly Reason = "cancelled-early"
	// ReasonFailed: a batch-level step (sweep or fetch) exhausted its
	// retries; no orders were processed.
	ReasonFailed Reason = "failed"
)

// RunResult is the single value a run resolves to. The orchestrator never
// lets a fault escape past it.
type RunResult struct {
	RunID     string
	Window    TimeRange
	Processed int
	Failed    int
	Cancelled int
	Skipped   int
	Elapsed   time.Duration
	Reason    Reason
	// Err carries the batch-fatal error when Reason is ReasonFailed.
	Err error
}

// Outcome is the terminal result of one order's pipeline within a round.
type Outcome struct {
	OrderID   string
	Status    order.Status
	Retryable bool
	Err       error
}
