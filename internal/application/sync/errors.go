package sync

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownOrder is returned by Ledger.OrderStatus for orders the
	// ledger has never persisted.
	ErrUnknownOrder = errors.New("sync: order not tracked in ledger")

	// ErrInsufficientStock fails an order permanently: retrying cannot
	// conjure stock within one run.
	ErrInsufficientStock = errors.New("sync: insufficient stock")
)

// InconsistencyError reports the partial-failure hazard: stock was
// decremented but the processed-status write failed. It is surfaced
// distinctly and never retried or auto-repaired, because re-applying the
// pipeline risks a double decrement. Reconciliation is the operator's call.
type InconsistencyError struct {
	OrderID string
	Err     error
}

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("sync: order %s: stock decremented but status write failed: %v", e.OrderID, e.Err)
}

func (e *InconsistencyError) Unwrap() error { return e.Err }

func IsInconsistency(err error) bool {
	var ie *InconsistencyError
	return errors.As(err, &ie)
}
