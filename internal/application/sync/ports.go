package sync

import (
	"context"
	"time"

	"github.com/aitbekov/kaspi-sync/internal/domain/order"
)

// TimeRange is the batch window of one run: orders created inside it are
// candidates for processing.
type TimeRange struct {
	From time.Time
	To   time.Time
}

// Gateway is the remote marketplace seen from the orchestration core. Its
// wire format lives in infrastructure; the core only sequences the calls.
type Gateway interface {
	FetchNewOrders(ctx context.Context, window TimeRange) ([]*order.Order, error)
	FetchArchivedCancellations(ctx context.Context, since time.Time) ([]order.CancellationRecord, error)
	FetchReturnedCancellations(ctx context.Context, since time.Time) ([]order.CancellationRecord, error)
	AcceptOrder(ctx context.Context, orderID, orderCode string) error
	RequestWaybill(ctx context.Context, orderID string) (string, error)
	// ProbeCancellation returns the subset of orderIDs the marketplace
	// currently reports as cancelled.
	ProbeCancellation(ctx context.Context, orderIDs []string) ([]string, error)
}

// Ledger is the local inventory store. It is the single source of truth for
// stock quantities and order status, and must serialize conflicting writes
// to the same order or product.
type Ledger interface {
	CheckAvailability(ctx context.Context, stockName string, items []order.LineItem) (bool, error)
	// ApplyDecrement applies the stock decrement for all items as one
	// logical unit, at most once per order regardless of retries.
	ApplyDecrement(ctx context.Context, orderID, stockName string, items []order.LineItem) error
	ReverseReservation(ctx context.Context, orderID string) error
	// MarkProcessed upserts the full order (line items included) with the
	// processed status. This is the runner's step 3; everything else only
	// transitions status by id.
	MarkProcessed(ctx context.Context, o *order.Order) error
	SetOrderStatus(ctx context.Context, orderID string, status order.Status) error
	RecordWaybill(ctx context.Context, orderID, link string) error
	// OrderStatus reports the locally persisted status of an order, or
	// ErrUnknownOrder when the ledger has never seen it.
	OrderStatus(ctx context.Context, orderID string) (order.Status, error)
}

// CursorStore persists the fetch-window boundary between runs so a re-run
// re-derives its window instead of relying on process state.
type CursorStore interface {
	Load(ctx context.Context) (time.Time, error)
	Save(ctx context.Context, boundary time.Time) error
}

// OrderProcessor executes the per-order pipeline. Satisfied by TaskRunner;
// an interface so the fan-out is testable without a ledger.
type OrderProcessor interface {
	Process(ctx context.Context, o *order.Order) Outcome
}

type IDGenerator interface {
	NewID() string
}
