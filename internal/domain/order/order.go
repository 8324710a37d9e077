package order

import (
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("order: not found")
	ErrMissingID         = errors.New("order: id and code are required")
	ErrNoItems           = errors.New("order: at least one line item is required")
	ErrInvalidQuantity   = errors.New("order: item quantity must be greater than zero")
	ErrInvalidTransition = errors.New("order: invalid status transition")
)

type Status string

const (
	StatusNew        Status = "new"
	StatusProcessing Status = "processing"
	StatusProcessed  Status = "processed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusProcessed || s == StatusCancelled
}

// LineItem is a single position of an order. Immutable once attached.
type LineItem struct {
	ProductCode string
	ProductName string
	Quantity    int
}

// Order is a remote marketplace order as seen by one synchronization run.
// Created by the gateway fetch; only transitioned afterwards, never deleted.
type Order struct {
	ID            string
	Code          string
	StockName     string
	RemoteStatus  string
	Items         []LineItem
	Status        Status
	FailureReason string
	Waybill       string
	CustomerName  string
	CustomerPhone string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func New(id, code, stockName, remoteStatus string, items []LineItem, createdAt time.Time) (*Order, error) {
	if id == "" || code == "" {
		return nil, ErrMissingID
	}
	for _, it := range items {
		if it.Quantity <= 0 {
			return nil, ErrInvalidQuantity
		}
	}
	return &Order{
		ID:           id,
		Code:         code,
		StockName:    stockName,
		RemoteStatus: remoteStatus,
		Items:        items,
		Status:       StatusNew,
		CreatedAt:    createdAt,
		UpdatedAt:    time.Now().UTC(),
	}, nil
}

// MarkProcessing moves the order into the in-flight state. A failed order may
// re-enter processing on the next retry round.
func (o *Order) MarkProcessing() error {
	if o.Status != StatusNew && o.Status != StatusFailed {
		return ErrInvalidTransition
	}
	o.Status = StatusProcessing
	o.touch()
	return nil
}

func (o *Order) MarkProcessed() error {
	if o.Status != StatusProcessing {
		return ErrInvalidTransition
	}
	o.Status = StatusProcessed
	o.FailureReason = ""
	o.touch()
	return nil
}

func (o *Order) MarkFailed(reason string) error {
	if o.Status.Terminal() {
		return ErrInvalidTransition
	}
	o.Status = StatusFailed
	o.FailureReason = reason
	o.touch()
	return nil
}

// MarkCancelled is allowed from any non-terminal state: a cancellation
// detected mid-run overrides both new and previously failed attempts.
func (o *Order) MarkCancelled(reason string) error {
	if o.Status.Terminal() {
		return ErrInvalidTransition
	}
	o.Status = StatusCancelled
	o.FailureReason = reason
	o.touch()
	return nil
}

func (o *Order) SetWaybill(link string) {
	o.Waybill = link
	o.touch()
}

func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	clone := *o
	clone.Items = make([]LineItem, len(o.Items))
	copy(clone.Items, o.Items)
	return &clone
}

func (o *Order) touch() {
	o.UpdatedAt = time.Now().UTC()
}

// CancellationRecord captures a cancellation finalized on the remote
// platform that still needs (or needed) a local inventory reversal.
type CancellationRecord struct {
	OrderID    string
	OrderCode  string
	Reason     string
	DetectedAt time.Time
}
