// Package memory provides in-process adapters for local runs and tests.
package memory

import (
	"context"
	"sync"

	appsync "github.com/aitbekov/kaspi-sync/internal/application/sync"
	"github.com/aitbekov/kaspi-sync/internal/domain/order"
)

type stockKey struct {
	stockName   string
	productCode string
}

type adjustment struct {
	stockName string
	items     []order.LineItem
}

// Ledger is an in-memory inventory ledger with the same at-most-once
// decrement guarantee as the MySQL one.
type Ledger struct {
	mu       sync.RWMutex
	stock    map[stockKey]int
	applied  map[string]adjustment
	orders   map[string]*order.Order
	statuses map[string]order.Status
	waybills map[string]string
}

func NewLedger() *Ledger {
	return &Ledger{
		stock:    make(map[stockKey]int),
		applied:  make(map[string]adjustment),
		orders:   make(map[string]*order.Order),
		statuses: make(map[string]order.Status),
		waybills: make(map[string]string),
	}
}

var _ appsync.Ledger = (*Ledger)(nil)

// SetStock seeds the quantity of one product in one warehouse.
func (l *Ledger) SetStock(stockName, productCode string, quantity int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stock[stockKey{stockName, productCode}] = quantity
}

// StockOf reports the current quantity; handy in tests.
func (l *Ledger) StockOf(stockName, productCode string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.stock[stockKey{stockName, productCode}]
}

func (l *Ledger) CheckAvailability(_ context.Context, stockName string, items []order.LineItem) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, it := range items {
		if l.stock[stockKey{stockName, it.ProductCode}] < it.Quantity {
			return false, nil
		}
	}
	return true, nil
}

func (l *Ledger) ApplyDecrement(_ context.Context, orderID, stockName string, items []order.LineItem) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, done := l.applied[orderID]; done {
		return nil
	}
	// All-or-nothing: verify every line before touching any quantity.
	for _, it := range items {
		if l.stock[stockKey{stockName, it.ProductCode}] < it.Quantity {
			return appsync.ErrInsufficientStock
		}
	}
	for _, it := range items {
		l.stock[stockKey{stockName, it.ProductCode}] -= it.Quantity
	}
	l.applied[orderID] = adjustment{stockName: stockName, items: append([]order.LineItem(nil), items...)}
	return nil
}

func (l *Ledger) ReverseReservation(_ context.Context, orderID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	adj, ok := l.applied[orderID]
	if !ok {
		return nil
	}
	for _, it := range adj.items {
		l.stock[stockKey{adj.stockName, it.ProductCode}] += it.Quantity
	}
	delete(l.applied, orderID)
	return nil
}

func (l *Ledger) MarkProcessed(_ context.Context, o *order.Order) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.orders[o.ID] = o.Clone()
	l.statuses[o.ID] = order.StatusProcessed
	return nil
}

func (l *Ledger) SetOrderStatus(_ context.Context, orderID string, status order.Status) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.statuses[orderID]; !ok {
		return appsync.ErrUnknownOrder
	}
	l.statuses[orderID] = status
	return nil
}

func (l *Ledger) RecordWaybill(_ context.Context, orderID, link string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.statuses[orderID]; !ok {
		return appsync.ErrUnknownOrder
	}
	l.waybills[orderID] = link
	return nil
}

func (l *Ledger) OrderStatus(_ context.Context, orderID string) (order.Status, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	st, ok := l.statuses[orderID]
	if !ok {
		return "", appsync.ErrUnknownOrder
	}
	return st, nil
}
