package sync

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aitbekov/kaspi-sync/internal/domain/order"
)

func mkOrder(id string, quantity int) *order.Order {
	o, err := order.New(id, "CODE-"+id, "PP5", remoteStatusApproved,
		[]order.LineItem{{ProductCode: "SKU-" + id, Quantity: quantity}},
		time.Now().UTC())
	if err != nil {
		panic(err)
	}
	return o
}

type seqIDs struct{ n int }

func (s *seqIDs) NewID() string {
	s.n++
	return fmt.Sprintf("run-%d", s.n)
}

type fakeCursor struct {
	mu      sync.Mutex
	value   time.Time
	loadErr error
	saves   int
}

func (c *fakeCursor) Load(context.Context) (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, c.loadErr
}

func (c *fakeCursor) Save(_ context.Context, boundary time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = boundary
	c.saves++
	return nil
}

type fakeGateway struct {
	mu          sync.Mutex
	orders      []*order.Order
	fetchErr    error
	fetchCalls  int
	lastWindow  TimeRange
	returned    []order.CancellationRecord
	archived    []order.CancellationRecord
	returnedErr error
	archivedErr error
	acceptErrs  map[string]error
	acceptCalls map[string]int
	probeIDs    []string
	probeErr    error
	probeCalls  int
	waybillErrs map[string]error
	waybills    map[string]int
}

func newFakeGateway(orders ...*order.Order) *fakeGateway {
	return &fakeGateway{
		orders:      orders,
		acceptErrs:  make(map[string]error),
		acceptCalls: make(map[string]int),
		waybillErrs: make(map[string]error),
		waybills:    make(map[string]int),
	}
}

func (g *fakeGateway) FetchNewOrders(_ context.Context, window TimeRange) ([]*order.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fetchCalls++
	g.lastWindow = window
	if g.fetchErr != nil {
		return nil, g.fetchErr
	}
	out := make([]*order.Order, len(g.orders))
	copy(out, g.orders)
	return out, nil
}

func (g *fakeGateway) FetchArchivedCancellations(context.Context, time.Time) ([]order.CancellationRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.archived, g.archivedErr
}

func (g *fakeGateway) FetchReturnedCancellations(context.Context, time.Time) ([]order.CancellationRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.returned, g.returnedErr
}

func (g *fakeGateway) AcceptOrder(_ context.Context, orderID, _ string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.acceptCalls[orderID]++
	return g.acceptErrs[orderID]
}

func (g *fakeGateway) RequestWaybill(_ context.Context, orderID string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.waybillErrs[orderID]; err != nil {
		return "", err
	}
	g.waybills[orderID]++
	return "https://kaspi.kz/waybills/" + orderID, nil
}

func (g *fakeGateway) ProbeCancellation(_ context.Context, orderIDs []string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.probeCalls++
	if g.probeErr != nil {
		return nil, g.probeErr
	}
	asked := make(map[string]bool, len(orderIDs))
	for _, id := range orderIDs {
		asked[id] = true
	}
	var out []string
	for _, id := range g.probeIDs {
		if asked[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

type fakeLedger struct {
	mu        sync.Mutex
	stock     map[string]int // product code -> quantity
	applied   map[string]bool
	applies   map[string]int
	status    map[string]order.Status
	waybills  map[string]string
	reversals []string
	availErrs []error
	applyErrs []error
	markErrs  []error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		stock:    make(map[string]int),
		applied:  make(map[string]bool),
		applies:  make(map[string]int),
		status:   make(map[string]order.Status),
		waybills: make(map[string]string),
	}
}

func popErr(q *[]error) error {
	if len(*q) == 0 {
		return nil
	}
	err := (*q)[0]
	*q = (*q)[1:]
	return err
}

func (l *fakeLedger) CheckAvailability(_ context.Context, _ string, items []order.LineItem) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := popErr(&l.availErrs); err != nil {
		return false, err
	}
	for _, it := range items {
		if l.stock[it.ProductCode] < it.Quantity {
			return false, nil
		}
	}
	return true, nil
}

func (l *fakeLedger) ApplyDecrement(_ context.Context, orderID, _ string, items []order.LineItem) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := popErr(&l.applyErrs); err != nil {
		return err
	}
	if l.applied[orderID] {
		return nil
	}
	for _, it := range items {
		l.stock[it.ProductCode] -= it.Quantity
	}
	l.applied[orderID] = true
	l.applies[orderID]++
	return nil
}

func (l *fakeLedger) ReverseReservation(_ context.Context, orderID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reversals = append(l.reversals, orderID)
	l.applied[orderID] = false
	return nil
}

func (l *fakeLedger) MarkProcessed(_ context.Context, o *order.Order) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := popErr(&l.markErrs); err != nil {
		return err
	}
	l.status[o.ID] = order.StatusProcessed
	return nil
}

func (l *fakeLedger) SetOrderStatus(_ context.Context, orderID string, status order.Status) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.status[orderID] = status
	return nil
}

func (l *fakeLedger) RecordWaybill(_ context.Context, orderID, link string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.waybills[orderID] = link
	return nil
}

func (l *fakeLedger) OrderStatus(_ context.Context, orderID string) (order.Status, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.status[orderID]
	if !ok {
		return "", ErrUnknownOrder
	}
	return st, nil
}

// fakeProcessor stands in for the TaskRunner in fan-out tests. It tracks
// the peak number of concurrent Process calls.
type fakeProcessor struct {
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	delay       time.Duration

	mu      sync.Mutex
	calls   map[string]int
	outcome func(o *order.Order, call int) Outcome
}

func newFakeProcessor(outcome func(o *order.Order, call int) Outcome) *fakeProcessor {
	return &fakeProcessor{calls: make(map[string]int), outcome: outcome}
}

func (p *fakeProcessor) Process(_ context.Context, o *order.Order) Outcome {
	cur := p.inFlight.Add(1)
	for {
		max := p.maxInFlight.Load()
		if cur <= max || p.maxInFlight.CompareAndSwap(max, cur) {
			break
		}
	}
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	defer p.inFlight.Add(-1)

	p.mu.Lock()
	p.calls[o.ID]++
	call := p.calls[o.ID]
	p.mu.Unlock()
	return p.outcome(o, call)
}

func (p *fakeProcessor) callCount(orderID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[orderID]
}
