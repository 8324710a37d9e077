package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appsync "github.com/aitbekov/kaspi-sync/internal/application/sync"
	"github.com/aitbekov/kaspi-sync/internal/domain/order"
)

func testOrder(t *testing.T, id string, qty int) *order.Order {
	t.Helper()
	o, err := order.New(id, "CODE-"+id, "PP1", "APPROVED_BY_BANK",
		[]order.LineItem{{ProductCode: "SKU-1", Quantity: qty}}, time.Now().UTC())
	require.NoError(t, err)
	return o
}

func TestApplyDecrementAtMostOnce(t *testing.T) {
	ledger := NewLedger()
	ledger.SetStock("PP1", "SKU-1", 10)
	items := []order.LineItem{{ProductCode: "SKU-1", Quantity: 3}}

	require.NoError(t, ledger.ApplyDecrement(context.Background(), "o1", "PP1", items))
	require.NoError(t, ledger.ApplyDecrement(context.Background(), "o1", "PP1", items))

	assert.Equal(t, 7, ledger.StockOf("PP1", "SKU-1"), "second apply is a no-op")
}

func TestApplyDecrementInsufficientStock(t *testing.T) {
	ledger := NewLedger()
	ledger.SetStock("PP1", "SKU-1", 1)

	err := ledger.ApplyDecrement(context.Background(), "o1", "PP1",
		[]order.LineItem{{ProductCode: "SKU-1", Quantity: 2}})

	assert.ErrorIs(t, err, appsync.ErrInsufficientStock)
	assert.Equal(t, 1, ledger.StockOf("PP1", "SKU-1"))
}

func TestApplyDecrementAllOrNothing(t *testing.T) {
	ledger := NewLedger()
	ledger.SetStock("PP1", "SKU-1", 5)
	ledger.SetStock("PP1", "SKU-2", 1)

	err := ledger.ApplyDecrement(context.Background(), "o1", "PP1", []order.LineItem{
		{ProductCode: "SKU-1", Quantity: 2},
		{ProductCode: "SKU-2", Quantity: 2},
	})

	assert.ErrorIs(t, err, appsync.ErrInsufficientStock)
	assert.Equal(t, 5, ledger.StockOf("PP1", "SKU-1"), "no partial decrement")
	assert.Equal(t, 1, ledger.StockOf("PP1", "SKU-2"))
}

func TestReverseReservationRestocks(t *testing.T) {
	ledger := NewLedger()
	ledger.SetStock("PP1", "SKU-1", 5)
	items := []order.LineItem{{ProductCode: "SKU-1", Quantity: 2}}
	require.NoError(t, ledger.ApplyDecrement(context.Background(), "o1", "PP1", items))

	require.NoError(t, ledger.ReverseReservation(context.Background(), "o1"))
	require.NoError(t, ledger.ReverseReservation(context.Background(), "o1"))

	assert.Equal(t, 5, ledger.StockOf("PP1", "SKU-1"), "reversal is applied once")
}

func TestOrderStatusLifecycle(t *testing.T) {
	ledger := NewLedger()
	o := testOrder(t, "o1", 1)

	_, err := ledger.OrderStatus(context.Background(), "o1")
	assert.ErrorIs(t, err, appsync.ErrUnknownOrder)

	require.NoError(t, ledger.MarkProcessed(context.Background(), o))
	st, err := ledger.OrderStatus(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusProcessed, st)

	require.NoError(t, ledger.SetOrderStatus(context.Background(), "o1", order.StatusCancelled))
	st, _ = ledger.OrderStatus(context.Background(), "o1")
	assert.Equal(t, order.StatusCancelled, st)

	assert.ErrorIs(t, ledger.SetOrderStatus(context.Background(), "ghost", order.StatusFailed), appsync.ErrUnknownOrder)
}

func TestRecordWaybill(t *testing.T) {
	ledger := NewLedger()
	require.NoError(t, ledger.MarkProcessed(context.Background(), testOrder(t, "o1", 1)))

	require.NoError(t, ledger.RecordWaybill(context.Background(), "o1", "https://kaspi.kz/waybills/o1"))
	assert.ErrorIs(t, ledger.RecordWaybill(context.Background(), "ghost", "x"), appsync.ErrUnknownOrder)
}
