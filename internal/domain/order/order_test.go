package order

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOrder(t *testing.T) *Order {
	t.Helper()
	o, err := New("ord-1", "CODE-1", "PP5", "APPROVED_BY_BANK",
		[]LineItem{{ProductCode: "SKU-1", Quantity: 2}}, time.Now().UTC())
	require.NoError(t, err)
	return o
}

func TestNewValidation(t *testing.T) {
	_, err := New("", "CODE", "PP5", "", nil, time.Now())
	assert.ErrorIs(t, err, ErrMissingID)

	_, err = New("id", "CODE", "PP5", "", []LineItem{{ProductCode: "A", Quantity: 0}}, time.Now())
	assert.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestLifecycleHappyPath(t *testing.T) {
	o := newTestOrder(t)
	require.Equal(t, StatusNew, o.Status)

	require.NoError(t, o.MarkProcessing())
	require.NoError(t, o.MarkProcessed())
	assert.Equal(t, StatusProcessed, o.Status)

	// Processed is terminal.
	assert.ErrorIs(t, o.MarkFailed("late failure"), ErrInvalidTransition)
	assert.ErrorIs(t, o.MarkCancelled("late cancel"), ErrInvalidTransition)
	assert.ErrorIs(t, o.MarkProcessing(), ErrInvalidTransition)
}

func TestFailedReentersProcessing(t *testing.T) {
	o := newTestOrder(t)
	require.NoError(t, o.MarkProcessing())
	require.NoError(t, o.MarkFailed("stock read timed out"))
	assert.Equal(t, StatusFailed, o.Status)
	assert.Equal(t, "stock read timed out", o.FailureReason)

	// Retry round picks it back up.
	require.NoError(t, o.MarkProcessing())
	require.NoError(t, o.MarkProcessed())
	assert.Empty(t, o.FailureReason)
}

func TestCancelFromAnyNonTerminalState(t *testing.T) {
	fresh := newTestOrder(t)
	require.NoError(t, fresh.MarkCancelled("buyer cancelled"))
	assert.Equal(t, StatusCancelled, fresh.Status)

	failed := newTestOrder(t)
	require.NoError(t, failed.MarkProcessing())
	require.NoError(t, failed.MarkFailed("transient"))
	require.NoError(t, failed.MarkCancelled("buyer cancelled"))
	assert.Equal(t, StatusCancelled, failed.Status)

	// Cancelled is terminal too.
	assert.ErrorIs(t, failed.MarkProcessing(), ErrInvalidTransition)
	assert.ErrorIs(t, failed.MarkCancelled("again"), ErrInvalidTransition)
}

func TestCloneIsDeep(t *testing.T) {
	o := newTestOrder(t)
	c := o.Clone()
	c.Items[0].Quantity = 99
	assert.Equal(t, 2, o.Items[0].Quantity)
}
