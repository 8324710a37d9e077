package prometrics

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aitbekov/kaspi-sync/internal/observability"
)

func TestConcurrentLookupRegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := New(reg, "test")

	const workers = 16
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			metrics.Counter(observability.MInconsistencies).Add(1)
		}()
	}
	wg.Wait()

	fams, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, fams, 1, "all goroutines share one collector")
	assert.Equal(t, "test_ledger_inconsistencies_total", fams[0].GetName())
	require.Len(t, fams[0].GetMetric(), 1)
	assert.Equal(t, float64(workers), fams[0].GetMetric()[0].GetCounter().GetValue())
}

func TestConcurrentHistogramLookup(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := New(reg, "test")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			metrics.Histogram(observability.MSyncRunDuration).Observe(0.5)
		}()
	}
	wg.Wait()

	fams, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, fams, 1)
	assert.Equal(t, uint64(8), fams[0].GetMetric()[0].GetHistogram().GetSampleCount())
}

func TestUnknownKeyFallsBackToNop(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := New(reg, "test")

	// Must not panic or register anything.
	metrics.Counter(observability.MetricKey("made_up_total")).Add(1)
	metrics.Histogram(observability.MetricKey("made_up_seconds")).Observe(1)

	fams, err := reg.Gather()
	require.NoError(t, err)
	assert.Empty(t, fams)
}
