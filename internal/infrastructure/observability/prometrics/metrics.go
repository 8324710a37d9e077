package prometrics

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aitbekov/kaspi-sync/internal/observability"
)

// spec fixes the help text, label set, and buckets of every metric the
// service emits. A key that is not declared here resolves to a nop
// instrument rather than registering an undocumented series.
type spec struct {
	help    string
	labels  []string
	buckets []float64
}

var specs = map[observability.MetricKey]spec{
	observability.MSyncRuns: {
		help:   "Completed synchronization runs by terminal reason.",
		labels: []string{"reason"},
	},
	observability.MSyncRunDuration: {
		help:    "Wall-clock duration of one synchronization run.",
		buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	},
	observability.MOrderOutcomes: {
		help:   "Per-order final outcomes across all runs.",
		labels: []string{"outcome"},
	},
	observability.MRetryAttempts: {
		help:   "Retry attempts per guarded operation.",
		labels: []string{"operation", "outcome"},
	},
	observability.MInconsistencies: {
		help: "Orders whose stock decrement landed without a status write.",
	},
	observability.MWaybillFailures: {
		help: "Waybill issuance failures that degraded instead of failing the order.",
	},
	observability.MExternalRequests: {
		help:   "Requests to the marketplace API by endpoint and outcome.",
		labels: []string{"endpoint", "outcome"},
	},
	observability.MExternalRequestDuration: {
		help:    "Latency of marketplace API requests.",
		labels:  []string{"endpoint"},
		buckets: prometheus.DefBuckets,
	},
}

type registry struct {
	reg        prometheus.Registerer
	namespace  string
	counters   sync.Map // MetricKey -> *prometheus.CounterVec
	histograms sync.Map // MetricKey -> *prometheus.HistogramVec
}

// New returns a Metrics implementation registering on reg under namespace.
func New(reg prometheus.Registerer, namespace string) observability.Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &registry{reg: reg, namespace: namespace}
}

func (r *registry) Counter(name observability.MetricKey) observability.Counter {
	if v, ok := r.counters.Load(name); ok {
		return &counter{v: v.(*prometheus.CounterVec)}
	}
	s, ok := specs[name]
	if !ok {
		return observability.NopCounter()
	}
	cv := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: r.namespace, Name: string(name), Help: s.help,
	}, s.labels)
	// Two goroutines may race to register the same key; the loser adopts
	// the winner's collector instead of panicking.
	if err := r.reg.Register(cv); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			panic(err)
		}
		cv = are.ExistingCollector.(*prometheus.CounterVec)
	}
	actual, _ := r.counters.LoadOrStore(name, cv)
	return &counter{v: actual.(*prometheus.CounterVec)}
}

func (r *registry) Histogram(name observability.MetricKey) observability.Histogram {
	if v, ok := r.histograms.Load(name); ok {
		return &histogram{v: v.(*prometheus.HistogramVec)}
	}
	s, ok := specs[name]
	if !ok {
		return observability.NopHistogram()
	}
	buckets := s.buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}
	hv := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: r.namespace, Name: string(name), Help: s.help, Buckets: buckets,
	}, s.labels)
	if err := r.reg.Register(hv); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			panic(err)
		}
		hv = are.ExistingCollector.(*prometheus.HistogramVec)
	}
	actual, _ := r.histograms.LoadOrStore(name, hv)
	return &histogram{v: actual.(*prometheus.HistogramVec)}
}

type counter struct{ v *prometheus.CounterVec }

func (c *counter) Add(d float64, labels ...observability.Label) {
	c.v.With(labelMap(labels)).Add(d)
}

type histogram struct{ v *prometheus.HistogramVec }

func (h *histogram) Observe(v float64, labels ...observability.Label) {
	h.v.With(labelMap(labels)).Observe(v)
}

func labelMap(ls []observability.Label) prometheus.Labels {
	m := make(prometheus.Labels, len(ls))
	for _, l := range ls {
		m[l.Key] = l.Value
	}
	return m
}
