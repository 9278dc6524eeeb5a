package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initLookupMetrics() {
	r.LookupsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "index_lookups_total",
			Help: "Total number of index lookups",
		},
		[]string{"operation", "result"},
	)

	r.LookupDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "index_lookup_duration_seconds",
			Help:    "Index lookup duration in seconds",
			Buckets: []float64{0.00001, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		},
		[]string{"operation"},
	)

	r.LookupRetriesTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "index_lookup_retries_total",
			Help: "Lookups retried because a table was being deleted",
		},
	)

	r.MaybeCorruptTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "index_maybe_corrupt_total",
			Help: "Binary search consistency check failures",
		},
	)

	r.RangeEntriesScanned = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "index_range_entries_returned",
			Help:    "Number of entries returned by range reads",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		},
	)
}
