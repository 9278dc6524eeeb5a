package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initPTableMetrics() {
	r.OpenTables = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "index_ptable_open",
			Help: "Number of open PTables",
		},
	)

	r.TableOpenDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "index_ptable_open_duration_seconds",
			Help:    "PTable open duration in seconds, including verification",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
	)

	r.HandlePoolExhausted = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "index_ptable_handle_pool_exhausted_total",
			Help: "Reads rejected because a PTable had no free file handle",
		},
	)

	r.CorruptIndexTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "index_corrupt_total",
			Help: "Table or manifest loads that failed validation",
		},
	)
}
