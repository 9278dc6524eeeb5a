package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initCompactionMetrics() {
	r.MergesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "index_merges_total",
			Help: "Total number of table builds and merges",
		},
		[]string{"kind", "status"},
	)

	r.MergeDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "index_merge_duration_seconds",
			Help:    "Table build and merge duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0, 120.0},
		},
		[]string{"kind"},
	)

	r.AwaitingTables = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "index_awaiting_tables",
			Help: "Tables waiting to be merged into the index map, including the current memtable",
		},
	)

	r.TablesPerLevel = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "index_tables_per_level",
			Help: "Number of tables on each index map level",
		},
		[]string{"level"},
	)

	r.ManifestSavesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "index_manifest_saves_total",
			Help: "Index map manifest saves",
		},
		[]string{"status"},
	)

	r.ScavengedTablesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "index_scavenged_tables_total",
			Help: "Tables processed by index scavenge",
		},
		[]string{"result"},
	)

	r.ScavengeBytesSaved = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "index_scavenge_bytes_saved_total",
			Help: "Bytes reclaimed by index scavenge",
		},
	)
}
