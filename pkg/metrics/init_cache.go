package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initCacheMetrics() {
	r.CacheHitsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "index_cache_hits_total",
			Help: "PTable LRU cache hits",
		},
		[]string{"cache"},
	)

	r.CacheMissesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "index_cache_misses_total",
			Help: "PTable LRU cache misses",
		},
		[]string{"cache"},
	)

	r.BloomNegativesTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "index_bloom_negatives_total",
			Help: "Lookups answered negatively by a bloom filter",
		},
	)
}
