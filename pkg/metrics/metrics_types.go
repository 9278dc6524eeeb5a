package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds all metrics for the index
type Registry struct {
	// Lookup Metrics
	LookupsTotal        *prometheus.CounterVec
	LookupDuration      *prometheus.HistogramVec
	LookupRetriesTotal  prometheus.Counter
	MaybeCorruptTotal   prometheus.Counter
	RangeEntriesScanned prometheus.Histogram

	// Cache Metrics
	CacheHitsTotal      *prometheus.CounterVec
	CacheMissesTotal    *prometheus.CounterVec
	BloomNegativesTotal prometheus.Counter

	// Compaction Metrics
	MergesTotal          *prometheus.CounterVec
	MergeDuration        *prometheus.HistogramVec
	AwaitingTables       prometheus.Gauge
	TablesPerLevel       *prometheus.GaugeVec
	ManifestSavesTotal   *prometheus.CounterVec
	ScavengedTablesTotal *prometheus.CounterVec
	ScavengeBytesSaved   prometheus.Counter

	// PTable Metrics
	OpenTables          prometheus.Gauge
	TableOpenDuration   prometheus.Histogram
	HandlePoolExhausted prometheus.Counter
	CorruptIndexTotal   prometheus.Counter

	registry *prometheus.Registry
	mu       sync.Mutex
}

var (
	// Global registry instance, used by command line tools
	defaultRegistry *Registry
	once            sync.Once
)

// DefaultRegistry returns the process-wide metrics registry
func DefaultRegistry() *Registry {
	once.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry creates a new metrics registry with all metrics initialized
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		registry: reg,
	}

	r.initLookupMetrics()
	r.initCacheMetrics()
	r.initCompactionMetrics()
	r.initPTableMetrics()

	return r
}

// GetPrometheusRegistry returns the underlying Prometheus registry
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}
