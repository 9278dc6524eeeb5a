package metrics

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var metric dto.Metric
	if err := c.Write(&metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	return metric.Counter.GetValue()
}

func TestNewRegistry(t *testing.T) {
	r := NewRegistry()
	if r == nil {
		t.Fatal("NewRegistry() returned nil")
	}

	// Verify all metrics are initialized
	if r.LookupsTotal == nil {
		t.Error("LookupsTotal not initialized")
	}
	if r.CacheHitsTotal == nil {
		t.Error("CacheHitsTotal not initialized")
	}
	if r.MergesTotal == nil {
		t.Error("MergesTotal not initialized")
	}
	if r.OpenTables == nil {
		t.Error("OpenTables not initialized")
	}
	if r.registry == nil {
		t.Error("Prometheus registry not initialized")
	}
}

func TestNewRegistry_Independent(t *testing.T) {
	// Two indexes in one process must not collide on registration
	a := NewRegistry()
	b := NewRegistry()

	a.HandlePoolExhausted.Inc()

	if got := counterValue(t, b.HandlePoolExhausted); got != 0 {
		t.Errorf("second registry counter = %v, want 0", got)
	}
}

func TestDefaultRegistry(t *testing.T) {
	// Should return the same instance
	r1 := DefaultRegistry()
	r2 := DefaultRegistry()

	if r1 != r2 {
		t.Error("DefaultRegistry() should return the same instance")
	}
}

func TestRecordLookup(t *testing.T) {
	r := NewRegistry()

	r.RecordLookup("try_get_one_value", true, 100*time.Microsecond)
	r.RecordLookup("try_get_one_value", true, 200*time.Microsecond)
	r.RecordLookup("try_get_one_value", false, 50*time.Microsecond)

	hits, err := r.LookupsTotal.GetMetricWithLabelValues("try_get_one_value", "hit")
	if err != nil {
		t.Fatalf("Failed to get metric: %v", err)
	}
	if got := counterValue(t, hits); got != 2 {
		t.Errorf("hit counter = %v, want 2", got)
	}

	misses, err := r.LookupsTotal.GetMetricWithLabelValues("try_get_one_value", "miss")
	if err != nil {
		t.Fatalf("Failed to get metric: %v", err)
	}
	if got := counterValue(t, misses); got != 1 {
		t.Errorf("miss counter = %v, want 1", got)
	}

	histogram, err := r.LookupDuration.GetMetricWithLabelValues("try_get_one_value")
	if err != nil {
		t.Fatalf("Failed to get histogram: %v", err)
	}

	var metric dto.Metric
	if err := histogram.(prometheus.Histogram).Write(&metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if metric.Histogram.GetSampleCount() != 3 {
		t.Errorf("Sample count = %v, want 3", metric.Histogram.GetSampleCount())
	}
}

func TestRecordRange(t *testing.T) {
	r := NewRegistry()

	r.RecordRange(0, time.Millisecond)
	r.RecordRange(12, time.Millisecond)

	var metric dto.Metric
	if err := r.RangeEntriesScanned.Write(&metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if metric.Histogram.GetSampleCount() != 2 {
		t.Errorf("Sample count = %v, want 2", metric.Histogram.GetSampleCount())
	}
	if metric.Histogram.GetSampleSum() != 12 {
		t.Errorf("Sample sum = %v, want 12", metric.Histogram.GetSampleSum())
	}

	empty, _ := r.LookupsTotal.GetMetricWithLabelValues("get_range", "miss")
	if got := counterValue(t, empty); got != 1 {
		t.Errorf("empty range counter = %v, want 1", got)
	}
}

func TestRecordCache(t *testing.T) {
	r := NewRegistry()

	r.RecordCache("bounds", true)
	r.RecordCache("bounds", false)
	r.RecordCache("bounds", false)
	r.RecordCache("absent", true)

	tests := []struct {
		name     string
		vec      *prometheus.CounterVec
		label    string
		expected float64
	}{
		{"bounds hits", r.CacheHitsTotal, "bounds", 1},
		{"bounds misses", r.CacheMissesTotal, "bounds", 2},
		{"absent hits", r.CacheHitsTotal, "absent", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := tt.vec.GetMetricWithLabelValues(tt.label)
			if err != nil {
				t.Fatalf("Failed to get metric: %v", err)
			}
			if got := counterValue(t, c); got != tt.expected {
				t.Errorf("%s = %v, want %v", tt.name, got, tt.expected)
			}
		})
	}
}

func TestRecordMerge(t *testing.T) {
	r := NewRegistry()

	r.RecordMerge("memtable", "success", 20*time.Millisecond)
	r.RecordMerge("merge", "success", 2*time.Second)
	r.RecordMerge("merge", "error", time.Second)

	ok, _ := r.MergesTotal.GetMetricWithLabelValues("merge", "success")
	if got := counterValue(t, ok); got != 1 {
		t.Errorf("merge success = %v, want 1", got)
	}

	histogram, _ := r.MergeDuration.GetMetricWithLabelValues("merge")
	var metric dto.Metric
	if err := histogram.(prometheus.Histogram).Write(&metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}

	// Sum should be approximately 3s
	sum := metric.Histogram.GetSampleSum()
	if sum < 2.99 || sum > 3.01 {
		t.Errorf("Sample sum = %v, want ~3", sum)
	}
}

func TestRecordManifestSave(t *testing.T) {
	r := NewRegistry()

	r.RecordManifestSave(nil)
	r.RecordManifestSave(nil)
	r.RecordManifestSave(errors.New("disk full"))

	ok, _ := r.ManifestSavesTotal.GetMetricWithLabelValues("success")
	if got := counterValue(t, ok); got != 2 {
		t.Errorf("success = %v, want 2", got)
	}
	failed, _ := r.ManifestSavesTotal.GetMetricWithLabelValues("error")
	if got := counterValue(t, failed); got != 1 {
		t.Errorf("error = %v, want 1", got)
	}
}

func TestRecordScavenge(t *testing.T) {
	r := NewRegistry()

	r.RecordScavenge(true, 4096)
	r.RecordScavenge(true, 0)
	r.RecordScavenge(false, 0)

	scavenged, _ := r.ScavengedTablesTotal.GetMetricWithLabelValues("scavenged")
	if got := counterValue(t, scavenged); got != 2 {
		t.Errorf("scavenged = %v, want 2", got)
	}
	if got := counterValue(t, r.ScavengeBytesSaved); got != 4096 {
		t.Errorf("bytes saved = %v, want 4096", got)
	}
}

func TestSetLevelSizes(t *testing.T) {
	r := NewRegistry()

	r.SetLevelSizes([]int{3, 1, 1})
	r.SetLevelSizes([]int{0, 2})

	var metric dto.Metric
	gauge, _ := r.TablesPerLevel.GetMetricWithLabelValues("1")
	if err := gauge.Write(&metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if metric.Gauge.GetValue() != 2 {
		t.Errorf("level 1 = %v, want 2", metric.Gauge.GetValue())
	}

	families, err := r.GetPrometheusRegistry().Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}
	for _, f := range families {
		if f.GetName() != "index_tables_per_level" {
			continue
		}
		if len(f.GetMetric()) != 2 {
			t.Errorf("level series = %d, want 2", len(f.GetMetric()))
		}
	}
}

func TestGetPrometheusRegistry(t *testing.T) {
	r := NewRegistry()
	promRegistry := r.GetPrometheusRegistry()

	if promRegistry == nil {
		t.Fatal("GetPrometheusRegistry() returned nil")
	}

	// Verify we can gather metrics
	metrics, err := promRegistry.Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}

	if len(metrics) == 0 {
		t.Error("No metrics registered")
	}

	// Unlabelled collectors are always exported
	expectedMetrics := []string{
		"index_awaiting_tables",
		"index_ptable_open",
		"index_lookup_retries_total",
		"index_corrupt_total",
	}

	metricNames := make(map[string]bool)
	for _, m := range metrics {
		metricNames[m.GetName()] = true
	}

	for _, expected := range expectedMetrics {
		if !metricNames[expected] {
			t.Errorf("Expected metric %s not found", expected)
		}
	}
}

func TestConcurrentMetricUpdates(t *testing.T) {
	r := NewRegistry()

	// Simulate concurrent readers
	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				r.RecordLookup("try_get_latest_entry", true, 10*time.Microsecond)
			}
			done <- true
		}()
	}

	// Wait for all goroutines
	for i := 0; i < 10; i++ {
		<-done
	}

	counter, err := r.LookupsTotal.GetMetricWithLabelValues("try_get_latest_entry", "hit")
	if err != nil {
		t.Fatalf("Failed to get metric: %v", err)
	}

	// Should have 1000 total lookups (10 goroutines * 100 lookups)
	if got := counterValue(t, counter); got != 1000 {
		t.Errorf("Counter = %v, want 1000", got)
	}
}

func TestMetricNaming(t *testing.T) {
	r := NewRegistry()
	r.RecordLookup("try_get_one_value", true, time.Millisecond)
	r.RecordCache("bounds", true)
	r.RecordMerge("merge", "success", time.Millisecond)

	metrics, err := r.GetPrometheusRegistry().Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}

	// Verify all metrics have the index_ prefix
	for _, m := range metrics {
		name := m.GetName()
		if !strings.HasPrefix(name, "index_") {
			t.Errorf("Metric %s does not have index_ prefix", name)
		}
	}
}

func BenchmarkRecordLookup(b *testing.B) {
	r := NewRegistry()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r.RecordLookup("try_get_one_value", true, 10*time.Microsecond)
	}
}

func BenchmarkRecordCache(b *testing.B) {
	r := NewRegistry()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r.RecordCache("bounds", i%2 == 0)
	}
}
