package metrics

import (
	"strconv"
	"time"
)

// RecordLookup records a point or range lookup with its duration
func (r *Registry) RecordLookup(operation string, found bool, duration time.Duration) {
	result := "miss"
	if found {
		result = "hit"
	}
	r.LookupsTotal.WithLabelValues(operation, result).Inc()
	r.LookupDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordRange records a range read and how many entries it returned
func (r *Registry) RecordRange(entries int, duration time.Duration) {
	r.RecordLookup("get_range", entries > 0, duration)
	r.RangeEntriesScanned.Observe(float64(entries))
}

// RecordCache records a hit or miss against one of the PTable caches
func (r *Registry) RecordCache(cache string, hit bool) {
	if hit {
		r.CacheHitsTotal.WithLabelValues(cache).Inc()
	} else {
		r.CacheMissesTotal.WithLabelValues(cache).Inc()
	}
}

// RecordMerge records a table build or merge
func (r *Registry) RecordMerge(kind, status string, duration time.Duration) {
	r.MergesTotal.WithLabelValues(kind, status).Inc()
	r.MergeDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordManifestSave records a manifest write attempt
func (r *Registry) RecordManifestSave(err error) {
	if err != nil {
		r.ManifestSavesTotal.WithLabelValues("error").Inc()
		return
	}
	r.ManifestSavesTotal.WithLabelValues("success").Inc()
}

// RecordScavenge records the outcome of scavenging one table
func (r *Registry) RecordScavenge(kept bool, spaceSaved int64) {
	if !kept {
		r.ScavengedTablesTotal.WithLabelValues("not_scavenged").Inc()
		return
	}
	r.ScavengedTablesTotal.WithLabelValues("scavenged").Inc()
	if spaceSaved > 0 {
		r.ScavengeBytesSaved.Add(float64(spaceSaved))
	}
}

// SetLevelSizes publishes the table count of every level. Series for levels
// that no longer exist are dropped.
func (r *Registry) SetLevelSizes(sizes []int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.TablesPerLevel.Reset()
	for level, n := range sizes {
		r.TablesPerLevel.WithLabelValues(strconv.Itoa(level)).Set(float64(n))
	}
}
