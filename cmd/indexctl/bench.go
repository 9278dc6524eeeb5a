package main

import (
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"sort"
	"time"

	"github.com/dd0wney/cluso-index/pkg/index"
	"github.com/dd0wney/cluso-index/pkg/metrics"
	dto "github.com/prometheus/client_model/go"
)

type benchConfig struct {
	entries   int
	streams   int
	reads     int
	memtable  int
	bloom     bool
	keepFiles bool
}

func handleBench(args []string, w io.Writer) error {
	fs := newFlagSet("bench", w)
	cfg := benchConfig{}
	fs.IntVar(&cfg.entries, "n", 100000, "Number of entries to write")
	fs.IntVar(&cfg.streams, "streams", 1000, "Number of distinct streams")
	fs.IntVar(&cfg.reads, "reads", 10000, "Number of point reads")
	fs.IntVar(&cfg.memtable, "memtable", 10000, "Entries per memtable")
	fs.BoolVar(&cfg.bloom, "bloom", true, "Write bloom filters")
	fs.BoolVar(&cfg.keepFiles, "keep", false, "Keep the temporary index directory")
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}
	if cfg.entries <= 0 || cfg.streams <= 0 || cfg.memtable <= 0 {
		return errors.New("bench: -n, -streams and -memtable must be positive")
	}

	dir, err := os.MkdirTemp("", "indexctl-bench-")
	if err != nil {
		return err
	}
	if !cfg.keepFiles {
		defer os.RemoveAll(dir)
	}
	return runBench(cfg, dir, metrics.DefaultRegistry(), w)
}

func runBench(cfg benchConfig, dir string, reg *metrics.Registry, w io.Writer) error {
	opts := index.DefaultOptions(dir)
	opts.MaxSizeForMemory = cfg.memtable
	opts.UseBloomFilter = cfg.bloom
	opts.LogReaderFactory = permissiveLogReaderFactory
	opts.Metrics = reg

	ti, err := index.NewTableIndex(opts)
	if err != nil {
		return err
	}
	if err := ti.Initialize(0); err != nil {
		return err
	}
	defer ti.Close(false)

	fmt.Fprintf(w, "Index directory: %s\n", dir)
	fmt.Fprintf(w, "Writing %d entries over %d streams...\n", cfg.entries, cfg.streams)

	versions := make([]int64, cfg.streams)
	start := time.Now()
	for i := 0; i < cfg.entries; i++ {
		s := rand.IntN(cfg.streams)
		if err := ti.Add(int64(i), streamName(s), versions[s], int64(i)*64); err != nil {
			return err
		}
		versions[s]++
	}
	writeDur := time.Since(start)
	if err := ti.WaitForBackgroundTasks(10 * time.Minute); err != nil {
		return err
	}
	flushDur := time.Since(start)
	fmt.Fprintf(w, "  wrote in %v (%.0f entries/sec), flushed in %v\n",
		writeDur.Round(time.Millisecond), float64(cfg.entries)/writeDur.Seconds(), flushDur.Round(time.Millisecond))
	fmt.Fprintf(w, "  levels: %v\n", ti.Stats().Levels)

	fmt.Fprintf(w, "Reading %d random versions...\n", cfg.reads)
	found := 0
	start = time.Now()
	for i := 0; i < cfg.reads; i++ {
		s := rand.IntN(cfg.streams)
		if versions[s] == 0 {
			continue
		}
		_, ok, err := ti.TryGetOneValue(streamName(s), rand.Int64N(versions[s]))
		if err != nil {
			return err
		}
		if ok {
			found++
		}
	}
	readDur := time.Since(start)
	fmt.Fprintf(w, "  %d found in %v (%.2fµs per read)\n",
		found, readDur.Round(time.Millisecond), float64(readDur.Microseconds())/float64(max(cfg.reads, 1)))

	start = time.Now()
	for s := 0; s < cfg.streams; s++ {
		if _, _, err := ti.TryGetLatestEntry(streamName(s)); err != nil {
			return err
		}
	}
	fmt.Fprintf(w, "  latest entry for every stream in %v\n", time.Since(start).Round(time.Millisecond))

	printTableCaches(ti.IndexMap().InOrder(), w)
	return printCacheSummary(reg, w)
}

// printTableCaches sums the range caches of every table.
func printTableCaches(tables []*index.PTable, w io.Writer) {
	var bounds, absent index.CacheStats
	for _, t := range tables {
		info := t.Info()
		bounds = addCacheStats(bounds, info.BoundsCache)
		absent = addCacheStats(absent, info.AbsentCache)
	}
	fmt.Fprintf(w, "Table caches over %d tables:\n", len(tables))
	fmt.Fprintf(w, "  bounds: entries=%d hits=%d misses=%d\n", bounds.Entries, bounds.Hits, bounds.Misses)
	fmt.Fprintf(w, "  absent: entries=%d hits=%d misses=%d\n", absent.Entries, absent.Hits, absent.Misses)
}

func addCacheStats(a, b index.CacheStats) index.CacheStats {
	return index.CacheStats{Entries: a.Entries + b.Entries, Hits: a.Hits + b.Hits, Misses: a.Misses + b.Misses}
}

func streamName(i int) string {
	return fmt.Sprintf("bench-stream-%d", i)
}

// printCacheSummary prints the cache counters gathered during the run.
func printCacheSummary(reg *metrics.Registry, w io.Writer) error {
	families, err := reg.GetPrometheusRegistry().Gather()
	if err != nil {
		return err
	}

	var lines []string
	for _, mf := range families {
		if mf.GetType() != dto.MetricType_COUNTER {
			continue
		}
		switch mf.GetName() {
		case "index_cache_hits_total", "index_cache_misses_total", "index_bloom_negatives_total":
		default:
			continue
		}
		for _, m := range mf.GetMetric() {
			lines = append(lines, fmt.Sprintf("  %s%s = %.0f", mf.GetName(), labelString(m.GetLabel()), m.GetCounter().GetValue()))
		}
	}
	sort.Strings(lines)

	fmt.Fprintln(w, "Caches:")
	for _, l := range lines {
		fmt.Fprintln(w, l)
	}
	return nil
}

func labelString(labels []*dto.LabelPair) string {
	if len(labels) == 0 {
		return ""
	}
	s := "{"
	for i, l := range labels {
		if i > 0 {
			s += ","
		}
		s += fmt.Sprintf("%s=%q", l.GetName(), l.GetValue())
	}
	return s + "}"
}
