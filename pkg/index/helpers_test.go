package index

import (
	"path/filepath"
	"reflect"
	"slices"
	"sync"
	"testing"

	"github.com/dd0wney/cluso-index/pkg/hashing"
	"github.com/dd0wney/cluso-index/pkg/metrics"
	"github.com/google/uuid"
)

// testPTableOptions returns table options with a private metrics registry.
func testPTableOptions() PTableOptions {
	opts := DefaultPTableOptions()
	opts.Metrics = metrics.NewRegistry()
	return opts
}

// buildTable writes entries into a new table in dir through a memtable.
func buildTable(t *testing.T, dir string, version byte, opts PTableOptions, entries ...IndexEntry) *PTable {
	t.Helper()

	mt := NewMemTable(version)
	for _, e := range entries {
		if err := mt.Add(e.Stream, e.Version, e.Position); err != nil {
			t.Fatalf("memtable add %v: %v", e, err)
		}
	}
	pt, err := FromMemtable(mt, filepath.Join(dir, uuid.NewString()), opts)
	if err != nil {
		t.Fatalf("FromMemtable failed: %v", err)
	}
	t.Cleanup(func() {
		pt.Dispose()
		_ = pt.WaitForDisposal(disposalWaitTimeout)
	})
	return pt
}

// collectAll drains a table in table order.
func collectAll(t *testing.T, st SearchTable) []IndexEntry {
	t.Helper()
	out, err := collect(st.IterateAllInOrder())
	if err != nil {
		t.Fatalf("iterate %s: %v", st.ID(), err)
	}
	return out
}

// sortDescending returns a copy of entries in table order.
func sortDescending(entries []IndexEntry) []IndexEntry {
	out := slices.Clone(entries)
	slices.SortFunc(out, func(a, b IndexEntry) int { return b.Compare(a) })
	return out
}

func streamEntries(stream uint64, positions ...int64) []IndexEntry {
	out := make([]IndexEntry, len(positions))
	for i, p := range positions {
		out[i] = IndexEntry{Stream: stream, Version: int64(i), Position: p}
	}
	return out
}

// fakeLogReader is an event log known by position. Positions listed in
// deleted no longer exist.
type fakeLogReader struct {
	mu      sync.Mutex
	streams map[int64]string
	deleted map[int64]bool
	leases  int
	closed  int
}

func newFakeLogReader() *fakeLogReader {
	return &fakeLogReader{streams: make(map[int64]string), deleted: make(map[int64]bool)}
}

func (r *fakeLogReader) put(position int64, streamID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streams[position] = streamID
}

func (r *fakeLogReader) delete(position int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted[position] = true
}

func (r *fakeLogReader) ExistsAt(position int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.deleted[position], nil
}

func (r *fakeLogReader) TryReadAt(position int64) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deleted[position] {
		return "", false, nil
	}
	s, ok := r.streams[position]
	return s, ok, nil
}

func (r *fakeLogReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed++
	return nil
}

func (r *fakeLogReader) factory() LogReaderFactory {
	return func() (LogReader, error) {
		r.mu.Lock()
		r.leases++
		r.mu.Unlock()
		return r, nil
	}
}

// testMergeContext keeps every entry and names tables in dir.
func testMergeContext(dir string) MergeContext {
	return MergeContext{
		Version:   LatestPTableVersion,
		Filenames: UUIDFilenameProvider{Dir: dir},
	}
}

// newTestTableIndex creates an initialized index over dir that switches
// memtables every maxSize entries.
func newTestTableIndex(t *testing.T, dir string, maxSize int, reader *fakeLogReader, configure ...func(*Options)) *TableIndex {
	t.Helper()

	opts := DefaultOptions(dir)
	opts.LogReaderFactory = reader.factory()
	opts.MaxSizeForMemory = maxSize
	opts.Metrics = metrics.NewRegistry()
	for _, fn := range configure {
		fn(&opts)
	}

	ti, err := NewTableIndex(opts)
	if err != nil {
		t.Fatalf("NewTableIndex failed: %v", err)
	}
	if err := ti.Initialize(1 << 40); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	t.Cleanup(func() { _ = ti.Close(false) })
	return ti
}

func testStreamHash(streamID string) uint64 {
	return hashing.DefaultPair().StreamHash(streamID)
}

var reflectEntryType = reflect.TypeOf(IndexEntry{})
