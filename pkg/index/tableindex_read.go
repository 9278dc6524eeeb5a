package index

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// retry runs fn against a fresh snapshot until it stops failing with
// ErrFileBeingDeleted. A table can be retired between taking the snapshot
// and reading it; the next snapshot no longer contains it.
func (ti *TableIndex) retry(op string, fn func(awaiting []tableItem, m *IndexMap) (bool, error)) (bool, error) {
	start := time.Now()
	for attempt := 0; attempt < maxLookupAttempts; attempt++ {
		awaiting, m := ti.snapshot()
		found, err := fn(awaiting, m)
		switch {
		case err == nil:
			ti.metrics.RecordLookup(op, found, time.Since(start))
			return found, nil
		case errors.Is(err, ErrFileBeingDeleted):
			ti.metrics.LookupRetriesTotal.Inc()
			continue
		case errors.Is(err, ErrMaybeCorruptIndex):
			ti.metrics.MaybeCorruptTotal.Inc()
			ti.forceIndexVerifyOnNextStartup()
			return false, err
		default:
			return false, err
		}
	}
	return false, fmt.Errorf("%w: %s gave up after %d attempts", ErrFilesLocked, op, maxLookupAttempts)
}

// tablesNewestFirst lists every searchable table, the current memtable
// first and the oldest table file last.
func tablesNewestFirst(awaiting []tableItem, m *IndexMap) []SearchTable {
	tables := make([]SearchTable, 0, len(awaiting)+m.TableCount())
	for _, item := range awaiting {
		if item.table != nil {
			tables = append(tables, item.table)
		}
	}
	for _, t := range m.InOrder() {
		tables = append(tables, t)
	}
	return tables
}

func tablesOldestFirst(awaiting []tableItem, m *IndexMap) []SearchTable {
	tables := make([]SearchTable, 0, len(awaiting)+m.TableCount())
	for _, t := range m.InReverseOrder() {
		tables = append(tables, t)
	}
	for i := len(awaiting) - 1; i >= 0; i-- {
		if awaiting[i].table != nil {
			tables = append(tables, awaiting[i].table)
		}
	}
	return tables
}

func (ti *TableIndex) readable() error {
	if ti.IndexMap() == nil {
		return fmt.Errorf("%w: table index is not initialized", ErrInvalidArgument)
	}
	return nil
}

// firstEntry returns the first hit of get over tables in the given order.
func firstEntry(tables []SearchTable, get func(SearchTable) (IndexEntry, bool, error)) (IndexEntry, bool, error) {
	for _, t := range tables {
		e, ok, err := get(t)
		if err != nil {
			return InvalidIndexEntry, false, err
		}
		if ok {
			return e, true, nil
		}
	}
	return InvalidIndexEntry, false, nil
}

// TryGetOneValue returns the log position of the given stream version.
func (ti *TableIndex) TryGetOneValue(streamID string, version int64) (int64, bool, error) {
	if err := ti.readable(); err != nil {
		return 0, false, err
	}
	hash := ti.hashes.StreamHash(streamID)

	var position int64
	found, err := ti.retry("one_value", func(awaiting []tableItem, m *IndexMap) (bool, error) {
		for _, t := range tablesNewestFirst(awaiting, m) {
			pos, ok, err := t.TryGetOneValue(hash, version)
			if err != nil {
				return false, err
			}
			if ok {
				position = pos
				return true, nil
			}
		}
		return false, nil
	})
	if !found || err != nil {
		return 0, false, err
	}
	return position, true, nil
}

func (ti *TableIndex) lookupEntry(op string, oldestFirst bool, get func(SearchTable, uint64) (IndexEntry, bool, error), streamID string) (IndexEntry, bool, error) {
	if err := ti.readable(); err != nil {
		return InvalidIndexEntry, false, err
	}
	hash := ti.hashes.StreamHash(streamID)

	var entry IndexEntry
	found, err := ti.retry(op, func(awaiting []tableItem, m *IndexMap) (bool, error) {
		tables := tablesNewestFirst(awaiting, m)
		if oldestFirst {
			tables = tablesOldestFirst(awaiting, m)
		}
		e, ok, err := firstEntry(tables, func(t SearchTable) (IndexEntry, bool, error) {
			return get(t, hash)
		})
		entry = e
		return ok, err
	})
	if !found || err != nil {
		return InvalidIndexEntry, false, err
	}
	return entry, true, nil
}

// TryGetLatestEntry returns the newest entry of a stream.
func (ti *TableIndex) TryGetLatestEntry(streamID string) (IndexEntry, bool, error) {
	return ti.lookupEntry("latest", false, func(t SearchTable, hash uint64) (IndexEntry, bool, error) {
		return t.TryGetLatestEntry(hash)
	}, streamID)
}

// TryGetLatestEntryBefore returns the newest entry of a stream written
// before beforePosition. isForThisStream tells the stream apart from others
// sharing its hash.
func (ti *TableIndex) TryGetLatestEntryBefore(streamID string, beforePosition int64, isForThisStream StreamPredicate) (IndexEntry, bool, error) {
	if isForThisStream == nil {
		return InvalidIndexEntry, false, fmt.Errorf("%w: stream predicate is required", ErrInvalidArgument)
	}
	return ti.lookupEntry("latest_before", false, func(t SearchTable, hash uint64) (IndexEntry, bool, error) {
		return t.TryGetLatestEntryBefore(hash, beforePosition, isForThisStream)
	}, streamID)
}

// TryGetOldestEntry returns the first entry of a stream.
func (ti *TableIndex) TryGetOldestEntry(streamID string) (IndexEntry, bool, error) {
	return ti.lookupEntry("oldest", true, func(t SearchTable, hash uint64) (IndexEntry, bool, error) {
		return t.TryGetOldestEntry(hash)
	}, streamID)
}

// TryGetNextEntry returns the entry with the smallest version greater than
// afterVersion. Older tables hold smaller versions, so they are searched
// first.
func (ti *TableIndex) TryGetNextEntry(streamID string, afterVersion int64) (IndexEntry, bool, error) {
	return ti.lookupEntry("next", true, func(t SearchTable, hash uint64) (IndexEntry, bool, error) {
		return t.TryGetNextEntry(hash, afterVersion)
	}, streamID)
}

// TryGetPreviousEntry returns the entry with the greatest version smaller
// than beforeVersion.
func (ti *TableIndex) TryGetPreviousEntry(streamID string, beforeVersion int64) (IndexEntry, bool, error) {
	return ti.lookupEntry("previous", false, func(t SearchTable, hash uint64) (IndexEntry, bool, error) {
		return t.TryGetPreviousEntry(hash, beforeVersion)
	}, streamID)
}

// GetRange returns the entries of a stream with versions in
// [startVersion, endVersion], newest first, at most limit of them
// (limit <= 0 means no limit). Entries of other streams sharing the hash
// are included; callers filter them.
func (ti *TableIndex) GetRange(streamID string, startVersion, endVersion int64, limit int) ([]IndexEntry, error) {
	if err := ti.readable(); err != nil {
		return nil, err
	}
	if startVersion < 0 || endVersion < 0 {
		return nil, fmt.Errorf("%w: negative version range [%d, %d]", ErrInvalidArgument, startVersion, endVersion)
	}
	hash := ti.hashes.StreamHash(streamID)

	var result []IndexEntry
	_, err := ti.retry("get_range", func(awaiting []tableItem, m *IndexMap) (bool, error) {
		var candidates [][]IndexEntry
		for _, t := range tablesNewestFirst(awaiting, m) {
			entries, err := t.GetRange(hash, startVersion, endVersion, limit)
			if err != nil {
				return false, err
			}
			if len(entries) > 0 {
				candidates = append(candidates, entries)
			}
		}
		result = mergeRanges(candidates, limit)
		return len(result) > 0, nil
	})
	if err != nil {
		return nil, err
	}
	ti.metrics.RangeEntriesScanned.Observe(float64(len(result)))
	return result, nil
}

// mergeRanges merges per-table results, each sorted descending, into one
// descending list. An entry equal to the one before it in stream, version
// and position is dropped.
func mergeRanges(candidates [][]IndexEntry, limit int) []IndexEntry {
	if len(candidates) == 1 {
		return candidates[0]
	}
	heads := make([]int, len(candidates))
	var out []IndexEntry
	last := InvalidIndexEntry
	for limit <= 0 || len(out) < limit {
		best := -1
		for i, c := range candidates {
			if heads[i] >= len(c) {
				continue
			}
			if best < 0 || c[heads[i]].Compare(candidates[best][heads[best]]) > 0 {
				best = i
			}
		}
		if best < 0 {
			break
		}
		e := candidates[best][heads[best]]
		heads[best]++
		if len(out) > 0 && !distinct(e, last) {
			continue
		}
		out = append(out, e)
		last = e
	}
	return slices.Clip(out)
}

func distinct(a, b IndexEntry) bool {
	return a.Stream != b.Stream || a.Version != b.Version || a.Position != b.Position
}
