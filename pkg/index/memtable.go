package index

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// SearchTable is the read surface shared by memtables and table files.
type SearchTable interface {
	ID() uuid.UUID
	Version() byte
	Count() int64

	TryGetOneValue(stream uint64, version int64) (int64, bool, error)
	TryGetLatestEntry(stream uint64) (IndexEntry, bool, error)
	TryGetLatestEntryBefore(stream uint64, beforePosition int64, isForThisStream StreamPredicate) (IndexEntry, bool, error)
	TryGetOldestEntry(stream uint64) (IndexEntry, bool, error)
	TryGetNextEntry(stream uint64, afterVersion int64) (IndexEntry, bool, error)
	TryGetPreviousEntry(stream uint64, beforeVersion int64) (IndexEntry, bool, error)
	GetRange(stream uint64, startVersion, endVersion int64, limit int) ([]IndexEntry, error)
	IterateAllInOrder() EntryIterator
}

// MemTable is the mutable in-memory write buffer.
type MemTable struct {
	id      uuid.UUID
	version byte

	mu      sync.RWMutex
	streams map[uint64]*SortedEntries

	count      atomic.Int64
	converting atomic.Bool
}

// NewMemTable creates an empty memtable whose entries are laid out for the
// given table format version.
func NewMemTable(version byte) *MemTable {
	return &MemTable{
		id:      uuid.New(),
		version: version,
		streams: make(map[uint64]*SortedEntries),
	}
}

func (m *MemTable) ID() uuid.UUID { return m.id }
func (m *MemTable) Version() byte { return m.version }
func (m *MemTable) Count() int64 { return m.count.Load() }

// MarkForConversion claims the memtable for conversion to a table file.
// Only the first caller gets true.
func (m *MemTable) MarkForConversion() bool {
	return m.converting.CompareAndSwap(false, true)
}

func (m *MemTable) hash(stream uint64) uint64 {
	return hashForVersion(stream, m.version)
}

func checkEntry(version, position int64) error {
	if version < 0 {
		return fmt.Errorf("%w: version %d is negative", ErrInvalidArgument, version)
	}
	if position < 0 {
		return fmt.Errorf("%w: position %d is negative", ErrInvalidArgument, position)
	}
	return nil
}

// Add records a single entry.
func (m *MemTable) Add(stream uint64, version, position int64) error {
	return m.AddEntries([]IndexEntry{{Stream: stream, Version: version, Position: position}})
}

// AddEntries records a batch of entries of one stream. Mixing streams in a
// batch is a programming error and panics.
func (m *MemTable) AddEntries(entries []IndexEntry) error {
	if len(entries) == 0 {
		return nil
	}
	stream := entries[0].Stream
	for _, e := range entries {
		if e.Stream != stream {
			panic(fmt.Sprintf("index: memtable batch mixes streams %d and %d", stream, e.Stream))
		}
		if err := checkEntry(e.Version, e.Position); err != nil {
			return err
		}
	}

	hash := m.hash(stream)

	m.mu.Lock()
	defer m.mu.Unlock()

	list, ok := m.streams[hash]
	if !ok {
		list = NewSortedEntries(max(len(entries), 4))
		m.streams[hash] = list
	}
	var added int64
	for _, e := range entries {
		if list.Add(e.Version, e.Position) {
			added++
		}
	}
	m.count.Add(added)
	return nil
}

func (m *MemTable) lookup(stream uint64) (uint64, *SortedEntries, bool) {
	hash := m.hash(stream)
	list, ok := m.streams[hash]
	if !ok || list.Count() == 0 {
		return hash, nil, false
	}
	return hash, list, true
}

// TryGetOneValue returns the position of the given version of a stream.
func (m *MemTable) TryGetOneValue(stream uint64, version int64) (int64, bool, error) {
	if version < 0 {
		return -1, false, fmt.Errorf("%w: version %d is negative", ErrInvalidArgument, version)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	_, list, ok := m.lookup(stream)
	if !ok {
		return -1, false, nil
	}
	pos, found := list.TryGetPosition(version)
	return pos, found, nil
}

// TryGetLatestEntry returns the entry with the highest version.
func (m *MemTable) TryGetLatestEntry(stream uint64) (IndexEntry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hash, list, ok := m.lookup(stream)
	if !ok {
		return InvalidIndexEntry, false, nil
	}
	last := list.Last()
	return IndexEntry{Stream: hash, Version: last.Revision, Position: last.Position}, true, nil
}

// TryGetLatestEntryBefore returns the latest entry of the stream written
// before beforePosition, skipping entries isForThisStream rejects.
func (m *MemTable) TryGetLatestEntryBefore(stream uint64, beforePosition int64, isForThisStream StreamPredicate) (IndexEntry, bool, error) {
	if beforePosition < 0 {
		return InvalidIndexEntry, false, fmt.Errorf("%w: position %d is negative", ErrInvalidArgument, beforePosition)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	hash, list, ok := m.lookup(stream)
	if !ok {
		return InvalidIndexEntry, false, nil
	}
	toEntry := func(e Entry) IndexEntry {
		return IndexEntry{Stream: hash, Version: e.Revision, Position: e.Position}
	}

	var predErr error
	keepGoing := func(e Entry) bool {
		ok, err := isForThisStream(toEntry(e))
		if err != nil {
			predErr = err
			return false
		}
		return ok
	}

	i, completed := list.PositionUpperBound(beforePosition, keepGoing)
	if predErr != nil {
		return InvalidIndexEntry, false, predErr
	}
	if completed {
		if i < 0 {
			return InvalidIndexEntry, false, nil
		}
		return toEntry(list.At(i)), true, nil
	}

	// hash collision: positions are no longer ordered, scan everything
	best := -1
	for i, e := range list.Entries() {
		if e.Position >= beforePosition {
			continue
		}
		if best >= 0 && e.Position <= list.At(best).Position {
			continue
		}
		ok, err := isForThisStream(toEntry(e))
		if err != nil {
			return InvalidIndexEntry, false, err
		}
		if ok {
			best = i
		}
	}
	if best < 0 {
		return InvalidIndexEntry, false, nil
	}
	return toEntry(list.At(best)), true, nil
}

// TryGetOldestEntry returns the entry with the lowest version.
func (m *MemTable) TryGetOldestEntry(stream uint64) (IndexEntry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hash, list, ok := m.lookup(stream)
	if !ok {
		return InvalidIndexEntry, false, nil
	}
	first := list.First()
	return IndexEntry{Stream: hash, Version: first.Revision, Position: first.Position}, true, nil
}

// TryGetNextEntry returns the first entry with a version above afterVersion.
func (m *MemTable) TryGetNextEntry(stream uint64, afterVersion int64) (IndexEntry, bool, error) {
	if afterVersion < 0 {
		return InvalidIndexEntry, false, fmt.Errorf("%w: version %d is negative", ErrInvalidArgument, afterVersion)
	}
	if afterVersion >= maxVersion {
		return InvalidIndexEntry, false, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	hash, list, ok := m.lookup(stream)
	if !ok {
		return InvalidIndexEntry, false, nil
	}
	e, found := list.ClosestGreaterOrEqualEntry(afterVersion+1, 0)
	if !found {
		return InvalidIndexEntry, false, nil
	}
	return IndexEntry{Stream: hash, Version: e.Revision, Position: e.Position}, true, nil
}

// TryGetPreviousEntry returns the last entry with a version below beforeVersion.
func (m *MemTable) TryGetPreviousEntry(stream uint64, beforeVersion int64) (IndexEntry, bool, error) {
	if beforeVersion < 0 {
		return InvalidIndexEntry, false, fmt.Errorf("%w: version %d is negative", ErrInvalidArgument, beforeVersion)
	}
	if beforeVersion == 0 {
		return InvalidIndexEntry, false, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	hash, list, ok := m.lookup(stream)
	if !ok {
		return InvalidIndexEntry, false, nil
	}
	e, found := list.ClosestLowerOrEqualEntry(beforeVersion-1, maxPosition)
	if !found {
		return InvalidIndexEntry, false, nil
	}
	return IndexEntry{Stream: hash, Version: e.Revision, Position: e.Position}, true, nil
}

// GetRange returns the entries with versions in [startVersion, endVersion],
// newest first. A limit of zero or less means no limit.
func (m *MemTable) GetRange(stream uint64, startVersion, endVersion int64, limit int) ([]IndexEntry, error) {
	if startVersion < 0 {
		return nil, fmt.Errorf("%w: start version %d is negative", ErrInvalidArgument, startVersion)
	}
	if endVersion < 0 {
		return nil, fmt.Errorf("%w: end version %d is negative", ErrInvalidArgument, endVersion)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	hash, list, ok := m.lookup(stream)
	if !ok {
		return nil, nil
	}

	var result []IndexEntry
	entries := list.Entries()
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.Revision > endVersion {
			continue
		}
		if e.Revision < startVersion {
			break
		}
		result = append(result, IndexEntry{Stream: hash, Version: e.Revision, Position: e.Position})
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// IterateAllInOrder returns a snapshot iterator in table order: stream hash
// descending, then newest to oldest within each stream.
func (m *MemTable) IterateAllInOrder() EntryIterator {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hashes := make([]uint64, 0, len(m.streams))
	for h := range m.streams {
		hashes = append(hashes, h)
	}
	slices.SortFunc(hashes, func(a, b uint64) int { return cmp.Compare(b, a) })

	out := make([]IndexEntry, 0, m.count.Load())
	for _, h := range hashes {
		entries := m.streams[h].Entries()
		for i := len(entries) - 1; i >= 0; i-- {
			out = append(out, IndexEntry{Stream: h, Version: entries[i].Revision, Position: entries[i].Position})
		}
	}
	return newSliceIterator(out)
}

// Clear drops every entry.
func (m *MemTable) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.streams = make(map[uint64]*SortedEntries)
	m.count.Store(0)
}
