// Package index implements the secondary index of an append-only event log.
// It maps (stream hash, event version) to the log position of the event,
// using an in-memory write buffer, immutable sorted table files and a
// leveled manifest that merges them in the background.
package index

import (
	"cmp"
	"fmt"
	"math"
)

// IndexEntry is one index record: the event with the given version of the
// stream with the given hash lives at Position in the log.
type IndexEntry struct {
	Stream   uint64
	Version  int64
	Position int64
}

// InvalidIndexEntry is returned alongside false from failed lookups.
var InvalidIndexEntry = IndexEntry{Stream: 0, Version: -1, Position: -1}

// Key returns the (stream, version) part of the entry.
func (e IndexEntry) Key() IndexEntryKey {
	return IndexEntryKey{Stream: e.Stream, Version: e.Version}
}

// Compare orders entries by stream, then version, then position.
func (e IndexEntry) Compare(o IndexEntry) int {
	if c := cmp.Compare(e.Stream, o.Stream); c != 0 {
		return c
	}
	if c := cmp.Compare(e.Version, o.Version); c != 0 {
		return c
	}
	return cmp.Compare(e.Position, o.Position)
}

func (e IndexEntry) String() string {
	return fmt.Sprintf("stream: %d, version: %d, position: %d", e.Stream, e.Version, e.Position)
}

// IndexEntryKey is the (stream, version) pair table files are sorted by.
type IndexEntryKey struct {
	Stream  uint64
	Version int64
}

var (
	// maxKey sorts after every real key.
	maxKey = IndexEntryKey{Stream: math.MaxUint64, Version: math.MaxInt64}
	// minKey sorts before every real key.
	minKey = IndexEntryKey{Stream: 0, Version: math.MinInt64}
)

func (k IndexEntryKey) Compare(o IndexEntryKey) int {
	if c := cmp.Compare(k.Stream, o.Stream); c != 0 {
		return c
	}
	return cmp.Compare(k.Version, o.Version)
}

func (k IndexEntryKey) GreaterThan(o IndexEntryKey) bool { return k.Compare(o) > 0 }
func (k IndexEntryKey) SmallerThan(o IndexEntryKey) bool { return k.Compare(o) < 0 }
func (k IndexEntryKey) GreaterEqualsThan(o IndexEntryKey) bool { return k.Compare(o) >= 0 }
func (k IndexEntryKey) SmallerEqualsThan(o IndexEntryKey) bool { return k.Compare(o) <= 0 }

func (k IndexEntryKey) String() string {
	return fmt.Sprintf("stream: %d, version: %d", k.Stream, k.Version)
}

// StreamPredicate reports whether an entry really belongs to the stream being
// looked up. Two streams can share a hash, so callers resolve the entry
// against the log to tell them apart.
type StreamPredicate func(IndexEntry) (bool, error)

// hashForVersion folds a full stream hash the way a table of the given
// format stores it. Version 1 tables only kept the upper 32 bits.
func hashForVersion(stream uint64, version byte) uint64 {
	if version == PTableVersion1 {
		return stream >> 32
	}
	return stream
}
