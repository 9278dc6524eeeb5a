package index

// EntryIterator is a pull iterator over index entries in table order:
// stream hash descending, then version and position descending.
type EntryIterator interface {
	// Next returns the next entry, or false once the iterator is exhausted
	// or failed. Check Err after a false return.
	Next() (IndexEntry, bool)
	Err() error
	Close() error
}

// sliceIterator iterates a snapshot held in memory.
type sliceIterator struct {
	entries []IndexEntry
	pos     int
}

func newSliceIterator(entries []IndexEntry) *sliceIterator {
	return &sliceIterator{entries: entries}
}

func (it *sliceIterator) Next() (IndexEntry, bool) {
	if it.pos >= len(it.entries) {
		return IndexEntry{}, false
	}
	e := it.entries[it.pos]
	it.pos++
	return e, true
}

func (it *sliceIterator) Err() error { return nil }
func (it *sliceIterator) Close() error { return nil }

// collect drains an iterator into a slice.
func collect(it EntryIterator) ([]IndexEntry, error) {
	defer it.Close()

	var out []IndexEntry
	for {
		e, ok := it.Next()
		if !ok {
			break
		}
		out = append(out, e)
	}
	return out, it.Err()
}
