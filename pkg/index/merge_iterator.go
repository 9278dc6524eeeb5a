package index

import (
	"slices"
)

// cursor is an EntryIterator with one entry of lookahead.
type cursor struct {
	it  EntryIterator
	cur IndexEntry
	ok  bool
}

func (c *cursor) advance() {
	c.cur, c.ok = c.it.Next()
}

// MergeIterator yields the entries of several descending iterators as one
// descending sequence. It is not reusable once exhausted.
type MergeIterator struct {
	cursors []*cursor
	started bool
	err     error
}

// NewMergeIterator merges the given iterators. It takes ownership of them.
func NewMergeIterator(its []EntryIterator) *MergeIterator {
	m := &MergeIterator{cursors: make([]*cursor, 0, len(its))}
	for _, it := range its {
		m.cursors = append(m.cursors, &cursor{it: it})
	}
	return m
}

func (m *MergeIterator) start() {
	m.started = true
	for _, c := range m.cursors {
		c.advance()
		if !c.ok {
			m.checkErr(c)
		}
	}
}

func (m *MergeIterator) checkErr(c *cursor) {
	if err := c.it.Err(); err != nil && m.err == nil {
		m.err = err
	}
}

func (m *MergeIterator) Next() (IndexEntry, bool) {
	if !m.started {
		m.start()
	}
	if m.err != nil {
		return IndexEntry{}, false
	}

	var c *cursor
	if len(m.cursors) == 2 {
		c = m.pickOfTwo()
	} else {
		c = m.pickOfMany()
	}
	if c == nil {
		return IndexEntry{}, false
	}

	e := c.cur
	c.advance()
	if !c.ok {
		m.checkErr(c)
	}
	return e, true
}

func (m *MergeIterator) pickOfTwo() *cursor {
	a, b := m.cursors[0], m.cursors[1]
	switch {
	case a.ok && b.ok:
		if a.cur.Compare(b.cur) >= 0 {
			return a
		}
		return b
	case a.ok:
		return a
	case b.ok:
		return b
	default:
		return nil
	}
}

func (m *MergeIterator) pickOfMany() *cursor {
	var best *cursor
	for _, c := range m.cursors {
		if !c.ok {
			continue
		}
		if best == nil || c.cur.Compare(best.cur) > 0 {
			best = c
		}
	}
	return best
}

func (m *MergeIterator) Err() error { return m.err }

func (m *MergeIterator) Close() error {
	var first error
	for _, c := range m.cursors {
		if err := c.it.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// upgradeIterator rewrites the folded 32-bit hashes of a version 1 table to
// full stream hashes. Entries sharing an old hash can belong to different
// streams, so each run is collected, rehashed and sorted before it is
// yielded. Entries whose event can no longer be read are dropped.
type upgradeIterator struct {
	src         EntryIterator
	readRecord  ReadRecordFunc
	upgradeHash UpgradeHashFunc

	pending    IndexEntry
	hasPending bool
	exhausted  bool

	batch []IndexEntry
	pos   int
	err   error
}

func newUpgradeIterator(src EntryIterator, readRecord ReadRecordFunc, upgradeHash UpgradeHashFunc) *upgradeIterator {
	return &upgradeIterator{src: src, readRecord: readRecord, upgradeHash: upgradeHash}
}

func (it *upgradeIterator) Next() (IndexEntry, bool) {
	for it.pos >= len(it.batch) {
		if it.err != nil || !it.fill() {
			return IndexEntry{}, false
		}
	}
	e := it.batch[it.pos]
	it.pos++
	return e, true
}

// fill collects and rehashes the next run of entries with the same old
// hash. It returns false once the source is exhausted or failed.
func (it *upgradeIterator) fill() bool {
	it.batch = it.batch[:0]
	it.pos = 0

	if !it.hasPending {
		if it.exhausted {
			return false
		}
		e, ok := it.src.Next()
		if !ok {
			it.exhausted = true
			it.err = it.src.Err()
			return false
		}
		it.pending, it.hasPending = e, true
	}

	old := it.pending.Stream
	for {
		e := it.pending
		streamID, ok, err := it.readRecord(e)
		if err != nil {
			it.err = err
			return false
		}
		if ok {
			e.Stream = it.upgradeHash(streamID, old)
			it.batch = append(it.batch, e)
		}

		next, more := it.src.Next()
		if !more {
			it.hasPending = false
			it.exhausted = true
			if it.err = it.src.Err(); it.err != nil {
				return false
			}
			break
		}
		it.pending = next
		if next.Stream != old {
			break
		}
	}

	slices.SortFunc(it.batch, func(a, b IndexEntry) int { return b.Compare(a) })
	return true
}

func (it *upgradeIterator) Err() error { return it.err }
func (it *upgradeIterator) Close() error { return it.src.Close() }
