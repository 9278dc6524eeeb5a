package index

import "cmp"

// Entry is a (revision, position) pair of a single stream hash.
type Entry struct {
	Revision int64
	Position int64
}

func (e Entry) compare(o Entry) int {
	if c := cmp.Compare(e.Revision, o.Revision); c != 0 {
		return c
	}
	return cmp.Compare(e.Position, o.Position)
}

// SortedEntries keeps the entries of one stream hash sorted ascending by
// (revision, position). Events are normally appended in order, so Add is an
// append in the common case.
type SortedEntries struct {
	entries []Entry
}

// NewSortedEntries creates an empty buffer with room for capacity entries.
func NewSortedEntries(capacity int) *SortedEntries {
	return &SortedEntries{entries: make([]Entry, 0, capacity)}
}

// Count returns the number of entries.
func (s *SortedEntries) Count() int {
	return len(s.entries)
}

// Add inserts an entry keeping the buffer sorted and reports whether it was
// stored. Adding an exact copy of the current maximum is a no-op.
func (s *SortedEntries) Add(revision, position int64) bool {
	e := Entry{Revision: revision, Position: position}
	n := len(s.entries)
	if n == 0 {
		s.entries = append(s.entries, e)
		return true
	}

	switch c := e.compare(s.entries[n-1]); {
	case c == 0:
		return false
	case c > 0:
		s.entries = append(s.entries, e)
		return true
	}

	// first index whose entry is greater than e
	low, high := 0, n-1
	for low < high {
		mid := low + (high-low)/2
		if s.entries[mid].compare(e) <= 0 {
			low = mid + 1
		} else {
			high = mid
		}
	}

	s.entries = append(s.entries, Entry{})
	copy(s.entries[low+1:], s.entries[low:n])
	s.entries[low] = e
	return true
}

// At returns the entry at index i.
func (s *SortedEntries) At(i int) Entry {
	return s.entries[i]
}

// First returns the smallest entry. Callers must check Count first.
func (s *SortedEntries) First() Entry {
	return s.entries[0]
}

// Last returns the largest entry. Callers must check Count first.
func (s *SortedEntries) Last() Entry {
	return s.entries[len(s.entries)-1]
}

// Entries returns the sorted entries. The slice must not be modified.
func (s *SortedEntries) Entries() []Entry {
	return s.entries
}

// lastLowerOrEqual returns the index of the last entry <= e, or -1.
func (s *SortedEntries) lastLowerOrEqual(e Entry) int {
	low, high := 0, len(s.entries)-1
	for low <= high {
		mid := low + (high-low)/2
		if s.entries[mid].compare(e) <= 0 {
			low = mid + 1
		} else {
			high = mid - 1
		}
	}
	return high
}

// firstGreaterOrEqual returns the index of the first entry >= e, or Count.
func (s *SortedEntries) firstGreaterOrEqual(e Entry) int {
	low, high := 0, len(s.entries)
	for low < high {
		mid := low + (high-low)/2
		if s.entries[mid].compare(e) < 0 {
			low = mid + 1
		} else {
			high = mid
		}
	}
	return low
}

// TryGetPosition returns the position recorded for revision. When the
// revision was written more than once the largest position wins.
func (s *SortedEntries) TryGetPosition(revision int64) (int64, bool) {
	i := s.lastLowerOrEqual(Entry{Revision: revision, Position: maxPosition})
	if i < 0 || s.entries[i].Revision != revision {
		return -1, false
	}
	return s.entries[i].Position, true
}

// ClosestGreaterOrEqualEntry returns the smallest entry that is >= (revision, position).
func (s *SortedEntries) ClosestGreaterOrEqualEntry(revision, position int64) (Entry, bool) {
	i := s.firstGreaterOrEqual(Entry{Revision: revision, Position: position})
	if i >= len(s.entries) {
		return Entry{}, false
	}
	return s.entries[i], true
}

// ClosestLowerOrEqualEntry returns the largest entry that is <= (revision, position).
func (s *SortedEntries) ClosestLowerOrEqualEntry(revision, position int64) (Entry, bool) {
	i := s.lastLowerOrEqual(Entry{Revision: revision, Position: position})
	if i < 0 {
		return Entry{}, false
	}
	return s.entries[i], true
}

// PositionUpperBound returns the index of the last entry whose position is
// below position, or -1 when there is none. The search assumes positions
// grow with revision, which only holds while every probed entry belongs to
// the same stream: keepGoing is called on each probe and a false return
// aborts the search with completed set to false.
func (s *SortedEntries) PositionUpperBound(position int64, keepGoing func(Entry) bool) (index int, completed bool) {
	if len(s.entries) == 0 {
		return -1, true
	}

	low, high := 0, len(s.entries)-1
	for low < high {
		mid := low + (high-low+1)/2
		e := s.entries[mid]
		if !keepGoing(e) {
			return -1, false
		}
		if e.Position < position {
			low = mid
		} else {
			high = mid - 1
		}
	}

	e := s.entries[low]
	if !keepGoing(e) {
		return -1, false
	}
	if e.Position >= position {
		return -1, true
	}
	return low, true
}
