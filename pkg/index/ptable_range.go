package index

import (
	"bufio"
	"fmt"
	"io"
)

const rangeBufferSize = 4096

// GetRange returns the entries of the stream with versions in
// [startVersion, endVersion], newest first. A limit of zero or less means
// no limit.
func (t *PTable) GetRange(stream uint64, startVersion, endVersion int64, limit int) ([]IndexEntry, error) {
	if startVersion < 0 {
		return nil, fmt.Errorf("%w: start version %d is negative", ErrInvalidArgument, startVersion)
	}
	if endVersion < 0 {
		return nil, fmt.Errorf("%w: end version %d is negative", ErrInvalidArgument, endVersion)
	}

	hash := t.hash(stream)

	var (
		result []IndexEntry
		err    error
	)
	if t.boundsCache == nil {
		if !t.mightContainStream(hash) {
			return nil, nil
		}
		result, err = t.positionAndReadForward(hash, startVersion, endVersion, limit, -1)
	} else {
		var (
			v     cacheEntry
			found bool
		)
		v, found, err = t.lookThroughLRU(hash)
		if err != nil || !found {
			return nil, err
		}
		if !(startVersion <= v.LatestVersion && v.OldestVersion <= endVersion) {
			return nil, nil
		}
		if endVersion >= v.LatestVersion {
			result, err = t.positionAndReadForward(hash, startVersion, endVersion, limit, v.LatestOffset)
		} else {
			result, err = t.positionAndReadForward(hash, startVersion, endVersion, limit, -1)
		}
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// positionAndReadForward finds the newest entry within the range, or starts
// at the known offset when one is given, and reads towards older entries.
func (t *PTable) positionAndReadForward(hash uint64, startVersion, endVersion int64, limit int, offset int64) ([]IndexEntry, error) {
	startKey := IndexEntryKey{Stream: hash, Version: startVersion}
	endKey := IndexEntryKey{Stream: hash, Version: endVersion}
	if startKey.GreaterThan(t.maxKey) || endKey.SmallerThan(t.minKey) {
		return nil, nil
	}

	h, err := t.acquire()
	if err != nil {
		return nil, err
	}
	defer t.pool.release(h)

	high := offset
	if high < 0 {
		if high, err = t.chopForLatest(h, endKey); err != nil {
			return nil, err
		}
	}
	return t.readForward(h, high, startKey, endKey, limit)
}

func (t *PTable) readForward(h *fileHandle, from int64, startKey, endKey IndexEntryKey, limit int) ([]IndexEntry, error) {
	es := int64(t.entrySize)
	section := io.NewSectionReader(h.file, headerSize+from*es, (t.count-from)*es)
	r := bufio.NewReaderSize(section, rangeBufferSize)
	buf := make([]byte, t.entrySize)

	var result []IndexEntry
	for i := from; i < t.count; i++ {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, NewError("read").PTable(t.path).Context("entry %d", i).Cause(err).Err()
		}
		e := readEntry(buf, t.version)
		k := e.Key()
		if k.GreaterThan(endKey) {
			return nil, maybeCorruptf(t.path, "entry %s > end key %s while reading a range", describeKey(k), describeKey(endKey))
		}
		if k.SmallerThan(startKey) {
			break
		}
		result = append(result, e)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// IterateAllInOrder reads the whole table sequentially. The iterator holds
// a file handle until it is exhausted or closed.
func (t *PTable) IterateAllInOrder() EntryIterator {
	return &ptableIterator{table: t}
}

type ptableIterator struct {
	table *PTable
	h     *fileHandle
	r     *bufio.Reader
	buf   []byte
	next  int64
	done  bool
	err   error
}

func (it *ptableIterator) Next() (IndexEntry, bool) {
	if it.done {
		return IndexEntry{}, false
	}
	t := it.table
	if it.h == nil {
		if t.count == 0 {
			it.done = true
			return IndexEntry{}, false
		}
		h, err := t.acquire()
		if err != nil {
			it.err = err
			it.done = true
			return IndexEntry{}, false
		}
		it.h = h
		it.r = bufio.NewReaderSize(io.NewSectionReader(h.file, headerSize, t.count*int64(t.entrySize)), sequentialBufferSize)
		it.buf = make([]byte, t.entrySize)
	}
	if it.next >= t.count {
		it.release()
		return IndexEntry{}, false
	}
	if _, err := io.ReadFull(it.r, it.buf); err != nil {
		it.err = NewError("read").PTable(t.path).Context("entry %d", it.next).Cause(err).Err()
		it.release()
		return IndexEntry{}, false
	}
	it.next++
	return readEntry(it.buf, t.version), true
}

func (it *ptableIterator) release() {
	it.done = true
	if it.h != nil {
		it.table.pool.release(it.h)
		it.h = nil
	}
}

func (it *ptableIterator) Err() error { return it.err }

func (it *ptableIterator) Close() error {
	it.release()
	return nil
}
