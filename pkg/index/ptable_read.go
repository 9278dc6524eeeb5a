package index

import (
	"errors"
	"fmt"
)

// errHashCollision switches the bounded latest lookup to a linear scan.
var errHashCollision = errors.New("hash collision")

func (t *PTable) hash(stream uint64) uint64 {
	return hashForVersion(stream, t.version)
}

func (t *PTable) acquire() (*fileHandle, error) {
	h, err := t.pool.get()
	if errors.Is(err, ErrHandlePoolExhausted) {
		t.metrics.HandlePoolExhausted.Inc()
	}
	return h, err
}

func (t *PTable) readRecord(h *fileHandle, index int64) (IndexEntry, error) {
	b, err := h.readAt(headerSize+index*int64(t.entrySize), t.entrySize)
	if err != nil {
		return IndexEntry{}, NewError("read").PTable(t.path).Context("entry %d", index).Cause(err).Err()
	}
	return readEntry(b, t.version), nil
}

func (t *PTable) readRecordAt(index int64) (IndexEntry, error) {
	h, err := t.acquire()
	if err != nil {
		return IndexEntry{}, err
	}
	defer t.pool.release(h)
	return t.readRecord(h, index)
}

func (t *PTable) mightContainStream(hash uint64) bool {
	if t.bloom == nil {
		return true
	}
	if !t.bloom.MayContainStream(hash) {
		t.metrics.BloomNegativesTotal.Inc()
		return false
	}
	return true
}

// MightContainStream checks the bloom filter. Without one every stream might
// be present.
func (t *PTable) MightContainStream(stream uint64) bool {
	return t.mightContainStream(t.hash(stream))
}

// locateRecordRange narrows [0, count) using the midpoints. It returns the
// record range plus the keys at its ends, which every probe inside the range
// must lie between.
func (t *PTable) locateRecordRange(lowKey, highKey IndexEntryKey) (low, high int64, lowOut, highOut IndexEntryKey) {
	if len(t.midpoints) == 0 {
		return 0, t.count - 1, maxKey, minKey
	}
	l := lowerMidpointBound(t.midpoints, lowKey)
	u := upperMidpointBound(t.midpoints, highKey)
	return t.midpoints[l].ItemIndex, t.midpoints[u].ItemIndex, t.midpoints[l].Key, t.midpoints[u].Key
}

// lowerMidpointBound returns the last midpoint whose key is greater than key
// (or 0).
func lowerMidpointBound(mids []Midpoint, key IndexEntryKey) int {
	l, r := 0, len(mids)-1
	for l < r {
		m := l + (r-l+1)/2
		if mids[m].Key.GreaterThan(key) {
			l = m
		} else {
			r = m - 1
		}
	}
	return l
}

// upperMidpointBound returns the first midpoint whose key is smaller than key
// (or the last one).
func upperMidpointBound(mids []Midpoint, key IndexEntryKey) int {
	l, r := 0, len(mids)-1
	for l < r {
		m := l + (r-l)/2
		if mids[m].Key.SmallerThan(key) {
			r = m
		} else {
			l = m + 1
		}
	}
	return r
}

func (t *PTable) checkBounds(k, lowCheck, highCheck IndexEntryKey) error {
	if k.GreaterThan(lowCheck) {
		return maybeCorruptf(t.path, "midpoint key %s > low bounds check key %s", describeKey(k), describeKey(lowCheck))
	}
	if !k.GreaterEqualsThan(highCheck) {
		return maybeCorruptf(t.path, "midpoint key %s < high bounds check key %s", describeKey(k), describeKey(highCheck))
	}
	return nil
}

// chopForLatest returns the index of the first record whose key is <= endKey.
func (t *PTable) chopForLatest(h *fileHandle, endKey IndexEntryKey) (int64, error) {
	low, high, lowCheck, highCheck := t.locateRecordRange(endKey, endKey)
	for low < high {
		mid := low + (high-low)/2
		e, err := t.readRecord(h, mid)
		if err != nil {
			return 0, err
		}
		k := e.Key()
		if err := t.checkBounds(k, lowCheck, highCheck); err != nil {
			return 0, err
		}
		if k.GreaterThan(endKey) {
			low = mid + 1
			lowCheck = k
		} else {
			high = mid
			highCheck = k
		}
	}
	return high, nil
}

// chopForOldest returns the index of the last record whose key is >= startKey.
func (t *PTable) chopForOldest(h *fileHandle, startKey IndexEntryKey) (int64, error) {
	low, high, lowCheck, highCheck := t.locateRecordRange(startKey, startKey)
	for low < high {
		mid := low + (high-low+1)/2
		e, err := t.readRecord(h, mid)
		if err != nil {
			return 0, err
		}
		k := e.Key()
		if err := t.checkBounds(k, lowCheck, highCheck); err != nil {
			return 0, err
		}
		if k.SmallerThan(startKey) {
			high = mid - 1
			highCheck = k
		} else {
			low = mid
			lowCheck = k
		}
	}
	return high, nil
}

// trySearchForLatest finds the newest entry of hash with a version in
// [start, end] and returns it with its record index.
func (t *PTable) trySearchForLatest(hash uint64, start, end int64) (IndexEntry, int64, bool, error) {
	startKey := IndexEntryKey{Stream: hash, Version: start}
	endKey := IndexEntryKey{Stream: hash, Version: end}
	if startKey.GreaterThan(t.maxKey) || endKey.SmallerThan(t.minKey) {
		return InvalidIndexEntry, 0, false, nil
	}

	h, err := t.acquire()
	if err != nil {
		return InvalidIndexEntry, 0, false, err
	}
	defer t.pool.release(h)

	high, err := t.chopForLatest(h, endKey)
	if err != nil {
		return InvalidIndexEntry, 0, false, err
	}
	e, err := t.readRecord(h, high)
	if err != nil {
		return InvalidIndexEntry, 0, false, err
	}
	k := e.Key()
	if k.GreaterThan(endKey) {
		return InvalidIndexEntry, 0, false, maybeCorruptf(t.path,
			"candidate %s > end key %s, start %d, end %d", describeKey(k), describeKey(endKey), start, end)
	}
	if k.SmallerThan(startKey) {
		return InvalidIndexEntry, 0, false, nil
	}
	return e, high, true, nil
}

// trySearchForOldest finds the oldest entry of hash with a version in
// [start, end] and returns it with its record index.
func (t *PTable) trySearchForOldest(hash uint64, start, end int64) (IndexEntry, int64, bool, error) {
	startKey := IndexEntryKey{Stream: hash, Version: start}
	endKey := IndexEntryKey{Stream: hash, Version: end}
	if startKey.GreaterThan(t.maxKey) || endKey.SmallerThan(t.minKey) {
		return InvalidIndexEntry, 0, false, nil
	}

	h, err := t.acquire()
	if err != nil {
		return InvalidIndexEntry, 0, false, err
	}
	defer t.pool.release(h)

	high, err := t.chopForOldest(h, startKey)
	if err != nil {
		return InvalidIndexEntry, 0, false, err
	}
	e, err := t.readRecord(h, high)
	if err != nil {
		return InvalidIndexEntry, 0, false, err
	}
	k := e.Key()
	if k.SmallerThan(startKey) {
		return InvalidIndexEntry, 0, false, maybeCorruptf(t.path,
			"candidate %s < start key %s, start %d, end %d", describeKey(k), describeKey(startKey), start, end)
	}
	if k.GreaterThan(endKey) {
		return InvalidIndexEntry, 0, false, nil
	}
	return e, high, true, nil
}

// lookThroughLRU returns the cached bounds of a stream, searching for and
// caching them on a miss. A stream known to be absent is remembered too.
func (t *PTable) lookThroughLRU(hash uint64) (cacheEntry, bool, error) {
	if v, ok := t.boundsCache.Get(hash); ok {
		t.metrics.RecordCache("bounds", true)
		return v, true, nil
	}
	t.metrics.RecordCache("bounds", false)

	if !t.mightContainStream(hash) {
		return cacheEntry{}, false, nil
	}
	if _, ok := t.absentCache.Get(hash); ok {
		t.metrics.RecordCache("absent", true)
		return cacheEntry{}, false, nil
	}
	t.metrics.RecordCache("absent", false)

	latest, latestOffset, found, err := t.trySearchForLatest(hash, 0, maxVersion)
	if err != nil {
		return cacheEntry{}, false, err
	}
	if found {
		oldest, oldestOffset, found, err := t.trySearchForOldest(hash, 0, maxVersion)
		if err != nil {
			return cacheEntry{}, false, err
		}
		if found {
			v := cacheEntry{
				OldestVersion: oldest.Version,
				LatestVersion: latest.Version,
				OldestOffset:  oldestOffset,
				LatestOffset:  latestOffset,
			}
			t.boundsCache.Put(hash, v)
			return v, true, nil
		}
	}

	// bloom filter false positive
	t.absentCache.Put(hash, struct{}{})
	return cacheEntry{}, false, nil
}

// TryGetOneValue returns the position of the given version of a stream.
func (t *PTable) TryGetOneValue(stream uint64, version int64) (int64, bool, error) {
	if version < 0 {
		return -1, false, fmt.Errorf("%w: version %d is negative", ErrInvalidArgument, version)
	}
	hash := t.hash(stream)
	if !t.mightContainStream(hash) {
		return -1, false, nil
	}
	e, _, found, err := t.trySearchForLatest(hash, version, version)
	if err != nil || !found {
		return -1, false, err
	}
	return e.Position, true, nil
}

// TryGetLatestEntry returns the entry with the highest version.
func (t *PTable) TryGetLatestEntry(stream uint64) (IndexEntry, bool, error) {
	hash := t.hash(stream)
	if t.boundsCache == nil {
		if !t.mightContainStream(hash) {
			return InvalidIndexEntry, false, nil
		}
		e, _, found, err := t.trySearchForLatest(hash, 0, maxVersion)
		return e, found, err
	}

	v, found, err := t.lookThroughLRU(hash)
	if err != nil || !found {
		return InvalidIndexEntry, false, err
	}
	e, err := t.readRecordAt(v.LatestOffset)
	if err != nil {
		return InvalidIndexEntry, false, err
	}
	return e, true, nil
}

// TryGetOldestEntry returns the entry with the lowest version.
func (t *PTable) TryGetOldestEntry(stream uint64) (IndexEntry, bool, error) {
	hash := t.hash(stream)
	if t.boundsCache == nil {
		if !t.mightContainStream(hash) {
			return InvalidIndexEntry, false, nil
		}
		e, _, found, err := t.trySearchForOldest(hash, 0, maxVersion)
		return e, found, err
	}

	v, found, err := t.lookThroughLRU(hash)
	if err != nil || !found {
		return InvalidIndexEntry, false, err
	}
	e, err := t.readRecordAt(v.OldestOffset)
	if err != nil {
		return InvalidIndexEntry, false, err
	}
	return e, true, nil
}

// TryGetNextEntry returns the first entry with a version above afterVersion.
func (t *PTable) TryGetNextEntry(stream uint64, afterVersion int64) (IndexEntry, bool, error) {
	if afterVersion < 0 {
		return InvalidIndexEntry, false, fmt.Errorf("%w: version %d is negative", ErrInvalidArgument, afterVersion)
	}
	hash := t.hash(stream)
	if afterVersion >= maxVersion || !t.mightContainStream(hash) {
		return InvalidIndexEntry, false, nil
	}
	e, _, found, err := t.trySearchForOldest(hash, afterVersion+1, maxVersion)
	return e, found, err
}

// TryGetPreviousEntry returns the last entry with a version below beforeVersion.
func (t *PTable) TryGetPreviousEntry(stream uint64, beforeVersion int64) (IndexEntry, bool, error) {
	hash := t.hash(stream)
	if beforeVersion <= 0 || !t.mightContainStream(hash) {
		return InvalidIndexEntry, false, nil
	}
	e, _, found, err := t.trySearchForLatest(hash, 0, beforeVersion-1)
	return e, found, err
}

// TryGetLatestEntryBefore returns the entry of the stream with the highest
// position below beforePosition. isForThisStream tells entries of the stream
// apart from entries of other streams with the same hash.
func (t *PTable) TryGetLatestEntryBefore(stream uint64, beforePosition int64, isForThisStream StreamPredicate) (IndexEntry, bool, error) {
	if beforePosition < 0 {
		return InvalidIndexEntry, false, fmt.Errorf("%w: position %d is negative", ErrInvalidArgument, beforePosition)
	}
	hash := t.hash(stream)
	startKey := IndexEntryKey{Stream: hash, Version: 0}
	endKey := IndexEntryKey{Stream: hash, Version: maxVersion}
	if startKey.GreaterThan(t.maxKey) || endKey.SmallerThan(t.minKey) {
		return InvalidIndexEntry, false, nil
	}
	if !t.mightContainStream(hash) {
		return InvalidIndexEntry, false, nil
	}

	h, err := t.acquire()
	if err != nil {
		return InvalidIndexEntry, false, err
	}
	defer t.pool.release(h)

	low, high, lowCheck, highCheck := t.locateRecordRange(endKey, startKey)

	e, found, err := t.latestBeforeFast(h, hash, beforePosition, isForThisStream, low, high, lowCheck, highCheck)
	if errors.Is(err, errHashCollision) {
		return t.latestBeforeSlow(h, hash, beforePosition, isForThisStream, low, high, lowCheck, highCheck)
	}
	return e, found, err
}

// latestBeforeFast binary searches on position, assuming every probed entry
// with the right hash belongs to the stream.
func (t *PTable) latestBeforeFast(h *fileHandle, hash uint64, before int64, isForThisStream StreamPredicate,
	low, high int64, lowCheck, highCheck IndexEntryKey) (IndexEntry, bool, error) {

	startKey := IndexEntryKey{Stream: hash, Version: 0}
	endKey := IndexEntryKey{Stream: hash, Version: maxVersion}

	for low < high {
		mid := low + (high-low)/2
		e, err := t.readRecord(h, mid)
		if err != nil {
			return InvalidIndexEntry, false, err
		}
		k := e.Key()
		if k.GreaterThan(lowCheck) {
			return InvalidIndexEntry, false, maybeCorruptf(t.path,
				"midpoint key %s > low bounds check key %s", describeKey(k), describeKey(lowCheck))
		}
		if k.SmallerThan(highCheck) {
			return InvalidIndexEntry, false, maybeCorruptf(t.path,
				"midpoint key %s < high bounds check key %s", describeKey(k), describeKey(highCheck))
		}

		if k.Stream != hash {
			switch {
			case k.GreaterThan(endKey):
				low = mid + 1
				lowCheck = k
			case k.SmallerThan(startKey):
				high = mid - 1
				highCheck = k
			default:
				return InvalidIndexEntry, false, maybeCorruptf(t.path,
					"midpoint key %s is within stream %#x bounds but the hashes do not match", describeKey(k), hash)
			}
			continue
		}

		ok, err := isForThisStream(e)
		if err != nil {
			return InvalidIndexEntry, false, err
		}
		if !ok {
			return InvalidIndexEntry, false, errHashCollision
		}

		if e.Position >= before {
			low = mid + 1
			lowCheck = k
		} else {
			high = mid
			highCheck = k
		}
	}

	if high < 0 {
		return InvalidIndexEntry, false, nil
	}
	e, err := t.readRecord(h, high)
	if err != nil {
		return InvalidIndexEntry, false, err
	}
	if e.Stream != hash {
		return InvalidIndexEntry, false, nil
	}
	ok, err := isForThisStream(e)
	if err != nil {
		return InvalidIndexEntry, false, err
	}
	if !ok {
		return InvalidIndexEntry, false, errHashCollision
	}
	if e.Position >= before {
		return InvalidIndexEntry, false, nil
	}
	return e, true, nil
}

// latestBeforeSlow scans the whole range for the entry of the stream with
// the greatest position below before.
func (t *PTable) latestBeforeSlow(h *fileHandle, hash uint64, before int64, isForThisStream StreamPredicate,
	low, high int64, lowCheck, highCheck IndexEntryKey) (IndexEntry, bool, error) {

	best := InvalidIndexEntry
	found := false
	for i := low; i <= high; i++ {
		e, err := t.readRecord(h, i)
		if err != nil {
			return InvalidIndexEntry, false, err
		}
		k := e.Key()
		if k.GreaterThan(lowCheck) {
			return InvalidIndexEntry, false, maybeCorruptf(t.path,
				"candidate key %s > low bounds check key %s", describeKey(k), describeKey(lowCheck))
		}
		if k.SmallerThan(highCheck) {
			return InvalidIndexEntry, false, maybeCorruptf(t.path,
				"candidate key %s < high bounds check key %s", describeKey(k), describeKey(highCheck))
		}

		if e.Stream != hash || e.Position >= before || (found && e.Position <= best.Position) {
			continue
		}
		ok, err := isForThisStream(e)
		if err != nil {
			return InvalidIndexEntry, false, err
		}
		if ok {
			best = e
			found = true
		}
	}
	return best, found, nil
}
