package index

import (
	"bufio"
	"bytes"
	"crypto/md5"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/dd0wney/cluso-index/pkg/logging"
	"github.com/dd0wney/cluso-index/pkg/metrics"
	"github.com/google/uuid"
)

// PTable is an immutable sorted table file. Entries are stored descending by
// (stream hash, version, position), so the newest event of a stream comes
// first.
type PTable struct {
	id        uuid.UUID
	path      string
	version   byte
	entrySize int
	size      int64
	count     int64

	minKey IndexEntryKey
	maxKey IndexEntryKey

	midpoints []Midpoint
	bloom     *BloomFilter

	// both nil unless a bloom filter is present
	boundsCache *lruCache[uint64, cacheEntry]
	absentCache *lruCache[uint64, struct{}]

	pool *handlePool

	logger  logging.Logger
	metrics *metrics.Registry
}

// OpenPTable opens and validates the table file at path.
func OpenPTable(path string, id uuid.UUID, opts PTableOptions) (*PTable, error) {
	opts = opts.withDefaults()
	start := time.Now()

	t, err := openPTable(path, id, opts)
	if err != nil {
		if errors.Is(err, ErrCorruptIndex) {
			opts.Metrics.CorruptIndexTotal.Inc()
		}
		return nil, err
	}

	opts.Metrics.OpenTables.Inc()
	opts.Metrics.TableOpenDuration.Observe(time.Since(start).Seconds())
	t.logger.Debug("opened ptable",
		logging.Count(int(t.count)),
		logging.Version(t.version),
		logging.Int("midpoints", len(t.midpoints)),
		logging.Bool("verified", !opts.SkipIndexVerify),
		logging.Latency(time.Since(start)))
	return t, nil
}

func openPTable(path string, id uuid.UUID, opts PTableOptions) (*PTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, NewError("open").PTable(path).Cause(err).Err()
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, NewError("stat").PTable(path).Cause(err).Err()
	}
	size := info.Size()
	if size < headerSize+md5Size {
		return nil, corruptf(path, "file of %d bytes is too short", size)
	}

	header := make([]byte, headerSize)
	if _, err := f.ReadAt(header, 0); err != nil {
		return nil, NewError("read header").PTable(path).Cause(err).Err()
	}
	version, err := decodeHeader(path, header)
	if err != nil {
		return nil, err
	}

	var cached uint32
	if version >= PTableVersion4 {
		if size < headerSize+footerSize+md5Size {
			return nil, corruptf(path, "file of %d bytes is too short for a v%d footer", size, version)
		}
		footer := make([]byte, footerSize)
		if _, err := f.ReadAt(footer, size-md5Size-footerSize); err != nil {
			return nil, NewError("read footer").PTable(path).Cause(err).Err()
		}
		if cached, err = decodeFooter(path, version, footer); err != nil {
			return nil, err
		}
	}

	count, err := expectedCount(path, size, version, int64(cached))
	if err != nil {
		return nil, err
	}
	if version >= PTableVersion4 && count > 0 && cached > 0 && cached < 2 {
		return nil, corruptf(path, "less than 2 midpoints cached in ptable, count: %d, midpoints: %d", count, cached)
	}
	if count >= 2 && int64(cached) > count {
		return nil, corruptf(path, "more midpoints cached than entries, count: %d, midpoints: %d", count, cached)
	}

	t := &PTable{
		id:        id,
		path:      path,
		version:   version,
		entrySize: entrySize(version),
		size:      size,
		count:     count,
		minKey:    maxKey,
		maxKey:    minKey,
		logger:    opts.Logger.With(logging.Component("ptable"), logging.TableID(id), logging.Path(path)),
		metrics:   opts.Metrics,
	}

	if count > 0 {
		first, err := t.readRecordFrom(f, 0)
		if err != nil {
			return nil, err
		}
		last, err := t.readRecordFrom(f, count-1)
		if err != nil {
			return nil, err
		}
		t.maxKey = first.Key()
		t.minKey = last.Key()
	}

	t.midpoints, err = t.cacheMidpointsAndVerifyHash(f, opts.CacheDepth, opts.SkipIndexVerify, cached)
	if err != nil {
		return nil, err
	}

	if opts.UseBloomFilter {
		bf, err := openBloomFilter(bloomFilterPath(path))
		switch {
		case err == nil:
			t.bloom = bf
		case errors.Is(err, fs.ErrNotExist):
			t.logger.Debug("no bloom filter for ptable")
		default:
			t.logger.Warn("could not open bloom filter, continuing without it", logging.Error(err))
		}
	}

	if opts.LRUCacheSize > 0 {
		if t.bloom != nil {
			t.boundsCache = newLRUCache[uint64, cacheEntry](opts.LRUCacheSize)
			t.absentCache = newLRUCache[uint64, struct{}](opts.LRUCacheSize)
		} else {
			t.logger.Debug("not enabling lru cache for ptable without a bloom filter")
		}
	}

	t.pool, err = newHandlePool(path, t.entrySize, opts.InitialReaders, opts.MaxReaders, t.onDrained)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (t *PTable) readRecordFrom(r io.ReaderAt, index int64) (IndexEntry, error) {
	b := make([]byte, t.entrySize)
	if _, err := r.ReadAt(b, headerSize+index*int64(t.entrySize)); err != nil {
		return IndexEntry{}, NewError("read").PTable(t.path).Context("entry %d", index).Cause(err).Err()
	}
	return readEntry(b, t.version), nil
}

// cacheMidpointsAndVerifyHash samples the midpoints of the table. Unless
// skipVerify is set every byte of the file is read and checked against the
// trailing MD5 on the way.
func (t *PTable) cacheMidpointsAndVerifyHash(f *os.File, depth int, skipVerify bool, cached uint32) ([]Midpoint, error) {
	if depth < 0 || depth > 30 {
		return nil, fmt.Errorf("%w: index cache depth %d", ErrInvalidArgument, depth)
	}

	required := GetRequiredMidpointCount(t.count, t.entrySize, depth)

	if skipVerify && t.version >= PTableVersion4 && int64(cached) == required {
		if required == 0 {
			return nil, nil
		}
		buf := make([]byte, required*midpointSize)
		if _, err := f.ReadAt(buf, headerSize+t.count*int64(t.entrySize)); err != nil {
			return nil, NewError("read midpoints").PTable(t.path).Cause(err).Err()
		}
		mids := make([]Midpoint, required)
		for k := range mids {
			mids[k] = readMidpoint(buf[k*midpointSize:])
		}
		if err := t.validateMidpoints(mids); err != nil {
			return nil, err
		}
		return mids, nil
	}

	var (
		h   hash.Hash
		src recordSource
	)
	if skipVerify {
		src = &randomSource{f: f, buf: make([]byte, t.entrySize)}
	} else {
		h = md5.New()
		src = &md5Source{
			r:   bufio.NewReaderSize(io.NewSectionReader(f, 0, t.size-md5Size), sequentialBufferSize),
			h:   h,
			buf: make([]byte, t.entrySize),
		}
	}

	mids := make([]Midpoint, 0, required)
	previous := int64(-1)
	for k := int64(0); k < required; k++ {
		index := GetMidpointIndex(k, t.count, required)
		if index == previous {
			mids = append(mids, Midpoint{Key: mids[k-1].Key, ItemIndex: index})
			continue
		}
		b, err := src.recordAt(headerSize + index*int64(t.entrySize))
		if err != nil {
			return nil, NewError("read midpoints").PTable(t.path).Cause(err).Err()
		}
		mids = append(mids, Midpoint{Key: readEntry(b, t.version).Key(), ItemIndex: index})
		previous = index
	}

	if h != nil {
		if err := src.(*md5Source).skipTo(t.size - md5Size); err != nil {
			return nil, NewError("verify").PTable(t.path).Cause(err).Err()
		}
		stored := make([]byte, md5Size)
		if _, err := f.ReadAt(stored, t.size-md5Size); err != nil {
			return nil, NewError("verify").PTable(t.path).Cause(err).Err()
		}
		if computed := h.Sum(nil); !bytes.Equal(stored, computed) {
			return nil, corruptf(t.path, "hashes are different, computed: %x, stored: %x", computed, stored)
		}
	}

	if err := t.validateMidpoints(mids); err != nil {
		return nil, err
	}
	return mids, nil
}

// validateMidpoints checks that keys never increase and item indexes never
// decrease.
func (t *PTable) validateMidpoints(mids []Midpoint) error {
	for k := 1; k < len(mids); k++ {
		if mids[k].Key.GreaterThan(mids[k-1].Key) {
			return corruptf(t.path, "midpoint %d key %s > midpoint %d key %s",
				k, describeKey(mids[k].Key), k-1, describeKey(mids[k-1].Key))
		}
		if mids[k-1].ItemIndex > mids[k].ItemIndex {
			return corruptf(t.path, "midpoint %d item index %d > midpoint %d item index %d",
				k-1, mids[k-1].ItemIndex, k, mids[k].ItemIndex)
		}
	}
	return nil
}

type recordSource interface {
	recordAt(offset int64) ([]byte, error)
}

type randomSource struct {
	f   *os.File
	buf []byte
}

func (s *randomSource) recordAt(offset int64) ([]byte, error) {
	if _, err := s.f.ReadAt(s.buf, offset); err != nil {
		return nil, err
	}
	return s.buf, nil
}

// md5Source reads forward through the file, hashing every byte it passes.
type md5Source struct {
	r   *bufio.Reader
	h   hash.Hash
	pos int64
	buf []byte
}

func (s *md5Source) skipTo(offset int64) error {
	if offset < s.pos {
		return fmt.Errorf("cannot seek backwards from %d to %d", s.pos, offset)
	}
	n, err := io.CopyN(s.h, s.r, offset-s.pos)
	s.pos += n
	return err
}

func (s *md5Source) recordAt(offset int64) ([]byte, error) {
	if err := s.skipTo(offset); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(s.r, s.buf); err != nil {
		return nil, err
	}
	_, _ = s.h.Write(s.buf)
	s.pos += int64(len(s.buf))
	return s.buf, nil
}

func (t *PTable) ID() uuid.UUID { return t.id }
func (t *PTable) Path() string { return t.path }
func (t *PTable) Version() byte { return t.version }
func (t *PTable) Count() int64 { return t.count }

// Size returns the size of the table file in bytes.
func (t *PTable) Size() int64 { return t.size }

// HasBloomFilter reports whether a companion bloom filter was loaded.
func (t *PTable) HasBloomFilter() bool { return t.bloom != nil }

// BloomFalsePositiveRate estimates how often the bloom filter admits a
// stream the table does not hold. Every entry is counted as a distinct
// stream, so the estimate is an upper bound.
func (t *PTable) BloomFalsePositiveRate() float64 {
	if t.bloom == nil {
		return 1
	}
	return t.bloom.EstimateFalsePositiveRate(int(t.count))
}

// Midpoints returns a copy of the cached midpoints.
func (t *PTable) Midpoints() []Midpoint {
	out := make([]Midpoint, len(t.midpoints))
	copy(out, t.midpoints)
	return out
}

// Info summarises the table.
func (t *PTable) Info() PTableInfo {
	return PTableInfo{
		ID:             t.id,
		Path:           t.path,
		Version:        t.version,
		Count:          t.count,
		Size:           t.size,
		Midpoints:      len(t.midpoints),
		HasBloomFilter: t.bloom != nil,
		MinKey:         t.minKey,
		MaxKey:         t.maxKey,

		BloomFalsePositiveRate: t.BloomFalsePositiveRate(),
		BoundsCache:            t.boundsCache.Stats(),
		AbsentCache:            t.absentCache.Stats(),
	}
}

// MarkForDestruction deletes the file and its bloom filter once the last
// reader releases its handle.
func (t *PTable) MarkForDestruction() {
	t.pool.markForDisposal(true)
}

// Dispose closes the table once the last reader releases its handle. The
// file is kept.
func (t *PTable) Dispose() {
	t.pool.markForDisposal(false)
}

// WaitForDisposal waits for MarkForDestruction or Dispose to complete.
func (t *PTable) WaitForDisposal(timeout time.Duration) error {
	return t.pool.wait(timeout)
}

func (t *PTable) onDrained(deleteFile bool) {
	t.metrics.OpenTables.Dec()
	if !deleteFile {
		t.logger.Debug("ptable disposed")
		return
	}
	if err := os.Remove(t.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		t.logger.Error("failed to delete ptable", logging.Error(err))
	}
	if err := os.Remove(bloomFilterPath(t.path)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		t.logger.Error("failed to delete bloom filter", logging.Error(err))
	}
	t.logger.Debug("ptable deleted")
}
