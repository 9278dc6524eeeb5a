package index

import (
	"crypto/md5"
	"fmt"
	"hash"
	"io"

	"github.com/dd0wney/cluso-index/pkg/fsutil"
	"github.com/dd0wney/cluso-index/pkg/logging"
	"github.com/google/uuid"
)

// tableWriter streams descending entries into a new table file, hashing
// every byte for the trailing checksum.
type tableWriter struct {
	path    string
	version byte
	depth   int

	fw  *fsutil.FileWriter
	md5 hash.Hash
	w   io.Writer
	buf []byte

	count int64
	last  IndexEntry
	bloom *BloomFilter

	// sampling while writing needs the final count up front
	expected  int64
	required  int64
	nextMid   int64
	midpoints []Midpoint
}

// newTableWriter creates path. expected is the exact entry count when it is
// known, or -1; only then can midpoints be sampled as entries are written.
func newTableWriter(path string, version byte, depth int, expected int64, withBloom bool, bloomSize int64) (*tableWriter, error) {
	if !validVersion(version) {
		return nil, fmt.Errorf("%w: ptable version %d", ErrInvalidArgument, version)
	}
	fw, err := fsutil.CreateFile(path, sequentialBufferSize)
	if err != nil {
		return nil, err
	}
	h := md5.New()
	w := &tableWriter{
		path:     path,
		version:  version,
		depth:    depth,
		fw:       fw,
		md5:      h,
		w:        io.MultiWriter(fw, h),
		buf:      make([]byte, max(entrySize(version), midpointSize)),
		expected: expected,
	}
	if withBloom {
		w.bloom = newBloomFilterForTable(bloomSize)
	}
	if version >= PTableVersion4 && expected >= 0 {
		w.required = GetRequiredMidpointCount(expected, entrySize(version), depth)
		w.midpoints = make([]Midpoint, 0, w.required)
	}

	if _, err := w.w.Write(encodeHeader(version)); err != nil {
		w.abort()
		return nil, fmt.Errorf("failed to write ptable header %s: %w", path, err)
	}
	return w, nil
}

func (w *tableWriter) add(e IndexEntry) error {
	if w.count > 0 && e.Compare(w.last) > 0 {
		return fmt.Errorf("%w: entry %v written after %v", ErrInvalidArgument, e, w.last)
	}
	es := entrySize(w.version)
	putEntry(w.buf[:es], e, w.version)
	if _, err := w.w.Write(w.buf[:es]); err != nil {
		return fmt.Errorf("failed to write ptable %s: %w", w.path, err)
	}

	for w.nextMid < w.required && GetMidpointIndex(w.nextMid, w.expected, w.required) == w.count {
		w.midpoints = append(w.midpoints, Midpoint{Key: e.Key(), ItemIndex: w.count})
		w.nextMid++
	}
	if w.bloom != nil {
		w.bloom.AddStream(e.Stream)
	}
	w.last = e
	w.count++
	return nil
}

// sampleMidpoints reads the midpoints back from the entries written so far.
func (w *tableWriter) sampleMidpoints() ([]Midpoint, error) {
	es := entrySize(w.version)
	required := GetRequiredMidpointCount(w.count, es, w.depth)
	mids := make([]Midpoint, 0, required)
	b := make([]byte, es)
	for k := int64(0); k < required; k++ {
		index := GetMidpointIndex(k, w.count, required)
		if _, err := w.fw.ReadAt(b, headerSize+index*int64(es)); err != nil {
			return nil, fmt.Errorf("failed to read back midpoint %d of %s: %w", k, w.path, err)
		}
		mids = append(mids, Midpoint{Key: readEntry(b, w.version).Key(), ItemIndex: index})
	}
	return mids, nil
}

// finish writes the midpoints, footer and checksum and syncs the file. The
// bloom filter goes to its companion file.
func (w *tableWriter) finish() error {
	if w.version >= PTableVersion4 {
		mids := w.midpoints
		if w.count != w.expected || int64(len(mids)) != w.required {
			var err error
			if mids, err = w.sampleMidpoints(); err != nil {
				return err
			}
		}
		for _, m := range mids {
			putMidpoint(w.buf[:midpointSize], m)
			if _, err := w.w.Write(w.buf[:midpointSize]); err != nil {
				return fmt.Errorf("failed to write midpoints %s: %w", w.path, err)
			}
		}
		if _, err := w.w.Write(encodeFooter(w.version, uint32(len(mids)))); err != nil {
			return fmt.Errorf("failed to write ptable footer %s: %w", w.path, err)
		}
	}

	if _, err := w.fw.Write(w.md5.Sum(nil)); err != nil {
		return fmt.Errorf("failed to write ptable checksum %s: %w", w.path, err)
	}
	if err := w.fw.Close(); err != nil {
		return err
	}
	if w.bloom != nil {
		if err := writeBloomFilter(bloomFilterPath(w.path), w.bloom); err != nil {
			return err
		}
	}
	return nil
}

// abort removes the partial table and bloom filter.
func (w *tableWriter) abort() {
	w.fw.Abort()
	_ = fsutil.RemoveIfExists(bloomFilterPath(w.path))
}

// FromMemtable writes the contents of mt to a new table file at path and
// opens it. The table keeps the memtable's id and format version.
func FromMemtable(mt *MemTable, path string, opts PTableOptions) (*PTable, error) {
	opts = opts.withDefaults()
	timer := logging.StartTimer(opts.Logger, "ptable write from memtable",
		logging.Component("ptable"), logging.TableID(mt.ID()), logging.Path(path))

	count := mt.Count()
	w, err := newTableWriter(path, mt.Version(), opts.CacheDepth, count, opts.UseBloomFilter, count)
	if err != nil {
		return nil, err
	}

	it := mt.IterateAllInOrder()
	defer it.Close()
	for {
		e, ok := it.Next()
		if !ok {
			break
		}
		if err := w.add(e); err != nil {
			w.abort()
			return nil, err
		}
	}
	if err := it.Err(); err != nil {
		w.abort()
		return nil, err
	}
	return finishTable(w, mt.ID(), opts, timer)
}

// finishTable completes w and reopens the result through the normal open
// path, so a new table is validated before anyone reads it.
func finishTable(w *tableWriter, id uuid.UUID, opts PTableOptions, timer *logging.TimedOperation) (*PTable, error) {
	if err := w.finish(); err != nil {
		w.abort()
		timer.EndError(err)
		return nil, err
	}
	t, err := OpenPTable(w.path, id, opts)
	if err != nil {
		w.abort()
		timer.EndError(err)
		return nil, err
	}
	timer.EndWithLevel(logging.DebugLevel, "ptable written", logging.Count(int(t.Count())), logging.Version(t.Version()))
	return t, nil
}
