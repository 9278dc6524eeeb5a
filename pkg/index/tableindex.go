package index

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dd0wney/cluso-index/pkg/fsutil"
	"github.com/dd0wney/cluso-index/pkg/hashing"
	"github.com/dd0wney/cluso-index/pkg/logging"
	"github.com/dd0wney/cluso-index/pkg/metrics"
	"github.com/google/uuid"
)

// TableIndex maps stream versions to log positions. Writes go to the current
// memtable; full memtables wait in the awaiting chain until the background
// worker has written them out and merged them into the index map.
//
// AddEntries must only be called from one goroutine. Reads are safe from
// any number of goroutines.
type TableIndex struct {
	opts         Options
	dir          string
	indexMapPath string
	hashes       hashing.Pair
	filenames    FilenameProvider
	ptableOpts   PTableOptions
	mapOpts      IndexMapOptions

	// mu guards the awaiting chain and the index map pointer. Both are
	// replaced, never mutated, so readers work on a snapshot.
	mu       sync.RWMutex
	awaiting []tableItem
	indexMap *IndexMap

	prepareCheckpoint atomic.Int64
	commitCheckpoint  atomic.Int64

	// bgSlot holds a token while the background worker runs.
	bgSlot    chan struct{}
	closeWait time.Duration

	initialized atomic.Bool
	closed      atomic.Bool

	logger  logging.Logger
	metrics *metrics.Registry
}

// NewTableIndex validates opts and creates an index. Nothing is read from
// disk until Initialize.
func NewTableIndex(opts Options) (*TableIndex, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	opts.Logger = logging.OrNop(opts.Logger)
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewRegistry()
	}
	if opts.Filenames == nil {
		opts.Filenames = UUIDFilenameProvider{Dir: opts.Directory}
	}

	ti := &TableIndex{
		opts:         opts,
		dir:          opts.Directory,
		indexMapPath: filepath.Join(opts.Directory, IndexMapFilename),
		hashes:       hashing.Pair{Low: opts.LowHasher, High: opts.HighHasher},
		filenames:    opts.Filenames,
		bgSlot:       make(chan struct{}, 1),
		closeWait:    backgroundWaitTimeout,
		logger:       opts.Logger.With(logging.Component("tableindex")),
		metrics:      opts.Metrics,
	}
	ti.prepareCheckpoint.Store(-1)
	ti.commitCheckpoint.Store(-1)

	skipVerify := opts.SkipIndexVerify
	if !opts.InMem && ti.shouldForceIndexVerify() {
		skipVerify = false
	}
	ti.ptableOpts = PTableOptions{
		InitialReaders:  opts.PTableInitialReaderCount,
		MaxReaders:      opts.PTableMaxReaderCount,
		CacheDepth:      opts.IndexCacheDepth,
		SkipIndexVerify: skipVerify,
		UseBloomFilter:  opts.UseBloomFilter,
		LRUCacheSize:    opts.LRUCacheSize,
		Logger:          opts.Logger,
		Metrics:         opts.Metrics,
	}
	ti.mapOpts = IndexMapOptions{
		MaxTablesPerLevel:     opts.MaxTablesPerLevel,
		MaxAutoMergeLevel:     opts.MaxAutoMergeLevel,
		InitializationThreads: opts.InitializationThreads,
		PTable:                ti.ptableOpts,
	}
	ti.awaiting = []tableItem{newMemTableItem(opts.MemTableFactory())}
	return ti, nil
}

func (ti *TableIndex) PrepareCheckpoint() int64 { return ti.prepareCheckpoint.Load() }
func (ti *TableIndex) CommitCheckpoint() int64 { return ti.commitCheckpoint.Load() }

// Initialize loads the index map. The map must be behind chaserCheckpoint,
// the position up to which the log has been indexed. A corrupt index is
// backed up and rebuilt empty.
func (ti *TableIndex) Initialize(chaserCheckpoint int64) error {
	if chaserCheckpoint < 0 {
		return fmt.Errorf("%w: chaser checkpoint %d is negative", ErrInvalidArgument, chaserCheckpoint)
	}
	if !ti.initialized.CompareAndSwap(false, true) {
		return ErrAlreadyInitialized
	}

	if ti.opts.InMem {
		mapOpts := ti.mapOpts
		mapOpts.MaxAutoMergeLevel = int(^uint(0) >> 1)
		m, err := NewIndexMap(mapOpts)
		if err != nil {
			return err
		}
		ti.setIndexMap(m)
		return nil
	}

	if ti.shouldForceIndexVerify() {
		ti.logger.Info("forcing verification of index files")
	}
	if err := fsutil.EnsureDir(ti.dir); err != nil {
		return err
	}

	m, err := ti.loadIndexMap(chaserCheckpoint)
	if errors.Is(err, ErrCorruptIndex) {
		ti.logger.Error("index is corrupted, rebuilding", logging.Error(err))
		ti.logIndexMapContent()
		ti.backupIndex()
		if err := fsutil.RemoveIfExists(ti.indexMapPath); err != nil {
			return err
		}
		ti.deleteForceVerifyFile()
		m, err = FromFile(ti.indexMapPath, ti.mapOpts)
	}
	if err != nil {
		return err
	}
	ti.setIndexMap(m)
	ti.prepareCheckpoint.Store(m.PrepareCheckpoint())
	ti.commitCheckpoint.Store(m.CommitCheckpoint())

	return ti.deleteUnreferencedFiles(m)
}

func (ti *TableIndex) loadIndexMap(chaserCheckpoint int64) (*IndexMap, error) {
	m, err := FromFile(ti.indexMapPath, ti.mapOpts)
	if err != nil {
		return nil, err
	}
	if m.CommitCheckpoint() >= chaserCheckpoint {
		_ = m.Dispose(disposalWaitTimeout)
		return nil, NewError("initialize").IndexMap(ti.indexMapPath).
			Context("commit checkpoint %d is not behind chaser checkpoint %d", m.CommitCheckpoint(), chaserCheckpoint).
			Cause(ErrCorruptIndex).Err()
	}
	ti.deleteForceVerifyFile()
	return m, nil
}

func (ti *TableIndex) setIndexMap(m *IndexMap) {
	ti.mu.Lock()
	ti.indexMap = m
	ti.mu.Unlock()
}

func (ti *TableIndex) logIndexMapContent() {
	data, err := os.ReadFile(ti.indexMapPath)
	if err != nil {
		ti.logger.Error("unexpected error while dumping index map", logging.Path(ti.indexMapPath), logging.Error(err))
		return
	}
	ti.logger.Error("index map content", logging.Path(ti.indexMapPath), logging.String("content", hex.Dump(data)))
}

// backupIndex copies the index directory next to itself for inspection.
func (ti *TableIndex) backupIndex() {
	stamp := time.Now().UTC().Format("2006-01-02_15-04-05.000")
	backup := filepath.Join(filepath.Dir(filepath.Clean(ti.dir)), "index-backup-"+stamp)
	ti.logger.Error("making backup of index folder for inspection", logging.Path(backup))
	if err := fsutil.CopyDir(ti.dir, backup); err != nil {
		ti.logger.Error("unexpected error while copying index to backup dir", logging.Path(backup), logging.Error(err))
	}
}

// deleteUnreferencedFiles removes everything in the directory that the map
// does not use, keeping the manifest.
func (ti *TableIndex) deleteUnreferencedFiles(m *IndexMap) error {
	keep := map[string]bool{IndexMapFilename: true}
	for _, name := range m.GetAllFilenames() {
		keep[filepath.Base(name)] = true
		keep[filepath.Base(bloomFilterPath(name))] = true
	}

	entries, err := os.ReadDir(ti.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || keep[e.Name()] {
			continue
		}
		path := filepath.Join(ti.dir, e.Name())
		ti.logger.Debug("deleting unreferenced index file", logging.Path(path))
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func (ti *TableIndex) forceVerifyPath() string {
	return filepath.Join(ti.dir, ForceVerifyFilename)
}

func (ti *TableIndex) shouldForceIndexVerify() bool {
	return fsutil.FileExists(ti.forceVerifyPath())
}

// forceIndexVerifyOnNextStartup leaves a marker so the next start verifies
// every table.
func (ti *TableIndex) forceIndexVerifyOnNextStartup() {
	if ti.opts.InMem {
		return
	}
	ti.logger.Debug("forcing index verification on next startup")
	f, err := os.OpenFile(ti.forceVerifyPath(), os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		ti.logger.Error("could not create force index verification file", logging.Path(ti.forceVerifyPath()), logging.Error(err))
		return
	}
	_ = f.Close()
}

func (ti *TableIndex) deleteForceVerifyFile() {
	if err := fsutil.RemoveIfExists(ti.forceVerifyPath()); err != nil {
		ti.logger.Error("could not delete force index verification file", logging.Path(ti.forceVerifyPath()), logging.Error(err))
	}
}

// Add indexes a single event.
func (ti *TableIndex) Add(commitPosition int64, streamID string, version, position int64) error {
	return ti.AddEntries(commitPosition, []IndexKey{{StreamID: streamID, Version: version, Position: position}})
}

// AddEntries indexes the events of one commit. When the current memtable
// becomes full it is moved to the awaiting chain and written out in the
// background.
func (ti *TableIndex) AddEntries(commitPosition int64, keys []IndexKey) error {
	if ti.closed.Load() {
		return ErrClosed
	}
	if commitPosition < 0 {
		return fmt.Errorf("%w: commit position %d is negative", ErrInvalidArgument, commitPosition)
	}
	if len(keys) == 0 {
		return nil
	}

	entries := make([]IndexEntry, len(keys))
	prepare := int64(-1)
	for i, k := range keys {
		if err := checkEntry(k.Version, k.Position); err != nil {
			return err
		}
		entries[i] = IndexEntry{Stream: ti.hashes.StreamHash(k.StreamID), Version: k.Version, Position: k.Position}
		prepare = max(prepare, k.Position)
	}

	ti.mu.RLock()
	mt := ti.awaiting[0].table.(*MemTable)
	ti.mu.RUnlock()

	for start := 0; start < len(entries); {
		end := start + 1
		for end < len(entries) && entries[end].Stream == entries[start].Stream {
			end++
		}
		if err := mt.AddEntries(entries[start:end]); err != nil {
			return err
		}
		start = end
	}

	if mt.Count() >= int64(ti.opts.MaxSizeForMemory) {
		ti.switchMemTable(prepare, commitPosition)
	}
	return nil
}

// switchMemTable moves the current memtable into the awaiting chain with
// the given checkpoint and starts a fresh one.
func (ti *TableIndex) switchMemTable(prepare, commit int64) {
	ti.mu.Lock()
	defer ti.mu.Unlock()

	chain := make([]tableItem, 0, len(ti.awaiting)+1)
	chain = append(chain, newMemTableItem(ti.opts.MemTableFactory()))
	for i, item := range ti.awaiting {
		if i == 0 {
			item.prepareCheckpoint = prepare
			item.commitCheckpoint = commit
		}
		chain = append(chain, item)
	}
	ti.awaiting = chain
	ti.metrics.AwaitingTables.Set(float64(len(chain)))
	ti.logger.Debug("switched memtable", logging.Int("awaiting", len(chain)), logging.Checkpoint(prepare, commit))

	if ti.opts.InMem {
		return
	}
	ti.tryProcessAwaitingTablesLocked()
	if ti.opts.AdditionalReclaim {
		go ti.reclaimMemoryIfNeeded(chain)
	}
}

// TryManualMerge queues a merge of every table at or above the automatic
// merge ceiling. It runs on the background worker.
func (ti *TableIndex) TryManualMerge() {
	if ti.opts.InMem || ti.closed.Load() {
		return
	}
	ti.mu.Lock()
	defer ti.mu.Unlock()
	if ti.indexMap == nil {
		return
	}

	chain := make([]tableItem, 0, len(ti.awaiting)+1)
	chain = append(chain, ti.awaiting...)
	chain = append(chain, tableItem{
		id:                uuid.New(),
		prepareCheckpoint: ti.indexMap.PrepareCheckpoint(),
		commitCheckpoint:  ti.indexMap.CommitCheckpoint(),
		manual:            true,
	})
	ti.awaiting = chain
	ti.tryProcessAwaitingTablesLocked()
}

// Stats returns a snapshot of the index state.
func (ti *TableIndex) Stats() TableIndexStats {
	awaiting, m := ti.snapshot()
	stats := TableIndexStats{
		AwaitingTables:    len(awaiting),
		PrepareCheckpoint: ti.PrepareCheckpoint(),
		CommitCheckpoint:  ti.CommitCheckpoint(),
		BackgroundRunning: len(ti.bgSlot) > 0,
	}
	if m != nil {
		stats.Levels = m.levelSizes()
	}
	return stats
}

// IndexMap returns the current index map.
func (ti *TableIndex) IndexMap() *IndexMap {
	_, m := ti.snapshot()
	return m
}

func (ti *TableIndex) snapshot() ([]tableItem, *IndexMap) {
	ti.mu.RLock()
	defer ti.mu.RUnlock()
	return ti.awaiting, ti.indexMap
}

// Close waits for background work and closes every table. With removeFiles
// the tables and the manifest are deleted. When the background work does not
// finish in time nothing is closed and Close may be called again.
func (ti *TableIndex) Close(removeFiles bool) error {
	if !ti.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := ti.WaitForBackgroundTasks(ti.closeWait); err != nil {
		ti.logger.Warn("background work still running, index left open", logging.Error(err))
		ti.mu.Lock()
		ti.closed.Store(false)
		if len(ti.awaiting) > 1 {
			ti.tryProcessAwaitingTablesLocked()
		}
		ti.mu.Unlock()
		return fmt.Errorf("could not finish background work in time: %w", err)
	}
	if ti.opts.InMem {
		return nil
	}

	_, m := ti.snapshot()
	if m == nil {
		return nil
	}
	tables := m.InOrder()
	if removeFiles {
		for _, t := range tables {
			t.MarkForDestruction()
		}
		if err := fsutil.RemoveIfExists(ti.indexMapPath); err != nil {
			return err
		}
	} else {
		for _, t := range tables {
			t.Dispose()
		}
	}

	var errs []error
	for _, t := range tables {
		if err := t.WaitForDisposal(disposalWaitTimeout); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
