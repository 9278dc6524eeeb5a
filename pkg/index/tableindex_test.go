package index

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scavengeReport struct {
	level, index int
	scavenged    bool
	deleted      int64
	kept         int64
	reason       string
	elapsed      time.Duration
}

type recordingScavengerLog struct {
	mu      sync.Mutex
	reports []scavengeReport
}

func (l *recordingScavengerLog) IndexTableScavenged(level, index int, elapsed time.Duration, deleted, kept, _ int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reports = append(l.reports, scavengeReport{level: level, index: index, scavenged: true, deleted: deleted, kept: kept, elapsed: elapsed})
}

func (l *recordingScavengerLog) IndexTableNotScavenged(level, index int, elapsed time.Duration, kept int64, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reports = append(l.reports, scavengeReport{level: level, index: index, kept: kept, reason: reason, elapsed: elapsed})
}

func addStream(t *testing.T, ti *TableIndex, streamID string, commit int64, positions ...int64) {
	t.Helper()
	keys := make([]IndexKey, len(positions))
	for i, p := range positions {
		keys[i] = IndexKey{StreamID: streamID, Version: int64(i), Position: p}
	}
	require.NoError(t, ti.AddEntries(commit, keys))
}

func waitIdle(t *testing.T, ti *TableIndex) {
	t.Helper()
	require.NoError(t, ti.WaitForBackgroundTasks(5*time.Second))
}

func TestTableIndex_MemtableBeatsTables(t *testing.T) {
	ti := newTestTableIndex(t, t.TempDir(), 2, newFakeLogReader())

	require.NoError(t, ti.Add(10, "s", 0, 10))
	require.NoError(t, ti.Add(11, "other", 0, 11))
	waitIdle(t, ti)
	require.Equal(t, 1, ti.IndexMap().TableCount())

	require.NoError(t, ti.Add(99, "s", 0, 99))

	pos, ok, err := ti.TryGetOneValue("s", 0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(99), pos)
}

func TestTableIndex_ReadsAcrossLayers(t *testing.T) {
	ti := newTestTableIndex(t, t.TempDir(), 4, newFakeLogReader())

	var positions []int64
	for i := int64(0); i < 30; i++ {
		positions = append(positions, 100+i*10)
	}
	// four entries per memtable: seven tables plus a partial memtable
	for i := 0; i < len(positions); i += 4 {
		end := min(i+4, len(positions))
		keys := make([]IndexKey, 0, 4)
		for j := i; j < end; j++ {
			keys = append(keys, IndexKey{StreamID: "orders", Version: int64(j), Position: positions[j]})
		}
		require.NoError(t, ti.AddEntries(positions[end-1], keys))
	}
	waitIdle(t, ti)

	stats := ti.Stats()
	assert.Equal(t, 1, stats.AwaitingTables)
	assert.Equal(t, int64(100+27*10), stats.CommitCheckpoint)

	for v, p := range positions {
		pos, ok, err := ti.TryGetOneValue("orders", int64(v))
		require.NoError(t, err)
		require.True(t, ok, "version %d", v)
		assert.Equal(t, p, pos)
	}

	latest, ok, err := ti.TryGetLatestEntry("orders")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(29), latest.Version)

	oldest, ok, _ := ti.TryGetOldestEntry("orders")
	assert.True(t, ok)
	assert.Equal(t, int64(0), oldest.Version)

	next, ok, _ := ti.TryGetNextEntry("orders", 3)
	assert.True(t, ok)
	assert.Equal(t, int64(4), next.Version)

	prev, ok, _ := ti.TryGetPreviousEntry("orders", 28)
	assert.True(t, ok)
	assert.Equal(t, int64(27), prev.Version)

	before, ok, err := ti.TryGetLatestEntryBefore("orders", 155, func(IndexEntry) (bool, error) { return true, nil })
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(150), before.Position)

	rng, err := ti.GetRange("orders", 2, 9, 0)
	require.NoError(t, err)
	require.Len(t, rng, 8)
	for i, e := range rng {
		assert.Equal(t, int64(9-i), e.Version)
	}

	limited, err := ti.GetRange("orders", 0, 100, 5)
	require.NoError(t, err)
	require.Len(t, limited, 5)
	assert.Equal(t, int64(29), limited[0].Version)

	_, ok, _ = ti.TryGetLatestEntry("missing")
	assert.False(t, ok)
}

func TestTableIndex_GetRangeDropsDuplicates(t *testing.T) {
	ti := newTestTableIndex(t, t.TempDir(), 2, newFakeLogReader())
	addStream(t, ti, "s", 20, 10, 20)
	waitIdle(t, ti)
	require.NoError(t, ti.Add(20, "s", 1, 20))

	rng, err := ti.GetRange("s", 0, 10, 0)
	require.NoError(t, err)
	hash := testStreamHash("s")
	assert.Equal(t, []IndexEntry{{hash, 1, 20}, {hash, 0, 10}}, rng)
}

func TestMergeRanges(t *testing.T) {
	a := []IndexEntry{{5, 3, 30}, {5, 1, 10}}
	b := []IndexEntry{{5, 3, 30}, {5, 2, 20}, {5, 1, 11}}

	assert.Equal(t, []IndexEntry{{5, 3, 30}, {5, 2, 20}, {5, 1, 11}, {5, 1, 10}}, mergeRanges([][]IndexEntry{a, b}, 0))
	assert.Equal(t, []IndexEntry{{5, 3, 30}, {5, 2, 20}}, mergeRanges([][]IndexEntry{a, b}, 2))
	assert.Empty(t, mergeRanges(nil, 0))
}

func TestTableIndex_ReopenKeepsTables(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "index")
	reader := newFakeLogReader()
	ti := newTestTableIndex(t, dir, 2, reader)
	addStream(t, ti, "a", 2, 1, 2)
	addStream(t, ti, "b", 4, 3, 4)
	waitIdle(t, ti)
	require.NoError(t, ti.Close(false))

	// junk left by a crash is swept on start
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stale.indexmap.tmp"), []byte("x"), 0644))

	again := newTestTableIndex(t, dir, 2, reader)
	assert.Equal(t, int64(4), again.CommitCheckpoint())
	assert.Equal(t, int64(4), again.PrepareCheckpoint())

	pos, ok, err := again.TryGetOneValue("b", 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(4), pos)
	assert.NoFileExists(t, filepath.Join(dir, "stale.indexmap.tmp"))
}

func TestTableIndex_InitializeTwice(t *testing.T) {
	ti := newTestTableIndex(t, t.TempDir(), 10, newFakeLogReader())
	assert.ErrorIs(t, ti.Initialize(100), ErrAlreadyInitialized)
}

func TestTableIndex_ReadBeforeInitialize(t *testing.T) {
	opts := DefaultOptions(t.TempDir())
	opts.LogReaderFactory = newFakeLogReader().factory()
	ti, err := NewTableIndex(opts)
	require.NoError(t, err)

	_, _, err = ti.TryGetOneValue("s", 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

// TestTableIndex_CorruptIndexIsRebuilt tests that an index ahead of the log
// is backed up and started over
func TestTableIndex_CorruptIndexIsRebuilt(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "index")
	reader := newFakeLogReader()
	ti := newTestTableIndex(t, dir, 2, reader)
	addStream(t, ti, "a", 50, 40, 50)
	waitIdle(t, ti)
	require.NoError(t, ti.Close(false))

	opts := DefaultOptions(dir)
	opts.LogReaderFactory = reader.factory()
	opts.MaxSizeForMemory = 2
	again, err := NewTableIndex(opts)
	require.NoError(t, err)
	require.NoError(t, again.Initialize(10))
	defer again.Close(false)

	assert.Zero(t, again.IndexMap().TableCount())
	assert.Equal(t, int64(-1), again.CommitCheckpoint())
	_, ok, _ := again.TryGetOneValue("a", 0)
	assert.False(t, ok)

	backups, err := filepath.Glob(filepath.Join(root, "index-backup-*"))
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.FileExists(t, filepath.Join(backups[0], IndexMapFilename))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "tables of the discarded map are deleted")
}

func TestTableIndex_ForceVerifyMarker(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, ForceVerifyFilename)
	require.NoError(t, os.WriteFile(marker, nil, 0644))

	opts := DefaultOptions(dir)
	opts.LogReaderFactory = newFakeLogReader().factory()
	opts.SkipIndexVerify = true
	ti, err := NewTableIndex(opts)
	require.NoError(t, err)
	assert.False(t, ti.ptableOpts.SkipIndexVerify)

	require.NoError(t, ti.Initialize(100))
	defer ti.Close(false)
	assert.NoFileExists(t, marker)
}

func TestTableIndex_RetryGivesUp(t *testing.T) {
	ti := newTestTableIndex(t, t.TempDir(), 10, newFakeLogReader())

	calls := 0
	_, err := ti.retry("test", func([]tableItem, *IndexMap) (bool, error) {
		calls++
		return false, ErrFileBeingDeleted
	})
	assert.ErrorIs(t, err, ErrFilesLocked)
	assert.Equal(t, maxLookupAttempts, calls)
	assert.Equal(t, float64(maxLookupAttempts), counterValue(t, ti.metrics.LookupRetriesTotal))
}

func TestTableIndex_RetrySucceedsAfterDeletion(t *testing.T) {
	ti := newTestTableIndex(t, t.TempDir(), 10, newFakeLogReader())

	calls := 0
	found, err := ti.retry("test", func([]tableItem, *IndexMap) (bool, error) {
		calls++
		if calls < 3 {
			return false, ErrFileBeingDeleted
		}
		return true, nil
	})
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 3, calls)
}

func TestTableIndex_MaybeCorruptSetsMarker(t *testing.T) {
	dir := t.TempDir()
	ti := newTestTableIndex(t, dir, 10, newFakeLogReader())

	_, err := ti.retry("test", func([]tableItem, *IndexMap) (bool, error) {
		return false, maybeCorruptf("x", "bad midpoint")
	})
	assert.ErrorIs(t, err, ErrMaybeCorruptIndex)
	assert.FileExists(t, filepath.Join(dir, ForceVerifyFilename))
	assert.Equal(t, float64(1), counterValue(t, ti.metrics.MaybeCorruptTotal))
}

func TestTableIndex_InMem(t *testing.T) {
	opts := DefaultOptions("")
	opts.InMem = true
	opts.MaxSizeForMemory = 2
	opts.LogReaderFactory = func() (LogReader, error) { return nil, errors.New("no log in memory mode") }
	ti, err := NewTableIndex(opts)
	require.NoError(t, err)
	require.NoError(t, ti.Initialize(0))

	for i := int64(0); i < 10; i++ {
		require.NoError(t, ti.Add(i, "s", i, i*10))
	}
	assert.Equal(t, 6, ti.Stats().AwaitingTables)
	assert.Zero(t, ti.IndexMap().TableCount())

	pos, ok, err := ti.TryGetOneValue("s", 3)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(30), pos)

	oldest, ok, _ := ti.TryGetOldestEntry("s")
	assert.True(t, ok)
	assert.Equal(t, int64(0), oldest.Version)

	assert.NoError(t, ti.Scavenge(context.Background(), nil))
	assert.NoError(t, ti.Close(true))
}

func TestTableIndex_CloseRemovesFiles(t *testing.T) {
	dir := t.TempDir()
	ti := newTestTableIndex(t, dir, 2, newFakeLogReader())
	addStream(t, ti, "s", 2, 1, 2)
	waitIdle(t, ti)
	require.FileExists(t, filepath.Join(dir, IndexMapFilename))

	require.NoError(t, ti.Close(true))
	assert.NoFileExists(t, filepath.Join(dir, IndexMapFilename))
	for _, name := range ti.IndexMap().GetAllFilenames() {
		assert.NoFileExists(t, name)
	}
	assert.ErrorIs(t, ti.Add(3, "s", 2, 3), ErrClosed)
	assert.NoError(t, ti.Close(true))
}

// TestTableIndex_CloseTimeoutCanRetry tests that a close which gives up on
// the background worker leaves the index usable and a later close finishes
func TestTableIndex_CloseTimeoutCanRetry(t *testing.T) {
	ti := newTestTableIndex(t, t.TempDir(), 2, newFakeLogReader())
	addStream(t, ti, "s", 2, 1, 2)
	waitIdle(t, ti)
	require.Equal(t, 1, ti.IndexMap().TableCount())
	open := gaugeValue(t, ti.metrics.OpenTables)
	require.Greater(t, open, float64(0))

	ti.closeWait = 20 * time.Millisecond
	ti.bgSlot <- struct{}{}

	err := ti.Close(false)
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, open, gaugeValue(t, ti.metrics.OpenTables))

	require.NoError(t, ti.Add(3, "s", 2, 3))
	pos, ok, err := ti.TryGetOneValue("s", 0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), pos)

	<-ti.bgSlot
	require.NoError(t, ti.Close(false))
	assert.Zero(t, gaugeValue(t, ti.metrics.OpenTables))
	assert.ErrorIs(t, ti.Add(4, "s", 3, 4), ErrClosed)
	assert.NoError(t, ti.Close(false))
}

func TestTableIndex_ManualMerge(t *testing.T) {
	ti := newTestTableIndex(t, t.TempDir(), 1, newFakeLogReader(), func(o *Options) {
		o.MaxAutoMergeLevel = 0
	})
	for i := int64(0); i < 3; i++ {
		require.NoError(t, ti.Add(i, "s", i, i))
	}
	waitIdle(t, ti)
	require.Equal(t, []int{3}, ti.Stats().Levels)

	ti.TryManualMerge()
	waitIdle(t, ti)

	assert.Equal(t, []int{0, 1}, ti.Stats().Levels)
	assert.Equal(t, 1, ti.Stats().AwaitingTables)
	for i := int64(0); i < 3; i++ {
		pos, ok, err := ti.TryGetOneValue("s", i)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, i, pos)
	}
}

func TestTableIndex_Scavenge(t *testing.T) {
	reader := newFakeLogReader()
	ti := newTestTableIndex(t, t.TempDir(), 2, reader)
	addStream(t, ti, "s", 20, 10, 20)
	require.NoError(t, ti.AddEntries(40, []IndexKey{{"s", 2, 30}, {"s", 3, 40}}))
	waitIdle(t, ti)
	require.Equal(t, 2, ti.IndexMap().TableCount())

	reader.delete(20)
	log := &recordingScavengerLog{}
	require.NoError(t, ti.Scavenge(context.Background(), log))

	require.Len(t, log.reports, 2)
	assert.False(t, log.reports[0].scavenged)
	assert.Equal(t, int64(2), log.reports[0].kept)
	assert.True(t, log.reports[1].scavenged)
	assert.Equal(t, int64(1), log.reports[1].deleted)
	assert.Equal(t, int64(1), log.reports[1].kept)
	for _, r := range log.reports {
		assert.Greater(t, int64(r.elapsed), int64(0))
	}

	_, ok, err := ti.TryGetOneValue("s", 1)
	require.NoError(t, err)
	assert.False(t, ok)
	pos, ok, _ := ti.TryGetOneValue("s", 0)
	assert.True(t, ok)
	assert.Equal(t, int64(10), pos)

	manifest, err := ReadManifest(filepath.Join(ti.dir, IndexMapFilename))
	require.NoError(t, err)
	assert.Equal(t, ti.IndexMap().Manifest(), manifest)
}

func TestTableIndex_ScavengeCancelled(t *testing.T) {
	ti := newTestTableIndex(t, t.TempDir(), 2, newFakeLogReader())
	addStream(t, ti, "s", 20, 10, 20)
	waitIdle(t, ti)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	log := &recordingScavengerLog{}
	err := ti.Scavenge(ctx, log)
	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, log.reports, 1)
	assert.Equal(t, "scavenge cancelled", log.reports[0].reason)
	assert.Equal(t, -1, log.reports[0].level)

	// the slot was released
	assert.False(t, ti.IsBackgroundTaskRunning())
}

// TestTableIndex_ReclaimMemory tests that surplus awaiting memtables are put
// on disk while the newest stays in memory
func TestTableIndex_ReclaimMemory(t *testing.T) {
	dir := t.TempDir()
	ti := newTestTableIndex(t, dir, 100, newFakeLogReader())

	chain := make([]tableItem, 3)
	for i := range chain {
		mt := NewMemTable(LatestPTableVersion)
		require.NoError(t, mt.Add(uint64(i+1), 0, int64(i)))
		chain[i] = newMemTableItem(mt)
	}
	ti.mu.Lock()
	ti.awaiting = chain
	ti.mu.Unlock()

	ti.reclaimMemoryIfNeeded(chain)

	awaiting, _ := ti.snapshot()
	require.Len(t, awaiting, 3)
	_, isMem := awaiting[0].table.(*MemTable)
	assert.True(t, isMem)
	for i := 1; i < 3; i++ {
		pt, ok := awaiting[i].table.(*PTable)
		require.True(t, ok, "item %d", i)
		assert.Equal(t, chain[i].id, pt.ID())
		assert.FileExists(t, pt.Path())

		e, ok, err := pt.TryGetLatestEntry(uint64(i + 1))
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, int64(i), e.Position)
		pt.Dispose()
	}
}

func TestNewTableIndex_Validation(t *testing.T) {
	base := func() Options {
		o := DefaultOptions(t.TempDir())
		o.LogReaderFactory = newFakeLogReader().factory()
		return o
	}
	tests := []struct {
		name   string
		modify func(*Options)
	}{
		{"tables per level", func(o *Options) { o.MaxTablesPerLevel = 1 }},
		{"cache depth low", func(o *Options) { o.IndexCacheDepth = 7 }},
		{"cache depth high", func(o *Options) { o.IndexCacheDepth = 29 }},
		{"threads", func(o *Options) { o.InitializationThreads = 0 }},
		{"readers", func(o *Options) { o.PTableMaxReaderCount = 0 }},
		{"hasher", func(o *Options) { o.LowHasher = nil }},
		{"log reader", func(o *Options) { o.LogReaderFactory = nil }},
		{"memtable factory", func(o *Options) { o.MemTableFactory = nil }},
		{"directory", func(o *Options) { o.Directory = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := base()
			tt.modify(&o)
			_, err := NewTableIndex(o)
			assert.ErrorIs(t, err, ErrInvalidArgument)
		})
	}
}
