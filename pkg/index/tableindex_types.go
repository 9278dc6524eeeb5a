package index

import (
	"fmt"
	"time"

	"github.com/dd0wney/cluso-index/pkg/hashing"
	"github.com/dd0wney/cluso-index/pkg/logging"
	"github.com/dd0wney/cluso-index/pkg/metrics"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	// ForceVerifyFilename marks an index whose tables must be fully verified
	// on the next start.
	ForceVerifyFilename = ".forceverify"

	maxMemoryTables   = 1
	maxLookupAttempts = 5

	backgroundWaitTimeout = 7 * time.Second
	disposalWaitTimeout   = 5 * time.Second
)

// Options configures a TableIndex.
type Options struct {
	Directory string

	LowHasher        hashing.Hasher
	HighHasher       hashing.Hasher
	MemTableFactory  func() *MemTable
	LogReaderFactory LogReaderFactory
	Filenames        FilenameProvider // defaults to UUIDFilenameProvider{Directory}

	PTableVersion            byte
	MaxSizeForMemory         int
	MaxTablesPerLevel        int
	MaxAutoMergeLevel        int
	PTableMaxReaderCount     int
	PTableInitialReaderCount int
	IndexCacheDepth          int
	SkipIndexVerify          bool
	UseBloomFilter           bool
	LRUCacheSize             int
	InitializationThreads    int
	AdditionalReclaim        bool
	InMem                    bool

	// ScavengeLimiter throttles scavenges, in entries per second. Nil does
	// not throttle.
	ScavengeLimiter *rate.Limiter

	Logger  logging.Logger
	Metrics *metrics.Registry
}

// DefaultOptions returns default options for an index in dir. The log reader
// factory has no default.
func DefaultOptions(dir string) Options {
	pair := hashing.DefaultPair()
	return Options{
		Directory:                dir,
		LowHasher:                pair.Low,
		HighHasher:               pair.High,
		MemTableFactory:          func() *MemTable { return NewMemTable(LatestPTableVersion) },
		PTableVersion:            LatestPTableVersion,
		MaxSizeForMemory:         1_000_000,
		MaxTablesPerLevel:        4,
		MaxAutoMergeLevel:        1000,
		PTableMaxReaderCount:     16,
		PTableInitialReaderCount: 1,
		IndexCacheDepth:          DefaultIndexCacheDepth,
		UseBloomFilter:           true,
		LRUCacheSize:             DefaultLRUCacheSize,
		InitializationThreads:    1,
	}
}

func (o Options) validate() error {
	switch {
	case o.Directory == "" && !o.InMem:
		return fmt.Errorf("%w: directory is required", ErrInvalidArgument)
	case o.LowHasher == nil || o.HighHasher == nil:
		return fmt.Errorf("%w: low and high hashers are required", ErrInvalidArgument)
	case o.MemTableFactory == nil:
		return fmt.Errorf("%w: memtable factory is required", ErrInvalidArgument)
	case o.LogReaderFactory == nil:
		return fmt.Errorf("%w: log reader factory is required", ErrInvalidArgument)
	case o.MaxTablesPerLevel <= 1:
		return fmt.Errorf("%w: max tables per level must be > 1, got %d", ErrInvalidArgument, o.MaxTablesPerLevel)
	case o.IndexCacheDepth < 8 || o.IndexCacheDepth > 28:
		return fmt.Errorf("%w: index cache depth must be in [8, 28], got %d", ErrInvalidArgument, o.IndexCacheDepth)
	case o.InitializationThreads <= 0:
		return fmt.Errorf("%w: initialization threads must be > 0, got %d", ErrInvalidArgument, o.InitializationThreads)
	case o.PTableMaxReaderCount <= 0:
		return fmt.Errorf("%w: ptable max reader count must be > 0, got %d", ErrInvalidArgument, o.PTableMaxReaderCount)
	case !validVersion(o.PTableVersion):
		return fmt.Errorf("%w: unsupported ptable version %d", ErrInvalidArgument, o.PTableVersion)
	case o.MaxSizeForMemory <= 0:
		return fmt.Errorf("%w: max size for memory must be > 0, got %d", ErrInvalidArgument, o.MaxSizeForMemory)
	}
	return nil
}

// IndexKey is an entry as the writer knows it, by stream name.
type IndexKey struct {
	StreamID string
	Version  int64
	Position int64
}

// tableItem is one link of the awaiting chain: a memtable, or a table file
// not yet merged into the index map, with the checkpoint it completes.
type tableItem struct {
	id                uuid.UUID
	table             SearchTable
	prepareCheckpoint int64
	commitCheckpoint  int64
	// manual items carry no new entries; they ask for a manual merge
	manual bool
}

// TableIndexStats is a point-in-time view of the index.
type TableIndexStats struct {
	AwaitingTables    int
	Levels            []int
	PrepareCheckpoint int64
	CommitCheckpoint  int64
	BackgroundRunning bool
}

func newMemTableItem(mt *MemTable) tableItem {
	return tableItem{id: mt.ID(), table: mt, prepareCheckpoint: -1, commitCheckpoint: -1}
}
