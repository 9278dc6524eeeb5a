package index

import (
	"math"

	"github.com/dd0wney/cluso-index/pkg/logging"
	"github.com/dd0wney/cluso-index/pkg/metrics"
	"github.com/google/uuid"
)

// Table file format versions. Every version can be read; new tables are
// written with LatestPTableVersion unless configured otherwise.
const (
	PTableVersion1 byte = 1 // 32-bit hash, 32-bit version
	PTableVersion2 byte = 2 // 64-bit hash, 32-bit version
	PTableVersion3 byte = 3 // 64-bit hash, 64-bit version
	PTableVersion4 byte = 4 // v3 plus persisted midpoints and footer

	LatestPTableVersion = PTableVersion4
)

const (
	fileTypePTable byte = 1

	headerSize   = 128
	footerSize   = 128
	md5Size      = 16
	midpointSize = 24

	entryV1Size = 16
	entryV2Size = 20
	entryV3Size = 24

	maxVersion  int64 = math.MaxInt64
	maxPosition int64 = math.MaxInt64

	// DefaultIndexCacheDepth is the minimum midpoint depth.
	DefaultIndexCacheDepth = 16
	// DefaultLRUCacheSize is the per-table bound on cached stream ranges.
	DefaultLRUCacheSize = 100_000

	bloomFilterSuffix = ".bloomfilter"

	sequentialBufferSize = 64 * 1024
)

// Midpoint samples one record of a table: the key stored at ItemIndex.
type Midpoint struct {
	Key       IndexEntryKey
	ItemIndex int64
}

// cacheEntry is the per-stream bounds record kept in the LRU.
type cacheEntry struct {
	OldestVersion int64
	LatestVersion int64
	OldestOffset  int64
	LatestOffset  int64
}

// PTableOptions configures opening and building table files.
type PTableOptions struct {
	InitialReaders  int  // File handles opened eagerly
	MaxReaders      int  // Upper bound on concurrent file handles
	CacheDepth      int  // Minimum midpoint depth (8-28)
	SkipIndexVerify bool // Skip the full-file MD5 check on open
	UseBloomFilter  bool
	LRUCacheSize    int // 0 disables the stream range cache

	Logger  logging.Logger
	Metrics *metrics.Registry
}

// DefaultPTableOptions returns default table options
func DefaultPTableOptions() PTableOptions {
	return PTableOptions{
		InitialReaders:  1,
		MaxReaders:      16,
		CacheDepth:      DefaultIndexCacheDepth,
		SkipIndexVerify: false,
		UseBloomFilter:  true,
		LRUCacheSize:    DefaultLRUCacheSize,
	}
}

func (o PTableOptions) withDefaults() PTableOptions {
	if o.MaxReaders <= 0 {
		o.MaxReaders = 16
	}
	if o.InitialReaders < 0 {
		o.InitialReaders = 0
	}
	if o.InitialReaders > o.MaxReaders {
		o.InitialReaders = o.MaxReaders
	}
	if o.CacheDepth <= 0 {
		o.CacheDepth = DefaultIndexCacheDepth
	}
	o.Logger = logging.OrNop(o.Logger)
	if o.Metrics == nil {
		o.Metrics = metrics.NewRegistry()
	}
	return o
}

// PTableInfo is a summary of an open table, used by tooling.
type PTableInfo struct {
	ID             uuid.UUID
	Path           string
	Version        byte
	Count          int64
	Size           int64
	Midpoints      int
	HasBloomFilter bool
	MinKey         IndexEntryKey
	MaxKey         IndexEntryKey

	// BloomFalsePositiveRate is 1 without a bloom filter.
	BloomFalsePositiveRate float64
	BoundsCache            CacheStats
	AbsentCache            CacheStats
}
