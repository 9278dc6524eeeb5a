package index

import (
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// LogReader is a lease on the event log, used while merging and scavenging
// to check which entries still point at live events and to resolve stream
// names for legacy hashes.
type LogReader interface {
	ExistsAt(position int64) (bool, error)
	TryReadAt(position int64) (streamID string, ok bool, err error)
	Close() error
}

// LogReaderFactory leases a LogReader for one merge or scavenge.
type LogReaderFactory func() (LogReader, error)

// FilenameProvider names new table files.
type FilenameProvider interface {
	NewTablePath() string
}

// UUIDFilenameProvider names tables <Dir>/<uuid>.
type UUIDFilenameProvider struct {
	Dir string
}

func (p UUIDFilenameProvider) NewTablePath() string {
	return filepath.Join(p.Dir, uuid.NewString())
}

// ScavengerLog receives the outcome of every table scavenge.
type ScavengerLog interface {
	IndexTableScavenged(level, index int, elapsed time.Duration, entriesDeleted, entriesKept, spaceSaved int64)
	IndexTableNotScavenged(level, index int, elapsed time.Duration, entriesKept int64, reason string)
}

// ExistsAtFunc reports whether the event an entry points at still exists.
type ExistsAtFunc func(IndexEntry) (bool, error)

// ReadRecordFunc resolves the stream name of the event an entry points at.
type ReadRecordFunc func(IndexEntry) (streamID string, ok bool, err error)

// UpgradeHashFunc widens a legacy 32-bit hash to a full stream hash.
type UpgradeHashFunc func(streamID string, lowHash uint64) uint64

// MergeContext carries what a merge needs besides its input tables.
type MergeContext struct {
	Version     byte
	ExistsAt    ExistsAtFunc
	ReadRecord  ReadRecordFunc
	UpgradeHash UpgradeHashFunc
	Filenames   FilenameProvider
}

// ScavengeContext carries what a scavenge needs besides its input table.
// A nil Limiter does not throttle.
type ScavengeContext struct {
	MergeContext
	Limiter *rate.Limiter
}

// keepAll is the existsAt of a merge that must not drop anything.
func keepAll(IndexEntry) (bool, error) { return true, nil }

func (c MergeContext) withDefaults() MergeContext {
	if c.Version == 0 {
		c.Version = LatestPTableVersion
	}
	if c.ExistsAt == nil {
		c.ExistsAt = keepAll
	}
	return c
}

// logReaderContext builds a MergeContext backed by a leased log reader.
func logReaderContext(r LogReader, version byte, upgrade UpgradeHashFunc, filenames FilenameProvider) MergeContext {
	existsAt := func(e IndexEntry) (bool, error) {
		return r.ExistsAt(e.Position)
	}
	readRecord := func(e IndexEntry) (string, bool, error) {
		return r.TryReadAt(e.Position)
	}
	return MergeContext{
		Version:     version,
		ExistsAt:    existsAt,
		ReadRecord:  readRecord,
		UpgradeHash: upgrade,
		Filenames:   filenames,
	}
}
