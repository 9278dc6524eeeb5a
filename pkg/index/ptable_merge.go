package index

import (
	"fmt"

	"github.com/dd0wney/cluso-index/pkg/logging"
	"github.com/google/uuid"
)

// sourceIterator reads t for a rewrite into a table of the given version,
// upgrading legacy hashes when needed.
func sourceIterator(t *PTable, mc MergeContext) (EntryIterator, error) {
	switch {
	case t.version > PTableVersion1 && mc.Version == PTableVersion1:
		return nil, fmt.Errorf("%w: cannot rewrite v%d table %s as v%d", ErrInvalidArgument, t.version, t.path, mc.Version)
	case t.version == PTableVersion1 && mc.Version > PTableVersion1:
		if mc.ReadRecord == nil || mc.UpgradeHash == nil {
			return nil, fmt.Errorf("%w: upgrading v1 table %s needs ReadRecord and UpgradeHash", ErrInvalidArgument, t.path)
		}
		return newUpgradeIterator(t.IterateAllInOrder(), mc.ReadRecord, mc.UpgradeHash), nil
	default:
		return t.IterateAllInOrder(), nil
	}
}

// MergeTo merges tables into a new table at path, keeping the entries for
// which mc.ExistsAt holds. The output is written in mc.Version.
func MergeTo(tables []*PTable, path string, mc MergeContext, opts PTableOptions) (*PTable, error) {
	if len(tables) == 0 {
		return nil, fmt.Errorf("%w: no tables to merge", ErrInvalidArgument)
	}
	opts = opts.withDefaults()
	mc = mc.withDefaults()

	timer := logging.StartTimer(opts.Logger, "ptable merge",
		logging.Component("ptable"), logging.Path(path), logging.Int("inputs", len(tables)))

	its := make([]EntryIterator, 0, len(tables))
	var total int64
	for _, t := range tables {
		it, err := sourceIterator(t, mc)
		if err != nil {
			for _, open := range its {
				_ = open.Close()
			}
			return nil, err
		}
		its = append(its, it)
		total += t.Count()
	}
	merged := NewMergeIterator(its)
	defer merged.Close()

	w, err := newTableWriter(path, mc.Version, opts.CacheDepth, -1, opts.UseBloomFilter, total)
	if err != nil {
		return nil, err
	}
	for {
		e, ok := merged.Next()
		if !ok {
			break
		}
		keep, err := mc.ExistsAt(e)
		if err != nil {
			w.abort()
			return nil, err
		}
		if !keep {
			continue
		}
		if err := w.add(e); err != nil {
			w.abort()
			return nil, err
		}
	}
	if err := merged.Err(); err != nil {
		w.abort()
		return nil, err
	}
	return finishTable(w, uuid.New(), opts, timer)
}
