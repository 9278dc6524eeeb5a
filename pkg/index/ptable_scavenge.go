package index

import (
	"context"

	"github.com/dd0wney/cluso-index/pkg/logging"
	"github.com/google/uuid"
)

// Scavenged rewrites table to path keeping only the entries for which
// sc.ExistsAt holds. When nothing was dropped and the version does not
// change the output is discarded and a nil table is returned. spaceSaved is
// the difference in file size.
func Scavenged(ctx context.Context, table *PTable, path string, sc ScavengeContext, opts PTableOptions) (*PTable, int64, error) {
	opts = opts.withDefaults()
	mc := sc.MergeContext.withDefaults()

	timer := logging.StartTimer(opts.Logger, "ptable scavenge",
		logging.Component("ptable"), logging.TableID(table.ID()), logging.Path(path))

	it, err := sourceIterator(table, mc)
	if err != nil {
		return nil, 0, err
	}
	defer it.Close()

	w, err := newTableWriter(path, mc.Version, opts.CacheDepth, -1, opts.UseBloomFilter, table.Count())
	if err != nil {
		return nil, 0, err
	}
	for {
		if err := ctx.Err(); err != nil {
			w.abort()
			return nil, 0, err
		}
		if sc.Limiter != nil {
			if err := sc.Limiter.Wait(ctx); err != nil {
				w.abort()
				return nil, 0, err
			}
		}

		e, ok := it.Next()
		if !ok {
			break
		}
		keep, err := mc.ExistsAt(e)
		if err != nil {
			w.abort()
			return nil, 0, err
		}
		if !keep {
			continue
		}
		if err := w.add(e); err != nil {
			w.abort()
			return nil, 0, err
		}
	}
	if err := it.Err(); err != nil {
		w.abort()
		return nil, 0, err
	}

	if w.count == table.Count() && mc.Version == table.Version() {
		w.abort()
		timer.EndWithLevel(logging.DebugLevel, "ptable scavenge found nothing to remove", logging.Count(int(w.count)))
		return nil, 0, nil
	}

	t, err := finishTable(w, uuid.New(), opts, timer)
	if err != nil {
		return nil, 0, err
	}
	return t, table.Size() - t.Size(), nil
}
