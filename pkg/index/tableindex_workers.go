package index

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dd0wney/cluso-index/pkg/logging"
)

// tryProcessAwaitingTablesLocked starts the background worker unless it is
// already running. Callers hold ti.mu.
func (ti *TableIndex) tryProcessAwaitingTablesLocked() {
	if ti.opts.InMem {
		return
	}
	select {
	case ti.bgSlot <- struct{}{}:
		go ti.readOffQueue()
	default:
	}
}

// releaseBackground frees the background slot and restarts the worker if
// work was queued while the slot was held.
func (ti *TableIndex) releaseBackground() {
	ti.mu.Lock()
	defer ti.mu.Unlock()

	<-ti.bgSlot
	if len(ti.awaiting) > 1 && !ti.closed.Load() {
		ti.tryProcessAwaitingTablesLocked()
	}
}

// acquireExclusiveBackground waits for the background slot.
func (ti *TableIndex) acquireExclusiveBackground(ctx context.Context) error {
	select {
	case ti.bgSlot <- struct{}{}:
		return nil
	default:
	}

	ti.logger.Info("waiting for background task to complete before starting scavenge")
	select {
	case ti.bgSlot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitForBackgroundTasks blocks until the background worker is idle.
func (ti *TableIndex) WaitForBackgroundTasks(timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ti.bgSlot <- struct{}{}:
		ti.releaseBackground()
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: waiting for background tasks", ErrTimeout)
	}
}

// IsBackgroundTaskRunning reports whether the background slot is taken.
func (ti *TableIndex) IsBackgroundTaskRunning() bool {
	return len(ti.bgSlot) > 0
}

// readOffQueue drains the awaiting chain oldest first until only the
// current memtable is left. The slot is given back under ti.mu together
// with the observation that the chain is drained, so a concurrent switch
// either sees the worker running or starts a new one.
func (ti *TableIndex) readOffQueue() {
	for {
		ti.mu.Lock()
		if len(ti.awaiting) == 1 {
			<-ti.bgSlot
			ti.mu.Unlock()
			return
		}
		item := ti.awaiting[len(ti.awaiting)-1]
		m := ti.indexMap
		if m == nil {
			<-ti.bgSlot
			ti.mu.Unlock()
			return
		}
		ti.mu.Unlock()

		if err := ti.processItem(item, m); err != nil {
			if errors.Is(err, ErrFileBeingDeleted) {
				ti.logger.Warn("could not acquire table file while processing awaiting tables, fine during shutdown", logging.Error(err))
			} else {
				ti.logger.Error("error processing awaiting tables", logging.Error(err))
			}
			ti.mu.Lock()
			<-ti.bgSlot
			ti.mu.Unlock()
			return
		}
	}
}

// processItem writes out and merges the oldest awaiting item, then swaps in
// the new map and drops the item from the chain.
func (ti *TableIndex) processItem(item tableItem, m *IndexMap) error {
	reader, err := ti.opts.LogReaderFactory()
	if err != nil {
		return fmt.Errorf("failed to lease log reader: %w", err)
	}
	defer reader.Close()
	mc := logReaderContext(reader, ti.opts.PTableVersion, ti.hashes.UpgradeHash, ti.filenames)

	var (
		pt         *PTable
		newMap     *IndexMap
		superseded []*PTable
	)
	if item.manual {
		newMap, superseded, err = m.TryManualMerge(mc)
	} else {
		switch t := item.table.(type) {
		case *MemTable:
			t.MarkForConversion()
			if pt, err = ti.buildTable(t); err != nil {
				return err
			}
		case *PTable:
			pt = t
		default:
			return fmt.Errorf("unexpected awaiting table type %T", item.table)
		}
		newMap, superseded, err = m.AddPTable(pt, item.prepareCheckpoint, item.commitCheckpoint, mc)
	}
	if err != nil {
		return err
	}

	if newMap != m {
		if err := newMap.SaveToFile(ti.indexMapPath); err != nil {
			return err
		}
	}

	ti.mu.Lock()
	chain := make([]tableItem, 0, len(ti.awaiting))
	var removed *tableItem
	for i := range ti.awaiting {
		if removed == nil && i > 0 && ti.awaiting[i].id == item.id {
			removed = &ti.awaiting[i]
			continue
		}
		chain = append(chain, ti.awaiting[i])
	}
	ti.awaiting = chain
	ti.indexMap = newMap
	ti.mu.Unlock()

	ti.prepareCheckpoint.Store(newMap.PrepareCheckpoint())
	ti.commitCheckpoint.Store(newMap.CommitCheckpoint())
	ti.metrics.AwaitingTables.Set(float64(len(chain)))
	ti.logger.Debug("processed awaiting table",
		logging.Int("awaiting", len(chain)),
		logging.Checkpoint(newMap.PrepareCheckpoint(), newMap.CommitCheckpoint()))

	// the reclaimer may have written the same memtable out in parallel
	if removed != nil {
		if other, ok := removed.table.(*PTable); ok && other != pt {
			other.MarkForDestruction()
		}
	}
	for _, t := range superseded {
		t.MarkForDestruction()
	}
	return nil
}

func (ti *TableIndex) buildTable(mt *MemTable) (*PTable, error) {
	timer := logging.StartTimer(ti.logger, "built table from memtable", logging.Int64("entries", mt.Count()))
	pt, err := FromMemtable(mt, ti.filenames.NewTablePath(), ti.ptableOpts)
	if err != nil {
		ti.metrics.RecordMerge("build", "error", timer.Elapsed())
		timer.EndWithLevel(logging.ErrorLevel, "failed to build table from memtable", logging.Error(err))
		return nil, err
	}
	ti.metrics.RecordMerge("build", "success", timer.Elapsed())
	timer.EndWithLevel(logging.DebugLevel, "built table from memtable", logging.TableID(pt.ID()))
	return pt, nil
}

// reclaimMemoryIfNeeded writes surplus awaiting memtables out as tables
// without merging them, so that at most maxMemoryTables stay in memory.
func (ti *TableIndex) reclaimMemoryIfNeeded(chain []tableItem) {
	memtables := 0
	for _, item := range chain {
		if _, ok := item.table.(*MemTable); ok {
			memtables++
		}
	}

	toPutOnDisk := memtables - maxMemoryTables
	for i := len(chain) - 1; i >= 1 && toPutOnDisk > 0; i-- {
		mt, ok := chain[i].table.(*MemTable)
		if !ok || !mt.MarkForConversion() {
			continue
		}
		ti.logger.Debug("putting awaiting memtable on disk", logging.TableID(mt.ID()))

		pt, err := ti.buildTable(mt)
		if err != nil {
			ti.logger.Error("failed to reclaim memtable", logging.TableID(mt.ID()), logging.Error(err))
			return
		}

		swapped := false
		ti.mu.Lock()
		for j := len(ti.awaiting) - 1; j >= 1; j-- {
			item := ti.awaiting[j]
			if _, isMem := item.table.(*MemTable); !isMem || item.id != pt.ID() {
				continue
			}
			next := make([]tableItem, len(ti.awaiting))
			copy(next, ti.awaiting)
			item.table = pt
			next[j] = item
			ti.awaiting = next
			swapped = true
			break
		}
		ti.mu.Unlock()

		if !swapped {
			pt.MarkForDestruction()
		}
		toPutOnDisk--
	}
}

// Scavenge rewrites every table without the entries whose events no longer
// exist. It waits for the background worker and holds off new background
// work until it is done. Each table's outcome goes to log.
func (ti *TableIndex) Scavenge(ctx context.Context, log ScavengerLog) error {
	if ti.opts.InMem {
		return nil
	}
	if log == nil {
		log = nopScavengerLog{}
	}
	if err := ti.acquireExclusiveBackground(ctx); err != nil {
		return err
	}
	defer ti.releaseBackground()

	timer := logging.StartTimer(ti.logger, "completed scavenge of table index")
	ti.logger.Info("starting scavenge of table index")

	_, m := ti.snapshot()
	for _, pt := range m.InOrder() {
		tableTimer := logging.StartTimer(ti.logger, "scavenged table", logging.TableID(pt.ID()))
		if err := ctx.Err(); err != nil {
			log.IndexTableNotScavenged(-1, -1, tableTimer.Elapsed(), pt.Count(), "scavenge cancelled")
			timer.EndError(err)
			return err
		}
		if err := ti.scavengeTable(ctx, pt, log, tableTimer); err != nil {
			reason := err.Error()
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				reason = "scavenge cancelled"
			}
			log.IndexTableNotScavenged(-1, -1, tableTimer.Elapsed(), pt.Count(), reason)
			timer.EndError(err)
			return err
		}
	}
	timer.End()
	return nil
}

func (ti *TableIndex) scavengeTable(ctx context.Context, pt *PTable, log ScavengerLog, timer *logging.TimedOperation) error {
	reader, err := ti.opts.LogReaderFactory()
	if err != nil {
		return fmt.Errorf("failed to lease log reader: %w", err)
	}
	defer reader.Close()

	sc := ScavengeContext{
		MergeContext: logReaderContext(reader, ti.opts.PTableVersion, ti.hashes.UpgradeHash, ti.filenames),
		Limiter:      ti.opts.ScavengeLimiter,
	}
	_, m := ti.snapshot()
	res, err := m.Scavenge(ctx, pt.ID(), sc)
	if err != nil {
		return err
	}
	if !res.Success {
		log.IndexTableNotScavenged(res.Level, res.Index, timer.Elapsed(), pt.Count(), "")
		timer.EndWithLevel(logging.DebugLevel, "table left unscavenged")
		return nil
	}

	if err := res.Map.SaveToFile(ti.indexMapPath); err != nil {
		res.NewTable.MarkForDestruction()
		return err
	}
	ti.setIndexMap(res.Map)
	res.OldTable.MarkForDestruction()

	log.IndexTableScavenged(res.Level, res.Index, timer.Elapsed(),
		res.OldTable.Count()-res.NewTable.Count(), res.NewTable.Count(), res.SpaceSaved)
	timer.EndWithLevel(logging.DebugLevel, "scavenged table", logging.Int64("space_saved", res.SpaceSaved))
	return nil
}

type nopScavengerLog struct{}

func (nopScavengerLog) IndexTableScavenged(int, int, time.Duration, int64, int64, int64) {}
func (nopScavengerLog) IndexTableNotScavenged(int, int, time.Duration, int64, string) {}
