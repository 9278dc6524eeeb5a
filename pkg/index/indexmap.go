package index

import (
	"context"
	"fmt"
	"time"

	"github.com/dd0wney/cluso-index/pkg/logging"
	"github.com/dd0wney/cluso-index/pkg/metrics"
	"github.com/google/uuid"
)

// IndexMapVersion is the manifest format written by SaveToFile.
const IndexMapVersion = 2

// IndexMapFilename is the manifest name inside the index directory.
const IndexMapFilename = "indexmap"

// IndexMapOptions configures an IndexMap.
type IndexMapOptions struct {
	MaxTablesPerLevel     int
	MaxAutoMergeLevel     int
	InitializationThreads int
	PTable                PTableOptions
}

func (o IndexMapOptions) validate() error {
	if o.MaxTablesPerLevel <= 1 {
		return fmt.Errorf("%w: max tables per level must be > 1, got %d", ErrInvalidArgument, o.MaxTablesPerLevel)
	}
	if o.MaxAutoMergeLevel < 0 {
		return fmt.Errorf("%w: max auto merge level must be >= 0, got %d", ErrInvalidArgument, o.MaxAutoMergeLevel)
	}
	return nil
}

// IndexMap is an immutable leveled collection of tables plus the log
// checkpoint they cover. Level 0 holds the newest tables; within a level
// later tables are newer. Every mutation returns a new map.
type IndexMap struct {
	version           int
	prepareCheckpoint int64
	commitCheckpoint  int64
	maxTablesPerLevel int
	maxAutoMergeLevel int

	levels [][]*PTable

	opts    PTableOptions
	logger  logging.Logger
	metrics *metrics.Registry
}

// NewIndexMap returns an empty map with both checkpoints at -1.
func NewIndexMap(opts IndexMapOptions) (*IndexMap, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	popts := opts.PTable.withDefaults()
	return &IndexMap{
		version:           IndexMapVersion,
		prepareCheckpoint: -1,
		commitCheckpoint:  -1,
		maxTablesPerLevel: opts.MaxTablesPerLevel,
		maxAutoMergeLevel: opts.MaxAutoMergeLevel,
		opts:              popts,
		logger:            popts.Logger.With(logging.Component("indexmap")),
		metrics:           popts.Metrics,
	}, nil
}

// derive returns a copy of m holding levels.
func (m *IndexMap) derive(levels [][]*PTable, prepare, commit int64) *IndexMap {
	out := *m
	out.levels = levels
	out.prepareCheckpoint = prepare
	out.commitCheckpoint = commit
	return &out
}

func copyLevels(levels [][]*PTable) [][]*PTable {
	out := make([][]*PTable, len(levels))
	for i, level := range levels {
		out[i] = append([]*PTable(nil), level...)
	}
	return out
}

func addTableToLevel(levels [][]*PTable, level int, t *PTable) [][]*PTable {
	for len(levels) <= level {
		levels = append(levels, nil)
	}
	levels[level] = append(levels[level], t)
	return levels
}

func (m *IndexMap) Version() int { return m.version }
func (m *IndexMap) PrepareCheckpoint() int64 { return m.prepareCheckpoint }
func (m *IndexMap) CommitCheckpoint() int64 { return m.commitCheckpoint }
func (m *IndexMap) MaxAutoMergeLevel() int { return m.maxAutoMergeLevel }

// Levels returns a copy of the level structure.
func (m *IndexMap) Levels() [][]*PTable {
	return copyLevels(m.levels)
}

// TableCount returns the number of tables over all levels.
func (m *IndexMap) TableCount() int {
	n := 0
	for _, level := range m.levels {
		n += len(level)
	}
	return n
}

// InOrder lists tables newest first: level 0 upwards, and within a level
// from last to first.
func (m *IndexMap) InOrder() []*PTable {
	out := make([]*PTable, 0, m.TableCount())
	for _, level := range m.levels {
		for j := len(level) - 1; j >= 0; j-- {
			out = append(out, level[j])
		}
	}
	return out
}

// InReverseOrder lists tables oldest first.
func (m *IndexMap) InReverseOrder() []*PTable {
	out := make([]*PTable, 0, m.TableCount())
	for i := len(m.levels) - 1; i >= 0; i-- {
		out = append(out, m.levels[i]...)
	}
	return out
}

// GetAllFilenames returns the paths of every table in the map.
func (m *IndexMap) GetAllFilenames() []string {
	out := make([]string, 0, m.TableCount())
	for _, level := range m.levels {
		for _, t := range level {
			out = append(out, t.Path())
		}
	}
	return out
}

func (m *IndexMap) levelSizes() []int {
	sizes := make([]int, len(m.levels))
	for i, level := range m.levels {
		sizes[i] = len(level)
	}
	return sizes
}

// AddPTable adds t at level 0 with the given checkpoint and runs every
// automatic merge that becomes due. It returns the new map and the tables
// the merges superseded, which the caller must retire.
func (m *IndexMap) AddPTable(t *PTable, prepare, commit int64, mc MergeContext) (*IndexMap, []*PTable, error) {
	if prepare < 0 || commit < 0 {
		return nil, nil, fmt.Errorf("%w: negative checkpoint %d/%d", ErrInvalidArgument, prepare, commit)
	}

	levels := addTableToLevel(copyLevels(m.levels), 0, t)
	var superseded []*PTable

	for level := 0; level < min(len(levels), m.maxAutoMergeLevel); level++ {
		if len(levels[level]) < m.maxTablesPerLevel {
			continue
		}
		merged, err := m.merge(levels[level], mc, "auto", level)
		if err != nil {
			return nil, nil, err
		}
		superseded = append(superseded, levels[level]...)
		levels[level] = nil
		levels = addTableToLevel(levels, level+1, merged)
	}

	out := m.derive(levels, prepare, commit)
	m.metrics.SetLevelSizes(out.levelSizes())
	return out, superseded, nil
}

// TryManualMerge merges every table at or above the automatic merge ceiling
// into one table one level above it. With fewer than two such tables the
// map is returned unchanged.
func (m *IndexMap) TryManualMerge(mc MergeContext) (*IndexMap, []*PTable, error) {
	if len(m.levels) <= m.maxAutoMergeLevel {
		return m, nil, nil
	}
	var toMerge []*PTable
	for _, level := range m.levels[m.maxAutoMergeLevel:] {
		toMerge = append(toMerge, level...)
	}
	if len(toMerge) < 2 {
		return m, nil, nil
	}

	merged, err := m.merge(toMerge, mc, "manual", m.maxAutoMergeLevel)
	if err != nil {
		return nil, nil, err
	}

	levels := copyLevels(m.levels[:m.maxAutoMergeLevel+1])
	levels[m.maxAutoMergeLevel] = nil
	levels = addTableToLevel(levels, m.maxAutoMergeLevel+1, merged)

	out := m.derive(levels, m.prepareCheckpoint, m.commitCheckpoint)
	m.metrics.SetLevelSizes(out.levelSizes())
	return out, toMerge, nil
}

func (m *IndexMap) merge(tables []*PTable, mc MergeContext, kind string, level int) (*PTable, error) {
	if mc.Filenames == nil {
		return nil, fmt.Errorf("%w: merge needs a filename provider", ErrInvalidArgument)
	}
	path := mc.Filenames.NewTablePath()
	timer := logging.StartTimer(m.logger, "merged tables",
		logging.Operation(kind), logging.TableLevel(level), logging.Count(len(tables)))

	merged, err := MergeTo(tables, path, mc, m.opts)
	if err != nil {
		m.metrics.RecordMerge(kind, "error", timer.Elapsed())
		timer.EndWithLevel(logging.ErrorLevel, "merge failed", logging.Error(err))
		return nil, err
	}
	m.metrics.RecordMerge(kind, "success", timer.Elapsed())
	timer.End(logging.Int64("entries", merged.Count()), logging.Path(path))
	return merged, nil
}

// ScavengeResult describes the outcome of IndexMap.Scavenge. When Success
// is false the table was left as it was and Map is the unchanged map.
type ScavengeResult struct {
	Map        *IndexMap
	Success    bool
	Level      int
	Index      int
	OldTable   *PTable
	NewTable   *PTable
	SpaceSaved int64
}

// Scavenge replaces the table with the given id by its scavenged form.
func (m *IndexMap) Scavenge(ctx context.Context, id uuid.UUID, sc ScavengeContext) (ScavengeResult, error) {
	for level, tables := range m.levels {
		for i, old := range tables {
			if old.ID() != id {
				continue
			}
			if sc.Filenames == nil {
				return ScavengeResult{}, fmt.Errorf("%w: scavenge needs a filename provider", ErrInvalidArgument)
			}

			scavenged, spaceSaved, err := Scavenged(ctx, old, sc.Filenames.NewTablePath(), sc, m.opts)
			if err != nil {
				return ScavengeResult{}, err
			}
			if scavenged == nil {
				m.metrics.RecordScavenge(false, 0)
				return ScavengeResult{Map: m, Level: level, Index: i, OldTable: old}, nil
			}

			levels := copyLevels(m.levels)
			levels[level][i] = scavenged
			m.metrics.RecordScavenge(true, spaceSaved)
			return ScavengeResult{
				Map:        m.derive(levels, m.prepareCheckpoint, m.commitCheckpoint),
				Success:    true,
				Level:      level,
				Index:      i,
				OldTable:   old,
				NewTable:   scavenged,
				SpaceSaved: spaceSaved,
			}, nil
		}
	}
	return ScavengeResult{}, NewError("scavenge").Table(id).Cause(ErrTableNotFound).Err()
}

// Dispose closes every table, keeping the files, and waits up to timeout
// for each to drain.
func (m *IndexMap) Dispose(timeout time.Duration) error {
	tables := m.InOrder()
	for _, t := range tables {
		t.Dispose()
	}
	var first error
	for _, t := range tables {
		if err := t.WaitForDisposal(timeout); err != nil && first == nil {
			first = err
		}
	}
	return first
}
