package index

import (
	"bufio"
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dd0wney/cluso-index/pkg/fsutil"
	"github.com/dd0wney/cluso-index/pkg/logging"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const manifestHashSize = 32

// Manifest is the parsed content of an indexmap file.
type Manifest struct {
	Version           int
	PrepareCheckpoint int64
	CommitCheckpoint  int64
	MaxAutoMergeLevel int // -1 for version 1 manifests
	Tables            []ManifestEntry
}

// ManifestEntry places one table file in the map.
type ManifestEntry struct {
	Level    int
	Position int
	Filename string
}

func manifestCorrupt(path, format string, args ...any) error {
	return NewError("load").IndexMap(path).Context(format, args...).Cause(ErrCorruptIndex).Err()
}

// ReadManifest reads and hash-validates the manifest at path without
// opening any table.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseManifest(path, data)
}

func parseManifest(path string, data []byte) (*Manifest, error) {
	if len(data) < manifestHashSize+1 || data[manifestHashSize] != '\n' {
		return nil, manifestCorrupt(path, "missing md5 hash line")
	}
	stored, err := hex.DecodeString(string(data[:manifestHashSize]))
	if err != nil {
		return nil, manifestCorrupt(path, "md5 hash %q is not hex", data[:manifestHashSize])
	}
	computed := md5.Sum(data[manifestHashSize:])
	if !bytes.Equal(stored, computed[:]) {
		return nil, manifestCorrupt(path, "hash validation error, stored: %X, computed: %X", stored, computed)
	}

	sc := bufio.NewScanner(bytes.NewReader(data[manifestHashSize+1:]))
	line := func(what string) (string, error) {
		if !sc.Scan() {
			return "", manifestCorrupt(path, "missing %s", what)
		}
		return sc.Text(), nil
	}

	m := &Manifest{MaxAutoMergeLevel: -1}

	text, err := line("version")
	if err != nil {
		return nil, err
	}
	if m.Version, err = strconv.Atoi(text); err != nil {
		return nil, manifestCorrupt(path, "invalid version %q", text)
	}

	if text, err = line("checkpoints"); err != nil {
		return nil, err
	}
	prepare, commit, ok := strings.Cut(text, "/")
	if !ok {
		return nil, manifestCorrupt(path, "invalid prepare/commit checkpoints %q", text)
	}
	if m.PrepareCheckpoint, err = strconv.ParseInt(prepare, 10, 64); err != nil || m.PrepareCheckpoint < -1 {
		return nil, manifestCorrupt(path, "invalid prepare checkpoint %q", prepare)
	}
	if m.CommitCheckpoint, err = strconv.ParseInt(commit, 10, 64); err != nil || m.CommitCheckpoint < -1 {
		return nil, manifestCorrupt(path, "invalid commit checkpoint %q", commit)
	}

	if m.Version > 1 {
		if text, err = line("max auto merge level"); err != nil {
			return nil, err
		}
		if m.MaxAutoMergeLevel, err = strconv.Atoi(text); err != nil {
			return nil, manifestCorrupt(path, "invalid max auto merge level %q", text)
		}
	}

	for sc.Scan() {
		text := sc.Text()
		parts := strings.SplitN(text, ",", 3)
		if len(parts) != 3 {
			return nil, manifestCorrupt(path, "invalid table line %q", text)
		}
		level, err1 := strconv.Atoi(parts[0])
		position, err2 := strconv.Atoi(parts[1])
		if err1 != nil || err2 != nil || level < 0 || position < 0 || parts[2] == "" {
			return nil, manifestCorrupt(path, "invalid table line %q", text)
		}
		m.Tables = append(m.Tables, ManifestEntry{Level: level, Position: position, Filename: parts[2]})
	}
	if err := sc.Err(); err != nil {
		return nil, manifestCorrupt(path, "%v", err)
	}

	if len(m.Tables) > 0 && (m.PrepareCheckpoint < 0 || m.CommitCheckpoint < 0) {
		return nil, manifestCorrupt(path, "negative prepare/commit checkpoint %d/%d in non-empty index map",
			m.PrepareCheckpoint, m.CommitCheckpoint)
	}
	return m, nil
}

// encodeManifest renders m with its leading md5 line.
func encodeManifest(m *Manifest) []byte {
	var body bytes.Buffer
	body.WriteByte('\n')
	fmt.Fprintf(&body, "%d\n", m.Version)
	fmt.Fprintf(&body, "%d/%d\n", m.PrepareCheckpoint, m.CommitCheckpoint)
	if m.Version > 1 {
		fmt.Fprintf(&body, "%d\n", m.MaxAutoMergeLevel)
	}
	for _, e := range m.Tables {
		fmt.Fprintf(&body, "%d,%d,%s\n", e.Level, e.Position, e.Filename)
	}

	sum := md5.Sum(body.Bytes())
	out := make([]byte, 0, manifestHashSize+body.Len())
	out = append(out, strings.ToUpper(hex.EncodeToString(sum[:]))...)
	return append(out, body.Bytes()...)
}

// Manifest describes the map as it would be saved.
func (m *IndexMap) Manifest() *Manifest {
	out := &Manifest{
		Version:           m.version,
		PrepareCheckpoint: m.prepareCheckpoint,
		CommitCheckpoint:  m.commitCheckpoint,
		MaxAutoMergeLevel: m.maxAutoMergeLevel,
	}
	for i, level := range m.levels {
		for j, t := range level {
			out.Tables = append(out.Tables, ManifestEntry{Level: i, Position: j, Filename: filepath.Base(t.Path())})
		}
	}
	return out
}

// FromFile loads the manifest at path and opens every table it lists. A
// missing manifest gives an empty map. Loading is all-or-nothing: if any
// table fails to open, the ones already open are disposed.
func FromFile(path string, opts IndexMapOptions) (*IndexMap, error) {
	empty, err := NewIndexMap(opts)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return empty, nil
	}
	if err != nil {
		return nil, NewError("load").IndexMap(path).Cause(err).Err()
	}

	manifest, err := parseManifest(path, data)
	if err != nil {
		return nil, err
	}
	maxAuto := opts.MaxAutoMergeLevel
	if manifest.Version > 1 {
		if manifest.MaxAutoMergeLevel < opts.MaxAutoMergeLevel {
			return nil, manifestCorrupt(path,
				"index map has lower maximum auto merge level (%d) than is currently configured (%d) and the index will need to be rebuilt",
				manifest.MaxAutoMergeLevel, opts.MaxAutoMergeLevel)
		}
		maxAuto = min(opts.MaxAutoMergeLevel, manifest.MaxAutoMergeLevel)
	}

	timer := logging.StartTimer(empty.logger, "loaded index map", logging.Path(path))
	levels, err := empty.loadTables(path, manifest.Tables, opts.InitializationThreads)
	if err != nil {
		timer.EndError(err)
		return nil, err
	}

	m := empty.derive(levels, manifest.PrepareCheckpoint, manifest.CommitCheckpoint)
	m.maxAutoMergeLevel = maxAuto
	m.metrics.SetLevelSizes(m.levelSizes())
	timer.End(logging.Count(m.TableCount()), logging.Checkpoint(m.prepareCheckpoint, m.commitCheckpoint))
	return m, nil
}

// loadTables opens the tables in parallel, highest levels first since they
// are the largest.
func (m *IndexMap) loadTables(path string, entries []ManifestEntry, threads int) ([][]*PTable, error) {
	dir := filepath.Dir(path)

	var (
		mu     sync.Mutex
		levels [][]*PTable
		failed atomic.Bool
	)
	place := func(e ManifestEntry, t *PTable) error {
		mu.Lock()
		defer mu.Unlock()
		for len(levels) <= e.Level {
			levels = append(levels, nil)
		}
		for len(levels[e.Level]) <= e.Position {
			levels[e.Level] = append(levels[e.Level], nil)
		}
		if levels[e.Level][e.Position] != nil {
			return manifestCorrupt(path, "duplicate level,position %d,%d", e.Level, e.Position)
		}
		levels[e.Level][e.Position] = t
		return nil
	}

	g := new(errgroup.Group)
	g.SetLimit(max(threads, 1))
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		g.Go(func() error {
			if failed.Load() {
				return nil
			}
			t, err := OpenPTable(filepath.Join(dir, e.Filename), uuid.New(), m.opts)
			if err != nil {
				failed.Store(true)
				return err
			}
			if err := place(e, t); err != nil {
				t.Dispose()
				failed.Store(true)
				return err
			}
			return nil
		})
	}

	err := g.Wait()
	if err == nil {
		for i, level := range levels {
			for j, t := range level {
				if t == nil {
					err = manifestCorrupt(path, "index map is missing contiguous level,position %d,%d", i, j)
					break
				}
			}
			if err != nil {
				break
			}
		}
	}
	if err != nil {
		for _, level := range levels {
			for _, t := range level {
				if t != nil {
					t.Dispose()
				}
			}
		}
		m.logger.Error("error while loading index map", logging.Path(path), logging.Error(err))
		if !errors.Is(err, ErrCorruptIndex) {
			err = NewError("load").IndexMap(path).Cause(fmt.Errorf("%w: %w", ErrCorruptIndex, err)).Err()
		}
		return nil, err
	}
	return levels, nil
}

// SaveToFile writes the manifest to a temporary file and moves it over path.
func (m *IndexMap) SaveToFile(path string) (err error) {
	defer func() { m.metrics.RecordManifestSave(err) }()

	tmp := fmt.Sprintf("%s.%s.indexmap.tmp", path, uuid.NewString())
	fw, err := fsutil.CreateFile(tmp, 0)
	if err != nil {
		return err
	}
	if _, err = fw.Write(encodeManifest(m.Manifest())); err != nil {
		fw.Abort()
		return fmt.Errorf("failed to write index map %s: %w", tmp, err)
	}
	if err = fw.Close(); err != nil {
		fw.Abort()
		return err
	}

	if err = fsutil.ReplaceFile(tmp, path, fsutil.DefaultReplaceAttempts); err != nil {
		m.logger.Error("failed to replace index map", logging.Path(path), logging.String("tmp", tmp), logging.Error(err))
		_ = fsutil.RemoveIfExists(tmp)
		return err
	}
	return fsutil.SyncDir(filepath.Dir(path))
}
