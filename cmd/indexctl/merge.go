package main

import (
	"errors"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"time"

	"github.com/dd0wney/cluso-index/pkg/config"
	"github.com/dd0wney/cluso-index/pkg/index"
	"github.com/dd0wney/cluso-index/pkg/metrics"
)

// permissiveLogReader stands in for the event log, which the CLI cannot
// reach. Every entry is treated as live and no stream name can be resolved.
type permissiveLogReader struct{}

func (permissiveLogReader) ExistsAt(int64) (bool, error) { return true, nil }
func (permissiveLogReader) TryReadAt(int64) (string, bool, error) { return "", false, nil }
func (permissiveLogReader) Close() error { return nil }
func permissiveLogReaderFactory() (index.LogReader, error) { return permissiveLogReader{}, nil }

func handleMerge(args []string, w io.Writer) error {
	fs := newFlagSet("merge", w)
	dir := fs.String("dir", "", "Index directory (overrides the config directory)")
	configPath := fs.String("config", "", "Index configuration file")
	timeout := fs.Duration("timeout", 30*time.Minute, "How long to wait for the merge")
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}
	if *configPath == "" {
		return errors.New("merge: -config is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *dir != "" {
		cfg.Directory = *dir
	}
	if cfg.InMem {
		return errors.New("merge: an in-memory index has nothing to merge")
	}

	// Loading a corrupt map would back it up and rebuild it empty, which is
	// not something an offline merge should do. Check it first.
	manifest, err := index.ReadManifest(filepath.Join(cfg.Directory, index.IndexMapFilename))
	if err != nil {
		return fmt.Errorf("failed to read index map: %w", err)
	}
	if manifest.Version > 1 && manifest.MaxAutoMergeLevel < cfg.MaxAutoMergeLevel {
		return fmt.Errorf("merge: index map max auto merge level %d is below the configured %d",
			manifest.MaxAutoMergeLevel, cfg.MaxAutoMergeLevel)
	}

	opts := cfg.IndexOptions(metrics.DefaultRegistry())
	opts.LogReaderFactory = permissiveLogReaderFactory

	ti, err := index.NewTableIndex(opts)
	if err != nil {
		return err
	}
	if err := ti.Initialize(math.MaxInt64); err != nil {
		return err
	}
	defer ti.Close(false)

	for _, t := range ti.IndexMap().InOrder() {
		if t.Version() == index.PTableVersion1 && opts.PTableVersion > index.PTableVersion1 {
			return fmt.Errorf("merge: %s is a v1 table and upgrading it needs the event log", filepath.Base(t.Path()))
		}
	}

	before := ti.Stats().Levels
	start := time.Now()
	ti.TryManualMerge()
	if err := ti.WaitForBackgroundTasks(*timeout); err != nil {
		return fmt.Errorf("merge did not finish: %w", err)
	}

	fmt.Fprintf(w, "Levels before: %v\n", before)
	fmt.Fprintf(w, "Levels after:  %v\n", ti.Stats().Levels)
	fmt.Fprintf(w, "Merged in %v\n", time.Since(start).Round(time.Millisecond))
	return nil
}
