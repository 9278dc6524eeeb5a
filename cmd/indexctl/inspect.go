package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dd0wney/cluso-index/pkg/index"
	"github.com/dd0wney/cluso-index/pkg/logging"
	"github.com/dd0wney/cluso-index/pkg/metrics"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

func newFlagSet(name string, w io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(w)
	return fs
}

// parseFlags treats -h as a successful run.
func parseFlags(fs *flag.FlagSet, args []string) (bool, error) {
	err := fs.Parse(args)
	if errors.Is(err, flag.ErrHelp) {
		return false, nil
	}
	return err == nil, err
}

// inspectOptions opens tables for reading only, with the process registry
// and a logger controlled by INDEXCTL_LOG_LEVEL.
func inspectOptions(verify bool) index.PTableOptions {
	opts := index.DefaultPTableOptions()
	opts.InitialReaders = 0
	opts.MaxReaders = 1
	opts.SkipIndexVerify = !verify
	opts.LRUCacheSize = 0
	opts.Logger = logging.NewFromEnv("INDEXCTL_LOG_LEVEL", logging.WarnLevel)
	opts.Metrics = metrics.DefaultRegistry()
	return opts
}

func handleInfo(args []string, w io.Writer) error {
	fs := newFlagSet("info", w)
	dir := fs.String("dir", "", "Index directory")
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}
	if *dir == "" {
		return errors.New("info: -dir is required")
	}

	manifest, err := index.ReadManifest(filepath.Join(*dir, index.IndexMapFilename))
	if err != nil {
		return fmt.Errorf("failed to read index map: %w", err)
	}

	fmt.Fprintf(w, "Index map version:    %d\n", manifest.Version)
	fmt.Fprintf(w, "Prepare checkpoint:   %d\n", manifest.PrepareCheckpoint)
	fmt.Fprintf(w, "Commit checkpoint:    %d\n", manifest.CommitCheckpoint)
	fmt.Fprintf(w, "Max auto merge level: %d\n", manifest.MaxAutoMergeLevel)
	fmt.Fprintf(w, "Tables:               %d\n\n", len(manifest.Tables))

	opts := inspectOptions(false)
	var total int64
	for _, e := range manifest.Tables {
		path := filepath.Join(*dir, e.Filename)
		t, err := index.OpenPTable(path, uuid.New(), opts)
		if err != nil {
			fmt.Fprintf(w, "  [%d,%d] %s  error: %v\n", e.Level, e.Position, e.Filename, err)
			continue
		}
		info := t.Info()
		t.Dispose()
		total += info.Count

		fmt.Fprintf(w, "  [%d,%d] %s  v%d  entries=%d  size=%d  midpoints=%d  bloom=%t",
			e.Level, e.Position, e.Filename, info.Version, info.Count, info.Size, info.Midpoints, info.HasBloomFilter)
		if info.HasBloomFilter {
			fmt.Fprintf(w, "  bloom_fp<=%.2g", info.BloomFalsePositiveRate)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "\nTotal entries: %d\n", total)
	return nil
}

func handleVerify(args []string, w io.Writer) error {
	fs := newFlagSet("verify", w)
	dir := fs.String("dir", "", "Index directory")
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}
	if *dir == "" {
		return errors.New("verify: -dir is required")
	}

	manifest, err := index.ReadManifest(filepath.Join(*dir, index.IndexMapFilename))
	if err != nil {
		return fmt.Errorf("failed to read index map: %w", err)
	}

	opts := inspectOptions(true)
	failed := 0
	for _, e := range manifest.Tables {
		t, err := index.OpenPTable(filepath.Join(*dir, e.Filename), uuid.New(), opts)
		if err != nil {
			failed++
			fmt.Fprintf(w, "FAIL  [%d,%d] %s: %v\n", e.Level, e.Position, e.Filename, err)
			continue
		}
		t.Dispose()
		fmt.Fprintf(w, "OK    [%d,%d] %s\n", e.Level, e.Position, e.Filename)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d tables failed verification", failed, len(manifest.Tables))
	}
	fmt.Fprintf(w, "All %d tables verified\n", len(manifest.Tables))
	return nil
}

func handleDump(args []string, w io.Writer) (err error) {
	fs := newFlagSet("dump", w)
	file := fs.String("file", "", "Table file to dump")
	compress := fs.Bool("zstd", false, "Compress the output with zstd")
	output := fs.String("o", "", "Output file (default stdout)")
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}
	if *file == "" {
		return errors.New("dump: -file is required")
	}

	t, err := index.OpenPTable(*file, uuid.New(), inspectOptions(false))
	if err != nil {
		return err
	}
	defer t.Dispose()

	out := w
	if *output != "" {
		f, cerr := os.Create(*output)
		if cerr != nil {
			return fmt.Errorf("failed to create %s: %w", *output, cerr)
		}
		defer func() {
			if cerr := f.Close(); err == nil {
				err = cerr
			}
		}()
		out = f
	}

	if *compress {
		enc, zerr := zstd.NewWriter(out)
		if zerr != nil {
			return zerr
		}
		defer func() {
			if cerr := enc.Close(); err == nil {
				err = cerr
			}
		}()
		out = enc
	}

	return dumpTable(t, out)
}

func dumpTable(t *index.PTable, w io.Writer) error {
	bw := bufio.NewWriter(w)
	info := t.Info()
	fmt.Fprintf(bw, "# %s version=%d entries=%d\n", filepath.Base(info.Path), info.Version, info.Count)

	it := t.IterateAllInOrder()
	defer it.Close()
	for {
		e, ok := it.Next()
		if !ok {
			break
		}
		fmt.Fprintf(bw, "%#016x\t%d\t%d\n", e.Stream, e.Version, e.Position)
	}
	if err := it.Err(); err != nil {
		return err
	}
	return bw.Flush()
}
