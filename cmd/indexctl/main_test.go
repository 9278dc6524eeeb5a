package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dd0wney/cluso-index/pkg/index"
	"github.com/dd0wney/cluso-index/pkg/metrics"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tableHeaderSize = 128

// buildBenchIndex writes 30 entries in memtables of 10, leaving three
// level 0 tables on disk.
func buildBenchIndex(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := benchConfig{entries: 30, streams: 3, reads: 20, memtable: 10, bloom: true}

	var out bytes.Buffer
	require.NoError(t, runBench(cfg, dir, metrics.NewRegistry(), &out))
	require.Contains(t, out.String(), "levels: [3]")
	require.Contains(t, out.String(), "Table caches over 3 tables:")
	require.Regexp(t, `bounds: entries=[1-9]\d* hits=\d+ misses=[1-9]`, out.String())
	require.Contains(t, out.String(), "Caches:")
	return dir
}

func tableFiles(t *testing.T, dir string) []string {
	t.Helper()
	manifest, err := index.ReadManifest(filepath.Join(dir, index.IndexMapFilename))
	require.NoError(t, err)

	files := make([]string, 0, len(manifest.Tables))
	for _, e := range manifest.Tables {
		files = append(files, filepath.Join(dir, e.Filename))
	}
	return files
}

// TestRun_Usage tests command dispatch for help and unknown commands
func TestRun_Usage(t *testing.T) {
	var stdout, stderr bytes.Buffer

	err := run(nil, &stdout, &stderr)
	assert.ErrorIs(t, err, errUsage)
	assert.Contains(t, stderr.String(), "Available Commands")

	stderr.Reset()
	err = run([]string{"compact"}, &stdout, &stderr)
	assert.ErrorIs(t, err, errUsage)
	assert.Contains(t, stderr.String(), "Unknown command: compact")

	require.NoError(t, run([]string{"help"}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "indexctl <command>")

	stdout.Reset()
	require.NoError(t, run([]string{"version"}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "indexctl v")
}

// TestRun_MissingFlags tests that required flags are enforced
func TestRun_MissingFlags(t *testing.T) {
	for _, cmd := range []string{"info", "verify", "dump", "merge"} {
		t.Run(cmd, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			err := run([]string{cmd}, &stdout, &stderr)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "is required")
		})
	}

	var stdout, stderr bytes.Buffer
	require.NoError(t, run([]string{"info", "-h"}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "-dir")
}

// TestInfo tests the manifest and table summary
func TestInfo(t *testing.T) {
	dir := buildBenchIndex(t)

	var stdout, stderr bytes.Buffer
	require.NoError(t, run([]string{"info", "-dir", dir}, &stdout, &stderr))

	out := stdout.String()
	assert.Contains(t, out, "Index map version:    2")
	assert.Contains(t, out, "Tables:               3")
	assert.Contains(t, out, "v4  entries=10")
	assert.Contains(t, out, "bloom=true  bloom_fp<=")
	assert.Contains(t, out, "Total entries: 30")
}

// TestVerify tests full verification, then a damaged table
func TestVerify(t *testing.T) {
	dir := buildBenchIndex(t)

	var stdout, stderr bytes.Buffer
	require.NoError(t, run([]string{"verify", "-dir", dir}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "All 3 tables verified")

	victim := tableFiles(t, dir)[0]
	data, err := os.ReadFile(victim)
	require.NoError(t, err)
	data[tableHeaderSize+3] ^= 0xFF
	require.NoError(t, os.WriteFile(victim, data, 0644))

	stdout.Reset()
	err = run([]string{"verify", "-dir", dir}, &stdout, &stderr)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 3 tables failed")
	assert.Contains(t, stdout.String(), "FAIL")
}

// TestDump tests plain and zstd compressed dumps
func TestDump(t *testing.T) {
	dir := buildBenchIndex(t)
	file := tableFiles(t, dir)[0]

	var stdout, stderr bytes.Buffer
	require.NoError(t, run([]string{"dump", "-file", file}, &stdout, &stderr))
	plain := stdout.String()
	lines := strings.Split(strings.TrimSpace(plain), "\n")
	require.Len(t, lines, 11)
	assert.True(t, strings.HasPrefix(lines[0], "# "))
	assert.True(t, strings.HasPrefix(lines[1], "0x"))

	out := filepath.Join(t.TempDir(), "dump.zst")
	require.NoError(t, run([]string{"dump", "-file", file, "-zstd", "-o", out}, &stdout, &stderr))

	f, err := os.Open(out)
	require.NoError(t, err)
	defer f.Close()
	dec, err := zstd.NewReader(f)
	require.NoError(t, err)
	defer dec.Close()

	decoded, err := io.ReadAll(dec)
	require.NoError(t, err)
	assert.Equal(t, plain, string(decoded))
}

// TestMerge tests a manual merge driven by a config file
func TestMerge(t *testing.T) {
	dir := buildBenchIndex(t)
	configPath := filepath.Join(t.TempDir(), "index.yaml")
	config := "directory: " + dir + "\nmax_auto_merge_level: 0\nlog_level: error\n"
	require.NoError(t, os.WriteFile(configPath, []byte(config), 0644))

	var stdout, stderr bytes.Buffer
	require.NoError(t, run([]string{"merge", "-config", configPath}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "Levels before: [3]")
	assert.Contains(t, stdout.String(), "Levels after:  [0 1]")

	manifest, err := index.ReadManifest(filepath.Join(dir, index.IndexMapFilename))
	require.NoError(t, err)
	require.Len(t, manifest.Tables, 1)
	assert.Equal(t, 1, manifest.Tables[0].Level)
	assert.Equal(t, 0, manifest.MaxAutoMergeLevel)
}

// TestMerge_NoIndexMap tests that a directory without a manifest is refused
func TestMerge_NoIndexMap(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "index.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("directory: "+t.TempDir()+"\n"), 0644))

	var stdout, stderr bytes.Buffer
	err := run([]string{"merge", "-config", configPath}, &stdout, &stderr)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read index map")
}
