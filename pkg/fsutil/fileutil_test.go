package fsutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFileWriter_WriteAndClose(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "table")

	fw, err := CreateFile(path, 0)
	if err != nil {
		t.Fatalf("CreateFile() failed: %v", err)
	}
	if _, err := fw.Write([]byte("test data")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := fw.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(content) != "test data" {
		t.Errorf("Content = %q, want %q", string(content), "test data")
	}
}

func TestFileWriter_ReadAtSeesBufferedWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "table")

	fw, err := CreateFile(path, 4096)
	if err != nil {
		t.Fatalf("CreateFile() failed: %v", err)
	}
	defer fw.Abort()

	if _, err := fw.Write([]byte("header-entries")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	buf := make([]byte, 7)
	if _, err := fw.ReadAt(buf, 7); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if string(buf) != "entries" {
		t.Errorf("ReadAt = %q, want %q", string(buf), "entries")
	}
}

func TestFileWriter_Abort(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "partial")

	fw, err := CreateFile(path, 64)
	if err != nil {
		t.Fatalf("CreateFile() failed: %v", err)
	}
	_, _ = fw.Write([]byte("half written"))
	fw.Abort()

	if FileExists(path) {
		t.Error("aborted file should be removed")
	}
}

func TestReplaceFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "indexmap.tmp")
	dst := filepath.Join(dir, "indexmap")

	if err := os.WriteFile(dst, []byte("old"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(src, []byte("new"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := ReplaceFile(src, dst, 0); err != nil {
		t.Fatalf("ReplaceFile failed: %v", err)
	}

	content, _ := os.ReadFile(dst)
	if string(content) != "new" {
		t.Errorf("Content = %q, want new", content)
	}
	if FileExists(src) {
		t.Error("source should be gone after replace")
	}
}

func TestReplaceFile_MissingDestination(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a")
	dst := filepath.Join(dir, "b")
	if err := os.WriteFile(src, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := ReplaceFile(src, dst, 1); err != nil {
		t.Fatalf("ReplaceFile failed: %v", err)
	}
	if !FileExists(dst) {
		t.Error("destination should exist")
	}
}

func TestReplaceFile_MissingSource(t *testing.T) {
	dir := t.TempDir()
	if err := ReplaceFile(filepath.Join(dir, "nope"), filepath.Join(dir, "dst"), 2); err == nil {
		t.Error("expected error for missing source")
	}
}

func TestCopyDir(t *testing.T) {
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "indexmap"), []byte("map"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(src, "sub"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "sub", "t1"), []byte("table"), 0644); err != nil {
		t.Fatal(err)
	}

	dst := filepath.Join(t.TempDir(), "backup")
	if err := CopyDir(src, dst); err != nil {
		t.Fatalf("CopyDir failed: %v", err)
	}

	content, err := os.ReadFile(filepath.Join(dst, "sub", "t1"))
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(content) != "table" {
		t.Errorf("Content = %q, want table", content)
	}
	if !FileExists(filepath.Join(dst, "indexmap")) {
		t.Error("indexmap not copied")
	}
}

func TestRemoveIfExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x")

	if err := RemoveIfExists(path); err != nil {
		t.Errorf("missing file should not be an error: %v", err)
	}

	_ = os.WriteFile(path, []byte("x"), 0644)
	if err := RemoveIfExists(path); err != nil {
		t.Fatalf("RemoveIfExists failed: %v", err)
	}
	if FileExists(path) {
		t.Error("file should be removed")
	}
}

func TestEnsureDirAndFileSize(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	if err := EnsureDir(dir); err != nil {
		t.Fatalf("EnsureDir failed: %v", err)
	}
	if err := SyncDir(dir); err != nil {
		t.Fatalf("SyncDir failed: %v", err)
	}

	path := filepath.Join(dir, "f")
	_ = os.WriteFile(path, make([]byte, 128), 0644)

	size, err := FileSize(path)
	if err != nil {
		t.Fatalf("FileSize failed: %v", err)
	}
	if size != 128 {
		t.Errorf("FileSize = %d, want 128", size)
	}

	if _, err := FileSize(filepath.Join(dir, "missing")); err == nil {
		t.Error("expected error for missing file")
	}
}
