// Package fsutil holds the small file and directory helpers the index uses
// for durable writes, manifest replacement and directory backups.
package fsutil

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// DefaultReplaceAttempts is how many times ReplaceFile retries before giving up.
const DefaultReplaceAttempts = 5

// FileWriter writes a new file through a buffer. The file is only considered
// complete after Close; Abort removes whatever was written.
type FileWriter struct {
	path   string
	file   *os.File
	writer *bufio.Writer
}

// CreateFile creates (or truncates) path for writing.
// bufferSize controls the bufio.Writer buffer size (0 = default).
func CreateFile(path string, bufferSize int) (*FileWriter, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create file %s: %w", path, err)
	}

	fw := &FileWriter{path: path, file: file}
	if bufferSize > 0 {
		fw.writer = bufio.NewWriterSize(file, bufferSize)
	} else {
		fw.writer = bufio.NewWriter(file)
	}
	return fw, nil
}

// Path returns the file being written.
func (fw *FileWriter) Path() string {
	return fw.path
}

// Write writes data to the buffer.
func (fw *FileWriter) Write(p []byte) (int, error) {
	return fw.writer.Write(p)
}

// ReadAt flushes pending writes and reads back what has been written so far.
func (fw *FileWriter) ReadAt(p []byte, off int64) (int, error) {
	if err := fw.writer.Flush(); err != nil {
		return 0, fmt.Errorf("failed to flush %s: %w", fw.path, err)
	}
	return fw.file.ReadAt(p, off)
}

// Sync flushes the buffer and syncs the file to disk.
func (fw *FileWriter) Sync() error {
	if err := fw.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush %s: %w", fw.path, err)
	}
	if err := fw.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", fw.path, err)
	}
	return nil
}

// Close flushes, syncs, and closes the file.
func (fw *FileWriter) Close() error {
	if err := fw.Sync(); err != nil {
		_ = fw.file.Close()
		return err
	}
	return fw.file.Close()
}

// Abort closes the file and removes it. It is safe to call after Close.
func (fw *FileWriter) Abort() {
	_ = fw.file.Close()
	_ = os.Remove(fw.path)
}

// ReplaceFile moves src over dst by deleting dst first and then renaming,
// retrying the pair up to attempts times. Some filesystems refuse to rename
// over a file that is still open elsewhere, so the delete is explicit.
func ReplaceFile(src, dst string, attempts int) error {
	if attempts <= 0 {
		attempts = DefaultReplaceAttempts
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := os.Remove(dst); err != nil && !errors.Is(err, fs.ErrNotExist) {
			lastErr = err
		} else if err := os.Rename(src, dst); err != nil {
			lastErr = err
		} else {
			return nil
		}
		time.Sleep(time.Duration(i+1) * 10 * time.Millisecond)
	}
	return fmt.Errorf("failed to replace %s after %d attempts: %w", dst, attempts, lastErr)
}

// RemoveIfExists removes path, treating a missing file as success.
func RemoveIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// CopyDir copies the regular files of src into a new directory dst.
// Subdirectories are copied recursively.
func CopyDir(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return out.Close()
}

// SyncDir fsyncs a directory so that renames and creates inside it are durable.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// EnsureDir creates a directory if it doesn't exist.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}

// FileExists checks if a file exists.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// FileSize returns the size of a file in bytes.
func FileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
