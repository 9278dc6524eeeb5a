package index

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Common sentinel errors
var (
	ErrCorruptIndex        = errors.New("corrupt index")
	ErrMaybeCorruptIndex   = errors.New("index may be corrupt")
	ErrFileBeingDeleted    = errors.New("file is being deleted")
	ErrHandlePoolExhausted = errors.New("no free file handle")
	ErrTimeout             = errors.New("timed out")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrAlreadyInitialized  = errors.New("table index already initialized")
	ErrTableNotFound       = errors.New("table not found in index map")
	ErrFilesLocked         = errors.New("files are locked")
	ErrClosed              = errors.New("table index is closed")
)

// IndexError provides structured error information for index operations.
type IndexError struct {
	Op      string    // Operation that failed (e.g., "open", "merge")
	Entity  string    // Entity type (e.g., "ptable", "indexmap")
	Path    string    // File involved (if any)
	TableID uuid.UUID // Table id (if applicable)
	Cause   error     // Underlying error
	Context string    // Additional context
}

// Error implements the error interface.
func (e *IndexError) Error() string {
	subject := e.Entity
	if e.Path != "" {
		subject = fmt.Sprintf("%s %s", e.Entity, e.Path)
	} else if e.TableID != uuid.Nil {
		subject = fmt.Sprintf("%s %s", e.Entity, e.TableID)
	}
	if e.Context != "" {
		return fmt.Sprintf("%s %s (%s): %v", e.Op, subject, e.Context, e.Cause)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, subject, e.Cause)
}

// Unwrap returns the underlying cause for error chain support.
func (e *IndexError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target error matches this error or its cause.
func (e *IndexError) Is(target error) bool {
	if target == nil {
		return false
	}
	return errors.Is(e.Cause, target)
}

// ErrorBuilder provides a fluent interface for building IndexErrors.
type ErrorBuilder struct {
	err IndexError
}

// NewError creates a new error builder with the given operation.
func NewError(op string) *ErrorBuilder {
	return &ErrorBuilder{err: IndexError{Op: op}}
}

// PTable sets the entity to "ptable" with the given file.
func (b *ErrorBuilder) PTable(path string) *ErrorBuilder {
	b.err.Entity = "ptable"
	b.err.Path = path
	return b
}

// IndexMap sets the entity to "indexmap" with the given file.
func (b *ErrorBuilder) IndexMap(path string) *ErrorBuilder {
	b.err.Entity = "indexmap"
	b.err.Path = path
	return b
}

// Table sets the entity to "table" with the given id.
func (b *ErrorBuilder) Table(id uuid.UUID) *ErrorBuilder {
	if b.err.Entity == "" {
		b.err.Entity = "table"
	}
	b.err.TableID = id
	return b
}

// Context sets additional context information.
func (b *ErrorBuilder) Context(format string, args ...any) *ErrorBuilder {
	b.err.Context = fmt.Sprintf(format, args...)
	return b
}

// Cause sets the underlying error cause.
func (b *ErrorBuilder) Cause(err error) *ErrorBuilder {
	b.err.Cause = err
	return b
}

// Build returns the constructed IndexError.
func (b *ErrorBuilder) Build() *IndexError {
	return &b.err
}

// Err returns the error as an error interface.
func (b *ErrorBuilder) Err() error {
	return &b.err
}

// corruptf reports a structural problem with a file.
func corruptf(path, format string, args ...any) error {
	return NewError("open").PTable(path).Context(format, args...).Cause(ErrCorruptIndex).Err()
}

// maybeCorruptf reports a failed binary search consistency check.
func maybeCorruptf(path, format string, args ...any) error {
	return NewError("search").PTable(path).Context(format, args...).Cause(ErrMaybeCorruptIndex).Err()
}

// IsCorrupt returns true for both definite and suspected corruption.
func IsCorrupt(err error) bool {
	return errors.Is(err, ErrCorruptIndex) || errors.Is(err, ErrMaybeCorruptIndex)
}
