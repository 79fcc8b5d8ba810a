package audit

import (
	"errors"
	"fmt"
)

var (
	// ErrChainConflict is returned when a record would claim a predecessor
	// that another record already claims. It means a second writer
	// appended concurrently.
	ErrChainConflict = errors.New("audit chain conflict: predecessor already claimed")

	// ErrNotFound is returned when a record ID does not exist.
	ErrNotFound = errors.New("audit record not found")
)

// StorageError represents an error from a storage backend.
type StorageError struct {
	Backend   string // "memory", "sqlite", "postgres"
	Operation string // "append", "query", "delete", ...
	Cause     error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error [backend=%s, operation=%s]: %v", e.Backend, e.Operation, e.Cause)
}

// Unwrap returns the underlying cause error.
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// NewStorageError creates a new StorageError.
func NewStorageError(backend, operation string, cause error) *StorageError {
	return &StorageError{
		Backend:   backend,
		Operation: operation,
		Cause:     cause,
	}
}

// AppendError wraps a failure to add a record to the chain.
type AppendError struct {
	EventType string
	Cause     error
}

// Error implements the error interface.
func (e *AppendError) Error() string {
	return fmt.Sprintf("audit append failed [event_type=%s]: %v", e.EventType, e.Cause)
}

// Unwrap returns the underlying cause error.
func (e *AppendError) Unwrap() error {
	return e.Cause
}

// NewAppendError creates a new AppendError.
func NewAppendError(eventType string, cause error) *AppendError {
	return &AppendError{
		EventType: eventType,
		Cause:     cause,
	}
}

// ExportError represents an error during record export.
type ExportError struct {
	Format      string
	RecordCount int
	Cause       error
}

// Error implements the error interface.
func (e *ExportError) Error() string {
	return fmt.Sprintf("export error [format=%s, record_count=%d]: %v", e.Format, e.RecordCount, e.Cause)
}

// Unwrap returns the underlying cause error.
func (e *ExportError) Unwrap() error {
	return e.Cause
}

// NewExportError creates a new ExportError.
func NewExportError(format string, recordCount int, cause error) *ExportError {
	return &ExportError{
		Format:      format,
		RecordCount: recordCount,
		Cause:       cause,
	}
}
