package enforcement

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for an unknown record id.
	ErrNotFound = errors.New("enforcement record not found")

	// ErrSessionMismatch is returned when a result is reported under a
	// different session than the one the call was made in.
	ErrSessionMismatch = errors.New("session id does not match record")

	// ErrNotPendingApproval is returned when approving a call whose
	// decision was not approve, or that was already approved.
	ErrNotPendingApproval = errors.New("record is not pending approval")
)

// Error reports a failed enforcement step. Stage is one of "validate",
// "sign", "persist" or "audit".
type Error struct {
	Stage     string
	SessionID string
	ToolName  string
	Cause     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("enforcement %s failed [session=%s, tool=%s]: %v", e.Stage, e.SessionID, e.ToolName, e.Cause)
}

// Unwrap returns the underlying cause error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error.
func NewError(stage, sessionID, toolName string, cause error) *Error {
	return &Error{
		Stage:     stage,
		SessionID: sessionID,
		ToolName:  toolName,
		Cause:     cause,
	}
}

// StorageError represents a failure in an enforcement storage backend.
type StorageError struct {
	Backend   string
	Operation string
	Cause     error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	return fmt.Sprintf("enforcement storage error [backend=%s, operation=%s]: %v", e.Backend, e.Operation, e.Cause)
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
