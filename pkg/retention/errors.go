package retention

import "fmt"

// RetentionError reports a failed retention operation. Operation is one
// of "classify", "archive", "cleanup" or "export".
type RetentionError struct {
	Operation string
	Count     int
	Cause     error
}

// Error implements the error interface.
func (e *RetentionError) Error() string {
	return fmt.Sprintf("retention %s failed [records=%d]: %v", e.Operation, e.Count, e.Cause)
}

// Unwrap returns the underlying cause error.
func (e *RetentionError) Unwrap() error {
	return e.Cause
}

// NewRetentionError creates a new RetentionError.
func NewRetentionError(operation string, count int, cause error) *RetentionError {
	return &RetentionError{
		Operation: operation,
		Count:     count,
		Cause:     cause,
	}
}
