package compliance

import "fmt"

// ReportError reports a failure to build one section of a report.
type ReportError struct {
	Section string
	Cause   error
}

// Error implements the error interface.
func (e *ReportError) Error() string {
	return fmt.Sprintf("compliance report %s failed: %v", e.Section, e.Cause)
}

// Unwrap returns the underlying cause error.
func (e *ReportError) Unwrap() error {
	return e.Cause
}

// NewReportError creates a new ReportError.
func NewReportError(section string, cause error) *ReportError {
	return &ReportError{Section: section, Cause: cause}
}
