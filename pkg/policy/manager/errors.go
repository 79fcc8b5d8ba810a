package manager

import (
	"fmt"
	"strings"
)

// LoadError reports a policy source that could not be read at all,
// such as a missing file or a failed git checkout.
type LoadError struct {
	// Source identifies the document (file path, git ref).
	Source string

	// Message describes the error
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *LoadError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("failed to load policy document %q: %s: %v", e.Source, e.Message, e.Cause)
	}
	return fmt.Sprintf("failed to load policy document %q: %s", e.Source, e.Message)
}

// Unwrap implements the errors.Unwrap interface for error chain support.
func (e *LoadError) Unwrap() error {
	return e.Cause
}

// ParseError reports a document that is not well-formed YAML.
type ParseError struct {
	Source string

	// Line is the 1-indexed line of the problem, 0 when unknown
	Line int

	// Column is the 1-indexed column of the problem, 0 when unknown
	Column int

	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	if e.Line > 0 && e.Column > 0 {
		return fmt.Sprintf("parse error in %q at line %d, column %d: %s", e.Source, e.Line, e.Column, e.Message)
	}
	if e.Line > 0 {
		return fmt.Sprintf("parse error in %q at line %d: %s", e.Source, e.Line, e.Message)
	}
	return fmt.Sprintf("parse error in %q: %s", e.Source, e.Message)
}

// Unwrap implements the errors.Unwrap interface for error chain support.
func (e *ParseError) Unwrap() error {
	return e.Cause
}

// ValidationError reports a structural problem in a well-formed document.
type ValidationError struct {
	// RuleIndex is the position of the offending rule, or -1 for
	// document-level problems.
	RuleIndex int

	// RuleName is the name of the offending rule, if it has one.
	RuleName string

	// FieldPath is the path to the field, e.g. "rules[2].action".
	FieldPath string

	// Line is the 1-indexed source line, 0 when unknown.
	Line int

	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	parts := []string{"validation error"}

	if e.RuleName != "" {
		parts = append(parts, fmt.Sprintf("in rule %q", e.RuleName))
	}
	if e.FieldPath != "" {
		parts = append(parts, fmt.Sprintf("at %s", e.FieldPath))
	}
	if e.Line > 0 {
		parts = append(parts, fmt.Sprintf("(line %d)", e.Line))
	}

	return strings.Join(parts, " ") + ": " + e.Message
}

// ErrorList collects every problem found in a document so callers can
// report them all at once.
type ErrorList struct {
	Errors []error
}

// Error implements the error interface.
func (e *ErrorList) Error() string {
	if len(e.Errors) == 0 {
		return "no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d errors occurred:\n", len(e.Errors)))
	for i, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %v\n", i+1, err))
	}
	return sb.String()
}

// Add adds an error to the list.
func (e *ErrorList) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

// HasErrors returns true if the list contains any errors.
func (e *ErrorList) HasErrors() bool {
	return len(e.Errors) > 0
}

// ToError returns nil if there are no errors, the single error if there is one,
// or the ErrorList itself if there are multiple errors.
func (e *ErrorList) ToError() error {
	if len(e.Errors) == 0 {
		return nil
	}
	if len(e.Errors) == 1 {
		return e.Errors[0]
	}
	return e
}
