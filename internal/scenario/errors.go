package scenario

import "fmt"

// Error describes a malformed scenario file.
//
// Example output:
//
//	demo.json: objects[2].refs[0]: unknown object "z"
//
//	Suggestion: Declare "z" in the objects list
//
// Thread Safety: Immutable after creation, safe for concurrent use.
type Error struct {
	File       string // Scenario file name
	Field      string // JSON path of the offending field (empty for the whole file)
	Message    string // Error message
	Suggestion string // Optional hint for fixing (empty if none)
	Err        error  // Underlying cause, if any
}

// Error implements the error interface.
//
// Format: file: field: message
//
// If Suggestion is non-empty, it's appended on a new line with "Suggestion: " prefix.
func (e *Error) Error() string {
	result := e.File
	if e.Field != "" {
		result += ": " + e.Field
	}
	result += ": " + e.Message
	if e.Suggestion != "" {
		result += fmt.Sprintf("\n\nSuggestion: %s", e.Suggestion)
	}
	return result
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// errorf creates an Error for field without a suggestion.
func errorf(file, field, format string, args ...any) *Error {
	return &Error{File: file, Field: field, Message: fmt.Sprintf(format, args...)}
}

// withSuggestion sets the suggestion and returns e.
func (e *Error) withSuggestion(format string, args ...any) *Error {
	e.Suggestion = fmt.Sprintf(format, args...)
	return e
}
