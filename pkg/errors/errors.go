// Package errors provides structured errors for logrecon.
// Errors carry a code for programmatic handling, key/value context and a
// short stack trace.
package errors

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
)

// Code identifies an error class.
type Code string

const (
	// Query errors (1xx)
	CodeInvalidTemplate Code = "E101"
	CodeSearchFailed    Code = "E102"
	CodeDecodeFailed    Code = "E103"
	CodeBackendStatus   Code = "E104"

	// Sink errors (3xx)
	CodeSinkOpen     Code = "E301"
	CodeWriteFailed  Code = "E302"
	CodeSinkClose    Code = "E303"
	CodeUploadFailed Code = "E304"

	// System errors (4xx)
	CodeContextCanceled Code = "E401"
	CodeTimeout         Code = "E402"

	// Checkpoint errors (6xx)
	CodeCheckpointLoad     Code = "E601"
	CodeCheckpointSave     Code = "E602"
	CodeCheckpointNotFound Code = "E603"

	// Configuration errors (7xx)
	CodeInvalidConfig Code = "E701"

	// Unknown
	CodeUnknown Code = "E999"
)

// ReconError is the base error type for logrecon.
type ReconError struct {
	Code       Code
	Message    string
	Cause      error
	Context    map[string]interface{}
	StackTrace []Frame
}

// Frame represents a stack frame.
type Frame struct {
	Function string
	File     string
	Line     int
}

// Error implements the error interface.
func (e *ReconError) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		sb.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		sb.WriteString(")")
	}

	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}

	return sb.String()
}

// Unwrap returns the underlying cause.
func (e *ReconError) Unwrap() error {
	return e.Cause
}

// Is matches another ReconError with the same code.
func (e *ReconError) Is(target error) bool {
	if t, ok := target.(*ReconError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithContext adds context to the error.
func (e *ReconError) WithContext(key string, value interface{}) *ReconError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates a new ReconError.
func New(code Code, message string) *ReconError {
	return &ReconError{
		Code:       code,
		Message:    message,
		StackTrace: captureStack(2),
	}
}

// Wrap wraps an existing error. It returns nil for a nil err.
func Wrap(err error, code Code, message string) *ReconError {
	if err == nil {
		return nil
	}

	return &ReconError{
		Code:       code,
		Message:    message,
		Cause:      err,
		StackTrace: captureStack(2),
	}
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, code Code, format string, args ...interface{}) *ReconError {
	if err == nil {
		return nil
	}
	return &ReconError{
		Code:       code,
		Message:    fmt.Sprintf(format, args...),
		Cause:      err,
		StackTrace: captureStack(2),
	}
}

func captureStack(skip int) []Frame {
	var frames []Frame
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+1, pcs)
	pcs = pcs[:n]

	cf := runtime.CallersFrames(pcs)
	for {
		frame, more := cf.Next()
		frames = append(frames, Frame{
			Function: frame.Function,
			File:     frame.File,
			Line:     frame.Line,
		})
		if !more || len(frames) >= 10 {
			break
		}
	}
	return frames
}

// FormatStack returns a formatted stack trace.
func (e *ReconError) FormatStack() string {
	var sb strings.Builder
	for _, f := range e.StackTrace {
		sb.WriteString(fmt.Sprintf("  at %s\n    %s:%d\n", f.Function, f.File, f.Line))
	}
	return sb.String()
}

// --- Convenience constructors ---

// SearchFailed wraps a transport or backend failure for one page.
func SearchFailed(err error, page int) *ReconError {
	return Wrap(err, CodeSearchFailed, "search request failed").
		WithContext("page", page)
}

// BackendStatus reports a non-success HTTP status from the search backend.
func BackendStatus(status int, body string) *ReconError {
	return New(CodeBackendStatus, "unexpected backend status").
		WithContext("status", status).
		WithContext("body", body)
}

// CheckpointNotFound reports a missing checkpoint.
func CheckpointNotFound(id string) *ReconError {
	return New(CodeCheckpointNotFound, "checkpoint not found").
		WithContext("id", id)
}

// InvalidConfig reports a configuration value that failed validation.
func InvalidConfig(field string, value interface{}) *ReconError {
	return New(CodeInvalidConfig, "invalid configuration").
		WithContext("field", field).
		WithContext("value", value)
}

// FromContext converts a context error into a coded error.
func FromContext(err error, operation string) *ReconError {
	code := CodeContextCanceled
	if errors.Is(err, context.DeadlineExceeded) {
		code = CodeTimeout
	}
	return Wrap(err, code, "operation interrupted").
		WithContext("operation", operation)
}

// --- Error checking utilities ---

// IsCode checks if an error has a specific code.
func IsCode(err error, code Code) bool {
	var rErr *ReconError
	if errors.As(err, &rErr) {
		return rErr.Code == code
	}
	return false
}

// GetCode extracts the error code from an error.
func GetCode(err error) Code {
	var rErr *ReconError
	if errors.As(err, &rErr) {
		return rErr.Code
	}
	return CodeUnknown
}

// IsRetryable returns true if the error is worth retrying.
func IsRetryable(err error) bool {
	switch GetCode(err) {
	case CodeTimeout, CodeSearchFailed, CodeUploadFailed:
		return true
	default:
		return false
	}
}

// MultiError collects multiple errors.
type MultiError struct {
	Errors []error
}

// Error implements the error interface.
func (m *MultiError) Error() string {
	if len(m.Errors) == 0 {
		return "no errors"
	}
	if len(m.Errors) == 1 {
		return m.Errors[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d errors occurred:\n", len(m.Errors)))
	for i, err := range m.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Add adds an error to the collection.
func (m *MultiError) Add(err error) {
	if err != nil {
		m.Errors = append(m.Errors, err)
	}
}

// HasErrors returns true if any errors were collected.
func (m *MultiError) HasErrors() bool {
	return len(m.Errors) > 0
}

// Combined returns nil if no errors, the single error if one, or the MultiError.
func (m *MultiError) Combined() error {
	switch len(m.Errors) {
	case 0:
		return nil
	case 1:
		return m.Errors[0]
	default:
		return m
	}
}
