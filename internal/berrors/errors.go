// Package berrors provides the structured error types used by the build
// engine: BuildError for classification and attribution of build failures,
// HookError for errors raised inside hook taps, and the reentrancy guard
// ConcurrentCompilationError.
package berrors

import (
	"fmt"
)

// ErrorCategory represents the category of a build error for classification.
type ErrorCategory string

const (
	// User-facing configuration and input errors
	CategoryConfig     ErrorCategory = "config"
	CategoryValidation ErrorCategory = "validation"

	// Build and processing errors
	CategoryResolve    ErrorCategory = "resolve"
	CategoryBuild      ErrorCategory = "build"
	CategoryEmit       ErrorCategory = "emit"
	CategoryFileSystem ErrorCategory = "filesystem"

	// Runtime and infrastructure errors
	CategoryCache    ErrorCategory = "cache"
	CategoryRuntime  ErrorCategory = "runtime"
	CategoryInternal ErrorCategory = "internal"
)

// BuildError is the base structured error for the build engine. Any error
// crossing a hook or callback boundary is normalized to a BuildError first.
type BuildError struct {
	Category ErrorCategory `json:"category"`
	Message  string        `json:"message"`
	Details  string        `json:"details,omitempty"`
	Cause    error         `json:"cause,omitempty"`

	// Attribution, filled in where known.
	Module string `json:"module,omitempty"`
	Loc    string `json:"loc,omitempty"`
	Chunk  string `json:"chunk,omitempty"`
	File   string `json:"file,omitempty"`

	// HideStack suppresses cause details in user-facing output.
	HideStack bool `json:"hide_stack,omitempty"`
}

// Error implements the error interface.
func (e *BuildError) Error() string {
	if e.Cause != nil && !e.HideStack {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

// Unwrap implements error unwrapping for Go 1.13+ error handling.
func (e *BuildError) Unwrap() error {
	return e.Cause
}

// WithModule attributes the error to a module identifier.
func (e *BuildError) WithModule(module string) *BuildError {
	e.Module = module
	return e
}

// WithFile attributes the error to an output file.
func (e *BuildError) WithFile(file string) *BuildError {
	e.File = file
	return e
}

// WithDetails attaches free-form detail text.
func (e *BuildError) WithDetails(details string) *BuildError {
	e.Details = details
	return e
}

// New creates a new BuildError.
func New(category ErrorCategory, message string) *BuildError {
	return &BuildError{Category: category, Message: message}
}

// Newf creates a new BuildError with a formatted message.
func Newf(category ErrorCategory, format string, args ...any) *BuildError {
	return &BuildError{Category: category, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a new BuildError that wraps an existing error.
func Wrap(err error, category ErrorCategory, message string) *BuildError {
	return &BuildError{Category: category, Message: message, Cause: err}
}

// IsCategory checks if an error belongs to a specific category.
func IsCategory(err error, category ErrorCategory) bool {
	if be, ok := err.(*BuildError); ok {
		return be.Category == category
	}
	return false
}

// GetCategory extracts the category from an error, or returns
// CategoryInternal if it is not a BuildError.
func GetCategory(err error) ErrorCategory {
	if be, ok := err.(*BuildError); ok {
		return be.Category
	}
	return CategoryInternal
}
