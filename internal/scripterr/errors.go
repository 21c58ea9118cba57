// Package scripterr holds the error taxonomy shared by the sandbox, the
// hook manager and the script runtime.
package scripterr

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinels matched with errors.Is against the typed errors below.
var (
	ErrCompile      = errors.New("compile error")
	ErrRuntime      = errors.New("runtime script error")
	ErrAccessDenied = errors.New("access denied")
	ErrValidation   = errors.New("validation error")
	ErrDisposed     = errors.New("disposed")
)

// CallSite is one frame of a sandbox stack trace.
type CallSite struct {
	Function string
	File     string
	Line     int
	Column   int
}

// CompileError reports invalid script syntax found before execution.
type CompileError struct {
	File    string
	Message string
	Line    int
	Column  int
	// Offset is the number of wrapper lines the backend prepended.
	Offset  int
	Backend string
}

func (e *CompileError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("SyntaxError: %s (%s:%d:%d)", e.Message, e.File, e.Line, e.Column)
	}
	return "SyntaxError: " + e.Message
}

func (e *CompileError) Is(target error) bool { return target == ErrCompile }

// RuntimeError wraps a value thrown while a script ran.
type RuntimeError struct {
	Name      string
	Message   string
	Stack     string
	CallSites []CallSite
	Offset    int
	Backend   string
	// Actual and Expected are set when the thrown value was an assertion error.
	Actual   any
	Expected any
	Cause    error
}

func (e *RuntimeError) Error() string {
	name := e.Name
	if name == "" {
		name = "Error"
	}
	if e.Message == "" {
		return name
	}
	return name + ": " + e.Message
}

func (e *RuntimeError) Is(target error) bool { return target == ErrRuntime }

func (e *RuntimeError) Unwrap() error { return e.Cause }

// Line returns the first reported line in the call sites, 0 when unknown.
func (e *RuntimeError) Line() int {
	for _, cs := range e.CallSites {
		if cs.Line > 0 {
			return cs.Line
		}
	}
	return 0
}

// AccessDeniedError is returned when a module or file resolves outside the
// allow-listed roots.
type AccessDeniedError struct {
	Path  string
	Roots []string
}

func (e *AccessDeniedError) Error() string {
	if len(e.Roots) == 0 {
		return fmt.Sprintf("access to %q denied: local modules are not available", e.Path)
	}
	return fmt.Sprintf("access to %q denied: outside allowed roots [%s]", e.Path, strings.Join(e.Roots, ", "))
}

func (e *AccessDeniedError) Is(target error) bool { return target == ErrAccessDenied }

// ValidationError reports an invalid argument, such as a malformed variable
// name or a duplicate hook registration.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Validationf builds a ValidationError.
func Validationf(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// DisposedError reports an operation on a released resource.
type DisposedError struct {
	Op string
}

func (e *DisposedError) Error() string {
	return e.Op + ": already disposed"
}

func (e *DisposedError) Is(target error) bool { return target == ErrDisposed }

// JSName returns the name a host error carries when thrown inside a sandbox.
func JSName(err error) string {
	var (
		ve *ValidationError
		ae *AccessDeniedError
		de *DisposedError
		re *RuntimeError
	)
	switch {
	case errors.As(err, &ve):
		return "ValidationError"
	case errors.As(err, &ae):
		return "AccessDeniedError"
	case errors.As(err, &de):
		return "DisposedStateError"
	case errors.As(err, &re) && re.Name != "":
		return re.Name
	}
	return "Error"
}
