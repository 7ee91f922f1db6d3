// Package cvderr defines the error taxonomy shared by every Instance
// Manager component: a closed set of abstract kinds plus a wrapping
// error type that renders differently for a human reading the
// daemon's stderr versus a caller that wants a single-line,
// machine-oriented message.
package cvderr

import (
	"errors"
	"fmt"
)

// Code is one of the abstract error kinds the core can surface.
type Code string

const (
	InvalidArgument   Code = "invalid_argument"
	NotFound          Code = "not_found"
	AlreadyExists     Code = "already_exists"
	IOError           Code = "io_error"
	PermissionDenied  Code = "permission_denied"
	SubprocessFailure Code = "subprocess_failure"
	Contention        Code = "contention"
	SchemaMismatch    Code = "schema_mismatch"
	Internal          Code = "internal"
)

// Error wraps a Code, an optional underlying cause, and structured
// fields callers attached for diagnostics (e.g. group name, slot).
type Error struct {
	Code   Code
	Msg    string
	Cause  error
	Fields map[string]any
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Cause)
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Format renders a compact, single-line, machine-oriented message
// suitable for structured logs or test assertions — distinct from
// Error() which is meant for a human reading stderr.
func (e *Error) Format() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("%s: %s", e.Code, e.Msg)
	}
	return fmt.Sprintf("%s: %s %v", e.Code, e.Msg, e.Fields)
}

// WithField returns a copy of e with an additional diagnostic field.
func (e *Error) WithField(key string, value any) *Error {
	fields := make(map[string]any, len(e.Fields)+1)
	for k, v := range e.Fields {
		fields[k] = v
	}
	fields[key] = value
	return &Error{Code: e.Code, Msg: e.Msg, Cause: e.Cause, Fields: fields}
}

func newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

func wrapf(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

func InvalidArgumentf(format string, args ...any) *Error { return newf(InvalidArgument, format, args...) }
func NotFoundf(format string, args ...any) *Error        { return newf(NotFound, format, args...) }
func AlreadyExistsf(format string, args ...any) *Error   { return newf(AlreadyExists, format, args...) }
func IOErrorf(cause error, format string, args ...any) *Error {
	return wrapf(IOError, cause, format, args...)
}
func PermissionDeniedf(format string, args ...any) *Error {
	return newf(PermissionDenied, format, args...)
}
func SubprocessFailuref(format string, args ...any) *Error {
	return newf(SubprocessFailure, format, args...)
}
func SchemaMismatchf(format string, args ...any) *Error { return newf(SchemaMismatch, format, args...) }
func Internalf(format string, args ...any) *Error       { return newf(Internal, format, args...) }

// Is reports whether err is a *Error carrying the given code.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
