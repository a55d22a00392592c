// Package pcerrors defines the typed error kinds shared across cache
// backends, queue handlers, the pipeline executor, and the SQL processor.
package pcerrors

import (
	"errors"
	"fmt"
)

// Kind is a coarse classification of an error, usable with errors.Is.
type Kind string

const (
	// InvalidArgument covers malformed SQL, mismatched batch arrays, and
	// unknown backend identifiers.
	InvalidArgument Kind = "invalid_argument"
	// DatatypeConflict means a write or registration contradicts the
	// partition key's already-registered datatype.
	DatatypeConflict Kind = "datatype_conflict"
	// DatatypeUnsupported means the backend cannot represent the requested
	// datatype at all.
	DatatypeUnsupported Kind = "datatype_unsupported"
	// CapacityExceeded means a bit backend saw a value at or above its
	// bitsize and automatic expansion failed.
	CapacityExceeded Kind = "capacity_exceeded"
	// Timeout means fragment execution exceeded the configured statement
	// timeout.
	Timeout Kind = "timeout"
	// ExecutionError covers any other backend-database error encountered
	// while running a fragment.
	ExecutionError Kind = "execution_error"
	// Contention means a non-blocking lock attempt failed; the caller
	// should retry later or defer the operation.
	Contention Kind = "contention"
	// NotFound marks a missing lookup. Note that cache Get never returns
	// this — absence is reported as (nil, false, nil) — Kind NotFound is reserved
	// for operations where absence is itself an error (e.g. deleting a
	// partition key that was never registered).
	NotFound Kind = "not_found"
	// Fatal covers unrecoverable conditions: corrupt metadata, schema
	// drift, or anything else that should fail the enclosing operation
	// outright rather than being retried.
	Fatal Kind = "fatal"
)

// Error is a typed, wrapped error carrying one of the Kind values above.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is(err, SomeKind) work by comparing Kind values when the
// target is itself a bare Kind wrapped via New(kind, "", nil).
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// New builds an *Error of the given kind, wrapping err (which may be nil).
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrap is a convenience for New(kind, op, err) that returns nil when err is
// nil, so it is safe to use as `return pcerrors.Wrap(Kind, "op", err)`.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return New(kind, op, err)
}

// sentinel returns a comparable *Error carrying only a Kind, for the Err*
// values below, usable as errors.Is(err, pcerrors.ErrCapacityExceeded).
func sentinel(k Kind) *Error { return &Error{Kind: k} }

// Sentinels usable directly with errors.Is.
var (
	ErrInvalidArgument     = sentinel(InvalidArgument)
	ErrDatatypeConflict    = sentinel(DatatypeConflict)
	ErrDatatypeUnsupported = sentinel(DatatypeUnsupported)
	ErrCapacityExceeded    = sentinel(CapacityExceeded)
	ErrTimeout             = sentinel(Timeout)
	ErrExecutionError      = sentinel(ExecutionError)
	ErrContention          = sentinel(Contention)
	ErrNotFound            = sentinel(NotFound)
	ErrFatal               = sentinel(Fatal)
)

// Is reports whether err was constructed with the given Kind.
func Is(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}
