// Package ekind defines the Tag Filter Engine's error taxonomy so that
// every layer (store, catalog, cache, planner, writer, engine) reports
// failures the same way instead of each inventing its own sentinel.
package ekind

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error. It is never used for string matching;
// callers compare with Is.
type Kind int

const (
	// InvalidQuery marks a malformed request (missing workspace, etc).
	// Unknown tag names are NOT InvalidQuery.
	InvalidQuery Kind = iota
	// NotFound marks an absent workspace or card external id.
	NotFound
	// Cancelled marks caller-initiated cancellation.
	Cancelled
	// DeadlineExceeded marks a timeout.
	DeadlineExceeded
	// Unavailable marks a transient store/cache I/O failure, safe to retry.
	Unavailable
	// Corrupt marks a non-retryable persisted-state inconsistency.
	Corrupt
	// StaleVersion is internal to the Writer/Store CAS path and must never
	// be surfaced to a caller of the public API.
	StaleVersion
)

func (k Kind) String() string {
	switch k {
	case InvalidQuery:
		return "invalid_query"
	case NotFound:
		return "not_found"
	case Cancelled:
		return "cancelled"
	case DeadlineExceeded:
		return "deadline_exceeded"
	case Unavailable:
		return "unavailable"
	case Corrupt:
		return "corrupt"
	case StaleVersion:
		return "stale_version"
	default:
		return "unknown"
	}
}

// Error is the concrete error type produced by every engine component.
type Error struct {
	Kind      Kind
	Op        string // component/operation that raised it, e.g. "store.put"
	Err       error
	Retryable bool
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err as an Error of the given Kind, tagged with op for logs.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err, Retryable: kind == Unavailable}
}

// Newf is New with a formatted message instead of a wrapped error.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return New(kind, op, fmt.Errorf(format, args...))
}

// Is reports whether err (or anything it wraps) is an *Error of kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to Unavailable for
// anything that isn't a tagged *Error (unexpected driver failures are
// treated as transient rather than silently swallowed).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unavailable
}
