// Package errs implements the structured error taxonomy: transient I/O,
// invariant violations inside the trace store, preconditions the
// controller maps straight to a Failed status, and user-input errors
// that fail fast at startup. Boundary code (the reconciler, the webhook
// handler) type-switches on these to decide retry/deny/fail behaviour.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Category distinguishes how boundary code should react to an error.
type Category int

const (
	// CategoryTransient is a retryable I/O or conflict error.
	CategoryTransient Category = iota
	// CategoryInvariant is a bug: an internal data structure invariant
	// was violated. The operation that found it must abort without
	// partial mutation.
	CategoryInvariant
	// CategoryPrecondition is a well-defined failure the controller maps
	// to a terminal Failed status without retrying.
	CategoryPrecondition
	// CategoryUserInput is a configuration or argument error that should
	// fail at process startup.
	CategoryUserInput
	// CategoryAdmission is an error evaluating an admission request; it
	// becomes a denial, never a crash.
	CategoryAdmission
)

// Error wraps an underlying cause with a taxonomy category and a stack
// trace captured at the point of construction.
type Error struct {
	Category Category
	cause    error
}

func (e *Error) Error() string { return e.cause.Error() }
func (e *Error) Unwrap() error { return e.cause }
func (e *Error) Cause() error  { return e.cause }

func newf(cat Category, format string, args ...any) *Error {
	return &Error{Category: cat, cause: errors.WithStack(fmt.Errorf(format, args...))}
}

func wrap(cat Category, err error, msg string) *Error {
	return &Error{Category: cat, cause: errors.Wrap(err, msg)}
}

// Transient builds a retryable error.
func Transient(err error, msg string) *Error { return wrap(CategoryTransient, err, msg) }

// Transientf builds a retryable error from a format string.
func Transientf(format string, args ...any) *Error { return newf(CategoryTransient, format, args...) }

// Invariant builds an internal-invariant-violation error.
func Invariant(err error, msg string) *Error { return wrap(CategoryInvariant, err, msg) }

// Invariantf builds an internal-invariant-violation error from a format string.
func Invariantf(format string, args ...any) *Error { return newf(CategoryInvariant, format, args...) }

// Precondition builds a terminal precondition error (e.g. NamespaceNotFound,
// LeaseHeldByOther).
func Precondition(err error, msg string) *Error { return wrap(CategoryPrecondition, err, msg) }

// Preconditionf builds a terminal precondition error from a format string.
func Preconditionf(format string, args ...any) *Error {
	return newf(CategoryPrecondition, format, args...)
}

// UserInput builds a startup-fatal configuration error.
func UserInput(err error, msg string) *Error { return wrap(CategoryUserInput, err, msg) }

// UserInputf builds a startup-fatal configuration error from a format string.
func UserInputf(format string, args ...any) *Error { return newf(CategoryUserInput, format, args...) }

// Admission builds an admission-evaluation error; the webhook handler
// turns this into a deny response, never a panic.
func Admission(err error, msg string) *Error { return wrap(CategoryAdmission, err, msg) }

// Admissionf builds an admission-evaluation error from a format string.
func Admissionf(format string, args ...any) *Error { return newf(CategoryAdmission, format, args...) }

// Is reports whether err (or something it wraps) is a *Error in the given
// category.
func Is(err error, cat Category) bool {
	var se *Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Category == cat
}

// Sentinel preconditions named directly in spec.md §4.5 and §4.6, so
// callers can compare against them with errors.Is.
var (
	ErrNamespaceNotFound = Preconditionf("namespace not found")
	ErrLeaseHeldByOther  = Preconditionf("lease held by another simulation")
	ErrUnrecognizedState = Preconditionf("unrecognized simulation state")

	// ErrCleanupTimeout is the replay driver's shutdown sentinel: the
	// SimulationRoot's cascade deletion didn't complete within
	// CleanupTimeoutSeconds (spec.md §4.7 shutdown).
	ErrCleanupTimeout = Preconditionf("cleanup timed out")

	// ErrTraceStoreInvariant is the sentinel for spec.md §7's "invariant
	// violation inside TraceStore" category: the reverse pod-owners
	// index pointing at a slot that no longer exists, which should only
	// ever indicate a bug, never a reachable runtime condition.
	ErrTraceStoreInvariant = Invariantf("trace store invariant violated")
)
