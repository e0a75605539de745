// Package memerr defines the error taxonomy shared by every tier of the
// memory subsystem.
//
// Sentinel errors classify failures for errors.Is checks; the structured
// Error type carries the failing operation and an error kind so callers can
// apply the propagation policy: foreground operations degrade on background
// trouble, and only a failure of the store a call directly targets surfaces
// to the caller.
package memerr

import (
	"errors"
	"fmt"
)

// Sentinel errors for common memory subsystem failure conditions.
// These can be matched with errors.Is().
var (
	// ErrNotFound indicates the requested record id is absent or tombstoned.
	// Returned, never treated as fatal.
	ErrNotFound = errors.New("memory: record not found")

	// ErrProviderUnavailable indicates the embedding provider failed after
	// bounded retries. Callers degrade to recency/keyword ranking.
	ErrProviderUnavailable = errors.New("memory: embedding provider unavailable")

	// ErrStorageUnavailable indicates a tier's backing store is unreachable.
	// Promotions targeting the tier are deferred to the next pass.
	ErrStorageUnavailable = errors.New("memory: backing store unavailable")

	// ErrVersionConflict indicates an optimistic-concurrency mismatch: the
	// record changed between read and write. Handled internally by
	// re-evaluation, never surfaced to collaborators.
	ErrVersionConflict = errors.New("memory: stale record version")

	// ErrInvalidInput indicates a malformed argument (empty content,
	// non-positive k, invalid filter expression).
	ErrInvalidInput = errors.New("memory: invalid input")
)

// Error kinds categorize errors by their type.
const (
	// KindNotFound represents errors where a record was not found.
	KindNotFound = "not_found"

	// KindProvider represents embedding provider failures.
	KindProvider = "provider"

	// KindStorage represents backing store failures.
	KindStorage = "storage"

	// KindConflict represents optimistic-concurrency conflicts.
	KindConflict = "conflict"

	// KindValidation represents errors related to input validation.
	KindValidation = "validation"

	// KindInternal represents internal subsystem errors.
	KindInternal = "internal"
)

// Error is a structured error that wraps an underlying error with the
// operation that failed and the category of failure.
//
// Error implements the error interface and supports unwrapping, so it
// composes with errors.Is() and errors.As().
type Error struct {
	// Op is the operation that failed (e.g., "cache.Get", "engine.RunPass").
	Op string

	// Kind categorizes the error (e.g., KindNotFound, KindStorage).
	Kind string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("memory: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("memory: %s (%s): %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches either another *Error with the same Kind (and Op, when the
// target specifies one) or the underlying error chain.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		if t.Kind != "" && e.Kind == t.Kind {
			return t.Op == "" || e.Op == t.Op
		}
	}
	return errors.Is(e.Err, target)
}

// NotFound wraps err as a KindNotFound error for the given operation.
func NotFound(op string, err error) *Error {
	return &Error{Op: op, Kind: KindNotFound, Err: err}
}

// Provider wraps err as a KindProvider error for the given operation.
func Provider(op string, err error) *Error {
	return &Error{Op: op, Kind: KindProvider, Err: err}
}

// Storage wraps err as a KindStorage error for the given operation.
func Storage(op string, err error) *Error {
	return &Error{Op: op, Kind: KindStorage, Err: err}
}

// Conflict wraps err as a KindConflict error for the given operation.
func Conflict(op string, err error) *Error {
	return &Error{Op: op, Kind: KindConflict, Err: err}
}

// Validation wraps err as a KindValidation error for the given operation.
func Validation(op string, err error) *Error {
	return &Error{Op: op, Kind: KindValidation, Err: err}
}

// Internal wraps err as a KindInternal error for the given operation.
func Internal(op string, err error) *Error {
	return &Error{Op: op, Kind: KindInternal, Err: err}
}
