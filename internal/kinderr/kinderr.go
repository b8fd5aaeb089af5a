// Package kinderr defines the typed error taxonomy used across the
// orchestrator so callers can discriminate failures by tag instead of by
// matching error strings.
package kinderr

import (
	"errors"
	"fmt"
)

// Kind tags the category of an Error.
type Kind string

const (
	// KindNotFound means the requested entity does not exist.
	KindNotFound Kind = "not_found"
	// KindConflict means an optimistic-concurrency check failed (stale
	// version) or a uniqueness constraint was violated.
	KindConflict Kind = "conflict"
	// KindInvalid means the caller supplied a malformed or out-of-range
	// argument (e.g. a DAG with a cycle, a priority outside 1..10).
	KindInvalid Kind = "invalid"
	// KindUnavailable means a dependency (store, worker connection) could
	// not be reached and the caller may retry.
	KindUnavailable Kind = "unavailable"
	// KindExpired means a time-bounded resource (review checkpoint,
	// worker lease) passed its deadline.
	KindExpired Kind = "expired"
	// KindDenied means an authorization check failed (revoked worker API
	// key, disallowed tool).
	KindDenied Kind = "denied"
	// KindInternal means an invariant the caller cannot act on was
	// violated.
	KindInternal Kind = "internal"
)

// Error wraps a cause with a Kind and the entity/op it occurred on.
type Error struct {
	Kind   Kind
	Op     string
	Entity string
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s (%s)", e.Op, e.Entity, e.Kind)
	}
	return fmt.Sprintf("%s: %s (%s): %v", e.Op, e.Entity, e.Kind, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a kinderr.Error.
func New(kind Kind, op, entity string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Entity: entity, Cause: cause}
}

// Is reports whether err (or a wrapped error in its chain) carries kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// NotFound, Conflict, Invalid, Unavailable, Expired and Denied are
// constructor shorthands for the corresponding Kind.
func NotFound(op, entity string, cause error) *Error    { return New(KindNotFound, op, entity, cause) }
func Conflict(op, entity string, cause error) *Error    { return New(KindConflict, op, entity, cause) }
func Invalid(op, entity string, cause error) *Error     { return New(KindInvalid, op, entity, cause) }
func Unavailable(op, entity string, cause error) *Error { return New(KindUnavailable, op, entity, cause) }
func Expired(op, entity string, cause error) *Error     { return New(KindExpired, op, entity, cause) }
func Denied(op, entity string, cause error) *Error      { return New(KindDenied, op, entity, cause) }
func Internal(op, entity string, cause error) *Error    { return New(KindInternal, op, entity, cause) }
