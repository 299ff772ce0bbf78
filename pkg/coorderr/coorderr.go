// Package coorderr defines the structured error taxonomy used across the
// coordination engine. CAS loops do not retry TransientIO: a storage fault
// is wrapped as TransientIO and returned to the caller like every other
// kind.
package coorderr

import (
	"errors"
	"fmt"
)

// Kind classifies a coordination failure.
type Kind string

const (
	// SessionTerminated means the local session is no longer alive; all
	// in-flight work on behalf of that session must abort.
	SessionTerminated Kind = "session_terminated"

	// VersionConflict means a caller-supplied expected version did not
	// match the current storage_version.
	VersionConflict Kind = "version_conflict"

	// Exists means a create was attempted against a non-deleted entry.
	Exists Kind = "exists"

	// NotFound means an operation targeted an entry that does not exist.
	NotFound Kind = "not_found"

	// Cancelled means the caller's context was cancelled while waiting.
	Cancelled Kind = "cancelled"

	// InvalidState means a StoredEntryBuilder precondition was violated;
	// this indicates a programmer error, not a runtime race.
	InvalidState Kind = "invalid_state"

	// TransientIO means a storage or network fault occurred that is safe
	// to retry.
	TransientIO Kind = "transient_io"

	// Fatal means an invariant was violated unexpectedly; the caller
	// should dispose of its session owner to force a fresh session.
	Fatal Kind = "fatal"
)

// Error is the structured error carried by every coordination failure.
type Error struct {
	Kind Kind
	Op   string
	Key  string
	Err  error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Key != "" {
		msg = fmt.Sprintf("%s (key=%q)", msg, e.Key)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// A Kind is not an error value, so errors.Is cannot match one; use Is or
// KindOf below to test an error's Kind.

// New builds an *Error with no wrapped cause.
func New(kind Kind, op, key string) *Error {
	return &Error{Kind: kind, Op: op, Key: key}
}

// Wrap builds an *Error around an underlying cause.
func Wrap(kind Kind, op, key string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Key: key, Err: err}
}

// KindOf extracts the Kind from err, walking the Unwrap chain. Returns
// ("", false) if err is nil or carries no coordination Kind.
func KindOf(err error) (Kind, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return "", false
}

// Is reports whether err's Kind equals kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
