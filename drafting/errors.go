package drafting

import (
	"errors"
	"fmt"
)

// ErrTimeout marks a model call that ran out of wall-clock time. It is always
// wrapped inside a *GenerationError so callers can match either.
var ErrTimeout = errors.New("model call timed out")

// ErrNoDraft is returned when a caller asks for the current draft of a session
// that has no revisions yet. It is distinct from a failed generation.
var ErrNoDraft = errors.New("no draft yet")

// ValidationError rejects a malformed artifact or request. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// StorageError wraps a backing-store failure. Writes are not idempotent, so the
// store never retries on its own; the caller decides.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// GenerationError wraps a failed model call. Generation is all-or-nothing per
// call, so a GenerationError guarantees no partial revision was committed.
type GenerationError struct {
	ThreadID string
	Err      error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generate draft for thread %s: %v", e.ThreadID, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// InvalidStateError reports an illegal session transition, e.g. recording an
// edit on a finalized session. It signals a usage error and is always surfaced.
type InvalidStateError struct {
	ThreadID string
	Status   SessionStatus
	Op       string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("session for thread %s is %s: cannot %s", e.ThreadID, e.Status, e.Op)
}
