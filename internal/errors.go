package internal

import "errors"

// Failure taxonomy shared by the engine, the relay, and the store. Callers
// classify with errors.Is; wrapped causes stay inspectable.
var (
	// ErrNotFound means the room or message does not exist. Surfaced, never
	// retried.
	ErrNotFound = errors.New("not found")

	// ErrTransientIO marks a network or store hiccup that is safe to retry
	// with backoff.
	ErrTransientIO = errors.New("transient io failure")

	// ErrPermissionDenied means the store or relay rejected a write. Terminal;
	// never retried automatically.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrConflict marks a duplicate write (replayed correlation id or message
	// id). Resolved silently by the idempotent merge and never surfaced.
	ErrConflict = errors.New("conflict")

	// ErrClosed is returned when an operation targets a room session that has
	// already been torn down.
	ErrClosed = errors.New("room session closed")
)

// IsRetryable reports whether the error should be retried with backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientIO)
}
