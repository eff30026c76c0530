package session

import "errors"

var (
	// ErrQuotaExceeded is returned by Start when the user's monthly
	// minute quota is exhausted. Surfaced as an upgrade prompt; never
	// retried.
	ErrQuotaExceeded = errors.New("monthly minute quota exceeded")

	// ErrSessionNotFound is returned when an operation targets a
	// nonexistent session id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidStateTransition is returned by pause/resume/end against
	// an incompatible session state. The one documented exception is
	// End on an already-ended session, which is idempotent.
	ErrInvalidStateTransition = errors.New("invalid session state transition")
)
