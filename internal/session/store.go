package session

import (
	"context"
	"time"
)

// Store persists sessions and ledger entries. Implementations must make
// InUserTx a serialized critical section per user: two concurrent
// operations on the same user's sessions or ledger entry never interleave.
// Cross-user operations may proceed in parallel.
type Store interface {
	// InUserTx runs fn inside a critical section serialized on userID.
	// Reads and writes through the Store passed to fn are atomic with
	// respect to other InUserTx calls for the same user.
	InUserTx(ctx context.Context, userID string, fn func(Store) error) error

	CreateSession(ctx context.Context, s *Session) error

	// GetSession returns ErrSessionNotFound for unknown ids.
	GetSession(ctx context.Context, id string) (*Session, error)

	UpdateSession(ctx context.Context, s *Session) error

	// ActiveSessionsByHost lists the active sessions hosted by a user.
	ActiveSessionsByHost(ctx context.Context, userID string) ([]*Session, error)

	// ActiveSessionByRoom returns the room's active session, or nil when
	// the room has none.
	ActiveSessionByRoom(ctx context.Context, roomID string) (*Session, error)

	// ActiveSessionsBefore lists active sessions started before cutoff.
	// Used by the reaper.
	ActiveSessionsBefore(ctx context.Context, cutoff time.Time) ([]*Session, error)

	// LedgerEntry returns the user's ledger entry, or a zero-valued entry
	// when the user has no usage recorded yet.
	LedgerEntry(ctx context.Context, userID string) (LedgerEntry, error)

	PutLedgerEntry(ctx context.Context, entry LedgerEntry) error

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
}
