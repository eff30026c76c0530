// Package session owns voice-session lifecycle and per-user minute
// accounting: who may start a session, how long it ran, and what it cost
// against the monthly quota.
package session

import "time"

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive Status = "active"
	StatusPaused Status = "paused"
	StatusEnded  Status = "ended"
)

// Session is one live translation room hosted by a user. Exactly one active
// session may exist per host at any time; the ledger enforces this by
// construction on Start. Sessions are never physically deleted, only
// transitioned to ended.
type Session struct {
	ID               string     `json:"id"`
	RoomID           string     `json:"roomId"`
	HostUserID       string     `json:"hostUserId"`
	StartedAt        time.Time  `json:"startedAt"`
	EndedAt          *time.Time `json:"endedAt,omitempty"`
	DurationMinutes  int        `json:"durationMinutes,omitempty"`
	ParticipantCount int        `json:"participantCount"`
	Status           Status     `json:"status"`
}

// LedgerEntry is the per-user record of consumed minutes against the
// monthly quota. A zero-valued entry means the user has no usage yet.
type LedgerEntry struct {
	UserID      string    `json:"userId"`
	MinutesUsed int       `json:"minutesUsedThisMonth"`
	ResetAt     time.Time `json:"minutesResetAt"`
}

// Presence reports how many participants are currently online in a room.
// Implemented by the stream gateway's connection hub.
type Presence interface {
	OnlineCount(roomID string) int
}

// TierSource reports the subscription tier for a user. Implemented against
// the identity provider; ok is false when the user is unknown, in which
// case callers fall back to the free tier rather than failing.
type TierSource interface {
	TierFor(userID string) (Tier, bool)
}

// RoomEvent is a best-effort notification emitted on session lifecycle
// changes.
type RoomEvent struct {
	Type      string    `json:"type"` // "session.started", "session.ended"
	RoomID    string    `json:"roomId"`
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId"`
	Minutes   int       `json:"minutes,omitempty"`
	At        time.Time `json:"at"`
}

// EventSink receives room events. Implementations must be best-effort and
// non-blocking; the ledger never waits on them and never propagates their
// failures.
type EventSink interface {
	Publish(event RoomEvent)
}
