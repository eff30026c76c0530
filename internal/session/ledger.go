package session

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/autonomyowner/LinguaBridge-sub000/internal/observability"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Ledger authorizes, meters, and serializes session lifecycle per user and
// per room.
type Ledger struct {
	store    Store
	tiers    TierSource
	presence Presence
	events   EventSink
	logger   zerolog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// LedgerOption customizes a Ledger.
type LedgerOption func(*Ledger)

// WithPresence supplies the room presence source used to seed participant
// counts.
func WithPresence(p Presence) LedgerOption {
	return func(l *Ledger) { l.presence = p }
}

// WithEventSink supplies the best-effort room event sink.
func WithEventSink(e EventSink) LedgerOption {
	return func(l *Ledger) { l.events = e }
}

// WithClock overrides the ledger's clock.
func WithClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) { l.now = now }
}

// NewLedger creates a session ledger over the given store.
func NewLedger(store Store, tiers TierSource, logger zerolog.Logger, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		store:  store,
		tiers:  tiers,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start authorizes and creates (or joins) a session for userID in roomID.
//
// Any prior active session hosted by the same user is ended and credited
// first, so one active session per user holds by construction: a client
// that crashed or closed its tab is never blocked from starting again. If
// the room already has an active session hosted by someone else, that
// session is returned (join semantics) instead of creating a new one.
func (l *Ledger) Start(ctx context.Context, userID, roomID string) (*Session, error) {
	tier, ok := l.tiers.TierFor(userID)
	if !ok {
		tier = TierFree
	}
	limits := TierLimits(tier)

	var result *Session
	joined := false

	err := l.store.InUserTx(ctx, userID, func(s Store) error {
		now := l.now()

		entry, err := s.LedgerEntry(ctx, userID)
		if err != nil {
			return fmt.Errorf("load ledger entry: %w", err)
		}
		if used := usedThisMonth(entry, now); used >= limits.MinutesPerMonth {
			return fmt.Errorf("user %s has used %d of %d minutes: %w",
				userID, used, limits.MinutesPerMonth, ErrQuotaExceeded)
		}

		// Self-heal: end any session this user still hosts.
		prior, err := s.ActiveSessionsByHost(ctx, userID)
		if err != nil {
			return fmt.Errorf("list active sessions: %w", err)
		}
		for _, p := range prior {
			if err := l.endAndCredit(ctx, s, p, now); err != nil {
				return fmt.Errorf("end prior session %s: %w", p.ID, err)
			}
			observability.RecordSessionEnd(p.DurationMinutes)
			l.logger.Info().
				Str("session_id", p.ID).
				Str("user_id", userID).
				Int("minutes", p.DurationMinutes).
				Msg("Ended prior active session on start")
		}

		existing, err := s.ActiveSessionByRoom(ctx, roomID)
		if err != nil {
			return fmt.Errorf("look up room session: %w", err)
		}
		if existing != nil && existing.HostUserID != userID {
			result = existing
			joined = true
			return nil
		}

		count := 1
		if l.presence != nil {
			if n := l.presence.OnlineCount(roomID); n > count {
				count = n
			}
		}

		sess := &Session{
			ID:               uuid.NewString(),
			RoomID:           roomID,
			HostUserID:       userID,
			StartedAt:        now,
			ParticipantCount: count,
			Status:           StatusActive,
		}
		if err := s.CreateSession(ctx, sess); err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		result = sess
		return nil
	})

	observability.RecordLedgerOp("start", err)
	if err != nil {
		return nil, err
	}

	if !joined {
		observability.RecordSessionStart()
		l.publish(RoomEvent{
			Type:      "session.started",
			RoomID:    roomID,
			SessionID: result.ID,
			UserID:    userID,
			At:        l.now(),
		})
	}
	return result, nil
}

// Pause transitions an active session to paused.
func (l *Ledger) Pause(ctx context.Context, sessionID string) error {
	err := l.transition(ctx, sessionID, "pause", StatusActive, StatusPaused)
	observability.RecordLedgerOp("pause", err)
	return err
}

// Resume transitions a paused session back to active.
func (l *Ledger) Resume(ctx context.Context, sessionID string) error {
	err := l.transition(ctx, sessionID, "resume", StatusPaused, StatusActive)
	observability.RecordLedgerOp("resume", err)
	return err
}

func (l *Ledger) transition(ctx context.Context, sessionID, op string, from, to Status) error {
	sess, err := l.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	return l.store.InUserTx(ctx, sess.HostUserID, func(s Store) error {
		cur, err := s.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if cur.Status != from {
			return fmt.Errorf("%s: session %s is %s: %w", op, sessionID, cur.Status, ErrInvalidStateTransition)
		}
		cur.Status = to
		return s.UpdateSession(ctx, cur)
	})
}

// End terminates an active session, records its duration, and credits the
// host's ledger. Ending an already-ended session is idempotent and returns
// the previously recorded duration.
func (l *Ledger) End(ctx context.Context, sessionID string) (int, error) {
	sess, err := l.store.GetSession(ctx, sessionID)
	if err != nil {
		observability.RecordLedgerOp("end", err)
		return 0, err
	}
	if sess.Status == StatusEnded {
		observability.RecordLedgerOp("end", nil)
		return sess.DurationMinutes, nil
	}

	var minutes int
	transitioned := false
	err = l.store.InUserTx(ctx, sess.HostUserID, func(s Store) error {
		cur, err := s.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		switch cur.Status {
		case StatusEnded:
			// Raced with another End; keep idempotent semantics.
			minutes = cur.DurationMinutes
			return nil
		case StatusActive:
			now := l.now()
			if err := l.endAndCredit(ctx, s, cur, now); err != nil {
				return err
			}
			minutes = cur.DurationMinutes
			transitioned = true
			return nil
		default:
			return fmt.Errorf("end: session %s is %s: %w", sessionID, cur.Status, ErrInvalidStateTransition)
		}
	})

	observability.RecordLedgerOp("end", err)
	if err != nil {
		return 0, err
	}

	// Side effects belong to the call that actually ended the session; a
	// lost race reports the recorded duration and nothing else.
	if transitioned {
		observability.RecordSessionEnd(minutes)
		l.publish(RoomEvent{
			Type:      "session.ended",
			RoomID:    sess.RoomID,
			SessionID: sess.ID,
			UserID:    sess.HostUserID,
			Minutes:   minutes,
			At:        l.now(),
		})
	}
	return minutes, nil
}

// ReapStale ends and credits every active session older than staleAfter,
// standing in for callers that crashed without ending their sessions. The
// sweep is idempotent and re-runnable; per-session failures are logged and
// skipped.
func (l *Ledger) ReapStale(ctx context.Context, staleAfter time.Duration) (int, error) {
	cutoff := l.now().Add(-staleAfter)

	stale, err := l.store.ActiveSessionsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale sessions: %w", err)
	}

	reaped := 0
	for _, victim := range stale {
		victim := victim
		err := l.store.InUserTx(ctx, victim.HostUserID, func(s Store) error {
			cur, err := s.GetSession(ctx, victim.ID)
			if err != nil {
				return err
			}
			// Re-check under the user lock; Start may have self-healed
			// the session in the meantime.
			if cur.Status != StatusActive || !cur.StartedAt.Before(cutoff) {
				return nil
			}
			if err := l.endAndCredit(ctx, s, cur, l.now()); err != nil {
				return err
			}
			reaped++
			observability.RecordReapedSession()
			observability.RecordSessionEnd(cur.DurationMinutes)
			l.logger.Warn().
				Str("session_id", cur.ID).
				Str("user_id", cur.HostUserID).
				Int("minutes", cur.DurationMinutes).
				Time("started_at", cur.StartedAt).
				Msg("Reaped stale session")
			return nil
		})
		if err != nil {
			l.logger.Error().Err(err).
				Str("session_id", victim.ID).
				Msg("Failed to reap stale session")
		}
	}
	return reaped, nil
}

// UsageFor returns the user's minutes used this month after applying the
// monthly-reset rule, alongside the tier cap.
func (l *Ledger) UsageFor(ctx context.Context, userID string) (used, cap int, err error) {
	entry, err := l.store.LedgerEntry(ctx, userID)
	if err != nil {
		return 0, 0, err
	}
	tier, ok := l.tiers.TierFor(userID)
	if !ok {
		tier = TierFree
	}
	return usedThisMonth(entry, l.now()), TierLimits(tier).MinutesPerMonth, nil
}

// endAndCredit marks sess ended as of now and credits its minutes to the
// host's ledger entry. Must run inside the host's user transaction.
func (l *Ledger) endAndCredit(ctx context.Context, s Store, sess *Session, now time.Time) error {
	minutes := elapsedMinutes(sess.StartedAt, now)

	sess.Status = StatusEnded
	sess.EndedAt = &now
	sess.DurationMinutes = minutes
	if err := s.UpdateSession(ctx, sess); err != nil {
		return fmt.Errorf("mark session ended: %w", err)
	}

	entry, err := s.LedgerEntry(ctx, sess.HostUserID)
	if err != nil {
		return fmt.Errorf("load ledger entry: %w", err)
	}
	entry.UserID = sess.HostUserID
	entry = credit(entry, minutes, now)
	if err := s.PutLedgerEntry(ctx, entry); err != nil {
		return fmt.Errorf("store ledger entry: %w", err)
	}
	return nil
}

func (l *Ledger) publish(event RoomEvent) {
	if l.events == nil {
		return
	}
	l.events.Publish(event)
}

// elapsedMinutes rounds the session duration to the nearest minute.
func elapsedMinutes(startedAt, now time.Time) int {
	return int(math.Round(now.Sub(startedAt).Minutes()))
}

// monthStart returns the first instant of now's calendar month in UTC.
func monthStart(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// usedThisMonth applies the monthly-reset rule to a stored entry: usage
// recorded before the current month does not count.
func usedThisMonth(entry LedgerEntry, now time.Time) int {
	if entry.ResetAt.Before(monthStart(now)) {
		return 0
	}
	return entry.MinutesUsed
}

// credit adds minutes to an entry. When the stored reset marker predates
// the current month the credit replaces the stale counter instead of
// accumulating onto it, and the marker moves to the month start.
func credit(entry LedgerEntry, minutes int, now time.Time) LedgerEntry {
	start := monthStart(now)
	if entry.ResetAt.Before(start) {
		entry.MinutesUsed = minutes
		entry.ResetAt = start
	} else {
		entry.MinutesUsed += minutes
	}
	return entry
}
