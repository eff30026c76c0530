package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakePresence struct {
	counts map[string]int
}

func (p *fakePresence) OnlineCount(roomID string) int { return p.counts[roomID] }

type recordingSink struct {
	mu     sync.Mutex
	events []RoomEvent
}

func (r *recordingSink) Publish(event RoomEvent) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func newTestLedger(tier Tier, opts ...LedgerOption) (*Ledger, *MemoryStore, *fakeClock) {
	store := NewMemoryStore()
	clock := newFakeClock()
	opts = append([]LedgerOption{WithClock(clock.Now)}, opts...)
	ledger := NewLedger(store, StaticTiers{Tier: tier}, zerolog.Nop(), opts...)
	return ledger, store, clock
}

func TestLedger_StartCreatesActiveSession(t *testing.T) {
	ledger, _, clock := newTestLedger(TierFree)
	ctx := context.Background()

	sess, err := ledger.Start(ctx, "alice", "room-1")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if sess.Status != StatusActive {
		t.Errorf("Expected active session, got %s", sess.Status)
	}
	if sess.HostUserID != "alice" || sess.RoomID != "room-1" {
		t.Errorf("Unexpected session identity: %+v", sess)
	}
	if !sess.StartedAt.Equal(clock.Now()) {
		t.Errorf("Expected StartedAt %v, got %v", clock.Now(), sess.StartedAt)
	}
	if sess.ParticipantCount != 1 {
		t.Errorf("Expected participant count seeded to 1, got %d", sess.ParticipantCount)
	}
}

func TestLedger_StartEndsPriorActiveSession(t *testing.T) {
	ledger, store, clock := newTestLedger(TierFree)
	ctx := context.Background()

	first, err := ledger.Start(ctx, "alice", "room-1")
	if err != nil {
		t.Fatalf("First start failed: %v", err)
	}

	clock.Advance(7 * time.Minute)

	second, err := ledger.Start(ctx, "alice", "room-2")
	if err != nil {
		t.Fatalf("Second start failed: %v", err)
	}
	if second.ID == first.ID {
		t.Fatal("Expected a new session id")
	}

	// The prior session is ended with its elapsed minutes credited; never
	// two simultaneous active sessions for one user.
	prior, err := store.GetSession(ctx, first.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if prior.Status != StatusEnded {
		t.Errorf("Expected prior session ended, got %s", prior.Status)
	}
	if prior.DurationMinutes != 7 {
		t.Errorf("Expected 7 minutes recorded, got %d", prior.DurationMinutes)
	}

	entry, _ := store.LedgerEntry(ctx, "alice")
	if entry.MinutesUsed != 7 {
		t.Errorf("Expected 7 minutes credited, got %d", entry.MinutesUsed)
	}

	active, _ := store.ActiveSessionsByHost(ctx, "alice")
	if len(active) != 1 || active[0].ID != second.ID {
		t.Errorf("Expected exactly the new session active, got %d sessions", len(active))
	}
}

func TestLedger_StartJoinsExistingRoomSession(t *testing.T) {
	ledger, _, _ := newTestLedger(TierFree)
	ctx := context.Background()

	hosted, err := ledger.Start(ctx, "alice", "room-1")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	joined, err := ledger.Start(ctx, "bob", "room-1")
	if err != nil {
		t.Fatalf("Join start failed: %v", err)
	}

	if joined.ID != hosted.ID {
		t.Errorf("Expected bob to join alice's session %s, got %s", hosted.ID, joined.ID)
	}
	if joined.HostUserID != "alice" {
		t.Errorf("Expected host to remain alice, got %s", joined.HostUserID)
	}
}

func TestLedger_StartQuotaExceeded(t *testing.T) {
	ledger, store, clock := newTestLedger(TierFree) // 40 minutes/month
	ctx := context.Background()

	err := store.PutLedgerEntry(ctx, LedgerEntry{
		UserID:      "alice",
		MinutesUsed: 40,
		ResetAt:     monthStart(clock.Now()),
	})
	if err != nil {
		t.Fatalf("PutLedgerEntry failed: %v", err)
	}

	_, err = ledger.Start(ctx, "alice", "room-1")
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("Expected ErrQuotaExceeded, got %v", err)
	}
}

func TestLedger_StartIgnoresStaleMonthUsage(t *testing.T) {
	ledger, store, clock := newTestLedger(TierFree)
	ctx := context.Background()

	// Usage recorded in a previous calendar month does not count.
	err := store.PutLedgerEntry(ctx, LedgerEntry{
		UserID:      "alice",
		MinutesUsed: 40,
		ResetAt:     monthStart(clock.Now()).AddDate(0, -1, 0),
	})
	if err != nil {
		t.Fatalf("PutLedgerEntry failed: %v", err)
	}

	if _, err := ledger.Start(ctx, "alice", "room-1"); err != nil {
		t.Fatalf("Expected stale usage to be ignored, got %v", err)
	}
}

func TestLedger_StartSeedsParticipantCount(t *testing.T) {
	presence := &fakePresence{counts: map[string]int{"room-1": 3}}
	ledger, _, _ := newTestLedger(TierPlus, WithPresence(presence))
	ctx := context.Background()

	sess, err := ledger.Start(ctx, "alice", "room-1")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if sess.ParticipantCount != 3 {
		t.Errorf("Expected participant count 3, got %d", sess.ParticipantCount)
	}

	// An empty room still seeds a minimum of 1.
	sess2, err := ledger.Start(ctx, "bob", "room-empty")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if sess2.ParticipantCount != 1 {
		t.Errorf("Expected minimum participant count 1, got %d", sess2.ParticipantCount)
	}
}

func TestLedger_PauseResume(t *testing.T) {
	ledger, store, _ := newTestLedger(TierFree)
	ctx := context.Background()

	sess, err := ledger.Start(ctx, "alice", "room-1")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := ledger.Pause(ctx, sess.ID); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	got, _ := store.GetSession(ctx, sess.ID)
	if got.Status != StatusPaused {
		t.Errorf("Expected paused, got %s", got.Status)
	}

	// Pausing a paused session is invalid.
	if err := ledger.Pause(ctx, sess.ID); !errors.Is(err, ErrInvalidStateTransition) {
		t.Errorf("Expected ErrInvalidStateTransition, got %v", err)
	}

	if err := ledger.Resume(ctx, sess.ID); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	got, _ = store.GetSession(ctx, sess.ID)
	if got.Status != StatusActive {
		t.Errorf("Expected active, got %s", got.Status)
	}

	// Resuming an active session is invalid.
	if err := ledger.Resume(ctx, sess.ID); !errors.Is(err, ErrInvalidStateTransition) {
		t.Errorf("Expected ErrInvalidStateTransition, got %v", err)
	}
}

func TestLedger_EndComputesMinutesAndCredits(t *testing.T) {
	ledger, store, clock := newTestLedger(TierFree)
	ctx := context.Background()

	sess, err := ledger.Start(ctx, "alice", "room-1")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	clock.Advance(5 * time.Minute)

	minutes, err := ledger.End(ctx, sess.ID)
	if err != nil {
		t.Fatalf("End failed: %v", err)
	}
	if minutes != 5 {
		t.Errorf("Expected durationMinutes 5, got %d", minutes)
	}

	got, _ := store.GetSession(ctx, sess.ID)
	if got.Status != StatusEnded {
		t.Errorf("Expected ended, got %s", got.Status)
	}
	if got.EndedAt == nil || !got.EndedAt.Equal(clock.Now()) {
		t.Errorf("Expected EndedAt %v, got %v", clock.Now(), got.EndedAt)
	}

	entry, _ := store.LedgerEntry(ctx, "alice")
	if entry.MinutesUsed != 5 {
		t.Errorf("Expected minutesUsedThisMonth 5, got %d", entry.MinutesUsed)
	}
}

func TestLedger_EndIsIdempotent(t *testing.T) {
	ledger, store, clock := newTestLedger(TierFree)
	ctx := context.Background()

	sess, _ := ledger.Start(ctx, "alice", "room-1")
	clock.Advance(3 * time.Minute)

	first, err := ledger.End(ctx, sess.ID)
	if err != nil {
		t.Fatalf("End failed: %v", err)
	}

	clock.Advance(10 * time.Minute)

	second, err := ledger.End(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Second End failed: %v", err)
	}
	if second != first {
		t.Errorf("Expected idempotent End to return %d, got %d", first, second)
	}

	// No double credit.
	entry, _ := store.LedgerEntry(ctx, "alice")
	if entry.MinutesUsed != first {
		t.Errorf("Expected %d minutes credited once, got %d", first, entry.MinutesUsed)
	}
}

func TestLedger_EndPausedIsInvalid(t *testing.T) {
	ledger, _, _ := newTestLedger(TierFree)
	ctx := context.Background()

	sess, _ := ledger.Start(ctx, "alice", "room-1")
	if err := ledger.Pause(ctx, sess.ID); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}

	if _, err := ledger.End(ctx, sess.ID); !errors.Is(err, ErrInvalidStateTransition) {
		t.Errorf("Expected ErrInvalidStateTransition, got %v", err)
	}
}

func TestLedger_EndUnknownSession(t *testing.T) {
	ledger, _, _ := newTestLedger(TierFree)

	if _, err := ledger.End(context.Background(), "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
}

func TestLedger_MonthlyResetReplacesStaleCredit(t *testing.T) {
	ledger, store, clock := newTestLedger(TierFree)
	ctx := context.Background()

	// 33 minutes recorded last month.
	err := store.PutLedgerEntry(ctx, LedgerEntry{
		UserID:      "alice",
		MinutesUsed: 33,
		ResetAt:     monthStart(clock.Now()).AddDate(0, -1, 0),
	})
	if err != nil {
		t.Fatalf("PutLedgerEntry failed: %v", err)
	}

	sess, _ := ledger.Start(ctx, "alice", "room-1")
	clock.Advance(5 * time.Minute)
	if _, err := ledger.End(ctx, sess.ID); err != nil {
		t.Fatalf("End failed: %v", err)
	}

	// The credit replaces the stale counter instead of summing with it.
	entry, _ := store.LedgerEntry(ctx, "alice")
	if entry.MinutesUsed != 5 {
		t.Errorf("Expected stale counter replaced with 5, got %d", entry.MinutesUsed)
	}
	if !entry.ResetAt.Equal(monthStart(clock.Now())) {
		t.Errorf("Expected reset marker at month start, got %v", entry.ResetAt)
	}
}

func TestLedger_SameMonthCreditAccumulates(t *testing.T) {
	ledger, store, clock := newTestLedger(TierFree)
	ctx := context.Background()

	sess, _ := ledger.Start(ctx, "alice", "room-1")
	clock.Advance(5 * time.Minute)
	if _, err := ledger.End(ctx, sess.ID); err != nil {
		t.Fatalf("End failed: %v", err)
	}

	sess, _ = ledger.Start(ctx, "alice", "room-1")
	clock.Advance(4 * time.Minute)
	if _, err := ledger.End(ctx, sess.ID); err != nil {
		t.Fatalf("End failed: %v", err)
	}

	entry, _ := store.LedgerEntry(ctx, "alice")
	if entry.MinutesUsed != 9 {
		t.Errorf("Expected 9 minutes accumulated, got %d", entry.MinutesUsed)
	}
}

func TestLedger_UsageFor(t *testing.T) {
	ledger, store, clock := newTestLedger(TierFree)
	ctx := context.Background()

	err := store.PutLedgerEntry(ctx, LedgerEntry{
		UserID:      "alice",
		MinutesUsed: 12,
		ResetAt:     monthStart(clock.Now()),
	})
	if err != nil {
		t.Fatalf("PutLedgerEntry failed: %v", err)
	}

	used, limit, err := ledger.UsageFor(ctx, "alice")
	if err != nil {
		t.Fatalf("UsageFor failed: %v", err)
	}
	if used != 12 {
		t.Errorf("Expected 12 minutes used, got %d", used)
	}
	if limit != 40 {
		t.Errorf("Expected free tier limit 40, got %d", limit)
	}
}

func TestLedger_PublishesRoomEvents(t *testing.T) {
	sink := &recordingSink{}
	ledger, _, clock := newTestLedger(TierFree, WithEventSink(sink))
	ctx := context.Background()

	sess, _ := ledger.Start(ctx, "alice", "room-1")
	clock.Advance(2 * time.Minute)
	if _, err := ledger.End(ctx, sess.ID); err != nil {
		t.Fatalf("End failed: %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.events) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(sink.events))
	}
	if sink.events[0].Type != "session.started" || sink.events[1].Type != "session.ended" {
		t.Errorf("Unexpected event sequence: %v, %v", sink.events[0].Type, sink.events[1].Type)
	}
	if sink.events[1].Minutes != 2 {
		t.Errorf("Expected 2 minutes on ended event, got %d", sink.events[1].Minutes)
	}
}

// endRaceStore simulates a concurrent End winning the user transaction:
// once armed, the next InUserTx ends the session before fn observes it.
type endRaceStore struct {
	*MemoryStore
	sessionID string
	endAt     time.Time
	armed     bool
}

func (r *endRaceStore) InUserTx(ctx context.Context, userID string, fn func(Store) error) error {
	return r.MemoryStore.InUserTx(ctx, userID, func(s Store) error {
		if r.armed {
			r.armed = false
			sess, err := s.GetSession(ctx, r.sessionID)
			if err != nil {
				return err
			}
			if sess.Status == StatusActive {
				at := r.endAt
				sess.Status = StatusEnded
				sess.EndedAt = &at
				sess.DurationMinutes = 3
				if err := s.UpdateSession(ctx, sess); err != nil {
					return err
				}
			}
		}
		return fn(s)
	})
}

func TestLedger_EndLostRaceHasNoSideEffects(t *testing.T) {
	race := &endRaceStore{MemoryStore: NewMemoryStore()}
	clock := newFakeClock()
	sink := &recordingSink{}
	ledger := NewLedger(race, StaticTiers{Tier: TierFree}, zerolog.Nop(),
		WithClock(clock.Now), WithEventSink(sink))
	ctx := context.Background()

	sess, err := ledger.Start(ctx, "alice", "room-1")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	clock.Advance(5 * time.Minute)
	race.sessionID = sess.ID
	race.endAt = clock.Now()
	race.armed = true

	minutes, err := ledger.End(ctx, sess.ID)
	if err != nil {
		t.Fatalf("End failed: %v", err)
	}
	// The racing winner's recorded duration is returned.
	if minutes != 3 {
		t.Errorf("Expected recorded duration 3, got %d", minutes)
	}

	// The loser publishes nothing; only the start event exists.
	sink.mu.Lock()
	defer sink.mu.Unlock()
	for _, event := range sink.events {
		if event.Type == "session.ended" {
			t.Errorf("Lost End race still published %s", event.Type)
		}
	}
}

func activeSessionsGauge(t *testing.T) float64 {
	t.Helper()
	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == "voice_core_active_sessions" {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	return 0
}

func TestLedger_ActiveSessionGaugeStaysBalanced(t *testing.T) {
	ledger, _, clock := newTestLedger(TierFree)
	ctx := context.Background()
	base := activeSessionsGauge(t)

	if _, err := ledger.Start(ctx, "alice", "room-1"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if got := activeSessionsGauge(t); got != base+1 {
		t.Errorf("Expected gauge %v after start, got %v", base+1, got)
	}

	// Transfer ends the prior session; the gauge must not drift upward.
	clock.Advance(2 * time.Minute)
	sess, err := ledger.Start(ctx, "alice", "room-2")
	if err != nil {
		t.Fatalf("Second start failed: %v", err)
	}
	if got := activeSessionsGauge(t); got != base+1 {
		t.Errorf("Expected gauge %v after transfer, got %v", base+1, got)
	}

	clock.Advance(time.Minute)
	if _, err := ledger.End(ctx, sess.ID); err != nil {
		t.Fatalf("End failed: %v", err)
	}
	if got := activeSessionsGauge(t); got != base {
		t.Errorf("Expected gauge %v after end, got %v", base, got)
	}

	// Idempotent End must not decrement again.
	if _, err := ledger.End(ctx, sess.ID); err != nil {
		t.Fatalf("Repeat End failed: %v", err)
	}
	if got := activeSessionsGauge(t); got != base {
		t.Errorf("Expected gauge %v after repeat end, got %v", base, got)
	}
}

func TestElapsedMinutes_Rounding(t *testing.T) {
	base := time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		elapsed time.Duration
		want    int
	}{
		{0, 0},
		{29 * time.Second, 0},
		{30 * time.Second, 1},
		{5 * time.Minute, 5},
		{5*time.Minute + 31*time.Second, 6},
	}

	for _, tc := range cases {
		if got := elapsedMinutes(base, base.Add(tc.elapsed)); got != tc.want {
			t.Errorf("elapsedMinutes(%v): expected %d, got %d", tc.elapsed, tc.want, got)
		}
	}
}
