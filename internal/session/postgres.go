package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/autonomyowner/LinguaBridge-sub000/internal/resilience"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema creates the tables the store needs. Applied on startup; all
// statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS voice_sessions (
    id                TEXT PRIMARY KEY,
    room_id           TEXT NOT NULL,
    host_user_id      TEXT NOT NULL,
    started_at        TIMESTAMPTZ NOT NULL,
    ended_at          TIMESTAMPTZ,
    duration_minutes  INTEGER NOT NULL DEFAULT 0,
    participant_count INTEGER NOT NULL DEFAULT 1,
    status            TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS voice_sessions_host_active
    ON voice_sessions (host_user_id) WHERE status = 'active';
CREATE INDEX IF NOT EXISTS voice_sessions_room_active
    ON voice_sessions (room_id) WHERE status = 'active';
CREATE TABLE IF NOT EXISTS usage_ledger (
    user_id      TEXT PRIMARY KEY,
    minutes_used INTEGER NOT NULL DEFAULT 0,
    reset_at     TIMESTAMPTZ NOT NULL
);
`

const (
	insertSessionSQL = `INSERT INTO voice_sessions
        (id, room_id, host_user_id, started_at, ended_at, duration_minutes, participant_count, status)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	selectSessionSQL = `SELECT id, room_id, host_user_id, started_at, ended_at, duration_minutes, participant_count, status
        FROM voice_sessions WHERE id = $1`
	updateSessionSQL = `UPDATE voice_sessions
        SET ended_at = $2, duration_minutes = $3, participant_count = $4, status = $5
        WHERE id = $1`
	activeByHostSQL = `SELECT id, room_id, host_user_id, started_at, ended_at, duration_minutes, participant_count, status
        FROM voice_sessions WHERE host_user_id = $1 AND status = 'active'`
	activeByRoomSQL = `SELECT id, room_id, host_user_id, started_at, ended_at, duration_minutes, participant_count, status
        FROM voice_sessions WHERE room_id = $1 AND status = 'active' LIMIT 1`
	activeBeforeSQL = `SELECT id, room_id, host_user_id, started_at, ended_at, duration_minutes, participant_count, status
        FROM voice_sessions WHERE status = 'active' AND started_at < $1`
	selectLedgerSQL = `SELECT user_id, minutes_used, reset_at FROM usage_ledger WHERE user_id = $1`
	upsertLedgerSQL = `INSERT INTO usage_ledger (user_id, minutes_used, reset_at)
        VALUES ($1, $2, $3)
        ON CONFLICT (user_id) DO UPDATE SET minutes_used = $2, reset_at = $3`
	userLockSQL = `SELECT pg_advisory_xact_lock(hashtext($1))`
)

// querier is the subset of pgx shared by a pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore is a Store backed by Postgres via pgx. InUserTx serializes
// per-user mutations with a transaction-scoped advisory lock, and retries
// transactions that fail on serialization conflicts or deadlocks.
type PostgresStore struct {
	pool *pgxpool.Pool
	q    querier
	inTx bool
}

// NewPostgresStore connects a pool to databaseURL and verifies the
// connection.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{pool: pool, q: pool}, nil
}

// EnsureSchema applies the session and ledger tables.
func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (p *PostgresStore) Close() {
	p.pool.Close()
}

// isRetryableTxError reports serialization conflicts and deadlocks, which
// are safe to retry as a whole transaction.
func isRetryableTxError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

// InUserTx implements Store. The advisory lock keyed on userID gives the
// read-modify-write sequences inside fn single-writer-per-user semantics.
func (p *PostgresStore) InUserTx(ctx context.Context, userID string, fn func(Store) error) error {
	if p.inTx {
		// Already serialized on this user; nested calls run inline.
		return fn(p)
	}

	return resilience.Retry(func() error {
		tx, err := p.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if _, err := tx.Exec(ctx, userLockSQL, userID); err != nil {
			return fmt.Errorf("acquire user lock: %w", err)
		}

		if err := fn(&PostgresStore{pool: p.pool, q: tx, inTx: true}); err != nil {
			return err
		}
		return tx.Commit(ctx)
	}, resilience.DefaultRetryConfig(), isRetryableTxError)
}

// CreateSession implements Store.
func (p *PostgresStore) CreateSession(ctx context.Context, s *Session) error {
	_, err := p.q.Exec(ctx, insertSessionSQL,
		s.ID, s.RoomID, s.HostUserID, s.StartedAt, s.EndedAt,
		s.DurationMinutes, s.ParticipantCount, string(s.Status))
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession implements Store.
func (p *PostgresStore) GetSession(ctx context.Context, id string) (*Session, error) {
	s, err := scanSession(p.q.QueryRow(ctx, selectSessionSQL, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
	}
	return s, err
}

// UpdateSession implements Store.
func (p *PostgresStore) UpdateSession(ctx context.Context, s *Session) error {
	tag, err := p.q.Exec(ctx, updateSessionSQL,
		s.ID, s.EndedAt, s.DurationMinutes, s.ParticipantCount, string(s.Status))
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", s.ID, ErrSessionNotFound)
	}
	return nil
}

// ActiveSessionsByHost implements Store.
func (p *PostgresStore) ActiveSessionsByHost(ctx context.Context, userID string) ([]*Session, error) {
	rows, err := p.q.Query(ctx, activeByHostSQL, userID)
	if err != nil {
		return nil, fmt.Errorf("query active sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// ActiveSessionByRoom implements Store.
func (p *PostgresStore) ActiveSessionByRoom(ctx context.Context, roomID string) (*Session, error) {
	s, err := scanSession(p.q.QueryRow(ctx, activeByRoomSQL, roomID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

// ActiveSessionsBefore implements Store.
func (p *PostgresStore) ActiveSessionsBefore(ctx context.Context, cutoff time.Time) ([]*Session, error) {
	rows, err := p.q.Query(ctx, activeBeforeSQL, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query stale sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// LedgerEntry implements Store.
func (p *PostgresStore) LedgerEntry(ctx context.Context, userID string) (LedgerEntry, error) {
	var entry LedgerEntry
	err := p.q.QueryRow(ctx, selectLedgerSQL, userID).
		Scan(&entry.UserID, &entry.MinutesUsed, &entry.ResetAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return LedgerEntry{UserID: userID}, nil
	}
	if err != nil {
		return LedgerEntry{}, fmt.Errorf("select ledger entry: %w", err)
	}
	return entry, nil
}

// PutLedgerEntry implements Store.
func (p *PostgresStore) PutLedgerEntry(ctx context.Context, entry LedgerEntry) error {
	if _, err := p.q.Exec(ctx, upsertLedgerSQL, entry.UserID, entry.MinutesUsed, entry.ResetAt); err != nil {
		return fmt.Errorf("upsert ledger entry: %w", err)
	}
	return nil
}

// Ping implements Store.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func scanSession(row pgx.Row) (*Session, error) {
	var s Session
	var status string
	err := row.Scan(&s.ID, &s.RoomID, &s.HostUserID, &s.StartedAt, &s.EndedAt,
		&s.DurationMinutes, &s.ParticipantCount, &status)
	if err != nil {
		return nil, err
	}
	s.Status = Status(status)
	return &s, nil
}

func scanSessions(rows pgx.Rows) ([]*Session, error) {
	var out []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}
