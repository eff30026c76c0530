package session

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for single-node deployments and tests.
// Per-user mutexes provide the serialized critical section InUserTx
// requires; a separate data mutex guards the maps themselves.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	ledger   map[string]LedgerEntry

	lockMu    sync.Mutex
	userLocks map[string]*sync.Mutex
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:  make(map[string]*Session),
		ledger:    make(map[string]LedgerEntry),
		userLocks: make(map[string]*sync.Mutex),
	}
}

func (m *MemoryStore) userLock(userID string) *sync.Mutex {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()

	lock, ok := m.userLocks[userID]
	if !ok {
		lock = &sync.Mutex{}
		m.userLocks[userID] = lock
	}
	return lock
}

// InUserTx implements Store.
func (m *MemoryStore) InUserTx(ctx context.Context, userID string, fn func(Store) error) error {
	lock := m.userLock(userID)
	lock.Lock()
	defer lock.Unlock()
	return fn(m)
}

// CreateSession implements Store.
func (m *MemoryStore) CreateSession(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[s.ID]; exists {
		return fmt.Errorf("session %s already exists", s.ID)
	}
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

// GetSession implements Store.
func (m *MemoryStore) GetSession(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
	}
	cp := *s
	return &cp, nil
}

// UpdateSession implements Store.
func (m *MemoryStore) UpdateSession(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[s.ID]; !ok {
		return fmt.Errorf("session %s: %w", s.ID, ErrSessionNotFound)
	}
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

// ActiveSessionsByHost implements Store.
func (m *MemoryStore) ActiveSessionsByHost(ctx context.Context, userID string) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Session
	for _, s := range m.sessions {
		if s.HostUserID == userID && s.Status == StatusActive {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ActiveSessionByRoom implements Store.
func (m *MemoryStore) ActiveSessionByRoom(ctx context.Context, roomID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, s := range m.sessions {
		if s.RoomID == roomID && s.Status == StatusActive {
			cp := *s
			return &cp, nil
		}
	}
	return nil, nil
}

// ActiveSessionsBefore implements Store.
func (m *MemoryStore) ActiveSessionsBefore(ctx context.Context, cutoff time.Time) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Session
	for _, s := range m.sessions {
		if s.Status == StatusActive && s.StartedAt.Before(cutoff) {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

// LedgerEntry implements Store.
func (m *MemoryStore) LedgerEntry(ctx context.Context, userID string) (LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if entry, ok := m.ledger[userID]; ok {
		return entry, nil
	}
	return LedgerEntry{UserID: userID}, nil
}

// PutLedgerEntry implements Store.
func (m *MemoryStore) PutLedgerEntry(ctx context.Context, entry LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ledger[entry.UserID] = entry
	return nil
}

// Ping implements Store.
func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}
