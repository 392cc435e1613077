package session

import (
	"context"
	"sync"

	"github.com/jonboulle/clockwork"
)

// MemoryStore keeps sessions in process memory. Sessions are lost on
// restart.
type MemoryStore struct {
	clock    clockwork.Clock
	mu       sync.Mutex
	sessions map[string]*Session
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(clock clockwork.Clock) *MemoryStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryStore{clock: clock, sessions: make(map[string]*Session)}
}

func (m *MemoryStore) Create(_ context.Context, tokenHash string, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked()
	cp := *s
	m.sessions[tokenHash] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, tokenHash string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[tokenHash]
	if !ok {
		return nil, ErrNotFound
	}
	if !m.clock.Now().Before(s.ExpiresAt) {
		delete(m.sessions, tokenHash)
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) Delete(_ context.Context, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, tokenHash)
	return nil
}

func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// sweepLocked drops expired sessions. Callers hold m.mu.
func (m *MemoryStore) sweepLocked() {
	now := m.clock.Now()
	for k, s := range m.sessions {
		if !now.Before(s.ExpiresAt) {
			delete(m.sessions, k)
		}
	}
}
