package stepup

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrSessionNotFound is returned when a step-up session does not exist.
	ErrSessionNotFound = errors.New("step-up session not found")

	// ErrSessionExists is returned when creating a session whose ID is taken.
	ErrSessionExists = errors.New("step-up session already exists")
)

// Store persists step-up sessions.
// Implementations must be safe for concurrent use.
type Store interface {
	// Create stores a new session. Returns ErrSessionExists if the ID is taken.
	Create(ctx context.Context, s *Session) error

	// Get retrieves a session by ID. Returns ErrSessionNotFound if not exists.
	Get(ctx context.Context, id string) (*Session, error)

	// Update replaces an existing session. Returns ErrSessionNotFound if not exists.
	Update(ctx context.Context, s *Session) error

	// Delete removes a session. Returns ErrSessionNotFound if it was already gone,
	// which lets callers detect a second use of the same session.
	Delete(ctx context.Context, id string) error
}

// MemoryStore is an in-process Store. Sessions are cloned on the way in and out.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

// Create stores a new session.
func (m *MemoryStore) Create(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return fmt.Errorf("%s: %w", s.ID, ErrSessionExists)
	}
	m.sessions[s.ID] = s.clone()
	return nil
}

// Get retrieves a session by ID.
func (m *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrSessionNotFound)
	}
	return s.clone(), nil
}

// Update replaces an existing session.
func (m *MemoryStore) Update(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; !ok {
		return fmt.Errorf("%s: %w", s.ID, ErrSessionNotFound)
	}
	m.sessions[s.ID] = s.clone()
	return nil
}

// Delete removes a session.
func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return fmt.Errorf("%s: %w", id, ErrSessionNotFound)
	}
	delete(m.sessions, id)
	return nil
}

// Len returns the number of stored sessions.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
