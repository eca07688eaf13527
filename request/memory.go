package request

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore implements Store with an in-process map.
// Requests are cloned on every read and write.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*Request
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[string]*Request)}
}

// Create stores a new request.
func (s *MemoryStore) Create(ctx context.Context, req *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[req.ID]; ok {
		return fmt.Errorf("%s: %w", req.ID, ErrRequestExists)
	}
	s.requests[req.ID] = req.Clone()
	return nil
}

// Get retrieves a request by ID.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrRequestNotFound)
	}
	return req.Clone(), nil
}

// Update replaces a request if its stored UpdatedAt equals prevUpdatedAt.
func (s *MemoryStore) Update(ctx context.Context, req *Request, prevUpdatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.requests[req.ID]
	if !ok {
		return fmt.Errorf("%s: %w", req.ID, ErrRequestNotFound)
	}
	if !existing.UpdatedAt.Equal(prevUpdatedAt) {
		return fmt.Errorf("%s: %w", req.ID, ErrConcurrentModification)
	}
	s.requests[req.ID] = req.Clone()
	return nil
}

// List returns matching requests newest first.
func (s *MemoryStore) List(ctx context.Context, filter Filter) ([]*Request, error) {
	s.mu.RLock()
	matched := make([]*Request, 0, len(s.requests))
	for _, req := range s.requests {
		if filter.Matches(req) {
			matched = append(matched, req.Clone())
		}
	}
	s.mu.RUnlock()

	sortNewestFirst(matched)
	return paginate(matched, filter), nil
}

// Len returns the number of stored requests.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.requests)
}

// Clear removes every request. Requests are otherwise never deleted; this
// exists so tests can reset shared state.
func (s *MemoryStore) Clear() {
	s.mu.Lock()
	s.requests = make(map[string]*Request)
	s.mu.Unlock()
}
