package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/pbcex/adminguard/audit"
	"github.com/pbcex/adminguard/notification"
	"github.com/pbcex/adminguard/request"
)

// ============================================================================
// MockRequestStore - implements request.Store interface
// ============================================================================

// MockRequestStore implements request.Store for testing. Without a Func or
// Err override each call falls through to an in-memory store, so stateful
// tests keep optimistic locking semantics.
type MockRequestStore struct {
	mu sync.Mutex

	// Configurable behavior functions
	CreateFunc func(ctx context.Context, req *request.Request) error
	GetFunc    func(ctx context.Context, id string) (*request.Request, error)
	UpdateFunc func(ctx context.Context, req *request.Request, prevUpdatedAt time.Time) error
	ListFunc   func(ctx context.Context, filter request.Filter) ([]*request.Request, error)

	// Error injection (used if behavior function is nil)
	CreateErr error
	GetErr    error
	UpdateErr error
	ListErr   error

	// Backing is the in-memory store used by default.
	Backing *request.MemoryStore

	// Call tracking
	CreateCalls []*request.Request
	GetCalls    []string
	UpdateCalls []*request.Request
	ListCalls   []request.Filter
}

// NewMockRequestStore creates a new MockRequestStore over an empty memory store.
func NewMockRequestStore() *MockRequestStore {
	return &MockRequestStore{Backing: request.NewMemoryStore()}
}

// Create stores a new request.
func (m *MockRequestStore) Create(ctx context.Context, req *request.Request) error {
	m.mu.Lock()
	m.CreateCalls = append(m.CreateCalls, req.Clone())
	m.mu.Unlock()

	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, req)
	}
	if m.CreateErr != nil {
		return m.CreateErr
	}
	return m.Backing.Create(ctx, req)
}

// Get retrieves a request by ID.
func (m *MockRequestStore) Get(ctx context.Context, id string) (*request.Request, error) {
	m.mu.Lock()
	m.GetCalls = append(m.GetCalls, id)
	m.mu.Unlock()

	if m.GetFunc != nil {
		return m.GetFunc(ctx, id)
	}
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	return m.Backing.Get(ctx, id)
}

// Update modifies an existing request.
func (m *MockRequestStore) Update(ctx context.Context, req *request.Request, prevUpdatedAt time.Time) error {
	m.mu.Lock()
	m.UpdateCalls = append(m.UpdateCalls, req.Clone())
	m.mu.Unlock()

	if m.UpdateFunc != nil {
		return m.UpdateFunc(ctx, req, prevUpdatedAt)
	}
	if m.UpdateErr != nil {
		return m.UpdateErr
	}
	return m.Backing.Update(ctx, req, prevUpdatedAt)
}

// List returns requests matching filter.
func (m *MockRequestStore) List(ctx context.Context, filter request.Filter) ([]*request.Request, error) {
	m.mu.Lock()
	m.ListCalls = append(m.ListCalls, filter)
	m.mu.Unlock()

	if m.ListFunc != nil {
		return m.ListFunc(ctx, filter)
	}
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	return m.Backing.List(ctx, filter)
}

// Reset clears call tracking and error injection. Stored requests are kept.
func (m *MockRequestStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CreateFunc, m.GetFunc, m.UpdateFunc, m.ListFunc = nil, nil, nil, nil
	m.CreateErr, m.GetErr, m.UpdateErr, m.ListErr = nil, nil, nil, nil
	m.CreateCalls, m.GetCalls, m.UpdateCalls, m.ListCalls = nil, nil, nil, nil
}

// UpdateCallCount returns how many times Update was called.
func (m *MockRequestStore) UpdateCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.UpdateCalls)
}

// ============================================================================
// MockNotifier - implements notification.Notifier interface
// ============================================================================

// MockNotifier records notification events.
type MockNotifier struct {
	mu sync.Mutex

	NotifyFunc func(ctx context.Context, event *notification.Event) error
	NotifyErr  error

	Events []*notification.Event
}

// Notify records event.
func (m *MockNotifier) Notify(ctx context.Context, event *notification.Event) error {
	m.mu.Lock()
	m.Events = append(m.Events, event)
	m.mu.Unlock()

	if m.NotifyFunc != nil {
		return m.NotifyFunc(ctx, event)
	}
	return m.NotifyErr
}

// EventTypes returns the types of recorded events in order.
func (m *MockNotifier) EventTypes() []notification.EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	types := make([]notification.EventType, len(m.Events))
	for i, e := range m.Events {
		types[i] = e.Type
	}
	return types
}

// ============================================================================
// MockAuditSink - implements audit.Sink interface
// ============================================================================

// MockAuditSink records audit entries.
type MockAuditSink struct {
	mu sync.Mutex

	LogErr  error
	Entries []audit.Entry
}

// LogOperation records entry.
func (m *MockAuditSink) LogOperation(ctx context.Context, entry audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Entries = append(m.Entries, entry)
	return m.LogErr
}

// Operations returns the operations of recorded entries in order.
func (m *MockAuditSink) Operations() []audit.Operation {
	m.mu.Lock()
	defer m.mu.Unlock()
	ops := make([]audit.Operation, len(m.Entries))
	for i, e := range m.Entries {
		ops[i] = e.Operation
	}
	return ops
}

var (
	_ request.Store         = (*MockRequestStore)(nil)
	_ notification.Notifier = (*MockNotifier)(nil)
	_ audit.Sink            = (*MockAuditSink)(nil)
)
