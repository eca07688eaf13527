package request

import (
	"context"
	"errors"
	"sort"
	"time"
)

// Query limit constants for List operations.
const (
	// DefaultListLimit is the page size used when Filter.Limit is zero.
	DefaultListLimit = 50
	// MaxListLimit caps Filter.Limit.
	MaxListLimit = 500
)

// Storage-related sentinel errors for Store implementations.
// These errors support errors.Is() checking for robust error handling.
var (
	// ErrRequestNotFound is returned when the requested request does not exist.
	ErrRequestNotFound = errors.New("request not found")

	// ErrRequestExists is returned when attempting to create a request with an ID
	// that already exists in the store.
	ErrRequestExists = errors.New("request already exists")

	// ErrConcurrentModification is returned when an update fails due to optimistic
	// locking - another process modified the request between read and write.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// Filter selects requests for List. Zero-valued fields match everything.
type Filter struct {
	Status          RequestStatus
	RequesterUserID string
	ResourceType    string
	Limit           int
	Offset          int
}

// Matches reports whether r satisfies every set field of f.
func (f Filter) Matches(r *Request) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.RequesterUserID != "" && r.Requester.UserID != f.RequesterUserID {
		return false
	}
	if f.ResourceType != "" && r.Resource.Type != f.ResourceType {
		return false
	}
	return true
}

// EffectiveLimit applies DefaultListLimit and MaxListLimit.
func (f Filter) EffectiveLimit() int {
	switch {
	case f.Limit <= 0:
		return DefaultListLimit
	case f.Limit > MaxListLimit:
		return MaxListLimit
	}
	return f.Limit
}

// Store defines the interface for approval request persistence.
// Implementations must be safe for concurrent use and must return copies,
// so callers can never mutate stored state without going through Update.
type Store interface {
	// Create stores a new request. Returns ErrRequestExists if ID already exists.
	Create(ctx context.Context, req *Request) error

	// Get retrieves a request by ID. Returns ErrRequestNotFound if not exists.
	Get(ctx context.Context, id string) (*Request, error)

	// Update replaces an existing request. The stored UpdatedAt must equal
	// prevUpdatedAt, otherwise ErrConcurrentModification is returned.
	// Returns ErrRequestNotFound if the request does not exist.
	Update(ctx context.Context, req *Request, prevUpdatedAt time.Time) error

	// List returns requests matching the filter, newest first, paginated by
	// Filter.Limit and Filter.Offset.
	List(ctx context.Context, filter Filter) ([]*Request, error)
}

// sortNewestFirst orders by CreatedAt descending with ID as a tiebreaker.
func sortNewestFirst(reqs []*Request) {
	sort.Slice(reqs, func(i, j int) bool {
		if !reqs[i].CreatedAt.Equal(reqs[j].CreatedAt) {
			return reqs[i].CreatedAt.After(reqs[j].CreatedAt)
		}
		return reqs[i].ID > reqs[j].ID
	})
}

// paginate returns the page of reqs selected by f.
func paginate(reqs []*Request, f Filter) []*Request {
	if f.Offset >= len(reqs) {
		return []*Request{}
	}
	if f.Offset > 0 {
		reqs = reqs[f.Offset:]
	}
	if limit := f.EffectiveLimit(); len(reqs) > limit {
		reqs = reqs[:limit]
	}
	return reqs
}
