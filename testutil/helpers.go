// Package testutil holds shared mocks and fixtures for adminguard tests.
package testutil

import (
	"strings"
	"sync"
	"testing"
	"time"

	guarderrors "github.com/pbcex/adminguard/errors"
	"github.com/pbcex/adminguard/policy"
	"github.com/pbcex/adminguard/request"
)

// ============================================================================
// Time helpers
// ============================================================================

// MustParseTime parses a time string using the given layout and panics on error.
//
// Example:
//
//	t := MustParseTime(time.RFC3339, "2026-03-01T12:00:00Z")
func MustParseTime(layout, value string) time.Time {
	t, err := time.Parse(layout, value)
	if err != nil {
		panic("testutil.MustParseTime: " + err.Error())
	}
	return t
}

// Clock is a manually advanced time source, safe for concurrent use.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a Clock stopped at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// ============================================================================
// Request helpers
// ============================================================================

// MakeActor returns an actor holding roles.
func MakeActor(userID string, roles ...policy.Role) request.Actor {
	return request.Actor{UserID: userID, Email: userID + "@pbcex.com", Roles: roles}
}

// MakeRequest returns a pending request for resourceType:action created at
// now and open for timeout.
func MakeRequest(requester request.Actor, resourceType, action string, now time.Time, timeout time.Duration) *request.Request {
	req := &request.Request{
		ID:           request.NewRequestID(),
		Action:       action,
		Resource:     request.Resource{Type: resourceType, ID: "r-1"},
		Requester:    requester,
		Status:       request.StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
		ExpiresAt:    now.Add(timeout),
		RequiredRole: policy.RoleAdmin,
	}
	req.AppendAudit(request.EventCreated, now, requester.UserID, "")
	return req
}

// ============================================================================
// Assertion helpers
// ============================================================================

// AssertErrorCode checks that err carries the given adminguard error code.
//
// Example:
//
//	AssertErrorCode(t, err, guarderrors.ErrCodeForbidden)
func AssertErrorCode(t *testing.T, err error, code string) {
	t.Helper()
	if got := guarderrors.GetCode(err); got != code {
		t.Errorf("error code = %q, want %q (err: %v)", got, code, err)
	}
}

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertContains checks if got string contains substr.
func AssertContains(t *testing.T, got, substr string) {
	t.Helper()
	if !strings.Contains(got, substr) {
		t.Errorf("string does not contain expected substring:\n  got:    %q\n  substr: %q", got, substr)
	}
}

// AssertNotContains checks if got string does not contain substr.
func AssertNotContains(t *testing.T, got, substr string) {
	t.Helper()
	if strings.Contains(got, substr) {
		t.Errorf("string contains unexpected substring:\n  got:    %q\n  substr: %q", got, substr)
	}
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
