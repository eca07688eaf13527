// Package stepup implements the step-up gate: a short-lived secondary-factor
// challenge a principal must complete before a sensitive approval step.
//
// # Session Lifecycle
//
//  1. Initiate creates a session bound to one user, action and resource.
//  2. Complete checks the factor code (TOTP by default) and marks the session completed.
//  3. Verify reports whether the session is completed, unexpired and owned by the caller.
//  4. Clear invalidates the session. Sessions are single use.
//
// Sessions expire DefaultTTL after creation regardless of the approval
// request they guard.
//
// # Session ID Format
//
// Session IDs are 16-character lowercase hexadecimal strings (64 bits of entropy),
// matching the approval request ID format.
package stepup

import (
	"crypto/rand"
	"encoding/hex"
	"regexp"
	"time"
)

const (
	// DefaultTTL is how long a step-up session stays usable.
	DefaultTTL = 5 * time.Minute

	// SessionIDLength is the exact length for session IDs (16 hex chars).
	SessionIDLength = 16
)

// Method identifies the secondary factor a session must be completed with.
type Method string

const (
	// MethodTOTP is a time-based one-time password (RFC 6238).
	MethodTOTP Method = "totp"
	// MethodPasskey is a WebAuthn assertion verified by an external service.
	MethodPasskey Method = "passkey"
)

// IsValid returns true if the Method is a known value.
func (m Method) IsValid() bool {
	switch m {
	case MethodTOTP, MethodPasskey:
		return true
	}
	return false
}

// String returns the string representation of the Method.
func (m Method) String() string {
	return string(m)
}

// Session is one step-up challenge.
type Session struct {
	ID       string            `json:"id"`
	UserID   string            `json:"user_id"`
	Action   string            `json:"action"`
	Resource string            `json:"resource"`
	Context  map[string]string `json:"context,omitempty"`
	Method   Method            `json:"method"`

	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Target is the operation a session must have been opened for. Every
// Context entry in the Target must equal the session's.
type Target struct {
	Action   string
	Resource string
	Context  map[string]string
}

// Matches reports whether the session was opened for t.
func (s *Session) Matches(t Target) bool {
	if s.Action != t.Action || s.Resource != t.Resource {
		return false
	}
	for k, v := range t.Context {
		if s.Context[k] != v {
			return false
		}
	}
	return true
}

// IsExpired reports whether the session is past its deadline at now.
func (s *Session) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// IsCompleted reports whether the factor was verified for this session.
func (s *Session) IsCompleted() bool {
	return s.CompletedAt != nil
}

// ExpiresIn returns the remaining lifetime at now, never negative.
func (s *Session) ExpiresIn(now time.Time) time.Duration {
	if d := s.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

func (s *Session) clone() *Session {
	c := *s
	if s.Context != nil {
		c.Context = make(map[string]string, len(s.Context))
		for k, v := range s.Context {
			c.Context[k] = v
		}
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

var sessionIDRegex = regexp.MustCompile(`^[0-9a-f]{16}$`)

// NewSessionID generates a new 16-character lowercase hex session ID.
func NewSessionID() string {
	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		return "0000000000000000"
	}
	return hex.EncodeToString(bytes)
}

// ValidateSessionID checks if the given string is a valid session ID.
func ValidateSessionID(id string) bool {
	return sessionIDRegex.MatchString(id)
}
