// Package request defines adminguard's approval request schema and lifecycle.
// A request is opened when a principal attempts an approval-gated operation
// and is resolved by a second principal holding the rule's required role.
//
// # Request State Machine
//
// Valid state transitions:
//   - pending -> approved (by approver)
//   - pending -> denied (by approver)
//   - pending -> expired (by deadline: lazy check, timer or sweep)
//
// Terminal states (approved, denied, expired) cannot transition. After a
// request is terminal only its audit trail and ConsumedAt may change.
//
// # Request ID Format
//
// Request IDs are 16-character lowercase hexadecimal strings (64 bits of entropy).
package request

import (
	"crypto/rand"
	"encoding/hex"
	"regexp"
	"time"

	"github.com/pbcex/adminguard/policy"
)

// RequestIDLength is the exact length for request IDs (16 hex chars).
const RequestIDLength = 16

// RequestStatus represents the current state of an approval request.
type RequestStatus string

const (
	// StatusPending indicates the request is awaiting approval.
	StatusPending RequestStatus = "pending"
	// StatusApproved indicates the request was approved by an approver.
	StatusApproved RequestStatus = "approved"
	// StatusDenied indicates the request was denied by an approver.
	StatusDenied RequestStatus = "denied"
	// StatusExpired indicates the request passed its deadline while pending.
	StatusExpired RequestStatus = "expired"
)

// IsValid returns true if the RequestStatus is a known value.
func (s RequestStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusDenied, StatusExpired:
		return true
	}
	return false
}

// String returns the string representation of the RequestStatus.
func (s RequestStatus) String() string {
	return string(s)
}

// IsTerminal returns true if the status is a terminal state that cannot transition.
func (s RequestStatus) IsTerminal() bool {
	switch s {
	case StatusApproved, StatusDenied, StatusExpired:
		return true
	}
	return false
}

// AuditEvent names a lifecycle event in a request's audit trail.
type AuditEvent string

const (
	EventCreated         AuditEvent = "created"
	EventStepUpInitiated AuditEvent = "step_up_initiated"
	EventStepUpVerified  AuditEvent = "step_up_verified"
	EventApproved        AuditEvent = "approved"
	EventDenied          AuditEvent = "denied"
	EventExpired         AuditEvent = "expired"
	EventConsumed        AuditEvent = "consumed"
)

// AuditEntry is one timestamped event on a request.
type AuditEntry struct {
	Event     AuditEvent `json:"event"`
	Timestamp time.Time  `json:"timestamp"`
	Actor     string     `json:"actor"`
	Details   string     `json:"details,omitempty"`
}

// Resource identifies the object an operation targets.
type Resource struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Actor is the requester or approver of a request.
type Actor struct {
	UserID string        `json:"user_id"`
	Email  string        `json:"email,omitempty"`
	Roles  []policy.Role `json:"roles"`
}

// ActorSystem is recorded as the actor for deadline-driven transitions.
const ActorSystem = "system"

// Request is an approval request for one gated operation.
type Request struct {
	// ID is the unique request identifier (16 lowercase hex chars).
	ID string `json:"id"`

	// Action and Resource describe the gated operation.
	Action   string   `json:"action"`
	Resource Resource `json:"resource"`

	// Requester is who attempted the operation.
	Requester Actor `json:"requester"`

	// Approver is who approved or denied the request (nil until resolved).
	Approver *Actor `json:"approver,omitempty"`

	Status RequestStatus `json:"status"`

	// Reason is the approver's comment.
	Reason string `json:"reason,omitempty"`

	// RequestData is the payload needed to replay the original operation.
	RequestData map[string]any `json:"request_data,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`

	// ConsumedAt is when an approved request was first redeemed.
	ConsumedAt *time.Time `json:"consumed_at,omitempty"`

	// RequiredRole and RequiresStepUp snapshot the rule in force at creation.
	RequiredRole   policy.Role `json:"required_role"`
	RequiresStepUp bool        `json:"requires_step_up"`

	AuditTrail []AuditEntry `json:"audit_trail"`
}

// IsExpiredAt reports whether the request's deadline has passed at now.
// A request is still open at exactly ExpiresAt.
func (r *Request) IsExpiredAt(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// CanBeApprovedBy reports whether roles satisfy the request's required role.
func (r *Request) CanBeApprovedBy(roles []policy.Role) bool {
	return policy.HasRole(roles, r.RequiredRole) || policy.HasRole(roles, policy.RoleSuperAdmin)
}

// AppendAudit adds an event to the audit trail.
func (r *Request) AppendAudit(event AuditEvent, at time.Time, actor, details string) {
	r.AuditTrail = append(r.AuditTrail, AuditEntry{Event: event, Timestamp: at, Actor: actor, Details: details})
}

// Clone returns a deep copy of r. RequestData values are copied one level deep.
func (r *Request) Clone() *Request {
	c := *r
	c.Requester.Roles = append([]policy.Role(nil), r.Requester.Roles...)
	if r.Approver != nil {
		a := *r.Approver
		a.Roles = append([]policy.Role(nil), r.Approver.Roles...)
		c.Approver = &a
	}
	if r.RequestData != nil {
		c.RequestData = make(map[string]any, len(r.RequestData))
		for k, v := range r.RequestData {
			c.RequestData[k] = v
		}
	}
	if r.ProcessedAt != nil {
		t := *r.ProcessedAt
		c.ProcessedAt = &t
	}
	if r.ConsumedAt != nil {
		t := *r.ConsumedAt
		c.ConsumedAt = &t
	}
	c.AuditTrail = append([]AuditEntry(nil), r.AuditTrail...)
	return &c
}

var requestIDRegex = regexp.MustCompile(`^[0-9a-f]{16}$`)

// NewRequestID generates a new 16-character lowercase hex request ID.
// It uses crypto/rand for cryptographic randomness.
func NewRequestID() string {
	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		return "0000000000000000"
	}
	return hex.EncodeToString(bytes)
}

// ValidateRequestID checks if the given string is a valid request ID.
func ValidateRequestID(id string) bool {
	return requestIDRegex.MatchString(id)
}
