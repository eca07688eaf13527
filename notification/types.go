// Package notification delivers approval lifecycle events to external
// channels so approvers learn about pending requests without polling.
//
// # Event Types
//
// Events are emitted when a request changes state:
//   - approval.created: a gated operation opened a pending request
//   - approval.approved: an approver granted the request
//   - approval.denied: an approver rejected the request
//   - approval.expired: the request passed its deadline while pending
//   - approval.consumed: the requester redeemed the approval for the first time
//
// Delivery is best-effort. NotifyStore fires events asynchronously after the
// store write succeeds and only logs delivery failures.
package notification

import (
	"time"

	"github.com/pbcex/adminguard/request"
)

// EventType represents the type of notification event.
type EventType string

const (
	EventRequestCreated  EventType = "approval.created"
	EventRequestApproved EventType = "approval.approved"
	EventRequestDenied   EventType = "approval.denied"
	EventRequestExpired  EventType = "approval.expired"
	EventRequestConsumed EventType = "approval.consumed"
)

// IsValid returns true if the EventType is a known value.
func (t EventType) IsValid() bool {
	switch t {
	case EventRequestCreated, EventRequestApproved, EventRequestDenied,
		EventRequestExpired, EventRequestConsumed:
		return true
	}
	return false
}

// String returns the string representation of the EventType.
func (t EventType) String() string {
	return string(t)
}

// Event is a notification triggered by a request state change.
type Event struct {
	Type      EventType        `json:"type"`
	Request   *request.Request `json:"request"`
	Timestamp time.Time        `json:"timestamp"`

	// Actor is who triggered the event: the requester for created and
	// consumed, the approver for approved and denied, "system" for expired.
	Actor string `json:"actor"`
}

// NewEvent creates a new notification event stamped with the current time.
func NewEvent(eventType EventType, req *request.Request, actor string) *Event {
	return &Event{
		Type:      eventType,
		Request:   req,
		Timestamp: time.Now().UTC(),
		Actor:     actor,
	}
}

// transitionEvent returns the event for a status change from old to req,
// or "" when the change is not notifiable.
func transitionEvent(old, req *request.Request) (EventType, string) {
	if old.Status == request.StatusPending && req.Status != request.StatusPending {
		switch req.Status {
		case request.StatusApproved:
			return EventRequestApproved, approverID(req)
		case request.StatusDenied:
			return EventRequestDenied, approverID(req)
		case request.StatusExpired:
			return EventRequestExpired, request.ActorSystem
		}
	}
	if old.ConsumedAt == nil && req.ConsumedAt != nil {
		return EventRequestConsumed, req.Requester.UserID
	}
	return "", ""
}

func approverID(req *request.Request) string {
	if req.Approver == nil {
		return ""
	}
	return req.Approver.UserID
}
