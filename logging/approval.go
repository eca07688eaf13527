package logging

import (
	"context"
	"time"

	"github.com/pbcex/adminguard/notification"
	"github.com/pbcex/adminguard/request"
)

// ApprovalLogEntry captures all context for an approval workflow event.
type ApprovalLogEntry struct {
	Timestamp    string `json:"timestamp"`
	Event        string `json:"event"` // approval.created, approval.approved, ...
	RequestID    string `json:"request_id"`
	Requester    string `json:"requester"`
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id,omitempty"`
	Action       string `json:"action"`
	Status       string `json:"status"`
	Actor        string `json:"actor"` // requester, approver, or "system"
	RequiredRole string `json:"required_role"`

	ExpiresAt string `json:"expires_at,omitempty"` // on create
	StepUp    bool   `json:"requires_step_up,omitempty"`
	Approver  string `json:"approver,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// NewApprovalLogEntry creates an ApprovalLogEntry for event on req.
// Optional fields depend on the event:
//   - approval.created: expires_at, requires_step_up
//   - approval.approved/denied: approver, reason
func NewApprovalLogEntry(event notification.EventType, req *request.Request, actor string) ApprovalLogEntry {
	entry := ApprovalLogEntry{
		Timestamp:    timestamp(time.Now()),
		Event:        string(event),
		RequestID:    req.ID,
		Requester:    req.Requester.UserID,
		ResourceType: req.Resource.Type,
		ResourceID:   req.Resource.ID,
		Action:       req.Action,
		Status:       string(req.Status),
		Actor:        actor,
		RequiredRole: string(req.RequiredRole),
	}

	switch event {
	case notification.EventRequestCreated:
		entry.ExpiresAt = timestamp(req.ExpiresAt)
		entry.StepUp = req.RequiresStepUp
	case notification.EventRequestApproved, notification.EventRequestDenied:
		if req.Approver != nil {
			entry.Approver = req.Approver.UserID
		}
		entry.Reason = req.Reason
	}
	return entry
}

// ApprovalNotifier adapts a Logger to notification.Notifier so approval
// events reach the log through the same fanout as SNS and webhooks.
type ApprovalNotifier struct {
	logger Logger
}

// NewApprovalNotifier creates an ApprovalNotifier writing to logger.
func NewApprovalNotifier(logger Logger) *ApprovalNotifier {
	return &ApprovalNotifier{logger: logger}
}

// Notify logs the event. It never fails.
func (n *ApprovalNotifier) Notify(_ context.Context, event *notification.Event) error {
	if event.Request == nil {
		return nil
	}
	n.logger.LogApproval(NewApprovalLogEntry(event.Type, event.Request, event.Actor))
	return nil
}

var _ notification.Notifier = (*ApprovalNotifier)(nil)
