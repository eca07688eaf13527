package logging

import (
	"time"

	"github.com/pbcex/adminguard/stepup"
)

// Step-up event names.
const (
	StepUpInitiated = "stepup.initiated"
	StepUpCompleted = "stepup.completed"
	StepUpFailed    = "stepup.failed"
	StepUpConsumed  = "stepup.consumed"
)

// StepUpLogEntry captures a step-up challenge event.
// Codes are never logged.
type StepUpLogEntry struct {
	Timestamp  string `json:"timestamp"`
	Event      string `json:"event"`
	SessionID  string `json:"session_id"`
	User       string `json:"user"`
	Action     string `json:"action"`
	Resource   string `json:"resource"`
	Method     string `json:"method"`
	ExpiresAt  string `json:"expires_at"`
	ApprovalID string `json:"approval_id,omitempty"` // set when an approver steps up for a request
	Reason     string `json:"reason,omitempty"`      // why a completion failed
}

// NewStepUpLogEntry creates a StepUpLogEntry for event on sess.
func NewStepUpLogEntry(event string, sess *stepup.Session) StepUpLogEntry {
	return StepUpLogEntry{
		Timestamp:  timestamp(time.Now()),
		Event:      event,
		SessionID:  sess.ID,
		User:       sess.UserID,
		Action:     sess.Action,
		Resource:   sess.Resource,
		Method:     sess.Method.String(),
		ExpiresAt:  timestamp(sess.ExpiresAt),
		ApprovalID: sess.Context["approval_id"],
	}
}
