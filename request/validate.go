package request

import (
	"fmt"
)

// Validate checks if the Request is semantically correct.
func (r *Request) Validate() error {
	if !ValidateRequestID(r.ID) {
		return fmt.Errorf("invalid request ID: must be %d lowercase hex characters", RequestIDLength)
	}
	if r.Action == "" {
		return fmt.Errorf("action cannot be empty")
	}
	if r.Resource.Type == "" {
		return fmt.Errorf("resource type cannot be empty")
	}
	if r.Requester.UserID == "" {
		return fmt.Errorf("requester user ID cannot be empty")
	}
	if !r.Status.IsValid() {
		return fmt.Errorf("invalid status: %q", r.Status)
	}
	if !r.RequiredRole.IsValid() {
		return fmt.Errorf("invalid required role: %q", r.RequiredRole)
	}
	if r.CreatedAt.IsZero() {
		return fmt.Errorf("created_at cannot be zero")
	}
	if r.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at cannot be zero")
	}
	if !r.ExpiresAt.After(r.CreatedAt) {
		return fmt.Errorf("expires_at must be after created_at")
	}
	if r.Status.IsTerminal() && r.Status != StatusExpired && r.Approver == nil {
		return fmt.Errorf("%s request must record an approver", r.Status)
	}
	return nil
}

// CanTransitionTo checks if the request can transition to the given status.
// Only pending requests can transition, and only to a terminal state.
func (r *Request) CanTransitionTo(newStatus RequestStatus) bool {
	return r.Status == StatusPending && newStatus.IsValid() && newStatus.IsTerminal()
}
