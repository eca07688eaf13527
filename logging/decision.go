package logging

import (
	"strings"
	"time"

	"github.com/pbcex/adminguard/policy"
)

// Effect values for DecisionLogEntry.
const (
	EffectAllow = "allow"
	EffectDeny  = "deny"
)

// DecisionLogEntry captures all context for an evaluator decision.
type DecisionLogEntry struct {
	Timestamp string `json:"timestamp"`
	User      string `json:"user"`
	Roles     string `json:"roles"` // comma separated
	Resource  string `json:"resource"`
	Action    string `json:"action"`
	Effect    string `json:"effect"`
	Check     string `json:"check"` // stage that decided: input, role, attribute, business, allow
	Reason    string `json:"reason"`

	RequestID  string `json:"request_id,omitempty"`  // inbound HTTP request identifier
	ApprovalID string `json:"approval_id,omitempty"` // approval redeemed for this call
	Outcome    string `json:"outcome,omitempty"`     // guard result: executed, approval_required, step_up_required, ...
}

// NewDecisionLogEntry creates a DecisionLogEntry from an evaluation result.
func NewDecisionLogEntry(user string, roles []policy.Role, resource, action string, decision policy.Decision) DecisionLogEntry {
	effect := EffectDeny
	if decision.Allowed {
		effect = EffectAllow
	}
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = string(r)
	}
	return DecisionLogEntry{
		Timestamp: timestamp(time.Now()),
		User:      user,
		Roles:     strings.Join(names, ","),
		Resource:  resource,
		Action:    action,
		Effect:    effect,
		Check:     decision.Check,
		Reason:    decision.Reason,
	}
}
