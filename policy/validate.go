package policy

import (
	"fmt"
	"strings"
	"time"
)

// MaxApprovalTimeout caps how long an approval request may stay pending.
const MaxApprovalTimeout = 7 * 24 * time.Hour

// Validate checks the rule table for missing fields, unknown roles and duplicates.
func (a *ApprovalRules) Validate() error {
	if a == nil {
		return fmt.Errorf("approval rules cannot be nil")
	}
	if a.Version == "" {
		return fmt.Errorf("missing version field")
	}
	seen := make(map[string]int, len(a.Rules))
	for i, r := range a.Rules {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
		if prev, dup := seen[r.Key()]; dup {
			return fmt.Errorf("rule %d: duplicate rule for %s (first defined at rule %d)", i, r.Key(), prev)
		}
		seen[r.Key()] = i
	}
	return nil
}

// Validate checks a single approval rule.
func (r ApprovalRule) Validate() error {
	if strings.TrimSpace(r.ResourceType) == "" {
		return fmt.Errorf("resource_type cannot be empty")
	}
	if strings.TrimSpace(r.Action) == "" {
		return fmt.Errorf("action cannot be empty")
	}
	if !r.RequiredRole.IsValid() {
		return fmt.Errorf("invalid required_role %q", r.RequiredRole)
	}
	if r.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if r.Timeout > MaxApprovalTimeout {
		return fmt.Errorf("timeout exceeds maximum of %v", MaxApprovalTimeout)
	}
	return nil
}
