// Package policy defines adminguard's access control model.
//
// # Approval Rules
//
// Some (resourceType, action) pairs are approval-gated: even when the
// evaluator allows the caller, the operation only executes after a second
// principal holding RequiredRole (or super_admin) approves it. A pair with
// no rule is never gated.
package policy

import (
	"fmt"
	"sort"
	"time"
)

// ApprovalRule defines who must approve a gated operation and how long the
// request stays open.
type ApprovalRule struct {
	ResourceType   string        `yaml:"resource_type" json:"resource_type"`
	Action         string        `yaml:"action" json:"action"`
	RequiredRole   Role          `yaml:"required_role" json:"required_role"`
	RequiresStepUp bool          `yaml:"requires_step_up" json:"requires_step_up"`
	Timeout        time.Duration `yaml:"timeout" json:"timeout"`
	Description    string        `yaml:"description,omitempty" json:"description,omitempty"`
}

// Key returns the resourceType:action lookup key.
func (r ApprovalRule) Key() string {
	return PermissionKey(r.ResourceType, r.Action)
}

// CanApprove reports whether a principal with roles may resolve requests under
// this rule. Holding RequiredRole literally or super_admin qualifies.
func (r ApprovalRule) CanApprove(roles []Role) bool {
	return HasRole(roles, r.RequiredRole) || HasRole(roles, RoleSuperAdmin)
}

// ApprovalRules is the on-disk form of the approval rule table.
type ApprovalRules struct {
	Version string         `yaml:"version" json:"version"`
	Rules   []ApprovalRule `yaml:"rules" json:"rules"`
}

// RuleSet is an immutable lookup table built from ApprovalRules.
type RuleSet struct {
	version string
	rules   map[string]ApprovalRule
}

// NewRuleSet validates rules and builds a RuleSet.
func NewRuleSet(rules *ApprovalRules) (*RuleSet, error) {
	if err := rules.Validate(); err != nil {
		return nil, err
	}
	rs := &RuleSet{version: rules.Version, rules: make(map[string]ApprovalRule, len(rules.Rules))}
	for _, r := range rules.Rules {
		rs.rules[r.Key()] = r
	}
	return rs, nil
}

// Lookup returns the rule for (resourceType, action).
// The second return value is false when the pair is not approval-gated.
func (s *RuleSet) Lookup(resourceType, action string) (ApprovalRule, bool) {
	if s == nil {
		return ApprovalRule{}, false
	}
	r, ok := s.rules[PermissionKey(resourceType, action)]
	return r, ok
}

// Version returns the configuration version string.
func (s *RuleSet) Version() string {
	return s.version
}

// Rules returns all rules sorted by key.
func (s *RuleSet) Rules() []ApprovalRule {
	out := make([]ApprovalRule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// DefaultApprovalRules is the rule table used when no configuration is supplied.
func DefaultApprovalRules() *ApprovalRules {
	return &ApprovalRules{
		Version: "1",
		Rules: []ApprovalRule{
			{ResourceType: "hedging", Action: "write", RequiredRole: RoleSuperAdmin, RequiresStepUp: true,
				Timeout: 30 * time.Minute, Description: "Change hedging configuration"},
			{ResourceType: "reserves", Action: "write", RequiredRole: RoleSuperAdmin, RequiresStepUp: true,
				Timeout: 30 * time.Minute, Description: "Change reserve rules"},
			{ResourceType: "governance", Action: "write", RequiredRole: RoleSuperAdmin, RequiresStepUp: true,
				Timeout: time.Hour, Description: "Toggle governance controls"},
			{ResourceType: "cases", Action: "reimbursement", RequiredRole: RoleAdmin, RequiresStepUp: false,
				Timeout: 4 * time.Hour, Description: "Reimburse a customer case"},
		},
	}
}

// MustDefaultRuleSet returns the RuleSet for DefaultApprovalRules.
func MustDefaultRuleSet() *RuleSet {
	rs, err := NewRuleSet(DefaultApprovalRules())
	if err != nil {
		panic(fmt.Sprintf("default approval rules invalid: %v", err))
	}
	return rs
}
