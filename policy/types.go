// Package policy defines adminguard's access control model and the
// deny-by-default evaluator that decides whether a principal may invoke an
// administrative operation.
//
// # Evaluation Order
//
// Evaluate runs three checks and stops at the first denial:
//  1. Role permission check (with role hierarchy expansion and wildcards)
//  2. Attribute and scope check (branch, regional, clearance)
//  3. Business rules that cannot be expressed generically
//
// Any malformed input or evaluator fault resolves to deny.
package policy

// Role is a closed set of trust levels attached to the acting principal.
type Role string

const (
	// RoleSuperAdmin dominates every other role.
	RoleSuperAdmin Role = "super_admin"
	// RoleAdmin manages day to day operations.
	RoleAdmin Role = "admin"
	// RoleCSAgent handles customer support cases.
	RoleCSAgent Role = "cs_agent"
	// RoleInvestorView sees aggregated figures only.
	RoleInvestorView Role = "investor_view"
	// RoleBranchManager operates within a single branch.
	RoleBranchManager Role = "branch_manager"
	// RoleReadOnly can only read non-sensitive resources.
	RoleReadOnly Role = "read_only"
)

// IsValid returns true if the Role is a known value.
func (r Role) IsValid() bool {
	switch r {
	case RoleSuperAdmin, RoleAdmin, RoleCSAgent, RoleInvestorView, RoleBranchManager, RoleReadOnly:
		return true
	}
	return false
}

// String returns the string representation of the Role.
func (r Role) String() string {
	return string(r)
}

// AllRoles returns all valid role values.
func AllRoles() []Role {
	return []Role{RoleSuperAdmin, RoleAdmin, RoleCSAgent, RoleInvestorView, RoleBranchManager, RoleReadOnly}
}

// ParseRoles converts raw role names into Roles, dropping unknown values.
// Unknown roles never grant anything, so dropping them keeps evaluation deny-by-default.
func ParseRoles(names []string) []Role {
	roles := make([]Role, 0, len(names))
	for _, n := range names {
		if r := Role(n); r.IsValid() {
			roles = append(roles, r)
		}
	}
	return roles
}

// HasRole reports whether roles literally contains want (no hierarchy expansion).
func HasRole(roles []Role, want Role) bool {
	for _, r := range roles {
		if r == want {
			return true
		}
	}
	return false
}

// ClearanceLevel is an attribute-based tier gating highly sensitive resources.
type ClearanceLevel string

const (
	ClearanceL1 ClearanceLevel = "l1"
	ClearanceL2 ClearanceLevel = "l2"
	ClearanceL3 ClearanceLevel = "l3"
	ClearanceL4 ClearanceLevel = "l4"
)

// IsValid returns true if the ClearanceLevel is a known value.
func (c ClearanceLevel) IsValid() bool {
	return c.Rank() > 0
}

// Rank returns 1..4 for l1..l4 and 0 for unknown values.
func (c ClearanceLevel) Rank() int {
	switch c {
	case ClearanceL1:
		return 1
	case ClearanceL2:
		return 2
	case ClearanceL3:
		return 3
	case ClearanceL4:
		return 4
	}
	return 0
}

// AccessScope limits which slice of the organisation a principal can act on.
type AccessScope string

const (
	ScopeGlobal   AccessScope = "global"
	ScopeRegional AccessScope = "regional"
	ScopeBranch   AccessScope = "branch"
	ScopeSelf     AccessScope = "self"
)

// IsValid returns true if the AccessScope is a known value.
func (s AccessScope) IsValid() bool {
	switch s {
	case ScopeGlobal, ScopeRegional, ScopeBranch, ScopeSelf:
		return true
	}
	return false
}

// UserAttributes are supplied per request from the authenticated session.
// They are never persisted by adminguard.
type UserAttributes struct {
	OrgID     string         `yaml:"org_id" json:"org_id"`
	Region    string         `yaml:"region,omitempty" json:"region,omitempty"`
	BranchID  string         `yaml:"branch_id,omitempty" json:"branch_id,omitempty"`
	RiskLevel string         `yaml:"risk_level,omitempty" json:"risk_level,omitempty"`
	Clearance ClearanceLevel `yaml:"clearance_level" json:"clearance_level"`
	Scope     AccessScope    `yaml:"access_scope" json:"access_scope"`
}

// Context keys understood by the attribute check.
const (
	ContextOrgID    = "org_id"
	ContextRegion   = "region"
	ContextBranchID = "branch_id"
)

// Context carries resource tags for the operation being evaluated
// (which org, region and branch the target resource belongs to).
type Context map[string]string

// Decision represents the outcome of policy evaluation.
type Decision struct {
	Allowed bool
	Reason  string
	// Check names the stage that produced the decision:
	// "input", "role", "attribute", "business", or "allow".
	Check string
}

func deny(check, reason string) Decision {
	return Decision{Allowed: false, Reason: reason, Check: check}
}
