package policy

import (
	"fmt"
	"log"
	"strings"
)

// EvaluatorConfig holds the tables the evaluator consults.
// Zero-value fields fall back to the package defaults.
type EvaluatorConfig struct {
	Hierarchy     map[Role][]Role   `yaml:"hierarchy,omitempty"`
	Permissions   map[Role][]string `yaml:"permissions,omitempty"`
	HighClearance []string          `yaml:"high_clearance,omitempty"`
}

// Evaluator decides allow/deny for (roles, attributes, resource, action, context).
// It has no side effects and is safe for concurrent use once constructed.
type Evaluator struct {
	hierarchy     map[Role][]Role
	permissions   map[Role][]string
	highClearance map[string]bool
}

// NewEvaluator creates an Evaluator from cfg, filling unset tables with defaults.
func NewEvaluator(cfg EvaluatorConfig) *Evaluator {
	e := &Evaluator{
		hierarchy:     cfg.Hierarchy,
		permissions:   cfg.Permissions,
		highClearance: make(map[string]bool),
	}
	if e.hierarchy == nil {
		e.hierarchy = DefaultHierarchy
	}
	if e.permissions == nil {
		e.permissions = DefaultPermissions
	}
	hc := cfg.HighClearance
	if hc == nil {
		hc = DefaultHighClearance
	}
	for _, key := range hc {
		e.highClearance[key] = true
	}
	return e
}

// defaultEvaluator backs the package-level Evaluate function.
var defaultEvaluator = NewEvaluator(EvaluatorConfig{})

// Evaluate evaluates a request against the default tables.
func Evaluate(roles []Role, attrs UserAttributes, resource, action string, ctx Context) Decision {
	return defaultEvaluator.Evaluate(roles, attrs, resource, action, ctx)
}

// Hierarchy returns the dominance table in use.
func (e *Evaluator) Hierarchy() map[Role][]Role {
	return e.hierarchy
}

// Evaluate runs the role, attribute and business-rule checks in order and
// returns the first denial, or an allow decision when all three pass.
// A panic inside evaluation is recovered and reported as a denial.
func (e *Evaluator) Evaluate(roles []Role, attrs UserAttributes, resource, action string, ctx Context) (decision Decision) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ERROR: policy evaluation panic for %s:%s: %v", resource, action, r)
			decision = deny("input", "policy evaluation failed")
		}
	}()

	if d, ok := validateInput(attrs, resource, action); !ok {
		return d
	}
	if d := e.checkRoles(roles, resource, action); !d.Allowed {
		return d
	}
	if d := e.checkAttributes(attrs, resource, action, ctx); !d.Allowed {
		return d
	}
	if d := e.checkBusinessRules(roles, attrs, resource, action); !d.Allowed {
		return d
	}
	return Decision{Allowed: true, Reason: "access granted", Check: "allow"}
}

func validateInput(attrs UserAttributes, resource, action string) (Decision, bool) {
	if strings.TrimSpace(resource) == "" || strings.TrimSpace(action) == "" {
		return deny("input", "resource and action are required"), false
	}
	if strings.ContainsAny(resource, ":*") {
		return deny("input", fmt.Sprintf("invalid resource name %q", resource)), false
	}
	if !attrs.Clearance.IsValid() {
		return deny("input", fmt.Sprintf("invalid clearance level %q", attrs.Clearance)), false
	}
	if !attrs.Scope.IsValid() {
		return deny("input", fmt.Sprintf("invalid access scope %q", attrs.Scope)), false
	}
	return Decision{}, true
}

func (e *Evaluator) checkRoles(roles []Role, resource, action string) Decision {
	for _, role := range ExpandRoles(e.hierarchy, roles) {
		for _, granted := range e.permissions[role] {
			if permissionMatches(granted, resource, action) {
				return Decision{Allowed: true, Reason: fmt.Sprintf("granted by %s via %s", role, granted), Check: "role"}
			}
		}
	}
	return deny("role", fmt.Sprintf("no role grants %s", PermissionKey(resource, action)))
}

func (e *Evaluator) checkAttributes(attrs UserAttributes, resource, action string, ctx Context) Decision {
	switch attrs.Scope {
	case ScopeBranch:
		if ctx[ContextOrgID] != attrs.OrgID || ctx[ContextBranchID] != attrs.BranchID {
			return deny("attribute", fmt.Sprintf("branch scope: resource belongs to org %q branch %q, principal is limited to org %q branch %q",
				ctx[ContextOrgID], ctx[ContextBranchID], attrs.OrgID, attrs.BranchID))
		}
	case ScopeRegional:
		if ctx[ContextRegion] != attrs.Region {
			return deny("attribute", fmt.Sprintf("regional scope: resource region %q does not match principal region %q",
				ctx[ContextRegion], attrs.Region))
		}
	}

	if e.highClearance[PermissionKey(resource, baseAction(action))] && attrs.Clearance.Rank() < ClearanceL3.Rank() {
		return deny("attribute", fmt.Sprintf("%s requires clearance l3 or l4, principal has %s",
			PermissionKey(resource, action), attrs.Clearance))
	}
	return Decision{Allowed: true, Check: "attribute"}
}

func (e *Evaluator) checkBusinessRules(roles []Role, attrs UserAttributes, resource, action string) Decision {
	switch {
	case resource == "governance" && strings.HasPrefix(action, "write"):
		if !HasRole(roles, RoleSuperAdmin) {
			return deny("business", "governance changes require the super_admin role")
		}
	case resource == "hedging" && strings.HasPrefix(action, "write"):
		if attrs.Clearance != ClearanceL4 {
			return deny("business", fmt.Sprintf("hedging changes require clearance l4, principal has %s", attrs.Clearance))
		}
	}

	if investorOnly(roles) {
		if resource != "accounting" && resource != "kpi" {
			return deny("business", fmt.Sprintf("investor_view cannot access %s", resource))
		}
		if !strings.Contains(action, "aggregated") && !strings.Contains(action, "summary") {
			return deny("business", fmt.Sprintf("investor_view is limited to aggregated or summary views, got %s", action))
		}
	}
	return Decision{Allowed: true, Check: "business"}
}

// investorOnly reports whether investor_view is the only valid role held.
func investorOnly(roles []Role) bool {
	found := false
	for _, r := range roles {
		if !r.IsValid() {
			continue
		}
		if r != RoleInvestorView {
			return false
		}
		found = true
	}
	return found
}
