package policy

import "strings"

// WildcardAction matches every action on a resource.
const WildcardAction = "*"

// GlobalWildcard is the permission that satisfies any resource and action.
const GlobalWildcard = "admin:*"

// DefaultHierarchy is the static dominance table. A role inherits every
// permission of the roles it dominates; expansion is transitive.
var DefaultHierarchy = map[Role][]Role{
	RoleSuperAdmin:    {RoleAdmin, RoleCSAgent, RoleInvestorView, RoleBranchManager, RoleReadOnly},
	RoleAdmin:         {RoleCSAgent, RoleBranchManager, RoleReadOnly},
	RoleCSAgent:       {RoleReadOnly},
	RoleBranchManager: {RoleReadOnly},
	RoleInvestorView:  {},
	RoleReadOnly:      {},
}

// DefaultPermissions maps each role to the permissions it owns directly.
var DefaultPermissions = map[Role][]string{
	RoleSuperAdmin: {GlobalWildcard},
	RoleAdmin: {
		"hedging:read", "hedging:write",
		"reserves:read", "reserves:write",
		"governance:read",
		"cases:*",
		"users:read", "users:write",
		"accounting:read", "kpi:read",
		"approvals:read", "approvals:manage",
		"audit:read",
	},
	RoleCSAgent: {"cases:read", "cases:write", "cases:assign", "users:read"},
	RoleBranchManager: {
		"cases:read", "cases:write", "cases:assign",
		"users:read", "kpi:read:branch", "accounting:read:branch",
	},
	RoleInvestorView: {"accounting:read:aggregated", "kpi:read:summary", "kpi:read:aggregated"},
	RoleReadOnly:     {"cases:read", "kpi:read:summary"},
}

// DefaultHighClearance lists resource:action pairs that need clearance l3 or l4.
var DefaultHighClearance = []string{
	"hedging:write",
	"reserves:write",
	"governance:write",
	"cases:reimbursement",
	"users:delete",
}

// ExpandRoles returns roles plus every role they dominate, without duplicates.
// Unknown roles are dropped.
func ExpandRoles(hierarchy map[Role][]Role, roles []Role) []Role {
	seen := make(map[Role]bool, len(roles))
	var out []Role
	var visit func(r Role)
	visit = func(r Role) {
		if seen[r] || !r.IsValid() {
			return
		}
		seen[r] = true
		out = append(out, r)
		for _, child := range hierarchy[r] {
			visit(child)
		}
	}
	for _, r := range roles {
		visit(r)
	}
	return out
}

// Dominates reports whether holder is want or dominates it in hierarchy.
func Dominates(hierarchy map[Role][]Role, holder, want Role) bool {
	for _, r := range ExpandRoles(hierarchy, []Role{holder}) {
		if r == want {
			return true
		}
	}
	return false
}

// PermissionKey builds the resource:action key used in permission tables.
func PermissionKey(resource, action string) string {
	return resource + ":" + action
}

// permissionMatches reports whether a granted permission satisfies resource:action.
// "resource:*" matches any action on the resource; "admin:*" matches everything.
// Qualified permissions (resource:action:qualifier) only match the qualified action.
func permissionMatches(granted, resource, action string) bool {
	if granted == GlobalWildcard {
		return true
	}
	if granted == PermissionKey(resource, WildcardAction) {
		return true
	}
	return granted == PermissionKey(resource, action)
}

// baseAction strips a qualifier from an action ("write:limits" -> "write").
func baseAction(action string) string {
	if i := strings.IndexByte(action, ':'); i >= 0 {
		return action[:i]
	}
	return action
}
