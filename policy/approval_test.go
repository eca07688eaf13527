package policy

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestRuleSet_Lookup(t *testing.T) {
	rs := MustDefaultRuleSet()

	rule, ok := rs.Lookup("reserves", "write")
	if !ok {
		t.Fatal("reserves:write should be gated")
	}
	if rule.RequiredRole != RoleSuperAdmin {
		t.Errorf("RequiredRole = %q, want super_admin", rule.RequiredRole)
	}
	if rule.Timeout != 1_800_000*time.Millisecond {
		t.Errorf("Timeout = %v, want 30m", rule.Timeout)
	}

	if _, ok := rs.Lookup("reserves", "read"); ok {
		t.Error("reserves:read should not be gated")
	}

	var nilSet *RuleSet
	if _, ok := nilSet.Lookup("reserves", "write"); ok {
		t.Error("nil RuleSet should gate nothing")
	}
}

func TestApprovalRule_CanApprove(t *testing.T) {
	rule := ApprovalRule{ResourceType: "cases", Action: "reimbursement", RequiredRole: RoleAdmin, Timeout: time.Hour}

	testCases := []struct {
		roles []Role
		want  bool
	}{
		{[]Role{RoleAdmin}, true},
		{[]Role{RoleSuperAdmin}, true},
		{[]Role{RoleCSAgent}, false},
		{[]Role{RoleCSAgent, RoleAdmin}, true},
		{nil, false},
	}
	for _, tc := range testCases {
		if got := rule.CanApprove(tc.roles); got != tc.want {
			t.Errorf("CanApprove(%v) = %v, want %v", tc.roles, got, tc.want)
		}
	}
}

func TestApprovalRules_Validate(t *testing.T) {
	valid := ApprovalRule{ResourceType: "hedging", Action: "write", RequiredRole: RoleSuperAdmin, Timeout: time.Minute}

	testCases := []struct {
		name    string
		rules   *ApprovalRules
		wantErr string
	}{
		{"nil", nil, "cannot be nil"},
		{"missing version", &ApprovalRules{Rules: []ApprovalRule{valid}}, "missing version"},
		{"empty resource", &ApprovalRules{Version: "1", Rules: []ApprovalRule{{Action: "write", RequiredRole: RoleAdmin, Timeout: time.Minute}}}, "resource_type"},
		{"empty action", &ApprovalRules{Version: "1", Rules: []ApprovalRule{{ResourceType: "x", RequiredRole: RoleAdmin, Timeout: time.Minute}}}, "action"},
		{"bad role", &ApprovalRules{Version: "1", Rules: []ApprovalRule{{ResourceType: "x", Action: "y", RequiredRole: "boss", Timeout: time.Minute}}}, "required_role"},
		{"zero timeout", &ApprovalRules{Version: "1", Rules: []ApprovalRule{{ResourceType: "x", Action: "y", RequiredRole: RoleAdmin}}}, "timeout must be positive"},
		{"huge timeout", &ApprovalRules{Version: "1", Rules: []ApprovalRule{{ResourceType: "x", Action: "y", RequiredRole: RoleAdmin, Timeout: 30 * 24 * time.Hour}}}, "exceeds maximum"},
		{"duplicate", &ApprovalRules{Version: "1", Rules: []ApprovalRule{valid, valid}}, "duplicate rule for hedging:write"},
		{"ok", &ApprovalRules{Version: "1", Rules: []ApprovalRule{valid}}, ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.rules.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestParseApprovalRules(t *testing.T) {
	data := []byte(`
version: "2"
rules:
  - resource_type: vault
    action: withdraw
    required_role: super_admin
    requires_step_up: true
    timeout: 15m
    description: Withdraw from cold vault
  - resource_type: cases
    action: reimbursement
    required_role: admin
    timeout: 4h
`)
	rs, err := ParseApprovalRules(data)
	if err != nil {
		t.Fatalf("ParseApprovalRules() error = %v", err)
	}
	if rs.Version() != "2" {
		t.Errorf("Version() = %q", rs.Version())
	}

	want := []ApprovalRule{
		{ResourceType: "cases", Action: "reimbursement", RequiredRole: RoleAdmin, Timeout: 4 * time.Hour},
		{ResourceType: "vault", Action: "withdraw", RequiredRole: RoleSuperAdmin, RequiresStepUp: true,
			Timeout: 15 * time.Minute, Description: "Withdraw from cold vault"},
	}
	if diff := cmp.Diff(want, rs.Rules()); diff != "" {
		t.Errorf("Rules() mismatch (-want +got):\n%s", diff)
	}
}

func TestParseApprovalRules_Errors(t *testing.T) {
	testCases := map[string]string{
		"empty":         "   ",
		"bad yaml":      "version: [",
		"unknown field": "version: \"1\"\nrulez: []\n",
		"invalid rule":  "version: \"1\"\nrules:\n  - resource_type: x\n    action: y\n    required_role: nobody\n    timeout: 1m\n",
	}
	for name, data := range testCases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseApprovalRules([]byte(data)); err == nil {
				t.Error("ParseApprovalRules() expected error")
			}
		})
	}
}

func TestMarshalApprovalRules_RoundTrip(t *testing.T) {
	rs := MustDefaultRuleSet()
	data, err := MarshalApprovalRules(rs)
	if err != nil {
		t.Fatalf("MarshalApprovalRules() error = %v", err)
	}
	back, err := ParseApprovalRules(data)
	if err != nil {
		t.Fatalf("ParseApprovalRules() error = %v\n%s", err, data)
	}
	if diff := cmp.Diff(rs.Rules(), back.Rules()); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}
