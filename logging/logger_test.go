package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pbcex/adminguard/policy"
	"github.com/pbcex/adminguard/stepup"
)

func TestJSONLogger_LogDecision(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf)

	entry := DecisionLogEntry{
		Timestamp: "2026-03-01T12:00:00Z",
		User:      "agent@pbcex",
		Roles:     "cs_agent",
		Resource:  "cases",
		Action:    "reimbursement",
		Effect:    EffectDeny,
		Check:     "role",
		Reason:    "no role grants cases:reimbursement",
	}
	logger.LogDecision(entry)

	output := buf.String()
	if !strings.HasSuffix(output, "\n") {
		t.Errorf("output should be newline-terminated, got %q", output)
	}
	var parsed DecisionLogEntry
	if err := json.Unmarshal([]byte(strings.TrimSuffix(output, "\n")), &parsed); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if diff := cmp.Diff(entry, parsed); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
	if strings.Contains(output, "approval_id") {
		t.Error("empty optional fields should be omitted")
	}
}

func TestJSONLogger_OneLinePerEntry(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(3)
		go func() { defer wg.Done(); logger.LogDecision(DecisionLogEntry{User: "a"}) }()
		go func() { defer wg.Done(); logger.LogApproval(ApprovalLogEntry{RequestID: "b"}) }()
		go func() { defer wg.Done(); logger.LogStepUp(StepUpLogEntry{SessionID: "c"}) }()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	if len(lines) != 60 {
		t.Fatalf("lines = %d, want 60", len(lines))
	}
	for _, line := range lines {
		if !json.Valid([]byte(line)) {
			t.Fatalf("interleaved output line %q", line)
		}
	}
}

func TestNopLogger(t *testing.T) {
	var l Logger = NewNopLogger()
	l.LogDecision(DecisionLogEntry{})
	l.LogApproval(ApprovalLogEntry{})
	l.LogStepUp(StepUpLogEntry{})
}

func TestNewDecisionLogEntry(t *testing.T) {
	tests := []struct {
		name     string
		decision policy.Decision
		want     string
	}{
		{name: "allow", decision: policy.Decision{Allowed: true, Check: "allow", Reason: "permitted"}, want: EffectAllow},
		{name: "deny", decision: policy.Decision{Check: "business", Reason: "governance writes require super_admin"}, want: EffectDeny},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := NewDecisionLogEntry("ops@pbcex", []policy.Role{policy.RoleAdmin, policy.RoleCSAgent}, "governance", "write", tt.decision)
			if entry.Effect != tt.want {
				t.Errorf("Effect = %q, want %q", entry.Effect, tt.want)
			}
			if entry.Roles != "admin,cs_agent" {
				t.Errorf("Roles = %q", entry.Roles)
			}
			if entry.Check != tt.decision.Check || entry.Reason != tt.decision.Reason {
				t.Errorf("Check/Reason = %q/%q", entry.Check, entry.Reason)
			}
			if _, err := time.Parse(time.RFC3339, entry.Timestamp); err != nil {
				t.Errorf("Timestamp %q not RFC3339: %v", entry.Timestamp, err)
			}
		})
	}
}

func TestNewStepUpLogEntry(t *testing.T) {
	sess := &stepup.Session{
		ID:        "0123456789abcdef",
		UserID:    "root@pbcex",
		Action:    "write",
		Resource:  "reserves",
		Context:   map[string]string{"approval_id": "fedcba9876543210"},
		Method:    stepup.MethodTOTP,
		ExpiresAt: time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC),
	}
	entry := NewStepUpLogEntry(StepUpInitiated, sess)

	want := StepUpLogEntry{
		Timestamp:  entry.Timestamp,
		Event:      "stepup.initiated",
		SessionID:  "0123456789abcdef",
		User:       "root@pbcex",
		Action:     "write",
		Resource:   "reserves",
		Method:     "totp",
		ExpiresAt:  "2026-03-01T12:05:00Z",
		ApprovalID: "fedcba9876543210",
	}
	if diff := cmp.Diff(want, entry); diff != "" {
		t.Errorf("NewStepUpLogEntry() mismatch (-want +got):\n%s", diff)
	}
}
