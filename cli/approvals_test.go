package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/google/go-cmp/cmp"

	"github.com/pbcex/adminguard/config"
	guarderrors "github.com/pbcex/adminguard/errors"
	"github.com/pbcex/adminguard/policy"
	"github.com/pbcex/adminguard/request"
	"github.com/pbcex/adminguard/stepup"
	"github.com/pbcex/adminguard/testutil"
)

const superAdminSecret = "JBSWY3DPEHPK3PXP"

type cliEnv struct {
	clock      *testutil.Clock
	store      *testutil.MockRequestStore
	components *Components
	a          *AdminGuard
	logPath    string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	cfg := config.Default()
	cfg.Audit.Sink = config.AuditNone
	cfg.StepUp.StaticSecrets = map[string]string{"sa@pbcex": superAdminSecret}
	logPath := filepath.Join(t.TempDir(), "decisions.log")
	cfg.DecisionLog = logPath

	clock := testutil.NewClock(testutil.MustParseTime(time.RFC3339, "2026-06-01T08:00:00Z"))
	store := testutil.NewMockRequestStore()
	c, err := Build(context.Background(), cfg, aws.Config{}, BuildOptions{Clock: clock.Now, Store: store})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return &cliEnv{clock: clock, store: store, components: c, a: &AdminGuard{}, logPath: logPath}
}

func (e *cliEnv) create(t *testing.T, resourceType, action string) *request.Request {
	t.Helper()
	req, err := e.components.Manager.Create(context.Background(), action,
		request.Resource{Type: resourceType, ID: "r-42"},
		testutil.MakeActor("cs@pbcex", policy.RoleCSAgent), nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return req
}

func (e *cliEnv) common(out *bytes.Buffer) ApprovalsCommandInput {
	return ApprovalsCommandInput{Output: OutputJSON, Components: e.components, Stdout: out}
}

func decodeRequest(t *testing.T, out *bytes.Buffer) *request.Request {
	t.Helper()
	var req request.Request
	if err := json.Unmarshal(out.Bytes(), &req); err != nil {
		t.Fatalf("output is not a request: %v\n%s", err, out.String())
	}
	return &req
}

func auditEvents(req *request.Request) []request.AuditEvent {
	events := make([]request.AuditEvent, len(req.AuditTrail))
	for i, e := range req.AuditTrail {
		events[i] = e.Event
	}
	return events
}

func TestApproveCommand_WithoutStepUp(t *testing.T) {
	env := newCLIEnv(t)
	req := env.create(t, "cases", "reimbursement")

	var out bytes.Buffer
	err := ApproveCommand(context.Background(), env.a, ApproveCommandInput{
		ApprovalsCommandInput: env.common(&out),
		OperatorInput:         OperatorInput{User: "admin@pbcex", Roles: []string{"admin"}},
		RequestID:             req.ID,
		Reason:                "verified receipt",
	})
	if err != nil {
		t.Fatalf("ApproveCommand() error = %v", err)
	}
	got := decodeRequest(t, &out)
	if got.Status != request.StatusApproved || got.Approver == nil || got.Approver.UserID != "admin@pbcex" {
		t.Errorf("approved request = %+v", got)
	}
	if got.Reason != "verified receipt" {
		t.Errorf("Reason = %q", got.Reason)
	}

	// Close drains pending notifications before the log file shuts.
	testutil.AssertNoError(t, env.components.Close())
	data, err := os.ReadFile(env.logPath)
	testutil.AssertNoError(t, err)
	testutil.AssertContains(t, string(data), "approval.created")
	testutil.AssertContains(t, string(data), "approval.approved")
}

func TestApproveCommand_StepUp(t *testing.T) {
	env := newCLIEnv(t)
	req := env.create(t, "reserves", "write")
	operator := OperatorInput{User: "sa@pbcex", Roles: []string{"super_admin"}}

	var out bytes.Buffer
	err := ApproveCommand(context.Background(), env.a, ApproveCommandInput{
		ApprovalsCommandInput: env.common(&out),
		OperatorInput:         operator,
		RequestID:             req.ID,
	})
	testutil.AssertErrorCode(t, err, guarderrors.ErrCodeForbidden)

	err = ApproveCommand(context.Background(), env.a, ApproveCommandInput{
		ApprovalsCommandInput: env.common(&out),
		OperatorInput:         operator,
		RequestID:             req.ID,
		Code:                  "000000x",
	})
	testutil.AssertErrorCode(t, err, guarderrors.ErrCodeForbidden)

	out.Reset()
	err = ApproveCommand(context.Background(), env.a, ApproveCommandInput{
		ApprovalsCommandInput: env.common(&out),
		OperatorInput:         operator,
		RequestID:             req.ID,
		Code:                  stepup.GenerateTOTPAtTime(superAdminSecret, time.Now(), 30, 6),
	})
	if err != nil {
		t.Fatalf("ApproveCommand() with code error = %v", err)
	}
	got := decodeRequest(t, &out)
	want := []request.AuditEvent{
		request.EventCreated,
		request.EventStepUpInitiated,
		request.EventStepUpInitiated,
		request.EventStepUpVerified,
		request.EventApproved,
	}
	if diff := cmp.Diff(want, auditEvents(got)); diff != "" {
		t.Errorf("audit trail mismatch (-want +got):\n%s", diff)
	}
}

func TestApproveCommand_OperatorFromCallerIdentity(t *testing.T) {
	env := newCLIEnv(t)
	req := env.create(t, "cases", "reimbursement")

	var out bytes.Buffer
	err := ApproveCommand(context.Background(), env.a, ApproveCommandInput{
		ApprovalsCommandInput: env.common(&out),
		OperatorInput: OperatorInput{
			Roles:     []string{"admin"},
			STSClient: testutil.CallerARN("arn:aws:iam::123456789012:user/ops/alice"),
		},
		RequestID: req.ID,
	})
	if err != nil {
		t.Fatalf("ApproveCommand() error = %v", err)
	}
	if got := decodeRequest(t, &out); got.Approver.UserID != "alice" {
		t.Errorf("approver = %q, want alice", got.Approver.UserID)
	}
}

func TestApproveCommand_Validation(t *testing.T) {
	env := newCLIEnv(t)
	req := env.create(t, "cases", "reimbursement")

	tests := []struct {
		name     string
		input    ApproveCommandInput
		wantCode string
	}{
		{
			name:     "malformed id",
			input:    ApproveCommandInput{RequestID: "not-an-id", OperatorInput: OperatorInput{User: "a", Roles: []string{"admin"}}},
			wantCode: guarderrors.ErrCodeValidationFailed,
		},
		{
			name:     "no roles",
			input:    ApproveCommandInput{RequestID: req.ID, OperatorInput: OperatorInput{User: "a", Roles: []string{"wizard"}}},
			wantCode: guarderrors.ErrCodeValidationFailed,
		},
		{
			name:     "unknown request",
			input:    ApproveCommandInput{RequestID: "0123456789abcdef", OperatorInput: OperatorInput{User: "a", Roles: []string{"admin"}}},
			wantCode: guarderrors.ErrCodeNotFound,
		},
		{
			name:     "insufficient role",
			input:    ApproveCommandInput{RequestID: req.ID, OperatorInput: OperatorInput{User: "bm", Roles: []string{"branch_manager"}}},
			wantCode: guarderrors.ErrCodeForbidden,
		},
		{
			name:     "self approval",
			input:    ApproveCommandInput{RequestID: req.ID, OperatorInput: OperatorInput{User: "cs@pbcex", Roles: []string{"admin"}}},
			wantCode: guarderrors.ErrCodeForbidden,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			tt.input.ApprovalsCommandInput = env.common(&out)
			err := ApproveCommand(context.Background(), env.a, tt.input)
			testutil.AssertErrorCode(t, err, tt.wantCode)
		})
	}
}

func TestDenyCommand(t *testing.T) {
	env := newCLIEnv(t)
	req := env.create(t, "cases", "reimbursement")
	operator := OperatorInput{User: "admin@pbcex", Roles: []string{"admin"}}

	var out bytes.Buffer
	err := DenyCommand(context.Background(), env.a, DenyCommandInput{
		ApprovalsCommandInput: env.common(&out),
		OperatorInput:         operator,
		RequestID:             req.ID,
	})
	testutil.AssertErrorCode(t, err, guarderrors.ErrCodeValidationFailed)

	out.Reset()
	err = DenyCommand(context.Background(), env.a, DenyCommandInput{
		ApprovalsCommandInput: env.common(&out),
		OperatorInput:         operator,
		RequestID:             req.ID,
		Reason:                "duplicate claim",
	})
	if err != nil {
		t.Fatalf("DenyCommand() error = %v", err)
	}
	if got := decodeRequest(t, &out); got.Status != request.StatusDenied || got.Reason != "duplicate claim" {
		t.Errorf("denied request = %+v", got)
	}

	err = ApproveCommand(context.Background(), env.a, ApproveCommandInput{
		ApprovalsCommandInput: env.common(&out),
		OperatorInput:         operator,
		RequestID:             req.ID,
	})
	testutil.AssertErrorCode(t, err, guarderrors.ErrCodeInvalidState)
}

func TestApprovalListCommand(t *testing.T) {
	env := newCLIEnv(t)
	reimburse := env.create(t, "cases", "reimbursement")
	env.clock.Advance(time.Second)
	reserves := env.create(t, "reserves", "write")

	list := func(input ApprovalListCommandInput) []string {
		t.Helper()
		var out bytes.Buffer
		input.ApprovalsCommandInput = env.common(&out)
		if err := ApprovalListCommand(context.Background(), env.a, input); err != nil {
			t.Fatalf("ApprovalListCommand() error = %v", err)
		}
		var reqs []*request.Request
		if err := json.Unmarshal(out.Bytes(), &reqs); err != nil {
			t.Fatalf("output: %v\n%s", err, out.String())
		}
		ids := make([]string, len(reqs))
		for i, r := range reqs {
			ids[i] = r.ID
		}
		return ids
	}

	tests := []struct {
		name  string
		input ApprovalListCommandInput
		want  []string
	}{
		{name: "all newest first", input: ApprovalListCommandInput{}, want: []string{reserves.ID, reimburse.ID}},
		{name: "by resource type", input: ApprovalListCommandInput{ResourceType: "cases"}, want: []string{reimburse.ID}},
		{name: "by requester", input: ApprovalListCommandInput{Requester: "nobody"}, want: []string{}},
		{name: "limit", input: ApprovalListCommandInput{Limit: 1}, want: []string{reserves.ID}},
		{name: "pending for admin", input: ApprovalListCommandInput{Pending: true, Roles: []string{"admin"}}, want: []string{reimburse.ID}},
		{name: "pending for super admin", input: ApprovalListCommandInput{Pending: true, Roles: []string{"super_admin"}}, want: []string{reimburse.ID, reserves.ID}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, list(tt.input)); diff != "" {
				t.Errorf("ids mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestApprovalListCommand_StoreError(t *testing.T) {
	env := newCLIEnv(t)
	env.store.ListErr = guarderrors.New(guarderrors.ErrCodeInternal, "store offline", "", nil)

	var out bytes.Buffer
	err := ApprovalListCommand(context.Background(), env.a, ApprovalListCommandInput{ApprovalsCommandInput: env.common(&out)})
	testutil.AssertErrorCode(t, err, guarderrors.ErrCodeInternal)
}

func TestApprovalGetCommand_Human(t *testing.T) {
	env := newCLIEnv(t)
	req := env.create(t, "reserves", "write")

	var out bytes.Buffer
	common := env.common(&out)
	common.Output = OutputHuman
	if err := ApprovalGetCommand(context.Background(), env.a, ApprovalGetCommandInput{ApprovalsCommandInput: common, RequestID: req.ID}); err != nil {
		t.Fatalf("ApprovalGetCommand() error = %v", err)
	}
	got := out.String()
	testutil.AssertContains(t, got, "Status:     pending")
	testutil.AssertContains(t, got, "Operation:  reserves:write on r-42")
	testutil.AssertContains(t, got, "Requires:   super_admin + step-up")
	testutil.AssertContains(t, got, "created")
}

func TestCleanupCommand(t *testing.T) {
	env := newCLIEnv(t)
	env.create(t, "reserves", "write")
	env.create(t, "cases", "reimbursement")

	run := func() map[string]int {
		var out bytes.Buffer
		if err := CleanupCommand(context.Background(), env.a, CleanupCommandInput{ApprovalsCommandInput: env.common(&out)}); err != nil {
			t.Fatalf("CleanupCommand() error = %v", err)
		}
		var got map[string]int
		if err := json.Unmarshal(out.Bytes(), &got); err != nil {
			t.Fatalf("output: %v", err)
		}
		return got
	}

	if got := run(); got["expired"] != 0 {
		t.Errorf("expired before deadline = %d", got["expired"])
	}
	env.clock.Advance(31 * time.Minute)
	if got := run(); got["expired"] != 1 {
		t.Errorf("expired after 31m = %d, want 1", got["expired"])
	}
	if got := run(); got["expired"] != 0 {
		t.Errorf("second cleanup expired %d, want 0", got["expired"])
	}
}
