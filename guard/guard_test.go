package guard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"

	guarderrors "github.com/pbcex/adminguard/errors"
	"github.com/pbcex/adminguard/identity"
	"github.com/pbcex/adminguard/policy"
	"github.com/pbcex/adminguard/request"
	"github.com/pbcex/adminguard/stepup"
)

const testCode = "123456"

type codeVerifier struct{}

func (codeVerifier) Method() stepup.Method { return stepup.MethodTOTP }

func (codeVerifier) VerifyCode(ctx context.Context, userID, code string) (bool, error) {
	return code == testCode, nil
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

type denyLimiter struct{ retryAfter time.Duration }

func (d denyLimiter) Allow(context.Context, string) (bool, time.Duration, error) {
	return false, d.retryAfter, nil
}

type env struct {
	store    *request.MemoryStore
	manager  *request.Manager
	gate     *stepup.Service
	handler  http.Handler
	executed []*request.Request
	mu       sync.Mutex
}

func newEnv(t *testing.T, opts ...Option) *env {
	t.Helper()
	clock := &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	e := &env{store: request.NewMemoryStore()}
	e.gate = stepup.NewService(stepup.NewMemoryStore(), codeVerifier{}, stepup.WithClock(clock.Now))
	e.manager = request.NewManager(e.store, policy.MustDefaultRuleSet(),
		request.WithClock(clock.Now), request.WithTimers(false), request.WithStepUpGate(e.gate))

	g := New(policy.NewEvaluator(policy.EvaluatorConfig{}), e.manager, append([]Option{WithStepUpGate(e.gate)}, opts...)...)

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.mu.Lock()
		e.executed = append(e.executed, ApprovalFromContext(r.Context()))
		e.mu.Unlock()
		WriteJSON(w, http.StatusOK, Response{Code: CodeOK, Message: "executed"})
	})

	router := mux.NewRouter()
	router.Handle("/cases/{id}", g.Protect("cases", "read", WithContext(ContextFromQuery))(ok)).Methods(http.MethodGet)
	router.Handle("/cases/{id}/reimburse", g.Protect("cases", "reimbursement")(ok)).Methods(http.MethodPost)
	router.Handle("/reserves/{id}", g.Protect("reserves", "write")(ok)).Methods(http.MethodPut)
	router.Handle("/replayable/{id}", g.Protect("cases", "reimbursement", WithReplay())(ok)).Methods(http.MethodPost)
	router.Handle("/bound/{id}", g.Protect("cases", "reimbursement", WithResourceBinding())(ok)).Methods(http.MethodPost)
	e.handler = identity.Middleware(identity.HeaderAuthenticator{})(router)
	return e
}

type caller struct {
	id, roles, clearance, scope, branch string
}

var (
	admin      = caller{id: "ops@pbcex", roles: "admin", clearance: "l3", scope: "global"}
	admin2     = caller{id: "lead@pbcex", roles: "admin", clearance: "l3", scope: "global"}
	csAgent    = caller{id: "agent@pbcex", roles: "cs_agent", clearance: "l3", scope: "global"}
	branchMgr  = caller{id: "bm@pbcex", roles: "branch_manager", clearance: "l2", scope: "branch", branch: "B1"}
	anonymous  = caller{}
	superAdmin = request.Actor{UserID: "root@pbcex", Roles: []policy.Role{policy.RoleSuperAdmin}}
)

type reply struct {
	status int
	header http.Header
	Code   string          `json:"code"`
	Msg    string          `json:"message"`
	Data   json.RawMessage `json:"data"`
}

func (e *env) do(t *testing.T, c caller, method, target, body string, headers map[string]string) reply {
	t.Helper()
	r := httptest.NewRequest(method, target, strings.NewReader(body))
	if c.id != "" {
		r.Header.Set(identity.HeaderUserID, c.id)
		r.Header.Set(identity.HeaderUserRoles, c.roles)
		r.Header.Set(identity.HeaderClearance, c.clearance)
		r.Header.Set(identity.HeaderAccessScope, c.scope)
		r.Header.Set(identity.HeaderBranchID, c.branch)
	}
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, r)

	out := reply{status: w.Code, header: w.Header()}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("%s %s: response %q is not JSON: %v", method, target, w.Body.String(), err)
	}
	return out
}

func (r reply) data(t *testing.T, v any) {
	t.Helper()
	if err := json.Unmarshal(r.Data, v); err != nil {
		t.Fatalf("decode data %s: %v", r.Data, err)
	}
}

func (e *env) executions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.executed)
}

func TestProtect_Unauthenticated(t *testing.T) {
	e := newEnv(t)
	got := e.do(t, anonymous, http.MethodGet, "/cases/c1", "", nil)
	if got.status != http.StatusUnauthorized || got.Code != guarderrors.ErrCodeUnauthenticated {
		t.Errorf("got %d %s, want 401 UNAUTHENTICATED", got.status, got.Code)
	}
}

func TestProtect_PolicyDeny(t *testing.T) {
	e := newEnv(t)
	got := e.do(t, csAgent, http.MethodPost, "/cases/c1/reimburse", "", nil)
	if got.status != http.StatusForbidden || got.Code != guarderrors.ErrCodeForbidden {
		t.Fatalf("got %d %s, want 403 FORBIDDEN", got.status, got.Code)
	}
	var data struct {
		Reason string `json:"reason"`
	}
	got.data(t, &data)
	if !strings.Contains(data.Reason, "cases:reimbursement") {
		t.Errorf("reason = %q", data.Reason)
	}
	if e.store.Len() != 0 {
		t.Error("a denied call must not open an approval request")
	}
}

func TestProtect_BranchScope(t *testing.T) {
	e := newEnv(t)
	got := e.do(t, branchMgr, http.MethodGet, "/cases/c1?branch_id=B2", "", nil)
	if got.status != http.StatusForbidden {
		t.Errorf("other branch: got %d, want 403", got.status)
	}
	got = e.do(t, branchMgr, http.MethodGet, "/cases/c1?branch_id=B1", "", nil)
	if got.status != http.StatusOK {
		t.Errorf("own branch: got %d %s, want 200", got.status, got.Msg)
	}
}

func TestProtect_UngatedExecutes(t *testing.T) {
	e := newEnv(t)
	got := e.do(t, csAgent, http.MethodGet, "/cases/c1", "", nil)
	if got.status != http.StatusOK || e.executions() != 1 {
		t.Fatalf("got %d, executions %d; want 200 and one execution", got.status, e.executions())
	}
	if e.executed[0] != nil {
		t.Error("ungated call should carry no approval")
	}
}

func TestProtect_ApprovalFlow(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	got := e.do(t, admin, http.MethodPost, "/cases/c42/reimburse", `{"amount": 150, "currency": "USD"}`, nil)
	if got.status != http.StatusAccepted || got.Code != CodeApprovalRequired {
		t.Fatalf("got %d %s, want 202 APPROVAL_REQUIRED", got.status, got.Code)
	}
	var pending ApprovalRequiredData
	got.data(t, &pending)
	if pending.Status != "pending" || pending.RequiredRole != "admin" || pending.RequiresStepUp {
		t.Errorf("data = %+v", pending)
	}
	if e.executions() != 0 {
		t.Fatal("protected handler ran before approval")
	}

	stored, err := e.store.Get(ctx, pending.ApprovalID)
	if err != nil {
		t.Fatalf("stored request: %v", err)
	}
	if stored.Resource.ID != "c42" || stored.RequestData["amount"] != float64(150) {
		t.Errorf("stored request resource %+v data %v", stored.Resource, stored.RequestData)
	}

	withRef := map[string]string{HeaderApprovalID: pending.ApprovalID}
	got = e.do(t, admin, http.MethodPost, "/cases/c42/reimburse", "", withRef)
	if got.status != http.StatusForbidden || got.Code != guarderrors.ErrCodeApprovalPending {
		t.Fatalf("pending redemption: got %d %s, want 403 APPROVAL_PENDING", got.status, got.Code)
	}
	var status struct {
		ApprovalID string `json:"approvalId"`
		Status     string `json:"status"`
	}
	got.data(t, &status)
	if status.ApprovalID != pending.ApprovalID || status.Status != "pending" {
		t.Errorf("pending data = %+v", status)
	}

	if _, err := e.manager.Approve(ctx, pending.ApprovalID, request.Actor{UserID: admin2.id, Roles: []policy.Role{policy.RoleAdmin}}, "receipt checked", ""); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}

	got = e.do(t, admin2, http.MethodPost, "/cases/c42/reimburse", "", withRef)
	if got.status != http.StatusForbidden || got.Code != guarderrors.ErrCodeForbidden {
		t.Errorf("other user redemption: got %d %s, want 403 FORBIDDEN", got.status, got.Code)
	}

	got = e.do(t, admin, http.MethodPost, "/cases/c42/reimburse", "", withRef)
	if got.status != http.StatusOK {
		t.Fatalf("redemption: got %d %s %s, want 200", got.status, got.Code, got.Msg)
	}
	if e.executions() != 1 || e.executed[0] == nil || e.executed[0].ID != pending.ApprovalID {
		t.Fatalf("handler should run once with the approval attached")
	}

	got = e.do(t, admin, http.MethodPost, "/cases/c42/reimburse?approvalId="+pending.ApprovalID, "", nil)
	if got.status != http.StatusConflict || got.Code != guarderrors.ErrCodeApprovalConsumed {
		t.Errorf("replay: got %d %s, want 409 APPROVAL_CONSUMED", got.status, got.Code)
	}
	if e.executions() != 1 {
		t.Error("replayed approval must not execute again")
	}
}

func TestProtect_ReplayAllowed(t *testing.T) {
	e := newEnv(t)
	got := e.do(t, admin, http.MethodPost, "/replayable/c1", "", nil)
	var pending ApprovalRequiredData
	got.data(t, &pending)
	e.manager.Approve(context.Background(), pending.ApprovalID, request.Actor{UserID: admin2.id, Roles: []policy.Role{policy.RoleAdmin}}, "", "")

	ref := map[string]string{HeaderApprovalID: pending.ApprovalID}
	for i := 0; i < 2; i++ {
		if got := e.do(t, admin, http.MethodPost, "/replayable/c1", "", ref); got.status != http.StatusOK {
			t.Fatalf("redemption %d: got %d %s", i+1, got.status, got.Code)
		}
	}
}

func TestProtect_WrongOperation(t *testing.T) {
	e := newEnv(t)
	got := e.do(t, admin, http.MethodPost, "/cases/c1/reimburse", "", nil)
	var pending ApprovalRequiredData
	got.data(t, &pending)
	e.manager.Approve(context.Background(), pending.ApprovalID, request.Actor{UserID: admin2.id, Roles: []policy.Role{policy.RoleAdmin}}, "", "")

	got = e.do(t, admin, http.MethodPut, "/reserves/r1", "", map[string]string{HeaderApprovalID: pending.ApprovalID})
	if got.status != http.StatusForbidden || got.Code != guarderrors.ErrCodeForbidden {
		t.Errorf("approval for another operation: got %d %s, want 403 FORBIDDEN", got.status, got.Code)
	}
}

func TestProtect_ResourceBinding(t *testing.T) {
	e := newEnv(t)
	got := e.do(t, admin, http.MethodPost, "/bound/c1", "", nil)
	var pending ApprovalRequiredData
	got.data(t, &pending)
	e.manager.Approve(context.Background(), pending.ApprovalID, request.Actor{UserID: admin2.id, Roles: []policy.Role{policy.RoleAdmin}}, "", "")

	ref := map[string]string{HeaderApprovalID: pending.ApprovalID}
	got = e.do(t, admin, http.MethodPost, "/bound/c2", "", ref)
	if got.status != http.StatusForbidden || got.Code != guarderrors.ErrCodeForbidden {
		t.Fatalf("approval for another resource: got %d %s, want 403 FORBIDDEN", got.status, got.Code)
	}
	if e.executions() != 0 {
		t.Fatal("handler ran for the wrong resource")
	}
	if got = e.do(t, admin, http.MethodPost, "/bound/c1", "", ref); got.status != http.StatusOK {
		t.Errorf("approval for its own resource: got %d %s, want 200", got.status, got.Code)
	}
}

func TestProtect_StepUpBoundToResource(t *testing.T) {
	e := newEnv(t)
	got := e.do(t, admin, http.MethodPut, "/reserves/r1", "", nil)
	var challenge StepUpRequiredData
	got.data(t, &challenge)
	if _, err := e.gate.Complete(context.Background(), challenge.StepUpID, admin.id, testCode); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	stepUp := map[string]string{HeaderStepUpID: challenge.StepUpID}
	got = e.do(t, admin, http.MethodPut, "/reserves/r2", "", stepUp)
	if got.Code != CodeStepUpRequired {
		t.Fatalf("step-up for r1 used on r2: got %s, want a new STEP_UP_REQUIRED", got.Code)
	}
	if e.store.Len() != 0 {
		t.Fatal("no request should open for r2")
	}
	if got = e.do(t, admin, http.MethodPut, "/reserves/r1", "", stepUp); got.Code != CodeApprovalRequired {
		t.Errorf("step-up on its own resource: got %s, want APPROVAL_REQUIRED", got.Code)
	}
}

func TestProtect_StepUpFlow(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	got := e.do(t, admin, http.MethodPut, "/reserves/r1", `{"ratio": 1.05}`, nil)
	if got.status != http.StatusAccepted || got.Code != CodeStepUpRequired {
		t.Fatalf("got %d %s, want 202 STEP_UP_REQUIRED", got.status, got.Code)
	}
	var challenge StepUpRequiredData
	got.data(t, &challenge)
	if challenge.ExpiresIn != 300 || challenge.RequiredMethod != "totp" {
		t.Errorf("challenge = %+v, want expiresIn 300 and totp", challenge)
	}
	if e.store.Len() != 0 {
		t.Fatal("no approval request before step-up")
	}

	stepUp := map[string]string{HeaderStepUpID: challenge.StepUpID}
	got = e.do(t, admin, http.MethodPut, "/reserves/r1", `{"ratio": 1.05}`, stepUp)
	if got.Code != CodeStepUpRequired {
		t.Fatalf("uncompleted step-up: got %s, want a new STEP_UP_REQUIRED", got.Code)
	}

	if _, err := e.gate.Complete(ctx, challenge.StepUpID, admin.id, testCode); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	got = e.do(t, admin, http.MethodPut, "/reserves/r1", `{"ratio": 1.05}`, stepUp)
	if got.status != http.StatusAccepted || got.Code != CodeApprovalRequired {
		t.Fatalf("after step-up: got %d %s, want 202 APPROVAL_REQUIRED", got.status, got.Code)
	}
	var pending ApprovalRequiredData
	got.data(t, &pending)
	if pending.RequiredRole != "super_admin" || !pending.RequiresStepUp {
		t.Errorf("data = %+v", pending)
	}
	if want := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC); !pending.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", pending.ExpiresAt, want)
	}

	// The session is single use.
	got = e.do(t, admin, http.MethodPut, "/reserves/r1", `{"ratio": 1.05}`, stepUp)
	if got.Code != CodeStepUpRequired {
		t.Errorf("reused step-up: got %s, want STEP_UP_REQUIRED", got.Code)
	}
	if e.store.Len() != 1 {
		t.Errorf("store has %d requests, want 1", e.store.Len())
	}

	// Approver side: super_admin steps up and approves, requester redeems.
	sess, err := e.manager.InitiateApproverStepUp(ctx, pending.ApprovalID, superAdmin)
	if err != nil {
		t.Fatalf("InitiateApproverStepUp() error = %v", err)
	}
	e.gate.Complete(ctx, sess.ID, superAdmin.UserID, testCode)
	if _, err := e.manager.Approve(ctx, pending.ApprovalID, superAdmin, "ratio within band", sess.ID); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	got = e.do(t, admin, http.MethodPut, "/reserves/r1", "", map[string]string{HeaderApprovalID: pending.ApprovalID})
	if got.status != http.StatusOK {
		t.Errorf("redemption: got %d %s %s", got.status, got.Code, got.Msg)
	}
}

type toggleLimiter struct{ deny atomic.Bool }

func (l *toggleLimiter) Allow(context.Context, string) (bool, time.Duration, error) {
	return !l.deny.Load(), time.Second, nil
}

func TestProtect_StepUpKeptOnRejectedRequest(t *testing.T) {
	limiter := &toggleLimiter{}
	e := newEnv(t, WithRateLimiter(limiter))
	ctx := context.Background()

	got := e.do(t, admin, http.MethodPut, "/reserves/r1", "", nil)
	var challenge StepUpRequiredData
	got.data(t, &challenge)
	if _, err := e.gate.Complete(ctx, challenge.StepUpID, admin.id, testCode); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	stepUp := map[string]string{HeaderStepUpID: challenge.StepUpID}

	got = e.do(t, admin, http.MethodPut, "/reserves/r1", `[1, 2]`, stepUp)
	if got.status != http.StatusBadRequest {
		t.Fatalf("invalid body: got %d %s, want 400", got.status, got.Code)
	}

	limiter.deny.Store(true)
	got = e.do(t, admin, http.MethodPut, "/reserves/r1", `{"ratio": 1.05}`, stepUp)
	if got.status != http.StatusTooManyRequests {
		t.Fatalf("rate limited: got %d %s, want 429", got.status, got.Code)
	}
	limiter.deny.Store(false)

	got = e.do(t, admin, http.MethodPut, "/reserves/r1", `{"ratio": 1.05}`, stepUp)
	if got.status != http.StatusAccepted || got.Code != CodeApprovalRequired {
		t.Fatalf("retry with the same step-up: got %d %s, want 202 APPROVAL_REQUIRED", got.status, got.Code)
	}
	if e.store.Len() != 1 {
		t.Errorf("store has %d requests, want 1", e.store.Len())
	}
}

func TestProtect_RateLimited(t *testing.T) {
	e := newEnv(t, WithRateLimiter(denyLimiter{retryAfter: 1500 * time.Millisecond}))

	got := e.do(t, admin, http.MethodPost, "/cases/c1/reimburse", "", nil)
	if got.status != http.StatusTooManyRequests || got.Code != guarderrors.ErrCodeRateLimited {
		t.Fatalf("approval creation: got %d %s, want 429", got.status, got.Code)
	}
	if got.header.Get("Retry-After") != "2" {
		t.Errorf("Retry-After = %q, want 2", got.header.Get("Retry-After"))
	}

	got = e.do(t, admin, http.MethodPut, "/reserves/r1", "", nil)
	if got.status != http.StatusTooManyRequests {
		t.Errorf("step-up initiation: got %d, want 429", got.status)
	}
	if e.store.Len() != 0 {
		t.Error("rate-limited calls must not open requests")
	}
}

func TestProtect_InvalidBody(t *testing.T) {
	e := newEnv(t)
	got := e.do(t, admin, http.MethodPost, "/cases/c1/reimburse", `[1, 2]`, nil)
	if got.status != http.StatusBadRequest || got.Code != guarderrors.ErrCodeValidationFailed {
		t.Errorf("got %d %s, want 400 VALIDATION_FAILED", got.status, got.Code)
	}

	small := newEnv(t, WithMaxBodyBytes(8))
	got = small.do(t, admin, http.MethodPost, "/cases/c1/reimburse", `{"note": "far too long"}`, nil)
	if got.status != http.StatusBadRequest {
		t.Errorf("oversized body: got %d, want 400", got.status)
	}
}

func TestProtect_MalformedApprovalID(t *testing.T) {
	e := newEnv(t)
	got := e.do(t, admin, http.MethodPost, "/cases/c1/reimburse", "", map[string]string{HeaderApprovalID: "../../etc"})
	if got.status != http.StatusBadRequest {
		t.Errorf("got %d %s, want 400", got.status, got.Code)
	}
	got = e.do(t, admin, http.MethodPost, "/cases/c1/reimburse", "", map[string]string{HeaderApprovalID: "ffffffffffffffff"})
	if got.status != http.StatusNotFound {
		t.Errorf("unknown approval: got %d %s, want 404", got.status, got.Code)
	}
}

func TestWriteError_Internal(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, context.DeadlineExceeded)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	var resp Response
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Code != guarderrors.ErrCodeInternal || strings.Contains(resp.Message, "deadline") {
		t.Errorf("response = %+v, want INTERNAL without detail", resp)
	}
}
