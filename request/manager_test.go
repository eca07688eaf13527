package request

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pbcex/adminguard/audit"
	guarderrors "github.com/pbcex/adminguard/errors"
	"github.com/pbcex/adminguard/policy"
	"github.com/pbcex/adminguard/stepup"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeGate is a stepup.Gate whose sessions are completed on creation.
type fakeGate struct {
	mu       sync.Mutex
	sessions map[string]*stepup.Session
	cleared  []string
}

func newFakeGate() *fakeGate {
	return &fakeGate{sessions: make(map[string]*stepup.Session)}
}

func (g *fakeGate) Initiate(ctx context.Context, userID, action, resource string, meta map[string]string) (*stepup.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	sess := &stepup.Session{ID: stepup.NewSessionID(), UserID: userID, Action: action, Resource: resource, Context: meta, Method: stepup.MethodTOTP}
	g.sessions[sess.ID] = sess
	return sess, nil
}

func (g *fakeGate) VerifyFor(ctx context.Context, id, userID string, target stepup.Target) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	sess, ok := g.sessions[id]
	return ok && userID != "" && sess.UserID == userID && sess.Matches(target)
}

func (g *fakeGate) Clear(ctx context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.sessions[id]; !ok {
		return stepup.ErrSessionNotFound
	}
	delete(g.sessions, id)
	g.cleared = append(g.cleared, id)
	return nil
}

func (g *fakeGate) clearedIDs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.cleared...)
}

type captureSink struct {
	mu  sync.Mutex
	ops []audit.Operation
}

func (c *captureSink) LogOperation(ctx context.Context, e audit.Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ops = append(c.ops, e.Operation)
	return nil
}

var (
	opsAdmin   = Actor{UserID: "ops@pbcex", Roles: []policy.Role{policy.RoleAdmin}}
	rootAdmin  = Actor{UserID: "root@pbcex", Roles: []policy.Role{policy.RoleSuperAdmin}}
	rootAdmin2 = Actor{UserID: "cfo@pbcex", Roles: []policy.Role{policy.RoleSuperAdmin}}
	csAgent    = Actor{UserID: "agent@pbcex", Roles: []policy.Role{policy.RoleCSAgent}}
)

type harness struct {
	store   *MemoryStore
	clock   *fakeClock
	gate    *fakeGate
	sink    *captureSink
	manager *Manager
}

func newHarness(opts ...Option) *harness {
	h := &harness{store: NewMemoryStore(), clock: newFakeClock(), gate: newFakeGate(), sink: &captureSink{}}
	base := []Option{WithClock(h.clock.Now), WithTimers(false), WithStepUpGate(h.gate), WithAuditSink(h.sink)}
	h.manager = NewManager(h.store, policy.MustDefaultRuleSet(), append(base, opts...)...)
	return h
}

func (h *harness) create(t *testing.T, resourceType, action string, requester Actor) *Request {
	t.Helper()
	req, err := h.manager.Create(context.Background(), action, Resource{Type: resourceType, ID: "r1"}, requester, map[string]any{"k": "v"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return req
}

func wantCode(t *testing.T, err error, code string) {
	t.Helper()
	if !guarderrors.IsCode(err, code) {
		t.Fatalf("error = %v (code %q), want %s", err, guarderrors.GetCode(err), code)
	}
}

func TestManager_CreateReservesWrite(t *testing.T) {
	h := newHarness()
	req := h.create(t, "reserves", "write", opsAdmin)

	if req.Status != StatusPending {
		t.Errorf("Status = %q, want pending", req.Status)
	}
	if got := req.ExpiresAt.Sub(req.CreatedAt); got != 1_800_000*time.Millisecond {
		t.Errorf("ExpiresAt - CreatedAt = %v, want 1_800_000ms", got)
	}
	if req.RequiredRole != policy.RoleSuperAdmin || !req.RequiresStepUp {
		t.Errorf("rule snapshot = %s/%v, want super_admin/true", req.RequiredRole, req.RequiresStepUp)
	}
	if len(req.AuditTrail) != 1 || req.AuditTrail[0].Event != EventCreated {
		t.Errorf("AuditTrail = %+v, want one created entry", req.AuditTrail)
	}

	_, err := h.manager.Approve(context.Background(), req.ID, csAgent, "", "")
	wantCode(t, err, guarderrors.ErrCodeForbidden)
	if !strings.Contains(err.Error(), "lacks required role: super_admin") {
		t.Errorf("error = %q, want lacks required role: super_admin", err.Error())
	}
}

func TestManager_CreateNotConfigured(t *testing.T) {
	h := newHarness()
	_, err := h.manager.Create(context.Background(), "read", Resource{Type: "cases", ID: "c1"}, opsAdmin, nil)
	wantCode(t, err, guarderrors.ErrCodeNotConfigured)

	_, err = h.manager.Create(context.Background(), "write", Resource{Type: "reserves"}, Actor{}, nil)
	wantCode(t, err, guarderrors.ErrCodeValidationFailed)
}

func TestManager_ApproveWithStepUp(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	req := h.create(t, "reserves", "write", opsAdmin)

	_, err := h.manager.Approve(ctx, req.ID, rootAdmin, "ok", "")
	wantCode(t, err, guarderrors.ErrCodeForbidden)

	sess, err := h.manager.InitiateApproverStepUp(ctx, req.ID, rootAdmin)
	if err != nil {
		t.Fatalf("InitiateApproverStepUp() error = %v", err)
	}
	if sess.Context["approval_id"] != req.ID {
		t.Errorf("session context = %v, want approval_id", sess.Context)
	}

	_, err = h.manager.Approve(ctx, req.ID, rootAdmin2, "ok", sess.ID)
	wantCode(t, err, guarderrors.ErrCodeForbidden)

	got, err := h.manager.Approve(ctx, req.ID, rootAdmin, "reserve ratio reviewed", sess.ID)
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	if got.Status != StatusApproved || got.Approver.UserID != rootAdmin.UserID || got.ProcessedAt == nil {
		t.Errorf("approved request = %+v", got)
	}
	if len(h.gate.cleared) != 1 || h.gate.cleared[0] != sess.ID {
		t.Errorf("step-up sessions cleared = %v, want [%s]", h.gate.cleared, sess.ID)
	}

	var events []AuditEvent
	for _, e := range got.AuditTrail {
		events = append(events, e.Event)
	}
	want := []AuditEvent{EventCreated, EventStepUpInitiated, EventStepUpVerified, EventApproved}
	if strings.Join(eventStrings(events), ",") != strings.Join(eventStrings(want), ",") {
		t.Errorf("AuditTrail events = %v, want %v", events, want)
	}

	_, err = h.manager.Approve(ctx, req.ID, rootAdmin, "again", sess.ID)
	wantCode(t, err, guarderrors.ErrCodeInvalidState)
}

func TestManager_ApproverStepUpBoundToRequest(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	first := h.create(t, "reserves", "write", opsAdmin)
	second := h.create(t, "reserves", "write", opsAdmin)

	sess, err := h.manager.InitiateApproverStepUp(ctx, first.ID, rootAdmin)
	if err != nil {
		t.Fatalf("InitiateApproverStepUp() error = %v", err)
	}
	_, err = h.manager.Approve(ctx, second.ID, rootAdmin, "ok", sess.ID)
	wantCode(t, err, guarderrors.ErrCodeForbidden)
	if len(h.gate.clearedIDs()) != 0 {
		t.Errorf("rejected approval cleared %v", h.gate.clearedIDs())
	}

	if _, err := h.manager.Approve(ctx, first.ID, rootAdmin, "ok", sess.ID); err != nil {
		t.Fatalf("Approve() with the session's own request error = %v", err)
	}
}

// conflictStore fails the next Update as if another writer won the race.
type conflictStore struct {
	*MemoryStore
	conflict bool
}

func (s *conflictStore) Update(ctx context.Context, req *Request, prev time.Time) error {
	if s.conflict {
		s.conflict = false
		return ErrConcurrentModification
	}
	return s.MemoryStore.Update(ctx, req, prev)
}

func TestManager_ApproveLostWriteKeepsStepUp(t *testing.T) {
	store := &conflictStore{MemoryStore: NewMemoryStore()}
	gate := newFakeGate()
	clock := newFakeClock()
	m := NewManager(store, policy.MustDefaultRuleSet(), WithClock(clock.Now), WithTimers(false), WithStepUpGate(gate))
	ctx := context.Background()

	req, err := m.Create(ctx, "write", Resource{Type: "reserves", ID: "r1"}, opsAdmin, nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	sess, err := m.InitiateApproverStepUp(ctx, req.ID, rootAdmin)
	if err != nil {
		t.Fatalf("InitiateApproverStepUp() error = %v", err)
	}

	store.conflict = true
	_, err = m.Approve(ctx, req.ID, rootAdmin, "ok", sess.ID)
	wantCode(t, err, guarderrors.ErrCodeInvalidState)
	if len(gate.clearedIDs()) != 0 {
		t.Fatalf("lost write cleared step-up sessions %v", gate.clearedIDs())
	}

	if _, err := m.Approve(ctx, req.ID, rootAdmin, "ok", sess.ID); err != nil {
		t.Fatalf("retry Approve() error = %v", err)
	}
	if got := gate.clearedIDs(); len(got) != 1 || got[0] != sess.ID {
		t.Errorf("cleared = %v, want [%s]", got, sess.ID)
	}
}

func eventStrings(events []AuditEvent) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = string(e)
	}
	return out
}

func TestManager_ApproveWithoutStepUpRule(t *testing.T) {
	h := newHarness()
	req := h.create(t, "cases", "reimbursement", csAgent)

	got, err := h.manager.Approve(context.Background(), req.ID, opsAdmin, "", "")
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	if got.Status != StatusApproved {
		t.Errorf("Status = %q, want approved", got.Status)
	}

	_, err = h.manager.InitiateApproverStepUp(context.Background(), h.create(t, "cases", "reimbursement", csAgent).ID, opsAdmin)
	wantCode(t, err, guarderrors.ErrCodeValidationFailed)
}

func TestManager_SelfApproval(t *testing.T) {
	h := newHarness()
	req := h.create(t, "cases", "reimbursement", opsAdmin)
	_, err := h.manager.Approve(context.Background(), req.ID, opsAdmin, "", "")
	wantCode(t, err, guarderrors.ErrCodeForbidden)

	allowed := newHarness(WithSelfApproval())
	req = allowed.create(t, "cases", "reimbursement", opsAdmin)
	if _, err := allowed.manager.Approve(context.Background(), req.ID, opsAdmin, "", ""); err != nil {
		t.Errorf("Approve() with self-approval enabled error = %v", err)
	}
}

func TestManager_Deny(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	req := h.create(t, "governance", "write", opsAdmin)

	_, err := h.manager.Deny(ctx, req.ID, rootAdmin, "")
	wantCode(t, err, guarderrors.ErrCodeValidationFailed)
	_, err = h.manager.Deny(ctx, req.ID, opsAdmin, "no")
	wantCode(t, err, guarderrors.ErrCodeForbidden)

	got, err := h.manager.Deny(ctx, req.ID, rootAdmin, "not during market hours")
	if err != nil {
		t.Fatalf("Deny() error = %v", err)
	}
	if got.Status != StatusDenied || got.Reason != "not during market hours" {
		t.Errorf("denied request = %+v", got)
	}
	_, err = h.manager.Approve(ctx, req.ID, rootAdmin, "", "")
	wantCode(t, err, guarderrors.ErrCodeInvalidState)
}

func TestManager_NotFound(t *testing.T) {
	h := newHarness()
	_, err := h.manager.Approve(context.Background(), "ffffffffffffffff", rootAdmin, "", "")
	wantCode(t, err, guarderrors.ErrCodeNotFound)
	_, err = h.manager.Get(context.Background(), "ffffffffffffffff")
	wantCode(t, err, guarderrors.ErrCodeNotFound)
	_, err = h.manager.Get(context.Background(), "../etc/passwd")
	wantCode(t, err, guarderrors.ErrCodeValidationFailed)
}

func TestManager_ExpiryBoundary(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	req := h.create(t, "reserves", "write", opsAdmin)

	h.clock.Advance(30*time.Minute - time.Millisecond)
	got, err := h.manager.Get(ctx, req.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusPending {
		t.Fatalf("Status at T-1ms = %q, want pending", got.Status)
	}

	h.clock.Advance(2 * time.Millisecond)
	got, _ = h.manager.Get(ctx, req.ID)
	if got.Status != StatusExpired {
		t.Fatalf("Status at T+1ms = %q, want expired", got.Status)
	}
	stored, _ := h.store.Get(ctx, req.ID)
	if stored.Status != StatusExpired {
		t.Error("lazy expiry on Get should persist the transition")
	}
	if last := stored.AuditTrail[len(stored.AuditTrail)-1]; last.Event != EventExpired || last.Actor != ActorSystem {
		t.Errorf("last audit entry = %+v, want expired by system", last)
	}

	_, err = h.manager.Approve(ctx, req.ID, rootAdmin, "", "")
	wantCode(t, err, guarderrors.ErrCodeExpired)
}

func TestManager_ApproveAfterDeadlineTransitions(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	req := h.create(t, "cases", "reimbursement", csAgent)

	h.clock.Advance(4*time.Hour + time.Millisecond)
	_, err := h.manager.Approve(ctx, req.ID, opsAdmin, "", "")
	wantCode(t, err, guarderrors.ErrCodeExpired)

	stored, _ := h.store.Get(ctx, req.ID)
	if stored.Status != StatusExpired {
		t.Errorf("stored Status = %q, want expired", stored.Status)
	}
	_, err = h.manager.Deny(ctx, req.ID, opsAdmin, "late")
	wantCode(t, err, guarderrors.ErrCodeExpired)
}

func TestManager_CleanupExpired(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	short := h.create(t, "reserves", "write", opsAdmin)
	long := h.create(t, "cases", "reimbursement", csAgent)
	done := h.create(t, "cases", "reimbursement", csAgent)
	h.manager.Approve(ctx, done.ID, opsAdmin, "", "")

	h.clock.Advance(time.Hour)
	n, err := h.manager.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("CleanupExpired() error = %v", err)
	}
	if n != 1 {
		t.Errorf("CleanupExpired() = %d, want 1", n)
	}
	if again, _ := h.manager.CleanupExpired(ctx); again != 0 {
		t.Errorf("second CleanupExpired() = %d, want 0", again)
	}

	for id, want := range map[string]RequestStatus{short.ID: StatusExpired, long.ID: StatusPending, done.ID: StatusApproved} {
		got, _ := h.store.Get(ctx, id)
		if got.Status != want {
			t.Errorf("%s Status = %q, want %q", id, got.Status, want)
		}
	}
}

func TestManager_PendingForApprover(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	reserves := h.create(t, "reserves", "write", opsAdmin)
	h.clock.Advance(time.Minute)
	caseA := h.create(t, "cases", "reimbursement", csAgent)
	h.clock.Advance(time.Minute)
	caseB := h.create(t, "cases", "reimbursement", csAgent)

	admin, _ := h.manager.PendingForApprover(ctx, opsAdmin.Roles)
	if len(admin) != 2 || admin[0].ID != caseA.ID || admin[1].ID != caseB.ID {
		t.Errorf("admin queue = %v, want [%s %s] oldest first", ids(admin), caseA.ID, caseB.ID)
	}
	root, _ := h.manager.PendingForApprover(ctx, rootAdmin.Roles)
	if len(root) != 3 || root[0].ID != reserves.ID {
		t.Errorf("super_admin queue = %v, want all three starting with %s", ids(root), reserves.ID)
	}
	none, _ := h.manager.PendingForApprover(ctx, csAgent.Roles)
	if len(none) != 0 {
		t.Errorf("cs_agent queue = %v, want empty", ids(none))
	}

	h.clock.Advance(30 * time.Minute)
	root, _ = h.manager.PendingForApprover(ctx, rootAdmin.Roles)
	if len(root) != 2 {
		t.Errorf("super_admin queue after reserves deadline = %v, want 2 entries", ids(root))
	}
}

func ids(reqs []*Request) []string {
	out := make([]string, len(reqs))
	for i, r := range reqs {
		out[i] = r.ID
	}
	return out
}

func TestManager_ListExpiresLazily(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.create(t, "reserves", "write", opsAdmin)
	h.create(t, "cases", "reimbursement", csAgent)
	h.clock.Advance(time.Hour)

	pending, err := h.manager.List(ctx, Filter{Status: StatusPending})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(pending) != 1 || pending[0].Resource.Type != "cases" {
		t.Errorf("List(pending) = %v, want only the cases request", ids(pending))
	}
	expired, _ := h.manager.List(ctx, Filter{Status: StatusExpired})
	if len(expired) != 1 {
		t.Errorf("List(expired) len = %d, want 1", len(expired))
	}
}

func TestManager_Consume(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	req := h.create(t, "cases", "reimbursement", csAgent)
	redeem := Redemption{ApprovalID: req.ID, UserID: csAgent.UserID, ResourceType: "cases", Action: "reimbursement"}

	_, err := h.manager.Consume(ctx, redeem)
	wantCode(t, err, guarderrors.ErrCodeApprovalPending)

	h.manager.Approve(ctx, req.ID, opsAdmin, "", "")

	wrongUser := redeem
	wrongUser.UserID = "other@pbcex"
	_, err = h.manager.Consume(ctx, wrongUser)
	wantCode(t, err, guarderrors.ErrCodeForbidden)

	wrongAction := redeem
	wrongAction.Action = "write"
	_, err = h.manager.Consume(ctx, wrongAction)
	wantCode(t, err, guarderrors.ErrCodeForbidden)

	wrongResource := redeem
	wrongResource.ResourceID = "r2"
	_, err = h.manager.Consume(ctx, wrongResource)
	wantCode(t, err, guarderrors.ErrCodeForbidden)

	sameResource := redeem
	sameResource.ResourceID = "r1"
	redeem = sameResource

	got, err := h.manager.Consume(ctx, redeem)
	if err != nil {
		t.Fatalf("Consume() error = %v", err)
	}
	if got.ConsumedAt == nil {
		t.Error("ConsumedAt should be set on first redemption")
	}
	first := *got.ConsumedAt

	_, err = h.manager.Consume(ctx, redeem)
	wantCode(t, err, guarderrors.ErrCodeApprovalConsumed)

	redeem.AllowReplay = true
	h.clock.Advance(time.Second)
	got, err = h.manager.Consume(ctx, redeem)
	if err != nil {
		t.Fatalf("Consume() with replay error = %v", err)
	}
	if !got.ConsumedAt.Equal(first) {
		t.Error("replay should not move ConsumedAt")
	}
}

func TestManager_ConsumeDenied(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	req := h.create(t, "cases", "reimbursement", csAgent)
	h.manager.Deny(ctx, req.ID, opsAdmin, "duplicate claim")

	_, err := h.manager.Consume(ctx, Redemption{ApprovalID: req.ID, UserID: csAgent.UserID, ResourceType: "cases", Action: "reimbursement"})
	wantCode(t, err, guarderrors.ErrCodeApprovalPending)
	ge, _ := guarderrors.AsGuardError(err)
	if ge.Context()["status"] != string(StatusDenied) {
		t.Errorf("status context = %q, want denied", ge.Context()["status"])
	}
}

func TestManager_AuditSink(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	req := h.create(t, "cases", "reimbursement", csAgent)
	h.manager.Approve(ctx, req.ID, opsAdmin, "", "")
	h.manager.Consume(ctx, Redemption{ApprovalID: req.ID, UserID: csAgent.UserID, ResourceType: "cases", Action: "reimbursement"})

	want := []audit.Operation{audit.OpApprovalCreated, audit.OpApprovalApproved, audit.OpApprovalConsumed}
	if len(h.sink.ops) != len(want) {
		t.Fatalf("audit ops = %v, want %v", h.sink.ops, want)
	}
	for i := range want {
		if h.sink.ops[i] != want[i] {
			t.Errorf("audit op[%d] = %q, want %q", i, h.sink.ops[i], want[i])
		}
	}
}

type failingSink struct{}

func (failingSink) LogOperation(ctx context.Context, e audit.Entry) error {
	return errors.New("audit store unavailable")
}

func TestManager_AuditFailureDoesNotFailTransition(t *testing.T) {
	h := newHarness(WithAuditSink(failingSink{}))
	req := h.create(t, "cases", "reimbursement", csAgent)
	if _, err := h.manager.Approve(context.Background(), req.ID, opsAdmin, "", ""); err != nil {
		t.Errorf("Approve() error = %v, want audit failure swallowed", err)
	}
}

func TestManager_Timers(t *testing.T) {
	store := NewMemoryStore()
	rules, err := policy.NewRuleSet(&policy.ApprovalRules{
		Version: "1",
		Rules: []policy.ApprovalRule{{
			ResourceType: "reserves", Action: "write", RequiredRole: policy.RoleSuperAdmin, Timeout: 50 * time.Millisecond,
		}},
	})
	if err != nil {
		t.Fatalf("NewRuleSet() error = %v", err)
	}
	m := NewManager(store, rules)
	defer m.Close()

	expiring, _ := m.Create(context.Background(), "write", Resource{Type: "reserves", ID: "r1"}, opsAdmin, nil)
	resolved, _ := m.Create(context.Background(), "write", Resource{Type: "reserves", ID: "r2"}, opsAdmin, nil)
	if m.pendingTimers() != 2 {
		t.Fatalf("pendingTimers() = %d, want 2", m.pendingTimers())
	}
	if _, err := m.Deny(context.Background(), resolved.ID, rootAdmin, "no"); err != nil {
		t.Fatalf("Deny() error = %v", err)
	}
	if m.pendingTimers() != 1 {
		t.Errorf("pendingTimers() after Deny = %d, want 1 (cancelled)", m.pendingTimers())
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, _ := store.Get(context.Background(), expiring.ID)
		if got.Status == StatusExpired {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	got, _ := store.Get(context.Background(), expiring.ID)
	if got.Status != StatusExpired {
		t.Fatalf("timer did not expire request, Status = %q", got.Status)
	}
	denied, _ := store.Get(context.Background(), resolved.ID)
	if denied.Status != StatusDenied {
		t.Errorf("resolved request Status = %q, want denied", denied.Status)
	}
}
