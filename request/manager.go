package request

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/pbcex/adminguard/audit"
	guarderrors "github.com/pbcex/adminguard/errors"
	"github.com/pbcex/adminguard/policy"
	"github.com/pbcex/adminguard/stepup"
)

// timerSlack is added to the expiry timer so it fires strictly after ExpiresAt.
const timerSlack = time.Millisecond

// Manager owns the approval request state machine.
//
// Every transition runs under a per-request lock and is persisted with the
// store's optimistic lock, so exactly one of approve, deny or expire wins for
// a given request. Expiry is enforced three ways: a lazy check whenever a
// request is touched, an in-process timer per request, and CleanupExpired,
// which a Sweeper runs periodically since timers do not survive restarts.
type Manager struct {
	store Store
	rules policy.RuleSource
	gate  stepup.Gate
	sink  audit.Sink
	now   func() time.Time

	useTimers         bool
	allowSelfApproval bool

	locks *keyedMutex

	timersMu sync.Mutex
	timers   map[string]*time.Timer
	closed   bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the time source used for deadlines and audit timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithTimers enables or disables per-request expiry timers (enabled by default).
func WithTimers(enabled bool) Option {
	return func(m *Manager) { m.useTimers = enabled }
}

// WithSelfApproval lets a requester approve their own request when their
// roles satisfy the rule. Self-approval is rejected by default.
func WithSelfApproval() Option {
	return func(m *Manager) { m.allowSelfApproval = true }
}

// WithStepUpGate sets the gate used to verify approver step-up sessions.
func WithStepUpGate(g stepup.Gate) Option {
	return func(m *Manager) { m.gate = g }
}

// WithAuditSink sets the sink receiving lifecycle audit entries.
func WithAuditSink(s audit.Sink) Option {
	return func(m *Manager) { m.sink = s }
}

// NewManager creates a Manager over store, gating pairs found in rules.
func NewManager(store Store, rules policy.RuleSource, opts ...Option) *Manager {
	m := &Manager{
		store:     store,
		rules:     rules,
		sink:      audit.NopSink{},
		now:       time.Now,
		useTimers: true,
		locks:     newKeyedMutex(),
		timers:    make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Rule returns the approval rule for (resourceType, action), if any.
func (m *Manager) Rule(resourceType, action string) (policy.ApprovalRule, bool) {
	return m.rules.Lookup(resourceType, action)
}

// Create opens a pending approval request for a gated operation.
// It fails with NOT_CONFIGURED when no rule gates (resource.Type, action).
func (m *Manager) Create(ctx context.Context, action string, resource Resource, requester Actor, data map[string]any) (*Request, error) {
	switch {
	case action == "":
		return nil, guarderrors.ValidationFailed("action is required")
	case resource.Type == "":
		return nil, guarderrors.ValidationFailed("resource type is required")
	case requester.UserID == "":
		return nil, guarderrors.ValidationFailed("requester user ID is required")
	}

	rule, ok := m.rules.Lookup(resource.Type, action)
	if !ok {
		return nil, guarderrors.NotConfigured(resource.Type, action)
	}

	now := m.now()
	req := &Request{
		ID:             NewRequestID(),
		Action:         action,
		Resource:       resource,
		Requester:      requester,
		Status:         StatusPending,
		RequestData:    data,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(rule.Timeout),
		RequiredRole:   rule.RequiredRole,
		RequiresStepUp: rule.RequiresStepUp,
	}
	req.AppendAudit(EventCreated, now, requester.UserID, "")

	if err := req.Validate(); err != nil {
		return nil, guarderrors.ValidationFailed(err.Error())
	}
	if err := m.store.Create(ctx, req); err != nil {
		return nil, err
	}

	m.schedule(req.ID, req.ExpiresAt)
	m.record(ctx, audit.OpApprovalCreated, req, requester.UserID, string(StatusPending), "")
	log.Printf("INFO: approval request %s created by %s for %s:%s (requires %s)",
		req.ID, requester.UserID, resource.Type, action, rule.RequiredRole)
	return req, nil
}

// Approve resolves a pending request as approved.
//
// Checks, in order: the request exists (NOT_FOUND), is pending (INVALID_STATE)
// and unexpired (EXPIRED, after transitioning it), the approver holds the
// required role or super_admin (FORBIDDEN), is not the requester unless
// self-approval is enabled (FORBIDDEN), and, when the rule requires it, presents
// a completed step-up session of their own opened for this request
// (FORBIDDEN). The step-up session is cleared once the approval is stored.
func (m *Manager) Approve(ctx context.Context, id string, approver Actor, reason, stepUpID string) (*Request, error) {
	req, err := m.mutate(ctx, id, func(req *Request, now time.Time) (bool, error) {
		if write, err := m.checkResolvable(req, now); err != nil {
			return write, err
		}
		if err := m.checkApprover(req, approver, true); err != nil {
			return false, err
		}
		if req.RequiresStepUp {
			if err := m.checkStepUp(ctx, req, approver.UserID, stepUpID); err != nil {
				return false, err
			}
			req.AppendAudit(EventStepUpVerified, now, approver.UserID, stepUpID)
		}
		m.resolve(req, StatusApproved, approver, reason, now)
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	m.cancel(id)
	if req.RequiresStepUp {
		m.clearStepUp(ctx, stepUpID)
		m.record(ctx, audit.OpStepUpVerified, req, approver.UserID, "verified", "")
	}
	m.record(ctx, audit.OpApprovalApproved, req, approver.UserID, string(StatusApproved), reason)
	log.Printf("INFO: approval request %s approved by %s", id, approver.UserID)
	return req, nil
}

// Deny resolves a pending request as denied. The approver must satisfy the
// required role; no step-up is needed. A reason is mandatory.
func (m *Manager) Deny(ctx context.Context, id string, approver Actor, reason string) (*Request, error) {
	if reason == "" {
		return nil, guarderrors.ValidationFailed("a reason is required to deny a request")
	}
	req, err := m.mutate(ctx, id, func(req *Request, now time.Time) (bool, error) {
		if write, err := m.checkResolvable(req, now); err != nil {
			return write, err
		}
		if err := m.checkApprover(req, approver, false); err != nil {
			return false, err
		}
		m.resolve(req, StatusDenied, approver, reason, now)
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	m.cancel(id)
	m.record(ctx, audit.OpApprovalDenied, req, approver.UserID, string(StatusDenied), reason)
	log.Printf("INFO: approval request %s denied by %s", id, approver.UserID)
	return req, nil
}

// InitiateApproverStepUp opens a step-up session an approver must complete
// before approving a request whose rule requires step-up.
func (m *Manager) InitiateApproverStepUp(ctx context.Context, id string, approver Actor) (*stepup.Session, error) {
	if m.gate == nil {
		return nil, guarderrors.ValidationFailed("step-up is not configured")
	}
	var sess *stepup.Session
	req, err := m.mutate(ctx, id, func(req *Request, now time.Time) (bool, error) {
		if write, err := m.checkResolvable(req, now); err != nil {
			return write, err
		}
		if err := m.checkApprover(req, approver, true); err != nil {
			return false, err
		}
		if !req.RequiresStepUp {
			return false, guarderrors.ValidationFailed(fmt.Sprintf("approval request %s does not require step-up", id))
		}
		var err error
		sess, err = m.gate.Initiate(ctx, approver.UserID, req.Action, req.Resource.Type, map[string]string{
			"approval_id": req.ID,
			"resource_id": req.Resource.ID,
		})
		if err != nil {
			return false, err
		}
		req.AppendAudit(EventStepUpInitiated, now, approver.UserID, sess.ID)
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	m.record(ctx, audit.OpStepUpInitiated, req, approver.UserID, "initiated", "")
	return sess, nil
}

// Redemption describes an attempt to execute a gated operation under an approval.
type Redemption struct {
	ApprovalID   string
	UserID       string
	ResourceType string
	Action       string

	// ResourceID, when set, must equal the approved request's resource ID.
	ResourceID string

	// AllowReplay permits redeeming an already consumed approval.
	AllowReplay bool
}

// Consume redeems an approved request for the operation it was granted for.
// The request must be approved, match the resource type and action (and the
// resource ID when the redemption names one), and be redeemed by its requester. The first redemption sets ConsumedAt; later ones
// fail with APPROVAL_CONSUMED unless AllowReplay is set.
func (m *Manager) Consume(ctx context.Context, r Redemption) (*Request, error) {
	req, err := m.mutate(ctx, r.ApprovalID, func(req *Request, now time.Time) (bool, error) {
		if req.Status == StatusPending && req.IsExpiredAt(now) {
			m.expire(req, now)
			return true, guarderrors.ApprovalPending(req.ID, string(req.Status))
		}
		if req.Status != StatusApproved {
			return false, guarderrors.ApprovalPending(req.ID, string(req.Status))
		}
		if req.Resource.Type != r.ResourceType || req.Action != r.Action {
			return false, guarderrors.Forbidden(fmt.Sprintf("approval %s was granted for %s, not %s",
				req.ID, policy.PermissionKey(req.Resource.Type, req.Action), policy.PermissionKey(r.ResourceType, r.Action)))
		}
		if r.ResourceID != "" && req.Resource.ID != r.ResourceID {
			return false, guarderrors.Forbidden(fmt.Sprintf("approval %s was granted for %s %q, not %q",
				req.ID, req.Resource.Type, req.Resource.ID, r.ResourceID))
		}
		if req.Requester.UserID != r.UserID {
			return false, guarderrors.Forbidden(fmt.Sprintf("approval %s can only be redeemed by its requester", req.ID))
		}
		if req.ConsumedAt != nil && !r.AllowReplay {
			return false, guarderrors.ApprovalConsumed(req.ID)
		}
		if req.ConsumedAt == nil {
			t := now
			req.ConsumedAt = &t
		}
		req.AppendAudit(EventConsumed, now, r.UserID, "")
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	m.record(ctx, audit.OpApprovalConsumed, req, r.UserID, "consumed", "")
	return req, nil
}

// Get returns a request, expiring it first if its deadline has passed.
func (m *Manager) Get(ctx context.Context, id string) (*Request, error) {
	if !ValidateRequestID(id) {
		return nil, guarderrors.ValidationFailed(fmt.Sprintf("invalid approval ID: must be %d lowercase hex characters", RequestIDLength))
	}
	req, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, m.storeError(id, err)
	}
	return m.expireIfDue(ctx, req), nil
}

// List returns requests matching filter, newest first.
// Pending requests past their deadline are expired as they are read.
func (m *Manager) List(ctx context.Context, filter Filter) ([]*Request, error) {
	reqs, err := m.store.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := reqs[:0]
	for _, req := range reqs {
		req = m.expireIfDue(ctx, req)
		if filter.Matches(req) {
			out = append(out, req)
		}
	}
	return out, nil
}

// PendingForApprover returns unexpired pending requests that a principal with
// roles may resolve, oldest first.
func (m *Manager) PendingForApprover(ctx context.Context, roles []policy.Role) ([]*Request, error) {
	pending, err := m.allPending(ctx)
	if err != nil {
		return nil, err
	}
	now := m.now()
	out := make([]*Request, 0, len(pending))
	for _, req := range pending {
		if req.IsExpiredAt(now) || !req.CanBeApprovedBy(roles) {
			continue
		}
		out = append(out, req)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// CleanupExpired transitions every pending request past its deadline to
// expired and returns how many it changed. It is idempotent.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	pending, err := m.allPending(ctx)
	if err != nil {
		return 0, err
	}
	now := m.now()
	count := 0
	for _, req := range pending {
		if !req.IsExpiredAt(now) {
			continue
		}
		expired, err := m.expireByID(ctx, req.ID)
		if err != nil {
			log.Printf("WARNING: expire approval request %s: %v", req.ID, err)
			continue
		}
		if expired {
			count++
		}
	}
	return count, nil
}

// Close cancels all pending expiry timers. The store is left untouched.
func (m *Manager) Close() {
	m.timersMu.Lock()
	defer m.timersMu.Unlock()
	m.closed = true
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
}

// pendingTimers returns the number of armed expiry timers.
func (m *Manager) pendingTimers() int {
	m.timersMu.Lock()
	defer m.timersMu.Unlock()
	return len(m.timers)
}

func (m *Manager) allPending(ctx context.Context) ([]*Request, error) {
	var all []*Request
	for offset := 0; ; offset += MaxListLimit {
		page, err := m.store.List(ctx, Filter{Status: StatusPending, Limit: MaxListLimit, Offset: offset})
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < MaxListLimit {
			return all, nil
		}
	}
}

// mutate loads request id under its lock, applies fn, and persists the result
// when fn asks for a write. fn's error is returned after any write, which lets
// a transition to expired be saved while the caller still sees EXPIRED.
// The returned request reflects what was persisted.
func (m *Manager) mutate(ctx context.Context, id string, fn func(req *Request, now time.Time) (write bool, err error)) (*Request, error) {
	if !ValidateRequestID(id) {
		return nil, guarderrors.ValidationFailed(fmt.Sprintf("invalid approval ID: must be %d lowercase hex characters", RequestIDLength))
	}

	unlock := m.locks.Lock(id)
	defer unlock()

	req, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, m.storeError(id, err)
	}
	prev := req.UpdatedAt
	before := req.Status
	now := m.now()

	write, fnErr := fn(req, now)
	if !write {
		return req, fnErr
	}

	req.UpdatedAt = now
	if !req.UpdatedAt.After(prev) {
		req.UpdatedAt = prev.Add(time.Nanosecond)
	}
	if err := m.store.Update(ctx, req, prev); err != nil {
		if errors.Is(err, ErrConcurrentModification) {
			// Another process resolved it first.
			current, getErr := m.store.Get(ctx, id)
			if getErr != nil {
				return nil, m.storeError(id, getErr)
			}
			return nil, guarderrors.InvalidState(id, string(current.Status))
		}
		return nil, m.storeError(id, err)
	}

	if before == StatusPending && req.Status == StatusExpired {
		m.cancel(id)
		m.record(ctx, audit.OpApprovalExpired, req, ActorSystem, string(StatusExpired), "")
		log.Printf("INFO: approval request %s expired", id)
	}
	return req, fnErr
}

// checkResolvable enforces pending-and-unexpired. On a passed deadline it
// expires req and asks for the write.
func (m *Manager) checkResolvable(req *Request, now time.Time) (bool, error) {
	switch {
	case req.Status == StatusExpired:
		return false, guarderrors.Expired(req.ID)
	case req.Status != StatusPending:
		return false, guarderrors.InvalidState(req.ID, string(req.Status))
	case req.IsExpiredAt(now):
		m.expire(req, now)
		return true, guarderrors.Expired(req.ID)
	}
	return false, nil
}

func (m *Manager) checkApprover(req *Request, approver Actor, approving bool) error {
	if approver.UserID == "" {
		return guarderrors.Unauthenticated()
	}
	if !req.CanBeApprovedBy(approver.Roles) {
		return guarderrors.Forbidden(fmt.Sprintf("lacks required role: %s", req.RequiredRole))
	}
	if approving && !m.allowSelfApproval && approver.UserID == req.Requester.UserID {
		return guarderrors.Forbidden("approver cannot approve their own request")
	}
	return nil
}

// checkStepUp requires a completed session of userID's opened for this
// request. The session is cleared by clearStepUp once the approval is
// written; until then a lost write leaves it usable.
func (m *Manager) checkStepUp(ctx context.Context, req *Request, userID, stepUpID string) error {
	if m.gate == nil {
		return guarderrors.Forbidden("step-up required but no step-up gate is configured")
	}
	target := stepup.Target{
		Action:   req.Action,
		Resource: req.Resource.Type,
		Context:  map[string]string{"approval_id": req.ID},
	}
	if stepUpID == "" || !m.gate.VerifyFor(ctx, stepUpID, userID, target) {
		return guarderrors.Forbidden("a completed step-up session for this request is required to approve it")
	}
	return nil
}

// clearStepUp invalidates an approver session. It is bound to a request that
// is no longer pending, so a failure here only leaves a dead session behind.
func (m *Manager) clearStepUp(ctx context.Context, stepUpID string) {
	if err := m.gate.Clear(ctx, stepUpID); err != nil && !errors.Is(err, stepup.ErrSessionNotFound) {
		log.Printf("WARNING: clear step-up session %s: %v", stepUpID, err)
	}
}

func (m *Manager) resolve(req *Request, status RequestStatus, approver Actor, reason string, now time.Time) {
	a := approver
	req.Status = status
	req.Approver = &a
	req.Reason = reason
	req.ProcessedAt = &now
	event := EventApproved
	if status == StatusDenied {
		event = EventDenied
	}
	req.AppendAudit(event, now, approver.UserID, reason)
}

func (m *Manager) expire(req *Request, now time.Time) {
	req.Status = StatusExpired
	req.ProcessedAt = &now
	req.AppendAudit(EventExpired, now, ActorSystem, "")
}

// expireByID expires id if it is still pending and past its deadline.
func (m *Manager) expireByID(ctx context.Context, id string) (bool, error) {
	changed := false
	_, err := m.mutate(ctx, id, func(req *Request, now time.Time) (bool, error) {
		if req.Status != StatusPending || !req.IsExpiredAt(now) {
			return false, nil
		}
		m.expire(req, now)
		changed = true
		return true, nil
	})
	if err != nil && guarderrors.IsCode(err, guarderrors.ErrCodeInvalidState) {
		return false, nil
	}
	return changed, err
}

// expireIfDue returns req with its deadline applied, persisting the
// transition when needed. Persistence failures are logged and the caller
// still sees the expired status.
func (m *Manager) expireIfDue(ctx context.Context, req *Request) *Request {
	now := m.now()
	if req.Status != StatusPending || !req.IsExpiredAt(now) {
		return req
	}
	if _, err := m.expireByID(ctx, req.ID); err != nil {
		log.Printf("WARNING: expire approval request %s: %v", req.ID, err)
	}
	current, err := m.store.Get(ctx, req.ID)
	if err != nil || current.Status == StatusPending {
		view := req.Clone()
		m.expire(view, now)
		return view
	}
	return current
}

func (m *Manager) storeError(id string, err error) error {
	if errors.Is(err, ErrRequestNotFound) {
		return guarderrors.NotFound("approval request", id)
	}
	return err
}

func (m *Manager) schedule(id string, expiresAt time.Time) {
	if !m.useTimers {
		return
	}
	d := expiresAt.Sub(m.now()) + timerSlack
	if d < timerSlack {
		d = timerSlack
	}

	m.timersMu.Lock()
	defer m.timersMu.Unlock()
	if m.closed {
		return
	}
	if old, ok := m.timers[id]; ok {
		old.Stop()
	}
	m.timers[id] = time.AfterFunc(d, func() { m.onTimer(id) })
}

func (m *Manager) cancel(id string) {
	m.timersMu.Lock()
	defer m.timersMu.Unlock()
	if t, ok := m.timers[id]; ok {
		t.Stop()
		delete(m.timers, id)
	}
}

func (m *Manager) onTimer(id string) {
	m.timersMu.Lock()
	delete(m.timers, id)
	closed := m.closed
	m.timersMu.Unlock()
	if closed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := m.expireByID(ctx, id); err != nil {
		// The sweeper retries.
		log.Printf("WARNING: expiry timer for approval request %s: %v", id, err)
	}
}

// record sends a lifecycle entry to the audit sink. Failures are logged and
// never affect the transition that already happened.
func (m *Manager) record(ctx context.Context, op audit.Operation, req *Request, actor, outcome, reason string) {
	entry := audit.Entry{
		Timestamp:    m.now().UTC(),
		Operation:    op,
		Actor:        actor,
		ResourceType: req.Resource.Type,
		ResourceID:   req.Resource.ID,
		Action:       req.Action,
		ApprovalID:   req.ID,
		Outcome:      outcome,
		Reason:       reason,
		Details: map[string]string{
			"requester":     req.Requester.UserID,
			"required_role": string(req.RequiredRole),
		},
	}
	if err := m.sink.LogOperation(ctx, entry); err != nil {
		log.Printf("WARNING: audit %s for approval request %s not recorded: %v", op, req.ID, err)
	}
}
