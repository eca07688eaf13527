// Package guard is the request-interception middleware in front of
// protected admin operations.
//
// For each protected (resourceType, action) pair Protect runs, in order:
//
//  1. Authentication: no principal in the context is 401 UNAUTHENTICATED.
//  2. Policy: an evaluator deny is 403 FORBIDDEN with the reason.
//  3. Gating: a pair without an approval rule executes immediately.
//  4. Redemption: an approval reference (X-Approval-Id header or approvalId
//     query parameter) must name an approved request for the same resource
//     type and action, requested by the caller. It is consumed on first use.
//  5. Step-up: when the rule requires it and the caller presents no verified
//     X-Step-Up-Id, a challenge is initiated and 202 STEP_UP_REQUIRED returned.
//  6. Request: otherwise a pending approval request is opened, capturing the
//     JSON body so the operation can be replayed, and 202 APPROVAL_REQUIRED
//     returned. The protected handler does not run.
package guard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/gorilla/mux"

	guarderrors "github.com/pbcex/adminguard/errors"
	"github.com/pbcex/adminguard/identity"
	"github.com/pbcex/adminguard/logging"
	"github.com/pbcex/adminguard/metrics"
	"github.com/pbcex/adminguard/policy"
	"github.com/pbcex/adminguard/ratelimit"
	"github.com/pbcex/adminguard/request"
	"github.com/pbcex/adminguard/stepup"
)

// Headers and query parameters read by Protect.
const (
	HeaderApprovalID = "X-Approval-Id"
	QueryApprovalID  = "approvalId"
	HeaderStepUpID   = "X-Step-Up-Id"
)

// DefaultMaxBodyBytes caps the body captured as RequestData.
const DefaultMaxBodyBytes = 1 << 20

// Rate limiter scopes.
const (
	ScopeApproval = "approval"
	ScopeStepUp   = "stepup"
)

// StepUpGate is the step-up capability the guard drives for requesters.
type StepUpGate interface {
	stepup.Gate
	Method() stepup.Method
}

// Guard holds the collaborators shared by every protected route.
type Guard struct {
	evaluator *policy.Evaluator
	manager   *request.Manager
	gate      StepUpGate
	limiter   ratelimit.RateLimiter
	logger    logging.Logger
	metrics   metrics.Recorder
	maxBody   int64
}

// Option configures a Guard.
type Option func(*Guard)

// WithStepUpGate sets the gate used for requester step-up.
func WithStepUpGate(g StepUpGate) Option {
	return func(gd *Guard) { gd.gate = g }
}

// WithRateLimiter limits approval creation and step-up initiation per user.
func WithRateLimiter(l ratelimit.RateLimiter) Option {
	return func(gd *Guard) { gd.limiter = l }
}

// WithLogger sets the decision logger.
func WithLogger(l logging.Logger) Option {
	return func(gd *Guard) { gd.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r metrics.Recorder) Option {
	return func(gd *Guard) { gd.metrics = r }
}

// WithMaxBodyBytes caps the captured request body.
func WithMaxBodyBytes(n int64) Option {
	return func(gd *Guard) { gd.maxBody = n }
}

// New creates a Guard.
func New(evaluator *policy.Evaluator, manager *request.Manager, opts ...Option) *Guard {
	g := &Guard{
		evaluator: evaluator,
		manager:   manager,
		limiter:   ratelimit.Unlimited{},
		logger:    logging.NewNopLogger(),
		metrics:   metrics.Nop{},
		maxBody:   DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Evaluator returns the policy evaluator.
func (g *Guard) Evaluator() *policy.Evaluator {
	return g.evaluator
}

type routeConfig struct {
	allowReplay  bool
	bindResource bool
	contextFunc  func(r *http.Request) policy.Context
	resourceID   func(r *http.Request) string
	name         func(r *http.Request) string
}

// ProtectOption configures one protected route.
type ProtectOption func(*routeConfig)

// WithReplay lets an approval be redeemed more than once.
func WithReplay() ProtectOption {
	return func(c *routeConfig) { c.allowReplay = true }
}

// WithResourceBinding only redeems approvals granted for the resource ID
// of the current request.
func WithResourceBinding() ProtectOption {
	return func(c *routeConfig) { c.bindResource = true }
}

// WithContext supplies the resource tags (org, region, branch) the
// attribute check compares against the principal.
func WithContext(fn func(r *http.Request) policy.Context) ProtectOption {
	return func(c *routeConfig) { c.contextFunc = fn }
}

// WithResourceID derives the target resource ID. The default is the
// gorilla/mux path variable "id".
func WithResourceID(fn func(r *http.Request) string) ProtectOption {
	return func(c *routeConfig) { c.resourceID = fn }
}

// WithResourceName derives a display name for the target resource.
func WithResourceName(fn func(r *http.Request) string) ProtectOption {
	return func(c *routeConfig) { c.name = fn }
}

// ContextFromQuery builds resource tags from the org_id, region and
// branch_id query parameters.
func ContextFromQuery(r *http.Request) policy.Context {
	q := r.URL.Query()
	ctx := policy.Context{}
	for _, k := range []string{policy.ContextOrgID, policy.ContextRegion, policy.ContextBranchID} {
		if v := q.Get(k); v != "" {
			ctx[k] = v
		}
	}
	return ctx
}

func muxID(r *http.Request) string {
	return mux.Vars(r)["id"]
}

// Protect returns middleware guarding next with (resourceType, action).
func (g *Guard) Protect(resourceType, action string, opts ...ProtectOption) func(http.Handler) http.Handler {
	cfg := routeConfig{
		contextFunc: func(*http.Request) policy.Context { return nil },
		resourceID:  muxID,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			g.serve(w, r, next, resourceType, action, cfg)
		})
	}
}

func (g *Guard) serve(w http.ResponseWriter, r *http.Request, next http.Handler, resourceType, action string, cfg routeConfig) {
	ctx := r.Context()
	principal := identity.FromContext(ctx)
	if principal == nil {
		g.respond(w, resourceType, "unauthenticated")
		WriteError(w, guarderrors.Unauthenticated())
		return
	}

	decision := g.evaluator.Evaluate(principal.Roles, principal.Attributes, resourceType, action, cfg.contextFunc(r))
	entry := logging.NewDecisionLogEntry(principal.UserID, principal.Roles, resourceType, action, decision)
	entry.RequestID = identity.RequestIDFromContext(ctx)
	g.metrics.Count(metrics.MetricDecision, 1, "Resource", resourceType, "Effect", entry.Effect)

	if !decision.Allowed {
		entry.Outcome = "forbidden"
		g.logger.LogDecision(entry)
		g.respond(w, resourceType, entry.Outcome)
		WriteError(w, guarderrors.Forbidden(decision.Reason))
		return
	}

	rule, gated := g.manager.Rule(resourceType, action)
	if !gated {
		entry.Outcome = "executed"
		g.logger.LogDecision(entry)
		next.ServeHTTP(w, r)
		return
	}

	if approvalID := approvalReference(r); approvalID != "" {
		entry.ApprovalID = approvalID
		redemption := request.Redemption{
			ApprovalID:   approvalID,
			UserID:       principal.UserID,
			ResourceType: resourceType,
			Action:       action,
			AllowReplay:  cfg.allowReplay,
		}
		if cfg.bindResource {
			redemption.ResourceID = cfg.resourceID(r)
		}
		req, err := g.manager.Consume(ctx, redemption)
		if err != nil {
			entry.Outcome = outcomeFor(err)
			g.logger.LogDecision(entry)
			g.respond(w, resourceType, entry.Outcome)
			WriteError(w, err)
			return
		}
		entry.Outcome = "executed"
		g.logger.LogDecision(entry)
		next.ServeHTTP(w, r.WithContext(WithApproval(ctx, req)))
		return
	}

	var data map[string]any
	if rule.RequiresStepUp {
		verified, body, err := g.requesterStepUp(w, r, principal, resourceType, action, cfg)
		if !verified {
			entry.Outcome = "step_up_required"
			if err != nil {
				entry.Outcome = outcomeFor(err)
			}
			g.logger.LogDecision(entry)
			g.respond(w, resourceType, entry.Outcome)
			return
		}
		data = body
	} else {
		var err error
		if data, err = g.prepareRequest(r, principal); err != nil {
			entry.Outcome = outcomeFor(err)
			g.logger.LogDecision(entry)
			g.respond(w, resourceType, entry.Outcome)
			WriteError(w, err)
			return
		}
	}

	req, err := g.openRequest(r, principal, resourceType, action, cfg, data)
	if err != nil {
		entry.Outcome = outcomeFor(err)
		g.logger.LogDecision(entry)
		g.respond(w, resourceType, entry.Outcome)
		WriteError(w, err)
		return
	}

	entry.ApprovalID = req.ID
	entry.Outcome = "approval_required"
	g.logger.LogDecision(entry)
	g.respond(w, resourceType, entry.Outcome)
	WriteJSON(w, http.StatusAccepted, Response{
		Code:    CodeApprovalRequired,
		Message: fmt.Sprintf("%s:%s requires approval by %s", resourceType, action, req.RequiredRole),
		Data: ApprovalRequiredData{
			ApprovalID:     req.ID,
			Status:         string(req.Status),
			RequiredRole:   string(req.RequiredRole),
			RequiresStepUp: req.RequiresStepUp,
			ExpiresAt:      req.ExpiresAt,
		},
	})
}

// requesterStepUp reports whether the caller presented a verified step-up
// session, consuming it once the request body and rate limit have been
// accepted, and returns the captured body. Otherwise it writes the response
// itself: a new challenge, or the error that prevented one.
func (g *Guard) requesterStepUp(w http.ResponseWriter, r *http.Request, p *identity.Principal, resourceType, action string, cfg routeConfig) (bool, map[string]any, error) {
	ctx := r.Context()
	if g.gate == nil {
		err := guarderrors.Forbidden("step-up required but no step-up gate is configured")
		WriteError(w, err)
		return false, nil, err
	}

	target := stepup.Target{
		Action:   action,
		Resource: resourceType,
		Context:  map[string]string{"resource_id": cfg.resourceID(r)},
	}
	if id := r.Header.Get(HeaderStepUpID); id != "" && g.gate.VerifyFor(ctx, id, p.UserID, target) {
		data, err := g.prepareRequest(r, p)
		if err != nil {
			WriteError(w, err)
			return false, nil, err
		}
		if err := g.gate.Clear(ctx, id); err != nil {
			if errors.Is(err, stepup.ErrSessionNotFound) {
				err = guarderrors.Forbidden("step-up session was already used")
			}
			WriteError(w, err)
			return false, nil, err
		}
		return true, data, nil
	}

	if err := g.allow(ctx, ScopeStepUp, p.UserID); err != nil {
		WriteError(w, err)
		return false, nil, err
	}
	sess, err := g.gate.Initiate(ctx, p.UserID, action, resourceType, target.Context)
	if err != nil {
		WriteError(w, err)
		return false, nil, err
	}
	g.logger.LogStepUp(logging.NewStepUpLogEntry(logging.StepUpInitiated, sess))
	g.metrics.Count(metrics.MetricStepUp, 1, "Resource", resourceType, "Stage", "initiated")

	WriteJSON(w, http.StatusAccepted, Response{
		Code:    CodeStepUpRequired,
		Message: fmt.Sprintf("%s:%s requires step-up authentication", resourceType, action),
		Data: StepUpRequiredData{
			StepUpID:       sess.ID,
			ExpiresIn:      int(sess.ExpiresAt.Sub(sess.CreatedAt).Seconds()),
			RequiredMethod: sess.Method.String(),
		},
	})
	return false, nil, nil
}

// prepareRequest applies the approval rate limit and captures the body
// that a new request will carry.
func (g *Guard) prepareRequest(r *http.Request, p *identity.Principal) (map[string]any, error) {
	if err := g.allow(r.Context(), ScopeApproval, p.UserID); err != nil {
		return nil, err
	}
	return g.captureBody(r)
}

func (g *Guard) openRequest(r *http.Request, p *identity.Principal, resourceType, action string, cfg routeConfig, data map[string]any) (*request.Request, error) {
	resource := request.Resource{Type: resourceType, ID: cfg.resourceID(r)}
	if cfg.name != nil {
		resource.Name = cfg.name(r)
	}
	requester := request.Actor{UserID: p.UserID, Email: p.Email, Roles: p.Roles}
	return g.manager.Create(r.Context(), action, resource, requester, data)
}

func (g *Guard) allow(ctx context.Context, scope, userID string) error {
	key := ratelimit.Key(scope, userID)
	ok, retryAfter, err := g.limiter.Allow(ctx, key)
	if err != nil {
		// Limiters fail open.
		log.Printf("WARNING: rate limiter error for %s: %v", key, err)
		return nil
	}
	if !ok {
		g.metrics.Count(metrics.MetricRateLimited, 1, "Scope", scope)
		return rateLimited(key, retryAfter)
	}
	return nil
}

// captureBody decodes a JSON object body into RequestData. An empty body
// yields nil. The body is restored for any later reader.
func (g *Guard) captureBody(r *http.Request) (map[string]any, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, g.maxBody+1))
	r.Body.Close()
	if err != nil {
		return nil, guarderrors.ValidationFailed(fmt.Sprintf("read request body: %v", err))
	}
	if int64(len(raw)) > g.maxBody {
		return nil, guarderrors.ValidationFailed(fmt.Sprintf("request body exceeds %d bytes", g.maxBody))
	}
	r.Body = io.NopCloser(bytes.NewReader(raw))
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}

	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, guarderrors.ValidationFailed("request body must be a JSON object")
	}
	return data, nil
}

func (g *Guard) respond(w http.ResponseWriter, resourceType, outcome string) {
	g.metrics.Count(metrics.MetricGuardedResponse, 1, "Resource", resourceType, "Outcome", outcome)
}

func approvalReference(r *http.Request) string {
	if id := r.Header.Get(HeaderApprovalID); id != "" {
		return id
	}
	return r.URL.Query().Get(QueryApprovalID)
}

func outcomeFor(err error) string {
	switch guarderrors.GetCode(err) {
	case guarderrors.ErrCodeApprovalPending:
		return "approval_pending"
	case guarderrors.ErrCodeApprovalConsumed:
		return "approval_consumed"
	case guarderrors.ErrCodeForbidden:
		return "forbidden"
	case guarderrors.ErrCodeRateLimited:
		return "rate_limited"
	case guarderrors.ErrCodeNotFound:
		return "not_found"
	case guarderrors.ErrCodeValidationFailed:
		return "invalid"
	}
	return "error"
}
