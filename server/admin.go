package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	guarderrors "github.com/pbcex/adminguard/errors"
	"github.com/pbcex/adminguard/guard"
	"github.com/pbcex/adminguard/identity"
	"github.com/pbcex/adminguard/request"
)

// maxAdminBody caps admin request bodies.
const maxAdminBody = 64 << 10

// ListData is the data of a list response.
type ListData struct {
	Requests []*request.Request `json:"requests"`
	Count    int                `json:"count"`
}

// CleanupData is the data of a cleanup response.
type CleanupData struct {
	Expired int `json:"expired"`
}

// StepUpCompletedData is the data of a completed step-up.
type StepUpCompletedData struct {
	StepUpID  string `json:"stepUpId"`
	Completed bool   `json:"completed"`
}

type approveBody struct {
	Reason   string `json:"reason"`
	StepUpID string `json:"stepUpId"`
}

type denyBody struct {
	Reason string `json:"reason"`
}

type completeBody struct {
	Code string `json:"code"`
}

type admin struct {
	manager *request.Manager
	stepUp  StepUpCompleter
}

func (a *admin) register(r *mux.Router, g *guard.Guard) {
	read := g.Protect(ResourceApprovals, ActionRead)
	manage := g.Protect(ResourceApprovals, ActionManage)

	r.Handle("/approvals", read(http.HandlerFunc(a.list))).Methods(http.MethodGet)
	r.Handle("/approvals/pending", read(http.HandlerFunc(a.pending))).Methods(http.MethodGet)
	r.Handle("/approvals/cleanup", manage(http.HandlerFunc(a.cleanup))).Methods(http.MethodPost)
	r.Handle("/approvals/{id}", read(http.HandlerFunc(a.get))).Methods(http.MethodGet)
	r.Handle("/approvals/{id}/approve", manage(http.HandlerFunc(a.approve))).Methods(http.MethodPost)
	r.Handle("/approvals/{id}/deny", manage(http.HandlerFunc(a.deny))).Methods(http.MethodPost)
	r.Handle("/approvals/{id}/step-up", manage(http.HandlerFunc(a.initiateStepUp))).Methods(http.MethodPost)
	r.HandleFunc("/step-up/{id}/complete", a.completeStepUp).Methods(http.MethodPost)
}

func (a *admin) list(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		guard.WriteError(w, err)
		return
	}
	reqs, err := a.manager.List(r.Context(), filter)
	if err != nil {
		guard.WriteError(w, err)
		return
	}
	writeList(w, reqs)
}

func (a *admin) pending(w http.ResponseWriter, r *http.Request) {
	p := identity.FromContext(r.Context())
	reqs, err := a.manager.PendingForApprover(r.Context(), p.Roles)
	if err != nil {
		guard.WriteError(w, err)
		return
	}
	writeList(w, reqs)
}

func (a *admin) get(w http.ResponseWriter, r *http.Request) {
	req, err := a.manager.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		guard.WriteError(w, err)
		return
	}
	writeRequest(w, req)
}

func (a *admin) approve(w http.ResponseWriter, r *http.Request) {
	var body approveBody
	if err := decodeBody(r, &body); err != nil {
		guard.WriteError(w, err)
		return
	}
	req, err := a.manager.Approve(r.Context(), mux.Vars(r)["id"], actor(r), body.Reason, body.StepUpID)
	if err != nil {
		guard.WriteError(w, err)
		return
	}
	writeRequest(w, req)
}

func (a *admin) deny(w http.ResponseWriter, r *http.Request) {
	var body denyBody
	if err := decodeBody(r, &body); err != nil {
		guard.WriteError(w, err)
		return
	}
	req, err := a.manager.Deny(r.Context(), mux.Vars(r)["id"], actor(r), body.Reason)
	if err != nil {
		guard.WriteError(w, err)
		return
	}
	writeRequest(w, req)
}

func (a *admin) initiateStepUp(w http.ResponseWriter, r *http.Request) {
	sess, err := a.manager.InitiateApproverStepUp(r.Context(), mux.Vars(r)["id"], actor(r))
	if err != nil {
		guard.WriteError(w, err)
		return
	}
	guard.WriteJSON(w, http.StatusAccepted, guard.Response{
		Code:    guard.CodeStepUpRequired,
		Message: fmt.Sprintf("complete step-up %s before approving", sess.ID),
		Data: guard.StepUpRequiredData{
			StepUpID:       sess.ID,
			ExpiresIn:      int(sess.ExpiresAt.Sub(sess.CreatedAt).Seconds()),
			RequiredMethod: sess.Method.String(),
		},
	})
}

func (a *admin) completeStepUp(w http.ResponseWriter, r *http.Request) {
	p := identity.FromContext(r.Context())
	if p == nil {
		guard.WriteError(w, guarderrors.Unauthenticated())
		return
	}
	if a.stepUp == nil {
		guard.WriteError(w, guarderrors.New(guarderrors.ErrCodeNotConfigured,
			"step-up is not configured", "Configure a TOTP secrets source for adminguard.", nil))
		return
	}
	var body completeBody
	if err := decodeBody(r, &body); err != nil {
		guard.WriteError(w, err)
		return
	}
	if body.Code == "" {
		guard.WriteError(w, guarderrors.ValidationFailed("code is required"))
		return
	}
	sess, err := a.stepUp.Complete(r.Context(), mux.Vars(r)["id"], p.UserID, body.Code)
	if err != nil {
		guard.WriteError(w, err)
		return
	}
	guard.WriteJSON(w, http.StatusOK, guard.Response{
		Code:    guard.CodeOK,
		Message: "step-up completed",
		Data:    StepUpCompletedData{StepUpID: sess.ID, Completed: true},
	})
}

func (a *admin) cleanup(w http.ResponseWriter, r *http.Request) {
	n, err := a.manager.CleanupExpired(r.Context())
	if err != nil {
		guard.WriteError(w, err)
		return
	}
	guard.WriteJSON(w, http.StatusOK, guard.Response{
		Code:    guard.CodeOK,
		Message: fmt.Sprintf("expired %d requests", n),
		Data:    CleanupData{Expired: n},
	})
}

func actor(r *http.Request) request.Actor {
	p := identity.FromContext(r.Context())
	return request.Actor{UserID: p.UserID, Email: p.Email, Roles: p.Roles}
}

func parseFilter(r *http.Request) (request.Filter, error) {
	q := r.URL.Query()
	filter := request.Filter{
		Status:          request.RequestStatus(q.Get("status")),
		RequesterUserID: q.Get("requester"),
		ResourceType:    q.Get("resource_type"),
	}
	if filter.Status != "" && !filter.Status.IsValid() {
		return filter, guarderrors.ValidationFailed(fmt.Sprintf("unknown status %q", filter.Status))
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit"), "limit"); err != nil {
		return filter, err
	}
	if filter.Offset, err = intParam(q.Get("offset"), "offset"); err != nil {
		return filter, err
	}
	return filter, nil
}

func intParam(v, name string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, guarderrors.ValidationFailed(fmt.Sprintf("%s must be a non-negative integer", name))
	}
	return n, nil
}

// decodeBody decodes an optional JSON body into v.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxAdminBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return guarderrors.ValidationFailed(fmt.Sprintf("invalid request body: %v", err))
	}
	return nil
}

func writeRequest(w http.ResponseWriter, req *request.Request) {
	guard.WriteJSON(w, http.StatusOK, guard.Response{
		Code:    guard.CodeOK,
		Message: fmt.Sprintf("approval %s is %s", req.ID, req.Status),
		Data:    req,
	})
}

func writeList(w http.ResponseWriter, reqs []*request.Request) {
	if reqs == nil {
		reqs = []*request.Request{}
	}
	guard.WriteJSON(w, http.StatusOK, guard.Response{
		Code:    guard.CodeOK,
		Message: fmt.Sprintf("%d requests", len(reqs)),
		Data:    ListData{Requests: reqs, Count: len(reqs)},
	})
}
