package guard

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	guarderrors "github.com/pbcex/adminguard/errors"
)

// Response codes that are not errors.
const (
	CodeApprovalRequired = "APPROVAL_REQUIRED"
	CodeStepUpRequired   = "STEP_UP_REQUIRED"
	CodeOK               = "OK"
)

// Response is the JSON envelope for every adminguard reply.
type Response struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// ApprovalRequiredData is the data of an APPROVAL_REQUIRED response.
type ApprovalRequiredData struct {
	ApprovalID     string    `json:"approvalId"`
	Status         string    `json:"status"`
	RequiredRole   string    `json:"requiredRole"`
	RequiresStepUp bool      `json:"requiresStepUp"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

// StepUpRequiredData is the data of a STEP_UP_REQUIRED response.
type StepUpRequiredData struct {
	StepUpID       string `json:"stepUpId"`
	ExpiresIn      int    `json:"expiresIn"` // seconds
	RequiredMethod string `json:"requiredMethod"`
}

// WriteJSON writes v as the response body with status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("WARNING: write response: %v", err)
	}
}

// WriteError maps err to its status and envelope. Errors without a
// GuardError code become 500 INTERNAL and their detail is only logged.
func WriteError(w http.ResponseWriter, err error) {
	ge, ok := guarderrors.AsGuardError(err)
	if !ok || guarderrors.HTTPStatus(ge.Code()) == http.StatusInternalServerError {
		log.Printf("WARNING: internal error: %v", err)
		WriteJSON(w, http.StatusInternalServerError, Response{
			Code:    guarderrors.ErrCodeInternal,
			Message: "internal error",
		})
		return
	}

	if ge.Code() == guarderrors.ErrCodeRateLimited {
		if after := ge.Context()["retry_after"]; after != "" {
			w.Header().Set("Retry-After", after)
		}
	}
	WriteJSON(w, guarderrors.HTTPStatus(ge.Code()), Response{
		Code:    ge.Code(),
		Message: ge.Error(),
		Data:    errorData(ge),
	})
}

func errorData(ge guarderrors.GuardError) any {
	ctx := ge.Context()
	switch ge.Code() {
	case guarderrors.ErrCodeApprovalPending:
		return map[string]string{"approvalId": ctx["id"], "status": ctx["status"]}
	case guarderrors.ErrCodeForbidden:
		return map[string]string{"reason": ge.Error()}
	case guarderrors.ErrCodeInvalidState:
		return map[string]string{"approvalId": ctx["id"], "status": ctx["status"]}
	case guarderrors.ErrCodeExpired, guarderrors.ErrCodeApprovalConsumed:
		return map[string]string{"approvalId": ctx["id"]}
	}
	return nil
}

// rateLimited builds a RATE_LIMITED error carrying the Retry-After seconds.
func rateLimited(key string, retryAfter time.Duration) error {
	secs := int(retryAfter.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return guarderrors.WithContext(guarderrors.RateLimited(key), "retry_after", strconv.Itoa(secs))
}
