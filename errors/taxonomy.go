package errors

import (
	"fmt"
	"net/http"
)

// Suggestions contains default fix suggestions for each error code.
var Suggestions = map[string]string{
	ErrCodeUnauthenticated:  "Sign in to the admin terminal and retry the operation.",
	ErrCodeForbidden:        "Ask an administrator for the role or clearance this operation requires.",
	ErrCodeNotFound:         "Check the approval ID. Approval requests are listed with: adminguard approvals list",
	ErrCodeInvalidState:     "The approval request was already resolved. Submit a new request if the operation is still needed.",
	ErrCodeExpired:          "The approval window closed. Resubmit the original operation to open a new request.",
	ErrCodeValidationFailed: "Fix the reported field and retry.",
	ErrCodeNotConfigured:    "No approval rule exists for this operation. Add one to the approval rules file.",
	ErrCodeApprovalPending:  "Wait for a second administrator to approve the request, then resubmit with the approval ID.",
	ErrCodeApprovalConsumed: "This approval was already used. Resubmit the operation without an approval ID to open a new request.",
	ErrCodeRateLimited:      "Too many requests. Wait a moment and retry.",
	ErrCodeInternal:         "An unexpected error occurred. Check the adminguard logs.",

	ErrCodeDynamoDBAccessDenied: "Ensure the service role includes dynamodb:GetItem, PutItem, Query and Scan on the approval tables.",
	ErrCodeDynamoDBTableNotFound: "The DynamoDB table does not exist. " +
		"Create it with the table name configured in request_table / stepup_table.",
	ErrCodeDynamoDBThrottled:       "DynamoDB throughput exceeded. Wait a moment and retry, or increase table capacity.",
	ErrCodeDynamoDBConditionFailed: "The item was modified by another process. Re-read it and retry.",
	ErrCodeSSMAccessDenied:         "Ensure the service role includes ssm:GetParameter on the approval rules parameter.",
	ErrCodeSSMParameterNotFound:    "The approval rules parameter does not exist in SSM Parameter Store.",
	ErrCodeSSMThrottled:            "SSM API rate limit exceeded. Wait a moment and retry.",
}

// GetSuggestion returns the default suggestion for an error code.
// Returns empty string if no suggestion is defined.
func GetSuggestion(code string) string {
	return Suggestions[code]
}

// Unauthenticated reports a request without an authenticated principal.
func Unauthenticated() GuardError {
	return New(ErrCodeUnauthenticated, "authentication required", Suggestions[ErrCodeUnauthenticated], nil)
}

// Forbidden reports a policy denial or an approver lacking the required role or step-up.
func Forbidden(reason string) GuardError {
	return New(ErrCodeForbidden, reason, Suggestions[ErrCodeForbidden], nil)
}

// NotFound reports an unknown approval request or step-up session.
func NotFound(kind, id string) GuardError {
	se := New(ErrCodeNotFound, fmt.Sprintf("%s not found: %s", kind, id), Suggestions[ErrCodeNotFound], nil)
	return WithContext(se, "id", id)
}

// InvalidState reports an operation on an approval request that is no longer pending.
func InvalidState(id, status string) GuardError {
	se := New(ErrCodeInvalidState,
		fmt.Sprintf("approval request %s is %s, only pending requests can be resolved", id, status),
		Suggestions[ErrCodeInvalidState], nil)
	se = WithContext(se, "id", id)
	return WithContext(se, "status", status)
}

// Expired reports an approval request that passed its deadline.
func Expired(id string) GuardError {
	se := New(ErrCodeExpired, fmt.Sprintf("approval request %s has expired", id), Suggestions[ErrCodeExpired], nil)
	return WithContext(se, "id", id)
}

// ValidationFailed reports malformed input or a missing required field.
func ValidationFailed(message string) GuardError {
	return New(ErrCodeValidationFailed, message, Suggestions[ErrCodeValidationFailed], nil)
}

// NotConfigured reports a createRequest call for a pair that has no approval rule.
func NotConfigured(resourceType, action string) GuardError {
	se := New(ErrCodeNotConfigured,
		fmt.Sprintf("no approval rule configured for %s:%s", resourceType, action),
		Suggestions[ErrCodeNotConfigured], nil)
	se = WithContext(se, "resource_type", resourceType)
	return WithContext(se, "action", action)
}

// ApprovalPending reports an approval reference whose request is not approved.
func ApprovalPending(id, status string) GuardError {
	se := New(ErrCodeApprovalPending,
		fmt.Sprintf("approval request %s is %s", id, status),
		Suggestions[ErrCodeApprovalPending], nil)
	se = WithContext(se, "id", id)
	return WithContext(se, "status", status)
}

// ApprovalConsumed reports a second redemption of an approval.
func ApprovalConsumed(id string) GuardError {
	se := New(ErrCodeApprovalConsumed, fmt.Sprintf("approval request %s was already used", id), Suggestions[ErrCodeApprovalConsumed], nil)
	return WithContext(se, "id", id)
}

// RateLimited reports a caller that exceeded its request budget.
func RateLimited(key string) GuardError {
	se := New(ErrCodeRateLimited, "rate limit exceeded", Suggestions[ErrCodeRateLimited], nil)
	return WithContext(se, "key", key)
}

// HTTPStatus maps an error code to the HTTP status used by the middleware
// and the admin surface. Unknown codes map to 500.
func HTTPStatus(code string) int {
	switch code {
	case ErrCodeUnauthenticated:
		return http.StatusUnauthorized
	case ErrCodeForbidden, ErrCodeApprovalPending:
		return http.StatusForbidden
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeInvalidState, ErrCodeApprovalConsumed:
		return http.StatusConflict
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrCodeExpired:
		return http.StatusGone
	case ErrCodeValidationFailed, ErrCodeNotConfigured:
		return http.StatusBadRequest
	case ErrCodeDynamoDBThrottled, ErrCodeSSMThrottled:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
