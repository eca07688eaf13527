// Package errors provides the structured error taxonomy used across adminguard.
// Every failure that can reach a caller carries a stable code, a human-readable
// message, and an actionable suggestion so admin terminals can show operators
// why an operation was refused.
package errors

import (
	stderrors "errors"
)

// GuardError provides additional context for error handling.
// It wraps underlying errors with error codes and actionable suggestions.
type GuardError interface {
	error
	Unwrap() error              // Original error
	Code() string               // Error code (e.g., "FORBIDDEN")
	Suggestion() string         // Actionable fix suggestion
	Context() map[string]string // Additional context (request id, role, table, etc.)
}

// Authorization and workflow error codes.
const (
	ErrCodeUnauthenticated  = "UNAUTHENTICATED"
	ErrCodeForbidden        = "FORBIDDEN"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeInvalidState     = "INVALID_STATE"
	ErrCodeExpired          = "EXPIRED"
	ErrCodeValidationFailed = "VALIDATION_FAILED"
	ErrCodeNotConfigured    = "NOT_CONFIGURED"
	ErrCodeApprovalPending  = "APPROVAL_PENDING"
	ErrCodeApprovalConsumed = "APPROVAL_CONSUMED"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeInternal         = "INTERNAL"
)

// Storage error codes
const (
	ErrCodeDynamoDBAccessDenied    = "DYNAMODB_ACCESS_DENIED"
	ErrCodeDynamoDBTableNotFound   = "DYNAMODB_TABLE_NOT_FOUND"
	ErrCodeDynamoDBThrottled       = "DYNAMODB_THROTTLED"
	ErrCodeDynamoDBConditionFailed = "DYNAMODB_CONDITION_FAILED"
	ErrCodeDynamoDBError           = "DYNAMODB_ERROR"
)

// Rule configuration error codes
const (
	ErrCodeSSMAccessDenied      = "SSM_ACCESS_DENIED"
	ErrCodeSSMParameterNotFound = "SSM_PARAMETER_NOT_FOUND"
	ErrCodeSSMThrottled         = "SSM_THROTTLED"
	ErrCodeSSMError             = "SSM_ERROR"
)

// guardError implements the GuardError interface.
type guardError struct {
	code       string
	message    string
	suggestion string
	context    map[string]string
	cause      error
}

// Error implements the error interface.
func (e *guardError) Error() string {
	return e.message
}

// Unwrap returns the underlying cause error.
func (e *guardError) Unwrap() error {
	return e.cause
}

// Code returns the error code.
func (e *guardError) Code() string {
	return e.code
}

// Suggestion returns the actionable fix suggestion.
func (e *guardError) Suggestion() string {
	return e.suggestion
}

// Context returns additional context about the error.
func (e *guardError) Context() map[string]string {
	return e.context
}

// Is reports whether target is a GuardError with the same code.
// This lets callers write errors.Is(err, errors.New(ErrCodeExpired, "", "", nil)),
// though IsCode is usually more convenient.
func (e *guardError) Is(target error) bool {
	t, ok := target.(*guardError)
	if !ok {
		return false
	}
	return t.code == e.code
}

// New creates a new GuardError with the given code, message, suggestion, and cause.
func New(code, message, suggestion string, cause error) GuardError {
	return &guardError{
		code:       code,
		message:    message,
		suggestion: suggestion,
		context:    make(map[string]string),
		cause:      cause,
	}
}

// WithContext adds context to an error and returns a new GuardError.
// The original error is not modified.
func WithContext(err GuardError, key, value string) GuardError {
	existing := err.Context()
	ctx := make(map[string]string, len(existing)+1)
	for k, v := range existing {
		ctx[k] = v
	}
	ctx[key] = value

	return &guardError{
		code:       err.Code(),
		message:    err.Error(),
		suggestion: err.Suggestion(),
		context:    ctx,
		cause:      err.Unwrap(),
	}
}

// AsGuardError finds the first GuardError in err's chain.
// If err is nil or carries no GuardError, returns (nil, false).
func AsGuardError(err error) (GuardError, bool) {
	if err == nil {
		return nil, false
	}
	var ge GuardError
	if stderrors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

// GetCode extracts the error code from an error.
// Returns empty string if err carries no GuardError.
func GetCode(err error) string {
	if ge, ok := AsGuardError(err); ok {
		return ge.Code()
	}
	return ""
}

// IsCode reports whether err carries a GuardError with the given code.
func IsCode(err error, code string) bool {
	return GetCode(err) == code
}
