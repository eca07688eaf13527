package errors

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/aws/smithy-go"
)

// WrapDynamoDBError examines a DynamoDB error and returns a GuardError.
// The AWS error code is taken from smithy.APIError when available and
// falls back to matching the error text.
func WrapDynamoDBError(err error, table, operation string) GuardError {
	if err == nil {
		return nil
	}

	var code, message string
	switch awsCode := apiErrorCode(err); {
	case awsCode == "ResourceNotFoundException" || isResourceNotFound(err):
		code = ErrCodeDynamoDBTableNotFound
		message = fmt.Sprintf("DynamoDB table not found: %s", table)
	case awsCode == "AccessDeniedException" || isAccessDenied(err):
		code = ErrCodeDynamoDBAccessDenied
		message = fmt.Sprintf("Access denied to DynamoDB table: %s", table)
	case awsCode == "ProvisionedThroughputExceededException" || awsCode == "ThrottlingException" || isThrottled(err):
		code = ErrCodeDynamoDBThrottled
		message = fmt.Sprintf("DynamoDB throughput exceeded for table: %s", table)
	case awsCode == "ConditionalCheckFailedException":
		code = ErrCodeDynamoDBConditionFailed
		message = fmt.Sprintf("DynamoDB conditional check failed for table: %s", table)
	default:
		code = ErrCodeDynamoDBError
		message = fmt.Sprintf("DynamoDB error for table %s during %s: %v", table, operation, err)
	}

	se := New(code, message, Suggestions[code], err)
	se = WithContext(se, "table", table)
	return WithContext(se, "operation", operation)
}

// WrapSSMError examines an SSM error raised while loading approval rules.
func WrapSSMError(err error, parameter string) GuardError {
	if err == nil {
		return nil
	}

	var code, message string
	switch awsCode := apiErrorCode(err); {
	case awsCode == "ParameterNotFound":
		code = ErrCodeSSMParameterNotFound
		message = fmt.Sprintf("SSM parameter not found: %s", parameter)
	case awsCode == "AccessDeniedException" || isAccessDenied(err):
		code = ErrCodeSSMAccessDenied
		message = fmt.Sprintf("Access denied to SSM parameter: %s", parameter)
	case awsCode == "ThrottlingException" || isThrottled(err):
		code = ErrCodeSSMThrottled
		message = fmt.Sprintf("SSM API throttled while accessing: %s", parameter)
	default:
		code = ErrCodeSSMError
		message = fmt.Sprintf("SSM error for parameter %s: %v", parameter, err)
	}

	se := New(code, message, Suggestions[code], err)
	return WithContext(se, "parameter", parameter)
}

func apiErrorCode(err error) string {
	var apiErr smithy.APIError
	if stderrors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

func isAccessDenied(err error) bool {
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "accessdenied") ||
		strings.Contains(s, "access denied") ||
		strings.Contains(s, "not authorized")
}

func isResourceNotFound(err error) bool {
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "resourcenotfound") ||
		strings.Contains(s, "non-existent table")
}

func isThrottled(err error) bool {
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "throttl") ||
		strings.Contains(s, "rate exceeded") ||
		strings.Contains(s, "throughput exceeded")
}
