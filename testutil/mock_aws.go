package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// ============================================================================
// MockSSMClient - SSM Parameter Store operations
// ============================================================================

// MockSSMClient implements SSM GetParameter for testing. Without a
// GetParameterFunc it serves Parameters and returns ParameterNotFound for
// anything else.
type MockSSMClient struct {
	mu sync.Mutex

	GetParameterFunc func(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)

	// Parameters maps parameter names to values.
	Parameters map[string]string

	// Call tracking
	GetParameterCalls []*ssm.GetParameterInput
}

// GetParameter implements SSM GetParameter operation.
func (m *MockSSMClient) GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	m.mu.Lock()
	m.GetParameterCalls = append(m.GetParameterCalls, params)
	m.mu.Unlock()

	if m.GetParameterFunc != nil {
		return m.GetParameterFunc(ctx, params, optFns...)
	}
	name := aws.ToString(params.Name)
	value, ok := m.Parameters[name]
	if !ok {
		return nil, &ssmtypes.ParameterNotFound{Message: aws.String("parameter " + name + " not found")}
	}
	return &ssm.GetParameterOutput{
		Parameter: &ssmtypes.Parameter{Name: params.Name, Value: aws.String(value)},
	}, nil
}

// Reset clears all call tracking data.
func (m *MockSSMClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GetParameterCalls = nil
}

// ============================================================================
// MockSTSClient - STS operations
// ============================================================================

// MockSTSClient implements STS GetCallerIdentity for testing.
type MockSTSClient struct {
	mu sync.Mutex

	GetCallerIdentityFunc func(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)

	// Err, if set and no func is configured, fails every call.
	Err error

	// Call tracking
	GetCallerIdentityCalls []*sts.GetCallerIdentityInput
}

// GetCallerIdentity implements STS GetCallerIdentity operation.
func (m *MockSTSClient) GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	m.mu.Lock()
	m.GetCallerIdentityCalls = append(m.GetCallerIdentityCalls, params)
	m.mu.Unlock()

	if m.GetCallerIdentityFunc != nil {
		return m.GetCallerIdentityFunc(ctx, params, optFns...)
	}
	if m.Err != nil {
		return nil, m.Err
	}
	return &sts.GetCallerIdentityOutput{
		Account: aws.String("123456789012"),
		Arn:     aws.String("arn:aws:sts::123456789012:assumed-role/MockRole/session"),
		UserId:  aws.String("AIDAMOCKUSERID"),
	}, nil
}

// CallerARN returns a MockSTSClient that reports arn as the caller.
func CallerARN(arn string) *MockSTSClient {
	return &MockSTSClient{
		GetCallerIdentityFunc: func(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
			if arn == "" {
				return nil, errors.New("no caller identity")
			}
			return &sts.GetCallerIdentityOutput{Account: aws.String("123456789012"), Arn: aws.String(arn)}, nil
		},
	}
}

// Reset clears all call tracking data.
func (m *MockSTSClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GetCallerIdentityCalls = nil
}
