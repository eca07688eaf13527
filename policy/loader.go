// Package policy provides SSM-based loading of approval rules.
// Rules are stored as a YAML document in AWS Systems Manager Parameter Store
// so they can be changed without redeploying the service.
package policy

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	guarderrors "github.com/pbcex/adminguard/errors"
)

// ErrRulesNotFound is returned when the approval rules parameter does not exist.
var ErrRulesNotFound = errors.New("approval rules not found")

// SSMAPI defines the SSM operations used by Loader.
// This interface enables testing with mock implementations.
type SSMAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// RuleLoader loads approval rules from a source.
type RuleLoader interface {
	Load(ctx context.Context, name string) (*RuleSet, error)
}

// Loader fetches approval rules from AWS SSM Parameter Store.
type Loader struct {
	client SSMAPI
}

// NewLoader creates a new Loader using the provided AWS configuration.
func NewLoader(cfg aws.Config) *Loader {
	return &Loader{client: ssm.NewFromConfig(cfg)}
}

// NewLoaderWithClient creates a Loader with a custom SSM client.
// This is primarily used for testing with mock clients.
func NewLoaderWithClient(client SSMAPI) *Loader {
	return &Loader{client: client}
}

// Load fetches the parameter by name and parses it as approval rules.
// It returns ErrRulesNotFound (wrapped) if the parameter does not exist.
func (l *Loader) Load(ctx context.Context, name string) (*RuleSet, error) {
	output, err := l.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		var notFound *types.ParameterNotFound
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("%s: %w", name, ErrRulesNotFound)
		}
		return nil, guarderrors.WrapSSMError(err, name)
	}
	if output.Parameter == nil || output.Parameter.Value == nil {
		return nil, fmt.Errorf("%s: parameter has no value", name)
	}

	return ParseApprovalRules([]byte(*output.Parameter.Value))
}
