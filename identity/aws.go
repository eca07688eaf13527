package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// ErrInvalidARN indicates a caller ARN that names no user.
var ErrInvalidARN = errors.New("invalid caller ARN")

// STSAPI defines the STS operations used to identify an operator.
type STSAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// CallerUserID returns the user ID of the AWS caller, used when an operator
// approves from the command line without naming themselves.
func CallerUserID(ctx context.Context, client STSAPI) (string, error) {
	out, err := client.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", fmt.Errorf("get caller identity: %w", err)
	}
	return UserIDFromARN(aws.ToString(out.Arn))
}

// UserIDFromARN extracts the user name from an IAM user, assumed-role or
// federated-user ARN. For assumed roles the session name is the user.
//
//	arn:aws:iam::123456789012:user/team/alice             -> alice
//	arn:aws:sts::123456789012:assumed-role/Admin/bob@corp -> bob@corp
//	arn:aws:sts::123456789012:federated-user/carol        -> carol
func UserIDFromARN(arn string) (string, error) {
	parts := strings.SplitN(arn, ":", 6)
	if len(parts) != 6 || parts[0] != "arn" {
		return "", fmt.Errorf("%w: %q", ErrInvalidARN, arn)
	}
	resource := parts[5]

	var user string
	switch {
	case parts[2] == "iam" && strings.HasPrefix(resource, "user/"):
		path := strings.Split(strings.TrimPrefix(resource, "user/"), "/")
		user = path[len(path)-1]
	case parts[2] == "sts" && strings.HasPrefix(resource, "assumed-role/"):
		role := strings.SplitN(strings.TrimPrefix(resource, "assumed-role/"), "/", 2)
		if len(role) == 2 {
			user = role[1]
		}
	case parts[2] == "sts" && strings.HasPrefix(resource, "federated-user/"):
		user = strings.TrimPrefix(resource, "federated-user/")
	}
	if user == "" {
		return "", fmt.Errorf("%w: %q names no user", ErrInvalidARN, arn)
	}
	return user, nil
}
