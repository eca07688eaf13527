package stepup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
)

// DefaultSecretsCacheTTL is how long a fetched TOTP secret is reused.
const DefaultSecretsCacheTTL = 15 * time.Minute

type secretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type cachedSecret struct {
	value     string
	expiresAt time.Time
}

// SecretsManagerSecrets resolves per-user TOTP secrets from AWS Secrets Manager.
// The secret for user U is stored under Prefix+U as a plain Base32 string.
//
// Cache semantics:
//   - Secrets are cached in-process for the configured TTL
//   - Missing secrets are not cached, so a newly enrolled user works immediately
type SecretsManagerSecrets struct {
	client secretsManagerAPI
	prefix string
	ttl    time.Duration
	now    func() time.Time

	mu    sync.RWMutex
	cache map[string]*cachedSecret
}

// NewSecretsManagerSecrets creates a provider using the given AWS configuration.
func NewSecretsManagerSecrets(cfg aws.Config, prefix string, ttl time.Duration) *SecretsManagerSecrets {
	return newSecretsManagerSecretsWithClient(secretsmanager.NewFromConfig(cfg), prefix, ttl)
}

func newSecretsManagerSecretsWithClient(client secretsManagerAPI, prefix string, ttl time.Duration) *SecretsManagerSecrets {
	if ttl <= 0 {
		ttl = DefaultSecretsCacheTTL
	}
	return &SecretsManagerSecrets{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		now:    time.Now,
		cache:  make(map[string]*cachedSecret),
	}
}

// TOTPSecret returns the cached secret or fetches it from Secrets Manager.
func (s *SecretsManagerSecrets) TOTPSecret(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("user ID is required")
	}
	secretID := s.prefix + userID

	s.mu.RLock()
	if cached, ok := s.cache[secretID]; ok && s.now().Before(cached.expiresAt) {
		s.mu.RUnlock()
		return cached.value, nil
	}
	s.mu.RUnlock()

	output, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretID),
	})
	if err != nil {
		var notFound *types.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return "", fmt.Errorf("%w: %s", ErrNoSecret, userID)
		}
		return "", fmt.Errorf("get secret %q: %w", secretID, err)
	}
	if output.SecretString == nil {
		return "", fmt.Errorf("secret %q is not a string type", secretID)
	}

	s.mu.Lock()
	s.cache[secretID] = &cachedSecret{value: *output.SecretString, expiresAt: s.now().Add(s.ttl)}
	s.mu.Unlock()

	return *output.SecretString, nil
}
