package stepup

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNoSecret is returned when no TOTP secret is enrolled for a user.
var ErrNoSecret = errors.New("no step-up secret enrolled")

// FactorVerifier checks the secondary factor presented for a step-up session.
// The factor is opaque to the rest of the engine.
type FactorVerifier interface {
	// Method names the factor this verifier checks.
	Method() Method

	// VerifyCode returns (true, nil) for a valid code, (false, nil) for an
	// invalid one, and an error when the factor cannot be checked at all.
	VerifyCode(ctx context.Context, userID, code string) (bool, error)
}

// SecretProvider returns the Base32-encoded TOTP secret for a user.
type SecretProvider interface {
	TOTPSecret(ctx context.Context, userID string) (string, error)
}

// StaticSecrets is a SecretProvider backed by a fixed map, used for local
// runs and tests.
type StaticSecrets map[string]string

// TOTPSecret returns the secret for userID or ErrNoSecret.
func (s StaticSecrets) TOTPSecret(ctx context.Context, userID string) (string, error) {
	secret, ok := s[userID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoSecret, userID)
	}
	return secret, nil
}

// TOTPConfig holds the RFC 6238 parameters.
type TOTPConfig struct {
	// Digits is the number of digits in the OTP (default 6).
	Digits int
	// Period is the time step in seconds (default 30).
	Period int
	// Skew is the number of adjacent time steps to accept (default 1).
	Skew int
}

// TOTPVerifier implements FactorVerifier using TOTP (RFC 6238).
type TOTPVerifier struct {
	secrets SecretProvider
	config  TOTPConfig
	now     func() time.Time
}

// NewTOTPVerifier creates a TOTP verifier that resolves secrets through secrets.
func NewTOTPVerifier(secrets SecretProvider, config TOTPConfig) *TOTPVerifier {
	if config.Digits == 0 {
		config.Digits = 6
	}
	if config.Period == 0 {
		config.Period = 30
	}
	if config.Skew == 0 {
		config.Skew = 1
	}
	return &TOTPVerifier{secrets: secrets, config: config, now: time.Now}
}

// Method returns MethodTOTP.
func (v *TOTPVerifier) Method() Method {
	return MethodTOTP
}

// VerifyCode checks code against the current period and Skew adjacent periods.
func (v *TOTPVerifier) VerifyCode(ctx context.Context, userID, code string) (bool, error) {
	secret, err := v.secrets.TOTPSecret(ctx, userID)
	if err != nil {
		return false, err
	}
	code = strings.TrimSpace(code)
	if len(code) != v.config.Digits {
		return false, nil
	}

	counter := uint64(v.now().Unix()) / uint64(v.config.Period)
	for i := -v.config.Skew; i <= v.config.Skew; i++ {
		c := counter + uint64(i)
		if i < 0 {
			c = counter - uint64(-i)
		}
		expected := generateTOTP(secret, c, v.config.Digits)
		if expected != "" && subtle.ConstantTimeCompare([]byte(expected), []byte(code)) == 1 {
			return true, nil
		}
	}
	return false, nil
}

// generateTOTP computes the HOTP value for counter (RFC 4226) from a
// Base32 secret. It returns "" for an undecodable secret.
func generateTOTP(secret string, counter uint64, digits int) string {
	secret = strings.ToUpper(strings.TrimSpace(secret))
	secret = strings.TrimRight(secret, "=")
	if mod := len(secret) % 8; mod != 0 {
		secret += strings.Repeat("=", 8-mod)
	}
	key, err := base32.StdEncoding.DecodeString(secret)
	if err != nil {
		return ""
	}

	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], counter)
	h := hmac.New(sha1.New, key)
	h.Write(msg[:])
	sum := h.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	value := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff

	mod := uint32(1)
	for i := 0; i < digits; i++ {
		mod *= 10
	}
	return fmt.Sprintf("%0*d", digits, value%mod)
}

// GenerateTOTPAtTime generates a TOTP code for a specific time.
// Used by tests and by the CLI to print a code for a locally enrolled secret.
func GenerateTOTPAtTime(secret string, t time.Time, period, digits int) string {
	if period == 0 {
		period = 30
	}
	if digits == 0 {
		digits = 6
	}
	return generateTOTP(secret, uint64(t.Unix())/uint64(period), digits)
}
