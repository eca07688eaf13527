package notification

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Webhook request headers.
const (
	HeaderEvent     = "X-Adminguard-Event"
	HeaderRequestID = "X-Adminguard-Request-Id"
	HeaderSignature = "X-Adminguard-Signature"
)

const (
	defaultWebhookTimeout = 10 * time.Second
	defaultWebhookRetries = 3
	defaultWebhookDelay   = time.Second
)

// WebhookConfig contains configuration for the webhook notifier.
type WebhookConfig struct {
	URL string

	// Secret, when set, signs each body with HMAC-SHA256. The hex digest is
	// sent as "sha256=<digest>" in HeaderSignature.
	Secret string

	// Timeout bounds a single delivery attempt. Default: 10s.
	Timeout time.Duration

	// MaxRetries is how many times a failed attempt is repeated. Default: 3.
	MaxRetries int

	// RetryDelay is the wait before the first retry; it doubles after each.
	// Default: 1s.
	RetryDelay time.Duration
}

// WebhookNotifier POSTs events as JSON to an HTTP endpoint such as a chat-ops
// relay. Network errors and 5xx responses are retried; 4xx responses are
// reported immediately.
type WebhookNotifier struct {
	endpoint   string
	secret     []byte
	client     *http.Client
	maxRetries int
	retryDelay time.Duration
}

// statusError is a non-2xx webhook response.
type statusError struct {
	status int
}

func (e statusError) Error() string {
	return fmt.Sprintf("webhook returned status %d", e.status)
}

func (e statusError) retryable() bool {
	return e.status >= http.StatusInternalServerError
}

// NewWebhookNotifier validates config and creates a WebhookNotifier.
func NewWebhookNotifier(config WebhookConfig) (*WebhookNotifier, error) {
	if config.URL == "" {
		return nil, errors.New("webhook URL is required")
	}
	if _, err := url.ParseRequestURI(config.URL); err != nil {
		return nil, fmt.Errorf("invalid webhook URL: %w", err)
	}

	n := &WebhookNotifier{
		endpoint:   config.URL,
		client:     &http.Client{Timeout: config.Timeout},
		maxRetries: config.MaxRetries,
		retryDelay: config.RetryDelay,
	}
	if config.Secret != "" {
		n.secret = []byte(config.Secret)
	}
	if n.client.Timeout <= 0 {
		n.client.Timeout = defaultWebhookTimeout
	}
	if n.maxRetries == 0 {
		n.maxRetries = defaultWebhookRetries
	}
	if n.retryDelay <= 0 {
		n.retryDelay = defaultWebhookDelay
	}
	return n, nil
}

// Notify delivers event, retrying transient failures with exponential
// backoff until the retries are spent or ctx is done.
func (w *WebhookNotifier) Notify(ctx context.Context, event *Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	delay := w.retryDelay
	var lastErr error
	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = w.deliver(ctx, event, body)
		if lastErr == nil {
			return nil
		}
		var se statusError
		if errors.As(lastErr, &se) && !se.retryable() {
			return lastErr
		}
	}
	return fmt.Errorf("webhook delivery failed after %d retries: %w", w.maxRetries, lastErr)
}

func (w *WebhookNotifier) deliver(ctx context.Context, event *Event, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(event.Type))
	if event.Request != nil {
		req.Header.Set(HeaderRequestID, event.Request.ID)
	}
	if w.secret != nil {
		req.Header.Set(HeaderSignature, "sha256="+Sign(w.secret, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError{status: resp.StatusCode}
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret, as sent in
// HeaderSignature.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
