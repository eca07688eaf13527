// Package ratelimit throttles per-principal actions that create state:
// opening approval requests and initiating step-up challenges. A stolen
// session could otherwise flood approvers' queues.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// RateLimiter decides whether the next action for key may proceed.
// Implementations must be safe for concurrent use.
type RateLimiter interface {
	// Allow reports whether the action for key is allowed. When it is not,
	// retryAfter says how long until it would be.
	Allow(ctx context.Context, key string) (allowed bool, retryAfter time.Duration, err error)
}

// Config contains rate limit configuration.
type Config struct {
	// RequestsPerWindow is the max requests allowed in Window.
	RequestsPerWindow int `yaml:"requests_per_window"`

	// Window is the time window for counting requests.
	Window time.Duration `yaml:"window"`

	// BurstSize allows short bursts above the steady rate.
	// If zero, defaults to RequestsPerWindow.
	BurstSize int `yaml:"burst_size,omitempty"`
}

// Validate checks if the Config is valid.
func (c *Config) Validate() error {
	if c.RequestsPerWindow <= 0 {
		return fmt.Errorf("requests_per_window must be positive, got %d", c.RequestsPerWindow)
	}
	if c.Window <= 0 {
		return fmt.Errorf("window must be positive, got %v", c.Window)
	}
	if c.BurstSize < 0 {
		return fmt.Errorf("burst_size cannot be negative, got %d", c.BurstSize)
	}
	return nil
}

// EffectiveBurstSize returns BurstSize if set, otherwise RequestsPerWindow.
func (c *Config) EffectiveBurstSize() int {
	if c.BurstSize > 0 {
		return c.BurstSize
	}
	return c.RequestsPerWindow
}

// Key builds a limiter key scoping a principal to one kind of action,
// e.g. Key("approval", "ops@pbcex").
func Key(scope, principal string) string {
	return scope + "#" + principal
}

// Unlimited allows everything. It is used when no limit is configured.
type Unlimited struct{}

// Allow always returns true.
func (Unlimited) Allow(context.Context, string) (bool, time.Duration, error) {
	return true, 0, nil
}
