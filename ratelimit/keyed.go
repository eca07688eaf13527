package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultCleanupInterval is how often idle keys are evicted.
const DefaultCleanupInterval = 10 * time.Minute

// KeyedLimiter is an in-memory token bucket per key.
// The bucket refills at RequestsPerWindow per Window and holds up to
// EffectiveBurstSize tokens. Keys idle for a full Window are evicted by a
// background goroutine; call Close to stop it.
type KeyedLimiter struct {
	config Config
	limit  rate.Limit
	burst  int
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*entry

	cleanupInterval time.Duration
	done            chan struct{}
	closeOnce       sync.Once
	wg              sync.WaitGroup
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewKeyedLimiter creates a KeyedLimiter and starts its cleanup goroutine.
func NewKeyedLimiter(cfg Config) (*KeyedLimiter, error) {
	return NewKeyedLimiterWithCleanup(cfg, DefaultCleanupInterval)
}

// NewKeyedLimiterWithCleanup creates a KeyedLimiter with a custom cleanup interval.
func NewKeyedLimiterWithCleanup(cfg Config, cleanupInterval time.Duration) (*KeyedLimiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}
	k := &KeyedLimiter{
		config:          cfg,
		limit:           rate.Every(cfg.Window / time.Duration(cfg.RequestsPerWindow)),
		burst:           cfg.EffectiveBurstSize(),
		now:             time.Now,
		entries:         make(map[string]*entry),
		cleanupInterval: cleanupInterval,
		done:            make(chan struct{}),
	}
	k.wg.Add(1)
	go k.cleanupLoop()
	return k, nil
}

// Allow takes one token from key's bucket.
func (k *KeyedLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.now()
	e, ok := k.entries[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(k.limit, k.burst)}
		k.entries[key] = e
	}
	e.lastSeen = now

	r := e.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, k.config.Window, nil
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay, nil
	}
	return true, 0, nil
}

// Len returns the number of tracked keys.
func (k *KeyedLimiter) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (k *KeyedLimiter) Close() error {
	k.closeOnce.Do(func() { close(k.done) })
	k.wg.Wait()
	return nil
}

func (k *KeyedLimiter) cleanupLoop() {
	defer k.wg.Done()

	ticker := time.NewTicker(k.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-k.done:
			return
		case <-ticker.C:
			k.cleanup()
		}
	}
}

// cleanup evicts keys idle for at least one Window; their buckets are full again.
func (k *KeyedLimiter) cleanup() {
	k.mu.Lock()
	defer k.mu.Unlock()

	cutoff := k.now().Add(-k.config.Window)
	for key, e := range k.entries {
		if !e.lastSeen.After(cutoff) {
			delete(k.entries, key)
		}
	}
}

var _ RateLimiter = (*KeyedLimiter)(nil)
