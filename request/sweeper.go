package request

import (
	"context"
	"log"
	"sync"
	"time"
)

// DefaultSweepInterval is how often a Sweeper runs CleanupExpired.
const DefaultSweepInterval = time.Minute

// Sweeper runs Manager.CleanupExpired on a fixed interval. It is the durable
// source of truth for expiry; per-request timers only lower latency.
type Sweeper struct {
	manager  *Manager
	interval time.Duration

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// NewSweeper creates a Sweeper. Call Start to begin sweeping.
func NewSweeper(manager *Manager, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{manager: manager, interval: interval, done: make(chan struct{})}
}

// Start sweeps once immediately, then every interval until Stop or ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop ends the sweep loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	n, err := s.manager.CleanupExpired(ctx)
	if err != nil {
		log.Printf("WARNING: approval sweep failed: %v", err)
		return
	}
	if n > 0 {
		log.Printf("INFO: approval sweep expired %d request(s)", n)
	}
}
