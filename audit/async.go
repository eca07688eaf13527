package audit

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBufferSize is the AsyncSink queue length.
const DefaultBufferSize = 1024

// AsyncSink queues entries for a background worker. LogOperation never blocks:
// when the queue is full the entry is dropped and counted.
type AsyncSink struct {
	next    Sink
	queue   chan Entry
	timeout time.Duration

	dropped atomic.Int64
	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
}

// NewAsyncSink starts a worker delivering to next.
func NewAsyncSink(next Sink, bufferSize int) *AsyncSink {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	s := &AsyncSink{
		next:    next,
		queue:   make(chan Entry, bufferSize),
		timeout: 5 * time.Second,
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// LogOperation enqueues entry. It always returns nil.
func (s *AsyncSink) LogOperation(ctx context.Context, entry Entry) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return nil
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	select {
	case s.queue <- entry:
	default:
		if n := s.dropped.Add(1); n == 1 || n%100 == 0 {
			log.Printf("WARNING: audit queue full, %d entries dropped", n)
		}
	}
	return nil
}

// Dropped returns how many entries were discarded.
func (s *AsyncSink) Dropped() int64 {
	return s.dropped.Load()
}

func (s *AsyncSink) run() {
	defer s.wg.Done()
	for entry := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		if err := s.next.LogOperation(ctx, entry); err != nil {
			log.Printf("WARNING: audit %s for %s not recorded: %v", entry.Operation, entry.Actor, err)
		}
		cancel()
	}
}

// Close stops accepting entries and waits for queued entries to be delivered.
func (s *AsyncSink) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()
	s.wg.Wait()
}
