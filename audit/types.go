// Package audit records authorization and approval operations.
//
// An audit sink is best-effort: a failure to record an entry is logged locally
// and never fails or delays the guarded operation. AsyncSink decouples
// callers from slow destinations such as CloudWatch Logs.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// Operation names the audited event.
type Operation string

const (
	OpDecision         Operation = "authz.decision"
	OpApprovalCreated  Operation = "approval.created"
	OpApprovalApproved Operation = "approval.approved"
	OpApprovalDenied   Operation = "approval.denied"
	OpApprovalExpired  Operation = "approval.expired"
	OpApprovalConsumed Operation = "approval.consumed"
	OpStepUpInitiated  Operation = "stepup.initiated"
	OpStepUpVerified   Operation = "stepup.verified"
)

// Entry is one audited operation.
type Entry struct {
	Timestamp    time.Time         `json:"timestamp"`
	Operation    Operation         `json:"operation"`
	Actor        string            `json:"actor"`
	ResourceType string            `json:"resource_type,omitempty"`
	ResourceID   string            `json:"resource_id,omitempty"`
	Action       string            `json:"action,omitempty"`
	ApprovalID   string            `json:"approval_id,omitempty"`
	Outcome      string            `json:"outcome,omitempty"`
	Reason       string            `json:"reason,omitempty"`
	Details      map[string]string `json:"details,omitempty"`
}

// Sink receives audit entries.
type Sink interface {
	LogOperation(ctx context.Context, entry Entry) error
}

// NopSink discards all entries.
type NopSink struct{}

// LogOperation discards the entry.
func (NopSink) LogOperation(ctx context.Context, entry Entry) error {
	return nil
}

// WriterSink writes entries as JSON Lines to an io.Writer.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterSink creates a WriterSink.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

// LogOperation writes entry as a single line of JSON.
func (s *WriterSink) LogOperation(ctx context.Context, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	return nil
}

// MultiSink fans an entry out to several sinks and returns the first error.
type MultiSink []Sink

// LogOperation sends entry to every sink.
func (m MultiSink) LogOperation(ctx context.Context, entry Entry) error {
	var first error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.LogOperation(ctx, entry); err != nil && first == nil {
			first = err
		}
	}
	return first
}
