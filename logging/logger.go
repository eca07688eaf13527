// Package logging provides structured logging for authorization decisions,
// approval workflow events and step-up challenges. It defines a Logger
// interface with JSON Lines and no-op implementations.
package logging

import (
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Logger writes decision, approval and step-up events.
// Implementations must not block the caller on slow sinks and never fail
// the operation being logged.
type Logger interface {
	// LogDecision logs an evaluator decision.
	LogDecision(entry DecisionLogEntry)

	// LogApproval logs an approval workflow event.
	LogApproval(entry ApprovalLogEntry)

	// LogStepUp logs a step-up challenge event.
	LogStepUp(entry StepUpLogEntry)
}

// JSONLogger implements Logger with JSON Lines output.
// Each entry is written as a single line of JSON suitable for log aggregation.
type JSONLogger struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewJSONLogger creates a new JSONLogger that writes to the given writer.
func NewJSONLogger(w io.Writer) *JSONLogger {
	return &JSONLogger{writer: w}
}

// LogDecision writes the entry as a single line of JSON.
func (l *JSONLogger) LogDecision(entry DecisionLogEntry) {
	l.write(entry)
}

// LogApproval writes the approval entry as a single line of JSON.
func (l *JSONLogger) LogApproval(entry ApprovalLogEntry) {
	l.write(entry)
}

// LogStepUp writes the step-up entry as a single line of JSON.
func (l *JSONLogger) LogStepUp(entry StepUpLogEntry) {
	l.write(entry)
}

func (l *JSONLogger) write(entry any) {
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	l.writer.Write(data)
}

// NopLogger implements Logger but discards all entries.
type NopLogger struct{}

// NewNopLogger creates a new NopLogger that discards all entries.
func NewNopLogger() *NopLogger {
	return &NopLogger{}
}

// LogDecision discards the entry.
func (l *NopLogger) LogDecision(entry DecisionLogEntry) {}

// LogApproval discards the entry.
func (l *NopLogger) LogApproval(entry ApprovalLogEntry) {}

// LogStepUp discards the entry.
func (l *NopLogger) LogStepUp(entry StepUpLogEntry) {}

// timestamp formats t in UTC with second precision (ISO 8601).
func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
