package notification

import (
	"context"
	"errors"
)

// Notifier delivers events to one backend (SNS, webhook, ...).
type Notifier interface {
	// Notify sends a notification for the given event.
	// Returns an error if delivery fails.
	Notify(ctx context.Context, event *Event) error
}

// MultiNotifier fans an event out to several notifiers.
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a MultiNotifier. Nil notifiers are dropped.
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	filtered := make([]Notifier, 0, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			filtered = append(filtered, n)
		}
	}
	return &MultiNotifier{notifiers: filtered}
}

// Notify sends the event to every notifier and joins their errors.
func (m *MultiNotifier) Notify(ctx context.Context, event *Event) error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of wrapped notifiers.
func (m *MultiNotifier) Len() int {
	return len(m.notifiers)
}

// NoopNotifier discards every event.
type NoopNotifier struct{}

// Notify does nothing and returns nil.
func (n *NoopNotifier) Notify(_ context.Context, _ *Event) error {
	return nil
}
