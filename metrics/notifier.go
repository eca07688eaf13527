package metrics

import (
	"context"

	"github.com/pbcex/adminguard/notification"
)

// EventNotifier counts approval lifecycle events. It never fails, so it can
// sit in a MultiNotifier next to delivery channels without masking their
// errors.
type EventNotifier struct {
	recorder Recorder
}

// NewEventNotifier creates an EventNotifier that records into r.
func NewEventNotifier(r Recorder) *EventNotifier {
	if r == nil {
		r = Nop{}
	}
	return &EventNotifier{recorder: r}
}

// Notify counts the event under MetricApprovalEvent.
func (n *EventNotifier) Notify(_ context.Context, event *notification.Event) error {
	if event == nil {
		return nil
	}
	resource := "unknown"
	if event.Request != nil && event.Request.Resource.Type != "" {
		resource = event.Request.Resource.Type
	}
	n.recorder.Count(MetricApprovalEvent, 1, "Event", event.Type.String(), "Resource", resource)
	return nil
}
