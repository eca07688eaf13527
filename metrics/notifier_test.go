package metrics

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/pbcex/adminguard/notification"
	"github.com/pbcex/adminguard/request"
)

func TestEventNotifier_CountsEvents(t *testing.T) {
	mock := &mockCloudWatch{}
	r := NewCloudWatchRecorderWithClient(mock, "")
	n := NewEventNotifier(r)

	req := &request.Request{ID: "0123456789abcdef", Resource: request.Resource{Type: "reserves"}}
	for _, typ := range []notification.EventType{
		notification.EventRequestCreated,
		notification.EventRequestApproved,
		notification.EventRequestCreated,
	} {
		if err := n.Notify(context.Background(), notification.NewEvent(typ, req, "u")); err != nil {
			t.Fatalf("Notify() error = %v", err)
		}
	}
	if err := n.Notify(context.Background(), nil); err != nil {
		t.Fatalf("Notify(nil) error = %v", err)
	}
	if err := n.Notify(context.Background(), notification.NewEvent(notification.EventRequestExpired, nil, "system")); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}

	if err := r.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	want := []flat{
		{Name: "ApprovalEvent", Dims: "Event=approval.approved;Resource=reserves;", Value: 1},
		{Name: "ApprovalEvent", Dims: "Event=approval.created;Resource=reserves;", Value: 2},
		{Name: "ApprovalEvent", Dims: "Event=approval.expired;Resource=unknown;", Value: 1},
	}
	if diff := cmp.Diff(want, flatten(mock.inputs[0])); diff != "" {
		t.Errorf("metric data mismatch (-want +got):\n%s", diff)
	}
}
