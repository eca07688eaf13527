package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pbcex/adminguard/notification"
	"github.com/pbcex/adminguard/policy"
	"github.com/pbcex/adminguard/request"
)

func approvalRequest(status request.RequestStatus) *request.Request {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	req := &request.Request{
		ID:             "a1b2c3d4e5f67890",
		Action:         "write",
		Resource:       request.Resource{Type: "hedging", ID: "btc-usd"},
		Requester:      request.Actor{UserID: "ops@pbcex", Roles: []policy.Role{policy.RoleAdmin}},
		Status:         status,
		CreatedAt:      created,
		UpdatedAt:      created,
		ExpiresAt:      created.Add(30 * time.Minute),
		RequiredRole:   policy.RoleSuperAdmin,
		RequiresStepUp: true,
	}
	if status == request.StatusApproved || status == request.StatusDenied {
		req.Approver = &request.Actor{UserID: "root@pbcex"}
		req.Reason = "reviewed"
	}
	return req
}

func TestNewApprovalLogEntry(t *testing.T) {
	tests := []struct {
		name         string
		event        notification.EventType
		status       request.RequestStatus
		actor        string
		wantExpires  string
		wantApprover string
	}{
		{name: "created", event: notification.EventRequestCreated, status: request.StatusPending, actor: "ops@pbcex", wantExpires: "2026-03-01T12:30:00Z"},
		{name: "approved", event: notification.EventRequestApproved, status: request.StatusApproved, actor: "root@pbcex", wantApprover: "root@pbcex"},
		{name: "denied", event: notification.EventRequestDenied, status: request.StatusDenied, actor: "root@pbcex", wantApprover: "root@pbcex"},
		{name: "expired", event: notification.EventRequestExpired, status: request.StatusExpired, actor: request.ActorSystem},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := NewApprovalLogEntry(tt.event, approvalRequest(tt.status), tt.actor)
			if entry.Event != string(tt.event) || entry.Status != string(tt.status) || entry.Actor != tt.actor {
				t.Errorf("entry = %+v", entry)
			}
			if entry.RequiredRole != "super_admin" || entry.ResourceType != "hedging" || entry.Requester != "ops@pbcex" {
				t.Errorf("entry request fields = %+v", entry)
			}
			if entry.ExpiresAt != tt.wantExpires {
				t.Errorf("ExpiresAt = %q, want %q", entry.ExpiresAt, tt.wantExpires)
			}
			if entry.Approver != tt.wantApprover {
				t.Errorf("Approver = %q, want %q", entry.Approver, tt.wantApprover)
			}
		})
	}
}

func TestApprovalNotifier(t *testing.T) {
	var buf bytes.Buffer
	n := NewApprovalNotifier(NewJSONLogger(&buf))

	event := notification.NewEvent(notification.EventRequestApproved, approvalRequest(request.StatusApproved), "root@pbcex")
	if err := n.Notify(context.Background(), event); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if err := n.Notify(context.Background(), &notification.Event{Type: notification.EventRequestCreated}); err != nil {
		t.Fatalf("Notify() without request error = %v", err)
	}

	var entry ApprovalLogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output %q: %v", buf.String(), err)
	}
	if entry.Event != "approval.approved" || entry.Approver != "root@pbcex" {
		t.Errorf("entry = %+v", entry)
	}
}
