package testutil

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/pbcex/adminguard/policy"
	"github.com/pbcex/adminguard/request"
)

func TestMockRequestStore_FallsThroughToMemory(t *testing.T) {
	ctx := context.Background()
	now := MustParseTime(time.RFC3339, "2026-03-01T12:00:00Z")
	store := NewMockRequestStore()
	req := MakeRequest(MakeActor("cs@pbcex", policy.RoleCSAgent), "cases", "reimbursement", now, time.Hour)

	AssertNoError(t, store.Create(ctx, req))
	got, err := store.Get(ctx, req.ID)
	AssertNoError(t, err)
	if got.ID != req.ID || got.Status != request.StatusPending {
		t.Errorf("Get() = %+v", got)
	}

	stale := got.UpdatedAt.Add(-time.Second)
	if err := store.Update(ctx, got, stale); !errors.Is(err, request.ErrConcurrentModification) {
		t.Errorf("Update() with stale timestamp error = %v", err)
	}
	if store.UpdateCallCount() != 1 || len(store.CreateCalls) != 1 || len(store.GetCalls) != 1 {
		t.Errorf("call tracking = create %d, get %d, update %d", len(store.CreateCalls), len(store.GetCalls), store.UpdateCallCount())
	}
}

func TestMockRequestStore_ErrorInjection(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	store := NewMockRequestStore()
	store.ListErr = boom
	if _, err := store.List(ctx, request.Filter{}); !errors.Is(err, boom) {
		t.Fatalf("List() error = %v, want boom", err)
	}
	store.Reset()
	if _, err := store.List(ctx, request.Filter{}); err != nil {
		t.Fatalf("List() after Reset error = %v", err)
	}
}

func TestMockSSMClient_Parameters(t *testing.T) {
	client := &MockSSMClient{Parameters: map[string]string{"/adminguard/rules": "version: \"1\""}}
	out, err := client.GetParameter(context.Background(), &ssm.GetParameterInput{Name: aws.String("/adminguard/rules")})
	AssertNoError(t, err)
	if aws.ToString(out.Parameter.Value) != "version: \"1\"" {
		t.Errorf("value = %q", aws.ToString(out.Parameter.Value))
	}
	if _, err := client.GetParameter(context.Background(), &ssm.GetParameterInput{Name: aws.String("/missing")}); err == nil {
		t.Error("expected ParameterNotFound")
	}
}

func TestClock(t *testing.T) {
	start := MustParseTime(time.RFC3339, "2026-03-01T12:00:00Z")
	c := NewClock(start)
	c.Advance(90 * time.Second)
	if got := c.Now().Sub(start); got != 90*time.Second {
		t.Errorf("advanced %v", got)
	}
}
