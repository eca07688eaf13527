package guard

import (
	"context"

	"github.com/pbcex/adminguard/request"
)

type approvalKey struct{}

// WithApproval returns a copy of ctx carrying the redeemed approval.
func WithApproval(ctx context.Context, req *request.Request) context.Context {
	return context.WithValue(ctx, approvalKey{}, req)
}

// ApprovalFromContext returns the approval the current call was redeemed
// under, or nil when the operation was not gated.
func ApprovalFromContext(ctx context.Context) *request.Request {
	req, _ := ctx.Value(approvalKey{}).(*request.Request)
	return req
}
