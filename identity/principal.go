// Package identity carries the authenticated principal through a request.
//
// adminguard does not authenticate users itself. An upstream gateway
// validates the session and forwards the principal as headers, which
// HeaderAuthenticator reads. Roles are looked up, never assigned, here.
package identity

import (
	"context"

	"github.com/pbcex/adminguard/policy"
)

// Principal is the authenticated actor making a request.
type Principal struct {
	UserID     string
	Email      string
	Roles      []policy.Role
	Attributes policy.UserAttributes
}

// HasRole reports whether the principal literally holds role.
func (p *Principal) HasRole(role policy.Role) bool {
	return p != nil && policy.HasRole(p.Roles, role)
}

type principalKey struct{}

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the principal stored in ctx, or nil.
func FromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey{}).(*Principal)
	return p
}
