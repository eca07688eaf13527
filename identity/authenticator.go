package identity

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/pbcex/adminguard/policy"
)

// ErrNoPrincipal is returned when a request carries no usable identity.
var ErrNoPrincipal = errors.New("no authenticated principal")

// Headers set by the upstream gateway.
const (
	HeaderUserID       = "X-User-Id"
	HeaderUserEmail    = "X-User-Email"
	HeaderUserRoles    = "X-User-Roles" // comma separated
	HeaderOrgID        = "X-Org-Id"
	HeaderRegion       = "X-Region"
	HeaderBranchID     = "X-Branch-Id"
	HeaderRiskLevel    = "X-Risk-Level"
	HeaderClearance    = "X-Clearance-Level"
	HeaderAccessScope  = "X-Access-Scope"
	HeaderGatewayToken = "X-Gateway-Token"
)

// Authenticator resolves the principal for an inbound request.
type Authenticator interface {
	Authenticate(r *http.Request) (*Principal, error)
}

// HeaderAuthenticator trusts identity headers injected by a gateway.
// When Token is set, requests must present it in X-Gateway-Token so
// clients cannot reach adminguard directly with forged headers.
type HeaderAuthenticator struct {
	Token string
}

// Authenticate reads the principal from headers. Unknown role names are
// dropped; a request with no user ID fails with ErrNoPrincipal. Missing
// clearance and scope default to the least privileged values, l1 and self.
func (a HeaderAuthenticator) Authenticate(r *http.Request) (*Principal, error) {
	if a.Token != "" {
		got := r.Header.Get(HeaderGatewayToken)
		if subtle.ConstantTimeCompare([]byte(got), []byte(a.Token)) != 1 {
			return nil, ErrNoPrincipal
		}
	}

	userID := strings.TrimSpace(r.Header.Get(HeaderUserID))
	if userID == "" {
		return nil, ErrNoPrincipal
	}

	return &Principal{
		UserID: userID,
		Email:  r.Header.Get(HeaderUserEmail),
		Roles:  policy.ParseRoles(splitList(r.Header.Get(HeaderUserRoles))),
		Attributes: policy.UserAttributes{
			OrgID:     r.Header.Get(HeaderOrgID),
			Region:    r.Header.Get(HeaderRegion),
			BranchID:  r.Header.Get(HeaderBranchID),
			RiskLevel: r.Header.Get(HeaderRiskLevel),
			Clearance: policy.ClearanceLevel(headerOr(r, HeaderClearance, string(policy.ClearanceL1))),
			Scope:     policy.AccessScope(headerOr(r, HeaderAccessScope, string(policy.ScopeSelf))),
		},
	}, nil
}

func headerOr(r *http.Request, name, fallback string) string {
	if v := strings.TrimSpace(r.Header.Get(name)); v != "" {
		return v
	}
	return fallback
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Middleware authenticates every request and stores the principal in its
// context. Unauthenticated requests pass through without one; handlers that
// need a principal reject them.
func Middleware(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if p, err := auth.Authenticate(r); err == nil {
				r = r.WithContext(WithPrincipal(r.Context(), p))
			}
			next.ServeHTTP(w, r)
		})
	}
}
