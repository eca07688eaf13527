package server

import (
	"fmt"
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/gorilla/mux"

	"github.com/pbcex/adminguard/guard"
)

// Headers added to proxied requests that redeemed an approval.
const (
	HeaderApprovedBy     = "X-Approved-By"
	HeaderApprovalReason = "X-Approval-Reason"
)

// Route is one guarded upstream operation.
type Route struct {
	// Method and Path are matched by gorilla/mux; Path may hold {id}.
	Method string
	Path   string

	// ResourceType and Action are the evaluated permission pair.
	ResourceType string
	Action       string

	// Upstream is the base URL requests are forwarded to.
	Upstream string

	// AllowReplay lets one approval be redeemed more than once.
	AllowReplay bool

	// BindResource only redeems approvals granted for the {id} in the path.
	BindResource bool

	// ContextFromQuery reads org_id, region and branch_id resource tags
	// from the query string.
	ContextFromQuery bool
}

// Validate checks that the route can be mounted.
func (r Route) Validate() error {
	switch {
	case r.Path == "" || !strings.HasPrefix(r.Path, "/"):
		return fmt.Errorf("route path %q must start with /", r.Path)
	case r.ResourceType == "" || r.Action == "":
		return fmt.Errorf("route %s: resource_type and action are required", r.Path)
	case r.Upstream == "":
		return fmt.Errorf("route %s: upstream is required", r.Path)
	}
	u, err := url.Parse(r.Upstream)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("route %s: invalid upstream %q", r.Path, r.Upstream)
	}
	return nil
}

func mountRoute(router *mux.Router, g *guard.Guard, route Route) error {
	if err := route.Validate(); err != nil {
		return err
	}
	target, _ := url.Parse(route.Upstream)

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Printf("WARNING: upstream %s for %s %s failed: %v", target.Host, r.Method, r.URL.Path, err)
		guard.WriteJSON(w, http.StatusBadGateway, guard.Response{
			Code:    "UPSTREAM_UNAVAILABLE",
			Message: "the protected service did not respond",
		})
	}

	var opts []guard.ProtectOption
	if route.BindResource {
		opts = append(opts, guard.WithResourceBinding())
	}
	if route.AllowReplay {
		opts = append(opts, guard.WithReplay())
	}
	if route.ContextFromQuery {
		opts = append(opts, guard.WithContext(guard.ContextFromQuery))
	}

	handler := g.Protect(route.ResourceType, route.Action, opts...)(withApprovalHeaders(proxy))
	m := router.Handle(route.Path, handler)
	if route.Method != "" {
		m.Methods(route.Method)
	}
	log.Printf("INFO: guarding %s %s as %s:%s -> %s", methodOrAny(route.Method), route.Path, route.ResourceType, route.Action, target)
	return nil
}

// withApprovalHeaders tells the upstream who approved the redeemed request.
func withApprovalHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Header.Del(HeaderApprovedBy)
		r.Header.Del(HeaderApprovalReason)
		if req := guard.ApprovalFromContext(r.Context()); req != nil && req.Approver != nil {
			r.Header.Set(HeaderApprovedBy, req.Approver.UserID)
			if req.Reason != "" {
				r.Header.Set(HeaderApprovalReason, headerSafe(req.Reason))
			}
		}
		next.ServeHTTP(w, r)
	})
}

func methodOrAny(m string) string {
	if m == "" {
		return "*"
	}
	return m
}

func headerSafe(v string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(v)
}
