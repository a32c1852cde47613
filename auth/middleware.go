package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/forgeos-labs/forgeos/httpapi"
)

type contextKey struct{}

// principalKey carries the authenticated principal through the request
// context.
var principalKey = contextKey{}

// PrincipalFrom extracts the authenticated principal, nil when the
// request went through an unauthenticated route.
func PrincipalFrom(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey).(*Principal)
	return p
}

// RouteScope maps a request to its required scope. Order matters: the
// tick route is a POST under /v1/ but demands its own scope.
func RouteScope(method, path string) string {
	switch {
	case path == "/health":
		return "public"
	case path == "/metrics":
		return ScopeMetricsRead
	case method == http.MethodPost && path == "/v1/scheduler/tick":
		return ScopeSchedulerTick
	case method == http.MethodPost && strings.HasPrefix(path, "/v1/"):
		return ScopeAgentWrite
	case strings.HasPrefix(path, "/v1/"):
		return ScopeAgentRead
	default:
		return ScopeAgentRead
	}
}

// RouteBucket picks the quota bucket for a request.
func RouteBucket(method, path string) string {
	switch {
	case method == http.MethodPost && path == "/v1/scheduler/tick":
		return BucketTick
	case method == http.MethodPost || method == http.MethodPut || method == http.MethodDelete:
		return BucketWrite
	default:
		return BucketRead
	}
}

// Middleware authenticates, authorizes, and meters every request.
// Health stays public; everything else fails closed on auth and scope
// and open on quota-store outages (handled inside Quota).
func Middleware(a *Authenticator, q *Quota, altHeader string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scope := RouteScope(r.Method, r.URL.Path)
			if scope == "public" {
				next.ServeHTTP(w, r)
				return
			}

			principal, err := a.Authenticate(r.Context(), httpapi.BearerToken(r, altHeader))
			if err != nil {
				httpapi.WriteError(w, http.StatusUnauthorized, httpapi.KindUnauthorized, nil)
				return
			}
			if !principal.HasScope(scope) {
				httpapi.WriteError(w, http.StatusForbidden, httpapi.KindForbidden, map[string]any{
					"requiredScope": scope,
				})
				return
			}
			if !q.Allow(r.Context(), principal.Subject, RouteBucket(r.Method, r.URL.Path)) {
				httpapi.WriteError(w, http.StatusTooManyRequests, httpapi.KindQuotaExceeded, nil)
				return
			}

			ctx := context.WithValue(r.Context(), principalKey, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
