// Package authz guards routes with capability checks resolved by the
// surrounding platform. The reconciliation coordinator itself assumes the
// check has already passed.
package authz

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/meridian-books/meridian/internal/platform/httpx"
	"github.com/meridian-books/meridian/internal/shared"
)

// Permission names a capability.
type Permission string

const (
	PermReconView    Permission = "recon.view"
	PermReconWrite   Permission = "recon.write"
	PermActivityView Permission = "activity.view"
)

// AuthorizerPort decides whether the acting user holds a capability.
type AuthorizerPort interface {
	Can(ctx context.Context, identity shared.Identity, perm Permission) (bool, error)
}

// Middleware wraps routes with capability checks.
type Middleware struct {
	Service AuthorizerPort
	Logger  *slog.Logger
}

// Require allows the request only when the caller holds every listed
// permission. With no authorizer configured the check is skipped: the engine
// then trusts the gateway that resolved the tenant.
func (m Middleware) Require(perms ...Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if m.Service == nil {
				next.ServeHTTP(w, r)
				return
			}
			identity := shared.IdentityFromContext(r.Context())
			for _, perm := range perms {
				ok, err := m.Service.Can(r.Context(), identity, perm)
				if err != nil {
					if m.Logger != nil {
						m.Logger.Error("authorize", slog.String("permission", string(perm)), slog.Any("error", err))
					}
					httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
					return
				}
				if !ok {
					httpx.Problem(w, http.StatusForbidden, "Forbidden", "missing permission "+string(perm))
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
