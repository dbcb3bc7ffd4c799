package shared

import "context"

// Identity describes the acting user attached to a request.
type Identity struct {
	UserID int64
	Email  string
}

// TenantResolver resolves the organization scope for an authenticated caller.
// Implemented by the surrounding platform; every store query is scoped by the
// resolved tenant id.
type TenantResolver interface {
	ResolveTenant(ctx context.Context, token string) (int64, Identity, error)
}

type tenantContextKey struct{}

type identityContextKey struct{}

// ContextWithTenant stores the tenant id in context.
func ContextWithTenant(ctx context.Context, tenantID int64) context.Context {
	return context.WithValue(ctx, tenantContextKey{}, tenantID)
}

// TenantFromContext extracts the tenant id from context. Zero means the
// request was never resolved and must be rejected by the caller.
func TenantFromContext(ctx context.Context) int64 {
	id, _ := ctx.Value(tenantContextKey{}).(int64)
	return id
}

// ContextWithIdentity stores the acting user in context.
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// IdentityFromContext extracts the acting user from context.
func IdentityFromContext(ctx context.Context) Identity {
	id, _ := ctx.Value(identityContextKey{}).(Identity)
	return id
}
