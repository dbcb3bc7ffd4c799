package app

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/unrolled/secure"

	"github.com/meridian-books/meridian/internal/observability"
	"github.com/meridian-books/meridian/internal/platform/httpx"
	"github.com/meridian-books/meridian/internal/shared"
)

// MiddlewareConfig aggregates dependencies shared by the middleware stack.
type MiddlewareConfig struct {
	Logger  *slog.Logger
	Config  *Config
	Metrics *observability.Metrics
}

// MiddlewareStack installs the base middleware chain.
func MiddlewareStack(cfg MiddlewareConfig) []func(http.Handler) http.Handler {
	secureMiddleware := secure.New(secure.Options{
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		BrowserXssFilter:      true,
		ReferrerPolicy:        "strict-origin-when-cross-origin",
		ContentSecurityPolicy: "default-src 'self'",
		SSLRedirect:           cfg.Config != nil && cfg.Config.IsProduction(),
		SSLProxyHeaders:       map[string]string{"X-Forwarded-Proto": "https"},
	})

	timeout := 30 * time.Second
	if cfg.Config != nil && cfg.Config.AppRequestTimeout > 0 {
		timeout = cfg.Config.AppRequestTimeout
	}
	rateLimit := 120
	if cfg.Config != nil && cfg.Config.RateLimitPerMinute > 0 {
		rateLimit = cfg.Config.RateLimitPerMinute
	}

	middlewares := []func(http.Handler) http.Handler{
		middleware.RealIP,
		middleware.RequestID,
		middleware.Recoverer,
		middleware.Timeout(timeout),
		func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if err := secureMiddleware.Process(w, r); err != nil {
					cfg.Logger.Warn("secure headers blocked request", slog.Any("error", err))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
					return
				}
				next.ServeHTTP(w, r)
			})
		},
		middleware.Compress(5),
		httprate.Limit(rateLimit, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)),
	}
	if cfg.Metrics != nil {
		middlewares = append(middlewares, func(next http.Handler) http.Handler {
			return cfg.Metrics.Middleware(next)
		})
	}
	return middlewares
}

// TenantMiddleware resolves the organization scope before any store access.
// With a resolver configured the bearer token decides; otherwise the gateway
// headers X-Tenant-ID and X-User-ID are trusted, the deployment model for
// this engine behind the platform gateway.
func TenantMiddleware(resolver shared.TenantResolver, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			if resolver != nil {
				token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
				tenantID, identity, err := resolver.ResolveTenant(ctx, token)
				if err != nil {
					logger.Warn("resolve tenant", slog.Any("error", err))
					httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "unknown tenant")
					return
				}
				ctx = shared.ContextWithTenant(ctx, tenantID)
				ctx = shared.ContextWithIdentity(ctx, identity)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			tenantID, err := strconv.ParseInt(r.Header.Get("X-Tenant-ID"), 10, 64)
			if err != nil || tenantID <= 0 {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "tenant scope required")
				return
			}
			ctx = shared.ContextWithTenant(ctx, tenantID)
			if userID, err := strconv.ParseInt(r.Header.Get("X-User-ID"), 10, 64); err == nil && userID > 0 {
				ctx = shared.ContextWithIdentity(ctx, shared.Identity{UserID: userID})
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
