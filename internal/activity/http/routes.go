package activityhttp

import (
	"github.com/go-chi/chi/v5"

	"github.com/meridian-books/meridian/internal/authz"
)

// MountRoutes registers the activity timeline endpoint.
func (h *Handler) MountRoutes(r chi.Router, az authz.Middleware) {
	if h == nil {
		return
	}
	r.Group(func(r chi.Router) {
		r.Use(az.Require(authz.PermActivityView))
		r.Get("/invoices/{id}/activities", h.handleTimeline)
	})
}
