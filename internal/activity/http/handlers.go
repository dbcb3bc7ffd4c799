package activityhttp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/meridian-books/meridian/internal/activity"
	"github.com/meridian-books/meridian/internal/platform/httpx"
	"github.com/meridian-books/meridian/internal/shared"
)

const dateLayout = "2006-01-02"

// TimelineService defines the business contract for timeline data.
type TimelineService interface {
	InvoiceTimeline(ctx context.Context, tenantID, invoiceID int64, filters activity.TimelineFilters) (activity.Result, error)
}

// Handler serves the invoice activity timeline.
type Handler struct {
	logger  *slog.Logger
	service TimelineService
}

// NewHandler builds a timeline handler.
func NewHandler(logger *slog.Logger, service TimelineService) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

type entryResponse struct {
	ID          string         `json:"id"`
	Type        string         `json:"activity_type"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	PerformedBy *int64         `json:"performed_by,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

func (h *Handler) handleTimeline(w http.ResponseWriter, r *http.Request) {
	invoiceID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || invoiceID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid invoice id")
		return
	}
	tenantID := shared.TenantFromContext(r.Context())
	if tenantID == 0 {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "tenant scope required")
		return
	}

	filters, err := parseFilters(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	result, err := h.service.InvoiceTimeline(r.Context(), tenantID, invoiceID, filters)
	if err != nil {
		h.logger.Error("load invoice timeline", slog.Int64("invoice_id", invoiceID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}

	rows := make([]entryResponse, 0, len(result.Rows))
	for _, row := range result.Rows {
		rows = append(rows, entryResponse{
			ID:          row.ID.String(),
			Type:        row.Type,
			Description: row.Description,
			Metadata:    row.Metadata,
			PerformedBy: row.PerformedBy,
			CreatedAt:   row.CreatedAt,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"activities": rows,
		"paging": map[string]any{
			"page":      result.Paging.Page,
			"page_size": result.Paging.PageSize,
			"has_next":  result.Paging.HasNext,
		},
	})
}

func parseFilters(r *http.Request) (activity.TimelineFilters, error) {
	q := r.URL.Query()
	var filters activity.TimelineFilters
	var err error

	if raw := q.Get("from"); raw != "" {
		if filters.From, err = time.Parse(dateLayout, raw); err != nil {
			return filters, fmt.Errorf("invalid from date %q", raw)
		}
	}
	if raw := q.Get("to"); raw != "" {
		if filters.To, err = time.Parse(dateLayout, raw); err != nil {
			return filters, fmt.Errorf("invalid to date %q", raw)
		}
	}
	filters.Type = q.Get("type")
	filters.Page, _ = strconv.Atoi(q.Get("page"))
	filters.PageSize, _ = strconv.Atoi(q.Get("page_size"))
	return filters, nil
}
