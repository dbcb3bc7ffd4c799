package recon

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/meridian-books/meridian/internal/authz"
	"github.com/meridian-books/meridian/internal/platform/httpx"
	"github.com/meridian-books/meridian/internal/shared"
)

const dateLayout = "2006-01-02"

// Handler manages reconciliation endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
	authz     authz.Middleware
	statsSF   singleflight.Group
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, authz authz.Middleware) *Handler {
	return &Handler{
		logger:    logger,
		service:   service,
		validator: validator.New(),
		authz:     authz,
	}
}

// MountRoutes registers reconciliation routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.authz.Require(authz.PermReconView))
		r.Get("/invoices/{id}/payments", h.listInvoicePayments)
		r.Get("/invoices/{id}/stats", h.invoiceStats)
		r.Get("/payments", h.listPayments)
		r.Get("/payments/{id}", h.getPayment)
	})

	r.Group(func(r chi.Router) {
		r.Use(h.authz.Require(authz.PermReconWrite))
		r.Post("/invoices/{id}/payments", h.recordPayment)
		r.Patch("/payments/{id}", h.updatePayment)
		r.Delete("/payments/{id}", h.deletePayment)
	})
}

type recordPaymentRequest struct {
	Amount          string `json:"amount" validate:"required"`
	PaymentDate     string `json:"payment_date" validate:"required"`
	Method          string `json:"method" validate:"required"`
	ReferenceNumber string `json:"reference_number" validate:"omitempty,max=120"`
	Notes           string `json:"notes" validate:"omitempty,max=2000"`
}

type updatePaymentRequest struct {
	Amount          *string `json:"amount"`
	PaymentDate     *string `json:"payment_date"`
	Method          *string `json:"method"`
	ReferenceNumber *string `json:"reference_number" validate:"omitempty,max=120"`
	Notes           *string `json:"notes" validate:"omitempty,max=2000"`
}

type paymentResponse struct {
	ID              int64           `json:"id"`
	InvoiceID       int64           `json:"invoice_id"`
	Amount          decimal.Decimal `json:"amount"`
	PaymentDate     string          `json:"payment_date"`
	Method          PaymentMethod   `json:"method"`
	ReferenceNumber string          `json:"reference_number,omitempty"`
	Notes           string          `json:"notes,omitempty"`
	RecordedBy      int64           `json:"recorded_by,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func toPaymentResponse(p Payment) paymentResponse {
	return paymentResponse{
		ID:              p.ID,
		InvoiceID:       p.InvoiceID,
		Amount:          p.Amount,
		PaymentDate:     p.PaymentDate.Format(dateLayout),
		Method:          p.Method,
		ReferenceNumber: p.ReferenceNumber,
		Notes:           p.Notes,
		RecordedBy:      p.RecordedBy,
		CreatedAt:       p.CreatedAt,
		UpdatedAt:       p.UpdatedAt,
	}
}

func (h *Handler) recordPayment(w http.ResponseWriter, r *http.Request) {
	invoiceID, err := pathID(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid invoice id")
		return
	}

	var req recordPaymentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", fmt.Sprintf("invalid amount %q", req.Amount))
		return
	}
	paymentDate, err := time.Parse(dateLayout, req.PaymentDate)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", fmt.Sprintf("invalid payment_date %q", req.PaymentDate))
		return
	}

	payment, err := h.service.RecordPayment(r.Context(), RecordPaymentInput{
		InvoiceID:       invoiceID,
		Amount:          amount,
		PaymentDate:     paymentDate,
		Method:          PaymentMethod(req.Method),
		ReferenceNumber: req.ReferenceNumber,
		Notes:           req.Notes,
	})
	if err != nil {
		h.respondError(w, "record payment", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toPaymentResponse(*payment))
}

func (h *Handler) updatePayment(w http.ResponseWriter, r *http.Request) {
	paymentID, err := pathID(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid payment id")
		return
	}

	var req updatePaymentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	var input UpdatePaymentInput
	if req.Amount != nil {
		amount, err := decimal.NewFromString(*req.Amount)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", fmt.Sprintf("invalid amount %q", *req.Amount))
			return
		}
		input.Amount = &amount
	}
	if req.PaymentDate != nil {
		paymentDate, err := time.Parse(dateLayout, *req.PaymentDate)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", fmt.Sprintf("invalid payment_date %q", *req.PaymentDate))
			return
		}
		input.PaymentDate = &paymentDate
	}
	if req.Method != nil {
		method := PaymentMethod(*req.Method)
		input.Method = &method
	}
	input.ReferenceNumber = req.ReferenceNumber
	input.Notes = req.Notes

	payment, err := h.service.UpdatePayment(r.Context(), paymentID, input)
	if err != nil {
		h.respondError(w, "update payment", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toPaymentResponse(*payment))
}

func (h *Handler) deletePayment(w http.ResponseWriter, r *http.Request) {
	paymentID, err := pathID(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid payment id")
		return
	}
	if err := h.service.DeletePayment(r.Context(), paymentID); err != nil {
		h.respondError(w, "delete payment", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *Handler) getPayment(w http.ResponseWriter, r *http.Request) {
	paymentID, err := pathID(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid payment id")
		return
	}
	payment, err := h.service.GetPayment(r.Context(), paymentID)
	if err != nil {
		h.respondError(w, "get payment", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toPaymentResponse(*payment))
}

func (h *Handler) listInvoicePayments(w http.ResponseWriter, r *http.Request) {
	invoiceID, err := pathID(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid invoice id")
		return
	}
	payments, err := h.service.GetPayments(r.Context(), invoiceID)
	if err != nil {
		h.respondError(w, "list invoice payments", err)
		return
	}
	out := make([]paymentResponse, 0, len(payments))
	for _, p := range payments {
		out = append(out, toPaymentResponse(p))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"payments": out})
}

type listPaymentRow struct {
	paymentResponse
	InvoiceNumber string `json:"invoice_number"`
	ClientName    string `json:"client_name"`
}

func (h *Handler) listPayments(w http.ResponseWriter, r *http.Request) {
	filter, err := parsePaymentFilter(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	payments, paging, err := h.service.ListPayments(r.Context(), filter)
	if err != nil {
		h.respondError(w, "list payments", err)
		return
	}
	rows := make([]listPaymentRow, 0, len(payments))
	for _, p := range payments {
		rows = append(rows, listPaymentRow{
			paymentResponse: toPaymentResponse(p.Payment),
			InvoiceNumber:   p.InvoiceNumber,
			ClientName:      p.ClientName,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"payments": rows,
		"pagination": map[string]int{
			"page":        paging.Page,
			"per_page":    paging.PerPage,
			"total":       paging.Total,
			"total_pages": paging.TotalPages,
		},
	})
}

func (h *Handler) invoiceStats(w http.ResponseWriter, r *http.Request) {
	invoiceID, err := pathID(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid invoice id")
		return
	}

	// Identical concurrent reads collapse into one query.
	key := fmt.Sprintf("%d:%d", shared.TenantFromContext(r.Context()), invoiceID)
	v, err, _ := h.statsSF.Do(key, func() (any, error) {
		return h.service.InvoiceStats(r.Context(), invoiceID)
	})
	if err != nil {
		h.respondError(w, "invoice stats", err)
		return
	}
	stats := v.(*InvoiceStats)

	var lastPayment string
	if stats.LastPaymentDate != nil {
		lastPayment = stats.LastPaymentDate.Format(dateLayout)
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"invoice_id":        stats.InvoiceID,
		"currency":          stats.Currency,
		"total":             stats.Total,
		"amount_paid":       stats.AmountPaid,
		"amount_due":        stats.AmountDue,
		"status":            stats.Status,
		"payment_count":     stats.PaymentCount,
		"last_payment_date": lastPayment,
	})
}

func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	h.logger.Error(op, slog.Any("error", err))
	httpx.RespondError(w, err)
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return id, nil
}

func parsePaymentFilter(r *http.Request) (PaymentFilter, error) {
	q := r.URL.Query()
	var filter PaymentFilter
	var err error

	if raw := q.Get("invoice_id"); raw != "" {
		if filter.InvoiceID, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return filter, fmt.Errorf("invalid invoice_id %q", raw)
		}
	}
	if raw := q.Get("client_id"); raw != "" {
		if filter.ClientID, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return filter, fmt.Errorf("invalid client_id %q", raw)
		}
	}
	if raw := q.Get("method"); raw != "" {
		method := PaymentMethod(raw)
		if !method.Valid() {
			return filter, fmt.Errorf("unknown payment method %q", raw)
		}
		filter.Method = method
	}
	if raw := q.Get("from"); raw != "" {
		if filter.From, err = time.Parse(dateLayout, raw); err != nil {
			return filter, fmt.Errorf("invalid from date %q", raw)
		}
	}
	if raw := q.Get("to"); raw != "" {
		if filter.To, err = time.Parse(dateLayout, raw); err != nil {
			return filter, fmt.Errorf("invalid to date %q", raw)
		}
	}
	filter.Page, _ = strconv.Atoi(q.Get("page"))
	filter.PerPage, _ = strconv.Atoi(q.Get("per_page"))
	return filter, nil
}
