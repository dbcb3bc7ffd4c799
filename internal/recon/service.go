package recon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridian-books/meridian/internal/platform/httpx"
	"github.com/meridian-books/meridian/internal/shared"
)

// MetricsRecorder counts reconciliation outcomes. Nil-safe at call sites.
type MetricsRecorder interface {
	ObserveReconciliation(op, outcome string)
}

// Service is the reconciliation transaction coordinator. Each write
// operation validates its input, then mutates the payment ledger, recomputes
// the invoice aggregates through the status deriver and appends activity
// entries inside a single transaction that holds a lock on the invoice row.
type Service struct {
	logger     *slog.Logger
	repo       RepositoryPort
	cache      *ViewCache
	currencies CurrencyResolver
	metrics    MetricsRecorder
	now        func() time.Time
}

// NewService builds a Service instance. cache, currencies and metrics may be
// nil.
func NewService(logger *slog.Logger, repo RepositoryPort, cache *ViewCache, currencies CurrencyResolver, metrics MetricsRecorder) *Service {
	return &Service{
		logger:     logger,
		repo:       repo,
		cache:      cache,
		currencies: currencies,
		metrics:    metrics,
		now:        time.Now,
	}
}

func tenantFrom(ctx context.Context) (int64, error) {
	tenantID := shared.TenantFromContext(ctx)
	if tenantID == 0 {
		return 0, shared.ErrTenantRequired
	}
	return tenantID, nil
}

// applyReconciliation folds a freshly computed payment sum into the invoice.
// The incremental record path and the full-resum update/delete paths both go
// through here so the aggregate formula cannot drift between them. Returns
// the previous status and whether it changed.
//
// Invoices outside the reconciliation-managed family (Draft, Cancelled) get
// their amounts recomputed but keep their status and paid-at untouched.
func (s *Service) applyReconciliation(inv *Invoice, amountPaid decimal.Decimal, now time.Time) (InvoiceStatus, bool) {
	oldStatus := inv.Status
	if !inv.Status.ReconciliationManaged() {
		due := inv.Total.Sub(amountPaid)
		if due.IsNegative() {
			due = decimal.Zero
		}
		inv.AmountPaid = amountPaid
		inv.AmountDue = due
		return oldStatus, false
	}
	d := Derive(inv.Total, amountPaid, inv.DueDate, inv.PaidAt, now)
	inv.AmountPaid = amountPaid
	inv.AmountDue = d.AmountDue
	inv.Status = d.Status
	inv.PaidAt = d.PaidAt
	return oldStatus, d.Status != oldStatus
}

func validateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return &ValidationError{Field: "amount", Message: fmt.Sprintf("must be positive, got %s", amount.String())}
	}
	if amount.Exponent() < -2 {
		return &ValidationError{Field: "amount", Message: "more than two decimal places"}
	}
	return nil
}

// RecordPayment inserts a payment against an invoice and reconciles the
// invoice aggregates atomically. The paid amount moves incrementally here;
// pure addition cannot drift, and the overpayment guard runs against the
// locked row.
func (s *Service) RecordPayment(ctx context.Context, input RecordPaymentInput) (*Payment, error) {
	tenantID, err := tenantFrom(ctx)
	if err != nil {
		return nil, err
	}
	if err := validateAmount(input.Amount); err != nil {
		s.observe("record", err)
		return nil, err
	}
	if !input.Method.Valid() {
		err := &ValidationError{Field: "method", Message: fmt.Sprintf("unknown payment method %q", input.Method)}
		s.observe("record", err)
		return nil, err
	}
	if input.PaymentDate.IsZero() {
		err := &ValidationError{Field: "payment_date", Message: "required"}
		s.observe("record", err)
		return nil, err
	}

	actor := shared.IdentityFromContext(ctx)
	now := s.now()

	var payment *Payment
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.GetInvoiceForUpdate(ctx, tenantID, input.InvoiceID)
		if err != nil {
			return err
		}
		if !inv.Status.ReconciliationManaged() {
			return ErrInvoiceNotOpen
		}
		if input.Amount.GreaterThan(inv.AmountDue) {
			return &OverpaymentError{Amount: input.Amount, AmountDue: inv.AmountDue}
		}

		payment = &Payment{
			TenantID:        tenantID,
			InvoiceID:       inv.ID,
			Amount:          input.Amount,
			PaymentDate:     input.PaymentDate,
			Method:          input.Method,
			ReferenceNumber: input.ReferenceNumber,
			Notes:           input.Notes,
			RecordedBy:      actor.UserID,
		}
		if err := tx.InsertPayment(ctx, payment); err != nil {
			return err
		}

		oldPaid, oldDue := inv.AmountPaid, inv.AmountDue
		oldStatus, statusChanged := s.applyReconciliation(inv, inv.AmountPaid.Add(input.Amount), now)
		if err := tx.UpdateInvoiceReconciliation(ctx, inv); err != nil {
			return err
		}

		entry := ActivityEntry{
			TenantID:  tenantID,
			InvoiceID: inv.ID,
			Type:      ActivityPaymentRecorded,
			Description: fmt.Sprintf("Payment of %s recorded via %s on invoice %s",
				s.formatAmount(ctx, tenantID, inv.Currency, payment.Amount), payment.Method, inv.Number),
			Metadata: map[string]any{
				"payment_id":       payment.ID,
				"amount":           payment.Amount.StringFixed(2),
				"method":           string(payment.Method),
				"reference_number": payment.ReferenceNumber,
				"payment_date":     payment.PaymentDate.Format("2006-01-02"),
				"old_amount_paid":  oldPaid.StringFixed(2),
				"new_amount_paid":  inv.AmountPaid.StringFixed(2),
				"old_amount_due":   oldDue.StringFixed(2),
				"new_amount_due":   inv.AmountDue.StringFixed(2),
				"old_status":       string(oldStatus),
				"new_status":       string(inv.Status),
			},
			PerformedBy: actorRef(actor),
		}
		if err := tx.AppendActivity(ctx, entry); err != nil {
			return err
		}
		if statusChanged {
			if err := tx.AppendActivity(ctx, s.statusChangeEntry(inv, oldStatus, actor)); err != nil {
				return err
			}
		}
		return nil
	})
	s.observe("record", err)
	if err != nil {
		return nil, err
	}

	s.bumpViews(ctx, tenantID, input.InvoiceID)
	return payment, nil
}

// UpdatePayment applies partial field changes to a payment and reconciles.
// The paid amount is recomputed from scratch as the sum of all remaining
// payment rows; an incremental delta cannot safely absorb amount edits.
//
// Unlike RecordPayment, an amount edit pushing the sum past the total is not
// rejected: the due balance floors at zero and the edit is preserved for
// correction through the audit trail.
func (s *Service) UpdatePayment(ctx context.Context, paymentID int64, input UpdatePaymentInput) (*Payment, error) {
	tenantID, err := tenantFrom(ctx)
	if err != nil {
		return nil, err
	}
	if input.Amount != nil {
		if err := validateAmount(*input.Amount); err != nil {
			s.observe("update", err)
			return nil, err
		}
	}
	if input.Method != nil && !input.Method.Valid() {
		err := &ValidationError{Field: "method", Message: fmt.Sprintf("unknown payment method %q", *input.Method)}
		s.observe("update", err)
		return nil, err
	}

	actor := shared.IdentityFromContext(ctx)
	now := s.now()

	var payment *Payment
	var invoiceID int64
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		existing, err := tx.GetPayment(ctx, tenantID, paymentID)
		if err != nil {
			return err
		}
		inv, err := tx.GetInvoiceForUpdate(ctx, tenantID, existing.InvoiceID)
		if err != nil {
			return err
		}
		invoiceID = inv.ID

		before := *existing
		if input.Amount != nil {
			existing.Amount = *input.Amount
		}
		if input.PaymentDate != nil {
			existing.PaymentDate = *input.PaymentDate
		}
		if input.Method != nil {
			existing.Method = *input.Method
		}
		if input.ReferenceNumber != nil {
			existing.ReferenceNumber = *input.ReferenceNumber
		}
		if input.Notes != nil {
			existing.Notes = *input.Notes
		}
		if err := tx.UpdatePayment(ctx, existing); err != nil {
			return err
		}

		sum, err := tx.SumPayments(ctx, tenantID, inv.ID)
		if err != nil {
			return err
		}
		oldPaid, oldDue := inv.AmountPaid, inv.AmountDue
		oldStatus, _ := s.applyReconciliation(inv, sum, now)
		if err := tx.UpdateInvoiceReconciliation(ctx, inv); err != nil {
			return err
		}

		// A single entry describes the edit; the status movement is carried
		// in the metadata rather than a second StatusChanged entry.
		entry := ActivityEntry{
			TenantID:  tenantID,
			InvoiceID: inv.ID,
			Type:      ActivityPaymentRecorded,
			Description: fmt.Sprintf("Payment of %s updated on invoice %s",
				s.formatAmount(ctx, tenantID, inv.Currency, existing.Amount), inv.Number),
			Metadata: map[string]any{
				"payment_id":       existing.ID,
				"old_amount":       before.Amount.StringFixed(2),
				"new_amount":       existing.Amount.StringFixed(2),
				"old_payment_date": before.PaymentDate.Format("2006-01-02"),
				"new_payment_date": existing.PaymentDate.Format("2006-01-02"),
				"old_method":       string(before.Method),
				"new_method":       string(existing.Method),
				"old_amount_paid":  oldPaid.StringFixed(2),
				"new_amount_paid":  inv.AmountPaid.StringFixed(2),
				"old_amount_due":   oldDue.StringFixed(2),
				"new_amount_due":   inv.AmountDue.StringFixed(2),
				"old_status":       string(oldStatus),
				"new_status":       string(inv.Status),
			},
			PerformedBy: actorRef(actor),
		}
		if err := tx.AppendActivity(ctx, entry); err != nil {
			return err
		}
		payment = existing
		return nil
	})
	s.observe("update", err)
	if err != nil {
		return nil, err
	}

	s.bumpViews(ctx, tenantID, invoiceID)
	return payment, nil
}

// DeletePayment removes a payment and reconciles the invoice with the sum of
// the remaining rows.
func (s *Service) DeletePayment(ctx context.Context, paymentID int64) error {
	tenantID, err := tenantFrom(ctx)
	if err != nil {
		return err
	}

	actor := shared.IdentityFromContext(ctx)
	now := s.now()

	var invoiceID int64
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		existing, err := tx.GetPayment(ctx, tenantID, paymentID)
		if err != nil {
			return err
		}
		inv, err := tx.GetInvoiceForUpdate(ctx, tenantID, existing.InvoiceID)
		if err != nil {
			return err
		}
		invoiceID = inv.ID

		if err := tx.DeletePayment(ctx, tenantID, paymentID); err != nil {
			return err
		}
		sum, err := tx.SumPayments(ctx, tenantID, inv.ID)
		if err != nil {
			return err
		}
		oldPaid, oldDue := inv.AmountPaid, inv.AmountDue
		oldStatus, _ := s.applyReconciliation(inv, sum, now)
		if err := tx.UpdateInvoiceReconciliation(ctx, inv); err != nil {
			return err
		}

		entry := ActivityEntry{
			TenantID:  tenantID,
			InvoiceID: inv.ID,
			Type:      ActivityPaymentDeleted,
			Description: fmt.Sprintf("Payment of %s (%s, %s) deleted from invoice %s",
				s.formatAmount(ctx, tenantID, inv.Currency, existing.Amount),
				existing.Method, existing.PaymentDate.Format("2006-01-02"), inv.Number),
			Metadata: map[string]any{
				"payment_id":       existing.ID,
				"amount":           existing.Amount.StringFixed(2),
				"method":           string(existing.Method),
				"payment_date":     existing.PaymentDate.Format("2006-01-02"),
				"reference_number": existing.ReferenceNumber,
				"old_amount_paid":  oldPaid.StringFixed(2),
				"new_amount_paid":  inv.AmountPaid.StringFixed(2),
				"old_amount_due":   oldDue.StringFixed(2),
				"new_amount_due":   inv.AmountDue.StringFixed(2),
				"old_status":       string(oldStatus),
				"new_status":       string(inv.Status),
			},
			PerformedBy: actorRef(actor),
		}
		return tx.AppendActivity(ctx, entry)
	})
	s.observe("delete", err)
	if err != nil {
		return err
	}

	s.bumpViews(ctx, tenantID, invoiceID)
	return nil
}

// GetPayment returns one payment scoped by tenant.
func (s *Service) GetPayment(ctx context.Context, paymentID int64) (*Payment, error) {
	tenantID, err := tenantFrom(ctx)
	if err != nil {
		return nil, err
	}
	return s.repo.GetPayment(ctx, tenantID, paymentID)
}

// GetPayments returns all payments for one invoice, oldest first.
func (s *Service) GetPayments(ctx context.Context, invoiceID int64) ([]Payment, error) {
	tenantID, err := tenantFrom(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := s.repo.GetInvoice(ctx, tenantID, invoiceID); err != nil {
		return nil, err
	}
	return s.repo.ListInvoicePayments(ctx, tenantID, invoiceID)
}

// ListPayments returns payments across invoices with filters and pagination.
func (s *Service) ListPayments(ctx context.Context, filter PaymentFilter) ([]PaymentWithClient, shared.Pagination, error) {
	tenantID, err := tenantFrom(ctx)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	if filter.PerPage <= 0 {
		filter.PerPage = 20
	}
	if filter.PerPage > 100 {
		filter.PerPage = 100
	}
	if filter.Page <= 0 {
		filter.Page = 1
	}
	payments, total, err := s.repo.ListPayments(ctx, tenantID, filter)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return payments, shared.NewPagination(filter.Page, filter.PerPage, total), nil
}

// InvoiceStats returns the aggregate payment position for one invoice.
func (s *Service) InvoiceStats(ctx context.Context, invoiceID int64) (*InvoiceStats, error) {
	tenantID, err := tenantFrom(ctx)
	if err != nil {
		return nil, err
	}
	return s.repo.InvoiceStats(ctx, tenantID, invoiceID)
}

func (s *Service) statusChangeEntry(inv *Invoice, oldStatus InvoiceStatus, actor shared.Identity) ActivityEntry {
	return ActivityEntry{
		TenantID:    inv.TenantID,
		InvoiceID:   inv.ID,
		Type:        ActivityStatusChanged,
		Description: fmt.Sprintf("Invoice %s status changed from %s to %s", inv.Number, oldStatus, inv.Status),
		Metadata: map[string]any{
			"old_status":  string(oldStatus),
			"new_status":  string(inv.Status),
			"amount_paid": inv.AmountPaid.StringFixed(2),
			"amount_due":  inv.AmountDue.StringFixed(2),
		},
		PerformedBy: actorRef(actor),
	}
}

// bumpViews signals collaborators after commit. Failure here never fails the
// operation; the state change has already landed.
func (s *Service) bumpViews(ctx context.Context, tenantID, invoiceID int64) {
	if err := s.cache.Bump(ctx, tenantID, invoiceID); err != nil {
		s.logger.Warn("bump invoice views", slog.Int64("invoice_id", invoiceID), slog.Any("error", err))
	}
}

func (s *Service) observe(op string, err error) {
	if s.metrics == nil {
		return
	}
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, httpx.ErrNotFound):
		outcome = "not_found"
	case errors.Is(err, httpx.ErrValidation):
		outcome = "validation"
	default:
		outcome = "error"
	}
	s.metrics.ObserveReconciliation(op, outcome)
}

func actorRef(actor shared.Identity) *int64 {
	if actor.UserID == 0 {
		return nil
	}
	id := actor.UserID
	return &id
}
