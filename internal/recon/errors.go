package recon

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/meridian-books/meridian/internal/platform/httpx"
)

// Sentinels wrap the platform sentinels so the HTTP edge can map them with
// errors.Is. A tenant mismatch is reported as not-found so record existence
// never leaks across tenants.
var (
	ErrInvoiceNotFound = fmt.Errorf("recon: invoice: %w", httpx.ErrNotFound)
	ErrPaymentNotFound = fmt.Errorf("recon: payment: %w", httpx.ErrNotFound)
)

// ErrInvoiceNotOpen rejects payments against Draft or Cancelled invoices,
// which are owned by the invoicing workflow.
var ErrInvoiceNotOpen = fmt.Errorf("recon: invoice is not open for payments: %w", httpx.ErrValidation)

// ValidationError reports rejected input before any write is issued.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("recon: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return httpx.ErrValidation }

// OverpaymentError rejects a payment exceeding the current due balance. Both
// values are quoted so the caller can correct the input; the amount is never
// silently clamped.
type OverpaymentError struct {
	Amount    decimal.Decimal
	AmountDue decimal.Decimal
}

func (e *OverpaymentError) Error() string {
	return fmt.Sprintf("recon: payment amount %s exceeds amount due %s",
		e.Amount.StringFixed(2), e.AmountDue.StringFixed(2))
}

func (e *OverpaymentError) Unwrap() error { return httpx.ErrValidation }
