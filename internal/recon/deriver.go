package recon

import (
	"time"

	"github.com/shopspring/decimal"
)

// paidTolerance treats a residual due balance of one cent or less as fully
// paid, absorbing decimal rounding from the payment-entry path. This is a
// business rule, not a safety margin.
var paidTolerance = decimal.NewFromFloat(0.01)

// Derivation is the output of the status deriver.
type Derivation struct {
	Status    InvoiceStatus
	AmountDue decimal.Decimal
	PaidAt    *time.Time
}

// Derive maps an invoice total, the sum of its payments and the due date to
// the reconciled status. It is a pure function; now is injected so overdue
// comparison stays testable. existingPaidAt is carried through unchanged when
// the invoice is already paid so the original pay-off timestamp survives
// no-op recomputes.
//
// Derive never produces Draft or Cancelled; callers must not invoke it for
// invoices outside the reconciliation-managed family.
func Derive(total, amountPaid decimal.Decimal, dueDate time.Time, existingPaidAt *time.Time, now time.Time) Derivation {
	due := total.Sub(amountPaid)
	if due.IsNegative() {
		due = decimal.Zero
	}

	d := Derivation{AmountDue: due}
	switch {
	case due.LessThanOrEqual(paidTolerance):
		d.Status = StatusPaid
		if existingPaidAt != nil {
			d.PaidAt = existingPaidAt
		} else {
			paidAt := now
			d.PaidAt = &paidAt
		}
	case amountPaid.IsPositive():
		d.Status = StatusPartiallyPaid
	default:
		// No payments remain. Only reachable after an edit or delete brings
		// the sum to zero; recording a payment can never land here.
		if now.After(dueDate) {
			d.Status = StatusOverdue
		} else {
			d.Status = StatusSent
		}
	}
	return d
}
