package recon

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// InvoiceStatus enumerates invoice lifecycle statuses.
type InvoiceStatus string

const (
	StatusDraft         InvoiceStatus = "DRAFT"
	StatusSent          InvoiceStatus = "SENT"
	StatusPartiallyPaid InvoiceStatus = "PARTIALLY_PAID"
	StatusPaid          InvoiceStatus = "PAID"
	StatusOverdue       InvoiceStatus = "OVERDUE"
	StatusCancelled     InvoiceStatus = "CANCELLED"
)

// ReconciliationManaged reports whether the status belongs to the family the
// reconciliation engine derives. Draft and Cancelled are owned by the
// invoicing workflow and are never produced or replaced here.
func (s InvoiceStatus) ReconciliationManaged() bool {
	switch s {
	case StatusSent, StatusPartiallyPaid, StatusPaid, StatusOverdue:
		return true
	}
	return false
}

// PaymentMethod enumerates accepted payment methods.
type PaymentMethod string

const (
	MethodCash         PaymentMethod = "CASH"
	MethodBankTransfer PaymentMethod = "BANK_TRANSFER"
	MethodCheck        PaymentMethod = "CHECK"
	MethodCreditCard   PaymentMethod = "CREDIT_CARD"
	MethodDebitCard    PaymentMethod = "DEBIT_CARD"
	MethodMobileMoney  PaymentMethod = "MOBILE_MONEY"
	MethodOther        PaymentMethod = "OTHER"
)

// Valid reports whether the method is a known enum value.
func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodCash, MethodBankTransfer, MethodCheck, MethodCreditCard,
		MethodDebitCard, MethodMobileMoney, MethodOther:
		return true
	}
	return false
}

// Invoice model. Total is immutable once issued; AmountPaid, AmountDue,
// Status and PaidAt are derived and only ever written by the reconciliation
// coordinator.
type Invoice struct {
	ID         int64
	TenantID   int64
	ClientID   int64
	Number     string
	Currency   string
	Total      decimal.Decimal
	AmountPaid decimal.Decimal
	AmountDue  decimal.Decimal
	Status     InvoiceStatus
	DueDate    time.Time
	PaidAt     *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Payment model. Each payment belongs to exactly one invoice.
type Payment struct {
	ID              int64
	TenantID        int64
	InvoiceID       int64
	Amount          decimal.Decimal
	PaymentDate     time.Time
	Method          PaymentMethod
	ReferenceNumber string
	Notes           string
	RecordedBy      int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ActivityType enumerates reconciliation activity entries.
type ActivityType string

const (
	ActivityPaymentRecorded ActivityType = "PAYMENT_RECORDED"
	ActivityStatusChanged   ActivityType = "STATUS_CHANGED"
	ActivityPaymentDeleted  ActivityType = "PAYMENT_DELETED"
)

// ActivityEntry is an immutable audit record appended in the same transaction
// as the state change it describes. PerformedBy is nil for system entries.
type ActivityEntry struct {
	ID          uuid.UUID
	TenantID    int64
	InvoiceID   int64
	Type        ActivityType
	Description string
	Metadata    map[string]any
	PerformedBy *int64
	CreatedAt   time.Time
}

// RecordPaymentInput groups fields required to record a payment.
type RecordPaymentInput struct {
	InvoiceID       int64
	Amount          decimal.Decimal
	PaymentDate     time.Time
	Method          PaymentMethod
	ReferenceNumber string
	Notes           string
}

// UpdatePaymentInput carries partial field changes for an existing payment.
// Nil fields are left untouched.
type UpdatePaymentInput struct {
	Amount          *decimal.Decimal
	PaymentDate     *time.Time
	Method          *PaymentMethod
	ReferenceNumber *string
	Notes           *string
}

// PaymentFilter narrows payment listings.
type PaymentFilter struct {
	InvoiceID int64
	ClientID  int64
	Method    PaymentMethod
	From      time.Time
	To        time.Time
	Page      int
	PerPage   int
}

// PaymentWithClient is a payment row joined with its invoice and client for
// list views.
type PaymentWithClient struct {
	Payment
	InvoiceNumber string
	ClientName    string
}

// InvoiceStats summarises the payment position of one invoice.
type InvoiceStats struct {
	InvoiceID       int64
	Currency        string
	Total           decimal.Decimal
	AmountPaid      decimal.Decimal
	AmountDue       decimal.Decimal
	Status          InvoiceStatus
	PaymentCount    int
	LastPaymentDate *time.Time
}
