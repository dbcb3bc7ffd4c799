package recon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// TxRepository exposes the operations available inside one reconciliation
// transaction. GetInvoiceForUpdate locks the invoice row, serialising
// concurrent reconciliations of the same invoice.
type TxRepository interface {
	GetInvoiceForUpdate(ctx context.Context, tenantID, invoiceID int64) (*Invoice, error)
	GetPayment(ctx context.Context, tenantID, paymentID int64) (*Payment, error)
	InsertPayment(ctx context.Context, p *Payment) error
	UpdatePayment(ctx context.Context, p *Payment) error
	DeletePayment(ctx context.Context, tenantID, paymentID int64) error
	SumPayments(ctx context.Context, tenantID, invoiceID int64) (decimal.Decimal, error)
	UpdateInvoiceReconciliation(ctx context.Context, inv *Invoice) error
	AppendActivity(ctx context.Context, entry ActivityEntry) error
}

// RepositoryPort defines data access methods for reconciliation.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetInvoice(ctx context.Context, tenantID, invoiceID int64) (*Invoice, error)
	GetPayment(ctx context.Context, tenantID, paymentID int64) (*Payment, error)
	ListInvoicePayments(ctx context.Context, tenantID, invoiceID int64) ([]Payment, error)
	ListPayments(ctx context.Context, tenantID int64, filter PaymentFilter) ([]PaymentWithClient, int, error)
	InvoiceStats(ctx context.Context, tenantID, invoiceID int64) (*InvoiceStats, error)
}

// Repository provides PostgreSQL backed persistence for reconciliation.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// querier is satisfied by both pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// WithTx wraps the callback in a repeatable-read transaction. Validation
// failures returned by fn roll the transaction back in full, so no partial
// state is ever visible.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("recon: begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(ctx, &txRepo{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("recon: commit tx: %w", err)
	}
	return nil
}

type txRepo struct {
	q querier
}

const invoiceColumns = `id, tenant_id, client_id, number, currency, total, amount_paid, amount_due, status, due_date, paid_at, created_at, updated_at`

func scanInvoice(row pgx.Row) (*Invoice, error) {
	var inv Invoice
	var paidAt pgtype.Timestamptz
	err := row.Scan(
		&inv.ID, &inv.TenantID, &inv.ClientID, &inv.Number, &inv.Currency,
		&inv.Total, &inv.AmountPaid, &inv.AmountDue, &inv.Status,
		&inv.DueDate, &paidAt, &inv.CreatedAt, &inv.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrInvoiceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("recon: scan invoice: %w", err)
	}
	if paidAt.Valid {
		inv.PaidAt = &paidAt.Time
	}
	return &inv, nil
}

// GetInvoiceForUpdate reads the invoice row with a row-level lock so at most
// one reconciliation of the same invoice commits at a time.
func (t *txRepo) GetInvoiceForUpdate(ctx context.Context, tenantID, invoiceID int64) (*Invoice, error) {
	row := t.q.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1 AND tenant_id = $2 FOR UPDATE`, invoiceID, tenantID)
	return scanInvoice(row)
}

const paymentColumns = `id, tenant_id, invoice_id, amount, payment_date, method, reference_number, notes, recorded_by, created_at, updated_at`

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	var ref, notes pgtype.Text
	var recordedBy pgtype.Int8
	err := row.Scan(
		&p.ID, &p.TenantID, &p.InvoiceID, &p.Amount, &p.PaymentDate,
		&p.Method, &ref, &notes, &recordedBy, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("recon: scan payment: %w", err)
	}
	p.ReferenceNumber = ref.String
	p.Notes = notes.String
	p.RecordedBy = recordedBy.Int64
	return &p, nil
}

func getPayment(ctx context.Context, q querier, tenantID, paymentID int64) (*Payment, error) {
	row := q.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1 AND tenant_id = $2`, paymentID, tenantID)
	return scanPayment(row)
}

func (t *txRepo) GetPayment(ctx context.Context, tenantID, paymentID int64) (*Payment, error) {
	return getPayment(ctx, t.q, tenantID, paymentID)
}

func (t *txRepo) InsertPayment(ctx context.Context, p *Payment) error {
	err := t.q.QueryRow(ctx, `
		INSERT INTO payments (tenant_id, invoice_id, amount, payment_date, method, reference_number, notes, recorded_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		RETURNING id, created_at, updated_at`,
		p.TenantID, p.InvoiceID, p.Amount, p.PaymentDate, p.Method,
		optionalText(p.ReferenceNumber), optionalText(p.Notes), optionalInt8(p.RecordedBy),
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrInvoiceNotFound
		}
		return fmt.Errorf("recon: insert payment: %w", err)
	}
	return nil
}

func (t *txRepo) UpdatePayment(ctx context.Context, p *Payment) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE payments
		SET amount = $3, payment_date = $4, method = $5, reference_number = $6, notes = $7, updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2`,
		p.ID, p.TenantID, p.Amount, p.PaymentDate, p.Method,
		optionalText(p.ReferenceNumber), optionalText(p.Notes),
	)
	if err != nil {
		return fmt.Errorf("recon: update payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

func (t *txRepo) DeletePayment(ctx context.Context, tenantID, paymentID int64) error {
	tag, err := t.q.Exec(ctx, `DELETE FROM payments WHERE id = $1 AND tenant_id = $2`, paymentID, tenantID)
	if err != nil {
		return fmt.Errorf("recon: delete payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

// SumPayments recomputes the paid amount from scratch as the sum of all
// current payment rows for the invoice.
func (t *txRepo) SumPayments(ctx context.Context, tenantID, invoiceID int64) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := t.q.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM payments WHERE invoice_id = $1 AND tenant_id = $2`,
		invoiceID, tenantID,
	).Scan(&sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("recon: sum payments: %w", err)
	}
	return sum, nil
}

func (t *txRepo) UpdateInvoiceReconciliation(ctx context.Context, inv *Invoice) error {
	var paidAt pgtype.Timestamptz
	if inv.PaidAt != nil {
		paidAt = pgtype.Timestamptz{Time: *inv.PaidAt, Valid: true}
	}
	tag, err := t.q.Exec(ctx, `
		UPDATE invoices
		SET amount_paid = $3, amount_due = $4, status = $5, paid_at = $6, updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2`,
		inv.ID, inv.TenantID, inv.AmountPaid, inv.AmountDue, inv.Status, paidAt,
	)
	if err != nil {
		return fmt.Errorf("recon: update invoice reconciliation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvoiceNotFound
	}
	return nil
}

func (t *txRepo) AppendActivity(ctx context.Context, entry ActivityEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	meta, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("recon: marshal activity metadata: %w", err)
	}
	var performedBy pgtype.Int8
	if entry.PerformedBy != nil {
		performedBy = pgtype.Int8{Int64: *entry.PerformedBy, Valid: true}
	}
	_, err = t.q.Exec(ctx, `
		INSERT INTO invoice_activities (id, tenant_id, invoice_id, activity_type, description, metadata, performed_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())`,
		entry.ID, entry.TenantID, entry.InvoiceID, entry.Type, entry.Description, meta, performedBy,
	)
	if err != nil {
		return fmt.Errorf("recon: append activity: %w", err)
	}
	return nil
}

// --- Read side (no transaction) ---

// GetInvoice retrieves an invoice scoped by tenant.
func (r *Repository) GetInvoice(ctx context.Context, tenantID, invoiceID int64) (*Invoice, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1 AND tenant_id = $2`, invoiceID, tenantID)
	return scanInvoice(row)
}

// GetPayment retrieves a payment scoped by tenant.
func (r *Repository) GetPayment(ctx context.Context, tenantID, paymentID int64) (*Payment, error) {
	return getPayment(ctx, r.pool, tenantID, paymentID)
}

// ListInvoicePayments returns payments for one invoice, oldest first.
func (r *Repository) ListInvoicePayments(ctx context.Context, tenantID, invoiceID int64) ([]Payment, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE invoice_id = $1 AND tenant_id = $2 ORDER BY payment_date, id`,
		invoiceID, tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("recon: list invoice payments: %w", err)
	}
	defer rows.Close()

	var payments []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recon: list invoice payments: %w", err)
	}
	return payments, nil
}

// ListPayments returns payments across invoices with optional filtering and
// the total row count for pagination.
func (r *Repository) ListPayments(ctx context.Context, tenantID int64, filter PaymentFilter) ([]PaymentWithClient, int, error) {
	where := ` FROM payments p
		JOIN invoices i ON i.id = p.invoice_id AND i.tenant_id = p.tenant_id
		JOIN clients c ON c.id = i.client_id AND c.tenant_id = i.tenant_id
		WHERE p.tenant_id = $1`
	args := []any{tenantID}

	if filter.InvoiceID > 0 {
		args = append(args, filter.InvoiceID)
		where += fmt.Sprintf(" AND p.invoice_id = $%d", len(args))
	}
	if filter.ClientID > 0 {
		args = append(args, filter.ClientID)
		where += fmt.Sprintf(" AND i.client_id = $%d", len(args))
	}
	if filter.Method != "" {
		args = append(args, string(filter.Method))
		where += fmt.Sprintf(" AND p.method = $%d", len(args))
	}
	if !filter.From.IsZero() {
		args = append(args, filter.From)
		where += fmt.Sprintf(" AND p.payment_date >= $%d", len(args))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To)
		where += fmt.Sprintf(" AND p.payment_date <= $%d", len(args))
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*)`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("recon: count payments: %w", err)
	}

	query := `SELECT p.id, p.tenant_id, p.invoice_id, p.amount, p.payment_date, p.method,
		p.reference_number, p.notes, p.recorded_by, p.created_at, p.updated_at,
		i.number, c.name` + where + ` ORDER BY p.payment_date DESC, p.id DESC`
	if filter.PerPage > 0 {
		args = append(args, filter.PerPage)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
		if filter.Page > 1 {
			args = append(args, (filter.Page-1)*filter.PerPage)
			query += fmt.Sprintf(" OFFSET $%d", len(args))
		}
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("recon: list payments: %w", err)
	}
	defer rows.Close()

	var payments []PaymentWithClient
	for rows.Next() {
		var p PaymentWithClient
		var ref, notes pgtype.Text
		var recordedBy pgtype.Int8
		err := rows.Scan(
			&p.ID, &p.TenantID, &p.InvoiceID, &p.Amount, &p.PaymentDate, &p.Method,
			&ref, &notes, &recordedBy, &p.CreatedAt, &p.UpdatedAt,
			&p.InvoiceNumber, &p.ClientName,
		)
		if err != nil {
			return nil, 0, fmt.Errorf("recon: scan payment row: %w", err)
		}
		p.ReferenceNumber = ref.String
		p.Notes = notes.String
		p.RecordedBy = recordedBy.Int64
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("recon: list payments: %w", err)
	}
	return payments, total, nil
}

// InvoiceStats returns the aggregate payment position for one invoice.
func (r *Repository) InvoiceStats(ctx context.Context, tenantID, invoiceID int64) (*InvoiceStats, error) {
	var stats InvoiceStats
	var lastPayment pgtype.Date
	err := r.pool.QueryRow(ctx, `
		SELECT i.id, i.currency, i.total, i.amount_paid, i.amount_due, i.status,
			COUNT(p.id), MAX(p.payment_date)
		FROM invoices i
		LEFT JOIN payments p ON p.invoice_id = i.id AND p.tenant_id = i.tenant_id
		WHERE i.id = $1 AND i.tenant_id = $2
		GROUP BY i.id`,
		invoiceID, tenantID,
	).Scan(
		&stats.InvoiceID, &stats.Currency, &stats.Total, &stats.AmountPaid,
		&stats.AmountDue, &stats.Status, &stats.PaymentCount, &lastPayment,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrInvoiceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("recon: invoice stats: %w", err)
	}
	if lastPayment.Valid {
		stats.LastPaymentDate = &lastPayment.Time
	}
	return &stats, nil
}

// --- Helpers ---

func optionalText(s string) pgtype.Text {
	if s == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: s, Valid: true}
}

func optionalInt8(v int64) pgtype.Int8 {
	if v == 0 {
		return pgtype.Int8{}
	}
	return pgtype.Int8{Int64: v, Valid: true}
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
