package recon

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/meridian-books/meridian/internal/platform/httpx"
	"github.com/meridian-books/meridian/internal/shared"
)

// memoryRepo is an in-memory RepositoryPort. WithTx serialises callers on a
// mutex and restores a snapshot when the callback fails, mirroring the
// row-lock plus rollback semantics of the real store.
type memoryRepo struct {
	mu            sync.Mutex
	invoices      map[int64]*Invoice
	payments      map[int64]*Payment
	activities    []ActivityEntry
	nextPaymentID int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		invoices: make(map[int64]*Invoice),
		payments: make(map[int64]*Payment),
	}
}

func (r *memoryRepo) addInvoice(inv Invoice) {
	r.invoices[inv.ID] = &inv
}

type repoSnapshot struct {
	invoices   map[int64]*Invoice
	payments   map[int64]*Payment
	activities []ActivityEntry
	nextID     int64
}

func (r *memoryRepo) snapshot() repoSnapshot {
	snap := repoSnapshot{
		invoices:   make(map[int64]*Invoice, len(r.invoices)),
		payments:   make(map[int64]*Payment, len(r.payments)),
		activities: append([]ActivityEntry(nil), r.activities...),
		nextID:     r.nextPaymentID,
	}
	for id, inv := range r.invoices {
		cp := *inv
		snap.invoices[id] = &cp
	}
	for id, p := range r.payments {
		cp := *p
		snap.payments[id] = &cp
	}
	return snap
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := r.snapshot()
	if err := fn(ctx, (*memoryTx)(r)); err != nil {
		r.invoices = snap.invoices
		r.payments = snap.payments
		r.activities = snap.activities
		r.nextPaymentID = snap.nextID
		return err
	}
	return nil
}

func (r *memoryRepo) GetInvoice(_ context.Context, tenantID, invoiceID int64) (*Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return (*memoryTx)(r).getInvoice(tenantID, invoiceID)
}

func (r *memoryRepo) GetPayment(_ context.Context, tenantID, paymentID int64) (*Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return (*memoryTx)(r).getPayment(tenantID, paymentID)
}

func (r *memoryRepo) ListInvoicePayments(_ context.Context, tenantID, invoiceID int64) ([]Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Payment
	for _, p := range r.payments {
		if p.TenantID == tenantID && p.InvoiceID == invoiceID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PaymentDate.Equal(out[j].PaymentDate) {
			return out[i].ID < out[j].ID
		}
		return out[i].PaymentDate.Before(out[j].PaymentDate)
	})
	return out, nil
}

func (r *memoryRepo) ListPayments(_ context.Context, tenantID int64, filter PaymentFilter) ([]PaymentWithClient, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []PaymentWithClient
	for _, p := range r.payments {
		if p.TenantID != tenantID {
			continue
		}
		if filter.InvoiceID > 0 && p.InvoiceID != filter.InvoiceID {
			continue
		}
		if filter.Method != "" && p.Method != filter.Method {
			continue
		}
		out = append(out, PaymentWithClient{Payment: *p})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, len(out), nil
}

func (r *memoryRepo) InvoiceStats(_ context.Context, tenantID, invoiceID int64) (*InvoiceStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, err := (*memoryTx)(r).getInvoice(tenantID, invoiceID)
	if err != nil {
		return nil, err
	}
	stats := &InvoiceStats{
		InvoiceID:  inv.ID,
		Currency:   inv.Currency,
		Total:      inv.Total,
		AmountPaid: inv.AmountPaid,
		AmountDue:  inv.AmountDue,
		Status:     inv.Status,
	}
	for _, p := range r.payments {
		if p.TenantID == tenantID && p.InvoiceID == invoiceID {
			stats.PaymentCount++
			if stats.LastPaymentDate == nil || p.PaymentDate.After(*stats.LastPaymentDate) {
				d := p.PaymentDate
				stats.LastPaymentDate = &d
			}
		}
	}
	return stats, nil
}

// memoryTx gives the transaction view over the same maps. The repo mutex is
// already held by WithTx.
type memoryTx memoryRepo

func (t *memoryTx) getInvoice(tenantID, invoiceID int64) (*Invoice, error) {
	inv, ok := t.invoices[invoiceID]
	if !ok || inv.TenantID != tenantID {
		return nil, ErrInvoiceNotFound
	}
	cp := *inv
	return &cp, nil
}

func (t *memoryTx) getPayment(tenantID, paymentID int64) (*Payment, error) {
	p, ok := t.payments[paymentID]
	if !ok || p.TenantID != tenantID {
		return nil, ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (t *memoryTx) GetInvoiceForUpdate(_ context.Context, tenantID, invoiceID int64) (*Invoice, error) {
	return t.getInvoice(tenantID, invoiceID)
}

func (t *memoryTx) GetPayment(_ context.Context, tenantID, paymentID int64) (*Payment, error) {
	return t.getPayment(tenantID, paymentID)
}

func (t *memoryTx) InsertPayment(_ context.Context, p *Payment) error {
	if inv, ok := t.invoices[p.InvoiceID]; !ok || inv.TenantID != p.TenantID {
		return ErrInvoiceNotFound
	}
	t.nextPaymentID++
	p.ID = t.nextPaymentID
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	cp := *p
	t.payments[p.ID] = &cp
	return nil
}

func (t *memoryTx) UpdatePayment(_ context.Context, p *Payment) error {
	existing, ok := t.payments[p.ID]
	if !ok || existing.TenantID != p.TenantID {
		return ErrPaymentNotFound
	}
	cp := *p
	cp.UpdatedAt = time.Now()
	t.payments[p.ID] = &cp
	return nil
}

func (t *memoryTx) DeletePayment(_ context.Context, tenantID, paymentID int64) error {
	existing, ok := t.payments[paymentID]
	if !ok || existing.TenantID != tenantID {
		return ErrPaymentNotFound
	}
	delete(t.payments, paymentID)
	return nil
}

func (t *memoryTx) SumPayments(_ context.Context, tenantID, invoiceID int64) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, p := range t.payments {
		if p.TenantID == tenantID && p.InvoiceID == invoiceID {
			sum = sum.Add(p.Amount)
		}
	}
	return sum, nil
}

func (t *memoryTx) UpdateInvoiceReconciliation(_ context.Context, inv *Invoice) error {
	existing, ok := t.invoices[inv.ID]
	if !ok || existing.TenantID != inv.TenantID {
		return ErrInvoiceNotFound
	}
	cp := *inv
	t.invoices[inv.ID] = &cp
	return nil
}

func (t *memoryTx) AppendActivity(_ context.Context, entry ActivityEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	entry.CreatedAt = time.Now()
	t.activities = append(t.activities, entry)
	return nil
}

type fakeMetrics struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (m *fakeMetrics) ObserveReconciliation(op, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outcomes == nil {
		m.outcomes = make(map[string]int)
	}
	m.outcomes[op+"/"+outcome]++
}

var (
	testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	testDue = time.Date(2026, 3, 24, 0, 0, 0, 0, time.UTC)
)

func newTestService(repo *memoryRepo) (*Service, *fakeMetrics) {
	metrics := &fakeMetrics{}
	svc := NewService(slog.Default(), repo, nil, nil, metrics)
	svc.now = func() time.Time { return testNow }
	return svc, metrics
}

func openInvoice(id int64, total string) Invoice {
	amount := d(total)
	return Invoice{
		ID:         id,
		TenantID:   1,
		ClientID:   10,
		Number:     "INV-1001",
		Currency:   "USD",
		Total:      amount,
		AmountPaid: decimal.Zero,
		AmountDue:  amount,
		Status:     StatusSent,
		DueDate:    testDue,
	}
}

func testCtx() context.Context {
	ctx := shared.ContextWithTenant(context.Background(), 1)
	return shared.ContextWithIdentity(ctx, shared.Identity{UserID: 7, Email: "clerk@meridian.test"})
}

func activitiesOfType(repo *memoryRepo, typ ActivityType) []ActivityEntry {
	var out []ActivityEntry
	for _, e := range repo.activities {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func TestRecordPaymentPartial(t *testing.T) {
	repo := newMemoryRepo()
	repo.addInvoice(openInvoice(1, "1000.00"))
	svc, metrics := newTestService(repo)

	payment, err := svc.RecordPayment(testCtx(), RecordPaymentInput{
		InvoiceID:   1,
		Amount:      d("400.00"),
		PaymentDate: testNow,
		Method:      MethodBankTransfer,
	})
	require.NoError(t, err)
	require.NotZero(t, payment.ID)
	require.EqualValues(t, 7, payment.RecordedBy)

	inv := repo.invoices[1]
	require.Equal(t, StatusPartiallyPaid, inv.Status)
	require.True(t, inv.AmountPaid.Equal(d("400.00")))
	require.True(t, inv.AmountDue.Equal(d("600.00")))
	require.Nil(t, inv.PaidAt)

	recorded := activitiesOfType(repo, ActivityPaymentRecorded)
	require.Len(t, recorded, 1)
	require.Equal(t, "400.00", recorded[0].Metadata["amount"])
	require.Equal(t, "0.00", recorded[0].Metadata["old_amount_paid"])
	require.Equal(t, "400.00", recorded[0].Metadata["new_amount_paid"])
	require.NotNil(t, recorded[0].PerformedBy)
	require.EqualValues(t, 7, *recorded[0].PerformedBy)

	changed := activitiesOfType(repo, ActivityStatusChanged)
	require.Len(t, changed, 1)
	require.Equal(t, "SENT", changed[0].Metadata["old_status"])
	require.Equal(t, "PARTIALLY_PAID", changed[0].Metadata["new_status"])

	require.Equal(t, 1, metrics.outcomes["record/ok"])
}

func TestRecordPaymentFullPayoff(t *testing.T) {
	repo := newMemoryRepo()
	repo.addInvoice(openInvoice(1, "1000.00"))
	svc, _ := newTestService(repo)

	_, err := svc.RecordPayment(testCtx(), RecordPaymentInput{
		InvoiceID:   1,
		Amount:      d("1000.00"),
		PaymentDate: testNow,
		Method:      MethodCash,
	})
	require.NoError(t, err)

	inv := repo.invoices[1]
	require.Equal(t, StatusPaid, inv.Status)
	require.True(t, inv.AmountDue.IsZero())
	require.NotNil(t, inv.PaidAt)
	require.Equal(t, testNow, *inv.PaidAt)
	require.Len(t, repo.activities, 2)
}

func TestRecordPaymentOverpaymentRejectedWithoutStateChange(t *testing.T) {
	repo := newMemoryRepo()
	repo.addInvoice(openInvoice(1, "1000.00"))
	svc, metrics := newTestService(repo)

	_, err := svc.RecordPayment(testCtx(), RecordPaymentInput{
		InvoiceID:   1,
		Amount:      d("1000.01"),
		PaymentDate: testNow,
		Method:      MethodCash,
	})
	require.Error(t, err)
	var overpaid *OverpaymentError
	require.ErrorAs(t, err, &overpaid)
	require.True(t, overpaid.Amount.Equal(d("1000.01")))
	require.True(t, overpaid.AmountDue.Equal(d("1000.00")))
	require.ErrorIs(t, err, httpx.ErrValidation)

	inv := repo.invoices[1]
	require.Equal(t, StatusSent, inv.Status)
	require.True(t, inv.AmountPaid.IsZero())
	require.Empty(t, repo.payments)
	require.Empty(t, repo.activities)
	require.Equal(t, 1, metrics.outcomes["record/validation"])
}

func TestRecordPaymentValidation(t *testing.T) {
	repo := newMemoryRepo()
	repo.addInvoice(openInvoice(1, "1000.00"))
	svc, _ := newTestService(repo)

	cases := []struct {
		name  string
		input RecordPaymentInput
	}{
		{"zero amount", RecordPaymentInput{InvoiceID: 1, Amount: decimal.Zero, PaymentDate: testNow, Method: MethodCash}},
		{"negative amount", RecordPaymentInput{InvoiceID: 1, Amount: d("-5.00"), PaymentDate: testNow, Method: MethodCash}},
		{"three decimal places", RecordPaymentInput{InvoiceID: 1, Amount: d("10.005"), PaymentDate: testNow, Method: MethodCash}},
		{"unknown method", RecordPaymentInput{InvoiceID: 1, Amount: d("10.00"), PaymentDate: testNow, Method: "WIRE"}},
		{"missing date", RecordPaymentInput{InvoiceID: 1, Amount: d("10.00"), Method: MethodCash}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.RecordPayment(testCtx(), tc.input)
			require.ErrorIs(t, err, httpx.ErrValidation)
		})
	}
	require.Empty(t, repo.payments)
}

func TestRecordPaymentDraftInvoiceRejected(t *testing.T) {
	repo := newMemoryRepo()
	inv := openInvoice(1, "1000.00")
	inv.Status = StatusDraft
	repo.addInvoice(inv)
	svc, _ := newTestService(repo)

	_, err := svc.RecordPayment(testCtx(), RecordPaymentInput{
		InvoiceID:   1,
		Amount:      d("100.00"),
		PaymentDate: testNow,
		Method:      MethodCash,
	})
	require.ErrorIs(t, err, ErrInvoiceNotOpen)
	require.Empty(t, repo.payments)
}

func TestRecordPaymentTenantMismatchReadsAsNotFound(t *testing.T) {
	repo := newMemoryRepo()
	repo.addInvoice(openInvoice(1, "1000.00"))
	svc, _ := newTestService(repo)

	ctx := shared.ContextWithTenant(context.Background(), 2)
	_, err := svc.RecordPayment(ctx, RecordPaymentInput{
		InvoiceID:   1,
		Amount:      d("100.00"),
		PaymentDate: testNow,
		Method:      MethodCash,
	})
	require.ErrorIs(t, err, httpx.ErrNotFound)
	require.Empty(t, repo.payments)
}

func TestDeletePaymentConvergesToRemainingSum(t *testing.T) {
	repo := newMemoryRepo()
	repo.addInvoice(openInvoice(1, "1000.00"))
	svc, _ := newTestService(repo)
	ctx := testCtx()

	first, err := svc.RecordPayment(ctx, RecordPaymentInput{InvoiceID: 1, Amount: d("400.00"), PaymentDate: testNow, Method: MethodCash})
	require.NoError(t, err)
	_, err = svc.RecordPayment(ctx, RecordPaymentInput{InvoiceID: 1, Amount: d("300.00"), PaymentDate: testNow, Method: MethodCheck})
	require.NoError(t, err)

	require.NoError(t, svc.DeletePayment(ctx, first.ID))

	inv := repo.invoices[1]
	require.Equal(t, StatusPartiallyPaid, inv.Status)
	require.True(t, inv.AmountPaid.Equal(d("300.00")))
	require.True(t, inv.AmountDue.Equal(d("700.00")))

	deleted := activitiesOfType(repo, ActivityPaymentDeleted)
	require.Len(t, deleted, 1)
	require.Equal(t, "400.00", deleted[0].Metadata["amount"])
	require.Equal(t, "300.00", deleted[0].Metadata["new_amount_paid"])
}

func TestDeleteLastPaymentRevertsToSent(t *testing.T) {
	repo := newMemoryRepo()
	repo.addInvoice(openInvoice(1, "500.00"))
	svc, _ := newTestService(repo)
	ctx := testCtx()

	payment, err := svc.RecordPayment(ctx, RecordPaymentInput{InvoiceID: 1, Amount: d("500.00"), PaymentDate: testNow, Method: MethodCash})
	require.NoError(t, err)
	require.Equal(t, StatusPaid, repo.invoices[1].Status)
	require.NotNil(t, repo.invoices[1].PaidAt)

	require.NoError(t, svc.DeletePayment(ctx, payment.ID))

	inv := repo.invoices[1]
	require.Equal(t, StatusSent, inv.Status)
	require.True(t, inv.AmountPaid.IsZero())
	require.True(t, inv.AmountDue.Equal(d("500.00")))
	require.Nil(t, inv.PaidAt)
}

func TestDeleteLastPaymentPastDueRevertsToOverdue(t *testing.T) {
	repo := newMemoryRepo()
	inv := openInvoice(1, "500.00")
	inv.DueDate = testNow.AddDate(0, 0, -5)
	repo.addInvoice(inv)
	svc, _ := newTestService(repo)
	ctx := testCtx()

	payment, err := svc.RecordPayment(ctx, RecordPaymentInput{InvoiceID: 1, Amount: d("500.00"), PaymentDate: testNow, Method: MethodCash})
	require.NoError(t, err)

	require.NoError(t, svc.DeletePayment(ctx, payment.ID))
	require.Equal(t, StatusOverdue, repo.invoices[1].Status)
}

func TestUpdatePaymentResumsAndKeepsSingleEntry(t *testing.T) {
	repo := newMemoryRepo()
	repo.addInvoice(openInvoice(1, "1000.00"))
	svc, _ := newTestService(repo)
	ctx := testCtx()

	payment, err := svc.RecordPayment(ctx, RecordPaymentInput{InvoiceID: 1, Amount: d("1000.00"), PaymentDate: testNow, Method: MethodCash})
	require.NoError(t, err)
	require.Equal(t, StatusPaid, repo.invoices[1].Status)
	entriesBefore := len(repo.activities)

	newAmount := d("0.01")
	updated, err := svc.UpdatePayment(ctx, payment.ID, UpdatePaymentInput{Amount: &newAmount})
	require.NoError(t, err)
	require.True(t, updated.Amount.Equal(newAmount))

	inv := repo.invoices[1]
	require.Equal(t, StatusPartiallyPaid, inv.Status)
	require.True(t, inv.AmountPaid.Equal(d("0.01")))
	require.True(t, inv.AmountDue.Equal(d("999.99")))
	require.Nil(t, inv.PaidAt, "leaving the paid state must clear paid_at")

	// The edit appends exactly one entry; the status movement rides in its
	// metadata.
	require.Len(t, repo.activities, entriesBefore+1)
	last := repo.activities[len(repo.activities)-1]
	require.Equal(t, ActivityPaymentRecorded, last.Type)
	require.Equal(t, "1000.00", last.Metadata["old_amount"])
	require.Equal(t, "0.01", last.Metadata["new_amount"])
	require.Equal(t, "PAID", last.Metadata["old_status"])
	require.Equal(t, "PARTIALLY_PAID", last.Metadata["new_status"])
}

func TestUpdatePaymentOvershootFloorsDueAtZero(t *testing.T) {
	repo := newMemoryRepo()
	repo.addInvoice(openInvoice(1, "1000.00"))
	svc, _ := newTestService(repo)
	ctx := testCtx()

	payment, err := svc.RecordPayment(ctx, RecordPaymentInput{InvoiceID: 1, Amount: d("400.00"), PaymentDate: testNow, Method: MethodCash})
	require.NoError(t, err)

	// Edits past the invoice total are preserved, not rejected or clamped.
	newAmount := d("1300.00")
	_, err = svc.UpdatePayment(ctx, payment.ID, UpdatePaymentInput{Amount: &newAmount})
	require.NoError(t, err)

	inv := repo.invoices[1]
	require.Equal(t, StatusPaid, inv.Status)
	require.True(t, inv.AmountPaid.Equal(d("1300.00")))
	require.True(t, inv.AmountDue.IsZero())
}

func TestUpdatePaymentKeepsPaidAtWhenStillPaid(t *testing.T) {
	repo := newMemoryRepo()
	repo.addInvoice(openInvoice(1, "500.00"))
	svc, _ := newTestService(repo)
	ctx := testCtx()

	payment, err := svc.RecordPayment(ctx, RecordPaymentInput{InvoiceID: 1, Amount: d("500.00"), PaymentDate: testNow, Method: MethodCash})
	require.NoError(t, err)
	paidAt := repo.invoices[1].PaidAt
	require.NotNil(t, paidAt)

	svc.now = func() time.Time { return testNow.Add(72 * time.Hour) }
	ref := "WIRE-881"
	_, err = svc.UpdatePayment(ctx, payment.ID, UpdatePaymentInput{ReferenceNumber: &ref})
	require.NoError(t, err)
	require.NotNil(t, repo.invoices[1].PaidAt)
	require.Equal(t, *paidAt, *repo.invoices[1].PaidAt)
}

func TestDeletePaymentOnCancelledInvoiceKeepsStatus(t *testing.T) {
	repo := newMemoryRepo()
	inv := openInvoice(1, "1000.00")
	inv.Status = StatusCancelled
	inv.AmountPaid = d("200.00")
	inv.AmountDue = d("800.00")
	repo.addInvoice(inv)
	repo.nextPaymentID = 1
	repo.payments[1] = &Payment{ID: 1, TenantID: 1, InvoiceID: 1, Amount: d("200.00"), PaymentDate: testNow, Method: MethodCash}
	svc, _ := newTestService(repo)

	require.NoError(t, svc.DeletePayment(testCtx(), 1))

	got := repo.invoices[1]
	require.Equal(t, StatusCancelled, got.Status)
	require.True(t, got.AmountPaid.IsZero())
	require.True(t, got.AmountDue.Equal(d("1000.00")))
}

func TestConcurrentRecordsSerialise(t *testing.T) {
	repo := newMemoryRepo()
	repo.addInvoice(openInvoice(1, "1000.00"))
	svc, _ := newTestService(repo)
	ctx := testCtx()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.RecordPayment(ctx, RecordPaymentInput{
				InvoiceID:   1,
				Amount:      d("100.00"),
				PaymentDate: testNow,
				Method:      MethodCash,
			})
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.Len(t, repo.payments, 2)
	inv := repo.invoices[1]
	require.True(t, inv.AmountPaid.Equal(d("200.00")))
	require.True(t, inv.AmountDue.Equal(d("800.00")))
}

func TestGetPaymentsRequiresExistingInvoice(t *testing.T) {
	repo := newMemoryRepo()
	svc, _ := newTestService(repo)

	_, err := svc.GetPayments(testCtx(), 99)
	require.ErrorIs(t, err, httpx.ErrNotFound)
}

func TestListPaymentsPagination(t *testing.T) {
	repo := newMemoryRepo()
	repo.addInvoice(openInvoice(1, "10000.00"))
	svc, _ := newTestService(repo)
	ctx := testCtx()

	for i := 0; i < 3; i++ {
		_, err := svc.RecordPayment(ctx, RecordPaymentInput{InvoiceID: 1, Amount: d("50.00"), PaymentDate: testNow, Method: MethodCash})
		require.NoError(t, err)
	}

	payments, paging, err := svc.ListPayments(ctx, PaymentFilter{})
	require.NoError(t, err)
	require.Len(t, payments, 3)
	require.Equal(t, 3, paging.Total)
	require.Equal(t, 20, paging.PerPage)
}
