package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-books/meridian/internal/platform/db"
	"github.com/meridian-books/meridian/internal/recon"
)

// OverdueCandidate identifies an invoice eligible for the overdue flip.
type OverdueCandidate struct {
	InvoiceID int64
	TenantID  int64
	Number    string
}

// OverdueSweepStore persists the sweep.
type OverdueSweepStore interface {
	ListOverdueCandidates(ctx context.Context, asOf time.Time) ([]OverdueCandidate, error)
	MarkOverdue(ctx context.Context, candidate OverdueCandidate, asOf time.Time) (bool, error)
}

// OverdueSweepJob flips unpaid SENT invoices past their due date to OVERDUE.
// Invoices with payments are left to the reconciliation deriver, which
// already keeps PARTIALLY_PAID and PAID current on every ledger change.
type OverdueSweepJob struct {
	store  OverdueSweepStore
	logger *slog.Logger
	cache  *recon.ViewCache
}

// NewOverdueSweepJob builds the sweep job.
func NewOverdueSweepJob(store OverdueSweepStore, logger *slog.Logger, cache *recon.ViewCache) *OverdueSweepJob {
	return &OverdueSweepJob{store: store, logger: logger, cache: cache}
}

// Handle processes TaskOverdueSweep tasks.
func (j *OverdueSweepJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload OverdueSweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	asOf := time.Now().UTC().Truncate(24 * time.Hour)
	if payload.AsOf != "" {
		parsed, err := time.Parse("2006-01-02", payload.AsOf)
		if err != nil {
			return asynq.SkipRetry
		}
		asOf = parsed
	}

	candidates, err := j.store.ListOverdueCandidates(ctx, asOf)
	if err != nil {
		return fmt.Errorf("jobs: list overdue candidates: %w", err)
	}

	flipped := 0
	for _, candidate := range candidates {
		ok, err := j.store.MarkOverdue(ctx, candidate, asOf)
		if err != nil {
			j.logger.Error("mark invoice overdue",
				slog.Int64("invoice_id", candidate.InvoiceID), slog.Any("error", err))
			continue
		}
		if !ok {
			continue
		}
		flipped++
		if err := j.cache.Bump(ctx, candidate.TenantID, candidate.InvoiceID); err != nil {
			j.logger.Warn("bump invoice views", slog.Int64("invoice_id", candidate.InvoiceID), slog.Any("error", err))
		}
	}

	j.logger.Info("overdue sweep complete",
		slog.Int("candidates", len(candidates)), slog.Int("flipped", flipped))
	return nil
}

// PGOverdueSweepStore implements OverdueSweepStore on PostgreSQL.
type PGOverdueSweepStore struct {
	pool *pgxpool.Pool
}

// NewOverdueSweepStore constructs the store.
func NewOverdueSweepStore(pool *pgxpool.Pool) *PGOverdueSweepStore {
	return &PGOverdueSweepStore{pool: pool}
}

// ListOverdueCandidates returns SENT invoices with no payments whose due
// date has passed.
func (s *PGOverdueSweepStore) ListOverdueCandidates(ctx context.Context, asOf time.Time) ([]OverdueCandidate, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, number FROM invoices
		WHERE status = 'SENT' AND amount_paid = 0 AND due_date < $1
		ORDER BY id`, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []OverdueCandidate
	for rows.Next() {
		var c OverdueCandidate
		if err := rows.Scan(&c.InvoiceID, &c.TenantID, &c.Number); err != nil {
			return nil, err
		}
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

// MarkOverdue flips one invoice inside its own transaction, re-checking the
// candidate under the row lock so a payment recorded since the scan wins.
// The system activity entry commits atomically with the status change.
func (s *PGOverdueSweepStore) MarkOverdue(ctx context.Context, candidate OverdueCandidate, asOf time.Time) (bool, error) {
	flipped := false
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx, `
			SELECT status FROM invoices
			WHERE id = $1 AND tenant_id = $2 AND amount_paid = 0 AND due_date < $3
			FOR UPDATE`,
			candidate.InvoiceID, candidate.TenantID, asOf,
		).Scan(&status)
		if err == pgx.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		if status != string(recon.StatusSent) {
			return nil
		}

		if _, err := tx.Exec(ctx, `
			UPDATE invoices SET status = $3, updated_at = NOW()
			WHERE id = $1 AND tenant_id = $2`,
			candidate.InvoiceID, candidate.TenantID, recon.StatusOverdue,
		); err != nil {
			return err
		}

		meta, err := json.Marshal(map[string]any{
			"old_status": string(recon.StatusSent),
			"new_status": string(recon.StatusOverdue),
			"as_of":      asOf.Format("2006-01-02"),
		})
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO invoice_activities (id, tenant_id, invoice_id, activity_type, description, metadata, performed_by, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, NULL, NOW())`,
			uuid.New(), candidate.TenantID, candidate.InvoiceID, recon.ActivityStatusChanged,
			fmt.Sprintf("Invoice %s status changed from SENT to OVERDUE", candidate.Number), meta,
		); err != nil {
			return err
		}
		flipped = true
		return nil
	})
	return flipped, err
}
