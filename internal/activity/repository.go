package activity

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGRepository provides PostgreSQL backed reads over invoice_activities.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// InvoiceTimeline fetches one window of activity entries, newest first.
func (r *PGRepository) InvoiceTimeline(ctx context.Context, tenantID, invoiceID int64, params WindowParams) ([]Entry, error) {
	query := `
		SELECT id, invoice_id, activity_type, description, metadata, performed_by, created_at
		FROM invoice_activities
		WHERE tenant_id = $1 AND invoice_id = $2`
	args := []any{tenantID, invoiceID}

	if params.From.Type != "" {
		args = append(args, params.From.Type)
		query += fmt.Sprintf(" AND activity_type = $%d", len(args))
	}
	if !params.From.From.IsZero() {
		args = append(args, params.From.From)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if !params.From.To.IsZero() {
		args = append(args, params.From.To)
		query += fmt.Sprintf(" AND created_at <= $%d", len(args))
	}

	query += " ORDER BY created_at DESC, id DESC"
	args = append(args, params.LimitRows)
	query += fmt.Sprintf(" LIMIT $%d", len(args))
	if params.OffsetRows > 0 {
		args = append(args, params.OffsetRows)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("activity: invoice timeline: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var entry Entry
		var meta []byte
		var performedBy pgtype.Int8
		if err := rows.Scan(&entry.ID, &entry.InvoiceID, &entry.Type, &entry.Description, &meta, &performedBy, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("activity: scan entry: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &entry.Metadata); err != nil {
				return nil, fmt.Errorf("activity: decode metadata: %w", err)
			}
		}
		if performedBy.Valid {
			entry.PerformedBy = &performedBy.Int64
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("activity: invoice timeline: %w", err)
	}
	return entries, nil
}
