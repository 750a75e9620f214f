package recurring

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository defines pattern data access.
type Repository interface {
	ListApprovedInvoices(ctx context.Context, since time.Time) ([]ApprovedInvoice, error)
	UpsertPattern(ctx context.Context, p Pattern) error
}

var _ Repository = (*pgRepository)(nil)

type pgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the PostgreSQL-backed repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

func (r *pgRepository) ListApprovedInvoices(ctx context.Context, since time.Time) ([]ApprovedInvoice, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT vendor_id, invoice_date, COALESCE(total_amount, 0)
		FROM invoices
		WHERE status = 'approved'
		  AND deleted_at IS NULL
		  AND vendor_id IS NOT NULL
		  AND invoice_date IS NOT NULL
		  AND created_at >= $1
		ORDER BY vendor_id, invoice_date`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ApprovedInvoice
	for rows.Next() {
		var ai ApprovedInvoice
		if err := rows.Scan(&ai.VendorID, &ai.InvoiceDate, &ai.Amount); err != nil {
			return nil, err
		}
		out = append(out, ai)
	}
	return out, rows.Err()
}

func (r *pgRepository) UpsertPattern(ctx context.Context, p Pattern) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO recurring_invoice_patterns
			(id, vendor_id, frequency_days, avg_amount, tolerance_pct, auto_fast_track, last_detected_at, created_at, updated_at)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (vendor_id) DO UPDATE SET
			frequency_days = EXCLUDED.frequency_days,
			avg_amount = EXCLUDED.avg_amount,
			last_detected_at = EXCLUDED.last_detected_at,
			updated_at = NOW()`,
		p.VendorID, p.FrequencyDays, p.AvgAmount, p.TolerancePct, p.AutoFastTrack, p.LastDetectedAt)
	return err
}
