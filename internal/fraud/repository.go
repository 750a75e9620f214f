package fraud

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type pgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the PostgreSQL-backed history lookup.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

func (r *pgRepository) ApprovedTotals(ctx context.Context, vendorID uuid.UUID, excludeID uuid.UUID) ([]float64, error) {
	rows, err := r.pool.Query(ctx, `SELECT total_amount FROM invoices
		WHERE deleted_at IS NULL AND vendor_id = $1 AND id <> $2
		AND status IN ('approved', 'paid') AND total_amount IS NOT NULL`, vendorID, excludeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var totals []float64
	for rows.Next() {
		var t float64
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		totals = append(totals, t)
	}
	return totals, rows.Err()
}

func (r *pgRepository) CountSameTotalWithin(ctx context.Context, vendorID uuid.UUID, total float64, since time.Time, excludeID uuid.UUID) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM invoices
		WHERE deleted_at IS NULL AND vendor_id = $1 AND id <> $2
		AND total_amount = $3 AND created_at >= $4`, vendorID, excludeID, total, since).Scan(&n)
	return n, err
}
