package duplicate

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/apflow/apflow/internal/invoice"
)

type pgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the PostgreSQL-backed candidate lookup.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

const candidateColumns = `id, status, invoice_number, vendor_id, currency, total_amount,
	normalized_amount_usd, invoice_date, created_at`

func (r *pgRepository) query(ctx context.Context, sql string, args ...any) ([]invoice.Invoice, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []invoice.Invoice
	for rows.Next() {
		var inv invoice.Invoice
		if err := rows.Scan(&inv.ID, &inv.Status, &inv.InvoiceNumber, &inv.VendorID, &inv.Currency,
			&inv.TotalAmount, &inv.NormalizedAmountUSD, &inv.InvoiceDate, &inv.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func (r *pgRepository) FindByVendorAndNumber(ctx context.Context, vendorID uuid.UUID, invoiceNumber string, excludeID uuid.UUID) ([]invoice.Invoice, error) {
	return r.query(ctx, `SELECT `+candidateColumns+` FROM invoices
		WHERE deleted_at IS NULL AND vendor_id = $1 AND invoice_number = $2 AND id <> $3`,
		vendorID, invoiceNumber, excludeID)
}

func (r *pgRepository) FindByVendorAndAmount(ctx context.Context, vendorID uuid.UUID, minAmount, maxAmount float64, excludeID uuid.UUID) ([]invoice.Invoice, error) {
	return r.query(ctx, `SELECT `+candidateColumns+` FROM invoices
		WHERE deleted_at IS NULL AND vendor_id = $1 AND id <> $4
		AND normalized_amount_usd BETWEEN $2 AND $3`,
		vendorID, minAmount, maxAmount, excludeID)
}
