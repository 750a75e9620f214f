package sla

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository defines SLA alert and compliance-document data access.
type Repository interface {
	AlertExistsSince(ctx context.Context, invoiceID uuid.UUID, alertType AlertType, since time.Time) (bool, error)
	InsertAlert(ctx context.Context, alert Alert) error
	ExpireComplianceDocs(ctx context.Context, asOf time.Time) (int64, error)
}

var _ Repository = (*pgRepository)(nil)

type pgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the PostgreSQL-backed repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

func (r *pgRepository) AlertExistsSince(ctx context.Context, invoiceID uuid.UUID, alertType AlertType, since time.Time) (bool, error) {
	row := r.pool.QueryRow(ctx, `SELECT EXISTS (
		SELECT 1 FROM sla_alerts
		WHERE invoice_id = $1 AND alert_type = $2 AND created_at >= $3)`,
		invoiceID, alertType, since)
	var exists bool
	err := row.Scan(&exists)
	return exists, err
}

func (r *pgRepository) InsertAlert(ctx context.Context, alert Alert) error {
	id := alert.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	_, err := r.pool.Exec(ctx, `INSERT INTO sla_alerts
		(id, invoice_id, alert_type, description, status, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())`,
		id, alert.InvoiceID, alert.Type, alert.Description, AlertOpen)
	return err
}

func (r *pgRepository) ExpireComplianceDocs(ctx context.Context, asOf time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE vendor_compliance_docs
		SET status = 'expired', updated_at = NOW()
		WHERE status IN ('approved', 'active') AND expiry_date < $1`, asOf)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
