package match

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/apflow/apflow/internal/exception"
	"github.com/apflow/apflow/internal/invoice"
	"github.com/apflow/apflow/internal/platform/db"
	"github.com/apflow/apflow/internal/shared"
)

// Repository persists match results.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error

	GetResultForInvoice(ctx context.Context, invoiceID uuid.UUID) (Result, []LineMatch, error)
}

// TxRepository is the single transaction a match run commits through:
// result overwrite, line matches, exceptions, invoice status, audit.
type TxRepository interface {
	LockInvoiceStatus(ctx context.Context, invoiceID uuid.UUID) (invoice.Status, error)
	DeleteResult(ctx context.Context, invoiceID uuid.UUID) error
	InsertResult(ctx context.Context, res Result) error
	InsertLineMatches(ctx context.Context, lines []LineMatch) error
	UpsertException(ctx context.Context, rec exception.Record) error
	UpdateInvoiceStatus(ctx context.Context, invoiceID uuid.UUID, status invoice.Status) error
	AppendAudit(ctx context.Context, entry shared.AuditEntry) error
}

var _ Repository = (*pgRepository)(nil)
var _ TxRepository = (*pgTxRepository)(nil)

type pgRepository struct {
	pool *pgxpool.Pool
}

type pgTxRepository struct {
	tx pgx.Tx
}

// NewRepository constructs the PostgreSQL-backed repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

func (r *pgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &pgTxRepository{tx: tx})
	})
}

func (r *pgRepository) GetResultForInvoice(ctx context.Context, invoiceID uuid.UUID) (Result, []LineMatch, error) {
	var res Result
	err := r.pool.QueryRow(ctx, `SELECT id, invoice_id, po_id, receipt_id, match_type, status,
		rule_version_id, variance_amount, variance_pct, matched_at, notes
		FROM match_results WHERE invoice_id = $1`, invoiceID).
		Scan(&res.ID, &res.InvoiceID, &res.POID, &res.ReceiptID, &res.Type, &res.Status,
			&res.RuleVersionID, &res.VarianceAmount, &res.VariancePct, &res.MatchedAt, &res.Notes)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Result{}, nil, shared.ErrNotFound
		}
		return Result{}, nil, err
	}

	rows, err := r.pool.Query(ctx, `SELECT id, result_id, invoice_line_id, po_line_id, gr_line_id,
		status, qty_variance, price_variance, price_variance_pct
		FROM line_item_matches WHERE result_id = $1`, res.ID)
	if err != nil {
		return Result{}, nil, err
	}
	defer rows.Close()
	var lines []LineMatch
	for rows.Next() {
		var lm LineMatch
		if err := rows.Scan(&lm.ID, &lm.ResultID, &lm.InvoiceLineID, &lm.POLineID, &lm.GRLineID,
			&lm.Status, &lm.QtyVariance, &lm.PriceVariance, &lm.PriceVariancePct); err != nil {
			return Result{}, nil, err
		}
		lines = append(lines, lm)
	}
	return res, lines, rows.Err()
}

func (t *pgTxRepository) LockInvoiceStatus(ctx context.Context, invoiceID uuid.UUID) (invoice.Status, error) {
	var status invoice.Status
	err := t.tx.QueryRow(ctx, `SELECT status FROM invoices WHERE id = $1 FOR UPDATE`, invoiceID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", shared.ErrNotFound
		}
		return "", err
	}
	return status, nil
}

func (t *pgTxRepository) DeleteResult(ctx context.Context, invoiceID uuid.UUID) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM line_item_matches WHERE result_id IN
		(SELECT id FROM match_results WHERE invoice_id = $1)`, invoiceID); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx, `DELETE FROM match_results WHERE invoice_id = $1`, invoiceID)
	return err
}

func (t *pgTxRepository) InsertResult(ctx context.Context, res Result) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO match_results
		(id, invoice_id, po_id, receipt_id, match_type, status, rule_version_id,
		 variance_amount, variance_pct, matched_at, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		res.ID, res.InvoiceID, res.POID, res.ReceiptID, res.Type, res.Status, res.RuleVersionID,
		res.VarianceAmount, res.VariancePct, res.MatchedAt, res.Notes)
	return err
}

func (t *pgTxRepository) InsertLineMatches(ctx context.Context, lines []LineMatch) error {
	for _, lm := range lines {
		if _, err := t.tx.Exec(ctx, `INSERT INTO line_item_matches
			(id, result_id, invoice_line_id, po_line_id, gr_line_id, status,
			 qty_variance, price_variance, price_variance_pct)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			lm.ID, lm.ResultID, lm.InvoiceLineID, lm.POLineID, lm.GRLineID, lm.Status,
			lm.QtyVariance, lm.PriceVariance, lm.PriceVariancePct); err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTxRepository) UpsertException(ctx context.Context, rec exception.Record) error {
	return exception.Upsert(ctx, t.tx, rec)
}

func (t *pgTxRepository) UpdateInvoiceStatus(ctx context.Context, invoiceID uuid.UUID, status invoice.Status) error {
	tag, err := t.tx.Exec(ctx, `UPDATE invoices SET status = $2, updated_at = NOW() WHERE id = $1`, invoiceID, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (t *pgTxRepository) AppendAudit(ctx context.Context, entry shared.AuditEntry) error {
	return shared.AppendAudit(ctx, t.tx, entry)
}
