package pipeline

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/apflow/apflow/internal/exception"
	"github.com/apflow/apflow/internal/invoice"
	"github.com/apflow/apflow/internal/platform/db"
	"github.com/apflow/apflow/internal/shared"
)

// Repository defines the pipeline's transactional surface over the
// invoice it is driving.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository defines one pipeline stage's writes. Each stage locks
// the invoice row so concurrent pipeline runs serialize.
type TxRepository interface {
	LockInvoiceStatus(ctx context.Context, invoiceID uuid.UUID) (invoice.Status, error)
	UpdateStatus(ctx context.Context, invoiceID uuid.UUID, status invoice.Status) error
	UpdateExtractedFields(ctx context.Context, invoiceID uuid.UUID, fields invoice.ExtractedFields) error
	ReplaceLineItems(ctx context.Context, invoiceID uuid.UUID, lines []invoice.LineItem) error
	InsertExtractionResult(ctx context.Context, res invoice.ExtractionResult) error
	SetNormalizedAmount(ctx context.Context, invoiceID uuid.UUID, amount float64) error
	MarkDuplicate(ctx context.Context, invoiceID uuid.UUID) error
	SetFraudScore(ctx context.Context, invoiceID uuid.UUID, score int, signals []string) error
	UpsertException(ctx context.Context, rec exception.Record) error
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

// WithTx wraps the callback in a repeatable-read transaction.
func (r *pgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &pgTxRepository{tx: tx})
	})
}

func (t *pgTxRepository) LockInvoiceStatus(ctx context.Context, invoiceID uuid.UUID) (invoice.Status, error) {
	row := t.tx.QueryRow(ctx, `SELECT status FROM invoices WHERE id = $1 FOR UPDATE`, invoiceID)
	var status invoice.Status
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", shared.ErrNotFound
		}
		return "", err
	}
	return status, nil
}

func (t *pgTxRepository) UpdateStatus(ctx context.Context, invoiceID uuid.UUID, status invoice.Status) error {
	tag, err := t.tx.Exec(ctx, `UPDATE invoices SET status = $2, updated_at = NOW() WHERE id = $1`, invoiceID, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (t *pgTxRepository) UpdateExtractedFields(ctx context.Context, invoiceID uuid.UUID, f invoice.ExtractedFields) error {
	_, err := t.tx.Exec(ctx, `UPDATE invoices SET
		invoice_number = $2, vendor_name_raw = $3, vendor_address_raw = $4, currency = $5,
		subtotal = $6, tax_amount = $7, total_amount = $8, invoice_date = $9, due_date = $10,
		payment_terms = $11, ocr_confidence = $12, extraction_model = $13, updated_at = NOW()
		WHERE id = $1`,
		invoiceID, f.InvoiceNumber, f.VendorNameRaw, f.VendorAddressRaw, f.Currency,
		f.Subtotal, f.TaxAmount, f.TotalAmount, f.InvoiceDate, f.DueDate,
		f.PaymentTerms, f.OCRConfidence, f.ExtractionModel)
	return err
}

func (t *pgTxRepository) ReplaceLineItems(ctx context.Context, invoiceID uuid.UUID, lines []invoice.LineItem) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM invoice_line_items WHERE invoice_id = $1`, invoiceID); err != nil {
		return err
	}
	for _, l := range lines {
		id := l.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		if _, err := t.tx.Exec(ctx, `INSERT INTO invoice_line_items
			(id, invoice_id, line_number, description, quantity, unit_price, unit, line_total,
			 category, gl_account, suggested_gl_account, cost_center, po_line_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW())`,
			id, invoiceID, l.LineNumber, l.Description, l.Quantity, l.UnitPrice, l.Unit, l.LineTotal,
			l.Category, l.GLAccount, l.SuggestedGLAccount, l.CostCenter, l.POLineID); err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTxRepository) InsertExtractionResult(ctx context.Context, res invoice.ExtractionResult) error {
	discJSON, err := json.Marshal(res.DiscrepancyFields)
	if err != nil {
		return err
	}
	id := res.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	_, err = t.tx.Exec(ctx, `INSERT INTO extraction_results
		(id, invoice_id, pass_number, model_used, raw_payload, tokens_used, latency_ms, discrepancy_fields, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())`,
		id, res.InvoiceID, res.PassNumber, res.ModelUsed, res.RawPayload, res.TokensUsed, res.LatencyMS, discJSON)
	return err
}

func (t *pgTxRepository) SetNormalizedAmount(ctx context.Context, invoiceID uuid.UUID, amount float64) error {
	_, err := t.tx.Exec(ctx, `UPDATE invoices SET normalized_amount_usd = $2, updated_at = NOW() WHERE id = $1`, invoiceID, amount)
	return err
}

func (t *pgTxRepository) MarkDuplicate(ctx context.Context, invoiceID uuid.UUID) error {
	_, err := t.tx.Exec(ctx, `UPDATE invoices SET is_duplicate = TRUE, updated_at = NOW() WHERE id = $1`, invoiceID)
	return err
}

func (t *pgTxRepository) SetFraudScore(ctx context.Context, invoiceID uuid.UUID, score int, signals []string) error {
	signalsJSON, err := json.Marshal(signals)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `UPDATE invoices SET fraud_score = $2, fraud_signals = $3, updated_at = NOW() WHERE id = $1`,
		invoiceID, score, signalsJSON)
	return err
}

func (t *pgTxRepository) UpsertException(ctx context.Context, rec exception.Record) error {
	return exception.Upsert(ctx, t.tx, rec)
}

func (t *pgTxRepository) AppendAudit(ctx context.Context, entry shared.AuditEntry) error {
	return shared.AppendAudit(ctx, t.tx, entry)
}
