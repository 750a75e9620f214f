package invoice

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/apflow/apflow/internal/platform/db"
	"github.com/apflow/apflow/internal/shared"
)

// Repository defines invoice data access.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error

	Get(ctx context.Context, id uuid.UUID) (Invoice, error)
	ListLines(ctx context.Context, invoiceID uuid.UUID) ([]LineItem, error)
	ListPendingWithDueDate(ctx context.Context) ([]Invoice, error)
}

// TxRepository defines operations within a transaction.
type TxRepository interface {
	Insert(ctx context.Context, inv Invoice) error
	GetForUpdate(ctx context.Context, id uuid.UUID) (Invoice, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status Status) error
	UpdateExtractedFields(ctx context.Context, id uuid.UUID, fields ExtractedFields) error
	SetNormalizedAmount(ctx context.Context, id uuid.UUID, amount float64) error
	ReplaceLineItems(ctx context.Context, invoiceID uuid.UUID, lines []LineItem) error
	InsertExtractionResult(ctx context.Context, res ExtractionResult) error
	RecordPayment(ctx context.Context, input PaymentInput) error
	UpdateScalarField(ctx context.Context, id uuid.UUID, column string, value any) error
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

const invoiceColumns = `id, status, storage_path, original_name, file_size, mime_type, source, source_email,
	invoice_number, vendor_id, po_id, currency, subtotal, tax_amount, total_amount,
	invoice_date, due_date, payment_terms, vendor_name_raw, vendor_address_raw, remit_to, notes,
	department, category, normalized_amount_usd, ocr_confidence, extraction_model,
	fraud_score, fraud_signals, is_duplicate, recurring_pattern_id,
	payment_status, payment_date, payment_method, payment_reference,
	deleted_at, created_at, updated_at`

func scanInvoice(row pgx.Row) (Invoice, error) {
	var inv Invoice
	var signalsJSON []byte
	err := row.Scan(
		&inv.ID, &inv.Status, &inv.StoragePath, &inv.OriginalName, &inv.FileSize, &inv.MimeType, &inv.Source, &inv.SourceEmail,
		&inv.InvoiceNumber, &inv.VendorID, &inv.POID, &inv.Currency, &inv.Subtotal, &inv.TaxAmount, &inv.TotalAmount,
		&inv.InvoiceDate, &inv.DueDate, &inv.PaymentTerms, &inv.VendorNameRaw, &inv.VendorAddressRaw, &inv.RemitTo, &inv.Notes,
		&inv.Department, &inv.Category, &inv.NormalizedAmountUSD, &inv.OCRConfidence, &inv.ExtractionModel,
		&inv.FraudScore, &signalsJSON, &inv.IsDuplicate, &inv.RecurringPatternID,
		&inv.PaymentStatus, &inv.PaymentDate, &inv.PaymentMethod, &inv.PaymentReference,
		&inv.DeletedAt, &inv.CreatedAt, &inv.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Invoice{}, shared.ErrNotFound
		}
		return Invoice{}, err
	}
	if len(signalsJSON) > 0 {
		_ = json.Unmarshal(signalsJSON, &inv.FraudSignals)
	}
	return inv, nil
}

func (r *pgRepository) Get(ctx context.Context, id uuid.UUID) (Invoice, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id)
	return scanInvoice(row)
}

func (r *pgRepository) ListLines(ctx context.Context, invoiceID uuid.UUID) ([]LineItem, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, invoice_id, line_number, description, quantity, unit_price, unit,
		line_total, category, gl_account, suggested_gl_account, cost_center, po_line_id, created_at
		FROM invoice_line_items WHERE invoice_id = $1 ORDER BY line_number`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []LineItem
	for rows.Next() {
		var l LineItem
		if err := rows.Scan(&l.ID, &l.InvoiceID, &l.LineNumber, &l.Description, &l.Quantity, &l.UnitPrice, &l.Unit,
			&l.LineTotal, &l.Category, &l.GLAccount, &l.SuggestedGLAccount, &l.CostCenter, &l.POLineID, &l.CreatedAt); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func (r *pgRepository) ListPendingWithDueDate(ctx context.Context) ([]Invoice, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+invoiceColumns+` FROM invoices
		WHERE deleted_at IS NULL AND due_date IS NOT NULL
		AND status = ANY($1)`, statusStrings(PendingStatuses))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func statusStrings(statuses []Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func (t *pgTxRepository) Insert(ctx context.Context, inv Invoice) error {
	signalsJSON, err := json.Marshal(inv.FraudSignals)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `INSERT INTO invoices
		(id, status, storage_path, original_name, file_size, mime_type, source, source_email,
		 invoice_number, currency, fraud_score, fraud_signals, is_duplicate, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW(), NOW())`,
		inv.ID, inv.Status, inv.StoragePath, inv.OriginalName, inv.FileSize, inv.MimeType, inv.Source, inv.SourceEmail,
		inv.InvoiceNumber, inv.Currency, inv.FraudScore, signalsJSON, inv.IsDuplicate)
	return err
}

func (t *pgTxRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (Invoice, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1 FOR UPDATE`, id)
	return scanInvoice(row)
}

func (t *pgTxRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status Status) error {
	tag, err := t.tx.Exec(ctx, `UPDATE invoices SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (t *pgTxRepository) UpdateExtractedFields(ctx context.Context, id uuid.UUID, f ExtractedFields) error {
	_, err := t.tx.Exec(ctx, `UPDATE invoices SET
		invoice_number = $2, vendor_name_raw = $3, vendor_address_raw = $4, currency = $5,
		subtotal = $6, tax_amount = $7, total_amount = $8, invoice_date = $9, due_date = $10,
		payment_terms = $11, ocr_confidence = $12, extraction_model = $13, updated_at = NOW()
		WHERE id = $1`,
		id, f.InvoiceNumber, f.VendorNameRaw, f.VendorAddressRaw, f.Currency,
		f.Subtotal, f.TaxAmount, f.TotalAmount, f.InvoiceDate, f.DueDate,
		f.PaymentTerms, f.OCRConfidence, f.ExtractionModel)
	return err
}

func (t *pgTxRepository) SetNormalizedAmount(ctx context.Context, id uuid.UUID, amount float64) error {
	_, err := t.tx.Exec(ctx, `UPDATE invoices SET normalized_amount_usd = $2, updated_at = NOW() WHERE id = $1`, id, amount)
	return err
}

func (t *pgTxRepository) ReplaceLineItems(ctx context.Context, invoiceID uuid.UUID, lines []LineItem) error {
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

func (t *pgTxRepository) InsertExtractionResult(ctx context.Context, res ExtractionResult) error {
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

func (t *pgTxRepository) RecordPayment(ctx context.Context, input PaymentInput) error {
	_, err := t.tx.Exec(ctx, `UPDATE invoices SET status = $2, payment_status = 'paid',
		payment_date = $3, payment_method = $4, payment_reference = $5, updated_at = NOW()
		WHERE id = $1`, input.InvoiceID, StatusPaid, input.PaidAt, input.Method, input.Reference)
	return err
}

// UpdateScalarField updates one whitelisted column during an admin field
// correction. The service layer owns the whitelist.
func (t *pgTxRepository) UpdateScalarField(ctx context.Context, id uuid.UUID, column string, value any) error {
	switch column {
	case "invoice_number", "currency", "subtotal", "tax_amount", "total_amount",
		"invoice_date", "due_date", "payment_terms", "vendor_name_raw", "vendor_address_raw",
		"department", "category", "notes":
	default:
		return errors.New("invoice: column not correctable")
	}
	_, err := t.tx.Exec(ctx, `UPDATE invoices SET `+column+` = $2, updated_at = NOW() WHERE id = $1`, id, value)
	return err
}

func (t *pgTxRepository) AppendAudit(ctx context.Context, entry shared.AuditEntry) error {
	return shared.AppendAudit(ctx, t.tx, entry)
}
