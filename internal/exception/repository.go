package exception

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/apflow/apflow/internal/platform/db"
	"github.com/apflow/apflow/internal/shared"
)

// Repository defines exception data access.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error

	Get(ctx context.Context, id uuid.UUID) (Record, error)
	ListForInvoice(ctx context.Context, invoiceID uuid.UUID) ([]Record, error)
	ListOpenForInvoice(ctx context.Context, invoiceID uuid.UUID) ([]Record, error)
	ListComments(ctx context.Context, exceptionID uuid.UUID) ([]Comment, error)
	FindRouting(ctx context.Context, code Code, severity Severity) (RoutingRule, error)
}

// TxRepository defines operations within a transaction.
type TxRepository interface {
	GetForUpdate(ctx context.Context, id uuid.UUID) (Record, error)
	Update(ctx context.Context, rec Record) error
	InsertComment(ctx context.Context, c Comment) error
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

const recordColumns = `id, invoice_id, code, description, severity, status, assignee_id,
	resolver_id, resolved_at, resolution_notes, ai_root_cause, created_at, updated_at`

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(&rec.ID, &rec.InvoiceID, &rec.Code, &rec.Description, &rec.Severity, &rec.Status,
		&rec.AssigneeID, &rec.ResolverID, &rec.ResolvedAt, &rec.ResolutionNotes, &rec.AIRootCause,
		&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, shared.ErrNotFound
		}
		return Record{}, err
	}
	return rec, nil
}

func (r *pgRepository) Get(ctx context.Context, id uuid.UUID) (Record, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM exception_records WHERE id = $1`, id)
	return scanRecord(row)
}

func (r *pgRepository) listRecords(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *pgRepository) ListForInvoice(ctx context.Context, invoiceID uuid.UUID) ([]Record, error) {
	return r.listRecords(ctx, `SELECT `+recordColumns+` FROM exception_records
		WHERE invoice_id = $1 ORDER BY created_at`, invoiceID)
}

func (r *pgRepository) ListOpenForInvoice(ctx context.Context, invoiceID uuid.UUID) ([]Record, error) {
	return r.listRecords(ctx, `SELECT `+recordColumns+` FROM exception_records
		WHERE invoice_id = $1 AND status = 'open' ORDER BY created_at`, invoiceID)
}

func (r *pgRepository) ListComments(ctx context.Context, exceptionID uuid.UUID) ([]Comment, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, exception_id, author_id, author_email, body, created_at
		FROM exception_comments WHERE exception_id = $1 ORDER BY created_at`, exceptionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Comment
	for rows.Next() {
		var c Comment
		if err := rows.Scan(&c.ID, &c.ExceptionID, &c.AuthorID, &c.AuthorEmail, &c.Body, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// FindRouting prefers a code-specific rule over a severity-wide one.
func (r *pgRepository) FindRouting(ctx context.Context, code Code, severity Severity) (RoutingRule, error) {
	row := r.pool.QueryRow(ctx, `SELECT id, code, severity, assignee_id, active
		FROM exception_routing_rules
		WHERE active AND (code = $1 OR (code = '' AND severity = $2))
		ORDER BY code DESC LIMIT 1`, code, severity)
	var rule RoutingRule
	err := row.Scan(&rule.ID, &rule.Code, &rule.Severity, &rule.AssigneeID, &rule.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return RoutingRule{}, shared.ErrNotFound
		}
		return RoutingRule{}, err
	}
	return rule, nil
}

func (t *pgTxRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (Record, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+recordColumns+` FROM exception_records WHERE id = $1 FOR UPDATE`, id)
	return scanRecord(row)
}

func (t *pgTxRepository) Update(ctx context.Context, rec Record) error {
	tag, err := t.tx.Exec(ctx, `UPDATE exception_records SET
		status = $2, assignee_id = $3, resolver_id = $4, resolved_at = $5,
		resolution_notes = $6, ai_root_cause = $7, updated_at = NOW()
		WHERE id = $1`,
		rec.ID, rec.Status, rec.AssigneeID, rec.ResolverID, rec.ResolvedAt,
		rec.ResolutionNotes, rec.AIRootCause)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (t *pgTxRepository) InsertComment(ctx context.Context, c Comment) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO exception_comments
		(id, exception_id, author_id, author_email, body, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())`,
		c.ID, c.ExceptionID, c.AuthorID, c.AuthorEmail, c.Body)
	return err
}

func (t *pgTxRepository) AppendAudit(ctx context.Context, entry shared.AuditEntry) error {
	return shared.AppendAudit(ctx, t.tx, entry)
}
