package approval

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/apflow/apflow/internal/invoice"
	"github.com/apflow/apflow/internal/platform/db"
	"github.com/apflow/apflow/internal/shared"
)

// Repository defines approval data access.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error

	GetTask(ctx context.Context, id uuid.UUID) (Task, error)
	ListPendingForApprover(ctx context.Context, approverID uuid.UUID) ([]Task, error)
	ListResolvedForApprover(ctx context.Context, approverID uuid.UUID) ([]Task, error)
	FindActiveDelegation(ctx context.Context, delegatorID uuid.UUID, on time.Time) (*Delegation, error)
	ListActiveMatrixRules(ctx context.Context) ([]MatrixRule, error)
	FindActiveUserByRole(ctx context.Context, role shared.Role) (*uuid.UUID, error)
}

// TxRepository defines operations within a decision transaction.
type TxRepository interface {
	GetTaskForUpdate(ctx context.Context, id uuid.UUID) (Task, error)
	InsertTask(ctx context.Context, task Task) error
	InsertToken(ctx context.Context, token Token) error
	FindToken(ctx context.Context, taskID uuid.UUID, hash string, action Action) (Token, error)
	MarkTokenUsed(ctx context.Context, tokenID uuid.UUID, at time.Time) error
	UpdateDecision(ctx context.Context, id uuid.UUID, status TaskStatus, channel Channel, notes string, decidedAt *time.Time) error
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

// WithTx wraps the callback in a repeatable-read transaction.
func (r *pgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &pgTxRepository{tx: tx})
	})
}

const taskColumns = `id, invoice_id, approver_id, step_order, approval_required_count, status,
	due_at, decided_at, decision_channel, notes, delegated_to, created_at, updated_at`

func scanTask(row pgx.Row) (Task, error) {
	var t Task
	var channel *string
	err := row.Scan(&t.ID, &t.InvoiceID, &t.ApproverID, &t.StepOrder, &t.RequiredCount, &t.Status,
		&t.DueAt, &t.DecidedAt, &channel, &t.Notes, &t.DelegatedTo, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Task{}, shared.ErrNotFound
		}
		return Task{}, err
	}
	if channel != nil {
		t.DecisionChannel = Channel(*channel)
	}
	return t, nil
}

func (r *pgRepository) GetTask(ctx context.Context, id uuid.UUID) (Task, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM approval_tasks WHERE id = $1`, id)
	return scanTask(row)
}

func (r *pgRepository) ListPendingForApprover(ctx context.Context, approverID uuid.UUID) ([]Task, error) {
	return r.listTasks(ctx, `SELECT `+taskColumns+` FROM approval_tasks
		WHERE approver_id = $1 AND status IN ('pending', 'partially_approved')
		ORDER BY due_at ASC`, approverID)
}

func (r *pgRepository) ListResolvedForApprover(ctx context.Context, approverID uuid.UUID) ([]Task, error) {
	return r.listTasks(ctx, `SELECT `+taskColumns+` FROM approval_tasks
		WHERE approver_id = $1 AND status IN ('approved', 'rejected')
		ORDER BY decided_at DESC`, approverID)
}

func (r *pgRepository) listTasks(ctx context.Context, sql string, args ...any) ([]Task, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (r *pgRepository) FindActiveDelegation(ctx context.Context, delegatorID uuid.UUID, on time.Time) (*Delegation, error) {
	row := r.pool.QueryRow(ctx, `SELECT id, delegator_id, delegate_id, valid_from, valid_until, is_active
		FROM user_delegations
		WHERE delegator_id = $1 AND is_active
		AND valid_from <= $2 AND (valid_until IS NULL OR valid_until >= $2)
		ORDER BY valid_from DESC LIMIT 1`, delegatorID, on)
	var d Delegation
	err := row.Scan(&d.ID, &d.DelegatorID, &d.DelegateID, &d.ValidFrom, &d.ValidUntil, &d.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &d, nil
}

func (r *pgRepository) ListActiveMatrixRules(ctx context.Context) ([]MatrixRule, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, amount_min, amount_max, department, category, approver_role, step_order, due_hours, is_active
		FROM approval_matrix_rules WHERE is_active ORDER BY step_order`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []MatrixRule
	for rows.Next() {
		var m MatrixRule
		var dept, cat *string
		if err := rows.Scan(&m.ID, &m.AmountMin, &m.AmountMax, &dept, &cat, &m.ApproverRole, &m.StepOrder, &m.DueHours, &m.IsActive); err != nil {
			return nil, err
		}
		if dept != nil {
			m.Department = *dept
		}
		if cat != nil {
			m.Category = *cat
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *pgRepository) FindActiveUserByRole(ctx context.Context, role shared.Role) (*uuid.UUID, error) {
	row := r.pool.QueryRow(ctx, `SELECT id FROM users
		WHERE role = $1 AND is_active AND deleted_at IS NULL
		ORDER BY created_at LIMIT 1`, role)
	var id uuid.UUID
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &id, nil
}

func (t *pgTxRepository) GetTaskForUpdate(ctx context.Context, id uuid.UUID) (Task, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM approval_tasks WHERE id = $1 FOR UPDATE`, id)
	return scanTask(row)
}

func (t *pgTxRepository) InsertTask(ctx context.Context, task Task) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO approval_tasks
		(id, invoice_id, approver_id, step_order, approval_required_count, status, due_at, notes, delegated_to, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())`,
		task.ID, task.InvoiceID, task.ApproverID, task.StepOrder, task.RequiredCount,
		task.Status, task.DueAt, task.Notes, task.DelegatedTo)
	return err
}

func (t *pgTxRepository) InsertToken(ctx context.Context, token Token) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO approval_tokens
		(id, task_id, token_hash, action, expires_at, is_used, created_at)
		VALUES ($1, $2, $3, $4, $5, FALSE, NOW())`,
		token.ID, token.TaskID, token.TokenHash, token.Action, token.ExpiresAt)
	return err
}

func (t *pgTxRepository) FindToken(ctx context.Context, taskID uuid.UUID, hash string, action Action) (Token, error) {
	row := t.tx.QueryRow(ctx, `SELECT id, task_id, token_hash, action, expires_at, is_used, used_at, created_at
		FROM approval_tokens WHERE task_id = $1 AND token_hash = $2 AND action = $3`,
		taskID, hash, action)
	var tok Token
	err := row.Scan(&tok.ID, &tok.TaskID, &tok.TokenHash, &tok.Action, &tok.ExpiresAt, &tok.IsUsed, &tok.UsedAt, &tok.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Token{}, shared.ErrNotFound
		}
		return Token{}, err
	}
	return tok, nil
}

func (t *pgTxRepository) MarkTokenUsed(ctx context.Context, tokenID uuid.UUID, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `UPDATE approval_tokens SET is_used = TRUE, used_at = $2 WHERE id = $1 AND NOT is_used`, tokenID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (t *pgTxRepository) UpdateDecision(ctx context.Context, id uuid.UUID, status TaskStatus, channel Channel, notes string, decidedAt *time.Time) error {
	var ch *string
	if channel != "" {
		s := string(channel)
		ch = &s
	}
	tag, err := t.tx.Exec(ctx, `UPDATE approval_tasks
		SET status = $2, decision_channel = $3, notes = $4, decided_at = $5, updated_at = NOW()
		WHERE id = $1`, id, status, ch, notes, decidedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
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
