package rules

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/apflow/apflow/internal/platform/db"
	"github.com/apflow/apflow/internal/shared"
)

// Repository defines rule and version data access.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error

	LatestPublished(ctx context.Context, ruleType Type) (Version, error)
	GetVersion(ctx context.Context, id uuid.UUID) (Version, error)
	ListVersions(ctx context.Context, ruleID uuid.UUID) ([]Version, error)
}

// TxRepository defines operations within a transaction.
type TxRepository interface {
	FindRuleByName(ctx context.Context, name string) (Rule, error)
	InsertRule(ctx context.Context, rule Rule) error
	GetVersionForUpdate(ctx context.Context, id uuid.UUID) (Version, error)
	NextVersionNumber(ctx context.Context, ruleID uuid.UUID) (int, error)
	InsertVersion(ctx context.Context, v Version) error
	MarkPublished(ctx context.Context, id uuid.UUID, reviewer *uuid.UUID) error
	MarkStatus(ctx context.Context, id uuid.UUID, status VersionStatus, reviewer *uuid.UUID) error
	SupersedePublished(ctx context.Context, ruleID uuid.UUID, exceptID uuid.UUID) error
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

const versionColumns = `v.id, v.rule_id, v.version_number, v.status, v.source, v.config,
	v.ai_extracted, v.shadow_mode, v.change_summary, v.created_by, v.reviewed_by,
	v.published_at, v.archived_at, v.created_at`

func scanVersion(row pgx.Row) (Version, error) {
	var v Version
	err := row.Scan(&v.ID, &v.RuleID, &v.VersionNumber, &v.Status, &v.Source, &v.Config,
		&v.AIExtracted, &v.ShadowMode, &v.ChangeSummary, &v.CreatedBy, &v.ReviewedBy,
		&v.PublishedAt, &v.ArchivedAt, &v.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Version{}, shared.ErrNotFound
		}
		return Version{}, err
	}
	return v, nil
}

func (r *pgRepository) LatestPublished(ctx context.Context, ruleType Type) (Version, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+versionColumns+`
		FROM rule_versions v JOIN rules r ON r.id = v.rule_id
		WHERE r.type = $1 AND v.status = 'published'
		ORDER BY v.published_at DESC LIMIT 1`, ruleType)
	return scanVersion(row)
}

func (r *pgRepository) GetVersion(ctx context.Context, id uuid.UUID) (Version, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+versionColumns+` FROM rule_versions v WHERE v.id = $1`, id)
	return scanVersion(row)
}

func (r *pgRepository) ListVersions(ctx context.Context, ruleID uuid.UUID) ([]Version, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+versionColumns+` FROM rule_versions v
		WHERE v.rule_id = $1 ORDER BY v.version_number DESC`, ruleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (t *pgTxRepository) FindRuleByName(ctx context.Context, name string) (Rule, error) {
	var rule Rule
	err := t.tx.QueryRow(ctx, `SELECT id, name, type, description, created_at, updated_at
		FROM rules WHERE name = $1`, name).
		Scan(&rule.ID, &rule.Name, &rule.Type, &rule.Description, &rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Rule{}, shared.ErrNotFound
		}
		return Rule{}, err
	}
	return rule, nil
}

func (t *pgTxRepository) InsertRule(ctx context.Context, rule Rule) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO rules (id, name, type, description, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())`, rule.ID, rule.Name, rule.Type, rule.Description)
	return err
}

func (t *pgTxRepository) GetVersionForUpdate(ctx context.Context, id uuid.UUID) (Version, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+versionColumns+` FROM rule_versions v WHERE v.id = $1 FOR UPDATE`, id)
	return scanVersion(row)
}

func (t *pgTxRepository) NextVersionNumber(ctx context.Context, ruleID uuid.UUID) (int, error) {
	var next int
	err := t.tx.QueryRow(ctx, `SELECT COALESCE(MAX(version_number), 0) + 1
		FROM rule_versions WHERE rule_id = $1`, ruleID).Scan(&next)
	return next, err
}

func (t *pgTxRepository) InsertVersion(ctx context.Context, v Version) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO rule_versions
		(id, rule_id, version_number, status, source, config, ai_extracted, shadow_mode,
		 change_summary, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())`,
		v.ID, v.RuleID, v.VersionNumber, v.Status, v.Source, v.Config, v.AIExtracted, v.ShadowMode,
		v.ChangeSummary, v.CreatedBy)
	return err
}

func (t *pgTxRepository) MarkPublished(ctx context.Context, id uuid.UUID, reviewer *uuid.UUID) error {
	tag, err := t.tx.Exec(ctx, `UPDATE rule_versions
		SET status = 'published', reviewed_by = $2, published_at = NOW() WHERE id = $1`, id, reviewer)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (t *pgTxRepository) MarkStatus(ctx context.Context, id uuid.UUID, status VersionStatus, reviewer *uuid.UUID) error {
	tag, err := t.tx.Exec(ctx, `UPDATE rule_versions SET status = $2, reviewed_by = $3 WHERE id = $1`,
		id, status, reviewer)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (t *pgTxRepository) SupersedePublished(ctx context.Context, ruleID uuid.UUID, exceptID uuid.UUID) error {
	_, err := t.tx.Exec(ctx, `UPDATE rule_versions SET status = 'superseded'
		WHERE rule_id = $1 AND status = 'published' AND id <> $2`, ruleID, exceptID)
	return err
}

func (t *pgTxRepository) AppendAudit(ctx context.Context, entry shared.AuditEntry) error {
	return shared.AppendAudit(ctx, t.tx, entry)
}
