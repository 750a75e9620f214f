package audit

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type pgRepository struct {
	pool *pgxpool.Pool
}

var _ Repository = (*pgRepository)(nil)

// NewRepository constructs the PostgreSQL-backed timeline reader.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

const timelineColumns = `created_at, COALESCE(actor_email, ''), action, entity_type, entity_id,
	COALESCE(before_state, 'null'::jsonb), COALESCE(after_state, 'null'::jsonb),
	rule_version_id, COALESCE(ip_address, ''), COALESCE(notes, '')`

func (r *pgRepository) TimelineWindow(ctx context.Context, filters TimelineFilters, offset, limit int) ([]TimelineRow, error) {
	where, args := buildWhere(filters)
	query := fmt.Sprintf(`SELECT %s FROM audit_logs %s ORDER BY created_at DESC OFFSET $%d LIMIT $%d`,
		timelineColumns, where, len(args)+1, len(args)+2)
	args = append(args, offset, limit)
	return r.query(ctx, query, args)
}

func (r *pgRepository) TimelineAll(ctx context.Context, filters TimelineFilters) ([]TimelineRow, error) {
	where, args := buildWhere(filters)
	query := fmt.Sprintf(`SELECT %s FROM audit_logs %s ORDER BY created_at DESC`, timelineColumns, where)
	return r.query(ctx, query, args)
}

func (r *pgRepository) query(ctx context.Context, query string, args []any) ([]TimelineRow, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TimelineRow
	for rows.Next() {
		row, err := scanTimelineRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func buildWhere(filters TimelineFilters) (string, []any) {
	var clauses []string
	var args []any
	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if !filters.From.IsZero() {
		add("created_at >= $%d", filters.From)
	}
	if !filters.To.IsZero() {
		add("created_at <= $%d", filters.To)
	}
	if filters.ActorEmail != "" {
		add("actor_email = $%d", filters.ActorEmail)
	}
	if filters.EntityType != "" {
		add("entity_type = $%d", filters.EntityType)
	}
	if filters.EntityID != nil {
		add("entity_id = $%d", *filters.EntityID)
	}
	if filters.Action != "" {
		add("action = $%d", filters.Action)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

func scanTimelineRow(row pgx.Row) (TimelineRow, error) {
	var tr TimelineRow
	err := row.Scan(&tr.At, &tr.ActorEmail, &tr.Action, &tr.EntityType, &tr.EntityID,
		&tr.Before, &tr.After, &tr.RuleVersionID, &tr.IP, &tr.Notes)
	if err != nil {
		return TimelineRow{}, err
	}
	return tr, nil
}
