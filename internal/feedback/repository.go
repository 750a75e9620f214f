package feedback

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/apflow/apflow/internal/shared"
)

// Repository defines feedback data access.
type Repository interface {
	InsertEntry(ctx context.Context, e Entry) error
	CountCorrectionsSince(ctx context.Context, since time.Time) ([]CorrectionCount, error)

	InsertRecommendation(ctx context.Context, rec Recommendation) error
	GetRecommendation(ctx context.Context, id uuid.UUID) (Recommendation, error)
	ListRecommendations(ctx context.Context, status RecommendationStatus) ([]Recommendation, error)
	UpdateRecommendationReview(ctx context.Context, rec Recommendation) error
}

var _ Repository = (*pgRepository)(nil)

type pgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the PostgreSQL-backed repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

func (r *pgRepository) InsertEntry(ctx context.Context, e Entry) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO ai_feedback
			(id, feedback_type, entity_type, entity_id, field_name, old_value, new_value,
			 actor_id, actor_email, invoice_id, vendor_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())`,
		e.ID, e.Type, e.EntityType, e.EntityID, nullIfEmpty(e.FieldName), e.OldValue, e.NewValue,
		e.ActorID, nullIfEmpty(e.ActorEmail), e.InvoiceID, e.VendorID)
	return err
}

func (r *pgRepository) CountCorrectionsSince(ctx context.Context, since time.Time) ([]CorrectionCount, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT feedback_type, COALESCE(field_name, ''), COUNT(*)
		FROM ai_feedback
		WHERE created_at >= $1
		GROUP BY feedback_type, field_name
		ORDER BY COUNT(*) DESC`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CorrectionCount
	for rows.Next() {
		var cc CorrectionCount
		if err := rows.Scan(&cc.Type, &cc.FieldName, &cc.Count); err != nil {
			return nil, err
		}
		out = append(out, cc)
	}
	return out, rows.Err()
}

const recommendationColumns = `id, rule_type, title, description, COALESCE(evidence_summary, ''), suggested_config,
	COALESCE(confidence_score, 0), status, reviewed_by, reviewed_at, COALESCE(review_notes, ''),
	analysis_period_start, analysis_period_end, COALESCE(correction_count, 0), created_at, updated_at`

func (r *pgRepository) InsertRecommendation(ctx context.Context, rec Recommendation) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO rule_recommendations
			(id, rule_type, title, description, evidence_summary, suggested_config, confidence_score,
			 status, analysis_period_start, analysis_period_end, correction_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())`,
		rec.ID, rec.RuleType, rec.Title, rec.Description, nullIfEmpty(rec.EvidenceSummary),
		rec.SuggestedConfig, rec.ConfidenceScore, rec.Status, rec.PeriodStart, rec.PeriodEnd, rec.CorrectionCount)
	return err
}

func (r *pgRepository) GetRecommendation(ctx context.Context, id uuid.UUID) (Recommendation, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+recommendationColumns+` FROM rule_recommendations WHERE id = $1`, id)
	return scanRecommendation(row)
}

func (r *pgRepository) ListRecommendations(ctx context.Context, status RecommendationStatus) ([]Recommendation, error) {
	query := `SELECT ` + recommendationColumns + ` FROM rule_recommendations`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Recommendation
	for rows.Next() {
		rec, err := scanRecommendation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *pgRepository) UpdateRecommendationReview(ctx context.Context, rec Recommendation) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE rule_recommendations
		SET status = $2, reviewed_by = $3, reviewed_at = $4, review_notes = $5, updated_at = NOW()
		WHERE id = $1`,
		rec.ID, rec.Status, rec.ReviewedBy, rec.ReviewedAt, nullIfEmpty(rec.ReviewNotes))
	return err
}

func scanRecommendation(row pgx.Row) (Recommendation, error) {
	var rec Recommendation
	err := row.Scan(&rec.ID, &rec.RuleType, &rec.Title, &rec.Description, &rec.EvidenceSummary,
		&rec.SuggestedConfig, &rec.ConfidenceScore, &rec.Status, &rec.ReviewedBy, &rec.ReviewedAt,
		&rec.ReviewNotes, &rec.PeriodStart, &rec.PeriodEnd, &rec.CorrectionCount,
		&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Recommendation{}, shared.ErrNotFound
		}
		return Recommendation{}, err
	}
	return rec, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
