package feedback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/apflow/apflow/internal/shared"
)

// ErrAlreadyReviewed is returned when a decision targets a
// recommendation that is no longer pending.
var ErrAlreadyReviewed = errors.New("feedback: recommendation already reviewed")

// Analysis thresholds. A recommendation is only generated when the
// weekly correction volume crosses the bar for its rule family.
const (
	amountCorrectionFloor    = 5
	glCorrectionFloor        = 10
	exceptionCorrectionFloor = 5

	analysisWindowDays = 7
)

// amountFields are the extracted fields whose corrections feed the
// tolerance recommendation.
var amountFields = map[string]bool{
	"total_amount": true,
	"unit_price":   true,
	"subtotal":     true,
}

// Service records human corrections and turns weekly correction
// volume into rule recommendations.
type Service struct {
	repo   Repository
	logger *slog.Logger
	now    func() time.Time
}

// NewService wires the feedback service.
func NewService(repo Repository, logger *slog.Logger) *Service {
	return &Service{repo: repo, logger: logger, now: time.Now}
}

// RecordCorrection captures a header-field correction on an invoice.
func (s *Service) RecordCorrection(ctx context.Context, invoiceID uuid.UUID, field, oldValue, newValue string, actor shared.Actor) error {
	return s.repo.InsertEntry(ctx, Entry{
		ID:         uuid.New(),
		Type:       TypeFieldCorrection,
		EntityType: "invoice",
		EntityID:   invoiceID,
		FieldName:  field,
		OldValue:   optional(oldValue),
		NewValue:   optional(newValue),
		ActorID:    actor.UUID(),
		ActorEmail: actor.Email,
		InvoiceID:  &invoiceID,
	})
}

// RecordGLCorrection captures a GL account override on a line item.
func (s *Service) RecordGLCorrection(ctx context.Context, invoiceID, lineID uuid.UUID, oldAccount, newAccount string, actor shared.Actor) error {
	return s.repo.InsertEntry(ctx, Entry{
		ID:         uuid.New(),
		Type:       TypeGLCorrection,
		EntityType: "invoice_line_item",
		EntityID:   lineID,
		FieldName:  "gl_account",
		OldValue:   optional(oldAccount),
		NewValue:   optional(newAccount),
		ActorID:    actor.UUID(),
		ActorEmail: actor.Email,
		InvoiceID:  &invoiceID,
	})
}

// RecordExceptionChange captures a human status change on an
// exception record.
func (s *Service) RecordExceptionChange(ctx context.Context, exceptionID uuid.UUID, invoiceID *uuid.UUID, oldStatus, newStatus string, actor shared.Actor) error {
	return s.repo.InsertEntry(ctx, Entry{
		ID:         uuid.New(),
		Type:       TypeExceptionCorrection,
		EntityType: "exception",
		EntityID:   exceptionID,
		FieldName:  "status",
		OldValue:   optional(oldStatus),
		NewValue:   optional(newStatus),
		ActorID:    actor.UUID(),
		ActorEmail: actor.Email,
		InvoiceID:  invoiceID,
	})
}

// AnalysisResult summarizes one weekly run.
type AnalysisResult struct {
	TotalCorrections int
	Created          int
}

// Analyze aggregates the past week's corrections and creates pending
// recommendations where the volume crosses a rule family's floor.
func (s *Service) Analyze(ctx context.Context) (AnalysisResult, error) {
	periodEnd := s.now().UTC()
	periodStart := periodEnd.AddDate(0, 0, -analysisWindowDays)

	counts, err := s.repo.CountCorrectionsSince(ctx, periodStart)
	if err != nil {
		return AnalysisResult{}, err
	}

	var res AnalysisResult
	var amountTotal, glTotal, excTotal int
	for _, cc := range counts {
		res.TotalCorrections += cc.Count
		switch cc.Type {
		case TypeFieldCorrection:
			if amountFields[cc.FieldName] {
				amountTotal += cc.Count
			}
		case TypeGLCorrection:
			glTotal += cc.Count
		case TypeExceptionCorrection:
			excTotal += cc.Count
		}
	}
	if res.TotalCorrections == 0 {
		s.logger.Info("feedback analysis skipped, no corrections in window")
		return res, nil
	}

	type candidate struct {
		meets bool
		rec   Recommendation
	}
	toleranceConfig := `{"tolerance_pct": 3.0}`
	candidates := []candidate{
		{
			meets: amountTotal >= amountCorrectionFloor,
			rec: Recommendation{
				RuleType: RuleTypeTolerance,
				Title:    fmt.Sprintf("Adjust amount tolerance: %d corrections in %d days", amountTotal, analysisWindowDays),
				Description: fmt.Sprintf(
					"The system recorded %d corrections to amount fields (total_amount, unit_price, subtotal) in the past week. "+
						"This volume suggests the current matching tolerance thresholds are too strict and cause false exception flags.",
					amountTotal),
				EvidenceSummary: fmt.Sprintf("Amount field corrections: %d in %d days", amountTotal, analysisWindowDays),
				SuggestedConfig: &toleranceConfig,
				ConfidenceScore: capped(float64(amountTotal)/20, 0.9),
				CorrectionCount: amountTotal,
			},
		},
		{
			meets: glTotal >= glCorrectionFloor,
			rec: Recommendation{
				RuleType: RuleTypeGLMapping,
				Title:    fmt.Sprintf("Review GL auto-coding: %d overrides in %d days", glTotal, analysisWindowDays),
				Description: fmt.Sprintf(
					"Users overrode GL account suggestions %d times in the past week. "+
						"The frequency-based GL suggestion model is not well calibrated for recent transactions.",
					glTotal),
				EvidenceSummary: fmt.Sprintf("GL overrides: %d in %d days", glTotal, analysisWindowDays),
				ConfidenceScore: capped(float64(glTotal)/30, 0.85),
				CorrectionCount: glTotal,
			},
		},
		{
			meets: excTotal >= exceptionCorrectionFloor,
			rec: Recommendation{
				RuleType: RuleTypeRouting,
				Title:    fmt.Sprintf("Review exception routing: %d status changes in %d days", excTotal, analysisWindowDays),
				Description: fmt.Sprintf(
					"The system recorded %d exception status corrections in the past week. "+
						"Frequent reopening or reassignment can mean routing rules send exceptions to the wrong team.",
					excTotal),
				EvidenceSummary: fmt.Sprintf("Exception corrections: %d in %d days", excTotal, analysisWindowDays),
				ConfidenceScore: capped(float64(excTotal)/20, 0.75),
				CorrectionCount: excTotal,
			},
		},
	}

	for _, c := range candidates {
		if !c.meets {
			continue
		}
		rec := c.rec
		rec.ID = uuid.New()
		rec.Status = RecommendationPending
		rec.PeriodStart = periodStart
		rec.PeriodEnd = periodEnd
		if err := s.repo.InsertRecommendation(ctx, rec); err != nil {
			s.logger.Error("insert rule recommendation failed", "rule_type", rec.RuleType, "error", err)
			continue
		}
		res.Created++
	}

	s.logger.Info("feedback analysis complete", "corrections", res.TotalCorrections, "recommendations", res.Created)
	return res, nil
}

// ListRecommendations returns recommendations, optionally filtered by
// status. An empty status returns all.
func (s *Service) ListRecommendations(ctx context.Context, status RecommendationStatus) ([]Recommendation, error) {
	return s.repo.ListRecommendations(ctx, status)
}

// Review records an admin's accept or reject decision on a pending
// recommendation.
func (s *Service) Review(ctx context.Context, id uuid.UUID, accept bool, notes string, actor shared.Actor) (Recommendation, error) {
	if actor.Role != shared.RoleAdmin {
		return Recommendation{}, shared.ErrForbidden
	}
	rec, err := s.repo.GetRecommendation(ctx, id)
	if err != nil {
		return Recommendation{}, err
	}
	if rec.Status != RecommendationPending {
		return Recommendation{}, ErrAlreadyReviewed
	}

	now := s.now().UTC()
	rec.Status = RecommendationRejected
	if accept {
		rec.Status = RecommendationAccepted
	}
	rec.ReviewedBy = actor.UUID()
	rec.ReviewedAt = &now
	rec.ReviewNotes = notes
	if err := s.repo.UpdateRecommendationReview(ctx, rec); err != nil {
		return Recommendation{}, err
	}
	return rec, nil
}

func capped(v, max float64) float64 {
	if v > max {
		return max
	}
	return v
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
