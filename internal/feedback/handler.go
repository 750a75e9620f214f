package feedback

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/apflow/apflow/internal/platform/httpx"
	"github.com/apflow/apflow/internal/shared"
)

// Handler exposes the rule recommendation review API.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler builds the feedback handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// MountRoutes registers recommendation routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/recommendations", h.handleList)
	r.Post("/recommendations/{recommendationID}/review", h.handleReview)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	status := RecommendationStatus(r.URL.Query().Get("status"))
	recs, err := h.service.ListRecommendations(r.Context(), status)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(recs))
	for _, rec := range recs {
		out = append(out, recommendationResponse(rec))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"recommendations": out})
}

func (h *Handler) handleReview(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "no authenticated actor")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "recommendationID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Recommendation ID", err.Error())
		return
	}
	var body struct {
		Accept bool   `json:"accept"`
		Notes  string `json:"notes"`
	}
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	rec, err := h.service.Review(r.Context(), id, body.Accept, body.Notes, actor)
	if err != nil {
		switch {
		case errors.Is(err, ErrAlreadyReviewed):
			httpx.Problem(w, http.StatusConflict, "Already Reviewed", err.Error())
		case errors.Is(err, shared.ErrForbidden):
			httpx.Problem(w, http.StatusForbidden, "Forbidden", "only admins review recommendations")
		default:
			h.logger.Error("recommendation review", slog.Any("error", err))
			httpx.RespondError(w, err)
		}
		return
	}
	httpx.JSON(w, http.StatusOK, recommendationResponse(rec))
}

func recommendationResponse(rec Recommendation) map[string]any {
	resp := map[string]any{
		"id":               rec.ID,
		"rule_type":        rec.RuleType,
		"title":            rec.Title,
		"description":      rec.Description,
		"evidence_summary": rec.EvidenceSummary,
		"confidence_score": rec.ConfidenceScore,
		"status":           rec.Status,
		"correction_count": rec.CorrectionCount,
		"period_start":     rec.PeriodStart,
		"period_end":       rec.PeriodEnd,
	}
	if rec.SuggestedConfig != nil {
		resp["suggested_config"] = *rec.SuggestedConfig
	}
	if rec.ReviewedAt != nil {
		resp["reviewed_at"] = rec.ReviewedAt
		resp["review_notes"] = rec.ReviewNotes
	}
	return resp
}
