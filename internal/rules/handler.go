package rules

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/apflow/apflow/internal/platform/httpx"
	"github.com/apflow/apflow/internal/shared"
)

// Handler exposes the rule versioning API.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler builds the rules handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// MountRoutes registers rule routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/active/{ruleType}", h.handleActive)
	r.Post("/drafts", h.handleCreateDraft)
	r.Post("/drafts/policy", h.handleCreateDraftFromPolicy)
	r.Post("/versions/{versionID}/publish", h.handlePublish)
	r.Post("/versions/{versionID}/reject", h.handleReject)
}

func (h *Handler) handleActive(w http.ResponseWriter, r *http.Request) {
	ruleType := Type(chi.URLParam(r, "ruleType"))
	snap, err := h.service.Active(r.Context(), ruleType)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	resp := map[string]any{"rule_type": ruleType, "config": json.RawMessage(snap.Config)}
	if snap.VersionID != nil {
		resp["version_id"] = snap.VersionID
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) handleCreateDraft(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var body struct {
		RuleName      string          `json:"rule_name"`
		RuleType      Type            `json:"rule_type"`
		Config        json.RawMessage `json:"config"`
		ChangeSummary string          `json:"change_summary"`
		ShadowMode    bool            `json:"shadow_mode"`
	}
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	v, err := h.service.CreateDraft(r.Context(), DraftInput{
		RuleName:      body.RuleName,
		RuleType:      body.RuleType,
		Config:        body.Config,
		ChangeSummary: body.ChangeSummary,
		ShadowMode:    body.ShadowMode,
		Actor:         actor,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, versionResponse(v))
}

func (h *Handler) handleCreateDraftFromPolicy(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var body struct {
		RuleName   string `json:"rule_name"`
		RuleType   Type   `json:"rule_type"`
		PolicyText string `json:"policy_text"`
	}
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if body.PolicyText == "" {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", "policy_text is required")
		return
	}
	v, err := h.service.CreateDraftFromPolicy(r.Context(), body.RuleName, body.RuleType, body.PolicyText, actor)
	if err != nil {
		h.logger.Error("policy draft extraction", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, versionResponse(v))
}

func (h *Handler) handlePublish(w http.ResponseWriter, r *http.Request) {
	h.reviewAction(w, r, h.service.Publish)
}

func (h *Handler) handleReject(w http.ResponseWriter, r *http.Request) {
	h.reviewAction(w, r, h.service.Reject)
}

func (h *Handler) reviewAction(w http.ResponseWriter, r *http.Request,
	action func(ctx context.Context, versionID uuid.UUID, actor shared.Actor) error) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	versionID, err := uuid.Parse(chi.URLParam(r, "versionID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Version ID", err.Error())
		return
	}
	if err := action(r.Context(), versionID, actor); err != nil {
		if errors.Is(err, ErrNotPublishable) {
			httpx.Problem(w, http.StatusConflict, "Not Publishable", err.Error())
			return
		}
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"version_id": versionID})
}

func requireActor(w http.ResponseWriter, r *http.Request) (shared.Actor, bool) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "no authenticated actor")
		return shared.Actor{}, false
	}
	return actor, true
}

func versionResponse(v Version) map[string]any {
	return map[string]any{
		"id":             v.ID,
		"rule_id":        v.RuleID,
		"version_number": v.VersionNumber,
		"status":         v.Status,
		"source":         v.Source,
		"config":         json.RawMessage(v.Config),
		"ai_extracted":   v.AIExtracted,
		"shadow_mode":    v.ShadowMode,
		"change_summary": v.ChangeSummary,
	}
}
