package approval

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/apflow/apflow/internal/platform/httpx"
	"github.com/apflow/apflow/internal/shared"
)

// Handler exposes approval endpoints: the one-click email landing page
// and the authenticated web decision API.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler builds the approval handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// MountRoutes registers approval routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/email", h.handleEmailDecision)
	r.Get("/pending", h.handleListPending)
	r.Get("/resolved", h.handleListResolved)
	r.Post("/{taskID}/decision", h.handleWebDecision)
}

// handleEmailDecision consumes a one-click token from an approval email.
// The response is a small HTML page because the requester is a mail
// client, not an API consumer.
func (h *Handler) handleEmailDecision(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("token")
	if raw == "" {
		renderEmailPage(w, http.StatusBadRequest, "Missing token", "The approval link is incomplete.")
		return
	}
	task, err := h.service.DecideByEmailToken(r.Context(), raw)
	if err != nil {
		h.logger.Warn("email decision failed", "error", err)
		status, title, detail := emailErrorPage(err)
		renderEmailPage(w, status, title, detail)
		return
	}
	switch task.Status {
	case TaskPartiallyApproved:
		renderEmailPage(w, http.StatusOK, "Approval recorded",
			"Your approval was recorded. A second approval is required before the invoice is released.")
	case TaskRejected:
		renderEmailPage(w, http.StatusOK, "Invoice rejected", "The invoice has been rejected.")
	default:
		renderEmailPage(w, http.StatusOK, "Invoice approved", "The invoice has been approved.")
	}
}

func (h *Handler) handleWebDecision(w http.ResponseWriter, r *http.Request) {
	taskID, err := uuid.Parse(chi.URLParam(r, "taskID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Task ID", err.Error())
		return
	}
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "no authenticated actor")
		return
	}
	var body struct {
		Action Action `json:"action"`
		Notes  string `json:"notes"`
	}
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	task, err := h.service.Decide(r.Context(), DecisionInput{
		TaskID:  taskID,
		Action:  body.Action,
		Channel: ChannelWeb,
		Actor:   actor,
		Notes:   body.Notes,
	})
	if err != nil {
		h.respondDecisionError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, taskResponse(task))
}

func (h *Handler) handleListPending(w http.ResponseWriter, r *http.Request) {
	h.listForActor(w, r, h.service.PendingForApprover)
}

func (h *Handler) handleListResolved(w http.ResponseWriter, r *http.Request) {
	h.listForActor(w, r, h.service.ResolvedForApprover)
}

func (h *Handler) listForActor(w http.ResponseWriter, r *http.Request,
	list func(ctx context.Context, approverID uuid.UUID) ([]Task, error)) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok || actor.UUID() == nil {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "no authenticated actor")
		return
	}
	tasks, err := list(r.Context(), *actor.UUID())
	if err != nil {
		h.logger.Error("list approval tasks", "error", err)
		httpx.RespondError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskResponse(t))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"tasks": out})
}

func (h *Handler) respondDecisionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, shared.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", "approval task not found")
	case errors.Is(err, ErrInvalidAction):
		httpx.Problem(w, http.StatusBadRequest, "Invalid Action", err.Error())
	case errors.Is(err, ErrAlreadyDecided):
		httpx.Problem(w, http.StatusConflict, "Already Decided", err.Error())
	case errors.Is(err, ErrNotAssigned):
		httpx.Problem(w, http.StatusForbidden, "Not Assigned", err.Error())
	default:
		h.logger.Error("approval decision", "error", err)
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func taskResponse(t Task) map[string]any {
	resp := map[string]any{
		"id":             t.ID,
		"invoice_id":     t.InvoiceID,
		"approver_id":    t.ApproverID,
		"step_order":     t.StepOrder,
		"required_count": t.RequiredCount,
		"status":         t.Status,
		"due_at":         t.DueAt,
	}
	if t.DecidedAt != nil {
		resp["decided_at"] = t.DecidedAt
	}
	if t.DecisionChannel != "" {
		resp["decision_channel"] = t.DecisionChannel
	}
	if t.Notes != "" {
		resp["notes"] = t.Notes
	}
	if t.DelegatedTo != nil {
		resp["delegated_to"] = t.DelegatedTo
	}
	return resp
}

func emailErrorPage(err error) (status int, title, detail string) {
	switch {
	case errors.Is(err, ErrTokenExpired):
		return http.StatusGone, "Link expired", "This approval link has expired. Please decide from the dashboard."
	case errors.Is(err, ErrTokenUsed):
		return http.StatusConflict, "Link already used", "This approval link was already used."
	case errors.Is(err, ErrAlreadyDecided):
		return http.StatusConflict, "Already decided", "This invoice has already been decided."
	case errors.Is(err, ErrTokenInvalid), errors.Is(err, shared.ErrNotFound):
		return http.StatusBadRequest, "Invalid link", "This approval link is not valid."
	default:
		return http.StatusInternalServerError, "Something went wrong", "Please try again or decide from the dashboard."
	}
}

func renderEmailPage(w http.ResponseWriter, status int, title, detail string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head><title>%s</title></head>
<body style="font-family: sans-serif; max-width: 32em; margin: 4em auto;">
<h1>%s</h1>
<p>%s</p>
</body>
</html>
`, html.EscapeString(title), html.EscapeString(title), html.EscapeString(detail))
}
