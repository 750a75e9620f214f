package exception

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/apflow/apflow/internal/platform/httpx"
	"github.com/apflow/apflow/internal/shared"
)

// Handler exposes the exception workflow API.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler builds the exception handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// MountRoutes registers exception routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.handleList)
	r.Get("/{exceptionID}", h.handleGet)
	r.Post("/{exceptionID}/assign", h.handleAssign)
	r.Post("/{exceptionID}/resolve", h.handleResolve)
	r.Post("/{exceptionID}/waive", h.handleWaive)
	r.Post("/{exceptionID}/escalate", h.handleEscalate)
	r.Post("/{exceptionID}/comments", h.handleAddComment)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	invoiceID, err := uuid.Parse(r.URL.Query().Get("invoice_id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Invoice ID", "invoice_id query parameter is required")
		return
	}
	records, err := h.service.ListForInvoice(r.Context(), invoiceID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		out = append(out, recordResponse(rec))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"exceptions": out})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := h.exceptionID(w, r)
	if !ok {
		return
	}
	rec, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, recordResponse(rec))
}

func (h *Handler) handleAssign(w http.ResponseWriter, r *http.Request) {
	id, ok := h.exceptionID(w, r)
	if !ok {
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var body struct {
		AssigneeID uuid.UUID `json:"assignee_id"`
	}
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.service.Assign(r.Context(), id, body.AssigneeID, actor); err != nil {
		h.respondWorkflowError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"status": string(StatusInProgress)})
}

func (h *Handler) handleResolve(w http.ResponseWriter, r *http.Request) {
	h.closeAction(w, r, h.service.Resolve, StatusResolved)
}

func (h *Handler) handleWaive(w http.ResponseWriter, r *http.Request) {
	h.closeAction(w, r, h.service.Waive, StatusWaived)
}

func (h *Handler) closeAction(w http.ResponseWriter, r *http.Request,
	action func(ctx context.Context, id uuid.UUID, notes string, actor shared.Actor) error, final Status) {
	id, ok := h.exceptionID(w, r)
	if !ok {
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var body struct {
		Notes string `json:"notes"`
	}
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := action(r.Context(), id, body.Notes, actor); err != nil {
		h.respondWorkflowError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"status": string(final)})
}

func (h *Handler) handleEscalate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.exceptionID(w, r)
	if !ok {
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	if err := h.service.Escalate(r.Context(), id, actor); err != nil {
		h.respondWorkflowError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"status": string(StatusEscalated)})
}

func (h *Handler) handleAddComment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.exceptionID(w, r)
	if !ok {
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var body struct {
		Body string `json:"body"`
	}
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	comment, err := h.service.AddComment(r.Context(), id, body.Body, actor)
	if err != nil {
		h.respondWorkflowError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{
		"id":           comment.ID,
		"exception_id": comment.ExceptionID,
		"author_email": comment.AuthorEmail,
		"body":         comment.Body,
	})
}

func (h *Handler) respondWorkflowError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrClosed):
		httpx.Problem(w, http.StatusConflict, "Already Closed", err.Error())
	case errors.Is(err, shared.ErrForbidden):
		httpx.Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, shared.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", "exception record not found")
	default:
		h.logger.Error("exception workflow", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}

func (h *Handler) exceptionID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "exceptionID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Exception ID", err.Error())
		return uuid.Nil, false
	}
	return id, true
}

func requireActor(w http.ResponseWriter, r *http.Request) (shared.Actor, bool) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "no authenticated actor")
		return shared.Actor{}, false
	}
	return actor, true
}

func recordResponse(rec Record) map[string]any {
	resp := map[string]any{
		"id":         rec.ID,
		"invoice_id": rec.InvoiceID,
		"code":       rec.Code,
		"severity":   rec.Severity,
		"status":     rec.Status,
		"message":    rec.Description,
		"created_at": rec.CreatedAt,
	}
	if rec.AssigneeID != nil {
		resp["assignee_id"] = rec.AssigneeID
	}
	if rec.ResolverID != nil {
		resp["resolver_id"] = rec.ResolverID
		resp["resolved_at"] = rec.ResolvedAt
		resp["resolution_notes"] = rec.ResolutionNotes
	}
	return resp
}
