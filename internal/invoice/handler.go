package invoice

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/apflow/apflow/internal/platform/httpx"
	"github.com/apflow/apflow/internal/shared"
)

// maxUploadBytes bounds one uploaded invoice document.
const maxUploadBytes = 25 << 20

// Handler exposes the invoice API.
type Handler struct {
	service  *Service
	logger   *slog.Logger
	validate *validator.Validate
}

// NewHandler builds the invoice handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger, validate: validator.New()}
}

// MountRoutes registers invoice routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.handleUpload)
	r.Get("/{invoiceID}", h.handleGet)
	r.Get("/{invoiceID}/lines", h.handleLines)
	r.Get("/{invoiceID}/document", h.handleDocumentURL)
	r.Post("/{invoiceID}/payment", h.handlePayment)
	r.Post("/{invoiceID}/corrections", h.handleCorrection)
	r.Post("/{invoiceID}/status", h.handleStatusOverride)
	r.Post("/{invoiceID}/reprocess", h.handleReprocess)
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "no authenticated actor")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Upload", err.Error())
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Upload", "file field is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Upload", err.Error())
		return
	}

	inv, err := h.service.Ingest(r.Context(), IngestInput{
		FileName: header.Filename,
		Data:     data,
		MimeType: header.Header.Get("Content-Type"),
		Source:   SourceUpload,
		Actor:    actor,
	})
	if err != nil {
		h.logger.Error("invoice upload", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, invoiceResponse(inv))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := h.invoiceID(w, r)
	if !ok {
		return
	}
	inv, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, invoiceResponse(inv))
}

func (h *Handler) handleLines(w http.ResponseWriter, r *http.Request) {
	id, ok := h.invoiceID(w, r)
	if !ok {
		return
	}
	lines, err := h.service.Lines(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(lines))
	for _, line := range lines {
		out = append(out, map[string]any{
			"id":                   line.ID,
			"line_number":          line.LineNumber,
			"description":          line.Description,
			"quantity":             line.Quantity,
			"unit_price":           line.UnitPrice,
			"line_total":           line.LineTotal,
			"gl_account":           line.GLAccount,
			"suggested_gl_account": line.SuggestedGLAccount,
			"po_line_id":           line.POLineID,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"lines": out})
}

func (h *Handler) handleDocumentURL(w http.ResponseWriter, r *http.Request) {
	id, ok := h.invoiceID(w, r)
	if !ok {
		return
	}
	url, err := h.service.DocumentURL(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"url": url})
}

func (h *Handler) handlePayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.invoiceID(w, r)
	if !ok {
		return
	}
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "no authenticated actor")
		return
	}
	var body paymentRequest
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(body); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", validationDetail(err))
		return
	}
	input := PaymentInput{InvoiceID: id, Method: body.Method, Reference: body.Reference}
	if body.PaidAt != nil {
		input.PaidAt = *body.PaidAt
	}
	if err := h.service.RecordPayment(r.Context(), input, actor); err != nil {
		if errors.Is(err, ErrNotApproved) {
			httpx.Problem(w, http.StatusConflict, "Not Approved", err.Error())
			return
		}
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"status": string(StatusPaid)})
}

func (h *Handler) handleCorrection(w http.ResponseWriter, r *http.Request) {
	id, ok := h.invoiceID(w, r)
	if !ok {
		return
	}
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "no authenticated actor")
		return
	}
	var body correctionRequest
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(body); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", validationDetail(err))
		return
	}
	if err := h.service.CorrectField(r.Context(), id, body.Field, body.OldValue, body.NewValue, actor); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"field": body.Field, "value": body.NewValue})
}

func (h *Handler) handleStatusOverride(w http.ResponseWriter, r *http.Request) {
	id, ok := h.invoiceID(w, r)
	if !ok {
		return
	}
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "no authenticated actor")
		return
	}
	var body statusOverrideRequest
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(body); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", validationDetail(err))
		return
	}
	if err := h.service.OverrideStatus(r.Context(), id, Status(body.Status), body.Reason, actor); err != nil {
		if errors.Is(err, shared.ErrInvalidTransition) {
			httpx.Problem(w, http.StatusUnprocessableEntity, "Invalid Transition", err.Error())
			return
		}
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"status": string(body.Status)})
}

func (h *Handler) handleReprocess(w http.ResponseWriter, r *http.Request) {
	id, ok := h.invoiceID(w, r)
	if !ok {
		return
	}
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "no authenticated actor")
		return
	}
	if err := h.service.Reprocess(r.Context(), id, actor); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, map[string]any{"enqueued": true})
}

type paymentRequest struct {
	Method    string     `json:"method" validate:"required"`
	Reference string     `json:"reference" validate:"required"`
	PaidAt    *time.Time `json:"paid_at"`
}

type correctionRequest struct {
	Field    string `json:"field" validate:"required"`
	OldValue string `json:"old_value"`
	NewValue string `json:"new_value" validate:"required"`
}

type statusOverrideRequest struct {
	Status string `json:"status" validate:"required"`
	Reason string `json:"reason" validate:"required"`
}

func validationDetail(err error) string {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		return fieldErrs[0].Error()
	}
	return err.Error()
}

func (h *Handler) invoiceID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "invoiceID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Invoice ID", err.Error())
		return uuid.Nil, false
	}
	return id, true
}

func invoiceResponse(inv Invoice) map[string]any {
	resp := map[string]any{
		"id":             inv.ID,
		"status":         inv.Status,
		"original_name":  inv.OriginalName,
		"mime_type":      inv.MimeType,
		"source":         inv.Source,
		"invoice_number": inv.InvoiceNumber,
		"vendor_name":    inv.VendorNameRaw,
		"currency":       inv.Currency,
		"total_amount":   inv.TotalAmount,
		"invoice_date":   inv.InvoiceDate,
		"due_date":       inv.DueDate,
		"fraud_score":    inv.FraudScore,
		"is_duplicate":   inv.IsDuplicate,
		"created_at":     inv.CreatedAt,
	}
	if inv.NormalizedAmountUSD != nil {
		resp["normalized_amount_usd"] = inv.NormalizedAmountUSD
	}
	if inv.OCRConfidence != nil {
		resp["ocr_confidence"] = inv.OCRConfidence
	}
	if inv.PaymentStatus != "" {
		resp["payment_status"] = inv.PaymentStatus
		resp["payment_reference"] = inv.PaymentReference
	}
	return resp
}
