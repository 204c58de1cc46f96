package billing

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clinicore/clinicore/internal/platform/httpx"
)

// Handler manages invoice endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers invoice routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.createInvoice)
	r.Post("/batch", h.batchCreateInvoices)
	r.Get("/", h.listInvoices)
	r.Get("/{id}", h.getInvoice)
	r.Post("/{id}/discount", h.applyDiscount)
	r.Post("/{id}/write-off", h.writeOff)
	r.Post("/{id}/credit-note", h.applyCreditNote)
	r.Post("/{id}/cancel", h.cancelInvoice)
	r.Post("/mark-overdue", h.markOverdue)
}

type createInvoiceRequest struct {
	PatientID uuid.UUID       `json:"patient_id" validate:"required"`
	Total     decimal.Decimal `json:"total" validate:"required"`
	IssueDate *time.Time      `json:"issue_date"`
	DueDate   *time.Time      `json:"due_date"`
}

func (r createInvoiceRequest) toInput() CreateInvoiceInput {
	input := CreateInvoiceInput{PatientID: r.PatientID, Total: r.Total}
	if r.IssueDate != nil {
		input.IssueDate = *r.IssueDate
	}
	if r.DueDate != nil {
		input.DueDate = *r.DueDate
	}
	return input
}

func (h *Handler) createInvoice(w http.ResponseWriter, r *http.Request) {
	var req createInvoiceRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Argument", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Argument", err.Error())
		return
	}

	inv, err := h.service.CreateInvoice(r.Context(), req.toInput())
	if err != nil {
		h.logger.Error("create invoice", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, inv)
}

type batchCreateRequest struct {
	Invoices []createInvoiceRequest `json:"invoices" validate:"required,min=1,max=100,dive"`
}

func (h *Handler) batchCreateInvoices(w http.ResponseWriter, r *http.Request) {
	var req batchCreateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Argument", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Argument", err.Error())
		return
	}

	items := make([]CreateInvoiceInput, len(req.Invoices))
	for i, item := range req.Invoices {
		items[i] = item.toInput()
	}
	results := h.service.BatchCreateInvoices(r.Context(), items)
	httpx.JSON(w, http.StatusMultiStatus, map[string]any{"results": results})
}

func (h *Handler) listInvoices(w http.ResponseWriter, r *http.Request) {
	req := ListInvoicesRequest{Page: 1, PerPage: 20}
	q := r.URL.Query()
	if v := q.Get("patient_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Argument", "invalid patient_id")
			return
		}
		req.PatientID = id
	}
	if v := q.Get("status"); v != "" {
		req.Status = InvoiceStatus(v)
	}
	if v, err := strconv.Atoi(q.Get("page")); err == nil && v > 0 {
		req.Page = v
	}
	if v, err := strconv.Atoi(q.Get("per_page")); err == nil && v > 0 && v <= 100 {
		req.PerPage = v
	}

	invoices, pagination, err := h.service.ListInvoices(r.Context(), req)
	if err != nil {
		h.logger.Error("list invoices", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	if invoices == nil {
		invoices = []Invoice{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"invoices": invoices, "pagination": pagination})
}

func (h *Handler) getInvoice(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Argument", "invalid invoice id")
		return
	}
	detail, err := h.service.GetInvoiceDetail(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, detail)
}

type adjustmentRequest struct {
	Amount decimal.Decimal `json:"amount" validate:"required"`
	Reason string          `json:"reason" validate:"required,min=1,max=500"`
}

func (h *Handler) applyDiscount(w http.ResponseWriter, r *http.Request) {
	h.adjust(w, r, h.service.ApplyDiscount)
}

func (h *Handler) writeOff(w http.ResponseWriter, r *http.Request) {
	h.adjust(w, r, h.service.WriteOff)
}

func (h *Handler) applyCreditNote(w http.ResponseWriter, r *http.Request) {
	h.adjust(w, r, h.service.ApplyCreditNote)
}

func (h *Handler) adjust(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, id uuid.UUID, amount decimal.Decimal, reason string) (InvoiceDetail, error)) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Argument", "invalid invoice id")
		return
	}
	var req adjustmentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Argument", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Argument", err.Error())
		return
	}

	detail, err := apply(r.Context(), id, req.Amount, req.Reason)
	if err != nil {
		h.logger.Error("apply adjustment", slog.Any("error", err), slog.String("invoice_id", id.String()))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, detail)
}

type cancelInvoiceRequest struct {
	Reason string `json:"reason" validate:"required,min=1,max=500"`
}

func (h *Handler) cancelInvoice(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Argument", "invalid invoice id")
		return
	}
	var req cancelInvoiceRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Argument", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Argument", err.Error())
		return
	}

	inv, err := h.service.CancelInvoice(r.Context(), id, req.Reason)
	if err != nil {
		h.logger.Error("cancel invoice", slog.Any("error", err), slog.String("invoice_id", id.String()))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

type markOverdueResponse struct {
	Updated int64 `json:"updated"`
}

func (h *Handler) markOverdue(w http.ResponseWriter, r *http.Request) {
	count, err := h.service.MarkOverdue(r.Context(), time.Time{})
	if err != nil {
		h.logger.Error("mark overdue", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, markOverdueResponse{Updated: count})
}
