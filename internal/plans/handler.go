package plans

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clinicore/clinicore/internal/platform/httpx"
)

// Handler manages payment plan endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers plan routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.createPlan)
	r.Get("/{id}", h.getPlan)
	r.Post("/{id}/installments/{installmentID}/pay", h.payInstallment)
	r.Post("/{id}/cancel", h.cancelPlan)
	r.Get("/patient/{patientID}", h.listPlans)
}

type scheduleItemRequest struct {
	Amount  decimal.Decimal `json:"amount" validate:"required"`
	DueDate time.Time       `json:"due_date" validate:"required"`
}

type createPlanRequest struct {
	InvoiceID     uuid.UUID             `json:"invoice_id" validate:"required"`
	Count         int                   `json:"count" validate:"min=0,max=60"`
	StartDate     *time.Time            `json:"start_date"`
	FrequencyDays int                   `json:"frequency_days" validate:"min=0,max=366"`
	Items         []scheduleItemRequest `json:"items" validate:"max=60,dive"`
}

func (h *Handler) createPlan(w http.ResponseWriter, r *http.Request) {
	var req createPlanRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Argument", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Argument", err.Error())
		return
	}

	input := CreatePlanInput{InvoiceID: req.InvoiceID, Count: req.Count, FrequencyDays: req.FrequencyDays}
	if req.StartDate != nil {
		input.StartDate = *req.StartDate
	}
	for _, item := range req.Items {
		input.Items = append(input.Items, ScheduleItem(item))
	}

	detail, err := h.service.CreatePlan(r.Context(), input)
	if err != nil {
		h.logger.Error("create plan", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, detail)
}

func (h *Handler) getPlan(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Argument", "invalid plan id")
		return
	}
	detail, err := h.service.GetPlanDetail(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, detail)
}

type payInstallmentRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	Method    string          `json:"method" validate:"max=50"`
	Reference string          `json:"reference" validate:"max=100"`
}

func (h *Handler) payInstallment(w http.ResponseWriter, r *http.Request) {
	planID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Argument", "invalid plan id")
		return
	}
	installmentID, err := uuid.Parse(chi.URLParam(r, "installmentID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Argument", "invalid installment id")
		return
	}
	var req payInstallmentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Argument", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Argument", err.Error())
		return
	}

	detail, err := h.service.RecordInstallmentPayment(r.Context(), planID, installmentID, req.Amount, req.Method, req.Reference)
	if err != nil {
		h.logger.Error("pay installment", slog.Any("error", err), slog.String("plan_id", planID.String()))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, detail)
}

type cancelPlanRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

func (h *Handler) cancelPlan(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Argument", "invalid plan id")
		return
	}
	var req cancelPlanRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Argument", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Argument", err.Error())
		return
	}
	detail, err := h.service.CancelPlan(r.Context(), id, req.Reason)
	if err != nil {
		h.logger.Error("cancel plan", slog.Any("error", err), slog.String("plan_id", id.String()))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, detail)
}

func (h *Handler) listPlans(w http.ResponseWriter, r *http.Request) {
	patientID, err := uuid.Parse(chi.URLParam(r, "patientID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Argument", "invalid patient id")
		return
	}
	plans, err := h.service.ListPlans(r.Context(), patientID)
	if err != nil {
		h.logger.Error("list plans", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"plans": plans})
}
