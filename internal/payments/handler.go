package payments

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clinicore/clinicore/internal/platform/httpx"
)

// Handler manages payment, refund and credit endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers payment and credit routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/payments", func(r chi.Router) {
		r.Post("/", h.createPayment)
		r.Get("/", h.listPayments)
		r.Get("/{id}", h.getPayment)
		r.Post("/{id}/allocate", h.allocate)
		r.Post("/{id}/apply", h.applyToInvoice)
		r.Post("/{id}/void", h.voidPayment)
	})
	r.Post("/refunds", h.createRefund)
	r.Route("/credits", func(r chi.Router) {
		r.Post("/", h.createAdvancePayment)
		r.Get("/{patientID}", h.getCreditBalance)
		r.Post("/{id}/apply", h.applyCredit)
		r.Post("/auto-apply", h.autoApplyCredits)
	})
}

type createPaymentRequest struct {
	PatientID uuid.UUID       `json:"patient_id" validate:"required"`
	Amount    decimal.Decimal `json:"amount" validate:"required"`
	InvoiceID *uuid.UUID      `json:"invoice_id"`
	Method    string          `json:"method" validate:"max=50"`
	Reference string          `json:"reference" validate:"max=100"`
}

func (h *Handler) createPayment(w http.ResponseWriter, r *http.Request) {
	var req createPaymentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Argument", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Argument", err.Error())
		return
	}

	payment, err := h.service.CreatePayment(r.Context(), CreatePaymentInput{
		PatientID:      req.PatientID,
		Amount:         req.Amount,
		InvoiceID:      req.InvoiceID,
		Method:         req.Method,
		Reference:      req.Reference,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		h.logger.Error("create payment", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, payment)
}

type createRefundRequest struct {
	PatientID uuid.UUID       `json:"patient_id" validate:"required"`
	Amount    decimal.Decimal `json:"amount" validate:"required"`
	InvoiceID *uuid.UUID      `json:"invoice_id"`
	Reason    string          `json:"reason" validate:"required,min=1,max=500"`
}

func (h *Handler) createRefund(w http.ResponseWriter, r *http.Request) {
	var req createRefundRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Argument", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Argument", err.Error())
		return
	}

	refund, err := h.service.CreateRefund(r.Context(), CreateRefundInput{
		PatientID:      req.PatientID,
		Amount:         req.Amount,
		InvoiceID:      req.InvoiceID,
		Reason:         req.Reason,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		h.logger.Error("create refund", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, refund)
}

func (h *Handler) getPayment(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Argument", "invalid payment id")
		return
	}
	detail, err := h.service.GetPaymentDetail(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, detail)
}

type allocateRequest struct {
	Items []AllocationItem `json:"items" validate:"required,min=1,max=50,dive"`
}

func (h *Handler) allocate(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Argument", "invalid payment id")
		return
	}
	var req allocateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Argument", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Argument", err.Error())
		return
	}

	detail, err := h.service.Allocate(r.Context(), id, req.Items)
	if err != nil {
		h.logger.Error("allocate payment", slog.Any("error", err), slog.String("payment_id", id.String()))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, detail)
}

type applyRequest struct {
	InvoiceID uuid.UUID       `json:"invoice_id" validate:"required"`
	Amount    decimal.Decimal `json:"amount"`
}

func (h *Handler) applyToInvoice(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Argument", "invalid payment id")
		return
	}
	var req applyRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Argument", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Argument", err.Error())
		return
	}

	detail, err := h.service.ApplyPaymentToInvoice(r.Context(), id, req.InvoiceID, req.Amount)
	if err != nil {
		h.logger.Error("apply payment", slog.Any("error", err), slog.String("payment_id", id.String()))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, detail)
}

type voidRequest struct {
	Reason string `json:"reason" validate:"required,min=1,max=500"`
}

func (h *Handler) voidPayment(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Argument", "invalid payment id")
		return
	}
	var req voidRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Argument", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Argument", err.Error())
		return
	}

	payment, err := h.service.VoidPayment(r.Context(), id, req.Reason)
	if err != nil {
		h.logger.Error("void payment", slog.Any("error", err), slog.String("payment_id", id.String()))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, payment)
}

type createAdvanceRequest struct {
	PatientID uuid.UUID       `json:"patient_id" validate:"required"`
	Amount    decimal.Decimal `json:"amount" validate:"required"`
	Method    string          `json:"method" validate:"max=50"`
	Reference string          `json:"reference" validate:"max=100"`
}

func (h *Handler) createAdvancePayment(w http.ResponseWriter, r *http.Request) {
	var req createAdvanceRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Argument", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Argument", err.Error())
		return
	}

	credit, err := h.service.CreateAdvancePayment(r.Context(), CreateAdvancePaymentInput{
		PatientID:      req.PatientID,
		Amount:         req.Amount,
		Method:         req.Method,
		Reference:      req.Reference,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		h.logger.Error("create advance payment", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, credit)
}

func (h *Handler) getCreditBalance(w http.ResponseWriter, r *http.Request) {
	patientID, err := uuid.Parse(chi.URLParam(r, "patientID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Argument", "invalid patient id")
		return
	}
	balance, err := h.service.GetCreditBalance(r.Context(), patientID)
	if err != nil {
		h.logger.Error("get credit balance", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, balance)
}

type applyCreditRequest struct {
	InvoiceID uuid.UUID       `json:"invoice_id" validate:"required"`
	Amount    decimal.Decimal `json:"amount"`
}

func (h *Handler) applyCredit(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Argument", "invalid credit id")
		return
	}
	var req applyCreditRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Argument", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Argument", err.Error())
		return
	}

	applied, err := h.service.ApplyCredit(r.Context(), id, req.InvoiceID, req.Amount)
	if err != nil {
		h.logger.Error("apply credit", slog.Any("error", err), slog.String("credit_id", id.String()))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, applied)
}

type autoApplyRequest struct {
	PatientID uuid.UUID `json:"patient_id" validate:"required"`
	InvoiceID uuid.UUID `json:"invoice_id" validate:"required"`
}

func (h *Handler) autoApplyCredits(w http.ResponseWriter, r *http.Request) {
	var req autoApplyRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Argument", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Argument", err.Error())
		return
	}

	result, err := h.service.AutoApplyCredits(r.Context(), req.PatientID, req.InvoiceID)
	if err != nil {
		h.logger.Error("auto-apply credits", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) listPayments(w http.ResponseWriter, r *http.Request) {
	patientID, err := uuid.Parse(r.URL.Query().Get("patient_id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Argument", "patient_id query parameter required")
		return
	}
	page, perPage := 1, 20
	if v, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && v > 0 {
		page = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("per_page")); err == nil && v > 0 && v <= 100 {
		perPage = v
	}

	payments, pagination, err := h.service.ListPayments(r.Context(), patientID, page, perPage)
	if err != nil {
		h.logger.Error("list payments", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	if payments == nil {
		payments = []Payment{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"payments": payments, "pagination": pagination})
}
