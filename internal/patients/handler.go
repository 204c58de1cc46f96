package patients

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clinicore/clinicore/internal/platform/httpx"
)

// RecalculateFunc recomputes a patient's balance; injected from the billing
// engine to keep this package free of a billing dependency.
type RecalculateFunc func(ctx context.Context, patientID uuid.UUID) (decimal.Decimal, error)

// Handler manages patient endpoints.
type Handler struct {
	logger      *slog.Logger
	repo        *Repository
	recalculate RecalculateFunc
	validator   *validator.Validate
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, repo *Repository, recalculate RecalculateFunc) *Handler {
	return &Handler{logger: logger, repo: repo, recalculate: recalculate, validator: validator.New()}
}

// MountRoutes registers patient routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.createPatient)
	r.Get("/", h.listPatients)
	r.Get("/{id}", h.getPatient)
	r.Post("/{id}/recalculate", h.recalculateBalance)
}

type createPatientRequest struct {
	Name string `json:"name" validate:"required,min=1,max=200"`
}

func (h *Handler) createPatient(w http.ResponseWriter, r *http.Request) {
	var req createPatientRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Argument", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Argument", err.Error())
		return
	}

	patient, err := h.repo.Create(r.Context(), CreatePatientInput{Name: req.Name})
	if err != nil {
		h.logger.Error("create patient", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, patient)
}

func (h *Handler) listPatients(w http.ResponseWriter, r *http.Request) {
	list, err := h.repo.List(r.Context(), 100)
	if err != nil {
		h.logger.Error("list patients", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	if list == nil {
		list = []Patient{}
	}
	httpx.JSON(w, http.StatusOK, list)
}

func (h *Handler) getPatient(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Argument", "invalid patient id")
		return
	}
	patient, err := h.repo.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, patient)
}

type balanceResponse struct {
	PatientID uuid.UUID       `json:"patient_id"`
	Balance   decimal.Decimal `json:"balance"`
}

func (h *Handler) recalculateBalance(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Argument", "invalid patient id")
		return
	}
	balance, err := h.recalculate(r.Context(), id)
	if err != nil {
		h.logger.Error("recalculate balance", slog.Any("error", err), slog.String("patient_id", id.String()))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, balanceResponse{PatientID: id, Balance: balance})
}
