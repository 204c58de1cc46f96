package ledger

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/clinicore/clinicore/internal/platform/httpx"
	"github.com/clinicore/clinicore/internal/shared"
)

// Handler exposes ledger read endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Recorder
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Recorder) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/ledger/{patientID}", h.getPatientLedger)
}

type ledgerResponse struct {
	Entries    []Entry           `json:"entries"`
	Pagination shared.Pagination `json:"pagination"`
}

func (h *Handler) getPatientLedger(w http.ResponseWriter, r *http.Request) {
	patientID, err := uuid.Parse(chi.URLParam(r, "patientID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Argument", "invalid patient id")
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))

	entries, pagination, err := h.service.GetPatientLedger(r.Context(), patientID, page, perPage)
	if err != nil {
		h.logger.Error("get patient ledger", slog.Any("error", err), slog.String("patient_id", patientID.String()))
		httpx.RespondError(w, err)
		return
	}

	if entries == nil {
		entries = []Entry{}
	}
	httpx.JSON(w, http.StatusOK, ledgerResponse{Entries: entries, Pagination: pagination})
}
