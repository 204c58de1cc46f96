package httpx

import (
	"errors"
	"net/http"

	"github.com/clinicore/clinicore/internal/shared"
)

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", shared.UserSafeMessage(err))
	case errors.Is(err, shared.ErrInvalidArgument):
		Problem(w, http.StatusBadRequest, "Invalid Argument", shared.UserSafeMessage(err))
	case errors.Is(err, shared.ErrBusinessRule):
		Problem(w, http.StatusUnprocessableEntity, "Business Rule Violation", shared.UserSafeMessage(err))
	case errors.Is(err, shared.ErrConflictRetry):
		Problem(w, http.StatusConflict, "Conflict", shared.UserSafeMessage(err))
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
