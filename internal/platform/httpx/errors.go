package httpx

import (
	"errors"
	"net/http"

	"github.com/archivio-dms/archivio-dms/internal/shared"
)

// RespondError maps the domain error taxonomy to RFC7807 responses. The
// resolution engine never produces an authorization denial itself, so there is
// no Forbidden mapping here; callers compare returned levels instead.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, shared.ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, shared.ErrConflict):
		Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, shared.ErrHierarchyTooDeep):
		Problem(w, http.StatusInternalServerError, "Hierarchy Too Deep", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
