package authz

import (
	"errors"
	"net/http"

	"github.com/garageflow/garageflow/internal/platform/httpx"
)

// respondError maps the authz error taxonomy to RFC7807 responses. Forbidden
// responses deliberately omit the missing permission key; that detail stays
// server-side.
func respondError(w http.ResponseWriter, err error) {
	var (
		validationErr *ValidationError
		forbiddenErr  *ForbiddenError
		conflictErr   *ConflictError
	)
	switch {
	case errors.As(err, &validationErr):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", validationErr.Error())
	case errors.As(err, &forbiddenErr):
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "not authorized")
	case errors.As(err, &conflictErr):
		httpx.Problem(w, http.StatusConflict, "Conflict", conflictErr.Error())
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", "")
	default:
		httpx.RespondError(w, err)
	}
}
