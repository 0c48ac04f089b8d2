package api

import (
	"errors"
	"net/http"

	"github.com/kandev/fleetctl/internal/errs"
)

// httpStatus classifies a domain error into the HTTP status code the
// API boundary should return for it.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrCyclicWorkflow):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrAgentOffline), errors.Is(err, errs.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, errs.ErrTransientDependency):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
