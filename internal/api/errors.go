package api

import (
	"errors"
	"net/http"

	"github.com/jordanhubbard/orgcoord/internal/coordinator"
)

// ErrInvalidBody is returned when a request body cannot be decoded.
var ErrInvalidBody = errors.New("invalid request body")

// errorStatus maps coordinator errors to an HTTP status and a machine-readable
// status string. An empty status string means the body carries only "error".
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidBody):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, coordinator.ErrUnknownAgentKind):
		return http.StatusBadRequest, "unknown_agent"
	case errors.Is(err, coordinator.ErrInvalidOutcome):
		return http.StatusBadRequest, "invalid_result"
	case errors.Is(err, coordinator.ErrNotInitialized):
		return http.StatusNotFound, coordinator.StatusNotInitialized
	case errors.Is(err, coordinator.ErrDependencyUnavailable):
		return http.StatusServiceUnavailable, "dependency_unavailable"
	case errors.Is(err, coordinator.ErrClosed):
		return http.StatusServiceUnavailable, "shutting_down"
	}
	return http.StatusInternalServerError, ""
}
