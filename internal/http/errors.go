package httpapi

import (
	"errors"
	"net/http"

	"github.com/example/route-negotiation/internal/matcher"
	"github.com/example/route-negotiation/internal/negotiation"
	"github.com/example/route-negotiation/internal/registry"
	"github.com/example/route-negotiation/internal/storage"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, negotiation.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, negotiation.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, matcher.ErrNoSuitableRoute):
		return http.StatusUnprocessableEntity, "no_suitable_route"
	case errors.Is(err, registry.ErrProfileMismatch):
		return http.StatusUnprocessableEntity, "profile_mismatch"
	case errors.Is(err, storage.ErrRequestNotFound), errors.Is(err, storage.ErrProfileNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, registry.ErrConcurrentModification):
		return http.StatusServiceUnavailable, "busy"
	case errors.Is(err, registry.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	switch status {
	case http.StatusInternalServerError:
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
		msg = "internal error"
	case http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", "1")
	}
	writeErrorBody(w, status, code, msg)
}

func writeErrorBody(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: msg}})
}
