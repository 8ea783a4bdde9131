package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"conductor-relay/internal/auth"
	"conductor-relay/internal/trip"
)

type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, errCode, detail string) {
	writeJSON(w, code, errorBody{Error: errCode, Detail: detail})
}

// writeTripError maps session errors onto HTTP statuses. The detail carries
// the operator-facing message when there is one.
func writeTripError(w http.ResponseWriter, err error) {
	detail := err.Error()
	var te *trip.TripError
	if errors.As(err, &te) {
		detail = te.Message
	}
	switch {
	case errors.Is(err, trip.ErrBlankBusID), errors.Is(err, trip.ErrBlankMessage):
		writeError(w, http.StatusBadRequest, "invalid_input", detail)
	case errors.Is(err, trip.ErrAlreadyInProgress):
		writeError(w, http.StatusConflict, "in_progress", detail)
	case errors.Is(err, trip.ErrInvalidPhase):
		writeError(w, http.StatusConflict, "invalid_phase", detail)
	case errors.Is(err, trip.ErrPushDisabled):
		writeError(w, http.StatusConflict, "push_disabled", detail)
	case errors.Is(err, trip.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", detail)
	case errors.Is(err, trip.ErrPermissionDenied):
		writeError(w, http.StatusForbidden, "permission_denied", detail)
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timeout", detail)
	case errors.Is(err, trip.ErrTransient):
		writeError(w, http.StatusBadGateway, "upstream_failed", detail)
	default:
		writeError(w, http.StatusInternalServerError, "internal", detail)
	}
}

func writeAuthError(w http.ResponseWriter, err error) {
	msg := auth.UserMessage(err)
	switch {
	case errors.Is(err, auth.ErrInvalidPhone), errors.Is(err, auth.ErrInvalidCode):
		writeError(w, http.StatusBadRequest, "invalid_input", msg)
	case errors.Is(err, auth.ErrNotRegistered):
		writeError(w, http.StatusForbidden, "not_registered", msg)
	case errors.Is(err, auth.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded", msg)
	case errors.Is(err, auth.ErrVerificationFailed), errors.Is(err, auth.ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, "unauthorized", msg)
	default:
		writeError(w, http.StatusInternalServerError, "internal", msg)
	}
}
