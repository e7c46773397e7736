package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hackgods/slot-booking-engine/internal/booking"
	"github.com/hackgods/slot-booking-engine/internal/webhook"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

// writeServiceError maps domain errors onto status codes. Unknown errors are
// logged and answered with a bare 500.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *booking.ValidationError
	if c, ok := booking.AsConflict(err); ok {
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: "slot_conflict", Kind: string(c.Kind), Details: err.Error()})
		return
	}
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "validation_error", Field: verr.Field, Details: verr.Reason})
	case errors.Is(err, booking.ErrVersionMismatch):
		writeError(w, http.StatusConflict, "version_mismatch", "appointment changed since it was read")
	case errors.Is(err, booking.ErrHoldExpired):
		writeError(w, http.StatusBadRequest, "hold_expired", "hold has expired, request a new one")
	case errors.Is(err, booking.ErrHoldNotActive):
		writeError(w, http.StatusConflict, "hold_not_active", err.Error())
	case errors.Is(err, booking.ErrIdempotencyConflict):
		writeError(w, http.StatusConflict, "idempotency_conflict", err.Error())
	case errors.Is(err, booking.ErrLockTimeout):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusConflict, "lock_timeout", "schedule is busy, retry shortly")
	case booking.IsNotFound(err), errors.Is(err, webhook.ErrSubscriptionNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	default:
		loggerFrom(r.Context()).Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "internal_error", "")
	}
}

// decodeJSON reads a JSON body. An empty body leaves v untouched when
// optional is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) && optional {
		return true
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return false
	}
	return true
}

func urlUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Field:   name,
			Details: fmt.Sprintf("%s must be a valid UUID", name),
		})
		return uuid.Nil, false
	}
	return id, true
}

// idempotencyKey prefers the body field and falls back to the header.
func idempotencyKey(r *http.Request, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	return r.Header.Get("Idempotency-Key")
}
