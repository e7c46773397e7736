package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/slot-booking-engine/internal/booking"
)

func availabilityHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		query := booking.AvailabilityQuery{AccountID: accountID(r)}

		var ok bool
		if query.ProfessionalID, ok = queryUUID(w, q.Get("professional_id"), "professional_id"); !ok {
			return
		}
		if query.ProcedureID, ok = queryUUID(w, q.Get("procedure_id"), "procedure_id"); !ok {
			return
		}
		if raw := q.Get("resource_id"); raw != "" {
			id, ok := queryUUID(w, raw, "resource_id")
			if !ok {
				return
			}
			query.ResourceID = &id
		}
		if query.From, ok = queryDate(w, q.Get("from"), "from"); !ok {
			return
		}
		if query.To, ok = queryDate(w, q.Get("to"), "to"); !ok {
			return
		}
		if raw := q.Get("granularity"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				writeJSON(w, http.StatusBadRequest, ErrorResponse{
					Error: "validation_error", Field: "granularity", Details: "granularity must be a positive number of minutes",
				})
				return
			}
			query.Granularity = time.Duration(n) * time.Minute
		}

		slots, err := svc.Availability(r.Context(), query)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, AvailabilityResponse{Slots: slots})
	}
}

func createHoldHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateHoldRequest
		if !decodeJSON(w, r, &req, false) {
			return
		}

		hold, replayed, err := svc.CreateHold(r.Context(), booking.CreateHoldInput{
			AccountID:      accountID(r),
			ProfessionalID: req.ProfessionalID,
			ResourceID:     req.ResourceID,
			ProcedureID:    req.ProcedureID,
			Start:          req.Start,
			PatientRef:     req.PatientRef,
			IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
		})
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, createdOrReplayed(replayed), hold)
	}
}

func getHoldHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := urlUUID(w, r, "id")
		if !ok {
			return
		}
		hold, err := svc.GetHold(r.Context(), accountID(r), id)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, hold)
	}
}

func cancelHoldHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := urlUUID(w, r, "id")
		if !ok {
			return
		}
		hold, err := svc.CancelHold(r.Context(), accountID(r), id)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, hold)
	}
}

func confirmHoldHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := urlUUID(w, r, "id")
		if !ok {
			return
		}
		var req ConfirmHoldRequest
		if !decodeJSON(w, r, &req, true) {
			return
		}

		appt, replayed, err := svc.Confirm(r.Context(), booking.ConfirmInput{
			AccountID:      accountID(r),
			HoldID:         id,
			IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
			Notes:          req.Notes,
		})
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, createdOrReplayed(replayed), appt)
	}
}

func createAppointmentHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateAppointmentRequest
		if !decodeJSON(w, r, &req, false) {
			return
		}

		appt, replayed, err := svc.CreateAppointment(r.Context(), booking.CreateAppointmentInput{
			AccountID:      accountID(r),
			ProfessionalID: req.ProfessionalID,
			ResourceID:     req.ResourceID,
			ProcedureID:    req.ProcedureID,
			Start:          req.Start,
			PatientRef:     req.PatientRef,
			Notes:          req.Notes,
			IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
		})
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, createdOrReplayed(replayed), appt)
	}
}

func getAppointmentHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := urlUUID(w, r, "id")
		if !ok {
			return
		}
		appt, err := svc.GetAppointment(r.Context(), accountID(r), id)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, appt)
	}
}

func patchAppointmentHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := urlUUID(w, r, "id")
		if !ok {
			return
		}
		var req PatchAppointmentRequest
		if !decodeJSON(w, r, &req, false) {
			return
		}
		if req.Version == nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{
				Error: "validation_error", Field: "version", Details: "version is required",
			})
			return
		}

		patch := booking.AppointmentPatch{
			Start:          req.Start,
			End:            req.End,
			ProfessionalID: req.ProfessionalID,
			ResourceID:     req.ResourceID,
			ClearResource:  req.ClearResource,
			Notes:          req.Notes,
		}
		if req.Status != nil {
			st := booking.AppointmentStatus(*req.Status)
			patch.Status = &st
		}

		appt, err := svc.PatchAppointment(r.Context(), accountID(r), id, *req.Version, patch)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, appt)
	}
}

func cancelAppointmentHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := urlUUID(w, r, "id")
		if !ok {
			return
		}
		var req CancelRequest
		if !decodeJSON(w, r, &req, true) {
			return
		}
		appt, err := svc.CancelAppointment(r.Context(), accountID(r), id, req.Reason)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, appt)
	}
}

func rescheduleAppointmentHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := urlUUID(w, r, "id")
		if !ok {
			return
		}
		var req RescheduleRequest
		if !decodeJSON(w, r, &req, false) {
			return
		}
		hold, err := svc.Reschedule(r.Context(), accountID(r), id, req.Start)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, hold)
	}
}

func createdOrReplayed(replayed bool) int {
	if replayed {
		return http.StatusOK
	}
	return http.StatusCreated
}

func queryUUID(w http.ResponseWriter, raw, field string) (uuid.UUID, bool) {
	id, err := uuid.Parse(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: "validation_error", Field: field, Details: field + " must be a valid UUID",
		})
		return uuid.Nil, false
	}
	return id, true
}

// queryDate accepts a calendar date or a full RFC 3339 timestamp.
func queryDate(w http.ResponseWriter, raw, field string) (time.Time, bool) {
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, true
	}
	writeJSON(w, http.StatusBadRequest, ErrorResponse{
		Error: "validation_error", Field: field, Details: field + " must be YYYY-MM-DD or RFC 3339",
	})
	return time.Time{}, false
}
