package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hackgods/slot-booking-engine/internal/booking"
	"github.com/hackgods/slot-booking-engine/internal/webhook"
)

func replaceRulesHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		profID, ok := urlUUID(w, r, "id")
		if !ok {
			return
		}
		weekday, err := strconv.Atoi(chi.URLParam(r, "weekday"))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{
				Error: "validation_error", Field: "weekday", Details: "weekday must be a number between 0 and 6",
			})
			return
		}
		var req ReplaceRulesRequest
		if !decodeJSON(w, r, &req, false) {
			return
		}

		in := make([]booking.RuleInput, 0, len(req.Rules))
		for _, rr := range req.Rules {
			in = append(in, booking.RuleInput{
				StartTime:           rr.StartTime,
				EndTime:             rr.EndTime,
				GranularityMinutes:  rr.GranularityMinutes,
				BufferBeforeMinutes: rr.BufferBeforeMinutes,
				BufferAfterMinutes:  rr.BufferAfterMinutes,
			})
		}

		rules, err := svc.ReplaceRules(r.Context(), accountID(r), profID, weekday, in)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		if rules == nil {
			rules = []booking.AvailabilityRule{}
		}
		writeJSON(w, http.StatusOK, RulesResponse{Rules: rules})
	}
}

func createBlockHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateBlockRequest
		if !decodeJSON(w, r, &req, false) {
			return
		}
		block, err := svc.CreateBlock(r.Context(), booking.BlockInput{
			AccountID:      accountID(r),
			ProfessionalID: req.ProfessionalID,
			ResourceID:     req.ResourceID,
			Kind:           booking.BlockKind(req.Kind),
			Reason:         req.Reason,
			StartAt:        req.StartAt,
			EndAt:          req.EndAt,
			Weekday:        req.Weekday,
			StartTime:      req.StartTime,
			EndTime:        req.EndTime,
		})
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, block)
	}
}

func deleteBlockHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := urlUUID(w, r, "id")
		if !ok {
			return
		}
		if err := svc.DeleteBlock(r.Context(), accountID(r), id); err != nil {
			writeServiceError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func createSubscriptionHandler(subs *webhook.Subscriptions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateSubscriptionRequest
		if !decodeJSON(w, r, &req, false) {
			return
		}
		sub, err := subs.Create(r.Context(), webhook.CreateSubscriptionInput{
			AccountID:  accountID(r),
			URL:        req.URL,
			Secret:     req.Secret,
			EventTypes: req.EventTypes,
		})
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, sub)
	}
}

func listSubscriptionsHandler(subs *webhook.Subscriptions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := subs.List(r.Context(), accountID(r))
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		if list == nil {
			list = []webhook.Subscription{}
		}
		writeJSON(w, http.StatusOK, SubscriptionsResponse{Subscriptions: list})
	}
}

func disableSubscriptionHandler(subs *webhook.Subscriptions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := urlUUID(w, r, "id")
		if !ok {
			return
		}
		if err := subs.Disable(r.Context(), accountID(r), id); err != nil {
			writeServiceError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func listDeliveriesHandler(subs *webhook.Subscriptions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit := 0
		if raw := q.Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				writeJSON(w, http.StatusBadRequest, ErrorResponse{
					Error: "validation_error", Field: "limit", Details: "limit must be a non-negative number",
				})
				return
			}
			limit = n
		}

		list, err := subs.ListDeliveries(r.Context(), accountID(r), webhook.DeliveryStatus(q.Get("status")), limit)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		if list == nil {
			list = []webhook.Delivery{}
		}
		writeJSON(w, http.StatusOK, DeliveriesResponse{Deliveries: list})
	}
}
