package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hackgods/center-slot-booking/internal/appointment"
	"github.com/hackgods/center-slot-booking/internal/auth"
)

// scopeFrom maps the authenticated principal onto the service scope.
func scopeFrom(r *http.Request) appointment.Scope {
	p := auth.FromContext(r.Context())
	role := appointment.RoleCitizen
	if p.IsAdmin() {
		role = appointment.RoleAdmin
	}
	return appointment.Scope{Subject: p.Subject, Role: role, CenterScope: p.Center}
}

func availabilityHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		snap, err := svc.Availability(r.Context(), scopeFrom(r), q.Get("center"), q.Get("date"))
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func reserveHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req appointment.ReserveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		results, err := svc.Reserve(r.Context(), scopeFrom(r), req)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ReserveResponse{Results: results})
	}
}

func createPlaceholderHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var applicant appointment.Applicant
		if err := json.NewDecoder(r.Body).Decode(&applicant); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		appt, err := svc.CreatePlaceholder(r.Context(), applicant)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, CreatedResponse{ID: appt.ID})
	}
}

func getAppointmentHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		appt, err := svc.Get(r.Context(), id)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, appt)
	}
}

func listAppointmentsHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		list, err := svc.List(r.Context(), scopeFrom(r), appointment.ListFilter{
			Center: q.Get("center"),
			Date:   q.Get("date"),
			Status: q.Get("status"),
		})
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ListResponse{Appointments: list})
	}
}

func updateStatusHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req UpdateStatusRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		id, err := uuid.Parse(req.ID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		if _, err := svc.UpdateStatus(r.Context(), scopeFrom(r), id, req.Status); err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, OKResponse{OK: true})
	}
}

// updateFieldsHandler takes {"id": ..., <field>: <string>, ...}.
func updateFieldsHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		rawID, _ := body["id"].(string)
		id, err := uuid.Parse(rawID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}
		delete(body, "id")

		patch := make(appointment.Patch, len(body))
		for k, v := range body {
			s, ok := v.(string)
			if !ok {
				writeError(w, http.StatusBadRequest, "validation_failed", fmt.Sprintf("%s must be a string", k))
				return
			}
			patch[k] = s
		}

		modified, err := svc.UpdateFields(r.Context(), scopeFrom(r), id, patch)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, OKResponse{OK: true, Modified: &modified})
	}
}

func catalogHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c := svc.Catalog()
		writeJSON(w, http.StatusOK, CatalogResponse{Labels: c.Labels(), Tracks: c.Tracks()})
	}
}

func handleServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, appointment.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
	case errors.Is(err, appointment.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, appointment.ErrNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, appointment.ErrBookingInProgress):
		writeError(w, http.StatusConflict, "booking_in_progress", "another booking for this center and date is in progress, please retry shortly")
	case errors.Is(err, appointment.ErrConcurrentUpdate):
		writeError(w, http.StatusConflict, "concurrent_update", err.Error())
	case errors.Is(err, appointment.ErrConflict):
		writeError(w, http.StatusConflict, "slot_taken", err.Error())
	case errors.Is(err, appointment.ErrRetrieval):
		writeError(w, http.StatusServiceUnavailable, "retrieval_failed", "could not load appointments")
	case errors.Is(err, appointment.ErrStorage):
		writeError(w, http.StatusServiceUnavailable, "storage_failed", "could not save appointments")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func writeAuthError(w http.ResponseWriter, _ *http.Request, status int, err error) {
	code := "unauthorized"
	if status == http.StatusForbidden {
		code = "forbidden"
	}
	writeError(w, status, code, err.Error())
}
