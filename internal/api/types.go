package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/hackgods/center-slot-booking/internal/appointment"
)

type ReserveResponse struct {
	Results []appointment.ReservationResult `json:"results"`
}

type UpdateStatusRequest struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type OKResponse struct {
	OK       bool  `json:"ok"`
	Modified *bool `json:"modified,omitempty"`
}

type CreatedResponse struct {
	ID uuid.UUID `json:"id"`
}

type ListResponse struct {
	Appointments []appointment.Appointment `json:"appointments"`
}

type CatalogResponse struct {
	Labels []string `json:"labels"`
	Tracks []string `json:"tracks"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}
