package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/medisync/rx-engine/internal/api/middleware"
	"github.com/medisync/rx-engine/internal/domain/appointment"
	"github.com/medisync/rx-engine/internal/domain/identity"
	"github.com/medisync/rx-engine/internal/domain/prescription"
)

// AppointmentStore is the appointment surface the handler exposes.
type AppointmentStore interface {
	GetByID(ctx context.Context, id string) (*appointment.Appointment, error)
	UpdateStatus(ctx context.Context, id, doctorID string, status appointment.Status) (*appointment.Appointment, error)
}

// AppointmentHandler handles appointment endpoints.
type AppointmentHandler struct {
	store  AppointmentStore
	logger *zap.Logger
}

// NewAppointmentHandler creates a new handler.
func NewAppointmentHandler(store AppointmentStore, logger *zap.Logger) *AppointmentHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AppointmentHandler{store: store, logger: logger}
}

// Routes returns the handler routes.
func (h *AppointmentHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{id}", h.Get)
	r.Patch("/{id}/status", h.UpdateStatus)
	return r
}

// Get handles GET /appointments/{id}. Patients and doctors may only read
// their own appointments.
func (h *AppointmentHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := middleware.GetActor(ctx)
	if !ok {
		h.jsonError(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	apt, err := h.store.GetByID(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	switch actor.Role {
	case identity.RoleAdmin:
	case identity.RoleDoctor:
		if apt.DoctorID != actor.ID {
			h.jsonError(w, "access denied", http.StatusForbidden)
			return
		}
	case identity.RolePatient:
		if apt.PatientID != actor.ID {
			h.jsonError(w, "access denied", http.StatusForbidden)
			return
		}
	default:
		h.jsonError(w, "access denied", http.StatusForbidden)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"appointment": apt})
}

// UpdateStatusRequest is the request body for a status change.
type UpdateStatusRequest struct {
	Status string `json:"status"`
}

// UpdateStatus handles PATCH /appointments/{id}/status. Doctor only; the
// update is scoped to the appointment's own doctor.
func (h *AppointmentHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := middleware.GetActor(ctx)
	if !ok {
		h.jsonError(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	if actor.Role != identity.RoleDoctor {
		h.jsonError(w, "doctor role required", http.StatusForbidden)
		return
	}

	var req UpdateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	status, err := appointment.ParseStatus(req.Status)
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	apt, err := h.store.UpdateStatus(ctx, chi.URLParam(r, "id"), actor.ID, status)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":     "Appointment status updated",
		"appointment": apt,
	})
}

func (h *AppointmentHandler) writeError(w http.ResponseWriter, err error) {
	switch prescription.KindOf(err) {
	case prescription.KindNotFound:
		h.jsonError(w, err.Error(), http.StatusNotFound)
	case prescription.KindForbidden:
		h.jsonError(w, err.Error(), http.StatusForbidden)
	default:
		h.logger.Error("unexpected failure", zap.Error(err))
		h.jsonError(w, "internal server error", http.StatusInternalServerError)
	}
}

func (h *AppointmentHandler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *AppointmentHandler) jsonError(w http.ResponseWriter, message string, code int) {
	h.writeJSON(w, code, map[string]string{"error": message})
}
