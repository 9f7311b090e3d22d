// Package handlers provides HTTP handlers for the prescription API.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/medisync/rx-engine/internal/api/middleware"
	"github.com/medisync/rx-engine/internal/domain/identity"
	"github.com/medisync/rx-engine/internal/domain/prescription"
	"github.com/medisync/rx-engine/internal/observability/metrics"
)

// Engine is the lifecycle surface the handlers expose.
type Engine interface {
	CreateDraft(ctx context.Context, actor identity.Actor, in prescription.CreateDraftInput) (*prescription.Prescription, error)
	Approve(ctx context.Context, actor identity.Actor, prescriptionID, finalText, notes string) (*prescription.Prescription, error)
	ListForPatient(ctx context.Context, actor identity.Actor) ([]prescription.PatientView, error)
	ListForDoctor(ctx context.Context, actor identity.Actor) ([]prescription.DoctorView, error)
	GetHistory(ctx context.Context, actor identity.Actor, prescriptionID string) ([]prescription.HistoryEntry, error)
}

// PrescriptionHandler handles prescription endpoints.
type PrescriptionHandler struct {
	engine  Engine
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewPrescriptionHandler creates a new handler.
func NewPrescriptionHandler(engine Engine, m *metrics.Metrics, logger *zap.Logger) *PrescriptionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PrescriptionHandler{engine: engine, metrics: m, logger: logger}
}

// Routes returns the handler routes.
func (h *PrescriptionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/ai-draft", h.CreateDraft)
	r.Put("/{id}/approve", h.Approve)
	r.Get("/patient", h.ListForPatient)
	r.Get("/doctor", h.ListForDoctor)
	r.Get("/{id}/history", h.GetHistory)
	return r
}

// CreateDraftRequest is the request body for generating a draft.
type CreateDraftRequest struct {
	AppointmentID  string `json:"appointmentId"`
	Symptoms       string `json:"symptoms,omitempty"`
	MedicalHistory string `json:"medicalHistory,omitempty"`
}

// CreateDraft handles POST /prescriptions/ai-draft.
func (h *PrescriptionHandler) CreateDraft(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := middleware.GetActor(ctx)
	if !ok {
		h.jsonError(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	var req CreateDraftRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	start := time.Now()
	p, err := h.engine.CreateDraft(ctx, actor, prescription.CreateDraftInput{
		AppointmentID:  req.AppointmentID,
		Symptoms:       req.Symptoms,
		MedicalHistory: req.MedicalHistory,
	})
	h.metrics.GenerationDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if prescription.KindOf(err) == prescription.KindUpstream {
			h.metrics.GenerationFailures.Inc()
		}
		h.writeError(w, r, err)
		return
	}

	h.metrics.DraftsCreated.Inc()
	h.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"message":      "AI prescription draft generated successfully",
		"prescription": p,
	})
}

// ApproveRequest is the request body for approving a prescription.
type ApproveRequest struct {
	FinalPrescription string `json:"finalPrescription"`
	Notes             string `json:"notes,omitempty"`
}

// Approve handles PUT /prescriptions/{id}/approve.
func (h *PrescriptionHandler) Approve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := middleware.GetActor(ctx)
	if !ok {
		h.jsonError(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	var req ApproveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	p, err := h.engine.Approve(ctx, actor, chi.URLParam(r, "id"), req.FinalPrescription, req.Notes)
	if err != nil {
		if prescription.KindOf(err) == prescription.KindConflict {
			h.metrics.ApprovalConflicts.Inc()
		}
		h.writeError(w, r, err)
		return
	}

	h.metrics.Approvals.Inc()
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":      "Prescription approved successfully",
		"prescription": p,
	})
}

// ListForPatient handles GET /prescriptions/patient.
func (h *PrescriptionHandler) ListForPatient(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := middleware.GetActor(ctx)
	if !ok {
		h.jsonError(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	views, err := h.engine.ListForPatient(ctx, actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"prescriptions": views})
}

// ListForDoctor handles GET /prescriptions/doctor.
func (h *PrescriptionHandler) ListForDoctor(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := middleware.GetActor(ctx)
	if !ok {
		h.jsonError(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	views, err := h.engine.ListForDoctor(ctx, actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"prescriptions": views})
}

// GetHistory handles GET /prescriptions/{id}/history.
func (h *PrescriptionHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := middleware.GetActor(ctx)
	if !ok {
		h.jsonError(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	entries, err := h.engine.GetHistory(ctx, actor, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"history": entries})
}

// writeError maps a domain failure onto its HTTP status. Unclassified
// errors are logged and surfaced as an opaque 500.
func (h *PrescriptionHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := prescription.KindOf(err)
	status := http.StatusInternalServerError
	message := err.Error()

	switch kind {
	case prescription.KindNotFound:
		status = http.StatusNotFound
	case prescription.KindForbidden:
		status = http.StatusForbidden
	case prescription.KindConflict:
		status = http.StatusConflict
	case prescription.KindValidation:
		status = http.StatusBadRequest
	case prescription.KindUpstream:
		status = http.StatusBadGateway
		message = "prescription generation failed, try again or create manually"
	default:
		message = "internal server error"
		h.logger.Error("unexpected failure",
			zap.Error(err),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
		)
	}

	h.writeJSON(w, status, map[string]string{
		"error":    message,
		"category": kind.String(),
	})
}

func (h *PrescriptionHandler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *PrescriptionHandler) jsonError(w http.ResponseWriter, message string, code int) {
	h.writeJSON(w, code, map[string]string{"error": message})
}
