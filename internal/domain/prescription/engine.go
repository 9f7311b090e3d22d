package prescription

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/medisync/rx-engine/internal/domain/appointment"
	"github.com/medisync/rx-engine/internal/domain/identity"
)

// Store is the persistence contract for prescriptions and their history.
// Insert must enforce the one-prescription-per-appointment invariant
// atomically (unique constraint, not a prior existence check), and Approve
// must apply the history insert and the guarded prescription update as one
// atomic effect, failing with a conflict when the guard misses.
type Store interface {
	Insert(ctx context.Context, p *Prescription) error
	ExistsForAppointment(ctx context.Context, appointmentID string) (bool, error)
	GetByID(ctx context.Context, id string) (*Prescription, error)
	Approve(ctx context.Context, upd ApprovalUpdate, entry *HistoryEntry) (*Prescription, error)
	ListForPatient(ctx context.Context, patientID string) ([]PatientView, error)
	ListForDoctor(ctx context.Context, doctorID string) ([]DoctorView, error)
	History(ctx context.Context, prescriptionID string) ([]HistoryEntry, error)
}

// ApprovalUpdate is the guarded mutation applied together with its history
// entry. ExpectedVersion is the version read before the update; the store
// must refuse the write when the stored version no longer matches.
type ApprovalUpdate struct {
	PrescriptionID    string
	ExpectedVersion   int
	FinalPrescription string
	LastEditedBy      string
	LastEditedAt      time.Time
	Notes             string
}

// AppointmentReader supplies appointments from the scheduling component.
type AppointmentReader interface {
	GetByID(ctx context.Context, id string) (*appointment.Appointment, error)
}

// PatientRecord is the slice of the patient chart the engine consumes.
type PatientRecord struct {
	Name           string
	Age            int
	Gender         string
	MedicalHistory string
}

// PatientReader supplies patient records.
type PatientReader interface {
	GetPatient(ctx context.Context, id string) (*PatientRecord, error)
}

// PatientContext is the generator input describing the patient.
type PatientContext struct {
	Age            int
	Gender         string
	MedicalHistory string
}

// DraftGenerator produces a structured prescription draft. Implementations
// classify their failures as upstream errors; the engine propagates them
// without creating any record.
type DraftGenerator interface {
	GenerateDraft(ctx context.Context, patient PatientContext, symptoms string) (*Draft, error)
}

// Engine owns every state transition of a prescription and is the sole
// writer of prescriptions and their history.
type Engine struct {
	store        Store
	appointments AppointmentReader
	patients     PatientReader
	generator    DraftGenerator
	genTimeout   time.Duration
	logger       *zap.Logger
	tracer       trace.Tracer
	now          func() time.Time
}

// NewEngine creates a lifecycle engine. genTimeout bounds the draft
// generation call; zero means 30s.
func NewEngine(store Store, appointments AppointmentReader, patients PatientReader, generator DraftGenerator, genTimeout time.Duration, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if genTimeout <= 0 {
		genTimeout = 30 * time.Second
	}
	return &Engine{
		store:        store,
		appointments: appointments,
		patients:     patients,
		generator:    generator,
		genTimeout:   genTimeout,
		logger:       logger,
		tracer:       otel.Tracer("prescription-engine"),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// requireRole checks the actor's role against the closed set. New roles fail
// closed instead of silently passing.
func requireRole(actor identity.Actor, want identity.Role) error {
	switch actor.Role {
	case identity.RolePatient, identity.RoleDoctor, identity.RoleAdmin:
		if actor.Role != want {
			return E(KindForbidden, "access denied: "+string(want)+" role required")
		}
		return nil
	default:
		return E(KindForbidden, "access denied: unknown role")
	}
}

// CreateDraftInput carries the optional overrides a doctor may supply when
// requesting a draft.
type CreateDraftInput struct {
	AppointmentID  string
	Symptoms       string
	MedicalHistory string
}

// CreateDraft generates and persists a new draft prescription for an
// appointment. It either fully succeeds with a persisted record or returns
// no record at all: the prescription is written strictly after the generator
// call returns.
func (e *Engine) CreateDraft(ctx context.Context, actor identity.Actor, in CreateDraftInput) (*Prescription, error) {
	ctx, span := e.tracer.Start(ctx, "create_draft",
		trace.WithAttributes(attribute.String("appointment_id", in.AppointmentID)))
	defer span.End()

	if err := requireRole(actor, identity.RoleDoctor); err != nil {
		return nil, err
	}
	if in.AppointmentID == "" {
		return nil, E(KindValidation, "appointment ID is required")
	}

	apt, err := e.appointments.GetByID(ctx, in.AppointmentID)
	if err != nil {
		return nil, err
	}
	if apt.DoctorID != actor.ID {
		return nil, E(KindForbidden, "access denied: you are not the doctor for this appointment")
	}

	exists, err := e.store.ExistsForAppointment(ctx, in.AppointmentID)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, E(KindConflict, "prescription already exists for this appointment")
	}

	patient, err := e.patients.GetPatient(ctx, apt.PatientID)
	if err != nil {
		return nil, err
	}

	symptoms := in.Symptoms
	if symptoms == "" {
		symptoms = apt.Symptoms
	}
	history := in.MedicalHistory
	if history == "" {
		history = patient.MedicalHistory
	}
	if history == "" {
		history = "None reported"
	}

	genCtx, cancel := context.WithTimeout(ctx, e.genTimeout)
	defer cancel()

	draft, err := e.generator.GenerateDraft(genCtx, PatientContext{
		Age:            patient.Age,
		Gender:         patient.Gender,
		MedicalHistory: history,
	}, symptoms)
	if err != nil {
		span.RecordError(err)
		if KindOf(err) == KindInternal {
			return nil, Wrap(KindUpstream, "prescription generation failed", err)
		}
		return nil, err
	}
	draft.Normalize()

	now := e.now()
	p := &Prescription{
		ID:            uuid.New().String(),
		PatientID:     apt.PatientID,
		DoctorID:      actor.ID,
		AppointmentID: apt.ID,
		AIDraft:       *draft,
		Status:        StatusDraft,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	// The unique index on appointment_id is the real enforcement: a race
	// past the existence check above surfaces here as a conflict.
	if err := e.store.Insert(ctx, p); err != nil {
		return nil, err
	}

	e.logger.Info("prescription draft created",
		zap.String("prescription_id", p.ID),
		zap.String("appointment_id", p.AppointmentID),
		zap.String("doctor_id", p.DoctorID),
	)
	span.SetAttributes(attribute.String("prescription_id", p.ID))

	return p, nil
}

// Approve converts a draft into an approved record, appending exactly one
// history entry. The history insert and the guarded prescription update
// commit atomically; a concurrent approval loses with a conflict.
func (e *Engine) Approve(ctx context.Context, actor identity.Actor, prescriptionID, finalText, notes string) (*Prescription, error) {
	ctx, span := e.tracer.Start(ctx, "approve_prescription",
		trace.WithAttributes(attribute.String("prescription_id", prescriptionID)))
	defer span.End()

	if err := requireRole(actor, identity.RoleDoctor); err != nil {
		return nil, err
	}
	if prescriptionID == "" {
		return nil, E(KindValidation, "prescription ID is required")
	}

	p, err := e.store.GetByID(ctx, prescriptionID)
	if err != nil {
		return nil, err
	}
	if p.DoctorID != actor.ID {
		return nil, E(KindForbidden, "access denied: you are not the doctor for this prescription")
	}
	if p.Status != StatusDraft {
		return nil, E(KindConflict, "prescription is already "+string(p.Status))
	}

	finalText = strings.TrimSpace(finalText)
	if finalText == "" {
		return nil, E(KindValidation, "prescription content cannot be empty")
	}

	oldVersion := p.FinalPrescription
	if oldVersion == "" {
		oldVersion = string(p.DraftJSON())
	}
	description := notes
	if description == "" {
		description = "Prescription approved"
	}

	now := e.now()
	entry := &HistoryEntry{
		ID:                uuid.New().String(),
		PrescriptionID:    p.ID,
		EditedBy:          actor.ID,
		EditedAt:          now,
		OldVersion:        oldVersion,
		NewVersion:        finalText,
		VersionNumber:     p.Version,
		ChangeDescription: description,
	}

	updated, err := e.store.Approve(ctx, ApprovalUpdate{
		PrescriptionID:    p.ID,
		ExpectedVersion:   p.Version,
		FinalPrescription: finalText,
		LastEditedBy:      actor.ID,
		LastEditedAt:      now,
		Notes:             notes,
	}, entry)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	e.logger.Info("prescription approved",
		zap.String("prescription_id", updated.ID),
		zap.String("doctor_id", actor.ID),
		zap.Int("version", updated.Version),
	)

	return updated, nil
}

// ListForPatient returns the actor's approved prescriptions, newest approval
// first, with the prescribing doctor attached.
func (e *Engine) ListForPatient(ctx context.Context, actor identity.Actor) ([]PatientView, error) {
	if err := requireRole(actor, identity.RolePatient); err != nil {
		return nil, err
	}
	return e.store.ListForPatient(ctx, actor.ID)
}

// ListForDoctor returns all of the actor's prescriptions, any status, newest
// first, with the patient attached.
func (e *Engine) ListForDoctor(ctx context.Context, actor identity.Actor) ([]DoctorView, error) {
	if err := requireRole(actor, identity.RoleDoctor); err != nil {
		return nil, err
	}
	return e.store.ListForDoctor(ctx, actor.ID)
}

// GetHistory returns the revision ledger for a prescription the actor
// prescribed, newest edit first.
func (e *Engine) GetHistory(ctx context.Context, actor identity.Actor, prescriptionID string) ([]HistoryEntry, error) {
	if err := requireRole(actor, identity.RoleDoctor); err != nil {
		return nil, err
	}
	if prescriptionID == "" {
		return nil, E(KindValidation, "prescription ID is required")
	}

	p, err := e.store.GetByID(ctx, prescriptionID)
	if err != nil {
		return nil, err
	}
	if p.DoctorID != actor.ID {
		return nil, E(KindForbidden, "access denied: you are not the doctor for this prescription")
	}

	return e.store.History(ctx, prescriptionID)
}
