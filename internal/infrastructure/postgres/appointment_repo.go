package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/medisync/rx-engine/internal/domain/appointment"
	"github.com/medisync/rx-engine/internal/domain/prescription"
)

// AppointmentRepo reads appointments and applies doctor-driven status
// changes. Booking happens outside this service; doctor_id never changes
// after scheduling.
type AppointmentRepo struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewAppointmentRepo creates a new repository.
func NewAppointmentRepo(pool *pgxpool.Pool, logger *zap.Logger) *AppointmentRepo {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AppointmentRepo{pool: pool, logger: logger}
}

// GetByID retrieves an appointment by ID.
func (r *AppointmentRepo) GetByID(ctx context.Context, id string) (*appointment.Appointment, error) {
	var a appointment.Appointment
	err := r.pool.QueryRow(ctx, `
		SELECT id, patient_id, doctor_id, date, time, symptoms, status, created_at
		FROM appointments
		WHERE id = $1
	`, id).Scan(&a.ID, &a.PatientID, &a.DoctorID, &a.Date, &a.Time, &a.Symptoms, &a.Status, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, prescription.E(prescription.KindNotFound, "appointment not found")
		}
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	return &a, nil
}

// UpdateStatus moves an appointment's status, scoped to its own doctor. Zero
// rows means the appointment does not exist or belongs to another doctor.
func (r *AppointmentRepo) UpdateStatus(ctx context.Context, id, doctorID string, status appointment.Status) (*appointment.Appointment, error) {
	var a appointment.Appointment
	err := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET status = $3
		WHERE id = $1 AND doctor_id = $2
		RETURNING id, patient_id, doctor_id, date, time, symptoms, status, created_at
	`, id, doctorID, status).Scan(&a.ID, &a.PatientID, &a.DoctorID, &a.Date, &a.Time, &a.Symptoms, &a.Status, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, prescription.E(prescription.KindNotFound, "appointment not found")
		}
		return nil, fmt.Errorf("update appointment status: %w", err)
	}

	r.logger.Info("appointment status updated",
		zap.String("appointment_id", id),
		zap.String("status", string(status)))
	return &a, nil
}
