package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medisync/rx-engine/internal/domain/prescription"
)

// PatientRepo reads the slice of the patient chart the engine consumes.
type PatientRepo struct {
	pool *pgxpool.Pool
}

// NewPatientRepo creates a new repository.
func NewPatientRepo(pool *pgxpool.Pool) *PatientRepo {
	return &PatientRepo{pool: pool}
}

// GetPatient retrieves a patient record by ID.
func (r *PatientRepo) GetPatient(ctx context.Context, id string) (*prescription.PatientRecord, error) {
	var p prescription.PatientRecord
	err := r.pool.QueryRow(ctx, `
		SELECT name, age, gender, COALESCE(medical_history, '')
		FROM patients
		WHERE id = $1
	`, id).Scan(&p.Name, &p.Age, &p.Gender, &p.MedicalHistory)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, prescription.E(prescription.KindNotFound, "patient not found")
		}
		return nil, fmt.Errorf("get patient: %w", err)
	}
	return &p, nil
}
