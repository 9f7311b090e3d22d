// Package postgres provides the PostgreSQL persistence layer. The
// prescription repository is the storage half of the lifecycle engine's
// contract: create-if-absent via a unique index, approval as one transaction
// of history insert plus guarded update.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/medisync/rx-engine/internal/domain/prescription"
)

const uniqueViolation = "23505"

// PrescriptionRepo persists prescriptions and their history.
type PrescriptionRepo struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPrescriptionRepo creates a new repository.
func NewPrescriptionRepo(pool *pgxpool.Pool, logger *zap.Logger) *PrescriptionRepo {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PrescriptionRepo{pool: pool, logger: logger}
}

// Insert persists a new draft prescription. The unique index on
// appointment_id makes the one-per-appointment invariant atomic; a duplicate
// surfaces as a conflict even when two inserts race.
func (r *PrescriptionRepo) Insert(ctx context.Context, p *prescription.Prescription) error {
	query := `
		INSERT INTO prescriptions
		(id, patient_id, doctor_id, appointment_id, ai_draft, final_prescription,
		 status, version, notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := r.pool.Exec(ctx, query,
		p.ID, p.PatientID, p.DoctorID, p.AppointmentID, p.DraftJSON(),
		p.FinalPrescription, p.Status, p.Version, p.Notes, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return prescription.E(prescription.KindConflict, "prescription already exists for this appointment")
		}
		return fmt.Errorf("insert prescription: %w", err)
	}
	return nil
}

// ExistsForAppointment reports whether a prescription already exists for an
// appointment. Advisory only; Insert enforces the invariant.
func (r *PrescriptionRepo) ExistsForAppointment(ctx context.Context, appointmentID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM prescriptions WHERE appointment_id = $1)`,
		appointmentID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check prescription existence: %w", err)
	}
	return exists, nil
}

const prescriptionColumns = `
	id, patient_id, doctor_id, appointment_id, ai_draft, final_prescription,
	status, version, last_edited_by, last_edited_at, notes, created_at, updated_at
`

// GetByID retrieves a prescription by ID.
func (r *PrescriptionRepo) GetByID(ctx context.Context, id string) (*prescription.Prescription, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+prescriptionColumns+` FROM prescriptions WHERE id = $1`, id)

	p, err := scanPrescription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, prescription.E(prescription.KindNotFound, "prescription not found")
		}
		return nil, fmt.Errorf("get prescription: %w", err)
	}
	return p, nil
}

// Approve applies the approval transition atomically: the history entry and
// the outbox event are inserted, then the prescription is updated under a
// status and version guard. A missed guard rolls everything back and reports
// a conflict, so a lost race never leaves a history row behind.
func (r *PrescriptionRepo) Approve(ctx context.Context, upd prescription.ApprovalUpdate, entry *prescription.HistoryEntry) (*prescription.Prescription, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// History first: version N's ledger row exists before version N+1 does.
	_, err = tx.Exec(ctx, `
		INSERT INTO prescription_history
		(id, prescription_id, edited_by, edited_at, old_version, new_version,
		 version_number, change_description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		entry.ID, entry.PrescriptionID, entry.EditedBy, entry.EditedAt,
		entry.OldVersion, entry.NewVersion, entry.VersionNumber, entry.ChangeDescription,
	)
	if err != nil {
		return nil, fmt.Errorf("insert history: %w", err)
	}

	payload, err := json.Marshal(approvedEvent{
		PrescriptionID: upd.PrescriptionID,
		DoctorID:       upd.LastEditedBy,
		Version:        upd.ExpectedVersion + 1,
		ApprovedAt:     upd.LastEditedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	if err := WriteOutboxEntry(ctx, tx, &OutboxEntry{
		AggregateID:   upd.PrescriptionID,
		AggregateType: "Prescription",
		EventType:     EventPrescriptionApproved,
		Payload:       payload,
		Topic:         TopicPrescriptionApproved,
		Key:           upd.PrescriptionID,
	}); err != nil {
		return nil, err
	}

	row := tx.QueryRow(ctx, `
		UPDATE prescriptions
		SET final_prescription = $2,
		    status = 'approved',
		    version = version + 1,
		    last_edited_by = $3,
		    last_edited_at = $4,
		    notes = $5,
		    updated_at = $4
		WHERE id = $1 AND status = 'draft' AND version = $6
		RETURNING `+prescriptionColumns,
		upd.PrescriptionID, upd.FinalPrescription, upd.LastEditedBy,
		upd.LastEditedAt, upd.Notes, upd.ExpectedVersion,
	)

	p, err := scanPrescription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, prescription.E(prescription.KindConflict, "prescription is already approved")
		}
		return nil, fmt.Errorf("update prescription: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return p, nil
}

// ListForPatient returns approved prescriptions for a patient, newest
// approval first, with the prescribing doctor attached.
func (r *PrescriptionRepo) ListForPatient(ctx context.Context, patientID string) ([]prescription.PatientView, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+prefixed("p")+`, d.id, d.name, d.specialization
		FROM prescriptions p
		JOIN doctors d ON d.id = p.doctor_id
		WHERE p.patient_id = $1 AND p.status = 'approved'
		ORDER BY p.last_edited_at DESC
	`, patientID)
	if err != nil {
		return nil, fmt.Errorf("list for patient: %w", err)
	}
	defer rows.Close()

	views := []prescription.PatientView{}
	for rows.Next() {
		var v prescription.PatientView
		if err := scanPrescriptionInto(rows, &v.Prescription,
			&v.Doctor.ID, &v.Doctor.Name, &v.Doctor.Specialization); err != nil {
			return nil, fmt.Errorf("scan patient view: %w", err)
		}
		views = append(views, v)
	}
	return views, rows.Err()
}

// ListForDoctor returns all prescriptions for a doctor, newest first, with
// the patient attached.
func (r *PrescriptionRepo) ListForDoctor(ctx context.Context, doctorID string) ([]prescription.DoctorView, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+prefixed("p")+`, pt.id, pt.name, pt.age
		FROM prescriptions p
		JOIN patients pt ON pt.id = p.patient_id
		WHERE p.doctor_id = $1
		ORDER BY p.created_at DESC
	`, doctorID)
	if err != nil {
		return nil, fmt.Errorf("list for doctor: %w", err)
	}
	defer rows.Close()

	views := []prescription.DoctorView{}
	for rows.Next() {
		var v prescription.DoctorView
		if err := scanPrescriptionInto(rows, &v.Prescription,
			&v.Patient.ID, &v.Patient.Name, &v.Patient.Age); err != nil {
			return nil, fmt.Errorf("scan doctor view: %w", err)
		}
		views = append(views, v)
	}
	return views, rows.Err()
}

// History returns the revision ledger for a prescription, newest edit first.
func (r *PrescriptionRepo) History(ctx context.Context, prescriptionID string) ([]prescription.HistoryEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT h.id, h.prescription_id, h.edited_by, d.name, h.edited_at,
		       h.old_version, h.new_version, h.version_number, h.change_description
		FROM prescription_history h
		JOIN doctors d ON d.id = h.edited_by
		WHERE h.prescription_id = $1
		ORDER BY h.edited_at DESC
	`, prescriptionID)
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}
	defer rows.Close()

	entries := []prescription.HistoryEntry{}
	for rows.Next() {
		var e prescription.HistoryEntry
		if err := rows.Scan(&e.ID, &e.PrescriptionID, &e.EditedBy, &e.EditorName,
			&e.EditedAt, &e.OldVersion, &e.NewVersion, &e.VersionNumber,
			&e.ChangeDescription); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// approvedEvent is the payload published when a prescription is approved.
type approvedEvent struct {
	PrescriptionID string    `json:"prescription_id"`
	DoctorID       string    `json:"doctor_id"`
	Version        int       `json:"version"`
	ApprovedAt     time.Time `json:"approved_at"`
}

// prefixed returns the prescription column list qualified with an alias.
func prefixed(alias string) string {
	return alias + `.id, ` + alias + `.patient_id, ` + alias + `.doctor_id, ` +
		alias + `.appointment_id, ` + alias + `.ai_draft, ` + alias + `.final_prescription, ` +
		alias + `.status, ` + alias + `.version, ` + alias + `.last_edited_by, ` +
		alias + `.last_edited_at, ` + alias + `.notes, ` + alias + `.created_at, ` +
		alias + `.updated_at`
}

func scanPrescription(row pgx.Row) (*prescription.Prescription, error) {
	var p prescription.Prescription
	if err := scanPrescriptionInto(row, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// scanPrescriptionInto scans the prescription columns plus any trailing
// columns into extra.
func scanPrescriptionInto(row pgx.Row, p *prescription.Prescription, extra ...interface{}) error {
	var (
		draftRaw     []byte
		lastEditedBy *string
		lastEditedAt *time.Time
	)
	dest := []interface{}{
		&p.ID, &p.PatientID, &p.DoctorID, &p.AppointmentID, &draftRaw,
		&p.FinalPrescription, &p.Status, &p.Version, &lastEditedBy,
		&lastEditedAt, &p.Notes, &p.CreatedAt, &p.UpdatedAt,
	}
	dest = append(dest, extra...)

	if err := row.Scan(dest...); err != nil {
		return err
	}
	if err := json.Unmarshal(draftRaw, &p.AIDraft); err != nil {
		return fmt.Errorf("decode ai draft: %w", err)
	}
	if lastEditedBy != nil {
		p.LastEditedBy = *lastEditedBy
	}
	if lastEditedAt != nil {
		p.LastEditedAt = *lastEditedAt
	}
	return nil
}
