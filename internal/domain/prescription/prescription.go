package prescription

import (
	"encoding/json"
	"time"
)

// Status represents prescription status.
type Status string

const (
	StatusDraft    Status = "draft"
	StatusApproved Status = "approved"
	// StatusRejected is reserved; no operation transitions into it.
	StatusRejected Status = "rejected"
)

// Medication is a single line item of a generated draft.
type Medication struct {
	Name      string `json:"name"`
	Dosage    string `json:"dosage"`
	Frequency string `json:"frequency"`
	Duration  string `json:"duration"`
}

// Draft is the structured output of the draft generation gateway. Every field
// is always populated; the gateway never returns a partially-shaped draft.
type Draft struct {
	Diagnosis   string       `json:"diagnosis"`
	Medications []Medication `json:"medications"`
	Advice      string       `json:"advice"`
	FollowUp    string       `json:"followUp"`
}

// Normalize fills any omitted field with its safe default.
func (d *Draft) Normalize() {
	if d.Diagnosis == "" {
		d.Diagnosis = "Not specified"
	}
	if d.Medications == nil {
		d.Medications = []Medication{}
	}
	if d.Advice == "" {
		d.Advice = "Follow general health guidelines"
	}
	if d.FollowUp == "" {
		d.FollowUp = "Schedule follow-up as needed"
	}
}

// Prescription is the core record. Exactly one exists per appointment, and
// only the lifecycle engine writes it.
type Prescription struct {
	ID                string    `json:"id"`
	PatientID         string    `json:"patient_id"`
	DoctorID          string    `json:"doctor_id"`
	AppointmentID     string    `json:"appointment_id"`
	AIDraft           Draft     `json:"ai_draft"`
	FinalPrescription string    `json:"final_prescription"`
	Status            Status    `json:"status"`
	Version           int       `json:"version"`
	LastEditedBy      string    `json:"last_edited_by,omitempty"`
	LastEditedAt      time.Time `json:"last_edited_at,omitempty"`
	Notes             string    `json:"notes"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// DraftJSON returns the draft serialized for storage or transport.
func (p *Prescription) DraftJSON() json.RawMessage {
	b, _ := json.Marshal(p.AIDraft)
	return b
}

// HistoryEntry is one append-only revision record. A row with version number
// N records the transition that produced prescription version N+1.
type HistoryEntry struct {
	ID                string    `json:"id"`
	PrescriptionID    string    `json:"prescription_id"`
	EditedBy          string    `json:"edited_by"`
	EditorName        string    `json:"editor_name,omitempty"`
	EditedAt          time.Time `json:"edited_at"`
	OldVersion        string    `json:"old_version"`
	NewVersion        string    `json:"new_version"`
	VersionNumber     int       `json:"version_number"`
	ChangeDescription string    `json:"change_description"`
}

// DoctorSummary is the prescriber identity attached to patient-facing lists.
type DoctorSummary struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Specialization string `json:"specialization"`
}

// PatientSummary is the patient identity attached to doctor-facing lists.
type PatientSummary struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Age  int    `json:"age"`
}

// PatientView is an approved prescription as shown to its patient.
type PatientView struct {
	Prescription
	Doctor DoctorSummary `json:"doctor"`
}

// DoctorView is a prescription as shown to its prescribing doctor.
type DoctorView struct {
	Prescription
	Patient PatientSummary `json:"patient"`
}
