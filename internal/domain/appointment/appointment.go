// Package appointment models the scheduling unit a prescription is drafted
// from. Booking itself happens elsewhere; the lifecycle engine consumes
// appointments as a precondition and doctors may move their status forward.
package appointment

import (
	"fmt"
	"time"
)

// Status represents appointment status.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusNoShow    Status = "no-show"
)

// ParseStatus validates a raw status string.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusScheduled, StatusCompleted, StatusCancelled, StatusNoShow:
		return Status(s), nil
	default:
		return "", fmt.Errorf("unknown appointment status %q", s)
	}
}

// Appointment is a booked visit. DoctorID is immutable once scheduled; the
// engine's authorization check relies on that.
type Appointment struct {
	ID        string    `json:"id"`
	PatientID string    `json:"patient_id"`
	DoctorID  string    `json:"doctor_id"`
	Date      time.Time `json:"date"`
	Time      string    `json:"time"`
	Symptoms  string    `json:"symptoms"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}
