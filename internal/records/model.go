package records

import (
	"time"

	"github.com/google/uuid"
)

// Medication is one line of a prescription.
type Medication struct {
	Name      string `json:"name" validate:"required"`
	Dosage    string `json:"dosage" validate:"required"`
	Frequency string `json:"frequency"`
	Duration  string `json:"duration"`
}

// ClinicalDraft is the provider's working notes for an appointment. It is only
// written when the provider saves.
type ClinicalDraft struct {
	AppointmentID uuid.UUID    `json:"appointment_id"`
	Notes         string       `json:"notes"`
	Diagnosis     string       `json:"diagnosis"`
	Medications   []Medication `json:"medications" validate:"dive"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Clone returns a copy that shares no slice with d.
func (d ClinicalDraft) Clone() ClinicalDraft {
	d.Medications = append([]Medication(nil), d.Medications...)
	return d
}

// Prescription is issued once per appointment when a consultation completes
// with medications on the draft.
type Prescription struct {
	ID            uuid.UUID    `json:"id"`
	AppointmentID uuid.UUID    `json:"appointment_id"`
	ProviderID    uuid.UUID    `json:"provider_id"`
	PatientID     uuid.UUID    `json:"patient_id"`
	Diagnosis     string       `json:"diagnosis"`
	Medications   []Medication `json:"medications" validate:"required,min=1,dive"`
	IssuedAt      time.Time    `json:"issued_at"`
}
