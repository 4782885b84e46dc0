package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hackgods/telehealth-scheduling/internal/db"
)

// PgStore keeps drafts in clinical_drafts and prescriptions in prescriptions.
// Medications are stored as JSONB.
type PgStore struct {
	pool db.DBTX
}

func NewPgStore(pool db.DBTX) *PgStore {
	if pool == nil {
		panic("records: pgx pool required")
	}
	return &PgStore{pool: pool}
}

func (s *PgStore) SaveClinicalDraft(ctx context.Context, d ClinicalDraft) error {
	if err := validate(d); err != nil {
		return err
	}
	meds, err := encodeMedications(d.Medications)
	if err != nil {
		return err
	}
	updatedAt := d.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO clinical_drafts (appointment_id, notes, diagnosis, medications, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (appointment_id) DO UPDATE SET
			notes = EXCLUDED.notes,
			diagnosis = EXCLUDED.diagnosis,
			medications = EXCLUDED.medications,
			updated_at = EXCLUDED.updated_at
	`, d.AppointmentID, d.Notes, d.Diagnosis, meds, updatedAt)
	if err != nil {
		return fmt.Errorf("upsert clinical draft: %w", err)
	}
	return nil
}

func (s *PgStore) FetchClinicalDraft(ctx context.Context, appointmentID uuid.UUID) (*ClinicalDraft, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT appointment_id, notes, diagnosis, medications, updated_at
		FROM clinical_drafts
		WHERE appointment_id = $1
	`, appointmentID)

	var (
		d    ClinicalDraft
		meds []byte
	)
	if err := row.Scan(&d.AppointmentID, &d.Notes, &d.Diagnosis, &meds, &d.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch clinical draft: %w", err)
	}
	if err := json.Unmarshal(meds, &d.Medications); err != nil {
		return nil, fmt.Errorf("decode medications: %w", err)
	}
	return &d, nil
}

func (s *PgStore) SavePrescription(ctx context.Context, p Prescription) error {
	if err := validate(p); err != nil {
		return err
	}
	meds, err := encodeMedications(p.Medications)
	if err != nil {
		return err
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	issuedAt := p.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = time.Now().UTC()
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO prescriptions (id, appointment_id, provider_id, patient_id, diagnosis, medications, issued_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (appointment_id) DO NOTHING
	`, p.ID, p.AppointmentID, p.ProviderID, p.PatientID, p.Diagnosis, meds, issuedAt)
	if err != nil {
		return fmt.Errorf("insert prescription: %w", err)
	}
	return nil
}

func encodeMedications(meds []Medication) ([]byte, error) {
	if meds == nil {
		meds = []Medication{}
	}
	b, err := json.Marshal(meds)
	if err != nil {
		return nil, fmt.Errorf("encode medications: %w", err)
	}
	return b, nil
}
