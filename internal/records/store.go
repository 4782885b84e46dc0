package records

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var ErrInvalidRecord = errors.New("invalid clinical record")

// Store persists clinical artifacts produced during a consultation.
type Store interface {
	SaveClinicalDraft(ctx context.Context, d ClinicalDraft) error
	// FetchClinicalDraft returns nil, nil when nothing was saved yet.
	FetchClinicalDraft(ctx context.Context, appointmentID uuid.UUID) (*ClinicalDraft, error)
	// SavePrescription stores at most one prescription per appointment; a second
	// call for the same appointment is a no-op.
	SavePrescription(ctx context.Context, p Prescription) error
}

var structValidator = validator.New(validator.WithRequiredStructEnabled())

func validate(v any) error {
	if err := structValidator.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: %s failed %s", ErrInvalidRecord, verrs[0].Namespace(), verrs[0].Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return nil
}

type MemoryStore struct {
	mu            sync.RWMutex
	drafts        map[uuid.UUID]ClinicalDraft
	prescriptions map[uuid.UUID]Prescription // by appointment
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		drafts:        make(map[uuid.UUID]ClinicalDraft),
		prescriptions: make(map[uuid.UUID]Prescription),
	}
}

func (s *MemoryStore) SaveClinicalDraft(_ context.Context, d ClinicalDraft) error {
	if err := validate(d); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drafts[d.AppointmentID] = d.Clone()
	return nil
}

func (s *MemoryStore) FetchClinicalDraft(_ context.Context, appointmentID uuid.UUID) (*ClinicalDraft, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.drafts[appointmentID]
	if !ok {
		return nil, nil
	}
	out := d.Clone()
	return &out, nil
}

func (s *MemoryStore) SavePrescription(_ context.Context, p Prescription) error {
	if err := validate(p); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.prescriptions[p.AppointmentID]; ok {
		return nil
	}
	p.Medications = append([]Medication(nil), p.Medications...)
	s.prescriptions[p.AppointmentID] = p
	return nil
}

// Prescription returns the prescription issued for an appointment, if any.
func (s *MemoryStore) Prescription(appointmentID uuid.UUID) (Prescription, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prescriptions[appointmentID]
	return p, ok
}
