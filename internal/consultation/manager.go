package consultation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/telehealth-scheduling/internal/availability"
	"github.com/hackgods/telehealth-scheduling/internal/identity"
	"github.com/hackgods/telehealth-scheduling/internal/logging"
	"github.com/hackgods/telehealth-scheduling/internal/metrics"
	"github.com/hackgods/telehealth-scheduling/internal/records"
	"github.com/hackgods/telehealth-scheduling/internal/signaling"
)

// Signaler hands out media credentials for a session and checks the ones it issued.
type Signaler interface {
	IssueSessionCredential(ctx context.Context, sessionID uuid.UUID, role identity.Role) (*signaling.Credential, error)
	Verify(token string) (*signaling.Claims, error)
}

// Appointments is the part of availability.Repository the session lifecycle needs.
type Appointments interface {
	GetAppointment(ctx context.Context, id uuid.UUID) (*availability.Appointment, error)
	GetSlot(ctx context.Context, id uuid.UUID) (*availability.Slot, error)
	UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to availability.AppointmentStatus) (*availability.Appointment, error)
}

type entry struct {
	mu          sync.Mutex
	session     Session
	draftLoaded bool
}

// Manager owns consultation sessions. Operations on one session are serialized;
// collaborator calls are made without holding the session index.
type Manager struct {
	appointments Appointments
	signaler     Signaler
	records      records.Store
	metrics      *metrics.Metrics
	log          *zap.Logger
	joinLeeway   time.Duration
	now          func() time.Time

	mu            sync.Mutex
	byID          map[uuid.UUID]*entry
	byAppointment map[uuid.UUID]*entry
}

func NewManager(appts Appointments, signaler Signaler, store records.Store, m *metrics.Metrics, joinLeeway time.Duration, logger *zap.Logger) *Manager {
	return &Manager{
		appointments:  appts,
		signaler:      signaler,
		records:       store,
		metrics:       m,
		log:           logging.OrNop(logger),
		joinLeeway:    joinLeeway,
		now:           time.Now,
		byID:          make(map[uuid.UUID]*entry),
		byAppointment: make(map[uuid.UUID]*entry),
	}
}

// WithClock replaces the time source, for tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Join enters the consultation for an appointment. The first join creates the
// session; later joins reuse it and go back through connecting. A failed
// credential request leaves the session connecting and returns *TransportError.
func (m *Manager) Join(ctx context.Context, actor identity.Actor, appointmentID uuid.UUID) (*Session, error) {
	appt, err := m.appointments.GetAppointment(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	parties := Session{PatientID: appt.PatientID, ProviderID: appt.ProviderID}
	if _, ok := parties.roleOf(actor); !ok {
		return nil, identity.ErrForbidden
	}
	if appt.Status != availability.StatusConfirmed && appt.Status != availability.StatusInProgress {
		return nil, fmt.Errorf("%w: appointment is %s", ErrNotJoinable, appt.Status)
	}

	slot, err := m.appointments.GetSlot(ctx, appt.SlotID)
	if err != nil {
		return nil, fmt.Errorf("load slot: %w", err)
	}
	if opens := slot.StartsAt().Add(-m.joinLeeway); m.now().Before(opens) {
		return nil, fmt.Errorf("%w: opens at %s", ErrTooEarly, opens.Format(time.RFC3339))
	}

	e := m.entryFor(appt)
	e.mu.Lock()
	defer e.mu.Unlock()

	s := &e.session
	role, _ := s.roleOf(actor)
	if err := m.step(s, joined{}); err != nil {
		return nil, err
	}
	m.log.Info("participant joined",
		zap.String("session_id", s.ID.String()),
		zap.String("appointment_id", appointmentID.String()),
		zap.String("role", string(role)),
	)

	if role == identity.RoleProvider && !e.draftLoaded {
		draft, err := m.records.FetchClinicalDraft(ctx, appointmentID)
		if err != nil {
			m.log.Warn("could not preload clinical draft", zap.String("appointment_id", appointmentID.String()), zap.Error(err))
		} else {
			if draft != nil {
				s.Draft = draft.Clone()
			}
			e.draftLoaded = true
		}
	}

	err = m.connect(ctx, s, role)
	out := s.clone()
	return &out, err
}

// Reconnect retries the credential request for a session left connecting. An
// active session keeps its credential while it still verifies and gets a fresh
// one once it has expired.
func (m *Manager) Reconnect(ctx context.Context, actor identity.Actor, sessionID uuid.UUID) (*Session, error) {
	return m.with(sessionID, actor, func(e *entry, role identity.Role) error {
		s := &e.session
		if s.State == StateEnded {
			return ErrSessionEnded
		}
		if s.State == StateActive {
			if m.credentialValid(s) {
				return nil
			}
			if err := m.step(s, disconnected{}); err != nil {
				return err
			}
		}
		return m.connect(ctx, s, role)
	})
}

// Disconnect records a dropped connection. The session waits in connecting for a
// rejoin.
func (m *Manager) Disconnect(_ context.Context, actor identity.Actor, sessionID uuid.UUID) (*Session, error) {
	return m.with(sessionID, actor, func(e *entry, _ identity.Role) error {
		return m.step(&e.session, disconnected{})
	})
}

func (m *Manager) SetMedia(_ context.Context, actor identity.Actor, sessionID uuid.UUID, toggle MediaToggle) (*Session, error) {
	return m.with(sessionID, actor, func(e *entry, _ identity.Role) error {
		return m.step(&e.session, mediaToggled{toggle: toggle})
	})
}

// UpdateDraft edits the provider's working copy. Nothing is persisted until SaveDraft.
func (m *Manager) UpdateDraft(_ context.Context, actor identity.Actor, sessionID uuid.UUID, patch DraftPatch) (*Session, error) {
	return m.with(sessionID, actor, func(e *entry, role identity.Role) error {
		if role != identity.RoleProvider {
			return identity.ErrForbidden
		}
		if e.session.State == StateEnded {
			return ErrStaleDraft
		}
		if err := e.session.requireStarted("draft edit"); err != nil {
			return err
		}
		return m.step(&e.session, draftEdited{patch: patch})
	})
}

// SaveDraft persists the working copy to the records store.
func (m *Manager) SaveDraft(ctx context.Context, actor identity.Actor, sessionID uuid.UUID) (*Session, error) {
	return m.with(sessionID, actor, func(e *entry, role identity.Role) error {
		if role != identity.RoleProvider {
			return identity.ErrForbidden
		}
		if e.session.State == StateEnded {
			return ErrStaleDraft
		}
		if err := e.session.requireStarted("draft save"); err != nil {
			return err
		}
		return m.saveDraft(ctx, &e.session)
	})
}

// Leave ends the session for both participants.
func (m *Manager) Leave(_ context.Context, actor identity.Actor, sessionID uuid.UUID) (*Session, error) {
	return m.with(sessionID, actor, func(e *entry, role identity.Role) error {
		if e.session.State == StateEnded {
			return nil
		}
		return m.step(&e.session, ended{reason: fmt.Sprintf("left by %s", role)})
	})
}

// Complete is the provider's save and complete: the draft is saved, a
// prescription is issued when medications were recorded, the appointment is
// completed and the session ends.
func (m *Manager) Complete(ctx context.Context, actor identity.Actor, sessionID uuid.UUID) (*Session, error) {
	return m.with(sessionID, actor, func(e *entry, role identity.Role) error {
		s := &e.session
		if role != identity.RoleProvider {
			return identity.ErrForbidden
		}
		if s.State == StateEnded {
			return ErrStaleDraft
		}
		if err := s.requireStarted("complete"); err != nil {
			return err
		}

		if err := m.saveDraft(ctx, s); err != nil {
			return err
		}
		if len(s.Draft.Medications) > 0 {
			p := records.Prescription{
				ID:            uuid.New(),
				AppointmentID: s.AppointmentID,
				ProviderID:    s.ProviderID,
				PatientID:     s.PatientID,
				Diagnosis:     s.Draft.Diagnosis,
				Medications:   s.Draft.Medications,
				IssuedAt:      m.now(),
			}
			if err := m.records.SavePrescription(ctx, p); err != nil {
				return fmt.Errorf("save prescription: %w", err)
			}
		}
		if err := m.completeAppointment(ctx, s.AppointmentID); err != nil {
			return err
		}
		return m.step(s, ended{reason: "completed by provider"})
	})
}

// Get returns a session to one of its participants.
func (m *Manager) Get(_ context.Context, actor identity.Actor, sessionID uuid.UUID) (*Session, error) {
	return m.with(sessionID, actor, func(*entry, identity.Role) error { return nil })
}

// ForAppointment returns the session of an appointment, if it was ever joined.
func (m *Manager) ForAppointment(ctx context.Context, actor identity.Actor, appointmentID uuid.UUID) (*Session, error) {
	m.mu.Lock()
	e, ok := m.byAppointment[appointmentID]
	m.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	e.mu.Lock()
	id := e.session.ID
	e.mu.Unlock()
	return m.Get(ctx, actor, id)
}

func (m *Manager) entryFor(appt *availability.Appointment) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.byAppointment[appt.ID]; ok {
		return e
	}
	e := &entry{session: Session{
		ID:            uuid.New(),
		AppointmentID: appt.ID,
		ProviderID:    appt.ProviderID,
		PatientID:     appt.PatientID,
		State:         StateConnecting,
		Draft:         records.ClinicalDraft{AppointmentID: appt.ID},
	}}
	m.byID[e.session.ID] = e
	m.byAppointment[appt.ID] = e
	return e
}

// with runs fn under the session's lock for a participant and returns a copy of
// the session afterwards, also when fn fails.
func (m *Manager) with(sessionID uuid.UUID, actor identity.Actor, fn func(e *entry, role identity.Role) error) (*Session, error) {
	m.mu.Lock()
	e, ok := m.byID[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	role, ok := e.session.roleOf(actor)
	if !ok {
		return nil, identity.ErrForbidden
	}
	err := fn(e, role)
	out := e.session.clone()
	return &out, err
}

func (m *Manager) step(s *Session, ev event) error {
	from := s.State
	if err := s.apply(ev, m.now()); err != nil {
		return err
	}
	if from != s.State {
		m.metrics.ObserveSession(string(s.State))
		m.log.Info("session transition",
			zap.String("session_id", s.ID.String()),
			zap.String("event", ev.name()),
			zap.String("from", string(from)),
			zap.String("to", string(s.State)),
		)
	}
	return nil
}

func (m *Manager) connect(ctx context.Context, s *Session, role identity.Role) error {
	cred, err := m.signaler.IssueSessionCredential(ctx, s.ID, role)
	if err != nil {
		m.log.Warn("session credential request failed",
			zap.String("session_id", s.ID.String()),
			zap.String("role", string(role)),
			zap.Error(err),
		)
		return &TransportError{SessionID: s.ID, Err: err}
	}
	if err := m.step(s, credentialIssued{credential: *cred}); err != nil {
		return err
	}

	_, err = m.appointments.UpdateAppointmentStatus(ctx, s.AppointmentID, availability.StatusConfirmed, availability.StatusInProgress)
	if err != nil && !errors.Is(err, availability.ErrInvalidStatusTransition) {
		m.log.Error("failed to mark appointment in progress", zap.String("appointment_id", s.AppointmentID.String()), zap.Error(err))
	}
	return nil
}

// credentialValid reports whether the session's credential still verifies and
// belongs to this session.
func (m *Manager) credentialValid(s *Session) bool {
	if s.Credential == nil {
		return false
	}
	claims, err := m.signaler.Verify(s.Credential.Token)
	if err != nil {
		m.log.Info("session credential no longer valid", zap.String("session_id", s.ID.String()), zap.Error(err))
		return false
	}
	return claims.SessionID == s.ID.String()
}

func (m *Manager) saveDraft(ctx context.Context, s *Session) error {
	d := s.Draft.Clone()
	d.AppointmentID = s.AppointmentID
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = m.now()
	}
	if err := m.records.SaveClinicalDraft(ctx, d); err != nil {
		return fmt.Errorf("save clinical draft: %w", err)
	}
	return nil
}

func (m *Manager) completeAppointment(ctx context.Context, appointmentID uuid.UUID) error {
	appt, err := m.appointments.GetAppointment(ctx, appointmentID)
	if err != nil {
		return fmt.Errorf("load appointment: %w", err)
	}
	switch appt.Status {
	case availability.StatusCompleted:
		return nil
	case availability.StatusConfirmed, availability.StatusInProgress:
		if _, err := m.appointments.UpdateAppointmentStatus(ctx, appointmentID, appt.Status, availability.StatusCompleted); err != nil {
			return fmt.Errorf("complete appointment: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("%w: appointment is %s", availability.ErrInvalidStatusTransition, appt.Status)
	}
}
