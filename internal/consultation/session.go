package consultation

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/telehealth-scheduling/internal/identity"
	"github.com/hackgods/telehealth-scheduling/internal/records"
	"github.com/hackgods/telehealth-scheduling/internal/signaling"
)

type State string

const (
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateEnded      State = "ended"
)

type MediaFlags struct {
	AudioMuted    bool `json:"audio_muted"`
	VideoOff      bool `json:"video_off"`
	ScreenSharing bool `json:"screen_sharing"`
}

// MediaToggle changes only the flags that are set.
type MediaToggle struct {
	AudioMuted    *bool `json:"audio_muted,omitempty"`
	VideoOff      *bool `json:"video_off,omitempty"`
	ScreenSharing *bool `json:"screen_sharing,omitempty"`
}

// DraftPatch edits the working copy of the clinical draft. Nil fields are left alone.
type DraftPatch struct {
	Notes       *string               `json:"notes,omitempty"`
	Diagnosis   *string               `json:"diagnosis,omitempty"`
	Medications *[]records.Medication `json:"medications,omitempty"`
}

// Session is the live consultation for one appointment. There is at most one per
// appointment; rejoining reuses it.
type Session struct {
	ID            uuid.UUID             `json:"id"`
	AppointmentID uuid.UUID             `json:"appointment_id"`
	ProviderID    uuid.UUID             `json:"provider_id"`
	PatientID     uuid.UUID             `json:"patient_id"`
	State         State                 `json:"state"`
	StartedAt     *time.Time            `json:"started_at,omitempty"`
	EndedAt       *time.Time            `json:"ended_at,omitempty"`
	Media         MediaFlags            `json:"media"`
	Credential    *signaling.Credential `json:"credential,omitempty"`
	Draft         records.ClinicalDraft `json:"draft"`
	EndReason     string                `json:"end_reason,omitempty"`
}

func (s Session) clone() Session {
	s.Draft = s.Draft.Clone()
	if s.Credential != nil {
		c := *s.Credential
		s.Credential = &c
	}
	return s
}

// roleOf returns the participant role of a in s, or false for anyone else.
func (s *Session) roleOf(a identity.Actor) (identity.Role, bool) {
	type result struct {
		role identity.Role
		ok   bool
	}
	r := identity.Match(a, identity.Cases[result]{
		Patient:  func(p identity.Patient) result { return result{identity.RolePatient, p.ID == s.PatientID} },
		Provider: func(p identity.Provider) result { return result{identity.RoleProvider, p.ID == s.ProviderID} },
		Admin:    func(identity.Admin) result { return result{} },
	})
	return r.role, r.ok
}

type event interface{ name() string }

type joined struct{}
type credentialIssued struct{ credential signaling.Credential }
type disconnected struct{}
type mediaToggled struct{ toggle MediaToggle }
type draftEdited struct{ patch DraftPatch }
type ended struct{ reason string }

func (joined) name() string           { return "joined" }
func (credentialIssued) name() string { return "credentialIssued" }
func (disconnected) name() string     { return "disconnected" }
func (mediaToggled) name() string     { return "mediaToggled" }
func (draftEdited) name() string      { return "draftEdited" }
func (ended) name() string            { return "ended" }

// apply is the only place a session changes.
func (s *Session) apply(ev event, now time.Time) error {
	if s.State == StateEnded {
		if _, ok := ev.(draftEdited); ok {
			return ErrStaleDraft
		}
		return ErrSessionEnded
	}

	switch e := ev.(type) {
	case joined:
		s.State = StateConnecting

	case credentialIssued:
		if s.State != StateConnecting {
			return s.invalid(ev)
		}
		c := e.credential
		s.Credential = &c
		s.State = StateActive
		if s.StartedAt == nil {
			t := now
			s.StartedAt = &t
		}

	case disconnected:
		if s.State == StateActive {
			s.State = StateConnecting
		}

	case mediaToggled:
		if s.State != StateActive {
			return s.invalid(ev)
		}
		if e.toggle.AudioMuted != nil {
			s.Media.AudioMuted = *e.toggle.AudioMuted
		}
		if e.toggle.VideoOff != nil {
			s.Media.VideoOff = *e.toggle.VideoOff
		}
		if e.toggle.ScreenSharing != nil {
			s.Media.ScreenSharing = *e.toggle.ScreenSharing
		}

	case draftEdited:
		if e.patch.Notes != nil {
			s.Draft.Notes = *e.patch.Notes
		}
		if e.patch.Diagnosis != nil {
			s.Draft.Diagnosis = *e.patch.Diagnosis
		}
		if e.patch.Medications != nil {
			s.Draft.Medications = append([]records.Medication(nil), (*e.patch.Medications)...)
		}
		s.Draft.UpdatedAt = now

	case ended:
		t := now
		s.State = StateEnded
		s.EndedAt = &t
		s.EndReason = e.reason
		s.Media = MediaFlags{}

	default:
		return s.invalid(ev)
	}
	return nil
}

// requireStarted rejects clinical work on a session that never became active.
func (s *Session) requireStarted(action string) error {
	if s.StartedAt == nil {
		return fmt.Errorf("%w: %s before the consultation started", ErrInvalidState, action)
	}
	return nil
}

func (s *Session) invalid(ev event) error {
	return fmt.Errorf("%w: %s while %s", ErrInvalidState, ev.name(), s.State)
}
