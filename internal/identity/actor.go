// Package identity carries the caller's identity into core operations.
// Login and session state live outside this module; callers build an Actor
// from whatever they authenticated and pass it explicitly.
package identity

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrUnknownRole = errors.New("unknown role")
	ErrForbidden   = errors.New("actor is not permitted to perform this action")
)

// Actor is one of Patient, Provider or Admin. The unexported marker keeps the set closed.
type Actor interface {
	UserID() uuid.UUID
	Role() Role
	actor()
}

type Role string

const (
	RolePatient  Role = "patient"
	RoleProvider Role = "provider"
	RoleAdmin    Role = "admin"
)

type Patient struct{ ID uuid.UUID }
type Provider struct{ ID uuid.UUID }
type Admin struct{ ID uuid.UUID }

func (p Patient) UserID() uuid.UUID  { return p.ID }
func (p Provider) UserID() uuid.UUID { return p.ID }
func (a Admin) UserID() uuid.UUID    { return a.ID }

func (Patient) Role() Role  { return RolePatient }
func (Provider) Role() Role { return RoleProvider }
func (Admin) Role() Role    { return RoleAdmin }

func (Patient) actor()  {}
func (Provider) actor() {}
func (Admin) actor()    {}

// Cases holds one handler per variant. Match panics on a nil handler so a missing
// case is caught the first time it is exercised instead of falling through.
type Cases[T any] struct {
	Patient  func(Patient) T
	Provider func(Provider) T
	Admin    func(Admin) T
}

// Match dispatches on the concrete actor type.
func Match[T any](a Actor, c Cases[T]) T {
	if c.Patient == nil || c.Provider == nil || c.Admin == nil {
		panic("identity: Match requires a handler for every role")
	}
	switch v := a.(type) {
	case Patient:
		return c.Patient(v)
	case Provider:
		return c.Provider(v)
	case Admin:
		return c.Admin(v)
	default:
		panic(fmt.Sprintf("identity: unexpected actor %T", a))
	}
}

// New builds an actor from a role name and id.
func New(role string, id uuid.UUID) (Actor, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("identity: user id is required")
	}
	switch Role(strings.ToLower(strings.TrimSpace(role))) {
	case RolePatient:
		return Patient{ID: id}, nil
	case RoleProvider:
		return Provider{ID: id}, nil
	case RoleAdmin:
		return Admin{ID: id}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
}

// System is the admin actor used by background reconciliation.
var System Actor = Admin{ID: uuid.MustParse("00000000-0000-0000-0000-000000000001")}

// CanActForProvider reports whether a may manage the provider's schedule or records.
func CanActForProvider(a Actor, providerID uuid.UUID) bool {
	return Match(a, Cases[bool]{
		Patient:  func(Patient) bool { return false },
		Provider: func(p Provider) bool { return p.ID == providerID },
		Admin:    func(Admin) bool { return true },
	})
}

// IsParticipant reports whether a is the patient or provider of an appointment (admins always are).
func IsParticipant(a Actor, patientID, providerID uuid.UUID) bool {
	return Match(a, Cases[bool]{
		Patient:  func(p Patient) bool { return p.ID == patientID },
		Provider: func(p Provider) bool { return p.ID == providerID },
		Admin:    func(Admin) bool { return true },
	})
}
