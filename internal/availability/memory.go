package availability

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository keeps slots and appointments in process memory. A single mutex
// makes every transition a check-then-set with one writer at a time.
type MemoryRepository struct {
	mu           sync.Mutex
	slots        map[uuid.UUID]*Slot
	appointments map[uuid.UUID]*Appointment
	liveBySlot   map[uuid.UUID]uuid.UUID
	liveByKey    map[string]uuid.UUID
	events       []EventLog
	holdTTL      time.Duration
	now          func() time.Time
}

func NewMemoryRepository(holdTTL time.Duration) *MemoryRepository {
	return &MemoryRepository{
		slots:        make(map[uuid.UUID]*Slot),
		appointments: make(map[uuid.UUID]*Appointment),
		liveBySlot:   make(map[uuid.UUID]uuid.UUID),
		liveByKey:    make(map[string]uuid.UUID),
		holdTTL:      holdTTL,
		now:          time.Now,
	}
}

// WithClock replaces the time source, for tests.
func (r *MemoryRepository) WithClock(now func() time.Time) *MemoryRepository {
	r.now = now
	return r
}

// Events returns a copy of the recorded event log.
func (r *MemoryRepository) Events() []EventLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventLog, len(r.events))
	copy(out, r.events)
	return out
}

func (r *MemoryRepository) expireLocked(now time.Time) []uuid.UUID {
	var expired []uuid.UUID
	for id, s := range r.slots {
		if s.holdExpired(now) {
			s.free(now)
			expired = append(expired, id)
		}
	}
	sortIDs(expired)
	return expired
}

func (r *MemoryRepository) ListOpen(_ context.Context, providerID uuid.UUID, dates *DateRange) ([]Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expireLocked(r.now())

	var out []Slot
	for _, s := range r.slots {
		if s.ProviderID != providerID || s.Status != SlotOpen || !dates.contains(s.Date) {
			continue
		}
		out = append(out, s.clone())
	}
	sortSlots(out)
	return out, nil
}

func (r *MemoryRepository) GetSlot(_ context.Context, id uuid.UUID) (*Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expireLocked(r.now())

	s, ok := r.slots[id]
	if !ok {
		return nil, ErrSlotNotFound
	}
	out := s.clone()
	return &out, nil
}

func (r *MemoryRepository) Hold(_ context.Context, slotID, patientID uuid.UUID) (*Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	r.expireLocked(now)

	s, ok := r.slots[slotID]
	if !ok {
		return nil, ErrSlotNotFound
	}
	if s.Status != SlotOpen {
		return nil, &ConflictError{SlotID: slotID, From: s.Status, To: SlotHeld}
	}

	holder := patientID
	expires := now.Add(r.holdTTL)
	s.Status = SlotHeld
	s.HeldBy = &holder
	s.HoldExpiresAt = &expires
	s.UpdatedAt = now

	out := s.clone()
	return &out, nil
}

func (r *MemoryRepository) Release(_ context.Context, slotID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	r.expireLocked(now)

	s, ok := r.slots[slotID]
	if !ok {
		return ErrSlotNotFound
	}
	switch s.Status {
	case SlotOpen:
		return nil
	case SlotHeld:
		s.free(now)
		return nil
	default:
		return &ConflictError{SlotID: slotID, From: s.Status, To: SlotOpen}
	}
}

func (r *MemoryRepository) Book(_ context.Context, req BookRequest) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()

	if req.IdempotencyKey != "" {
		if id, ok := r.liveByKey[req.IdempotencyKey]; ok {
			out := *r.appointments[id]
			return &out, nil
		}
	}

	r.expireLocked(now)

	s, ok := r.slots[req.SlotID]
	if !ok {
		return nil, ErrSlotNotFound
	}
	if s.Status != SlotHeld {
		reason := ""
		if s.Status == SlotOpen {
			reason = "hold expired or was released"
		}
		return nil, &ConflictError{SlotID: s.ID, From: s.Status, To: SlotBooked, Reason: reason}
	}
	if s.HeldBy == nil || *s.HeldBy != req.PatientID {
		return nil, &ConflictError{SlotID: s.ID, From: s.Status, To: SlotBooked, Reason: "held by another patient"}
	}
	if _, taken := r.liveBySlot[s.ID]; taken {
		return nil, &ConflictError{SlotID: s.ID, From: s.Status, To: SlotBooked, Reason: "slot already has an appointment"}
	}

	appt := &Appointment{
		ID:               uuid.New(),
		SlotID:           s.ID,
		ProviderID:       s.ProviderID,
		PatientID:        req.PatientID,
		Status:           StatusConfirmed,
		PaymentStatus:    PaymentPaid,
		PaymentReference: req.PaymentReference,
		IdempotencyKey:   req.IdempotencyKey,
		Amount:           req.Amount,
		Currency:         req.Currency,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	r.appointments[appt.ID] = appt
	r.liveBySlot[s.ID] = appt.ID
	if appt.IdempotencyKey != "" {
		r.liveByKey[appt.IdempotencyKey] = appt.ID
	}

	s.Status = SlotBooked
	s.HoldExpiresAt = nil
	s.UpdatedAt = now

	out := *appt
	return &out, nil
}

func (r *MemoryRepository) Cancel(_ context.Context, appointmentID uuid.UUID) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()

	a, ok := r.appointments[appointmentID]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	if !a.Status.Cancellable() {
		return nil, ErrInvalidStatusTransition
	}

	a.Status = StatusCancelled
	a.UpdatedAt = now
	delete(r.liveBySlot, a.SlotID)
	if a.IdempotencyKey != "" {
		delete(r.liveByKey, a.IdempotencyKey)
	}

	if s, ok := r.slots[a.SlotID]; ok && s.Status == SlotBooked {
		s.free(now)
	}

	out := *a
	return &out, nil
}

func (r *MemoryRepository) GetAppointment(_ context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	out := *a
	return &out, nil
}

func (r *MemoryRepository) ListAppointments(_ context.Context, filter AppointmentFilter) ([]AppointmentDetail, error) {
	filter = normalizeFilter(filter)

	r.mu.Lock()
	defer r.mu.Unlock()

	var all []AppointmentDetail
	for _, a := range r.appointments {
		if filter.PatientID != nil && a.PatientID != *filter.PatientID {
			continue
		}
		if filter.ProviderID != nil && a.ProviderID != *filter.ProviderID {
			continue
		}
		if filter.SlotID != nil && a.SlotID != *filter.SlotID {
			continue
		}
		d := AppointmentDetail{Appointment: *a}
		if s, ok := r.slots[a.SlotID]; ok {
			sc := s.clone()
			d.Slot = &sc
		}
		all = append(all, d)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID.String() < all[j].ID.String()
	})

	if filter.Offset >= len(all) {
		return nil, nil
	}
	end := filter.Offset + filter.Limit
	if end > len(all) {
		end = len(all)
	}
	return all[filter.Offset:end], nil
}

func (r *MemoryRepository) UpdateAppointmentStatus(_ context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	if a.Status != from || to == StatusCancelled {
		return nil, ErrInvalidStatusTransition
	}
	a.Status = to
	a.UpdatedAt = r.now()

	out := *a
	return &out, nil
}

func (r *MemoryRepository) SetPaymentStatus(_ context.Context, id uuid.UUID, from, to PaymentStatus) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	if a.PaymentStatus != from {
		return nil, ErrInvalidStatusTransition
	}
	a.PaymentStatus = to
	a.UpdatedAt = r.now()

	out := *a
	return &out, nil
}

func (r *MemoryRepository) ExpireHolds(_ context.Context, now time.Time) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.expireLocked(now), nil
}

func (r *MemoryRepository) ReplaceOpenSlots(_ context.Context, providerID uuid.UUID, from time.Time, slots []Slot) (*ReconcileResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	r.expireLocked(now)

	desired := desiredSlots(providerID, from, slots)
	res := &ReconcileResult{ProviderID: providerID}

	for id, s := range r.slots {
		if s.ProviderID != providerID || s.Date.Before(from) {
			continue
		}
		if _, keep := desired[id]; keep {
			delete(desired, id)
			switch {
			case s.Status == SlotCancelled:
				s.Status = SlotOpen
				s.UpdatedAt = now
				res.Reopened = append(res.Reopened, id)
			case s.Retired:
				s.Retired = false
				s.UpdatedAt = now
			}
			continue
		}
		switch s.Status {
		case SlotOpen:
			s.Status = SlotCancelled
			s.UpdatedAt = now
			res.Superseded = append(res.Superseded, id)
		case SlotHeld, SlotBooked:
			s.Retired = true
			res.Orphaned = append(res.Orphaned, s.clone())
		}
	}

	for id, s := range desired {
		s.CreatedAt = now
		s.UpdatedAt = now
		r.slots[id] = &s
		res.Added = append(res.Added, id)
	}

	res.sort()
	return res, nil
}

func (r *MemoryRepository) InsertEvent(_ context.Context, ev EventLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = r.now()
	}
	ev.ID = int64(len(r.events) + 1)
	r.events = append(r.events, ev)
	return nil
}

// desiredSlots indexes the replacement set, dropping anything before from or for
// another provider, and forces every entry to open.
func desiredSlots(providerID uuid.UUID, from time.Time, slots []Slot) map[uuid.UUID]Slot {
	desired := make(map[uuid.UUID]Slot, len(slots))
	for _, s := range slots {
		if s.ProviderID != providerID || s.Date.Before(from) {
			continue
		}
		s.Status = SlotOpen
		s.Retired = false
		s.HeldBy = nil
		s.HoldExpiresAt = nil
		desired[s.ID] = s
	}
	return desired
}

func (res *ReconcileResult) sort() {
	sortIDs(res.Superseded)
	sortIDs(res.Added)
	sortIDs(res.Reopened)
	sortSlots(res.Orphaned)
}

func sortIDs(ids []uuid.UUID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
}

func sortSlots(slots []Slot) {
	sort.Slice(slots, func(i, j int) bool {
		if !slots[i].Date.Equal(slots[j].Date) {
			return slots[i].Date.Before(slots[j].Date)
		}
		if slots[i].StartMinute != slots[j].StartMinute {
			return slots[i].StartMinute < slots[j].StartMinute
		}
		return slots[i].ID.String() < slots[j].ID.String()
	})
}
