package booking

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// ReservationStore persists reservations between the steps of a booking.
type ReservationStore interface {
	Get(ctx context.Context, id uuid.UUID) (*Reservation, error)
	FindByKey(ctx context.Context, idempotencyKey string) (*Reservation, error)
	Save(ctx context.Context, r Reservation) error
	// ListActive returns reservations that are not in a terminal state.
	ListActive(ctx context.Context) ([]Reservation, error)
}

type MemoryReservationStore struct {
	mu    sync.RWMutex
	byID  map[uuid.UUID]Reservation
	byKey map[string]uuid.UUID
}

func NewMemoryReservationStore() *MemoryReservationStore {
	return &MemoryReservationStore{
		byID:  make(map[uuid.UUID]Reservation),
		byKey: make(map[string]uuid.UUID),
	}
}

func (s *MemoryReservationStore) Get(_ context.Context, id uuid.UUID) (*Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byID[id]
	if !ok {
		return nil, ErrReservationNotFound
	}
	return &r, nil
}

func (s *MemoryReservationStore) FindByKey(_ context.Context, key string) (*Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKey[key]
	if !ok {
		return nil, ErrReservationNotFound
	}
	r := s.byID[id]
	return &r, nil
}

func (s *MemoryReservationStore) Save(_ context.Context, r Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[r.ID] = r
	if r.IdempotencyKey != "" {
		s.byKey[r.IdempotencyKey] = r.ID
	}
	return nil
}

func (s *MemoryReservationStore) ListActive(_ context.Context) ([]Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Reservation
	for _, r := range s.byID {
		if !r.State.Terminal() {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
