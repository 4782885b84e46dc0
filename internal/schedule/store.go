package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/telehealth-scheduling/internal/identity"
	"github.com/hackgods/telehealth-scheduling/internal/logging"
)

var ErrTemplateNotFound = errors.New("availability template not found")

// TemplateRepository persists templates. It performs no validation.
type TemplateRepository interface {
	Load(ctx context.Context, providerID uuid.UUID) (*Template, error)
	Save(ctx context.Context, t Template) error
}

// Subscriber reacts to a stored template change.
type Subscriber func(ctx context.Context, ev TemplateChanged) error

// Store validates and stores templates, then announces every change to its subscribers.
// It never touches slots itself; slot regeneration is one of the subscribers.
type Store struct {
	repo TemplateRepository
	log  *zap.Logger
	now  func() time.Time

	mu          sync.RWMutex
	subscribers []Subscriber
}

func NewStore(repo TemplateRepository, logger *zap.Logger) *Store {
	return &Store{
		repo: repo,
		log:  logging.OrNop(logger),
		now:  time.Now,
	}
}

// Subscribe registers fn for all future template changes.
func (s *Store) Subscribe(fn Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

func (s *Store) Get(ctx context.Context, providerID uuid.UUID) (*Template, error) {
	t, err := s.repo.Load(ctx, providerID)
	if err != nil {
		return nil, err
	}
	out := t.Clone()
	return &out, nil
}

// Set validates and stores t on behalf of actor. The write is kept even when a
// subscriber fails; the subscriber errors are returned so the caller can retry,
// which is safe because regeneration is idempotent.
func (s *Store) Set(ctx context.Context, actor identity.Actor, t Template) error {
	if !identity.CanActForProvider(actor, t.ProviderID) {
		return identity.ErrForbidden
	}
	if err := Validate(t); err != nil {
		return err
	}

	previous, err := s.repo.Load(ctx, t.ProviderID)
	if err != nil && !errors.Is(err, ErrTemplateNotFound) {
		return fmt.Errorf("load previous template: %w", err)
	}

	current := t.Clone()
	current.UpdatedAt = s.now().UTC()
	if err := s.repo.Save(ctx, current); err != nil {
		return fmt.Errorf("save template: %w", err)
	}

	s.log.Info("availability template stored",
		zap.String("provider_id", t.ProviderID.String()),
		zap.Int("slot_duration_minutes", t.SlotDurationMinutes),
		zap.Int("break_minutes", t.BreakMinutes),
	)

	return s.publish(ctx, TemplateChanged{
		ProviderID: t.ProviderID,
		Previous:   previous,
		Current:    current,
		ChangedAt:  current.UpdatedAt,
	})
}

func (s *Store) publish(ctx context.Context, ev TemplateChanged) error {
	s.mu.RLock()
	subs := append([]Subscriber(nil), s.subscribers...)
	s.mu.RUnlock()

	var errs []error
	for _, fn := range subs {
		if err := fn(ctx, ev); err != nil {
			s.log.Error("template change subscriber failed",
				zap.String("provider_id", ev.ProviderID.String()),
				zap.Error(err),
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MemoryTemplateRepository keeps templates in process memory.
type MemoryTemplateRepository struct {
	mu        sync.RWMutex
	templates map[uuid.UUID]Template
}

func NewMemoryTemplateRepository() *MemoryTemplateRepository {
	return &MemoryTemplateRepository{templates: make(map[uuid.UUID]Template)}
}

func (r *MemoryTemplateRepository) Load(_ context.Context, providerID uuid.UUID) (*Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[providerID]
	if !ok {
		return nil, ErrTemplateNotFound
	}
	out := t.Clone()
	return &out, nil
}

func (r *MemoryTemplateRepository) Save(_ context.Context, t Template) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[t.ProviderID] = t.Clone()
	return nil
}
