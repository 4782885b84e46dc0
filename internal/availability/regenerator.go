package availability

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/telehealth-scheduling/internal/logging"
	"github.com/hackgods/telehealth-scheduling/internal/schedule"
)

// OrphanHandler decides what happens to held or booked slots that a template
// change no longer covers.
type OrphanHandler func(ctx context.Context, providerID uuid.UUID, orphans []Slot) error

// Regenerator keeps a provider's open slots in line with their template. It is
// registered as a schedule.Store subscriber.
type Regenerator struct {
	repo         Repository
	horizonWeeks int
	log          *zap.Logger
	now          func() time.Time

	mu        sync.Mutex
	onOrphans OrphanHandler
	last      map[uuid.UUID]ReconcileResult
}

func NewRegenerator(repo Repository, horizonWeeks int, logger *zap.Logger) *Regenerator {
	g := &Regenerator{
		repo:         repo,
		horizonWeeks: horizonWeeks,
		log:          logging.OrNop(logger),
		now:          time.Now,
		last:         make(map[uuid.UUID]ReconcileResult),
	}
	g.onOrphans = g.logOrphans
	return g
}

// WithClock replaces the time source, for tests.
func (g *Regenerator) WithClock(now func() time.Time) *Regenerator {
	g.now = now
	return g
}

// OnOrphans replaces the orphan policy. The default keeps orphans and logs them.
func (g *Regenerator) OnOrphans(h OrphanHandler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if h == nil {
		h = g.logOrphans
	}
	g.onOrphans = h
}

// Handle is the schedule.Subscriber entry point.
func (g *Regenerator) Handle(ctx context.Context, ev schedule.TemplateChanged) error {
	_, err := g.Regenerate(ctx, ev.Current)
	return err
}

// Regenerate builds the slot set for t over the horizon and reconciles it with
// what is stored. Running it twice for the same template changes nothing.
func (g *Regenerator) Regenerate(ctx context.Context, t schedule.Template) (*ReconcileResult, error) {
	loc, err := t.Location()
	if err != nil {
		return nil, fmt.Errorf("template timezone: %w", err)
	}
	today := schedule.Today(g.now(), loc)

	generated := schedule.Generate(t, g.horizonWeeks, today)
	slots := make([]Slot, 0, len(generated))
	for _, gs := range generated {
		slots = append(slots, FromGenerated(gs))
	}

	res, err := g.repo.ReplaceOpenSlots(ctx, t.ProviderID, today, slots)
	if err != nil {
		return nil, fmt.Errorf("replace open slots: %w", err)
	}

	g.log.Info("slots regenerated",
		zap.String("provider_id", t.ProviderID.String()),
		zap.Int("generated", len(slots)),
		zap.Int("added", len(res.Added)),
		zap.Int("superseded", len(res.Superseded)),
		zap.Int("reopened", len(res.Reopened)),
		zap.Int("orphaned", len(res.Orphaned)),
	)
	g.recordEvent(ctx, res)

	g.mu.Lock()
	handler := g.onOrphans
	g.mu.Unlock()

	if len(res.Orphaned) > 0 {
		// orphans are retired, so whatever the handler frees is cancelled, not reopened
		if err := handler(ctx, t.ProviderID, res.Orphaned); err != nil {
			g.remember(res)
			return res, fmt.Errorf("handle orphaned slots: %w", err)
		}
	}
	g.remember(res)
	return res, nil
}

func (g *Regenerator) remember(res *ReconcileResult) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.last[res.ProviderID] = *res
}

// LastResult returns the most recent reconciliation for a provider.
func (g *Regenerator) LastResult(providerID uuid.UUID) (ReconcileResult, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	res, ok := g.last[providerID]
	return res, ok
}

func (g *Regenerator) logOrphans(_ context.Context, providerID uuid.UUID, orphans []Slot) error {
	for _, s := range orphans {
		g.log.Warn("slot no longer covered by template, keeping it",
			zap.String("provider_id", providerID.String()),
			zap.String("slot_id", s.ID.String()),
			zap.String("status", string(s.Status)),
			zap.String("date", s.Date.Format(time.DateOnly)),
			zap.String("start", s.StartTime()),
		)
	}
	return nil
}

func (g *Regenerator) recordEvent(ctx context.Context, res *ReconcileResult) {
	payload, err := json.Marshal(map[string]any{
		"provider_id": res.ProviderID.String(),
		"added":       len(res.Added),
		"superseded":  len(res.Superseded),
		"reopened":    len(res.Reopened),
		"orphaned":    len(res.Orphaned),
	})
	if err != nil {
		g.log.Warn("marshal reconcile event", zap.Error(err))
		return
	}
	if err := g.repo.InsertEvent(ctx, EventLog{EventType: EventSlotsReconciled, Payload: payload, CreatedAt: g.now()}); err != nil {
		g.log.Warn("insert reconcile event", zap.Error(err))
	}
}
