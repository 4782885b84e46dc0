package schedule

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/telehealth-scheduling/internal/identity"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Template)
		field  string
	}{
		{"valid", func(*Template) {}, ""},
		{"zero duration", func(t *Template) { t.SlotDurationMinutes = 0 }, "Template.SlotDurationMinutes"},
		{"negative break", func(t *Template) { t.BreakMinutes = -5 }, "Template.BreakMinutes"},
		{"missing provider", func(t *Template) { t.ProviderID = uuid.Nil }, "Template.ProviderID"},
		{"lowercase currency", func(t *Template) { t.Currency = "usd" }, "Template.Currency"},
		{"negative fee", func(t *Template) { t.ConsultationFee = decimal.NewFromInt(-1) }, "consultation_fee"},
		{"enabled day without ranges", func(t *Template) {
			t.Days[time.Friday] = DayAvailability{Enabled: true}
		}, "days.Friday"},
		{"empty range", func(t *Template) {
			t.Days[time.Monday] = DayAvailability{Enabled: true, Ranges: []TimeRange{{Start: 600, End: 600}}}
		}, "days.Monday"},
		{"overlapping ranges", func(t *Template) {
			t.Days[time.Monday] = DayAvailability{Enabled: true, Ranges: []TimeRange{{Start: 600, End: 700}, {Start: 540, End: 610}}}
		}, "days.Monday"},
		{"bad timezone", func(t *Template) { t.Timezone = "Mars/Olympus" }, "timezone"},
		{"inverted blackout", func(t *Template) {
			t.Blackouts = []BlackoutRange{{StartDate: monday.AddDate(0, 0, 3), EndDate: monday}}
		}, "blackouts[0]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tpl := baseTemplate()
			tt.mutate(&tpl)
			err := Validate(tpl)
			if tt.field == "" {
				require.NoError(t, err)
				return
			}
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
			assert.ErrorIs(t, err, ErrInvalidTemplate)
		})
	}
}

func TestStoreSetPublishesChange(t *testing.T) {
	store := NewStore(NewMemoryTemplateRepository(), nil)
	var events []TemplateChanged
	store.Subscribe(func(_ context.Context, ev TemplateChanged) error {
		events = append(events, ev)
		return nil
	})

	tpl := baseTemplate()
	provider := identity.Provider{ID: tpl.ProviderID}
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, provider, tpl))
	require.Len(t, events, 1)
	assert.Nil(t, events[0].Previous)
	assert.Equal(t, tpl.ProviderID, events[0].ProviderID)

	tpl.BreakMinutes = 0
	require.NoError(t, store.Set(ctx, provider, tpl))
	require.Len(t, events, 2)
	require.NotNil(t, events[1].Previous)
	assert.Equal(t, 10, events[1].Previous.BreakMinutes)
	assert.Equal(t, 0, events[1].Current.BreakMinutes)

	got, err := store.Get(ctx, tpl.ProviderID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.BreakMinutes)
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestStoreSetRejectsInvalidWithoutPublishing(t *testing.T) {
	store := NewStore(NewMemoryTemplateRepository(), nil)
	called := false
	store.Subscribe(func(context.Context, TemplateChanged) error {
		called = true
		return nil
	})

	tpl := baseTemplate()
	tpl.SlotDurationMinutes = -30
	err := store.Set(context.Background(), identity.Provider{ID: tpl.ProviderID}, tpl)
	assert.ErrorIs(t, err, ErrInvalidTemplate)
	assert.False(t, called)

	_, err = store.Get(context.Background(), tpl.ProviderID)
	assert.ErrorIs(t, err, ErrTemplateNotFound)
}

func TestStoreSetRequiresOwningProvider(t *testing.T) {
	store := NewStore(NewMemoryTemplateRepository(), nil)
	tpl := baseTemplate()

	err := store.Set(context.Background(), identity.Provider{ID: uuid.New()}, tpl)
	assert.ErrorIs(t, err, identity.ErrForbidden)

	err = store.Set(context.Background(), identity.Patient{ID: tpl.ProviderID}, tpl)
	assert.ErrorIs(t, err, identity.ErrForbidden)

	assert.NoError(t, store.Set(context.Background(), identity.Admin{ID: uuid.New()}, tpl))
}

func TestStoreSetReturnsSubscriberErrorButKeepsWrite(t *testing.T) {
	store := NewStore(NewMemoryTemplateRepository(), nil)
	boom := errors.New("regeneration failed")
	store.Subscribe(func(context.Context, TemplateChanged) error { return boom })

	tpl := baseTemplate()
	err := store.Set(context.Background(), identity.Provider{ID: tpl.ProviderID}, tpl)
	assert.ErrorIs(t, err, boom)

	_, err = store.Get(context.Background(), tpl.ProviderID)
	assert.NoError(t, err)
}

func TestStoreGetReturnsCopy(t *testing.T) {
	store := NewStore(NewMemoryTemplateRepository(), nil)
	tpl := baseTemplate()
	require.NoError(t, store.Set(context.Background(), identity.Provider{ID: tpl.ProviderID}, tpl))

	got, err := store.Get(context.Background(), tpl.ProviderID)
	require.NoError(t, err)
	got.Days[time.Monday] = DayAvailability{}

	again, err := store.Get(context.Background(), tpl.ProviderID)
	require.NoError(t, err)
	assert.True(t, again.Days[time.Monday].Enabled)
}

func TestParseClock(t *testing.T) {
	m, err := ParseClock("09:30")
	require.NoError(t, err)
	assert.Equal(t, 570, m)

	m, err = ParseClock("24:00")
	require.NoError(t, err)
	assert.Equal(t, MinutesPerDay, m)

	_, err = ParseClock("25:00")
	assert.Error(t, err)
	assert.Equal(t, "09:05", ClockString(545))
}
