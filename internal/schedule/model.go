package schedule

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const MinutesPerDay = 24 * 60

// TimeRange is a half-open minute-of-day window [Start, End).
type TimeRange struct {
	Start int `json:"start" validate:"gte=0,lt=1440"`
	End   int `json:"end" validate:"gt=0,lte=1440"`
}

type DayAvailability struct {
	Enabled bool        `json:"enabled"`
	Ranges  []TimeRange `json:"ranges" validate:"dive"`
}

// BlackoutRange excludes whole calendar dates; both ends are inclusive.
type BlackoutRange struct {
	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`
}

// Contains reports whether the calendar date of d lies within the range.
func (b BlackoutRange) Contains(d time.Time) bool {
	day := Date(d)
	return !day.Before(Date(b.StartDate)) && !day.After(Date(b.EndDate))
}

// Template is a provider's recurring weekly availability.
type Template struct {
	ProviderID          uuid.UUID                        `json:"provider_id" validate:"required"`
	Days                map[time.Weekday]DayAvailability `json:"days" validate:"dive"`
	SlotDurationMinutes int                              `json:"slot_duration_minutes" validate:"gt=0,lte=1440"`
	BreakMinutes        int                              `json:"break_minutes" validate:"gte=0,lte=1440"`
	ConsultationFee     decimal.Decimal                  `json:"consultation_fee"`
	Currency            string                           `json:"currency" validate:"required,len=3,uppercase"`
	Timezone            string                           `json:"timezone"`
	Blackouts           []BlackoutRange                  `json:"blackouts"`
	UpdatedAt           time.Time                        `json:"updated_at"`
}

// Location resolves the template timezone, defaulting to UTC.
func (t Template) Location() (*time.Location, error) {
	if t.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(t.Timezone)
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (t Template) Clone() Template {
	out := t
	if t.Days != nil {
		out.Days = make(map[time.Weekday]DayAvailability, len(t.Days))
		for wd, day := range t.Days {
			day.Ranges = append([]TimeRange(nil), day.Ranges...)
			out.Days[wd] = day
		}
	}
	out.Blackouts = append([]BlackoutRange(nil), t.Blackouts...)
	return out
}

// TemplateChanged is published after a template write succeeds.
type TemplateChanged struct {
	ProviderID uuid.UUID
	Previous   *Template
	Current    Template
	ChangedAt  time.Time
}

// Date truncates t to its calendar date, expressed as midnight UTC.
func Date(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Today is the calendar date of now in loc.
func Today(now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return Date(now.In(loc))
}

// ParseDate parses an ISO calendar date (YYYY-MM-DD).
func ParseDate(s string) (time.Time, error) {
	d, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return d, nil
}

// ClockString renders a minute-of-day as HH:MM.
func ClockString(minute int) string {
	return fmt.Sprintf("%02d:%02d", minute/60, minute%60)
}

// ParseClock parses HH:MM into a minute-of-day. "24:00" is accepted as end of day.
func ParseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("parse clock %q: %w", s, err)
	}
	if h == 24 && m == 0 {
		return MinutesPerDay, nil
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("parse clock %q: out of range", s)
	}
	return h*60 + m, nil
}
