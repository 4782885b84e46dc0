package schedule

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// GeneratedSlot is a concrete interval produced from a template, before it has any status.
type GeneratedSlot struct {
	ProviderID  uuid.UUID
	Date        time.Time // midnight UTC of the calendar date
	StartMinute int
	EndMinute   int
	Timezone    string
}

// Generate expands t into concrete slots for horizonWeeks weeks starting at today's
// calendar date. It has no side effects and is deterministic for the same inputs.
//
// Within one range the cursor advances by duration+break, so a slot never spans a
// break and slots of the same range never overlap. Ranges are walked independently.
func Generate(t Template, horizonWeeks int, today time.Time) []GeneratedSlot {
	if horizonWeeks <= 0 || t.SlotDurationMinutes <= 0 || t.BreakMinutes < 0 {
		return nil
	}

	start := Date(today)
	step := t.SlotDurationMinutes + t.BreakMinutes

	var out []GeneratedSlot
	for week := 0; week < horizonWeeks; week++ {
		for wd := time.Sunday; wd <= time.Saturday; wd++ {
			day, ok := t.Days[wd]
			if !ok || !day.Enabled {
				continue
			}

			offset := (int(wd) - int(start.Weekday()) + 7) % 7
			date := start.AddDate(0, 0, offset+week*7)
			if blackedOut(t.Blackouts, date) {
				continue
			}

			for _, r := range day.Ranges {
				for cursor := r.Start; cursor+t.SlotDurationMinutes <= r.End; cursor += step {
					out = append(out, GeneratedSlot{
						ProviderID:  t.ProviderID,
						Date:        date,
						StartMinute: cursor,
						EndMinute:   cursor + t.SlotDurationMinutes,
						Timezone:    t.Timezone,
					})
				}
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].StartMinute < out[j].StartMinute
	})
	return out
}

func blackedOut(ranges []BlackoutRange, date time.Time) bool {
	for _, b := range ranges {
		if b.Contains(date) {
			return true
		}
	}
	return false
}
