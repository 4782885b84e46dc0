package schedule

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
)

var ErrInvalidTemplate = errors.New("invalid template")

// ValidationError describes the first problem found in a template.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid template: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidTemplate
}

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate checks a template before it is stored. Struct tags cover field bounds;
// the rest are cross-field rules tags cannot express.
func Validate(t Template) error {
	if err := structValidator.Struct(t); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &ValidationError{Field: fe.Namespace(), Reason: describeTag(fe)}
		}
		return &ValidationError{Field: "template", Reason: err.Error()}
	}

	if t.ConsultationFee.IsNegative() {
		return &ValidationError{Field: "consultation_fee", Reason: "must not be negative"}
	}
	if _, err := t.Location(); err != nil {
		return &ValidationError{Field: "timezone", Reason: fmt.Sprintf("unknown timezone %q", t.Timezone)}
	}

	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		day, ok := t.Days[wd]
		if !ok || !day.Enabled {
			continue
		}
		field := fmt.Sprintf("days.%s", wd)
		if len(day.Ranges) == 0 {
			return &ValidationError{Field: field, Reason: "enabled day needs at least one range"}
		}
		ranges := append([]TimeRange(nil), day.Ranges...)
		sort.Slice(ranges, func(i, j int) bool { return ranges[i].Start < ranges[j].Start })
		for i, r := range ranges {
			if r.End <= r.Start {
				return &ValidationError{Field: field, Reason: fmt.Sprintf("range %s-%s is empty", ClockString(r.Start), ClockString(r.End))}
			}
			if i > 0 && r.Start < ranges[i-1].End {
				return &ValidationError{Field: field, Reason: fmt.Sprintf("range %s-%s overlaps %s-%s",
					ClockString(r.Start), ClockString(r.End), ClockString(ranges[i-1].Start), ClockString(ranges[i-1].End))}
			}
		}
	}
	for wd := range t.Days {
		if wd < time.Sunday || wd > time.Saturday {
			return &ValidationError{Field: "days", Reason: fmt.Sprintf("unknown weekday %d", wd)}
		}
	}

	for i, b := range t.Blackouts {
		if b.StartDate.IsZero() || b.EndDate.IsZero() {
			return &ValidationError{Field: fmt.Sprintf("blackouts[%d]", i), Reason: "start and end dates are required"}
		}
		if Date(b.EndDate).Before(Date(b.StartDate)) {
			return &ValidationError{Field: fmt.Sprintf("blackouts[%d]", i), Reason: "end date before start date"}
		}
	}
	return nil
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gt":
		return "must be greater than " + fe.Param()
	case "gte":
		return "must be at least " + fe.Param()
	case "lt":
		return "must be less than " + fe.Param()
	case "lte":
		return "must be at most " + fe.Param()
	case "len":
		return "must have length " + fe.Param()
	case "uppercase":
		return "must be upper case"
	default:
		return "failed " + fe.Tag()
	}
}
