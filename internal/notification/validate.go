package notification

import (
	"fmt"
	"strings"
	"time"
)

// ExprCheck validates an INTERVAL recurrence expression.
type ExprCheck func(expr string) error

// Validate checks t before any state change. now is used for schedule
// sanity checks. check validates INTERVAL expressions; nil only requires
// one to be present.
func Validate(t *Template, now time.Time, check ExprCheck) error {
	if t == nil {
		return &ValidationError{Problems: []string{"template is nil"}}
	}
	var problems []string
	add := func(format string, args ...any) { problems = append(problems, fmt.Sprintf(format, args...)) }

	switch t.Kind {
	case KindOrdinary, KindAnnouncement, KindFlash:
	default:
		add("unknown kind %q", t.Kind)
	}
	for _, p := range t.Platforms {
		if p != PlatformIOS && p != PlatformAndroid {
			add("unknown platform %q", p)
		}
	}

	if len(t.Translations) == 0 {
		add("at least one translation is required")
	}
	seen := map[string]bool{}
	for i, tr := range t.Translations {
		tag := normalizeTag(tr.Language)
		if tag == "" {
			add("translations[%d]: language is required", i)
		} else if seen[tag] {
			add("translations[%d]: duplicate language %q", i, tr.Language)
		}
		seen[tag] = true
		if strings.TrimSpace(tr.Title) == "" || strings.TrimSpace(tr.Body) == "" {
			add("translations[%d]: title and body are required", i)
		}
	}

	switch t.Mode {
	case ModeNow:
	case ModeSchedule:
		if t.ScheduledAt == nil || t.ScheduledAt.IsZero() {
			add("scheduled_at is required for SCHEDULE mode")
		}
	case ModeInterval:
		if t.Kind == KindFlash {
			add("flash templates are pulled and cannot recur")
		}
		problems = append(problems, validateInterval(t.Interval, now, check)...)
	default:
		add("unknown send mode %q", t.Mode)
	}

	if t.ShowPerDay != nil && *t.ShowPerDay < 1 {
		add("show_per_day must be >= 1")
	}
	if t.MaxDayShowing != nil && *t.MaxDayShowing < 1 {
		add("max_day_showing must be >= 1")
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func validateInterval(iv *Interval, now time.Time, check ExprCheck) []string {
	if iv == nil {
		return []string{"interval is required for INTERVAL mode"}
	}
	var problems []string
	switch {
	case strings.TrimSpace(iv.Expression) == "":
		problems = append(problems, "interval.expression is required")
	case check != nil:
		if err := check(iv.Expression); err != nil {
			problems = append(problems, fmt.Sprintf("interval.expression: %v", err))
		}
	}
	if iv.WindowStart.IsZero() || iv.WindowEnd.IsZero() {
		problems = append(problems, "interval window start and end are required")
	} else {
		if !iv.WindowEnd.After(iv.WindowStart) {
			problems = append(problems, "interval window end must be after start")
		}
		if !iv.WindowEnd.After(now) {
			problems = append(problems, "interval window already ended")
		}
	}
	return problems
}
