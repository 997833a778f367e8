package scheduler

import (
	"testing"
	"time"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     SpecKind
		source   string
		duration time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", kind: SpecCron, source: "cron"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: SpecCron, source: "cron"},
		{name: "descriptor", raw: "@hourly", kind: SpecCron, source: "cron"},
		{name: "duration", raw: "10m", kind: SpecInterval, source: "duration", duration: 10 * time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: SpecInterval, source: "duration", duration: 45 * time.Second},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, source: "hhmm", duration: 90 * time.Minute},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Source != tt.source {
				t.Fatalf("Source = %s, want %s", got.Source, tt.source)
			}
			if tt.kind == SpecInterval && got.Every != tt.duration {
				t.Fatalf("Every = %v, want %v", got.Every, tt.duration)
			}
		})
	}
}

func TestParseRecurrenceInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "61 * * * *", "00:75"} {
		if _, err := ParseRecurrence(raw); err == nil {
			t.Fatalf("ParseRecurrence(%q): expected error", raw)
		}
	}
}

func TestMatchesMinute(t *testing.T) {
	t.Parallel()
	sched, err := ParseRecurrence("30 9 * * *")
	if err != nil {
		t.Fatal(err)
	}
	base := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	cases := []struct {
		at   time.Time
		want bool
	}{
		{base, true},
		{base.Add(59 * time.Second), true},
		{base.Add(-time.Second), false},
		{base.Add(time.Minute), false},
	}
	for _, c := range cases {
		if got := MatchesMinute(sched, c.at); got != c.want {
			t.Fatalf("MatchesMinute(%s) = %v, want %v", c.at.Format(time.TimeOnly), got, c.want)
		}
	}

	every, _ := ParseRecurrence("@every 7m")
	if !MatchesMinute(every, base.Add(3*time.Second)) {
		t.Fatal("fixed intervals should always match")
	}
}
