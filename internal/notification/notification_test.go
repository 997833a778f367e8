package notification

import (
	"errors"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func englishOnly() *Template {
	return &Template{
		ID:   1,
		Kind: KindOrdinary,
		Mode: ModeNow,
		Translations: []Translation{
			{Language: "en", Title: "Hello", Body: "World"},
		},
	}
}

func TestBestTranslationFallsBackToEnglish(t *testing.T) {
	tr := BestTranslation(englishOnly(), "km", nil)
	require.NotNil(t, tr)
	assert.Equal(t, "Hello", tr.Title)
}

func TestBestTranslationOrder(t *testing.T) {
	tpl := &Template{Translations: []Translation{
		{Language: "km", Title: "សួស្តី", Body: "km body"},
		{Language: "en", Title: "Hello", Body: "en body"},
		{Language: "zh-Hans", Title: "你好", Body: "zh body"},
		{Language: "th", Title: "", Body: "blank title"},
	}}
	tests := []struct {
		lang string
		want string
	}{
		{"km", "km"},
		{"EN", "en"},
		{"en_GB", "en"},
		{"zh-hans", "zh-Hans"},
		{"zh-TW", "zh-Hans"},
		{"th", "en"},
		{"", "en"},
		{"fr", "en"},
	}
	for _, tt := range tests {
		t.Run(tt.lang, func(t *testing.T) {
			tr := BestTranslation(tpl, tt.lang, nil)
			require.NotNil(t, tr)
			assert.Equal(t, tt.want, tr.Language)
		})
	}
}

func TestBestTranslationCustomFallbackAndLastResort(t *testing.T) {
	tpl := &Template{Translations: []Translation{{Language: "vi", Title: "Xin chào", Body: "b"}}}
	tr := BestTranslation(tpl, "km", []string{"en"})
	require.NotNil(t, tr)
	assert.Equal(t, "vi", tr.Language)

	assert.Nil(t, BestTranslation(&Template{}, "en", nil))
	assert.Nil(t, BestTranslation(nil, "en", nil))
}

func TestTransitions(t *testing.T) {
	tests := []struct {
		from Status
		ev   Event
		to   Status
		ok   bool
	}{
		{StatusDraft, EventPublish, StatusPublished, true},
		{StatusDraft, EventSchedule, StatusScheduled, true},
		{StatusDraft, EventActivate, StatusIntervalActive, true},
		{StatusScheduled, EventPublish, StatusPublished, true},
		{StatusScheduled, EventExpire, StatusPublished, true},
		{StatusIntervalActive, EventOccur, StatusIntervalActive, true},
		{StatusIntervalActive, EventPublish, StatusPublished, true},
		{StatusIntervalActive, EventExpire, StatusPublished, true},
		{StatusScheduled, EventOccur, StatusScheduled, false},
		{StatusDraft, EventRevert, StatusDraft, false},
		{StatusPublished, EventRevert, StatusDraft, true},
		{StatusPublished, EventPublish, StatusPublished, false},
		{StatusPublished, EventSchedule, StatusPublished, false},
		{StatusScheduled, EventActivate, StatusScheduled, false},
		{"", EventPublish, StatusPublished, true},
	}
	for _, tt := range tests {
		got, err := Next(tt.from, tt.ev)
		if !tt.ok {
			require.Error(t, err, "%s --%s-->", tt.from, tt.ev)
			assert.True(t, errors.Is(err, ErrIllegalTransition))
			assert.True(t, IsIllegalTransition(err))
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.to, got)
	}
}

func TestFireChecksMode(t *testing.T) {
	tpl := englishOnly()
	tpl.Status = StatusDraft
	err := tpl.Fire(EventActivate)
	require.Error(t, err)
	assert.True(t, IsIllegalTransition(err))
	assert.Equal(t, StatusDraft, tpl.Status)

	tpl.Mode = ModeInterval
	require.NoError(t, tpl.Fire(EventActivate))
	assert.Equal(t, StatusIntervalActive, tpl.Status)
	assert.False(t, tpl.Published)

	require.NoError(t, tpl.Fire(EventOccur))
	assert.Equal(t, StatusIntervalActive, tpl.Status)
}

func TestFireUpdatesPublishedFlag(t *testing.T) {
	tpl := englishOnly()
	tpl.Status = StatusDraft
	require.NoError(t, tpl.Fire(EventPublish))
	assert.True(t, tpl.Published)
	require.NoError(t, tpl.Fire(EventRevert))
	assert.False(t, tpl.Published)
	assert.Equal(t, StatusDraft, tpl.Status)
}

func cronCheck(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

func TestValidateWithoutExprCheck(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	tpl := englishOnly()
	tpl.Mode = ModeInterval
	tpl.Interval = &Interval{Expression: "every tuesday", WindowStart: now, WindowEnd: now.Add(time.Hour)}
	require.NoError(t, Validate(tpl, now, nil))

	tpl.Interval.Expression = " "
	err := Validate(tpl, now, nil)
	require.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "interval.expression is required")
}

func TestValidate(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	at := now.Add(time.Hour)
	zero := 0
	tests := []struct {
		name   string
		mutate func(*Template)
		want   string
	}{
		{name: "ok", mutate: func(*Template) {}},
		{name: "no translations", mutate: func(t *Template) { t.Translations = nil }, want: "at least one translation"},
		{name: "empty body", mutate: func(t *Template) { t.Translations[0].Body = " " }, want: "title and body"},
		{name: "schedule without time", mutate: func(t *Template) { t.Mode = ModeSchedule }, want: "scheduled_at"},
		{name: "schedule ok", mutate: func(t *Template) { t.Mode = ModeSchedule; t.ScheduledAt = &at }},
		{name: "bad expression", mutate: func(t *Template) {
			t.Mode = ModeInterval
			t.Interval = &Interval{Expression: "every tuesday", WindowStart: now, WindowEnd: at}
		}, want: "interval.expression"},
		{name: "inverted window", mutate: func(t *Template) {
			t.Mode = ModeInterval
			t.Interval = &Interval{Expression: "*/5 * * * *", WindowStart: at, WindowEnd: now.Add(30 * time.Minute)}
		}, want: "end must be after start"},
		{name: "ended window", mutate: func(t *Template) {
			t.Mode = ModeInterval
			t.Interval = &Interval{Expression: "*/5 * * * *", WindowStart: now.Add(-2 * time.Hour), WindowEnd: now.Add(-time.Hour)}
		}, want: "already ended"},
		{name: "bad quota", mutate: func(t *Template) { t.Kind = KindFlash; t.ShowPerDay = &zero }, want: "show_per_day"},
		{name: "recurring flash", mutate: func(t *Template) {
			t.Kind = KindFlash
			t.Mode = ModeInterval
			t.Interval = &Interval{Expression: "@hourly", WindowStart: now, WindowEnd: now.Add(time.Hour)}
		}, want: "cannot recur"},
		{name: "bad platform", mutate: func(t *Template) { t.Platforms = PlatformSet{"web"} }, want: "unknown platform"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tpl := englishOnly()
			tt.mutate(tpl)
			err := Validate(tpl, now, cronCheck)
			if tt.want == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrValidation)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestPlatformSetRoundTrip(t *testing.T) {
	assert.Equal(t, "ALL", PlatformSet(nil).String())
	assert.Nil(t, ParsePlatformSet("ALL"))
	set := ParsePlatformSet("ios, Android")
	assert.Equal(t, PlatformSet{PlatformIOS, PlatformAndroid}, set)
	assert.True(t, set.Contains(PlatformAndroid))
	assert.False(t, PlatformSet{PlatformIOS}.Contains(PlatformAndroid))
}

func TestQuotaDefaults(t *testing.T) {
	tpl := &Template{}
	assert.Equal(t, 1, tpl.ShowPerDayLimit())
	assert.Equal(t, 1, tpl.MaxDayShowingLimit())
	three := 3
	tpl.ShowPerDay = &three
	assert.Equal(t, 3, tpl.ShowPerDayLimit())

	q := &QuotaError{Rule: QuotaShowPerDay, Current: 2, Limit: 2}
	got, ok := IsQuota(errors.Join(errors.New("x"), q))
	require.True(t, ok)
	assert.Equal(t, 2, got.Limit)
}
