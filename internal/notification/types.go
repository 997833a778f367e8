package notification

import (
	"strings"
	"time"
)

// Platform is the recipient device family. It selects the payload shape.
type Platform string

const (
	// PlatformIOS renders a system alert (title/body/sound/badge).
	PlatformIOS Platform = "ios"
	// PlatformAndroid receives data-only messages; the app renders its own UI.
	PlatformAndroid Platform = "android"
)

// ParsePlatform normalizes a stored platform tag. Unknown tags are returned
// as-is so callers can decide how to treat them.
func ParsePlatform(s string) Platform {
	return Platform(strings.ToLower(strings.TrimSpace(s)))
}

// Kind is the notification category.
type Kind string

const (
	KindOrdinary     Kind = "ordinary"
	KindAnnouncement Kind = "announcement"
	KindFlash        Kind = "flash"
)

// SendMode decides when a template is delivered.
type SendMode string

const (
	ModeNow      SendMode = "NOW"
	ModeSchedule SendMode = "SCHEDULE"
	ModeInterval SendMode = "INTERVAL"
)

// Status is the authoritative lifecycle state of a template.
type Status string

const (
	StatusDraft          Status = "draft"
	StatusScheduled      Status = "scheduled"
	StatusIntervalActive Status = "interval_active"
	StatusPublished      Status = "published"
)

// PlatformSet is the set of targeted platforms. An empty set means ALL.
type PlatformSet []Platform

const allPlatforms = "ALL"

// All reports whether the set targets every platform.
func (s PlatformSet) All() bool { return len(s) == 0 }

func (s PlatformSet) Contains(p Platform) bool {
	if s.All() {
		return true
	}
	for _, x := range s {
		if x == p {
			return true
		}
	}
	return false
}

// String encodes the set for storage ("ALL" or "ios,android").
func (s PlatformSet) String() string {
	if s.All() {
		return allPlatforms
	}
	parts := make([]string, 0, len(s))
	for _, p := range s {
		parts = append(parts, string(p))
	}
	return strings.Join(parts, ",")
}

// ParsePlatformSet decodes PlatformSet.String output.
func ParsePlatformSet(raw string) PlatformSet {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.EqualFold(raw, allPlatforms) {
		return nil
	}
	var out PlatformSet
	for _, part := range strings.Split(raw, ",") {
		p := ParsePlatform(part)
		if p == "" {
			continue
		}
		if strings.EqualFold(string(p), allPlatforms) {
			return nil
		}
		out = append(out, p)
	}
	return out
}

// Interval describes an INTERVAL-mode recurrence confined to a window.
type Interval struct {
	// Expression is a cron expression (5 or 6 fields, or a descriptor such as @hourly).
	Expression  string    `json:"expression"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
}

// Contains reports whether t lies inside [WindowStart, WindowEnd].
func (iv Interval) Contains(t time.Time) bool {
	return !t.Before(iv.WindowStart) && !t.After(iv.WindowEnd)
}

// Translation is the per-language content of a template.
type Translation struct {
	ID          int64  `json:"id,omitempty"`
	Language    string `json:"language"`
	Title       string `json:"title"`
	Body        string `json:"body"`
	ImageRef    string `json:"image_ref,omitempty"`
	LinkPreview string `json:"link_preview,omitempty"`
}

const (
	DefaultShowPerDay    = 1
	DefaultMaxDayShowing = 1
)

// Template is a notification definition plus its delivery schedule.
type Template struct {
	ID int64 `json:"id"`
	// Brand is nil for templates that target every brand.
	Brand     *string     `json:"brand,omitempty"`
	Platforms PlatformSet `json:"platforms,omitempty"`
	Kind      Kind        `json:"kind"`
	Mode      SendMode    `json:"mode"`
	Published bool        `json:"published"`
	Status    Status      `json:"status"`

	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	Interval    *Interval  `json:"interval,omitempty"`
	LastFiredAt *time.Time `json:"last_fired_at,omitempty"`

	// ShowPerDay and MaxDayShowing are flash-only quotas; nil means default (1).
	ShowPerDay    *int `json:"show_per_day,omitempty"`
	MaxDayShowing *int `json:"max_day_showing,omitempty"`
	Priority      int  `json:"priority"`

	CreatedBy   string     `json:"created_by,omitempty"`
	UpdatedBy   string     `json:"updated_by,omitempty"`
	PublishedBy string     `json:"published_by,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	PublishedAt *time.Time `json:"published_at,omitempty"`

	Translations []Translation `json:"translations"`
}

// BrandName returns the brand or "" for brand-agnostic templates.
func (t *Template) BrandName() string {
	if t == nil || t.Brand == nil {
		return ""
	}
	return *t.Brand
}

// AppliesToBrand reports whether a recipient of brand b is in scope.
func (t *Template) AppliesToBrand(b string) bool {
	if t.Brand == nil || *t.Brand == "" {
		return true
	}
	return strings.EqualFold(*t.Brand, b)
}

// ShowPerDayLimit returns the effective per-24h flash quota.
func (t *Template) ShowPerDayLimit() int {
	if t.ShowPerDay == nil || *t.ShowPerDay <= 0 {
		return DefaultShowPerDay
	}
	return *t.ShowPerDay
}

// MaxDayShowingLimit returns the effective distinct-day flash quota.
func (t *Template) MaxDayShowingLimit() int {
	if t.MaxDayShowing == nil || *t.MaxDayShowing <= 0 {
		return DefaultMaxDayShowing
	}
	return *t.MaxDayShowing
}

// Clone returns a deep copy, used when superseding a published template.
func (t *Template) Clone() *Template {
	if t == nil {
		return nil
	}
	cp := *t
	if t.Brand != nil {
		b := *t.Brand
		cp.Brand = &b
	}
	cp.Platforms = append(PlatformSet(nil), t.Platforms...)
	if t.ScheduledAt != nil {
		at := *t.ScheduledAt
		cp.ScheduledAt = &at
	}
	if t.Interval != nil {
		iv := *t.Interval
		cp.Interval = &iv
	}
	if t.LastFiredAt != nil {
		lf := *t.LastFiredAt
		cp.LastFiredAt = &lf
	}
	if t.ShowPerDay != nil {
		v := *t.ShowPerDay
		cp.ShowPerDay = &v
	}
	if t.MaxDayShowing != nil {
		v := *t.MaxDayShowing
		cp.MaxDayShowing = &v
	}
	if t.PublishedAt != nil {
		p := *t.PublishedAt
		cp.PublishedAt = &p
	}
	cp.Translations = append([]Translation(nil), t.Translations...)
	return &cp
}

// Recipient is a user record owned by the external user store.
type Recipient struct {
	AccountID string `json:"account_id"`
	// PushToken is nil when the user never registered a device and points to
	// "" when the token was cleared.
	PushToken *string  `json:"push_token,omitempty"`
	Platform  Platform `json:"platform"`
	Language  string   `json:"language"`
	Brand     string   `json:"brand"`
}

// Token returns the usable push token, or "" if none.
func (r Recipient) Token() string {
	if r.PushToken == nil {
		return ""
	}
	return strings.TrimSpace(*r.PushToken)
}

// HasToken reports whether the recipient can be pushed to.
func (r Recipient) HasToken() bool { return r.Token() != "" }

// Delivery is one ledger row.
type Delivery struct {
	ID         int64     `json:"id"`
	AccountID  string    `json:"account_id"`
	TemplateID int64     `json:"template_id"`
	PushToken  string    `json:"push_token"`
	MessageID  int64     `json:"message_id"`
	SendCount  int       `json:"send_count"`
	CreatedAt  time.Time `json:"created_at"`
	// SentAt is set once the transport accepted a push for this record.
	SentAt *time.Time `json:"sent_at,omitempty"`
}

// Confirmed reports whether a push for the record was accepted.
func (d *Delivery) Confirmed() bool { return d != nil && d.SentAt != nil }
