// Package payload turns a template translation into a transport message.
//
// The set of builders is closed and keyed by recipient platform: iOS gets a
// system alert plus a metadata blob, Android gets a flat data-only map the
// app renders itself. Anything else is ErrUnsupportedPlatform.
package payload

import (
	"errors"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"

	"notifyd/internal/notification"
)

var ErrUnsupportedPlatform = errors.New("payload: unsupported platform")

const (
	DefaultTitleMax   = 60
	DefaultBodyMax    = 90
	DefaultAndroidTTL = 24 * time.Hour
	DefaultSound      = "default"
)

// Options are the rendering knobs shared by all builders.
type Options struct {
	TitleMax   int
	BodyMax    int
	Sound      string
	Badge      int
	AndroidTTL time.Duration
}

func (o Options) withDefaults() Options {
	if o.TitleMax <= 0 {
		o.TitleMax = DefaultTitleMax
	}
	if o.BodyMax <= 0 {
		o.BodyMax = DefaultBodyMax
	}
	if o.Sound == "" {
		o.Sound = DefaultSound
	}
	if o.Badge <= 0 {
		o.Badge = 1
	}
	if o.AndroidTTL <= 0 {
		o.AndroidTTL = DefaultAndroidTTL
	}
	return o
}

// Context is everything a builder may read.
type Context struct {
	Template    *notification.Template
	Translation *notification.Translation
	Recipient   notification.Recipient
	// ImageURL is the resolved public URL of Translation.ImageRef.
	ImageURL   string
	DeliveryID int64
	SendCount  int
}

// Alert is the system-rendered part of an iOS message.
type Alert struct {
	Title string
	Body  string
	Sound string
	Badge int
}

// Message is transport-neutral; providers map it onto their wire format.
type Message struct {
	Token    string
	Platform notification.Platform
	// Alert is nil for data-only messages.
	Alert *Alert
	Data  map[string]string

	Priority    string
	TTL         time.Duration
	CollapseKey string
}

type Builder interface {
	Platform() notification.Platform
	Build(c Context) (*Message, error)
}

// Set holds one builder per supported platform.
type Set struct {
	opts     Options
	builders map[notification.Platform]Builder
}

func NewSet(opts Options) *Set {
	opts = opts.withDefaults()
	s := &Set{opts: opts, builders: map[notification.Platform]Builder{}}
	for _, b := range []Builder{iosBuilder{opts: opts}, androidBuilder{opts: opts}} {
		s.builders[b.Platform()] = b
	}
	return s
}

func (s *Set) Options() Options { return s.opts }

// For returns the builder for p.
func (s *Set) For(p notification.Platform) (Builder, error) {
	b, ok := s.builders[p]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedPlatform, string(p))
	}
	return b, nil
}

// Build selects the builder by recipient platform.
func (s *Set) Build(c Context) (*Message, error) {
	b, err := s.For(c.Recipient.Platform)
	if err != nil {
		return nil, err
	}
	return b.Build(c)
}

// Truncate shortens s to at most max runes, ending with an ellipsis when cut.
func Truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	if max == 1 {
		return string(r[:1])
	}
	return string(r[:max-1]) + "…"
}

func checkContext(c Context) error {
	if c.Template == nil || c.Translation == nil {
		return errors.New("payload: template and translation are required")
	}
	if c.Recipient.Token() == "" {
		return notification.ErrNoUsableToken
	}
	return nil
}

// fields are the rendering values both platforms carry.
func fields(c Context, opts Options) map[string]string {
	return map[string]string{
		"id":           strconv.FormatInt(c.DeliveryID, 10),
		"template_id":  strconv.FormatInt(c.Template.ID, 10),
		"type":         string(c.Template.Kind),
		"category":     category(c.Template),
		"title":        Truncate(c.Translation.Title, opts.TitleMax),
		"body":         Truncate(c.Translation.Body, opts.BodyMax),
		"image":        c.ImageURL,
		"link_preview": c.Translation.LinkPreview,
		"language":     c.Translation.Language,
	}
}

func category(t *notification.Template) string {
	switch t.Mode {
	case notification.ModeSchedule:
		return "scheduled"
	case notification.ModeInterval:
		return "recurring"
	default:
		return "instant"
	}
}

func collapseKey(templateID int64) string {
	return "template-" + strconv.FormatInt(templateID, 10)
}
