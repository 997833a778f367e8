// Package flash serves pull-based flash notifications under per-user quotas.
//
// showPerDay bounds views in the trailing 24h. maxDayShowing bounds the
// number of distinct calendar days (in the configured zone) with a view.
// Views are delivery-ledger records, so the ledger's dedup window applies.
package flash

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"notifyd/internal/ledger"
	"notifyd/internal/notification"
	"notifyd/internal/observability/metrics"
	"notifyd/pkg/logx"

	"github.com/jonboulle/clockwork"
)

const DefaultSelectionViewCap = 2

// epoch is the lower bound used for all-time ledger queries.
var epoch = time.Unix(0, 0)

type Config struct {
	// SelectionViewCap excludes templates viewed this many times in 24h
	// from best-template selection.
	SelectionViewCap  int
	Location          *time.Location
	FallbackLanguages []string
}

func (c Config) withDefaults() Config {
	if c.SelectionViewCap <= 0 {
		c.SelectionViewCap = DefaultSelectionViewCap
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	if len(c.FallbackLanguages) == 0 {
		c.FallbackLanguages = notification.DefaultFallbackLanguages
	}
	return c
}

// Templates is the read side of the template store used here.
type Templates interface {
	GetTemplate(ctx context.Context, id int64) (*notification.Template, error)
	ListPublishedFlash(ctx context.Context) ([]*notification.Template, error)
}

type Recipients interface {
	FindByAccountID(ctx context.Context, accountID string) (*notification.Recipient, error)
}

type ImageResolver interface {
	PublicURL(ref string) string
}

// Request asks for a flash view. TemplateID 0 means best-template selection.
// Empty Language or Brand are taken from the recipient record.
type Request struct {
	AccountID  string
	TemplateID int64
	Language   string
	Brand      string
}

// View is the rendered flash payload returned to the client.
type View struct {
	TemplateID  int64     `json:"template_id"`
	Language    string    `json:"language"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	ImageURL    string    `json:"image_url,omitempty"`
	LinkPreview string    `json:"link_preview,omitempty"`
	Priority    int       `json:"priority"`
	SendCount   int       `json:"send_count"`
	ShownAt     time.Time `json:"shown_at"`
}

type Limiter struct {
	templates  Templates
	recipients Recipients
	ledger     *ledger.Ledger
	images     ImageResolver
	clock      clockwork.Clock
	metrics    *metrics.Metrics
	log        logx.Logger

	mu  sync.RWMutex
	cfg Config
}

func New(cfg Config, templates Templates, recipients Recipients, l *ledger.Ledger, images ImageResolver,
	clock clockwork.Clock, m *metrics.Metrics, log logx.Logger) *Limiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	lim := &Limiter{
		templates:  templates,
		recipients: recipients,
		ledger:     l,
		images:     images,
		clock:      clock,
		metrics:    m,
		log:        log.With(logx.String("comp", "flash")),
	}
	lim.Apply(cfg)
	return lim
}

func (l *Limiter) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()
}

func (l *Limiter) config() Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// Check evaluates both quotas for (accountID, t) at the current instant.
func (l *Limiter) Check(ctx context.Context, accountID string, t *notification.Template) error {
	cfg := l.config()
	now := l.clock.Now()

	limit := t.ShowPerDayLimit()
	n, err := l.ledger.Count(ctx, accountID, t.ID, now.Add(-24*time.Hour))
	if err != nil {
		return err
	}
	if n >= limit {
		return &notification.QuotaError{Rule: notification.QuotaShowPerDay, Current: n, Limit: limit}
	}

	times, err := l.ledger.Times(ctx, accountID, t.ID, epoch)
	if err != nil {
		return err
	}
	days := distinctDays(times, cfg.Location)
	maxDays := t.MaxDayShowingLimit()
	if len(days) >= maxDays && !days[dayKey(now, cfg.Location)] {
		return &notification.QuotaError{Rule: notification.QuotaMaxDayShowing, Current: len(days), Limit: maxDays}
	}
	return nil
}

// Select picks the best published flash template for the account.
func (l *Limiter) Select(ctx context.Context, accountID, brand string) (*notification.Template, error) {
	cfg := l.config()
	all, err := l.templates.ListPublishedFlash(ctx)
	if err != nil {
		return nil, err
	}

	var branded, agnostic []*notification.Template
	for _, t := range all {
		switch {
		case t.Brand == nil || strings.TrimSpace(*t.Brand) == "":
			agnostic = append(agnostic, t)
		case brand != "" && strings.EqualFold(*t.Brand, brand):
			branded = append(branded, t)
		}
	}
	candidates := branded
	if len(candidates) == 0 {
		candidates = agnostic
	}
	if len(candidates) == 0 {
		return nil, notification.ErrNoTemplates
	}

	since := l.clock.Now().Add(-24 * time.Hour)
	for _, t := range candidates {
		n, err := l.ledger.Count(ctx, accountID, t.ID, since)
		if err != nil {
			return nil, err
		}
		if n < cfg.SelectionViewCap {
			return t, nil
		}
	}
	return nil, notification.ErrLimitReached
}

// Show resolves a template, enforces quotas, records the view and renders it.
func (l *Limiter) Show(ctx context.Context, req Request) (*View, error) {
	cfg := l.config()
	if strings.TrimSpace(req.AccountID) == "" {
		return nil, &notification.ValidationError{Problems: []string{"account_id is required"}}
	}

	var token string
	if req.Language == "" || req.Brand == "" {
		r, err := l.recipients.FindByAccountID(ctx, req.AccountID)
		if err != nil {
			return nil, err
		}
		if r != nil {
			if req.Language == "" {
				req.Language = r.Language
			}
			if req.Brand == "" {
				req.Brand = r.Brand
			}
			token = r.Token()
		}
	}

	t, err := l.resolve(ctx, req)
	if err != nil {
		return nil, err
	}

	rec, fresh, err := l.ledger.Acquire(ctx, ledger.Entry{AccountID: req.AccountID, TemplateID: t.ID, Token: token},
		func(ctx context.Context, d *notification.Delivery) error {
			if err := l.Check(ctx, req.AccountID, t); err != nil {
				return err
			}
			n, err := l.ledger.Count(ctx, req.AccountID, t.ID, epoch)
			if err != nil {
				return err
			}
			d.SendCount = n + 1
			return nil
		})
	if err != nil {
		if qe, ok := notification.IsQuota(err); ok {
			l.metrics.FlashRejected(string(qe.Rule))
			l.log.Debug("flash rejected",
				logx.String("account", req.AccountID),
				logx.Int64("template_id", t.ID),
				logx.String("rule", string(qe.Rule)),
				logx.Int("current", qe.Current),
				logx.Int("limit", qe.Limit),
			)
		}
		return nil, err
	}
	if !fresh {
		l.log.Debug("flash view deduplicated", logx.String("account", req.AccountID), logx.Int64("template_id", t.ID))
	}

	tr := notification.BestTranslation(t, req.Language, cfg.FallbackLanguages)
	if tr == nil {
		return nil, fmt.Errorf("template %d has no usable translation", t.ID)
	}
	v := &View{
		TemplateID:  t.ID,
		Language:    tr.Language,
		Title:       tr.Title,
		Body:        tr.Body,
		LinkPreview: tr.LinkPreview,
		Priority:    t.Priority,
		SendCount:   rec.SendCount,
		ShownAt:     rec.CreatedAt,
	}
	if l.images != nil {
		v.ImageURL = l.images.PublicURL(tr.ImageRef)
	}
	return v, nil
}

func (l *Limiter) resolve(ctx context.Context, req Request) (*notification.Template, error) {
	if req.TemplateID == 0 {
		return l.Select(ctx, req.AccountID, req.Brand)
	}
	t, err := l.templates.GetTemplate(ctx, req.TemplateID)
	if err != nil {
		return nil, err
	}
	if t.Kind != notification.KindFlash || !t.Published {
		return nil, fmt.Errorf("template %d: %w", t.ID, notification.ErrNotFlash)
	}
	return t, nil
}

func dayKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02")
}

func distinctDays(times []time.Time, loc *time.Location) map[string]bool {
	out := make(map[string]bool, len(times))
	for _, t := range times {
		out[dayKey(t, loc)] = true
	}
	return out
}
