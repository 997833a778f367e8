// Package ledger is the delivery ledger and its duplicate-send guard.
//
// A (account, template) pair gets at most one delivery record per dedup
// window. Lookup and insert for a pair run under one of a fixed set of
// striped locks so a burst of identical triggers inserts once.
package ledger

import (
	"context"
	"hash/fnv"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"notifyd/internal/notification"
	"notifyd/internal/storage"
	"notifyd/pkg/logx"

	"github.com/jonboulle/clockwork"
)

const (
	DefaultDedupWindow = 5 * time.Minute
	stripeCount        = 64
)

type Config struct {
	DedupWindow time.Duration
}

// Entry describes the record a caller wants to hold.
type Entry struct {
	AccountID  string
	TemplateID int64
	Token      string
	// NotBefore narrows reuse to records created at or after it. Recurring
	// occurrences pass their slot so the previous occurrence is never reused.
	NotBefore time.Time
}

// Admission runs under the pair's lock before a new record is inserted. It
// may reject the insert by returning an error or adjust the record (for
// example its SendCount).
type Admission func(ctx context.Context, d *notification.Delivery) error

type Ledger struct {
	store storage.DeliveryStore
	clock clockwork.Clock
	log   logx.Logger

	window  atomic.Int64
	stripes [stripeCount]sync.Mutex
}

func New(store storage.DeliveryStore, clock clockwork.Clock, cfg Config, log logx.Logger) *Ledger {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	l := &Ledger{store: store, clock: clock, log: log.With(logx.String("comp", "ledger"))}
	l.Apply(cfg)
	return l
}

// Apply updates the dedup window. Non-positive means the default.
func (l *Ledger) Apply(cfg Config) {
	w := cfg.DedupWindow
	if w <= 0 {
		w = DefaultDedupWindow
	}
	l.window.Store(int64(w))
}

func (l *Ledger) Window() time.Duration { return time.Duration(l.window.Load()) }

func (l *Ledger) stripe(accountID string, templateID int64) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(accountID))
	_, _ = h.Write([]byte{'|'})
	_, _ = h.Write([]byte(strconv.FormatInt(templateID, 10)))
	return &l.stripes[h.Sum32()%stripeCount]
}

// Acquire returns the record for the pair created within the dedup window
// (strictly younger than the window), or inserts a new one. fresh reports whether the record was inserted by
// this call. admit may be nil.
func (l *Ledger) Acquire(ctx context.Context, e Entry, admit Admission) (d *notification.Delivery, fresh bool, err error) {
	mu := l.stripe(e.AccountID, e.TemplateID)
	mu.Lock()
	defer mu.Unlock()

	now := l.clock.Now()
	since := now.Add(-l.Window())
	if nb := e.NotBefore.Add(-time.Millisecond); nb.After(since) {
		// Records are stored at millisecond resolution and matched strictly.
		since = nb
	}
	existing, err := l.store.FindRecentDelivery(ctx, e.AccountID, e.TemplateID, since)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		l.log.Debug("delivery reused",
			logx.String("account", e.AccountID),
			logx.Int64("template_id", e.TemplateID),
			logx.Int64("delivery_id", existing.ID),
		)
		return existing, false, nil
	}

	d = &notification.Delivery{
		AccountID:  e.AccountID,
		TemplateID: e.TemplateID,
		PushToken:  e.Token,
		CreatedAt:  now,
	}
	if admit != nil {
		if err := admit(ctx, d); err != nil {
			return nil, false, err
		}
	}
	if _, err := l.store.CreateDelivery(ctx, d); err != nil {
		return nil, false, err
	}
	return d, true, nil
}

// Confirm marks a record sent and attaches the transport message id, which
// is 0 when the transport's id is not numeric.
func (l *Ledger) Confirm(ctx context.Context, deliveryID, messageID int64) error {
	if deliveryID == 0 {
		return nil
	}
	return l.store.ConfirmDelivery(ctx, deliveryID, messageID, l.clock.Now())
}

// Times lists record creation times for the pair since the given instant,
// oldest first.
func (l *Ledger) Times(ctx context.Context, accountID string, templateID int64, since time.Time) ([]time.Time, error) {
	return l.store.ListDeliveryTimes(ctx, accountID, templateID, since)
}

// Count returns the number of records for the pair since the given instant.
func (l *Ledger) Count(ctx context.Context, accountID string, templateID int64, since time.Time) (int, error) {
	return l.store.CountDeliveries(ctx, accountID, templateID, since)
}

// Purge drops every record of a template. Used by forced deletes only.
func (l *Ledger) Purge(ctx context.Context, templateID int64) (int64, error) {
	n, err := l.store.DeleteDeliveries(ctx, templateID)
	if err == nil && n > 0 {
		l.log.Info("deliveries purged", logx.Int64("template_id", templateID), logx.Int64("rows", n))
	}
	return n, err
}
