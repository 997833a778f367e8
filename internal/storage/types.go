package storage

import (
	"context"
	"errors"
	"time"

	"notifyd/internal/notification"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite" (alias "sqlite3"): database file at Path
//   - "postgres" (alias "pgx"): server reached through DSN
type Config struct {
	Driver       string
	Path         string
	DSN          string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	MaxOpenConns int           // postgres only; 0 means pool default
}

// AuditEntry records a lifecycle action. Append-only.
type AuditEntry struct {
	ID         int64     `json:"id"`
	At         time.Time `json:"at"`
	Actor      string    `json:"actor"`
	Action     string    `json:"action"`
	TemplateID int64     `json:"template_id"`
	Detail     string    `json:"detail,omitempty"`
}

// TemplateStore owns templates and their translations.
type TemplateStore interface {
	CreateTemplate(ctx context.Context, t *notification.Template) (int64, error)
	GetTemplate(ctx context.Context, id int64) (*notification.Template, error)
	UpdateTemplate(ctx context.Context, t *notification.Template) error
	DeleteTemplate(ctx context.Context, id int64) error
	// SupersedeTemplate inserts next and hard-deletes oldID in one transaction.
	SupersedeTemplate(ctx context.Context, oldID int64, next *notification.Template) (int64, error)

	// TryClaim flips an unpublished template to published. It reports true for
	// exactly one caller per template.
	TryClaim(ctx context.Context, id int64, at time.Time, actor string) (bool, error)
	// TryClaimOccurrence stamps last_fired_at = slot unless that slot (or a
	// later one) was already claimed.
	TryClaimOccurrence(ctx context.Context, id int64, slot time.Time) (bool, error)
	// ReleaseClaim returns a claimed template to draft. It fails with
	// ErrIllegalTransition when the template is not published.
	ReleaseClaim(ctx context.Context, id int64) error
	// SetStatus moves an unpublished template from one status to another,
	// failing with ErrIllegalTransition when the stored status is not from.
	SetStatus(ctx context.Context, id int64, from, to notification.Status) error

	ListPending(ctx context.Context) ([]*notification.Template, error)
	ListDueScheduled(ctx context.Context, until time.Time) ([]*notification.Template, error)
	ListExpiredIntervals(ctx context.Context, now time.Time) ([]*notification.Template, error)
	ListPublishedFlash(ctx context.Context) ([]*notification.Template, error)
}

// DeliveryStore owns the delivery ledger.
type DeliveryStore interface {
	// FindRecentDelivery returns the newest record for the pair created
	// strictly after since, or nil.
	FindRecentDelivery(ctx context.Context, accountID string, templateID int64, since time.Time) (*notification.Delivery, error)
	CreateDelivery(ctx context.Context, d *notification.Delivery) (int64, error)
	// ConfirmDelivery stores the transport message id and marks the record sent.
	ConfirmDelivery(ctx context.Context, id, messageID int64, at time.Time) error
	ListDeliveryTimes(ctx context.Context, accountID string, templateID int64, since time.Time) ([]time.Time, error)
	CountDeliveries(ctx context.Context, accountID string, templateID int64, since time.Time) (int, error)
	DeleteDeliveries(ctx context.Context, templateID int64) (int64, error)
}

// RecipientStore is the read contract of the external user store.
type RecipientStore interface {
	FindByAccountID(ctx context.Context, accountID string) (*notification.Recipient, error)
	ListAll(ctx context.Context) ([]notification.Recipient, error)
	ListWithToken(ctx context.Context) ([]notification.Recipient, error)
}

// AuditQuery filters audit rows. Zero fields match everything.
type AuditQuery struct {
	TemplateID int64
	Action     string
	Actor      string
	Since      time.Time
	Until      time.Time
	Limit      int
	Offset     int
}

type AuditStore interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	ListAudit(ctx context.Context, templateID int64, limit int) ([]AuditEntry, error)
	QueryAudit(ctx context.Context, q AuditQuery) ([]AuditEntry, error)
}

// Store is the full persistence API.
type Store interface {
	TemplateStore
	DeliveryStore
	RecipientStore
	AuditStore
	// UpsertRecipient is the profile-sync side of the recipient table. The
	// dispatch path never calls it.
	UpsertRecipient(ctx context.Context, r notification.Recipient) error
	Close() error
}
