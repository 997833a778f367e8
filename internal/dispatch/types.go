package dispatch

import (
	"context"
	"strings"
	"time"

	"notifyd/internal/notification"
	"notifyd/internal/payload"
	"notifyd/internal/provider"
)

// Mode selects how delivery records are kept for a batch.
type Mode string

const (
	// ModeIndividual keeps one record per recipient.
	ModeIndividual Mode = "individual"
	// ModeShared keeps one record for the whole batch. Flash templates are
	// never pushed in this mode.
	ModeShared Mode = "shared"
)

// SharedAccount is the ledger account of a shared multi-recipient batch.
const SharedAccount = "*"

const (
	DefaultSendTimeout   = 10 * time.Second
	DefaultRetryBase     = 500 * time.Millisecond
	DefaultRetryMaxDelay = 5 * time.Second
)

type Config struct {
	RatePerSec  int // 0 = unlimited
	Burst       int
	SendTimeout time.Duration

	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	FallbackLanguages []string
	Payload           payload.Options
}

func (c Config) withDefaults() Config {
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = DefaultRetryBase
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if c.Burst <= 0 {
		c.Burst = c.RatePerSec
	}
	if len(c.FallbackLanguages) == 0 {
		c.FallbackLanguages = notification.DefaultFallbackLanguages
	}
	return c
}

// Budget is the worst-case time to send to n recipients: every attempt
// timing out, every retry waiting the longest delay, plus rate limiting.
func (c Config) Budget(n int) time.Duration {
	c = c.withDefaults()
	per := time.Duration(1+c.RetryMax)*c.SendTimeout + time.Duration(c.RetryMax)*c.RetryMaxDelay
	total := time.Duration(n) * per
	if c.RatePerSec > 0 {
		total += time.Duration(n) * time.Second / time.Duration(c.RatePerSec)
	}
	return total
}

// Batch is one fan-out request.
type Batch struct {
	Template   *notification.Template
	Recipients []notification.Recipient
	Mode       Mode
	// Slot is set for recurring occurrences. Ledger records of earlier
	// occurrences are then never treated as duplicates.
	Slot time.Time
}

// FailedRecipient is one isolated per-recipient failure.
type FailedRecipient struct {
	AccountID string `json:"account_id"`
	Error     string `json:"error"`
}

type Result struct {
	BatchID string `json:"batch_id"`
	// Attempted counts recipients that reached the send step.
	Attempted int               `json:"attempted"`
	Success   int               `json:"success"`
	Fail      int               `json:"fail"`
	Skipped   int               `json:"skipped"`
	Failed    []FailedRecipient `json:"failed,omitempty"`
}

// Providers resolves a messaging client per brand; nil means unavailable.
type Providers interface {
	Lookup(ctx context.Context, brand string) provider.Client
}

// ImageResolver turns a stored image reference into a public URL.
type ImageResolver interface {
	PublicURL(ref string) string
}

// BaseURLImages joins references onto a base URL. Absolute references pass
// through unchanged.
type BaseURLImages struct {
	Base string
}

func (b BaseURLImages) PublicURL(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") || b.Base == "" {
		return ref
	}
	return strings.TrimRight(b.Base, "/") + "/" + strings.TrimLeft(ref, "/")
}
