package notification

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation wraps malformed template, schedule or interval input.
	ErrValidation = errors.New("validation failed")
	// ErrIllegalTransition is matched by IllegalTransitionError.
	ErrIllegalTransition = errors.New("illegal status transition")

	ErrNotFound = errors.New("template not found")

	// ErrNoUsableToken means none of the recipients had a push token.
	ErrNoUsableToken = errors.New("no recipient has a usable push token")
	// ErrTotalDeliveryFailure means every attempted send failed.
	ErrTotalDeliveryFailure = errors.New("all deliveries failed")
	// ErrProviderUnavailable means no messaging client exists for a brand.
	ErrProviderUnavailable = errors.New("messaging provider unavailable")

	// ErrLimitReached means every flash candidate was excluded by its view cap.
	ErrLimitReached = errors.New("flash view limit reached")
	// ErrNoTemplates means no published flash template applies to the user.
	ErrNoTemplates = errors.New("no flash templates available")
	// ErrNotFlash means a pinned template is not a published flash template.
	ErrNotFlash = errors.New("template is not a published flash template")
)

// ValidationError lists every problem found in one input.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// QuotaRule names the flash limit that rejected a request.
type QuotaRule string

const (
	QuotaShowPerDay    QuotaRule = "show_per_day"
	QuotaMaxDayShowing QuotaRule = "max_day_showing"
)

// QuotaError is returned when a flash quota is exhausted.
type QuotaError struct {
	Rule    QuotaRule
	Current int
	Limit   int
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("flash quota %s exceeded: %d/%d", e.Rule, e.Current, e.Limit)
}

// IsQuota reports whether err is a QuotaError and returns it.
func IsQuota(err error) (*QuotaError, bool) {
	var q *QuotaError
	if errors.As(err, &q) {
		return q, true
	}
	return nil, false
}
