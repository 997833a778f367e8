package schedule

import (
	"context"
	"strconv"
	"time"

	"notifyd/internal/notification"
	"notifyd/internal/task/engine"
	"notifyd/internal/task/scheduler"
)

const (
	DefaultSweepEvery    = time.Minute
	DefaultLateTolerance = 15 * time.Minute
	DefaultLookahead     = time.Minute
	DefaultEarlySkip     = 30 * time.Second
	DefaultMinTimerLead  = 2 * time.Minute
)

// Config holds the sweep cadence and tolerances. Zero fields take defaults.
type Config struct {
	SweepEvery    time.Duration
	LateTolerance time.Duration
	Lookahead     time.Duration
	EarlySkip     time.Duration
	MinTimerLead  time.Duration
}

func (c Config) withDefaults() Config {
	if c.SweepEvery <= 0 {
		c.SweepEvery = DefaultSweepEvery
	}
	if c.LateTolerance <= 0 {
		c.LateTolerance = DefaultLateTolerance
	}
	if c.Lookahead <= 0 {
		c.Lookahead = DefaultLookahead
	}
	if c.EarlySkip <= 0 {
		c.EarlySkip = DefaultEarlySkip
	}
	if c.MinTimerLead <= 0 {
		c.MinTimerLead = DefaultMinTimerLead
	}
	return c
}

// Runner carries out what a timer or the sweep decided. Every method claims
// the template itself, so concurrent triggers are safe.
type Runner interface {
	// RunScheduled claims and dispatches a SCHEDULE template.
	RunScheduled(ctx context.Context, id int64, source string) error
	// Expire claims and publishes a template without dispatching it.
	Expire(ctx context.Context, id int64, source string) error
	// ActivateInterval moves an INTERVAL template to interval_active.
	ActivateInterval(ctx context.Context, id int64) (*notification.Template, error)
	// RunInterval dispatches one occurrence identified by slot.
	RunInterval(ctx context.Context, id int64, slot time.Time) error
}

// Store is the template query side the scheduler needs.
type Store interface {
	ListPending(ctx context.Context) ([]*notification.Template, error)
	ListDueScheduled(ctx context.Context, until time.Time) ([]*notification.Template, error)
	ListExpiredIntervals(ctx context.Context, now time.Time) ([]*notification.Template, error)
}

// Timers is the timer service the scheduler drives.
type Timers interface {
	AddOnce(name string, at time.Time, job scheduler.Job) error
	AddCron(name, spec string, job scheduler.Job) error
	AddEvery(name string, every time.Duration, job scheduler.Job) error
	Remove(name string) bool
	Has(name string) bool
	Location() *time.Location
	Snapshot() scheduler.Snapshot
}

// Enqueuer hands dispatch work to the engine.
type Enqueuer interface {
	Enqueue(t engine.Task) error
}

// SweepReport counts what one sweep did.
type SweepReport struct {
	Dispatched       int `json:"dispatched"`
	Expired          int `json:"expired"`
	Skipped          int `json:"skipped"`
	IntervalsExpired int `json:"intervals_expired"`
}

// Timer names per template.
func OnceName(id int64) string          { return "once:" + TemplateKey(id) }
func IntervalName(id int64) string      { return "interval:" + TemplateKey(id) }
func IntervalStartName(id int64) string { return "interval-start:" + TemplateKey(id) }
func IntervalEndName(id int64) string   { return "interval-end:" + TemplateKey(id) }

// TemplateKey is the engine overlap key shared by every trigger of a
// template, so a timer and the sweep cannot run the same template at once.
func TemplateKey(id int64) string { return "template:" + strconv.FormatInt(id, 10) }

const (
	sweepName   = "sweep"
	startupName = "sweep:startup"
)
