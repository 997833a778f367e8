package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"

	"notifyd/internal/task/engine"
	logx "notifyd/pkg/logx"
)

type Config struct {
	// Location used for cron expressions. Nil means time.Local.
	Location *time.Location
}

// Enqueuer is the part of the task engine the scheduler needs.
type Enqueuer interface {
	Enqueue(t engine.Task) error
}

// Job is the work a schedule entry triggers.
type Job struct {
	// Key groups runs for the engine's skip-if-running policy. Defaults to
	// the entry name.
	Key     string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

type EntryKind string

const (
	KindOnce EntryKind = "once"
	KindCron EntryKind = "cron"
)

type entry struct {
	name  string
	kind  EntryKind
	spec  string
	sched cron.Schedule // nil for once
	job   Job

	next  time.Time
	prev  time.Time
	ver   uint64
	timer clockwork.Timer
}

// EntryInfo is the public view of one entry.
type EntryInfo struct {
	Name string    `json:"name"`
	Kind EntryKind `json:"kind"`
	Spec string    `json:"spec,omitempty"`
	Next time.Time `json:"next"`
	Prev time.Time `json:"prev,omitempty"`
}

type Snapshot struct {
	Running  bool        `json:"running"`
	Timezone string      `json:"timezone"`
	Entries  []EntryInfo `json:"entries"`
}

type Service struct {
	mu      sync.Mutex
	log     logx.Logger
	clock   clockwork.Clock
	loc     *time.Location
	engine  Enqueuer
	entries map[string]*entry
	running bool

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

type fireTimeKey struct{}

// FireTime returns the instant the entry was due when the job was triggered.
// Jobs use it to tell recurring occurrences apart.
func FireTime(ctx context.Context) (time.Time, bool) {
	t, ok := ctx.Value(fireTimeKey{}).(time.Time)
	return t, ok
}

// WithFireTime attaches a fire time to ctx, as the scheduler does when it
// triggers a job.
func WithFireTime(ctx context.Context, at time.Time) context.Context {
	return context.WithValue(ctx, fireTimeKey{}, at)
}
