package engine

import (
	"context"
	"errors"
	"time"
)

var (
	ErrStopped     = errors.New("task engine stopped")
	ErrQueueFull   = errors.New("task engine queue full")
	ErrOverlapSkip = errors.New("task skipped: same key already queued or running")
)

// Config controls the worker pool. The app maps config.task_engine into it.
type Config struct {
	Workers   int
	QueueSize int

	// DefaultTimeout is used when Task.Timeout is 0. 0 disables it.
	DefaultTimeout time.Duration

	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

type OverlapPolicy int

const (
	// OverlapSkipIfRunning rejects a task while another one with the same key
	// is queued or running.
	OverlapSkipIfRunning OverlapPolicy = iota
	OverlapAllow
)

// Task is a unit of work executed by the engine.
type Task struct {
	ID   string
	Name string
	// Key groups tasks for the overlap policy. Defaults to Name.
	Key     string
	Timeout time.Duration
	Overlap OverlapPolicy
	Run     func(ctx context.Context) error
}

func (t Task) key() string {
	if t.Key != "" {
		return t.Key
	}
	return t.Name
}

type HistoryItem struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view for /healthz.
type Snapshot struct {
	Running          bool          `json:"running"`
	Workers          int           `json:"workers"`
	QueueLen         int           `json:"queue_len"`
	QueueCap         int           `json:"queue_cap"`
	InFlight         int           `json:"in_flight"`
	DroppedQueueFull uint64        `json:"dropped_queue_full"`
	SkippedOverlap   uint64        `json:"skipped_overlap"`
	History          []HistoryItem `json:"history,omitempty"`
}
