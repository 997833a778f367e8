// Package supervisor runs the long-lived loops of notifyd under one
// cancellable context.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	logx "notifyd/pkg/logx"
)

// stableRun resets the restart backoff when a loop stayed up this long.
const stableRun = 30 * time.Second

// Supervisor owns a set of named loops. Each loop gets the shared context,
// panics are recovered and the first fatal error is kept for Err.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	clock       clockwork.Clock
	cancelOnErr bool

	wg   sync.WaitGroup
	done chan struct{}
	once sync.Once

	mu    sync.Mutex
	err   error
	stats map[string]*LoopStats
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithClock drives restart backoff and loop timestamps.
func WithClock(c clockwork.Clock) Option {
	return func(s *Supervisor) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithCancelOnError cancels every loop when one of them fails for good.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

// LoopStats is a best-effort view of one named loop, reported by /healthz.
type LoopStats struct {
	Name        string    `json:"name"`
	Running     bool      `json:"running"`
	Restarts    uint64    `json:"restarts"`
	Panics      uint64    `json:"panics"`
	LastStartAt time.Time `json:"last_start_at"`
	LastErr     string    `json:"last_err,omitempty"`
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		clock:  clockwork.NewRealClock(),
		done:   make(chan struct{}),
		stats:  map[string]*LoopStats{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Err returns the first loop failure, if any.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Supervisor) fail(name string, err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = fmt.Errorf("%s: %w", name, err)
	}
	s.mu.Unlock()
	if s.cancelOnErr {
		s.cancel()
	}
}

// Snapshot returns per-loop stats sorted by name.
func (s *Supervisor) Snapshot() []LoopStats {
	s.mu.Lock()
	out := make([]LoopStats, 0, len(s.stats))
	for _, st := range s.stats {
		out = append(out, *st)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Supervisor) update(name string, fn func(st *LoopStats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stats[name]
	if !ok {
		st = &LoopStats{Name: name}
		s.stats[name] = st
	}
	fn(st)
}

// call runs fn once with panic recovery and keeps the loop stats current.
func (s *Supervisor) call(name string, fn func(ctx context.Context) error) (err error) {
	s.update(name, func(st *LoopStats) {
		st.Running = true
		st.LastStartAt = s.clock.Now()
	})
	defer func() {
		r := recover()
		if r != nil {
			s.log.Error("loop panicked", logx.String("loop", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
		s.update(name, func(st *LoopStats) {
			st.Running = false
			if r != nil {
				st.Panics++
			}
			if err != nil {
				st.LastErr = err.Error()
			}
		})
	}()
	return fn(s.ctx)
}

// fatal reports whether err should end the loop as a failure. Cancellation
// and anything returned after shutdown began are not failures.
func (s *Supervisor) fatal(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled) && s.ctx.Err() == nil
}

// Go runs fn once. A failure or panic becomes the supervisor error.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.log.Debug("loop started", logx.String("loop", name))
		if err := s.call(name, fn); s.fatal(err) {
			s.fail(name, err)
		}
		s.log.Debug("loop stopped", logx.String("loop", name))
	}()
}

type restartCfg struct {
	min, max    time.Duration
	maxRestarts int // <=0 means unlimited
}

// RestartOption configures GoRestart.
type RestartOption func(*restartCfg)

// WithRestartBackoff sets the exponential backoff window between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(c *restartCfg) {
		if min > 0 {
			c.min = min
		}
		if max > 0 {
			c.max = max
		}
	}
}

// WithMaxRestarts gives up after n failed runs. The first run is not counted.
func WithMaxRestarts(n int) RestartOption { return func(c *restartCfg) { c.maxRestarts = n } }

// delay returns the wait before restart n (1-based) with up to 20% jitter.
func (c restartCfg) delay(n int) time.Duration {
	d := c.min
	for i := 1; i < n && d < c.max; i++ {
		d *= 2
	}
	d = min(d, c.max)
	if j := int64(d) / 5; j > 0 {
		d += time.Duration(rand.Int64N(j + 1))
	}
	return d
}

// GoRestart runs fn and restarts it after an error or panic until the
// context is cancelled. A nil return ends the loop.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartCfg{min: 250 * time.Millisecond, max: 30 * time.Second}
	for _, o := range opts {
		o(&cfg)
	}
	cfg.max = max(cfg.max, cfg.min)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		restarts, streak := 0, 0
		for {
			began := s.clock.Now()
			err := s.call(name, fn)
			if !s.fatal(err) {
				return
			}
			restarts++
			if s.clock.Since(began) >= stableRun {
				streak = 0
			}
			streak++
			if cfg.maxRestarts > 0 && restarts > cfg.maxRestarts {
				s.log.Error("loop gave up", logx.String("loop", name), logx.Int("restarts", restarts), logx.Err(err))
				s.fail(name, err)
				return
			}
			s.update(name, func(st *LoopStats) { st.Restarts++ })

			wait := cfg.delay(streak)
			s.log.Warn("loop restarting", logx.String("loop", name), logx.Duration("backoff", wait), logx.Err(err))
			t := s.clock.NewTimer(wait)
			select {
			case <-s.ctx.Done():
				t.Stop()
				return
			case <-t.Chan():
			}
		}
	}()
}

// Stop cancels all loops and waits for them, bounded by ctx.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every loop returned or ctx ends.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.once.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return s.Err()
	}
}
