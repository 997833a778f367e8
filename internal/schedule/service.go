// Package schedule turns pending templates into timers and runs the periodic
// sweep that catches anything a timer missed.
//
// A SCHEDULE template gets a one-shot timer when its instant is far enough
// ahead; otherwise the sweep picks it up. An INTERVAL template gets a start
// timer, an end timer and, while its window is open, a recurring entry.
// Every trigger goes through the engine under the template's overlap key and
// ends in a Runner call that claims the template, so a timer and the sweep
// firing together still deliver once.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"notifyd/internal/notification"
	"notifyd/internal/observability/metrics"
	"notifyd/internal/task/engine"
	"notifyd/internal/task/scheduler"
	logx "notifyd/pkg/logx"
)

type Service struct {
	mu      sync.RWMutex
	cfg     Config
	runner  Runner
	store   Store
	timers  Timers
	engine  Enqueuer
	clock   clockwork.Clock
	metrics *metrics.Metrics
	log     logx.Logger
}

func New(cfg Config, store Store, timers Timers, eng Enqueuer, clock clockwork.Clock, m *metrics.Metrics, log logx.Logger) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{
		cfg:     cfg.withDefaults(),
		store:   store,
		timers:  timers,
		engine:  eng,
		clock:   clock,
		metrics: m,
		log:     log.With(logx.String("comp", "schedule")),
	}
}

// Bind sets the runner. It must be called before Start.
func (s *Service) Bind(r Runner) {
	s.mu.Lock()
	s.runner = r
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func (s *Service) run() Runner {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runner
}

// Apply swaps tolerances. A new sweep cadence re-registers the sweep entry.
func (s *Service) Apply(cfg Config) error {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	s.mu.Unlock()
	if prev.SweepEvery != cfg.SweepEvery && s.timers.Has(sweepName) {
		return s.armSweep(cfg.SweepEvery)
	}
	return nil
}

// Start re-registers timers for every pending template, arms the periodic
// sweep and triggers one sweep right away for anything overdue.
func (s *Service) Start(ctx context.Context) error {
	if s.run() == nil {
		return errors.New("schedule: runner not bound")
	}
	n, err := s.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover pending templates: %w", err)
	}
	if err := s.armSweep(s.config().SweepEvery); err != nil {
		return err
	}
	if err := s.timers.AddOnce(startupName, s.clock.Now(), s.sweepJob()); err != nil {
		return err
	}
	s.log.Info("schedule started", logx.Int("recovered", n), logx.Duration("sweep_every", s.config().SweepEvery))
	return nil
}

func (s *Service) armSweep(every time.Duration) error {
	return s.timers.AddEvery(sweepName, every, s.sweepJob())
}

func (s *Service) sweepJob() scheduler.Job {
	return scheduler.Job{
		Key: sweepName,
		Run: func(ctx context.Context) error {
			_, err := s.Sweep(ctx)
			return err
		},
	}
}

// Recover registers timers for every pending template and returns how many
// it saw.
func (s *Service) Recover(ctx context.Context) (int, error) {
	pending, err := s.store.ListPending(ctx)
	if err != nil {
		return 0, err
	}
	for _, t := range pending {
		if err := s.Register(t); err != nil {
			s.log.Warn("timer registration failed", logx.Int64("template_id", t.ID), logx.Err(err))
		}
	}
	s.reportTimers()
	return len(pending), nil
}

// Register arms the timers t needs. It replaces earlier timers for the same
// template, so it is safe to call again after an update.
func (s *Service) Register(t *notification.Template) error {
	if t == nil || t.Published {
		return nil
	}
	var err error
	switch t.Mode {
	case notification.ModeSchedule:
		err = s.registerOnce(t)
	case notification.ModeInterval:
		err = s.registerInterval(t)
	}
	s.reportTimers()
	return err
}

// Unregister removes every timer of template id.
func (s *Service) Unregister(id int64) int {
	n := 0
	for _, name := range []string{OnceName(id), IntervalName(id), IntervalStartName(id), IntervalEndName(id)} {
		if s.timers.Remove(name) {
			n++
		}
	}
	s.reportTimers()
	return n
}

func (s *Service) registerOnce(t *notification.Template) error {
	if t.ScheduledAt == nil {
		return nil
	}
	id, at := t.ID, *t.ScheduledAt
	if at.Sub(s.clock.Now()) <= s.config().MinTimerLead {
		// The sweep covers short leads.
		s.timers.Remove(OnceName(id))
		return nil
	}
	return s.timers.AddOnce(OnceName(id), at, scheduler.Job{
		Key: TemplateKey(id),
		Run: func(ctx context.Context) error {
			return s.run().RunScheduled(ctx, id, "timer")
		},
	})
}

func (s *Service) registerInterval(t *notification.Template) error {
	iv := t.Interval
	if iv == nil {
		return nil
	}
	id := t.ID
	now := s.clock.Now()
	if now.After(iv.WindowEnd) {
		// Already over; the sweep expires it.
		return nil
	}
	if err := s.timers.AddOnce(IntervalEndName(id), iv.WindowEnd, scheduler.Job{
		Key: TemplateKey(id),
		Run: func(ctx context.Context) error {
			s.timers.Remove(IntervalName(id))
			defer s.reportTimers()
			return s.run().Expire(ctx, id, "window_end")
		},
	}); err != nil {
		return err
	}
	if t.Status == notification.StatusIntervalActive {
		return s.armRecurring(t)
	}
	start := iv.WindowStart
	if start.Before(now) {
		start = now
	}
	return s.timers.AddOnce(IntervalStartName(id), start, scheduler.Job{
		Key: TemplateKey(id),
		Run: func(ctx context.Context) error {
			active, err := s.run().ActivateInterval(ctx, id)
			if err != nil {
				return err
			}
			defer s.reportTimers()
			if err := s.armRecurring(active); err != nil {
				return err
			}
			// The cron entry arms strictly after now, so an occurrence on the
			// opening minute is run here.
			return s.occurrence(ctx, id, *active.Interval)
		},
	})
}

func (s *Service) armRecurring(t *notification.Template) error {
	if t == nil || t.Interval == nil {
		return nil
	}
	id, iv := t.ID, *t.Interval
	return s.timers.AddCron(IntervalName(id), iv.Expression, scheduler.Job{
		Key: TemplateKey(id),
		Run: func(ctx context.Context) error {
			return s.occurrence(ctx, id, iv)
		},
	})
}

// occurrence runs the slot of the minute the job fired in, if that slot is
// inside the window and matches the expression.
func (s *Service) occurrence(ctx context.Context, id int64, iv notification.Interval) error {
	sched, err := scheduler.ParseRecurrence(iv.Expression)
	if err != nil {
		return fmt.Errorf("%w: interval expression: %v", notification.ErrValidation, err)
	}
	at, ok := scheduler.FireTime(ctx)
	if !ok {
		at = s.clock.Now()
	}
	slot := at.In(s.timers.Location()).Truncate(time.Minute)
	if !iv.Contains(slot) || !scheduler.MatchesMinute(sched, slot) {
		s.log.Debug("interval occurrence outside window", logx.Int64("template_id", id), logx.Time("at", at))
		return nil
	}
	return s.run().RunInterval(ctx, id, slot)
}

// Sweep handles every SCHEDULE template due within the lookahead and every
// INTERVAL template whose window has closed. Due templates are enqueued, not
// dispatched inline.
func (s *Service) Sweep(ctx context.Context) (SweepReport, error) {
	cfg := s.config()
	now := s.clock.Now()
	var rep SweepReport

	due, err := s.store.ListDueScheduled(ctx, now.Add(cfg.Lookahead))
	if err != nil {
		return rep, fmt.Errorf("list due templates: %w", err)
	}
	for _, t := range due {
		if t.ScheduledAt == nil {
			continue
		}
		at := *t.ScheduledAt
		switch {
		case now.Sub(at) > cfg.LateTolerance:
			if err := s.run().Expire(ctx, t.ID, "sweep"); err != nil {
				s.log.Warn("expire failed", logx.Int64("template_id", t.ID), logx.Err(err))
				continue
			}
			s.timers.Remove(OnceName(t.ID))
			rep.Expired++
			s.metrics.Sweep("expired")
		case at.Sub(now) > cfg.EarlySkip:
			rep.Skipped++
			s.metrics.Sweep("skipped")
		default:
			if s.enqueueDispatch(t.ID) {
				rep.Dispatched++
				s.metrics.Sweep("dispatched")
			}
		}
	}

	closed, err := s.store.ListExpiredIntervals(ctx, now)
	if err != nil {
		return rep, fmt.Errorf("list expired intervals: %w", err)
	}
	for _, t := range closed {
		if err := s.run().Expire(ctx, t.ID, "sweep"); err != nil {
			s.log.Warn("interval expire failed", logx.Int64("template_id", t.ID), logx.Err(err))
			continue
		}
		s.Unregister(t.ID)
		rep.IntervalsExpired++
		s.metrics.Sweep("interval_expired")
	}

	if rep != (SweepReport{}) {
		s.log.Info("sweep done",
			logx.Int("dispatched", rep.Dispatched),
			logx.Int("expired", rep.Expired),
			logx.Int("skipped", rep.Skipped),
			logx.Int("intervals_expired", rep.IntervalsExpired),
		)
	}
	return rep, nil
}

func (s *Service) enqueueDispatch(id int64) bool {
	err := s.engine.Enqueue(engine.Task{
		Name:    "dispatch:" + TemplateKey(id),
		Key:     TemplateKey(id),
		Overlap: engine.OverlapSkipIfRunning,
		Run: func(ctx context.Context) error {
			return s.run().RunScheduled(ctx, id, "sweep")
		},
	})
	if err == nil {
		return true
	}
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("dispatch already running", logx.Int64("template_id", id))
	} else {
		s.log.Warn("dispatch enqueue failed", logx.Int64("template_id", id), logx.Err(err))
	}
	return false
}

func (s *Service) reportTimers() {
	if s.metrics == nil {
		return
	}
	n := 0
	for _, e := range s.timers.Snapshot().Entries {
		if e.Name != sweepName && e.Name != startupName {
			n++
		}
	}
	s.metrics.SetTimers(n)
}
