package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"

	"notifyd/internal/task/engine"
	logx "notifyd/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

func New(cfg Config, clock clockwork.Clock, eng Enqueuer, log logx.Logger) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	return &Service{
		log:         log,
		clock:       clock,
		loc:         loc,
		engine:      eng,
		entries:     map[string]*entry{},
		lastEnqWarn: map[string]time.Time{},
	}
}

// newParser accepts both 5-field and 6-field (with seconds) cron specs.
func newParser() cron.Parser {
	return cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

// SetLocation changes the zone used for cron expressions and re-arms the
// recurring entries.
func (s *Service) SetLocation(loc *time.Location) {
	if loc == nil {
		loc = time.Local
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loc.String() == loc.String() {
		return
	}
	s.loc = loc
	now := s.clock.Now()
	for _, e := range s.entries {
		if e.kind == KindCron {
			e.next = e.sched.Next(now.In(loc))
			s.armLocked(e)
		}
	}
}

// Start arms timers for every registered entry. One-shot entries whose time
// passed while stopped fire immediately.
func (s *Service) Start(context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	for _, e := range s.entries {
		s.armLocked(e)
	}
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("entries", len(s.entries)))
}

// Stop disarms all timers. Definitions are kept for the next Start.
func (s *Service) Stop(context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	for _, e := range s.entries {
		e.ver++
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
	}
	s.log.Info("scheduler stopped", logx.Int("entries", len(s.entries)))
}

// AddOnce registers (or replaces) a one-shot entry that fires at at.
func (s *Service) AddOnce(name string, at time.Time, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if at.IsZero() {
		return errors.New("at required")
	}
	if job.Run == nil {
		return errors.New("job required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.upsertLocked(name)
	e.kind, e.spec, e.sched, e.job = KindOnce, "", nil, job
	e.next = at
	s.armLocked(e)
	s.log.Debug("once registered", logx.String("name", name), logx.Time("at", at))
	return nil
}

// AddCron registers (or replaces) a recurring entry. spec accepts everything
// ParseSchedule does: cron expressions, descriptors, "@every 5m", "5m", "00:30".
func (s *Service) AddCron(name, spec string, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if job.Run == nil {
		return errors.New("job required")
	}
	sched, err := ParseRecurrence(spec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.upsertLocked(name)
	e.kind, e.spec, e.sched, e.job = KindCron, strings.TrimSpace(spec), sched, job
	e.next = sched.Next(s.clock.Now().In(s.loc))
	if e.next.IsZero() {
		delete(s.entries, name)
		return fmt.Errorf("schedule %q never fires", spec)
	}
	s.armLocked(e)
	s.log.Debug("schedule registered", logx.String("name", name), logx.String("spec", e.spec), logx.Time("next", e.next))
	return nil
}

// AddEvery is AddCron with a fixed interval.
func (s *Service) AddEvery(name string, every time.Duration, job Job) error {
	if every <= 0 {
		return errors.New("interval must be > 0")
	}
	return s.AddCron(name, "@every "+every.String(), job)
}

// Remove deregisters name. It reports whether something was registered.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[strings.TrimSpace(name)]
	if !ok {
		return false
	}
	e.ver++
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(s.entries, e.name)
	s.log.Debug("schedule removed", logx.String("name", e.name))
	return true
}

// RemovePrefix deregisters every entry whose name starts with prefix and
// returns how many were removed.
func (s *Service) RemovePrefix(prefix string) int {
	s.mu.Lock()
	var names []string
	for name := range s.entries {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	s.mu.Unlock()
	n := 0
	for _, name := range names {
		if s.Remove(name) {
			n++
		}
	}
	return n
}

func (s *Service) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[name]
	return ok
}

// Next returns the next fire time of name.
func (s *Service) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return time.Time{}, false
	}
	return e.next, true
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{Running: s.running, Timezone: s.loc.String()}
	for _, e := range s.entries {
		snap.Entries = append(snap.Entries, EntryInfo{Name: e.name, Kind: e.kind, Spec: e.spec, Next: e.next, Prev: e.prev})
	}
	s.mu.Unlock()
	sort.Slice(snap.Entries, func(i, j int) bool {
		if !snap.Entries[i].Next.Equal(snap.Entries[j].Next) {
			return snap.Entries[i].Next.Before(snap.Entries[j].Next)
		}
		return snap.Entries[i].Name < snap.Entries[j].Name
	})
	return snap
}

func (s *Service) upsertLocked(name string) *entry {
	e, ok := s.entries[name]
	if !ok {
		e = &entry{name: name}
		s.entries[name] = e
	}
	// bump version so a callback from the replaced timer is ignored
	e.ver++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	return e
}

// armLocked (re)creates the timer for e. No-op while stopped.
func (s *Service) armLocked(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	if !s.running {
		return
	}
	e.ver++
	ver, at, name := e.ver, e.next, e.name
	delay := at.Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}
	// fire runs on its own goroutine so it can take s.mu and re-arm timers.
	e.timer = s.clock.AfterFunc(delay, func() { go s.fire(name, ver, at) })
}

func (s *Service) fire(name string, ver uint64, at time.Time) {
	s.mu.Lock()
	e, ok := s.entries[name]
	if !ok || e.ver != ver || !s.running {
		s.mu.Unlock()
		return
	}
	job := e.job
	e.prev = at
	if e.kind == KindOnce {
		delete(s.entries, name)
	} else {
		// Skip occurrences that are already in the past (e.g. after a pause).
		now := s.clock.Now().In(s.loc)
		next := e.sched.Next(at.In(s.loc))
		if next.Before(now) {
			next = e.sched.Next(now)
		}
		e.next = next
		s.armLocked(e)
	}
	s.mu.Unlock()

	key := job.Key
	if key == "" {
		key = name
	}
	run := job.Run
	err := s.engine.Enqueue(engine.Task{
		Name:    name,
		Key:     key,
		Timeout: job.Timeout,
		Overlap: engine.OverlapSkipIfRunning,
		Run: func(ctx context.Context) error {
			return run(WithFireTime(ctx, at))
		},
	})
	if err != nil {
		s.reportEnqueueError(name, err)
	}
}

func (s *Service) reportEnqueueError(name string, err error) {
	// Overlap skips happen during normal operation.
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("schedule trigger skipped", logx.String("schedule", name), logx.Err(err))
		return
	}
	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[name]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[name] = now
	s.enqMu.Unlock()
	s.log.Warn("schedule failed to enqueue task", logx.String("schedule", name), logx.Err(err))
}
