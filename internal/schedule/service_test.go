package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifyd/internal/notification"
	"notifyd/internal/task/engine"
	"notifyd/internal/task/scheduler"
	logx "notifyd/pkg/logx"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakeClock interface {
	clockwork.Clock
	Advance(d time.Duration)
}

type inlineEngine struct{}

func (inlineEngine) Enqueue(t engine.Task) error { return t.Run(context.Background()) }

type memStore struct {
	mu        sync.Mutex
	templates []*notification.Template
}

func (m *memStore) ListPending(context.Context) ([]*notification.Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*notification.Template
	for _, t := range m.templates {
		if !t.Published {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memStore) ListDueScheduled(_ context.Context, until time.Time) ([]*notification.Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*notification.Template
	for _, t := range m.templates {
		if !t.Published && t.Mode == notification.ModeSchedule && t.ScheduledAt != nil && !t.ScheduledAt.After(until) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memStore) ListExpiredIntervals(_ context.Context, now time.Time) ([]*notification.Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*notification.Template
	for _, t := range m.templates {
		if !t.Published && t.Mode == notification.ModeInterval && t.Interval != nil && t.Interval.WindowEnd.Before(now) {
			out = append(out, t)
		}
	}
	return out, nil
}

type call struct {
	op     string
	id     int64
	source string
	slot   time.Time
}

type recRunner struct {
	mu    sync.Mutex
	calls []call
	store *memStore
}

func (r *recRunner) add(c call) {
	r.mu.Lock()
	r.calls = append(r.calls, c)
	r.mu.Unlock()
}

func (r *recRunner) ops(op string) []call {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []call
	for _, c := range r.calls {
		if c.op == op {
			out = append(out, c)
		}
	}
	return out
}

func (r *recRunner) RunScheduled(_ context.Context, id int64, source string) error {
	r.add(call{op: "run", id: id, source: source})
	return nil
}

func (r *recRunner) Expire(_ context.Context, id int64, source string) error {
	r.add(call{op: "expire", id: id, source: source})
	return nil
}

func (r *recRunner) ActivateInterval(_ context.Context, id int64) (*notification.Template, error) {
	r.add(call{op: "activate", id: id})
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, t := range r.store.templates {
		if t.ID == id {
			t.Status = notification.StatusIntervalActive
			return t.Clone(), nil
		}
	}
	return nil, notification.ErrNotFound
}

func (r *recRunner) RunInterval(_ context.Context, id int64, slot time.Time) error {
	r.add(call{op: "occurrence", id: id, slot: slot})
	return nil
}

type harness struct {
	svc    *Service
	timers *scheduler.Service
	store  *memStore
	runner *recRunner
	clock  fakeClock
}

func newHarness(t *testing.T, templates ...*notification.Template) *harness {
	t.Helper()
	clock := clockwork.NewFakeClockAt(t0)
	timers := scheduler.New(scheduler.Config{Location: time.UTC}, clock, inlineEngine{}, logx.Nop())
	timers.Start(context.Background())
	t.Cleanup(func() { timers.Stop(context.Background()) })

	store := &memStore{templates: templates}
	runner := &recRunner{store: store}
	svc := New(Config{}, store, timers, inlineEngine{}, clock, nil, logx.Nop())
	svc.Bind(runner)
	return &harness{svc: svc, timers: timers, store: store, runner: runner, clock: clock}
}

func scheduled(id int64, at time.Time) *notification.Template {
	return &notification.Template{
		ID:          id,
		Kind:        notification.KindOrdinary,
		Mode:        notification.ModeSchedule,
		Status:      notification.StatusScheduled,
		ScheduledAt: &at,
	}
}

func interval(id int64, expr string, start, end time.Time) *notification.Template {
	return &notification.Template{
		ID:       id,
		Kind:     notification.KindOrdinary,
		Mode:     notification.ModeInterval,
		Status:   notification.StatusDraft,
		Interval: &notification.Interval{Expression: expr, WindowStart: start, WindowEnd: end},
	}
}

func ids(calls []call) []int64 {
	out := make([]int64, 0, len(calls))
	for _, c := range calls {
		out = append(out, c.id)
	}
	return out
}

func TestSweepLateAndEarlyBoundaries(t *testing.T) {
	h := newHarness(t,
		scheduled(1, t0.Add(-15*time.Minute)),
		scheduled(2, t0.Add(-15*time.Minute-time.Second)),
		scheduled(3, t0.Add(30*time.Second)),
		scheduled(4, t0.Add(31*time.Second)),
		scheduled(5, t0.Add(5*time.Minute)),
	)

	rep, err := h.svc.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, SweepReport{Dispatched: 2, Expired: 1, Skipped: 1}, rep)
	assert.ElementsMatch(t, []int64{1, 3}, ids(h.runner.ops("run")))
	assert.Equal(t, []int64{2}, ids(h.runner.ops("expire")))
	for _, c := range h.runner.ops("run") {
		assert.Equal(t, "sweep", c.source)
	}
}

func TestSweepExpiresClosedIntervals(t *testing.T) {
	h := newHarness(t,
		interval(7, "*/5 * * * *", t0.Add(-2*time.Hour), t0.Add(-time.Minute)),
		interval(8, "*/5 * * * *", t0.Add(-2*time.Hour), t0.Add(time.Hour)),
	)

	rep, err := h.svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.IntervalsExpired)
	assert.Equal(t, []int64{7}, ids(h.runner.ops("expire")))
}

func TestRegisterScheduleRespectsMinimumLead(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.svc.Register(scheduled(1, t0.Add(2*time.Minute))))
	assert.False(t, h.timers.Has(OnceName(1)), "short lead is left to the sweep")

	require.NoError(t, h.svc.Register(scheduled(2, t0.Add(3*time.Minute))))
	assert.True(t, h.timers.Has(OnceName(2)))
}

func TestOnceTimerRunsTemplate(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.svc.Register(scheduled(9, t0.Add(3*time.Minute))))

	h.clock.Advance(3 * time.Minute)
	require.Eventually(t, func() bool { return len(h.runner.ops("run")) == 1 }, time.Second, 5*time.Millisecond)
	c := h.runner.ops("run")[0]
	assert.Equal(t, int64(9), c.id)
	assert.Equal(t, "timer", c.source)
}

func TestRegisterPublishedIsNoop(t *testing.T) {
	h := newHarness(t)
	tpl := scheduled(1, t0.Add(time.Hour))
	tpl.Published = true
	tpl.Status = notification.StatusPublished
	require.NoError(t, h.svc.Register(tpl))
	assert.False(t, h.timers.Has(OnceName(1)))
}

func TestUnregisterRemovesAllTimers(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.svc.Register(interval(4, "*/5 * * * *", t0.Add(time.Hour), t0.Add(2*time.Hour))))
	assert.True(t, h.timers.Has(IntervalStartName(4)))
	assert.True(t, h.timers.Has(IntervalEndName(4)))

	assert.Equal(t, 2, h.svc.Unregister(4))
	assert.False(t, h.timers.Has(IntervalStartName(4)))
	assert.False(t, h.timers.Has(IntervalEndName(4)))
}

func TestIntervalWindowLifecycle(t *testing.T) {
	tpl := interval(5, "*/2 * * * *", t0.Add(time.Minute), t0.Add(5*time.Minute))
	h := newHarness(t, tpl)
	require.NoError(t, h.svc.Register(tpl))
	assert.False(t, h.timers.Has(IntervalName(5)))

	h.clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return h.timers.Has(IntervalName(5)) }, time.Second, 5*time.Millisecond)
	assert.Len(t, h.runner.ops("activate"), 1)

	h.clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return len(h.runner.ops("occurrence")) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, t0.Add(2*time.Minute), h.runner.ops("occurrence")[0].slot)

	h.clock.Advance(2 * time.Minute)
	require.Eventually(t, func() bool { return len(h.runner.ops("occurrence")) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, t0.Add(4*time.Minute), h.runner.ops("occurrence")[1].slot)

	h.clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return len(h.runner.ops("expire")) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "window_end", h.runner.ops("expire")[0].source)
	require.Eventually(t, func() bool { return !h.timers.Has(IntervalName(5)) }, time.Second, 5*time.Millisecond)
}

func TestActiveIntervalArmsRecurringDirectly(t *testing.T) {
	tpl := interval(6, "*/5 * * * *", t0.Add(-time.Hour), t0.Add(time.Hour))
	tpl.Status = notification.StatusIntervalActive
	h := newHarness(t, tpl)

	require.NoError(t, h.svc.Register(tpl))
	assert.True(t, h.timers.Has(IntervalName(6)))
	assert.False(t, h.timers.Has(IntervalStartName(6)))
	assert.True(t, h.timers.Has(IntervalEndName(6)))
}

func TestOccurrenceOutsideWindowIsIgnored(t *testing.T) {
	h := newHarness(t)
	iv := notification.Interval{Expression: "*/5 * * * *", WindowStart: t0, WindowEnd: t0.Add(time.Hour)}

	ctx := scheduler.WithFireTime(context.Background(), t0.Add(2*time.Hour))
	require.NoError(t, h.svc.occurrence(ctx, 1, iv))
	ctx = scheduler.WithFireTime(context.Background(), t0.Add(7*time.Minute))
	require.NoError(t, h.svc.occurrence(ctx, 1, iv))
	assert.Empty(t, h.runner.ops("occurrence"))

	ctx = scheduler.WithFireTime(context.Background(), t0.Add(10*time.Minute+3*time.Second))
	require.NoError(t, h.svc.occurrence(ctx, 1, iv))
	require.Len(t, h.runner.ops("occurrence"), 1)
	assert.Equal(t, t0.Add(10*time.Minute), h.runner.ops("occurrence")[0].slot)
}

func TestIntervalOccurrenceOnWindowStart(t *testing.T) {
	start := t0.Add(time.Hour)
	tpl := interval(8, "0 * * * *", start, start.Add(30*time.Minute))
	h := newHarness(t, tpl)
	require.NoError(t, h.svc.Register(tpl))

	h.clock.Advance(time.Hour)
	require.Eventually(t, func() bool { return len(h.runner.ops("occurrence")) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, start, h.runner.ops("occurrence")[0].slot)
	assert.Len(t, h.runner.ops("activate"), 1)
	assert.True(t, h.timers.Has(IntervalName(8)))
}

func TestIntervalStartMidMinuteWaitsForNextSlot(t *testing.T) {
	start := t0.Add(30 * time.Second)
	tpl := interval(9, "* * * * *", start, t0.Add(10*time.Minute))
	h := newHarness(t, tpl)
	require.NoError(t, h.svc.Register(tpl))

	h.clock.Advance(30 * time.Second)
	require.Eventually(t, func() bool { return h.timers.Has(IntervalName(9)) }, time.Second, 5*time.Millisecond)
	assert.Empty(t, h.runner.ops("occurrence"), "the 09:00 slot precedes the window")

	h.clock.Advance(30 * time.Second)
	require.Eventually(t, func() bool { return len(h.runner.ops("occurrence")) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, t0.Add(time.Minute), h.runner.ops("occurrence")[0].slot)
}

func TestRecoverRegistersPending(t *testing.T) {
	h := newHarness(t,
		scheduled(1, t0.Add(10*time.Minute)),
		interval(2, "*/5 * * * *", t0.Add(time.Hour), t0.Add(2*time.Hour)),
	)
	n, err := h.svc.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, h.timers.Has(OnceName(1)))
	assert.True(t, h.timers.Has(IntervalStartName(2)))
}

func TestStartRequiresRunner(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	timers := scheduler.New(scheduler.Config{Location: time.UTC}, clock, inlineEngine{}, logx.Nop())
	svc := New(Config{}, &memStore{}, timers, inlineEngine{}, clock, nil, logx.Nop())
	require.Error(t, svc.Start(context.Background()))
}

func TestApplyReplacesSweepCadence(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.svc.armSweep(time.Minute))
	require.NoError(t, h.svc.Apply(Config{SweepEvery: 5 * time.Minute}))

	next, ok := h.timers.Next(sweepName)
	require.True(t, ok)
	assert.Equal(t, t0.Add(5*time.Minute), next)
	assert.Equal(t, 5*time.Minute, h.svc.config().SweepEvery)
}
