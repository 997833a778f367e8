package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"notifyd/internal/eventbus"
	rtsup "notifyd/internal/runtime/supervisor"
	logx "notifyd/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Service runs tasks on a fixed pool of workers fed by a bounded queue.
type Service struct {
	mu       sync.Mutex
	cfg      Config
	log      logx.Logger
	bus      eventbus.Bus
	q        chan queuedTask
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	draining bool

	busyMu sync.Mutex
	busy   map[string]struct{}

	hmu     sync.Mutex
	history []HistoryItem

	idSeq            atomic.Uint64
	inFlight         atomic.Int32
	droppedQueueFull atomic.Uint64
	skippedOverlap   atomic.Uint64
	lastFullWarnAt   atomic.Int64
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
	timeout    time.Duration
	// guard is the overlap key held by this task, empty when unguarded.
	guard string
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	return &Service{
		cfg:    cfg.withDefaults(),
		log:    log,
		bus:    bus,
		busy:   make(map[string]struct{}),
	}
}

// Start launches the workers. Tasks run under a context that is detached from
// ctx; Stop decides when in-flight work gets cancelled.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	cfg := s.cfg
	s.q = make(chan queuedTask, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.draining = false
	s.sup = rtsup.New(context.WithoutCancel(ctx), rtsup.WithLogger(s.log))

	queue, stopCh := s.q, s.stopCh
	for i := 0; i < cfg.Workers; i++ {
		s.sup.Go(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.worker(c, stopCh, queue)
			return nil
		})
	}
	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop stops accepting tasks and lets workers finish the task they are
// running. Work still queued is discarded. If ctx ends first, in-flight tasks
// are cancelled.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil || s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	close(s.stopCh)
	sup := s.sup
	queue := s.q
	s.mu.Unlock()

	err := sup.Wait(ctx)
	if err != nil && errors.Is(err, ctx.Err()) {
		s.log.Warn("task engine stop timed out; cancelling in-flight tasks", logx.Err(err))
	}
	_ = sup.Stop(context.Background())

drain:
	for {
		select {
		case qt := <-queue:
			s.release(qt.guard)
		default:
			break drain
		}
	}

	s.mu.Lock()
	s.q, s.stopCh, s.sup, s.draining = nil, nil, nil, false
	s.mu.Unlock()
	s.log.Info("task engine stopped")
}

// Enqueue adds t without blocking.
func (s *Service) Enqueue(t Task) error {
	if t.Run == nil {
		return errors.New("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return errors.New("task Name is required")
	}
	now := time.Now()
	if t.ID == "" {
		t.ID = fmt.Sprintf("tsk-%x-%x", now.UnixNano(), s.idSeq.Add(1))
	}

	s.mu.Lock()
	q, cfg, stopping := s.q, s.cfg, s.draining
	s.mu.Unlock()
	if q == nil || stopping {
		return ErrStopped
	}

	var guard string
	if t.Overlap == OverlapSkipIfRunning {
		guard = t.key()
		if !s.acquire(guard) {
			s.skippedOverlap.Add(1)
			s.publish(TaskEventFor(t, "skipped", 0, ErrOverlapSkip))
			s.log.Debug("task skipped due to overlap", logx.String("task", t.Name))
			return ErrOverlapSkip
		}
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	select {
	case q <- queuedTask{task: t, enqueuedAt: now, timeout: timeout, guard: guard}:
		return nil
	default:
		s.release(guard)
		s.droppedQueueFull.Add(1)
		if s.shouldWarn(now) {
			s.log.Warn("task dropped: queue full", logx.String("task", t.Name), logx.Int("queue_cap", cap(q)))
		}
		return ErrQueueFull
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, q := s.cfg, s.q
	s.mu.Unlock()

	snap := Snapshot{
		Running:          q != nil,
		Workers:          cfg.Workers,
		InFlight:         int(s.inFlight.Load()),
		DroppedQueueFull: s.droppedQueueFull.Load(),
		SkippedOverlap:   s.skippedOverlap.Load(),
	}
	if q != nil {
		snap.QueueLen, snap.QueueCap = len(q), cap(q)
	}
	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

// acquire marks key busy. It reports false when the key is already held.
func (s *Service) acquire(key string) bool {
	s.busyMu.Lock()
	defer s.busyMu.Unlock()
	if _, held := s.busy[key]; held {
		return false
	}
	s.busy[key] = struct{}{}
	return true
}

func (s *Service) release(key string) {
	if key == "" {
		return
	}
	s.busyMu.Lock()
	delete(s.busy, key)
	s.busyMu.Unlock()
}

func (s *Service) shouldWarn(now time.Time) bool {
	prev := s.lastFullWarnAt.Load()
	n := now.UnixNano()
	if prev != 0 && n-prev < int64(warnThrottleEvery) {
		return false
	}
	return s.lastFullWarnAt.CompareAndSwap(prev, n)
}

func (s *Service) publish(ev eventbus.TaskEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeTask, Data: ev})
}

// TaskEventFor builds the bus payload for a task state change.
func TaskEventFor(t Task, state string, dur time.Duration, err error) eventbus.TaskEvent {
	ev := eventbus.TaskEvent{ID: t.ID, Name: t.Name, State: state, Duration: dur}
	if err != nil {
		ev.Err = err.Error()
	}
	return ev
}

func (s *Service) record(item HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if n := s.cfg.HistorySize; len(s.history) > n {
		s.history = s.history[len(s.history)-n:]
	}
	s.hmu.Unlock()
}
