package app

import (
	"context"
	"time"

	rtsup "notifyd/internal/runtime/supervisor"
	"notifyd/internal/task/engine"
	"notifyd/internal/task/scheduler"
)

type healthEngine struct {
	Running          bool   `json:"running"`
	Workers          int    `json:"workers"`
	QueueLen         int    `json:"queue_len"`
	QueueCap         int    `json:"queue_cap"`
	InFlight         int    `json:"in_flight"`
	DroppedQueueFull uint64 `json:"dropped_queue_full"`
	SkippedOverlap   uint64 `json:"skipped_overlap"`
}

type healthReport struct {
	Status    string              `json:"status"`
	Uptime    string              `json:"uptime"`
	Provider  string              `json:"provider"`
	Brands    []string            `json:"brands"`
	Scheduler *scheduler.Snapshot `json:"scheduler,omitempty"`
	Engine    healthEngine        `json:"engine"`
	Loops     []rtsup.LoopStats   `json:"loops,omitempty"`
}

// health reports "degraded" when no provider is ready or the engine is down;
// the endpoint still answers 200 so health checkers can read the body.
func (a *App) health(context.Context) any {
	es := a.engine.Snapshot()
	rep := healthReport{
		Status:   "ok",
		Uptime:   a.clock.Since(a.started).Truncate(time.Second).String(),
		Provider: a.driver,
		Brands:   a.providers.Brands(),
		Engine:   engineHealth(es),
	}
	if a.schedEnabled.Load() {
		snap := a.timers.Snapshot()
		rep.Scheduler = &snap
	}
	if a.sup != nil {
		rep.Loops = a.sup.Snapshot()
	}
	if len(rep.Brands) == 0 || !es.Running {
		rep.Status = "degraded"
	}
	return rep
}

func engineHealth(s engine.Snapshot) healthEngine {
	return healthEngine{
		Running:          s.Running,
		Workers:          s.Workers,
		QueueLen:         s.QueueLen,
		QueueCap:         s.QueueCap,
		InFlight:         s.InFlight,
		DroppedQueueFull: s.DroppedQueueFull,
		SkippedOverlap:   s.SkippedOverlap,
	}
}
