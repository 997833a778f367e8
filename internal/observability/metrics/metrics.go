// Package metrics holds the Prometheus instruments for notifyd. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Deliveries      *prometheus.CounterVec
	Batches         *prometheus.CounterVec
	BatchDuration   *prometheus.HistogramVec
	Claims          *prometheus.CounterVec
	SweepActions    *prometheus.CounterVec
	FlashRejections *prometheus.CounterVec
	TimersArmed     prometheus.Gauge
}

// New registers the instruments with reg. A nil reg uses a private registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "notifyd_deliveries_total",
			Help: "Per-recipient send attempts by platform and outcome.",
		}, []string{"platform", "outcome"}),
		Batches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "notifyd_batches_total",
			Help: "Dispatch batches by mode and outcome.",
		}, []string{"mode", "outcome"}),
		BatchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "notifyd_batch_duration_seconds",
			Help:    "Wall time of dispatch batches.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"mode"}),
		Claims: f.NewCounterVec(prometheus.CounterOpts{
			Name: "notifyd_claims_total",
			Help: "Template claim attempts by source and result.",
		}, []string{"source", "result"}),
		SweepActions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "notifyd_sweep_actions_total",
			Help: "Sweep decisions per template (dispatch, expire, skip).",
		}, []string{"action"}),
		FlashRejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "notifyd_flash_rejections_total",
			Help: "Flash requests rejected by quota rule.",
		}, []string{"rule"}),
		TimersArmed: f.NewGauge(prometheus.GaugeOpts{
			Name: "notifyd_timers_armed",
			Help: "Pending one-shot and recurring scheduler entries.",
		}),
	}
}

func (m *Metrics) Delivery(platform, outcome string) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(platform, outcome).Inc()
}

func (m *Metrics) Batch(mode, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.Batches.WithLabelValues(mode, outcome).Inc()
	m.BatchDuration.WithLabelValues(mode).Observe(seconds)
}

func (m *Metrics) Claim(source string, won bool) {
	if m == nil {
		return
	}
	result := "lost"
	if won {
		result = "won"
	}
	m.Claims.WithLabelValues(source, result).Inc()
}

func (m *Metrics) Sweep(action string) {
	if m == nil {
		return
	}
	m.SweepActions.WithLabelValues(action).Inc()
}

func (m *Metrics) FlashRejected(rule string) {
	if m == nil {
		return
	}
	m.FlashRejections.WithLabelValues(rule).Inc()
}

func (m *Metrics) SetTimers(n int) {
	if m == nil {
		return
	}
	m.TimersArmed.Set(float64(n))
}
