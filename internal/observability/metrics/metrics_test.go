package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Delivery("ios", "success")
	m.Batch("individual", "ok", 1)
	m.Claim("sweep", true)
	m.Sweep("expire")
	m.FlashRejected("show_per_day")
	m.SetTimers(3)
}

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Delivery("ios", "success")
	m.Delivery("ios", "success")
	m.Delivery("android", "failed")
	m.Claim("timer", true)
	m.Claim("timer", false)
	m.SetTimers(4)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Deliveries.WithLabelValues("ios", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Deliveries.WithLabelValues("android", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Claims.WithLabelValues("timer", "lost")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.TimersArmed))

	n, err := testutil.GatherAndCount(reg, "notifyd_deliveries_total")
	assert.NoError(t, err)
	assert.Equal(t, 2, n)
}
