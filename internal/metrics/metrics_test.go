package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_CountsRelaysByStatus(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveRelay("ok")
	m.ObserveRelay("ok")
	m.ObserveRelay("transport_error")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.relays.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.relays.WithLabelValues("transport_error")))
}

func TestMetrics_RecordsUpstreamDuration(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveUpstream("gemini", "ok", 250*time.Millisecond)

	count, err := testutil.GatherAndCount(reg, "chatrelay_upstream_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveRelay("ok")
		m.ObserveUpstream("gemini", "ok", time.Second)
	})
}
