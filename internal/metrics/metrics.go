package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the relay collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	relays           *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		relays: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatrelay_relay_total",
				Help: "Relay cycles by outcome status",
			},
			[]string{"status"},
		),
		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chatrelay_upstream_duration_seconds",
				Help:    "Duration of upstream generation calls",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
			},
			[]string{"provider", "outcome"},
		),
	}
	reg.MustRegister(m.relays, m.upstreamDuration)
	return m
}

func (m *Metrics) ObserveRelay(status string) {
	if m == nil {
		return
	}
	m.relays.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveUpstream(provider, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.upstreamDuration.WithLabelValues(provider, outcome).Observe(elapsed.Seconds())
}
