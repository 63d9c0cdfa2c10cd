package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	connections    prometheus.Gauge
	eventsRouted   *prometheus.CounterVec
	droppedOffline prometheus.Counter
	rateLimited    prometheus.Counter
	rejectedEvents prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "veilchat_sessions_active",
			Help: "Number of live relay sessions.",
		}),
		eventsRouted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "veilchat_events_routed_total",
			Help: "Events delivered to a connected recipient, by type.",
		}, []string{"type"}),
		droppedOffline: f.NewCounter(prometheus.CounterOpts{
			Name: "veilchat_events_dropped_offline_total",
			Help: "Events discarded because the recipient had no session.",
		}),
		rateLimited: f.NewCounter(prometheus.CounterOpts{
			Name: "veilchat_events_rate_limited_total",
			Help: "Events refused by the per-identity rate limiter.",
		}),
		rejectedEvents: f.NewCounter(prometheus.CounterOpts{
			Name: "veilchat_events_rejected_total",
			Help: "Events refused for a spoofed sender or malformed payload.",
		}),
	}
}
