package events

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the broadcaster's prometheus collectors.
type Metrics struct {
	Published *prometheus.CounterVec
	Dropped   prometheus.Counter
	Evictions prometheus.Counter
}

// NewMetrics builds and registers the broadcaster metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "milo_events_published_total",
			Help: "Events published, by category.",
		}, []string{"category"}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "milo_events_dropped_total",
			Help: "Droppable events shed under subscriber backpressure.",
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "milo_events_slow_consumer_closes_total",
			Help: "Subscribers closed with reason slow_consumer.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Published, m.Dropped, m.Evictions)
	}
	return m
}
