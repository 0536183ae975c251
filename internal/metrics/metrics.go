// Package metrics holds the Prometheus collectors for the relay.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relay"

type Metrics struct {
	registry   *prometheus.Registry
	active     prometheus.Gauge
	broadcasts prometheus.Counter
	delivered  prometheus.Counter
	evictions  prometheus.Counter
	events     *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Connections currently holding a room membership.",
		}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Room broadcasts issued.",
		}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Frames handed to a connection during broadcasts.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Connections removed after a failed send.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Client events received, by type.",
		}, []string{"type"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.active, m.broadcasts, m.delivered, m.evictions, m.events,
	)
	return m
}

// Handler exposes the collectors in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SetActive(n int) {
	if m == nil {
		return
	}
	m.active.Set(float64(n))
}

func (m *Metrics) Broadcast(delivered int) {
	if m == nil {
		return
	}
	m.broadcasts.Inc()
	m.delivered.Add(float64(delivered))
}

func (m *Metrics) Evicted() {
	if m == nil {
		return
	}
	m.evictions.Inc()
}

// Event counts one inbound client event. Unknown types share a single label
// so clients cannot grow the label set.
func (m *Metrics) Event(typ string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(typ).Inc()
}
