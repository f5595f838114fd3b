package perf

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus counters of every node running in this process, labelled by
// node id.
type Metrics struct {
	Packets          *prometheus.CounterVec
	SecurityFailures *prometheus.CounterVec
	Routing          *prometheus.CounterVec
	KeyRefreshes     *prometheus.CounterVec
	Escalations      *prometheus.CounterVec
	QueueDrops       *prometheus.CounterVec
	WatchdogStalls   *prometheus.CounterVec
	Neighbours       *prometheus.GaugeVec

	registry *prometheus.Registry
}

var Mesh = New()

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.Packets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mesh_packets_total",
			Help: "Packets handled by the mesh layer",
		},
		[]string{"node", "direction"},
	)

	m.SecurityFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mesh_security_failures_total",
			Help: "Packets rejected by the packet security pipeline",
		},
		[]string{"node", "reason"},
	)

	m.Routing = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mesh_routing_events_total",
			Help: "Route discovery and route error statistics",
		},
		[]string{"node", "event"},
	)

	m.KeyRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mesh_key_refreshes_total",
			Help: "Global keys installed",
		},
		[]string{"node"},
	)

	m.Escalations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mesh_security_escalations_total",
			Help: "Security escalations triggered by attack detection",
		},
		[]string{"node", "level"},
	)

	m.QueueDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mesh_queue_drops_total",
			Help: "Frames dropped because a queue was full",
		},
		[]string{"node", "queue"},
	)

	m.WatchdogStalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mesh_watchdog_stalls_total",
			Help: "Times the processing context was found stuck",
		},
		[]string{"node"},
	)

	m.Neighbours = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mesh_neighbours",
			Help: "Neighbours with an established pairwise key",
		},
		[]string{"node"},
	)

	m.registry.MustRegister(
		m.Packets,
		m.SecurityFailures,
		m.Routing,
		m.KeyRefreshes,
		m.Escalations,
		m.QueueDrops,
		m.WatchdogStalls,
		m.Neighbours,
	)
	m.registry.MustRegister(prometheus.NewGoCollector())

	return m
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
