package relay

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the relay's Prometheus collectors. An isolated registry is
// used so embedders never collide with the global default registry and each
// test gets its own instance.
type Metrics struct {
	Registry *prometheus.Registry

	ConnectedEndpoints prometheus.Gauge
	FramesTotal        *prometheus.CounterVec
	AuthFailuresTotal  prometheus.Counter
	RejectedTotal      prometheus.Counter
	KilledTotal        prometheus.Counter
	BroadcastsTotal    prometheus.Counter
	ConsumablesTotal   prometheus.Counter
	NotifiesTotal      prometheus.Counter
}

// NewMetrics creates all collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,
		ConnectedEndpoints: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wirebus_connected_endpoints",
			Help: "Number of endpoints currently in the ALIVE state.",
		}),
		FramesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wirebus_frames_total",
				Help: "Total frames processed, by direction and command.",
			},
			[]string{"direction", "command"},
		),
		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wirebus_auth_failures_total",
			Help: "Frames rejected because of a password mismatch.",
		}),
		RejectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wirebus_handshakes_rejected_total",
			Help: "Handshakes rejected by group policy.",
		}),
		KilledTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wirebus_connections_killed_total",
			Help: "Connections aborted after a protocol violation.",
		}),
		BroadcastsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wirebus_broadcasts_total",
			Help: "Broadcast sends routed.",
		}),
		ConsumablesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wirebus_consumables_total",
			Help: "Consumable payload copies enqueued.",
		}),
		NotifiesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wirebus_notifies_total",
			Help: "Consumer readiness notifications processed.",
		}),
	}
	reg.MustRegister(
		m.ConnectedEndpoints,
		m.FramesTotal,
		m.AuthFailuresTotal,
		m.RejectedTotal,
		m.KilledTotal,
		m.BroadcastsTotal,
		m.ConsumablesTotal,
		m.NotifiesTotal,
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
