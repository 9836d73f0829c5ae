package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains the Prometheus collectors for the hub.
type Metrics struct {
	ActiveRooms    prometheus.Gauge
	ActiveSessions prometheus.Gauge

	MessagesRelayed prometheus.Counter
	Flushes         prometheus.Counter
	FlushErrors     prometheus.Counter

	Sweeps       prometheus.Counter
	SweepDeletes *prometheus.CounterVec

	UnfurlRequests *prometheus.CounterVec
}

// New registers the hub's collectors against the given registerer.
// Tests pass a fresh registry to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveRooms: factory.NewGauge(prometheus.GaugeOpts{
			Name: "hub_active_rooms",
			Help: "Number of rooms currently resident in the engine",
		}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "hub_active_sessions",
			Help: "Number of attached WebSocket sessions",
		}),
		MessagesRelayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "hub_messages_relayed_total",
			Help: "Total inbound messages applied and rebroadcast",
		}),
		Flushes: factory.NewCounter(prometheus.CounterOpts{
			Name: "hub_snapshot_flushes_total",
			Help: "Total successful room snapshot writes",
		}),
		FlushErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "hub_snapshot_flush_errors_total",
			Help: "Total failed room snapshot writes",
		}),
		Sweeps: factory.NewCounter(prometheus.CounterOpts{
			Name: "hub_retention_sweeps_total",
			Help: "Total retention sweep passes",
		}),
		SweepDeletes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hub_retention_deletes_total",
			Help: "Total files deleted by the retention sweeper",
		}, []string{"kind"}),
		UnfurlRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hub_unfurl_requests_total",
			Help: "Total unfurl requests by outcome",
		}, []string{"result"}),
	}
}
