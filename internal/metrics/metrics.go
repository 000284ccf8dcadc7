// Package metrics provides Prometheus instrumentation, generalized from the
// teacher's relay/internal/metrics package to the hub's gateway, health,
// recovery, aggregation and egress components.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mdhub"

// Metrics holds all Prometheus metrics for the hub.
type Metrics struct {
	SessionsConnected *prometheus.GaugeVec
	RestartAttempts   *prometheus.CounterVec
	RecoveryPhases    *prometheus.CounterVec

	HealthTransitions *prometheus.CounterVec
	CanaryStale       *prometheus.CounterVec

	ElectionLatency  prometheus.Histogram
	FailoversTotal   *prometheus.CounterVec
	NoSourceTotal    *prometheus.CounterVec

	TicksIngressed *prometheus.CounterVec
	TicksRejected  *prometheus.CounterVec
	TicksEgressed  *prometheus.CounterVec

	EgressQueueDepth  prometheus.Gauge
	EgressSerializeNs prometheus.Histogram
	EgressSubscribers prometheus.Gauge

	BusDropped      *prometheus.CounterVec
	WSClients       prometheus.Gauge
	WSDroppedEvents *prometheus.CounterVec
}

// New creates a new Metrics instance with all series registered.
func New() *Metrics {
	return &Metrics{
		SessionsConnected: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sessions_connected", Help: "Per-account session connectivity (1=connected)",
		}, []string{"account_id"}),
		RestartAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "restart_attempts_total", Help: "Total restart attempts issued by Recovery",
		}, []string{"account_id"}),
		RecoveryPhases: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "recovery_phases_total", Help: "Recovery phase transitions",
		}, []string{"account_id", "phase"}),

		HealthTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "health_transitions_total", Help: "Committed health status transitions",
		}, []string{"account_id", "status"}),
		CanaryStale: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "canary_stale_total", Help: "Canary staleness detections",
		}, []string{"account_id"}),

		ElectionLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "election_latency_seconds", Help: "Per-symbol source election decision latency",
			Buckets: []float64{.00005, .0001, .0005, .001, .005, .01},
		}),
		FailoversTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "failovers_total", Help: "Executed symbol failovers",
		}, []string{"symbol"}),
		NoSourceTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "no_source_available_total", Help: "Times a symbol had no eligible source",
		}, []string{"symbol"}),

		TicksIngressed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ticks_ingressed_total", Help: "Raw ticks accepted from upstream adaptors",
		}, []string{"account_id"}),
		TicksRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ticks_rejected_total", Help: "Ticks dropped by cleansing",
		}, []string{"reason"}),
		TicksEgressed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ticks_egressed_total", Help: "Ticks forwarded downstream",
		}, []string{"symbol"}),

		EgressQueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "egress_send_queue_depth", Help: "Current egress send-queue depth",
		}),
		EgressSerializeNs: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "egress_serialize_seconds", Help: "Tick serialization latency",
			Buckets: []float64{.000001, .000005, .00001, .00005, .0001, .0005},
		}),
		EgressSubscribers: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "egress_subscribers", Help: "Current tick-egress subscriber count",
		}),

		BusDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "bus_dropped_events_total", Help: "Events dropped due to a slow subscriber",
		}, []string{"subscriber"}),
		WSClients: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "ws_clients", Help: "Current WebSocket client count",
		}),
		WSDroppedEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ws_dropped_events_total", Help: "Events dropped for a rate-limited WS client",
		}, []string{"client_id"}),
	}
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler { return promhttp.Handler() }
