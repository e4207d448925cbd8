// Package metrics provides Prometheus instrumentation for the messaging
// service: connection gauges, frame throughput counters, and latency
// histograms for the persist and fan-out paths.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsActive tracks the current number of registered WebSocket
	// connections across all tenants.
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "messenger_connections_active",
		Help: "Current number of registered WebSocket connections",
	})

	// TenantsActive tracks how many tenants have at least one live
	// connection.
	TenantsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "messenger_tenants_active",
		Help: "Number of tenants with at least one live connection",
	})

	// FramesTotal counts inbound frames by type and outcome.
	// type = "message" | "typing" | "ping" | "unknown"
	// outcome = "ok" | "dropped" | "rejected" | "error"
	FramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "messenger_frames_total",
		Help: "Total number of inbound frames processed",
	}, []string{"type", "outcome"})

	// MessagesDelivered counts fan-out attempts by result.
	// result = "delivered" | "offline" | "write_failed"
	MessagesDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "messenger_messages_delivered_total",
		Help: "Fan-out attempts for persisted messages",
	}, []string{"result"})

	// PersistLatency records message store write latency in seconds.
	PersistLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "messenger_persist_latency_seconds",
		Help:    "Message persistence latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// FanoutLatency records the time from persist completion to the peer
	// write finishing.
	FanoutLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "messenger_fanout_latency_seconds",
		Help:    "Frame forwarding latency in seconds",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		TenantsActive,
		FramesTotal,
		MessagesDelivered,
		PersistLatency,
		FanoutLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
