// Package metrics provides Prometheus instrumentation for the session
// coordinator: live connections, message and receipt throughput, relay
// traffic and presence transitions.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pairchat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// MessagesTotal counts chat messages, labeled by type: "sent",
	// "rejected" or "rate_limited".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pairchat_messages_total",
		Help: "Total number of chat messages processed",
	}, []string{"type"})

	// MessageLatency records time from receipt of message:new to publish.
	MessageLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pairchat_message_latency_seconds",
		Help:    "Message send latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// ReceiptsTotal counts batched receipts that changed at least one
	// message, labeled by kind: "delivered" or "read".
	ReceiptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pairchat_receipts_total",
		Help: "Batched delivery/read receipts published",
	}, []string{"kind"})

	// RelayEventsTotal counts relay events fanned out to local connections.
	RelayEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pairchat_relay_events_total",
		Help: "Relay events fanned out by this process",
	}, []string{"type"})

	// PresenceTransitions counts online/offline transitions detected here.
	PresenceTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pairchat_presence_transitions_total",
		Help: "Presence transitions observed by this process",
	}, []string{"state"})

	// SweptTotal counts stale entries removed by the sweeper, labeled by
	// kind: "subscription" or "presence".
	SweptTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pairchat_swept_total",
		Help: "Stale shared-store entries removed by the sweeper",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MessagesTotal,
		MessageLatency,
		ReceiptsTotal,
		RelayEventsTotal,
		PresenceTransitions,
		SweptTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
