// Package metrics provides Prometheus instrumentation for the chat client
// session engine. It exposes a gauge for connection status, counters for
// message and reconnect throughput, and a histogram for history fetch latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionStatus is 1 while the transport is connected and handshaked,
	// 0 otherwise.
	ConnectionStatus = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatclient_connection_status",
		Help: "Whether the WebSocket transport is connected (1) or not (0)",
	})

	// ReconnectsTotal counts reconnection attempts, labeled by outcome:
	// "success" or "failure".
	ReconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatclient_reconnects_total",
		Help: "Total number of transport reconnection attempts",
	}, []string{"outcome"})

	// MessagesTotal counts messages processed, labeled by direction:
	// "sent", "received", or "dropped" (stale or unattributable events).
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatclient_messages_total",
		Help: "Total number of chat messages processed",
	}, []string{"direction"})

	// TypingEventsTotal counts typing indicator traffic, labeled by direction:
	// "sent" or "received".
	TypingEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatclient_typing_events_total",
		Help: "Total number of typing indicator events",
	}, []string{"direction"})

	// HistoryFetchDuration records room history fetch latency in seconds.
	HistoryFetchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chatclient_history_fetch_seconds",
		Help:    "Room history fetch latency in seconds",
		Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionStatus,
		ReconnectsTotal,
		MessagesTotal,
		TypingEventsTotal,
		HistoryFetchDuration,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
