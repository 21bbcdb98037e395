// Package metrics provides Prometheus instrumentation for the chat server. It
// exposes gauges for live connections and online users, counters for inbound
// realtime events and outbound dispatch outcomes, and a histogram for event
// handling latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dispatch outcomes.
const (
	OutcomeDelivered = "delivered"
	OutcomeRelayed   = "relayed"
	OutcomeDropped   = "dropped"
)

var (
	// ConnectionsTotal tracks the current number of open WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_connections_total",
		Help: "Current number of open WebSocket connections",
	})

	// OnlineUsers tracks the number of users with a presence entry.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_online_users",
		Help: "Current number of users joined on this instance",
	})

	// EventsTotal counts inbound realtime events by name.
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_events_total",
		Help: "Total number of inbound realtime events",
	}, []string{"event"})

	// DispatchTotal counts outbound events by outcome.
	DispatchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_dispatch_total",
		Help: "Total number of outbound events by outcome",
	}, []string{"outcome"}) // outcome = "delivered", "relayed", "dropped"

	// EventLatency records inbound event handling latency in seconds.
	EventLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chat_event_latency_seconds",
		Help:    "Realtime event handling latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event"})

	// RateLimitedTotal counts requests rejected by a rate limit rule.
	RateLimitedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_rate_limited_total",
		Help: "Total number of rate limited actions",
	}, []string{"rule"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		EventsTotal,
		DispatchTotal,
		EventLatency,
		RateLimitedTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
