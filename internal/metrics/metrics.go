// Package metrics registers the Prometheus collectors shared across the
// backend. Everything hangs off the default registry and is served by the
// HTTP layer at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Gateway.
	Connections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tacmap_gateway_connections",
		Help: "Currently authenticated realtime channels.",
	})
	Broadcasts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tacmap_gateway_broadcasts_total",
		Help: "Events fanned out to subscribers, by event type.",
	}, []string{"event"})
	DroppedEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tacmap_gateway_dropped_events_total",
		Help: "Events dropped because a channel's send queue was full.",
	})

	// Sync core.
	SyncOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tacmap_sync_operations_total",
		Help: "Sync operations by type and outcome.",
	}, []string{"op", "outcome"})

	// Threat pipeline.
	MonitorTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tacmap_monitor_ticks_total",
		Help: "Monitor ticks by outcome (ok, error, skipped).",
	}, []string{"outcome"})
	ThreatDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tacmap_threat_decisions_total",
		Help: "Dedup decisions by action.",
	}, []string{"action"})
	LLMTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tacmap_llm_tokens_total",
		Help: "LLM tokens consumed, by direction.",
	}, []string{"direction"})
	LLMCostUSD = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tacmap_llm_cost_usd_total",
		Help: "Estimated LLM spend in USD.",
	})

	// HTTP surface.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tacmap_http_requests_total",
		Help: "HTTP requests by method, route, and status.",
	}, []string{"method", "route", "status"})
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tacmap_http_request_duration_seconds",
		Help:    "HTTP request latency by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
)
