// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ServiceUp is 1 while a backend service process is running.
	ServiceUp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lyceum_service_up",
		Help: "Whether the backend service process is running",
	})

	// ServiceHealthy is 1 once the liveness check has succeeded for the current process.
	ServiceHealthy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lyceum_service_healthy",
		Help: "Whether the backend service passed its liveness check",
	})

	// ServiceRestarts counts crash-triggered restarts.
	ServiceRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lyceum_service_restarts_total",
		Help: "Total crash-triggered restarts of the backend service",
	})

	// WorkersRunning tracks live worker processes.
	WorkersRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lyceum_workers_running",
		Help: "Number of worker processes currently tracked",
	})

	// SpawnFailures counts processes that could not be created, by component.
	SpawnFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lyceum_spawn_failures_total",
		Help: "Total process spawn failures by component",
	}, []string{"component"})

	// EventsPublished counts relay events by kind.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lyceum_events_published_total",
		Help: "Total events published to the relay by kind",
	}, []string{"kind"})

	// EventsDropped counts events discarded because a subscriber queue was full.
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lyceum_events_dropped_total",
		Help: "Total events dropped for slow subscribers",
	})

	// Subscribers tracks attached event stream consumers.
	Subscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lyceum_event_subscribers",
		Help: "Number of attached event stream subscribers",
	})

	// GatewayRequests counts control-channel requests by operation and result.
	GatewayRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lyceum_gateway_requests_total",
		Help: "Total control-channel requests by operation and result",
	}, []string{"operation", "result"})
)
