// Package metrics holds the Prometheus instrumentation exposed on /metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ProcessStarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polydev_process_starts_total",
			Help: "Service processes spawned by the supervisor",
		},
		[]string{"service", "type"},
	)

	ProcessStartFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polydev_process_start_failures_total",
			Help: "Start requests that did not spawn a process",
		},
		[]string{"service", "reason"},
	)

	ProcessStops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polydev_process_stops_total",
			Help: "Supervisor-initiated stops by mode (graceful, forced)",
		},
		[]string{"service", "mode"},
	)

	ProcessExits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polydev_process_exits_total",
			Help: "Observed process exits by outcome (clean, error)",
		},
		[]string{"service", "outcome"},
	)

	ProcessesRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "polydev_processes_running",
			Help: "Processes currently tracked by the supervisor",
		},
	)

	HealthProbes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polydev_health_probes_total",
			Help: "Health probe outcomes",
		},
		[]string{"service", "result"},
	)

	HealthProbeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "polydev_health_probe_duration_seconds",
			Help:    "Health probe latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service"},
	)

	HotReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polydev_hot_reloads_total",
			Help: "Debounced restarts triggered by file changes",
		},
		[]string{"service"},
	)

	LogRotations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "polydev_log_rotations_total",
			Help: "Log files rotated because they exceeded the size limit",
		},
	)

	WSConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "polydev_websocket_connections",
			Help: "Connected dashboard websocket clients",
		},
	)

	WSMessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polydev_websocket_messages_sent_total",
			Help: "Messages queued to websocket clients by type",
		},
		[]string{"type"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "polydev_api_request_duration_seconds",
			Help:    "Admin HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

// RecordAPIRequest observes one admin HTTP request.
func RecordAPIRequest(method, route string, status int, d time.Duration) {
	APIRequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}
