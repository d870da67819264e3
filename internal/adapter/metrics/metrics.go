// Package metrics defines the Prometheus instruments for session
// coordination and refresh activity.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionStarts counts start requests by outcome (started, rejected, error).
	SessionStarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pouchpulse_session_starts_total",
			Help: "Session start requests by outcome",
		},
		[]string{"outcome"},
	)

	// SessionStops counts stop requests by outcome (stopped, noop, error).
	SessionStops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pouchpulse_session_stops_total",
			Help: "Session stop requests by outcome",
		},
		[]string{"outcome"},
	)

	// ReconcileRuns counts reconciliation passes by result.
	ReconcileRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pouchpulse_reconcile_runs_total",
			Help: "Reconciliation passes by result",
		},
		[]string{"result"},
	)

	// ReconcileAnomalies counts passes that observed more than one open session.
	ReconcileAnomalies = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pouchpulse_reconcile_anomalies_total",
			Help: "Reconciliation passes that observed more than one open session",
		},
	)

	// StaleSessionsClosed counts sessions auto-closed past their grace window.
	StaleSessionsClosed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pouchpulse_stale_sessions_closed_total",
			Help: "Sessions auto-closed after exceeding planned duration plus grace",
		},
	)

	// DisplayRefreshes counts display snapshot publishes by surface class.
	DisplayRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pouchpulse_display_refreshes_total",
			Help: "Display snapshot publishes by surface class",
		},
		[]string{"surface"},
	)

	// AlertsScheduled counts threshold alerts by action (scheduled, cancelled).
	AlertsScheduled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pouchpulse_alerts_total",
			Help: "Threshold alert scheduling operations by action",
		},
		[]string{"action"},
	)

	// ChangeFeedMessages counts change feed messages by direction (published, received).
	ChangeFeedMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pouchpulse_change_feed_messages_total",
			Help: "Change feed messages by direction",
		},
		[]string{"direction"},
	)

	// AlertsDelivered counts alerts dispatched to connected clients.
	AlertsDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pouchpulse_alerts_delivered_total",
			Help: "Alerts dispatched after reaching their fire time",
		},
	)

	// CircuitBreakerState tracks the current breaker state per component
	// (0=closed, 1=half-open, 2=open).
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pouchpulse_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"component"},
	)

	// CircuitBreakerStateChanges counts breaker transitions per component.
	CircuitBreakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pouchpulse_circuit_breaker_state_changes_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"component", "state"},
	)

	// WebsocketConnections tracks currently connected display clients.
	WebsocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pouchpulse_websocket_connections",
			Help: "Currently connected websocket clients",
		},
	)
)
