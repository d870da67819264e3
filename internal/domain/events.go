package domain

import (
	"time"

	"github.com/google/uuid"
)

// SessionEventKind classifies coordinator state changes.
type SessionEventKind string

const (
	// EventStarted fires when this process successfully opened a session.
	EventStarted SessionEventKind = "started"
	// EventStopped fires when this process closed a session.
	EventStopped SessionEventKind = "stopped"
	// EventRemoteStarted fires when reconciliation found an open session
	// announced by another device.
	EventRemoteStarted SessionEventKind = "remote_started"
	// EventRemoteStopped fires when a previously announced session is no
	// longer open in the ledger.
	EventRemoteStopped SessionEventKind = "remote_stopped"
	// EventStaleClosed fires when reconciliation auto-closed an overdue
	// session.
	EventStaleClosed SessionEventKind = "stale_closed"
	// EventAnomaly fires when more than one open session was observed.
	EventAnomaly SessionEventKind = "anomaly"
)

// SessionEvent is emitted by the coordinator on every state change.
// Subscribers (display refresh, alert planning, schedulers) react to
// these instead of hooking into the coordinator directly.
type SessionEvent struct {
	Kind      SessionEventKind
	Session   *Session
	SessionID uuid.UUID
	At        time.Time
}

// StopOutcome is the result of a stop request. Redundant stops are a
// NoOp, not an error.
type StopOutcome string

const (
	StopStopped StopOutcome = "stopped"
	StopNoOp    StopOutcome = "noop"
)

// ReconcileOutcome summarizes one reconciliation pass.
type ReconcileOutcome string

const (
	ReconcileInSync        ReconcileOutcome = "in_sync"
	ReconcileRemoteStarted ReconcileOutcome = "remote_started"
	ReconcileRemoteStopped ReconcileOutcome = "remote_stopped"
	ReconcileAnomaly       ReconcileOutcome = "anomaly"
	ReconcileFailed        ReconcileOutcome = "failed"
)

// ReconcileResult reports what one pass observed and did.
type ReconcileResult struct {
	Outcome     ReconcileOutcome
	OpenCount   int
	StaleClosed int
	// Canonical is the open session considered authoritative after the
	// pass (earliest start wins during an anomaly). Nil when idle.
	Canonical *Session
}
