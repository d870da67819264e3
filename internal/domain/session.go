package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Session is one product-use event: inserted at StartTime, removed at
// EndTime. EndTime is nil while the pouch is still in. At most one open
// session exists at a time across all devices sharing the ledger; the
// ledger enforces this, the coordinator relies on it.
type Session struct {
	ID                uuid.UUID
	NicotineContentMg float64
	StartTime         time.Time
	PlannedDuration   time.Duration
	EndTime           *time.Time
	Source            string
}

// Open reports whether the session has not been closed yet.
func (s Session) Open() bool {
	return s.EndTime == nil
}

// PlannedEnd is the end of the absorption window.
func (s Session) PlannedEnd() time.Time {
	return s.StartTime.Add(s.PlannedDuration)
}

// EffectiveEnd is the moment absorption stops contributing: the actual
// removal time, capped at the planned window. An open session's
// effective end is the planned end.
func (s Session) EffectiveEnd() time.Time {
	if s.EndTime == nil {
		return s.PlannedEnd()
	}
	if s.EndTime.Before(s.PlannedEnd()) {
		return *s.EndTime
	}
	return s.PlannedEnd()
}

// UseTime is the duration the pouch was actually in, capped at the
// planned window. For open sessions it is the full planned duration.
func (s Session) UseTime() time.Duration {
	return s.EffectiveEnd().Sub(s.StartTime)
}

// Ledger is the authoritative, replicated record of sessions. Create
// must be rejected with ErrSessionActive while an open session exists
// (ledger-level uniqueness is the real cross-device lock). Close is
// safe to call on an already-closed record; it reports whether this
// call was the one that closed it.
type Ledger interface {
	Create(ctx context.Context, s Session) error
	Close(ctx context.Context, id uuid.UUID, endTime time.Time) (bool, error)
	Get(ctx context.Context, id uuid.UUID) (*Session, error)
	Open(ctx context.Context) ([]Session, error)
	StartedSince(ctx context.Context, cutoff time.Time) ([]Session, error)
}

// ChangeKind classifies a replicated session change.
type ChangeKind string

const (
	ChangeStarted ChangeKind = "started"
	ChangeStopped ChangeKind = "stopped"
)

// Change is a hint from the change feed that the ledger moved. It
// carries no authoritative data; receivers re-read the ledger.
type Change struct {
	SessionID uuid.UUID  `json:"session_id"`
	Kind      ChangeKind `json:"kind"`
	DeviceID  string     `json:"device_id"`
	At        time.Time  `json:"at"`
}

// ChangeFeed is the eventually-delivered cross-device change stream.
type ChangeFeed interface {
	Publish(ctx context.Context, c Change) error
	Subscribe(ctx context.Context) (<-chan Change, error)
}
