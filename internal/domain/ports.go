package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DisplaySnapshot is what glanceable surfaces render: the current
// level, the peak the level could still reach if the open pouch is
// worn for its full window, and when the absorption window ends.
type DisplaySnapshot struct {
	Level        float64    `json:"level"`
	PeakPossible float64    `json:"peak_possible"`
	Label        string     `json:"label"`
	EffectiveEnd *time.Time `json:"effective_end,omitempty"`
	At           time.Time  `json:"at"`
}

// DisplayPort pushes snapshots to glanceable surfaces. Calls are
// fire-and-forget; the core never consumes a result and never lets a
// display failure roll back a ledger mutation.
type DisplayPort interface {
	PublishSnapshot(ctx context.Context, snap DisplaySnapshot)
	MarkEnded(ctx context.Context)
}

// Alert is a threshold notification to be delivered at FireAt.
type Alert struct {
	ID     uuid.UUID `json:"id"`
	Title  string    `json:"title"`
	Body   string    `json:"body"`
	FireAt time.Time `json:"fire_at"`
}

// NotificationPort schedules and cancels threshold alerts. Delivery is
// someone else's problem; the core only computes fire times.
type NotificationPort interface {
	Schedule(ctx context.Context, a Alert) error
	Cancel(ctx context.Context, id uuid.UUID) error
}

// TargetRange is the user's configured comfort band.
type TargetRange struct {
	Low         float64
	High        float64
	AlertMargin float64
}

// SourceDefaults are the per-product defaults applied when a start
// request leaves fields unset.
type SourceDefaults struct {
	NicotineContentMg float64
	PlannedDuration   time.Duration
}

// SettingsSource supplies user configuration. Read-only to the core.
type SettingsSource interface {
	TargetRange(ctx context.Context) (TargetRange, error)
	SourceDefaults(ctx context.Context, source string) (SourceDefaults, error)
}
