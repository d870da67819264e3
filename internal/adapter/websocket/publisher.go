package websocket

import (
	"context"
	"time"

	"github.com/pouchlab/pouchpulse/internal/domain"
)

type displayUpdate struct {
	Type         string     `json:"type"`
	Level        float64    `json:"level,omitempty"`
	PeakPossible float64    `json:"peakPossible,omitempty"`
	Label        string     `json:"label,omitempty"`
	EffectiveEnd *time.Time `json:"effectiveEnd,omitempty"`
	At           time.Time  `json:"at"`
	Title        string     `json:"title,omitempty"`
	Body         string     `json:"body,omitempty"`
}

// Publisher turns display snapshots and fired alerts into hub
// broadcasts. It is fire-and-forget: a client that missed an update
// catches up on the next refresh tick.
type Publisher struct {
	hub *Hub
}

func NewPublisher(hub *Hub) *Publisher {
	return &Publisher{hub: hub}
}

func (p *Publisher) PublishSnapshot(_ context.Context, snap domain.DisplaySnapshot) {
	p.hub.Broadcast(displayUpdate{
		Type:         "snapshot",
		Level:        snap.Level,
		PeakPossible: snap.PeakPossible,
		Label:        snap.Label,
		EffectiveEnd: snap.EffectiveEnd,
		At:           snap.At,
	})
}

func (p *Publisher) MarkEnded(_ context.Context) {
	p.hub.Broadcast(displayUpdate{Type: "ended", At: time.Now().UTC()})
}

func (p *Publisher) Notify(_ context.Context, alert domain.Alert) {
	p.hub.Broadcast(displayUpdate{
		Type:  "alert",
		Title: alert.Title,
		Body:  alert.Body,
		At:    alert.FireAt,
	})
}
