package kinetics

import (
	"time"

	"github.com/pouchlab/pouchpulse/internal/domain"
)

// Sample is one evaluated point of a projection.
type Sample struct {
	At    time.Time `json:"at"`
	Level float64   `json:"level"`
}

// Projection is a level-over-time series plus the first threshold
// crossings found within the horizon. Crossing times are interpolated
// between the bracketing samples, so they fall strictly inside the
// bracket rather than on a sample boundary.
type Projection struct {
	Samples      []Sample   `json:"samples"`
	LowCrossing  *time.Time `json:"low_crossing,omitempty"`
	HighCrossing *time.Time `json:"high_crossing,omitempty"`
}

// Engine projects total levels forward in time.
type Engine struct {
	model *Model
}

func NewEngine(model *Model) *Engine {
	return &Engine{model: model}
}

// Project evaluates the total level at start, start+interval, ... up to
// start+horizon inclusive, and records the first downward crossing of
// target.Low and the first upward crossing of target.High. Coarser
// intervals trade crossing precision for compute; callers needing
// notification-grade times use minute sampling over a multi-hour
// horizon.
func (e *Engine) Project(sessions []domain.Session, start time.Time, horizon, interval time.Duration, target domain.TargetRange) Projection {
	if interval <= 0 {
		interval = time.Minute
	}
	if horizon < 0 {
		horizon = 0
	}

	var p Projection
	end := start.Add(horizon)
	for at := start; !at.After(end); at = at.Add(interval) {
		p.Samples = append(p.Samples, Sample{At: at, Level: e.model.TotalAt(sessions, at)})
	}

	for i := 1; i < len(p.Samples); i++ {
		prev, cur := p.Samples[i-1], p.Samples[i]
		if p.LowCrossing == nil && prev.Level > target.Low && cur.Level <= target.Low {
			t := interpolateCrossing(prev, cur, target.Low)
			p.LowCrossing = &t
		}
		if p.HighCrossing == nil && prev.Level <= target.High && cur.Level > target.High {
			t := interpolateCrossing(prev, cur, target.High)
			p.HighCrossing = &t
		}
	}
	return p
}

// interpolateCrossing linearly locates where the level passes the
// threshold between two samples. The result is clamped to the open
// interval so a crossing never lands exactly on a sample timestamp.
func interpolateCrossing(a, b Sample, threshold float64) time.Time {
	span := b.At.Sub(a.At)
	frac := 0.5
	if b.Level != a.Level {
		frac = (threshold - a.Level) / (b.Level - a.Level)
	}
	if frac <= 0 {
		frac = 1e-6
	}
	if frac >= 1 {
		frac = 1 - 1e-6
	}
	return a.At.Add(time.Duration(frac * float64(span)))
}

// PredictAt is the single-point what-if variant: the baseline total at
// the target time plus the contribution of extraPouches hypothetical
// sessions, each assumed to start now with the given content and
// planned window.
func (e *Engine) PredictAt(sessions []domain.Session, now, at time.Time, extraPouches int, contentMg float64, plannedDuration time.Duration) float64 {
	level := e.model.TotalAt(sessions, at)
	if extraPouches <= 0 {
		return level
	}
	hypothetical := domain.Session{
		NicotineContentMg: contentMg,
		StartTime:         now,
		PlannedDuration:   plannedDuration,
	}
	level += float64(extraPouches) * e.model.Contribution(hypothetical, at)
	return level
}
