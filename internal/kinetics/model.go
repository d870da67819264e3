package kinetics

import (
	"math"
	"time"

	"github.com/pouchlab/pouchpulse/internal/domain"
)

const (
	// DefaultAbsorptionFraction is the share of pouch content that
	// reaches the bloodstream over a full planned window.
	DefaultAbsorptionFraction = 0.30
	// DefaultHalfLife is the post-removal elimination half-life.
	DefaultHalfLife = 2 * time.Hour
	// lookbackHalfLives bounds how far back sessions still count. After
	// six half-lives a contribution is below 2% of its seed.
	lookbackHalfLives = 6
)

// Params are the process-wide model constants. They are configuration,
// not per-call inputs; tests override them through NewModel.
type Params struct {
	AbsorptionFraction float64
	HalfLife           time.Duration
}

// DefaultParams returns the production constants.
func DefaultParams() Params {
	return Params{
		AbsorptionFraction: DefaultAbsorptionFraction,
		HalfLife:           DefaultHalfLife,
	}
}

// Model evaluates session contributions under a fixed set of Params.
type Model struct {
	params Params
}

func NewModel(params Params) *Model {
	if params.AbsorptionFraction <= 0 {
		params.AbsorptionFraction = DefaultAbsorptionFraction
	}
	if params.HalfLife <= 0 {
		params.HalfLife = DefaultHalfLife
	}
	return &Model{params: params}
}

// Params returns the constants the model was built with.
func (m *Model) Params() Params {
	return m.params
}

// Lookback is how far back sessions can still contribute measurably.
func (m *Model) Lookback() time.Duration {
	return lookbackHalfLives * m.params.HalfLife
}

// CurrentLevel is the absorption-phase level after elapsed time in a
// window of plannedDuration. Monotonically non-decreasing in elapsed,
// reaching contentMg × absorption fraction at the full window.
func (m *Model) CurrentLevel(contentMg float64, elapsed, plannedDuration time.Duration) float64 {
	if contentMg <= 0 || plannedDuration <= 0 {
		return 0
	}
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed > plannedDuration {
		elapsed = plannedDuration
	}
	frac := float64(elapsed) / float64(plannedDuration)
	return contentMg * m.params.AbsorptionFraction * frac
}

// TotalAbsorbed is the amount absorbed if the pouch comes out after
// useTime. Early removal absorbs proportionally less; useTime beyond
// the planned window absorbs no more than the full-window amount.
func (m *Model) TotalAbsorbed(contentMg float64, useTime, plannedDuration time.Duration) float64 {
	return m.CurrentLevel(contentMg, useTime, plannedDuration)
}

// DecayedLevel is initialLevel after sinceRemoval of exponential decay.
// Strictly decreasing in sinceRemoval, asymptotic to zero, never
// negative.
func (m *Model) DecayedLevel(initialLevel float64, sinceRemoval time.Duration) float64 {
	if initialLevel <= 0 {
		return 0
	}
	if sinceRemoval <= 0 {
		return initialLevel
	}
	halfLives := float64(sinceRemoval) / float64(m.params.HalfLife)
	return initialLevel * math.Exp2(-halfLives)
}

// Contribution is what one session adds to the total level at time t.
// Before the start it is zero; during the absorption window it follows
// CurrentLevel; after the effective end it decays from the absorbed
// seed. Open sessions past their planned window decay as if removed at
// the planned end.
func (m *Model) Contribution(s domain.Session, t time.Time) float64 {
	if !t.After(s.StartTime) {
		return 0
	}
	end := s.EffectiveEnd()
	if !t.After(end) {
		return m.CurrentLevel(s.NicotineContentMg, t.Sub(s.StartTime), s.PlannedDuration)
	}
	seed := m.TotalAbsorbed(s.NicotineContentMg, s.UseTime(), s.PlannedDuration)
	return m.DecayedLevel(seed, t.Sub(end))
}

// TotalAt sums contributions of all sessions that started within the
// lookback window ending at t. Older sessions have decayed to numeric
// noise and are skipped.
func (m *Model) TotalAt(sessions []domain.Session, t time.Time) float64 {
	cutoff := t.Add(-m.Lookback())
	total := 0.0
	for _, s := range sessions {
		if s.StartTime.Before(cutoff) {
			continue
		}
		total += m.Contribution(s, t)
	}
	return total
}

// PeakPossible is the level at time t if every open session is worn
// for its full planned window: the current closed-session baseline
// plus each open session's full-window seed. Used for the display's
// "could still reach" figure.
func (m *Model) PeakPossible(sessions []domain.Session, t time.Time) float64 {
	cutoff := t.Add(-m.Lookback())
	total := 0.0
	for _, s := range sessions {
		if s.StartTime.Before(cutoff) {
			continue
		}
		if s.Open() {
			total += m.TotalAbsorbed(s.NicotineContentMg, s.PlannedDuration, s.PlannedDuration)
			continue
		}
		total += m.Contribution(s, t)
	}
	return total
}
