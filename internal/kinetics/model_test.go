package kinetics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pouchlab/pouchpulse/internal/domain"
)

func testModel() *Model {
	return NewModel(Params{AbsorptionFraction: 0.30, HalfLife: 2 * time.Hour})
}

func TestCurrentLevelMonotonic(t *testing.T) {
	m := testModel()
	planned := 30 * time.Minute

	prev := -1.0
	for elapsed := time.Duration(0); elapsed <= planned; elapsed += 10 * time.Second {
		level := m.CurrentLevel(6, elapsed, planned)
		assert.GreaterOrEqual(t, level, prev, "level must not decrease at elapsed=%s", elapsed)
		assert.GreaterOrEqual(t, level, 0.0)
		prev = level
	}

	assert.InDelta(t, 1.8, m.CurrentLevel(6, planned, planned), 1e-9)
}

func TestCurrentLevelClampsOutOfRange(t *testing.T) {
	m := testModel()
	planned := 30 * time.Minute

	assert.Zero(t, m.CurrentLevel(6, -time.Minute, planned))
	assert.InDelta(t, 1.8, m.CurrentLevel(6, 2*planned, planned), 1e-9)
	assert.Zero(t, m.CurrentLevel(-6, 10*time.Minute, planned))
	assert.Zero(t, m.CurrentLevel(6, 10*time.Minute, 0))
}

func TestConservationAtBoundary(t *testing.T) {
	m := testModel()
	planned := 30 * time.Minute

	// The absorption value at the full window is exactly the seed used
	// for decay.
	assert.Equal(t, m.CurrentLevel(6, planned, planned), m.TotalAbsorbed(6, planned, planned))
}

func TestTotalAbsorbedEarlyRemoval(t *testing.T) {
	m := testModel()
	planned := 30 * time.Minute

	assert.InDelta(t, 0.9, m.TotalAbsorbed(6, 15*time.Minute, planned), 1e-9)
	// Wearing past the window absorbs nothing extra.
	assert.InDelta(t, 1.8, m.TotalAbsorbed(6, 2*time.Hour, planned), 1e-9)
}

func TestDecayedLevelHalvesPerHalfLife(t *testing.T) {
	m := testModel()

	assert.InDelta(t, 1.0, m.DecayedLevel(2.0, 2*time.Hour), 1e-9)
	assert.InDelta(t, 0.5, m.DecayedLevel(2.0, 4*time.Hour), 1e-9)
	assert.Equal(t, 2.0, m.DecayedLevel(2.0, 0))
	assert.Zero(t, m.DecayedLevel(0, time.Hour))
	assert.Zero(t, m.DecayedLevel(-1, time.Hour))
}

func TestDecayedLevelStrictlyDecreasing(t *testing.T) {
	m := testModel()

	prev := m.DecayedLevel(3.0, 0)
	for dt := time.Minute; dt <= 24*time.Hour; dt += 30 * time.Minute {
		level := m.DecayedLevel(3.0, dt)
		assert.Less(t, level, prev)
		assert.Greater(t, level, 0.0)
		prev = level
	}

	// Asymptotic to zero: far out the level is negligible but never
	// negative.
	assert.Less(t, m.DecayedLevel(3.0, 100*time.Hour), 1e-9)
}

func TestContributionPhases(t *testing.T) {
	m := testModel()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	planned := 30 * time.Minute

	t.Run("zero before start", func(t *testing.T) {
		s := domain.Session{NicotineContentMg: 6, StartTime: start, PlannedDuration: planned}
		assert.Zero(t, m.Contribution(s, start.Add(-time.Minute)))
		assert.Zero(t, m.Contribution(s, start))
	})

	t.Run("absorbing while open", func(t *testing.T) {
		s := domain.Session{NicotineContentMg: 6, StartTime: start, PlannedDuration: planned}
		assert.InDelta(t, 0.9, m.Contribution(s, start.Add(15*time.Minute)), 1e-9)
		assert.InDelta(t, 1.8, m.Contribution(s, start.Add(planned)), 1e-9)
	})

	t.Run("open past window decays from planned end", func(t *testing.T) {
		s := domain.Session{NicotineContentMg: 6, StartTime: start, PlannedDuration: planned}
		at := start.Add(planned).Add(2 * time.Hour)
		assert.InDelta(t, 0.9, m.Contribution(s, at), 1e-9)
	})

	t.Run("early removal decays from removal time", func(t *testing.T) {
		end := start.Add(15 * time.Minute)
		s := domain.Session{NicotineContentMg: 6, StartTime: start, PlannedDuration: planned, EndTime: &end}
		// One half-life after removal: half of totalAbsorbed(6, 900s, 1800s).
		assert.InDelta(t, 0.45, m.Contribution(s, end.Add(2*time.Hour)), 1e-9)
	})

	t.Run("late removal caps at planned window", func(t *testing.T) {
		end := start.Add(2 * planned)
		s := domain.Session{NicotineContentMg: 6, StartTime: start, PlannedDuration: planned, EndTime: &end}
		at := start.Add(planned).Add(2 * time.Hour)
		assert.InDelta(t, 0.9, m.Contribution(s, at), 1e-9)
	})
}

func TestTotalAtSumsAndExcludesOldSessions(t *testing.T) {
	m := testModel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	planned := 30 * time.Minute

	oldEnd := now.Add(-20 * time.Hour)
	recentEnd := now.Add(-2 * time.Hour)
	sessions := []domain.Session{
		// Far outside the lookback window; skipped entirely.
		{NicotineContentMg: 6, StartTime: oldEnd.Add(-planned), PlannedDuration: planned, EndTime: &oldEnd},
		// One half-life ago.
		{NicotineContentMg: 6, StartTime: recentEnd.Add(-planned), PlannedDuration: planned, EndTime: &recentEnd},
		// Currently open, halfway through.
		{NicotineContentMg: 6, StartTime: now.Add(-15 * time.Minute), PlannedDuration: planned},
	}

	require.InDelta(t, 0.9+0.9, m.TotalAt(sessions, now), 1e-9)
}

func TestPeakPossibleCountsFullWindowForOpen(t *testing.T) {
	m := testModel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	planned := 30 * time.Minute

	sessions := []domain.Session{
		{NicotineContentMg: 6, StartTime: now.Add(-5 * time.Minute), PlannedDuration: planned},
	}

	assert.InDelta(t, 1.8, m.PeakPossible(sessions, now), 1e-9)
	assert.Less(t, m.TotalAt(sessions, now), m.PeakPossible(sessions, now))
}

func TestNewModelDefaultsZeroParams(t *testing.T) {
	m := NewModel(Params{})
	assert.Equal(t, DefaultAbsorptionFraction, m.Params().AbsorptionFraction)
	assert.Equal(t, DefaultHalfLife, m.Params().HalfLife)
}
