package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pouchlab/pouchpulse/internal/adapter/memory"
	"github.com/pouchlab/pouchpulse/internal/domain"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *memory.Ledger, *clockwork.FakeClock) {
	t.Helper()
	ledger := memory.NewLedger()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	c := NewCoordinator(ledger, clock, CoordinatorOptions{
		EchoSuppressionWindow: 5 * time.Second,
		StaleGraceWindow:      20 * time.Minute,
	})
	c.Start()
	t.Cleanup(c.Stop)
	return c, ledger, clock
}

func drainEvents(c *Coordinator) []domain.SessionEvent {
	var evs []domain.SessionEvent
	for {
		select {
		case ev := <-c.Events():
			evs = append(evs, ev)
		default:
			return evs
		}
	}
}

func validStart() StartRequest {
	return StartRequest{NicotineContentMg: 6, PlannedDuration: 30 * time.Minute, Source: "mint-6mg"}
}

func TestStartSessionRejectsWhileOpen(t *testing.T) {
	ctx := context.Background()
	c, ledger, _ := newTestCoordinator(t)

	first, err := c.StartSession(ctx, validStart())
	require.NoError(t, err)
	require.NotNil(t, first)

	_, err = c.StartSession(ctx, validStart())
	assert.ErrorIs(t, err, domain.ErrSessionActive)

	// The ledger still contains exactly the original open session.
	open, err := ledger.Open(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, first.ID, open[0].ID)
}

func TestStartSessionValidatesInput(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCoordinator(t)

	_, err := c.StartSession(ctx, StartRequest{NicotineContentMg: 0, PlannedDuration: time.Minute})
	assert.Error(t, err)

	_, err = c.StartSession(ctx, StartRequest{NicotineContentMg: 6, PlannedDuration: 0})
	assert.Error(t, err)
}

func TestStartSessionHonorsExplicitStartTime(t *testing.T) {
	ctx := context.Background()
	c, _, clock := newTestCoordinator(t)

	explicit := clock.Now().Add(-3 * time.Minute)
	req := validStart()
	req.StartTime = explicit

	s, err := c.StartSession(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, explicit, s.StartTime)
}

func TestStopSessionIdempotentUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	c, ledger, clock := newTestCoordinator(t)

	s, err := c.StartSession(ctx, validStart())
	require.NoError(t, err)
	drainEvents(c)

	const stoppers = 8
	outcomes := make([]domain.StopOutcome, stoppers)
	var wg sync.WaitGroup
	for i := 0; i < stoppers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = c.StopSession(ctx, s.ID, time.Time{})
		}(i)
	}
	wg.Wait()

	stopped := 0
	for _, o := range outcomes {
		if o == domain.StopStopped {
			stopped++
		} else {
			assert.Equal(t, domain.StopNoOp, o)
		}
	}
	assert.Equal(t, 1, stopped, "exactly one stop call may take effect")

	// Only one stop event, so downstream effects cannot double-run.
	evs := drainEvents(c)
	require.Len(t, evs, 1)
	assert.Equal(t, domain.EventStopped, evs[0].Kind)

	got, err := ledger.Get(ctx, s.ID)
	require.NoError(t, err)
	require.NotNil(t, got.EndTime)
	assert.Equal(t, clock.Now(), *got.EndTime)
}

func TestStopSessionUnknownIsNoOp(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	outcome := c.StopSession(context.Background(), uuid.New(), time.Time{})
	assert.Equal(t, domain.StopNoOp, outcome)
	assert.Empty(t, drainEvents(c))
}

func TestReconcileAdoptsRemoteSession(t *testing.T) {
	ctx := context.Background()
	c, ledger, clock := newTestCoordinator(t)

	remote := domain.Session{
		ID:                uuid.New(),
		NicotineContentMg: 4,
		StartTime:         clock.Now().Add(-time.Minute),
		PlannedDuration:   30 * time.Minute,
	}
	ledger.Inject(remote)

	res := c.Reconcile(ctx)
	assert.Equal(t, domain.ReconcileRemoteStarted, res.Outcome)
	require.NotNil(t, res.Canonical)
	assert.Equal(t, remote.ID, res.Canonical.ID)

	evs := drainEvents(c)
	require.Len(t, evs, 1)
	assert.Equal(t, domain.EventRemoteStarted, evs[0].Kind)
	assert.Equal(t, remote.ID, evs[0].SessionID)

	// Already announced: the next pass is quiet.
	res = c.Reconcile(ctx)
	assert.Equal(t, domain.ReconcileInSync, res.Outcome)
	assert.Empty(t, drainEvents(c))
}

func TestReconcileSuppressesYoungEcho(t *testing.T) {
	ctx := context.Background()
	c, ledger, clock := newTestCoordinator(t)

	remote := domain.Session{
		ID:                uuid.New(),
		NicotineContentMg: 4,
		StartTime:         clock.Now().Add(-time.Second),
		PlannedDuration:   30 * time.Minute,
	}
	ledger.Inject(remote)

	// Within the echo-suppression window: no announcement yet.
	res := c.Reconcile(ctx)
	assert.Equal(t, domain.ReconcileInSync, res.Outcome)
	assert.Empty(t, drainEvents(c))

	// Once the session ages past the window it is adopted.
	clock.Advance(10 * time.Second)
	res = c.Reconcile(ctx)
	assert.Equal(t, domain.ReconcileRemoteStarted, res.Outcome)
	evs := drainEvents(c)
	require.Len(t, evs, 1)
	assert.Equal(t, domain.EventRemoteStarted, evs[0].Kind)
}

func TestReconcileDoesNotReannounceOwnSession(t *testing.T) {
	ctx := context.Background()
	c, _, clock := newTestCoordinator(t)

	_, err := c.StartSession(ctx, validStart())
	require.NoError(t, err)
	drainEvents(c)

	clock.Advance(time.Minute)
	res := c.Reconcile(ctx)
	assert.Equal(t, domain.ReconcileInSync, res.Outcome)
	assert.Empty(t, drainEvents(c))
}

func TestReconcileDetectsRemoteStop(t *testing.T) {
	ctx := context.Background()
	c, ledger, clock := newTestCoordinator(t)

	s, err := c.StartSession(ctx, validStart())
	require.NoError(t, err)
	drainEvents(c)

	// Another device closed it behind our back.
	_, err = ledger.Close(ctx, s.ID, clock.Now().Add(time.Minute))
	require.NoError(t, err)

	res := c.Reconcile(ctx)
	assert.Equal(t, domain.ReconcileRemoteStopped, res.Outcome)
	evs := drainEvents(c)
	require.Len(t, evs, 1)
	assert.Equal(t, domain.EventRemoteStopped, evs[0].Kind)
	assert.Equal(t, s.ID, evs[0].SessionID)
}

func TestReconcileClosesStaleSession(t *testing.T) {
	ctx := context.Background()
	c, ledger, clock := newTestCoordinator(t)

	s, err := c.StartSession(ctx, validStart())
	require.NoError(t, err)
	drainEvents(c)

	// Past planned duration plus grace.
	clock.Advance(30*time.Minute + 21*time.Minute)

	res := c.Reconcile(ctx)
	assert.Equal(t, 1, res.StaleClosed)
	assert.Equal(t, 0, res.OpenCount)

	evs := drainEvents(c)
	require.Len(t, evs, 1)
	assert.Equal(t, domain.EventStaleClosed, evs[0].Kind)

	// The effective end is the planned end, so the decay seed matches
	// the full absorption window, not the cleanup moment.
	got, err := ledger.Get(ctx, s.ID)
	require.NoError(t, err)
	require.NotNil(t, got.EndTime)
	assert.Equal(t, s.PlannedEnd(), *got.EndTime)
}

func TestReconcileKeepsSessionWithinGrace(t *testing.T) {
	ctx := context.Background()
	c, _, clock := newTestCoordinator(t)

	_, err := c.StartSession(ctx, validStart())
	require.NoError(t, err)
	drainEvents(c)

	clock.Advance(30*time.Minute + 10*time.Minute)

	res := c.Reconcile(ctx)
	assert.Equal(t, 0, res.StaleClosed)
	assert.Equal(t, 1, res.OpenCount)
}

func TestReconcileFlagsAnomalyWithoutAnnouncing(t *testing.T) {
	ctx := context.Background()
	c, ledger, clock := newTestCoordinator(t)

	earlier := domain.Session{
		ID:                uuid.New(),
		NicotineContentMg: 4,
		StartTime:         clock.Now().Add(-10 * time.Minute),
		PlannedDuration:   30 * time.Minute,
	}
	later := domain.Session{
		ID:                uuid.New(),
		NicotineContentMg: 6,
		StartTime:         clock.Now().Add(-5 * time.Minute),
		PlannedDuration:   30 * time.Minute,
	}
	ledger.Inject(later)
	ledger.Inject(earlier)

	res := c.Reconcile(ctx)
	assert.Equal(t, domain.ReconcileAnomaly, res.Outcome)
	assert.Equal(t, 2, res.OpenCount)
	require.NotNil(t, res.Canonical)
	assert.Equal(t, earlier.ID, res.Canonical.ID, "earliest start is canonical")

	evs := drainEvents(c)
	require.Len(t, evs, 1)
	assert.Equal(t, domain.EventAnomaly, evs[0].Kind, "no display-effect event during an anomaly")
}

func TestReconcileNeverRegressesLocalStop(t *testing.T) {
	ctx := context.Background()
	c, ledger, clock := newTestCoordinator(t)

	s, err := c.StartSession(ctx, validStart())
	require.NoError(t, err)
	outcome := c.StopSession(ctx, s.ID, time.Time{})
	require.Equal(t, domain.StopStopped, outcome)
	drainEvents(c)

	// A stale replica re-delivers the session without its end time.
	stale := *s
	stale.EndTime = nil
	ledger.Inject(stale)

	clock.Advance(10 * time.Second)
	res := c.Reconcile(ctx)
	assert.Equal(t, domain.ReconcileInSync, res.Outcome, "acknowledged stop must not regress to open")
	assert.Empty(t, drainEvents(c))
}

func TestIsActiveConsultsLedger(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCoordinator(t)

	assert.False(t, c.IsActive(ctx, uuid.New()))

	s, err := c.StartSession(ctx, validStart())
	require.NoError(t, err)
	assert.True(t, c.IsActive(ctx, s.ID))

	c.StopSession(ctx, s.ID, time.Time{})
	assert.False(t, c.IsActive(ctx, s.ID))
}
