package postgres

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pouchlab/pouchpulse/internal/domain"
)

func testSession(start time.Time) domain.Session {
	return domain.Session{
		ID:                uuid.New(),
		NicotineContentMg: 6,
		StartTime:         start,
		PlannedDuration:   30 * time.Minute,
		Source:            "mint-6",
	}
}

func TestLedgerCreateAndGet(t *testing.T) {
	pool := setupTestDB(t)
	repo := NewLedgerRepo(pool)
	ctx := context.Background()

	session := testSession(time.Now().UTC().Truncate(time.Microsecond))
	require.NoError(t, repo.Create(ctx, session))

	got, err := repo.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, session.ID, got.ID)
	assert.Equal(t, session.NicotineContentMg, got.NicotineContentMg)
	assert.Equal(t, session.PlannedDuration, got.PlannedDuration)
	assert.Equal(t, "mint-6", got.Source)
	assert.True(t, got.Open())
}

func TestLedgerGet_NotFound(t *testing.T) {
	pool := setupTestDB(t)
	repo := NewLedgerRepo(pool)

	_, err := repo.Get(context.Background(), uuid.New())
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestLedgerSecondOpenRejected(t *testing.T) {
	pool := setupTestDB(t)
	repo := NewLedgerRepo(pool)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, testSession(time.Now().UTC())))

	err := repo.Create(ctx, testSession(time.Now().UTC()))
	assert.ErrorIs(t, err, domain.ErrSessionActive)

	open, err := repo.Open(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestLedgerConcurrentCreateSingleWinner(t *testing.T) {
	pool := setupTestDB(t)
	repo := NewLedgerRepo(pool)
	ctx := context.Background()

	const racers = 8
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		wins   int
		losses int
	)
	for range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := repo.Create(ctx, testSession(time.Now().UTC()))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, domain.ErrSessionActive):
				losses++
			default:
				t.Errorf("unexpected create error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, racers-1, losses)
}

func TestLedgerCloseIdempotent(t *testing.T) {
	pool := setupTestDB(t)
	repo := NewLedgerRepo(pool)
	ctx := context.Background()

	start := time.Now().UTC().Truncate(time.Microsecond)
	session := testSession(start)
	require.NoError(t, repo.Create(ctx, session))

	firstEnd := start.Add(20 * time.Minute)
	closed, err := repo.Close(ctx, session.ID, firstEnd)
	require.NoError(t, err)
	assert.True(t, closed)

	// Second close matches no open row; the first end time sticks.
	closed, err = repo.Close(ctx, session.ID, start.Add(25*time.Minute))
	require.NoError(t, err)
	assert.False(t, closed)

	got, err := repo.Get(ctx, session.ID)
	require.NoError(t, err)
	require.NotNil(t, got.EndTime)
	assert.Equal(t, firstEnd, got.EndTime.UTC())
}

func TestLedgerCloseClampsEndBeforeStart(t *testing.T) {
	pool := setupTestDB(t)
	repo := NewLedgerRepo(pool)
	ctx := context.Background()

	start := time.Now().UTC().Truncate(time.Microsecond)
	session := testSession(start)
	require.NoError(t, repo.Create(ctx, session))

	closed, err := repo.Close(ctx, session.ID, start.Add(-time.Hour))
	require.NoError(t, err)
	assert.True(t, closed)

	got, err := repo.Get(ctx, session.ID)
	require.NoError(t, err)
	require.NotNil(t, got.EndTime)
	assert.Equal(t, start, got.EndTime.UTC())
}

func TestLedgerCloseUnknownIsNoOp(t *testing.T) {
	pool := setupTestDB(t)
	repo := NewLedgerRepo(pool)

	closed, err := repo.Close(context.Background(), uuid.New(), time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, closed)
}

func TestLedgerStartedSince(t *testing.T) {
	pool := setupTestDB(t)
	repo := NewLedgerRepo(pool)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)

	old := testSession(now.Add(-14 * time.Hour))
	oldEnd := old.StartTime.Add(30 * time.Minute)
	old.EndTime = &oldEnd
	require.NoError(t, repo.Create(ctx, old))

	recent := testSession(now.Add(-time.Hour))
	recentEnd := recent.StartTime.Add(30 * time.Minute)
	recent.EndTime = &recentEnd
	require.NoError(t, repo.Create(ctx, recent))

	sessions, err := repo.StartedSince(ctx, now.Add(-12*time.Hour))
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, recent.ID, sessions[0].ID)
}

func TestLedgerOpenOrderedByStart(t *testing.T) {
	pool := setupTestDB(t)
	repo := NewLedgerRepo(pool)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)

	closedSession := testSession(now.Add(-2 * time.Hour))
	end := closedSession.StartTime.Add(30 * time.Minute)
	closedSession.EndTime = &end
	require.NoError(t, repo.Create(ctx, closedSession))

	openSession := testSession(now)
	require.NoError(t, repo.Create(ctx, openSession))

	open, err := repo.Open(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, openSession.ID, open[0].ID)
}
