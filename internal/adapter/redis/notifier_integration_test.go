package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pouchlab/pouchpulse/internal/domain"
)

type captureSink struct {
	mu     sync.Mutex
	alerts []domain.Alert
}

func (s *captureSink) Notify(_ context.Context, alert domain.Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, alert)
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}

func TestNotifierScheduleAndDue(t *testing.T) {
	client := setupTestClient(t)
	notifier := NewNotifier(client)
	ctx := context.Background()
	now := time.Now().UTC()

	past := domain.Alert{ID: uuid.New(), Title: "Level dropping", FireAt: now.Add(-time.Minute)}
	future := domain.Alert{ID: uuid.New(), Title: "Approaching upper target", FireAt: now.Add(time.Hour)}
	require.NoError(t, notifier.Schedule(ctx, past))
	require.NoError(t, notifier.Schedule(ctx, future))

	due, err := notifier.due(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, past.ID, due[0].ID)

	// Popped alerts are gone; the future one still waits.
	due, err = notifier.due(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = notifier.due(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, future.ID, due[0].ID)
}

func TestNotifierRescheduleMovesAlert(t *testing.T) {
	client := setupTestClient(t)
	notifier := NewNotifier(client)
	ctx := context.Background()
	now := time.Now().UTC()

	id := uuid.New()
	require.NoError(t, notifier.Schedule(ctx, domain.Alert{ID: id, FireAt: now.Add(-time.Minute)}))
	require.NoError(t, notifier.Schedule(ctx, domain.Alert{ID: id, FireAt: now.Add(time.Hour)}))

	due, err := notifier.due(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, due, "rescheduled alert must not fire at the old time")
}

func TestNotifierCancelRemovesAlert(t *testing.T) {
	client := setupTestClient(t)
	notifier := NewNotifier(client)
	ctx := context.Background()
	now := time.Now().UTC()

	alert := domain.Alert{ID: uuid.New(), FireAt: now.Add(-time.Minute)}
	require.NoError(t, notifier.Schedule(ctx, alert))
	require.NoError(t, notifier.Cancel(ctx, alert.ID))

	due, err := notifier.due(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestDispatcherDeliversDueAlerts(t *testing.T) {
	client := setupTestClient(t)
	notifier := NewNotifier(client)
	sink := &captureSink{}
	clock := clockwork.NewRealClock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alert := domain.Alert{ID: uuid.New(), Title: "Level dropping", FireAt: clock.Now().Add(-time.Second)}
	require.NoError(t, notifier.Schedule(ctx, alert))

	dispatcher := NewDispatcher(notifier, sink, clock, 50*time.Millisecond)
	go dispatcher.Run(ctx)

	assert.Eventually(t, func() bool {
		return sink.count() == 1
	}, 3*time.Second, 25*time.Millisecond)
}
