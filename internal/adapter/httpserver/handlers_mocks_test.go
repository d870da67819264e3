package httpserver

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/pouchlab/pouchpulse/internal/domain"
	"github.com/pouchlab/pouchpulse/internal/kinetics"
	"github.com/pouchlab/pouchpulse/internal/platform/config"
)

// --- Mock implementations ---

type mockPouchService struct {
	startFn      func(ctx context.Context, source string, contentMg float64, duration time.Duration, startTime time.Time) (*domain.Session, error)
	stopFn       func(ctx context.Context, id uuid.UUID, at time.Time) domain.StopOutcome
	activeFn     func(ctx context.Context) (*domain.Session, error)
	snapshotFn   func(ctx context.Context) (domain.DisplaySnapshot, error)
	projectionFn func(ctx context.Context, horizon, interval time.Duration) (kinetics.Projection, error)
	predictFn    func(ctx context.Context, at time.Time, extraPouches int) (float64, error)
}

func (m *mockPouchService) StartPouch(ctx context.Context, source string, contentMg float64, duration time.Duration, startTime time.Time) (*domain.Session, error) {
	if m.startFn != nil {
		return m.startFn(ctx, source, contentMg, duration, startTime)
	}
	return nil, fmt.Errorf("not implemented")
}

func (m *mockPouchService) StopPouch(ctx context.Context, id uuid.UUID, at time.Time) domain.StopOutcome {
	if m.stopFn != nil {
		return m.stopFn(ctx, id, at)
	}
	return domain.StopNoOp
}

func (m *mockPouchService) ActiveSession(ctx context.Context) (*domain.Session, error) {
	if m.activeFn != nil {
		return m.activeFn(ctx)
	}
	return nil, domain.ErrNoOpenSession
}

func (m *mockPouchService) Snapshot(ctx context.Context) (domain.DisplaySnapshot, error) {
	if m.snapshotFn != nil {
		return m.snapshotFn(ctx)
	}
	return domain.DisplaySnapshot{}, nil
}

func (m *mockPouchService) Projection(ctx context.Context, horizon, interval time.Duration) (kinetics.Projection, error) {
	if m.projectionFn != nil {
		return m.projectionFn(ctx, horizon, interval)
	}
	return kinetics.Projection{}, nil
}

func (m *mockPouchService) PredictAt(ctx context.Context, at time.Time, extraPouches int) (float64, error) {
	if m.predictFn != nil {
		return m.predictFn(ctx, at, extraPouches)
	}
	return 0, nil
}

type mockSettingsWriter struct {
	updateTargetFn  func(ctx context.Context, target domain.TargetRange) error
	upsertSourceFn  func(ctx context.Context, source string, defaults domain.SourceDefaults) error
	updatedTargets  []domain.TargetRange
	upsertedSources []string
}

func (m *mockSettingsWriter) UpdateTargetRange(ctx context.Context, target domain.TargetRange) error {
	m.updatedTargets = append(m.updatedTargets, target)
	if m.updateTargetFn != nil {
		return m.updateTargetFn(ctx, target)
	}
	return nil
}

func (m *mockSettingsWriter) UpsertSourceDefaults(ctx context.Context, source string, defaults domain.SourceDefaults) error {
	m.upsertedSources = append(m.upsertedSources, source)
	if m.upsertSourceFn != nil {
		return m.upsertSourceFn(ctx, source, defaults)
	}
	return nil
}

// --- Helpers ---

func newTestServer(app pouchService, settings settingsWriter) *Server {
	cfg := &config.Config{
		AppEnv:              "test",
		AppURL:              "http://localhost:8080",
		Port:                "8080",
		AlertHorizon:        8 * time.Hour,
		AlertSampleInterval: time.Minute,
	}
	return NewServer(cfg, app, settings, nil, nil)
}

func callHandler(handler echo.HandlerFunc, c echo.Context) error {
	return ErrorHandlingMiddleware()(handler)(c)
}
