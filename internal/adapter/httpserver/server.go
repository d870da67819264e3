// Package httpserver exposes the REST API, the websocket endpoint, and
// the health and metrics surfaces.
package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/pouchlab/pouchpulse/internal/adapter/websocket"
	"github.com/pouchlab/pouchpulse/internal/domain"
	"github.com/pouchlab/pouchpulse/internal/kinetics"
	"github.com/pouchlab/pouchpulse/internal/platform/config"
)

// pouchService is the application surface the handlers call.
type pouchService interface {
	StartPouch(ctx context.Context, source string, contentMg float64, duration time.Duration, startTime time.Time) (*domain.Session, error)
	StopPouch(ctx context.Context, id uuid.UUID, at time.Time) domain.StopOutcome
	ActiveSession(ctx context.Context) (*domain.Session, error)
	Snapshot(ctx context.Context) (domain.DisplaySnapshot, error)
	Projection(ctx context.Context, horizon, interval time.Duration) (kinetics.Projection, error)
	PredictAt(ctx context.Context, at time.Time, extraPouches int) (float64, error)
}

// settingsWriter is implemented by the Postgres settings repository.
// Nil in standalone mode; the settings endpoints then return 404.
type settingsWriter interface {
	UpdateTargetRange(ctx context.Context, target domain.TargetRange) error
	UpsertSourceDefaults(ctx context.Context, source string, defaults domain.SourceDefaults) error
}

type Server struct {
	echo   *echo.Echo
	config *config.Config

	app      pouchService
	settings settingsWriter
	hub      *websocket.Hub

	healthChecks []HealthCheck
	startTime    time.Time
}

func NewServer(cfg *config.Config, app pouchService, settings settingsWriter, hub *websocket.Hub, healthChecks []HealthCheck) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	srv := &Server{
		echo:         e,
		config:       cfg,
		app:          app,
		settings:     settings,
		hub:          hub,
		healthChecks: healthChecks,
		startTime:    time.Now(),
	}

	srv.registerRoutes()

	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}
