package httpserver

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/pouchlab/pouchpulse/internal/domain"
	apperrors "github.com/pouchlab/pouchpulse/internal/platform/errors"
)

func (s *Server) registerAPIRoutes() {
	s.echo.POST("/api/sessions", s.handleStartSession)
	s.echo.POST("/api/sessions/:id/stop", s.handleStopSession)
	s.echo.GET("/api/sessions/active", s.handleActiveSession)
	s.echo.GET("/api/level", s.handleLevel)
	s.echo.GET("/api/projection", s.handleProjection)
	s.echo.GET("/api/predict", s.handlePredict)
	s.echo.PUT("/api/settings/target", s.handleUpdateTargetRange)
	s.echo.PUT("/api/settings/sources/:source", s.handleUpsertSourceDefaults)
}

type startSessionRequest struct {
	Source          string     `json:"source"`
	NicotineMg      float64    `json:"nicotine_mg"`
	DurationSeconds int64      `json:"duration_seconds"`
	StartTime       *time.Time `json:"start_time"`
}

type sessionResponse struct {
	ID              uuid.UUID  `json:"id"`
	Source          string     `json:"source"`
	NicotineMg      float64    `json:"nicotine_mg"`
	StartTime       time.Time  `json:"start_time"`
	DurationSeconds int64      `json:"duration_seconds"`
	PlannedEnd      time.Time  `json:"planned_end"`
	EndTime         *time.Time `json:"end_time,omitempty"`
}

func toSessionResponse(s *domain.Session) sessionResponse {
	return sessionResponse{
		ID:              s.ID,
		Source:          s.Source,
		NicotineMg:      s.NicotineContentMg,
		StartTime:       s.StartTime,
		DurationSeconds: int64(s.PlannedDuration.Seconds()),
		PlannedEnd:      s.PlannedEnd(),
		EndTime:         s.EndTime,
	}
}

func (s *Server) handleStartSession(c echo.Context) error {
	ctx := c.Request().Context()

	var req startSessionRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body")
	}
	if req.NicotineMg < 0 {
		return apperrors.ValidationError("nicotine_mg must not be negative").WithField("nicotine_mg", req.NicotineMg)
	}
	if req.DurationSeconds < 0 {
		return apperrors.ValidationError("duration_seconds must not be negative").WithField("duration_seconds", req.DurationSeconds)
	}

	var startTime time.Time
	if req.StartTime != nil {
		startTime = *req.StartTime
	}

	session, err := s.app.StartPouch(ctx, req.Source, req.NicotineMg, time.Duration(req.DurationSeconds)*time.Second, startTime)
	if errors.Is(err, domain.ErrSessionActive) {
		return apperrors.ConflictError("a session is already active")
	}
	if err != nil {
		return apperrors.InternalError("failed to start session", err)
	}

	if err := c.JSON(http.StatusCreated, toSessionResponse(session)); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

type stopSessionRequest struct {
	EndTime *time.Time `json:"end_time"`
}

func (s *Server) handleStopSession(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperrors.ValidationError("invalid session ID").WithField("id", c.Param("id"))
	}

	var req stopSessionRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body")
	}

	// Zero end time means "now"; the coordinator's clock supplies it.
	var at time.Time
	if req.EndTime != nil {
		at = *req.EndTime
	}

	outcome := s.app.StopPouch(ctx, id, at)

	if err := c.JSON(http.StatusOK, map[string]string{"outcome": string(outcome)}); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleActiveSession(c echo.Context) error {
	ctx := c.Request().Context()

	session, err := s.app.ActiveSession(ctx)
	if errors.Is(err, domain.ErrNoOpenSession) {
		return apperrors.NotFoundError("no active session")
	}
	if err != nil {
		return apperrors.InternalError("failed to load active session", err)
	}

	if err := c.JSON(http.StatusOK, toSessionResponse(session)); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleLevel(c echo.Context) error {
	ctx := c.Request().Context()

	snap, err := s.app.Snapshot(ctx)
	if err != nil {
		return apperrors.InternalError("failed to compute level", err)
	}

	if err := c.JSON(http.StatusOK, snap); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleProjection(c echo.Context) error {
	ctx := c.Request().Context()

	horizon := s.config.AlertHorizon
	if raw := c.QueryParam("horizon"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			return apperrors.ValidationError("invalid horizon").WithField("horizon", raw)
		}
		horizon = parsed
	}

	interval := s.config.AlertSampleInterval
	if raw := c.QueryParam("interval"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			return apperrors.ValidationError("invalid interval").WithField("interval", raw)
		}
		interval = parsed
	}

	projection, err := s.app.Projection(ctx, horizon, interval)
	if err != nil {
		return apperrors.InternalError("failed to compute projection", err)
	}

	if err := c.JSON(http.StatusOK, projection); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handlePredict(c echo.Context) error {
	ctx := c.Request().Context()

	raw := c.QueryParam("at")
	if raw == "" {
		return apperrors.ValidationError("missing required query parameter 'at'")
	}
	at, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return apperrors.ValidationError("invalid 'at' timestamp, want RFC 3339").WithField("at", raw)
	}

	extra := 0
	if rawExtra := c.QueryParam("extra"); rawExtra != "" {
		if _, err := fmt.Sscanf(rawExtra, "%d", &extra); err != nil || extra < 0 {
			return apperrors.ValidationError("invalid 'extra' count").WithField("extra", rawExtra)
		}
	}

	level, err := s.app.PredictAt(ctx, at, extra)
	if err != nil {
		return apperrors.InternalError("failed to compute prediction", err)
	}

	response := map[string]any{
		"at":    at,
		"extra": extra,
		"level": level,
	}
	if err := c.JSON(http.StatusOK, response); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

type targetRangeRequest struct {
	Low         float64 `json:"low"`
	High        float64 `json:"high"`
	AlertMargin float64 `json:"alert_margin"`
}

func (s *Server) handleUpdateTargetRange(c echo.Context) error {
	if s.settings == nil {
		return apperrors.NotFoundError("settings are not persisted in standalone mode")
	}

	var req targetRangeRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body")
	}
	if req.Low < 0 || req.AlertMargin < 0 || req.High <= req.Low {
		return apperrors.ValidationError("target range must satisfy 0 <= low < high")
	}

	target := domain.TargetRange{Low: req.Low, High: req.High, AlertMargin: req.AlertMargin}
	if err := s.settings.UpdateTargetRange(c.Request().Context(), target); err != nil {
		return apperrors.InternalError("failed to update target range", err)
	}

	if err := c.JSON(http.StatusOK, map[string]string{"status": "ok"}); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

type sourceDefaultsRequest struct {
	NicotineMg      float64 `json:"nicotine_mg"`
	DurationSeconds int64   `json:"duration_seconds"`
}

func (s *Server) handleUpsertSourceDefaults(c echo.Context) error {
	if s.settings == nil {
		return apperrors.NotFoundError("settings are not persisted in standalone mode")
	}

	source := c.Param("source")
	if source == "" {
		return apperrors.ValidationError("missing source")
	}

	var req sourceDefaultsRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body")
	}
	if req.NicotineMg <= 0 || req.DurationSeconds <= 0 {
		return apperrors.ValidationError("nicotine_mg and duration_seconds must be positive")
	}

	defaults := domain.SourceDefaults{
		NicotineContentMg: req.NicotineMg,
		PlannedDuration:   time.Duration(req.DurationSeconds) * time.Second,
	}
	if err := s.settings.UpsertSourceDefaults(c.Request().Context(), source, defaults); err != nil {
		return apperrors.InternalError("failed to save source defaults", err)
	}

	if err := c.JSON(http.StatusOK, map[string]string{"status": "ok"}); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}
