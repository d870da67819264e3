package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/pouchlab/pouchpulse/internal/adapter/metrics"
	"github.com/pouchlab/pouchpulse/internal/domain"
	"github.com/pouchlab/pouchpulse/internal/kinetics"
)

// sessionCoordinator is the slice of the Coordinator the service uses.
type sessionCoordinator interface {
	StartSession(ctx context.Context, req StartRequest) (*domain.Session, error)
	StopSession(ctx context.Context, id uuid.UUID, at time.Time) domain.StopOutcome
	Reconcile(ctx context.Context) domain.ReconcileResult
	Events() <-chan domain.SessionEvent
}

// ServiceOptions carry the defaults applied when requests and settings
// leave values unset.
type ServiceOptions struct {
	DeviceID            string
	DefaultNicotineMg   float64
	DefaultDuration     time.Duration
	AlertHorizon        time.Duration
	AlertSampleInterval time.Duration
	TargetFallback      domain.TargetRange
}

func (o *ServiceOptions) defaults() {
	if o.DefaultNicotineMg <= 0 {
		o.DefaultNicotineMg = 6
	}
	if o.DefaultDuration <= 0 {
		o.DefaultDuration = 30 * time.Minute
	}
	if o.AlertHorizon <= 0 {
		o.AlertHorizon = 8 * time.Hour
	}
	if o.AlertSampleInterval <= 0 {
		o.AlertSampleInterval = time.Minute
	}
	if o.TargetFallback.High <= o.TargetFallback.Low {
		o.TargetFallback = domain.TargetRange{Low: 0.5, High: 3.0, AlertMargin: 0.25}
	}
}

// Service is the application layer: it resolves start requests against
// settings, runs them through the coordinator, computes levels and
// projections, and turns coordinator events into display snapshots and
// threshold alerts. Effect failures are logged and swallowed; they
// never roll back a ledger mutation.
type Service struct {
	coordinator sessionCoordinator
	ledger      domain.Ledger
	model       *kinetics.Model
	engine      *kinetics.Engine
	settings    domain.SettingsSource
	display     domain.DisplayPort
	notifier    domain.NotificationPort
	feed        domain.ChangeFeed
	clock       clockwork.Clock
	opts        ServiceOptions
	wakes       wakeArmer

	stopGroup singleflight.Group
}

// wakeArmer re-arms the background wake cadence after session state
// changes. Satisfied by the Scheduler.
type wakeArmer interface {
	ArmWake(ctx context.Context, openSessionAge time.Duration, hasOpen bool)
}

func NewService(
	coordinator sessionCoordinator,
	ledger domain.Ledger,
	model *kinetics.Model,
	engine *kinetics.Engine,
	settings domain.SettingsSource,
	display domain.DisplayPort,
	notifier domain.NotificationPort,
	feed domain.ChangeFeed,
	clock clockwork.Clock,
	opts ServiceOptions,
) *Service {
	opts.defaults()
	return &Service{
		coordinator: coordinator,
		ledger:      ledger,
		model:       model,
		engine:      engine,
		settings:    settings,
		display:     display,
		notifier:    notifier,
		feed:        feed,
		clock:       clock,
		opts:        opts,
	}
}

// Run starts the event and change-feed consumers. It returns
// immediately; the consumers exit when ctx is cancelled or the
// coordinator's event channel closes.
func (s *Service) Run(ctx context.Context) {
	go s.consumeEvents(ctx)
	if s.feed != nil {
		go s.consumeFeed(ctx)
	}
}

// StartPouch opens a session, filling unset fields from per-source
// settings and process defaults.
func (s *Service) StartPouch(ctx context.Context, source string, contentMg float64, duration time.Duration, startTime time.Time) (*domain.Session, error) {
	if contentMg <= 0 || duration <= 0 {
		defaults := s.sourceDefaults(ctx, source)
		if contentMg <= 0 {
			contentMg = defaults.NicotineContentMg
		}
		if duration <= 0 {
			duration = defaults.PlannedDuration
		}
	}

	session, err := s.coordinator.StartSession(ctx, StartRequest{
		NicotineContentMg: contentMg,
		PlannedDuration:   duration,
		StartTime:         startTime,
		Source:            source,
	})
	if err != nil {
		return nil, err
	}

	s.publishChange(ctx, domain.Change{SessionID: session.ID, Kind: domain.ChangeStarted, DeviceID: s.opts.DeviceID, At: s.clock.Now()})
	return session, nil
}

// StopPouch closes a session. Concurrent stops for the same id collapse
// into one coordinator call; every caller sees the same outcome.
func (s *Service) StopPouch(ctx context.Context, id uuid.UUID, at time.Time) domain.StopOutcome {
	v, _, _ := s.stopGroup.Do(id.String(), func() (any, error) {
		outcome := s.coordinator.StopSession(ctx, id, at)
		if outcome == domain.StopStopped {
			s.publishChange(ctx, domain.Change{SessionID: id, Kind: domain.ChangeStopped, DeviceID: s.opts.DeviceID, At: s.clock.Now()})
		}
		return outcome, nil
	})
	return v.(domain.StopOutcome)
}

// ActiveSession returns the currently open session, if any.
func (s *Service) ActiveSession(ctx context.Context) (*domain.Session, error) {
	open, err := s.ledger.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query open sessions: %w", err)
	}
	if len(open) == 0 {
		return nil, domain.ErrNoOpenSession
	}
	cp := open[0]
	return &cp, nil
}

// Snapshot computes the current display state from ledger truth.
func (s *Service) Snapshot(ctx context.Context) (domain.DisplaySnapshot, error) {
	now := s.clock.Now()
	sessions, err := s.recentSessions(ctx, now)
	if err != nil {
		return domain.DisplaySnapshot{}, err
	}

	snap := domain.DisplaySnapshot{
		Level:        s.model.TotalAt(sessions, now),
		PeakPossible: s.model.PeakPossible(sessions, now),
		At:           now,
	}
	for _, sess := range sessions {
		if sess.Open() {
			end := sess.PlannedEnd()
			snap.EffectiveEnd = &end
			snap.Label = sess.Source
			break
		}
	}
	return snap, nil
}

// Projection evaluates the level curve over the horizon against the
// configured target range.
func (s *Service) Projection(ctx context.Context, horizon, interval time.Duration) (kinetics.Projection, error) {
	now := s.clock.Now()
	sessions, err := s.recentSessions(ctx, now)
	if err != nil {
		return kinetics.Projection{}, err
	}
	return s.engine.Project(sessions, now, horizon, interval, s.targetRange(ctx)), nil
}

// PredictAt forecasts the level at a future time with extra
// hypothetical pouches started now.
func (s *Service) PredictAt(ctx context.Context, at time.Time, extraPouches int) (float64, error) {
	now := s.clock.Now()
	sessions, err := s.recentSessions(ctx, now)
	if err != nil {
		return 0, err
	}
	defaults := s.sourceDefaults(ctx, "")
	return s.engine.PredictAt(sessions, now, at, extraPouches, defaults.NicotineContentMg, defaults.PlannedDuration), nil
}

// --- Refresher implementation ---

func (s *Service) RefreshCountdown(ctx context.Context) {
	s.pushSnapshot(ctx, "countdown")
}

func (s *Service) RefreshDisplay(ctx context.Context) {
	s.pushSnapshot(ctx, "display")
}

func (s *Service) RefreshGlance(ctx context.Context) {
	s.pushSnapshot(ctx, "glance")
	// Glance reloads also re-derive alert times; crossings drift as
	// sessions close or decay parameters change.
	if active, err := s.ActiveSession(ctx); err == nil {
		s.planAlerts(ctx, active.ID)
	}
}

func (s *Service) pushSnapshot(ctx context.Context, surface string) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		slog.Warn("Refresh: snapshot failed", "surface", surface, "error", err)
		return
	}
	s.display.PublishSnapshot(ctx, snap)
	metrics.DisplayRefreshes.WithLabelValues(surface).Inc()
}

// --- Event and feed consumers ---

func (s *Service) consumeEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.coordinator.Events():
			if !ok {
				slog.Info("Coordinator event stream closed")
				return
			}
			s.handleEvent(ctx, ev)
		}
	}
}

func (s *Service) handleEvent(ctx context.Context, ev domain.SessionEvent) {
	switch ev.Kind {
	case domain.EventStarted, domain.EventRemoteStarted:
		s.pushSnapshot(ctx, "display")
		s.planAlerts(ctx, ev.SessionID)
		s.rearmWake(ctx, ev, true)
	case domain.EventStopped, domain.EventRemoteStopped, domain.EventStaleClosed:
		s.display.MarkEnded(ctx)
		s.planAlerts(ctx, ev.SessionID)
		s.rearmWake(ctx, ev, false)
	case domain.EventAnomaly:
		// Surfaced by the coordinator; no display effects until the
		// ledger converges.
	}
}

// AttachWakes lets session state changes re-arm the background wake
// cadence immediately instead of waiting out the previous delay.
func (s *Service) AttachWakes(w wakeArmer) {
	s.wakes = w
}

func (s *Service) rearmWake(ctx context.Context, ev domain.SessionEvent, hasOpen bool) {
	if s.wakes == nil {
		return
	}
	var age time.Duration
	if hasOpen && ev.Session != nil {
		age = s.clock.Now().Sub(ev.Session.StartTime)
	}
	s.wakes.ArmWake(ctx, age, hasOpen)
}

func (s *Service) consumeFeed(ctx context.Context) {
	ch, err := s.feed.Subscribe(ctx)
	if err != nil {
		slog.Error("Change feed subscription failed", "error", err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-ch:
			if !ok {
				slog.Info("Change feed closed")
				return
			}
			metrics.ChangeFeedMessages.WithLabelValues("received").Inc()
			if change.DeviceID != "" && change.DeviceID == s.opts.DeviceID {
				// Our own write coming back around.
				continue
			}
			s.coordinator.Reconcile(ctx)
		}
	}
}

// --- Alerts ---

func highAlertID(sessionID uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(sessionID, []byte("approach-high"))
}

func lowAlertID(sessionID uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(sessionID, []byte("reenter-low"))
}

// planAlerts projects forward and (re)schedules the two threshold
// alerts for the session: an approach warning before the level clears
// the top of the range, and a re-dose suggestion when it will sag to
// the bottom. Alert IDs are derived from the session ID, so replanning
// overwrites rather than stacks.
func (s *Service) planAlerts(ctx context.Context, sessionID uuid.UUID) {
	if s.notifier == nil {
		return
	}

	now := s.clock.Now()
	sessions, err := s.recentSessions(ctx, now)
	if err != nil {
		slog.Warn("Alert planning: failed to read sessions", "error", err)
		return
	}

	target := s.targetRange(ctx)
	// Alerts fire a margin inside the band, not at the hard edges.
	adjusted := domain.TargetRange{
		Low:  target.Low + target.AlertMargin,
		High: target.High - target.AlertMargin,
	}
	p := s.engine.Project(sessions, now, s.opts.AlertHorizon, s.opts.AlertSampleInterval, adjusted)

	s.applyAlert(ctx, highAlertID(sessionID), p.HighCrossing, "Approaching upper target",
		fmt.Sprintf("Projected to pass %.1f mg soon.", target.High))
	s.applyAlert(ctx, lowAlertID(sessionID), p.LowCrossing, "Level dropping",
		fmt.Sprintf("Projected to fall below %.1f mg.", target.Low))
}

func (s *Service) applyAlert(ctx context.Context, id uuid.UUID, fireAt *time.Time, title, body string) {
	if fireAt == nil {
		if err := s.notifier.Cancel(ctx, id); err != nil {
			slog.Warn("Alert cancel failed", "alert_id", id, "error", err)
			return
		}
		metrics.AlertsScheduled.WithLabelValues("cancelled").Inc()
		return
	}

	alert := domain.Alert{ID: id, Title: title, Body: body, FireAt: *fireAt}
	if err := s.notifier.Schedule(ctx, alert); err != nil {
		slog.Warn("Alert scheduling failed", "alert_id", id, "error", err)
		return
	}
	metrics.AlertsScheduled.WithLabelValues("scheduled").Inc()
}

// --- Helpers ---

func (s *Service) recentSessions(ctx context.Context, now time.Time) ([]domain.Session, error) {
	sessions, err := s.ledger.StartedSince(ctx, now.Add(-s.model.Lookback()))
	if err != nil {
		return nil, fmt.Errorf("failed to read recent sessions: %w", err)
	}
	return sessions, nil
}

func (s *Service) targetRange(ctx context.Context) domain.TargetRange {
	if s.settings == nil {
		return s.opts.TargetFallback
	}
	target, err := s.settings.TargetRange(ctx)
	if err != nil {
		slog.Debug("Settings: target range lookup failed, using fallback", "error", err)
		return s.opts.TargetFallback
	}
	return target
}

func (s *Service) sourceDefaults(ctx context.Context, source string) domain.SourceDefaults {
	fallback := domain.SourceDefaults{
		NicotineContentMg: s.opts.DefaultNicotineMg,
		PlannedDuration:   s.opts.DefaultDuration,
	}
	if s.settings == nil || source == "" {
		return fallback
	}
	defaults, err := s.settings.SourceDefaults(ctx, source)
	if err != nil {
		slog.Debug("Settings: source defaults lookup failed, using fallback", "source", source, "error", err)
		return fallback
	}
	if defaults.NicotineContentMg <= 0 {
		defaults.NicotineContentMg = fallback.NicotineContentMg
	}
	if defaults.PlannedDuration <= 0 {
		defaults.PlannedDuration = fallback.PlannedDuration
	}
	return defaults
}

func (s *Service) publishChange(ctx context.Context, change domain.Change) {
	if s.feed == nil {
		return
	}
	if err := s.feed.Publish(ctx, change); err != nil {
		slog.Warn("Change feed publish failed", "session_id", change.SessionID, "kind", change.Kind, "error", err)
		return
	}
	metrics.ChangeFeedMessages.WithLabelValues("published").Inc()
}
