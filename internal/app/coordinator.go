package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/pouchlab/pouchpulse/internal/adapter/metrics"
	"github.com/pouchlab/pouchpulse/internal/domain"
	"github.com/pouchlab/pouchpulse/internal/platform/retry"
)

const (
	eventBufferSize = 32
	markerRetention = 12 * time.Hour
	defaultEchoWin  = 5 * time.Second
	defaultGraceWin = 20 * time.Minute
)

// CoordinatorOptions tune the coordinator's dedup windows.
type CoordinatorOptions struct {
	// EchoSuppressionWindow is how young an observed open session may be
	// before reconciliation treats it as a possible echo of a local
	// write and defers announcing it.
	EchoSuppressionWindow time.Duration
	// StaleGraceWindow is added to a session's planned duration before
	// reconciliation auto-closes it as stale.
	StaleGraceWindow time.Duration
}

func (o *CoordinatorOptions) defaults() {
	if o.EchoSuppressionWindow <= 0 {
		o.EchoSuppressionWindow = defaultEchoWin
	}
	if o.StaleGraceWindow <= 0 {
		o.StaleGraceWindow = defaultGraceWin
	}
}

// StartRequest describes a session to open.
type StartRequest struct {
	NicotineContentMg float64
	PlannedDuration   time.Duration
	// StartTime is optional; zero means "now".
	StartTime time.Time
	Source    string
}

// --- Command types ---

type coordCmd interface{ coordCmd() }

type cmdStartSession struct {
	ctx     context.Context
	req     StartRequest
	replyCh chan startResult
}

func (cmdStartSession) coordCmd() {}

type startResult struct {
	session *domain.Session
	err     error
}

type cmdStopSession struct {
	ctx     context.Context
	id      uuid.UUID
	at      time.Time // zero means "now"
	replyCh chan domain.StopOutcome
}

func (cmdStopSession) coordCmd() {}

type cmdReconcile struct {
	ctx     context.Context
	replyCh chan domain.ReconcileResult
}

func (cmdReconcile) coordCmd() {}

type cmdShutdown struct {
	doneCh chan struct{}
}

func (cmdShutdown) coordCmd() {}

// Coordinator is the state machine that guarantees exactly one active
// session across devices. The ledger's uniqueness constraint is the
// real cross-device lock; the coordinator serializes local mutations,
// collapses overlapping stops, suppresses local echoes during
// reconciliation, and closes stale sessions.
type Coordinator struct {
	cmdCh  chan coordCmd
	ledger domain.Ledger
	clock  clockwork.Clock
	opts   CoordinatorOptions

	events chan domain.SessionEvent

	// Actor-owned state. Touched only from run().
	announced    *uuid.UUID
	recentStarts map[uuid.UUID]time.Time
	localStops   map[uuid.UUID]time.Time
}

func NewCoordinator(ledger domain.Ledger, clock clockwork.Clock, opts CoordinatorOptions) *Coordinator {
	opts.defaults()
	return &Coordinator{
		cmdCh:        make(chan coordCmd, 64),
		ledger:       ledger,
		clock:        clock,
		opts:         opts,
		events:       make(chan domain.SessionEvent, eventBufferSize),
		recentStarts: make(map[uuid.UUID]time.Time),
		localStops:   make(map[uuid.UUID]time.Time),
	}
}

// Start launches the actor goroutine.
func (c *Coordinator) Start() {
	go c.run()
}

// Stop drains the actor and closes the event channel.
func (c *Coordinator) Stop() {
	doneCh := make(chan struct{})
	c.cmdCh <- cmdShutdown{doneCh: doneCh}
	<-doneCh
}

// Events is the coordinator's state-change stream. Subscribers must
// keep draining it; a full buffer drops events rather than blocking a
// state transition.
func (c *Coordinator) Events() <-chan domain.SessionEvent {
	return c.events
}

// StartSession opens a new session. It returns domain.ErrSessionActive
// while another session is open, including when this call loses a
// cross-device race and the ledger rejects the insert.
func (c *Coordinator) StartSession(ctx context.Context, req StartRequest) (*domain.Session, error) {
	replyCh := make(chan startResult, 1)
	c.cmdCh <- cmdStartSession{ctx: ctx, req: req, replyCh: replyCh}
	res := <-replyCh
	return res.session, res.err
}

// StopSession closes a session. Redundant, concurrent, or late stops
// all collapse into StopNoOp; only the first writer's stop time takes
// effect.
func (c *Coordinator) StopSession(ctx context.Context, id uuid.UUID, at time.Time) domain.StopOutcome {
	replyCh := make(chan domain.StopOutcome, 1)
	c.cmdCh <- cmdStopSession{ctx: ctx, id: id, at: at, replyCh: replyCh}
	return <-replyCh
}

// Reconcile re-derives local state from the ledger's current truth.
// Called on change-feed hints and on every background wake.
func (c *Coordinator) Reconcile(ctx context.Context) domain.ReconcileResult {
	replyCh := make(chan domain.ReconcileResult, 1)
	c.cmdCh <- cmdReconcile{ctx: ctx, replyCh: replyCh}
	return <-replyCh
}

// IsActive is the authoritative liveness check: it consults the ledger
// directly rather than any cached state, so effect-producing callers
// never act on a stale view after a relaunch or wake.
func (c *Coordinator) IsActive(ctx context.Context, id uuid.UUID) bool {
	s, err := retry.Do(ctx, retry.Once(), func() (*domain.Session, error) {
		s, err := c.ledger.Get(ctx, id)
		if errors.Is(err, domain.ErrSessionNotFound) {
			return nil, retry.Stop(err)
		}
		return s, err
	})
	if err != nil {
		return false
	}
	return s.Open()
}

func (c *Coordinator) run() {
	for cmd := range c.cmdCh {
		switch cm := cmd.(type) {
		case cmdStartSession:
			cm.replyCh <- c.handleStart(cm.ctx, cm.req)
		case cmdStopSession:
			cm.replyCh <- c.handleStop(cm.ctx, cm.id, cm.at)
		case cmdReconcile:
			cm.replyCh <- c.handleReconcile(cm.ctx)
		case cmdShutdown:
			close(c.events)
			close(cm.doneCh)
			return
		}
	}
}

func (c *Coordinator) handleStart(ctx context.Context, req StartRequest) startResult {
	if req.NicotineContentMg <= 0 {
		return startResult{err: fmt.Errorf("nicotine content must be positive, got %v", req.NicotineContentMg)}
	}
	if req.PlannedDuration <= 0 {
		return startResult{err: fmt.Errorf("planned duration must be positive, got %v", req.PlannedDuration)}
	}

	open, err := retry.Do(ctx, retry.Once(), func() ([]domain.Session, error) {
		return c.ledger.Open(ctx)
	})
	if err != nil {
		metrics.SessionStarts.WithLabelValues("error").Inc()
		return startResult{err: fmt.Errorf("ledger unavailable: %w", err)}
	}
	if len(open) > 0 {
		metrics.SessionStarts.WithLabelValues("rejected").Inc()
		return startResult{err: domain.ErrSessionActive}
	}

	start := req.StartTime
	if start.IsZero() {
		start = c.clock.Now()
	}
	session := domain.Session{
		ID:                uuid.New(),
		NicotineContentMg: req.NicotineContentMg,
		StartTime:         start,
		PlannedDuration:   req.PlannedDuration,
		Source:            req.Source,
	}

	err = retry.DoVoid(ctx, retry.Once(), func() error {
		err := c.ledger.Create(ctx, session)
		if errors.Is(err, domain.ErrSessionActive) {
			// Lost a cross-device race; the ledger is the tie-breaker.
			return retry.Stop(err)
		}
		return err
	})
	if errors.Is(err, domain.ErrSessionActive) {
		metrics.SessionStarts.WithLabelValues("rejected").Inc()
		return startResult{err: err}
	}
	if err != nil {
		metrics.SessionStarts.WithLabelValues("error").Inc()
		return startResult{err: fmt.Errorf("ledger unavailable: %w", err)}
	}

	now := c.clock.Now()
	c.recentStarts[session.ID] = now
	c.announced = &session.ID
	c.emit(domain.SessionEvent{Kind: domain.EventStarted, Session: &session, SessionID: session.ID, At: now})
	metrics.SessionStarts.WithLabelValues("started").Inc()
	slog.Info("Session started", "session_id", session.ID, "content_mg", session.NicotineContentMg, "planned_duration", session.PlannedDuration)
	return startResult{session: &session}
}

// handleStop runs on the actor goroutine, so overlapping stops arrive
// strictly one after another; the read-then-close below plus the
// ledger's idempotent Close make every stop after the first a no-op.
func (c *Coordinator) handleStop(ctx context.Context, id uuid.UUID, at time.Time) domain.StopOutcome {
	session, err := retry.Do(ctx, retry.Once(), func() (*domain.Session, error) {
		s, err := c.ledger.Get(ctx, id)
		if errors.Is(err, domain.ErrSessionNotFound) {
			return nil, retry.Stop(err)
		}
		return s, err
	})
	if err != nil {
		if !errors.Is(err, domain.ErrSessionNotFound) {
			slog.Warn("Stop: ledger read failed, degrading to no-op", "session_id", id, "error", err)
		}
		metrics.SessionStops.WithLabelValues("noop").Inc()
		return domain.StopNoOp
	}
	if !session.Open() {
		metrics.SessionStops.WithLabelValues("noop").Inc()
		return domain.StopNoOp
	}

	if at.IsZero() {
		at = c.clock.Now()
	}
	if at.Before(session.StartTime) {
		at = session.StartTime
	}

	closedNow, err := retry.Do(ctx, retry.Once(), func() (bool, error) {
		return c.ledger.Close(ctx, id, at)
	})
	if err != nil {
		slog.Warn("Stop: ledger write failed, degrading to no-op", "session_id", id, "error", err)
		metrics.SessionStops.WithLabelValues("error").Inc()
		return domain.StopNoOp
	}
	if !closedNow {
		// Another writer won; its stop time stands.
		metrics.SessionStops.WithLabelValues("noop").Inc()
		return domain.StopNoOp
	}

	c.localStops[id] = at
	if c.announced != nil && *c.announced == id {
		c.announced = nil
	}

	stopped := *session
	stopped.EndTime = &at
	c.emit(domain.SessionEvent{Kind: domain.EventStopped, Session: &stopped, SessionID: id, At: c.clock.Now()})
	metrics.SessionStops.WithLabelValues("stopped").Inc()
	slog.Info("Session stopped", "session_id", id, "end_time", at)
	return domain.StopStopped
}

func (c *Coordinator) handleReconcile(ctx context.Context) domain.ReconcileResult {
	open, err := retry.Do(ctx, retry.Once(), func() ([]domain.Session, error) {
		return c.ledger.Open(ctx)
	})
	if err != nil {
		slog.Warn("Reconcile: ledger read failed, will retry next cycle", "error", err)
		metrics.ReconcileRuns.WithLabelValues(string(domain.ReconcileFailed)).Inc()
		return domain.ReconcileResult{Outcome: domain.ReconcileFailed}
	}

	now := c.clock.Now()
	c.pruneMarkers(now)

	var result domain.ReconcileResult
	open, result.StaleClosed = c.closeStale(ctx, open, now)
	result.OpenCount = len(open)

	switch {
	case len(open) == 0:
		if c.announced != nil {
			ended := *c.announced
			c.announced = nil
			c.emit(domain.SessionEvent{Kind: domain.EventRemoteStopped, SessionID: ended, At: now})
			result.Outcome = domain.ReconcileRemoteStopped
		} else {
			result.Outcome = domain.ReconcileInSync
		}

	case len(open) == 1:
		s := open[0]
		result.Canonical = &s
		result.Outcome = c.reconcileSingle(s, now)

	default:
		// More than one open session should be impossible given ledger
		// uniqueness, but can transiently appear across replication lag.
		// Surface it, prefer the earliest start as canonical, and create
		// no display effects until the ledger converges.
		earliest := open[0]
		result.Canonical = &earliest
		result.Outcome = domain.ReconcileAnomaly
		metrics.ReconcileAnomalies.Inc()
		slog.Error("Reconcile: multiple open sessions observed", "count", len(open), "canonical", earliest.ID)
		c.emit(domain.SessionEvent{Kind: domain.EventAnomaly, Session: &earliest, SessionID: earliest.ID, At: now})
	}

	metrics.ReconcileRuns.WithLabelValues(string(result.Outcome)).Inc()
	return result
}

// reconcileSingle decides what to do about the one open session the
// ledger currently shows.
func (c *Coordinator) reconcileSingle(s domain.Session, now time.Time) domain.ReconcileOutcome {
	if c.announced != nil && *c.announced == s.ID {
		return domain.ReconcileInSync
	}

	// A locally acknowledged stop must never regress back to open, even
	// if a stale replica still shows the session without an end time.
	if stopAt, stopped := c.localStops[s.ID]; stopped && !stopAt.Before(s.StartTime) {
		return domain.ReconcileInSync
	}

	// Our own just-created session, or one too young to distinguish from
	// a local echo: defer the announcement. A genuinely remote session
	// is announced on the next pass once it ages past the window.
	if _, ours := c.recentStarts[s.ID]; ours {
		c.announced = &s.ID
		return domain.ReconcileInSync
	}
	if now.Sub(s.StartTime) < c.opts.EchoSuppressionWindow {
		return domain.ReconcileInSync
	}

	c.announced = &s.ID
	c.emit(domain.SessionEvent{Kind: domain.EventRemoteStarted, Session: &s, SessionID: s.ID, At: now})
	slog.Info("Reconcile: adopted remote session", "session_id", s.ID, "start_time", s.StartTime)
	return domain.ReconcileRemoteStarted
}

// closeStale auto-closes sessions open past their planned duration plus
// the grace window, using the planned end as the effective stop time so
// the decay seed matches what was actually absorbed.
func (c *Coordinator) closeStale(ctx context.Context, open []domain.Session, now time.Time) ([]domain.Session, int) {
	kept := open[:0]
	closed := 0
	for _, s := range open {
		deadline := s.PlannedEnd().Add(c.opts.StaleGraceWindow)
		if now.Before(deadline) {
			kept = append(kept, s)
			continue
		}

		end := s.PlannedEnd()
		closedNow, err := retry.Do(ctx, retry.Once(), func() (bool, error) {
			return c.ledger.Close(ctx, s.ID, end)
		})
		if err != nil {
			slog.Warn("Reconcile: failed to close stale session", "session_id", s.ID, "error", err)
			kept = append(kept, s)
			continue
		}
		if !closedNow {
			continue
		}

		closed++
		c.localStops[s.ID] = end
		if c.announced != nil && *c.announced == s.ID {
			c.announced = nil
		}
		stale := s
		stale.EndTime = &end
		c.emit(domain.SessionEvent{Kind: domain.EventStaleClosed, Session: &stale, SessionID: s.ID, At: now})
		metrics.StaleSessionsClosed.Inc()
		slog.Warn("Reconcile: auto-closed stale session", "session_id", s.ID, "planned_end", end, "overdue", now.Sub(deadline))
	}
	return kept, closed
}

func (c *Coordinator) pruneMarkers(now time.Time) {
	for id, at := range c.recentStarts {
		if now.Sub(at) > markerRetention {
			delete(c.recentStarts, id)
		}
	}
	for id, at := range c.localStops {
		if now.Sub(at) > markerRetention {
			delete(c.localStops, id)
		}
	}
}

func (c *Coordinator) emit(ev domain.SessionEvent) {
	select {
	case c.events <- ev:
	default:
		slog.Warn("Event buffer full, dropping event", "kind", ev.Kind, "session_id", ev.SessionID)
	}
}
