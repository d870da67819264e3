package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/pouchlab/pouchpulse/internal/domain"
)

// SchedulerOptions hold the cadence policy.
type SchedulerOptions struct {
	// Foreground cadences.
	CountdownTick       time.Duration // drives the UI countdown
	DisplayRefreshTick  time.Duration // pushes display-effect snapshots
	DisplayRefreshFloor time.Duration // hard minimum between display pushes
	GlanceReloadTick    time.Duration // heavier glanceable-surface reload

	// Background wake cadences.
	WakeAfterStart time.Duration // first wake shortly after a session starts
	WakeWhileOpen  time.Duration // while a session is open
	WakeWhileIdle  time.Duration // when idle
}

func (o *SchedulerOptions) defaults() {
	if o.CountdownTick <= 0 {
		o.CountdownTick = time.Second
	}
	if o.DisplayRefreshTick <= 0 {
		o.DisplayRefreshTick = 20 * time.Second
	}
	if o.DisplayRefreshFloor <= 0 {
		o.DisplayRefreshFloor = 15 * time.Second
	}
	if o.GlanceReloadTick <= 0 {
		o.GlanceReloadTick = 2 * time.Minute
	}
	if o.WakeAfterStart <= 0 {
		o.WakeAfterStart = 10 * time.Second
	}
	if o.WakeWhileOpen <= 0 {
		o.WakeWhileOpen = 2 * time.Minute
	}
	if o.WakeWhileIdle <= 0 {
		o.WakeWhileIdle = 30 * time.Minute
	}
}

// Refresher receives the scheduler's refresh callbacks. All calls are
// best-effort; the scheduler neither retries nor consumes errors.
type Refresher interface {
	RefreshCountdown(ctx context.Context)
	RefreshDisplay(ctx context.Context)
	RefreshGlance(ctx context.Context)
}

// reconciler is the slice of the coordinator the scheduler needs.
type reconciler interface {
	Reconcile(ctx context.Context) domain.ReconcileResult
}

// Scheduler owns the refresh cadence: fast foreground ticks for the
// countdown, rate-limited display refreshes, periodic glance reloads,
// and single-pass background wakes that reconcile and then re-arm
// themselves. Each cadence class holds at most one live handle;
// starting a class cancels its predecessor first, so overlapping
// timers never double-fire.
type Scheduler struct {
	coordinator reconciler
	refresher   Refresher
	clock       clockwork.Clock
	opts        SchedulerOptions

	displayLimiter *rate.Limiter

	mu            sync.Mutex
	fgCancel      context.CancelFunc
	fgDone        chan struct{}
	wakeTimer     clockwork.Timer
	wakeCancelled bool
	lastWakeOpen  bool
}

func NewScheduler(coordinator reconciler, refresher Refresher, clock clockwork.Clock, opts SchedulerOptions) *Scheduler {
	opts.defaults()
	return &Scheduler{
		coordinator:    coordinator,
		refresher:      refresher,
		clock:          clock,
		opts:           opts,
		displayLimiter: rate.NewLimiter(rate.Every(opts.DisplayRefreshFloor), 1),
	}
}

// StartForeground begins the foreground tick loops, cancelling any
// prior foreground run first.
func (s *Scheduler) StartForeground(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopForegroundLocked()

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.fgCancel = cancel
	s.fgDone = done
	go s.runForeground(runCtx, done)
}

// StopForeground cancels the foreground loops and waits for them to
// exit. Safe to call repeatedly.
func (s *Scheduler) StopForeground() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopForegroundLocked()
}

func (s *Scheduler) stopForegroundLocked() {
	if s.fgCancel == nil {
		return
	}
	s.fgCancel()
	<-s.fgDone
	s.fgCancel = nil
	s.fgDone = nil
}

func (s *Scheduler) runForeground(ctx context.Context, done chan struct{}) {
	defer close(done)

	countdown := s.clock.NewTicker(s.opts.CountdownTick)
	defer countdown.Stop()
	display := s.clock.NewTicker(s.opts.DisplayRefreshTick)
	defer display.Stop()
	glance := s.clock.NewTicker(s.opts.GlanceReloadTick)
	defer glance.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Debug("Foreground ticks stopped")
			return
		case <-countdown.Chan():
			s.refresher.RefreshCountdown(ctx)
		case <-display.Chan():
			// The display surface has its own floor: even if tick config
			// is cranked down, pushes never exceed the floor rate.
			if s.displayLimiter.Allow() {
				s.refresher.RefreshDisplay(ctx)
			}
		case <-glance.Chan():
			s.refresher.RefreshGlance(ctx)
		}
	}
}

// ArmWake schedules the next background wake based on the current
// session state, replacing any pending wake.
func (s *Scheduler) ArmWake(ctx context.Context, openSessionAge time.Duration, hasOpen bool) {
	delay := s.nextWakeDelay(openSessionAge, hasOpen)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.wakeTimer != nil {
		s.wakeTimer.Stop()
	}
	s.wakeCancelled = false
	s.lastWakeOpen = hasOpen
	s.wakeTimer = s.clock.AfterFunc(delay, func() {
		s.wake(ctx)
	})
	slog.Debug("Background wake armed", "delay", delay, "session_open", hasOpen)
}

// CancelWake stops any pending background wake.
func (s *Scheduler) CancelWake() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wakeTimer != nil {
		s.wakeTimer.Stop()
		s.wakeTimer = nil
	}
	s.wakeCancelled = true
}

func (s *Scheduler) nextWakeDelay(openSessionAge time.Duration, hasOpen bool) time.Duration {
	if !hasOpen {
		return s.opts.WakeWhileIdle
	}
	// Right after a start, wake quickly to catch immediate drift, then
	// settle into the medium cadence for the rest of the session.
	if openSessionAge < s.opts.WakeAfterStart {
		return s.opts.WakeAfterStart
	}
	return s.opts.WakeWhileOpen
}

// wake is one background pass: reconcile once, push one batch display
// refresh, then re-arm. It is a single pass, never a loop; if the
// context is cancelled mid-pass, whatever display writes went out stay
// out and nothing is retried until the next wake.
func (s *Scheduler) wake(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	res := s.coordinator.Reconcile(ctx)
	s.refresher.RefreshDisplay(ctx)

	if ctx.Err() != nil {
		return
	}
	s.mu.Lock()
	cancelled := s.wakeCancelled
	s.mu.Unlock()
	if cancelled {
		return
	}

	hasOpen := res.Canonical != nil
	var age time.Duration
	if hasOpen {
		age = s.clock.Now().Sub(res.Canonical.StartTime)
	}
	if res.Outcome == domain.ReconcileFailed {
		// A failed ledger read says nothing about whether the session
		// closed. Retry at the last-known cadence, never the idle one;
		// age past the fast window so an open session lands on the
		// medium cadence.
		s.mu.Lock()
		hasOpen = s.lastWakeOpen
		s.mu.Unlock()
		age = s.opts.WakeAfterStart
	}
	s.ArmWake(ctx, age, hasOpen)
}
