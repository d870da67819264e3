package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"

	"github.com/pouchlab/pouchpulse/internal/adapter/httpserver"
	"github.com/pouchlab/pouchpulse/internal/adapter/memory"
	"github.com/pouchlab/pouchpulse/internal/adapter/postgres"
	"github.com/pouchlab/pouchpulse/internal/adapter/redis"
	"github.com/pouchlab/pouchpulse/internal/adapter/websocket"
	"github.com/pouchlab/pouchpulse/internal/app"
	"github.com/pouchlab/pouchpulse/internal/domain"
	"github.com/pouchlab/pouchpulse/internal/kinetics"
	"github.com/pouchlab/pouchpulse/internal/platform/config"
	"github.com/pouchlab/pouchpulse/internal/platform/logging"
)

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupDB(cfg *config.Config) *pgxpool.Pool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	if err := postgres.RunMigrationsWithLock(ctx, pool); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	return pool
}

func setupRedis(cfg *config.Config) *goredis.Client {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := redis.NewClient(ctx, cfg.RedisURL)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

func runGracefulShutdown(cancel context.CancelFunc, srv *httpserver.Server, coordinator *app.Coordinator, scheduler *app.Scheduler, hub *websocket.Hub) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		cancel()
		scheduler.StopForeground()
		coordinator.Stop()
		hub.Stop()

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.Init(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port)

	deviceID := cfg.DeviceID
	if deviceID == "" {
		deviceID = uuid.NewString()
		slog.Info("No device ID configured, generated one for this run", "device_id", deviceID)
	}

	// Empty DATABASE_URL runs standalone against the in-memory ledger.
	var (
		ledger       domain.Ledger
		settingsRepo *postgres.SettingsRepo
		healthChecks []httpserver.HealthCheck
	)
	if cfg.DatabaseURL != "" {
		pool := setupDB(cfg)
		defer pool.Close()
		ledger = postgres.NewLedgerRepo(pool)
		settingsRepo = postgres.NewSettingsRepo(pool)
		healthChecks = append(healthChecks, httpserver.HealthCheck{
			Name:  "postgres",
			Check: pool.Ping,
		})
	} else {
		slog.Info("No database configured, using in-memory ledger")
		ledger = memory.NewLedger()
	}

	// Redis carries the cross-device change feed and the alert queue.
	// Without it the server still works, single-device.
	var (
		feed     domain.ChangeFeed
		notifier *redis.Notifier
	)
	if cfg.RedisURL != "" {
		redisClient := setupRedis(cfg)
		defer func() { _ = redisClient.Close() }()
		feed = redis.NewChangeFeed(redisClient)
		notifier = redis.NewNotifier(redisClient)
		healthChecks = append(healthChecks, httpserver.HealthCheck{
			Name:  "redis",
			Check: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		})
	} else {
		slog.Info("No Redis configured, change feed and alerts disabled")
	}

	model := kinetics.NewModel(kinetics.Params{
		AbsorptionFraction: cfg.AbsorptionFraction,
		HalfLife:           cfg.EliminationHalfLife,
	})
	engine := kinetics.NewEngine(model)

	coordinator := app.NewCoordinator(ledger, clock, app.CoordinatorOptions{
		EchoSuppressionWindow: cfg.EchoSuppressionWindow,
		StaleGraceWindow:      cfg.StaleGraceWindow,
	})
	coordinator.Start()

	hub := websocket.NewHub()
	publisher := websocket.NewPublisher(hub)

	// Assign through typed locals to avoid typed-nil interfaces.
	var notifierPort domain.NotificationPort
	if notifier != nil {
		notifierPort = notifier
	}
	var settingsSource domain.SettingsSource
	if settingsRepo != nil {
		settingsSource = settingsRepo
	}

	svc := app.NewService(coordinator, ledger, model, engine, settingsSource, publisher, notifierPort, feed, clock, app.ServiceOptions{
		DeviceID:            deviceID,
		DefaultNicotineMg:   cfg.DefaultNicotineMg,
		DefaultDuration:     cfg.DefaultPlannedDuration,
		AlertHorizon:        cfg.AlertHorizon,
		AlertSampleInterval: cfg.AlertSampleInterval,
		TargetFallback: domain.TargetRange{
			Low:         cfg.TargetLow,
			High:        cfg.TargetHigh,
			AlertMargin: cfg.TargetAlertMargin,
		},
	})

	scheduler := app.NewScheduler(coordinator, svc, clock, app.SchedulerOptions{
		CountdownTick:       cfg.CountdownTick,
		DisplayRefreshTick:  cfg.DisplayRefreshTick,
		DisplayRefreshFloor: cfg.DisplayRefreshFloor,
		GlanceReloadTick:    cfg.GlanceReloadTick,
		WakeAfterStart:      cfg.WakeAfterStart,
		WakeWhileOpen:       cfg.WakeWhileOpen,
		WakeWhileIdle:       cfg.WakeWhileIdle,
	})
	svc.AttachWakes(scheduler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Run(ctx)
	scheduler.StartForeground(ctx)

	// Converge on the ledger before arming the wake chain; each wake
	// re-arms the next.
	res := coordinator.Reconcile(ctx)
	var openAge time.Duration
	if res.Canonical != nil {
		openAge = clock.Now().Sub(res.Canonical.StartTime)
	}
	scheduler.ArmWake(ctx, openAge, res.Canonical != nil)

	if notifier != nil {
		dispatcher := redis.NewDispatcher(notifier, publisher, clock, cfg.AlertDispatchTick)
		go dispatcher.Run(ctx)
	}

	var srv *httpserver.Server
	if settingsRepo != nil {
		srv = httpserver.NewServer(cfg, svc, settingsRepo, hub, healthChecks)
	} else {
		srv = httpserver.NewServer(cfg, svc, nil, hub, healthChecks)
	}

	done := runGracefulShutdown(cancel, srv, coordinator, scheduler, hub)

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
