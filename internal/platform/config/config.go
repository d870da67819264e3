package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

// Config is the full process configuration, loaded from the
// environment (with .env support for local development).
type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	AppURL    string `env:"APP_URL" default:"http://localhost:8080"`
	Port      string `env:"PORT" default:"8080"`
	DeviceID  string `env:"DEVICE_ID"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	// Empty DatabaseURL runs the server against the in-memory ledger
	// (single-device standalone mode).
	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`

	// Kinetics constants; overridable mainly for tests and staging.
	AbsorptionFraction  float64       `env:"ABSORPTION_FRACTION" default:"0.30"`
	EliminationHalfLife time.Duration `env:"ELIMINATION_HALF_LIFE" default:"2h"`

	// Session defaults and staleness.
	DefaultPlannedDuration time.Duration `env:"DEFAULT_PLANNED_DURATION" default:"30m"`
	DefaultNicotineMg      float64       `env:"DEFAULT_NICOTINE_MG" default:"6"`
	StaleGraceWindow       time.Duration `env:"STALE_GRACE_WINDOW" default:"20m"`
	EchoSuppressionWindow  time.Duration `env:"ECHO_SUPPRESSION_WINDOW" default:"5s"`

	// Target range fallbacks used when no settings row exists yet.
	TargetLow         float64 `env:"TARGET_LOW" default:"0.5"`
	TargetHigh        float64 `env:"TARGET_HIGH" default:"3.0"`
	TargetAlertMargin float64 `env:"TARGET_ALERT_MARGIN" default:"0.25"`

	// Refresh cadences.
	CountdownTick       time.Duration `env:"COUNTDOWN_TICK" default:"1s"`
	DisplayRefreshTick  time.Duration `env:"DISPLAY_REFRESH_TICK" default:"20s"`
	DisplayRefreshFloor time.Duration `env:"DISPLAY_REFRESH_FLOOR" default:"15s"`
	GlanceReloadTick    time.Duration `env:"GLANCE_RELOAD_TICK" default:"2m"`
	WakeAfterStart      time.Duration `env:"WAKE_AFTER_START" default:"10s"`
	WakeWhileOpen       time.Duration `env:"WAKE_WHILE_OPEN" default:"2m"`
	WakeWhileIdle       time.Duration `env:"WAKE_WHILE_IDLE" default:"30m"`

	// Alert projection parameters.
	AlertHorizon        time.Duration `env:"ALERT_HORIZON" default:"8h"`
	AlertSampleInterval time.Duration `env:"ALERT_SAMPLE_INTERVAL" default:"1m"`
	AlertDispatchTick   time.Duration `env:"ALERT_DISPATCH_TICK" default:"10s"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.AbsorptionFraction <= 0 || cfg.AbsorptionFraction > 1 {
		return fmt.Errorf("ABSORPTION_FRACTION must be in (0, 1], got %v", cfg.AbsorptionFraction)
	}
	if cfg.EliminationHalfLife <= 0 {
		return fmt.Errorf("ELIMINATION_HALF_LIFE must be positive, got %v", cfg.EliminationHalfLife)
	}
	if cfg.DefaultPlannedDuration <= 0 {
		return fmt.Errorf("DEFAULT_PLANNED_DURATION must be positive, got %v", cfg.DefaultPlannedDuration)
	}
	if cfg.TargetLow < 0 || cfg.TargetHigh < 0 || cfg.TargetAlertMargin < 0 {
		return fmt.Errorf("target range values must be non-negative")
	}
	if cfg.TargetLow >= cfg.TargetHigh {
		return fmt.Errorf("TARGET_LOW (%v) must be below TARGET_HIGH (%v)", cfg.TargetLow, cfg.TargetHigh)
	}
	return nil
}
