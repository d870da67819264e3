package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pouchlab/pouchpulse/internal/domain"
)

var ErrSettingsNotFound = errors.New("settings not found")

// SettingsRepo reads and writes user configuration. The target range
// is a single row; source defaults are keyed by product name.
type SettingsRepo struct {
	pool *pgxpool.Pool
}

func NewSettingsRepo(pool *pgxpool.Pool) *SettingsRepo {
	return &SettingsRepo{pool: pool}
}

func (r *SettingsRepo) TargetRange(ctx context.Context) (domain.TargetRange, error) {
	var target domain.TargetRange
	err := r.pool.QueryRow(ctx, `
		SELECT low_mg, high_mg, alert_margin_mg
		FROM target_settings
		WHERE id
	`).Scan(&target.Low, &target.High, &target.AlertMargin)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.TargetRange{}, ErrSettingsNotFound
	}
	if err != nil {
		return domain.TargetRange{}, fmt.Errorf("failed to get target range: %w", err)
	}
	return target, nil
}

func (r *SettingsRepo) UpdateTargetRange(ctx context.Context, target domain.TargetRange) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO target_settings (id, low_mg, high_mg, alert_margin_mg)
		VALUES (TRUE, $1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			low_mg = EXCLUDED.low_mg,
			high_mg = EXCLUDED.high_mg,
			alert_margin_mg = EXCLUDED.alert_margin_mg,
			updated_at = NOW()
	`, target.Low, target.High, target.AlertMargin)
	if err != nil {
		return fmt.Errorf("failed to update target range: %w", err)
	}
	return nil
}

func (r *SettingsRepo) SourceDefaults(ctx context.Context, source string) (domain.SourceDefaults, error) {
	var (
		defaults       domain.SourceDefaults
		plannedSeconds int64
	)
	err := r.pool.QueryRow(ctx, `
		SELECT nicotine_content_mg, planned_duration_seconds
		FROM source_defaults
		WHERE source = $1
	`, source).Scan(&defaults.NicotineContentMg, &plannedSeconds)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.SourceDefaults{}, ErrSettingsNotFound
	}
	if err != nil {
		return domain.SourceDefaults{}, fmt.Errorf("failed to get source defaults: %w", err)
	}
	defaults.PlannedDuration = time.Duration(plannedSeconds) * time.Second
	return defaults, nil
}

func (r *SettingsRepo) UpsertSourceDefaults(ctx context.Context, source string, defaults domain.SourceDefaults) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO source_defaults (source, nicotine_content_mg, planned_duration_seconds)
		VALUES ($1, $2, $3)
		ON CONFLICT (source) DO UPDATE SET
			nicotine_content_mg = EXCLUDED.nicotine_content_mg,
			planned_duration_seconds = EXCLUDED.planned_duration_seconds,
			updated_at = NOW()
	`, source, defaults.NicotineContentMg, int64(defaults.PlannedDuration.Seconds()))
	if err != nil {
		return fmt.Errorf("failed to upsert source defaults: %w", err)
	}
	return nil
}
