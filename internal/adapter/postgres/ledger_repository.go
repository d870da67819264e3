package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pouchlab/pouchpulse/internal/domain"
)

const uniqueViolationCode = "23505"

// LedgerRepo stores sessions in Postgres. The sessions_single_open
// partial unique index is the authority on the one-open-session rule;
// Create translates its violation into domain.ErrSessionActive so a
// losing writer in a start race sees the same error as a local check.
type LedgerRepo struct {
	pool *pgxpool.Pool
}

func NewLedgerRepo(pool *pgxpool.Pool) *LedgerRepo {
	return &LedgerRepo{pool: pool}
}

func (r *LedgerRepo) Create(ctx context.Context, s domain.Session) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO sessions (id, nicotine_content_mg, start_time, planned_duration_seconds, end_time, source)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, s.ID, s.NicotineContentMg, s.StartTime, int64(s.PlannedDuration.Seconds()), s.EndTime, s.Source)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode && pgErr.ConstraintName == "sessions_single_open" {
		return domain.ErrSessionActive
	}
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

func (r *LedgerRepo) Close(ctx context.Context, id uuid.UUID, endTime time.Time) (bool, error) {
	// end_time never precedes start_time, and only the first closer's
	// time sticks. A row that is missing or already closed matches
	// nothing, which makes redundant stops a quiet no-op.
	tag, err := r.pool.Exec(ctx, `
		UPDATE sessions
		SET end_time = GREATEST($2::timestamptz, start_time), updated_at = NOW()
		WHERE id = $1 AND end_time IS NULL
	`, id, endTime)
	if err != nil {
		return false, fmt.Errorf("failed to close session: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *LedgerRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, nicotine_content_mg, start_time, planned_duration_seconds, end_time, source
		FROM sessions
		WHERE id = $1
	`, id)

	s, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &s, nil
}

func (r *LedgerRepo) Open(ctx context.Context) ([]domain.Session, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, nicotine_content_mg, start_time, planned_duration_seconds, end_time, source
		FROM sessions
		WHERE end_time IS NULL
		ORDER BY start_time
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query open sessions: %w", err)
	}
	defer rows.Close()

	return collectSessions(rows)
}

func (r *LedgerRepo) StartedSince(ctx context.Context, cutoff time.Time) ([]domain.Session, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, nicotine_content_mg, start_time, planned_duration_seconds, end_time, source
		FROM sessions
		WHERE start_time >= $1
		ORDER BY start_time
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent sessions: %w", err)
	}
	defer rows.Close()

	return collectSessions(rows)
}

func scanSession(row pgx.Row) (domain.Session, error) {
	var (
		s              domain.Session
		plannedSeconds int64
		endTime        *time.Time
	)
	if err := row.Scan(&s.ID, &s.NicotineContentMg, &s.StartTime, &plannedSeconds, &endTime, &s.Source); err != nil {
		return domain.Session{}, err
	}
	s.PlannedDuration = time.Duration(plannedSeconds) * time.Second
	s.EndTime = endTime
	return s, nil
}

func collectSessions(rows pgx.Rows) ([]domain.Session, error) {
	var sessions []domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read sessions: %w", err)
	}
	return sessions, nil
}
