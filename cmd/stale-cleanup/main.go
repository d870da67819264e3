package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/pouchlab/pouchpulse/internal/adapter/postgres"
	"github.com/pouchlab/pouchpulse/internal/domain"
)

func main() {
	var (
		databaseURL = flag.String("database", os.Getenv("DATABASE_URL"), "Postgres URL (or set DATABASE_URL env)")
		grace       = flag.Duration("grace", 20*time.Minute, "Grace window added to a session's planned duration before it counts as stale")
		dryRun      = flag.Bool("dry-run", false, "Dry run mode (don't write to the database)")
		verbose     = flag.Bool("verbose", false, "Verbose logging")
	)
	flag.Parse()

	if *databaseURL == "" {
		log.Fatal("Postgres URL required (--database or DATABASE_URL env)")
	}

	// Configure logging
	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))

	ctx := context.Background()

	pool, err := postgres.Connect(ctx, *databaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()
	slog.Info("Connected to database", "url", sanitizeURL(*databaseURL))

	ledger := postgres.NewLedgerRepo(pool)

	if err := closeStaleSessions(ctx, ledger, *grace, *dryRun); err != nil {
		log.Fatalf("Cleanup failed: %v", err)
	}

	slog.Info("Cleanup complete")
}

func closeStaleSessions(ctx context.Context, ledger domain.Ledger, grace time.Duration, dryRun bool) error {
	start := time.Now()
	now := time.Now().UTC()
	var scanned, closed, skipped int

	slog.Info("Starting stale session cleanup", "grace", grace, "dry_run", dryRun)

	open, err := ledger.Open(ctx)
	if err != nil {
		return fmt.Errorf("failed to list open sessions: %w", err)
	}

	for _, sess := range open {
		scanned++

		deadline := sess.PlannedEnd().Add(grace)
		if now.Before(deadline) {
			slog.Debug("Session still within its window", "session_id", sess.ID, "deadline", deadline.Format(time.RFC3339))
			skipped++
			continue
		}

		// Backdate the close to the planned end, not to now; the
		// session stopped contributing when its window ran out.
		if !dryRun {
			ok, err := ledger.Close(ctx, sess.ID, sess.PlannedEnd())
			if err != nil {
				return fmt.Errorf("failed to close session %s: %w", sess.ID, err)
			}
			if !ok {
				// Another writer got there first; fine either way.
				slog.Debug("Session already closed", "session_id", sess.ID)
				skipped++
				continue
			}
		}

		slog.Debug("Closed stale session",
			"session_id", sess.ID,
			"planned_end", sess.PlannedEnd().Format(time.RFC3339))
		closed++
	}

	slog.Info("Cleanup summary",
		"scanned", scanned,
		"closed", closed,
		"skipped", skipped,
		"duration_ms", time.Since(start).Milliseconds())

	return nil
}

func sanitizeURL(url string) string {
	// Hide password in the URL for logging
	if strings.Contains(url, "@") {
		parts := strings.Split(url, "@")
		if len(parts) == 2 {
			credParts := strings.Split(parts[0], ":")
			if len(credParts) >= 2 {
				return credParts[0] + ":***@" + parts[1]
			}
		}
	}
	return url
}
