package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// CleanupService purges soft-deleted evaluations past the retention window,
// together with their event logs.
type CleanupService struct {
	Pool          PgxPool
	RetentionDays int
}

// NewCleanupService creates a new cleanup service.
func NewCleanupService(pool PgxPool, retentionDays int) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &CleanupService{Pool: pool, RetentionDays: retentionDays}
}

// CleanupOldData hard-deletes records soft-deleted before the retention cutoff.
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.RetentionDays)

	evTag, err := s.Pool.Exec(ctx, `
		DELETE FROM evaluation_events
		WHERE eval_id IN (
			SELECT eval_id FROM evaluations WHERE deleted_at IS NOT NULL AND deleted_at < $1
		)`, cutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.events: %w", err)
	}

	recTag, err := s.Pool.Exec(ctx, `
		DELETE FROM evaluations
		WHERE deleted_at IS NOT NULL AND deleted_at < $1`, cutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.evaluations: %w", err)
	}

	slog.Info("data cleanup completed",
		slog.Int64("deleted_evaluations", recTag.RowsAffected()),
		slog.Int64("deleted_events", evTag.RowsAffected()),
		slog.Time("cutoff", cutoff),
	)
	return nil
}

// RunPeriodic runs cleanup on an interval until the context ends.
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.CleanupOldData(ctx); err != nil {
		slog.Error("initial cleanup failed", slog.Any("error", err))
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("periodic cleanup failed", slog.Any("error", err))
			}
		}
	}
}
