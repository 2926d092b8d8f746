package db

import (
	"context"
	"fmt"
	"time"
)

// CleanupResult reports a history prune.
type CleanupResult struct {
	Deleted  int64
	Cutoff   time.Time
	Duration time.Duration
}

// PruneHistory deletes invocation history older than retention.
// A zero retention keeps everything.
func (r *Repository) PruneHistory(ctx context.Context, retention time.Duration) (CleanupResult, error) {
	start := time.Now()
	result := CleanupResult{}

	if retention < 0 {
		return result, fmt.Errorf("retention must be non-negative, got %s", retention)
	}
	if retention == 0 {
		return result, nil
	}

	conn, err := r.db.conn()
	if err != nil {
		return result, err
	}

	result.Cutoff = start.Add(-retention).UTC()
	res, err := conn.ExecContext(ctx,
		"DELETE FROM invocation_history WHERE created_at < ?", formatTime(result.Cutoff))
	if err != nil {
		return result, fmt.Errorf("failed to prune history: %w", err)
	}
	if result.Deleted, err = res.RowsAffected(); err != nil {
		return result, fmt.Errorf("failed to get rows affected: %w", err)
	}

	result.Duration = time.Since(start)
	return result, nil
}

// CleanupSchedulerConfig holds configuration for the prune loop.
type CleanupSchedulerConfig struct {
	Retention time.Duration
	Interval  time.Duration
	// OnCleanup is called after each run (optional)
	OnCleanup func(result CleanupResult, err error)
}

// DefaultCleanupSchedulerConfig prunes daily with a 30-day retention.
func DefaultCleanupSchedulerConfig() CleanupSchedulerConfig {
	return CleanupSchedulerConfig{
		Retention: 30 * 24 * time.Hour,
		Interval:  24 * time.Hour,
	}
}

// RunCleanupLoop prunes once immediately and then every Interval until ctx
// is cancelled. It blocks and returns nil on cancellation.
func (r *Repository) RunCleanupLoop(ctx context.Context, config CleanupSchedulerConfig) error {
	if config.Interval <= 0 {
		return fmt.Errorf("cleanup interval must be positive, got %s", config.Interval)
	}

	run := func() {
		result, err := r.PruneHistory(ctx, config.Retention)
		if config.OnCleanup != nil && ctx.Err() == nil {
			config.OnCleanup(result, err)
		}
	}

	run()
	ticker := time.NewTicker(config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			run()
		}
	}
}
