package worker

import (
	"context"
	"log/slog"
	"time"
)

// RetentionStore defines the store operations needed by the retention
// coordinator. Implemented by store.SQLiteStore.
type RetentionStore interface {
	DeleteExpiredRefreshTokens(ctx context.Context) (int64, error)
	CleanExpiredIdempotency(ctx context.Context) (int64, error)
}

// RetentionCoordinator prunes expired refresh tokens and expired push
// idempotency records on a fixed interval.
type RetentionCoordinator struct {
	store    RetentionStore
	interval time.Duration
}

// NewRetentionCoordinator creates a coordinator with the given store and
// interval.
func NewRetentionCoordinator(store RetentionStore, interval time.Duration) *RetentionCoordinator {
	return &RetentionCoordinator{
		store:    store,
		interval: interval,
	}
}

// Run starts the coordinator loop. Prunes immediately on start, then on each
// interval. Respects context cancellation for graceful shutdown.
func (c *RetentionCoordinator) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "retention-coordinator",
		"interval", c.interval.String(),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "retention-coordinator",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.runCycle(ctx)
		}
	}
}

// runCycle prunes both retention surfaces, continuing past individual
// failures.
func (c *RetentionCoordinator) runCycle(ctx context.Context) {
	start := time.Now()

	tokens, err := c.store.DeleteExpiredRefreshTokens(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return // Graceful shutdown
		}
		slog.Error("expired refresh token cleanup failed",
			"component", "worker",
			"worker", "retention-coordinator",
			"action", "retention_failed",
			"error", err,
		)
	}

	pushes, err := c.store.CleanExpiredIdempotency(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return // Graceful shutdown
		}
		slog.Error("expired push record cleanup failed",
			"component", "worker",
			"worker", "retention-coordinator",
			"action", "retention_failed",
			"error", err,
		)
	}

	if tokens == 0 && pushes == 0 {
		slog.Debug("nothing to prune",
			"component", "worker",
			"worker", "retention-coordinator",
		)
		return
	}

	slog.Info("retention cycle completed",
		"component", "worker",
		"worker", "retention-coordinator",
		"action", "cycle_complete",
		"refresh_tokens_deleted", tokens,
		"push_records_deleted", pushes,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
