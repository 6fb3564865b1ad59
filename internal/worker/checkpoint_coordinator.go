package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/overhaulhq/shopsync/internal/ledger"
	"github.com/overhaulhq/shopsync/internal/snapshot"
	"github.com/overhaulhq/shopsync/internal/types"
)

// CheckpointStore defines the store operations needed by the checkpoint
// coordinator. Implemented by store.SQLiteStore.
type CheckpointStore interface {
	LedgerCheckpoint(ctx context.Context) (types.Checkpoint, bool, error)
	GenerateSnapshot(ctx context.Context) error
	GetSnapshotPath(ctx context.Context) (string, error)
}

// CheckpointCoordinator periodically seals a ledger checkpoint and publishes
// a fresh database snapshot for bootstrapping clients.
type CheckpointCoordinator struct {
	store    CheckpointStore
	uploader snapshot.Uploader
	interval time.Duration
}

// NewCheckpointCoordinator creates a coordinator with the given store and
// interval. The uploader is optional; if nil, snapshots stay local.
func NewCheckpointCoordinator(store CheckpointStore, interval time.Duration, uploader snapshot.Uploader) *CheckpointCoordinator {
	return &CheckpointCoordinator{
		store:    store,
		uploader: uploader,
		interval: interval,
	}
}

// Run starts the coordinator loop. Seals a checkpoint immediately on start,
// then on each interval. Respects context cancellation for graceful shutdown.
func (c *CheckpointCoordinator) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "checkpoint-coordinator",
		"interval", c.interval.String(),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	// Seal immediately on start so a fresh deployment publishes a snapshot
	// without waiting a full interval.
	c.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "checkpoint-coordinator",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.runCycle(ctx)
		}
	}
}

// runCycle seals a checkpoint and, when it covered new ledger entries,
// regenerates the snapshot. A cycle with nothing new is skipped quietly so an
// idle shop does not churn snapshots.
func (c *CheckpointCoordinator) runCycle(ctx context.Context) {
	start := time.Now()

	cp, sealed, err := c.store.LedgerCheckpoint(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return // Graceful shutdown
		}
		if errors.Is(err, ledger.ErrNothingToCheckpoint) {
			slog.Debug("ledger empty, nothing to checkpoint",
				"component", "worker",
				"worker", "checkpoint-coordinator",
			)
			return
		}
		slog.Error("ledger checkpoint failed",
			"component", "worker",
			"worker", "checkpoint-coordinator",
			"action", "checkpoint_failed",
			"error", err,
		)
		return
	}

	if !sealed {
		slog.Debug("no new ledger entries since last checkpoint",
			"component", "worker",
			"worker", "checkpoint-coordinator",
			"last_seq", cp.LastSeq,
		)
		return
	}

	if err := c.store.GenerateSnapshot(ctx); err != nil {
		if ctx.Err() != nil {
			return // Graceful shutdown
		}
		slog.Warn("snapshot generation failed",
			"component", "worker",
			"worker", "checkpoint-coordinator",
			"action", "snapshot_failed",
			"error", err,
		)
		return
	}

	if c.uploader != nil {
		c.uploadSnapshot(ctx)
	}

	slog.Info("checkpoint cycle completed",
		"component", "worker",
		"worker", "checkpoint-coordinator",
		"action", "cycle_complete",
		"checkpoint_seq", cp.LastSeq,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// uploadSnapshot uploads the published snapshot to S3.
// Upload failures are logged as warnings but are NOT fatal; the local
// snapshot remains valid.
func (c *CheckpointCoordinator) uploadSnapshot(ctx context.Context) {
	path, err := c.store.GetSnapshotPath(ctx)
	if err != nil {
		slog.Warn("failed to get snapshot path for upload",
			"component", "worker",
			"worker", "checkpoint-coordinator",
			"action", "snapshot_upload_failed",
			"error", err,
		)
		return
	}

	if err := c.uploader.Upload(ctx, path); err != nil {
		slog.Warn("snapshot upload to S3 failed",
			"component", "worker",
			"worker", "checkpoint-coordinator",
			"action", "snapshot_upload_failed",
			"error", err,
		)
		return
	}

	slog.Info("snapshot uploaded to S3",
		"component", "worker",
		"worker", "checkpoint-coordinator",
		"action", "snapshot_uploaded",
	)
}
