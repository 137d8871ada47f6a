package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/timkrebs/photo-variants/internal/models"
	"github.com/timkrebs/photo-variants/internal/storage"
)

// BatchStore is the part of the batch repository the cleanup worker needs
type BatchStore interface {
	GetBatchesToCleanup(ctx context.Context, limit int) ([]*models.Batch, error)
	DeleteBatch(ctx context.Context, id uuid.UUID) error
}

// ObjectStore removes stored objects by key prefix
type ObjectStore interface {
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// Worker handles periodic cleanup of expired batches and their stored files
type Worker struct {
	batches   BatchStore
	objects   ObjectStore
	logger    *slog.Logger
	interval  time.Duration
	batchSize int
}

// Config holds cleanup worker configuration
type Config struct {
	Interval  time.Duration
	BatchSize int
}

// NewWorker creates a new cleanup worker
func NewWorker(batches BatchStore, objects ObjectStore, cfg Config, logger *slog.Logger) *Worker {
	if cfg.Interval == 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}

	return &Worker{
		batches:   batches,
		objects:   objects,
		logger:    logger,
		interval:  cfg.Interval,
		batchSize: cfg.BatchSize,
	}
}

// Start runs cleanup cycles until ctx is done
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("cleanup worker started", "interval", w.interval, "batch_size", w.batchSize)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("cleanup worker stopped")
			return
		case <-ticker.C:
			if err := w.cleanup(ctx); err != nil {
				w.logger.Error("cleanup failed", "error", err)
			}
		}
	}
}

// cleanup performs a single cleanup cycle
func (w *Worker) cleanup(ctx context.Context) error {
	startTime := time.Now()

	batches, err := w.batches.GetBatchesToCleanup(ctx, w.batchSize)
	if err != nil {
		return err
	}

	if len(batches) == 0 {
		w.logger.Debug("no batches to cleanup")
		return nil
	}

	w.logger.Info("found batches to cleanup", "count", len(batches))

	cleanedCount := 0
	errorCount := 0

	for _, b := range batches {
		if err := w.cleanupBatch(ctx, b); err != nil {
			w.logger.Error("failed to cleanup batch",
				"batch_id", b.ID,
				"error", err,
			)
			errorCount++
			continue
		}
		cleanedCount++
	}

	w.logger.Info("cleanup cycle completed",
		"duration_ms", time.Since(startTime).Milliseconds(),
		"cleaned", cleanedCount,
		"errors", errorCount,
		"total", len(batches),
	)

	return nil
}

// cleanupBatch removes a batch's sources and archive, then its record. The
// record is kept when the files could not be removed so the next cycle retries.
func (w *Worker) cleanupBatch(ctx context.Context, b *models.Batch) error {
	logger := w.logger.With("batch_id", b.ID)

	removed, err := w.objects.DeletePrefix(ctx, storage.BatchPrefix(b.ID))
	if err != nil {
		return err
	}
	logger.Debug("deleted batch files", "count", removed)

	if err := w.batches.DeleteBatch(ctx, b.ID); err != nil {
		return err
	}

	logger.Info("batch cleaned up", "status", b.Status)
	return nil
}
