// Package worker runs queued batches: it downloads the sources, processes
// them one by one and uploads the resulting archive.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/timkrebs/photo-variants/internal/archive"
	"github.com/timkrebs/photo-variants/internal/database"
	"github.com/timkrebs/photo-variants/internal/metrics"
	"github.com/timkrebs/photo-variants/internal/models"
	"github.com/timkrebs/photo-variants/internal/processor"
	"github.com/timkrebs/photo-variants/internal/queue"
	"github.com/timkrebs/photo-variants/internal/storage"
)

// BatchStore is the part of the batch repository the worker needs
type BatchStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Batch, error)
	StartProcessing(ctx context.Context, id uuid.UUID, workerID string) error
	UpdateProgress(ctx context.Context, id uuid.UUID, progress models.Progress, items []models.BatchItem) error
	CompleteBatch(ctx context.Context, id uuid.UUID, outcome database.Outcome, retention time.Duration) error
	FailBatch(ctx context.Context, id uuid.UUID, errorMsg string, retention time.Duration) error
}

// ObjectStore reads sources and stores archives
type ObjectStore interface {
	Download(ctx context.Context, key string) (io.ReadCloser, error)
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error
}

// Queue delivers batch messages to one named consumer
type Queue interface {
	Consume(ctx context.Context) (*queue.Message, error)
	Acknowledge(ctx context.Context, messageID string) error
	// Extend resets the idle time of a message held by this consumer.
	Extend(ctx context.Context, messageID string) error
}

// QueueFactory returns the queue for one consumer name. Every goroutine of
// a worker reads under its own name so a message it holds is never handed to
// a sibling as its pending entry.
type QueueFactory func(consumerName string) Queue

// Config holds worker configuration
type Config struct {
	ID          string
	Concurrency int
	// Retention is how long finished batches are kept before cleanup.
	Retention time.Duration
	// LeaseInterval is how often a running batch refreshes its message.
	// It must stay well below the queue's claim idle time.
	LeaseInterval time.Duration
}

// Worker consumes batch messages and processes them
type Worker struct {
	batches     BatchStore
	objects     ObjectStore
	queues      QueueFactory
	proc        *processor.Processor
	metrics     *metrics.BatchMetrics
	logger      *slog.Logger
	id          string
	concurrency int
	retention   time.Duration
	lease       time.Duration

	mu     sync.Mutex
	active map[uuid.UUID]struct{}
}

// New creates a new worker
func New(batches BatchStore, objects ObjectStore, queues QueueFactory, proc *processor.Processor, cfg Config, logger *slog.Logger) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	if cfg.LeaseInterval <= 0 {
		cfg.LeaseInterval = time.Minute
	}
	return &Worker{
		batches:     batches,
		objects:     objects,
		queues:      queues,
		proc:        proc,
		logger:      logger,
		id:          cfg.ID,
		concurrency: cfg.Concurrency,
		retention:   cfg.Retention,
		lease:       cfg.LeaseInterval,
		active:      make(map[uuid.UUID]struct{}),
	}
}

// ConsumerName is the queue consumer name of goroutine n
func ConsumerName(workerID string, n int) string {
	return fmt.Sprintf("%s-%d", workerID, n)
}

// SetMetrics injects metrics collectors into the worker
func (w *Worker) SetMetrics(m *metrics.BatchMetrics) {
	w.metrics = m
}

// Run starts the consumer goroutines and blocks until ctx is done and all of
// them have returned
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		q := w.queues(ConsumerName(w.id, i))
		go func(n int) {
			defer wg.Done()
			w.loop(ctx, n, q)
		}(i)
	}

	w.logger.Info("worker started", "concurrency", w.concurrency)
	wg.Wait()
	w.logger.Info("worker stopped")
}

func (w *Worker) loop(ctx context.Context, n int, q Queue) {
	logger := w.logger.With("goroutine", n, "consumer", ConsumerName(w.id, n))

	for {
		select {
		case <-ctx.Done():
			logger.Info("worker goroutine stopping")
			return
		default:
		}

		msg, err := q.Consume(ctx)
		if err != nil {
			var malformed *queue.MalformedError
			if errors.As(err, &malformed) {
				logger.Error("dropping malformed message", "message_id", malformed.ID, "error", malformed.Err)
				w.ack(ctx, logger, q, malformed.ID)
				continue
			}
			if ctx.Err() != nil {
				return
			}
			logger.Error("failed to consume message", "error", err)
			sleep(ctx, time.Second)
			continue
		}

		if msg == nil {
			// No message available, continue polling
			continue
		}

		w.handle(ctx, logger, q, msg)
	}
}

// handle processes one message and acknowledges it unless processing was
// interrupted by shutdown, so another worker can pick the batch up. The
// message lease is refreshed while the batch runs.
func (w *Worker) handle(ctx context.Context, logger *slog.Logger, q Queue, msg *queue.Message) {
	leaseCtx, stopLease := context.WithCancel(ctx)
	leaseDone := make(chan struct{})
	go func() {
		defer close(leaseDone)
		w.keepLease(leaseCtx, logger, q, msg.ID)
	}()

	err := w.ProcessBatch(ctx, msg.Batch.BatchID)
	stopLease()
	<-leaseDone

	if err != nil && ctx.Err() != nil {
		logger.Warn("batch interrupted by shutdown", "batch_id", msg.Batch.BatchID, "error", err)
		return
	}
	if err != nil {
		logger.Error("failed to process batch", "batch_id", msg.Batch.BatchID, "error", err)
	}
	w.ack(ctx, logger, q, msg.ID)
}

func (w *Worker) keepLease(ctx context.Context, logger *slog.Logger, q Queue, id string) {
	ticker := time.NewTicker(w.lease)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.Extend(ctx, id); err != nil && ctx.Err() == nil {
				logger.Warn("failed to extend message lease", "message_id", id, "error", err)
			}
		}
	}
}

func (w *Worker) ack(ctx context.Context, logger *slog.Logger, q Queue, id string) {
	if err := q.Acknowledge(context.WithoutCancel(ctx), id); err != nil {
		logger.Error("failed to acknowledge message", "message_id", id, "error", err)
	}
}

// acquire marks id as running in this process. It reports false when
// another goroutine already runs it.
func (w *Worker) acquire(id uuid.UUID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.active[id]; ok {
		return false
	}
	w.active[id] = struct{}{}
	return true
}

func (w *Worker) release(id uuid.UUID) {
	w.mu.Lock()
	delete(w.active, id)
	w.mu.Unlock()
}

// ProcessBatch runs one batch end to end. Batches that are gone, canceled,
// already finished or running in another goroutine are skipped without error.
func (w *Worker) ProcessBatch(ctx context.Context, id uuid.UUID) error {
	logger := w.logger.With("batch_id", id)
	start := time.Now()

	if !w.acquire(id) {
		logger.Info("batch already running in this worker, skipping")
		return nil
	}
	defer w.release(id)

	batch, err := w.batches.GetByID(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		logger.Warn("batch not found, skipping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get batch: %w", err)
	}

	switch {
	case batch.Status.Terminal():
		logger.Info("batch already finished, skipping", "status", batch.Status)
		return nil
	case batch.Status == models.BatchStatusProcessing:
		// Redelivered after the previous worker stopped mid-batch
		logger.Info("resuming interrupted batch", "previous_worker", batch.WorkerID)
	default:
		err := w.batches.StartProcessing(ctx, id, w.id)
		if errors.Is(err, database.ErrNotRunnable) {
			logger.Info("batch is no longer runnable, skipping")
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to start processing: %w", err)
		}
	}

	if w.metrics != nil {
		w.metrics.BatchesActive.Inc()
		defer w.metrics.BatchesActive.Dec()
	}

	logger.Info("starting batch processing", "items", len(batch.Items), "categories", batch.Categories)

	items := make([]models.BatchItem, len(batch.Items))
	copy(items, batch.Items)

	report, err := w.proc.Batch(ctx, w.sources(items), batch.Categories, processor.BatchHooks{
		OnProgress: func(p models.Progress) {
			if err := w.batches.UpdateProgress(ctx, id, p, items); err != nil {
				logger.Error("failed to update progress", "error", err)
			}
		},
		OnItem: func(i int, result processor.ItemResult) {
			items[i] = itemOutcome(items[i], result)
			if w.metrics != nil {
				w.metrics.ItemsTotal.WithLabelValues(metrics.Status(result.Err)).Inc()
			}
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		w.fail(ctx, logger, id, processor.UserMessage(err), start)
		return fmt.Errorf("failed to process batch: %w", err)
	}

	if report.Succeeded == 0 {
		w.fail(ctx, logger, id, "No image in the batch could be processed.", start)
		return nil
	}

	archiveKey := storage.ArchiveKey(id)
	if err := w.uploadArchive(ctx, archiveKey, report); err != nil {
		if ctx.Err() != nil {
			return err
		}
		w.fail(ctx, logger, id, "The archive could not be stored. Please try again.", start)
		return fmt.Errorf("failed to upload archive: %w", err)
	}

	status := models.BatchStatusCompleted
	if report.Failed > 0 {
		status = models.BatchStatusPartial
	}

	outcome := database.Outcome{
		Status:     status,
		ArchiveKey: archiveKey,
		Items:      items,
		Succeeded:  report.Succeeded,
		Failed:     report.Failed,
	}
	if err := w.batches.CompleteBatch(ctx, id, outcome, w.retention); err != nil {
		return fmt.Errorf("failed to complete batch: %w", err)
	}

	w.observe(status, start)
	logger.Info("batch completed",
		"status", status,
		"succeeded", report.Succeeded,
		"failed", report.Failed,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (w *Worker) sources(items []models.BatchItem) []processor.Source {
	sources := make([]processor.Source, len(items))
	for i, item := range items {
		key := item.SourceKey
		sources[i] = processor.Source{
			Name: item.Filename,
			Open: func(ctx context.Context) (io.ReadCloser, error) {
				return w.objects.Download(ctx, key)
			},
		}
	}
	return sources
}

// uploadArchive streams the zip into storage without buffering it
func (w *Worker) uploadArchive(ctx context.Context, key string, report *processor.BatchReport) error {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(archive.Write(pw, report))
	}()

	err := w.objects.Upload(ctx, key, pr, -1, "application/zip")
	pr.CloseWithError(err)
	return err
}

func (w *Worker) fail(ctx context.Context, logger *slog.Logger, id uuid.UUID, msg string, start time.Time) {
	if err := w.batches.FailBatch(ctx, id, msg, w.retention); err != nil {
		logger.Error("failed to mark batch failed", "error", err)
	}
	w.observe(models.BatchStatusFailed, start)
	logger.Warn("batch failed", "reason", msg)
}

func (w *Worker) observe(status models.BatchStatus, start time.Time) {
	if w.metrics == nil {
		return
	}
	w.metrics.ProcessingDuration.WithLabelValues(string(status)).Observe(time.Since(start).Seconds())
	w.metrics.BatchesTotal.WithLabelValues(string(status)).Inc()
}

func itemOutcome(item models.BatchItem, result processor.ItemResult) models.BatchItem {
	if !result.OK() {
		item.Status = models.ItemStatusFailed
		item.Error = processor.UserMessage(result.Err)
		item.Parameters = nil
		return item
	}
	params := result.Parameters
	item.Status = models.ItemStatusOK
	item.Error = ""
	item.Parameters = &params
	return item
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
