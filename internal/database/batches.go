package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/timkrebs/photo-variants/internal/models"
)

var (
	// ErrNotFound is returned when a batch is not found
	ErrNotFound = errors.New("batch not found")
	// ErrNotCancelable is returned when a batch has already started
	ErrNotCancelable = errors.New("batch cannot be canceled (already processing or finished)")
	// ErrNotRunnable is returned when a worker picks up a batch that is not waiting
	ErrNotRunnable = errors.New("batch is not waiting to be processed")
)

// BatchRepository handles batch database operations
type BatchRepository struct {
	db *DB
}

// NewBatchRepository creates a new batch repository
func NewBatchRepository(db *DB) *BatchRepository {
	return &BatchRepository{db: db}
}

const batchColumns = `
	id, status, items, categories, processed, current_file, succeeded, failed,
	archive_key, error, worker_id, created_at, updated_at,
	started_at, completed_at, processing_time_ms, delete_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatch(row rowScanner) (*models.Batch, error) {
	b := &models.Batch{}
	var currentFile, archiveKey, errorMsg, workerID sql.NullString
	var startedAt, completedAt, deleteAt sql.NullTime
	var processingTime sql.NullInt64

	err := row.Scan(
		&b.ID,
		&b.Status,
		&b.ItemsJSON,
		&b.CategoriesJSON,
		&b.Progress.Processed,
		&currentFile,
		&b.Succeeded,
		&b.Failed,
		&archiveKey,
		&errorMsg,
		&workerID,
		&b.CreatedAt,
		&b.UpdatedAt,
		&startedAt,
		&completedAt,
		&processingTime,
		&deleteAt,
	)
	if err != nil {
		return nil, err
	}

	b.Progress.CurrentFile = currentFile.String
	b.ArchiveKey = archiveKey.String
	b.Error = errorMsg.String
	b.WorkerID = workerID.String
	if startedAt.Valid {
		b.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		b.CompletedAt = &completedAt.Time
	}
	if processingTime.Valid {
		b.ProcessingTime = &processingTime.Int64
	}
	if deleteAt.Valid {
		b.DeleteAt = &deleteAt.Time
	}

	if err := b.UnmarshalFields(); err != nil {
		return nil, fmt.Errorf("failed to unmarshal batch fields: %w", err)
	}
	b.Progress.Total = len(b.Items)

	return b, nil
}

// Create inserts a new batch into the database
func (r *BatchRepository) Create(ctx context.Context, b *models.Batch) (err error) {
	defer func(start time.Time) { r.db.observe("create_batch", start, err) }(time.Now())
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := b.MarshalFields(); err != nil {
		return fmt.Errorf("failed to marshal batch fields: %w", err)
	}

	query := `
		INSERT INTO batches (id, status, items, categories, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err = r.db.ExecContext(ctx, query,
		b.ID,
		b.Status,
		b.ItemsJSON,
		b.CategoriesJSON,
		b.CreatedAt,
		b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create batch: %w", err)
	}

	return nil
}

// GetByID retrieves a batch by its ID
func (r *BatchRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Batch, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	query := `SELECT ` + batchColumns + ` FROM batches WHERE id = $1`

	b, err := scanBatch(r.db.QueryRowContext(ctx, query, id))
	r.db.observe("get_batch", start, err)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}

	return b, nil
}

// List retrieves a page of batches, newest first
func (r *BatchRepository) List(ctx context.Context, page, pageSize int) ([]*models.Batch, int, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 10
	}
	offset := (page - 1) * pageSize

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM batches`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count batches: %w", err)
	}

	query := `SELECT ` + batchColumns + ` FROM batches ORDER BY created_at DESC LIMIT $1 OFFSET $2`
	batches, err := r.query(ctx, query, pageSize, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list batches: %w", err)
	}

	return batches, total, nil
}

func (r *BatchRepository) query(ctx context.Context, query string, args ...any) ([]*models.Batch, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batches []*models.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// UpdateStatus updates the status of a batch
func (r *BatchRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status models.BatchStatus) error {
	query := `UPDATE batches SET status = $1, updated_at = NOW() WHERE id = $2`
	result, err := r.db.ExecContext(ctx, query, status, id)
	if err != nil {
		return fmt.Errorf("failed to update batch status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// StartProcessing marks a waiting batch as processing and records the worker ID.
// It returns ErrNotRunnable when the batch was canceled or already picked up.
func (r *BatchRepository) StartProcessing(ctx context.Context, id uuid.UUID, workerID string) error {
	query := `
		UPDATE batches
		SET status = $1, worker_id = $2, started_at = NOW(), updated_at = NOW()
		WHERE id = $3 AND status IN ($4, $5)
	`
	result, err := r.db.ExecContext(ctx, query,
		models.BatchStatusProcessing,
		workerID,
		id,
		models.BatchStatusPending,
		models.BatchStatusQueued,
	)
	if err != nil {
		return fmt.Errorf("failed to start batch: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotRunnable
	}

	return nil
}

// UpdateProgress records the processed count, the current file and the
// per-item outcomes so far
func (r *BatchRepository) UpdateProgress(ctx context.Context, id uuid.UUID, progress models.Progress, items []models.BatchItem) (err error) {
	defer func(start time.Time) { r.db.observe("update_progress", start, err) }(time.Now())

	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("failed to marshal items: %w", err)
	}

	query := `
		UPDATE batches
		SET processed = $1, current_file = $2, items = $3, updated_at = NOW()
		WHERE id = $4
	`
	_, err = r.db.ExecContext(ctx, query, progress.Processed, progress.CurrentFile, string(data), id)
	if err != nil {
		return fmt.Errorf("failed to update batch progress: %w", err)
	}
	return nil
}

// Outcome is the final state of a processed batch
type Outcome struct {
	Status     models.BatchStatus
	ArchiveKey string
	Error      string
	Items      []models.BatchItem
	Succeeded  int
	Failed     int
}

// CompleteBatch stores the final outcome and schedules deletion after retention
func (r *BatchRepository) CompleteBatch(ctx context.Context, id uuid.UUID, outcome Outcome, retention time.Duration) (err error) {
	defer func(start time.Time) { r.db.observe("complete_batch", start, err) }(time.Now())
	now := time.Now()

	var startedAt sql.NullTime
	err = r.db.QueryRowContext(ctx, `SELECT started_at FROM batches WHERE id = $1`, id).Scan(&startedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get started_at: %w", err)
	}

	var processingTime int64
	if startedAt.Valid {
		processingTime = now.Sub(startedAt.Time).Milliseconds()
	}

	data, err := json.Marshal(outcome.Items)
	if err != nil {
		return fmt.Errorf("failed to marshal items: %w", err)
	}

	query := `
		UPDATE batches
		SET status = $1, archive_key = NULLIF($2, ''), error = NULLIF($3, ''), items = $4,
		    succeeded = $5, failed = $6, processed = $7, current_file = NULL,
		    completed_at = $8, processing_time_ms = $9, delete_at = $10, updated_at = $8
		WHERE id = $11
	`
	_, err = r.db.ExecContext(ctx, query,
		outcome.Status,
		outcome.ArchiveKey,
		outcome.Error,
		string(data),
		outcome.Succeeded,
		outcome.Failed,
		len(outcome.Items),
		now,
		processingTime,
		now.Add(retention),
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to complete batch: %w", err)
	}
	return nil
}

// FailBatch marks a batch as failed with an error message. Its sources are
// kept until the retention period ends.
func (r *BatchRepository) FailBatch(ctx context.Context, id uuid.UUID, errorMsg string, retention time.Duration) error {
	now := time.Now()
	query := `
		UPDATE batches
		SET status = $1, error = $2, completed_at = $3, delete_at = $4, current_file = NULL, updated_at = $3
		WHERE id = $5
	`
	_, err := r.db.ExecContext(ctx, query, models.BatchStatusFailed, errorMsg, now, now.Add(retention), id)
	if err != nil {
		return fmt.Errorf("failed to mark batch failed: %w", err)
	}
	return nil
}

// CancelBatch marks a waiting batch as canceled and schedules it for
// immediate cleanup
func (r *BatchRepository) CancelBatch(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE batches
		SET status = $1, delete_at = NOW(), updated_at = NOW()
		WHERE id = $2 AND status IN ($3, $4)
	`
	result, err := r.db.ExecContext(ctx, query,
		models.BatchStatusCancelled,
		id,
		models.BatchStatusPending,
		models.BatchStatusQueued,
	)
	if err != nil {
		return fmt.Errorf("failed to cancel batch: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotCancelable
	}

	return nil
}

// GetPendingBatchesCount returns the count of batches waiting for a worker
func (r *BatchRepository) GetPendingBatchesCount(ctx context.Context) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM batches WHERE status IN ($1, $2)`
	err := r.db.QueryRowContext(ctx, query, models.BatchStatusPending, models.BatchStatusQueued).Scan(&count)
	return count, err
}

// GetBatchesToCleanup returns batches that should be deleted (delete_at < now)
func (r *BatchRepository) GetBatchesToCleanup(ctx context.Context, limit int) ([]*models.Batch, error) {
	query := `
		SELECT ` + batchColumns + `
		FROM batches
		WHERE delete_at IS NOT NULL AND delete_at < NOW()
		ORDER BY delete_at ASC
		LIMIT $1
	`

	batches, err := r.query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get batches to cleanup: %w", err)
	}
	return batches, nil
}

// DeleteBatch permanently deletes a batch from the database
func (r *BatchRepository) DeleteBatch(ctx context.Context, id uuid.UUID) error {
	query := `DELETE FROM batches WHERE id = $1`
	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete batch: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}
