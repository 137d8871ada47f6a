package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/timkrebs/photo-variants/internal/metrics"
	"github.com/timkrebs/photo-variants/internal/models"
	"github.com/timkrebs/photo-variants/internal/processor"
)

// BatchStore is the part of the batch repository the API needs
type BatchStore interface {
	Create(ctx context.Context, batch *models.Batch) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Batch, error)
	List(ctx context.Context, page, pageSize int) ([]*models.Batch, int, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status models.BatchStatus) error
	CancelBatch(ctx context.Context, id uuid.UUID) error
}

// ObjectStore holds batch sources and archives
type ObjectStore interface {
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error
	Download(ctx context.Context, key string) (io.ReadCloser, error)
	DeletePrefix(ctx context.Context, prefix string) (int, error)
	GetPresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
	Health(ctx context.Context) error
}

// BatchQueue hands batches to the workers
type BatchQueue interface {
	Enqueue(ctx context.Context, msg *models.BatchMessage) error
	GetStats(ctx context.Context, consumerGroup string) (*models.QueueStats, error)
}

// Database reports connection health
type Database interface {
	Health(ctx context.Context) error
	Stats() sql.DBStats
}

// Options configures Handlers
type Options struct {
	Batches   BatchStore
	Objects   ObjectStore
	Queue     BatchQueue
	DB        Database
	Processor *processor.Processor
	Logger    *slog.Logger
	// Fetcher downloads images given by URL
	Fetcher   *http.Client
	GroupName string
	// OutputFormat forces the encoding of edits; blank keeps the source's.
	OutputFormat  processor.Format
	MaxUploadSize int64
	MaxBatchFiles int
	// MaxConcurrentEdits bounds single-image edits across all clients.
	MaxConcurrentEdits int
}

// Handlers holds all HTTP handlers
type Handlers struct {
	batches       BatchStore
	objects       ObjectStore
	queue         BatchQueue
	db            Database
	proc          *processor.Processor
	edits         *semaphore.Weighted
	fetcher       *http.Client
	logger        *slog.Logger
	batchMetrics  *metrics.BatchMetrics
	groupName     string
	outputFormat  processor.Format
	maxUploadSize int64
	maxBatchFiles int
}

// NewHandlers creates a new handlers instance
func NewHandlers(opts Options) *Handlers {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Fetcher == nil {
		opts.Fetcher = processor.NewFetchClient(15 * time.Second)
	}
	if opts.MaxUploadSize <= 0 {
		opts.MaxUploadSize = 50 << 20
	}
	if opts.MaxBatchFiles <= 0 {
		opts.MaxBatchFiles = 50
	}
	if opts.MaxConcurrentEdits <= 0 {
		opts.MaxConcurrentEdits = 4
	}

	return &Handlers{
		batches:       opts.Batches,
		objects:       opts.Objects,
		queue:         opts.Queue,
		db:            opts.DB,
		proc:          opts.Processor,
		edits:         semaphore.NewWeighted(int64(opts.MaxConcurrentEdits)),
		fetcher:       opts.Fetcher,
		logger:        opts.Logger,
		groupName:     opts.GroupName,
		outputFormat:  opts.OutputFormat,
		maxUploadSize: opts.MaxUploadSize,
		maxBatchFiles: opts.MaxBatchFiles,
	}
}

// SetMetrics injects metrics collectors into handlers
func (h *Handlers) SetMetrics(batchMetrics *metrics.BatchMetrics) {
	h.batchMetrics = batchMetrics
}

// writeJSON writes a JSON response
func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode JSON response", "error", err)
	}
}

// writeError writes an error response
func (h *Handlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

type filterInfo struct {
	Name        models.FilterType `json:"name"`
	Implemented bool              `json:"implemented"`
}

// ListFilters handles GET /api/v1/filters
func (h *Handlers) ListFilters(w http.ResponseWriter, r *http.Request) {
	filters := make([]filterInfo, 0, len(models.FilterTypes))
	for _, f := range models.FilterTypes {
		filters = append(filters, filterInfo{Name: f, Implemented: f.Implemented()})
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"filters":    filters,
		"categories": models.Categories,
	})
}

// GetQueueStats handles GET /api/v1/stats/queue
func (h *Handlers) GetQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.GetStats(r.Context(), h.groupName)
	if err != nil {
		h.logger.Error("failed to get queue stats", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to get queue stats")
		return
	}

	h.writeJSON(w, http.StatusOK, stats)
}

// Health handles GET /api/v1/health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	checks := make(map[string]interface{})

	if err := h.db.Health(ctx); err != nil {
		status = "unhealthy"
		checks["database"] = map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		}
	} else {
		dbStats := h.db.Stats()
		checks["database"] = map[string]interface{}{
			"status":           "healthy",
			"open_connections": dbStats.OpenConnections,
			"in_use":           dbStats.InUse,
			"idle":             dbStats.Idle,
		}
	}

	if err := h.objects.Health(ctx); err != nil {
		status = "unhealthy"
		checks["storage"] = map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		}
	} else {
		checks["storage"] = map[string]string{
			"status": "healthy",
		}
	}

	// Redis is checked through the queue stats
	if _, err := h.queue.GetStats(ctx, h.groupName); err != nil {
		status = "unhealthy"
		checks["redis"] = map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		}
	} else {
		checks["redis"] = map[string]string{
			"status": "healthy",
		}
	}

	response := map[string]interface{}{
		"status": status,
		"checks": checks,
	}

	statusCode := http.StatusOK
	if status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	h.writeJSON(w, statusCode, response)
}

// Helper functions

func isValidImageType(contentType string) bool {
	validTypes := []string{
		"image/jpeg",
		"image/jpg",
		"image/png",
		"image/gif",
		"image/webp",
		"image/bmp",
		"image/tiff",
	}
	for _, t := range validTypes {
		if strings.EqualFold(contentType, t) {
			return true
		}
	}
	return false
}

func detectContentType(filename string) string {
	lower := strings.ToLower(filename)
	switch {
	case strings.HasSuffix(lower, ".jpg"), strings.HasSuffix(lower, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(lower, ".png"):
		return "image/png"
	case strings.HasSuffix(lower, ".gif"):
		return "image/gif"
	case strings.HasSuffix(lower, ".webp"):
		return "image/webp"
	case strings.HasSuffix(lower, ".bmp"):
		return "image/bmp"
	case strings.HasSuffix(lower, ".tif"), strings.HasSuffix(lower, ".tiff"):
		return "image/tiff"
	default:
		return "application/octet-stream"
	}
}

// uploadContentType returns the image type of an upload, falling back to the
// file extension when the declared type is missing or generic
func uploadContentType(declared, filename string) (string, bool) {
	if isValidImageType(declared) {
		return strings.ToLower(declared), true
	}
	detected := detectContentType(filename)
	return detected, isValidImageType(detected)
}
