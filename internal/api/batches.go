package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/timkrebs/photo-variants/internal/database"
	"github.com/timkrebs/photo-variants/internal/models"
	"github.com/timkrebs/photo-variants/internal/processor"
	"github.com/timkrebs/photo-variants/internal/storage"
)

// CreateBatch handles POST /api/v1/batches. Every "images" file becomes one
// item; "categories" optionally restricts what is randomized.
func (h *Handlers) CreateBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := r.ParseMultipartForm(h.maxUploadSize); err != nil {
		h.writeError(w, http.StatusBadRequest, "failed to parse form: "+err.Error())
		return
	}

	files := r.MultipartForm.File["images"]
	if len(files) == 0 {
		h.writeError(w, http.StatusBadRequest, processor.UserMessage(processor.ErrEmptyBatch))
		return
	}
	if len(files) > h.maxBatchFiles {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("a batch holds at most %d images", h.maxBatchFiles))
		return
	}

	categories, err := models.ParseCategories(r.FormValue("categories"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	items := make([]models.BatchItem, len(files))
	for i, fh := range files {
		contentType, ok := uploadContentType(fh.Header.Get("Content-Type"), fh.Filename)
		if !ok {
			h.writeError(w, http.StatusBadRequest, fmt.Sprintf("%s: %s", fh.Filename, processor.UserMessage(processor.ErrInvalidImage)))
			return
		}
		items[i] = models.BatchItem{
			Filename:    fh.Filename,
			ContentType: contentType,
			Size:        fh.Size,
		}
	}

	batch := models.NewBatch(items, categories)
	for i, fh := range files {
		key := storage.SourceKey(batch.ID, i, fh.Filename)
		if err := h.uploadSource(ctx, key, fh, batch.Items[i].ContentType); err != nil {
			h.logger.Error("failed to upload source", "batch_id", batch.ID, "file", fh.Filename, "error", err)
			h.discardSources(batch.ID)
			h.writeError(w, http.StatusInternalServerError, "failed to upload file")
			return
		}
		batch.Items[i].SourceKey = key
	}

	if err := h.batches.Create(ctx, batch); err != nil {
		h.logger.Error("failed to create batch", "error", err)
		h.discardSources(batch.ID)
		h.writeError(w, http.StatusInternalServerError, "failed to create batch")
		return
	}

	if err := h.batches.UpdateStatus(ctx, batch.ID, models.BatchStatusQueued); err != nil {
		h.logger.Error("failed to update batch status", "error", err)
	}
	batch.Status = models.BatchStatusQueued

	if err := h.queue.Enqueue(ctx, &models.BatchMessage{BatchID: batch.ID}); err != nil {
		h.logger.Error("failed to enqueue batch", "error", err)
		// Update status back to pending on queue failure
		if updateErr := h.batches.UpdateStatus(ctx, batch.ID, models.BatchStatusPending); updateErr != nil {
			h.logger.Error("failed to update batch status", "error", updateErr)
		}
		h.writeError(w, http.StatusInternalServerError, "failed to queue batch")
		return
	}

	if h.batchMetrics != nil {
		h.batchMetrics.BatchesTotal.WithLabelValues(string(models.BatchStatusQueued)).Inc()
	}

	h.logger.Info("batch created", "batch_id", batch.ID, "items", len(items), "categories", categories)
	h.writeJSON(w, http.StatusCreated, batch)
}

func (h *Handlers) uploadSource(ctx context.Context, key string, fh *multipart.FileHeader, contentType string) error {
	f, err := fh.Open()
	if err != nil {
		return err
	}
	defer f.Close()
	return h.objects.Upload(ctx, key, f, fh.Size, contentType)
}

// discardSources removes already uploaded sources of a batch that was not created
func (h *Handlers) discardSources(id uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := h.objects.DeletePrefix(ctx, storage.BatchPrefix(id)); err != nil {
		h.logger.Warn("failed to discard batch sources", "batch_id", id, "error", err)
	}
}

// batchFromRequest loads the batch named by the {id} URL parameter. It writes
// the error response itself and reports whether the caller may continue.
func (h *Handlers) batchFromRequest(w http.ResponseWriter, r *http.Request) (*models.Batch, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid batch ID")
		return nil, false
	}

	batch, err := h.batches.GetByID(r.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "batch not found")
		return nil, false
	}
	if err != nil {
		h.logger.Error("failed to get batch", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to get batch")
		return nil, false
	}
	return batch, true
}

// GetBatch handles GET /api/v1/batches/{id}
func (h *Handlers) GetBatch(w http.ResponseWriter, r *http.Request) {
	batch, ok := h.batchFromRequest(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, batch)
}

// ListBatches handles GET /api/v1/batches
func (h *Handlers) ListBatches(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	batches, total, err := h.batches.List(r.Context(), page, pageSize)
	if err != nil {
		h.logger.Error("failed to list batches", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list batches")
		return
	}

	totalPages := (total + pageSize - 1) / pageSize

	h.writeJSON(w, http.StatusOK, models.BatchListResponse{
		Batches:    batches,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages,
	})
}

// CancelBatch handles DELETE /api/v1/batches/{id}
func (h *Handlers) CancelBatch(w http.ResponseWriter, r *http.Request) {
	batch, ok := h.batchFromRequest(w, r)
	if !ok {
		return
	}

	err := h.batches.CancelBatch(r.Context(), batch.ID)
	if errors.Is(err, database.ErrNotCancelable) {
		h.writeError(w, http.StatusConflict, fmt.Sprintf("batch is %s and cannot be canceled", batch.Status))
		return
	}
	if err != nil {
		h.logger.Error("failed to cancel batch", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to cancel batch")
		return
	}

	if h.batchMetrics != nil {
		h.batchMetrics.BatchesTotal.WithLabelValues(string(models.BatchStatusCancelled)).Inc()
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": string(models.BatchStatusCancelled)})
}

// GetArchive handles GET /api/v1/batches/{id}/archive. With ?redirect=true
// the client is sent to a presigned storage URL instead.
func (h *Handlers) GetArchive(w http.ResponseWriter, r *http.Request) {
	batch, ok := h.batchFromRequest(w, r)
	if !ok {
		return
	}

	if batch.ArchiveKey == "" {
		h.writeError(w, http.StatusConflict, fmt.Sprintf("archive is not available while the batch is %s", batch.Status))
		return
	}

	if r.URL.Query().Get("redirect") == "true" {
		u, err := h.objects.GetPresignedURL(r.Context(), batch.ArchiveKey, 15*time.Minute)
		if err != nil {
			h.logger.Error("failed to presign archive", "error", err)
			h.writeError(w, http.StatusInternalServerError, "failed to get archive")
			return
		}
		http.Redirect(w, r, u, http.StatusFound)
		return
	}

	reader, err := h.objects.Download(r.Context(), batch.ArchiveKey)
	if err != nil {
		h.logger.Error("failed to download archive", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to download archive")
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="variants-%s.zip"`, batch.ID))

	if _, err := io.Copy(w, reader); err != nil {
		h.logger.Error("failed to stream archive", "error", err)
	}
}

// StreamBatchStatus handles GET /api/v1/batches/{id}/stream
// Streams batch progress using Server-Sent Events (SSE)
func (h *Handlers) StreamBatchStatus(w http.ResponseWriter, r *http.Request) {
	batch, ok := h.batchFromRequest(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	send := func(b *models.Batch) {
		data, _ := json.Marshal(b)
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	send(batch)
	if batch.Status.Terminal() {
		return
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	ctx := r.Context()
	last := batch.UpdatedAt
	for {
		select {
		case <-ctx.Done():
			// Client disconnected
			return
		case <-ticker.C:
			current, err := h.batches.GetByID(ctx, batch.ID)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					h.logger.Error("failed to get batch during stream", "error", err)
				}
				return
			}

			if current.UpdatedAt.Equal(last) && !current.Status.Terminal() {
				continue
			}
			last = current.UpdatedAt
			send(current)

			if current.Status.Terminal() {
				return
			}
		}
	}
}
