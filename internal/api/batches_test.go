package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/timkrebs/photo-variants/internal/database"
	"github.com/timkrebs/photo-variants/internal/models"
	"github.com/timkrebs/photo-variants/internal/storage"
)

func batchRouter(h *Handlers) *chi.Mux {
	r := chi.NewRouter()
	r.Route("/api/v1/batches", func(r chi.Router) {
		r.Post("/", h.CreateBatch)
		r.Get("/", h.ListBatches)
		r.Get("/{id}", h.GetBatch)
		r.Get("/{id}/stream", h.StreamBatchStatus)
		r.Get("/{id}/archive", h.GetArchive)
		r.Delete("/{id}", h.CancelBatch)
	})
	return r
}

func TestHandlers_CreateBatch(t *testing.T) {
	env := newTestEnv(Options{})
	req := multipartRequest(t, "/api/v1/batches/",
		map[string]string{"categories": "filter,grain"},
		formFile{"images", "a.png", pngBytes(t, 4, 4)},
		formFile{"images", "b.jpg", []byte("jpeg bytes")},
	)
	recorder := httptest.NewRecorder()

	batchRouter(env.h).ServeHTTP(recorder, req)

	if recorder.Code != http.StatusCreated {
		t.Fatalf("Status = %d, want %d: %s", recorder.Code, http.StatusCreated, recorder.Body.String())
	}

	var batch models.Batch
	if err := json.NewDecoder(recorder.Body).Decode(&batch); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if batch.Status != models.BatchStatusQueued {
		t.Errorf("Status = %q, want queued", batch.Status)
	}
	if len(batch.Items) != 2 || batch.Progress.Total != 2 {
		t.Fatalf("Items = %+v, Progress = %+v", batch.Items, batch.Progress)
	}
	if len(batch.Categories) != 2 {
		t.Errorf("Categories = %v", batch.Categories)
	}

	for i, name := range []string{"a.png", "b.jpg"} {
		item := batch.Items[i]
		wantKey := storage.SourceKey(batch.ID, i, name)
		if item.Filename != name || item.SourceKey != wantKey || item.Status != models.ItemStatusPending {
			t.Errorf("item %d = %+v, want key %q", i, item, wantKey)
		}
		if _, ok := env.objects.objects[wantKey]; !ok {
			t.Errorf("source %q was not uploaded", wantKey)
		}
	}
	if batch.Items[1].ContentType != "image/jpeg" {
		t.Errorf("ContentType = %q, want image/jpeg", batch.Items[1].ContentType)
	}

	if len(env.queue.messages) != 1 || env.queue.messages[0].BatchID != batch.ID {
		t.Errorf("messages = %+v", env.queue.messages)
	}
	stored, err := env.batches.GetByID(req.Context(), batch.ID)
	if err != nil || stored.Status != models.BatchStatusQueued {
		t.Errorf("stored batch = %+v, %v", stored, err)
	}
}

func TestHandlers_CreateBatch_Rejected(t *testing.T) {
	tests := []struct {
		name      string
		fields    map[string]string
		files     []formFile
		wantError string
	}{
		{
			name:      "no images",
			wantError: "at least one image",
		},
		{
			name:      "too many images",
			files:     []formFile{{"images", "a.png", []byte("x")}, {"images", "b.png", []byte("x")}, {"images", "c.png", []byte("x")}},
			wantError: "at most 2 images",
		},
		{
			name:      "not an image",
			files:     []formFile{{"images", "a.png", []byte("x")}, {"images", "notes.txt", []byte("x")}},
			wantError: "notes.txt",
		},
		{
			name:      "unknown category",
			fields:    map[string]string{"categories": "blur"},
			files:     []formFile{{"images", "a.png", []byte("x")}},
			wantError: "unknown category",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(Options{MaxBatchFiles: 2})
			req := multipartRequest(t, "/api/v1/batches/", tt.fields, tt.files...)
			recorder := httptest.NewRecorder()

			batchRouter(env.h).ServeHTTP(recorder, req)

			if recorder.Code != http.StatusBadRequest {
				t.Errorf("Status = %d, want %d", recorder.Code, http.StatusBadRequest)
			}
			if got := decodeError(t, recorder.Body); !strings.Contains(got, tt.wantError) {
				t.Errorf("Error = %q, want to contain %q", got, tt.wantError)
			}
			if len(env.objects.objects) != 0 || len(env.queue.messages) != 0 {
				t.Error("rejected batch should not upload or enqueue anything")
			}
		})
	}
}

func TestHandlers_CreateBatch_UploadFailure(t *testing.T) {
	env := newTestEnv(Options{})
	env.objects.uploadErr = errors.New("minio down")
	req := multipartRequest(t, "/api/v1/batches/", nil, formFile{"images", "a.png", []byte("x")})
	recorder := httptest.NewRecorder()

	batchRouter(env.h).ServeHTTP(recorder, req)

	if recorder.Code != http.StatusInternalServerError {
		t.Errorf("Status = %d, want %d", recorder.Code, http.StatusInternalServerError)
	}
	if len(env.objects.deleted) != 1 || !strings.HasPrefix(env.objects.deleted[0], "batches/") {
		t.Errorf("uploaded sources should be discarded, deleted = %v", env.objects.deleted)
	}
	if len(env.batches.batches) != 0 {
		t.Error("no batch should be created")
	}
}

func TestHandlers_CreateBatch_EnqueueFailure(t *testing.T) {
	env := newTestEnv(Options{})
	env.queue.enqueueErr = errors.New("redis down")
	req := multipartRequest(t, "/api/v1/batches/", nil, formFile{"images", "a.png", []byte("x")})
	recorder := httptest.NewRecorder()

	batchRouter(env.h).ServeHTTP(recorder, req)

	if recorder.Code != http.StatusInternalServerError {
		t.Errorf("Status = %d, want %d", recorder.Code, http.StatusInternalServerError)
	}
	want := []models.BatchStatus{models.BatchStatusQueued, models.BatchStatusPending}
	if len(env.batches.statuses) != 2 || env.batches.statuses[0] != want[0] || env.batches.statuses[1] != want[1] {
		t.Errorf("status updates = %v, want %v", env.batches.statuses, want)
	}
}

func TestHandlers_GetBatch(t *testing.T) {
	env := newTestEnv(Options{})
	batch := models.NewBatch([]models.BatchItem{{Filename: "a.png"}}, nil)
	env.batches.put(batch)

	tests := []struct {
		name string
		path string
		want int
	}{
		{"found", "/api/v1/batches/" + batch.ID.String(), http.StatusOK},
		{"not found", "/api/v1/batches/" + uuid.New().String(), http.StatusNotFound},
		{"invalid id", "/api/v1/batches/invalid-uuid", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recorder := httptest.NewRecorder()
			batchRouter(env.h).ServeHTTP(recorder, httptest.NewRequest("GET", tt.path, nil))

			if recorder.Code != tt.want {
				t.Errorf("Status = %d, want %d", recorder.Code, tt.want)
			}
		})
	}
}

func TestHandlers_ListBatches_Pagination(t *testing.T) {
	tests := []struct {
		name           string
		query          string
		wantPage       int
		wantPageSize   int
		wantTotalPages int
	}{
		{"default", "", 1, 20, 3},
		{"custom page", "?page=3", 3, 20, 3},
		{"custom page_size", "?page_size=50", 1, 50, 1},
		{"both custom", "?page=2&page_size=30", 2, 30, 2},
		{"page too low", "?page=0", 1, 20, 3},
		{"page_size too low", "?page_size=0", 1, 20, 3},
		{"page_size too high", "?page_size=200", 1, 20, 3}, // defaults to 20 if > 100
		{"negative page", "?page=-5", 1, 20, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(Options{})
			env.batches.listTotal = 45

			recorder := httptest.NewRecorder()
			batchRouter(env.h).ServeHTTP(recorder, httptest.NewRequest("GET", "/api/v1/batches/"+tt.query, nil))

			if recorder.Code != http.StatusOK {
				t.Fatalf("Status = %d, want %d", recorder.Code, http.StatusOK)
			}
			if env.batches.listPage != tt.wantPage || env.batches.listSize != tt.wantPageSize {
				t.Errorf("List(page=%d, pageSize=%d), want (%d, %d)", env.batches.listPage, env.batches.listSize, tt.wantPage, tt.wantPageSize)
			}

			var result models.BatchListResponse
			if err := json.NewDecoder(recorder.Body).Decode(&result); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}
			if result.Total != 45 || result.TotalPages != tt.wantTotalPages {
				t.Errorf("Total = %d, TotalPages = %d, want 45, %d", result.Total, result.TotalPages, tt.wantTotalPages)
			}
		})
	}
}

func TestHandlers_CancelBatch(t *testing.T) {
	env := newTestEnv(Options{})
	batch := models.NewBatch([]models.BatchItem{{Filename: "a.png"}}, nil)
	env.batches.put(batch)

	recorder := httptest.NewRecorder()
	batchRouter(env.h).ServeHTTP(recorder, httptest.NewRequest("DELETE", "/api/v1/batches/"+batch.ID.String(), nil))

	if recorder.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d", recorder.Code, http.StatusOK)
	}
	stored, _ := env.batches.GetByID(context.Background(), batch.ID)
	if stored.Status != models.BatchStatusCancelled {
		t.Errorf("Status = %q, want canceled", stored.Status)
	}

	env.batches.cancelErr = database.ErrNotCancelable
	recorder = httptest.NewRecorder()
	batchRouter(env.h).ServeHTTP(recorder, httptest.NewRequest("DELETE", "/api/v1/batches/"+batch.ID.String(), nil))

	if recorder.Code != http.StatusConflict {
		t.Errorf("Status = %d, want %d", recorder.Code, http.StatusConflict)
	}
}

func TestHandlers_CancelBatch_InvalidID(t *testing.T) {
	env := newTestEnv(Options{})

	recorder := httptest.NewRecorder()
	batchRouter(env.h).ServeHTTP(recorder, httptest.NewRequest("DELETE", "/api/v1/batches/not-a-uuid", nil))

	if recorder.Code != http.StatusBadRequest {
		t.Errorf("Status = %d, want %d", recorder.Code, http.StatusBadRequest)
	}
}

func TestHandlers_GetArchive(t *testing.T) {
	env := newTestEnv(Options{})

	pending := models.NewBatch([]models.BatchItem{{Filename: "a.png"}}, nil)
	env.batches.put(pending)

	done := models.NewBatch([]models.BatchItem{{Filename: "a.png"}}, nil)
	done.Status = models.BatchStatusCompleted
	done.ArchiveKey = storage.ArchiveKey(done.ID)
	env.batches.put(done)
	env.objects.objects[done.ArchiveKey] = []byte("PK zip bytes")

	t.Run("not ready", func(t *testing.T) {
		recorder := httptest.NewRecorder()
		batchRouter(env.h).ServeHTTP(recorder, httptest.NewRequest("GET", "/api/v1/batches/"+pending.ID.String()+"/archive", nil))

		if recorder.Code != http.StatusConflict {
			t.Errorf("Status = %d, want %d", recorder.Code, http.StatusConflict)
		}
	})

	t.Run("download", func(t *testing.T) {
		recorder := httptest.NewRecorder()
		batchRouter(env.h).ServeHTTP(recorder, httptest.NewRequest("GET", "/api/v1/batches/"+done.ID.String()+"/archive", nil))

		if recorder.Code != http.StatusOK {
			t.Fatalf("Status = %d, want %d", recorder.Code, http.StatusOK)
		}
		if ct := recorder.Header().Get("Content-Type"); ct != "application/zip" {
			t.Errorf("Content-Type = %q, want application/zip", ct)
		}
		if cd := recorder.Header().Get("Content-Disposition"); !strings.Contains(cd, done.ID.String()) {
			t.Errorf("Content-Disposition = %q", cd)
		}
		if recorder.Body.String() != "PK zip bytes" {
			t.Errorf("body = %q", recorder.Body.String())
		}
	})

	t.Run("redirect", func(t *testing.T) {
		recorder := httptest.NewRecorder()
		batchRouter(env.h).ServeHTTP(recorder, httptest.NewRequest("GET", "/api/v1/batches/"+done.ID.String()+"/archive?redirect=true", nil))

		if recorder.Code != http.StatusFound {
			t.Fatalf("Status = %d, want %d", recorder.Code, http.StatusFound)
		}
		if loc := recorder.Header().Get("Location"); !strings.Contains(loc, done.ArchiveKey) {
			t.Errorf("Location = %q", loc)
		}
	})
}

func TestHandlers_StreamBatchStatus_Terminal(t *testing.T) {
	env := newTestEnv(Options{})
	batch := models.NewBatch([]models.BatchItem{{Filename: "a.png"}}, nil)
	batch.Status = models.BatchStatusFailed
	env.batches.put(batch)

	recorder := httptest.NewRecorder()
	batchRouter(env.h).ServeHTTP(recorder, httptest.NewRequest("GET", "/api/v1/batches/"+batch.ID.String()+"/stream", nil))

	if ct := recorder.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
	if n := strings.Count(recorder.Body.String(), "data: "); n != 1 {
		t.Errorf("got %d events, want 1", n)
	}
}

func TestHandlers_StreamBatchStatus_UntilDone(t *testing.T) {
	env := newTestEnv(Options{})
	batch := models.NewBatch([]models.BatchItem{{Filename: "a.png"}, {Filename: "b.png"}}, nil)
	batch.Status = models.BatchStatusProcessing
	env.batches.put(batch)

	go func() {
		time.Sleep(100 * time.Millisecond)
		env.batches.update(batch.ID, func(b *models.Batch) {
			b.Status = models.BatchStatusCompleted
			b.Progress.Processed = 2
			b.UpdatedAt = b.UpdatedAt.Add(time.Second)
		})
	}()

	recorder := httptest.NewRecorder()
	batchRouter(env.h).ServeHTTP(recorder, httptest.NewRequest("GET", "/api/v1/batches/"+batch.ID.String()+"/stream", nil))

	events := strings.Split(strings.TrimSpace(recorder.Body.String()), "\n\n")
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2: %q", len(events), recorder.Body.String())
	}

	var last models.Batch
	if err := json.Unmarshal([]byte(strings.TrimPrefix(events[1], "data: ")), &last); err != nil {
		t.Fatalf("failed to decode event: %v", err)
	}
	if last.Status != models.BatchStatusCompleted || last.Progress.Processed != 2 {
		t.Errorf("last event = %+v", last)
	}
}

func TestHandlers_StreamBatchStatus_InvalidID(t *testing.T) {
	env := newTestEnv(Options{})

	recorder := httptest.NewRecorder()
	batchRouter(env.h).ServeHTTP(recorder, httptest.NewRequest("GET", "/api/v1/batches/invalid/stream", nil))

	if recorder.Code != http.StatusBadRequest {
		t.Errorf("Status = %d, want %d", recorder.Code, http.StatusBadRequest)
	}
}
