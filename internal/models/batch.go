package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// BatchStatus represents the current state of a batch
type BatchStatus string

const (
	BatchStatusPending    BatchStatus = "pending"
	BatchStatusQueued     BatchStatus = "queued"
	BatchStatusProcessing BatchStatus = "processing"
	BatchStatusCompleted  BatchStatus = "completed"
	BatchStatusPartial    BatchStatus = "partial"
	BatchStatusFailed     BatchStatus = "failed"
	BatchStatusCancelled  BatchStatus = "canceled"
)

// Terminal reports whether no further progress will be made
func (s BatchStatus) Terminal() bool {
	switch s {
	case BatchStatusCompleted, BatchStatusPartial, BatchStatusFailed, BatchStatusCancelled:
		return true
	}
	return false
}

// ItemStatus is the outcome of a single batch item
type ItemStatus string

const (
	ItemStatusPending ItemStatus = "pending"
	ItemStatusOK      ItemStatus = "ok"
	ItemStatusFailed  ItemStatus = "failed"
)

// BatchItem is one source file of a batch and, once processed, its outcome
type BatchItem struct {
	Parameters  *ImageParameters `json:"parameters,omitempty"`
	Filename    string           `json:"filename"`
	SourceKey   string           `json:"source_key"`
	ContentType string           `json:"content_type"`
	Error       string           `json:"error,omitempty"`
	Status      ItemStatus       `json:"status"`
	Size        int64            `json:"size"`
}

// Progress is updated after every processed file
type Progress struct {
	CurrentFile string `json:"current_file,omitempty"`
	Total       int    `json:"total"`
	Processed   int    `json:"processed"`
}

// Batch is an ordered set of files processed with fresh random parameters
// each and packaged into one archive.
type Batch struct {
	Items          []BatchItem `json:"items" db:"-"`
	Categories     []Category  `json:"categories,omitempty" db:"-"`
	StartedAt      *time.Time  `json:"started_at,omitempty" db:"started_at"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty" db:"completed_at"`
	DeleteAt       *time.Time  `json:"delete_at,omitempty" db:"delete_at"`
	ProcessingTime *int64      `json:"processing_time_ms,omitempty" db:"processing_time_ms"`
	ArchiveKey     string      `json:"archive_key,omitempty" db:"archive_key"`
	ItemsJSON      string      `json:"-" db:"items"`
	CategoriesJSON string      `json:"-" db:"categories"`
	Error          string      `json:"error,omitempty" db:"error"`
	WorkerID       string      `json:"worker_id,omitempty" db:"worker_id"`
	Progress       Progress    `json:"progress" db:"-"`
	ID             uuid.UUID   `json:"id" db:"id"`
	CreatedAt      time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at" db:"updated_at"`
	Status         BatchStatus `json:"status" db:"status"`
	Succeeded      int         `json:"succeeded" db:"succeeded"`
	Failed         int         `json:"failed" db:"failed"`
}

// NewBatch creates a pending batch for the given items
func NewBatch(items []BatchItem, categories []Category) *Batch {
	now := time.Now()
	for i := range items {
		if items[i].Status == "" {
			items[i].Status = ItemStatusPending
		}
	}
	return &Batch{
		ID:         uuid.New(),
		Status:     BatchStatusPending,
		Items:      items,
		Categories: categories,
		Progress:   Progress{Total: len(items)},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// MarshalFields serializes items and categories to JSON for database storage
func (b *Batch) MarshalFields() error {
	items, err := json.Marshal(b.Items)
	if err != nil {
		return err
	}
	categories, err := json.Marshal(b.Categories)
	if err != nil {
		return err
	}
	b.ItemsJSON = string(items)
	b.CategoriesJSON = string(categories)
	return nil
}

// UnmarshalFields deserializes items and categories from JSON
func (b *Batch) UnmarshalFields() error {
	b.Items = []BatchItem{}
	b.Categories = nil
	if b.ItemsJSON != "" {
		if err := json.Unmarshal([]byte(b.ItemsJSON), &b.Items); err != nil {
			return err
		}
	}
	if b.CategoriesJSON != "" && b.CategoriesJSON != "null" {
		if err := json.Unmarshal([]byte(b.CategoriesJSON), &b.Categories); err != nil {
			return err
		}
	}
	return nil
}

// BatchListResponse is a page of batches
type BatchListResponse struct {
	Batches    []*Batch `json:"batches"`
	Total      int      `json:"total"`
	Page       int      `json:"page"`
	PageSize   int      `json:"page_size"`
	TotalPages int      `json:"total_pages"`
}

// BatchMessage represents a batch message in the queue
type BatchMessage struct {
	BatchID uuid.UUID `json:"batch_id"`
}

// QueueStats represents queue statistics
type QueueStats struct {
	StreamLength    int64 `json:"stream_length"`
	PendingMessages int64 `json:"pending_messages"`
	ConsumerCount   int64 `json:"consumer_count"`
}

// EditorState is the lifecycle of a single-image editor
type EditorState string

const (
	EditorIdle       EditorState = "idle"
	EditorProcessing EditorState = "processing"
	EditorDone       EditorState = "done"
	EditorError      EditorState = "error"
)
