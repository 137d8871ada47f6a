package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/timkrebs/photo-variants/internal/metrics"
)

// DB wraps the sql.DB connection
type DB struct {
	*sql.DB
	metrics *metrics.DatabaseMetrics
}

// New creates a new database connection
func New(databaseURL string, maxConns int) (*DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns / 2)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{DB: db}, nil
}

// SetMetrics injects metrics collectors into database client. Pool metrics
// are refreshed until ctx is done.
func (db *DB) SetMetrics(ctx context.Context, m *metrics.DatabaseMetrics) {
	db.metrics = m

	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := db.Stats()
				db.metrics.ConnectionsActive.Set(float64(stats.OpenConnections))
			}
		}
	}()
}

func (db *DB) observe(operation string, start time.Time, err error) {
	if db.metrics == nil {
		return
	}
	db.metrics.QueryDuration.WithLabelValues(operation, metrics.Status(err)).Observe(time.Since(start).Seconds())
}

const schema = `
CREATE TABLE IF NOT EXISTS batches (
	id                 UUID PRIMARY KEY,
	status             TEXT NOT NULL,
	items              JSONB NOT NULL DEFAULT '[]',
	categories         JSONB NOT NULL DEFAULT '[]',
	processed          INTEGER NOT NULL DEFAULT 0,
	current_file       TEXT,
	succeeded          INTEGER NOT NULL DEFAULT 0,
	failed             INTEGER NOT NULL DEFAULT 0,
	archive_key        TEXT,
	error              TEXT,
	worker_id          TEXT,
	created_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL,
	started_at         TIMESTAMPTZ,
	completed_at       TIMESTAMPTZ,
	processing_time_ms BIGINT,
	delete_at          TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS batches_delete_at_idx ON batches (delete_at) WHERE delete_at IS NOT NULL;
CREATE INDEX IF NOT EXISTS batches_created_at_idx ON batches (created_at DESC);
`

// EnsureSchema creates the tables if they don't exist
func (db *DB) EnsureSchema(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}

// Health checks if the database is healthy
func (db *DB) Health(ctx context.Context) error {
	return db.PingContext(ctx)
}
