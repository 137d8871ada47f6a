package storage

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/timkrebs/photo-variants/internal/metrics"
)

// Storage provides object storage operations
type Storage struct {
	client     *minio.Client
	metrics    *metrics.StorageMetrics
	bucketName string
}

// Config holds MinIO configuration
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// New creates a new storage client
func New(cfg Config) (*Storage, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &Storage{
		client:     client,
		bucketName: cfg.Bucket,
	}, nil
}

// SetMetrics injects metrics collectors into storage client
func (s *Storage) SetMetrics(m *metrics.StorageMetrics) {
	s.metrics = m
}

// BatchPrefix is the key prefix of every object belonging to a batch
func BatchPrefix(batchID uuid.UUID) string {
	return fmt.Sprintf("batches/%s/", batchID)
}

// SourceKey returns the key of the index-th source file of a batch. The index
// keeps keys unique when filenames repeat.
func SourceKey(batchID uuid.UUID, index int, filename string) string {
	name := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	if name == "." || name == "/" {
		name = "image"
	}
	return fmt.Sprintf("%ssources/%04d-%s", BatchPrefix(batchID), index, name)
}

// ArchiveKey returns the key of a batch's zip archive
func ArchiveKey(batchID uuid.UUID) string {
	return BatchPrefix(batchID) + "variants.zip"
}

// EnsureBucket creates the bucket if it doesn't exist
func (s *Storage) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		err = s.client.MakeBucket(ctx, s.bucketName, minio.MakeBucketOptions{})
		if err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return nil
}

func (s *Storage) observe(operation string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	status := metrics.Status(err)
	s.metrics.OperationDuration.WithLabelValues(operation, status).Observe(time.Since(start).Seconds())
	s.metrics.OperationsTotal.WithLabelValues(operation, status).Inc()
}

// Upload uploads a file to storage. A negative size streams the reader
// with multipart uploads.
func (s *Storage) Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	start := time.Now()

	info, err := s.client.PutObject(ctx, s.bucketName, key, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	s.observe("upload", start, err)

	if err != nil {
		return fmt.Errorf("failed to upload object: %w", err)
	}
	if s.metrics != nil {
		s.metrics.BytesTransferred.WithLabelValues("upload").Add(float64(info.Size))
	}
	return nil
}

// Download downloads a file from storage
func (s *Storage) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()

	obj, err := s.client.GetObject(ctx, s.bucketName, key, minio.GetObjectOptions{})
	s.observe("download", start, err)

	if err != nil {
		return nil, fmt.Errorf("failed to get object: %w", err)
	}
	return obj, nil
}

// DeletePrefix removes every object whose key starts with prefix and returns
// how many were removed.
func (s *Storage) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	start := time.Now()

	objects := make(chan minio.ObjectInfo)
	listErr := make(chan error, 1)
	go func() {
		defer close(objects)
		for obj := range s.client.ListObjects(ctx, s.bucketName, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
			if obj.Err != nil {
				listErr <- obj.Err
				return
			}
			select {
			case objects <- obj:
			case <-ctx.Done():
				return
			}
		}
	}()

	removed := 0
	var err error
	for res := range s.client.RemoveObjectsWithResult(ctx, s.bucketName, objects, minio.RemoveObjectsOptions{}) {
		if res.Err != nil {
			if err == nil {
				err = fmt.Errorf("failed to remove %s: %w", res.ObjectName, res.Err)
			}
			continue
		}
		removed++
	}

	select {
	case lerr := <-listErr:
		if err == nil {
			err = fmt.Errorf("failed to list objects: %w", lerr)
		}
	default:
	}

	s.observe("delete_prefix", start, err)
	return removed, err
}

// GetPresignedURL generates a presigned URL for downloading
func (s *Storage) GetPresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	url, err := s.client.PresignedGetObject(ctx, s.bucketName, key, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}
	return url.String(), nil
}

// Stat retrieves object metadata
func (s *Storage) Stat(ctx context.Context, key string) (*minio.ObjectInfo, error) {
	info, err := s.client.StatObject(ctx, s.bucketName, key, minio.StatObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to stat object: %w", err)
	}
	return &info, nil
}

// Health checks if storage is accessible
func (s *Storage) Health(ctx context.Context) error {
	_, err := s.client.BucketExists(ctx, s.bucketName)
	return err
}
