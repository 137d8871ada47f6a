package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/timkrebs/photo-variants/internal/config"
	"github.com/timkrebs/photo-variants/internal/database"
	"github.com/timkrebs/photo-variants/internal/metrics"
	"github.com/timkrebs/photo-variants/internal/processor"
	"github.com/timkrebs/photo-variants/internal/queue"
	"github.com/timkrebs/photo-variants/internal/storage"
	"github.com/timkrebs/photo-variants/internal/worker"
)

const (
	metricsNamespace = "photo_variants_worker"
	// claimMinIdle is how long a message may stay unacknowledged before
	// another worker takes it over.
	claimMinIdle = 5 * time.Minute
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Generate worker ID
	workerID := fmt.Sprintf("worker-%s", uuid.New().String()[:8])

	// Setup logger
	logger := cfg.NewLogger(os.Stdout).With("worker_id", workerID)
	slog.SetDefault(logger)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to database
	db, err := database.New(cfg.DatabaseURL, cfg.DatabaseMaxConn)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("connected to database")

	// Create batch repository
	batchRepo := database.NewBatchRepository(db)

	// Connect to Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()

	initCtx, initCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := redisClient.Ping(initCtx).Err(); err != nil {
		initCancel()
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	initCancel()
	logger.Info("connected to redis")

	// Base consumer; each worker goroutine reads under its own name
	consumer := queue.NewConsumer(redisClient, queue.ConsumerConfig{
		StreamName:    cfg.QueueStreamName,
		ConsumerGroup: cfg.QueueConsumerGroup,
		ConsumerName:  workerID,
		PollTimeout:   cfg.WorkerPollTimeout,
		ClaimMinIdle:  claimMinIdle,
	}, logger)

	// Ensure consumer group exists
	initCtx, initCancel = context.WithTimeout(ctx, 10*time.Second)
	if err := consumer.EnsureGroup(initCtx); err != nil {
		initCancel()
		logger.Error("failed to ensure consumer group", "error", err)
		os.Exit(1)
	}
	initCancel()

	// Connect to MinIO
	storageClient, err := storage.New(storage.Config{
		Endpoint:  cfg.MinIOEndpoint,
		AccessKey: cfg.MinIOAccessKey,
		SecretKey: cfg.MinIOSecretKey,
		Bucket:    cfg.MinIOBucket,
		UseSSL:    cfg.MinIOUseSSL,
	})
	if err != nil {
		logger.Error("failed to create storage client", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to minio", "bucket", cfg.MinIOBucket)

	// Initialize metrics
	batchMetrics := metrics.NewBatchMetrics(metricsNamespace)
	pipelineMetrics := metrics.NewPipelineMetrics(metricsNamespace)
	queueMetrics := metrics.NewQueueMetrics(metricsNamespace)
	storageMetrics := metrics.NewStorageMetrics(metricsNamespace)
	dbMetrics := metrics.NewDatabaseMetrics(metricsNamespace)

	storageClient.SetMetrics(storageMetrics)
	consumer.SetMetrics(queueMetrics)
	db.SetMetrics(ctx, dbMetrics)

	// Create image processor
	imageProcessor := processor.New(processor.Options{
		Metrics: pipelineMetrics,
		Logger:  logger,
		Quality: cfg.OutputQuality,
	})

	// Create worker
	queues := func(name string) worker.Queue {
		return consumer.Named(name)
	}
	w := worker.New(batchRepo, storageClient, queues, imageProcessor, worker.Config{
		ID:            workerID,
		Concurrency:   cfg.WorkerConcurrency,
		Retention:     cfg.ArchiveRetention,
		LeaseInterval: claimMinIdle / 5,
	}, logger)
	w.SetMetrics(batchMetrics)

	// Start health check server
	go startHealthServer(cfg.HTTPPort, batchRepo, consumer, logger)

	// Setup signal handling
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		logger.Info("shutting down worker...")
		cancel()
	}()

	// Blocks until every goroutine has returned
	w.Run(ctx)
}

func startHealthServer(port int, batches *database.BatchRepository, consumer *queue.Consumer, logger *slog.Logger) {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		w.Header().Set("Content-Type", "application/json")

		queued, err := batches.GetPendingBatchesCount(ctx)
		if err != nil {
			logger.Error("readiness check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "not ready", "error": "database unavailable"})
			return
		}
		unacked, err := consumer.GetPendingCount(ctx)
		if err != nil {
			logger.Error("readiness check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "not ready", "error": "queue unavailable"})
			return
		}

		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"status":           "ready",
			"queued_batches":   queued,
			"unacked_messages": unacked,
		})
	})

	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	logger.Info("starting health server", "addr", addr)

	if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("health server error", "error", err)
	}
}
