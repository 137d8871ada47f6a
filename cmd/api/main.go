package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/timkrebs/photo-variants/internal/api"
	"github.com/timkrebs/photo-variants/internal/cleanup"
	"github.com/timkrebs/photo-variants/internal/config"
	"github.com/timkrebs/photo-variants/internal/database"
	"github.com/timkrebs/photo-variants/internal/metrics"
	"github.com/timkrebs/photo-variants/internal/processor"
	"github.com/timkrebs/photo-variants/internal/queue"
	"github.com/timkrebs/photo-variants/internal/storage"
)

const metricsNamespace = "photo_variants_api"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger := cfg.NewLogger(os.Stdout)
	slog.SetDefault(logger)

	outputFormat, err := processor.ParseFormat(cfg.OutputFormat)
	if err != nil {
		logger.Error("invalid output format", "error", err)
		os.Exit(1)
	}

	// Background loops stop with this context
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Connect to database
	db, err := database.New(cfg.DatabaseURL, cfg.DatabaseMaxConn)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("failed to close database", "error", err)
		}
	}()

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := db.EnsureSchema(initCtx); err != nil {
		cancel()
		logger.Error("failed to create schema", "error", err)
		os.Exit(1)
	}
	cancel()
	logger.Info("connected to database")

	// Create batch repository
	batchRepo := database.NewBatchRepository(db)

	// Connect to Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error("failed to close redis", "error", err)
		}
	}()

	initCtx, cancel = context.WithTimeout(ctx, 10*time.Second)
	if err := redisClient.Ping(initCtx).Err(); err != nil {
		cancel()
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	cancel()
	logger.Info("connected to redis")

	// Create queue producer
	producer := queue.NewProducer(redisClient, cfg.QueueStreamName)

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

	// Ensure bucket exists
	initCtx, cancel = context.WithTimeout(ctx, 10*time.Second)
	if err := storageClient.EnsureBucket(initCtx); err != nil {
		cancel()
		logger.Error("failed to ensure bucket", "error", err)
		os.Exit(1)
	}
	cancel()
	logger.Info("connected to minio", "bucket", cfg.MinIOBucket)

	// Initialize metrics
	httpMetrics := metrics.NewHTTPMetrics(metricsNamespace)
	batchMetrics := metrics.NewBatchMetrics(metricsNamespace)
	pipelineMetrics := metrics.NewPipelineMetrics(metricsNamespace)
	queueMetrics := metrics.NewQueueMetrics(metricsNamespace)
	storageMetrics := metrics.NewStorageMetrics(metricsNamespace)
	dbMetrics := metrics.NewDatabaseMetrics(metricsNamespace)

	storageClient.SetMetrics(storageMetrics)
	producer.SetMetrics(queueMetrics)
	db.SetMetrics(ctx, dbMetrics)

	// Image pipeline shared by all editor sessions
	imageProcessor := processor.New(processor.Options{
		Metrics: pipelineMetrics,
		Logger:  logger,
		Quality: cfg.OutputQuality,
	})

	editors := api.NewEditorStore(imageProcessor, 30*time.Minute, cfg.MaxEditorSessions)
	go editors.Start(ctx)

	// Expired batches are removed from the API process
	cleanupWorker := cleanup.NewWorker(batchRepo, storageClient, cleanup.Config{
		Interval: cfg.CleanupInterval,
	}, logger)
	go cleanupWorker.Start(ctx)

	// Create handlers
	handlers := api.NewHandlers(api.Options{
		Batches:            batchRepo,
		Objects:            storageClient,
		Queue:              producer,
		DB:                 db,
		Processor:          imageProcessor,
		Logger:             logger,
		Fetcher:            processor.NewFetchClient(cfg.FetchTimeout),
		GroupName:          cfg.QueueConsumerGroup,
		OutputFormat:       outputFormat,
		MaxUploadSize:      cfg.MaxUploadSize,
		MaxBatchFiles:      cfg.MaxBatchFiles,
		MaxConcurrentEdits: cfg.MaxConcurrentEdits,
	})
	handlers.SetMetrics(batchMetrics)

	// Create router
	router := api.NewRouter(handlers, editors, httpMetrics, cfg.MaxUploadSize, logger)

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting API server", "port", cfg.HTTPPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	stop()

	logger.Info("server stopped")
}
