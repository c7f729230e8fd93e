// Command telemetry-pipeline ingests agent execution events over HTTP,
// queues them durably in Postgres, and projects them into dashboard
// statistics tables through background workers.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/eremenai/cloud-agent-dashboard/internal/api"
	"github.com/eremenai/cloud-agent-dashboard/internal/config"
	"github.com/eremenai/cloud-agent-dashboard/internal/exports"
	"github.com/eremenai/cloud-agent-dashboard/internal/observability"
	"github.com/eremenai/cloud-agent-dashboard/internal/opscache"
	"github.com/eremenai/cloud-agent-dashboard/internal/pipeline"
	"github.com/eremenai/cloud-agent-dashboard/internal/storage/postgres"
)

func main() {
	ctx := context.Background()

	cfg := config.MustLoad()

	obs, err := observability.Init(ctx, observability.Config{
		ServiceName: cfg.ServiceName,
		Environment: cfg.Environment,
		Endpoint:    cfg.TelemetryEndpoint,
		Protocol:    cfg.TelemetryProtocol,
		Insecure:    cfg.TelemetryInsecure,
		LogLevel:    cfg.LogLevel,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize observability: %v", err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			obs.Logger.Error("failed to shutdown observability", zap.Error(err))
		}
	}()

	logger := obs.Logger
	if cfg.TelemetryEndpoint != "" && obs.Provider.Fallback() {
		logger.Warn("tracing exporter unavailable, continuing without traces",
			zap.String("endpoint", cfg.TelemetryEndpoint),
		)
	}

	store, err := postgres.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to initialize database", zap.Error(err))
	}
	defer store.Close()

	// Redis backs the pipeline status cache. The pipeline itself runs
	// without it, so a connection failure only disables caching.
	var redisClient *redis.Client
	var statusCache *opscache.Cache
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal("failed to parse Redis URL", zap.Error(err))
	}
	redisClient = redis.NewClient(redisOpts)
	defer redisClient.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		logger.Warn("Redis unavailable, pipeline status will not be cached", zap.Error(err))
	} else {
		statusCache = opscache.NewCache(opscache.Config{
			Client: redisClient,
			Logger: logger,
			TTL:    cfg.QueueStatusCacheTTL,
		})
	}
	cancel()

	apiServer := api.NewServer(api.Config{
		ServiceName: cfg.ServiceName,
		Logger:      logger,
		Store:       store,
		RedisClient: redisClient,
	})

	apiServer.RegisterIngestRoutes(api.NewIngestHandler(store, logger))
	apiServer.RegisterStatusRoutes(api.NewStatusHandler(store, statusCache, logger))

	// S3 delivery is optional. Export job routes are registered either way
	// so jobs can be queued before credentials are in place.
	var s3Delivery *exports.S3Delivery
	if cfg.S3Endpoint != "" && cfg.S3AccessKey != "" && cfg.S3SecretKey != "" {
		s3Delivery, err = exports.NewS3Delivery(
			cfg.S3Endpoint,
			cfg.S3AccessKey,
			cfg.S3SecretKey,
			cfg.S3Bucket,
			cfg.S3Region,
			cfg.ExportSignedURLTTL,
			logger,
		)
		if err != nil {
			logger.Fatal("failed to initialize S3 delivery adapter", zap.Error(err))
		}
		logger.Info("initialized S3 delivery adapter",
			zap.String("endpoint", cfg.S3Endpoint),
			zap.String("bucket", cfg.S3Bucket),
		)
	} else {
		logger.Warn("S3 delivery not configured, export jobs will stay pending")
	}

	jobRepo := exports.NewJobRepository(store.Pool())
	apiServer.RegisterExportsRoutes(api.NewExportsHandler(jobRepo, logger))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.IngestPort),
		Handler:      apiServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("starting telemetry pipeline",
			zap.String("service", cfg.ServiceName),
			zap.String("environment", cfg.Environment),
			zap.Int("port", cfg.IngestPort),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	driver := pipeline.NewDriver(pipeline.Config{
		Store:        store,
		Logger:       logger,
		StatusCache:  statusCache,
		BatchSize:    cfg.BatchSize,
		PollInterval: cfg.PollInterval(),
		Workers:      cfg.WorkerConcurrency,
	})

	go func() {
		if err := driver.Start(ctx); err != nil {
			logger.Error("pipeline driver failed", zap.Error(err))
		}
	}()
	defer driver.Stop()

	var exportWorker *exports.JobRunner
	if s3Delivery != nil {
		exportWorker = exports.NewJobRunner(exports.RunnerConfig{
			Pool:     store.Pool(),
			Delivery: s3Delivery,
			Logger:   logger,
			Interval: cfg.ExportWorkerInterval,
		})

		go func() {
			if err := exportWorker.Start(ctx); err != nil {
				logger.Error("export worker failed", zap.Error(err))
			}
		}()
		defer exportWorker.Stop()
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Fatal("server error", zap.Error(err))

	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown failed", zap.Error(err))
			if err := srv.Close(); err != nil {
				logger.Error("force close failed", zap.Error(err))
			}
		}

		logger.Info("shutdown complete")
	}
}
