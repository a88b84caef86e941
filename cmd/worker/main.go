// Package main provides the long-running harvester: the daily scheduler plus the HTTP API.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/timeline-harvester/internal/adapter"
	"github.com/timeline-harvester/internal/api"
	"github.com/timeline-harvester/internal/config"
	"github.com/timeline-harvester/internal/job"
	"github.com/timeline-harvester/internal/logging"
	"github.com/timeline-harvester/internal/storage"
	"github.com/timeline-harvester/internal/worker"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logging.WithError(err).Fatal("Failed to load configuration")
	}

	// Initialize structured logging
	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	defer logger.Sync()

	logger.WithFields(map[string]interface{}{
		"warehouse": cfg.Warehouse.Backend,
		"accounts":  len(cfg.Harvest.Accounts),
		"hourUtc":   cfg.Schedule.HourUTC,
	}).Info("Timeline harvester worker starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logging.WithLogger(ctx, logger)

	logger.Info("Connecting to databases...")

	warehouse, err := storage.OpenWarehouse(ctx, cfg, "")
	if err != nil {
		logger.WithError(err).Fatal("Failed to open warehouse")
	}
	defer warehouse.Close()

	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	redis, err := storage.NewRedisCache(&cfg.Database.Redis)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redis.Close()

	logger.Info("Database connections established")

	runs := storage.NewRunRepository(postgres)
	lock := storage.NewRunLock(redis, storage.DefaultRunLockKey, cfg.Harvest.LockTTL)

	fetcher := adapter.NewTimelineClient(adapter.TimelineClientConfig{
		BaseURL:           cfg.Twitter.BaseURL,
		BearerToken:       cfg.Twitter.BearerToken,
		PageLimit:         cfg.Harvest.PageLimit,
		RequestsPerSecond: cfg.Twitter.RequestsPerSecond,
		Timeout:           cfg.Harvest.FetchTimeout,
	})

	var (
		target     storage.Warehouse       = warehouse
		aggregates storage.AggregateReader = warehouse
	)
	if cfg.Warehouse.CacheTTL > 0 {
		cache := storage.NewAggregateCache(warehouse, warehouse, redis, cfg.Warehouse.CacheTTL)
		target, aggregates = cache, cache
	}

	harvest := job.NewHarvestJob(fetcher, target, runs, lock, job.DefaultsFromConfig(&cfg.Harvest))

	scheduler, err := worker.NewDailyScheduler(&worker.DailySchedulerConfig{
		Runner:        harvest,
		HourUTC:       cfg.Schedule.HourUTC,
		RunRetries:    cfg.Schedule.RunRetries,
		RunRetryDelay: cfg.Schedule.RunRetryDelay,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create scheduler")
	}

	server := api.NewServer(&api.ServerConfig{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		RunRequestsRPS: cfg.Server.RunRequestsRPS,
		RunBurst:       1,
	}, api.Dependencies{
		Runs:       harvest,
		Store:      runs,
		Aggregates: aggregates,
		Lock:       lock,
		Scheduler:  scheduler,
	})

	if err := scheduler.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start scheduler")
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-serverErr:
		logger.WithError(err).Error("API server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Error shutting down API server")
	}
	if err := scheduler.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("Error stopping scheduler")
	}

	logger.Info("Worker stopped. Goodbye!")
}
