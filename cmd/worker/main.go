// Package main provides the engine worker: indexing jobs, rank checks and quota resets
// on their schedules, plus the ops HTTP endpoint.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/indexnow-engine/internal/adapter"
	"github.com/indexnow-engine/internal/api"
	"github.com/indexnow-engine/internal/config"
	apperrors "github.com/indexnow-engine/internal/errors"
	"github.com/indexnow-engine/internal/job"
	"github.com/indexnow-engine/internal/logging"
	"github.com/indexnow-engine/internal/metrics"
	"github.com/indexnow-engine/internal/notify"
	"github.com/indexnow-engine/internal/quota"
	"github.com/indexnow-engine/internal/retry"
	"github.com/indexnow-engine/internal/service"
	"github.com/indexnow-engine/internal/storage"
	"github.com/indexnow-engine/internal/worker"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logging.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	defer logger.Sync()

	logger.Info("Worker starting...")

	// Initialize database connections
	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		logger.Fatalf("Failed to connect to Postgres: %v", err)
	}
	defer postgres.Close()

	clickhouse, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
	if err != nil {
		logger.Fatalf("Failed to connect to ClickHouse: %v", err)
	}
	defer clickhouse.Close()

	redis, err := storage.NewRedisCache(&cfg.Database.Redis)
	if err != nil {
		logger.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redis.Close()

	logger.Info("Database connections established")

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(registry)

	// Repositories
	jobRepo := storage.NewJobRepository(postgres)
	submissionRepo := storage.NewSubmissionRepository(postgres)
	credentialRepo := storage.NewCredentialRepository(postgres)
	keywordRepo := storage.NewKeywordRepository(postgres)
	notificationRepo := storage.NewNotificationRepository(postgres)
	rankResultRepo := storage.NewRankResultRepository(clickhouse)

	sweepLock, err := storage.NewSweepLock(redis.Client())
	if err != nil {
		logger.Fatalf("Failed to create sweep lock: %v", err)
	}

	// Quota
	usage, err := quota.NewUsageCounter(&quota.UsageCounterConfig{
		Redis:    redis.Client(),
		Location: cfg.ResetLocation(),
	})
	if err != nil {
		logger.Fatalf("Failed to create usage counter: %v", err)
	}

	rotator, err := quota.NewRotator(&quota.RotatorConfig{
		Store:           credentialRepo,
		Usage:           usage,
		Alerts:          notificationRepo,
		UnitsPerRequest: cfg.Quota.UnitsPerRequest,
		Metrics:         m,
	})
	if err != nil {
		logger.Fatalf("Failed to create credential rotator: %v", err)
	}

	// External APIs
	indexingClient, err := adapter.NewIndexingClient(&adapter.ClientConfig{
		BaseURL:           cfg.Indexing.APIURL,
		Timeout:           cfg.Indexing.RequestTimeout,
		RequestsPerSecond: cfg.Indexing.RequestsPerSecond,
		Burst:             cfg.Indexing.BatchSize,
	})
	if err != nil {
		logger.Fatalf("Failed to create indexing client: %v", err)
	}

	rankClient, err := adapter.NewRankClient(&adapter.ClientConfig{
		BaseURL:           cfg.Rank.APIURL,
		Timeout:           cfg.Rank.RequestTimeout,
		RequestsPerSecond: cfg.Rank.RequestsPerSecond,
		Burst:             cfg.Rank.BatchSize,
	})
	if err != nil {
		logger.Fatalf("Failed to create rank client: %v", err)
	}

	notifier, err := notify.NewRedisNotifier(redis.Client(), 0, logger)
	if err != nil {
		logger.Fatalf("Failed to create progress notifier: %v", err)
	}

	// Indexing jobs
	processor, err := job.NewIndexingProcessor(&job.ProcessorConfig{
		Jobs:            jobRepo,
		Submissions:     submissionRepo,
		Credentials:     rotator,
		Submitter:       indexingClient,
		Notifier:        notifier,
		Active:          job.NewActiveSet(),
		BatchSize:       cfg.Indexing.BatchSize,
		InterBatchDelay: cfg.Indexing.InterBatchDelay,
		Metrics:         m,
		Logger:          logger,
	})
	if err != nil {
		logger.Fatalf("Failed to create indexing processor: %v", err)
	}

	monitor, err := job.NewMonitor(&job.MonitorConfig{
		Jobs:              jobRepo,
		Runner:            processor,
		MaxConcurrentJobs: cfg.Indexing.MaxConcurrentJobs,
		StaleLockTTL:      cfg.Quota.StaleLockTTL,
		Metrics:           m,
		Logger:            logger,
	})
	if err != nil {
		logger.Fatalf("Failed to create job monitor: %v", err)
	}

	// Rank checks
	rankRetry := retry.DefaultRetryConfig()
	rankRetry.MaxAttempts = cfg.Rank.MaxRetries + 1
	rankRetry.ShouldRetry = apperrors.IsRetryable

	rankService, err := service.NewRankCheckService(&service.RankCheckConfig{
		Keywords:        keywordRepo,
		Results:         rankResultRepo,
		Fetcher:         rankClient,
		Quota:           rotator,
		BatchSize:       cfg.Rank.BatchSize,
		InterBatchDelay: cfg.Rank.InterBatchDelay,
		InterOwnerDelay: cfg.Rank.InterOwnerDelay,
		Location:        cfg.RankLocation(),
		Retry:           rankRetry,
		Metrics:         m,
		Logger:          logger,
	})
	if err != nil {
		logger.Fatalf("Failed to create rank check service: %v", err)
	}

	// Quota resets
	resetMonitor, err := service.NewQuotaResetMonitor(&service.QuotaResetConfig{
		Credentials:           credentialRepo,
		Usage:                 usage,
		Jobs:                  jobRepo,
		Pools:                 rotator,
		Notifications:         notificationRepo,
		Locker:                sweepLock,
		UsageThreshold:        cfg.Quota.ResetUsageThreshold,
		NotificationRetention: cfg.Quota.NotificationRetention,
		LockTTL:               cfg.Quota.SweepLockTTL,
		Metrics:               m,
		Logger:                logger,
	})
	if err != nil {
		logger.Fatalf("Failed to create quota reset monitor: %v", err)
	}

	orchestrator, err := worker.NewOrchestrator(&worker.OrchestratorConfig{
		Trigger:     worker.NewCronTrigger(logger),
		RankChecker: rankService,
		Sweeper:     resetMonitor,
		JobMonitor:  monitor,
		Schedules: worker.Schedules{
			RankCheck:          cfg.Schedules.RankCheck,
			QuotaReset:         cfg.Schedules.QuotaReset,
			QuotaResetBoundary: cfg.Schedules.QuotaResetBoundary,
			JobMonitor:         cfg.Schedules.JobMonitor,
			StuckJobRecovery:   cfg.Schedules.StuckJobRecovery,
		},
		Jobs:        jobRepo,
		Credentials: credentialRepo,
		RankStats:   rankService,
		Metrics:     m,
		Logger:      logger,
	})
	if err != nil {
		logger.Fatalf("Failed to create orchestrator: %v", err)
	}

	// Jobs left running by a previous process
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	if n, err := monitor.RecoverStuck(ctx); err != nil {
		logger.WithError(err).Warn("Startup stuck-job recovery failed")
	} else if n > 0 {
		logger.WithField("jobs", n).Info("Recovered stuck jobs at startup")
	}
	cancel()

	if err := orchestrator.Initialize(); err != nil {
		logger.Fatalf("Failed to start background services: %v", err)
	}

	server, err := api.NewServer(&api.ServerConfig{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Minute,
		IdleTimeout:       60 * time.Second,
		RequestsPerSecond: 1,
		Burst:             10,
	}, api.Dependencies{
		Orchestrator: orchestrator,
		RankStats:    rankService,
		Pingers: map[string]api.Pinger{
			"postgres":   postgres,
			"clickhouse": clickhouse,
			"redis":      redis,
		},
		Gatherer: registry,
		Logger:   logger,
	})
	if err != nil {
		logger.Fatalf("Failed to create ops server: %v", err)
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	logger.Info("Worker started successfully")

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.WithField("signal", sig.String()).Info("Received shutdown signal")
	case err := <-serverErr:
		logger.WithError(err).Error("Ops server failed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Ops server shutdown error")
	}
	if err := orchestrator.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Background services shutdown error")
	}
	if err := monitor.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Some indexing jobs did not stop in time")
	}

	logger.Info("Worker stopped")
}
