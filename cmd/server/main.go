package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/crosslogic/gpu-control-plane/internal/billing"
	"github.com/crosslogic/gpu-control-plane/internal/config"
	"github.com/crosslogic/gpu-control-plane/internal/gateway"
	"github.com/crosslogic/gpu-control-plane/internal/health"
	"github.com/crosslogic/gpu-control-plane/internal/instance"
	"github.com/crosslogic/gpu-control-plane/internal/jobs"
	"github.com/crosslogic/gpu-control-plane/internal/migration"
	"github.com/crosslogic/gpu-control-plane/internal/novita"
	"github.com/crosslogic/gpu-control-plane/internal/products"
	"github.com/crosslogic/gpu-control-plane/internal/templates"
	"github.com/crosslogic/gpu-control-plane/internal/webhooks"
	"github.com/crosslogic/gpu-control-plane/internal/workers"
	"github.com/crosslogic/gpu-control-plane/pkg/cache"
	"github.com/crosslogic/gpu-control-plane/pkg/database"
	"github.com/crosslogic/gpu-control-plane/pkg/events"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.Monitoring.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting GPU control plane")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Redis is optional; without it caches and the job queue run in
	// memory for a single-process deployment.
	redisClient := connectRedis(ctx, cfg.Redis, logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	cacheManager := cache.NewManager(redisClient, cfg.Redis.KeyPrefix, logger)
	defer cacheManager.DestroyAll()

	backend := cache.BackendMemory
	if redisClient != nil {
		backend = cache.BackendRedis
		if cfg.Redis.EnableFallback {
			backend = cache.BackendFallback
		}
	}
	productCache := cacheManager.GetCache("products", backend, cache.Options{})
	templateCache := cacheManager.GetCache("templates", backend, cache.Options{})
	detailsCache := cacheManager.GetCache("instance-details", backend, cache.Options{})

	var jobBackend jobs.Backend
	if redisClient != nil {
		jobBackend = jobs.NewRedisBackend(redisClient, cfg.Redis.KeyPrefix, logger)
	} else {
		jobBackend = jobs.NewMemoryBackend()
	}
	queue := jobs.NewQueue(jobBackend, jobs.Options{
		WorkerCount:         cfg.Jobs.WorkerCount,
		PollInterval:        cfg.Jobs.PollInterval,
		StaleThreshold:      cfg.Jobs.StaleThreshold,
		RetentionPeriod:     cfg.Jobs.RetentionPeriod,
		MaintenanceInterval: cfg.Jobs.MaintenanceEvery,
	}, logger)

	if err := queue.PerformRecoveryTasks(ctx); err != nil {
		logger.Warn("job queue recovery failed", zap.Error(err))
	}

	novitaClient := novita.NewClient(novita.Config{
		BaseURL:    cfg.Novita.BaseURL,
		APIKey:     cfg.Novita.APIKey,
		Timeout:    cfg.Novita.RequestTimeout,
		MaxRetries: cfg.Novita.MaxRetryAttempts,
	}, logger)
	defer novitaClient.Close()

	bus := events.NewBus(logger)
	store := instance.NewStore(detailsCache, logger)

	service := instance.NewService(
		instance.ServiceConfig{
			DefaultRegion:    cfg.Novita.DefaultRegion,
			MaxRetryAttempts: cfg.Novita.MaxRetryAttempts,
			MonitorMaxWait:   cfg.Startup.DefaultMaxWaitTime,
			EnableNameLookup: cfg.Startup.EnableNameLookup,
		},
		novitaClient,
		products.NewResolver(novitaClient, productCache, logger),
		templates.NewResolver(novitaClient, templateCache, logger),
		queue,
		store,
		detailsCache,
		bus,
		logger,
	)

	usageTracker := startBilling(ctx, cfg.Billing, store, bus, logger)
	if usageTracker != nil {
		defer usageTracker.Stop(context.Background())
	}

	jobWorkers := workers.New(
		workers.Config{
			MonitorPollDelay:      cfg.Novita.PollInterval,
			AutoStopIdleThreshold: cfg.AutoStop.IdleThreshold,
			MigrationDryRun:       cfg.Migration.DryRun,
		},
		service,
		novitaClient,
		health.NewChecker(logger),
		webhooks.NewClient(cfg.Novita.RequestTimeout, logger),
		queue,
		logger,
	)

	scheduler := migration.NewScheduler(migration.Config{
		Enabled:  cfg.Migration.Enabled,
		Interval: cfg.Migration.ScheduleInterval,
		DryRun:   cfg.Migration.DryRun,
	}, queue, logger)
	jobWorkers.SetMigrationRecorder(scheduler)
	jobWorkers.RegisterAll(queue)

	// Reconcile local state with upstream before taking traffic.
	if result, err := service.SyncWithUpstream(ctx); err != nil {
		logger.Warn("startup sync with upstream failed", zap.Error(err))
	} else {
		logger.Info("startup sync finished",
			zap.Int("adopted", result.Adopted),
			zap.Int("updated", result.Updated),
			zap.Int("removed", result.Removed),
			zap.Int("total_upstream", result.Total),
		)
	}

	queue.StartProcessing()
	scheduler.Start()
	if cfg.AutoStop.Enabled {
		go autoStopLoop(ctx, cfg.AutoStop, queue, logger)
	}

	gw := gateway.New(service, queue, scheduler, logger)
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      gw.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("starting HTTP server", zap.String("address", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
	scheduler.Stop()
	queue.Shutdown(30 * time.Second)
	logger.Info("shutdown complete")
}

func buildLogger(level string) (*zap.Logger, error) {
	logConfig := zap.NewProductionConfig()
	if level != "" {
		parsed, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		logConfig.Level = zap.NewAtomicLevelAt(parsed)
	}
	return logConfig.Build()
}

func connectRedis(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) *redis.Client {
	if cfg.URL == "" {
		logger.Info("no Redis URL configured, using in-memory backends")
		return nil
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		logger.Fatal("invalid REDIS_URL", zap.Error(err))
	}
	if cfg.Token != "" {
		opts.Password = cfg.Token
	}
	opts.DialTimeout = cfg.ConnectionTimeout
	opts.ReadTimeout = cfg.CommandTimeout
	opts.WriteTimeout = cfg.CommandTimeout
	opts.MaxRetries = cfg.RetryAttempts
	opts.MinRetryBackoff = cfg.RetryDelay

	client := redis.NewClient(opts)
	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		if cfg.EnableFallback {
			logger.Warn("Redis unavailable, falling back to in-memory backends", zap.Error(err))
			client.Close()
			return nil
		}
		logger.Fatal("failed to connect to Redis", zap.Error(err))
	}
	logger.Info("connected to Redis")
	return client
}

// startBilling wires the optional usage tracker. Returns nil when the
// billing database is not configured.
func startBilling(ctx context.Context, cfg config.BillingConfig, store *instance.Store, bus *events.Bus, logger *zap.Logger) *billing.Tracker {
	if cfg.DatabaseURL == "" {
		logger.Info("billing disabled, no database configured")
		return nil
	}

	db, err := database.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect to billing database", zap.Error(err))
	}

	var exporter billing.Exporter
	if cfg.StripeSecretKey != "" && cfg.StripeSubscriptionItem != "" {
		exporter = billing.NewStripeExporter(cfg.StripeSecretKey, cfg.StripeSubscriptionItem, logger)
	}

	tracker := billing.NewTracker(db.Pool, store, exporter, cfg.AggregationInterval, logger)
	tracker.Attach(bus)
	tracker.Start()
	logger.Info("usage billing started", zap.Bool("stripe_export", exporter != nil))
	return tracker
}

func autoStopLoop(ctx context.Context, cfg config.AutoStopConfig, queue *jobs.Queue, logger *zap.Logger) {
	ticker := time.NewTicker(cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload := workers.AutoStopPayload{IdleThresholdMs: cfg.IdleThreshold.Milliseconds()}
			if _, err := queue.AddJob(ctx, jobs.TypeAutoStopCheck, payload, jobs.PriorityLow, 1); err != nil {
				logger.Warn("failed to enqueue auto-stop check", zap.Error(err))
			}
		}
	}
}
