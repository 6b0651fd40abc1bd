package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"marketsync/internal/api"
	"marketsync/internal/cache"
	"marketsync/internal/config"
	"marketsync/internal/conflict"
	"marketsync/internal/database"
	"marketsync/internal/domain"
	"marketsync/internal/events"
	"marketsync/internal/health"
	"marketsync/internal/logging"
	"marketsync/internal/metrics"
	"marketsync/internal/platform"
	"marketsync/internal/platform/rest"
	"marketsync/internal/ratelimit"
	"marketsync/internal/repository"
	"marketsync/internal/worker"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	platforms, err := loadPlatforms(&logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, &logger)
	if err != nil {
		return err
	}
	defer store.Close()

	redisClient := initRedis(cfg, &logger)
	defer (func() { _ = repository.Close(redisClient) })()
	queue := initQueue(cfg, redisClient, &logger)

	startMetrics(ctx, cfg, &logger)

	bus := events.NewEventBus()
	subscribeLogging(bus, &logger)

	limiter := ratelimit.New(&logger)
	defer limiter.Close()

	requestCache := cache.New(cache.Options{
		MaxEntries:    cfg.Cache.MaxEntries,
		DefaultTTL:    cfg.Cache.DefaultTTL,
		SweepInterval: cfg.Cache.SweepInterval,
	}, &logger)
	defer requestCache.Close()

	monitor := health.NewMonitor(health.Thresholds{
		DegradedErrorRate:   cfg.Health.DegradedErrorRate,
		UnhealthyErrorRate:  cfg.Health.UnhealthyErrorRate,
		ConsecutiveFailures: cfg.Health.ConsecutiveFailures,
		SampleSize:          cfg.Health.SampleSize,
		MinSamples:          cfg.Health.MinSamples,
		AlertCooldown:       cfg.Health.AlertCooldown,
	}, bus, &logger)

	registry, err := initPlatforms(ctx, platforms, rest.Shared{
		Limiter:  limiter,
		Cache:    requestCache,
		CacheTTL: cfg.Cache.DefaultTTL,
		Health:   monitor,
	}, monitor, &logger)
	if err != nil {
		return err
	}

	resolver := conflict.NewResolver(store, bus, &logger)
	orchestrator := worker.NewOrchestrator(worker.Deps{
		Store:     store,
		Queue:     queue,
		Registry:  registry,
		Conflicts: resolver,
		Progress:  monitor,
		Events:    bus,
	}, worker.Options{
		MaxConcurrentJobs: cfg.Sync.MaxConcurrentJobs,
		MaxJobRetries:     cfg.Sync.MaxJobRetries,
		JobTimeout:        cfg.Sync.JobTimeout,
		PollInterval:      cfg.Sync.PollInterval,
		BatchSize:         cfg.Sync.PollBatchSize,
	}, &logger)

	schedules, err := worker.SchedulesFromPlatforms(platforms)
	if err != nil {
		return err
	}
	scheduler := worker.NewScheduler(orchestrator, store, schedules, &logger)

	orchestrator.Start(ctx)
	go scheduler.Run(ctx)

	var httpServer *api.HTTPServer
	if cfg.Webhooks.Enabled {
		httpServer = api.NewHTTPServer(cfg.Webhooks, api.Deps{
			Registry:  registry,
			Platforms: platforms,
			Jobs:      orchestrator,
			Cache:     requestCache,
			Health:    monitor,
			Events:    bus,
		}, &logger)
		go func() {
			if err := httpServer.Start(); err != nil {
				logger.Error().Err(err).Msg("http server stopped")
				stop()
			}
		}()
	}

	logger.Info().
		Strs("platforms", registry.Names()).
		Int("workers", cfg.Sync.MaxConcurrentJobs).
		Int("schedules", len(schedules)).
		Msg("sync engine started")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if httpServer != nil {
		_ = httpServer.Shutdown(shutdownCtx)
	}
	orchestrator.Wait()

	logger.Info().Msg("sync engine stopped")
	return nil
}

func loadConfigAndLogger() (*config.Config, zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("init logger: %w", err)
	}
	logger := baseLogger.With().Str("component", "syncd").Logger()

	return cfg, logger, closer, nil
}

func loadPlatforms(logger *zerolog.Logger) ([]config.PlatformConfig, error) {
	platformsPath := os.Getenv("PLATFORMS_PATH")
	if platformsPath == "" {
		platformsPath = "configs/platforms.yaml"
	}

	platforms, err := config.LoadPlatforms(platformsPath)
	if err != nil {
		logger.Error().Err(err).Str("platforms_path", platformsPath).Msg("load platforms")
		return nil, err
	}
	return platforms, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (domain.Store, error) {
	if cfg.Database.Driver == "memory" {
		logger.Warn().Msg("using in-memory store, jobs are lost on restart")
		return repository.NewMemoryStore(), nil
	}

	db, err := database.Open(cfg.Database, logger)
	if err != nil {
		logger.Error().Err(err).Str("driver", cfg.Database.Driver).Msg("init database")
		return nil, err
	}

	if cfg.Backup.Enabled {
		backups := database.NewBackupService(db, cfg.Backup, logger)
		go backups.Start(ctx)
	}
	return db, nil
}

func initRedis(cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		return nil
	}

	redisClient := repository.NewRedisClient(cfg.Redis)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := repository.Ping(ctx, redisClient); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, continuing without redis")
		_ = repository.Close(redisClient)
		return nil
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return redisClient
}

func initQueue(cfg *config.Config, redisClient *redis.Client, logger *zerolog.Logger) domain.JobQueue {
	memory := repository.NewMemoryJobQueue()
	if redisClient == nil {
		return memory
	}
	primary := repository.NewRedisJobQueue(redisClient, cfg.Sync.RedisQueueKey, cfg.Sync.DeadLetterKey)
	return repository.NewFailoverJobQueue(primary, memory, logger)
}

func initPlatforms(
	ctx context.Context,
	platforms []config.PlatformConfig,
	shared rest.Shared,
	monitor *health.Monitor,
	logger *zerolog.Logger,
) (*platform.Registry, error) {
	registry := platform.NewRegistry()
	for _, pc := range platforms {
		adapter := rest.FromConfig(pc, shared, logger)
		if err := registry.Register(adapter); err != nil {
			return nil, err
		}
		monitor.RegisterPlatform(pc.Name)

		authCtx, cancel := context.WithTimeout(ctx, pc.Timeout)
		if err := adapter.Authenticate(authCtx); err != nil {
			logger.Warn().Err(err).Str("platform", pc.Name).Msg("initial authentication failed")
		}
		cancel()
	}
	return registry, nil
}

func subscribeLogging(bus *events.EventBus, logger *zerolog.Logger) {
	bus.Subscribe(events.EventHealthAlert, func(e *events.Event) error {
		var alert events.AlertPayload
		if err := e.Decode(&alert); err != nil {
			return err
		}
		logger.Warn().
			Str("platform", alert.Platform).
			Str("status", alert.Status).
			Str("previous", alert.PreviousStatus).
			Float64("error_rate", alert.ErrorRate).
			Msg(alert.Message)
		return nil
	})
	bus.SubscribeAll(func(e *events.Event) error {
		logger.Debug().Str("event", e.Type).RawJSON("payload", e.Payload).Msg("event")
		return nil
	})
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	metrics.Register()
	port := cfg.Monitoring.PrometheusPort
	if port == 0 {
		port = 9090
	}
	go startMetricsServer(ctx, port, logger)
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
