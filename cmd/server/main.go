package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/mileusna/crontab"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/media-storage-gateway/internal/api"
	"github.com/kenneth/media-storage-gateway/internal/audit"
	"github.com/kenneth/media-storage-gateway/internal/authz"
	"github.com/kenneth/media-storage-gateway/internal/cache"
	"github.com/kenneth/media-storage-gateway/internal/config"
	"github.com/kenneth/media-storage-gateway/internal/keys"
	"github.com/kenneth/media-storage-gateway/internal/media"
	"github.com/kenneth/media-storage-gateway/internal/metrics"
	"github.com/kenneth/media-storage-gateway/internal/middleware"
	"github.com/kenneth/media-storage-gateway/internal/stats"
	"github.com/kenneth/media-storage-gateway/internal/storage"
	"github.com/kenneth/media-storage-gateway/internal/tracing"
	"github.com/kenneth/media-storage-gateway/internal/upload"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	setLogLevel(logger, cfg.LogLevel)

	logger.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
	}).Info("Starting media storage gateway")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.Setup(ctx, &cfg.Tracing)
	if err != nil {
		logger.WithError(err).Fatal("Failed to set up tracing")
	}

	m := metrics.NewMetrics()
	stopMetrics := make(chan struct{})
	m.StartSystemMetricsCollector(stopMetrics)

	// Shared store: cache, single-flight locks and stats.
	var redisClient *redis.Client
	if cfg.Cache.Backend == "redis" {
		redisClient, err = cache.NewRedisClient(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create redis client")
		}
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.WithError(err).Fatal("Failed to reach redis")
		}
	} else {
		logger.Warn("Using in-memory cache backend, single-flight is not coordinated across instances")
	}

	var client redis.UniversalClient
	if redisClient != nil {
		client = redisClient
	}
	kv, err := cache.NewKeyValueCache(&cfg.Cache, client)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create cache")
	}
	flight := cache.NewSingleFlight(kv, cache.SingleFlightOptions{
		LockTTL:      cfg.Cache.LockTTL,
		PollInterval: cfg.Cache.PollInterval,
		MaxAttempts:  cfg.Cache.MaxAttempts,
		Metrics:      m,
		Logger:       logger,
	})

	var auditLogger audit.Logger = audit.NewNopLogger()
	if cfg.Audit.Enabled {
		auditLogger = audit.NewLogger(cfg.Audit.MaxEvents, nil)
		logger.WithField("max_events", cfg.Audit.MaxEvents).Info("Audit logging enabled")
	}

	store, err := storage.NewClient(ctx, &cfg.Storage, m)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create storage client")
	}

	keyPairs := keys.NewKeyPairProvider(kv, flight, store, keys.KeyPairOptions{
		PublicBucket:  cfg.Storage.PublicKeyBucket,
		PrivateBucket: cfg.Storage.PrivateKeyBucket,
		TTL:           cfg.Cache.KeyPairTTL,
		Metrics:       m,
		Audit:         auditLogger,
		Logger:        logger,
	})
	symmetric := keys.NewCachedSymmetricKeyProvider(
		keys.NewSymmetricKeyProvider(keyPairs, keys.SymmetricKeyOptions{
			Metrics: m,
			Audit:   auditLogger,
			Logger:  logger,
		}),
		kv, cfg.Cache.SymmetricKeyTTL, m,
	)

	authorizer := authz.NewCachedProvider(
		authz.NewProvider(
			authz.NewScheduleClient(cfg.Authz.ScheduleBaseURL, cfg.Authz.Timeout, m),
			authz.NewPermissionClient(cfg.Authz.PermissionURL, cfg.Authz.Timeout, m),
			authz.ProviderOptions{
				PermissionID: cfg.Authz.PermissionID,
				Metrics:      m,
				Audit:        auditLogger,
				Logger:       logger,
			},
		),
		kv, cfg.Cache.AuthorizationTTL, m,
	)
	tokenParser, err := authz.NewTokenParser(&cfg.Authz)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create token parser")
	}
	tokens := authz.NewCachedTokenParser(tokenParser, kv, cfg.Cache.TokenTTL, m)

	validator := upload.NewValidator(store, upload.Options{
		Bucket:       cfg.Storage.MediaBucket,
		Delay:        cfg.Upload.ValidationDelay,
		CheckTimeout: 30 * time.Second,
		Metrics:      m,
		Logger:       logger,
	})

	db, err := media.OpenDatabase(&cfg.Database)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open media database")
	}
	mediaStore := media.NewCachedRepository(media.NewRepository(db), kv, cfg.Cache.MetadataTTL, m)
	mediaService := media.NewService(mediaStore, authorizer, store, keyPairs, symmetric, validator, media.Options{
		Bucket:          cfg.Storage.MediaBucket,
		PresignExpiry:   cfg.Storage.PresignExpiry,
		DownloadInfoTTL: cfg.Cache.DownloadInfoTTL,
		Cache:           kv,
		Metrics:         m,
		Logger:          logger,
	})

	// Stats are aggregated across instances through redis on a cron schedule.
	var recorder *stats.Recorder
	ctab := crontab.New()
	if cfg.Stats.Enabled {
		recorder = stats.NewRecorder()
		aggregator := stats.NewAggregator(redisClient, &cfg.Stats, logger)
		scheduler := stats.NewScheduler(recorder, aggregator, cfg.Stats.Schedule, m, logger)
		if err := scheduler.Start(ctx, ctab); err != nil {
			logger.WithError(err).Fatal("Failed to schedule stats aggregation")
		}
		logger.WithFields(logrus.Fields{
			"schedule": cfg.Stats.Schedule,
			"window":   cfg.Stats.Window,
		}).Info("Stats aggregation enabled")
	}

	var ready api.Pinger
	if redisClient != nil {
		ready = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}
	var statsRecorder api.StatsRecorder
	if recorder != nil {
		statsRecorder = recorder
	}
	handler := api.NewHandler(mediaService, tokens, statsRecorder, ready, logger, m)

	router := mux.NewRouter()
	router.Handle("/metrics", m.Handler()).Methods("GET")
	handler.RegisterRoutes(router)

	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.TracingMiddleware(cfg.Tracing.RedactSensitive))
	router.Use(middleware.LoggingMiddleware(logger, &cfg.Logging))
	router.Use(middleware.SecurityHeadersMiddleware())
	if cfg.RateLimit.Enabled {
		limiter := middleware.NewRateLimiter(&cfg.RateLimit, logger)
		router.Use(middleware.RateLimitMiddleware(limiter))
		logger.WithFields(logrus.Fields{
			"limit":  cfg.RateLimit.Limit,
			"window": cfg.RateLimit.Window,
		}).Info("Rate limiting enabled")
	}

	reloader, err := config.NewConfigReloader(configPath, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create configuration reloader")
	}
	reloader.SetOnReloadCallback(func(old, next *config.Config) error {
		if old.LogLevel != next.LogLevel {
			setLogLevel(logger, next.LogLevel)
			logger.WithField("log_level", next.LogLevel).Info("Log level changed")
		}
		return nil
	})
	go reloader.Start()

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	go func() {
		logger.WithField("addr", cfg.ListenAddr).Info("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	reloader.Stop()
	ctab.Shutdown()
	// Upload checks that have not fired yet are dropped.
	validator.CleanUp()
	cancel()
	close(stopMetrics)

	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Failed to flush traces")
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
	if redisClient != nil {
		redisClient.Close()
	}
	logger.Info("Server stopped gracefully")
}

func setLogLevel(logger *logrus.Logger, name string) {
	level, err := logrus.ParseLevel(name)
	if err != nil {
		logger.WithError(err).Warn("Invalid log level, using info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
}
