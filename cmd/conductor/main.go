// Package main is the entry point for the conductor service.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flexinfer/conductor/internal/api"
	"github.com/flexinfer/conductor/internal/archive"
	"github.com/flexinfer/conductor/internal/auth"
	"github.com/flexinfer/conductor/internal/config"
	"github.com/flexinfer/conductor/internal/driver"
	"github.com/flexinfer/conductor/internal/runstore"
	"github.com/flexinfer/conductor/internal/scheduler"
	"github.com/flexinfer/conductor/internal/telemetry"
	"github.com/flexinfer/conductor/internal/validator"
)

func main() {
	cfg := config.Load()

	logLevel := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	logger.Info("starting conductor",
		slog.String("port", cfg.Port),
		slog.String("runstore", cfg.RunStoreType),
		slog.String("driver", cfg.DriverType),
	)

	// Tracing
	tracing, err := telemetry.Init(context.Background(), &telemetry.Config{
		ServiceName:    "conductor",
		ServiceVersion: "1.0.0",
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Enabled:        cfg.TracingEnabled,
		SampleRate:     cfg.TracingSampleRate,
	}, logger)
	if err != nil {
		logger.Error("init tracing", "error", err)
		os.Exit(1)
	}

	// RunStore
	var store runstore.RunStore
	switch cfg.RunStoreType {
	case "redis":
		redisStore, err := runstore.NewRedisStore(&runstore.RedisConfig{
			URL:         cfg.RedisURL,
			Password:    cfg.RedisPassword,
			DB:          cfg.RedisDB,
			TTL:         cfg.RunStoreTTL,
			EventMaxLen: cfg.EventMaxLen,
		})
		if err != nil {
			logger.Error("redis unavailable, falling back to memory store", "error", err)
			store = runstore.NewMemoryStore(&runstore.Config{
				EventMaxLen: cfg.EventMaxLen,
				TTL:         cfg.RunStoreTTL,
			})
		} else {
			store = redisStore
			logger.Info("using redis runstore", slog.String("url", cfg.RedisURL))
		}
	default:
		store = runstore.NewMemoryStore(&runstore.Config{
			EventMaxLen: cfg.EventMaxLen,
			TTL:         cfg.RunStoreTTL,
		})
		logger.Info("using in-memory runstore")
	}
	defer store.Close()

	// Driver
	emitter := driver.NewRunStoreEmitter(store)
	var drv driver.Driver
	switch cfg.DriverType {
	case "k8s", "kubernetes":
		k8sDriver, err := driver.NewKubernetesDriver(emitter, &driver.KubernetesConfig{
			InCluster:    cfg.K8sInCluster,
			Kubeconfig:   cfg.K8sKubeconfig,
			Namespace:    cfg.K8sNamespace,
			DefaultImage: cfg.K8sDefaultImage,
		})
		if err != nil {
			logger.Error("init kubernetes driver", "error", err)
			os.Exit(1)
		}
		drv = k8sDriver
	default:
		drv = driver.NewSubprocessDriver(emitter, &driver.SubprocessConfig{
			CWD:          cfg.DriverCWD,
			EnvAllowlist: cfg.EnvAllowlist,
		})
	}
	logger.Info("driver initialized", slog.String("type", drv.Name()))

	// Run-log archive (optional)
	var archiver scheduler.Archiver
	if cfg.ArchiveBucket != "" {
		s3Archiver, err := archive.NewS3Archiver(store, &archive.S3Config{
			Endpoint:        cfg.ArchiveEndpoint,
			Bucket:          cfg.ArchiveBucket,
			Region:          cfg.ArchiveRegion,
			Prefix:          cfg.ArchivePrefix,
			AccessKeyID:     cfg.ArchiveAccessKey,
			SecretAccessKey: cfg.ArchiveSecretKey,
		})
		if err != nil {
			logger.Error("init run archive", "error", err)
		} else {
			archiver = s3Archiver
			logger.Info("run archive enabled", slog.String("bucket", cfg.ArchiveBucket))
		}
	}

	// Scheduler
	sched, err := scheduler.New(store, drv, scheduler.ResolveCommand, &scheduler.Config{
		MaxParallelism:        cfg.MaxParallelism,
		DefaultMaxRetries:     cfg.DefaultMaxRetries,
		DefaultBackoffSeconds: cfg.DefaultBackoffSecs,
		Archiver:              archiver,
	})
	if err != nil {
		logger.Error("init scheduler", "error", err)
		os.Exit(1)
	}
	logger.Info("scheduler initialized",
		slog.Int("max_parallelism", cfg.MaxParallelism),
		slog.Int("default_retries", cfg.DefaultMaxRetries),
	)

	// Plan validator
	v, err := validator.New()
	if err != nil {
		logger.Error("create validator", "error", err)
		v = nil
	}

	// OIDC auth (optional)
	var authmw *auth.Middleware
	if cfg.OIDCEnabled && cfg.OIDCIssuer != "" {
		provider, err := auth.NewProvider(context.Background(), &auth.Config{
			Issuer:   cfg.OIDCIssuer,
			ClientID: cfg.OIDCClientID,
		})
		if err != nil {
			logger.Error("init oidc provider", "error", err)
			os.Exit(1)
		}
		authmw = auth.NewMiddleware(provider, &auth.MiddlewareConfig{Enabled: true})
		logger.Info("oidc auth enabled", slog.String("issuer", cfg.OIDCIssuer))
	}

	handlers := api.NewHandlers(store, sched, v, cfg, logger)
	server := api.NewServer(handlers, authmw)

	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     server.Router(),
		ReadTimeout: cfg.ReadTimeout,
		// No write timeout: SSE streams stay open for the life of a run.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server shutdown", "error", err)
	}
	if err := sched.Shutdown(ctx); err != nil {
		logger.Error("scheduler shutdown", "error", err)
	}
	if err := tracing.Shutdown(ctx); err != nil {
		logger.Error("tracing shutdown", "error", err)
	}

	logger.Info("stopped")
}
