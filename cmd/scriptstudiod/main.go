// Package main implements the entry point for the script studio daemon.
// It wires the core to its collaborators and serves the local HTTP bridge.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/RegistryAccord/scriptstudio-go/internal/api"
	"github.com/RegistryAccord/scriptstudio-go/internal/cache"
	"github.com/RegistryAccord/scriptstudio-go/internal/config"
	"github.com/RegistryAccord/scriptstudio-go/internal/event"
	"github.com/RegistryAccord/scriptstudio-go/internal/media"
	"github.com/RegistryAccord/scriptstudio-go/internal/metrics"
	"github.com/RegistryAccord/scriptstudio-go/internal/server"
	"github.com/RegistryAccord/scriptstudio-go/internal/session"
	"github.com/RegistryAccord/scriptstudio-go/internal/storage"
	"github.com/RegistryAccord/scriptstudio-go/internal/studio"
	"github.com/RegistryAccord/scriptstudio-go/internal/telemetry"
)

var version = "dev"

func main() {
	// Load configuration from environment variables
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging for the application
	logLevel := slog.LevelInfo
	if cfg.Env == "dev" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := telemetry.InitTracer(context.Background(), "scriptstudio", version, cfg.Tracing); err != nil {
		logger.Error("failed to initialize OpenTelemetry tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.ShutdownTracer(ctx)
	}()

	m := metrics.NewMetrics()

	store, err := openStore(cfg, m)
	if err != nil {
		logger.Error("failed to initialize draft storage", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	bus := event.NewBus(event.Options{URL: cfg.NATSURL, Logger: logger, Metrics: m})
	defer bus.Close()

	var resolver media.Resolver = media.Passthrough{}
	if cfg.S3Bucket != "" {
		presigner, err := media.NewS3Presigner(cfg.S3Endpoint, cfg.S3Region, cfg.S3Bucket, cfg.S3AccessKey, cfg.S3SecretKey, cfg.PresignTTL)
		if err != nil {
			logger.Error("failed to initialize S3 presigner", "error", err)
			os.Exit(1)
		}
		resolver = presigner
	}

	ordering, err := cache.ParseOrdering(cfg.CacheOrdering)
	if err != nil {
		logger.Error("invalid cache ordering", "error", err)
		os.Exit(1)
	}

	sess := session.New(cfg.APIToken)
	client, err := api.New(cfg.APIURL, sess, api.WithTimeout(cfg.APITimeout), api.WithMetrics(m), api.WithLogger(logger))
	if err != nil {
		logger.Error("failed to initialize backend client", "error", err)
		os.Exit(1)
	}

	st := studio.New(studio.Config{
		Backend:  client,
		Session:  sess,
		Store:    store,
		Bus:      bus,
		Media:    resolver,
		TTL:      cfg.CacheTTL,
		Ordering: ordering,
		Logger:   logger,
		Metrics:  m,
	})
	defer st.Close()

	mux := server.NewMux(st, server.Options{CORSAllowedOrigins: cfg.CORSAllowedOrigins, Metrics: m, Logger: logger})

	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: 5 * time.Second,
		// Regenerations wait on the backend's model call.
		WriteTimeout: cfg.APITimeout + 10*time.Second,
	}

	go func() {
		logger.Info("server starting", "addr", addr, "env", cfg.Env, "backend", cfg.APIURL)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	logger.Info("server exited")
}

// openStore picks Postgres, then SQLite, then memory.
func openStore(cfg config.Config, m *metrics.Metrics) (storage.Store, error) {
	switch {
	case cfg.DatabaseDSN != "":
		return storage.NewPostgres(cfg.DatabaseDSN, storage.WithMetrics(m))
	case cfg.SQLitePath != "":
		return storage.NewSQLite(cfg.SQLitePath, storage.WithMetrics(m))
	default:
		slog.Warn("no draft store configured, drafts will not survive a restart")
		return storage.NewMemory(storage.WithMetrics(m)), nil
	}
}
