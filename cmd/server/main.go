package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"npc-dialogue-ai/backend/pkg/config"
	"npc-dialogue-ai/backend/pkg/di"
	"npc-dialogue-ai/backend/pkg/logger"
	"npc-dialogue-ai/backend/pkg/router"
	"npc-dialogue-ai/backend/shared/observability"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	// Loads .env once, then the environment
	cfg := config.New()

	// Initialize structured logger
	logConfig := logger.DefaultConfig()
	logConfig.Level = cfg.Logging.Level
	logConfig.JSON = cfg.Logging.Format != "text"

	log := logger.New(logConfig)
	logger.SetGlobal(log)

	log.Info("Starting application",
		"version", os.Getenv("APP_VERSION"),
		"env", cfg.Server.Env,
		"dialogue_service", cfg.Dialogue.BaseURL,
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if cfg.Observability.MetricsEnabled {
		if _, err := observability.SetupMetrics(cfg.Observability.ServiceName, reg); err != nil {
			log.LogError(err, "Failed to initialize metrics bridge")
		}
	}

	shutdownTracing := observability.ShutdownFunc(func(context.Context) error { return nil })
	if cfg.Observability.TracingEnabled {
		shutdown, err := observability.SetupTracing(cfg.Observability.ServiceName, os.Stdout)
		if err != nil {
			log.LogError(err, "Failed to initialize tracing")
		} else {
			shutdownTracing = shutdown
		}
	}

	container, err := di.New(cfg, log, reg)
	if err != nil {
		log.LogError(err, "Failed to initialize dependency container")
		os.Exit(1)
	}

	// Background work stops when ctx is cancelled
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	container.Health.Start(ctx)
	go container.Sessions.Run(ctx)
	go container.Hub.Run(ctx)

	r := router.New(container)
	r.SetupRoutes()

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r.Engine,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       cfg.Server.Timeout * 2,
	}

	go func() {
		log.Info("Server starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.LogError(err, "Server failed to start")
			os.Exit(1)
		}
	}()

	// Setup graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	<-quit
	log.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.LogError(err, "Server forced to shutdown")
	}

	// Sessions close first so UI clients see session_closed before the hub stops
	container.Close()
	cancel()
	r.Close()

	if err := shutdownTracing(shutdownCtx); err != nil {
		log.LogError(err, "Failed to flush traces")
	}

	log.Info("Server exited gracefully")
}
