package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/crosslogic/usage-meter/internal/config"
	"github.com/crosslogic/usage-meter/internal/gateway"
	"github.com/crosslogic/usage-meter/internal/ledger"
	"github.com/crosslogic/usage-meter/internal/notifications"
	"github.com/crosslogic/usage-meter/internal/storage"
	"github.com/crosslogic/usage-meter/pkg/events"
	"github.com/crosslogic/usage-meter/pkg/models"
	"github.com/crosslogic/usage-meter/pkg/telemetry"
)

func newLogger(environment, level string) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if environment == "development" {
		zcfg = zap.NewDevelopmentConfig()
	}
	if level != "" {
		lvl, err := zap.ParseAtomicLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", level, err)
		}
		zcfg.Level = lvl
	}
	return zcfg.Build()
}

func main() {
	// a missing .env is fine; real deployments set the environment directly
	_ = godotenv.Load()

	// Initialize logger
	logger, err := newLogger(os.Getenv("ENVIRONMENT"), os.Getenv("LOG_LEVEL"))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("starting usage meter")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Monitoring, cfg.Environment, logger)
	if err != nil {
		logger.Fatal("failed to initialize tracing", zap.Error(err))
	}

	// Open the configured backends
	backends, err := storage.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to open storage backends", zap.Error(err))
	}
	defer backends.Close()
	logger.Info("opened storage backends",
		zap.String("usage_store", cfg.Metering.UsageStore),
		zap.String("ledger", cfg.Metering.Ledger),
		zap.String("plan_source", cfg.Metering.PlanSource),
	)

	// Initialize event bus
	eventBus := events.NewBus(logger)

	engine, err := storage.NewEngine(cfg, backends, eventBus, logger)
	if err != nil {
		logger.Fatal("failed to initialize metering engine", zap.Error(err))
	}

	// Initialize notification service
	notificationConfig, err := notifications.LoadConfig()
	if err != nil {
		logger.Fatal("failed to load notification config", zap.Error(err))
	}
	notificationService := notifications.NewService(notificationConfig, backends.Cache, eventBus, logger)
	notificationService.Start(ctx)

	var retention *ledger.RetentionJob
	if cfg.Retention.Enabled {
		retention = ledger.NewRetentionJob(
			backends.Ledger,
			cfg.Retention.Horizon,
			models.FromUSD(cfg.Retention.MaxCost),
			cfg.Retention.Interval,
			eventBus,
			logger,
		)
		retention.Start(ctx)
	}

	gw := gateway.NewGateway(gateway.OptionsFromConfig(cfg), engine, backends, retention, backends.Cache, logger)
	gw.StartHealthMetrics(ctx, 30*time.Second)
	logger.Info("initialized API gateway")

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      gw,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("starting HTTP server",
			zap.String("address", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	// Stop background jobs, then let in-flight event handlers finish
	cancel()
	eventBus.Wait()

	if err := notificationService.Stop(shutdownCtx); err != nil {
		logger.Error("failed to stop notification service gracefully", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("failed to flush traces", zap.Error(err))
	}

	logger.Info("server exited")
}
