package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"rtcwatch/internal/core/domain"
	httphandlers "rtcwatch/internal/handlers/http"
	"rtcwatch/internal/infrastructure/middleware"
	"rtcwatch/internal/infrastructure/repositories/sqlite"
	"rtcwatch/pkg/cache"
	"rtcwatch/pkg/config"
	"rtcwatch/pkg/logger"

	"github.com/gin-gonic/gin"
)

// settingsFile serves the fragment on /api/config. The file is re-read once
// the cached copy expires, so edits apply without a restart.
func settingsFile(path string, fragments *cache.Cache[*domain.SettingsFragment]) func() (*domain.SettingsFragment, error) {
	if path == "" {
		return nil
	}
	return func() (*domain.SettingsFragment, error) {
		return fragments.GetOrLoad(context.Background(), path, func(context.Context) (*domain.SettingsFragment, error) {
			return readFragment(path)
		})
	}
}

func readFragment(path string) (*domain.SettingsFragment, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var fragment domain.SettingsFragment
	if err := json.Unmarshal(raw, &fragment); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &fragment, nil
}

func main() {
	configPath := os.Getenv("RTCWATCH_CONFIG")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "falling back to default configuration: %v\n", err)
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar().With("component", "collector")

	sink, err := sqlite.NewBatchSink(cfg.Collector.DatabasePath)
	if err != nil {
		log.Fatalw("failed to open batch database", "path", cfg.Collector.DatabasePath, "error", err)
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)
	fragments := cache.New[*domain.SettingsFragment](cfg.Collector.ConfigTTL)
	defer fragments.Stop()
	httphandlers.NewCollectorHandler(sink, settingsFile(cfg.Collector.ConfigPath, fragments), log).SetupRoutes(router)

	srv := &http.Server{
		Addr:         cfg.Collector.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("Starting collector", "address", cfg.Collector.Address, "database", cfg.Collector.DatabasePath)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		_ = srv.Close()
	}
	if err := sink.Close(); err != nil {
		log.Errorw("Error closing batch database", "error", err)
	}
	log.Info("Collector stopped")
}
