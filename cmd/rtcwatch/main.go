package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rtcwatch/internal/app"
	"rtcwatch/internal/core/domain"
	"rtcwatch/internal/core/ports"
	"rtcwatch/internal/core/services"
	httphandlers "rtcwatch/internal/handlers/http"
	"rtcwatch/internal/infrastructure/devtools"
	"rtcwatch/internal/infrastructure/distributed"
	"rtcwatch/internal/infrastructure/ingest"
	"rtcwatch/internal/infrastructure/middleware"
	"rtcwatch/internal/infrastructure/monitoring"
	"rtcwatch/internal/infrastructure/remote"
	repositories "rtcwatch/internal/infrastructure/repositories"
	"rtcwatch/internal/infrastructure/retention"
	"rtcwatch/pkg/config"
	"rtcwatch/pkg/export"
	"rtcwatch/pkg/logger"
	"rtcwatch/pkg/retry"
	"rtcwatch/pkg/tracing"
	"rtcwatch/pkg/utils"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func loadConfig() *config.Config {
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/rtcwatch/config.yaml",
		"config.yaml",
	}
	if p := os.Getenv("RTCWATCH_CONFIG"); p != "" {
		configPaths = append([]string{p}, configPaths...)
	}

	var lastErr error
	for _, path := range configPaths {
		cfg, err := config.Load(path)
		if err == nil {
			return cfg
		}
		lastErr = err
	}
	fmt.Fprintf(os.Stderr, "falling back to default configuration: %v\n", lastErr)
	return config.DefaultConfig()
}

func main() {
	startTime := time.Now()
	cfg := loadConfig()

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	instanceID := utils.GenerateInstanceID()
	log = log.With("instance_id", instanceID)

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "rtcwatch",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}

	kv, err := repoFactory.KeyValueStore()
	if err != nil {
		log.Fatalw("failed to open key-value store", "backend", repoFactory.Backend(), "error", err)
	}
	settingsRepo, err := repoFactory.SettingsRepository()
	if err != nil {
		log.Fatalw("failed to open settings repository", "error", err)
	}

	// Metrics, presentation and cross-instance coordination
	metrics := monitoring.NewPrometheusCollector(nil)
	var (
		eventBus  *distributed.EventBus
		locker    ports.TabLocker = distributed.NewLocalTabLocker()
		presenter *monitoring.Presenter
	)
	if client := repoFactory.RedisClient(); client != nil {
		eventBus = distributed.NewEventBus(client, instanceID, distributed.DefaultChannel, log)
		locker = distributed.NewRedisTabLocker(client, log)
		presenter = monitoring.NewPresenter(metrics, eventBus, log)
	} else {
		presenter = monitoring.NewPresenter(metrics, nil, log)
	}

	defaults := app.SettingsFromConfig(cfg)
	store := services.NewTelemetryStore(kv, cfg.Storage.Capacity, log)

	acquisitionCfg := services.DefaultAcquisitionConfig()
	acquisitionCfg.Retry = retry.DebuggerConfig()
	acquisitionCfg.Retry.MaxAttempts = cfg.DevTools.MaxAttempts
	acquisitionCfg.Retry.InitialDelay = cfg.DevTools.InitialBackoff
	acquisitionCfg.Retry.MaxDelay = cfg.DevTools.MaxBackoff
	acquisitionCfg.AutoCaptureInterval = cfg.DevTools.AutoCaptureInterval
	acquisitionCfg.WalkMaxDepth = cfg.DevTools.WalkMaxDepth
	acquisitionCfg.WalkMaxBreadth = cfg.DevTools.WalkMaxBreadth
	acquisitionCfg.CandidateTimeout = cfg.PageHook.ScanTimeout
	acquisitionCfg.TabLockTTL = cfg.DevTools.TabLockTTL

	acquisition := services.NewAcquisitionService(store, presenter, defaults, acquisitionCfg, log).
		WithLocker(locker).
		WithRecorder(metrics)

	tokens := services.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.RelayTokenTTL)

	ingestCfg := ingest.DefaultConfig()
	ingestCfg.PingInterval = cfg.Ingest.PingInterval
	ingestCfg.PongTimeout = cfg.Ingest.PongTimeout
	ingestCfg.RequestTimeout = cfg.Ingest.RequestTimeout
	ingestCfg.RequireToken = cfg.Auth.RequireToken
	ingestCfg.AllowedOrigins = cfg.Auth.AllowedOrigins
	if cfg.RateLimiting.Enabled {
		ingestCfg.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		ingestCfg.Burst = cfg.RateLimiting.WebSocket.Burst
		ingestCfg.MaxMessageSize = cfg.RateLimiting.WebSocket.MaxMessageSizeBytes
	}
	ingestServer := ingest.NewServer(acquisition, tokens, ingestCfg, log)
	acquisition.WithMessenger(ingestServer)

	health := monitoring.NewHealthChecker()
	health.AddStoreCheck(store, cfg.Monitoring.MetricsInterval, 2*time.Second)

	var debugger *devtools.Client
	if cfg.DevTools.Enabled {
		debugger = devtools.NewClient(devtools.Config{
			BrowserURL:     cfg.DevTools.BrowserURL,
			CommandTimeout: cfg.DevTools.CommandTimeout,
		}, log)
		connectCtx, cancel := context.WithTimeout(context.Background(), cfg.DevTools.CommandTimeout)
		if err := debugger.Connect(connectCtx); err != nil {
			log.Warnw("DevTools endpoint unreachable, debugger strategies disabled", "url", cfg.DevTools.BrowserURL, "error", err)
			debugger = nil
		} else {
			acquisition.WithDebugger(debugger)
			health.AddDebuggerCheck(debugger, cfg.Monitoring.MetricsInterval, 2*time.Second)
		}
		cancel()
	}

	remoteCfg := remote.DefaultConfig()
	remoteCfg.Endpoint = defaults.APIEndpoint
	remoteCfg.Timeout = cfg.Remote.Timeout
	remoteCfg.CheckTimeout = cfg.Remote.CheckTimeout
	remoteCfg.BreakerFailures = cfg.Remote.BreakerFailures
	remoteCfg.BreakerOpenPeriod = cfg.Remote.BreakerOpenPeriod
	collector := remote.NewClient(remoteCfg, log)
	health.AddBreakerCheck("collector", collector.BreakerState)

	if client := repoFactory.RedisClient(); client != nil {
		health.AddRedisCheck(client, cfg.Monitoring.MetricsInterval, 2*time.Second)
	}

	uploads := services.NewUploadScheduler(store, collector, defaults, log).WithRecorder(metrics)

	application := app.New(app.Options{
		Store:             store,
		SettingsRepo:      settingsRepo,
		Collector:         collector,
		Acquisition:       acquisition,
		Uploads:           uploads,
		Defaults:          defaults,
		FetchRemoteConfig: cfg.Monitor.FetchRemoteConfig,
	}, log)

	exportStorage, err := newExportStorage(context.Background(), cfg)
	if err != nil {
		log.Fatalw("failed to prepare export storage", "backend", cfg.Export.Backend, "error", err)
	}
	exporter := export.NewExporter(exportStorage, cfg.Export.Compress)
	retentionScheduler := retention.NewScheduler(store, exporter, retention.Config{
		Interval:      cfg.Export.Interval,
		SampleMaxAge:  cfg.Export.SampleMaxAge,
		RetentionDays: cfg.Export.RetentionDays,
	}, log)

	runCtx, stop := context.WithCancel(context.Background())
	defer stop()

	if err := application.Init(runCtx); err != nil {
		log.Errorw("Initial monitor initialization failed, retrying on first request", "error", err)
	}
	retentionScheduler.Start(runCtx)
	health.StartBackgroundChecks(runCtx, func(name string, err error) {
		log.Warnw("Health check failed", "check", name, "error", err)
	})

	if eventBus != nil {
		go func() {
			err := eventBus.Subscribe(runCtx, func(event *distributed.Event) error {
				return applyRemoteEvent(metrics, event)
			})
			if err != nil && runCtx.Err() == nil {
				log.Warnw("Event bus subscription ended", "error", err)
			}
		}()
	}

	// Control API
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.NewHTTPRateLimitMiddleware(cfg),
		middleware.ErrorHandlerMiddleware(log),
	)

	var tabGuards []gin.HandlerFunc
	if cfg.Auth.RequireToken {
		tabGuards = []gin.HandlerFunc{middleware.AuthMiddleware(tokens), middleware.TabScopeMiddleware()}
	} else {
		tabGuards = []gin.HandlerFunc{middleware.OptionalAuthMiddleware(tokens)}
	}
	httphandlers.NewMonitorHandler(application, exporter, tokens, log).SetupRoutes(router, tabGuards...)

	router.GET("/health", func(c *gin.Context) {
		status := health.CheckAll(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{
			"status":    status.Status,
			"checks":    status.Checks,
			"state":     application.State().String(),
			"relays":    len(ingestServer.Tabs()),
			"timestamp": time.Now(),
			"uptime":    time.Since(startTime).String(),
		})
	})
	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if !health.IsReady(ctx) || application.State() != app.StateReady {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":    "not_ready",
				"state":     application.State().String(),
				"timestamp": time.Now(),
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready", "timestamp": time.Now()})
	})

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Relay ingest
	ingestMux := http.NewServeMux()
	ingestMux.HandleFunc(cfg.Ingest.Path, ingestServer.HandleWebSocket)
	ingestMux.HandleFunc("/health", ingestServer.HealthCheck)
	ingestSrv := &http.Server{
		Addr:              cfg.Ingest.Address,
		Handler:           ingestMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	servers := []*http.Server{srv, ingestSrv}
	if cfg.Monitoring.PrometheusEnabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		servers = append(servers, &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Monitoring.PrometheusPort),
			Handler:           metricsMux,
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	serverErr := make(chan error, len(servers))
	for _, s := range servers {
		go func(s *http.Server) {
			log.Infow("Listening", "address", s.Addr)
			if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				serverErr <- fmt.Errorf("%s: %w", s.Addr, err)
			}
		}(s)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down rtcwatch...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	for _, s := range servers {
		if err := s.Shutdown(shutdownCtx); err != nil {
			log.Errorw("Error during server shutdown", "address", s.Addr, "error", err)
			_ = s.Close()
		}
	}
	ingestServer.Close()

	stop()
	retentionScheduler.Stop()
	application.Shutdown()

	if eventBus != nil {
		if err := eventBus.Close(); err != nil {
			log.Warnw("Error closing event bus", "error", err)
		}
	}
	if debugger != nil {
		if err := debugger.Close(); err != nil {
			log.Warnw("Error closing DevTools connection", "error", err)
		}
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("Error shutting down tracer provider", "error", err)
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("Error closing repository factory", "error", err)
	}

	log.Info("rtcwatch stopped")
}

// applyRemoteEvent mirrors the badge of tabs monitored by other instances
// into the local quality gauge.
// newExportStorage picks the dump backend named in export.backend.
func newExportStorage(ctx context.Context, cfg *config.Config) (export.Storage, error) {
	if cfg.Export.Backend != "s3" {
		return export.NewFileStorage(cfg.Export.Directory)
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Export.S3.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Export.S3.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Export.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Export.S3.Endpoint)
			o.UsePathStyle = true
		}
	})
	return export.NewS3Storage(client, cfg.Export.S3.Bucket, cfg.Export.S3.Prefix), nil
}

func applyRemoteEvent(metrics *monitoring.PrometheusCollector, event *distributed.Event) error {
	if event.Type != distributed.EventBadgeChanged {
		return nil
	}
	var badge struct {
		Status domain.QualityStatus `json:"status"`
	}
	if err := json.Unmarshal(event.Payload, &badge); err != nil {
		return fmt.Errorf("decode badge event: %w", err)
	}
	metrics.SetTabQuality(event.TabID, badge.Status)
	return nil
}
