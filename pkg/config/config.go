package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	apperrors "rtcwatch/pkg/errors"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

const envPrefix = "RTCWATCH_"

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Ingest struct {
		Address         string        `yaml:"address"`
		Path            string        `yaml:"path"`
		PingInterval    time.Duration `yaml:"ping_interval"`
		PongTimeout     time.Duration `yaml:"pong_timeout"`
		RequestTimeout  time.Duration `yaml:"request_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"ingest"`

	DevTools struct {
		Enabled             bool          `yaml:"enabled"`
		BrowserURL          string        `yaml:"browser_url"`
		CommandTimeout      time.Duration `yaml:"command_timeout"`
		MaxAttempts         int           `yaml:"max_attempts"`
		InitialBackoff      time.Duration `yaml:"initial_backoff"`
		MaxBackoff          time.Duration `yaml:"max_backoff"`
		AutoCaptureInterval time.Duration `yaml:"auto_capture_interval"`
		WalkMaxDepth        int           `yaml:"walk_max_depth"`
		WalkMaxBreadth      int           `yaml:"walk_max_breadth"`
		TabLockTTL          time.Duration `yaml:"tab_lock_ttl"`
	} `yaml:"devtools"`

	PageHook struct {
		PollInterval   time.Duration `yaml:"poll_interval"`
		FirstDrain     time.Duration `yaml:"first_drain"`
		RetryDelay     time.Duration `yaml:"retry_delay"`
		ScanTimeout    time.Duration `yaml:"scan_timeout"`
		MaxQueueLength int           `yaml:"max_queue_length"`
	} `yaml:"pagehook"`

	Monitor struct {
		APIEndpoint         string `yaml:"api_endpoint"`
		UploadInterval      int64  `yaml:"upload_interval"` // ms
		EnableNotifications bool   `yaml:"enable_notifications"`
		EnableDataUpload    bool   `yaml:"enable_data_upload"`
		AutoUpload          bool   `yaml:"auto_upload"`
		FetchRemoteConfig   bool   `yaml:"fetch_remote_config"`

		QualityThreshold struct {
			RTT        float64 `yaml:"rtt"`
			PacketLoss float64 `yaml:"packet_loss"`
			Jitter     float64 `yaml:"jitter"`
		} `yaml:"quality_threshold"`
	} `yaml:"monitor"`

	Remote struct {
		Timeout           time.Duration `yaml:"timeout"`
		CheckTimeout      time.Duration `yaml:"check_timeout"`
		BreakerFailures   uint32        `yaml:"breaker_failures"`
		BreakerOpenPeriod time.Duration `yaml:"breaker_open_period"`
	} `yaml:"remote"`

	Storage struct {
		Backend  string `yaml:"backend"` // memory, redis or sqlite
		Capacity int    `yaml:"capacity"`
	} `yaml:"storage"`

	SQLite struct {
		Path string `yaml:"path"`
	} `yaml:"sqlite"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Monitoring struct {
		PrometheusEnabled bool          `yaml:"prometheus_enabled"`
		PrometheusPort    int           `yaml:"prometheus_port"`
		MetricsInterval   time.Duration `yaml:"metrics_interval"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Auth struct {
		JWTSecret      string        `yaml:"jwt_secret"`
		RelayTokenTTL  time.Duration `yaml:"relay_token_ttl"`
		RequireToken   bool          `yaml:"require_token"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`

		WebSocket struct {
			ConnectionsPerMinute int     `yaml:"connections_per_minute"`
			MessagesPerSecond    float64 `yaml:"messages_per_second"`
			Burst                int     `yaml:"burst"`
			MaxConcurrent        int     `yaml:"max_concurrent_connections"`
			MaxMessageSizeBytes  int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`

	Collector struct {
		Address      string        `yaml:"address"`
		DatabasePath string        `yaml:"database_path"`
		ConfigPath   string        `yaml:"config_path"`
		ConfigTTL    time.Duration `yaml:"config_ttl"`
	} `yaml:"collector"`

	Export struct {
		Backend       string        `yaml:"backend"` // "file" or "s3"
		Directory     string        `yaml:"directory"`
		Compress      bool          `yaml:"compress"`
		Interval      time.Duration `yaml:"interval"` // 0 disables scheduled exports
		SampleMaxAge  time.Duration `yaml:"sample_max_age"`
		RetentionDays int           `yaml:"retention_days"`
		S3            struct {
			Bucket   string `yaml:"bucket"`
			Prefix   string `yaml:"prefix"`
			Region   string `yaml:"region"`
			Endpoint string `yaml:"endpoint"` // S3-compatible stores such as MinIO
		} `yaml:"s3"`
	} `yaml:"export"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Ingest
	if c.Ingest.Address == "" {
		return fmt.Errorf("ingest.address must not be empty")
	}
	if c.Ingest.PingInterval <= 0 {
		return fmt.Errorf("ingest.ping_interval must be > 0")
	}
	if c.Ingest.PongTimeout <= c.Ingest.PingInterval {
		return fmt.Errorf("ingest.pong_timeout must be > ingest.ping_interval")
	}
	if c.Ingest.RequestTimeout <= 0 {
		return fmt.Errorf("ingest.request_timeout must be > 0")
	}

	// DevTools
	if c.DevTools.Enabled {
		if c.DevTools.BrowserURL == "" {
			return fmt.Errorf("devtools.browser_url must not be empty when devtools.enabled=true")
		}
		u, err := url.Parse(c.DevTools.BrowserURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss" && u.Scheme != "http") {
			return fmt.Errorf("devtools.browser_url must be a ws://, wss:// or http:// URL")
		}
	}
	if c.DevTools.MaxAttempts <= 0 {
		return fmt.Errorf("devtools.max_attempts must be > 0")
	}
	if c.DevTools.InitialBackoff <= 0 || c.DevTools.MaxBackoff < c.DevTools.InitialBackoff {
		return fmt.Errorf("devtools backoff must satisfy 0 < initial_backoff <= max_backoff")
	}
	if c.DevTools.AutoCaptureInterval <= 0 {
		return fmt.Errorf("devtools.auto_capture_interval must be > 0")
	}
	if c.DevTools.WalkMaxDepth <= 0 || c.DevTools.WalkMaxBreadth <= 0 {
		return fmt.Errorf("devtools walk bounds must be > 0")
	}

	// Page hook
	if c.PageHook.PollInterval <= 0 {
		return fmt.Errorf("pagehook.poll_interval must be > 0")
	}
	if c.PageHook.ScanTimeout <= 0 {
		return fmt.Errorf("pagehook.scan_timeout must be > 0")
	}

	// Monitor
	if c.Monitor.UploadInterval <= 0 {
		return fmt.Errorf("monitor.upload_interval must be > 0")
	}
	if c.Monitor.EnableDataUpload && strings.TrimSpace(c.Monitor.APIEndpoint) == "" {
		return apperrors.NewConfigError("API endpoint not configured")
	}
	if c.Monitor.APIEndpoint != "" {
		u, err := url.Parse(c.Monitor.APIEndpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return apperrors.NewConfigError("monitor.api_endpoint must be an http(s) URL")
		}
	}
	th := c.Monitor.QualityThreshold
	if th.RTT < 0 || th.PacketLoss < 0 || th.Jitter < 0 {
		return fmt.Errorf("monitor.quality_threshold values must be >= 0")
	}

	// Remote
	if c.Remote.Timeout <= 0 || c.Remote.CheckTimeout <= 0 {
		return fmt.Errorf("remote timeouts must be > 0")
	}

	// Storage
	switch c.Storage.Backend {
	case "memory", "redis", "sqlite":
	default:
		return fmt.Errorf("storage.backend must be one of memory, redis, sqlite (got %q)", c.Storage.Backend)
	}
	if c.Storage.Capacity <= 0 {
		return fmt.Errorf("storage.capacity must be > 0")
	}
	if c.Storage.Backend == "sqlite" && c.SQLite.Path == "" {
		return fmt.Errorf("sqlite.path must not be empty when storage.backend=sqlite")
	}
	if c.Storage.Backend == "redis" && !c.Redis.Enabled {
		return fmt.Errorf("redis.enabled must be true when storage.backend=redis")
	}

	// Monitoring
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort <= 0 {
		return fmt.Errorf("monitoring.prometheus_port must be > 0 when prometheus_enabled=true")
	}
	if c.Monitoring.MetricsInterval <= 0 {
		return fmt.Errorf("monitoring.metrics_interval must be > 0")
	}

	// Tracing
	if c.Tracing.Enabled && (c.Tracing.SampleRate <= 0 || c.Tracing.SampleRate > 1) {
		return fmt.Errorf("tracing.sample_rate must be in (0, 1] when tracing.enabled=true")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	// Auth
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.RelayTokenTTL <= 0 {
		return fmt.Errorf("auth.relay_token_ttl must be > 0")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.ConnectionsPerMinute <= 0 {
			return fmt.Errorf("rate_limiting.websocket.connections_per_minute must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_concurrent_connections must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0 when rate limiting is enabled")
		}
	}

	// Export
	switch c.Export.Backend {
	case "file":
		if c.Export.Directory == "" {
			return fmt.Errorf("export.directory must not be empty")
		}
	case "s3":
		if c.Export.S3.Bucket == "" {
			return fmt.Errorf("export.s3.bucket must not be empty when export.backend is s3")
		}
	default:
		return fmt.Errorf("export.backend must be file or s3, got %q", c.Export.Backend)
	}
	if c.Export.Interval < 0 || c.Export.SampleMaxAge < 0 {
		return fmt.Errorf("export.interval and export.sample_max_age must be >= 0")
	}
	if c.Export.RetentionDays < 0 {
		return fmt.Errorf("export.retention_days must be >= 0")
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
// A .env file next to the working directory is loaded first when present.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Ingest.Address = ":8081"
	cfg.Ingest.Path = "/relay"
	cfg.Ingest.PingInterval = 30 * time.Second
	cfg.Ingest.PongTimeout = 60 * time.Second
	cfg.Ingest.RequestTimeout = 5 * time.Second
	cfg.Ingest.ShutdownTimeout = 30 * time.Second

	cfg.DevTools.Enabled = false
	cfg.DevTools.BrowserURL = "http://localhost:9222"
	cfg.DevTools.CommandTimeout = 10 * time.Second
	cfg.DevTools.MaxAttempts = 6
	cfg.DevTools.InitialBackoff = 300 * time.Millisecond
	cfg.DevTools.MaxBackoff = 5 * time.Second
	cfg.DevTools.AutoCaptureInterval = 3 * time.Second
	cfg.DevTools.WalkMaxDepth = 5
	cfg.DevTools.WalkMaxBreadth = 50
	cfg.DevTools.TabLockTTL = 30 * time.Second

	cfg.PageHook.PollInterval = 2 * time.Second
	cfg.PageHook.FirstDrain = 250 * time.Millisecond
	cfg.PageHook.RetryDelay = time.Second
	cfg.PageHook.ScanTimeout = 2 * time.Second
	cfg.PageHook.MaxQueueLength = 0

	cfg.Monitor.UploadInterval = 300000
	cfg.Monitor.EnableNotifications = true
	cfg.Monitor.FetchRemoteConfig = true
	cfg.Monitor.QualityThreshold.RTT = 200
	cfg.Monitor.QualityThreshold.PacketLoss = 5
	cfg.Monitor.QualityThreshold.Jitter = 30

	cfg.Remote.Timeout = 10 * time.Second
	cfg.Remote.CheckTimeout = 5 * time.Second
	cfg.Remote.BreakerFailures = 5
	cfg.Remote.BreakerOpenPeriod = 60 * time.Second

	cfg.Storage.Backend = "memory"
	cfg.Storage.Capacity = 1000
	cfg.SQLite.Path = "rtcwatch.db"

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.PrometheusPort = 9090
	cfg.Monitoring.MetricsInterval = 30 * time.Second

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.RelayTokenTTL = 24 * time.Hour
	cfg.Auth.RequireToken = false
	cfg.Auth.AllowedOrigins = []string{"*"}

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 60
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 20
	cfg.RateLimiting.WebSocket.Burst = 40
	cfg.RateLimiting.WebSocket.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 1 << 20

	cfg.Collector.Address = ":8090"
	cfg.Collector.DatabasePath = "collector.db"
	cfg.Collector.ConfigTTL = 5 * time.Second

	cfg.Export.Backend = "file"
	cfg.Export.Directory = "exports"
	cfg.Export.Compress = true
	cfg.Export.Interval = 0
	cfg.Export.SampleMaxAge = 7 * 24 * time.Hour
	cfg.Export.RetentionDays = 30

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv(envPrefix + "SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if addr := os.Getenv(envPrefix + "INGEST_ADDRESS"); addr != "" {
		c.Ingest.Address = addr
	}
	if u := os.Getenv(envPrefix + "DEVTOOLS_URL"); u != "" {
		c.DevTools.BrowserURL = u
		c.DevTools.Enabled = true
	}
	if endpoint := os.Getenv(envPrefix + "API_ENDPOINT"); endpoint != "" {
		c.Monitor.APIEndpoint = endpoint
	}
	if v := os.Getenv(envPrefix + "UPLOAD_INTERVAL"); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Monitor.UploadInterval = ms
		}
	}
	if v := os.Getenv(envPrefix + "ENABLE_DATA_UPLOAD"); v != "" {
		c.Monitor.EnableDataUpload, _ = strconv.ParseBool(v)
	}
	if v := os.Getenv(envPrefix + "AUTO_UPLOAD"); v != "" {
		c.Monitor.AutoUpload, _ = strconv.ParseBool(v)
	}
	if backend := os.Getenv(envPrefix + "STORAGE_BACKEND"); backend != "" {
		c.Storage.Backend = backend
	}
	if backend := os.Getenv(envPrefix + "EXPORT_BACKEND"); backend != "" {
		c.Export.Backend = backend
	}
	if bucket := os.Getenv(envPrefix + "EXPORT_S3_BUCKET"); bucket != "" {
		c.Export.S3.Bucket = bucket
	}
	if path := os.Getenv(envPrefix + "SQLITE_PATH"); path != "" {
		c.SQLite.Path = path
	}
	if addr := os.Getenv(envPrefix + "REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
	if level := os.Getenv(envPrefix + "LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv(envPrefix + "JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
}
