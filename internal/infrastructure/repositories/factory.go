package repositories

import (
	"context"
	"fmt"
	"sync"

	"rtcwatch/internal/core/ports"
	"rtcwatch/internal/infrastructure/repositories/memory"
	redisrepo "rtcwatch/internal/infrastructure/repositories/redis"
	"rtcwatch/internal/infrastructure/repositories/sqlite"
	"rtcwatch/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// RepositoryFactory picks the persistence backend with fallback support
type RepositoryFactory struct {
	backend     string
	sqlitePath  string
	redisClient *redis.Client
	logger      *zap.SugaredLogger

	once sync.Once
	kv   ports.KeyValueStore
	err  error
}

// NewRepositoryFactory creates a new repository factory. Redis is connected
// whenever it is enabled since the event bus and tab locks use it too.
func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	factory := &RepositoryFactory{
		backend:    cfg.Storage.Backend,
		sqlitePath: cfg.SQLite.Path,
		logger:     logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(redisrepo.ClientOptions{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		}, logger)
		if err != nil {
			logger.Warnw("failed to connect to Redis",
				"error", err,
			)
			if factory.backend == BackendRedis {
				logger.Warnw("falling back to memory storage")
				factory.backend = BackendMemory
			}
		} else {
			factory.redisClient = client
		}
	}

	logger.Infow("storage backend selected", "backend", factory.backend)
	return factory, nil
}

// Backend returns the backend actually in use
func (f *RepositoryFactory) Backend() string {
	return f.backend
}

// KeyValueStore returns the shared persistence collaborator
func (f *RepositoryFactory) KeyValueStore() (ports.KeyValueStore, error) {
	f.once.Do(func() {
		switch f.backend {
		case BackendRedis:
			f.kv = redisrepo.NewRedisKeyValueStore(f.redisClient)
		case BackendSQLite:
			f.kv, f.err = sqlite.NewSQLiteKeyValueStore(f.sqlitePath)
			if f.err != nil {
				f.err = fmt.Errorf("sqlite storage: %w", f.err)
			}
		default:
			f.kv = memory.NewMemoryKeyValueStore()
		}
	})
	return f.kv, f.err
}

// SettingsRepository returns the settings document repository
func (f *RepositoryFactory) SettingsRepository() (ports.SettingsRepository, error) {
	kv, err := f.KeyValueStore()
	if err != nil {
		return nil, err
	}
	return NewSettingsRepository(kv), nil
}

// RedisClient returns the Redis client, or nil when Redis is not connected
func (f *RepositoryFactory) RedisClient() *redis.Client {
	return f.redisClient
}

// Close closes the store and the Redis connection
func (f *RepositoryFactory) Close() error {
	var firstErr error
	if f.kv != nil {
		firstErr = f.kv.Close()
	}
	if f.redisClient != nil {
		if err := redisrepo.CloseRedisClient(f.redisClient); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// HealthCheck checks Redis connection health
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
