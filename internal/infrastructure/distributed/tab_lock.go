package distributed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"rtcwatch/internal/core/domain"
	"rtcwatch/internal/core/ports"
	dlock "rtcwatch/pkg/distributed"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const tabLockPrefix = "rtcwatch:lock:tab:"

// RedisTabLocker keeps monitor instances sharing Redis from attaching to the
// same tab at once.
type RedisTabLocker struct {
	locks  *dlock.LockManager
	logger *zap.SugaredLogger
}

func NewRedisTabLocker(client redis.Cmdable, logger *zap.SugaredLogger) *RedisTabLocker {
	return &RedisTabLocker{
		locks:  dlock.NewLockManager(client, tabLockPrefix),
		logger: logger,
	}
}

func (l *RedisTabLocker) LockTab(ctx context.Context, tabID domain.TabID, ttl time.Duration) (func(), error) {
	lock := l.locks.NewLock(string(tabID), ttl)
	acquired, err := lock.TryLock(ctx)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, fmt.Errorf("tab %s is locked by another instance", tabID)
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := lock.Unlock(ctx); err != nil {
			l.logger.Warnw("Failed to release tab lock", "tab_id", tabID, "error", err)
		}
	}, nil
}

// LocalTabLocker serializes attachment within one process.
type LocalTabLocker struct {
	mu   sync.Mutex
	held map[domain.TabID]struct{}
}

func NewLocalTabLocker() *LocalTabLocker {
	return &LocalTabLocker{held: make(map[domain.TabID]struct{})}
}

func (l *LocalTabLocker) LockTab(ctx context.Context, tabID domain.TabID, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.held[tabID]; busy {
		return nil, fmt.Errorf("tab %s is busy", tabID)
	}
	l.held[tabID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, tabID)
			l.mu.Unlock()
		})
	}, nil
}

var (
	_ ports.TabLocker = (*RedisTabLocker)(nil)
	_ ports.TabLocker = (*LocalTabLocker)(nil)
)
