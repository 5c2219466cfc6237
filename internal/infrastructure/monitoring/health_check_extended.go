package monitoring

import (
	"context"
	"fmt"
	"time"

	"rtcwatch/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client *redis.Client, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddStoreCheck reads the store summary.
func (h *HealthChecker) AddStoreCheck(store ports.TelemetryStore, interval, timeout time.Duration) {
	h.AddCheck("store", func(ctx context.Context) (bool, error) {
		if _, err := store.GetStatistics(ctx); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddDebuggerCheck pings the debugging endpoint. A monitor without one still
// serves the relay strategies, so the check is optional.
func (h *HealthChecker) AddDebuggerCheck(debugger interface{ Ping(ctx context.Context) error }, interval, timeout time.Duration) {
	h.AddOptionalCheck("devtools", func(ctx context.Context) (bool, error) {
		if err := debugger.Ping(ctx); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddBreakerCheck reports an open collector circuit breaker.
func (h *HealthChecker) AddBreakerCheck(name string, state func() string) {
	h.AddOptionalCheck(name, func(ctx context.Context) (bool, error) {
		if s := state(); s == "open" {
			return false, fmt.Errorf("circuit breaker %s", s)
		}
		return true, nil
	}, 0, time.Second)
}

// IsReady checks if the monitor is ready to accept traffic
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.CheckAll(ctx).Status != "unhealthy"
}
