package pagehook

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"rtcwatch/internal/core/domain"
	"rtcwatch/pkg/utils"

	"go.uber.org/zap"
)

// Publisher accepts messages for delivery to the monitor.
type Publisher interface {
	Enqueue(msg domain.Message)
}

const DefaultPollInterval = 2 * time.Second

type tracked struct {
	handle ConnectionHandle
	stats  StatsFunc
}

// Hook tracks intercepted connections and publishes their statistics on a
// fixed cadence.
type Hook struct {
	interceptor Interceptor
	out         Publisher
	interval    time.Duration
	logger      *zap.SugaredLogger

	mu    sync.RWMutex
	conns []*tracked
}

func NewHook(interceptor Interceptor, out Publisher, interval time.Duration, logger *zap.SugaredLogger) *Hook {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Hook{
		interceptor: interceptor,
		out:         out,
		interval:    interval,
		logger:      logger,
	}
}

// Construct creates a connection through the interceptor and tracks it.
func (h *Hook) Construct(args any) (ConnectionHandle, error) {
	handle, err := h.interceptor.Construct(args)
	if err != nil {
		return nil, err
	}
	if err := h.Track(handle); err != nil {
		return nil, err
	}
	return handle, nil
}

// Track starts polling an existing handle.
func (h *Hook) Track(handle ConnectionHandle) error {
	stats, err := h.interceptor.WrapStatsRetrieval(handle)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.conns {
		if c.handle.ID() == handle.ID() {
			return nil
		}
	}
	h.conns = append(h.conns, &tracked{handle: handle, stats: stats})
	h.logger.Infow("Tracking connection", "connection_id", handle.ID())
	return nil
}

func (h *Hook) Untrack(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, c := range h.conns {
		if c.handle.ID() == id {
			h.conns = append(h.conns[:i], h.conns[i+1:]...)
			return
		}
	}
}

// Connections lists the ids of the tracked connections.
func (h *Hook) Connections() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.conns))
	for _, c := range h.conns {
		ids = append(ids, c.handle.ID())
	}
	return ids
}

func (h *Hook) pruneClosed() []*tracked {
	h.mu.Lock()
	defer h.mu.Unlock()

	live := h.conns[:0]
	for _, c := range h.conns {
		if c.handle.Closed() {
			h.logger.Infow("Connection closed, no longer tracked", "connection_id", c.handle.ID())
			continue
		}
		live = append(live, c)
	}
	h.conns = live
	return append([]*tracked(nil), live...)
}

// Collect polls every live connection. A connection whose retrieval fails is
// left out of this round.
func (h *Hook) Collect(ctx context.Context) []domain.ConnectionStats {
	conns := h.pruneClosed()

	out := make([]domain.ConnectionStats, 0, len(conns))
	for _, c := range conns {
		entries, err := c.stats(ctx)
		if err != nil {
			h.logger.Warnw("Failed to collect stats", "connection_id", c.handle.ID(), "error", err)
			continue
		}
		out = append(out, domain.ConnectionStats{ConnectionID: c.handle.ID(), Stats: entries})
	}
	return out
}

// Publish collects one round and queues it as a webrtc-stats message. It
// returns the number of connections published.
func (h *Hook) Publish(ctx context.Context) int {
	stats := h.Collect(ctx)
	if len(stats) == 0 {
		h.logger.Debugw("No active connections to publish")
		return 0
	}

	payload, err := json.Marshal(domain.StatsPayload{Stats: stats})
	if err != nil {
		h.logger.Errorw("Failed to encode stats", "error", err)
		return 0
	}
	h.out.Enqueue(domain.Message{
		ID:      utils.GenerateRequestID(),
		Type:    domain.MessageWebRTCStats,
		Payload: payload,
	})
	return len(stats)
}

// Run announces the hook and publishes until ctx is done.
func (h *Hook) Run(ctx context.Context) {
	h.out.Enqueue(domain.Message{ID: utils.GenerateRequestID(), Type: domain.MessageHookInstalled})

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.Publish(ctx)
		case <-ctx.Done():
			return
		}
	}
}
