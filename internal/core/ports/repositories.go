package ports

import (
	"context"

	"rtcwatch/internal/core/domain"
)

// KeyValueStore is the persistence collaborator. It has no transactions;
// callers that read-modify-write must serialize themselves.
type KeyValueStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Close() error
}

// TelemetryStore is the bounded sample log.
type TelemetryStore interface {
	LogStats(ctx context.Context, in domain.SampleInput) (string, error)
	GetRecentStats(ctx context.Context, n int) ([]domain.StatSample, error)
	GetPendingData(ctx context.Context) ([]domain.StatSample, error)
	GetAll(ctx context.Context) ([]domain.StatSample, error)
	MarkDataUploaded(ctx context.Context, ids []string) error
	ClearOldData(ctx context.Context, cutoff int64) (int, error)
	ClearAll(ctx context.Context) (int, error)
	GetStatistics(ctx context.Context) (domain.StoreStatistics, error)
}

// SettingsRepository persists the monitor settings document.
type SettingsRepository interface {
	LoadSettings(ctx context.Context) (domain.MonitorSettings, bool, error)
	SaveSettings(ctx context.Context, settings domain.MonitorSettings) error
}
