package repositories

import (
	"context"
	"encoding/json"
	"fmt"

	"rtcwatch/internal/core/domain"
	"rtcwatch/internal/core/ports"
)

const settingsKey = "config"

// SettingsRepository keeps the monitor settings as one JSON document.
type SettingsRepository struct {
	kv ports.KeyValueStore
}

func NewSettingsRepository(kv ports.KeyValueStore) *SettingsRepository {
	return &SettingsRepository{kv: kv}
}

func (r *SettingsRepository) LoadSettings(ctx context.Context) (domain.MonitorSettings, bool, error) {
	raw, found, err := r.kv.Get(ctx, settingsKey)
	if err != nil || !found {
		return domain.MonitorSettings{}, false, err
	}

	settings := domain.DefaultMonitorSettings()
	if err := json.Unmarshal(raw, &settings); err != nil {
		return domain.MonitorSettings{}, false, fmt.Errorf("decode settings: %w", err)
	}
	settings.QualityThreshold = settings.QualityThreshold.WithDefaults()
	return settings, true, nil
}

func (r *SettingsRepository) SaveSettings(ctx context.Context, settings domain.MonitorSettings) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	return r.kv.Set(ctx, settingsKey, raw)
}
