// Package app holds the explicit application context of the monitor: the
// settings in force, the initialization state and the services built on top
// of them.
package app

import (
	"context"
	"fmt"
	"sync"

	"rtcwatch/internal/core/domain"
	"rtcwatch/internal/core/ports"
	"rtcwatch/internal/core/services"
	"rtcwatch/pkg/config"
	apperrors "rtcwatch/pkg/errors"
	"rtcwatch/pkg/validation"

	"go.uber.org/zap"
)

type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	default:
		return "uninitialized"
	}
}

// EndpointSetter is implemented by collector clients whose target follows
// the apiEndpoint setting.
type EndpointSetter interface {
	SetEndpoint(endpoint string)
}

type Options struct {
	Store             *services.TelemetryStore
	SettingsRepo      ports.SettingsRepository
	Collector         ports.Collector
	Acquisition       *services.AcquisitionService
	Uploads           *services.UploadScheduler
	Defaults          domain.MonitorSettings
	FetchRemoteConfig bool
}

type App struct {
	opts   Options
	logger *zap.SugaredLogger

	mu       sync.Mutex
	state    State
	initDone chan struct{}
	initErr  error
	settings domain.MonitorSettings
	runCtx   context.Context
}

func New(opts Options, logger *zap.SugaredLogger) *App {
	return &App{
		opts:     opts,
		logger:   logger,
		settings: opts.Defaults,
	}
}

// SettingsFromConfig builds the initial monitor settings from the monitor
// section of the process configuration.
func SettingsFromConfig(cfg *config.Config) domain.MonitorSettings {
	m := cfg.Monitor
	return domain.MonitorSettings{
		APIEndpoint:         m.APIEndpoint,
		UploadInterval:      m.UploadInterval,
		EnableNotifications: m.EnableNotifications,
		EnableDataUpload:    m.EnableDataUpload,
		AutoUpload:          m.AutoUpload,
		QualityThreshold: domain.QualityThresholds{
			RTT:        m.QualityThreshold.RTT,
			PacketLoss: m.QualityThreshold.PacketLoss,
			Jitter:     m.QualityThreshold.Jitter,
		}.WithDefaults(),
	}
}

func (a *App) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *App) Settings() domain.MonitorSettings {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.settings
}

func (a *App) Store() *services.TelemetryStore { return a.opts.Store }

func (a *App) Acquisition() *services.AcquisitionService { return a.opts.Acquisition }

func (a *App) Uploads() *services.UploadScheduler { return a.opts.Uploads }

func (a *App) Collector() ports.Collector { return a.opts.Collector }

// Init loads settings and starts the background services. Concurrent calls
// wait for the same initialization; once ready, Init returns immediately.
func (a *App) Init(ctx context.Context) error {
	a.mu.Lock()
	switch a.state {
	case StateReady:
		a.mu.Unlock()
		return nil
	case StateInitializing:
		done := a.initDone
		a.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.initErr
	}

	a.state = StateInitializing
	a.initDone = make(chan struct{})
	a.initErr = nil
	a.runCtx = context.WithoutCancel(ctx)
	a.mu.Unlock()

	settings, err := a.initialize(ctx)

	a.mu.Lock()
	if err != nil {
		a.state = StateUninitialized
		a.initErr = err
	} else {
		a.state = StateReady
		a.settings = settings
	}
	close(a.initDone)
	a.mu.Unlock()

	if err != nil {
		a.logger.Errorw("Initialization failed", "error", err)
		return err
	}
	a.apply(settings)
	a.logger.Infow("Monitor ready",
		"api_endpoint", settings.APIEndpoint,
		"upload_interval_ms", settings.UploadInterval,
		"uploads_enabled", settings.UploadsEnabled(),
	)
	return nil
}

func (a *App) initialize(ctx context.Context) (domain.MonitorSettings, error) {
	if err := a.opts.Store.Initialize(ctx); err != nil {
		return domain.MonitorSettings{}, err
	}

	settings := a.opts.Defaults
	if a.opts.SettingsRepo != nil {
		stored, found, err := a.opts.SettingsRepo.LoadSettings(ctx)
		if err != nil {
			return domain.MonitorSettings{}, err
		}
		if found {
			settings = stored
		}
	}

	if a.opts.FetchRemoteConfig && settings.APIEndpoint != "" && a.opts.Collector != nil {
		a.setEndpoint(settings.APIEndpoint)
		fragment, err := a.opts.Collector.FetchConfiguration(ctx)
		if err != nil {
			a.logger.Warnw("Could not fetch remote configuration", "endpoint", settings.APIEndpoint, "error", err)
		} else if fragment != nil {
			settings = settings.Merge(*fragment)
			a.logger.Infow("Merged remote configuration", "endpoint", settings.APIEndpoint)
		}
	}

	return settings, nil
}

// Reload discards the cached settings and initializes again.
func (a *App) Reload(ctx context.Context) error {
	a.mu.Lock()
	if a.state == StateInitializing {
		a.mu.Unlock()
		return a.Init(ctx)
	}
	a.state = StateUninitialized
	a.mu.Unlock()
	return a.Init(ctx)
}

// UpdateSettings validates, persists and applies new settings.
func (a *App) UpdateSettings(ctx context.Context, settings domain.MonitorSettings) error {
	settings.QualityThreshold = settings.QualityThreshold.WithDefaults()
	if err := ValidateSettings(settings); err != nil {
		return err
	}
	if a.opts.SettingsRepo != nil {
		if err := a.opts.SettingsRepo.SaveSettings(ctx, settings); err != nil {
			return err
		}
	}

	a.mu.Lock()
	a.settings = settings
	ready := a.state == StateReady
	a.mu.Unlock()

	if ready {
		a.apply(settings)
	}
	a.logger.Infow("Settings updated", "api_endpoint", settings.APIEndpoint, "uploads_enabled", settings.UploadsEnabled())
	return nil
}

func (a *App) apply(settings domain.MonitorSettings) {
	a.setEndpoint(settings.APIEndpoint)
	if a.opts.Acquisition != nil {
		a.opts.Acquisition.ApplySettings(settings)
	}
	if a.opts.Uploads != nil {
		a.mu.Lock()
		ctx := a.runCtx
		a.mu.Unlock()
		a.opts.Uploads.Reconfigure(ctx, settings)
	}
}

func (a *App) setEndpoint(endpoint string) {
	if setter, ok := a.opts.Collector.(EndpointSetter); ok {
		setter.SetEndpoint(endpoint)
	}
}

// Shutdown stops the background services.
func (a *App) Shutdown() {
	if a.opts.Uploads != nil {
		a.opts.Uploads.Stop()
	}
	if a.opts.Acquisition != nil {
		a.opts.Acquisition.Stop()
	}
	a.mu.Lock()
	a.state = StateUninitialized
	a.mu.Unlock()
}

// ValidateSettings rejects settings the monitor cannot run with.
func ValidateSettings(s domain.MonitorSettings) error {
	if s.APIEndpoint != "" {
		if err := validation.ValidateEndpoint(s.APIEndpoint); err != nil {
			return apperrors.NewInvalidInputError(err.Error())
		}
	}
	if s.EnableDataUpload && s.APIEndpoint == "" {
		return apperrors.NewConfigError("API endpoint not configured")
	}
	if err := validation.ValidateUploadInterval(s.UploadInterval); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}
	thresholds := []struct {
		name  string
		value float64
	}{
		{"rtt", s.QualityThreshold.RTT},
		{"packetLoss", s.QualityThreshold.PacketLoss},
		{"jitter", s.QualityThreshold.Jitter},
	}
	for _, th := range thresholds {
		if err := validation.ValidateThreshold(th.name, th.value); err != nil {
			return apperrors.NewInvalidInputError(fmt.Sprintf("qualityThreshold: %v", err))
		}
	}
	return nil
}
