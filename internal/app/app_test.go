package app

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"rtcwatch/internal/core/domain"
	"rtcwatch/internal/core/services"
	"rtcwatch/internal/infrastructure/repositories/memory"
	"rtcwatch/pkg/config"
	apperrors "rtcwatch/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type stubCollector struct {
	fetches  atomic.Int32
	delay    time.Duration
	fragment *domain.SettingsFragment
	err      error
	endpoint atomic.Value
}

func (c *stubCollector) FetchConfiguration(ctx context.Context) (*domain.SettingsFragment, error) {
	c.fetches.Add(1)
	time.Sleep(c.delay)
	return c.fragment, c.err
}

func (c *stubCollector) UploadData(ctx context.Context, samples []domain.StatSample) (domain.UploadResult, error) {
	return domain.UploadResult{Success: true}, nil
}

func (c *stubCollector) TestConnection(ctx context.Context) domain.ConnectionCheck {
	return domain.ConnectionCheck{Success: true, Connected: true}
}

func (c *stubCollector) TestEndpoint(ctx context.Context, url string) domain.EndpointCheck {
	return domain.EndpointCheck{Success: true, Accessible: true}
}

func (c *stubCollector) SetEndpoint(endpoint string) { c.endpoint.Store(endpoint) }

type memorySettings struct {
	mu       sync.Mutex
	settings *domain.MonitorSettings
}

func (r *memorySettings) LoadSettings(ctx context.Context) (domain.MonitorSettings, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.settings == nil {
		return domain.DefaultMonitorSettings(), false, nil
	}
	return *r.settings, true, nil
}

func (r *memorySettings) SaveSettings(ctx context.Context, settings domain.MonitorSettings) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settings = &settings
	return nil
}

func newTestApp(t *testing.T, collector *stubCollector, defaults domain.MonitorSettings) *App {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()
	store := services.NewTelemetryStore(memory.NewMemoryKeyValueStore(), 0, logger)
	acquisition := services.NewAcquisitionService(store, nil, defaults, services.DefaultAcquisitionConfig(), logger)
	uploads := services.NewUploadScheduler(store, collector, defaults, logger)

	a := New(Options{
		Store:             store,
		SettingsRepo:      &memorySettings{},
		Collector:         collector,
		Acquisition:       acquisition,
		Uploads:           uploads,
		Defaults:          defaults,
		FetchRemoteConfig: true,
	}, logger)
	t.Cleanup(a.Shutdown)
	return a
}

func TestApp_ConcurrentInitCoalesces(t *testing.T) {
	collector := &stubCollector{delay: 50 * time.Millisecond, fragment: &domain.SettingsFragment{}}
	defaults := domain.DefaultMonitorSettings()
	defaults.APIEndpoint = "http://collector.local"
	a := newTestApp(t, collector, defaults)

	assert.Equal(t, StateUninitialized, a.State())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, a.Init(context.Background()))
		}()
	}
	wg.Wait()

	assert.Equal(t, StateReady, a.State())
	assert.Equal(t, int32(1), collector.fetches.Load())

	require.NoError(t, a.Init(context.Background()))
	assert.Equal(t, int32(1), collector.fetches.Load())
}

func TestApp_InitMergesRemoteConfiguration(t *testing.T) {
	rtt := 400.0
	upload := true
	collector := &stubCollector{fragment: &domain.SettingsFragment{
		QualityThreshold: &domain.QualityThresholds{RTT: rtt},
		EnableDataUpload: &upload,
	}}
	defaults := domain.DefaultMonitorSettings()
	defaults.APIEndpoint = "http://collector.local"
	a := newTestApp(t, collector, defaults)

	require.NoError(t, a.Init(context.Background()))

	settings := a.Settings()
	assert.Equal(t, 400.0, settings.QualityThreshold.RTT)
	assert.Equal(t, domain.DefaultQualityThresholds().Jitter, settings.QualityThreshold.Jitter)
	assert.True(t, settings.EnableDataUpload)
	assert.Equal(t, "http://collector.local", collector.endpoint.Load())
}

func TestApp_RemoteConfigFailureIsNotFatal(t *testing.T) {
	collector := &stubCollector{err: errors.New("HTTP 500: Internal Server Error")}
	defaults := domain.DefaultMonitorSettings()
	defaults.APIEndpoint = "http://collector.local"
	a := newTestApp(t, collector, defaults)

	require.NoError(t, a.Init(context.Background()))
	assert.Equal(t, defaults, a.Settings())
}

func TestApp_SkipsFetchWithoutEndpoint(t *testing.T) {
	collector := &stubCollector{}
	a := newTestApp(t, collector, domain.DefaultMonitorSettings())

	require.NoError(t, a.Init(context.Background()))
	assert.Zero(t, collector.fetches.Load())
}

func TestApp_UpdateSettings(t *testing.T) {
	collector := &stubCollector{}
	a := newTestApp(t, collector, domain.DefaultMonitorSettings())
	require.NoError(t, a.Init(context.Background()))

	t.Run("upload without endpoint", func(t *testing.T) {
		s := domain.DefaultMonitorSettings()
		s.EnableDataUpload = true
		err := a.UpdateSettings(context.Background(), s)
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeConfig))
	})

	t.Run("interval too short", func(t *testing.T) {
		s := domain.DefaultMonitorSettings()
		s.UploadInterval = 500
		err := a.UpdateSettings(context.Background(), s)
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidInput))
	})

	t.Run("valid settings start uploads", func(t *testing.T) {
		s := domain.DefaultMonitorSettings()
		s.APIEndpoint = "https://collector.example.com"
		s.EnableDataUpload = true
		s.AutoUpload = true
		require.NoError(t, a.UpdateSettings(context.Background(), s))

		assert.Equal(t, s.APIEndpoint, a.Settings().APIEndpoint)
		assert.True(t, a.Uploads().Running())
		assert.Equal(t, s.APIEndpoint, collector.endpoint.Load())

		// stored settings win over defaults on reload
		require.NoError(t, a.Reload(context.Background()))
		assert.Equal(t, s.APIEndpoint, a.Settings().APIEndpoint)
	})
}

func TestSettingsFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Monitor.QualityThreshold.RTT = 0

	settings := SettingsFromConfig(cfg)
	assert.Equal(t, domain.DefaultQualityThresholds().RTT, settings.QualityThreshold.RTT)
	assert.Equal(t, cfg.Monitor.UploadInterval, settings.UploadInterval)
	assert.True(t, settings.EnableNotifications)
}
