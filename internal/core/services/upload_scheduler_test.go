package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"rtcwatch/internal/core/domain"
	apperrors "rtcwatch/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeCollector struct {
	mu      sync.Mutex
	err     error
	batches [][]domain.StatSample
}

func (c *fakeCollector) FetchConfiguration(ctx context.Context) (*domain.SettingsFragment, error) {
	return nil, nil
}

func (c *fakeCollector) UploadData(ctx context.Context, samples []domain.StatSample) (domain.UploadResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return domain.UploadResult{Error: c.err.Error()}, c.err
	}
	c.batches = append(c.batches, samples)
	return domain.UploadResult{Success: true}, nil
}

func (c *fakeCollector) TestConnection(ctx context.Context) domain.ConnectionCheck {
	return domain.ConnectionCheck{Success: true, Connected: true}
}

func (c *fakeCollector) TestEndpoint(ctx context.Context, url string) domain.EndpointCheck {
	return domain.EndpointCheck{Success: true, Accessible: true}
}

func (c *fakeCollector) batchCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}

type uploadCounts struct {
	mu               sync.Mutex
	uploaded, failed int
}

func (u *uploadCounts) RecordUpload(count int, success bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if success {
		u.uploaded += count
	} else {
		u.failed += count
	}
}

func uploadSettings() domain.MonitorSettings {
	settings := domain.DefaultMonitorSettings()
	settings.APIEndpoint = "http://collector.local"
	settings.EnableDataUpload = true
	settings.AutoUpload = true
	settings.UploadInterval = 10
	return settings
}

func TestUploadScheduler_UploadMarksSamples(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, DefaultCapacity)
	collector := &fakeCollector{}
	scheduler := NewUploadScheduler(store, collector, uploadSettings(), zaptest.NewLogger(t).Sugar())

	for i := int64(1); i <= 3; i++ {
		_, err := store.LogStats(ctx, sampleInput(i))
		require.NoError(t, err)
	}

	n, err := scheduler.UploadNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.Len(t, collector.batches, 1)
	assert.Len(t, collector.batches[0], 3)

	pending, err := store.GetPendingData(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	n, err = scheduler.UploadNow(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, collector.batches, 1)
}

func TestUploadScheduler_FailedUploadLeavesPending(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, DefaultCapacity)
	collector := &fakeCollector{err: errors.New("HTTP 503: Service Unavailable")}
	counts := &uploadCounts{}
	scheduler := NewUploadScheduler(store, collector, uploadSettings(), zaptest.NewLogger(t).Sugar()).WithRecorder(counts)

	_, err := store.LogStats(ctx, sampleInput(1))
	require.NoError(t, err)

	_, err = scheduler.UploadNow(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, counts.failed)
	assert.Zero(t, counts.uploaded)

	pending, err := store.GetPendingData(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestUploadScheduler_RequiresEndpoint(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, DefaultCapacity)
	settings := uploadSettings()
	settings.APIEndpoint = ""
	scheduler := NewUploadScheduler(store, &fakeCollector{}, settings, zaptest.NewLogger(t).Sugar())

	_, err := store.LogStats(ctx, sampleInput(1))
	require.NoError(t, err)

	_, err = scheduler.UploadNow(ctx)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeConfig))
}

func TestUploadScheduler_StartOnlyWhenEnabled(t *testing.T) {
	tests := []struct {
		name        string
		dataUpload  bool
		autoUpload  bool
		wantRunning bool
	}{
		{name: "both enabled", dataUpload: true, autoUpload: true, wantRunning: true},
		{name: "auto upload off", dataUpload: true, autoUpload: false},
		{name: "data upload off", dataUpload: false, autoUpload: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			settings := uploadSettings()
			settings.EnableDataUpload = tt.dataUpload
			settings.AutoUpload = tt.autoUpload
			scheduler := NewUploadScheduler(newTestStore(t, 10), &fakeCollector{}, settings, zaptest.NewLogger(t).Sugar())

			scheduler.Start(context.Background())
			defer scheduler.Stop()
			assert.Equal(t, tt.wantRunning, scheduler.Running())
		})
	}
}

func TestUploadScheduler_TicksUpload(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, DefaultCapacity)
	collector := &fakeCollector{}
	scheduler := NewUploadScheduler(store, collector, uploadSettings(), zaptest.NewLogger(t).Sugar())

	_, err := store.LogStats(ctx, sampleInput(1))
	require.NoError(t, err)

	scheduler.Start(ctx)
	assert.Eventually(t, func() bool { return collector.batchCount() == 1 }, time.Second, 5*time.Millisecond)

	disabled := uploadSettings()
	disabled.AutoUpload = false
	scheduler.Reconfigure(ctx, disabled)
	assert.False(t, scheduler.Running())
}
