package services

import (
	"context"
	"sync"
	"time"

	"rtcwatch/internal/core/domain"
	"rtcwatch/internal/core/ports"
	apperrors "rtcwatch/pkg/errors"

	"go.uber.org/zap"
)

// UploadScheduler periodically submits pending samples to the collector.
type UploadScheduler struct {
	store     ports.TelemetryStore
	collector ports.Collector
	recorder  ports.UploadRecorder
	logger    *zap.SugaredLogger

	mu       sync.Mutex
	settings domain.MonitorSettings
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewUploadScheduler(
	store ports.TelemetryStore,
	collector ports.Collector,
	settings domain.MonitorSettings,
	logger *zap.SugaredLogger,
) *UploadScheduler {
	return &UploadScheduler{
		store:     store,
		collector: collector,
		settings:  settings,
		logger:    logger,
	}
}

func (s *UploadScheduler) WithRecorder(r ports.UploadRecorder) *UploadScheduler {
	s.recorder = r
	return s
}

// Start launches the upload loop when automatic uploads are enabled. It
// returns immediately; calling it while running is a no-op.
func (s *UploadScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return
	}
	if !s.settings.UploadsEnabled() {
		s.logger.Infow("Automatic upload disabled",
			"enable_data_upload", s.settings.EnableDataUpload,
			"auto_upload", s.settings.AutoUpload,
		)
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	interval := s.settings.UploadEvery()

	go s.loop(loopCtx, interval, s.done)
	s.logger.Infow("Upload scheduler started", "interval", interval)
}

// Stop ends the upload loop and waits for an in-flight upload to finish.
func (s *UploadScheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Reconfigure applies new settings, restarting the loop when it should run.
func (s *UploadScheduler) Reconfigure(ctx context.Context, settings domain.MonitorSettings) {
	s.Stop()
	s.mu.Lock()
	s.settings = settings
	s.mu.Unlock()
	s.Start(ctx)
}

// Running reports whether the upload loop is active.
func (s *UploadScheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *UploadScheduler) loop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.UploadNow(ctx); err != nil {
				s.logger.Warnw("Scheduled upload failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// UploadNow submits every pending sample as one batch and returns how many
// were marked uploaded. Samples stay pending when the upload fails.
func (s *UploadScheduler) UploadNow(ctx context.Context) (int, error) {
	s.mu.Lock()
	endpoint := s.settings.APIEndpoint
	s.mu.Unlock()

	pending, err := s.store.GetPendingData(ctx)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		s.logger.Debugw("No pending samples to upload")
		return 0, nil
	}
	if endpoint == "" {
		return 0, apperrors.NewConfigError("API endpoint not configured")
	}

	result, err := s.collector.UploadData(ctx, pending)
	if err == nil && !result.Success {
		err = apperrors.NewServiceUnavailableError("upload rejected: " + result.Error)
	}
	if s.recorder != nil {
		s.recorder.RecordUpload(len(pending), err == nil)
	}
	if err != nil {
		return 0, err
	}

	ids := make([]string, 0, len(pending))
	for _, sample := range pending {
		ids = append(ids, sample.ID)
	}
	if err := s.store.MarkDataUploaded(ctx, ids); err != nil {
		return 0, err
	}

	s.logger.Infow("Uploaded samples", "count", len(ids), "endpoint", endpoint)
	return len(ids), nil
}
