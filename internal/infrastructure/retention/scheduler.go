// Package retention periodically exports recorded samples and drops old
// ones so the store and the export directory stay bounded.
package retention

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"rtcwatch/internal/core/ports"
	"rtcwatch/pkg/export"
	"rtcwatch/pkg/utils"

	"go.uber.org/zap"
)

type Config struct {
	Interval      time.Duration
	SampleMaxAge  time.Duration
	RetentionDays int
}

// Report summarizes one retention pass.
type Report struct {
	Export        string `json:"export,omitempty"`
	Exported      int    `json:"exported"`
	SamplesPurged int    `json:"samplesPurged"`
	ExportsPruned int    `json:"exportsPruned"`
}

type Scheduler struct {
	store    ports.TelemetryStore
	exporter *export.Exporter
	cfg      Config
	logger   *zap.SugaredLogger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewScheduler(store ports.TelemetryStore, exporter *export.Exporter, cfg Config, logger *zap.SugaredLogger) *Scheduler {
	return &Scheduler{
		store:    store,
		exporter: exporter,
		cfg:      cfg,
		logger:   logger,
	}
}

// Start runs a pass immediately and then every Interval. A zero interval
// leaves the scheduler idle.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil || s.cfg.Interval <= 0 {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(loopCtx, s.done)
	s.logger.Infow("Retention scheduler started",
		"interval", s.cfg.Interval,
		"sample_max_age", s.cfg.SampleMaxAge,
		"retention_days", s.cfg.RetentionDays,
	)
}

func (s *Scheduler) Stop() {
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

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.runLogged(ctx)
	for {
		select {
		case <-ticker.C:
			s.runLogged(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) runLogged(ctx context.Context) {
	report, err := s.RunOnce(ctx)
	if err != nil {
		s.logger.Warnw("Retention pass failed", "error", err)
		return
	}
	s.logger.Infow("Retention pass finished",
		"export", report.Export,
		"exported", report.Exported,
		"samples_purged", report.SamplesPurged,
		"exports_pruned", report.ExportsPruned,
	)
}

// RunOnce exports every sample, then removes samples older than
// SampleMaxAge and dumps older than RetentionDays. Samples are only purged
// after the export that contains them was written.
func (s *Scheduler) RunOnce(ctx context.Context) (Report, error) {
	var report Report

	samples, err := s.store.GetAll(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to read samples: %w", err)
	}

	name, err := s.exporter.Export(ctx, samples, len(samples))
	switch {
	case errors.Is(err, export.ErrNothingToExport):
	case err != nil:
		return report, err
	default:
		report.Export = name
		report.Exported = len(samples)
	}

	now := utils.Now()
	if s.cfg.SampleMaxAge > 0 {
		cutoff := now.Add(-s.cfg.SampleMaxAge).UnixMilli()
		purged, err := s.store.ClearOldData(ctx, cutoff)
		if err != nil {
			return report, fmt.Errorf("failed to purge samples: %w", err)
		}
		report.SamplesPurged = purged
	}

	if s.cfg.RetentionDays > 0 {
		pruned, err := s.exporter.Prune(ctx, now.AddDate(0, 0, -s.cfg.RetentionDays))
		report.ExportsPruned = pruned
		if err != nil {
			return report, err
		}
	}

	return report, nil
}
