package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"rtcwatch/internal/core/domain"
	"rtcwatch/internal/core/ports"
	apperrors "rtcwatch/pkg/errors"
	"rtcwatch/pkg/retry"
	"rtcwatch/pkg/tracing"
	"rtcwatch/pkg/utils"

	"go.uber.org/zap"
)

// Error codes returned in capture results.
const (
	ErrInvalidTab         = "invalid_tab"
	ErrExhaustedAttempts  = "exhausted_debugger_attempts"
	ErrTabLocked          = "tab_locked"
	ErrDebuggerNotEnabled = "debugger_unavailable"
	ErrNoTab              = "no_tab"
)

var retriableDebuggerErrors = []string{
	"Detached while handling command",
	"Debugger is not attached",
	"Another debugger is already attached",
}

type AcquisitionConfig struct {
	Retry               retry.Config
	AutoCaptureInterval time.Duration
	WalkMaxDepth        int
	WalkMaxBreadth      int
	CandidateTimeout    time.Duration
	DetachTimeout       time.Duration
	TabLockTTL          time.Duration
}

func DefaultAcquisitionConfig() AcquisitionConfig {
	return AcquisitionConfig{
		Retry:               retry.DebuggerConfig(),
		AutoCaptureInterval: 3 * time.Second,
		WalkMaxDepth:        5,
		WalkMaxBreadth:      50,
		CandidateTimeout:    2 * time.Second,
		DetachTimeout:       2 * time.Second,
		TabLockTTL:          30 * time.Second,
	}
}

// AcquisitionService coordinates every way of getting statistics out of a
// tab and funnels the captures through HandleStats.
type AcquisitionService struct {
	store     ports.TelemetryStore
	presenter ports.Presenter
	debugger  ports.Debugger
	messenger ports.Messenger
	locker    ports.TabLocker
	recorder  ports.CaptureRecorder
	cfg       AcquisitionConfig
	logger    *zap.SugaredLogger

	settingsMu    sync.RWMutex
	classifier    ports.Classifier
	notifications bool

	autoMu sync.Mutex
	auto   map[domain.TabID]context.CancelFunc
	wg     sync.WaitGroup
}

func NewAcquisitionService(
	store ports.TelemetryStore,
	presenter ports.Presenter,
	settings domain.MonitorSettings,
	cfg AcquisitionConfig,
	logger *zap.SugaredLogger,
) *AcquisitionService {
	def := DefaultAcquisitionConfig()
	if cfg.AutoCaptureInterval <= 0 {
		cfg.AutoCaptureInterval = def.AutoCaptureInterval
	}
	if cfg.WalkMaxDepth <= 0 {
		cfg.WalkMaxDepth = def.WalkMaxDepth
	}
	if cfg.WalkMaxBreadth <= 0 {
		cfg.WalkMaxBreadth = def.WalkMaxBreadth
	}
	if cfg.CandidateTimeout <= 0 {
		cfg.CandidateTimeout = def.CandidateTimeout
	}
	if cfg.DetachTimeout <= 0 {
		cfg.DetachTimeout = def.DetachTimeout
	}
	if cfg.TabLockTTL <= 0 {
		cfg.TabLockTTL = def.TabLockTTL
	}

	s := &AcquisitionService{
		store:     store,
		presenter: presenter,
		cfg:       cfg,
		logger:    logger,
		auto:      make(map[domain.TabID]context.CancelFunc),
	}
	s.ApplySettings(settings)
	return s
}

// WithDebugger enables the debugger strategies.
func (s *AcquisitionService) WithDebugger(d ports.Debugger) *AcquisitionService {
	s.debugger = d
	return s
}

func (s *AcquisitionService) WithMessenger(m ports.Messenger) *AcquisitionService {
	s.messenger = m
	return s
}

func (s *AcquisitionService) WithLocker(l ports.TabLocker) *AcquisitionService {
	s.locker = l
	return s
}

func (s *AcquisitionService) WithRecorder(r ports.CaptureRecorder) *AcquisitionService {
	s.recorder = r
	return s
}

// ApplySettings swaps the thresholds and notification preference used by
// subsequent captures.
func (s *AcquisitionService) ApplySettings(settings domain.MonitorSettings) {
	classifier := NewQualityService(settings.QualityThreshold)

	s.settingsMu.Lock()
	s.classifier = classifier
	s.notifications = settings.EnableNotifications
	s.settingsMu.Unlock()
}

func (s *AcquisitionService) currentSettings() (ports.Classifier, bool) {
	s.settingsMu.RLock()
	defer s.settingsMu.RUnlock()
	return s.classifier, s.notifications
}

// HandleStats classifies the first connection of a capture, logs the whole
// capture and updates the presentation of the tab.
func (s *AcquisitionService) HandleStats(ctx context.Context, connections []domain.ConnectionStats, tabID domain.TabID) (*domain.QualityResult, error) {
	ctx, span := tracing.TraceCapture(ctx, "handle_stats", string(tabID))
	defer span.End()

	classifier, notify := s.currentSettings()

	var result domain.QualityResult
	if len(connections) == 0 {
		result = classifier.Analyze(nil)
	} else {
		metrics := Normalize(connections[0].Stats)
		result = classifier.Analyze(&metrics)
	}

	id, err := s.store.LogStats(ctx, domain.SampleInput{
		Timestamp: utils.UnixMilli(),
		TabID:     tabID,
		Stats:     connections,
		Quality:   result,
	})
	outcome := tracing.CaptureOutcome{
		Success:     err == nil,
		Connections: len(connections),
		Quality:     string(result.Status),
		SampleID:    id,
	}
	if err != nil {
		outcome.Error = err.Error()
		tracing.SetCaptureOutcome(span, outcome)
		s.logger.Errorw("Failed to log sample", "tab_id", tabID, "error", err)
		return &result, err
	}
	tracing.SetCaptureOutcome(span, outcome)

	if s.recorder != nil {
		s.recorder.RecordSample(result.Status)
	}
	if s.presenter != nil {
		if result.Status == domain.StatusPoor && notify {
			s.presenter.Notify(ctx, tabID, result)
		}
		s.presenter.SetBadge(ctx, tabID, result.Status)
	}

	s.logger.Debugw("Sample logged",
		"sample_id", id,
		"tab_id", tabID,
		"status", result.Status,
		"connections", len(connections),
	)
	return &result, nil
}

// DumpStatsNow asks the relay of every known tab for an on-demand scan.
func (s *AcquisitionService) DumpStatsNow(ctx context.Context) []domain.ScanOutcome {
	if s.messenger == nil {
		return []domain.ScanOutcome{}
	}

	tabs := s.messenger.Tabs()
	outcomes := make([]domain.ScanOutcome, 0, len(tabs))
	for _, tab := range tabs {
		outcomes = append(outcomes, s.ScanTab(ctx, tab))
	}
	return outcomes
}

// ScanTab runs the on-demand scan in one tab. A tab without a listening relay
// yields an undelivered outcome.
func (s *AcquisitionService) ScanTab(ctx context.Context, tabID domain.TabID) domain.ScanOutcome {
	ctx, span := tracing.TraceCapture(ctx, string(domain.StrategyScan), string(tabID))
	defer span.End()
	start := time.Now()

	outcome := domain.ScanOutcome{TabID: tabID}
	if s.messenger == nil {
		return outcome
	}

	reply, delivered, err := s.messenger.Send(ctx, tabID, domain.Message{
		ID:    utils.GenerateRequestID(),
		Type:  domain.MessageDumpStatsNow,
		TabID: tabID,
	})
	outcome.Delivered = delivered
	if err != nil {
		outcome.Error = err.Error()
		s.record(domain.StrategyScan, false, start)
		return outcome
	}
	if !delivered {
		s.logger.Debugw("No relay listening for scan", "tab_id", tabID)
		return outcome
	}

	var report domain.ScanReport
	if err := json.Unmarshal(reply, &report); err != nil {
		outcome.Error = fmt.Sprintf("decode scan report: %v", err)
		s.record(domain.StrategyScan, false, start)
		return outcome
	}
	outcome.Report = &report

	connections := domain.Connections(report.Candidates, "")
	outcome.Connections = len(connections)
	if len(connections) > 0 {
		quality, err := s.HandleStats(ctx, connections, tabID)
		outcome.Quality = quality
		if err != nil {
			outcome.Error = err.Error()
		}
	}
	success := report.Success && outcome.Error == ""
	tracing.SetCaptureOutcome(span, tracing.CaptureOutcome{
		Success:     success,
		Connections: outcome.Connections,
		Error:       outcome.Error,
		Duration:    time.Since(start),
	})
	s.record(domain.StrategyScan, success, start)
	return outcome
}

func captureOutcome(result domain.CaptureResult, start time.Time) tracing.CaptureOutcome {
	return tracing.CaptureOutcome{
		Success:     result.Success,
		Attempts:    result.Attempts,
		Connections: result.Connections,
		Error:       result.Error,
		Duration:    time.Since(start),
	}
}

// DebuggerDumpNow captures a tab over the debugging channel and then runs the
// worker pass on it.
func (s *AcquisitionService) DebuggerDumpNow(ctx context.Context, tabID domain.TabID) domain.CaptureResult {
	result := s.DebuggerDump(ctx, tabID)
	if result.Error == ErrInvalidTab || result.Error == ErrDebuggerNotEnabled {
		return result
	}
	workers := s.WorkerPass(ctx, tabID)
	result.Workers = &workers
	return result
}

// DebuggerDump evaluates the walker in the tab, retrying attachment
// conflicts with backoff. Every attach is matched by a detach.
func (s *AcquisitionService) DebuggerDump(ctx context.Context, tabID domain.TabID) domain.CaptureResult {
	ctx, span := tracing.TraceCapture(ctx, string(domain.StrategyDebugger), string(tabID))
	defer span.End()
	start := time.Now()

	if s.debugger == nil {
		return domain.CaptureResult{Error: ErrDebuggerNotEnabled}
	}
	if err := s.validateTab(ctx, tabID); err != nil {
		return domain.CaptureResult{Error: ErrInvalidTab, Detail: err.Error()}
	}

	var result domain.CaptureResult
	lockErr := s.withTabLock(ctx, tabID, func(ctx context.Context) {
		result = s.captureTab(ctx, tabID)
	})
	if lockErr != nil {
		result = domain.CaptureResult{Error: ErrTabLocked, Detail: lockErr.Error()}
	}

	tracing.SetCaptureOutcome(span, captureOutcome(result, start))
	s.record(domain.StrategyDebugger, result.Success, start)
	return result
}

func (s *AcquisitionService) captureTab(ctx context.Context, tabID domain.TabID) domain.CaptureResult {
	target := string(tabID)
	expression := pageScript(s.cfg.WalkMaxDepth, s.cfg.WalkMaxBreadth, s.cfg.CandidateTimeout)

	rcfg := s.cfg.Retry
	rcfg.RetryIf = apperrors.IsRetriable
	rcfg.OnRetry = func(attempt int, err error) {
		s.logger.Warnw("Debugger attempt failed, retrying",
			"tab_id", tabID,
			"attempt", attempt,
			"error", err,
		)
	}

	attempts := 0
	candidates, err := retry.RetryWithResult(ctx, rcfg, func() ([]domain.CandidateResult, error) {
		attempts++
		return s.evaluateIn(ctx, target, expression)
	})

	result := domain.CaptureResult{Attempts: attempts}
	if err != nil {
		result.Detail = causeMessage(err)
		if errors.Is(err, retry.ErrExhausted) {
			result.Error = ErrExhaustedAttempts
			s.logger.Errorw("Debugger attempts exhausted", "tab_id", tabID, "attempts", attempts, "error", err)
		} else {
			result.Error = causeMessage(err)
			s.logger.Errorw("Debugger capture failed", "tab_id", tabID, "attempts", attempts, "error", err)
		}
		return result
	}

	connections := domain.Connections(candidates, "")
	result.Success = true
	result.ResultCount = len(candidates)
	result.Connections = len(connections)
	if len(connections) > 0 {
		if _, err := s.HandleStats(ctx, connections, tabID); err != nil {
			s.logger.Warnw("Debugger capture not stored", "tab_id", tabID, "error", err)
		}
	}

	s.logger.Infow("Debugger capture complete",
		"tab_id", tabID,
		"attempts", attempts,
		"result_count", result.ResultCount,
		"connections", result.Connections,
	)
	return result
}

// WorkerPass captures the worker-type targets visible from the tab. Worker
// failures are skipped, and the worker and tab are always detached.
func (s *AcquisitionService) WorkerPass(ctx context.Context, tabID domain.TabID) domain.CaptureResult {
	ctx, span := tracing.TraceCapture(ctx, string(domain.StrategyWorker), string(tabID))
	defer span.End()
	start := time.Now()

	if s.debugger == nil {
		return domain.CaptureResult{Error: ErrDebuggerNotEnabled}
	}

	var result domain.CaptureResult
	lockErr := s.withTabLock(ctx, tabID, func(ctx context.Context) {
		result = s.captureWorkers(ctx, tabID)
	})
	if lockErr != nil {
		result = domain.CaptureResult{Error: ErrTabLocked, Detail: lockErr.Error()}
	}
	tracing.SetCaptureOutcome(span, captureOutcome(result, start))
	s.record(domain.StrategyWorker, result.Success, start)
	return result
}

func (s *AcquisitionService) captureWorkers(ctx context.Context, tabID domain.TabID) domain.CaptureResult {
	tab := string(tabID)
	result := domain.CaptureResult{Attempts: 1}

	if err := s.debugger.Attach(ctx, tab); err != nil {
		s.detach(ctx, tab)
		s.logger.Debugw("Worker pass could not attach to tab", "tab_id", tabID, "error", err)
		result.Error = err.Error()
		return result
	}
	defer s.detach(ctx, tab)

	raw, err := s.debugger.SendCommand(ctx, tab, "Target.getTargets", map[string]any{})
	if err != nil {
		result.Error = err.Error()
		return result
	}
	var targets targetsResponse
	if err := json.Unmarshal(raw, &targets); err != nil {
		result.Error = fmt.Sprintf("decode targets: %v", err)
		return result
	}

	expression := workerScript(s.cfg.CandidateTimeout)
	var all []domain.ConnectionStats
	for _, target := range targets.TargetInfos {
		if !target.IsWorker() {
			continue
		}
		candidates, err := s.evaluateIn(ctx, target.TargetID, expression)
		if err != nil {
			s.logger.Debugw("Worker target skipped",
				"tab_id", tabID,
				"target_id", target.TargetID,
				"type", target.Type,
				"error", err,
			)
			continue
		}
		result.ResultCount += len(candidates)
		all = append(all, domain.Connections(candidates, target.TargetID)...)
	}

	result.Success = true
	result.Connections = len(all)
	if len(all) > 0 {
		if _, err := s.HandleStats(ctx, all, tabID); err != nil {
			s.logger.Warnw("Worker capture not stored", "tab_id", tabID, "error", err)
		}
	}
	return result
}

// evaluateIn runs one attach, enable, evaluate, detach cycle on a target.
func (s *AcquisitionService) evaluateIn(ctx context.Context, target, expression string) ([]domain.CandidateResult, error) {
	defer s.detach(ctx, target)

	if err := s.debugger.Attach(ctx, target); err != nil {
		return nil, classifyDebuggerError("attach", err)
	}
	if _, err := s.debugger.SendCommand(ctx, target, "Runtime.enable", nil); err != nil {
		return nil, classifyDebuggerError("Runtime.enable", err)
	}
	raw, err := s.debugger.SendCommand(ctx, target, "Runtime.evaluate", evaluateParams(expression))
	if err != nil {
		return nil, classifyDebuggerError("Runtime.evaluate", err)
	}

	candidates, err := decodeEvaluation(raw)
	if err != nil {
		return nil, apperrors.NewAttachmentError("evaluate", false, err)
	}
	return candidates, nil
}

func (s *AcquisitionService) detach(ctx context.Context, target string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.DetachTimeout)
	defer cancel()
	if err := s.debugger.Detach(ctx, target); err != nil {
		s.logger.Debugw("Detach failed", "target_id", target, "error", err)
	}
}

func (s *AcquisitionService) validateTab(ctx context.Context, tabID domain.TabID) error {
	targets, err := s.debugger.Targets(ctx)
	if err != nil {
		return fmt.Errorf("list targets: %w", err)
	}
	for _, t := range targets {
		if t.TargetID == string(tabID) {
			return nil
		}
	}
	return fmt.Errorf("no target with id %q", tabID)
}

func (s *AcquisitionService) withTabLock(ctx context.Context, tabID domain.TabID, fn func(ctx context.Context)) error {
	if s.locker == nil {
		fn(ctx)
		return nil
	}
	unlock, err := s.locker.LockTab(ctx, tabID, s.cfg.TabLockTTL)
	if err != nil {
		return err
	}
	defer unlock()
	fn(ctx)
	return nil
}

// ToggleAutoCapture starts or stops the periodic worker pass for a tab and
// reports whether it is now enabled.
func (s *AcquisitionService) ToggleAutoCapture(ctx context.Context, tabID domain.TabID) (bool, error) {
	if tabID == "" {
		return false, apperrors.NewInvalidInputError(ErrNoTab)
	}

	s.autoMu.Lock()
	if cancel, ok := s.auto[tabID]; ok {
		cancel()
		delete(s.auto, tabID)
		s.autoMu.Unlock()

		if s.debugger != nil {
			s.detach(ctx, string(tabID))
		}
		s.logger.Infow("Auto capture disabled", "tab_id", tabID)
		return false, nil
	}

	if s.debugger == nil {
		s.autoMu.Unlock()
		return false, apperrors.NewServiceUnavailableError(ErrDebuggerNotEnabled)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.auto[tabID] = cancel
	s.wg.Add(1)
	s.autoMu.Unlock()

	go s.autoCaptureLoop(loopCtx, tabID)

	s.logger.Infow("Auto capture enabled", "tab_id", tabID, "interval", s.cfg.AutoCaptureInterval)
	return true, nil
}

// AutoCaptureEnabled reports whether a tab has auto capture running.
func (s *AcquisitionService) AutoCaptureEnabled(tabID domain.TabID) bool {
	s.autoMu.Lock()
	defer s.autoMu.Unlock()
	_, ok := s.auto[tabID]
	return ok
}

func (s *AcquisitionService) autoCaptureLoop(ctx context.Context, tabID domain.TabID) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.AutoCaptureInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			result := s.WorkerPass(ctx, tabID)
			if !result.Success && ctx.Err() == nil {
				s.logger.Debugw("Auto capture pass failed", "tab_id", tabID, "error", result.Error)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Stop cancels every auto capture loop and waits for them to exit.
func (s *AcquisitionService) Stop() {
	s.autoMu.Lock()
	for tabID, cancel := range s.auto {
		cancel()
		delete(s.auto, tabID)
	}
	s.autoMu.Unlock()
	s.wg.Wait()
}

func (s *AcquisitionService) record(strategy domain.Strategy, success bool, start time.Time) {
	if s.recorder != nil {
		s.recorder.RecordCapture(strategy, success, time.Since(start))
	}
}

func classifyDebuggerError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.NewTimeoutError(op, err)
	}
	retriable := utils.ContainsAny(err.Error(), retriableDebuggerErrors...)
	return apperrors.NewAttachmentError(op, retriable, err)
}

// causeMessage returns the innermost message of a debugger failure.
func causeMessage(err error) string {
	if appErr := apperrors.GetAppError(err); appErr != nil {
		if appErr.Cause != nil {
			return appErr.Cause.Error()
		}
		return appErr.Message
	}
	return err.Error()
}

var _ ports.StatsSink = (*AcquisitionService)(nil)
