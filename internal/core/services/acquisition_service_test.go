package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"rtcwatch/internal/core/domain"
	"rtcwatch/internal/infrastructure/repositories/memory"
	"rtcwatch/pkg/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeDebugger struct {
	mu sync.Mutex

	targets    []domain.TargetInfo
	attachErrs []error
	evaluate   func(target string) (json.RawMessage, error)
	subTargets []domain.TargetInfo

	attaches map[string]int
	detaches map[string]int
	methods  []string
}

func newFakeDebugger(tabs ...string) *fakeDebugger {
	d := &fakeDebugger{
		attaches: map[string]int{},
		detaches: map[string]int{},
	}
	for _, tab := range tabs {
		d.targets = append(d.targets, domain.TargetInfo{TargetID: tab, Type: domain.TargetTypePage})
	}
	return d
}

func (d *fakeDebugger) Attach(ctx context.Context, target string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attaches[target]++
	if len(d.attachErrs) > 0 {
		err := d.attachErrs[0]
		d.attachErrs = d.attachErrs[1:]
		return err
	}
	return nil
}

func (d *fakeDebugger) Detach(ctx context.Context, target string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.detaches[target]++
	return nil
}

func (d *fakeDebugger) SendCommand(ctx context.Context, target, method string, params any) (json.RawMessage, error) {
	d.mu.Lock()
	d.methods = append(d.methods, target+" "+method)
	eval := d.evaluate
	sub := d.subTargets
	d.mu.Unlock()

	switch method {
	case "Runtime.enable":
		return json.RawMessage(`{}`), nil
	case "Runtime.evaluate":
		if eval == nil {
			return evaluation(`[]`), nil
		}
		return eval(target)
	case "Target.getTargets":
		return json.Marshal(map[string]any{"targetInfos": sub})
	}
	return nil, fmt.Errorf("unexpected method %s", method)
}

func (d *fakeDebugger) Targets(ctx context.Context) ([]domain.TargetInfo, error) {
	return d.targets, nil
}

func (d *fakeDebugger) counts(target string) (int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attaches[target], d.detaches[target]
}

func (d *fakeDebugger) sawMethod(method string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, m := range d.methods {
		if strings.HasSuffix(m, " "+method) {
			return true
		}
	}
	return false
}

type fakePresenter struct {
	mu            sync.Mutex
	notifications []domain.QualityResult
	badges        []domain.QualityStatus
}

func (p *fakePresenter) Notify(ctx context.Context, tabID domain.TabID, result domain.QualityResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notifications = append(p.notifications, result)
}

func (p *fakePresenter) SetBadge(ctx context.Context, tabID domain.TabID, status domain.QualityStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.badges = append(p.badges, status)
}

type mockMessenger struct {
	mock.Mock
}

func (m *mockMessenger) Send(ctx context.Context, tabID domain.TabID, msg domain.Message) (json.RawMessage, bool, error) {
	args := m.Called(ctx, tabID, msg.Type)
	raw, _ := args.Get(0).(json.RawMessage)
	return raw, args.Bool(1), args.Error(2)
}

func (m *mockMessenger) Tabs() []domain.TabID {
	return m.Called().Get(0).([]domain.TabID)
}

type refusingLocker struct{}

func (refusingLocker) LockTab(ctx context.Context, tabID domain.TabID, ttl time.Duration) (func(), error) {
	return nil, errors.New("tab 7 is locked by another instance")
}

func evaluation(value string) json.RawMessage {
	return json.RawMessage(`{"result":{"type":"object","value":` + value + `}}`)
}

const poorPeerConnection = `[{"name":"window.pc","result":{"success":true,"entries":[
	{"id":"CP1","type":"candidate-pair","currentRoundTripTime":0.5},
	{"id":"IT1","type":"inbound-rtp","packetsReceived":100,"packetsLost":0}
]}},{"name":"window.broken","result":{"success":false,"error":"boom"}}]`

func fastRetry() retry.Config {
	return retry.Config{
		Enabled:      true,
		MaxAttempts:  6,
		InitialDelay: time.Millisecond,
		MaxDelay:     4 * time.Millisecond,
		Multiplier:   2.0,
	}
}

type acquisitionFixture struct {
	svc       *AcquisitionService
	store     *TelemetryStore
	presenter *fakePresenter
	debugger  *fakeDebugger
}

func newAcquisitionFixture(t *testing.T, settings domain.MonitorSettings) *acquisitionFixture {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()
	store := NewTelemetryStore(memory.NewMemoryKeyValueStore(), DefaultCapacity, logger)
	require.NoError(t, store.Initialize(context.Background()))

	cfg := DefaultAcquisitionConfig()
	cfg.Retry = fastRetry()
	cfg.AutoCaptureInterval = 10 * time.Millisecond

	presenter := &fakePresenter{}
	debugger := newFakeDebugger("7")
	svc := NewAcquisitionService(store, presenter, settings, cfg, logger).WithDebugger(debugger)
	t.Cleanup(svc.Stop)

	return &acquisitionFixture{svc: svc, store: store, presenter: presenter, debugger: debugger}
}

func TestAcquisition_HandleStatsWithoutConnectionsIsUnknown(t *testing.T) {
	f := newAcquisitionFixture(t, domain.DefaultMonitorSettings())

	result, err := f.svc.HandleStats(context.Background(), nil, "7")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusUnknown, result.Status)
	assert.Equal(t, []domain.QualityStatus{domain.StatusUnknown}, f.presenter.badges)
	assert.Empty(t, f.presenter.notifications)

	recent, err := f.store.GetRecentStats(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, domain.TabID("7"), recent[0].TabID)
}

func TestAcquisition_HandleStatsNotifiesOnPoorQuality(t *testing.T) {
	connections := []domain.ConnectionStats{{
		ConnectionID: "window.pc",
		Stats:        []domain.RawStatEntry{{ID: "CP1", Type: domain.StatKindCandidatePair, RTT: domain.Float(500)}},
	}}

	tests := []struct {
		name          string
		notifications bool
		wantNotified  int
	}{
		{name: "enabled", notifications: true, wantNotified: 1},
		{name: "disabled", notifications: false, wantNotified: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			settings := domain.DefaultMonitorSettings()
			settings.EnableNotifications = tt.notifications
			f := newAcquisitionFixture(t, settings)

			result, err := f.svc.HandleStats(context.Background(), connections, "7")
			require.NoError(t, err)
			assert.Equal(t, domain.StatusPoor, result.Status)
			assert.Contains(t, result.Message, "500ms")
			assert.Len(t, f.presenter.notifications, tt.wantNotified)
			assert.Equal(t, []domain.QualityStatus{domain.StatusPoor}, f.presenter.badges)
		})
	}
}

func TestAcquisition_ApplySettingsChangesThresholds(t *testing.T) {
	f := newAcquisitionFixture(t, domain.DefaultMonitorSettings())
	connections := []domain.ConnectionStats{{
		ConnectionID: "pc",
		Stats:        []domain.RawStatEntry{{Type: domain.StatKindCandidatePair, RTT: domain.Float(250)}},
	}}

	result, err := f.svc.HandleStats(context.Background(), connections, "7")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFair, result.Status)

	settings := domain.DefaultMonitorSettings()
	settings.QualityThreshold.RTT = 300
	f.svc.ApplySettings(settings)

	result, err = f.svc.HandleStats(context.Background(), connections, "7")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusGood, result.Status)
}

func TestAcquisition_DebuggerDumpRetriesDetachedErrors(t *testing.T) {
	f := newAcquisitionFixture(t, domain.DefaultMonitorSettings())
	detached := errors.New("Detached while handling command.")
	f.debugger.attachErrs = []error{detached, detached, detached}
	f.debugger.evaluate = func(string) (json.RawMessage, error) { return evaluation(poorPeerConnection), nil }

	result := f.svc.DebuggerDump(context.Background(), "7")

	require.True(t, result.Success, result.Error)
	assert.Equal(t, 4, result.Attempts)
	assert.Equal(t, 2, result.ResultCount)
	assert.Equal(t, 1, result.Connections)

	attaches, detaches := f.debugger.counts("7")
	assert.Equal(t, 4, attaches)
	assert.Equal(t, 4, detaches)

	recent, err := f.store.GetRecentStats(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "window.pc", recent[0].Stats[0].ConnectionID)
	assert.Equal(t, domain.StatusPoor, recent[0].Quality.Status)
}

func TestAcquisition_DebuggerDumpExhaustsAttempts(t *testing.T) {
	f := newAcquisitionFixture(t, domain.DefaultMonitorSettings())
	busy := errors.New("Another debugger is already attached to the tab with id: 7.")
	for i := 0; i < 10; i++ {
		f.debugger.attachErrs = append(f.debugger.attachErrs, busy)
	}

	result := f.svc.DebuggerDump(context.Background(), "7")

	assert.False(t, result.Success)
	assert.Equal(t, ErrExhaustedAttempts, result.Error)
	assert.Contains(t, result.Detail, "Another debugger is already attached")
	assert.Equal(t, 6, result.Attempts)

	attaches, detaches := f.debugger.counts("7")
	assert.Equal(t, 6, attaches)
	assert.Equal(t, 6, detaches)
}

func TestAcquisition_DebuggerDumpSurfacesOtherErrors(t *testing.T) {
	f := newAcquisitionFixture(t, domain.DefaultMonitorSettings())
	f.debugger.attachErrs = []error{errors.New("Cannot access a chrome:// URL")}

	result := f.svc.DebuggerDump(context.Background(), "7")

	assert.False(t, result.Success)
	assert.Equal(t, "Cannot access a chrome:// URL", result.Error)
	assert.Equal(t, 1, result.Attempts)

	attaches, detaches := f.debugger.counts("7")
	assert.Equal(t, 1, attaches)
	assert.Equal(t, 1, detaches)
}

func TestAcquisition_DebuggerDumpEvaluationException(t *testing.T) {
	f := newAcquisitionFixture(t, domain.DefaultMonitorSettings())
	f.debugger.evaluate = func(string) (json.RawMessage, error) {
		return json.RawMessage(`{"result":{"type":"object"},"exceptionDetails":{"text":"Uncaught","exception":{"description":"ReferenceError: x is not defined"}}}`), nil
	}

	result := f.svc.DebuggerDump(context.Background(), "7")

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "ReferenceError")
	assert.Equal(t, 1, result.Attempts)
}

func TestAcquisition_DebuggerDumpRejectsUnknownTab(t *testing.T) {
	f := newAcquisitionFixture(t, domain.DefaultMonitorSettings())

	result := f.svc.DebuggerDump(context.Background(), "99")

	assert.False(t, result.Success)
	assert.Equal(t, ErrInvalidTab, result.Error)
	attaches, _ := f.debugger.counts("99")
	assert.Zero(t, attaches)
}

func TestAcquisition_DebuggerDumpHonoursTabLock(t *testing.T) {
	f := newAcquisitionFixture(t, domain.DefaultMonitorSettings())
	f.svc.WithLocker(refusingLocker{})

	result := f.svc.DebuggerDump(context.Background(), "7")

	assert.Equal(t, ErrTabLocked, result.Error)
	attaches, _ := f.debugger.counts("7")
	assert.Zero(t, attaches)
}

func TestAcquisition_WorkerPassPrefixesTargetIDs(t *testing.T) {
	f := newAcquisitionFixture(t, domain.DefaultMonitorSettings())
	f.debugger.subTargets = []domain.TargetInfo{
		{TargetID: "7", Type: domain.TargetTypePage},
		{TargetID: "W1", Type: domain.TargetTypeWorker},
		{TargetID: "SW1", Type: domain.TargetTypeServiceWorker},
	}
	f.debugger.evaluate = func(target string) (json.RawMessage, error) {
		if target == "SW1" {
			return nil, errors.New("Target closed")
		}
		return evaluation(`[{"name":"pc","result":{"success":true,"entries":[{"id":"CP1","type":"candidate-pair","rtt":20}]}}]`), nil
	}

	result := f.svc.WorkerPass(context.Background(), "7")

	require.True(t, result.Success, result.Error)
	assert.Equal(t, 1, result.Connections)

	recent, err := f.store.GetRecentStats(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.Len(t, recent[0].Stats, 1)
	assert.Equal(t, "W1:pc", recent[0].Stats[0].ConnectionID)
	assert.Equal(t, domain.StatusGood, recent[0].Quality.Status)

	for _, target := range []string{"7", "W1", "SW1"} {
		attaches, detaches := f.debugger.counts(target)
		assert.Equal(t, 1, attaches, target)
		assert.Equal(t, 1, detaches, target)
	}
}

func TestAcquisition_DebuggerDumpNowRunsWorkerPass(t *testing.T) {
	f := newAcquisitionFixture(t, domain.DefaultMonitorSettings())

	result := f.svc.DebuggerDumpNow(context.Background(), "7")

	require.True(t, result.Success)
	require.NotNil(t, result.Workers)
	assert.True(t, result.Workers.Success)
	assert.True(t, f.debugger.sawMethod("Target.getTargets"))
}

func TestAcquisition_ToggleAutoCapture(t *testing.T) {
	f := newAcquisitionFixture(t, domain.DefaultMonitorSettings())
	ctx := context.Background()

	enabled, err := f.svc.ToggleAutoCapture(ctx, "7")
	require.NoError(t, err)
	assert.True(t, enabled)
	assert.True(t, f.svc.AutoCaptureEnabled("7"))

	assert.Eventually(t, func() bool {
		return f.debugger.sawMethod("Target.getTargets")
	}, time.Second, 5*time.Millisecond)

	enabled, err = f.svc.ToggleAutoCapture(ctx, "7")
	require.NoError(t, err)
	assert.False(t, enabled)
	assert.False(t, f.svc.AutoCaptureEnabled("7"))

	_, err = f.svc.ToggleAutoCapture(ctx, "")
	assert.Error(t, err)
}

func TestAcquisition_ScanTab(t *testing.T) {
	t.Run("no listener", func(t *testing.T) {
		f := newAcquisitionFixture(t, domain.DefaultMonitorSettings())
		messenger := &mockMessenger{}
		messenger.On("Send", mock.Anything, domain.TabID("7"), domain.MessageDumpStatsNow).Return(nil, false, nil)
		f.svc.WithMessenger(messenger)

		outcome := f.svc.ScanTab(context.Background(), "7")

		assert.False(t, outcome.Delivered)
		assert.Empty(t, outcome.Error)
		messenger.AssertExpectations(t)
	})

	t.Run("report is handled", func(t *testing.T) {
		f := newAcquisitionFixture(t, domain.DefaultMonitorSettings())
		report := json.RawMessage(`{"success":true,"candidates":[
			{"name":"window.pc","success":true,"entries":[{"id":"CP1","type":"candidate-pair","rtt":40}]},
			{"name":"window.other","success":false,"error":"getStats timed out after 2000ms"}
		]}`)
		messenger := &mockMessenger{}
		messenger.On("Tabs").Return([]domain.TabID{"7"})
		messenger.On("Send", mock.Anything, domain.TabID("7"), domain.MessageDumpStatsNow).Return(report, true, nil)
		f.svc.WithMessenger(messenger)

		outcomes := f.svc.DumpStatsNow(context.Background())

		require.Len(t, outcomes, 1)
		outcome := outcomes[0]
		assert.True(t, outcome.Delivered)
		assert.Equal(t, 1, outcome.Connections)
		require.NotNil(t, outcome.Quality)
		assert.Equal(t, domain.StatusGood, outcome.Quality.Status)
		require.NotNil(t, outcome.Report)
		assert.Len(t, outcome.Report.Candidates, 2)
	})
}

func TestDecodeEvaluation(t *testing.T) {
	candidates, err := decodeEvaluation(evaluation(poorPeerConnection))
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, "window.pc", candidates[0].Name)
	assert.True(t, candidates[0].Success)
	assert.Len(t, candidates[0].Entries, 2)
	assert.Equal(t, "boom", candidates[1].Error)

	empty, err := decodeEvaluation(json.RawMessage(`{"result":{"type":"undefined"}}`))
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestBuildScriptEmbedsOptions(t *testing.T) {
	page := pageScript(5, 50, 2*time.Second)
	assert.True(t, strings.HasPrefix(page, "(async function (opts)"))
	assert.Contains(t, page, `"scope":"page"`)
	assert.Contains(t, page, `"maxDepth":5`)
	assert.Contains(t, page, `"maxBreadth":50`)
	assert.Contains(t, page, `"scanFrames":true`)
	assert.Contains(t, page, `"timeoutMs":2000`)

	worker := workerScript(time.Second)
	assert.True(t, strings.HasPrefix(worker, "(async function (opts)"))
	assert.Contains(t, worker, `"scope":"worker"`)
	assert.Contains(t, worker, `"maxDepth":1`)
	assert.Contains(t, worker, `"maxBreadth":0`)
}

// Runtime.evaluate rejects the whole expression when await appears outside
// an async function, so every function body that awaits must be async.
func TestWalkerScriptAwaitsOnlyInAsyncFunctions(t *testing.T) {
	src := strings.TrimSpace(walkerScript)
	require.True(t, strings.HasPrefix(src, "async function (opts)"), "walker must be an async function expression")

	type frame struct {
		async bool
		depth int
	}
	var stack []frame
	depth := 0
	pendingAsync, pendingFunc := false, false

	code := regexp.MustCompile(`'(?:[^'\\]|\\.)*'`).ReplaceAllString(src, "''")
	tokens := regexp.MustCompile(`async\s+function\b|function\b|await\b|[{}]`).FindAllString(code, -1)
	for _, tok := range tokens {
		switch {
		case strings.HasPrefix(tok, "async"):
			pendingFunc, pendingAsync = true, true
		case tok == "function":
			pendingFunc, pendingAsync = true, false
		case tok == "{":
			depth++
			if pendingFunc {
				stack = append(stack, frame{async: pendingAsync, depth: depth})
				pendingFunc = false
			}
		case tok == "}":
			if len(stack) > 0 && stack[len(stack)-1].depth == depth {
				stack = stack[:len(stack)-1]
			}
			depth--
		case tok == "await":
			require.NotEmpty(t, stack, "await outside any function")
			assert.True(t, stack[len(stack)-1].async, "await inside a non-async function")
		}
	}
	assert.Zero(t, depth, "unbalanced braces in walker")
}
