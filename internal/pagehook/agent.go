package pagehook

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"rtcwatch/pkg/walker"

	"go.uber.org/zap"
)

type AgentConfig struct {
	Relay            RelayConfig
	Forwarder        ForwarderConfig
	PollInterval     time.Duration
	Walk             walker.Options
	CandidateTimeout time.Duration
}

// Agent wires the hook, the scanner and the relay of one page.
type Agent struct {
	hook      *Hook
	scanner   *Scanner
	relay     *Relay
	forwarder *Forwarder
	logger    *zap.SugaredLogger

	mu    sync.RWMutex
	scope Scope
}

func NewAgent(interceptor Interceptor, cfg AgentConfig, logger *zap.SugaredLogger) *Agent {
	relay := NewRelay(cfg.Relay, logger)
	forwarder := NewForwarder(relay, cfg.Forwarder, logger)

	a := &Agent{
		hook:      NewHook(interceptor, forwarder, cfg.PollInterval, logger),
		scanner:   NewScanner(cfg.Walk, cfg.CandidateTimeout, logger),
		relay:     relay,
		forwarder: forwarder,
		logger:    logger,
		scope:     Scope{Globals: make(map[string]any)},
	}
	relay.OnDumpStatsNow(a.dump)
	return a
}

func (a *Agent) Hook() *Hook {
	return a.hook
}

// Expose makes v visible to on-demand scans under name.
func (a *Agent) Expose(name string, v any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scope.Globals[name] = v
}

// ExposeFrame adds a subframe scope.
func (a *Agent) ExposeFrame(globals map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scope.Frames = append(a.scope.Frames, Scope{Globals: globals})
}

func (a *Agent) snapshot() Scope {
	a.mu.RLock()
	defer a.mu.RUnlock()

	globals := make(map[string]any, len(a.scope.Globals))
	for k, v := range a.scope.Globals {
		globals[k] = v
	}
	return Scope{Globals: globals, Frames: append([]Scope(nil), a.scope.Frames...)}
}

// dump publishes a polling round right away and scans the exposed scope.
func (a *Agent) dump(ctx context.Context) (json.RawMessage, error) {
	published := a.hook.Publish(ctx)
	report := a.scanner.Scan(ctx, a.snapshot())

	a.logger.Infow("Dump requested", "published", published, "candidates", len(report.Candidates))
	return json.Marshal(report)
}

// Run connects the relay and polls until ctx is done. A failed first connect
// is not fatal; the forwarder reconnects when it drains.
func (a *Agent) Run(ctx context.Context) {
	if err := a.relay.Connect(ctx); err != nil {
		a.logger.Warnw("Relay not reachable yet", "error", err)
	}
	a.hook.Run(ctx)
}

// Close stops forwarding and disconnects. It returns the number of
// messages that were still queued.
func (a *Agent) Close() int {
	a.forwarder.Stop()
	pending := a.forwarder.Pending()
	a.relay.Close()
	return pending
}
