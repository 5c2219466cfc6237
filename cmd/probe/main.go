// Command probe runs a pion loopback call inside an instrumented process and
// reports its statistics to a running monitor over the relay channel. It is
// the quickest way to see live samples without a browser.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rtcwatch/internal/core/domain"
	"rtcwatch/internal/pagehook"
	"rtcwatch/pkg/config"
	"rtcwatch/pkg/logger"
	"rtcwatch/pkg/walker"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

func relayURL(cfg *config.Config) string {
	if u := os.Getenv("RTCWATCH_PROBE_URL"); u != "" {
		return u
	}
	host, port, err := net.SplitHostPort(cfg.Ingest.Address)
	if err != nil || host == "" {
		host = "127.0.0.1"
	}
	if port == "" {
		port = "8081"
	}
	return fmt.Sprintf("ws://%s%s", net.JoinHostPort(host, port), cfg.Ingest.Path)
}

// loopback connects two peer connections with a data channel that keeps
// some traffic flowing.
func loopback(ctx context.Context, offerer, answerer *webrtc.PeerConnection, log *zap.SugaredLogger) error {
	dc, err := offerer.CreateDataChannel("probe", nil)
	if err != nil {
		return fmt.Errorf("create data channel: %w", err)
	}
	dc.OnOpen(func() {
		go func() {
			ticker := time.NewTicker(200 * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case t := <-ticker.C:
					if err := dc.SendText(t.Format(time.RFC3339Nano)); err != nil {
						log.Debugw("Probe send failed", "error", err)
						return
					}
				}
			}
		}()
	})

	offer, err := offerer.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(offerer)
	if err := offerer.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	<-gathered

	if err := answerer.SetRemoteDescription(*offerer.LocalDescription()); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := answerer.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	gathered = webrtc.GatheringCompletePromise(answerer)
	if err := answerer.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	<-gathered

	return offerer.SetRemoteDescription(*answerer.LocalDescription())
}

func peerConnection(h pagehook.ConnectionHandle) (*webrtc.PeerConnection, error) {
	ph, ok := h.(*pagehook.PionHandle)
	if !ok {
		return nil, pagehook.ErrForeignHandle
	}
	return ph.PeerConnection(), nil
}

func main() {
	configPath := os.Getenv("RTCWATCH_CONFIG")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar().With("component", "probe")

	tabID := domain.TabID(os.Getenv("RTCWATCH_PROBE_TAB"))
	if tabID == "" {
		tabID = "probe"
	}

	binding, err := pagehook.NewPionBinding(pagehook.PionConfig{}, log)
	if err != nil {
		log.Fatalw("failed to create pion binding", "error", err)
	}

	relayCfg := pagehook.DefaultRelayConfig()
	relayCfg.URL = relayURL(cfg)
	relayCfg.TabID = tabID
	relayCfg.Token = os.Getenv("RTCWATCH_PROBE_TOKEN")

	walk := walker.DefaultOptions()
	walk.MaxDepth = cfg.DevTools.WalkMaxDepth
	walk.MaxBreadth = cfg.DevTools.WalkMaxBreadth

	agent := pagehook.NewAgent(binding, pagehook.AgentConfig{
		Relay: relayCfg,
		Forwarder: pagehook.ForwarderConfig{
			FirstDelay: cfg.PageHook.FirstDrain,
			RetryDelay: cfg.PageHook.RetryDelay,
		},
		PollInterval:     cfg.PageHook.PollInterval,
		Walk:             walk,
		CandidateTimeout: cfg.PageHook.ScanTimeout,
	}, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	offerHandle, err := agent.Hook().Construct(nil)
	if err != nil {
		log.Fatalw("failed to construct offerer", "error", err)
	}
	answerHandle, err := agent.Hook().Construct(nil)
	if err != nil {
		log.Fatalw("failed to construct answerer", "error", err)
	}
	offerer, err := peerConnection(offerHandle)
	if err != nil {
		log.Fatalw("unexpected offerer handle", "error", err)
	}
	answerer, err := peerConnection(answerHandle)
	if err != nil {
		log.Fatalw("unexpected answerer handle", "error", err)
	}
	defer offerer.Close()
	defer answerer.Close()

	// Also reachable by an on-demand scan.
	agent.Expose("probe", map[string]any{"offerer": offerer, "answerer": answerer})

	if err := loopback(ctx, offerer, answerer, log); err != nil {
		log.Fatalw("loopback negotiation failed", "error", err)
	}

	log.Infow("Probe running",
		"relay", relayCfg.URL,
		"tab_id", tabID,
		"connections", agent.Hook().Connections(),
	)
	agent.Run(ctx)

	if pending := agent.Close(); pending > 0 {
		log.Warnw("Undelivered stats messages dropped", "count", pending)
	}
	log.Info("Probe stopped")
}
